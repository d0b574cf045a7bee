package main

import (
	"fmt"
	"io"

	"github.com/cadenzaio/cadenza/session"
	"github.com/cadenzaio/cadenza/tui"
	"github.com/spf13/cobra"
)

var (
	practiceMIDI string
	practiceDemo string
)

var practiceCmd = &cobra.Command{
	Use:   "practice [score]",
	Short: "Practice a MIDI or MusicXML score in the terminal",
	Long: `Practice a MIDI or MusicXML score in the terminal. Without a score the
demo named by --demo is loaded. Logs go to --log-file only, so that they do
not disturb the display.`,
	Args: cobra.MaximumNArgs(1),
	PersistentPreRunE: func(c *cobra.Command, args []string) error {
		if err := setupLogging(c); err != nil {
			return err
		}
		if logFile == "" {
			log.SetOutput(io.Discard)
		}
		return nil
	},
	RunE: func(c *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()
		s, stop, err := newSession(ctx)
		if err != nil {
			return err
		}
		defer stop()
		events, unsubscribe := s.Subscribe(256)
		defer unsubscribe()
		if practiceMIDI != "" {
			if _, err := s.Do(ctx, session.SelectMidiInput{DeviceID: practiceMIDI}); err != nil {
				return fmt.Errorf("selecting MIDI input failed: %w", err)
			}
		}
		src := session.ScoreSource{Kind: session.SourceDemo, ID: practiceDemo}
		if len(args) > 0 {
			src = session.ScoreSource{Path: args[0]}
		}
		if _, err := s.Do(ctx, session.LoadScore{Source: src}); err != nil {
			return err
		}
		return tui.Run(ctx, s, events)
	},
}

func init() {
	practiceCmd.Flags().StringVar(&practiceMIDI, "midi", "", "MIDI input to play on (see the devices command)")
	practiceCmd.Flags().StringVar(&practiceDemo, "demo", session.DemoScale, "demo to load when no score is given: scale or chords")
	rootCmd.AddCommand(practiceCmd)
}
