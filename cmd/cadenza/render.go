package main

import (
	"fmt"
	"time"

	"github.com/cadenzaio/cadenza"
	"github.com/cadenzaio/cadenza/offline"
	"github.com/cadenzaio/cadenza/session"
	"github.com/cadenzaio/cadenza/synth"
	"github.com/spf13/cobra"
)

var (
	renderSoundFont   string
	renderSynth       string
	renderSampleRate  int
	renderTempo       float64
	renderMetronome   bool
	renderBeatsPerBar int
	renderTail        float64
)

var renderCmd = &cobra.Command{
	Use:   "render <score> <out.wav>",
	Short: "Render a score to a WAV file",
	Long: `Render a MIDI or MusicXML score to a 16-bit stereo WAV file. The score
plays through the same engine as a practice session, so the file sounds the
way the autopilot would.`,
	Args: cobra.ExactArgs(2),
	RunE: func(c *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()
		score, err := session.ReadScore(session.ScoreSource{Path: args[0]})
		if err != nil {
			return err
		}
		if renderMetronome {
			score.WithMetronome(renderBeatsPerBar)
		}
		sr := cadenza.AudioConfig{SampleRate: renderSampleRate}.WithDefaults().SampleRate
		var s cadenza.Synth
		switch renderSynth {
		case "piano":
			s = synth.NewPiano(sr, 32)
		case "sine":
			s = synth.NewSimple(sr, 32)
		default:
			return fmt.Errorf("unknown synth %q, expected piano or sine", renderSynth)
		}
		if renderSoundFont != "" {
			sf := synth.NewSoundFont(sr, s)
			info, err := sf.LoadFile(session.NormalizePath(renderSoundFont))
			if err != nil {
				return err
			}
			log.WithField("soundfont", info.Name).Debug("SoundFont loaded")
			s = sf
		}
		out := session.NormalizePath(args[1])
		opts := offline.Options{
			SampleRate: sr,
			Multiplier: renderTempo,
			Metronome:  renderMetronome,
			Tail:       time.Duration(renderTail * float64(time.Second)),
		}
		if err := offline.RenderFile(ctx, out, &score, s, opts); err != nil {
			return err
		}
		fmt.Fprintf(c.OutOrStdout(), "%s: %s\n", score.Title, out)
		return nil
	},
}

func init() {
	f := renderCmd.Flags()
	f.StringVar(&renderSoundFont, "soundfont", "", "SoundFont (.sf2) to render with instead of the built-in synth")
	f.StringVar(&renderSynth, "synth", "piano", "built-in synth: piano or sine")
	f.IntVar(&renderSampleRate, "sample-rate", cadenza.DefaultSampleRate, "sample rate of the file")
	f.Float64Var(&renderTempo, "tempo", 1, "tempo multiplier")
	f.BoolVar(&renderMetronome, "metronome", false, "add metronome clicks")
	f.IntVar(&renderBeatsPerBar, "beats-per-bar", 4, "beats per bar of the metronome")
	f.Float64Var(&renderTail, "tail", offline.DefaultTail.Seconds(), "seconds rendered after the last note")
	rootCmd.AddCommand(renderCmd)
}
