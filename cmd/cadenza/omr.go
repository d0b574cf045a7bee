package main

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/cadenzaio/cadenza/midifile"
	"github.com/cadenzaio/cadenza/musicxml"
	"github.com/cadenzaio/cadenza/omr"
	"github.com/cadenzaio/cadenza/session"
	"github.com/spf13/cobra"
)

var (
	omrOutput    string
	omrAudiveris string
	omrQuiet     bool
)

var omrCmd = &cobra.Command{
	Use:   "omr <pdf>",
	Short: "Convert a PDF score to MIDI with Audiveris",
	Long: `Convert a PDF score to a standard MIDI file. The PDF is recognised by
Audiveris, found through --audiveris, then the AUDIVERIS_PATH environment
variable, then PATH. The MIDI file is written next to the PDF unless --output
is given.`,
	Args: cobra.ExactArgs(1),
	RunE: func(c *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()
		pdf := session.NormalizePath(args[0])
		out := omrOutput
		if out == "" {
			out = strings.TrimSuffix(pdf, filepath.Ext(pdf)) + ".mid"
		}
		out = session.NormalizePath(out)
		exe, err := omr.ResolvePath(omrAudiveris)
		if err != nil {
			return err
		}
		a := &omr.Audiveris{Path: exe, Log: log.WithField("component", "omr")}
		stderr := c.ErrOrStderr()
		res, err := a.Recognize(ctx, pdf, func(line string) {
			if !omrQuiet {
				fmt.Fprintln(stderr, line)
			}
		})
		if err != nil {
			if res.LogFile != "" {
				return fmt.Errorf("%w (log in %s)", err, res.LogFile)
			}
			return err
		}
		score, err := musicxml.ReadFile(res.MusicXML)
		if err != nil {
			return err
		}
		if err := midifile.WriteFile(out, &score); err != nil {
			return err
		}
		fmt.Fprintln(c.OutOrStdout(), out)
		return nil
	},
}

func init() {
	f := omrCmd.Flags()
	f.StringVarP(&omrOutput, "output", "o", "", "MIDI file to write")
	f.StringVar(&omrAudiveris, "audiveris", "", "Audiveris executable or application bundle")
	f.BoolVarP(&omrQuiet, "quiet", "q", false, "do not print the Audiveris output")
	rootCmd.AddCommand(omrCmd)
}
