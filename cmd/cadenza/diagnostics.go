package main

import (
	"fmt"

	"github.com/cadenzaio/cadenza/session"
	"github.com/spf13/cobra"
)

var diagnosticsDir string

var diagnosticsCmd = &cobra.Command{
	Use:   "diagnostics",
	Short: "Write a diagnostics bundle",
	Long: `Start a session on the configured devices and write a diagnostics
bundle with the device lists, settings, counters and alerts.`,
	Args: cobra.NoArgs,
	RunE: func(c *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()
		s, stop, err := newSession(ctx)
		if err != nil {
			return err
		}
		defer stop()
		res, err := s.Do(ctx, session.ExportDiagnostics{Dir: diagnosticsDir})
		if err != nil {
			return err
		}
		fmt.Fprintln(c.OutOrStdout(), res)
		return nil
	},
}

func init() {
	diagnosticsCmd.Flags().StringVar(&diagnosticsDir, "dir", "", "directory to write the bundle to")
	rootCmd.AddCommand(diagnosticsCmd)
}
