package main

import (
	"fmt"

	"github.com/cadenzaio/cadenza"
	"github.com/spf13/cobra"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List the MIDI inputs and audio outputs",
	Args:  cobra.NoArgs,
	RunE: func(c *cobra.Command, args []string) error {
		d := openDevices()
		defer d.Close()
		out := c.OutOrStdout()
		fmt.Fprintf(out, "MIDI (%s):\n", d.midi.Support())
		if d.midi.Support() == cadenza.MIDISupported {
			inputs, err := d.midi.Devices()
			if err != nil {
				return fmt.Errorf("listing MIDI inputs failed: %w", err)
			}
			if len(inputs) == 0 {
				fmt.Fprintln(out, "  no inputs")
			}
			for _, in := range inputs {
				fmt.Fprintf(out, "  %s\n", in.Name)
			}
		}
		outputs, err := d.audio.Devices()
		if err != nil {
			return fmt.Errorf("listing audio outputs failed: %w", err)
		}
		fmt.Fprintln(out, "Audio:")
		for _, o := range outputs {
			mark := ""
			if o.Default {
				mark = " (default)"
			}
			fmt.Fprintf(out, "  %s%s\n", o.Name, mark)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(devicesCmd)
}
