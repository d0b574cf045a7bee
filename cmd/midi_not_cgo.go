//go:build !cgo

package cmd

import (
	"github.com/cadenzaio/cadenza"
)

func NewMIDIInput() cadenza.MIDIInput {
	// with no cgo, we cannot use MIDI, so return a null input
	return cadenza.NullMIDIInput{}
}
