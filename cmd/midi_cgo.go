//go:build cgo

package cmd

import (
	"github.com/cadenzaio/cadenza"
	"github.com/cadenzaio/cadenza/gomidi"
)

func NewMIDIInput() cadenza.MIDIInput {
	return gomidi.NewInput()
}
