// Package gomidi reads live MIDI input through gitlab.com/gomidi/midi/v2 and
// its rtmidi driver.
package gomidi

import (
	"sync/atomic"

	"github.com/cadenzaio/cadenza"
)

// Filter counts the messages cadenza.ParseMIDIMessage does not understand
// instead of delivering them.
type Filter struct {
	unsupported atomic.Uint64
}

func (f *Filter) Handle(msg []byte, handler func(cadenza.MIDIEvent)) {
	e, ok := cadenza.ParseMIDIMessage(msg)
	if !ok {
		f.unsupported.Add(1)
		return
	}
	handler(e)
}

// Unsupported returns the number of messages dropped so far.
func (f *Filter) Unsupported() uint64 { return f.unsupported.Load() }
