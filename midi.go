package cadenza

import (
	"io"
	"time"
)

type (
	MIDIDevice struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}

	// InputEvent is a normalised live event stamped with its arrival time on
	// the monotonic wall clock.
	InputEvent struct {
		At    time.Time `json:"at"`
		Event MIDIEvent `json:"event"`
	}

	// MIDIInput is a MIDI input backend. The handler passed to Open is called
	// from the driver's goroutine and must return quickly.
	MIDIInput interface {
		Devices() ([]MIDIDevice, error)
		Open(id string, handler func(InputEvent)) (io.Closer, error)
		Support() MIDISupport
		Close() error
	}

	MIDISupport int

	// NullMIDIInput is a MIDIInput with no devices, used when MIDI support
	// was not compiled in.
	NullMIDIInput struct{}
)

const (
	MIDISupportNotCompiled MIDISupport = iota
	MIDISupportNoDriver
	MIDISupported
)

func (s MIDISupport) String() string {
	switch s {
	case MIDISupportNotCompiled:
		return "not compiled"
	case MIDISupportNoDriver:
		return "no driver"
	}
	return "supported"
}

// ParseMIDIMessage normalises a raw channel message. Note on with velocity
// zero is a note off; of the controllers only the sustain pedal is
// understood.
func ParseMIDIMessage(msg []byte) (MIDIEvent, bool) {
	if len(msg) < 3 {
		return MIDIEvent{}, false
	}
	switch msg[0] & 0xF0 {
	case 0x80:
		return NoteOffEvent(msg[1] & 0x7F), true
	case 0x90:
		if msg[2] == 0 {
			return NoteOffEvent(msg[1] & 0x7F), true
		}
		return NoteOnEvent(msg[1]&0x7F, msg[2]&0x7F), true
	case 0xB0:
		if msg[1] == SustainController {
			return SustainEvent(msg[2] & 0x7F), true
		}
	}
	return MIDIEvent{}, false
}

func (NullMIDIInput) Devices() ([]MIDIDevice, error) { return nil, nil }
func (NullMIDIInput) Open(id string, handler func(InputEvent)) (io.Closer, error) {
	return nil, ErrNoDriver
}
func (NullMIDIInput) Support() MIDISupport { return MIDISupportNotCompiled }
func (NullMIDIInput) Close() error         { return nil }
