// Package cadenza holds the data model shared by the practice engine: musical
// and device time, MIDI events, scores and the tempo map, plus the interfaces
// the audio, MIDI and synthesizer backends implement.
package cadenza

import (
	"encoding/json"
	"errors"
	"fmt"
)

type (
	// Tick is musical time, PPQ subdivisions of a quarter note. Never negative
	// in a valid score.
	Tick int64

	// SampleTime is an audio sample index of the open output stream. It only
	// advances while a stream is open and restarts when a stream is reopened.
	SampleTime uint64

	// Bus is an independent mixing channel with its own volume and sustain
	// pedal state.
	Bus int

	// Hand labels which hand a target or playback event belongs to.
	Hand int

	// Track separates the music of a score from the generated metronome
	// clicks.
	Track int

	EventKind int

	// MIDIEvent is the normalised payload carried through the engine. Value
	// is the velocity for notes, the pedal value for Sustain and the program
	// number for ProgramChange.
	MIDIEvent struct {
		Kind  EventKind `yaml:"kind" json:"kind"`
		Note  uint8     `yaml:"note,omitempty" json:"note,omitempty"`
		Value uint8     `yaml:"value,omitempty" json:"value,omitempty"`
	}

	// LoopRange is the half open range [Start, End) of ticks.
	LoopRange struct {
		Start Tick `yaml:"start" json:"start"`
		End   Tick `yaml:"end" json:"end"`
	}

	// ScheduledEvent is an event placed at an absolute device sample. It is
	// consumed exactly once by the render path. Generation tags the schedule
	// it was computed for; events of an older generation are discarded.
	ScheduledEvent struct {
		Sample     SampleTime
		Bus        Bus
		Event      MIDIEvent
		Generation uint64
	}

	// Notes is a set of MIDI note numbers. It serializes as a list of
	// numbers rather than as bytes.
	Notes []uint8

	// PlayerNoteOn is a live note already mapped to musical time.
	PlayerNoteOn struct {
		Tick     Tick
		Note     uint8
		Velocity uint8
	}
)

const (
	BusUserMonitor Bus = iota
	BusAutopilot
	BusMetronome
	NumBuses = 3
)

const (
	HandAny Hand = iota
	HandLeft
	HandRight
)

const (
	TrackMusic Track = iota
	TrackClick
)

const (
	NoteOff EventKind = iota
	NoteOn
	Sustain
	AllNotesOff
	ProgramChange
)

const (
	// DefaultPPQ is the resolution of generated scores.
	DefaultPPQ = 480
	// DefaultMicrosPerQuarter is 120 BPM.
	DefaultMicrosPerQuarter = 500000
	// SustainController is the MIDI controller number of the damper pedal.
	SustainController = 64
)

var (
	ErrInvalidTempoMap        = errors.New("invalid tempo map")
	ErrInvalidScore           = errors.New("invalid score")
	ErrInvalidLoopRange       = errors.New("invalid loop range")
	ErrInvalidTempoMultiplier = errors.New("invalid tempo multiplier")
	ErrDeviceNotFound         = errors.New("device not found")
	ErrNoDriver               = errors.New("no driver available")
)

func NoteOnEvent(note, velocity uint8) MIDIEvent {
	if velocity == 0 {
		return MIDIEvent{Kind: NoteOff, Note: note}
	}
	return MIDIEvent{Kind: NoteOn, Note: note, Value: velocity}
}

func NoteOffEvent(note uint8) MIDIEvent { return MIDIEvent{Kind: NoteOff, Note: note} }

func SustainEvent(value uint8) MIDIEvent { return MIDIEvent{Kind: Sustain, Value: value} }

func AllNotesOffEvent() MIDIEvent { return MIDIEvent{Kind: AllNotesOff} }

func ProgramChangeEvent(program uint8) MIDIEvent {
	return MIDIEvent{Kind: ProgramChange, Value: program}
}

// SustainDown reports whether a Sustain event presses the pedal (value >= 64).
func (e MIDIEvent) SustainDown() bool { return e.Kind == Sustain && e.Value >= 64 }

// Rank orders events that share a tick: controls first, then pedal presses,
// note offs, note ons and finally pedal releases. Ending a note before a
// note on at the same instant keeps a re-struck note from being cut.
func (e MIDIEvent) Rank() int {
	switch e.Kind {
	case AllNotesOff, ProgramChange:
		return -1
	case Sustain:
		if e.SustainDown() {
			return 0
		}
		return 3
	case NoteOff:
		return 1
	default:
		return 2
	}
}

// Less orders two events at the same time by rank and then by note.
func (e MIDIEvent) Less(o MIDIEvent) bool {
	if r1, r2 := e.Rank(), o.Rank(); r1 != r2 {
		return r1 < r2
	}
	return e.Note < o.Note
}

func (e MIDIEvent) String() string {
	switch e.Kind {
	case NoteOn:
		return fmt.Sprintf("NoteOn(%d, %d)", e.Note, e.Value)
	case NoteOff:
		return fmt.Sprintf("NoteOff(%d)", e.Note)
	case Sustain:
		return fmt.Sprintf("Sustain(%d)", e.Value)
	case AllNotesOff:
		return "AllNotesOff"
	case ProgramChange:
		return fmt.Sprintf("ProgramChange(%d)", e.Value)
	}
	return "Unknown"
}

func (b Bus) String() string {
	switch b {
	case BusUserMonitor:
		return "monitor"
	case BusAutopilot:
		return "autopilot"
	case BusMetronome:
		return "metronome"
	}
	return fmt.Sprintf("bus%d", int(b))
}

// ParseBus is the inverse of Bus.String.
func ParseBus(s string) (Bus, error) {
	for b := Bus(0); b < NumBuses; b++ {
		if b.String() == s {
			return b, nil
		}
	}
	return 0, fmt.Errorf("unknown bus %q", s)
}

func (h Hand) String() string {
	switch h {
	case HandLeft:
		return "left"
	case HandRight:
		return "right"
	}
	return "any"
}

func (h Hand) MarshalText() ([]byte, error) { return []byte(h.String()), nil }

func (h *Hand) UnmarshalText(text []byte) error {
	switch string(text) {
	case "left", "l", "L":
		*h = HandLeft
	case "right", "r", "R":
		*h = HandRight
	case "", "any":
		*h = HandAny
	default:
		return fmt.Errorf("unknown hand %q", string(text))
	}
	return nil
}

var eventKindNames = [...]string{"noteoff", "noteon", "sustain", "allnotesoff", "program"}

func (k EventKind) MarshalText() ([]byte, error) {
	if k < 0 || int(k) >= len(eventKindNames) {
		return nil, fmt.Errorf("unknown event kind %d", int(k))
	}
	return []byte(eventKindNames[k]), nil
}

func (k *EventKind) UnmarshalText(text []byte) error {
	for i, n := range eventKindNames {
		if n == string(text) {
			*k = EventKind(i)
			return nil
		}
	}
	return fmt.Errorf("unknown event kind %q", string(text))
}

func (t Track) MarshalText() ([]byte, error) {
	if t == TrackClick {
		return []byte("click"), nil
	}
	return []byte("music"), nil
}

func (t *Track) UnmarshalText(text []byte) error {
	switch string(text) {
	case "click":
		*t = TrackClick
	case "", "music":
		*t = TrackMusic
	default:
		return fmt.Errorf("unknown track %q", string(text))
	}
	return nil
}

// Validate checks that the loop range is non-empty and starts at or after
// zero.
func (r LoopRange) Validate() error {
	if r.Start < 0 || r.End <= r.Start {
		return fmt.Errorf("%w: [%d, %d)", ErrInvalidLoopRange, r.Start, r.End)
	}
	return nil
}

func (n Notes) ints() []int {
	ret := make([]int, len(n))
	for i, v := range n {
		ret[i] = int(v)
	}
	return ret
}

func (n Notes) MarshalJSON() ([]byte, error) { return json.Marshal(n.ints()) }

func (n Notes) MarshalYAML() (any, error) { return n.ints(), nil }

// Contains reports whether note is in the set. The set must be sorted.
func (n Notes) Contains(note uint8) bool {
	for _, v := range n {
		if v == note {
			return true
		}
		if v > note {
			return false
		}
	}
	return false
}

func (r LoopRange) Contains(t Tick) bool { return t >= r.Start && t < r.End }
