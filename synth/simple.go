// Package synth holds the synthesizers the render path plays: a waveguide
// piano and a small sine synthesizer that need no assets, and a SoundFont
// synthesizer that falls back to one of them.
package synth

import (
	"math"

	"github.com/cadenzaio/cadenza"
)

type (
	// Simple is a sine synthesizer with a fixed pool of voices per bus. It
	// never allocates after construction.
	Simple struct {
		sampleRate float32
		buses      [cadenza.NumBuses]simpleBus
	}

	simpleBus struct {
		voices  []voice
		sustain bool
	}

	voice struct {
		active   bool
		note     uint8
		keyDown  bool
		held     bool // released while the pedal was down
		phase    float32
		step     float32
		velocity float32

		release           int // samples left in the release, 0 if not releasing
		samplesSinceEvent int
	}
)

const (
	DefaultVoices    = 64
	amplitude        = 0.2
	releaseTime      = 0.2
	minVoiceVelocity = 0.05
)

// NewSimple returns a synthesizer with voices voices per bus; fewer than 8
// are raised to 8.
func NewSimple(sampleRate, voices int) *Simple {
	voices = max(voices, 8)
	s := &Simple{sampleRate: float32(sampleRate)}
	for i := range s.buses {
		s.buses[i].voices = make([]voice, voices)
	}
	return s
}

// SetSampleRate must not be called while a stream renders.
func (s *Simple) SetSampleRate(sampleRate int) { s.sampleRate = float32(sampleRate) }

// Active returns the number of sounding voices on bus.
func (s *Simple) Active(bus cadenza.Bus) int {
	n := 0
	for _, v := range s.buses[bus].voices {
		if v.active {
			n++
		}
	}
	return n
}

func (s *Simple) HandleEvent(bus cadenza.Bus, e cadenza.MIDIEvent) {
	if bus < 0 || bus >= cadenza.NumBuses {
		return
	}
	b := &s.buses[bus]
	switch e.Kind {
	case cadenza.NoteOn:
		s.trigger(b, e.Note, e.Value)
	case cadenza.NoteOff:
		for i := range b.voices {
			v := &b.voices[i]
			if v.active && v.keyDown && v.note == e.Note {
				v.keyDown = false
				v.samplesSinceEvent = 0
				if b.sustain {
					v.held = true
				} else {
					v.release = s.releaseSamples()
				}
			}
		}
	case cadenza.Sustain:
		b.sustain = e.SustainDown()
		if b.sustain {
			return
		}
		for i := range b.voices {
			if v := &b.voices[i]; v.active && v.held {
				v.held = false
				v.release = s.releaseSamples()
			}
		}
	case cadenza.AllNotesOff:
		b.sustain = false
		for i := range b.voices {
			if v := &b.voices[i]; v.active && v.release == 0 {
				v.keyDown, v.held = false, false
				v.release = s.releaseSamples()
			}
		}
	}
}

// trigger starts note on a free voice; when all are busy it steals a
// released voice, or else the one triggered longest ago.
func (s *Simple) trigger(b *simpleBus, note, velocity uint8) {
	best, bestReleased, age := 0, false, -1
	for i, v := range b.voices {
		if !v.active {
			best = i
			break
		}
		released := !v.keyDown && !v.held
		if (released && !bestReleased) || (released == bestReleased && v.samplesSinceEvent > age) {
			best, bestReleased, age = i, released, v.samplesSinceEvent
		}
	}
	freq := 440 * math.Pow(2, (float64(note)-69)/12)
	b.voices[best] = voice{
		active:   true,
		note:     note,
		keyDown:  true,
		step:     float32(2 * math.Pi * freq / float64(s.sampleRate)),
		velocity: min(max(float32(velocity)/127, minVoiceVelocity), 1),
	}
}

func (s *Simple) Render(bus cadenza.Bus, out cadenza.AudioBuffer) {
	out.Clear()
	if bus < 0 || bus >= cadenza.NumBuses {
		return
	}
	total := s.releaseSamples()
	frames := out.Frames()
	for i := range s.buses[bus].voices {
		v := &s.buses[bus].voices[i]
		if !v.active {
			continue
		}
		for f := 0; f < frames; f++ {
			gain := v.velocity
			if v.release > 0 {
				gain *= float32(v.release) / float32(total)
				v.release--
				if v.release == 0 {
					v.active = false
					break
				}
			}
			x := float32(math.Sin(float64(v.phase))) * gain * amplitude
			out[2*f] += x
			out[2*f+1] += x
			v.phase += v.step
			if v.phase >= 2*math.Pi {
				v.phase -= 2 * math.Pi
			}
		}
		v.samplesSinceEvent += frames
	}
}

func (s *Simple) releaseSamples() int {
	return max(int(s.sampleRate*releaseTime), 1)
}
