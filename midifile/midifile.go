// Package midifile imports Standard MIDI Files into a cadenza.Score and
// exports scores back to them.
package midifile

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/cadenzaio/cadenza"
	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/smf"
)

var ErrMalformed = errors.New("malformed MIDI file")

// ReadFile imports the file at path, titling the score after the file name.
func ReadFile(path string) (cadenza.Score, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return cadenza.Score{}, fmt.Errorf("reading MIDI file failed: %w", err)
	}
	s, err := Read(bytes.NewReader(data))
	if err != nil {
		return cadenza.Score{}, err
	}
	s.Title = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return s, nil
}

// Read imports every track of the file into one music track. Note ons with
// velocity zero become note offs, the sustain pedal is kept and all other
// channel messages are ignored. Targets are the note ons grouped by tick.
func Read(r io.Reader) (s cadenza.Score, err error) {
	// smf panics on some truncated files
	defer func() {
		if p := recover(); p != nil {
			s, err = cadenza.Score{}, fmt.Errorf("%w: %v", ErrMalformed, p)
		}
	}()
	f, err := smf.ReadFrom(r)
	if err != nil {
		return cadenza.Score{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	var override int64
	switch tf := f.TimeFormat.(type) {
	case smf.MetricTicks:
		s.PPQ = int(tf)
	case smf.TimeCode:
		s.PPQ, override = timecodePPQ(tf)
	default:
		return cadenza.Score{}, fmt.Errorf("%w: unknown time format %v", ErrMalformed, f.TimeFormat)
	}
	if s.PPQ <= 0 {
		return cadenza.Score{}, fmt.Errorf("%w: resolution %d", ErrMalformed, s.PPQ)
	}
	tempo := map[cadenza.Tick]int64{}
	for _, track := range f.Tracks {
		var tick cadenza.Tick
		for _, ev := range track {
			tick += cadenza.Tick(ev.Delta)
			var bpm float64
			if ev.Message.GetMetaTempo(&bpm) {
				if bpm > 0 {
					// the last tempo at a tick wins
					tempo[tick] = int64(math.Round(60000000 / bpm))
				}
				continue
			}
			if e, ok := cadenza.ParseMIDIMessage(ev.Message); ok {
				s.Playback = append(s.Playback, cadenza.PlaybackEvent{Tick: tick, Event: e})
			}
		}
	}
	s.Tempo = cadenza.TempoPointsFrom(tempo)
	if override > 0 {
		s.Tempo = []cadenza.TempoPoint{{Tick: 0, MicrosPerQuarter: override}}
	}
	s.Normalize()
	s.SanitizeNotePairs()
	s.BuildTargets()
	if err := s.Validate(); err != nil {
		return cadenza.Score{}, err
	}
	return s, nil
}

// timecodePPQ treats one second as a quarter note so that SMPTE files keep
// their timing.
func timecodePPQ(tc smf.TimeCode) (ppq int, microsPerQuarter int64) {
	sub := max(int(tc.SubFrames), 1)
	switch tc.FramesPerSecond {
	case 29:
		return 30 * sub, 1001000
	default:
		return int(tc.FramesPerSecond) * sub, 1000000
	}
}

// WriteFile exports s to path as a format 1 Standard MIDI File.
func WriteFile(path string, s *cadenza.Score) error {
	f, err := encode(s)
	if err != nil {
		return err
	}
	if err := f.WriteFile(path); err != nil {
		return fmt.Errorf("writing MIDI file failed: %w", err)
	}
	return nil
}

// Write exports s to w. The first track carries the tempo map, the second
// the music. Left hand events go to channel 2, all others to channel 1;
// metronome clicks are left out.
func Write(w io.Writer, s *cadenza.Score) error {
	f, err := encode(s)
	if err != nil {
		return err
	}
	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("writing MIDI file failed: %w", err)
	}
	return nil
}

func encode(s *cadenza.Score) (*smf.SMF, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	f := smf.New()
	f.TimeFormat = smf.MetricTicks(s.PPQ)
	var conductor smf.Track
	var last cadenza.Tick
	if s.Title != "" {
		conductor.Add(0, smf.MetaTrackSequenceName(s.Title))
	}
	for _, p := range s.Tempo {
		conductor.Add(uint32(p.Tick-last), smf.MetaTempo(60000000/float64(p.MicrosPerQuarter)))
		last = p.Tick
	}
	conductor.Close(0)
	if err := f.Add(conductor); err != nil {
		return nil, fmt.Errorf("adding tempo track failed: %w", err)
	}
	var music smf.Track
	last = 0
	for _, p := range s.Playback {
		if p.Track != cadenza.TrackMusic {
			continue
		}
		var ch uint8
		if p.Hand == cadenza.HandLeft {
			ch = 1
		}
		var msg midi.Message
		switch p.Event.Kind {
		case cadenza.NoteOn:
			msg = midi.NoteOn(ch, p.Event.Note, p.Event.Value)
		case cadenza.NoteOff:
			msg = midi.NoteOff(ch, p.Event.Note)
		case cadenza.Sustain:
			msg = midi.ControlChange(ch, cadenza.SustainController, p.Event.Value)
		case cadenza.ProgramChange:
			msg = midi.ProgramChange(ch, p.Event.Value)
		default:
			continue
		}
		music.Add(uint32(p.Tick-last), msg)
		last = p.Tick
	}
	music.Close(0)
	if err := f.Add(music); err != nil {
		return nil, fmt.Errorf("adding music track failed: %w", err)
	}
	return f, nil
}
