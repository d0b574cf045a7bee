package synth_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/cadenzaio/cadenza"
	"github.com/cadenzaio/cadenza/synth"
)

func peak(b cadenza.AudioBuffer) float32 {
	var p float32
	for _, v := range b {
		p = max(p, v, -v)
	}
	return p
}

func TestSimpleNoteOnAndRelease(t *testing.T) {
	s := synth.NewSimple(48000, 8)
	buf := make(cadenza.AudioBuffer, 1024*2)
	s.HandleEvent(cadenza.BusAutopilot, cadenza.NoteOnEvent(69, 127))
	s.Render(cadenza.BusAutopilot, buf)
	if p := peak(buf); p < 0.15 || p > 0.2001 {
		t.Fatalf("peak of a full velocity note was %v", p)
	}
	s.Render(cadenza.BusUserMonitor, buf)
	if p := peak(buf); p != 0 {
		t.Fatalf("note leaked into another bus: %v", p)
	}
	s.HandleEvent(cadenza.BusAutopilot, cadenza.NoteOffEvent(69))
	// the release takes 0.2 s, 9600 samples
	for i := 0; i < 10; i++ {
		s.Render(cadenza.BusAutopilot, buf)
	}
	if s.Active(cadenza.BusAutopilot) != 0 {
		t.Fatalf("voice still active after the release")
	}
	s.Render(cadenza.BusAutopilot, buf)
	if p := peak(buf); p != 0 {
		t.Fatalf("released voice still sounds: %v", p)
	}
}

func TestSimpleSustainHoldsNotes(t *testing.T) {
	s := synth.NewSimple(48000, 8)
	buf := make(cadenza.AudioBuffer, 4096*2)
	s.HandleEvent(cadenza.BusAutopilot, cadenza.SustainEvent(127))
	s.HandleEvent(cadenza.BusAutopilot, cadenza.NoteOnEvent(60, 100))
	s.HandleEvent(cadenza.BusAutopilot, cadenza.NoteOffEvent(60))
	for i := 0; i < 5; i++ {
		s.Render(cadenza.BusAutopilot, buf)
	}
	if s.Active(cadenza.BusAutopilot) != 1 {
		t.Fatalf("sustained note was released")
	}
	s.HandleEvent(cadenza.BusAutopilot, cadenza.SustainEvent(0))
	for i := 0; i < 5; i++ {
		s.Render(cadenza.BusAutopilot, buf)
	}
	if s.Active(cadenza.BusAutopilot) != 0 {
		t.Fatalf("note kept sounding after the pedal was lifted")
	}
}

func TestSimpleStealsVoices(t *testing.T) {
	s := synth.NewSimple(48000, 8)
	for n := uint8(40); n < 60; n++ {
		s.HandleEvent(cadenza.BusUserMonitor, cadenza.NoteOnEvent(n, 100))
	}
	if got := s.Active(cadenza.BusUserMonitor); got != 8 {
		t.Fatalf("expected all 8 voices in use, got %d", got)
	}
	s.HandleEvent(cadenza.BusUserMonitor, cadenza.AllNotesOffEvent())
	buf := make(cadenza.AudioBuffer, 10000*2)
	s.Render(cadenza.BusUserMonitor, buf)
	if got := s.Active(cadenza.BusUserMonitor); got != 0 {
		t.Fatalf("all notes off left %d voices", got)
	}
}

func TestSoundFontFallsBack(t *testing.T) {
	fallback := synth.NewPiano(48000, 8)
	s := synth.NewSoundFont(48000, fallback)
	if _, err := s.Info(); !errors.Is(err, synth.ErrNoSoundFont) {
		t.Fatalf("expected ErrNoSoundFont, got %v", err)
	}
	s.HandleEvent(cadenza.BusAutopilot, cadenza.NoteOnEvent(60, 100))
	if fallback.Active(cadenza.BusAutopilot) != 1 {
		t.Fatalf("event did not reach the fallback synthesizer")
	}
	buf := make(cadenza.AudioBuffer, 256*2)
	s.Render(cadenza.BusAutopilot, buf)
	if peak(buf) == 0 {
		t.Fatalf("fallback synthesizer was not rendered")
	}
	if _, err := s.Load(bytes.NewReader([]byte("not a soundfont")), "broken.sf2"); err == nil {
		t.Fatalf("loading garbage succeeded")
	}
	if _, err := s.Info(); !errors.Is(err, synth.ErrNoSoundFont) {
		t.Fatalf("failed load replaced the fallback: %v", err)
	}
}

func renderSeconds(s cadenza.Synth, bus cadenza.Bus, seconds float64) float32 {
	buf := make(cadenza.AudioBuffer, 480*2)
	var p float32
	for i := 0; i < int(seconds*100); i++ {
		s.Render(bus, buf)
		p = max(p, peak(buf))
	}
	return p
}

func TestPianoStrikesAndReleases(t *testing.T) {
	s := synth.NewPiano(48000, 8)
	s.HandleEvent(cadenza.BusAutopilot, cadenza.NoteOnEvent(60, 100))
	if p := renderSeconds(s, cadenza.BusAutopilot, 0.1); p < 0.01 || p > 4 {
		t.Fatalf("peak of a struck note was %v", p)
	}
	if p := renderSeconds(s, cadenza.BusUserMonitor, 0.01); p != 0 {
		t.Fatalf("note leaked into another bus: %v", p)
	}
	if s.Active(cadenza.BusAutopilot) != 1 {
		t.Fatalf("held note stopped sounding")
	}
	s.HandleEvent(cadenza.BusAutopilot, cadenza.NoteOffEvent(60))
	renderSeconds(s, cadenza.BusAutopilot, 5)
	if s.Active(cadenza.BusAutopilot) != 0 {
		t.Fatalf("voice still active long after the release")
	}
	if p := renderSeconds(s, cadenza.BusAutopilot, 0.01); p != 0 {
		t.Fatalf("freed voice still sounds: %v", p)
	}
}

func TestPianoSustainHoldsNotes(t *testing.T) {
	s := synth.NewPiano(48000, 8)
	s.HandleEvent(cadenza.BusAutopilot, cadenza.SustainEvent(127))
	s.HandleEvent(cadenza.BusAutopilot, cadenza.NoteOnEvent(72, 90))
	s.HandleEvent(cadenza.BusAutopilot, cadenza.NoteOffEvent(72))
	renderSeconds(s, cadenza.BusAutopilot, 0.5)
	if s.Active(cadenza.BusAutopilot) != 1 {
		t.Fatalf("sustained note was released")
	}
	s.HandleEvent(cadenza.BusAutopilot, cadenza.SustainEvent(0))
	renderSeconds(s, cadenza.BusAutopilot, 5)
	if s.Active(cadenza.BusAutopilot) != 0 {
		t.Fatalf("note kept sounding after the pedal was lifted")
	}
}

func TestPianoStealsAndSilences(t *testing.T) {
	s := synth.NewPiano(48000, 8)
	for n := uint8(40); n < 60; n++ {
		s.HandleEvent(cadenza.BusUserMonitor, cadenza.NoteOnEvent(n, 100))
	}
	if got := s.Active(cadenza.BusUserMonitor); got != 8 {
		t.Fatalf("expected all 8 voices in use, got %d", got)
	}
	s.HandleEvent(cadenza.BusUserMonitor, cadenza.AllNotesOffEvent())
	renderSeconds(s, cadenza.BusUserMonitor, 5)
	if got := s.Active(cadenza.BusUserMonitor); got != 0 {
		t.Fatalf("all notes off left %d voices", got)
	}
	s.HandleEvent(cadenza.BusMetronome, cadenza.NoteOnEvent(76, 100))
	s.SetSampleRate(44100)
	if got := s.Active(cadenza.BusMetronome); got != 0 {
		t.Fatalf("changing the sample rate left %d voices", got)
	}
}

func TestPianoIsDeterministic(t *testing.T) {
	a, b := synth.NewPiano(48000, 8), synth.NewPiano(48000, 8)
	bufA, bufB := make(cadenza.AudioBuffer, 1024*2), make(cadenza.AudioBuffer, 1024*2)
	for _, s := range []*synth.Piano{a, b} {
		s.HandleEvent(cadenza.BusAutopilot, cadenza.NoteOnEvent(48, 70))
		s.HandleEvent(cadenza.BusAutopilot, cadenza.NoteOnEvent(64, 110))
	}
	for i := 0; i < 8; i++ {
		a.Render(cadenza.BusAutopilot, bufA)
		b.Render(cadenza.BusAutopilot, bufB)
		for j := range bufA {
			if bufA[j] != bufB[j] {
				t.Fatalf("block %d differs at %d: %v and %v", i, j, bufA[j], bufB[j])
			}
		}
	}
}
