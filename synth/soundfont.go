package synth

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/cadenzaio/cadenza"
	"github.com/sinshu/go-meltysynth/meltysynth"
)

type (
	// SoundFont plays the buses through one meltysynth synthesizer each.
	// Until a SoundFont is loaded, or when loading fails, every call goes to
	// the fallback synthesizer. Loading happens on the control side and the
	// finished synthesizers are swapped in atomically, so the render path
	// never waits for it.
	SoundFont struct {
		fallback   cadenza.Synth
		sampleRate int
		bank       atomic.Pointer[bank]
		programs   [cadenza.NumBuses]atomic.Int32

		font *meltysynth.SoundFont // control side only
		info SoundFontInfo

		left, right []float32
	}

	SoundFontInfo struct {
		Name    string `json:"name"`
		Path    string `json:"path,omitempty"`
		Presets int    `json:"presets"`
	}

	bank struct {
		synths [cadenza.NumBuses]*meltysynth.Synthesizer
	}
)

const (
	soundFontMasterVolume = 0.25
	soundFontBlockFrames  = 4096
)

var ErrNoSoundFont = errors.New("no SoundFont loaded")

func NewSoundFont(sampleRate int, fallback cadenza.Synth) *SoundFont {
	return &SoundFont{
		fallback:   fallback,
		sampleRate: sampleRate,
		left:       make([]float32, soundFontBlockFrames),
		right:      make([]float32, soundFontBlockFrames),
	}
}

// LoadFile reads a .sf2 file and switches to it.
func (s *SoundFont) LoadFile(path string) (SoundFontInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return SoundFontInfo{}, fmt.Errorf("reading SoundFont: %w", err)
	}
	info, err := s.Load(bytes.NewReader(data), filepath.Base(path))
	if err != nil {
		return SoundFontInfo{}, err
	}
	s.info.Path = path
	return s.info, nil
}

// Load parses a SoundFont from r and switches to it. name is used when the
// file does not name its bank.
func (s *SoundFont) Load(r io.Reader, name string) (info SoundFontInfo, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("parsing SoundFont: %v", p)
		}
	}()
	font, err := meltysynth.NewSoundFont(r)
	if err != nil {
		return SoundFontInfo{}, fmt.Errorf("parsing SoundFont: %w", err)
	}
	b, err := s.build(font)
	if err != nil {
		return SoundFontInfo{}, err
	}
	if font.Info != nil && strings.TrimSpace(font.Info.BankName) != "" {
		name = strings.TrimSpace(font.Info.BankName)
	}
	s.font = font
	s.info = SoundFontInfo{Name: name, Presets: len(font.Presets)}
	s.bank.Store(b)
	return s.info, nil
}

// Info returns the loaded SoundFont, or ErrNoSoundFont.
func (s *SoundFont) Info() (SoundFontInfo, error) {
	if s.bank.Load() == nil {
		return SoundFontInfo{}, ErrNoSoundFont
	}
	return s.info, nil
}

// Unload goes back to the fallback synthesizer.
func (s *SoundFont) Unload() {
	s.bank.Store(nil)
	s.font = nil
	s.info = SoundFontInfo{}
}

// SetSampleRate rebuilds the synthesizers for a new stream. It must not be
// called while a stream renders.
func (s *SoundFont) SetSampleRate(sampleRate int) error {
	s.sampleRate = sampleRate
	if r, ok := s.fallback.(interface{ SetSampleRate(int) }); ok {
		r.SetSampleRate(sampleRate)
	}
	if s.font == nil {
		return nil
	}
	b, err := s.build(s.font)
	if err != nil {
		return err
	}
	s.bank.Store(b)
	return nil
}

func (s *SoundFont) build(font *meltysynth.SoundFont) (*bank, error) {
	settings := meltysynth.NewSynthesizerSettings(int32(s.sampleRate))
	settings.EnableReverbAndChorus = false
	b := &bank{}
	for i := range b.synths {
		synth, err := meltysynth.NewSynthesizer(font, settings)
		if err != nil {
			return nil, fmt.Errorf("creating synthesizer: %w", err)
		}
		synth.MasterVolume = soundFontMasterVolume
		if p := s.programs[i].Load(); p != 0 {
			synth.ProcessMidiMessage(0, 0xC0, p, 0)
		}
		b.synths[i] = synth
	}
	return b, nil
}

func (s *SoundFont) HandleEvent(bus cadenza.Bus, e cadenza.MIDIEvent) {
	if bus < 0 || bus >= cadenza.NumBuses {
		return
	}
	if e.Kind == cadenza.ProgramChange {
		s.programs[bus].Store(int32(e.Value & 127))
	}
	b := s.bank.Load()
	if b == nil {
		s.fallback.HandleEvent(bus, e)
		return
	}
	synth := b.synths[bus]
	switch e.Kind {
	case cadenza.NoteOn:
		synth.NoteOn(0, int32(e.Note), int32(e.Value))
	case cadenza.NoteOff:
		synth.NoteOff(0, int32(e.Note))
	case cadenza.Sustain:
		synth.ProcessMidiMessage(0, 0xB0, cadenza.SustainController, int32(e.Value))
	case cadenza.AllNotesOff:
		synth.ProcessMidiMessage(0, 0xB0, cadenza.SustainController, 0)
		synth.NoteOffAll(false)
	case cadenza.ProgramChange:
		synth.ProcessMidiMessage(0, 0xC0, int32(e.Value&127), 0)
	}
}

func (s *SoundFont) Render(bus cadenza.Bus, out cadenza.AudioBuffer) {
	b := s.bank.Load()
	if b == nil {
		s.fallback.Render(bus, out)
		return
	}
	if bus < 0 || bus >= cadenza.NumBuses {
		out.Clear()
		return
	}
	synth := b.synths[bus]
	for frames := out.Frames(); frames > 0; {
		n := min(frames, len(s.left))
		synth.Render(s.left[:n], s.right[:n])
		for i := 0; i < n; i++ {
			out[2*i] = s.left[i]
			out[2*i+1] = s.right[i]
		}
		out = out[2*n:]
		frames -= n
	}
}
