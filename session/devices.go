package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync/atomic"
	"time"

	"github.com/cadenzaio/cadenza"
	"github.com/cadenzaio/cadenza/settings"
	"github.com/sirupsen/logrus"
)

// renderGate keeps a stream away from the render path until the engine has
// been switched to its sample rate, and after it has been closed.
type renderGate struct {
	r        cadenza.Renderer
	active   atomic.Bool
	inflight atomic.Int32
}

// gateDrainTimeout bounds how long closing a stream waits for a callback
// that is still rendering.
const gateDrainTimeout = time.Second

func (g *renderGate) Render(start cadenza.SampleTime, out cadenza.AudioBuffer) {
	g.inflight.Add(1)
	defer g.inflight.Add(-1)
	if !g.active.Load() {
		out.Clear()
		return
	}
	g.r.Render(start, out)
}

// deactivate closes the gate and waits for renders already past it to
// return. It reports false if one is still running after timeout.
func (g *renderGate) deactivate(timeout time.Duration) bool {
	g.active.Store(false)
	deadline := time.Now().Add(timeout)
	for g.inflight.Load() > 0 {
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(100 * time.Microsecond)
	}
	return true
}

type audioAttempt struct {
	out cadenza.AudioOutput
	id  string
}

// openAudio opens device id, falling back to the default device of the
// backend and then to silent playback. Only when even that fails the audio
// subsystem is given up with ErrAudioUnavailable.
func (s *Session) openAudio(id string, cfg cadenza.AudioConfig) error {
	s.closeAudio()
	cfg = cfg.WithDefaults()
	var attempts []audioAttempt
	if id != cadenza.SilentDeviceID {
		attempts = append(attempts, audioAttempt{s.audio, id})
		if def := s.defaultAudioDevice(); def != id {
			attempts = append(attempts, audioAttempt{s.audio, def})
		}
	}
	attempts = append(attempts, audioAttempt{cadenza.NullAudioOutput{}, cadenza.SilentDeviceID})
	var errs []error
	for i, a := range attempts {
		gate := &renderGate{r: s.graph}
		stream, err := a.out.Open(a.id, cfg, gate)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", deviceLabel(a.id), err))
			s.log.WithError(err).WithField("device", a.id).Warn("opening audio output failed")
			continue
		}
		sr := stream.Config().SampleRate
		s.bridge.Reset(sr)
		if err := s.synth.SetSampleRate(sr); err != nil {
			s.alert("synth", Warning, "SoundFont dropped at %d Hz: %v", sr, err)
		}
		s.playback.SetSampleRate(sr)
		gate.active.Store(true)
		s.stream, s.gate, s.streamDevice = stream, gate, a.id
		_, s.silent = a.out.(cadenza.NullAudioOutput)
		if i > 0 {
			s.alert("audio", Recoverable, "audio output %s unavailable, playing on %s", deviceLabel(id), deviceLabel(a.id))
		}
		s.log.WithFields(logrus.Fields{"device": a.id, "sampleRate": sr, "bufferFrames": stream.Config().BufferFrames}).Info("audio output opened")
		return nil
	}
	err := fmt.Errorf("%w: %w", ErrAudioUnavailable, errors.Join(errs...))
	s.alert("audio", Fatal, "%v", err)
	return err
}

func deviceLabel(id string) string {
	if id == "" {
		return "default device"
	}
	return fmt.Sprintf("%q", id)
}

func (s *Session) defaultAudioDevice() string {
	devices, err := s.audio.Devices()
	if err != nil {
		return ""
	}
	for _, d := range devices {
		if d.Default {
			return d.ID
		}
	}
	return ""
}

func (s *Session) ensureAudio() error {
	if s.stream != nil {
		return nil
	}
	return s.openAudio(s.cfg.AudioOutput, s.cfg.Audio)
}

func (s *Session) closeAudio() {
	if s.stream == nil {
		return
	}
	s.releaseTestNote(true)
	if !s.gate.deactivate(gateDrainTimeout) {
		s.log.Warn("audio callback still rendering after the stream was gated")
	}
	if err := s.stream.Close(); err != nil {
		s.log.WithError(err).Warn("closing audio output failed")
	}
	s.stream, s.gate, s.streamDevice, s.silent = nil, nil, "", false
}

func (s *Session) audioDevices() ([]cadenza.AudioDevice, error) {
	devices, err := s.audio.Devices()
	if err != nil {
		return nil, err
	}
	silent, _ := cadenza.NullAudioOutput{}.Devices()
	for _, d := range silent {
		if !slices.ContainsFunc(devices, func(o cadenza.AudioDevice) bool { return o.ID == d.ID }) {
			d.Default = false
			devices = append(devices, d)
		}
	}
	return devices, nil
}

// openMIDI switches to input id; an empty id closes the current input.
func (s *Session) openMIDI(id string) error {
	s.closeMIDI()
	s.midiDevice = id
	if id == "" {
		return nil
	}
	closer, err := s.midi.Open(id, s.onMIDI)
	if err != nil {
		return err
	}
	s.midiCloser, s.midiConnected = closer, true
	s.log.WithField("device", id).Info("MIDI input opened")
	return nil
}

// onMIDI runs on the driver goroutine.
func (s *Session) onMIDI(e cadenza.InputEvent) {
	if !TrySend(s.input, e) {
		s.inputDropped.Add(1)
	}
}

func (s *Session) closeMIDI() {
	if s.midiCloser != nil {
		if err := s.midiCloser.Close(); err != nil {
			s.log.WithError(err).Warn("closing MIDI input failed")
		}
	}
	s.midiCloser, s.midiConnected = nil, false
}

// watchDevices lists the MIDI inputs every DeviceWatchInterval and hands
// the result to the core goroutine. A driver that hangs is given
// deviceListTimeout before the listing is skipped.
func (s *Session) watchDevices(ctx context.Context) {
	ticker := time.NewTicker(DeviceWatchInterval)
	defer ticker.Stop()
	var pending chan deviceList
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if pending == nil {
			pending = make(chan deviceList, 1)
			go func(c chan<- deviceList) {
				devices, err := s.midi.Devices()
				c <- deviceList{devices, err}
			}(pending)
		}
		l, ok := TimeoutReceive(pending, deviceListTimeout)
		if !ok {
			s.log.Warn("listing MIDI inputs timed out")
			continue
		}
		pending = nil
		TrySend(s.devices, l)
	}
}

// onDevices reacts to a new listing: the selected input is closed when it
// disappears and reopened when it comes back.
func (s *Session) onDevices(l deviceList) {
	if l.err != nil {
		s.log.WithError(l.err).Debug("listing MIDI inputs failed")
		return
	}
	changed := !slices.Equal(l.devices, s.midiDevices)
	s.midiDevices = l.devices
	if s.midiDevice != "" {
		present := slices.ContainsFunc(l.devices, func(d cadenza.MIDIDevice) bool { return d.ID == s.midiDevice })
		switch {
		case s.midiConnected && !present:
			s.closeMIDI()
			s.alert("midi", Recoverable, "MIDI input %q disconnected, waiting for it to return", s.midiDevice)
			changed = true
		case !s.midiConnected && present:
			if err := s.openMIDI(s.midiDevice); err != nil {
				s.log.WithError(err).Debug("reopening MIDI input failed")
			} else {
				s.alert("midi", Info, "MIDI input %q reconnected", s.midiDevice)
				changed = true
			}
		}
	}
	if changed {
		s.emit(MidiInputsUpdated{Devices: l.devices, Selected: s.midiDevice, Connected: s.midiConnected})
	}
}

// checkHealth notices a failed audio device and reports the drop and
// rejection counters that grew since the last check.
func (s *Session) checkHealth() {
	if s.stream != nil {
		if err := s.stream.Err(); err != nil {
			device := s.streamDevice
			s.alert("audio", Recoverable, "audio output %s failed: %v", deviceLabel(device), err)
			s.closeAudio()
			id := ""
			if device == "" {
				id = cadenza.SilentDeviceID
			}
			if s.openAudio(id, s.cfg.Audio) == nil {
				s.emitState()
			}
		}
	}
	if u, ok := s.midi.(interface{ Unsupported() uint64 }); ok {
		if n := u.Unsupported(); n > s.unsupported {
			s.alert("midi", Warning, "%d unsupported MIDI messages ignored", n-s.unsupported)
			s.unsupported = n
		}
	}
	if n := s.inputDropped.Load(); n > s.dropped {
		s.alert("midi", Warning, "%d MIDI input events dropped", n-s.dropped)
		s.dropped = n
	}
}

// selectAudio opens a device chosen by the user and remembers it.
func (s *Session) selectAudio(id string, override *cadenza.AudioConfig) error {
	cfg := s.cfg.Audio
	if override != nil {
		if override.SampleRate > 0 {
			cfg.SampleRate = override.SampleRate
		}
		if override.BufferFrames > 0 {
			cfg.BufferFrames = override.BufferFrames
		}
	}
	if err := s.openAudio(id, cfg); err != nil {
		return err
	}
	s.updateSettings(func(st *settings.Settings) {
		st.AudioOutput = id
		st.Audio = cfg
	})
	return nil
}
