package cadenza

import (
	"errors"
	"sync"
	"time"
)

type (
	// AudioBuffer is interleaved stereo PCM: left, right, left, right...
	AudioBuffer []float32

	AudioConfig struct {
		SampleRate   int `yaml:"sampleRate" json:"sampleRate"`
		BufferFrames int `yaml:"bufferFrames" json:"bufferFrames"`
	}

	AudioDevice struct {
		ID      string `json:"id"`
		Name    string `json:"name"`
		Default bool   `json:"default"`
	}

	// Renderer fills out, which starts at device sample start. It is called
	// from the audio goroutine and must neither block nor allocate.
	Renderer interface {
		Render(start SampleTime, out AudioBuffer)
	}

	// AudioOutput is an audio backend. Open starts a stream that calls the
	// renderer for every buffer until the stream is closed.
	AudioOutput interface {
		Devices() ([]AudioDevice, error)
		Open(id string, cfg AudioConfig, r Renderer) (AudioStream, error)
	}

	AudioStream interface {
		Config() AudioConfig
		// Err returns a non-nil error once the device has failed.
		Err() error
		Close() error
	}

	// NullAudioOutput drives the renderer in real time from a timer and
	// discards the audio, so that practice keeps working without a device.
	NullAudioOutput struct{}

	nullStream struct {
		cfg      AudioConfig
		close    chan struct{}
		finished chan struct{}
		once     sync.Once
	}
)

const (
	DefaultSampleRate   = 48000
	DefaultBufferFrames = 512
	// SilentDeviceID names the device of NullAudioOutput.
	SilentDeviceID = "silent"
)

var ErrStreamClosed = errors.New("audio stream closed")

// Frames returns the number of stereo frames in the buffer.
func (b AudioBuffer) Frames() int { return len(b) / 2 }

// Clear sets every sample to zero.
func (b AudioBuffer) Clear() {
	for i := range b {
		b[i] = 0
	}
}

// WithDefaults fills in zero fields.
func (c AudioConfig) WithDefaults() AudioConfig {
	if c.SampleRate <= 0 {
		c.SampleRate = DefaultSampleRate
	}
	if c.BufferFrames <= 0 {
		c.BufferFrames = DefaultBufferFrames
	}
	return c
}

// BufferDuration is the wall clock length of one buffer.
func (c AudioConfig) BufferDuration() time.Duration {
	return time.Duration(c.BufferFrames) * time.Second / time.Duration(c.SampleRate)
}

func (NullAudioOutput) Devices() ([]AudioDevice, error) {
	return []AudioDevice{{ID: SilentDeviceID, Name: "Silent", Default: true}}, nil
}

func (NullAudioOutput) Open(id string, cfg AudioConfig, r Renderer) (AudioStream, error) {
	cfg = cfg.WithDefaults()
	s := &nullStream{cfg: cfg, close: make(chan struct{}), finished: make(chan struct{})}
	go s.run(r)
	return s, nil
}

func (s *nullStream) run(r Renderer) {
	defer close(s.finished)
	buf := make(AudioBuffer, s.cfg.BufferFrames*2)
	ticker := time.NewTicker(s.cfg.BufferDuration())
	defer ticker.Stop()
	var sample SampleTime
	for {
		select {
		case <-s.close:
			return
		case <-ticker.C:
			r.Render(sample, buf)
			sample += SampleTime(s.cfg.BufferFrames)
		}
	}
}

func (s *nullStream) Config() AudioConfig { return s.cfg }
func (s *nullStream) Err() error          { return nil }

func (s *nullStream) Close() error {
	s.once.Do(func() { close(s.close) })
	select {
	case <-s.finished:
	case <-time.After(3 * time.Second):
		return errors.New("silent audio stream did not stop in time")
	}
	return nil
}
