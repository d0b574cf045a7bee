// Package oto plays the render path through the system audio device with
// ebitengine/oto.
package oto

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cadenzaio/cadenza"
	"github.com/ebitengine/oto/v3"
)

type (
	// Output is a cadenza.AudioOutput on the default system device. oto
	// allows one context per process, so the sample rate of the first
	// stream is kept for all later streams.
	Output struct {
		Format Format
	}

	Format int

	stream struct {
		cfg    cadenza.AudioConfig
		player *oto.Player
		reader *renderReader
		ctx    *oto.Context
	}

	// renderReader is the io.Reader oto pulls PCM from. Each Read renders the
	// next frames through the renderer.
	renderReader struct {
		renderer cadenza.Renderer
		format   Format
		sample   cadenza.SampleTime
		buf      cadenza.AudioBuffer
		bytes    []byte
		closed   atomic.Bool
	}
)

const (
	Float32 Format = iota
	Signed16
)

// DefaultDeviceID names the system default device, the only one oto offers.
const DefaultDeviceID = "default"

const readyTimeout = 5 * time.Second

var (
	contextOnce sync.Once
	context     *oto.Context
	contextCfg  cadenza.AudioConfig
	contextErr  error
)

func sharedContext(cfg cadenza.AudioConfig, format Format) (*oto.Context, cadenza.AudioConfig, error) {
	contextOnce.Do(func() {
		f := oto.FormatFloat32LE
		if format == Signed16 {
			f = oto.FormatSignedInt16LE
		}
		ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
			SampleRate:   cfg.SampleRate,
			ChannelCount: 2,
			Format:       f,
			BufferSize:   cfg.BufferDuration(),
		})
		if err != nil {
			contextErr = fmt.Errorf("cannot create oto context: %w", err)
			return
		}
		select {
		case <-ready:
		case <-time.After(readyTimeout):
			contextErr = errors.New("audio device did not become ready in time")
			return
		}
		context, contextCfg = ctx, cfg
	})
	if contextErr != nil {
		return nil, cadenza.AudioConfig{}, contextErr
	}
	cfg.SampleRate = contextCfg.SampleRate
	return context, cfg, nil
}

func (o *Output) Devices() ([]cadenza.AudioDevice, error) {
	return []cadenza.AudioDevice{{ID: DefaultDeviceID, Name: "System default", Default: true}}, nil
}

func (o *Output) Open(id string, cfg cadenza.AudioConfig, r cadenza.Renderer) (cadenza.AudioStream, error) {
	if id != "" && id != DefaultDeviceID {
		return nil, fmt.Errorf("%w: %q", cadenza.ErrDeviceNotFound, id)
	}
	ctx, cfg, err := sharedContext(cfg.WithDefaults(), o.Format)
	if err != nil {
		return nil, err
	}
	reader := &renderReader{renderer: r, format: o.Format}
	s := &stream{cfg: cfg, reader: reader, ctx: ctx}
	s.player = ctx.NewPlayer(reader)
	s.player.SetBufferSize(cfg.BufferFrames * 2 * o.Format.sampleBytes())
	s.player.Play()
	return s, nil
}

func (s *stream) Config() cadenza.AudioConfig { return s.cfg }

func (s *stream) Err() error {
	if err := s.player.Err(); err != nil {
		return err
	}
	return s.ctx.Err()
}

func (s *stream) Close() error {
	if s.reader.closed.Swap(true) {
		return nil
	}
	s.player.Pause()
	return nil
}

func (r *renderReader) Read(p []byte) (int, error) {
	if r.closed.Load() {
		return 0, io.EOF
	}
	frames := len(p) / (2 * r.format.sampleBytes())
	if frames == 0 {
		return 0, nil
	}
	if cap(r.buf) < frames*2 {
		r.buf = make(cadenza.AudioBuffer, frames*2)
		r.bytes = make([]byte, 0, len(p))
	}
	buf := r.buf[:frames*2]
	r.renderer.Render(r.sample, buf)
	r.sample += cadenza.SampleTime(frames)
	if r.format == Signed16 {
		r.bytes = FloatBufferTo16BitLE(buf, r.bytes[:0])
	} else {
		r.bytes = FloatBufferToFloat32LE(buf, r.bytes[:0])
	}
	return copy(p, r.bytes), nil
}

func (f Format) sampleBytes() int {
	if f == Signed16 {
		return 2
	}
	return 4
}
