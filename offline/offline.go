// Package offline renders a score to audio faster than real time. The
// score goes through the same transport, scheduler, queues and graph as
// live playback; only the device clock is simulated.
package offline

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"github.com/cadenzaio/cadenza"
	"github.com/cadenzaio/cadenza/engine"
	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

type Options struct {
	SampleRate   int
	BufferFrames int
	// Tail is rendered after the end of the score so that released notes
	// fade out.
	Tail       time.Duration
	Multiplier float64
	Metronome  bool
	Mode       engine.PlaybackMode
	Volumes    map[cadenza.Bus]float32
	Master     float32
}

const (
	DefaultTail = time.Second
	// maxDuration stops a render of a score that would never end.
	maxDuration = 2 * time.Hour
)

func (o Options) withDefaults() Options {
	cfg := cadenza.AudioConfig{SampleRate: o.SampleRate, BufferFrames: o.BufferFrames}.WithDefaults()
	o.SampleRate, o.BufferFrames = cfg.SampleRate, cfg.BufferFrames
	if o.Tail <= 0 {
		o.Tail = DefaultTail
	}
	if o.Multiplier == 0 {
		o.Multiplier = 1
	}
	if o.Master == 0 {
		o.Master = engine.DefaultMasterVolume
	}
	return o
}

// Render plays score through synth and returns the interleaved stereo
// audio. The same inputs always give the same output.
func Render(ctx context.Context, score *cadenza.Score, synth cadenza.Synth, opts Options) (cadenza.AudioBuffer, error) {
	opts = opts.withDefaults()
	if err := score.Validate(); err != nil {
		return nil, err
	}
	p := engine.NewPlayback(engine.PlaybackConfig{
		SampleRate: opts.SampleRate,
		// twice the buffer keeps the queue ahead of every render
		Lookahead: 2 * cadenza.AudioConfig{SampleRate: opts.SampleRate, BufferFrames: opts.BufferFrames}.BufferDuration(),
	})
	if err := p.Load(score); err != nil {
		return nil, err
	}
	if err := p.SetTempoMultiplier(opts.Multiplier); err != nil {
		return nil, err
	}
	p.SetMode(opts.Mode)
	p.SetMetronome(opts.Metronome)
	params := p.Params()
	params.SetMaster(opts.Master)
	for bus, v := range opts.Volumes {
		params.SetBus(bus, v)
	}
	g := engine.NewGraph(p, synth, nil, 0)
	p.Play()

	tail := int(opts.Tail.Seconds() * float64(opts.SampleRate))
	limit := int(maxDuration.Seconds() * float64(opts.SampleRate))
	buf := make(cadenza.AudioBuffer, opts.BufferFrames*2)
	var out cadenza.AudioBuffer
	ended := -1
	for i := 0; ; i++ {
		if i%256 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		if res := p.Tick(); res.Ended && ended < 0 {
			ended = out.Frames()
			p.Stop()
		}
		g.Render(p.RenderClock().Load(), buf)
		out = append(out, buf...)
		if ended >= 0 && out.Frames()-ended >= tail {
			break
		}
		if out.Frames() > limit {
			return nil, fmt.Errorf("render exceeds %v", maxDuration)
		}
	}
	return out, nil
}

// WriteWAV encodes buf as 16-bit stereo PCM.
func WriteWAV(w io.WriteSeeker, buf cadenza.AudioBuffer, sampleRate int) error {
	enc := wav.NewEncoder(w, sampleRate, 16, 2, 1)
	ib := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 2, SampleRate: sampleRate},
		Data:           make([]int, len(buf)),
		SourceBitDepth: 16,
	}
	for i, v := range buf {
		ib.Data[i] = int(math.Round(float64(max(-1, min(1, v))) * math.MaxInt16))
	}
	if err := enc.Write(ib); err != nil {
		return fmt.Errorf("encoding WAV failed: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("encoding WAV failed: %w", err)
	}
	return nil
}

// RenderFile renders score into a WAV file at path.
func RenderFile(ctx context.Context, path string, score *cadenza.Score, synth cadenza.Synth, opts Options) error {
	opts = opts.withDefaults()
	buf, err := Render(ctx, score, synth, opts)
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating WAV file failed: %w", err)
	}
	if err := WriteWAV(f, buf, opts.SampleRate); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
