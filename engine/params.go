package engine

import (
	"math"
	"sync/atomic"

	"github.com/cadenzaio/cadenza"
)

// AudioParams are the mixer settings shared between the core goroutine,
// which writes them, and the audio goroutine, which reads them once per
// buffer. Volumes are stored as float32 bits.
type AudioParams struct {
	master          atomic.Uint32
	bus             [cadenza.NumBuses]atomic.Uint32
	monitorEnabled  atomic.Bool
	playbackEnabled atomic.Bool
}

const (
	DefaultMasterVolume    = 0.8
	DefaultMonitorVolume   = 0.8
	DefaultAutopilotVolume = 0.8
	DefaultMetronomeVolume = 0.6
)

func NewAudioParams() *AudioParams {
	p := &AudioParams{}
	p.SetMaster(DefaultMasterVolume)
	p.SetBus(cadenza.BusUserMonitor, DefaultMonitorVolume)
	p.SetBus(cadenza.BusAutopilot, DefaultAutopilotVolume)
	p.SetBus(cadenza.BusMetronome, DefaultMetronomeVolume)
	p.monitorEnabled.Store(true)
	return p
}

func (p *AudioParams) Master() float32 { return math.Float32frombits(p.master.Load()) }

// SetMaster stores the master volume clamped to [0, 1].
func (p *AudioParams) SetMaster(v float32) { p.master.Store(math.Float32bits(clamp01(v))) }

func (p *AudioParams) Bus(b cadenza.Bus) float32 {
	if b < 0 || b >= cadenza.NumBuses {
		return 0
	}
	return math.Float32frombits(p.bus[b].Load())
}

// SetBus stores the volume of bus b clamped to [0, 1]. Unknown buses are
// ignored.
func (p *AudioParams) SetBus(b cadenza.Bus, v float32) {
	if b < 0 || b >= cadenza.NumBuses {
		return
	}
	p.bus[b].Store(math.Float32bits(clamp01(v)))
}

func (p *AudioParams) MonitorEnabled() bool     { return p.monitorEnabled.Load() }
func (p *AudioParams) SetMonitorEnabled(v bool) { p.monitorEnabled.Store(v) }

// PlaybackEnabled is true while the transport is playing. When false, the
// autopilot and metronome buses are muted and their NoteOns skipped.
func (p *AudioParams) PlaybackEnabled() bool     { return p.playbackEnabled.Load() }
func (p *AudioParams) SetPlaybackEnabled(v bool) { p.playbackEnabled.Store(v) }

func clamp01(v float32) float32 {
	if v != v || v < 0 { // NaN
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
