package engine

import (
	"fmt"
	"math"

	"github.com/cadenzaio/cadenza"
)

type (
	TransportState int

	// StopPolicy decides where Stop leaves the position.
	StopPolicy int

	// Transport is the single source of truth for the playback position. It
	// owns the tempo map, the tempo multiplier and the loop range, and maps
	// ticks to device samples and back. It is not safe for concurrent use; it
	// lives on the core goroutine.
	//
	// While playing, only the device sample of the last Sync is stored and
	// the tick is derived from it. While stopped or paused, only the tick is
	// stored and the sample is derived. The two views cannot disagree.
	Transport struct {
		state      TransportState
		tempo      *cadenza.TempoMap
		sampleRate int64
		multiplier float64
		duration   cadenza.Tick
		stopPolicy StopPolicy

		loop    cadenza.LoopRange
		looping bool

		// origin is the device sample at which tick 0 plays in the current
		// loop epoch. Each loop wrap moves it forward by one loop length.
		origin int64
		epoch  uint64
		sample cadenza.SampleTime // valid while playing
		tick   cadenza.Tick       // valid while stopped or paused
	}

	// SyncResult tells what happened during Transport.Sync.
	SyncResult struct {
		// Wrapped is the number of times the loop started over.
		Wrapped int
		// Jumped is true if the position was outside the loop and was moved
		// to the loop start, breaking the continuity of the loop epochs.
		Jumped bool
		// Ended is true if the position passed the end of the score while
		// not looping.
		Ended bool
	}

	// TransportSnapshot is what the presentation layer is told about the
	// transport.
	TransportSnapshot struct {
		State      TransportState     `json:"state"`
		Tick       cadenza.Tick       `json:"tick"`
		Sample     cadenza.SampleTime `json:"sample"`
		Multiplier float64            `json:"tempoMultiplier"`
		BPM        float64            `json:"bpm"`
		Duration   cadenza.Tick       `json:"duration"`
		Loop       *cadenza.LoopRange `json:"loop,omitempty"`
		PPQ        int                `json:"ppq"`
	}
)

const (
	Stopped TransportState = iota
	Playing
	Paused
)

const (
	// StopToLoopStart stops at the loop start when looping, else at zero.
	StopToLoopStart StopPolicy = iota
	StopToZero
	StopPreserve
)

// maxWrapsPerSync bounds the loop wraps handled in one Sync; beyond that the
// transport jumps straight to the loop start.
const maxWrapsPerSync = 64

func NewTransport(sampleRate int, policy StopPolicy) *Transport {
	return &Transport{
		tempo:      cadenza.MustTempoMap(cadenza.DefaultPPQ, nil),
		sampleRate: int64(sampleRate),
		multiplier: 1,
		stopPolicy: policy,
	}
}

// Load installs a new tempo map and score length. The transport stops at
// tick zero and the loop is cleared.
func (t *Transport) Load(tempo *cadenza.TempoMap, duration cadenza.Tick) {
	t.tempo = tempo
	t.duration = max(duration, 0)
	t.state = Stopped
	t.tick = 0
	t.looping = false
	t.origin = 0
	t.epoch = 0
}

func (t *Transport) State() TransportState       { return t.state }
func (t *Transport) TempoMap() *cadenza.TempoMap { return t.tempo }
func (t *Transport) Duration() cadenza.Tick      { return t.duration }
func (t *Transport) Multiplier() float64         { return t.multiplier }
func (t *Transport) SampleRate() int             { return int(t.sampleRate) }
func (t *Transport) StopPolicy() StopPolicy      { return t.stopPolicy }
func (t *Transport) SetStopPolicy(p StopPolicy)  { t.stopPolicy = p }

// LoopEpoch counts the loop wraps since the last Load.
func (t *Transport) LoopEpoch() uint64 { return t.epoch }

func (t *Transport) Loop() (cadenza.LoopRange, bool) { return t.loop, t.looping }

// Play starts playing from the current tick, which is placed at device
// sample now. Playing again is a no-op.
func (t *Transport) Play(now cadenza.SampleTime) {
	if t.state == Playing {
		return
	}
	t.origin = int64(now) - t.rel(t.tick)
	t.sample = now
	t.state = Playing
}

// Pause freezes the position. It is a no-op unless playing.
func (t *Transport) Pause() {
	if t.state != Playing {
		return
	}
	t.tick = t.NowTick()
	t.state = Paused
}

// Stop stops and moves the position according to the stop policy.
func (t *Transport) Stop() {
	switch t.stopPolicy {
	case StopPreserve:
		t.tick = t.NowTick()
	case StopToZero:
		t.tick = 0
	default:
		t.tick = 0
		if t.looping {
			t.tick = t.loop.Start
		}
	}
	t.state = Stopped
}

// Seek moves the position to tick, clamped to [0, duration]. While playing,
// tick is placed at the device sample of the last Sync.
func (t *Transport) Seek(tick cadenza.Tick) cadenza.Tick {
	tick = min(max(tick, 0), t.duration)
	if t.state == Playing {
		t.origin = int64(t.sample) - t.rel(tick)
		return tick
	}
	t.tick = tick
	return tick
}

// SetLoop enables looping over r, or disables looping when r is nil. An
// empty or negative range fails with ErrInvalidLoopRange and changes
// nothing.
func (t *Transport) SetLoop(r *cadenza.LoopRange) error {
	if r == nil {
		t.looping = false
		return nil
	}
	if err := r.Validate(); err != nil {
		return err
	}
	t.loop, t.looping = *r, true
	return nil
}

// SetTempoMultiplier scales every tempo segment by x. The current tick stays
// at the current device sample. x must be positive and finite.
func (t *Transport) SetTempoMultiplier(x float64) error {
	if !(x > 0) || math.IsInf(x, 0) {
		return fmt.Errorf("%w: %v", cadenza.ErrInvalidTempoMultiplier, x)
	}
	if t.state == Playing {
		tick := t.NowTick()
		t.multiplier = x
		t.origin = int64(t.sample) - t.rel(tick)
		return nil
	}
	t.multiplier = x
	return nil
}

// SetSampleRate changes the sample rate, for example after the output stream
// was reopened; now is the device sample of the new stream.
func (t *Transport) SetSampleRate(sampleRate int, now cadenza.SampleTime) {
	tick := t.NowTick()
	t.sampleRate = int64(sampleRate)
	if t.state == Playing {
		t.origin = int64(now) - t.rel(tick)
		t.sample = now
	}
}

// Sync advances a playing transport to device sample now, wrapping the loop
// as many times as needed.
func (t *Transport) Sync(now cadenza.SampleTime) SyncResult {
	var res SyncResult
	if t.state != Playing {
		return res
	}
	t.sample = now
	if !t.looping {
		res.Ended = t.NowTick() > t.duration
		return res
	}
	length := t.LoopLength()
	for t.NowTick() >= t.loop.End {
		if length <= 0 || res.Wrapped >= maxWrapsPerSync {
			t.origin = int64(now) - t.rel(t.loop.Start)
			t.epoch++
			res.Jumped = true
			break
		}
		t.origin += length
		t.epoch++
		res.Wrapped++
	}
	return res
}

// LoopLength is the length of one loop iteration in samples, or 0 when not
// looping.
func (t *Transport) LoopLength() int64 {
	if !t.looping {
		return 0
	}
	return t.rel(t.loop.End) - t.rel(t.loop.Start)
}

// NowTick returns the current position.
func (t *Transport) NowTick() cadenza.Tick {
	if t.state != Playing {
		return t.tick
	}
	return t.SampleToTick(t.sample)
}

// NowSample returns the device sample of the current position.
func (t *Transport) NowSample() cadenza.SampleTime {
	if t.state == Playing {
		return t.sample
	}
	return t.TickToSample(t.tick)
}

// TickToSample maps tick to a device sample in the current loop epoch.
func (t *Transport) TickToSample(tick cadenza.Tick) cadenza.SampleTime {
	return t.TickToSampleAt(tick, t.epoch)
}

// TickToSampleAt maps tick to a device sample in loop epoch epoch, which may
// be ahead of the current one. Each epoch is exactly one loop length later
// than the previous. Samples before the stream start saturate to zero.
func (t *Transport) TickToSampleAt(tick cadenza.Tick, epoch uint64) cadenza.SampleTime {
	s := t.origin + t.rel(tick)
	if epoch != t.epoch {
		s += (int64(epoch) - int64(t.epoch)) * t.LoopLength()
	}
	if s < 0 {
		return 0
	}
	return cadenza.SampleTime(s)
}

// SampleToTick maps a device sample in the current loop epoch to a tick.
func (t *Transport) SampleToTick(s cadenza.SampleTime) cadenza.Tick {
	rel := float64(int64(s) - t.origin)
	us := math.Round(rel * 1e6 / float64(t.sampleRate) * t.multiplier)
	return t.tempo.MicrosToTick(int64(us))
}

// MillisToTicks converts a wall clock duration at the current position to
// ticks, honouring the tempo multiplier.
func (t *Transport) MillisToTicks(ms float64) cadenza.Tick {
	return t.tempo.MillisToTicks(ms*t.multiplier, t.NowTick())
}

func (t *Transport) Snapshot() TransportSnapshot {
	tick := t.NowTick()
	s := TransportSnapshot{
		State:      t.state,
		Tick:       tick,
		Sample:     t.NowSample(),
		Multiplier: t.multiplier,
		BPM:        t.tempo.BPMAt(tick) * t.multiplier,
		Duration:   t.duration,
		PPQ:        t.tempo.PPQ(),
	}
	if t.looping {
		l := t.loop
		s.Loop = &l
	}
	return s
}

// rel is the number of samples from tick 0 to tick under the current
// multiplier.
func (t *Transport) rel(tick cadenza.Tick) int64 {
	us := float64(t.tempo.TickToMicros(tick)) / t.multiplier
	return int64(math.Round(us * float64(t.sampleRate) / 1e6))
}

func (s TransportState) String() string {
	switch s {
	case Playing:
		return "playing"
	case Paused:
		return "paused"
	}
	return "stopped"
}

func (s TransportState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (p StopPolicy) MarshalText() ([]byte, error) {
	switch p {
	case StopToZero:
		return []byte("zero"), nil
	case StopPreserve:
		return []byte("preserve"), nil
	}
	return []byte("loopStart"), nil
}

func (p *StopPolicy) UnmarshalText(text []byte) error {
	switch string(text) {
	case "loopStart", "":
		*p = StopToLoopStart
	case "zero":
		*p = StopToZero
	case "preserve":
		*p = StopPreserve
	default:
		return fmt.Errorf("unknown stop policy %q", string(text))
	}
	return nil
}
