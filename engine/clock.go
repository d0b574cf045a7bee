package engine

import (
	"sync/atomic"
	"time"

	"github.com/cadenzaio/cadenza"
)

// ClockBridge holds the most recent (wall time, device sample) anchor,
// written by the audio goroutine at the start of every buffer and read by
// the core goroutine to place live input on the device timeline.
//
// The pair is guarded by a sequence counter: the single writer makes the
// counter odd, stores both halves and makes it even again. Readers retry
// while the counter is odd or changed under them. Writing never waits.
type ClockBridge struct {
	seq        atomic.Uint64
	wall       atomic.Int64 // nanoseconds since epoch, monotonic
	sample     atomic.Uint64
	sampleRate atomic.Int64
	valid      atomic.Bool

	epoch time.Time
	now   func() time.Time
}

// NewClockBridge returns a bridge for a stream at sampleRate. now may be nil,
// in which case time.Now is used.
func NewClockBridge(sampleRate int, now func() time.Time) *ClockBridge {
	if now == nil {
		now = time.Now
	}
	c := &ClockBridge{now: now}
	c.epoch = now()
	c.sampleRate.Store(int64(sampleRate))
	return c
}

// Update anchors the device sample to the current wall time. Only the audio
// goroutine calls it.
func (c *ClockBridge) Update(sample cadenza.SampleTime) {
	wall := c.now().Sub(c.epoch).Nanoseconds()
	c.seq.Add(1)
	c.wall.Store(wall)
	c.sample.Store(uint64(sample))
	c.seq.Add(1)
	c.valid.Store(true)
}

// Anchor returns the current anchor pair.
func (c *ClockBridge) Anchor() (wall time.Time, sample cadenza.SampleTime, ok bool) {
	if !c.valid.Load() {
		return time.Time{}, 0, false
	}
	for {
		s1 := c.seq.Load()
		if s1&1 == 1 {
			continue
		}
		w := c.wall.Load()
		smp := c.sample.Load()
		if c.seq.Load() == s1 {
			return c.epoch.Add(time.Duration(w)), cadenza.SampleTime(smp), true
		}
	}
}

// Estimate maps an arrival instant to the device sample that was playing at
// that instant: anchor.sample + (at - anchor.wall) * sampleRate. Instants
// before sample zero saturate to zero.
func (c *ClockBridge) Estimate(at time.Time) (cadenza.SampleTime, bool) {
	wall, sample, ok := c.Anchor()
	if !ok {
		return 0, false
	}
	d := at.Sub(wall)
	sr := c.sampleRate.Load()
	// whole seconds apart so that long sessions do not overflow
	offset := int64(d/time.Second)*sr + int64(d%time.Second)*sr/int64(time.Second)
	if offset < 0 && uint64(-offset) > uint64(sample) {
		return 0, true
	}
	return cadenza.SampleTime(int64(sample) + offset), true
}

// Now estimates the device sample playing right now.
func (c *ClockBridge) Now() (cadenza.SampleTime, bool) { return c.Estimate(c.now()) }

func (c *ClockBridge) SampleRate() int { return int(c.sampleRate.Load()) }

// Reset forgets the anchor, for example when the stream is reopened with a
// new origin or sample rate.
func (c *ClockBridge) Reset(sampleRate int) {
	c.valid.Store(false)
	c.sampleRate.Store(int64(sampleRate))
}

// RenderClock is the device sample the render path renders next, that is the
// end of the last rendered buffer. The audio goroutine stores it, the core
// goroutine loads it as "now" for the transport and the scheduler.
type RenderClock struct {
	v atomic.Uint64
}

func (c *RenderClock) Load() cadenza.SampleTime   { return cadenza.SampleTime(c.v.Load()) }
func (c *RenderClock) Store(s cadenza.SampleTime) { c.v.Store(uint64(s)) }
