package engine

import (
	"sync/atomic"

	"github.com/cadenzaio/cadenza"
	"github.com/viterin/vek/vek32"
)

type (
	// Graph is the audio render path. It drains the live and schedule queues
	// in sample order, feeds the synthesizer, mixes the buses and limits the
	// result. Render is called only from the audio goroutine.
	Graph struct {
		synth  cadenza.Synth
		params *AudioParams
		bridge *ClockBridge
		clock  *RenderClock
		sched  *EventQueue
		live   *EventQueue
		gen    *Generation

		scratch     cadenza.AudioBuffer
		maxFrames   int
		limiterGain float32

		applied atomic.Uint64
		stale   atomic.Uint64
		late    atomic.Uint64
		skipped atomic.Uint64
	}

	GraphCounters struct {
		Applied uint64 `json:"applied"`
		Stale   uint64 `json:"stale"`
		Late    uint64 `json:"late"`
		Skipped uint64 `json:"skipped"`
	}
)

const (
	limiterCeiling = 0.98
	limiterAttack  = 0.25
	limiterRelease = 0.01
	// DefaultMaxFrames is the largest block rendered at once; device blocks
	// above it are rendered in chunks.
	DefaultMaxFrames = 4096
)

// NewGraph builds the render path consuming what p schedules. bridge may be
// nil when no live input has to be placed on the device timeline.
func NewGraph(p *Playback, synth cadenza.Synth, bridge *ClockBridge, maxFrames int) *Graph {
	if maxFrames <= 0 {
		maxFrames = DefaultMaxFrames
	}
	return &Graph{
		synth:       synth,
		params:      p.params,
		bridge:      bridge,
		clock:       p.clock,
		sched:       p.sched,
		live:        p.live,
		gen:         p.gen,
		scratch:     make(cadenza.AudioBuffer, maxFrames*2),
		maxFrames:   maxFrames,
		limiterGain: 1,
	}
}

// Render implements cadenza.Renderer.
func (g *Graph) Render(start cadenza.SampleTime, out cadenza.AudioBuffer) {
	if g.bridge != nil {
		g.bridge.Update(start)
	}
	frames := out.Frames()
	for off := 0; off < frames; off += g.maxFrames {
		n := min(g.maxFrames, frames-off)
		g.renderChunk(start+cadenza.SampleTime(off), out[off*2:(off+n)*2])
	}
	g.clock.Store(start + cadenza.SampleTime(frames))
}

func (g *Graph) Counters() GraphCounters {
	return GraphCounters{
		Applied: g.applied.Load(),
		Stale:   g.stale.Load(),
		Late:    g.late.Load(),
		Skipped: g.skipped.Load(),
	}
}

func (g *Graph) renderChunk(start cadenza.SampleTime, out cadenza.AudioBuffer) {
	end := start + cadenza.SampleTime(out.Frames())
	gen := g.gen.Load()
	playback := g.params.PlaybackEnabled()
	monitor := g.params.MonitorEnabled()
	cursor := 0
	for {
		e, ok := g.next(end, gen)
		if !ok {
			break
		}
		frame := cursor
		if e.Sample < start {
			g.late.Add(1)
		} else {
			frame = max(int(e.Sample-start), cursor)
		}
		if frame > cursor {
			g.renderSegment(out[cursor*2:frame*2], playback, monitor)
			cursor = frame
		}
		g.apply(e, playback, monitor)
	}
	if cursor < out.Frames() {
		g.renderSegment(out[cursor*2:], playback, monitor)
	}
}

// next pops the earliest event before end from the two queues. Live events
// win ties, so that an all notes off precedes the notes scheduled after it.
func (g *Graph) next(end cadenza.SampleTime, gen uint64) (cadenza.ScheduledEvent, bool) {
	s, hasSched := g.sched.Peek()
	for hasSched && s.Generation != gen {
		g.sched.Pop()
		g.stale.Add(1)
		s, hasSched = g.sched.Peek()
	}
	l, hasLive := g.live.Peek()
	if hasLive && l.Sample >= end {
		// live events are never ahead of the render clock they were queued
		// against; this one predates a clock reset and is due now
		l.Sample = 0
	}
	switch {
	case hasLive && l.Sample < end && (!hasSched || l.Sample <= s.Sample):
		g.live.Pop()
		return l, true
	case hasSched && s.Sample < end:
		g.sched.Pop()
		return s, true
	}
	return cadenza.ScheduledEvent{}, false
}

func (g *Graph) apply(e cadenza.ScheduledEvent, playback, monitor bool) {
	if e.Event.Kind == cadenza.NoteOn {
		if e.Bus == cadenza.BusUserMonitor && !monitor || e.Bus != cadenza.BusUserMonitor && !playback {
			g.skipped.Add(1)
			return
		}
	}
	g.synth.HandleEvent(e.Bus, e.Event)
	g.applied.Add(1)
}

func (g *Graph) renderSegment(out cadenza.AudioBuffer, playback, monitor bool) {
	if len(out) == 0 {
		return
	}
	out.Clear()
	scratch := g.scratch[:len(out)]
	for b := cadenza.Bus(0); b < cadenza.NumBuses; b++ {
		// voices keep running even when the bus is muted
		g.synth.Render(b, scratch)
		gain := g.params.Bus(b)
		if b == cadenza.BusUserMonitor && !monitor || b != cadenza.BusUserMonitor && !playback {
			gain = 0
		}
		if gain == 0 {
			continue
		}
		vek32.MulNumber_Inplace(scratch, gain)
		vek32.Add_Inplace(out, scratch)
	}
	vek32.MulNumber_Inplace(out, g.params.Master())
	peak := max(vek32.Max(out), -vek32.Min(out))
	target := float32(1)
	if peak > limiterCeiling {
		target = limiterCeiling / peak
	}
	coeff := float32(limiterRelease)
	if target < g.limiterGain {
		coeff = limiterAttack
	}
	g.limiterGain = min(max(g.limiterGain+coeff*(target-g.limiterGain), 0), 1)
	if g.limiterGain < 0.999 {
		vek32.MulNumber_Inplace(out, g.limiterGain)
	}
}
