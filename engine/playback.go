package engine

import (
	"time"

	"github.com/cadenzaio/cadenza"
)

type (
	// Playback ties the transport, the scheduler and the queues to the render
	// path, so that each transport command also invalidates what was already
	// scheduled and silences what was left sounding. It lives on the core
	// goroutine.
	Playback struct {
		transport *Transport
		scheduler *Scheduler
		sched     *EventQueue
		live      *EventQueue
		gen       *Generation
		params    *AudioParams
		clock     *RenderClock
	}

	PlaybackConfig struct {
		SampleRate    int
		Lookahead     time.Duration
		StopPolicy    StopPolicy
		QueueCapacity int
		LiveCapacity  int
	}

	// TickResult is what happened during one Playback.Tick.
	TickResult struct {
		SyncResult
		Scheduled int
	}

	// PlaybackCounters are reported in diagnostics.
	PlaybackCounters struct {
		Scheduler    SchedulerStats `json:"scheduler"`
		QueueDropped uint64         `json:"queueDropped"`
		LiveDropped  uint64         `json:"liveDropped"`
		QueueLen     int            `json:"queueLen"`
		LiveLen      int            `json:"liveLen"`
		Generation   uint64         `json:"generation"`
	}
)

const (
	DefaultQueueCapacity = 4096
	DefaultLiveCapacity  = 1024
)

// NewPlayback creates the playback side of the engine. The queues,
// generation, parameters and render clock it creates are shared with the
// Graph returned by NewGraph(p, ...).
func NewPlayback(cfg PlaybackConfig) *Playback {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = cadenza.DefaultSampleRate
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = DefaultQueueCapacity
	}
	if cfg.LiveCapacity <= 0 {
		cfg.LiveCapacity = DefaultLiveCapacity
	}
	return &Playback{
		transport: NewTransport(cfg.SampleRate, cfg.StopPolicy),
		scheduler: NewScheduler(cfg.Lookahead),
		sched:     NewEventQueue(cfg.QueueCapacity),
		live:      NewEventQueue(cfg.LiveCapacity),
		gen:       &Generation{},
		params:    NewAudioParams(),
		clock:     &RenderClock{},
	}
}

func (p *Playback) Transport() *Transport     { return p.transport }
func (p *Playback) Scheduler() *Scheduler     { return p.scheduler }
func (p *Playback) Params() *AudioParams      { return p.params }
func (p *Playback) RenderClock() *RenderClock { return p.clock }

// Load installs the tempo map and playback events of score and stops. A
// score with a broken tempo map fails and leaves the previous one loaded.
func (p *Playback) Load(score *cadenza.Score) error {
	tempo, err := score.TempoMap()
	if err != nil {
		return err
	}
	p.transport.Load(tempo, score.Duration())
	p.scheduler.Load(score.Playback)
	p.invalidate()
	p.params.SetPlaybackEnabled(false)
	return nil
}

// Play starts or resumes playback at the next rendered sample.
func (p *Playback) Play() {
	if p.transport.State() == Playing {
		return
	}
	p.transport.Play(p.clock.Load())
	p.gen.Next()
	p.scheduler.Reset(p.transport, p.transport.NowTick())
	p.params.SetPlaybackEnabled(true)
	p.scheduler.Fill(p.transport, p.sched, p.gen.Load())
}

func (p *Playback) Pause() {
	p.syncNow()
	p.transport.Pause()
	p.invalidate()
	p.params.SetPlaybackEnabled(false)
}

func (p *Playback) Stop() {
	p.syncNow()
	p.transport.Stop()
	p.invalidate()
	p.params.SetPlaybackEnabled(false)
}

// Seek moves to tick (clamped to the score) and returns the new position,
// which wraps into the loop when playing past the loop end. Everything
// already scheduled is dropped and the autopilot and metronome are silenced.
func (p *Playback) Seek(tick cadenza.Tick) cadenza.Tick {
	p.syncNow()
	p.transport.Seek(tick)
	p.syncNow()
	p.invalidate()
	p.refill()
	return p.transport.NowTick()
}

// SetLoop sets or clears (nil) the loop range.
func (p *Playback) SetLoop(r *cadenza.LoopRange) error {
	p.syncNow()
	if err := p.transport.SetLoop(r); err != nil {
		return err
	}
	// a position already past the new loop end wraps into the loop now
	p.syncNow()
	if p.transport.State() == Playing {
		p.invalidate()
		p.refill()
	}
	return nil
}

func (p *Playback) SetTempoMultiplier(x float64) error {
	p.syncNow()
	if err := p.transport.SetTempoMultiplier(x); err != nil {
		return err
	}
	if p.transport.State() == Playing {
		p.invalidate()
		p.refill()
	}
	return nil
}

func (p *Playback) SetMode(m PlaybackMode) {
	r := p.scheduler.Route()
	r.Mode = m
	p.setRoute(r)
}

// SetAccompanimentRoute selects the hands the autopilot plays in
// Accompaniment mode.
func (p *Playback) SetAccompanimentRoute(playLeft, playRight bool) {
	r := p.scheduler.Route()
	r.PlayLeft, r.PlayRight = playLeft, playRight
	p.setRoute(r)
}

func (p *Playback) SetMetronome(enabled bool) {
	r := p.scheduler.Route()
	r.Metronome = enabled
	p.setRoute(r)
}

// SetSampleRate is called after the output stream was reopened; its sample
// clock starts again from zero.
func (p *Playback) SetSampleRate(sampleRate int) {
	p.clock.Store(0)
	p.transport.SetSampleRate(sampleRate, 0)
	p.invalidate()
	p.refill()
}

// Tick advances the transport to the render clock and schedules the
// lookahead window.
func (p *Playback) Tick() TickResult {
	var res TickResult
	if p.transport.State() != Playing {
		return res
	}
	res.SyncResult = p.transport.Sync(p.clock.Load())
	if res.Jumped {
		p.invalidate()
	}
	res.Scheduled = p.scheduler.Fill(p.transport, p.sched, p.gen.Load())
	return res
}

// SendLive queues e on bus to be played at sample at, ahead of the score.
// A sample past the render clock is brought back to it: live events are
// due by the next buffer, so none waits behind a later one. It reports
// false if the live queue is full.
func (p *Playback) SendLive(at cadenza.SampleTime, bus cadenza.Bus, e cadenza.MIDIEvent) bool {
	at = min(at, p.clock.Load())
	return p.live.Push(cadenza.ScheduledEvent{Sample: at, Bus: bus, Event: e})
}

// AllNotesOff silences bus at the next rendered sample.
func (p *Playback) AllNotesOff(bus cadenza.Bus) bool {
	return p.SendLive(p.clock.Load(), bus, cadenza.AllNotesOffEvent())
}

func (p *Playback) Snapshot() TransportSnapshot { return p.transport.Snapshot() }

func (p *Playback) Counters() PlaybackCounters {
	return PlaybackCounters{
		Scheduler:    p.scheduler.Stats(),
		QueueDropped: p.sched.Dropped(),
		LiveDropped:  p.live.Dropped(),
		QueueLen:     p.sched.Len(),
		LiveLen:      p.live.Len(),
		Generation:   p.gen.Load(),
	}
}

func (p *Playback) setRoute(r Route) {
	p.scheduler.SetRoute(r)
	if p.transport.State() == Playing {
		p.invalidate()
		p.refill()
	}
}

// invalidate turns every queued score event stale, forgets the notes the
// scheduler started and silences the autopilot and metronome buses.
func (p *Playback) invalidate() {
	p.gen.Next()
	p.scheduler.Reset(p.transport, p.transport.NowTick())
	p.AllNotesOff(cadenza.BusAutopilot)
	p.AllNotesOff(cadenza.BusMetronome)
}

func (p *Playback) refill() {
	p.scheduler.Fill(p.transport, p.sched, p.gen.Load())
}

// syncNow brings a playing transport up to the render clock so that
// commands act on the position being heard.
func (p *Playback) syncNow() {
	if p.transport.State() != Playing {
		return
	}
	if res := p.transport.Sync(p.clock.Load()); res.Jumped {
		p.scheduler.Reset(p.transport, p.transport.NowTick())
	}
}
