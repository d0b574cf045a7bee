package engine

import (
	"fmt"
	"sort"
	"time"

	"github.com/cadenzaio/cadenza"
)

type (
	// PlaybackMode selects what the autopilot plays.
	PlaybackMode int

	// Route decides which playback events reach which bus. In Accompaniment
	// mode the autopilot plays only the hands enabled here and leaves the
	// rest to the player; events without a hand are always played.
	Route struct {
		Mode      PlaybackMode `yaml:"mode" json:"mode"`
		PlayLeft  bool         `yaml:"playLeft" json:"playLeft"`
		PlayRight bool         `yaml:"playRight" json:"playRight"`
		Metronome bool         `yaml:"metronome" json:"metronome"`
	}

	// Scheduler converts the playback events of the lookahead window into
	// device sample events and pushes them to the render queue. It keeps an
	// emission cursor (an event index and a loop epoch) but no position of
	// its own: every sample time comes from the Transport.
	Scheduler struct {
		events    []cadenza.PlaybackEvent
		lookahead time.Duration
		route     Route

		cursor int
		epoch  uint64

		// notes started by the scheduler that have not been released yet
		sounding [cadenza.NumBuses][128]bool
		pedal    bool

		emitted uint64
		dropped uint64
	}

	SchedulerStats struct {
		Emitted uint64 `json:"emitted"`
		Dropped uint64 `json:"dropped"`
	}
)

const (
	Demo PlaybackMode = iota
	Accompaniment
)

const DefaultLookahead = 30 * time.Millisecond

func NewScheduler(lookahead time.Duration) *Scheduler {
	if lookahead <= 0 {
		lookahead = DefaultLookahead
	}
	return &Scheduler{lookahead: lookahead, route: Route{Mode: Demo, PlayLeft: true, PlayRight: true}}
}

// Load replaces the playback events. They must be sorted by tick and rank.
func (s *Scheduler) Load(events []cadenza.PlaybackEvent) {
	s.events = events
	s.cursor = 0
	s.epoch = 0
	s.clearSounding()
}

func (s *Scheduler) Lookahead() time.Duration { return s.lookahead }

func (s *Scheduler) SetLookahead(d time.Duration) {
	if d > 0 {
		s.lookahead = d
	}
}

func (s *Scheduler) Route() Route     { return s.route }
func (s *Scheduler) SetRoute(r Route) { s.route = r }
func (s *Scheduler) Stats() SchedulerStats {
	return SchedulerStats{Emitted: s.emitted, Dropped: s.dropped}
}

// Reset points the cursor at the first event at or after tick in the
// transport's current loop epoch and forgets the sounding notes. Used after
// seeks, tempo changes and when playback starts.
func (s *Scheduler) Reset(t *Transport, tick cadenza.Tick) {
	s.cursor = s.indexOf(tick)
	s.epoch = t.LoopEpoch()
	s.clearSounding()
}

// Fill pushes every event due before now + lookahead into q, tagged with
// generation gen, and returns the number of events pushed.
//
// When the cursor reaches the loop end inside the window, the notes the
// scheduler left sounding are released at the loop end, the cursor goes
// back to the loop start and moves to the next loop epoch. The next
// iteration is placed exactly one loop length after the previous one.
func (s *Scheduler) Fill(t *Transport, q *EventQueue, gen uint64) int {
	if t.State() != Playing {
		return 0
	}
	if s.epoch < t.LoopEpoch() {
		// fell behind the transport, e.g. after a stall; continue from now
		s.Reset(t, t.NowTick())
	}
	windowEnd := t.NowSample() + cadenza.SampleTime(s.lookahead.Seconds()*float64(t.SampleRate()))
	loop, looping := t.Loop()
	n, wraps := 0, 0
	for {
		if looping && (s.cursor >= len(s.events) || s.events[s.cursor].Tick >= loop.End) {
			end := t.TickToSampleAt(loop.End, s.epoch)
			if end >= windowEnd || wraps >= maxWrapsPerSync {
				break
			}
			n += s.releaseAll(q, end, gen)
			s.cursor = s.indexOf(loop.Start)
			s.epoch++
			wraps++
			continue
		}
		if s.cursor >= len(s.events) {
			break
		}
		e := s.events[s.cursor]
		at := t.TickToSampleAt(e.Tick, s.epoch)
		if at >= windowEnd {
			break
		}
		s.cursor++
		bus, ok := s.busFor(e)
		if !ok {
			continue
		}
		s.track(bus, e.Event)
		n += s.push(q, cadenza.ScheduledEvent{Sample: at, Bus: bus, Event: e.Event, Generation: gen})
	}
	return n
}

func (s *Scheduler) push(q *EventQueue, e cadenza.ScheduledEvent) int {
	if !q.Push(e) {
		s.dropped++
		return 0
	}
	s.emitted++
	return 1
}

func (s *Scheduler) releaseAll(q *EventQueue, at cadenza.SampleTime, gen uint64) int {
	n := 0
	for b := range s.sounding {
		for note, on := range s.sounding[b] {
			if on {
				n += s.push(q, cadenza.ScheduledEvent{Sample: at, Bus: cadenza.Bus(b), Event: cadenza.NoteOffEvent(uint8(note)), Generation: gen})
			}
		}
	}
	if s.pedal {
		n += s.push(q, cadenza.ScheduledEvent{Sample: at, Bus: cadenza.BusAutopilot, Event: cadenza.SustainEvent(0), Generation: gen})
	}
	s.clearSounding()
	return n
}

func (s *Scheduler) track(bus cadenza.Bus, e cadenza.MIDIEvent) {
	switch e.Kind {
	case cadenza.NoteOn:
		s.sounding[bus][e.Note&127] = true
	case cadenza.NoteOff:
		s.sounding[bus][e.Note&127] = false
	case cadenza.Sustain:
		if bus == cadenza.BusAutopilot {
			s.pedal = e.SustainDown()
		}
	}
}

func (s *Scheduler) clearSounding() {
	s.sounding = [cadenza.NumBuses][128]bool{}
	s.pedal = false
}

func (s *Scheduler) busFor(e cadenza.PlaybackEvent) (cadenza.Bus, bool) {
	if e.Track == cadenza.TrackClick {
		return cadenza.BusMetronome, s.route.Metronome
	}
	if s.route.Mode == Accompaniment {
		switch e.Hand {
		case cadenza.HandLeft:
			return cadenza.BusAutopilot, s.route.PlayLeft
		case cadenza.HandRight:
			return cadenza.BusAutopilot, s.route.PlayRight
		}
	}
	return cadenza.BusAutopilot, true
}

func (s *Scheduler) indexOf(tick cadenza.Tick) int {
	return sort.Search(len(s.events), func(i int) bool { return s.events[i].Tick >= tick })
}

func (m PlaybackMode) MarshalText() ([]byte, error) {
	if m == Accompaniment {
		return []byte("accompaniment"), nil
	}
	return []byte("demo"), nil
}

func (m *PlaybackMode) UnmarshalText(text []byte) error {
	switch string(text) {
	case "demo", "":
		*m = Demo
	case "accompaniment":
		*m = Accompaniment
	default:
		return fmt.Errorf("unknown playback mode %q", string(text))
	}
	return nil
}

// Plays reports whether the autopilot plays events of hand h.
func (r Route) Plays(h cadenza.Hand) bool {
	if r.Mode != Accompaniment {
		return true
	}
	switch h {
	case cadenza.HandLeft:
		return r.PlayLeft
	case cadenza.HandRight:
		return r.PlayRight
	}
	return true
}
