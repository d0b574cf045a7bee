package engine_test

import (
	"testing"
	"time"

	"github.com/cadenzaio/cadenza"
	"github.com/cadenzaio/cadenza/engine"
)

func drain(q *engine.EventQueue, into []cadenza.ScheduledEvent) []cadenza.ScheduledEvent {
	for {
		e, ok := q.Pop()
		if !ok {
			return into
		}
		into = append(into, e)
	}
}

func TestSchedulerLoopIterationsAreExact(t *testing.T) {
	events := []cadenza.PlaybackEvent{
		{Tick: 960, Event: cadenza.NoteOnEvent(60, 90), Hand: cadenza.HandRight},
		{Tick: 1200, Event: cadenza.NoteOffEvent(60), Hand: cadenza.HandRight},
		{Tick: 1440, Event: cadenza.NoteOnEvent(64, 90), Hand: cadenza.HandLeft},
		{Tick: 1920, Event: cadenza.NoteOffEvent(64), Hand: cadenza.HandLeft},
	}
	tr := engine.NewTransport(48000, engine.StopToLoopStart)
	tr.Load(cadenza.MustTempoMap(480, nil), 2400)
	tr.Seek(960)
	if err := tr.SetLoop(&cadenza.LoopRange{Start: 960, End: 1920}); err != nil {
		t.Fatalf("SetLoop failed: %v", err)
	}
	tr.Play(0)
	s := engine.NewScheduler(30 * time.Millisecond)
	s.Load(events)
	s.Reset(tr, tr.NowTick())
	q := engine.NewEventQueue(64)
	var got []cadenza.ScheduledEvent
	const iterations = 100
	for now := cadenza.SampleTime(0); now < iterations*48000; now += 512 {
		tr.Sync(now)
		s.Fill(tr, q, 7)
		got = drain(q, got)
	}
	if len(got) < 4*iterations {
		t.Fatalf("expected at least %d events, got %d", 4*iterations, len(got))
	}
	for i, e := range got {
		base := cadenza.SampleTime(i/4) * 48000
		var want cadenza.ScheduledEvent
		switch i % 4 {
		case 0:
			want = cadenza.ScheduledEvent{Sample: base, Event: cadenza.NoteOnEvent(60, 90)}
		case 1:
			want = cadenza.ScheduledEvent{Sample: base + 12000, Event: cadenza.NoteOffEvent(60)}
		case 2:
			want = cadenza.ScheduledEvent{Sample: base + 24000, Event: cadenza.NoteOnEvent(64, 90)}
		case 3:
			// released by the scheduler at the loop end
			want = cadenza.ScheduledEvent{Sample: base + 48000, Event: cadenza.NoteOffEvent(64)}
		}
		want.Bus = cadenza.BusAutopilot
		want.Generation = 7
		if e != want {
			t.Fatalf("event %d was %+v, expected %+v", i, e, want)
		}
	}
	if st := s.Stats(); st.Dropped != 0 || st.Emitted != uint64(len(got)) {
		t.Fatalf("unexpected stats %+v for %d events", st, len(got))
	}
}

func TestSchedulerRouting(t *testing.T) {
	events := []cadenza.PlaybackEvent{
		{Tick: 0, Event: cadenza.NoteOnEvent(48, 90), Hand: cadenza.HandLeft},
		{Tick: 0, Event: cadenza.NoteOnEvent(60, 90), Hand: cadenza.HandRight},
		{Tick: 0, Event: cadenza.NoteOnEvent(72, 90)},
		{Tick: 0, Event: cadenza.NoteOnEvent(77, 80), Track: cadenza.TrackClick},
	}
	cases := []struct {
		name  string
		route engine.Route
		want  map[uint8]cadenza.Bus
	}{
		{"demo", engine.Route{Mode: engine.Demo, PlayLeft: true, PlayRight: true},
			map[uint8]cadenza.Bus{48: cadenza.BusAutopilot, 60: cadenza.BusAutopilot, 72: cadenza.BusAutopilot}},
		{"demo ignores hands", engine.Route{Mode: engine.Demo},
			map[uint8]cadenza.Bus{48: cadenza.BusAutopilot, 60: cadenza.BusAutopilot, 72: cadenza.BusAutopilot}},
		{"accompaniment right", engine.Route{Mode: engine.Accompaniment, PlayRight: true, Metronome: true},
			map[uint8]cadenza.Bus{60: cadenza.BusAutopilot, 72: cadenza.BusAutopilot, 77: cadenza.BusMetronome}},
		{"accompaniment none", engine.Route{Mode: engine.Accompaniment},
			map[uint8]cadenza.Bus{72: cadenza.BusAutopilot}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			tr := engine.NewTransport(48000, engine.StopToZero)
			tr.Load(cadenza.MustTempoMap(480, nil), 960)
			s := engine.NewScheduler(time.Second)
			s.Load(events)
			s.SetRoute(c.route)
			q := engine.NewEventQueue(16)
			if n := s.Fill(tr, q, 1); n != 0 {
				t.Fatalf("stopped scheduler emitted %d events", n)
			}
			tr.Play(0)
			s.Reset(tr, 0)
			s.Fill(tr, q, 1)
			got := drain(q, nil)
			if len(got) != len(c.want) {
				t.Fatalf("expected %d events, got %+v", len(c.want), got)
			}
			for _, e := range got {
				if bus, ok := c.want[e.Event.Note]; !ok || bus != e.Bus {
					t.Fatalf("note %d routed to %v", e.Event.Note, e.Bus)
				}
			}
		})
	}
}

func TestSchedulerRouteForHands(t *testing.T) {
	r := engine.Route{Mode: engine.Accompaniment, PlayLeft: true}
	if !r.Plays(cadenza.HandLeft) || r.Plays(cadenza.HandRight) || !r.Plays(cadenza.HandAny) {
		t.Fatalf("unexpected hands for %+v", r)
	}
	r.Mode = engine.Demo
	if !r.Plays(cadenza.HandRight) {
		t.Fatalf("demo mode must play every hand")
	}
}
