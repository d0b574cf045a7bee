package session

import (
	"sort"

	"github.com/cadenzaio/cadenza"
)

type (
	// NoteSpan is a sounding note of the score for display.
	NoteSpan struct {
		Note     uint8        `json:"note"`
		Start    cadenza.Tick `json:"start"`
		End      cadenza.Tick `json:"end"`
		Velocity uint8        `json:"velocity"`
		Hand     cadenza.Hand `json:"hand"`
	}

	// PedalSpan is a range of ticks during which the sustain pedal is down.
	PedalSpan struct {
		Start cadenza.Tick `json:"start"`
		End   cadenza.Tick `json:"end"`
	}
)

// Demo score identifiers.
const (
	DemoScale  = "scale"
	DemoChords = "chords"
)

// DemoScore returns a built in score. Unknown ids give the scale.
func DemoScore(id string) cadenza.Score {
	if id == DemoChords {
		return chordsDemo()
	}
	return cadenza.DemoScore()
}

// chordsDemo is I-IV-V-I in C with the bass in the left hand and the
// pedal held through each bar.
func chordsDemo() cadenza.Score {
	const bar = 4 * cadenza.DefaultPPQ
	s := cadenza.Score{
		Title: "Cadence in C",
		PPQ:   cadenza.DefaultPPQ,
		Tempo: []cadenza.TempoPoint{{Tick: 0, MicrosPerQuarter: 600000}},
	}
	chords := []struct {
		bass  uint8
		upper []uint8
	}{
		{48, []uint8{60, 64, 67}},
		{53, []uint8{60, 65, 69}},
		{55, []uint8{59, 62, 67}},
		{48, []uint8{60, 64, 67}},
	}
	add := func(t cadenza.Tick, n uint8, h cadenza.Hand) {
		s.Playback = append(s.Playback,
			cadenza.PlaybackEvent{Tick: t, Event: cadenza.NoteOnEvent(n, 90), Hand: h},
			cadenza.PlaybackEvent{Tick: t + bar - cadenza.DefaultPPQ/4, Event: cadenza.NoteOffEvent(n), Hand: h})
	}
	for i, c := range chords {
		t := cadenza.Tick(i * bar)
		add(t, c.bass, cadenza.HandLeft)
		for _, n := range c.upper {
			add(t, n, cadenza.HandRight)
		}
		s.Playback = append(s.Playback,
			cadenza.PlaybackEvent{Tick: t + 10, Event: cadenza.SustainEvent(127)},
			cadenza.PlaybackEvent{Tick: t + bar - 10, Event: cadenza.SustainEvent(0)})
	}
	s.Normalize()
	s.BuildTargets()
	return s
}

// scoreView derives what the piano roll draws from the music of a score.
// A note never released lasts a quarter; overlapping notes of the same
// pitch close in order.
func scoreView(s *cadenza.Score) ScoreViewUpdated {
	type open struct {
		start cadenza.Tick
		vel   uint8
		hand  cadenza.Hand
	}
	var (
		notes    []NoteSpan
		pedal    []PedalSpan
		stacks   = map[uint8][]open{}
		down     = false
		pedalAt  cadenza.Tick
		lastTick cadenza.Tick
	)
	closeNote := func(n uint8, o open, end cadenza.Tick) {
		if end <= o.start {
			end = o.start + 1
		}
		notes = append(notes, NoteSpan{Note: n, Start: o.start, End: end, Velocity: o.vel, Hand: o.hand})
	}
	for _, p := range s.Playback {
		if p.Track != cadenza.TrackMusic {
			continue
		}
		lastTick = max(lastTick, p.Tick)
		e := p.Event
		switch e.Kind {
		case cadenza.NoteOn:
			stacks[e.Note] = append(stacks[e.Note], open{p.Tick, e.Value, p.Hand})
		case cadenza.NoteOff:
			st := stacks[e.Note]
			if len(st) == 0 {
				continue
			}
			closeNote(e.Note, st[0], p.Tick)
			stacks[e.Note] = st[1:]
		case cadenza.Sustain:
			switch {
			case e.SustainDown() && !down:
				down, pedalAt = true, p.Tick
			case !e.SustainDown() && down:
				down = false
				pedal = append(pedal, PedalSpan{Start: pedalAt, End: max(p.Tick, pedalAt+1)})
			}
		}
	}
	for n, st := range stacks {
		for _, o := range st {
			closeNote(n, o, o.start+cadenza.Tick(s.PPQ))
		}
	}
	if down {
		pedal = append(pedal, PedalSpan{Start: pedalAt, End: max(lastTick+1, pedalAt+1)})
	}
	sort.Slice(notes, func(i, j int) bool {
		if notes[i].Start != notes[j].Start {
			return notes[i].Start < notes[j].Start
		}
		return notes[i].Note < notes[j].Note
	})
	return ScoreViewUpdated{
		Title:   s.Title,
		PPQ:     s.PPQ,
		Notes:   notes,
		Targets: append([]cadenza.TargetEvent(nil), s.Targets...),
		Pedal:   pedal,
	}
}
