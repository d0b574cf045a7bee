package cadenza

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"
)

type (
	// Score is a piece normalised into musical time: the notes the player is
	// expected to hit (Targets) and the events the engine plays by itself
	// (Playback). Both are ordered by tick.
	Score struct {
		Title    string          `yaml:"title,omitempty" json:"title,omitempty"`
		PPQ      int             `yaml:"ppq" json:"ppq"`
		Tempo    []TempoPoint    `yaml:"tempo,omitempty" json:"tempo,omitempty"`
		Targets  []TargetEvent   `yaml:"targets,omitempty" json:"targets,omitempty"`
		Playback []PlaybackEvent `yaml:"playback,omitempty" json:"playback,omitempty"`
	}

	// TargetEvent is one chord (or single note) the player should play at
	// Tick. Notes are distinct and sorted ascending.
	TargetEvent struct {
		ID    uint64 `yaml:"id" json:"id"`
		Tick  Tick   `yaml:"tick" json:"tick"`
		Notes Notes  `yaml:"notes,flow" json:"notes"`
		Hand  Hand   `yaml:"hand,omitempty" json:"hand,omitempty"`
	}

	// PlaybackEvent is played by the engine on the autopilot or metronome bus.
	PlaybackEvent struct {
		Tick  Tick      `yaml:"tick" json:"tick"`
		Event MIDIEvent `yaml:"event" json:"event"`
		Hand  Hand      `yaml:"hand,omitempty" json:"hand,omitempty"`
		Track Track     `yaml:"track,omitempty" json:"track,omitempty"`
	}
)

// Copy makes a deep copy of a Score.
func (s *Score) Copy() Score {
	ret := Score{Title: s.Title, PPQ: s.PPQ}
	ret.Tempo = append([]TempoPoint(nil), s.Tempo...)
	ret.Playback = append([]PlaybackEvent(nil), s.Playback...)
	ret.Targets = make([]TargetEvent, len(s.Targets))
	for i, t := range s.Targets {
		t.Notes = append(Notes(nil), t.Notes...)
		ret.Targets[i] = t
	}
	return ret
}

// TempoMap builds the tempo map of the score.
func (s *Score) TempoMap() (*TempoMap, error) {
	return NewTempoMap(s.PPQ, s.Tempo)
}

// Duration returns the tick of the last target or playback event.
func (s *Score) Duration() Tick {
	var d Tick
	for _, t := range s.Targets {
		d = max(d, t.Tick)
	}
	for _, p := range s.Playback {
		d = max(d, p.Tick)
	}
	return d
}

// Normalize sorts the playback events by tick and rank, sorts and dedups the
// notes of each target and orders the targets by tick. Target ids are kept.
func (s *Score) Normalize() {
	sort.SliceStable(s.Playback, func(i, j int) bool {
		a, b := s.Playback[i], s.Playback[j]
		if a.Tick != b.Tick {
			return a.Tick < b.Tick
		}
		return a.Event.Less(b.Event)
	})
	for i := range s.Targets {
		s.Targets[i].Notes = sortedNotes(s.Targets[i].Notes)
	}
	sort.SliceStable(s.Targets, func(i, j int) bool { return s.Targets[i].Tick < s.Targets[j].Tick })
}

// Validate checks the invariants the engine relies on. Errors wrap
// ErrInvalidScore or ErrInvalidTempoMap.
func (s *Score) Validate() error {
	if _, err := s.TempoMap(); err != nil {
		return err
	}
	var lastID uint64
	var lastTick Tick
	for i, t := range s.Targets {
		if t.Tick < 0 {
			return fmt.Errorf("%w: target %d at negative tick %d", ErrInvalidScore, t.ID, t.Tick)
		}
		if i > 0 && (t.ID <= lastID || t.Tick < lastTick) {
			return fmt.Errorf("%w: target %d is out of order", ErrInvalidScore, t.ID)
		}
		if len(t.Notes) == 0 {
			return fmt.Errorf("%w: target %d has no notes", ErrInvalidScore, t.ID)
		}
		for j, n := range t.Notes {
			if n > 127 {
				return fmt.Errorf("%w: target %d has note %d", ErrInvalidScore, t.ID, n)
			}
			if j > 0 && n <= t.Notes[j-1] {
				return fmt.Errorf("%w: notes of target %d are not distinct and ascending", ErrInvalidScore, t.ID)
			}
		}
		lastID, lastTick = t.ID, t.Tick
	}
	for i, p := range s.Playback {
		if p.Tick < 0 {
			return fmt.Errorf("%w: playback event %d at negative tick %d", ErrInvalidScore, i, p.Tick)
		}
		if p.Event.Note > 127 {
			return fmt.Errorf("%w: playback event %d has note %d", ErrInvalidScore, i, p.Event.Note)
		}
		if i > 0 {
			prev := s.Playback[i-1]
			if p.Tick < prev.Tick || (p.Tick == prev.Tick && p.Event.Less(prev.Event)) {
				return fmt.Errorf("%w: playback event %d is out of order", ErrInvalidScore, i)
			}
		}
	}
	return nil
}

// BuildTargets replaces the targets with chords formed from the NoteOns of
// the music track that share a tick. Ids start from 1.
func (s *Score) BuildTargets() {
	s.Targets = s.Targets[:0]
	var id uint64
	for _, p := range s.Playback {
		if p.Track != TrackMusic || p.Event.Kind != NoteOn {
			continue
		}
		if n := len(s.Targets); n > 0 && s.Targets[n-1].Tick == p.Tick {
			last := &s.Targets[n-1]
			last.Notes = append(last.Notes, p.Event.Note)
			if last.Hand != p.Hand {
				last.Hand = HandAny
			}
			continue
		}
		id++
		s.Targets = append(s.Targets, TargetEvent{ID: id, Tick: p.Tick, Notes: Notes{p.Event.Note}, Hand: p.Hand})
	}
	for i := range s.Targets {
		s.Targets[i].Notes = sortedNotes(s.Targets[i].Notes)
	}
}

// SanitizeNotePairs makes every NoteOn of the music track pair with exactly
// one later NoteOff of the same note and hand: a re-struck note first
// releases the sounding one, orphan NoteOffs are dropped and notes left
// hanging at the end are released one quarter after the last event. The
// playback must be normalized.
func (s *Score) SanitizeNotePairs() {
	type key struct {
		note uint8
		hand Hand
	}
	open := map[key]bool{}
	var last Tick
	out := make([]PlaybackEvent, 0, len(s.Playback))
	for _, p := range s.Playback {
		last = max(last, p.Tick)
		if p.Track != TrackMusic {
			out = append(out, p)
			continue
		}
		k := key{p.Event.Note, p.Hand}
		switch p.Event.Kind {
		case NoteOn:
			if open[k] {
				out = append(out, PlaybackEvent{Tick: p.Tick, Event: NoteOffEvent(k.note), Hand: k.hand})
			}
			open[k] = true
		case NoteOff:
			if !open[k] {
				continue
			}
			open[k] = false
		}
		out = append(out, p)
	}
	end := last + Tick(max(s.PPQ, 1))
	dangling := make([]key, 0, len(open))
	for k, o := range open {
		if o {
			dangling = append(dangling, k)
		}
	}
	sort.Slice(dangling, func(i, j int) bool {
		if dangling[i].note != dangling[j].note {
			return dangling[i].note < dangling[j].note
		}
		return dangling[i].hand < dangling[j].hand
	})
	for _, k := range dangling {
		out = append(out, PlaybackEvent{Tick: end, Event: NoteOffEvent(k.note), Hand: k.hand})
	}
	s.Playback = out
	s.Normalize()
}

// WithMetronome adds a click on every beat up to the end of the score,
// accenting the first beat of each bar. Existing clicks are replaced.
func (s *Score) WithMetronome(beatsPerBar int) {
	const (
		accent  = 76
		regular = 77
	)
	if beatsPerBar <= 0 {
		beatsPerBar = 4
	}
	music := s.Playback[:0:0]
	for _, p := range s.Playback {
		if p.Track == TrackMusic {
			music = append(music, p)
		}
	}
	s.Playback = music
	end := s.Duration()
	ppq := Tick(s.PPQ)
	for beat, t := 0, Tick(0); t <= end; beat, t = beat+1, t+ppq {
		note, vel := uint8(regular), uint8(80)
		if beat%beatsPerBar == 0 {
			note, vel = accent, 110
		}
		s.Playback = append(s.Playback,
			PlaybackEvent{Tick: t, Event: NoteOnEvent(note, vel), Track: TrackClick},
			PlaybackEvent{Tick: t + ppq/4, Event: NoteOffEvent(note), Track: TrackClick})
	}
	s.Normalize()
}

// Range returns the targets whose tick lies within r.
func (s *Score) Range(r LoopRange) []TargetEvent {
	lo := sort.Search(len(s.Targets), func(i int) bool { return s.Targets[i].Tick >= r.Start })
	hi := sort.Search(len(s.Targets), func(i int) bool { return s.Targets[i].Tick >= r.End })
	return s.Targets[lo:hi]
}

// ReadScore parses a score from JSON or, failing that, YAML. The returned
// score is normalized and validated.
func ReadScore(data []byte) (Score, error) {
	var s Score
	if errJSON := json.Unmarshal(data, &s); errJSON != nil {
		s = Score{}
		if errYaml := yaml.Unmarshal(data, &s); errYaml != nil {
			return Score{}, fmt.Errorf("score is neither JSON nor YAML: %w", errors.Join(errJSON, errYaml))
		}
	}
	if s.PPQ == 0 {
		s.PPQ = DefaultPPQ
	}
	s.Normalize()
	if len(s.Targets) == 0 {
		s.BuildTargets()
	}
	if err := s.Validate(); err != nil {
		return Score{}, err
	}
	return s, nil
}

// DemoScore is a C major scale from middle C, one quarter note each.
func DemoScore() Score {
	s := Score{Title: "C major scale", PPQ: DefaultPPQ, Tempo: []TempoPoint{{0, DefaultMicrosPerQuarter}}}
	for i, n := range []uint8{60, 62, 64, 65, 67, 69, 71, 72} {
		t := Tick(i * DefaultPPQ)
		s.Playback = append(s.Playback,
			PlaybackEvent{Tick: t, Event: NoteOnEvent(n, 96), Hand: HandRight},
			PlaybackEvent{Tick: t + DefaultPPQ - DefaultPPQ/8, Event: NoteOffEvent(n), Hand: HandRight})
	}
	s.Normalize()
	s.BuildTargets()
	return s
}

func sortedNotes(notes Notes) Notes {
	sort.Slice(notes, func(i, j int) bool { return notes[i] < notes[j] })
	out := notes[:0]
	for _, n := range notes {
		if len(out) == 0 || n != out[len(out)-1] {
			out = append(out, n)
		}
	}
	return out
}
