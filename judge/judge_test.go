package judge_test

import (
	"errors"
	"testing"

	"github.com/cadenzaio/cadenza"
	"github.com/cadenzaio/cadenza/judge"
)

func newJudge(t *testing.T, policy judge.WrongNotePolicy, targets ...cadenza.TargetEvent) *judge.Judge {
	t.Helper()
	cfg := judge.Config{Perfect: 10, Good: 40, ChordRoll: 20, WrongNotes: policy, PerfectScore: 100, GoodScore: 70}
	j, err := judge.NewJudge(cfg)
	if err != nil {
		t.Fatalf("NewJudge failed: %v", err)
	}
	j.Load(targets)
	return j
}

func note(tick cadenza.Tick, n uint8) cadenza.PlayerNoteOn {
	return cadenza.PlayerNoteOn{Tick: tick, Note: n, Velocity: 100}
}

func hits(events []judge.Event) []judge.Hit {
	var ret []judge.Hit
	for _, e := range events {
		if h, ok := e.(judge.Hit); ok {
			ret = append(ret, h)
		}
	}
	return ret
}

func misses(events []judge.Event) []judge.Miss {
	var ret []judge.Miss
	for _, e := range events {
		if m, ok := e.(judge.Miss); ok {
			ret = append(ret, m)
		}
	}
	return ret
}

func TestRolledChordIsPerfect(t *testing.T) {
	j := newJudge(t, judge.DegradePerfect, cadenza.TargetEvent{ID: 1, Tick: 960, Notes: cadenza.Notes{60, 64, 67}})
	var events []judge.Event
	events = append(events, j.OnNoteOn(note(955, 60))...)
	events = append(events, j.OnNoteOn(note(965, 64))...)
	events = append(events, j.OnNoteOn(note(970, 67))...)
	h := hits(events)
	if len(h) != 1 {
		t.Fatalf("expected one hit, got events %v", events)
	}
	if h[0].Grade != judge.Perfect || h[0].Delta != -5 || h[0].WrongNotes != 0 || h[0].TargetID != 1 {
		t.Fatalf("unexpected hit %+v", h[0])
	}
	if !j.Done() {
		t.Fatalf("expected the focus to advance past the only target")
	}
	last, ok := events[len(events)-1].(judge.Stats)
	if !ok || last.Combo != 1 || last.Score != 100 || last.Accuracy != 1 {
		t.Fatalf("unexpected stats %+v", events[len(events)-1])
	}
}

func TestTimeoutMiss(t *testing.T) {
	j := newJudge(t, judge.DegradePerfect,
		cadenza.TargetEvent{ID: 1, Tick: 960, Notes: cadenza.Notes{60, 64, 67}},
		cadenza.TargetEvent{ID: 2, Tick: 1920, Notes: cadenza.Notes{62}})
	if events := j.AdvanceTo(1000); len(events) != 0 {
		t.Fatalf("good window still open at 1000, got %v", events)
	}
	events := j.AdvanceTo(1010)
	m := misses(events)
	if len(m) != 1 || m[0].Reason != judge.Timeout || len(m[0].Missing) != 3 || m[0].TargetID != 1 {
		t.Fatalf("expected one timeout miss with 3 missing notes, got %v", events)
	}
	focus, ok := j.Focus()
	if !ok || focus.ID != 2 {
		t.Fatalf("expected focus on target 2, got %+v (%v)", focus, ok)
	}
	var changed bool
	for _, e := range events {
		if f, ok := e.(judge.FocusChanged); ok && f.TargetID == 2 && f.HasTarget {
			changed = true
		}
	}
	if !changed {
		t.Fatalf("expected FocusChanged to target 2 in %v", events)
	}
}

func TestWrongNoteDegradesPerfect(t *testing.T) {
	for _, tt := range []struct {
		policy judge.WrongNotePolicy
		grade  judge.Grade
	}{
		{judge.DegradePerfect, judge.Good},
		{judge.RecordOnly, judge.Perfect},
	} {
		j := newJudge(t, tt.policy, cadenza.TargetEvent{ID: 1, Tick: 960, Notes: cadenza.Notes{60, 64}})
		var events []judge.Event
		events = append(events, j.OnNoteOn(note(960, 60))...)
		events = append(events, j.OnNoteOn(note(965, 61))...)
		events = append(events, j.OnNoteOn(note(970, 64))...)
		h := hits(events)
		if len(h) != 1 || h[0].Grade != tt.grade || h[0].WrongNotes != 1 {
			t.Fatalf("policy %v: unexpected events %v", tt.policy, events)
		}
		if j.Stats().Wrong != 1 {
			t.Fatalf("expected 1 wrong note in stats, got %+v", j.Stats())
		}
	}
}

func TestEarlyNoteNotConsumed(t *testing.T) {
	j := newJudge(t, judge.DegradePerfect, cadenza.TargetEvent{ID: 1, Tick: 960, Notes: cadenza.Notes{60}})
	if events := j.OnNoteOn(note(900, 60)); len(events) != 0 {
		t.Fatalf("expected no events, got %v", events)
	}
	if events := j.OnNoteOn(note(905, 61)); len(events) != 0 {
		t.Fatalf("expected no events for a wrong note outside the window, got %v", events)
	}
	if focus, ok := j.Focus(); !ok || focus.ID != 1 {
		t.Fatalf("focus moved")
	}
	if s := j.Stats(); s.Wrong != 0 {
		t.Fatalf("expected no wrong notes, got %+v", s)
	}
	h := hits(j.OnNoteOn(note(950, 60)))
	if len(h) != 1 || h[0].Grade != judge.Perfect {
		t.Fatalf("expected the later attempt to hit perfectly, got %v", h)
	}
}

func TestChordRollRejectsOtherAttempt(t *testing.T) {
	j := newJudge(t, judge.DegradePerfect, cadenza.TargetEvent{ID: 1, Tick: 960, Notes: cadenza.Notes{60, 64}})
	j.OnNoteOn(note(925, 60))
	if events := j.OnNoteOn(note(990, 64)); len(events) != 0 {
		t.Fatalf("note 65 ticks after the first match should be ignored, got %v", events)
	}
	if s := j.Stats(); s.Wrong != 0 {
		t.Fatalf("a rejected chord note is not a wrong note, got %+v", s)
	}
	m := misses(j.AdvanceTo(1001))
	if len(m) != 1 || len(m[0].Missing) != 1 || m[0].Missing[0] != 64 {
		t.Fatalf("expected a miss with note 64 missing, got %v", m)
	}
}

func TestGoodGradeAndCombo(t *testing.T) {
	j := newJudge(t, judge.DegradePerfect,
		cadenza.TargetEvent{ID: 1, Tick: 0, Notes: cadenza.Notes{60}},
		cadenza.TargetEvent{ID: 2, Tick: 480, Notes: cadenza.Notes{62}},
		cadenza.TargetEvent{ID: 3, Tick: 960, Notes: cadenza.Notes{64}})
	j.OnNoteOn(note(25, 60))
	j.OnNoteOn(note(480, 62))
	s := j.Stats()
	if s.Good != 1 || s.Perfect != 1 || s.Combo != 2 || s.Score != 170 {
		t.Fatalf("unexpected stats %+v", s)
	}
	j.AdvanceTo(2000)
	s = j.Stats()
	if s.Combo != 0 || s.MaxCombo != 2 || s.Miss != 1 {
		t.Fatalf("unexpected stats after the miss %+v", s)
	}
	if want := 2.0 / 3.0; s.Accuracy != want {
		t.Fatalf("accuracy = %v, want %v", s.Accuracy, want)
	}
}

func TestOutOfOrderNoteIsClamped(t *testing.T) {
	j := newJudge(t, judge.DegradePerfect, cadenza.TargetEvent{ID: 1, Tick: 960, Notes: cadenza.Notes{60, 64}})
	j.OnNoteOn(note(962, 60))
	h := hits(j.OnNoteOn(note(950, 64)))
	if len(h) != 1 || h[0].Delta != 2 {
		t.Fatalf("expected a hit with delta 2, got %v", h)
	}
	if j.Stats().Reordered != 1 {
		t.Fatalf("expected one reordered note, got %+v", j.Stats())
	}
}

func TestSkipAndRewind(t *testing.T) {
	j := newJudge(t, judge.DegradePerfect,
		cadenza.TargetEvent{ID: 1, Tick: 0, Notes: cadenza.Notes{60}},
		cadenza.TargetEvent{ID: 2, Tick: 480, Notes: cadenza.Notes{62}})
	m := misses(j.Skip())
	if len(m) != 1 || m[0].Reason != judge.Skipped || m[0].TargetID != 1 {
		t.Fatalf("unexpected skip result %v", m)
	}
	j.Rewind(0)
	if focus, _ := j.Focus(); focus.ID != 1 {
		t.Fatalf("expected rewind to focus target 1, got %d", focus.ID)
	}
	j.Rewind(470)
	if focus, _ := j.Focus(); focus.ID != 2 {
		t.Fatalf("expected rewind to focus target 2, got %d", focus.ID)
	}
	if j.Stats().Miss != 1 {
		t.Fatalf("rewind must keep statistics")
	}
	j.Rewind(5000)
	if !j.Done() {
		t.Fatalf("expected no focus after the last target")
	}
	if j.Skip() != nil {
		t.Fatalf("skip with no focus should not emit events")
	}
}

func TestLoadEmitsFocus(t *testing.T) {
	j, err := judge.NewJudge(judge.DefaultConfig())
	if err != nil {
		t.Fatalf("NewJudge failed: %v", err)
	}
	events := j.Load([]cadenza.TargetEvent{{ID: 1, Tick: 0}, {ID: 2, Tick: 10, Notes: cadenza.Notes{70}}})
	f, ok := events[0].(judge.FocusChanged)
	if !ok || f.TargetID != 2 {
		t.Fatalf("expected focus on the first non-empty target, got %v", events)
	}
}

func TestInvalidConfig(t *testing.T) {
	for _, cfg := range []judge.Config{
		{Perfect: 50, Good: 40},
		{Perfect: -1, Good: 40},
		{Perfect: 10, Good: 40, ChordRoll: -5},
	} {
		if _, err := judge.NewJudge(cfg); !errors.Is(err, judge.ErrInvalidConfig) {
			t.Errorf("config %+v: expected ErrInvalidConfig, got %v", cfg, err)
		}
	}
}
