// Package judge scores live notes against the target chords of a score.
//
// The Judge is a pure state machine: it sees the player's NoteOns already
// mapped to ticks, plus a time advance signal, and emits Events. It has no
// clock and does no I/O, so the same inputs always give the same events.
package judge

import (
	"errors"
	"fmt"

	"github.com/cadenzaio/cadenza"
)

type (
	// Config holds the windows (in ticks, symmetric around the target tick)
	// and the scoring rules.
	Config struct {
		Perfect    cadenza.Tick    `yaml:"perfectTicks" json:"perfectTicks"`
		Good       cadenza.Tick    `yaml:"goodTicks" json:"goodTicks"`
		ChordRoll  cadenza.Tick    `yaml:"chordRollTicks" json:"chordRollTicks"`
		WrongNotes WrongNotePolicy `yaml:"wrongNotes" json:"wrongNotes"`

		PerfectScore int `yaml:"perfectScore" json:"perfectScore"`
		GoodScore    int `yaml:"goodScore" json:"goodScore"`
	}

	// WrongNotePolicy decides what a wrong note inside the window does to the
	// grade of the target.
	WrongNotePolicy int

	// Judge tracks one focus target at a time. Targets before the focus are
	// resolved; the focus state is reset whenever the focus moves.
	Judge struct {
		cfg     Config
		targets []cadenza.TargetEvent
		focus   int

		matched    map[uint8]cadenza.Tick
		wrong      int
		firstMatch cadenza.Tick
		hasFirst   bool

		// highest NoteOn tick seen, for the out of order guard
		highWater    cadenza.Tick
		hasHighWater bool

		stats Stats
	}
)

const (
	// RecordOnly counts wrong notes without affecting the grade.
	RecordOnly WrongNotePolicy = iota
	// DegradePerfect turns a Perfect into a Good when any wrong note was
	// played while the target was in focus.
	DegradePerfect
)

var ErrInvalidConfig = errors.New("invalid judge config")

func DefaultConfig() Config {
	return Config{
		Perfect:      30,
		Good:         80,
		ChordRoll:    24,
		WrongNotes:   DegradePerfect,
		PerfectScore: 100,
		GoodScore:    70,
	}
}

// Validate rejects negative windows and a good window narrower than the
// perfect window.
func (c Config) Validate() error {
	if c.Perfect < 0 || c.Good < 0 || c.ChordRoll < 0 {
		return fmt.Errorf("%w: windows must not be negative", ErrInvalidConfig)
	}
	if c.Good < c.Perfect {
		return fmt.Errorf("%w: good window %d is narrower than perfect window %d", ErrInvalidConfig, c.Good, c.Perfect)
	}
	return nil
}

func (p WrongNotePolicy) MarshalText() ([]byte, error) {
	if p == DegradePerfect {
		return []byte("degradePerfect"), nil
	}
	return []byte("recordOnly"), nil
}

func (p *WrongNotePolicy) UnmarshalText(text []byte) error {
	switch string(text) {
	case "degradePerfect":
		*p = DegradePerfect
	case "recordOnly":
		*p = RecordOnly
	default:
		return fmt.Errorf("unknown wrong note policy %q", string(text))
	}
	return nil
}

func NewJudge(cfg Config) (*Judge, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Judge{cfg: cfg, matched: make(map[uint8]cadenza.Tick, 8)}, nil
}

func (j *Judge) Config() Config { return j.cfg }

// Load replaces the targets and resets all state and statistics. Targets
// without notes can never be completed and are dropped.
func (j *Judge) Load(targets []cadenza.TargetEvent) []Event {
	j.targets = j.targets[:0]
	for _, t := range targets {
		if len(t.Notes) > 0 {
			j.targets = append(j.targets, t)
		}
	}
	j.stats = Stats{}
	j.focus = 0
	j.resetFocus()
	j.hasHighWater = false
	return []Event{j.focusChanged(), j.stats}
}

// Focus returns the target the judge is waiting for.
func (j *Judge) Focus() (cadenza.TargetEvent, bool) {
	if j.focus >= len(j.targets) {
		return cadenza.TargetEvent{}, false
	}
	return j.targets[j.focus], true
}

func (j *Judge) Stats() Stats { return j.stats }

// Done reports whether every target has been resolved.
func (j *Judge) Done() bool { return j.focus >= len(j.targets) }

// AdvanceTo resolves, as timed out, every target whose good window closed
// before now. It has to be called periodically so that misses fire while the
// player is silent.
func (j *Judge) AdvanceTo(now cadenza.Tick) []Event {
	return j.advance(now, nil)
}

// OnNoteOn matches a played note against the focus target, after timing out
// the targets the note is too late for.
//
// A note earlier than a note already processed is treated as if it arrived
// at that earlier note's tick, so the judge always sees non-decreasing ticks.
// Such notes are counted in Stats.Reordered.
func (j *Judge) OnNoteOn(e cadenza.PlayerNoteOn) []Event {
	tick := e.Tick
	if j.hasHighWater && tick < j.highWater {
		tick = j.highWater
		j.stats.Reordered++
	}
	j.highWater, j.hasHighWater = tick, true
	events := j.advance(tick, nil)
	if j.focus >= len(j.targets) {
		return events
	}
	target := j.targets[j.focus]
	if abs(tick-target.Tick) > j.cfg.Good {
		// far early or late: not consumed, the player may keep trying
		return events
	}
	if !target.Notes.Contains(e.Note) {
		j.wrong++
		j.stats.Wrong++
		return events
	}
	if _, ok := j.matched[e.Note]; ok {
		return events
	}
	if j.hasFirst && abs(tick-j.firstMatch) > j.cfg.ChordRoll {
		// belongs to another attempt at the chord
		return events
	}
	j.matched[e.Note] = tick
	if !j.hasFirst {
		j.firstMatch, j.hasFirst = tick, true
	}
	if len(j.matched) == len(target.Notes) {
		events = j.resolveHit(target, events)
	}
	return events
}

// Skip resolves the focus target as a Miss with reason Skipped.
func (j *Judge) Skip() []Event {
	if j.focus >= len(j.targets) {
		return nil
	}
	return j.resolveMiss(Skipped, nil)
}

// Rewind moves the focus back (or forward) to the first target whose good
// window is still open at tick t, for example after a seek or when a loop
// starts over. Earlier resolutions and statistics are kept; revisited
// targets are judged again as new attempts.
func (j *Judge) Rewind(t cadenza.Tick) []Event {
	j.focus = len(j.targets)
	for i, target := range j.targets {
		if target.Tick+j.cfg.Good >= t {
			j.focus = i
			break
		}
	}
	j.resetFocus()
	j.hasHighWater = false
	return []Event{j.focusChanged()}
}

func (j *Judge) advance(now cadenza.Tick, events []Event) []Event {
	for j.focus < len(j.targets) {
		if j.targets[j.focus].Tick+j.cfg.Good >= now {
			break
		}
		events = j.resolveMiss(Timeout, events)
	}
	return events
}

func (j *Judge) resolveHit(target cadenza.TargetEvent, events []Event) []Event {
	delta := j.firstMatch - target.Tick
	grade := Good
	if abs(delta) <= j.cfg.Perfect {
		grade = Perfect
	}
	if grade == Perfect && j.cfg.WrongNotes == DegradePerfect && j.wrong > 0 {
		grade = Good
	}
	switch grade {
	case Perfect:
		j.stats.Perfect++
		j.stats.Score += j.cfg.PerfectScore
	case Good:
		j.stats.Good++
		j.stats.Score += j.cfg.GoodScore
	}
	j.stats.Combo++
	j.stats.MaxCombo = max(j.stats.MaxCombo, j.stats.Combo)
	j.stats.Accuracy = j.stats.accuracy()
	events = append(events, Hit{
		TargetID:   target.ID,
		Grade:      grade,
		Delta:      delta,
		Expected:   target.Notes,
		WrongNotes: j.wrong,
	})
	j.focus++
	j.resetFocus()
	return append(events, j.focusChanged(), j.stats)
}

func (j *Judge) resolveMiss(reason MissReason, events []Event) []Event {
	target := j.targets[j.focus]
	var missing cadenza.Notes
	for _, n := range target.Notes {
		if _, ok := j.matched[n]; !ok {
			missing = append(missing, n)
		}
	}
	j.stats.Miss++
	j.stats.Combo = 0
	j.stats.Accuracy = j.stats.accuracy()
	events = append(events, Miss{
		TargetID:   target.ID,
		Reason:     reason,
		Missing:    missing,
		WrongNotes: j.wrong,
	})
	j.focus++
	j.resetFocus()
	return append(events, j.focusChanged(), j.stats)
}

func (j *Judge) resetFocus() {
	clear(j.matched)
	j.wrong = 0
	j.hasFirst = false
	j.firstMatch = 0
}

func (j *Judge) focusChanged() FocusChanged {
	if j.focus >= len(j.targets) {
		return FocusChanged{}
	}
	t := j.targets[j.focus]
	return FocusChanged{TargetID: t.ID, Tick: t.Tick, Notes: t.Notes, HasTarget: true}
}

func abs(t cadenza.Tick) cadenza.Tick {
	if t < 0 {
		return -t
	}
	return t
}
