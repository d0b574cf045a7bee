package judge

import (
	"fmt"

	"github.com/cadenzaio/cadenza"
)

type (
	// Event is one of FocusChanged, Hit, Miss or Stats.
	Event interface{ isEvent() }

	// FocusChanged tells which target the judge is waiting for next.
	// HasTarget is false once every target has been resolved.
	FocusChanged struct {
		TargetID  uint64        `json:"targetId"`
		Tick      cadenza.Tick  `json:"tick"`
		Notes     cadenza.Notes `json:"notes"`
		HasTarget bool          `json:"hasTarget"`
	}

	// Hit is a target whose every note was played inside the windows. Delta
	// is the tick of the first matched note minus the target tick.
	Hit struct {
		TargetID   uint64        `json:"targetId"`
		Grade      Grade         `json:"grade"`
		Delta      cadenza.Tick  `json:"delta"`
		Expected   cadenza.Notes `json:"expected"`
		WrongNotes int           `json:"wrongNotes"`
	}

	// Miss is a target that was not completed in time or was skipped.
	Miss struct {
		TargetID   uint64        `json:"targetId"`
		Reason     MissReason    `json:"reason"`
		Missing    cadenza.Notes `json:"missing"`
		WrongNotes int           `json:"wrongNotes"`
	}

	// Stats are the running totals, emitted after every resolution.
	Stats struct {
		Combo     int     `json:"combo"`
		MaxCombo  int     `json:"maxCombo"`
		Score     int     `json:"score"`
		Perfect   int     `json:"perfect"`
		Good      int     `json:"good"`
		Miss      int     `json:"miss"`
		Wrong     int     `json:"wrong"`
		Reordered int     `json:"reordered"`
		Accuracy  float64 `json:"accuracy"`
	}

	Grade      int
	MissReason int
)

const (
	Perfect Grade = iota
	Good
)

const (
	Timeout MissReason = iota
	Skipped
)

func (FocusChanged) isEvent() {}
func (Hit) isEvent()          {}
func (Miss) isEvent()         {}
func (Stats) isEvent()        {}

// Hits returns the number of resolved targets that were hit.
func (s Stats) Hits() int { return s.Perfect + s.Good }

func (s Stats) accuracy() float64 {
	if total := s.Hits() + s.Miss; total > 0 {
		return float64(s.Hits()) / float64(total)
	}
	return 0
}

func (g Grade) String() string {
	if g == Perfect {
		return "perfect"
	}
	return "good"
}

func (g Grade) MarshalText() ([]byte, error) { return []byte(g.String()), nil }

func (r MissReason) String() string {
	if r == Skipped {
		return "skipped"
	}
	return "timeout"
}

func (r MissReason) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

func (e Hit) String() string {
	return fmt.Sprintf("hit %d: %s (%+d ticks, %d wrong)", e.TargetID, e.Grade, e.Delta, e.WrongNotes)
}

func (e Miss) String() string {
	return fmt.Sprintf("miss %d: %s (%d missing, %d wrong)", e.TargetID, e.Reason, len(e.Missing), e.WrongNotes)
}
