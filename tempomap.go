package cadenza

import (
	"fmt"
	"sort"
)

type (
	// TempoPoint sets the tempo from Tick onwards.
	TempoPoint struct {
		Tick             Tick  `yaml:"tick" json:"tick"`
		MicrosPerQuarter int64 `yaml:"usPerQuarter" json:"usPerQuarter"`
	}

	// TempoMap converts between ticks and microseconds for a piecewise
	// constant tempo. It is immutable after construction and safe for
	// concurrent readers.
	TempoMap struct {
		ppq      int64
		segments []tempoSegment
	}

	tempoSegment struct {
		tick             Tick
		micros           int64 // elapsed microseconds at tick
		microsPerQuarter int64
	}
)

// NewTempoMap builds the map from tempo points sorted ascending by tick. An
// empty list means 120 BPM from tick 0.
func NewTempoMap(ppq int, points []TempoPoint) (*TempoMap, error) {
	if ppq <= 0 {
		return nil, fmt.Errorf("%w: ppq %d", ErrInvalidTempoMap, ppq)
	}
	if len(points) == 0 {
		points = []TempoPoint{{Tick: 0, MicrosPerQuarter: DefaultMicrosPerQuarter}}
	}
	m := &TempoMap{ppq: int64(ppq), segments: make([]tempoSegment, len(points))}
	for i, p := range points {
		if p.MicrosPerQuarter <= 0 {
			return nil, fmt.Errorf("%w: point %d has %d us per quarter", ErrInvalidTempoMap, i, p.MicrosPerQuarter)
		}
		if i > 0 && p.Tick <= points[i-1].Tick {
			return nil, fmt.Errorf("%w: point %d at tick %d is not after tick %d", ErrInvalidTempoMap, i, p.Tick, points[i-1].Tick)
		}
		seg := tempoSegment{tick: p.Tick, microsPerQuarter: p.MicrosPerQuarter}
		if i == 0 {
			// ticks before the first point run at the first tempo, so tick 0
			// is always at 0 us
			seg.micros = mulDivRound(int64(p.Tick), p.MicrosPerQuarter, m.ppq)
		} else {
			prev := m.segments[i-1]
			seg.micros = prev.micros + mulDivRound(int64(p.Tick-prev.tick), prev.microsPerQuarter, m.ppq)
		}
		m.segments[i] = seg
	}
	return m, nil
}

// MustTempoMap is NewTempoMap for points known to be valid.
func MustTempoMap(ppq int, points []TempoPoint) *TempoMap {
	m, err := NewTempoMap(ppq, points)
	if err != nil {
		panic(err)
	}
	return m
}

func (m *TempoMap) PPQ() int { return int(m.ppq) }

// Points returns a copy of the tempo points.
func (m *TempoMap) Points() []TempoPoint {
	ret := make([]TempoPoint, len(m.segments))
	for i, s := range m.segments {
		ret[i] = TempoPoint{Tick: s.tick, MicrosPerQuarter: s.microsPerQuarter}
	}
	return ret
}

// TickToMicros returns the time of tick t, in microseconds from tick 0.
func (m *TempoMap) TickToMicros(t Tick) int64 {
	s := m.segments[m.segmentForTick(t)]
	return s.micros + mulDivRound(int64(t-s.tick), s.microsPerQuarter, m.ppq)
}

// MicrosToTick returns the tick nearest to time us.
func (m *TempoMap) MicrosToTick(us int64) Tick {
	s := m.segments[m.segmentForMicros(us)]
	return s.tick + Tick(mulDivRound(us-s.micros, m.ppq, s.microsPerQuarter))
}

// MicrosPerQuarterAt returns the tempo in force at tick t.
func (m *TempoMap) MicrosPerQuarterAt(t Tick) int64 {
	return m.segments[m.segmentForTick(t)].microsPerQuarter
}

// BPMAt returns the tempo in force at tick t in quarter notes per minute.
func (m *TempoMap) BPMAt(t Tick) float64 {
	return 60e6 / float64(m.MicrosPerQuarterAt(t))
}

// MillisToTicks converts a duration in milliseconds to ticks using the tempo
// in force at tick at. Negative durations give negative ticks.
func (m *TempoMap) MillisToTicks(ms float64, at Tick) Tick {
	us := ms * 1000
	ticks := us * float64(m.ppq) / float64(m.MicrosPerQuarterAt(at))
	if ticks < 0 {
		return Tick(ticks - 0.5)
	}
	return Tick(ticks + 0.5)
}

func (m *TempoMap) segmentForTick(t Tick) int {
	// first segment whose start is after t, minus one
	i := sort.Search(len(m.segments), func(i int) bool { return m.segments[i].tick > t })
	if i == 0 {
		return 0
	}
	return i - 1
}

func (m *TempoMap) segmentForMicros(us int64) int {
	i := sort.Search(len(m.segments), func(i int) bool { return m.segments[i].micros > us })
	if i == 0 {
		return 0
	}
	return i - 1
}

// mulDivRound returns a*b/c rounded to nearest, halves away from zero. c > 0.
func mulDivRound(a, b, c int64) int64 {
	n := a * b
	if n < 0 {
		return -((-n + c/2) / c)
	}
	return (n + c/2) / c
}

// TempoPointsFrom turns tempo changes keyed by tick into a sorted point list
// starting at tick 0. A missing tempo at tick 0 defaults to 120 BPM.
func TempoPointsFrom(changes map[Tick]int64) []TempoPoint {
	points := make([]TempoPoint, 0, len(changes)+1)
	for t, us := range changes {
		if t >= 0 && us > 0 {
			points = append(points, TempoPoint{Tick: t, MicrosPerQuarter: us})
		}
	}
	sort.Slice(points, func(i, j int) bool { return points[i].Tick < points[j].Tick })
	if len(points) == 0 || points[0].Tick != 0 {
		points = append([]TempoPoint{{Tick: 0, MicrosPerQuarter: DefaultMicrosPerQuarter}}, points...)
	}
	return points
}
