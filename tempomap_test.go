package cadenza_test

import (
	"errors"
	"testing"

	"github.com/cadenzaio/cadenza"
)

func TestTempoMapMonotonicRoundTrip(t *testing.T) {
	m, err := cadenza.NewTempoMap(480, []cadenza.TempoPoint{
		{Tick: 0, MicrosPerQuarter: 500000},
		{Tick: 960, MicrosPerQuarter: 400000},
		{Tick: 1920, MicrosPerQuarter: 750000},
		{Tick: 4000, MicrosPerQuarter: 250000},
	})
	if err != nil {
		t.Fatalf("NewTempoMap failed: %v", err)
	}
	prev := m.TickToMicros(-100)
	for tick := cadenza.Tick(-99); tick < 10000; tick++ {
		us := m.TickToMicros(tick)
		if us < prev {
			t.Fatalf("TickToMicros(%d) = %d, went backwards from %d", tick, us, prev)
		}
		prev = us
		if back := m.MicrosToTick(us); back != tick {
			t.Fatalf("MicrosToTick(TickToMicros(%d)) = %d", tick, back)
		}
	}
}

func TestTempoMapSegments(t *testing.T) {
	m := cadenza.MustTempoMap(480, []cadenza.TempoPoint{
		{Tick: 0, MicrosPerQuarter: 500000},
		{Tick: 960, MicrosPerQuarter: 250000},
	})
	tests := []struct {
		tick cadenza.Tick
		us   int64
	}{
		{0, 0},
		{480, 500000},
		{960, 1000000},
		{1440, 1250000},
		{4800, 3000000},
	}
	for _, tt := range tests {
		if got := m.TickToMicros(tt.tick); got != tt.us {
			t.Errorf("TickToMicros(%d) = %d, want %d", tt.tick, got, tt.us)
		}
		if got := m.MicrosToTick(tt.us); got != tt.tick {
			t.Errorf("MicrosToTick(%d) = %d, want %d", tt.us, got, tt.tick)
		}
	}
	if bpm := m.BPMAt(1000); bpm != 240 {
		t.Errorf("BPMAt(1000) = %v, want 240", bpm)
	}
}

func TestTempoMapDefaultAndClamp(t *testing.T) {
	m, err := cadenza.NewTempoMap(480, nil)
	if err != nil {
		t.Fatalf("NewTempoMap failed: %v", err)
	}
	if got := m.TickToMicros(480); got != 500000 {
		t.Errorf("default tempo: TickToMicros(480) = %d, want 500000", got)
	}
	late := cadenza.MustTempoMap(480, []cadenza.TempoPoint{{Tick: 480, MicrosPerQuarter: 600000}})
	if got := late.TickToMicros(0); got != 0 {
		t.Errorf("tick before the first point: TickToMicros(0) = %d, want 0", got)
	}
	if got := late.TickToMicros(480); got != 600000 {
		t.Errorf("TickToMicros(480) = %d, want 600000", got)
	}
	if got := m.MillisToTicks(100, 0); got != 96 {
		t.Errorf("MillisToTicks(100) = %d, want 96", got)
	}
	if got := m.MillisToTicks(-100, 0); got != -96 {
		t.Errorf("MillisToTicks(-100) = %d, want -96", got)
	}
}

func TestTempoMapRejectsInvalid(t *testing.T) {
	tests := []struct {
		name   string
		ppq    int
		points []cadenza.TempoPoint
	}{
		{"unsorted", 480, []cadenza.TempoPoint{{Tick: 960, MicrosPerQuarter: 500000}, {Tick: 480, MicrosPerQuarter: 500000}}},
		{"duplicate", 480, []cadenza.TempoPoint{{Tick: 0, MicrosPerQuarter: 500000}, {Tick: 0, MicrosPerQuarter: 400000}}},
		{"zero", 480, []cadenza.TempoPoint{{Tick: 0, MicrosPerQuarter: 0}}},
		{"negative", 480, []cadenza.TempoPoint{{Tick: 0, MicrosPerQuarter: 500000}, {Tick: 480, MicrosPerQuarter: -1}}},
		{"ppq", 0, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := cadenza.NewTempoMap(tt.ppq, tt.points)
			if !errors.Is(err, cadenza.ErrInvalidTempoMap) {
				t.Fatalf("expected ErrInvalidTempoMap, got %v", err)
			}
		})
	}
}

func TestTempoPointsFrom(t *testing.T) {
	got := cadenza.TempoPointsFrom(map[cadenza.Tick]int64{960: 400000, 480: 0, 1920: 600000})
	want := []cadenza.TempoPoint{{0, 500000}, {960, 400000}, {1920, 600000}}
	if len(got) != len(want) {
		t.Fatalf("got %v, expected %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, expected %v", got, want)
		}
	}
	if _, err := cadenza.NewTempoMap(480, got); err != nil {
		t.Fatalf("points do not form a valid tempo map: %v", err)
	}
}
