package engine_test

import (
	"errors"
	"math"
	"testing"

	"github.com/cadenzaio/cadenza"
	"github.com/cadenzaio/cadenza/engine"
)

func twoTempoTransport(t *testing.T, policy engine.StopPolicy) *engine.Transport {
	t.Helper()
	tempo, err := cadenza.NewTempoMap(480, []cadenza.TempoPoint{
		{Tick: 0, MicrosPerQuarter: 500000},
		{Tick: 1200, MicrosPerQuarter: 400000},
	})
	if err != nil {
		t.Fatalf("NewTempoMap failed: %v", err)
	}
	tr := engine.NewTransport(48000, policy)
	tr.Load(tempo, 4000)
	return tr
}

func TestTransportLoopDoesNotDrift(t *testing.T) {
	tr := twoTempoTransport(t, engine.StopToLoopStart)
	if err := tr.SetLoop(&cadenza.LoopRange{Start: 960, End: 1920}); err != nil {
		t.Fatalf("SetLoop failed: %v", err)
	}
	tr.Seek(960)
	tr.Play(0)
	l := tr.LoopLength()
	if l != 40800 {
		t.Fatalf("loop length was %d samples, expected 40800", l)
	}
	for k := int64(1); k <= 5000; k++ {
		if res := tr.Sync(cadenza.SampleTime(k*l - l/2)); res.Wrapped != 0 || res.Jumped {
			t.Fatalf("iteration %d: unexpected wrap in the middle of the loop: %+v", k, res)
		}
		res := tr.Sync(cadenza.SampleTime(k * l))
		if res.Wrapped != 1 || res.Jumped {
			t.Fatalf("iteration %d: expected exactly one wrap, got %+v", k, res)
		}
		if got := tr.NowTick(); got != 960 {
			t.Fatalf("iteration %d: tick at iteration start was %d, expected 960", k, got)
		}
		if got := tr.TickToSample(960); got != cadenza.SampleTime(k*l) {
			t.Fatalf("iteration %d: loop start mapped to sample %d, expected %d", k, got, k*l)
		}
		if got := tr.LoopEpoch(); got != uint64(k) {
			t.Fatalf("iteration %d: epoch was %d", k, got)
		}
	}
	if got, want := tr.TickToSampleAt(960, tr.LoopEpoch()+3), cadenza.SampleTime(5003*l); got != want {
		t.Fatalf("future epoch mapped to %d, expected %d", got, want)
	}
}

func TestTransportTempoMultiplier(t *testing.T) {
	tr := engine.NewTransport(48000, engine.StopToZero)
	tr.Load(cadenza.MustTempoMap(480, nil), 10000)
	tr.Play(1000)
	tr.Sync(49000)
	if got := tr.NowTick(); got != 960 {
		t.Fatalf("tick before multiplier change was %d, expected 960", got)
	}
	if err := tr.SetTempoMultiplier(2); err != nil {
		t.Fatalf("SetTempoMultiplier failed: %v", err)
	}
	if got := tr.NowTick(); got != 960 {
		t.Fatalf("tick after multiplier change was %d, expected 960", got)
	}
	if got := tr.TickToSample(1920); got != 73000 {
		t.Fatalf("tick 1920 at double speed mapped to sample %d, expected 73000", got)
	}
	tr.Sync(73000)
	if got := tr.NowTick(); got != 1920 {
		t.Fatalf("tick was %d, expected 1920", got)
	}
	for _, x := range []float64{0, -1, math.Inf(1), math.NaN()} {
		if err := tr.SetTempoMultiplier(x); !errors.Is(err, cadenza.ErrInvalidTempoMultiplier) {
			t.Fatalf("multiplier %v: expected ErrInvalidTempoMultiplier, got %v", x, err)
		}
	}
	if tr.Multiplier() != 2 {
		t.Fatalf("rejected multiplier changed the state: %v", tr.Multiplier())
	}
}

func TestTransportRoundTrip(t *testing.T) {
	tr := twoTempoTransport(t, engine.StopToZero)
	if err := tr.SetTempoMultiplier(1.5); err != nil {
		t.Fatalf("SetTempoMultiplier failed: %v", err)
	}
	for tick := cadenza.Tick(0); tick < 3000; tick += 7 {
		got := tr.SampleToTick(tr.TickToSample(tick))
		if d := got - tick; d < -1 || d > 1 {
			t.Fatalf("tick %d came back as %d", tick, got)
		}
	}
}

func TestTransportPauseAndStop(t *testing.T) {
	tr := engine.NewTransport(48000, engine.StopToLoopStart)
	tr.Load(cadenza.MustTempoMap(480, nil), 10000)
	tr.Play(0)
	tr.Sync(48000)
	tr.Pause()
	if tr.State() != engine.Paused || tr.NowTick() != 960 {
		t.Fatalf("pause left state %v at tick %d", tr.State(), tr.NowTick())
	}
	tr.Play(100000)
	if tr.NowTick() != 960 || tr.NowSample() != 100000 {
		t.Fatalf("resume placed tick %d at sample %d", tr.NowTick(), tr.NowSample())
	}
	if err := tr.SetLoop(&cadenza.LoopRange{Start: 480, End: 1440}); err != nil {
		t.Fatalf("SetLoop failed: %v", err)
	}
	tr.Stop()
	if tr.State() != engine.Stopped || tr.NowTick() != 480 {
		t.Fatalf("stop went to tick %d, expected the loop start", tr.NowTick())
	}
	tr.SetStopPolicy(engine.StopPreserve)
	tr.Seek(700)
	tr.Stop()
	if tr.NowTick() != 700 {
		t.Fatalf("preserving stop went to tick %d", tr.NowTick())
	}
	tr.SetStopPolicy(engine.StopToZero)
	tr.Stop()
	if tr.NowTick() != 0 {
		t.Fatalf("stop to zero went to tick %d", tr.NowTick())
	}
	if got := tr.Seek(20000); got != 10000 {
		t.Fatalf("seek past the end was clamped to %d", got)
	}
	if got := tr.Seek(-5); got != 0 {
		t.Fatalf("seek before the start was clamped to %d", got)
	}
}

func TestTransportRejectsEmptyLoop(t *testing.T) {
	tr := engine.NewTransport(48000, engine.StopToZero)
	tr.Load(cadenza.MustTempoMap(480, nil), 10000)
	if err := tr.SetLoop(&cadenza.LoopRange{Start: 0, End: 960}); err != nil {
		t.Fatalf("SetLoop failed: %v", err)
	}
	for _, r := range []cadenza.LoopRange{{Start: 10, End: 10}, {Start: 20, End: 10}, {Start: -1, End: 10}} {
		if err := tr.SetLoop(&r); !errors.Is(err, cadenza.ErrInvalidLoopRange) {
			t.Fatalf("loop %v: expected ErrInvalidLoopRange, got %v", r, err)
		}
	}
	if l, ok := tr.Loop(); !ok || l != (cadenza.LoopRange{Start: 0, End: 960}) {
		t.Fatalf("rejected loop changed the state: %v %v", l, ok)
	}
	if err := tr.SetLoop(nil); err != nil {
		t.Fatalf("clearing the loop failed: %v", err)
	}
	if _, ok := tr.Loop(); ok {
		t.Fatalf("loop still enabled after clearing")
	}
}

func TestTransportEnd(t *testing.T) {
	tr := engine.NewTransport(48000, engine.StopToZero)
	tr.Load(cadenza.MustTempoMap(480, nil), 960)
	tr.Play(0)
	if res := tr.Sync(47000); res.Ended {
		t.Fatalf("ended before the end of the score")
	}
	if res := tr.Sync(48100); !res.Ended {
		t.Fatalf("did not end after the end of the score")
	}
}
