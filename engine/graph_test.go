package engine_test

import (
	"math"
	"testing"
	"time"

	"github.com/cadenzaio/cadenza"
	"github.com/cadenzaio/cadenza/engine"
)

type busEvent struct {
	bus   cadenza.Bus
	event cadenza.MIDIEvent
}

// recordingSynth remembers every event and renders a constant level per bus.
type recordingSynth struct {
	events []busEvent
	level  [cadenza.NumBuses]float32
}

func (s *recordingSynth) HandleEvent(bus cadenza.Bus, e cadenza.MIDIEvent) {
	s.events = append(s.events, busEvent{bus, e})
}

func (s *recordingSynth) Render(bus cadenza.Bus, out cadenza.AudioBuffer) {
	for i := range out {
		out[i] = s.level[bus]
	}
}

func TestSeekClearsQueueAndSilences(t *testing.T) {
	p := engine.NewPlayback(engine.PlaybackConfig{SampleRate: 48000})
	score := cadenza.DemoScore()
	if err := p.Load(&score); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	p.Play()
	if got := p.Seek(960); got != 960 {
		t.Fatalf("seek returned %d", got)
	}
	synth := &recordingSynth{}
	g := engine.NewGraph(p, synth, nil, 0)
	g.Render(0, make(cadenza.AudioBuffer, 2048*2))
	off := cadenza.AllNotesOffEvent()
	want := []busEvent{
		{cadenza.BusAutopilot, off}, {cadenza.BusMetronome, off}, // load
		{cadenza.BusAutopilot, off}, {cadenza.BusMetronome, off}, // seek
		{cadenza.BusAutopilot, cadenza.NoteOnEvent(64, 96)},
	}
	if len(synth.events) != len(want) {
		t.Fatalf("synth got %+v, expected %+v", synth.events, want)
	}
	for i := range want {
		if synth.events[i] != want[i] {
			t.Fatalf("event %d was %+v, expected %+v", i, synth.events[i], want[i])
		}
	}
	if c := g.Counters(); c.Stale != 1 {
		t.Fatalf("expected the note scheduled before the seek to be stale, counters %+v", c)
	}
	if got := p.RenderClock().Load(); got != 2048 {
		t.Fatalf("render clock was %d", got)
	}

	synth.events = nil
	p.Pause()
	g.Render(2048, make(cadenza.AudioBuffer, 256*2))
	if len(synth.events) != 2 || synth.events[0].event.Kind != cadenza.AllNotesOff {
		t.Fatalf("pause did not silence the autopilot: %+v", synth.events)
	}
	if p.Params().PlaybackEnabled() {
		t.Fatalf("playback still enabled after pause")
	}
}

func TestGraphGatesNoteOns(t *testing.T) {
	p := engine.NewPlayback(engine.PlaybackConfig{})
	synth := &recordingSynth{}
	g := engine.NewGraph(p, synth, nil, 0)
	p.Params().SetMonitorEnabled(false)
	p.SendLive(0, cadenza.BusUserMonitor, cadenza.NoteOnEvent(60, 100))
	p.SendLive(0, cadenza.BusUserMonitor, cadenza.NoteOffEvent(60))
	p.SendLive(10, cadenza.BusAutopilot, cadenza.NoteOnEvent(62, 100))
	g.Render(0, make(cadenza.AudioBuffer, 128*2))
	if len(synth.events) != 1 || synth.events[0] != (busEvent{cadenza.BusUserMonitor, cadenza.NoteOffEvent(60)}) {
		t.Fatalf("unexpected events %+v", synth.events)
	}
	if c := g.Counters(); c.Skipped != 2 || c.Applied != 1 {
		t.Fatalf("unexpected counters %+v", c)
	}
}

func TestGraphLimiter(t *testing.T) {
	p := engine.NewPlayback(engine.PlaybackConfig{})
	p.Params().SetPlaybackEnabled(true)
	p.Params().SetMaster(1)
	p.Params().SetBus(cadenza.BusAutopilot, 1)
	synth := &recordingSynth{}
	synth.level[cadenza.BusAutopilot] = 1
	g := engine.NewGraph(p, synth, nil, 0)
	buf := make(cadenza.AudioBuffer, 256*2)
	g.Render(0, buf)
	if math.Abs(float64(buf[0])-0.995) > 1e-5 {
		t.Fatalf("first block was %v, expected the limiter to start at 0.995", buf[0])
	}
	for i := 1; i < 200; i++ {
		g.Render(cadenza.SampleTime(i*256), buf)
	}
	for _, v := range buf {
		if v > 0.9801 || v < 0.979 {
			t.Fatalf("limited output was %v", v)
		}
	}
}

func TestGraphRendersLargeBlocksInChunks(t *testing.T) {
	p := engine.NewPlayback(engine.PlaybackConfig{})
	p.Params().SetPlaybackEnabled(true)
	synth := &recordingSynth{}
	synth.level[cadenza.BusMetronome] = 0.5
	cur := time.Unix(0, 0)
	bridge := engine.NewClockBridge(48000, func() time.Time { return cur })
	g := engine.NewGraph(p, synth, bridge, 1024)
	p.RenderClock().Store(480)
	p.SendLive(480, cadenza.BusMetronome, cadenza.NoteOnEvent(77, 100))
	buf := make(cadenza.AudioBuffer, 10000*2)
	g.Render(480, buf)
	if got := p.RenderClock().Load(); got != 10480 {
		t.Fatalf("render clock was %d", got)
	}
	if _, s, ok := bridge.Anchor(); !ok || s != 480 {
		t.Fatalf("clock bridge anchored at %d %v", s, ok)
	}
	if len(synth.events) != 1 {
		t.Fatalf("expected the live event to be applied once, got %+v", synth.events)
	}
	if c := g.Counters(); c.Late != 0 {
		t.Fatalf("live event was late: %+v", c)
	}
	want := float32(0.5 * engine.DefaultMetronomeVolume * engine.DefaultMasterVolume)
	if d := buf[len(buf)-1] - want; d > 1e-5 || d < -1e-5 {
		t.Fatalf("last sample was %v, expected %v", buf[len(buf)-1], want)
	}
}

func TestPlaybackLoopWrapKeepsPlaying(t *testing.T) {
	p := engine.NewPlayback(engine.PlaybackConfig{SampleRate: 48000})
	score := cadenza.DemoScore()
	if err := p.Load(&score); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if err := p.SetLoop(&cadenza.LoopRange{Start: 0, End: 960}); err != nil {
		t.Fatalf("SetLoop failed: %v", err)
	}
	synth := &recordingSynth{}
	g := engine.NewGraph(p, synth, nil, 0)
	p.Play()
	buf := make(cadenza.AudioBuffer, 512*2)
	wraps := 0
	for i := 0; i < 400; i++ {
		res := p.Tick()
		wraps += res.Wrapped
		if res.Jumped || res.Ended {
			t.Fatalf("block %d: unexpected %+v", i, res)
		}
		g.Render(cadenza.SampleTime(i*512), buf)
	}
	// 400 blocks of 512 samples are 204800 samples, four full loops of 48000
	if wraps != 4 {
		t.Fatalf("expected 4 wraps, got %d", wraps)
	}
	ons := 0
	for _, e := range synth.events {
		if e.event.Kind == cadenza.NoteOn {
			ons++
		}
	}
	// one note on every 24000 samples, the last one at 192000
	if ons != 9 {
		t.Fatalf("expected 9 note ons, got %d", ons)
	}
	if c := g.Counters(); c.Late != 0 {
		t.Fatalf("events were rendered late: %+v", c)
	}
}

func TestLiveEventsNeverWaitBehindLaterOnes(t *testing.T) {
	p := engine.NewPlayback(engine.PlaybackConfig{})
	synth := &recordingSynth{}
	g := engine.NewGraph(p, synth, nil, 0)
	p.SendLive(64, cadenza.BusUserMonitor, cadenza.NoteOnEvent(60, 96))
	p.SendLive(12064, cadenza.BusUserMonitor, cadenza.NoteOffEvent(60))
	p.SendLive(200, cadenza.BusUserMonitor, cadenza.NoteOnEvent(67, 90))
	g.Render(0, make(cadenza.AudioBuffer, 512*2))
	want := []busEvent{
		{cadenza.BusUserMonitor, cadenza.NoteOnEvent(60, 96)},
		{cadenza.BusUserMonitor, cadenza.NoteOffEvent(60)},
		{cadenza.BusUserMonitor, cadenza.NoteOnEvent(67, 90)},
	}
	if len(synth.events) != len(want) {
		t.Fatalf("synth got %+v, expected %+v", synth.events, want)
	}
	for i := range want {
		if synth.events[i] != want[i] {
			t.Fatalf("event %d was %+v, expected %+v", i, synth.events[i], want[i])
		}
	}
	if c := p.Counters(); c.LiveLen != 0 {
		t.Fatalf("live queue kept %d events", c.LiveLen)
	}
}

func TestLiveEventsSurviveSampleRateChange(t *testing.T) {
	p := engine.NewPlayback(engine.PlaybackConfig{SampleRate: 48000})
	synth := &recordingSynth{}
	g := engine.NewGraph(p, synth, nil, 0)
	g.Render(0, make(cadenza.AudioBuffer, 4096*2))
	p.SendLive(p.RenderClock().Load(), cadenza.BusUserMonitor, cadenza.NoteOffEvent(60))
	p.SetSampleRate(44100)
	g.Render(0, make(cadenza.AudioBuffer, 256*2))
	found := false
	for _, e := range synth.events {
		if e == (busEvent{cadenza.BusUserMonitor, cadenza.NoteOffEvent(60)}) {
			found = true
		}
	}
	if !found {
		t.Fatalf("live event queued before the reset was not applied: %+v", synth.events)
	}
	if c := p.Counters(); c.LiveLen != 0 {
		t.Fatalf("live queue kept %d events", c.LiveLen)
	}
}

// segmentSynth records the frame offset into the rendered block of every event.
type segmentSynth struct {
	recordingSynth
	frame int
	at    []int
}

func (s *segmentSynth) HandleEvent(bus cadenza.Bus, e cadenza.MIDIEvent) {
	s.recordingSynth.HandleEvent(bus, e)
	s.at = append(s.at, s.frame)
}

func (s *segmentSynth) Render(bus cadenza.Bus, out cadenza.AudioBuffer) {
	if bus == cadenza.NumBuses-1 {
		s.frame += out.Frames()
	}
}

func TestTempoMultiplierDropsQueuedEvents(t *testing.T) {
	p := engine.NewPlayback(engine.PlaybackConfig{SampleRate: 48000, Lookahead: 100 * time.Millisecond})
	score := cadenza.DemoScore()
	if err := p.Load(&score); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	p.Play()
	synth := &segmentSynth{}
	g := engine.NewGraph(p, synth, nil, 0)
	g.Render(0, make(cadenza.AudioBuffer, 20000*2))
	// at sample 20000 the lookahead holds the note off of 60 at 21000 and
	// the note on of 62 at 24000
	p.Tick()
	if err := p.SetTempoMultiplier(2); err != nil {
		t.Fatalf("SetTempoMultiplier failed: %v", err)
	}
	synth.events, synth.at, synth.frame = nil, nil, 0
	g.Render(20000, make(cadenza.AudioBuffer, 4096*2))

	off := cadenza.AllNotesOffEvent()
	want := []busEvent{
		{cadenza.BusAutopilot, off}, {cadenza.BusMetronome, off},
		{cadenza.BusAutopilot, cadenza.NoteOffEvent(60)},
		{cadenza.BusAutopilot, cadenza.NoteOnEvent(62, 96)},
	}
	if len(synth.events) != len(want) {
		t.Fatalf("synth got %+v, expected %+v", synth.events, want)
	}
	for i := range want {
		if synth.events[i] != want[i] {
			t.Fatalf("event %d was %+v, expected %+v", i, synth.events[i], want[i])
		}
	}
	// tick 420 is now 20000 + 20*25 and tick 480 is 20000 + 80*25
	if wantAt := []int{0, 0, 500, 2000}; !equalInts(synth.at, wantAt) {
		t.Fatalf("events were applied at frames %v, expected %v", synth.at, wantAt)
	}
	if c := g.Counters(); c.Stale != 2 || c.Late != 0 {
		t.Fatalf("expected both queued events to be stale, counters %+v", c)
	}
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
