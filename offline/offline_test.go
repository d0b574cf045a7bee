package offline_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cadenzaio/cadenza"
	"github.com/cadenzaio/cadenza/offline"
	"github.com/cadenzaio/cadenza/synth"
	"github.com/go-audio/wav"
)

func render(t *testing.T, score cadenza.Score, opts offline.Options) cadenza.AudioBuffer {
	t.Helper()
	buf, err := offline.Render(context.Background(), &score, synth.NewSimple(48000, 16), opts)
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	return buf
}

func TestRenderIsDeterministic(t *testing.T) {
	score := cadenza.DemoScore()
	score.WithMetronome(4)
	opts := offline.Options{SampleRate: 48000, BufferFrames: 256, Metronome: true}
	a := render(t, score, opts)
	b := render(t, score, opts)
	if len(a) != len(b) {
		t.Fatalf("renders differ in length: %d and %d", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("renders differ at sample %d: %v and %v", i/2, a[i], b[i])
		}
	}
	// 3780 ticks at 50 samples a tick, then a second of tail
	if want := 3780*50 + 48000; a.Frames() < want {
		t.Fatalf("render has %d frames, expected at least %d", a.Frames(), want)
	}
	var peak float32
	for _, v := range a[:48000*2] {
		peak = max(peak, v, -v)
	}
	if peak == 0 {
		t.Fatalf("first second is silent")
	}
}

func TestTempoMultiplierShortensRender(t *testing.T) {
	score := cadenza.DemoScore()
	normal := render(t, score, offline.Options{Tail: 100 * time.Millisecond})
	fast := render(t, score, offline.Options{Tail: 100 * time.Millisecond, Multiplier: 2})
	if fast.Frames() >= normal.Frames()*2/3 {
		t.Fatalf("double speed render has %d frames, normal %d", fast.Frames(), normal.Frames())
	}
}

func TestRenderFile(t *testing.T) {
	score := cadenza.DemoScore()
	path := filepath.Join(t.TempDir(), "scale.wav")
	if err := offline.RenderFile(context.Background(), path, &score, synth.NewSimple(44100, 16), offline.Options{SampleRate: 44100}); err != nil {
		t.Fatalf("RenderFile failed: %v", err)
	}
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	d := wav.NewDecoder(f)
	buf, err := d.FullPCMBuffer()
	if err != nil {
		t.Fatalf("decoding failed: %v", err)
	}
	if buf.Format.NumChannels != 2 || buf.Format.SampleRate != 44100 {
		t.Fatalf("unexpected format %+v", buf.Format)
	}
	if d.BitDepth != 16 {
		t.Fatalf("bit depth %d, expected 16", d.BitDepth)
	}
	if frames := len(buf.Data) / 2; frames < 44100*4 {
		t.Fatalf("only %d frames", frames)
	}
}

func TestRenderCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	score := cadenza.DemoScore()
	if _, err := offline.Render(ctx, &score, synth.NewSimple(48000, 16), offline.Options{}); err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
