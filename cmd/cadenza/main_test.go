package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cadenzaio/cadenza"
	"github.com/cadenzaio/cadenza/midifile"
	"github.com/go-audio/wav"
)

func execute(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("cadenza %s failed: %v\n%s", strings.Join(args, " "), err, out.String())
	}
	return out.String()
}

func TestVersion(t *testing.T) {
	if out := execute(t, "version"); !strings.HasPrefix(out, "cadenza ") {
		t.Fatalf("unexpected version output %q", out)
	}
}

func TestRender(t *testing.T) {
	dir := t.TempDir()
	score := cadenza.DemoScore()
	mid := filepath.Join(dir, "scale.mid")
	if err := midifile.WriteFile(mid, &score); err != nil {
		t.Fatal(err)
	}
	out := filepath.Join(dir, "scale.wav")
	execute(t, "--log-level", "warn", "render", "--sample-rate", "22050", "--tempo", "2", "--tail", "0.2", mid, out)
	f, err := os.Open(out)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	d := wav.NewDecoder(f)
	if !d.IsValidFile() {
		t.Fatalf("%s is not a valid WAV file", out)
	}
	if d.SampleRate != 22050 || d.NumChans != 2 {
		t.Fatalf("unexpected format: %d Hz, %d channels", d.SampleRate, d.NumChans)
	}
}

func TestBadLogLevel(t *testing.T) {
	rootCmd.SetArgs([]string{"--log-level", "loud", "version"})
	rootCmd.SetOut(&bytes.Buffer{})
	rootCmd.SetErr(&bytes.Buffer{})
	if err := rootCmd.Execute(); err == nil {
		t.Fatalf("expected an error for an unknown log level")
	}
	logLevel = "info"
}

func TestRenderRejectsUnknownSynth(t *testing.T) {
	defer func() { renderSynth = "piano" }()
	dir := t.TempDir()
	score := cadenza.DemoScore()
	mid := filepath.Join(dir, "scale.mid")
	if err := midifile.WriteFile(mid, &score); err != nil {
		t.Fatal(err)
	}
	rootCmd.SetArgs([]string{"render", "--synth", "organ", mid, filepath.Join(dir, "scale.wav")})
	rootCmd.SetOut(&bytes.Buffer{})
	rootCmd.SetErr(&bytes.Buffer{})
	if err := rootCmd.Execute(); err == nil || !strings.Contains(err.Error(), "organ") {
		t.Fatalf("expected an unknown synth error, got %v", err)
	}
}
