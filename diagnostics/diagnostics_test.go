package diagnostics_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cadenzaio/cadenza"
	"github.com/cadenzaio/cadenza/diagnostics"
	"github.com/cadenzaio/cadenza/settings"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func snapshot() diagnostics.Snapshot {
	at := time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)
	s := diagnostics.Snapshot{
		ID:                "test",
		CreatedAt:         at,
		SessionID:         "b6c1",
		State:             "running",
		Score:             "C major scale",
		Settings:          settings.Default(),
		MIDISupport:       "supported",
		MIDIInputs:        []cadenza.MIDIDevice{{ID: "Digital Piano", Name: "Digital Piano"}},
		SelectedMIDIInput: "Digital Piano",
		AudioOutputs:      []cadenza.AudioDevice{{ID: "silent", Name: "Silent", Default: true}},
		Audio:             cadenza.AudioConfig{SampleRate: 48000, BufferFrames: 256},
		Silent:            true,
		RecentInputs: []cadenza.InputEvent{
			{At: at, Event: cadenza.NoteOnEvent(60, 90)},
			{At: at.Add(100 * time.Millisecond), Event: cadenza.NoteOffEvent(60)},
		},
		Alerts: []string{"warning midi: 3 unsupported messages"},
	}
	s.Counters.InputDropped = 4
	return s
}

func TestReport(t *testing.T) {
	report, err := diagnostics.Report(snapshot())
	require.NoError(t, err)
	text := string(report)
	for _, want := range []string{
		"Cadenza diagnostics test",
		"Created:   2024-03-01 12:30:00 UTC",
		"State:     Running",
		"Score:     C major scale",
		"MIDI support: Supported",
		"in  Digital Piano  (selected)",
		"out Silent  (default)",
		"48000 Hz, 256 frames, silent",
		"Input dropped:    4",
		"12:30:00.100  NoteOff(60)",
		"warning midi: 3 unsupported messages",
	} {
		assert.Contains(t, text, want)
	}
}

func TestExport(t *testing.T) {
	dir := t.TempDir()
	snap := snapshot()
	snap.ID = ""
	bundle, err := diagnostics.Export(dir, snap)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(filepath.Base(bundle), diagnostics.BundlePrefix))
	for _, name := range []string{"app_version.txt", "platform.txt", "settings.yaml", "devices.json", "recent_events.json", "counters.json", "report.txt"} {
		assert.FileExists(t, filepath.Join(bundle, name))
	}
	data, err := os.ReadFile(filepath.Join(bundle, "recent_events.json"))
	require.NoError(t, err)
	var events []struct {
		Event struct {
			Kind string `json:"kind"`
			Note int    `json:"note"`
		} `json:"event"`
	}
	require.NoError(t, json.Unmarshal(data, &events))
	require.Len(t, events, 2)
	assert.Equal(t, "noteon", events[0].Event.Kind)
	assert.Equal(t, 60, events[1].Event.Note)

	loaded, warnings, err := settings.Load(filepath.Join(bundle, "settings.yaml"))
	require.NoError(t, err)
	assert.Empty(t, warnings)
	assert.Equal(t, settings.Default(), loaded)
}
