package settings_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cadenzaio/cadenza/engine"
	"github.com/cadenzaio/cadenza/settings"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileGivesDefaults(t *testing.T) {
	s, warnings, err := settings.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Empty(t, warnings)
	assert.Equal(t, settings.Default(), s)
}

func TestMalformedFieldsFallBackIndividually(t *testing.T) {
	data := []byte(`
midiInput: "Digital Piano"
monitorEnabled: maybe
volumes:
  master: 0.5
  metronome: loud
  autopilot: 3
audio:
  bufferFrames: 256
judge:
  perfectTicks: 40
  goodTicks: 20
stopPolicy: preserve
mode: sideways
inputOffsetMs: 12.5
unknownKey: [1, 2]
`)
	s := settings.Default()
	warnings, err := settings.Decode(data, &s)
	require.NoError(t, err)
	def := settings.Default()
	assert.Equal(t, "Digital Piano", s.MIDIInput)
	assert.Equal(t, def.MonitorEnabled, s.MonitorEnabled)
	assert.Equal(t, float32(0.5), s.Volumes.Master)
	assert.Equal(t, def.Volumes.Metronome, s.Volumes.Metronome)
	assert.Equal(t, def.Volumes.Autopilot, s.Volumes.Autopilot)
	assert.Equal(t, 256, s.Audio.BufferFrames)
	assert.Equal(t, def.Audio.SampleRate, s.Audio.SampleRate)
	// good window below the perfect one is rejected as a whole
	assert.Equal(t, def.Judge, s.Judge)
	assert.Equal(t, engine.StopPreserve, s.StopPolicy)
	assert.Equal(t, engine.Demo, s.Mode)
	assert.Equal(t, 12.5, s.InputOffsetMs)
	// monitorEnabled, volumes.metronome, mode, volumes.autopilot, judge
	assert.Len(t, warnings, 5)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	s := settings.Default()
	_, err := settings.Decode([]byte("{{{"), &s)
	assert.Error(t, err)
	assert.Equal(t, settings.Default(), s)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "settings.yaml")
	s := settings.Default()
	s.AudioOutput = "default"
	s.Mode = engine.Accompaniment
	s.Metronome = true
	s.Volumes.Monitor = 0.25
	require.NoError(t, settings.Save(path, s))
	got, warnings, err := settings.Load(path)
	require.NoError(t, err)
	assert.Empty(t, warnings)
	assert.Equal(t, s, got)
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary files left behind")
}

func TestStoreDebouncesWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	log := logrus.NewEntry(logrus.New())
	st := settings.NewStore(path, log)
	for i := 0; i < 10; i++ {
		st.Update(func(s *settings.Settings) { s.InputOffsetMs = float64(i) })
	}
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err), "write was not debounced")
	require.NoError(t, st.Flush())
	got, _, err := settings.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9.0, got.InputOffsetMs)
}
