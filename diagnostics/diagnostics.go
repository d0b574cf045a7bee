// Package diagnostics writes a bundle describing the running session, for
// attaching to bug reports.
package diagnostics

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"text/template"
	"time"

	"github.com/Masterminds/sprig"
	"github.com/cadenzaio/cadenza"
	"github.com/cadenzaio/cadenza/engine"
	"github.com/cadenzaio/cadenza/settings"
	"github.com/cadenzaio/cadenza/version"
	"github.com/google/uuid"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"
)

type (
	// Snapshot is everything the bundle reports. The session fills it in on
	// its own goroutine; Export only reads it.
	Snapshot struct {
		ID        string       `json:"id"`
		CreatedAt time.Time    `json:"createdAt"`
		Version   version.Info `json:"version"`
		SessionID string       `json:"sessionId"`
		State     string       `json:"state"`
		Score     string       `json:"score,omitempty"`

		Settings settings.Settings `json:"-"`

		MIDISupport         string                `json:"midiSupport"`
		MIDIInputs          []cadenza.MIDIDevice  `json:"midiInputs"`
		SelectedMIDIInput   string                `json:"selectedMidiInput"`
		AudioOutputs        []cadenza.AudioDevice `json:"audioOutputs"`
		SelectedAudioOutput string                `json:"selectedAudioOutput"`
		Audio               cadenza.AudioConfig   `json:"audio"`
		Silent              bool                  `json:"silent"`

		RecentInputs []cadenza.InputEvent `json:"-"`
		Alerts       []string             `json:"-"`
		Counters     Counters             `json:"-"`
	}

	Counters struct {
		Playback      engine.PlaybackCounters `json:"playback"`
		Graph         engine.GraphCounters    `json:"graph"`
		InputDropped  uint64                  `json:"inputDropped"`
		Unsupported   uint64                  `json:"unsupportedMidi"`
		EventsDropped uint64                  `json:"eventsDropped"`
	}
)

//go:embed templates/*
var templateFS embed.FS

var reportTemplate = template.Must(template.New("base").
	Funcs(sprig.TxtFuncMap()).
	Funcs(template.FuncMap{"label": label}).
	ParseFS(templateFS, "templates/*.tmpl"))

var titleCaser = cases.Title(language.English)

func label(v any) string { return titleCaser.String(fmt.Sprint(v)) }

// BundlePrefix starts the name of every bundle directory.
const BundlePrefix = "cadenza-diagnostics-"

// Export writes the bundle into a new directory under dir and returns its
// path. Missing ID and CreatedAt are filled in.
func Export(dir string, snap Snapshot) (string, error) {
	if snap.ID == "" {
		snap.ID = uuid.NewString()
	}
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now()
	}
	if snap.Version == (version.Info{}) {
		snap.Version = version.Get()
	}
	bundle := filepath.Join(dir, BundlePrefix+snap.ID)
	if err := os.MkdirAll(bundle, 0o755); err != nil {
		return "", fmt.Errorf("creating diagnostics directory failed: %w", err)
	}
	report, err := Report(snap)
	if err != nil {
		return "", err
	}
	settingsYAML, err := yaml.Marshal(snap.Settings)
	if err != nil {
		return "", fmt.Errorf("encoding settings failed: %w", err)
	}
	files := []struct {
		name string
		data func() ([]byte, error)
	}{
		{"app_version.txt", func() ([]byte, error) { return []byte(snap.Version.String() + "\n"), nil }},
		{"platform.txt", func() ([]byte, error) { return []byte(platform(snap)), nil }},
		{"settings.yaml", func() ([]byte, error) { return settingsYAML, nil }},
		{"devices.json", func() ([]byte, error) { return jsonFile(snap) }},
		{"recent_events.json", func() ([]byte, error) { return jsonFile(snap.RecentInputs) }},
		{"counters.json", func() ([]byte, error) { return jsonFile(snap.Counters) }},
		{"report.txt", func() ([]byte, error) { return report, nil }},
	}
	for _, f := range files {
		data, err := f.data()
		if err != nil {
			return "", fmt.Errorf("encoding %s failed: %w", f.name, err)
		}
		if err := os.WriteFile(filepath.Join(bundle, f.name), data, 0o644); err != nil {
			return "", fmt.Errorf("writing %s failed: %w", f.name, err)
		}
	}
	return bundle, nil
}

// Report renders the human readable summary of the bundle.
func Report(snap Snapshot) ([]byte, error) {
	var buf bytes.Buffer
	if err := reportTemplate.ExecuteTemplate(&buf, "report", snap); err != nil {
		return nil, fmt.Errorf("rendering diagnostics report failed: %w", err)
	}
	return buf.Bytes(), nil
}

func platform(snap Snapshot) string {
	host, _ := os.Hostname()
	return fmt.Sprintf("os: %s\narch: %s\ncpus: %d\ngo: %s\nhost: %s\nmidi: %s\n",
		runtime.GOOS, runtime.GOARCH, runtime.NumCPU(), runtime.Version(), host, snap.MIDISupport)
}

func jsonFile(v any) ([]byte, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}
