// Package settings persists the user's preferences as YAML. A field that is
// missing or malformed in the file falls back to its default without
// affecting the others.
package settings

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/bep/debounce"
	"github.com/cadenzaio/cadenza"
	"github.com/cadenzaio/cadenza/engine"
	"github.com/cadenzaio/cadenza/judge"
	"github.com/mitchellh/go-homedir"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

type (
	Settings struct {
		MIDIInput      string              `yaml:"midiInput" json:"midiInput"`
		AudioOutput    string              `yaml:"audioOutput" json:"audioOutput"`
		Audio          cadenza.AudioConfig `yaml:"audio" json:"audio"`
		MonitorEnabled bool                `yaml:"monitorEnabled" json:"monitorEnabled"`
		Volumes        Volumes             `yaml:"volumes" json:"volumes"`
		InputOffsetMs  float64             `yaml:"inputOffsetMs" json:"inputOffsetMs"`
		SoundFont      string              `yaml:"soundFont" json:"soundFont"`
		AudiverisPath  string              `yaml:"audiverisPath" json:"audiverisPath"`
		Judge          judge.Config        `yaml:"judge" json:"judge"`
		StopPolicy     engine.StopPolicy   `yaml:"stopPolicy" json:"stopPolicy"`
		Mode           engine.PlaybackMode `yaml:"mode" json:"mode"`
		Metronome      bool                `yaml:"metronome" json:"metronome"`
		BeatsPerBar    int                 `yaml:"beatsPerBar" json:"beatsPerBar"`
		LookaheadMs    int                 `yaml:"lookaheadMs" json:"lookaheadMs"`
	}

	Volumes struct {
		Master    float32 `yaml:"master" json:"master"`
		Monitor   float32 `yaml:"monitor" json:"monitor"`
		Autopilot float32 `yaml:"autopilot" json:"autopilot"`
		Metronome float32 `yaml:"metronome" json:"metronome"`
	}

	// Store keeps the current settings and writes them back to disk at most
	// once per debounce interval.
	Store struct {
		path     string
		log      *logrus.Entry
		debounce func(func())

		mu      sync.Mutex
		current Settings
		dirty   bool
	}
)

const (
	// DebounceInterval is how long the store waits for further updates
	// before writing.
	DebounceInterval = 500 * time.Millisecond
	MaxInputOffsetMs = 500
)

var ErrNoConfigDir = errors.New("no user configuration directory")

// Default returns the settings used for missing fields.
func Default() Settings {
	return Settings{
		Audio:          cadenza.AudioConfig{}.WithDefaults(),
		MonitorEnabled: true,
		Volumes: Volumes{
			Master:    engine.DefaultMasterVolume,
			Monitor:   engine.DefaultMonitorVolume,
			Autopilot: engine.DefaultAutopilotVolume,
			Metronome: engine.DefaultMetronomeVolume,
		},
		Judge:       judge.DefaultConfig(),
		StopPolicy:  engine.StopToLoopStart,
		Mode:        engine.Demo,
		BeatsPerBar: 4,
		LookaheadMs: int(engine.DefaultLookahead / time.Millisecond),
	}
}

// DefaultPath is settings.yaml in the cadenza directory of the user
// configuration directory.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoConfigDir, err)
	}
	return filepath.Join(dir, "cadenza", "settings.yaml"), nil
}

// Load reads the settings at path. A missing file gives the defaults. The
// returned warnings list the fields that fell back to their defaults; err
// is only set when the file exists but cannot be read or is not YAML at
// all.
func Load(path string) (s Settings, warnings []error, err error) {
	s = Default()
	path, err = homedir.Expand(path)
	if err != nil {
		return s, nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil, nil
	}
	if err != nil {
		return s, nil, fmt.Errorf("reading settings failed: %w", err)
	}
	warnings, err = Decode(data, &s)
	return s, warnings, err
}

// Decode applies the fields found in data on top of s, one field at a
// time.
func Decode(data []byte, s *Settings) ([]error, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("settings are not YAML: %w", err)
	}
	if len(doc.Content) == 0 {
		return nil, nil
	}
	var warnings []error
	decodeFields(doc.Content[0], reflect.ValueOf(s).Elem(), "", &warnings)
	warnings = append(warnings, s.sanitize()...)
	return warnings, nil
}

func decodeFields(node *yaml.Node, v reflect.Value, prefix string, warnings *[]error) {
	if node.Kind != yaml.MappingNode {
		*warnings = append(*warnings, fmt.Errorf("%s: expected a mapping", strings.TrimSuffix(prefix, ".")))
		return
	}
	values := map[string]*yaml.Node{}
	for i := 0; i+1 < len(node.Content); i += 2 {
		values[node.Content[i].Value] = node.Content[i+1]
	}
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		key, _, _ := strings.Cut(t.Field(i).Tag.Get("yaml"), ",")
		n, ok := values[key]
		if key == "" || !ok {
			continue
		}
		f := v.Field(i)
		if f.Kind() == reflect.Struct && !f.Addr().Type().Implements(textUnmarshaler) {
			decodeFields(n, f, prefix+key+".", warnings)
			continue
		}
		tmp := reflect.New(f.Type())
		if err := n.Decode(tmp.Interface()); err != nil {
			*warnings = append(*warnings, fmt.Errorf("%s%s: %w", prefix, key, err))
			continue
		}
		f.Set(tmp.Elem())
	}
}

var textUnmarshaler = reflect.TypeOf((*interface{ UnmarshalText([]byte) error })(nil)).Elem()

// sanitize replaces out of range values with defaults.
func (s *Settings) sanitize() []error {
	def := Default()
	var warnings []error
	if s.Audio.SampleRate < 8000 || s.Audio.SampleRate > 192000 {
		warnings = append(warnings, fmt.Errorf("audio.sampleRate: %d out of range", s.Audio.SampleRate))
		s.Audio.SampleRate = def.Audio.SampleRate
	}
	if s.Audio.BufferFrames < 16 || s.Audio.BufferFrames > 8192 {
		warnings = append(warnings, fmt.Errorf("audio.bufferFrames: %d out of range", s.Audio.BufferFrames))
		s.Audio.BufferFrames = def.Audio.BufferFrames
	}
	for _, v := range []struct {
		name string
		p    *float32
		def  float32
	}{
		{"master", &s.Volumes.Master, def.Volumes.Master},
		{"monitor", &s.Volumes.Monitor, def.Volumes.Monitor},
		{"autopilot", &s.Volumes.Autopilot, def.Volumes.Autopilot},
		{"metronome", &s.Volumes.Metronome, def.Volumes.Metronome},
	} {
		if !(*v.p >= 0 && *v.p <= 1) {
			warnings = append(warnings, fmt.Errorf("volumes.%s: %v out of range", v.name, *v.p))
			*v.p = v.def
		}
	}
	if !(s.InputOffsetMs >= -MaxInputOffsetMs && s.InputOffsetMs <= MaxInputOffsetMs) {
		warnings = append(warnings, fmt.Errorf("inputOffsetMs: %v out of range", s.InputOffsetMs))
		s.InputOffsetMs = 0
	}
	if _, err := judge.NewJudge(s.Judge); err != nil {
		warnings = append(warnings, fmt.Errorf("judge: %w", err))
		s.Judge = def.Judge
	}
	if s.BeatsPerBar <= 0 || s.BeatsPerBar > 16 {
		warnings = append(warnings, fmt.Errorf("beatsPerBar: %d out of range", s.BeatsPerBar))
		s.BeatsPerBar = def.BeatsPerBar
	}
	if s.LookaheadMs < 5 || s.LookaheadMs > 500 {
		warnings = append(warnings, fmt.Errorf("lookaheadMs: %d out of range", s.LookaheadMs))
		s.LookaheadMs = def.LookaheadMs
	}
	return warnings
}

// Lookahead is LookaheadMs as a duration.
func (s Settings) Lookahead() time.Duration {
	return time.Duration(s.LookaheadMs) * time.Millisecond
}

// ExpandPaths resolves a leading ~ in the file paths.
func (s Settings) ExpandPaths() Settings {
	if p, err := homedir.Expand(s.SoundFont); err == nil {
		s.SoundFont = p
	}
	if p, err := homedir.Expand(s.AudiverisPath); err == nil {
		s.AudiverisPath = p
	}
	return s
}

// Save writes s to path through a temporary file in the same directory,
// so that a crash never leaves a truncated file behind.
func Save(path string, s Settings) error {
	path, err := homedir.Expand(path)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(s); err != nil {
		return fmt.Errorf("encoding settings failed: %w", err)
	}
	enc.Close()
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating settings directory failed: %w", err)
	}
	f, err := os.CreateTemp(dir, ".settings-*.yaml")
	if err != nil {
		return fmt.Errorf("creating settings file failed: %w", err)
	}
	tmp := f.Name()
	_, err = f.Write(buf.Bytes())
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp, path)
	}
	if err != nil {
		os.Remove(tmp)
		return fmt.Errorf("writing settings failed: %w", err)
	}
	return nil
}

// NewStore loads the settings at path, logging the fields that fell back
// to their defaults.
func NewStore(path string, log *logrus.Entry) *Store {
	s, warnings, err := Load(path)
	for _, w := range warnings {
		log.WithError(w).Warn("setting replaced by its default")
	}
	if err != nil {
		log.WithError(err).Warn("settings file ignored")
	}
	return &Store{
		path:     path,
		log:      log,
		debounce: debounce.New(DebounceInterval),
		current:  s,
	}
}

func (st *Store) Path() string { return st.path }

func (st *Store) Get() Settings {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.current
}

// Update applies f to the current settings and schedules a write.
func (st *Store) Update(f func(*Settings)) Settings {
	st.mu.Lock()
	f(&st.current)
	st.dirty = true
	s := st.current
	st.mu.Unlock()
	st.debounce(func() {
		if err := st.Flush(); err != nil {
			st.log.WithError(err).Error("saving settings failed")
		}
	})
	return s
}

// Flush writes pending changes now.
func (st *Store) Flush() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if !st.dirty {
		return nil
	}
	if err := Save(st.path, st.current); err != nil {
		return err
	}
	st.dirty = false
	return nil
}
