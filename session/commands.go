package session

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/cadenzaio/cadenza"
	"github.com/cadenzaio/cadenza/engine"
)

type (
	// Command is a request executed on the core goroutine through Do.
	Command interface{ CommandName() string }

	GetSessionState struct{}
	ListMidiInputs  struct{}
	SelectMidiInput struct {
		DeviceID string `json:"deviceId"`
	}
	ListAudioOutputs  struct{}
	SelectAudioOutput struct {
		DeviceID string `json:"deviceId"`
		// Config overrides the buffer size and sample rate of the settings.
		Config *cadenza.AudioConfig `json:"config,omitempty"`
	}
	// TestAudio plays a short middle C on the monitor bus.
	TestAudio         struct{}
	SetMonitorEnabled struct {
		Enabled bool `json:"enabled"`
	}
	SetBusVolume struct {
		Bus    string  `json:"bus"`
		Volume float32 `json:"volume"`
	}
	SetMasterVolume struct {
		Volume float32 `json:"volume"`
	}
	LoadSoundFont struct {
		Path string `json:"path"`
	}
	SetProgram struct {
		Bus     string `json:"bus"`
		Program uint8  `json:"program"`
	}
	LoadScore struct {
		Source ScoreSource `json:"source"`
	}
	// SetPracticeRange judges only the targets inside the range and loops
	// over it. An all zero range clears it.
	SetPracticeRange struct {
		Start cadenza.Tick `json:"startTick"`
		End   cadenza.Tick `json:"endTick"`
	}
	StartPractice struct{}
	PausePractice struct{}
	StopPractice  struct{}
	Seek          struct {
		Tick cadenza.Tick `json:"tick"`
	}
	SetLoop struct {
		Enabled bool         `json:"enabled"`
		Start   cadenza.Tick `json:"startTick"`
		End     cadenza.Tick `json:"endTick"`
	}
	SetTempoMultiplier struct {
		X float64 `json:"x"`
	}
	SetPlaybackMode struct {
		Mode engine.PlaybackMode `json:"mode"`
	}
	SetAccompanimentRoute struct {
		PlayLeft  bool `json:"playLeft"`
		PlayRight bool `json:"playRight"`
	}
	// SetMetronome switches the clicks on or off. BeatsPerBar, when set,
	// applies to the next loaded score.
	SetMetronome struct {
		Enabled     bool `json:"enabled"`
		BeatsPerBar int  `json:"beatsPerBar,omitempty"`
	}
	SetInputOffsetMs struct {
		Ms float64 `json:"ms"`
	}
	SetAudiverisPath struct {
		Path string `json:"path"`
	}
	// ConvertPdfToMidi starts recognising a PDF in the background. Progress
	// and the outcome arrive as OmrProgress and PdfToMidiFinished events.
	ConvertPdfToMidi struct {
		PdfPath       string `json:"pdfPath"`
		OutputPath    string `json:"outputPath,omitempty"`
		AudiverisPath string `json:"audiverisPath,omitempty"`
	}
	CancelPdfToMidi   struct{}
	SkipTarget        struct{}
	ExportDiagnostics struct {
		Dir string `json:"dir,omitempty"`
	}

	ScoreSource struct {
		Kind SourceKind `json:"kind"`
		Path string     `json:"path,omitempty"`
		ID   string     `json:"id,omitempty"`
	}

	SourceKind string
)

const (
	SourceMIDI     SourceKind = "midi"
	SourceMusicXML SourceKind = "musicxml"
	SourceDemo     SourceKind = "demo"
	// SourceScore is the native JSON or YAML score format.
	SourceScore SourceKind = "score"
	// SourceFile picks the importer from the file extension.
	SourceFile SourceKind = "file"
)

var (
	ErrUnknownCommand    = errors.New("unknown command")
	ErrBadCommand        = errors.New("malformed command")
	ErrNoScore           = errors.New("no score loaded")
	ErrMonitorDisabled   = errors.New("monitor is disabled, enable it to hear the test note")
	ErrAudioUnavailable  = errors.New("audio output unavailable")
	ErrConversionRunning = errors.New("a PDF conversion is already running")
	ErrClosed            = errors.New("session closed")
)

func (GetSessionState) CommandName() string       { return "getSessionState" }
func (ListMidiInputs) CommandName() string        { return "listMidiInputs" }
func (SelectMidiInput) CommandName() string       { return "selectMidiInput" }
func (ListAudioOutputs) CommandName() string      { return "listAudioOutputs" }
func (SelectAudioOutput) CommandName() string     { return "selectAudioOutput" }
func (TestAudio) CommandName() string             { return "testAudio" }
func (SetMonitorEnabled) CommandName() string     { return "setMonitorEnabled" }
func (SetBusVolume) CommandName() string          { return "setBusVolume" }
func (SetMasterVolume) CommandName() string       { return "setMasterVolume" }
func (LoadSoundFont) CommandName() string         { return "loadSoundFont" }
func (SetProgram) CommandName() string            { return "setProgram" }
func (LoadScore) CommandName() string             { return "loadScore" }
func (SetPracticeRange) CommandName() string      { return "setPracticeRange" }
func (StartPractice) CommandName() string         { return "startPractice" }
func (PausePractice) CommandName() string         { return "pausePractice" }
func (StopPractice) CommandName() string          { return "stopPractice" }
func (Seek) CommandName() string                  { return "seek" }
func (SetLoop) CommandName() string               { return "setLoop" }
func (SetTempoMultiplier) CommandName() string    { return "setTempoMultiplier" }
func (SetPlaybackMode) CommandName() string       { return "setPlaybackMode" }
func (SetAccompanimentRoute) CommandName() string { return "setAccompanimentRoute" }
func (SetMetronome) CommandName() string          { return "setMetronome" }
func (SetInputOffsetMs) CommandName() string      { return "setInputOffsetMs" }
func (SetAudiverisPath) CommandName() string      { return "setAudiverisPath" }
func (ConvertPdfToMidi) CommandName() string      { return "convertPdfToMidi" }
func (CancelPdfToMidi) CommandName() string       { return "cancelPdfToMidi" }
func (SkipTarget) CommandName() string            { return "skipTarget" }
func (ExportDiagnostics) CommandName() string     { return "exportDiagnostics" }

var decoders = map[string]func([]byte) (Command, error){}

func register[T Command]() {
	var zero T
	decoders[zero.CommandName()] = func(data []byte) (Command, error) {
		var c T
		if len(bytes.TrimSpace(data)) > 0 {
			if err := json.Unmarshal(data, &c); err != nil {
				return nil, fmt.Errorf("%w: %s: %v", ErrBadCommand, zero.CommandName(), err)
			}
		}
		return c, nil
	}
}

func init() {
	register[GetSessionState]()
	register[ListMidiInputs]()
	register[SelectMidiInput]()
	register[ListAudioOutputs]()
	register[SelectAudioOutput]()
	register[TestAudio]()
	register[SetMonitorEnabled]()
	register[SetBusVolume]()
	register[SetMasterVolume]()
	register[LoadSoundFont]()
	register[SetProgram]()
	register[LoadScore]()
	register[SetPracticeRange]()
	register[StartPractice]()
	register[PausePractice]()
	register[StopPractice]()
	register[Seek]()
	register[SetLoop]()
	register[SetTempoMultiplier]()
	register[SetPlaybackMode]()
	register[SetAccompanimentRoute]()
	register[SetMetronome]()
	register[SetInputOffsetMs]()
	register[SetAudiverisPath]()
	register[ConvertPdfToMidi]()
	register[CancelPdfToMidi]()
	register[SkipTarget]()
	register[ExportDiagnostics]()
}

// DecodeCommand builds the command called name from its JSON arguments. An
// empty body means no arguments.
func DecodeCommand(name string, data []byte) (Command, error) {
	d, ok := decoders[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, name)
	}
	return d(data)
}

// CommandNames lists every command DecodeCommand understands.
func CommandNames() []string {
	names := make([]string, 0, len(decoders))
	for n := range decoders {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
