package session

import (
	"github.com/cadenzaio/cadenza"
	"github.com/cadenzaio/cadenza/engine"
	"github.com/cadenzaio/cadenza/judge"
	"github.com/cadenzaio/cadenza/settings"
)

type (
	// Event is something the presentation layer is told about. EventName
	// identifies it on the wire.
	Event interface{ EventName() string }

	ScoreViewUpdated struct {
		Title   string                `json:"title"`
		PPQ     int                   `json:"ppq"`
		Notes   []NoteSpan            `json:"notes"`
		Targets []cadenza.TargetEvent `json:"targets"`
		Pedal   []PedalSpan           `json:"pedal"`
	}

	MidiInputsUpdated struct {
		Devices   []cadenza.MIDIDevice `json:"devices"`
		Selected  string               `json:"selected"`
		Connected bool                 `json:"connected"`
	}

	AudioOutputsUpdated struct {
		Devices  []cadenza.AudioDevice `json:"devices"`
		Selected string                `json:"selected"`
	}

	SessionStateUpdated struct {
		Snapshot
	}

	SoundFontStatus struct {
		Loaded  bool   `json:"loaded"`
		Path    string `json:"path,omitempty"`
		Name    string `json:"name,omitempty"`
		Presets int    `json:"presetCount,omitempty"`
		Message string `json:"message,omitempty"`
	}

	OmrProgress struct {
		PdfPath string `json:"pdfPath"`
		Line    string `json:"line"`
	}

	PdfToMidiFinished struct {
		PdfPath    string `json:"pdfPath"`
		OutputPath string `json:"outputPath,omitempty"`
		MusicXML   string `json:"musicXml,omitempty"`
		LogFile    string `json:"logFile,omitempty"`
		Error      string `json:"error,omitempty"`
		Cancelled  bool   `json:"cancelled,omitempty"`
	}

	TransportUpdated struct {
		engine.TransportSnapshot
		Session State `json:"session"`
	}

	// JudgeFeedback is the verdict on one target. Grade is perfect, good or
	// miss; Reason tells why a miss happened.
	JudgeFeedback struct {
		TargetID   uint64        `json:"targetId"`
		Grade      string        `json:"grade"`
		Reason     string        `json:"reason,omitempty"`
		Delta      cadenza.Tick  `json:"deltaTick"`
		Expected   cadenza.Notes `json:"expectedNotes"`
		WrongNotes int           `json:"wrongNotes"`
	}

	FocusUpdated struct {
		judge.FocusChanged
	}

	// ScoreSummaryUpdated carries the running totals. Final is set once when
	// practice reaches the end of the score.
	ScoreSummaryUpdated struct {
		judge.Stats
		Final bool `json:"final,omitempty"`
	}

	MidiInputEvent struct {
		cadenza.InputEvent
	}

	RecentInputEvents struct {
		Events []cadenza.InputEvent `json:"events"`
	}

	// Snapshot is the state of the session as GetSessionState reports it.
	Snapshot struct {
		ID            string                   `json:"id"`
		State         State                    `json:"state"`
		Score         string                   `json:"score,omitempty"`
		Settings      settings.Settings        `json:"settings"`
		MIDIInput     string                   `json:"midiInput"`
		MIDIConnected bool                     `json:"midiConnected"`
		MIDISupport   string                   `json:"midiSupport"`
		AudioOutput   string                   `json:"audioOutput"`
		Audio         cadenza.AudioConfig      `json:"audio"`
		AudioOpen     bool                     `json:"audioOpen"`
		Silent        bool                     `json:"silent"`
		SoundFont     string                   `json:"soundFont,omitempty"`
		PracticeRange *cadenza.LoopRange       `json:"practiceRange,omitempty"`
		Route         engine.Route             `json:"route"`
		Transport     engine.TransportSnapshot `json:"transport"`
		Stats         judge.Stats              `json:"stats"`
		Converting    bool                     `json:"converting"`
	}

	// ScoreInfo is returned by LoadScore.
	ScoreInfo struct {
		Title    string       `json:"title"`
		PPQ      int          `json:"ppq"`
		Duration cadenza.Tick `json:"duration"`
		Targets  int          `json:"targets"`
	}
)

func (ScoreViewUpdated) EventName() string    { return "scoreViewUpdated" }
func (MidiInputsUpdated) EventName() string   { return "midiInputsUpdated" }
func (AudioOutputsUpdated) EventName() string { return "audioOutputsUpdated" }
func (SessionStateUpdated) EventName() string { return "sessionStateUpdated" }
func (SoundFontStatus) EventName() string     { return "soundFontStatus" }
func (OmrProgress) EventName() string         { return "omrProgress" }
func (PdfToMidiFinished) EventName() string   { return "pdfToMidiFinished" }
func (TransportUpdated) EventName() string    { return "transportUpdated" }
func (JudgeFeedback) EventName() string       { return "judgeFeedback" }
func (FocusUpdated) EventName() string        { return "focusUpdated" }
func (ScoreSummaryUpdated) EventName() string { return "scoreSummaryUpdated" }
func (MidiInputEvent) EventName() string      { return "midiInputEvent" }
func (RecentInputEvents) EventName() string   { return "recentInputEvents" }
func (Alert) EventName() string               { return "alert" }
