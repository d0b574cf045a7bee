// Package session is the core of the trainer. A Session owns the playback
// engine, the judge and the devices, and runs them on one goroutine that
// executes commands, maps live MIDI input to musical time and reports what
// happens as events.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/cadenzaio/cadenza"
	"github.com/cadenzaio/cadenza/engine"
	"github.com/cadenzaio/cadenza/judge"
	"github.com/cadenzaio/cadenza/omr"
	"github.com/cadenzaio/cadenza/settings"
	"github.com/cadenzaio/cadenza/synth"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type (
	// State is the practice state of the session.
	State int

	// Recognizer turns a PDF into MusicXML.
	Recognizer interface {
		Recognize(ctx context.Context, pdf string, progress func(line string)) (omr.Result, error)
	}

	Config struct {
		Audio    cadenza.AudioOutput // nil plays silently
		MIDI     cadenza.MIDIInput   // nil has no inputs
		Settings *settings.Store
		// NewRecognizer returns the OMR engine for an Audiveris path, which
		// may be empty. Audiveris is used when nil.
		NewRecognizer func(path string) (Recognizer, error)
		// DiagnosticsDir is where ExportDiagnostics writes when the command
		// names no directory.
		DiagnosticsDir string
		Log            *logrus.Entry
		// Now is the wall clock, time.Now when nil.
		Now func() time.Time
	}

	Session struct {
		id            string
		log           *logrus.Entry
		now           func() time.Time
		store         *settings.Store
		audio         cadenza.AudioOutput
		midi          cadenza.MIDIInput
		newRecognizer func(path string) (Recognizer, error)
		diagDir       string

		commands chan request
		input    chan cadenza.InputEvent
		devices  chan deviceList
		tasks    chan func()
		hub      *hub

		inputDropped atomic.Uint64

		close    chan struct{}
		finished chan struct{}
		started  atomic.Bool

		// everything below is owned by the core goroutine
		state    State
		cfg      settings.Settings
		playback *engine.Playback
		graph    *engine.Graph
		bridge   *engine.ClockBridge
		synth    *synth.SoundFont
		judge    *judge.Judge

		score       *cadenza.Score
		practice    *cadenza.LoopRange
		targetNotes map[uint64]cadenza.Notes

		stream       cadenza.AudioStream
		gate         *renderGate
		streamDevice string
		silent       bool

		midiDevice    string
		midiCloser    io.Closer
		midiConnected bool
		midiDevices   []cadenza.MIDIDevice

		recent        []cadenza.InputEvent
		recentDirty   bool
		lastTransport time.Time
		lastRecent    time.Time
		lastHealth    time.Time
		unsupported   uint64
		dropped       uint64
		alerts        []Alert

		cancelConvert context.CancelFunc

		// the TestAudio note sounds until the render clock reaches testNoteEnd
		testNoteEnd     cadenza.SampleTime
		testNotePending bool
	}

	request struct {
		cmd   Command
		reply chan reply
	}

	reply struct {
		result any
		err    error
	}

	deviceList struct {
		devices []cadenza.MIDIDevice
		err     error
	}
)

const (
	Idle State = iota
	Ready
	Running
	Paused
)

const (
	// TickInterval is how often the core goroutine advances the engine.
	TickInterval        = 5 * time.Millisecond
	DeviceWatchInterval = time.Second
	deviceListTimeout   = 2 * time.Second
	healthInterval      = time.Second
	transportInterval   = 33 * time.Millisecond
	recentInterval      = 50 * time.Millisecond
	maxRecentInputs     = 20
	inputCapacity       = 1024
	commandCapacity     = 64
	synthVoices         = 32
)

var stateNames = [...]string{"idle", "ready", "running", "paused"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state%d", int(s))
	}
	return stateNames[s]
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// New creates a session from the stored settings. Devices are not touched
// before Run.
func New(cfg Config) (*Session, error) {
	if cfg.Settings == nil {
		return nil, errors.New("session needs a settings store")
	}
	if cfg.Audio == nil {
		cfg.Audio = cadenza.NullAudioOutput{}
	}
	if cfg.MIDI == nil {
		cfg.MIDI = cadenza.NullMIDIInput{}
	}
	if cfg.Log == nil {
		cfg.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	st := cfg.Settings.Get()
	j, err := judge.NewJudge(st.Judge)
	if err != nil {
		return nil, fmt.Errorf("judge settings: %w", err)
	}
	s := &Session{
		id:            uuid.NewString(),
		now:           cfg.Now,
		store:         cfg.Settings,
		audio:         cfg.Audio,
		midi:          cfg.MIDI,
		newRecognizer: cfg.NewRecognizer,
		diagDir:       cfg.DiagnosticsDir,
		commands:      make(chan request, commandCapacity),
		input:         make(chan cadenza.InputEvent, inputCapacity),
		devices:       make(chan deviceList, 1),
		tasks:         make(chan func(), 16),
		hub:           newHub(),
		close:         make(chan struct{}, 1),
		finished:      make(chan struct{}),
		cfg:           st,
		judge:         j,
		midiDevice:    st.MIDIInput,
	}
	s.log = cfg.Log.WithField("session", s.id)
	if s.newRecognizer == nil {
		log := s.log.WithField("component", "omr")
		s.newRecognizer = func(path string) (Recognizer, error) {
			exe, err := omr.ResolvePath(path)
			if err != nil {
				return nil, err
			}
			return &omr.Audiveris{Path: exe, Log: log}, nil
		}
	}
	sr := st.Audio.SampleRate
	s.playback = engine.NewPlayback(engine.PlaybackConfig{
		SampleRate: sr,
		Lookahead:  st.Lookahead(),
		StopPolicy: st.StopPolicy,
	})
	s.bridge = engine.NewClockBridge(sr, s.now)
	s.synth = synth.NewSoundFont(sr, synth.NewPiano(sr, synthVoices))
	s.graph = engine.NewGraph(s.playback, s.synth, s.bridge, 0)
	params := s.playback.Params()
	params.SetMaster(st.Volumes.Master)
	params.SetBus(cadenza.BusUserMonitor, st.Volumes.Monitor)
	params.SetBus(cadenza.BusAutopilot, st.Volumes.Autopilot)
	params.SetBus(cadenza.BusMetronome, st.Volumes.Metronome)
	params.SetMonitorEnabled(st.MonitorEnabled)
	s.playback.SetMode(st.Mode)
	s.playback.SetMetronome(st.Metronome)
	return s, nil
}

func (s *Session) ID() string { return s.id }

// Subscribe returns a channel receiving the events of the session and a
// function ending the subscription. Events are dropped for a subscriber
// whose buffer is full.
func (s *Session) Subscribe(buffer int) (<-chan Event, func()) {
	return s.hub.subscribe(buffer)
}

// Do executes cmd on the core goroutine and waits for its result. Run must
// be running.
func (s *Session) Do(ctx context.Context, cmd Command) (any, error) {
	req := request{cmd: cmd, reply: make(chan reply, 1)}
	select {
	case s.commands <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.finished:
		return nil, ErrClosed
	}
	select {
	case r := <-req.reply:
		return r.result, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.finished:
		return nil, ErrClosed
	}
}

// Run is the core goroutine. It restores the devices of the settings,
// then executes commands and advances the engine every TickInterval until
// ctx is done or Close is called. Devices are released before it returns.
func (s *Session) Run(ctx context.Context) error {
	if s.started.Swap(true) {
		return errors.New("session already running")
	}
	defer close(s.finished)
	defer s.shutdown()
	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	go s.watchDevices(watchCtx)
	s.restore()
	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.close:
			return nil
		case req := <-s.commands:
			res, err := s.handle(req.cmd)
			req.reply <- reply{res, err}
		case l := <-s.devices:
			s.onDevices(l)
		case f := <-s.tasks:
			f()
		case <-ticker.C:
			s.tick()
		}
	}
}

// Close stops Run and waits for it to release the devices.
func (s *Session) Close() error {
	TrySend(s.close, struct{}{})
	if !s.started.Load() {
		return nil
	}
	if _, ok := TimeoutReceive(s.finished, 3*time.Second); !ok {
		select {
		case <-s.finished:
		default:
			return errors.New("session did not stop in time")
		}
	}
	return nil
}

// restore opens the MIDI input and loads the SoundFont named in the
// settings. Failures are reported as alerts.
func (s *Session) restore() {
	if s.midiDevice != "" {
		if err := s.openMIDI(s.midiDevice); err != nil {
			s.alert("midi", Recoverable, "MIDI input %q unavailable: %v", s.midiDevice, err)
		}
	}
	if s.cfg.SoundFont != "" {
		if _, err := s.loadSoundFont(s.cfg.SoundFont); err != nil {
			s.alert("synth", Warning, "SoundFont not loaded: %v", err)
		}
	}
	s.emitState()
}

func (s *Session) shutdown() {
	if s.cancelConvert != nil {
		s.cancelConvert()
		s.cancelConvert = nil
	}
	s.closeMIDI()
	s.closeAudio()
	if err := s.store.Flush(); err != nil {
		s.log.WithError(err).Error("saving settings failed")
	}
	s.hub.closeAll()
}

// tick drains the live input, advances the transport and the judge and
// emits the throttled events.
func (s *Session) tick() {
	now := s.now()
	s.drainInput()
	s.releaseTestNote(false)
	if s.state == Running {
		res := s.playback.Tick()
		tr := s.playback.Transport()
		switch {
		case res.Jumped:
			s.judgeEvents(s.judge.Rewind(tr.NowTick()))
		case res.Wrapped > 0:
			if loop, ok := tr.Loop(); ok {
				s.judgeEvents(s.judge.Rewind(loop.Start))
			}
		}
		if res.Ended {
			s.finishPractice()
		} else {
			s.judgeEvents(s.judge.AdvanceTo(s.judgedNow()))
		}
	}
	s.emitTransport(now, false)
	s.emitRecent(now)
	if now.Sub(s.lastHealth) >= healthInterval {
		s.lastHealth = now
		s.checkHealth()
	}
}

func (s *Session) drainInput() {
	for {
		select {
		case e := <-s.input:
			s.onInput(e)
		default:
			return
		}
	}
}

// onInput echoes a live event on the monitor bus at the sample it was
// played at and judges note ons. The input offset moves the judged tick
// only, never the monitor.
func (s *Session) onInput(e cadenza.InputEvent) {
	if len(s.recent) == maxRecentInputs {
		s.recent = append(s.recent[:0], s.recent[1:]...)
	}
	s.recent = append(s.recent, e)
	s.recentDirty = true
	s.emit(MidiInputEvent{e})

	sample := s.estimate(e.At)
	if s.cfg.MonitorEnabled && s.stream != nil {
		s.playback.SendLive(sample, cadenza.BusUserMonitor, e.Event)
	}
	if e.Event.Kind != cadenza.NoteOn || s.score == nil {
		return
	}
	tr := s.playback.Transport()
	tick := tr.NowTick()
	if s.state == Running {
		tick = tr.SampleToTick(sample)
	}
	tick += tr.MillisToTicks(s.cfg.InputOffsetMs)
	s.judgeEvents(s.judge.OnNoteOn(cadenza.PlayerNoteOn{Tick: tick, Note: e.Event.Note, Velocity: e.Event.Value}))
}

func (s *Session) estimate(at time.Time) cadenza.SampleTime {
	if sample, ok := s.bridge.Estimate(at); ok {
		return sample
	}
	return s.playback.RenderClock().Load()
}

func (s *Session) judgedNow() cadenza.Tick {
	tr := s.playback.Transport()
	return tr.NowTick() + tr.MillisToTicks(s.cfg.InputOffsetMs)
}

// finishPractice resolves what is left of the score once the transport ran
// past its end.
func (s *Session) finishPractice() {
	tr := s.playback.Transport()
	s.judgeEvents(s.judge.AdvanceTo(tr.Duration() + s.judge.Config().Good + 1))
	s.playback.Stop()
	s.flushMonitor()
	s.state = Ready
	stats := s.judge.Stats()
	s.log.WithFields(logrus.Fields{
		"score":    stats.Score,
		"accuracy": stats.Accuracy,
		"maxCombo": stats.MaxCombo,
	}).Info("practice finished")
	s.emit(ScoreSummaryUpdated{Stats: stats, Final: true})
	s.emitState()
	s.emitTransport(s.now(), true)
}

func (s *Session) judgeEvents(events []judge.Event) {
	for _, e := range events {
		switch e := e.(type) {
		case judge.Hit:
			s.emit(JudgeFeedback{
				TargetID:   e.TargetID,
				Grade:      e.Grade.String(),
				Delta:      e.Delta,
				Expected:   e.Expected,
				WrongNotes: e.WrongNotes,
			})
		case judge.Miss:
			s.emit(JudgeFeedback{
				TargetID:   e.TargetID,
				Grade:      "miss",
				Reason:     e.Reason.String(),
				Expected:   s.targetNotes[e.TargetID],
				WrongNotes: e.WrongNotes,
			})
		case judge.Stats:
			s.emit(ScoreSummaryUpdated{Stats: e})
		case judge.FocusChanged:
			s.emit(FocusUpdated{e})
		}
	}
}

func (s *Session) emit(e Event) { s.hub.publish(e) }

func (s *Session) emitState() { s.emit(SessionStateUpdated{s.snapshot()}) }

func (s *Session) emitTransport(now time.Time, force bool) {
	if !force && now.Sub(s.lastTransport) < transportInterval {
		return
	}
	s.lastTransport = now
	s.emit(TransportUpdated{TransportSnapshot: s.playback.Snapshot(), Session: s.state})
}

func (s *Session) emitRecent(now time.Time) {
	if !s.recentDirty || now.Sub(s.lastRecent) < recentInterval {
		return
	}
	s.lastRecent = now
	s.recentDirty = false
	s.emit(RecentInputEvents{Events: append([]cadenza.InputEvent(nil), s.recent...)})
}

func (s *Session) snapshot() Snapshot {
	snap := Snapshot{
		ID:            s.id,
		State:         s.state,
		Settings:      s.cfg,
		MIDIInput:     s.midiDevice,
		MIDIConnected: s.midiConnected,
		MIDISupport:   s.midi.Support().String(),
		AudioOutput:   s.streamDevice,
		Audio:         s.cfg.Audio,
		AudioOpen:     s.stream != nil,
		Silent:        s.silent,
		Route:         s.playback.Scheduler().Route(),
		Transport:     s.playback.Snapshot(),
		Stats:         s.judge.Stats(),
		Converting:    s.cancelConvert != nil,
	}
	if s.stream != nil {
		snap.Audio = s.stream.Config()
	}
	if s.score != nil {
		snap.Score = s.score.Title
	}
	if s.practice != nil {
		r := *s.practice
		snap.PracticeRange = &r
	}
	if info, err := s.synth.Info(); err == nil {
		snap.SoundFont = info.Name
	}
	return snap
}

// updateSettings changes the settings both here and in the store, which
// writes them out later.
func (s *Session) updateSettings(f func(*settings.Settings)) {
	f(&s.cfg)
	s.store.Update(f)
}
