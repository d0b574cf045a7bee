package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cadenzaio/cadenza"
	"github.com/cadenzaio/cadenza/diagnostics"
	"github.com/cadenzaio/cadenza/engine"
	"github.com/cadenzaio/cadenza/midifile"
	"github.com/cadenzaio/cadenza/musicxml"
	"github.com/cadenzaio/cadenza/settings"
	"github.com/cadenzaio/cadenza/synth"
	"github.com/sirupsen/logrus"
)

// handle executes one command on the core goroutine.
func (s *Session) handle(cmd Command) (any, error) {
	s.log.WithField("command", cmd.CommandName()).Debug("command")
	switch c := cmd.(type) {
	case GetSessionState:
		snap := s.snapshot()
		s.emit(SessionStateUpdated{snap})
		s.emitTransport(s.now(), true)
		return snap, nil
	case ListMidiInputs:
		devices, err := s.midi.Devices()
		if err != nil {
			return nil, fmt.Errorf("listing MIDI inputs failed: %w", err)
		}
		s.midiDevices = devices
		s.emit(MidiInputsUpdated{Devices: devices, Selected: s.midiDevice, Connected: s.midiConnected})
		return devices, nil
	case SelectMidiInput:
		err := s.openMIDI(c.DeviceID)
		if err == nil {
			s.updateSettings(func(st *settings.Settings) { st.MIDIInput = c.DeviceID })
		}
		s.emit(MidiInputsUpdated{Devices: s.midiDevices, Selected: s.midiDevice, Connected: s.midiConnected})
		s.emitState()
		return nil, err
	case ListAudioOutputs:
		devices, err := s.audioDevices()
		if err != nil {
			return nil, fmt.Errorf("listing audio outputs failed: %w", err)
		}
		s.emit(AudioOutputsUpdated{Devices: devices, Selected: s.streamDevice})
		return devices, nil
	case SelectAudioOutput:
		err := s.selectAudio(c.DeviceID, c.Config)
		s.emitState()
		return nil, err
	case TestAudio:
		return nil, s.testAudio()
	case SetMonitorEnabled:
		s.playback.Params().SetMonitorEnabled(c.Enabled)
		if !c.Enabled {
			s.flushMonitor()
		}
		s.updateSettings(func(st *settings.Settings) { st.MonitorEnabled = c.Enabled })
		s.emitState()
		return nil, nil
	case SetBusVolume:
		return nil, s.setBusVolume(c.Bus, c.Volume)
	case SetMasterVolume:
		if err := checkVolume(c.Volume); err != nil {
			return nil, err
		}
		s.playback.Params().SetMaster(c.Volume)
		s.updateSettings(func(st *settings.Settings) { st.Volumes.Master = c.Volume })
		s.emitState()
		return nil, nil
	case LoadSoundFont:
		info, err := s.loadSoundFont(c.Path)
		if err != nil {
			return nil, err
		}
		s.updateSettings(func(st *settings.Settings) { st.SoundFont = info.Path })
		return info, nil
	case SetProgram:
		bus, err := cadenza.ParseBus(c.Bus)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadCommand, err)
		}
		if c.Program > 127 {
			return nil, fmt.Errorf("%w: program %d", ErrBadCommand, c.Program)
		}
		s.playback.SendLive(s.playback.RenderClock().Load(), bus, cadenza.ProgramChangeEvent(c.Program))
		return nil, nil
	case LoadScore:
		return s.loadScore(c.Source)
	case SetPracticeRange:
		return nil, s.setPracticeRange(c.Start, c.End)
	case StartPractice:
		return nil, s.start()
	case PausePractice:
		if s.state != Running {
			return nil, nil
		}
		s.playback.Pause()
		s.flushMonitor()
		s.state = Paused
		s.emitState()
		s.emitTransport(s.now(), true)
		return nil, nil
	case StopPractice:
		if s.state == Idle {
			return nil, nil
		}
		s.playback.Stop()
		s.flushMonitor()
		s.state = Ready
		s.judgeEvents(s.judge.Rewind(s.judgedNow()))
		s.emitState()
		s.emitTransport(s.now(), true)
		return nil, nil
	case Seek:
		if s.score == nil {
			return nil, ErrNoScore
		}
		tick := s.playback.Seek(c.Tick)
		s.flushMonitor()
		s.judgeEvents(s.judge.Rewind(s.judgedNow()))
		s.emitTransport(s.now(), true)
		return tick, nil
	case SetLoop:
		var r *cadenza.LoopRange
		if c.Enabled {
			r = &cadenza.LoopRange{Start: c.Start, End: c.End}
		}
		if err := s.playback.SetLoop(r); err != nil {
			return nil, err
		}
		s.emitTransport(s.now(), true)
		return nil, nil
	case SetTempoMultiplier:
		if err := s.playback.SetTempoMultiplier(c.X); err != nil {
			return nil, err
		}
		s.emitTransport(s.now(), true)
		return nil, nil
	case SetPlaybackMode:
		s.playback.SetMode(c.Mode)
		s.updateSettings(func(st *settings.Settings) { st.Mode = c.Mode })
		s.reloadJudge()
		s.emitState()
		return nil, nil
	case SetAccompanimentRoute:
		s.playback.SetAccompanimentRoute(c.PlayLeft, c.PlayRight)
		s.reloadJudge()
		s.emitState()
		return nil, nil
	case SetMetronome:
		if c.BeatsPerBar < 0 || c.BeatsPerBar > 16 {
			return nil, fmt.Errorf("%w: %d beats per bar", ErrBadCommand, c.BeatsPerBar)
		}
		s.playback.SetMetronome(c.Enabled)
		s.updateSettings(func(st *settings.Settings) {
			st.Metronome = c.Enabled
			if c.BeatsPerBar > 0 {
				st.BeatsPerBar = c.BeatsPerBar
			}
		})
		s.emitState()
		return nil, nil
	case SetInputOffsetMs:
		if !(c.Ms >= -settings.MaxInputOffsetMs && c.Ms <= settings.MaxInputOffsetMs) {
			return nil, fmt.Errorf("%w: input offset %v ms outside ±%d", ErrBadCommand, c.Ms, settings.MaxInputOffsetMs)
		}
		s.updateSettings(func(st *settings.Settings) { st.InputOffsetMs = c.Ms })
		s.emitState()
		return nil, nil
	case SetAudiverisPath:
		path := c.Path
		if path != "" {
			path = NormalizePath(path)
		}
		s.updateSettings(func(st *settings.Settings) { st.AudiverisPath = path })
		return nil, nil
	case ConvertPdfToMidi:
		return s.convert(c)
	case CancelPdfToMidi:
		if s.cancelConvert != nil {
			s.cancelConvert()
		}
		return nil, nil
	case SkipTarget:
		s.judgeEvents(s.judge.Skip())
		return nil, nil
	case ExportDiagnostics:
		return s.exportDiagnostics(c.Dir)
	}
	return nil, fmt.Errorf("%w: %T", ErrUnknownCommand, cmd)
}

func checkVolume(v float32) error {
	if !(v >= 0 && v <= 1) {
		return fmt.Errorf("%w: volume %v outside 0 to 1", ErrBadCommand, v)
	}
	return nil
}

func (s *Session) setBusVolume(name string, v float32) error {
	bus, err := cadenza.ParseBus(name)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadCommand, err)
	}
	if err := checkVolume(v); err != nil {
		return err
	}
	s.playback.Params().SetBus(bus, v)
	s.updateSettings(func(st *settings.Settings) {
		switch bus {
		case cadenza.BusUserMonitor:
			st.Volumes.Monitor = v
		case cadenza.BusAutopilot:
			st.Volumes.Autopilot = v
		case cadenza.BusMetronome:
			st.Volumes.Metronome = v
		}
	})
	s.emitState()
	return nil
}

// testAudio plays middle C for a quarter of a second on the monitor bus.
func (s *Session) testAudio() error {
	if !s.cfg.MonitorEnabled {
		return ErrMonitorDisabled
	}
	if err := s.ensureAudio(); err != nil {
		return err
	}
	s.releaseTestNote(true)
	at := s.playback.RenderClock().Load()
	s.playback.SendLive(at, cadenza.BusUserMonitor, cadenza.NoteOnEvent(60, 96))
	s.testNoteEnd = at + cadenza.SampleTime(s.playback.Transport().SampleRate()/4)
	s.testNotePending = true
	return nil
}

// releaseTestNote ends the TestAudio note once the render clock has reached
// its end, or right away when force is set.
func (s *Session) releaseTestNote(force bool) {
	if !s.testNotePending {
		return
	}
	now := s.playback.RenderClock().Load()
	if !force && now < s.testNoteEnd {
		return
	}
	s.playback.SendLive(now, cadenza.BusUserMonitor, cadenza.NoteOffEvent(60))
	s.testNotePending = false
}

func (s *Session) loadSoundFont(path string) (synth.SoundFontInfo, error) {
	path = NormalizePath(path)
	info, err := s.synth.LoadFile(path)
	if err != nil {
		s.emit(SoundFontStatus{Path: path, Message: err.Error()})
		return info, err
	}
	s.log.WithFields(logrus.Fields{"soundFont": info.Name, "presets": info.Presets}).Info("SoundFont loaded")
	s.emit(SoundFontStatus{Loaded: true, Path: info.Path, Name: info.Name, Presets: info.Presets})
	return info, nil
}

// loadScore imports a score and makes it the current one. A score that
// fails to import leaves the previous one in place.
func (s *Session) loadScore(src ScoreSource) (ScoreInfo, error) {
	score, err := ReadScore(src)
	if err != nil {
		s.alert("score", Recoverable, "loading %s failed: %v", src.Path, err)
		return ScoreInfo{}, err
	}
	if err := s.applyScore(score); err != nil {
		s.alert("score", Recoverable, "loading %q failed: %v", score.Title, err)
		return ScoreInfo{}, err
	}
	return ScoreInfo{
		Title:    s.score.Title,
		PPQ:      s.score.PPQ,
		Duration: s.score.Duration(),
		Targets:  len(s.score.Targets),
	}, nil
}

// applyScore adds the metronome track, hands the score to the engine and
// the judge and resets practice to the start.
func (s *Session) applyScore(score cadenza.Score) error {
	score = score.Copy()
	score.WithMetronome(s.cfg.BeatsPerBar)
	if err := s.playback.Load(&score); err != nil {
		return err
	}
	s.flushMonitor()
	s.score = &score
	s.practice = nil
	s.targetNotes = make(map[uint64]cadenza.Notes, len(score.Targets))
	for _, t := range score.Targets {
		s.targetNotes[t.ID] = t.Notes
	}
	s.judgeEvents(s.judge.Load(s.judgedTargets()))
	s.state = Ready
	s.log.WithFields(logrus.Fields{"title": score.Title, "targets": len(score.Targets), "ppq": score.PPQ}).Info("score loaded")
	s.emit(scoreView(&score))
	s.emitState()
	s.emitTransport(s.now(), true)
	return nil
}

// judgedTargets are the targets of the practice range the player is
// expected to play. In accompaniment mode the hands the autopilot plays
// are left out; targets without a hand are always judged.
func (s *Session) judgedTargets() []cadenza.TargetEvent {
	if s.score == nil {
		return nil
	}
	targets := s.score.Targets
	if s.practice != nil {
		targets = s.score.Range(*s.practice)
	}
	route := s.playback.Scheduler().Route()
	if route.Mode != engine.Accompaniment {
		return targets
	}
	var ret []cadenza.TargetEvent
	for _, t := range targets {
		if t.Hand == cadenza.HandAny || !route.Plays(t.Hand) {
			ret = append(ret, t)
		}
	}
	return ret
}

// reloadJudge starts judging again from the current position with the
// current practice range and route.
func (s *Session) reloadJudge() {
	if s.score == nil {
		return
	}
	s.judgeEvents(s.judge.Load(s.judgedTargets()))
	s.judgeEvents(s.judge.Rewind(s.judgedNow()))
}

func (s *Session) setPracticeRange(start, end cadenza.Tick) error {
	if s.score == nil {
		return ErrNoScore
	}
	var r *cadenza.LoopRange
	if start != 0 || end != 0 {
		r = &cadenza.LoopRange{Start: start, End: end}
	}
	if err := s.playback.SetLoop(r); err != nil {
		return err
	}
	s.practice = r
	s.reloadJudge()
	s.emitState()
	s.emitTransport(s.now(), true)
	return nil
}

// start begins or resumes practice, opening the audio output if needed.
func (s *Session) start() error {
	if s.state == Running {
		return nil
	}
	if s.score == nil {
		return ErrNoScore
	}
	if err := s.ensureAudio(); err != nil {
		return err
	}
	if s.state == Ready {
		s.judgeEvents(s.judge.Rewind(s.judgedNow()))
	}
	s.flushMonitor()
	s.playback.Play()
	s.state = Running
	s.emitState()
	s.emitTransport(s.now(), true)
	return nil
}

// flushMonitor silences the notes the player left sounding.
func (s *Session) flushMonitor() {
	s.playback.AllNotesOff(cadenza.BusUserMonitor)
}

// convert starts a PDF conversion in its own goroutine. The result is
// reported through events; the command returns the output path.
func (s *Session) convert(c ConvertPdfToMidi) (string, error) {
	if s.cancelConvert != nil {
		return "", ErrConversionRunning
	}
	if c.PdfPath == "" {
		return "", fmt.Errorf("%w: no PDF path", ErrBadCommand)
	}
	pdf := NormalizePath(c.PdfPath)
	out := c.OutputPath
	if out == "" {
		out = strings.TrimSuffix(pdf, filepath.Ext(pdf)) + ".mid"
	} else {
		out = NormalizePath(out)
	}
	enginePath := c.AudiverisPath
	if enginePath == "" {
		enginePath = s.cfg.AudiverisPath
	}
	rec, err := s.newRecognizer(enginePath)
	if err != nil {
		return "", err
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancelConvert = cancel
	log := s.log.WithFields(logrus.Fields{"component": "omr", "pdf": pdf})
	log.Info("PDF conversion started")
	go func() {
		defer cancel()
		res, err := rec.Recognize(ctx, pdf, func(line string) {
			s.emit(OmrProgress{PdfPath: pdf, Line: line})
		})
		if err == nil {
			var score cadenza.Score
			if score, err = musicxml.ReadFile(res.MusicXML); err == nil {
				err = midifile.WriteFile(out, &score)
			}
		}
		done := PdfToMidiFinished{PdfPath: pdf, MusicXML: res.MusicXML, LogFile: res.LogFile}
		switch {
		case errors.Is(err, context.Canceled):
			done.Cancelled = true
			log.Info("PDF conversion cancelled")
		case err != nil:
			done.Error = err.Error()
			log.WithError(err).Warn("PDF conversion failed")
		default:
			done.OutputPath = out
			log.WithField("output", out).Info("PDF conversion finished")
		}
		select {
		case s.tasks <- func() { s.cancelConvert = nil }:
		case <-s.finished:
		}
		s.emit(done)
	}()
	return out, nil
}

func (s *Session) exportDiagnostics(dir string) (string, error) {
	if dir == "" {
		dir = s.diagDir
	}
	if dir == "" {
		dir = os.TempDir()
	}
	snap := diagnostics.Snapshot{
		SessionID:           s.id,
		State:               s.state.String(),
		Settings:            s.cfg,
		MIDISupport:         s.midi.Support().String(),
		SelectedMIDIInput:   s.midiDevice,
		SelectedAudioOutput: s.streamDevice,
		Audio:               s.cfg.Audio,
		Silent:              s.silent,
		RecentInputs:        append([]cadenza.InputEvent(nil), s.recent...),
		Counters: diagnostics.Counters{
			Playback:      s.playback.Counters(),
			Graph:         s.graph.Counters(),
			InputDropped:  s.inputDropped.Load(),
			Unsupported:   s.unsupported,
			EventsDropped: s.hub.dropped.Load(),
		},
	}
	if s.score != nil {
		snap.Score = s.score.Title
	}
	if s.stream != nil {
		snap.Audio = s.stream.Config()
	}
	for _, a := range s.alerts {
		snap.Alerts = append(snap.Alerts, a.String())
	}
	var err error
	if snap.MIDIInputs, err = s.midi.Devices(); err != nil {
		s.log.WithError(err).Warn("listing MIDI inputs for diagnostics failed")
	}
	if snap.AudioOutputs, err = s.audioDevices(); err != nil {
		s.log.WithError(err).Warn("listing audio outputs for diagnostics failed")
	}
	path, err := diagnostics.Export(NormalizePath(dir), snap)
	if err != nil {
		return "", err
	}
	s.log.WithField("path", path).Info("diagnostics exported")
	return path, nil
}
