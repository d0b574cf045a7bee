// Package tui is the terminal front end of a practice session.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cadenzaio/cadenza"
	"github.com/cadenzaio/cadenza/engine"
	"github.com/cadenzaio/cadenza/judge"
	"github.com/cadenzaio/cadenza/session"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#fff"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#666"))
	statusStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#aaa"))
	focusStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#8cf"))
	perfectStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#5f5"))
	goodStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#ff5"))
	missStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#f55"))
	alertStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#fa5"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#f55"))
)

var titleCaser = cases.Title(language.English)

// Controller runs commands on the session.
type Controller interface {
	Do(ctx context.Context, cmd session.Command) (any, error)
}

type (
	Model struct {
		ctrl   Controller
		events <-chan session.Event

		title     string
		state     session.State
		transport engine.TransportSnapshot
		focus     judge.FocusChanged
		feedback  *session.JudgeFeedback
		stats     judge.Stats
		final     bool
		monitor   bool
		alerts    []session.Alert
		err       error
		quitting  bool
	}

	eventMsg  struct{ session.Event }
	closedMsg struct{}
	doneMsg   struct{ err error }
)

const (
	maxShownAlerts = 3
	commandTimeout = 5 * time.Second
	minMultiplier  = 0.25
	maxMultiplier  = 2
)

func New(ctrl Controller, events <-chan session.Event) Model {
	return Model{ctrl: ctrl, events: events, monitor: true}
}

// Run shows the model until the user quits or ctx is done.
func Run(ctx context.Context, ctrl Controller, events <-chan session.Event) error {
	_, err := tea.NewProgram(New(ctrl, events), tea.WithAltScreen(), tea.WithContext(ctx)).Run()
	return err
}

func listen(events <-chan session.Event) tea.Cmd {
	return func() tea.Msg {
		e, ok := <-events
		if !ok {
			return closedMsg{}
		}
		return eventMsg{e}
	}
}

func (m Model) do(cmd session.Command) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()
		_, err := m.ctrl.Do(ctx, cmd)
		return doneMsg{err}
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(listen(m.events), m.do(session.GetSessionState{}))
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.key(msg)
	case eventMsg:
		m.apply(msg.Event)
		return m, listen(m.events)
	case closedMsg:
		m.quitting = true
		return m, tea.Quit
	case doneMsg:
		m.err = msg.err
	}
	return m, nil
}

func (m Model) key(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	m.err = nil
	ppq := cadenza.Tick(max(m.transport.PPQ, 1))
	switch msg.String() {
	case "q", "ctrl+c":
		m.quitting = true
		return m, tea.Quit
	case " ":
		if m.state == session.Running {
			return m, m.do(session.PausePractice{})
		}
		return m, m.do(session.StartPractice{})
	case "s":
		return m, m.do(session.StopPractice{})
	case "left":
		return m, m.do(session.Seek{Tick: max(m.transport.Tick-ppq, 0)})
	case "right":
		return m, m.do(session.Seek{Tick: m.transport.Tick + ppq})
	case "[":
		return m, m.do(session.SetTempoMultiplier{X: stepMultiplier(m.transport.Multiplier, -0.1)})
	case "]":
		return m, m.do(session.SetTempoMultiplier{X: stepMultiplier(m.transport.Multiplier, 0.1)})
	case "l":
		if m.transport.Loop != nil {
			return m, m.do(session.SetLoop{Enabled: false})
		}
		bar := 4 * ppq
		start := m.transport.Tick - m.transport.Tick%bar
		return m, m.do(session.SetLoop{Enabled: true, Start: start, End: start + bar})
	case "m":
		return m, m.do(session.SetMonitorEnabled{Enabled: !m.monitor})
	case "k":
		return m, m.do(session.SkipTarget{})
	}
	return m, nil
}

func stepMultiplier(x, step float64) float64 {
	if x == 0 {
		x = 1
	}
	// round to a tenth so repeated steps do not drift
	x = float64(int((x+step)*10+0.5)) / 10
	return min(max(x, minMultiplier), maxMultiplier)
}

func (m *Model) apply(e session.Event) {
	switch e := e.(type) {
	case session.SessionStateUpdated:
		m.state = e.State
		m.title = e.Score
		m.monitor = e.Settings.MonitorEnabled
		m.transport = e.Transport
		m.stats = e.Stats
	case session.TransportUpdated:
		m.transport = e.TransportSnapshot
		m.state = e.Session
	case session.ScoreViewUpdated:
		m.title = e.Title
		m.feedback, m.final = nil, false
	case session.FocusUpdated:
		m.focus = e.FocusChanged
	case session.JudgeFeedback:
		m.feedback = &e
	case session.ScoreSummaryUpdated:
		m.stats = e.Stats
		m.final = e.Final
	case session.Alert:
		m.alerts = append(m.alerts, e)
		if len(m.alerts) > maxShownAlerts {
			m.alerts = m.alerts[len(m.alerts)-maxShownAlerts:]
		}
	}
}

func (m Model) View() string {
	if m.quitting {
		return ""
	}
	var b strings.Builder
	title := m.title
	if title == "" {
		title = "No score loaded"
	}
	b.WriteString(titleStyle.Render(title) + "\n")
	b.WriteString(statusStyle.Render(m.transportLine()) + "\n\n")
	if m.focus.HasTarget {
		b.WriteString("Next  " + focusStyle.Render(noteNames(m.focus.Notes)) + "\n")
	} else {
		b.WriteString(dimStyle.Render("Next  -") + "\n")
	}
	b.WriteString("Last  " + feedbackText(m.feedback) + "\n\n")
	s := m.stats
	summary := fmt.Sprintf("Score %d  Combo %d (max %d)  Accuracy %.1f%%  Perfect %d  Good %d  Miss %d",
		s.Score, s.Combo, s.MaxCombo, s.Accuracy*100, s.Perfect, s.Good, s.Miss)
	if m.final {
		summary = "Finished  " + summary
	}
	b.WriteString(summary + "\n")
	for _, a := range m.alerts {
		b.WriteString(alertStyle.Render(fmt.Sprintf("%s %s: %s", titleCaser.String(a.Severity.String()), a.Component, a.Message)) + "\n")
	}
	if m.err != nil {
		b.WriteString(errorStyle.Render(m.err.Error()) + "\n")
	}
	monitor := "off"
	if m.monitor {
		monitor = "on"
	}
	b.WriteString("\n" + dimStyle.Render(fmt.Sprintf("space:play/pause  s:stop  ←/→:seek  [/]:tempo  l:loop  m:monitor (%s)  k:skip  q:quit", monitor)))
	return b.String()
}

func (m Model) transportLine() string {
	t := m.transport
	ppq := cadenza.Tick(max(t.PPQ, 1))
	bar, beat := t.Tick/(4*ppq)+1, t.Tick%(4*ppq)/ppq+1
	line := fmt.Sprintf("%-8s bar %d beat %d  %d/%d  %.0f BPM ×%.1f",
		titleCaser.String(m.state.String()), bar, beat, t.Tick, t.Duration, t.BPM, t.Multiplier)
	if t.Loop != nil {
		line += fmt.Sprintf("  loop %d–%d", t.Loop.Start, t.Loop.End)
	}
	return line
}

func feedbackText(f *session.JudgeFeedback) string {
	if f == nil {
		return dimStyle.Render("-")
	}
	label := titleCaser.String(f.Grade)
	switch f.Grade {
	case "perfect":
		return perfectStyle.Render(label)
	case "good":
		return goodStyle.Render(fmt.Sprintf("%s %+d", label, f.Delta))
	}
	if f.Reason != "" {
		label += " (" + f.Reason + ")"
	}
	return missStyle.Render(label + " " + noteNames(f.Expected))
}

var pitchNames = [12]string{"C", "C#", "D", "D#", "E", "F", "F#", "G", "G#", "A", "A#", "B"}

// noteName gives scientific pitch notation, middle C being C4.
func noteName(n uint8) string {
	return fmt.Sprintf("%s%d", pitchNames[n%12], int(n)/12-1)
}

func noteNames(notes cadenza.Notes) string {
	names := make([]string, len(notes))
	for i, n := range notes {
		names[i] = noteName(n)
	}
	return strings.Join(names, " ")
}
