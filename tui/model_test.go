package tui

import (
	"context"
	"strings"
	"testing"

	"github.com/cadenzaio/cadenza"
	"github.com/cadenzaio/cadenza/engine"
	"github.com/cadenzaio/cadenza/judge"
	"github.com/cadenzaio/cadenza/session"
	tea "github.com/charmbracelet/bubbletea"
)

type recorder struct{ commands []session.Command }

func (r *recorder) Do(ctx context.Context, cmd session.Command) (any, error) {
	r.commands = append(r.commands, cmd)
	return nil, nil
}

func update(t *testing.T, m Model, msg tea.Msg) Model {
	t.Helper()
	next, _ := m.Update(msg)
	return next.(Model)
}

func press(t *testing.T, m Model, r *recorder, key tea.KeyMsg) session.Command {
	t.Helper()
	_, cmd := m.Update(key)
	if cmd == nil {
		t.Fatalf("key %q gave no command", key.String())
	}
	cmd()
	if len(r.commands) == 0 {
		t.Fatalf("key %q sent nothing", key.String())
	}
	return r.commands[len(r.commands)-1]
}

func runes(s string) tea.KeyMsg { return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)} }

func TestKeys(t *testing.T) {
	r := &recorder{}
	m := New(r, nil)
	m = update(t, m, eventMsg{session.TransportUpdated{
		TransportSnapshot: engine.TransportSnapshot{Tick: 1000, PPQ: 480, Multiplier: 1},
		Session:           session.Running,
	}})
	for _, c := range []struct {
		key  tea.KeyMsg
		want session.Command
	}{
		{tea.KeyMsg{Type: tea.KeySpace}, session.PausePractice{}},
		{runes("s"), session.StopPractice{}},
		{tea.KeyMsg{Type: tea.KeyLeft}, session.Seek{Tick: 520}},
		{tea.KeyMsg{Type: tea.KeyRight}, session.Seek{Tick: 1480}},
		{runes("]"), session.SetTempoMultiplier{X: 1.1}},
		{runes("["), session.SetTempoMultiplier{X: 0.9}},
		{runes("l"), session.SetLoop{Enabled: true, Start: 0, End: 1920}},
		{runes("m"), session.SetMonitorEnabled{Enabled: false}},
		{runes("k"), session.SkipTarget{}},
	} {
		if got := press(t, m, r, c.key); got != c.want {
			t.Errorf("key %q sent %#v, expected %#v", c.key.String(), got, c.want)
		}
	}
}

func TestStepMultiplierClamps(t *testing.T) {
	if got := stepMultiplier(2, 0.1); got != 2 {
		t.Fatalf("got %v", got)
	}
	if got := stepMultiplier(0.3, -0.1); got != 0.25 {
		t.Fatalf("got %v", got)
	}
}

func TestView(t *testing.T) {
	m := New(&recorder{}, nil)
	for _, e := range []session.Event{
		session.ScoreViewUpdated{Title: "Cadence in C", PPQ: 480},
		session.TransportUpdated{
			TransportSnapshot: engine.TransportSnapshot{Tick: 2400, PPQ: 480, BPM: 100, Multiplier: 1, Duration: 7680},
			Session:           session.Paused,
		},
		session.FocusUpdated{judge.FocusChanged{Notes: cadenza.Notes{60, 64, 67}, HasTarget: true}},
		session.JudgeFeedback{Grade: "miss", Reason: "timeout", Expected: cadenza.Notes{61}},
		session.ScoreSummaryUpdated{Stats: judge.Stats{Score: 170, Perfect: 1, Good: 1, Miss: 1, Accuracy: 2.0 / 3}},
		session.Alert{Component: "midi", Message: "MIDI input disconnected", Severity: session.Recoverable},
	} {
		m.apply(e)
	}
	view := m.View()
	for _, want := range []string{
		"Cadence in C",
		"Paused",
		"bar 2 beat 2",
		"C4 E4 G4",
		"Miss (timeout) C#4",
		"Accuracy 66.7%",
		"Recoverable midi: MIDI input disconnected",
	} {
		if !strings.Contains(view, want) {
			t.Errorf("view lacks %q:\n%s", want, view)
		}
	}
}

func TestClosedEventsQuit(t *testing.T) {
	events := make(chan session.Event)
	close(events)
	m := New(&recorder{}, events)
	msg := listen(events)()
	if _, ok := msg.(closedMsg); !ok {
		t.Fatalf("expected closedMsg, got %T", msg)
	}
	m = update(t, m, msg)
	if m.View() != "" {
		t.Fatalf("view after quit is %q", m.View())
	}
}
