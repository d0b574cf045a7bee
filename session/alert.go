package session

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

type (
	// Severity orders how bad a problem is. Fatal halts the subsystem it
	// names; Recoverable means the session worked around it.
	Severity int

	Alert struct {
		Component string    `json:"component"`
		Message   string    `json:"message"`
		Severity  Severity  `json:"severity"`
		At        time.Time `json:"at"`
	}
)

const (
	Info Severity = iota
	Warning
	Recoverable
	Fatal
)

const maxAlerts = 20

func (s Severity) String() string {
	switch s {
	case Info:
		return "info"
	case Warning:
		return "warning"
	case Recoverable:
		return "recoverable"
	case Fatal:
		return "fatal"
	}
	return fmt.Sprintf("severity%d", int(s))
}

func (s Severity) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s Severity) level() logrus.Level {
	switch s {
	case Info:
		return logrus.InfoLevel
	case Warning:
		return logrus.WarnLevel
	}
	return logrus.ErrorLevel
}

func (a Alert) String() string {
	return fmt.Sprintf("%s %s %s: %s", a.At.Format(time.RFC3339), a.Severity, a.Component, a.Message)
}

// alert logs a problem, keeps it for diagnostics and tells the subscribers.
func (s *Session) alert(component string, severity Severity, format string, args ...any) {
	a := Alert{Component: component, Message: fmt.Sprintf(format, args...), Severity: severity, At: s.now()}
	s.log.WithField("subsystem", component).Log(severity.level(), a.Message)
	if len(s.alerts) == maxAlerts {
		s.alerts = append(s.alerts[:0], s.alerts[1:]...)
	}
	s.alerts = append(s.alerts, a)
	s.emit(a)
}
