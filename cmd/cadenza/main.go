package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/cadenzaio/cadenza"
	"github.com/cadenzaio/cadenza/cmd"
	"github.com/cadenzaio/cadenza/oto"
	"github.com/cadenzaio/cadenza/session"
	"github.com/cadenzaio/cadenza/settings"
	"github.com/cadenzaio/cadenza/version"
	"github.com/mitchellh/go-homedir"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	configPath string
	logLevel   string
	logFile    string
	logJSON    bool

	log = logrus.New()
)

var rootCmd = &cobra.Command{
	Use:           "cadenza",
	Short:         "Practice piano against a score with a MIDI keyboard",
	Version:       version.VersionOrHash,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(c *cobra.Command, args []string) error {
		return setupLogging(c)
	},
}

func init() {
	f := rootCmd.PersistentFlags()
	f.StringVar(&configPath, "config", "", "settings file (default is settings.yaml in the user config directory)")
	f.StringVar(&logLevel, "log-level", "info", "one of trace, debug, info, warn, error")
	f.StringVar(&logFile, "log-file", "", "append the log to this file instead of standard error")
	f.BoolVar(&logJSON, "log-json", false, "log as JSON, the default for serve")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "cadenza:", err)
		os.Exit(1)
	}
}

// setupLogging configures the logger for c. serve logs JSON unless the text
// formatter is asked for.
func setupLogging(c *cobra.Command) error {
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		return err
	}
	log.SetLevel(level)
	log.SetOutput(c.ErrOrStderr())
	if logFile != "" {
		path, err := homedir.Expand(logFile)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("opening log file failed: %w", err)
		}
		log.SetOutput(f)
	}
	if logJSON || c == serveCmd && !c.Flags().Changed("log-json") {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}

func settingsPath() (string, error) {
	if configPath != "" {
		return homedir.Expand(configPath)
	}
	return settings.DefaultPath()
}

func openStore() (*settings.Store, error) {
	path, err := settingsPath()
	if err != nil {
		return nil, err
	}
	return settings.NewStore(path, log.WithField("component", "settings")), nil
}

// devices are the system audio and MIDI backends.
type devices struct {
	audio cadenza.AudioOutput
	midi  cadenza.MIDIInput
}

func openDevices() devices {
	return devices{
		audio: &oto.Output{Format: oto.Float32},
		midi:  cmd.NewMIDIInput(),
	}
}

func (d devices) Close() {
	if err := d.midi.Close(); err != nil {
		log.WithError(err).Warn("closing MIDI driver failed")
	}
}

// newSession creates a session on the system devices and runs it in the
// background. stop ends it and waits for the devices to be released.
func newSession(ctx context.Context) (s *session.Session, stop func(), err error) {
	store, err := openStore()
	if err != nil {
		return nil, nil, err
	}
	d := openDevices()
	diagDir := ""
	if dir, err := os.UserCacheDir(); err == nil {
		diagDir = filepath.Join(dir, "cadenza")
	}
	s, err = session.New(session.Config{
		Audio:          d.audio,
		MIDI:           d.midi,
		Settings:       store,
		DiagnosticsDir: diagDir,
		Log:            log.WithField("component", "session"),
	})
	if err != nil {
		d.Close()
		return nil, nil, err
	}
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	return s, func() {
		if err := s.Close(); err != nil {
			log.WithError(err).Warn("closing session failed")
		}
		if err := <-done; err != nil && err != context.Canceled {
			log.WithError(err).Warn("session ended with an error")
		}
		d.Close()
	}, nil
}

// signalContext is done on interrupt or termination.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
