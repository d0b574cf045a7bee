//go:build cgo

package gomidi

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/cadenzaio/cadenza"
	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/drivers"
	"gitlab.com/gomidi/midi/v2/drivers/rtmididrv"
)

type (
	// Input is a cadenza.MIDIInput on the rtmidi driver. At most one device
	// is open at a time; opening another closes the previous one.
	Input struct {
		Filter

		mu      sync.Mutex
		driver  *rtmididrv.Driver
		current *listener
	}

	listener struct {
		owner *Input
		in    drivers.In
		stop  func()
		once  sync.Once
	}
)

// NewInput opens the driver. When that fails the input reports
// MIDISupportNoDriver and lists no devices.
func NewInput() *Input {
	m := &Input{}
	// there's not much we can do if this fails, so just use m.driver = nil to
	// indicate no driver available
	m.driver, _ = rtmididrv.New()
	return m
}

func (m *Input) Support() cadenza.MIDISupport {
	if m.driver == nil {
		return cadenza.MIDISupportNoDriver
	}
	return cadenza.MIDISupported
}

func (m *Input) Devices() ([]cadenza.MIDIDevice, error) {
	if m.driver == nil {
		return nil, nil
	}
	ins, err := m.driver.Ins()
	if err != nil {
		return nil, fmt.Errorf("listing MIDI inputs failed: %w", err)
	}
	ret := make([]cadenza.MIDIDevice, 0, len(ins))
	for _, in := range ins {
		ret = append(ret, cadenza.MIDIDevice{ID: in.String(), Name: in.String()})
	}
	return ret, nil
}

// Open starts listening on the input whose name is id, or failing that the
// first one whose name starts with id. handler runs on the driver thread.
func (m *Input) Open(id string, handler func(cadenza.InputEvent)) (io.Closer, error) {
	if m.driver == nil {
		return nil, cadenza.ErrNoDriver
	}
	in, err := m.find(id)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil {
		m.current.close()
		m.current = nil
	}
	if err := in.Open(); err != nil {
		return nil, fmt.Errorf("opening MIDI input %q failed: %w", id, err)
	}
	stop, err := midi.ListenTo(in, func(msg midi.Message, timestampms int32) {
		at := time.Now()
		m.Handle(msg, func(e cadenza.MIDIEvent) {
			handler(cadenza.InputEvent{At: at, Event: e})
		})
	})
	if err != nil {
		in.Close()
		return nil, fmt.Errorf("listening to MIDI input %q failed: %w", id, err)
	}
	m.current = &listener{owner: m, in: in, stop: stop}
	return m.current, nil
}

func (m *Input) Close() error {
	if m.driver == nil {
		return nil
	}
	m.mu.Lock()
	if m.current != nil {
		m.current.close()
		m.current = nil
	}
	m.mu.Unlock()
	return m.driver.Close()
}

func (m *Input) find(id string) (drivers.In, error) {
	ins, err := m.driver.Ins()
	if err != nil {
		return nil, fmt.Errorf("listing MIDI inputs failed: %w", err)
	}
	for _, in := range ins {
		if in.String() == id {
			return in, nil
		}
	}
	if id != "" {
		for _, in := range ins {
			if strings.HasPrefix(in.String(), id) {
				return in, nil
			}
		}
	}
	return nil, fmt.Errorf("MIDI input %q: %w", id, cadenza.ErrDeviceNotFound)
}

func (l *listener) Close() error {
	l.owner.mu.Lock()
	defer l.owner.mu.Unlock()
	if l.owner.current == l {
		l.owner.current = nil
	}
	return l.close()
}

func (l *listener) close() (err error) {
	l.once.Do(func() {
		l.stop()
		if l.in.IsOpen() {
			err = l.in.Close()
		}
	})
	return err
}
