package dvs

import (
	"fmt"
	"sync"
)

// sessionState tracks where a session is in the open→configure→stream→
// stop→close lifecycle. Transitions only move forward; Closed is terminal.
type sessionState int

const (
	stateUnopened sessionState = iota
	stateOpened
	stateConfigured
	stateStreaming
	stateStopped
	stateClosed
)

func (s sessionState) String() string {
	switch s {
	case stateUnopened:
		return "unopened"
	case stateOpened:
		return "opened"
	case stateConfigured:
		return "configured"
	case stateStreaming:
		return "streaming"
	case stateStopped:
		return "stopped"
	case stateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Session serialises access to one device connection and enforces the
// lifecycle ordering the hardware requires: open, configure, start, fetch,
// stop, close. All methods are safe for concurrent use. The mutex is never
// held across a blocking driver fetch, so StopDataTransfer and Close can
// always get in to wake a blocked FetchContainer.
type Session struct {
	driver Driver

	mu    sync.Mutex
	state sessionState
	conn  DeviceConn
	info  DeviceInfo
}

// NewSession creates a session that will open devices through driver.
func NewSession(driver Driver) *Session {
	return &Session{driver: driver}
}

// Open binds the session to a device matching opts and caches its device
// info. Driver errors pass through wrapped, so errors.Is works against
// ErrDeviceNotFound and ErrDeviceBusy.
func (s *Session) Open(opts OpenOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == stateClosed {
		return ErrSessionClosed
	}
	if s.state != stateUnopened {
		return fmt.Errorf("open: session already %s", s.state)
	}

	conn, err := s.driver.Open(opts)
	if err != nil {
		return fmt.Errorf("open device: %w", err)
	}

	s.conn = conn
	s.info = conn.Info()
	s.state = stateOpened
	return nil
}

// Info returns the device description cached at open time. Before Open and
// after Close it returns ErrInfoUnavailable.
func (s *Session) Info() (DeviceInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == stateUnopened || s.state == stateClosed {
		return DeviceInfo{}, ErrInfoUnavailable
	}
	return s.info, nil
}

// SendDefaultConfig pushes the driver's baseline configuration to the
// device. Allowed any time between open and close so a running device can be
// reset to defaults.
func (s *Session) SendDefaultConfig() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireOpen("send default config"); err != nil {
		return err
	}
	if err := s.conn.SendDefaultConfig(); err != nil {
		return fmt.Errorf("send default config: %w", err)
	}
	if s.state == stateOpened {
		s.state = stateConfigured
	}
	return nil
}

// ConfigSet applies one configuration parameter. Failures are reported as a
// *ConfigError naming the rejected key and value.
func (s *Session) ConfigSet(key ConfigKey, value uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireOpen("config " + key.String()); err != nil {
		return err
	}
	if err := s.conn.ConfigSet(key, value); err != nil {
		return &ConfigError{Key: key, Value: value, Err: err}
	}
	if s.state == stateOpened {
		s.state = stateConfigured
	}
	return nil
}

// StartDataTransfer begins event production. Failures are reported as a
// *StartError and leave the session in its pre-start state, so the caller
// may retry or close.
func (s *Session) StartDataTransfer() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case stateOpened, stateConfigured:
	case stateStreaming:
		return fmt.Errorf("start data transfer: already streaming")
	default:
		return fmt.Errorf("start data transfer: session %s", s.state)
	}

	if err := s.conn.DataStart(); err != nil {
		return &StartError{Err: err}
	}
	s.state = stateStreaming
	return nil
}

// FetchContainer returns the next available container. In blocking exchange
// mode the call waits until data arrives or the stream is stopped out from
// under it. A (nil, nil) return means no data is available right now, or
// that the stream has been stopped; it is never an error.
func (s *Session) FetchContainer() (*PacketContainer, error) {
	s.mu.Lock()
	switch s.state {
	case stateClosed:
		s.mu.Unlock()
		return nil, ErrSessionClosed
	case stateStopped:
		s.mu.Unlock()
		return nil, nil
	case stateStreaming:
	default:
		s.mu.Unlock()
		return nil, fmt.Errorf("fetch container: %w", ErrNotStreaming)
	}
	conn := s.conn
	s.mu.Unlock()

	// The fetch happens without the session lock: in blocking mode it can
	// wait indefinitely, and StopDataTransfer must be able to interrupt it.
	container, err := conn.DataGet()
	if err != nil {
		// A fetch error that raced a concurrent stop or close is the
		// expected wake-up, not a device fault.
		s.mu.Lock()
		stopped := s.state != stateStreaming
		s.mu.Unlock()
		if stopped {
			return nil, nil
		}
		return nil, fmt.Errorf("fetch container: %w", err)
	}
	return container, nil
}

// StopDataTransfer halts event production and wakes any fetch blocked in
// blocking mode. Idempotent: stopping a session that is not streaming is a
// no-op. Driver errors are logged, not returned, so shutdown paths can
// always run it unconditionally.
func (s *Session) StopDataTransfer() error {
	s.mu.Lock()
	if s.state != stateStreaming {
		s.mu.Unlock()
		return nil
	}
	s.state = stateStopped
	conn := s.conn
	s.mu.Unlock()

	// Only the caller that won the streaming→stopped transition reaches the
	// driver, so DataStop runs exactly once per start.
	if err := conn.DataStop(); err != nil {
		Logf("dvs: data stop: %v", err)
	}
	return nil
}

// Close stops any active stream and releases the device. Idempotent, and
// like StopDataTransfer it logs rather than returns driver errors.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == stateClosed || s.state == stateUnopened {
		s.state = stateClosed
		s.mu.Unlock()
		return nil
	}
	streaming := s.state == stateStreaming
	conn := s.conn
	s.state = stateClosed
	s.conn = nil
	s.mu.Unlock()

	if streaming {
		if err := conn.DataStop(); err != nil {
			Logf("dvs: data stop: %v", err)
		}
	}
	if err := conn.Close(); err != nil {
		Logf("dvs: close device: %v", err)
	}
	return nil
}

// Streaming reports whether the session is actively producing data. It turns
// false the moment StopDataTransfer or Close begins, which is how a poll loop
// distinguishes "no data yet" from "stream shut down".
func (s *Session) Streaming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == stateStreaming
}

// requireOpen is the shared guard for operations valid on any open,
// not-yet-closed session. Callers hold s.mu.
func (s *Session) requireOpen(op string) error {
	switch s.state {
	case stateUnopened:
		return fmt.Errorf("%s: session not opened", op)
	case stateClosed:
		return ErrSessionClosed
	default:
		return nil
	}
}
