package edvs

import (
	"bytes"
	"errors"
	"strings"
	"sync"
	"time"
)

// TestablePort implements Port with scripted behaviour for testing. Reads
// drain ReadBuffer and emulate the serial library's timeout semantics: an
// empty buffer yields (0, nil) after a short pause instead of blocking.
// Writes are collected line-wise; the optional OnCommand hook lets a test
// play the device side of the command protocol.
type TestablePort struct {
	mu sync.Mutex

	// ReadBuffer holds bytes to be returned by Read calls.
	ReadBuffer bytes.Buffer

	// WriteBuffer captures raw bytes written to the port.
	WriteBuffer bytes.Buffer

	// ReadError is returned by the next Read call if set, then cleared.
	ReadError error

	// WriteError is returned by the next Write call if set, then cleared.
	WriteError error

	// CloseError is returned by Close if set.
	CloseError error

	// Closed indicates whether Close was called.
	Closed bool

	// CloseCalls records the number of Close calls.
	CloseCalls int

	// ReadTimeout is the last timeout applied via SetReadTimeout.
	ReadTimeout time.Duration

	// OnCommand, when set, is invoked for each complete command line
	// written to the port; its return value is appended to ReadBuffer as
	// the device's response.
	OnCommand func(cmd string) []byte

	commands []string
	lineBuf  bytes.Buffer
}

// NewTestablePort creates an empty scripted port.
func NewTestablePort() *TestablePort {
	return &TestablePort{}
}

// Read drains the read buffer. An empty buffer emulates a read timeout.
func (p *TestablePort) Read(b []byte) (int, error) {
	p.mu.Lock()

	if p.Closed {
		p.mu.Unlock()
		return 0, errors.New("port closed")
	}
	if p.ReadError != nil {
		err := p.ReadError
		p.ReadError = nil
		p.mu.Unlock()
		return 0, err
	}
	if p.ReadBuffer.Len() == 0 {
		p.mu.Unlock()
		// Timed-out reads return (0, nil); pause briefly so poll loops in
		// tests do not spin hot.
		time.Sleep(time.Millisecond)
		return 0, nil
	}

	n, err := p.ReadBuffer.Read(b)
	p.mu.Unlock()
	return n, err
}

// Write records the bytes and feeds completed command lines to OnCommand.
func (p *TestablePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.Closed {
		return 0, errors.New("port closed")
	}
	if p.WriteError != nil {
		err := p.WriteError
		p.WriteError = nil
		return 0, err
	}

	p.WriteBuffer.Write(b)
	p.lineBuf.Write(b)
	for {
		line, err := p.lineBuf.ReadString('\n')
		if err != nil {
			// Partial command; keep it for the next write.
			p.lineBuf.Reset()
			p.lineBuf.WriteString(line)
			break
		}
		cmd := strings.TrimSpace(line)
		p.commands = append(p.commands, cmd)
		if p.OnCommand != nil {
			if resp := p.OnCommand(cmd); len(resp) > 0 {
				p.ReadBuffer.Write(resp)
			}
		}
	}
	return len(b), nil
}

// Close marks the port closed.
func (p *TestablePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CloseCalls++
	p.Closed = true
	return p.CloseError
}

// SetReadTimeout records the requested timeout.
func (p *TestablePort) SetReadTimeout(t time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ReadTimeout = t
	return nil
}

// StreamBytes appends raw event-stream bytes for subsequent reads.
func (p *TestablePort) StreamBytes(b []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ReadBuffer.Write(b)
}

// Commands returns a copy of all complete command lines written so far.
func (p *TestablePort) Commands() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.commands))
	copy(out, p.commands)
	return out
}

var _ Port = (*TestablePort)(nil)
