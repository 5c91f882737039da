package dvs

import (
	"errors"
	"sync"
)

// MockConn implements DeviceConn with configurable behaviour for testing.
// Containers are queued with AddContainer; fetches either drain the queue or,
// with Blocking set, park until data arrives or the stream is stopped.
type MockConn struct {
	mu sync.Mutex

	// DeviceInfo is returned by Info.
	DeviceInfo DeviceInfo

	// Blocking makes DataGet wait for queued data instead of returning nil.
	Blocking bool

	// DefaultConfigError is returned by SendDefaultConfig if set.
	DefaultConfigError error

	// ConfigError is returned by ConfigSet if set.
	ConfigError error

	// StartError is returned by DataStart if set.
	StartError error

	// StopError is returned by DataStop if set.
	StopError error

	// GetError is returned by the next DataGet call if set, then cleared.
	GetError error

	// CloseError is returned by Close if set.
	CloseError error

	// Started indicates DataStart has been called without a matching DataStop.
	Started bool

	// Closed indicates whether Close was called.
	Closed bool

	// DefaultConfigCalls, ConfigCalls, StartCalls, StopCalls, GetCalls and
	// CloseCalls record how often each operation ran.
	DefaultConfigCalls int
	ConfigCalls        int
	StartCalls         int
	StopCalls          int
	GetCalls           int
	CloseCalls         int

	// ConfigSets records every ConfigSet call in order.
	ConfigSets []MockConfigSet

	queue    []*PacketContainer
	dataCond *sync.Cond
}

// MockConfigSet records one ConfigSet call.
type MockConfigSet struct {
	Key   ConfigKey
	Value uint32
}

// NewMockConn creates a MockConn reporting the given device info.
func NewMockConn(info DeviceInfo) *MockConn {
	c := &MockConn{DeviceInfo: info}
	c.dataCond = sync.NewCond(&c.mu)
	return c
}

// Info returns the configured device info.
func (c *MockConn) Info() DeviceInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.DeviceInfo
}

// SendDefaultConfig records the call and returns the configured error.
func (c *MockConn) SendDefaultConfig() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.DefaultConfigCalls++
	return c.DefaultConfigError
}

// ConfigSet records the call and returns the configured error.
func (c *MockConn) ConfigSet(key ConfigKey, value uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ConfigCalls++
	c.ConfigSets = append(c.ConfigSets, MockConfigSet{Key: key, Value: value})
	if c.ConfigError != nil {
		return c.ConfigError
	}
	if key == ConfigDataExchangeBlocking {
		c.Blocking = value != 0
	}
	return nil
}

// DataStart marks the stream started.
func (c *MockConn) DataStart() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.StartCalls++
	if c.StartError != nil {
		return c.StartError
	}
	c.Started = true
	return nil
}

// DataStop marks the stream stopped and wakes any blocked DataGet.
func (c *MockConn) DataStop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.StopCalls++
	c.Started = false
	c.dataCond.Broadcast()
	return c.StopError
}

// DataGet pops the next queued container. With Blocking set it waits until a
// container is queued or the stream stops; otherwise an empty queue yields
// (nil, nil).
func (c *MockConn) DataGet() (*PacketContainer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.GetCalls++

	if c.Closed {
		return nil, errors.New("device closed")
	}
	if c.GetError != nil {
		err := c.GetError
		c.GetError = nil
		return nil, err
	}

	if c.Blocking {
		for c.Started && !c.Closed && len(c.queue) == 0 {
			c.dataCond.Wait()
		}
	}
	if len(c.queue) == 0 {
		return nil, nil
	}

	container := c.queue[0]
	c.queue = c.queue[1:]
	return container, nil
}

// Close marks the connection closed and wakes any blocked DataGet.
func (c *MockConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CloseCalls++
	c.Closed = true
	c.dataCond.Broadcast()
	return c.CloseError
}

// AddContainer queues a container for a subsequent DataGet and wakes one
// blocked fetch.
func (c *MockConn) AddContainer(container *PacketContainer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queue = append(c.queue, container)
	c.dataCond.Signal()
}

// QueueLen returns the number of containers not yet fetched.
func (c *MockConn) QueueLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// MockDriver implements Driver for testing.
type MockDriver struct {
	mu sync.Mutex

	// Conn is the connection to return from Open.
	Conn DeviceConn

	// Error is returned by Open if set.
	Error error

	// OpenCalls records all Open calls.
	OpenCalls []OpenOptions
}

// NewMockDriver creates a MockDriver returning conn from Open.
func NewMockDriver(conn DeviceConn) *MockDriver {
	return &MockDriver{Conn: conn}
}

// Open returns the configured connection or error.
func (d *MockDriver) Open(opts OpenOptions) (DeviceConn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.OpenCalls = append(d.OpenCalls, opts)

	if d.Error != nil {
		return nil, d.Error
	}
	return d.Conn, nil
}

// Ensure the mocks satisfy the production interfaces.
var (
	_ DeviceConn = (*MockConn)(nil)
	_ Driver     = (*MockDriver)(nil)
)
