// Package netstream receives event containers streamed over UDP, one
// serialized container per datagram, and exposes the socket as a camera
// driver. It pairs with Forwarder, which ships containers onto the wire, and
// with the PCAP replay in this package.
package netstream

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/eventcam/internal/dvs"
)

// StreamStats receives counters from the datagram reader. Implementations
// must be safe for concurrent use.
type StreamStats interface {
	AddContainer(bytes int)
	AddEvents(count int)
	AddMalformed()
	AddDropped()
}

// noopStats is the safe default when no stats collector is provided.
type noopStats struct{}

func (noopStats) AddContainer(bytes int) {}
func (noopStats) AddEvents(count int)    {}
func (noopStats) AddMalformed()          {}
func (noopStats) AddDropped()            {}

const (
	readDeadline      = 100 * time.Millisecond
	maxDatagramSize   = 65535
	containerQueueLen = 64
)

// Driver opens UDP listening sockets as event camera connections.
type Driver struct {
	// Address is the UDP listen address, e.g. ":8308".
	Address string

	// RcvBuf is the socket receive buffer size in bytes. Zero keeps the
	// OS default.
	RcvBuf int

	// SizeX and SizeY describe the sensor behind the stream, for device
	// info reporting. Zero defaults to 128.
	SizeX int
	SizeY int

	// Stats receives reader counters. Nil means no collection.
	Stats StreamStats
}

// Open binds the listen socket. A bind conflict reports the device busy, an
// unresolvable address reports it not found.
func (d *Driver) Open(opts dvs.OpenOptions) (dvs.DeviceConn, error) {
	addr, err := net.ResolveUDPAddr("udp", d.Address)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", d.Address, dvs.ErrDeviceNotFound)
	}

	sock, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", d.Address, dvs.ErrDeviceBusy)
	}

	if d.RcvBuf > 0 {
		if err := sock.SetReadBuffer(d.RcvBuf); err != nil {
			dvs.Logf("netstream: set receive buffer to %d: %v", d.RcvBuf, err)
		}
	}

	stats := d.Stats
	if stats == nil {
		stats = noopStats{}
	}
	sizeX, sizeY := d.SizeX, d.SizeY
	if sizeX == 0 {
		sizeX = 128
	}
	if sizeY == 0 {
		sizeY = 128
	}

	return &conn{
		sock:  sock,
		stats: stats,
		info: dvs.DeviceInfo{
			DeviceID:     int16(opts.DeviceID),
			Master:       true,
			SerialNumber: sock.LocalAddr().String(),
			DeviceString: fmt.Sprintf("DVS network stream %dx%d", sizeX, sizeY),
			SizeX:        sizeX,
			SizeY:        sizeY,
		},
	}, nil
}

// conn is one bound listen socket.
type conn struct {
	sock  *net.UDPConn
	stats StreamStats
	info  dvs.DeviceInfo

	mu         sync.Mutex
	blocking   bool
	started    bool
	closed     bool
	stopCh     chan struct{}
	readerDone chan struct{}
	containers chan *dvs.PacketContainer

	// Drops counts containers shed because the exchange queue was full.
	Drops atomic.Int64
}

func (c *conn) Info() dvs.DeviceInfo { return c.info }

// SendDefaultConfig is a no-op: the sending side owns the camera
// configuration.
func (c *conn) SendDefaultConfig() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errClosed
	}
	return nil
}

var errClosed = errors.New("network stream closed")

// ConfigSet accepts the standard keys. Container accumulation is controlled
// by the sender, so interval and packet size are acknowledged without
// effect.
func (c *conn) ConfigSet(key dvs.ConfigKey, value uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errClosed
	}

	switch key {
	case dvs.ConfigDataExchangeBlocking:
		c.blocking = value != 0
	case dvs.ConfigContainerInterval, dvs.ConfigContainerMaxPacketSize:
	default:
		return fmt.Errorf("unsupported config key %s", key)
	}
	return nil
}

// DataStart launches the datagram reader.
func (c *conn) DataStart() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errClosed
	}
	if c.started {
		return fmt.Errorf("data transfer already started")
	}

	c.started = true
	c.stopCh = make(chan struct{})
	c.readerDone = make(chan struct{})
	c.containers = make(chan *dvs.PacketContainer, containerQueueLen)
	go c.readLoop(c.stopCh, c.readerDone, c.containers)
	return nil
}

// DataStop terminates the reader and wakes any blocked DataGet. The socket
// stays bound so the stream can be restarted.
func (c *conn) DataStop() error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = false
	stopCh := c.stopCh
	readerDone := c.readerDone
	c.mu.Unlock()

	close(stopCh)
	<-readerDone
	return nil
}

// DataGet returns the next received container. In blocking mode it waits
// for a datagram or a stop; otherwise it returns what is queued or
// (nil, nil).
func (c *conn) DataGet() (*dvs.PacketContainer, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errClosed
	}
	blocking := c.blocking
	started := c.started
	stopCh := c.stopCh
	containers := c.containers
	c.mu.Unlock()

	if containers == nil {
		return nil, nil
	}

	if blocking && started {
		select {
		case container := <-containers:
			return container, nil
		case <-stopCh:
		}
	}

	select {
	case container := <-containers:
		return container, nil
	default:
		return nil, nil
	}
}

func (c *conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	started := c.started
	c.started = false
	stopCh := c.stopCh
	readerDone := c.readerDone
	c.mu.Unlock()

	if started {
		close(stopCh)
		<-readerDone
	}
	return c.sock.Close()
}

// readLoop receives datagrams, parses them as containers and feeds the
// exchange queue. Read deadlines keep the loop responsive to stop requests.
func (c *conn) readLoop(stopCh, done chan struct{}, containers chan *dvs.PacketContainer) {
	defer close(done)

	buffer := make([]byte, maxDatagramSize)
	for {
		select {
		case <-stopCh:
			return
		default:
		}

		c.sock.SetReadDeadline(time.Now().Add(readDeadline))
		n, addr, err := c.sock.ReadFromUDP(buffer)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			select {
			case <-stopCh:
			default:
				dvs.Logf("netstream: read error: %v", err)
			}
			continue
		}

		container, err := dvs.ParseContainer(buffer[:n])
		if err != nil {
			c.stats.AddMalformed()
			dvs.Logf("netstream: malformed container from %v: %v", addr, err)
			continue
		}

		c.stats.AddContainer(n)
		c.stats.AddEvents(container.EventCount())

		select {
		case containers <- container:
		default:
			// Shed the oldest container; a live stream beats a complete
			// one here.
			c.Drops.Add(1)
			c.stats.AddDropped()
			select {
			case <-containers:
			default:
			}
			select {
			case containers <- container:
			default:
			}
		}
	}
}

// Ensure interface satisfaction.
var (
	_ dvs.Driver     = (*Driver)(nil)
	_ dvs.DeviceConn = (*conn)(nil)
)
