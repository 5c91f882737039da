// Package sim provides a synthetic event-camera driver for testing and
// demos. It emits polarity events from simulated dots moving in circles
// across the sensor array, plus background noise and periodic external-input
// special events, with no hardware attached.
package sim

import (
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/eventcam/internal/dvs"
)

// Driver implements dvs.Driver with generated data. One simulated device
// exists per driver; opening it twice without closing reports the device
// busy, the same contention a real camera would show.
type Driver struct {
	// SizeX and SizeY are the simulated sensor dimensions.
	SizeX int
	SizeY int

	// SerialNumber is the simulated device serial.
	SerialNumber string

	// EventRate is the target polarity events per second.
	EventRate float64

	// DotCount is the number of moving dots.
	DotCount int

	// DotSpeedPPS is the dot speed in pixels per second.
	DotSpeedPPS float64

	// NoiseFraction is the share of events placed at random pixels
	// instead of on a dot, in [0, 1].
	NoiseFraction float64

	// PulseInterval is the spacing of synthetic external-input pulse
	// events. Zero disables them.
	PulseInterval time.Duration

	// Seed makes the generated stream reproducible. Zero seeds from the
	// wall clock.
	Seed int64

	// Throttle paces container production to the wall clock. Without it
	// containers are produced as fast as they are fetched, which is what
	// deterministic tests want.
	Throttle bool

	// OpenError, when set, is returned by Open. Simulates a missing or
	// faulted device.
	OpenError error

	mu   sync.Mutex
	open *conn
}

// NewDriver creates a simulated 128x128 camera with demo-friendly defaults.
func NewDriver() *Driver {
	return &Driver{
		SizeX:         128,
		SizeY:         128,
		SerialNumber:  "SIM0001",
		EventRate:     50000,
		DotCount:      4,
		DotSpeedPPS:   120,
		NoiseFraction: 0.05,
		PulseInterval: time.Second,
	}
}

// Open binds to the simulated device. Serial restrictions are honoured so
// callers can exercise the not-found path, and a second open without a close
// reports the device busy.
func (d *Driver) Open(opts dvs.OpenOptions) (dvs.DeviceConn, error) {
	if d.OpenError != nil {
		return nil, d.OpenError
	}
	if opts.SerialRestriction != "" && opts.SerialRestriction != d.SerialNumber {
		return nil, fmt.Errorf("no simulated device with serial %q: %w", opts.SerialRestriction, dvs.ErrDeviceNotFound)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.open != nil {
		return nil, fmt.Errorf("simulated device already open: %w", dvs.ErrDeviceBusy)
	}

	c := &conn{
		driver: d,
		info: dvs.DeviceInfo{
			DeviceID:        int16(opts.DeviceID),
			Master:          true,
			SerialNumber:    d.SerialNumber,
			DeviceString:    fmt.Sprintf("Simulated DVS %dx%d", d.SizeX, d.SizeY),
			SizeX:           d.SizeX,
			SizeY:           d.SizeY,
			FirmwareVersion: 1,
			LogicVersion:    1,
		},
		gen:               newGenerator(d),
		containerInterval: 10 * time.Millisecond,
	}
	d.open = c
	return c, nil
}

// release clears the driver's open slot when a connection closes.
func (d *Driver) release(c *conn) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.open == c {
		d.open = nil
	}
}

// conn is one open simulated device.
type conn struct {
	driver *Driver
	info   dvs.DeviceInfo
	gen    *generator

	mu                sync.Mutex
	blocking          bool
	containerInterval time.Duration
	maxPacketSize     uint32
	started           bool
	closed            bool
	stopCh            chan struct{}

	// virtual device clock, microseconds since DataStart
	clockMicros int64
	// wall-clock anchor for throttled pacing
	startedAt time.Time
}

func (c *conn) Info() dvs.DeviceInfo { return c.info }

func (c *conn) SendDefaultConfig() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("simulated device closed")
	}
	return nil
}

func (c *conn) ConfigSet(key dvs.ConfigKey, value uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("simulated device closed")
	}

	switch key {
	case dvs.ConfigDataExchangeBlocking:
		c.blocking = value != 0
	case dvs.ConfigContainerInterval:
		if value == 0 {
			return fmt.Errorf("container interval must be positive")
		}
		c.containerInterval = time.Duration(value) * time.Microsecond
	case dvs.ConfigContainerMaxPacketSize:
		c.maxPacketSize = value
	default:
		return fmt.Errorf("unsupported config key %s", key)
	}
	return nil
}

func (c *conn) DataStart() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("simulated device closed")
	}
	if c.started {
		return fmt.Errorf("data transfer already started")
	}
	c.started = true
	c.stopCh = make(chan struct{})
	c.clockMicros = 0
	c.startedAt = time.Now()
	return nil
}

func (c *conn) DataStop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return nil
	}
	c.started = false
	close(c.stopCh)
	return nil
}

// DataGet produces the container for the next interval window. With Throttle
// set on the driver it first waits until that window has elapsed in wall
// time; a stop during the wait yields (nil, nil).
func (c *conn) DataGet() (*dvs.PacketContainer, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("simulated device closed")
	}
	if !c.started {
		c.mu.Unlock()
		return nil, nil
	}
	interval := c.containerInterval
	windowStart := c.clockMicros
	stopCh := c.stopCh
	startedAt := c.startedAt
	c.mu.Unlock()

	if c.driver.Throttle {
		windowEnd := startedAt.Add(time.Duration(windowStart)*time.Microsecond + interval)
		if wait := time.Until(windowEnd); wait > 0 {
			select {
			case <-time.After(wait):
			case <-stopCh:
				return nil, nil
			}
		}
	} else {
		select {
		case <-stopCh:
			return nil, nil
		default:
		}
	}

	c.mu.Lock()
	if !c.started || c.closed {
		c.mu.Unlock()
		return nil, nil
	}
	c.clockMicros = windowStart + interval.Microseconds()
	maxPacket := c.maxPacketSize
	c.mu.Unlock()

	polarity, special := c.gen.window(windowStart, windowStart+interval.Microseconds())

	container := &dvs.PacketContainer{}
	source := c.info.DeviceID
	if maxPacket > 0 && len(polarity) > int(maxPacket) {
		for start := 0; start < len(polarity); start += int(maxPacket) {
			end := start + int(maxPacket)
			if end > len(polarity) {
				end = len(polarity)
			}
			container.Packets = append(container.Packets, dvs.BuildPolarityPackets(source, polarity[start:end])...)
		}
	} else {
		container.Packets = append(container.Packets, dvs.BuildPolarityPackets(source, polarity)...)
	}
	container.Packets = append(container.Packets, dvs.BuildSpecialPackets(source, special)...)
	return container, nil
}

func (c *conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	if c.started {
		c.started = false
		close(c.stopCh)
	}
	c.mu.Unlock()

	c.driver.release(c)
	return nil
}

// Ensure the simulated device satisfies the driver interfaces.
var (
	_ dvs.Driver     = (*Driver)(nil)
	_ dvs.DeviceConn = (*conn)(nil)
)
