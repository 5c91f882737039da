// Package edvs drives embedded DVS cameras attached over a serial port. The
// device speaks a line-oriented ASCII command protocol (reset, bias setup,
// event stream on/off) and pushes binary event quadruplets once streaming is
// enabled; see parse.go for the stream format.
package edvs

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.bug.st/serial"

	"github.com/banshee-data/eventcam/internal/dvs"
)

// Port is the minimal serial port surface the driver needs. go.bug.st's
// serial.Port satisfies it; tests substitute a scripted implementation.
type Port interface {
	io.ReadWriteCloser

	// SetReadTimeout bounds each Read. A timed-out Read returns (0, nil).
	SetReadTimeout(t time.Duration) error
}

// PortOpener opens a serial port at the given path. Replaceable for testing.
type PortOpener func(path string, mode *serial.Mode) (Port, error)

// Device command strings. Each is terminated with a newline on the wire.
const (
	cmdReset        = "R"   // reboot the device
	cmdEventFormat  = "!E1" // binary events with 16-bit timestamps
	cmdStreamOn     = "E+"
	cmdStreamOff    = "E-"
	cmdQueryVersion = "?V"
	cmdBiasFlush    = "!BF" // push staged biases to the sensor
)

// defaultBiases is the known-good bias set for the 128x128 sensor, staged in
// hardware register order (cas, injGnd, reqPd, puX, diffOff, req, refr, puY,
// diffOn, diff, foll, pr).
var defaultBiases = [12]uint32{
	1992,     // cas
	1108364,  // injGnd
	16777215, // reqPd
	8159221,  // puX
	132,      // diffOff
	309590,   // req
	969,      // refr
	16777215, // puY
	209996,   // diffOn
	13125,    // diff
	271,      // foll
	217,      // pr
}

const (
	defaultBaudRate    = 4000000
	defaultReadTimeout = 20 * time.Millisecond
	resetSettleTime    = 200 * time.Millisecond
	containerQueueLen  = 64
)

// Driver opens event cameras on serial ports.
type Driver struct {
	// Path is the serial device path, e.g. /dev/ttyUSB0.
	Path string

	// BaudRate for the port. Zero selects the device's native 4Mbaud.
	BaudRate int

	// ResetSettle is how long the device gets to reboot after the reset
	// command. Zero selects the 200ms the hardware needs.
	ResetSettle time.Duration

	// OpenPort replaces the real serial opener for testing.
	OpenPort PortOpener
}

// NewDriver creates a serial driver for the device at path.
func NewDriver(path string) *Driver {
	return &Driver{Path: path}
}

// Open connects to the camera, reboots it into a known state and prepares
// the timestamped event format. Port errors map onto dvs.ErrDeviceNotFound
// and dvs.ErrDeviceBusy.
func (d *Driver) Open(opts dvs.OpenOptions) (dvs.DeviceConn, error) {
	// The path names the device on this transport; a serial-number
	// restriction must match its base name.
	if opts.SerialRestriction != "" && opts.SerialRestriction != filepath.Base(d.Path) {
		return nil, fmt.Errorf("no serial device %q at %s: %w", opts.SerialRestriction, d.Path, dvs.ErrDeviceNotFound)
	}

	opener := d.OpenPort
	if opener == nil {
		opener = realOpener
	}
	baud := d.BaudRate
	if baud == 0 {
		baud = defaultBaudRate
	}

	port, err := opener(d.Path, &serial.Mode{BaudRate: baud, DataBits: 8, StopBits: serial.OneStopBit, Parity: serial.NoParity})
	if err != nil {
		return nil, mapPortError(d.Path, err)
	}

	settle := d.ResetSettle
	if settle == 0 {
		settle = resetSettleTime
	}

	c := &conn{
		port:              port,
		deviceID:          int16(opts.DeviceID),
		settle:            settle,
		containerInterval: 10 * time.Millisecond,
	}

	if err := c.setup(); err != nil {
		port.Close()
		return nil, err
	}

	c.info = dvs.DeviceInfo{
		DeviceID:        int16(opts.DeviceID),
		Master:          true,
		SerialNumber:    filepath.Base(d.Path),
		DeviceString:    c.version,
		SizeX:           128,
		SizeY:           128,
		FirmwareVersion: 1,
		LogicVersion:    1,
	}
	return c, nil
}

// realOpener opens a physical port via go.bug.st/serial.
func realOpener(path string, mode *serial.Mode) (Port, error) {
	return serial.Open(path, mode)
}

// mapPortError translates serial library errors into the driver error kinds
// callers dispatch on.
func mapPortError(path string, err error) error {
	var portErr *serial.PortError
	if errors.As(err, &portErr) {
		switch portErr.Code() {
		case serial.PortNotFound:
			return fmt.Errorf("serial port %s: %w", path, dvs.ErrDeviceNotFound)
		case serial.PortBusy:
			return fmt.Errorf("serial port %s: %w", path, dvs.ErrDeviceBusy)
		}
	}
	return fmt.Errorf("open serial port %s: %w", path, err)
}

// conn is one open serial camera.
type conn struct {
	port     Port
	deviceID int16
	settle   time.Duration
	info     dvs.DeviceInfo
	version  string

	mu                sync.Mutex
	blocking          bool
	containerInterval time.Duration
	maxPacketSize     uint32
	started           bool
	closed            bool
	stopCh            chan struct{}
	readerDone        chan struct{}
	readErr           error

	containers chan *dvs.PacketContainer
	faultCh    chan struct{}

	// Drops counts containers discarded because the exchange queue was
	// full and the consumer was not keeping up.
	Drops atomic.Int64
}

// setup reboots the device, drains its banner output, selects the
// timestamped event format and records the firmware identification.
func (c *conn) setup() error {
	if err := c.port.SetReadTimeout(defaultReadTimeout); err != nil {
		return fmt.Errorf("set read timeout: %w", err)
	}
	if err := c.command(cmdReset); err != nil {
		return err
	}
	time.Sleep(c.settle)
	c.drainInput()

	if err := c.command(cmdQueryVersion); err != nil {
		return err
	}
	c.version = c.readVersionLine()
	if c.version == "" {
		c.version = "eDVS 128x128"
	}

	return c.command(cmdEventFormat)
}

// command writes one newline-terminated command to the device.
func (c *conn) command(cmd string) error {
	data := []byte(cmd + "\n")
	n, err := c.port.Write(data)
	if err != nil {
		return fmt.Errorf("send %q: %w", cmd, err)
	}
	if n != len(data) {
		return fmt.Errorf("send %q: short write (%d of %d bytes)", cmd, n, len(data))
	}
	return nil
}

// drainInput discards pending device output (boot banner, command echo)
// until a read times out.
func (c *conn) drainInput() {
	buf := make([]byte, 256)
	for {
		n, err := c.port.Read(buf)
		if err != nil || n == 0 {
			return
		}
	}
}

// readVersionLine collects the device's response to the version query.
func (c *conn) readVersionLine() string {
	reader := bufio.NewReader(io.LimitReader(c.port, 256))
	line, err := reader.ReadString('\n')
	line = strings.TrimSpace(line)
	if err != nil && line == "" {
		return ""
	}
	return line
}

func (c *conn) Info() dvs.DeviceInfo { return c.info }

// SendDefaultConfig stages the known-good bias set and flushes it to the
// sensor.
func (c *conn) SendDefaultConfig() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errClosed
	}

	for i, v := range defaultBiases {
		if err := c.command(fmt.Sprintf("!B%d=%d", i, v)); err != nil {
			return err
		}
	}
	return c.command(cmdBiasFlush)
}

var errClosed = errors.New("serial device closed")

func (c *conn) ConfigSet(key dvs.ConfigKey, value uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errClosed
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

// DataStart enables the event stream and launches the reader that chops it
// into containers.
func (c *conn) DataStart() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errClosed
	}
	if c.started {
		return fmt.Errorf("data transfer already started")
	}

	if err := c.command(cmdStreamOn); err != nil {
		return err
	}

	c.started = true
	c.readErr = nil
	c.stopCh = make(chan struct{})
	c.readerDone = make(chan struct{})
	c.faultCh = make(chan struct{})
	c.containers = make(chan *dvs.PacketContainer, containerQueueLen)
	go c.readLoop(c.stopCh, c.readerDone, c.faultCh, c.containers, c.containerInterval, c.maxPacketSize)
	return nil
}

// DataStop disables the event stream, terminates the reader and wakes any
// blocked DataGet.
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

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.command(cmdStreamOff)
}

// DataGet returns the next accumulated container. In blocking mode it waits
// for the reader, a stop, or a stream fault; otherwise it returns whatever
// is queued, or (nil, nil).
func (c *conn) DataGet() (*dvs.PacketContainer, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errClosed
	}
	blocking := c.blocking
	started := c.started
	stopCh := c.stopCh
	faultCh := c.faultCh
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
		case <-faultCh:
			return nil, c.fault()
		}
	}

	// Non-blocking, or woken by a stop: drain what is already queued.
	select {
	case container := <-containers:
		return container, nil
	default:
	}
	if err := c.fault(); err != nil && started {
		return nil, err
	}
	return nil, nil
}

func (c *conn) fault() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readErr
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
		c.command(cmdStreamOff)
	}
	return c.port.Close()
}

// readLoop pulls bytes off the port, parses them into events and flushes a
// container per interval to the exchange queue. It exits on stop or on a
// port fault.
func (c *conn) readLoop(stopCh, done, faultCh chan struct{}, containers chan *dvs.PacketContainer, interval time.Duration, maxPacket uint32) {
	defer close(done)

	parser := &streamParser{}
	buf := make([]byte, 4096)
	var pending []dvs.PolarityEvent
	var specials []dvs.SpecialEvent
	lastFlush := time.Now()

	flush := func() {
		if len(pending) == 0 && len(specials) == 0 {
			return
		}
		container := &dvs.PacketContainer{}
		if maxPacket > 0 && len(pending) > int(maxPacket) {
			for start := 0; start < len(pending); start += int(maxPacket) {
				end := min(start+int(maxPacket), len(pending))
				container.Packets = append(container.Packets, dvs.BuildPolarityPackets(c.deviceID, pending[start:end])...)
			}
		} else if len(pending) > 0 {
			container.Packets = append(container.Packets, dvs.BuildPolarityPackets(c.deviceID, pending)...)
		}
		if len(specials) > 0 {
			container.Packets = append(container.Packets, dvs.BuildSpecialPackets(c.deviceID, specials)...)
		}
		pending = nil
		specials = nil

		select {
		case containers <- container:
		default:
			// Consumer is not keeping up; shed the oldest container to
			// keep the stream live.
			c.Drops.Add(1)
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

	for {
		select {
		case <-stopCh:
			flush()
			return
		default:
		}

		n, err := c.port.Read(buf)
		if err != nil {
			select {
			case <-stopCh:
				// Port errors racing a stop or close are expected.
			default:
				dvs.Logf("edvs: serial read: %v", err)
				c.mu.Lock()
				c.readErr = fmt.Errorf("serial read: %w", err)
				c.mu.Unlock()
				close(faultCh)
			}
			return
		}
		if n > 0 {
			parser.feed(buf[:n], func(e dvs.PolarityEvent) {
				pending = append(pending, e)
			}, func(e dvs.SpecialEvent) {
				specials = append(specials, e)
			})
		}

		if time.Since(lastFlush) >= interval {
			flush()
			lastFlush = time.Now()
		}
	}
}

// Ensure interface satisfaction.
var (
	_ dvs.Driver     = (*Driver)(nil)
	_ dvs.DeviceConn = (*conn)(nil)
)
