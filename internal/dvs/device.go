package dvs

import "strconv"

// DeviceInfo is the static description of an opened device, captured once at
// open time. Fields mirror what the camera firmware reports.
type DeviceInfo struct {
	DeviceID        int16  // logical ID assigned at open
	Master          bool   // true when the camera drives the sync clock
	SerialNumber    string // USB serial number
	DeviceString    string // human-readable device description
	SizeX           int    // sensor array width in pixels
	SizeY           int    // sensor array height in pixels
	FirmwareVersion int16
	LogicVersion    int16
}

// OpenOptions restricts which physical device an open call may bind to.
// Zero values mean "no restriction": the first matching device wins.
type OpenOptions struct {
	DeviceID           uint16 // logical ID to assign to the opened device
	BusRestriction     uint8  // match only this USB bus number, 0 for any
	AddressRestriction uint8  // match only this USB device address, 0 for any
	SerialRestriction  string // match only this serial number, empty for any
}

// ConfigKey names a device configuration parameter.
type ConfigKey int

const (
	// ConfigDataExchangeBlocking selects blocking (1) or non-blocking (0)
	// behaviour for DataGet when no container is ready.
	ConfigDataExchangeBlocking ConfigKey = iota
	// ConfigContainerInterval sets the container accumulation interval in
	// microseconds.
	ConfigContainerInterval
	// ConfigContainerMaxPacketSize caps the number of events per packet,
	// 0 for unbounded.
	ConfigContainerMaxPacketSize
)

func (k ConfigKey) String() string {
	switch k {
	case ConfigDataExchangeBlocking:
		return "data-exchange-blocking"
	case ConfigContainerInterval:
		return "container-interval"
	case ConfigContainerMaxPacketSize:
		return "container-max-packet-size"
	default:
		return "config-key-" + strconv.Itoa(int(k))
	}
}

// Driver opens connections to a family of event cameras (one physical
// transport: USB, serial, network, simulation). Implementations map their
// transport errors onto ErrDeviceNotFound and ErrDeviceBusy so callers can
// tell absence from contention.
type Driver interface {
	// Open binds to a device matching opts. The returned connection is in
	// the configuration phase: no data flows until DataStart.
	Open(opts OpenOptions) (DeviceConn, error)
}

// DeviceConn is a single open device connection. Connections are not safe
// for concurrent use; Session provides the serialised façade.
type DeviceConn interface {
	// Info reports the device description captured at open.
	Info() DeviceInfo

	// SendDefaultConfig applies the driver's known-good baseline (biases,
	// timing) so a device works without manual tuning.
	SendDefaultConfig() error

	// ConfigSet applies one configuration parameter.
	ConfigSet(key ConfigKey, value uint32) error

	// DataStart begins event production.
	DataStart() error

	// DataStop halts event production and wakes any DataGet blocked in
	// blocking mode. Safe to call from another goroutine; this is the one
	// concurrent entry point a connection must tolerate.
	DataStop() error

	// DataGet fetches the next container. In blocking exchange mode it
	// waits until data arrives or DataStop wakes it; otherwise it returns
	// immediately. A (nil, nil) return means no data, not failure.
	DataGet() (*PacketContainer, error)

	// Close releases the device. The connection is unusable afterwards.
	Close() error
}
