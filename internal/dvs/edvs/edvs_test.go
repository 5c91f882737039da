package edvs

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"

	"github.com/banshee-data/eventcam/internal/dvs"
)

// eventBytes packs one on-wire event quadruplet.
func eventBytes(y, x uint8, on bool, ts16 uint16) []byte {
	b0 := syncBit | (y & addressMask)
	b1 := x & addressMask
	if on {
		b1 |= polarityBit
	}
	return []byte{b0, b1, byte(ts16 >> 8), byte(ts16)}
}

func TestStreamParser(t *testing.T) {
	t.Run("decodes events across chunk boundaries", func(t *testing.T) {
		var got []dvs.PolarityEvent
		emit := func(e dvs.PolarityEvent) { got = append(got, e) }

		stream := append(eventBytes(10, 5, true, 100), eventBytes(11, 6, false, 200)...)
		p := &streamParser{}
		// Split mid-event to prove state survives feeds.
		p.feed(stream[:3], emit, nil)
		p.feed(stream[3:], emit, nil)

		require.Len(t, got, 2)
		assert.Equal(t, dvs.PolarityEvent{Timestamp: 100, X: 5, Y: 10, Polarity: true}, got[0])
		assert.Equal(t, dvs.PolarityEvent{Timestamp: 200, X: 6, Y: 11, Polarity: false}, got[1])
	})

	t.Run("accumulates timestamp wraps", func(t *testing.T) {
		var got []dvs.PolarityEvent
		var wraps []dvs.SpecialEvent
		p := &streamParser{}

		stream := append(eventBytes(1, 1, true, 65000), eventBytes(1, 1, true, 5)...)
		p.feed(stream, func(e dvs.PolarityEvent) { got = append(got, e) },
			func(e dvs.SpecialEvent) { wraps = append(wraps, e) })

		require.Len(t, got, 2)
		assert.Equal(t, int64(65000), got[0].Timestamp)
		assert.Equal(t, int64(65536+5), got[1].Timestamp)

		require.Len(t, wraps, 1)
		assert.Equal(t, dvs.SpecialTimestampWrap, wraps[0].Type)
		assert.Equal(t, int64(65536), wraps[0].Timestamp)
	})

	t.Run("resynchronises after garbage", func(t *testing.T) {
		var got []dvs.PolarityEvent
		p := &streamParser{}

		stream := append([]byte{0x01, 0x7F, 0x33}, eventBytes(20, 30, true, 42)...)
		p.feed(stream, func(e dvs.PolarityEvent) { got = append(got, e) }, nil)

		require.Len(t, got, 1)
		assert.Equal(t, uint16(30), got[0].X)
		assert.Equal(t, uint16(20), got[0].Y)
		assert.Equal(t, int64(3), p.SkippedBytes)
	})
}

// testDriver wires a Driver to a scripted port that answers the version
// query.
func testDriver(port *TestablePort) *Driver {
	if port.OnCommand == nil {
		port.OnCommand = func(cmd string) []byte {
			if cmd == cmdQueryVersion {
				return []byte("EDVS128_LPC2106_V14\n")
			}
			return nil
		}
	}
	return &Driver{
		Path:        "/dev/ttyUSB3",
		ResetSettle: time.Millisecond,
		OpenPort: func(string, *serial.Mode) (Port, error) {
			return port, nil
		},
	}
}

func TestOpenSetsUpDevice(t *testing.T) {
	port := NewTestablePort()
	driver := testDriver(port)

	conn, err := driver.Open(dvs.OpenOptions{DeviceID: 2})
	require.NoError(t, err)
	defer conn.Close()

	info := conn.Info()
	assert.Equal(t, int16(2), info.DeviceID)
	assert.Equal(t, "ttyUSB3", info.SerialNumber)
	assert.Equal(t, "EDVS128_LPC2106_V14", info.DeviceString)
	assert.Equal(t, 128, info.SizeX)
	assert.Equal(t, 128, info.SizeY)

	cmds := port.Commands()
	require.GreaterOrEqual(t, len(cmds), 3)
	assert.Equal(t, cmdReset, cmds[0])
	assert.Equal(t, cmdQueryVersion, cmds[1])
	assert.Equal(t, cmdEventFormat, cmds[2])
}

func TestOpenSerialRestriction(t *testing.T) {
	driver := testDriver(NewTestablePort())

	_, err := driver.Open(dvs.OpenOptions{SerialRestriction: "ttyUSB9"})
	assert.ErrorIs(t, err, dvs.ErrDeviceNotFound)

	conn, err := driver.Open(dvs.OpenOptions{SerialRestriction: "ttyUSB3"})
	require.NoError(t, err)
	conn.Close()
}

func TestOpenPortFailure(t *testing.T) {
	openErr := errors.New("ioctl failed")
	driver := &Driver{
		Path:        "/dev/ttyUSB0",
		ResetSettle: time.Millisecond,
		OpenPort: func(string, *serial.Mode) (Port, error) {
			return nil, openErr
		},
	}

	_, err := driver.Open(dvs.OpenOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, openErr)
}

func TestSendDefaultConfigStagesBiases(t *testing.T) {
	port := NewTestablePort()
	driver := testDriver(port)

	conn, err := driver.Open(dvs.OpenOptions{})
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SendDefaultConfig())

	cmds := port.Commands()
	assert.Contains(t, cmds, "!B0=1992")
	assert.Contains(t, cmds, "!B4=132")
	assert.Contains(t, cmds, "!B11=217")
	assert.Equal(t, cmdBiasFlush, cmds[len(cmds)-1])
}

func TestDataStartStopCommands(t *testing.T) {
	port := NewTestablePort()
	driver := testDriver(port)

	conn, err := driver.Open(dvs.OpenOptions{})
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.DataStart())
	assert.Contains(t, port.Commands(), cmdStreamOn)

	require.NoError(t, conn.DataStop())
	assert.Contains(t, port.Commands(), cmdStreamOff)

	// Stop without a start is a no-op.
	require.NoError(t, conn.DataStop())
}

func TestDataGetDeliversParsedContainers(t *testing.T) {
	port := NewTestablePort()
	driver := testDriver(port)

	conn, err := driver.Open(dvs.OpenOptions{DeviceID: 1})
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.ConfigSet(dvs.ConfigDataExchangeBlocking, 1))
	require.NoError(t, conn.ConfigSet(dvs.ConfigContainerInterval, 5000))
	require.NoError(t, conn.DataStart())

	stream := eventBytes(10, 5, true, 100)
	stream = append(stream, eventBytes(11, 6, false, 200)...)
	stream = append(stream, eventBytes(12, 7, true, 300)...)
	port.StreamBytes(stream)

	deadline := time.After(2 * time.Second)
	var polarity []dvs.PolarityEvent
	for len(polarity) < 3 {
		type result struct {
			container *dvs.PacketContainer
			err       error
		}
		got := make(chan result, 1)
		go func() {
			c, err := conn.DataGet()
			got <- result{c, err}
		}()

		select {
		case r := <-got:
			require.NoError(t, r.err)
			if r.container != nil {
				p, _ := dvs.DecodeContainer(r.container)
				polarity = append(polarity, p...)
			}
		case <-deadline:
			t.Fatalf("timed out, decoded %d of 3 events", len(polarity))
		}
	}

	assert.Equal(t, dvs.PolarityEvent{Timestamp: 100, X: 5, Y: 10, Polarity: true}, polarity[0])
	assert.Equal(t, dvs.PolarityEvent{Timestamp: 200, X: 6, Y: 11, Polarity: false}, polarity[1])
	assert.Equal(t, dvs.PolarityEvent{Timestamp: 300, X: 7, Y: 12, Polarity: true}, polarity[2])
}

func TestDataStopWakesBlockedGet(t *testing.T) {
	port := NewTestablePort()
	driver := testDriver(port)

	conn, err := driver.Open(dvs.OpenOptions{})
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.ConfigSet(dvs.ConfigDataExchangeBlocking, 1))
	require.NoError(t, conn.DataStart())

	fetchDone := make(chan struct{})
	go func() {
		defer close(fetchDone)
		container, err := conn.DataGet()
		assert.NoError(t, err)
		assert.Nil(t, container)
	}()

	time.Sleep(30 * time.Millisecond)
	require.NoError(t, conn.DataStop())

	select {
	case <-fetchDone:
	case <-time.After(2 * time.Second):
		t.Fatal("stop did not wake the blocked fetch")
	}
}

func TestReadFaultSurfaces(t *testing.T) {
	old := dvs.Logf
	dvs.SetLogger(t.Logf)
	defer func() { dvs.Logf = old }()

	port := NewTestablePort()
	driver := testDriver(port)

	conn, err := driver.Open(dvs.OpenOptions{})
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.ConfigSet(dvs.ConfigDataExchangeBlocking, 1))
	port.ReadError = errors.New("device unplugged")
	require.NoError(t, conn.DataStart())

	_, err = conn.DataGet()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "serial read")
}

func TestCloseIdempotent(t *testing.T) {
	port := NewTestablePort()
	driver := testDriver(port)

	conn, err := driver.Open(dvs.OpenOptions{})
	require.NoError(t, err)
	require.NoError(t, conn.DataStart())

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())
	assert.Equal(t, 1, port.CloseCalls)

	assert.Error(t, conn.DataStart())
	assert.Error(t, conn.SendDefaultConfig())
}
