package dvs

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDeviceInfo() DeviceInfo {
	return DeviceInfo{
		DeviceID:     1,
		Master:       true,
		SerialNumber: "00000042",
		DeviceString: "Test DVS 128x128",
		SizeX:        128,
		SizeY:        128,
	}
}

func TestSessionLifecycle(t *testing.T) {
	conn := NewMockConn(testDeviceInfo())
	session := NewSession(NewMockDriver(conn))

	require.NoError(t, session.Open(OpenOptions{DeviceID: 1}))

	info, err := session.Info()
	require.NoError(t, err)
	assert.Equal(t, "00000042", info.SerialNumber)
	assert.Equal(t, 128, info.SizeX)

	require.NoError(t, session.SendDefaultConfig())
	assert.Equal(t, 1, conn.DefaultConfigCalls)

	require.NoError(t, session.ConfigSet(ConfigDataExchangeBlocking, 1))
	require.Len(t, conn.ConfigSets, 1)
	assert.Equal(t, ConfigDataExchangeBlocking, conn.ConfigSets[0].Key)
	assert.Equal(t, uint32(1), conn.ConfigSets[0].Value)

	require.NoError(t, session.StartDataTransfer())
	assert.True(t, session.Streaming())

	container := &PacketContainer{
		Packets: BuildPolarityPackets(1, []PolarityEvent{{Timestamp: 10, X: 1, Y: 2, Polarity: true}}),
	}
	conn.AddContainer(container)

	got, err := session.FetchContainer()
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 1, got.EventCount())

	require.NoError(t, session.StopDataTransfer())
	assert.False(t, session.Streaming())
	assert.Equal(t, 1, conn.StopCalls)

	// After a stop, fetches report end of stream rather than failing.
	got, err = session.FetchContainer()
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, session.Close())
	assert.Equal(t, 1, conn.CloseCalls)
}

func TestSessionOpen(t *testing.T) {
	t.Run("driver errors pass through wrapped", func(t *testing.T) {
		driver := NewMockDriver(nil)
		driver.Error = ErrDeviceNotFound

		session := NewSession(driver)
		err := session.Open(OpenOptions{})
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrDeviceNotFound)
	})

	t.Run("busy device distinguishable from absent", func(t *testing.T) {
		driver := NewMockDriver(nil)
		driver.Error = ErrDeviceBusy

		session := NewSession(driver)
		err := session.Open(OpenOptions{})
		assert.ErrorIs(t, err, ErrDeviceBusy)
		assert.NotErrorIs(t, err, ErrDeviceNotFound)
	})

	t.Run("double open rejected", func(t *testing.T) {
		session := NewSession(NewMockDriver(NewMockConn(testDeviceInfo())))
		require.NoError(t, session.Open(OpenOptions{}))
		assert.Error(t, session.Open(OpenOptions{}))
	})

	t.Run("open after close rejected", func(t *testing.T) {
		session := NewSession(NewMockDriver(NewMockConn(testDeviceInfo())))
		require.NoError(t, session.Close())
		assert.ErrorIs(t, session.Open(OpenOptions{}), ErrSessionClosed)
	})

	t.Run("open restrictions reach the driver", func(t *testing.T) {
		driver := NewMockDriver(NewMockConn(testDeviceInfo()))
		session := NewSession(driver)
		opts := OpenOptions{DeviceID: 3, BusRestriction: 2, SerialRestriction: "00000042"}
		require.NoError(t, session.Open(opts))
		require.Len(t, driver.OpenCalls, 1)
		assert.Equal(t, opts, driver.OpenCalls[0])
	})
}

func TestSessionInfoAvailability(t *testing.T) {
	session := NewSession(NewMockDriver(NewMockConn(testDeviceInfo())))

	_, err := session.Info()
	assert.ErrorIs(t, err, ErrInfoUnavailable)

	require.NoError(t, session.Open(OpenOptions{}))
	info, err := session.Info()
	require.NoError(t, err)
	assert.Equal(t, "Test DVS 128x128", info.DeviceString)

	require.NoError(t, session.Close())
	_, err = session.Info()
	assert.ErrorIs(t, err, ErrInfoUnavailable)
}

func TestSessionConfigSetError(t *testing.T) {
	conn := NewMockConn(testDeviceInfo())
	conn.ConfigError = errors.New("rejected by firmware")

	session := NewSession(NewMockDriver(conn))
	require.NoError(t, session.Open(OpenOptions{}))

	err := session.ConfigSet(ConfigContainerInterval, 10000)
	require.Error(t, err)

	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, ConfigContainerInterval, cfgErr.Key)
	assert.Equal(t, uint32(10000), cfgErr.Value)
}

func TestSessionStartError(t *testing.T) {
	conn := NewMockConn(testDeviceInfo())
	conn.StartError = errors.New("no bandwidth")

	session := NewSession(NewMockDriver(conn))
	require.NoError(t, session.Open(OpenOptions{}))

	err := session.StartDataTransfer()
	require.Error(t, err)

	var startErr *StartError
	require.ErrorAs(t, err, &startErr)
	assert.False(t, session.Streaming())

	// A failed start leaves the session usable: the caller may retry.
	conn.StartError = nil
	require.NoError(t, session.StartDataTransfer())
	assert.True(t, session.Streaming())

	// And a second start while streaming is an error.
	assert.Error(t, session.StartDataTransfer())
}

func TestSessionFetchBeforeStart(t *testing.T) {
	session := NewSession(NewMockDriver(NewMockConn(testDeviceInfo())))
	require.NoError(t, session.Open(OpenOptions{}))

	_, err := session.FetchContainer()
	assert.ErrorIs(t, err, ErrNotStreaming)
}

func TestSessionStopIdempotent(t *testing.T) {
	conn := NewMockConn(testDeviceInfo())
	session := NewSession(NewMockDriver(conn))

	// Stopping before anything started is a no-op.
	require.NoError(t, session.StopDataTransfer())
	assert.Equal(t, 0, conn.StopCalls)

	require.NoError(t, session.Open(OpenOptions{}))
	require.NoError(t, session.StartDataTransfer())

	require.NoError(t, session.StopDataTransfer())
	require.NoError(t, session.StopDataTransfer())
	assert.Equal(t, 1, conn.StopCalls, "driver stop must run once per start")
}

func TestSessionCloseIdempotent(t *testing.T) {
	conn := NewMockConn(testDeviceInfo())
	session := NewSession(NewMockDriver(conn))
	require.NoError(t, session.Open(OpenOptions{}))

	require.NoError(t, session.Close())
	require.NoError(t, session.Close())
	assert.Equal(t, 1, conn.CloseCalls, "driver close must run once")

	// Post-close operations degrade cleanly.
	require.NoError(t, session.StopDataTransfer())
	_, err := session.FetchContainer()
	assert.ErrorIs(t, err, ErrSessionClosed)
	assert.ErrorIs(t, session.SendDefaultConfig(), ErrSessionClosed)
}

func TestSessionCloseWhileStreaming(t *testing.T) {
	conn := NewMockConn(testDeviceInfo())
	session := NewSession(NewMockDriver(conn))
	require.NoError(t, session.Open(OpenOptions{}))
	require.NoError(t, session.StartDataTransfer())

	require.NoError(t, session.Close())
	assert.Equal(t, 1, conn.StopCalls, "close must stop the stream first")
	assert.Equal(t, 1, conn.CloseCalls)
}

func TestSessionStopCloseSwallowDriverErrors(t *testing.T) {
	old := Logf
	SetLogger(t.Logf)
	defer func() { Logf = old }()

	conn := NewMockConn(testDeviceInfo())
	conn.StopError = errors.New("stop failed")
	conn.CloseError = errors.New("close failed")

	session := NewSession(NewMockDriver(conn))
	require.NoError(t, session.Open(OpenOptions{}))
	require.NoError(t, session.StartDataTransfer())

	assert.NoError(t, session.StopDataTransfer())
	assert.NoError(t, session.Close())
}

func TestSessionStopUnblocksBlockedFetch(t *testing.T) {
	conn := NewMockConn(testDeviceInfo())
	session := NewSession(NewMockDriver(conn))
	require.NoError(t, session.Open(OpenOptions{}))
	require.NoError(t, session.ConfigSet(ConfigDataExchangeBlocking, 1))
	require.NoError(t, session.StartDataTransfer())

	fetchDone := make(chan struct{})
	go func() {
		defer close(fetchDone)
		container, err := session.FetchContainer()
		// The stop wake-up must look like a clean end of stream.
		assert.NoError(t, err)
		assert.Nil(t, container)
	}()

	// Give the fetch time to park in the blocking driver call.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, session.StopDataTransfer())

	select {
	case <-fetchDone:
	case <-time.After(2 * time.Second):
		t.Fatal("blocked fetch was not woken by stop")
	}
}

func TestSessionFetchErrorWhileStreaming(t *testing.T) {
	conn := NewMockConn(testDeviceInfo())
	session := NewSession(NewMockDriver(conn))
	require.NoError(t, session.Open(OpenOptions{}))
	require.NoError(t, session.StartDataTransfer())

	conn.GetError = errors.New("usb transfer failed")
	_, err := session.FetchContainer()
	assert.Error(t, err, "device faults while streaming must surface")
}
