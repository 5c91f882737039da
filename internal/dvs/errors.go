package dvs

import "errors"

// ErrDeviceNotFound is returned by a driver when no matching device is
// connected or enumeration fails.
var ErrDeviceNotFound = errors.New("device not found")

// ErrDeviceBusy is returned by a driver when the device exists but is held
// by another process or session.
var ErrDeviceBusy = errors.New("device busy")

// ErrInfoUnavailable is returned when device information is requested before
// the device is opened or after it is closed.
var ErrInfoUnavailable = errors.New("device info unavailable")

// ErrSessionClosed is returned by session operations after Close.
var ErrSessionClosed = errors.New("session closed")

// ErrNotStreaming is returned by FetchContainer before data transfer has
// been started.
var ErrNotStreaming = errors.New("data transfer not started")

// ConfigError wraps a failure to apply a configuration parameter, carrying
// the key and value that were rejected.
type ConfigError struct {
	Key   ConfigKey
	Value uint32
	Err   error
}

func (e *ConfigError) Error() string {
	return "config " + e.Key.String() + " failed: " + e.Err.Error()
}

func (e *ConfigError) Unwrap() error { return e.Err }

// StartError wraps a failure to begin data transfer on an opened device.
type StartError struct {
	Err error
}

func (e *StartError) Error() string { return "data transfer start failed: " + e.Err.Error() }

func (e *StartError) Unwrap() error { return e.Err }
