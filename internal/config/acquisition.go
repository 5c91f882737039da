package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// AcquisitionConfig represents the root configuration for an acquisition run.
// Fields are pointers so that a partial JSON file only overrides what it
// names; the Get* methods supply fallback defaults for the rest.
type AcquisitionConfig struct {
	// Exchange params
	Blocking            *bool `json:"blocking,omitempty"`
	ContainerIntervalUs *int  `json:"container_interval_us,omitempty"`
	MaxPacketSize       *int  `json:"max_packet_size,omitempty"`

	// Serial transport params (edvs driver)
	SerialPort *string `json:"serial_port,omitempty"`
	BaudRate   *int    `json:"baud_rate,omitempty"`

	// Network transport params (udp driver)
	UDPAddress *string `json:"udp_address,omitempty"`
	UDPRcvBuf  *int    `json:"udp_rcvbuf,omitempty"`

	// Monitoring params
	LogInterval *string `json:"log_interval,omitempty"` // duration string like "5s"

	// Recording params
	EvtlogPath         *string `json:"evtlog_path,omitempty"`
	PolarityDecimation *int    `json:"polarity_decimation,omitempty"`
}

// Helper functions to create pointers
func ptrBool(v bool) *bool       { return &v }
func ptrString(v string) *string { return &v }
func ptrInt(v int) *int          { return &v }

// EmptyAcquisitionConfig returns an AcquisitionConfig with all fields set to
// nil. Use LoadAcquisitionConfig to load actual values from a file.
func EmptyAcquisitionConfig() *AcquisitionConfig {
	return &AcquisitionConfig{}
}

// LoadAcquisitionConfig loads an AcquisitionConfig from a JSON file.
// The file is validated to ensure it has a .json extension and is under the
// max file size. Fields omitted from the JSON file fall back to defaults,
// so partial configs are safe.
func LoadAcquisitionConfig(path string) (*AcquisitionConfig, error) {
	// Validate the config file path.
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	// Check file size for safety (max 1MB)
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyAcquisitionConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration values are valid.
func (c *AcquisitionConfig) Validate() error {
	if c.ContainerIntervalUs != nil {
		if *c.ContainerIntervalUs <= 0 {
			return fmt.Errorf("container_interval_us must be positive, got %d", *c.ContainerIntervalUs)
		}
	}

	if c.MaxPacketSize != nil {
		if *c.MaxPacketSize < 0 {
			return fmt.Errorf("max_packet_size must be non-negative, got %d", *c.MaxPacketSize)
		}
	}

	if c.BaudRate != nil {
		if *c.BaudRate <= 0 {
			return fmt.Errorf("baud_rate must be positive, got %d", *c.BaudRate)
		}
	}

	if c.UDPRcvBuf != nil {
		if *c.UDPRcvBuf < 0 {
			return fmt.Errorf("udp_rcvbuf must be non-negative, got %d", *c.UDPRcvBuf)
		}
	}

	// Validate LogInterval can be parsed if set
	if c.LogInterval != nil && *c.LogInterval != "" {
		if _, err := time.ParseDuration(*c.LogInterval); err != nil {
			return fmt.Errorf("invalid log_interval '%s': %w", *c.LogInterval, err)
		}
	}

	if c.PolarityDecimation != nil {
		if *c.PolarityDecimation < 0 {
			return fmt.Errorf("polarity_decimation must be non-negative, got %d", *c.PolarityDecimation)
		}
	}

	return nil
}

// GetBlocking returns the blocking value or the default.
func (c *AcquisitionConfig) GetBlocking() bool {
	if c.Blocking == nil {
		return true // default: blocking exchange
	}
	return *c.Blocking
}

// GetContainerInterval returns the container interval or the default.
func (c *AcquisitionConfig) GetContainerInterval() time.Duration {
	if c.ContainerIntervalUs == nil {
		return 10 * time.Millisecond // default
	}
	return time.Duration(*c.ContainerIntervalUs) * time.Microsecond
}

// GetMaxPacketSize returns the max_packet_size value or the default.
func (c *AcquisitionConfig) GetMaxPacketSize() int {
	if c.MaxPacketSize == nil {
		return 0 // default: unbounded
	}
	return *c.MaxPacketSize
}

// GetSerialPort returns the serial_port value or the default.
func (c *AcquisitionConfig) GetSerialPort() string {
	if c.SerialPort == nil {
		return "/dev/ttyUSB0" // default
	}
	return *c.SerialPort
}

// GetBaudRate returns the baud_rate value or the default.
func (c *AcquisitionConfig) GetBaudRate() int {
	if c.BaudRate == nil {
		return 4000000 // default: the device's native 4Mbaud
	}
	return *c.BaudRate
}

// GetUDPAddress returns the udp_address value or the default.
func (c *AcquisitionConfig) GetUDPAddress() string {
	if c.UDPAddress == nil {
		return ":8308" // default
	}
	return *c.UDPAddress
}

// GetUDPRcvBuf returns the udp_rcvbuf value or the default.
func (c *AcquisitionConfig) GetUDPRcvBuf() int {
	if c.UDPRcvBuf == nil {
		return 0 // default: OS socket buffer
	}
	return *c.UDPRcvBuf
}

// GetLogInterval parses and returns the LogInterval as a time.Duration.
func (c *AcquisitionConfig) GetLogInterval() time.Duration {
	if c.LogInterval == nil || *c.LogInterval == "" {
		return 5 * time.Second // default
	}
	d, err := time.ParseDuration(*c.LogInterval)
	if err != nil {
		return 5 * time.Second // default on parse error
	}
	return d
}

// GetEvtlogPath returns the evtlog_path value or the default.
func (c *AcquisitionConfig) GetEvtlogPath() string {
	if c.EvtlogPath == nil {
		return "" // default: recording disabled
	}
	return *c.EvtlogPath
}

// GetPolarityDecimation returns the polarity_decimation value or the default.
func (c *AcquisitionConfig) GetPolarityDecimation() int {
	if c.PolarityDecimation == nil {
		return 0 // default: polarity persistence disabled
	}
	return *c.PolarityDecimation
}
