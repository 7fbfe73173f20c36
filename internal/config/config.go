package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/banshee-data/rris/internal/protocol"
)

// DefaultConfigPath is the path to the canonical defaults file.
const DefaultConfigPath = "config/rris.defaults.json"

// Link kinds accepted by the link field.
const (
	LinkSim    = "sim"
	LinkMock   = "mock"
	LinkSerial = "serial"
	LinkBLE    = "ble"
)

// Config is the runtime configuration. Every field is optional; the Get*
// accessors supply defaults for anything omitted from the file.
type Config struct {
	// Device
	FrequencyHz        *int    `json:"frequency_hz,omitempty"`
	DeviceVariant      *string `json:"device_variant,omitempty"`
	CaptureDuration    *string `json:"capture_duration,omitempty"` // duration string like "2s"
	ConnectTimeout     *string `json:"connect_timeout,omitempty"`
	RequireCalibration *bool   `json:"require_calibration,omitempty"`

	// Scheduler
	TickRateHz *float64 `json:"tick_rate_hz,omitempty"`

	// Link
	Link       *string `json:"link,omitempty"`
	SerialPort *string `json:"serial_port,omitempty"`
	BaudRate   *int    `json:"baud_rate,omitempty"`
	SimDevices *int    `json:"sim_devices,omitempty"`

	// Storage
	SaveDir    *string `json:"save_dir,omitempty"`
	CatalogDir *string `json:"catalog_dir,omitempty"`
	DBPath     *string `json:"db_path,omitempty"`

	// Telemetry
	MQTTURL   *string `json:"mqtt_url,omitempty"`
	MQTTTopic *string `json:"mqtt_topic,omitempty"`

	// Remote storage
	S3Bucket   *string `json:"s3_bucket,omitempty"`
	S3Region   *string `json:"s3_region,omitempty"`
	S3Endpoint *string `json:"s3_endpoint,omitempty"`
}

// Empty returns a Config with every field unset.
func Empty() *Config {
	return &Config{}
}

// LoadConfig loads a Config from a JSON file. The file must have a .json
// extension and be at most 1MB. Omitted fields keep their defaults.
func LoadConfig(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Empty()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath from the current directory
// or one of its parents. Panics if the file cannot be loaded; intended for
// tests.
func MustLoadDefaultConfig() *Config {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,
		"../../" + DefaultConfigPath,
		"../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks the values that are set.
func (c *Config) Validate() error {
	if c.FrequencyHz != nil && !protocol.ValidFrequency(*c.FrequencyHz) {
		return fmt.Errorf("frequency_hz must be one of %v, got %d", protocol.FrequencyChoices, *c.FrequencyHz)
	}
	if c.DeviceVariant != nil {
		if _, err := protocol.ParseVariant(*c.DeviceVariant); err != nil {
			return fmt.Errorf("invalid device_variant: %w", err)
		}
	}
	for name, v := range map[string]*string{
		"capture_duration": c.CaptureDuration,
		"connect_timeout":  c.ConnectTimeout,
	} {
		if v == nil || *v == "" {
			continue
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	if c.TickRateHz != nil && (*c.TickRateHz < 1 || *c.TickRateHz > 20) {
		return fmt.Errorf("tick_rate_hz must be between 1 and 20, got %g", *c.TickRateHz)
	}
	if c.Link != nil {
		switch *c.Link {
		case LinkSim, LinkMock, LinkSerial, LinkBLE:
		default:
			return fmt.Errorf("link must be one of sim, mock, serial, ble; got %q", *c.Link)
		}
	}
	if c.BaudRate != nil && *c.BaudRate < 0 {
		return fmt.Errorf("baud_rate must be non-negative, got %d", *c.BaudRate)
	}
	if c.SimDevices != nil && (*c.SimDevices < 1 || *c.SimDevices > 8) {
		return fmt.Errorf("sim_devices must be between 1 and 8, got %d", *c.SimDevices)
	}
	return nil
}

// GetFrequencyHz returns the initial sampling rate, or 0 when the operator
// must pick one before devices are configured.
func (c *Config) GetFrequencyHz() int {
	if c.FrequencyHz == nil {
		return 0
	}
	return *c.FrequencyHz
}

// GetDeviceVariant returns the notification layout.
func (c *Config) GetDeviceVariant() protocol.Variant {
	if c.DeviceVariant == nil {
		return protocol.VariantFull
	}
	v, err := protocol.ParseVariant(*c.DeviceVariant)
	if err != nil {
		return protocol.VariantFull
	}
	return v
}

// GetCaptureDuration returns how long a calibration capture samples.
func (c *Config) GetCaptureDuration() time.Duration {
	return parseDuration(c.CaptureDuration, 2*time.Second)
}

// GetConnectTimeout bounds connecting and configuring one device.
func (c *Config) GetConnectTimeout() time.Duration {
	return parseDuration(c.ConnectTimeout, 30*time.Second)
}

// GetRequireCalibration reports whether recording needs a derived calibration.
func (c *Config) GetRequireCalibration() bool {
	if c.RequireCalibration == nil {
		return true
	}
	return *c.RequireCalibration
}

// GetTickRateHz returns the live update rate.
func (c *Config) GetTickRateHz() float64 {
	if c.TickRateHz == nil {
		return 10
	}
	return *c.TickRateHz
}

// GetLink returns the device link kind.
func (c *Config) GetLink() string {
	if c.Link == nil {
		return LinkSim
	}
	return *c.Link
}

// GetSerialPort returns the bridge serial device path.
func (c *Config) GetSerialPort() string {
	if c.SerialPort == nil {
		return "/dev/ttyUSB0"
	}
	return *c.SerialPort
}

// GetBaudRate returns the bridge baud rate; 0 selects the link default.
func (c *Config) GetBaudRate() int {
	if c.BaudRate == nil {
		return 0
	}
	return *c.BaudRate
}

// GetSimDevices returns how many simulated braces the sim link offers.
func (c *Config) GetSimDevices() int {
	if c.SimDevices == nil {
		return 2
	}
	return *c.SimDevices
}

// GetSaveDir returns where recordings are written.
func (c *Config) GetSaveDir() string {
	return stringOr(c.SaveDir, "recordings")
}

// GetCatalogDir returns where the per-day catalogs live. It defaults to the
// save directory.
func (c *Config) GetCatalogDir() string {
	return stringOr(c.CatalogDir, c.GetSaveDir())
}

// GetDBPath returns the sqlite archive path. Empty disables archiving.
func (c *Config) GetDBPath() string {
	return stringOr(c.DBPath, "rris.db")
}

// GetMQTTURL returns the broker URL. Empty disables publishing.
func (c *Config) GetMQTTURL() string {
	return stringOr(c.MQTTURL, "")
}

// GetMQTTTopic returns the topic prefix for live telemetry.
func (c *Config) GetMQTTTopic() string {
	return stringOr(c.MQTTTopic, "rris")
}

// GetS3Bucket returns the upload bucket.
func (c *Config) GetS3Bucket() string {
	return stringOr(c.S3Bucket, "neatsens-test-bucket")
}

// GetS3Region returns the upload region.
func (c *Config) GetS3Region() string {
	return stringOr(c.S3Region, "us-east-1")
}

// GetS3Endpoint returns a custom S3 endpoint, empty for AWS.
func (c *Config) GetS3Endpoint() string {
	return stringOr(c.S3Endpoint, "")
}

func parseDuration(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func stringOr(v *string, def string) string {
	if v == nil {
		return def
	}
	return *v
}
