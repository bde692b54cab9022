package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// MaxPresets is the largest number of reference position presets kept in a configuration.
const MaxPresets = 128

// Config represents the complete application configuration.
type Config struct {
	Mount      MountConfig      `json:"mount"`
	Feed       FeedConfig       `json:"feed"`
	Tracking   TrackingConfig   `json:"tracking"`
	Controller ControllerConfig `json:"controller"`
	Observer   ObserverConfig   `json:"observer"`
	Presets    []Preset         `json:"presets"`
	Database   DatabaseConfig   `json:"database"`

	// MetricsAddr is the listen address for the Prometheus endpoint (empty disables it)
	MetricsAddr string `json:"metrics_addr"`
}

// MountConfig selects and configures the mount driver.
type MountConfig struct {
	// Type is the mount variant: "ioptron", "alpaca" or "simulator"
	Type string `json:"type"`

	// SerialDevice is the serial port of an iOptron mount (e.g. "/dev/ttyUSB0")
	SerialDevice string `json:"serial_device"`

	// BaudRate for the serial link (iOptron mounts use 115200)
	BaudRate int `json:"baud_rate"`

	// AlpacaURL is the base URL of an ASCOM Alpaca server (e.g. "http://localhost:11111")
	AlpacaURL string `json:"alpaca_url"`

	// AlpacaDevice is the Alpaca telescope device number
	AlpacaDevice int `json:"alpaca_device"`

	// SimulatorAddr is the TCP address of a mount simulator
	SimulatorAddr string `json:"simulator_addr"`

	// PollIntervalMs is how often the axis positions are read while connected
	PollIntervalMs int `json:"poll_interval_ms"`

	// MaxTravelDeg is the cable-wrap limit per axis, measured from the zero position
	MaxTravelDeg float64 `json:"max_travel_deg"`
}

// FeedConfig configures the target telemetry feed.
type FeedConfig struct {
	// Addr is the TCP address of the target data source (e.g. "127.0.0.1:45500")
	Addr string `json:"addr"`

	// Retry controls reconnect attempts when dialing the data source
	Retry RetryConfig `json:"retry"`
}

// RetryConfig configures exponential backoff for dialing.
type RetryConfig struct {
	// MaxRetries is the maximum number of retry attempts (0 = no retries)
	MaxRetries int `json:"max_retries"`

	// InitialDelayMs is the delay before the first retry
	InitialDelayMs int `json:"initial_delay_ms"`

	// MaxDelayMs caps the delay between retries
	MaxDelayMs int `json:"max_delay_ms"`

	// Multiplier is applied to the delay after each failed attempt
	Multiplier float64 `json:"multiplier"`
}

// TrackingConfig contains the control loop parameters.
type TrackingConfig struct {
	// ControlPeriodMs is the tracking re-evaluation period
	ControlPeriodMs int `json:"control_period_ms"`

	// LogIntervalMs is the period of target-log records while tracking
	LogIntervalMs int `json:"log_interval_ms"`

	// PositionGain converts position error (degrees) into a correction rate (degrees/second)
	PositionGain float64 `json:"position_gain"`

	// SlewSpeed is the initial speed ceiling in degrees/second
	SlewSpeed float64 `json:"slew_speed_deg_per_sec"`

	// MinSlewSpeed and MaxSlewSpeed bound the speed ceiling
	MinSlewSpeed float64 `json:"min_slew_speed"`
	MaxSlewSpeed float64 `json:"max_slew_speed"`

	// SpeedStepFactor is applied by the increase/decrease speed actions
	SpeedStepFactor float64 `json:"speed_step_factor"`

	// MaxAdjustmentSpeed caps the rate of manual corrections while tracking (degrees/second)
	MaxAdjustmentSpeed float64 `json:"max_adjustment_speed"`

	// ShutdownTimeoutMs bounds the wait for the mount to disconnect on exit
	ShutdownTimeoutMs int `json:"shutdown_timeout_ms"`
}

// ControllerConfig contains the game controller bindings.
type ControllerConfig struct {
	// Device is the joystick device node (empty disables the controller)
	Device string `json:"device"`

	// ID qualifies events read from Device, matching the "[%016X]" prefix of bindings
	ID string `json:"id"`

	// DeadZone suppresses analog values whose magnitude is below it (0 = disabled)
	DeadZone float64 `json:"dead_zone"`

	// Bindings maps logical action names (e.g. "MountAxis1Pos") to physical actions (e.g. "[030000005E04000011]Button0")
	Bindings map[string]string `json:"bindings"`

	// Axis1Reversed and Axis2Reversed flip the direction of the corresponding mount axis
	Axis1Reversed bool `json:"axis1_reversed"`
	Axis2Reversed bool `json:"axis2_reversed"`
}

// ObserverConfig contains the observer's location.
type ObserverConfig struct {
	// Latitude in decimal degrees
	Latitude float64 `json:"latitude"`

	// Longitude in decimal degrees
	Longitude float64 `json:"longitude"`

	// Altitude in meters above mean sea level
	Altitude float64 `json:"altitude"`
}

// Preset is a named reference position.
type Preset struct {
	Name     string  `json:"name"`
	Azimuth  float64 `json:"azimuth"`
	Altitude float64 `json:"altitude"`
}

// DatabaseConfig contains the session recorder settings.
type DatabaseConfig struct {
	// Driver is the database driver ("postgres" or "sqlite"; empty disables recording)
	Driver string `json:"driver"`

	// DSN is the driver-specific data source name
	DSN string `json:"dsn"`
}

// Load reads configuration from a JSON file.
// If the file doesn't exist, returns a default configuration.
// Fields absent from the file keep their default values.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if file exists
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg.applyEnvironmentOverrides()
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if len(cfg.Presets) > MaxPresets {
		return nil, fmt.Errorf("too many presets: %d (max %d)", len(cfg.Presets), MaxPresets)
	}

	// Override with environment variables
	cfg.applyEnvironmentOverrides()

	return cfg, nil
}

// Save writes the configuration to a JSON file.
func (c *Config) Save(path string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Mount: MountConfig{
			Type:           "simulator",
			SerialDevice:   "/dev/ttyUSB0",
			BaudRate:       115200,
			AlpacaURL:      "http://localhost:11111",
			SimulatorAddr:  "127.0.0.1:45501",
			PollIntervalMs: 250,
			MaxTravelDeg:   360,
		},
		Feed: FeedConfig{
			Addr: "127.0.0.1:45500",
			Retry: RetryConfig{
				MaxRetries:     3,
				InitialDelayMs: 500,
				MaxDelayMs:     5000,
				Multiplier:     2.0,
			},
		},
		Tracking: TrackingConfig{
			ControlPeriodMs:    500,
			LogIntervalMs:      1000,
			PositionGain:       0.25,
			SlewSpeed:          1.0,
			MinSlewSpeed:       0.01,
			MaxSlewSpeed:       5.0,
			SpeedStepFactor:    1.5,
			MaxAdjustmentSpeed: 0.5,
			ShutdownTimeoutMs:  8000,
		},
		Controller: ControllerConfig{
			Device:   "",
			Bindings: map[string]string{},
		},
	}
}

// ControlPeriod returns the tracking re-evaluation period.
func (t TrackingConfig) ControlPeriod() time.Duration {
	return time.Duration(t.ControlPeriodMs) * time.Millisecond
}

// LogInterval returns the period of target-log records.
func (t TrackingConfig) LogInterval() time.Duration {
	return time.Duration(t.LogIntervalMs) * time.Millisecond
}

// ShutdownTimeout returns the bound on waiting for the mount to disconnect.
func (t TrackingConfig) ShutdownTimeout() time.Duration {
	return time.Duration(t.ShutdownTimeoutMs) * time.Millisecond
}

// PollInterval returns the mount position polling period.
func (m MountConfig) PollInterval() time.Duration {
	return time.Duration(m.PollIntervalMs) * time.Millisecond
}

// FindPreset returns the preset with the given name.
func (c *Config) FindPreset(name string) (Preset, bool) {
	for _, p := range c.Presets {
		if p.Name == name {
			return p, true
		}
	}
	return Preset{}, false
}

// StorePreset adds or replaces a named preset.
func (c *Config) StorePreset(p Preset) error {
	for i := range c.Presets {
		if c.Presets[i].Name == p.Name {
			c.Presets[i] = p
			return nil
		}
	}
	if len(c.Presets) >= MaxPresets {
		return fmt.Errorf("cannot store preset %q: limit of %d reached", p.Name, MaxPresets)
	}
	c.Presets = append(c.Presets, p)
	return nil
}

// applyEnvironmentOverrides applies environment variable overrides to the config.
// This lets device paths and addresses differ per machine without editing the file.
func (c *Config) applyEnvironmentOverrides() {
	if mountType := os.Getenv("TPTOOL_MOUNT_TYPE"); mountType != "" {
		c.Mount.Type = mountType
	}
	if device := os.Getenv("TPTOOL_SERIAL_DEVICE"); device != "" {
		c.Mount.SerialDevice = device
	}
	if alpacaURL := os.Getenv("TPTOOL_ALPACA_URL"); alpacaURL != "" {
		c.Mount.AlpacaURL = alpacaURL
	}
	if simAddr := os.Getenv("TPTOOL_SIMULATOR_ADDR"); simAddr != "" {
		c.Mount.SimulatorAddr = simAddr
	}
	if feedAddr := os.Getenv("TPTOOL_FEED_ADDR"); feedAddr != "" {
		c.Feed.Addr = feedAddr
	}
	if js := os.Getenv("TPTOOL_CONTROLLER_DEVICE"); js != "" {
		c.Controller.Device = js
	}
	if dsn := os.Getenv("TPTOOL_DB_DSN"); dsn != "" {
		c.Database.DSN = dsn
	}
	if speed := os.Getenv("TPTOOL_SLEW_SPEED"); speed != "" {
		if v, err := strconv.ParseFloat(speed, 64); err == nil {
			c.Tracking.SlewSpeed = v
		}
	}
}
