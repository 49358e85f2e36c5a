package infra

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the on-disk configuration, loaded from <data_dir>/config.yaml.
// Missing keys keep their defaults.
type Config struct {
	// Mode forces device or host execution; empty auto-detects.
	Mode    string `yaml:"mode" validate:"omitempty,oneof=device host"`
	Serial  string `yaml:"serial"`
	DataDir string `yaml:"data_dir"`

	OwnerID     int    `yaml:"owner_id" validate:"gte=0"`
	DeviceID    int    `yaml:"device_id" validate:"gte=0"`
	SDKOverride int    `yaml:"sdk_override" validate:"gte=0"`
	LogLevel    string `yaml:"log_level" validate:"oneof=debug info warn error"`

	Broker BrokerConfig `yaml:"broker"`
}

// BrokerConfig configures both the broker daemon and its clients.
type BrokerConfig struct {
	Package            string        `yaml:"package" validate:"required,android_package"`
	SocketPath         string        `yaml:"socket_path"`
	PingTimeout        time.Duration `yaml:"ping_timeout" validate:"gt=0"`
	AllowLocalFallback bool          `yaml:"allow_local_fallback"`
	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval" validate:"gt=0"`

	// RequestsPerMinute throttles permission requests per broker.
	RequestsPerMinute float64 `yaml:"requests_per_minute" validate:"gt=0"`
	RequestBurst      int     `yaml:"request_burst" validate:"gte=1"`
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Broker: BrokerConfig{
			Package:            BrokerPackage,
			PingTimeout:        2 * time.Second,
			AllowLocalFallback: true,
			HeartbeatInterval:  30 * time.Second,
			RequestsPerMinute:  6,
			RequestBurst:       3,
		},
	}
}

// LoadConfig reads path over the defaults. A missing file yields the
// defaults; PERMGUARD_* environment variables override both.
func LoadConfig(path string) (*Config, error) {
	return loadConfig(path, os.LookupEnv)
}

func loadConfig(path string, lookup func(string) (string, bool)) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config unmarshal: %w", err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("config load: %w", err)
	}

	if err := applyEnvOverrides(cfg, lookup); err != nil {
		return nil, err
	}
	if err := NewValidator().ValidateStruct(cfg); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func applyEnvOverrides(c *Config, lookup func(string) (string, bool)) error {
	if v, ok := lookup("PERMGUARD_MODE"); ok && v != "" {
		c.Mode = v
	}
	if v, ok := lookup("PERMGUARD_SERIAL"); ok && v != "" {
		c.Serial = v
	}
	if v, ok := lookup("PERMGUARD_DATA_DIR"); ok && v != "" {
		c.DataDir = v
	}
	if v, ok := lookup("PERMGUARD_SOCKET"); ok && v != "" {
		c.Broker.SocketPath = v
	}
	if v, ok := lookup("PERMGUARD_SDK"); ok && v != "" {
		sdk, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PERMGUARD_SDK: %w", err)
		}
		c.SDKOverride = sdk
	}
	return nil
}

// Save writes the configuration to path, creating its directory.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}

// ExecMode resolves the execution layout: an explicit mode wins over
// detection, and data_dir / socket_path relocate the defaults.
func (c *Config) ExecMode() (*ExecModeConfig, error) {
	var mode *ExecModeConfig
	switch c.Mode {
	case "":
		mode = DetectExecMode()
		if mode.Mode == ExecModeHost && c.Serial != "" {
			mode = HostModeConfig(c.Serial)
		}
	default:
		parsed, err := ParseExecMode(c.Mode)
		if err != nil {
			return nil, err
		}
		if parsed == ExecModeDevice {
			mode = DeviceModeConfig()
		} else {
			mode = HostModeConfig(c.Serial)
		}
	}

	if c.DataDir != "" {
		mode = mode.WithDataDir(c.DataDir)
	}
	if c.Broker.SocketPath != "" {
		mode.SocketPath = c.Broker.SocketPath
	}
	return mode, nil
}
