// Package config handles micloud-bridge configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Polling defaults, matching the stock Mi Cloud web client behavior.
const (
	DefaultUpdateIntervalMinutes = 3
	DefaultLowBatteryThreshold   = 40
	DefaultLowBatteryInterval    = 10
)

// Coordinate system selections for harvested GPS fixes.
const (
	CoordinateOriginal = "original"
	CoordinateGoogle   = "google"
	CoordinateBaidu    = "baidu"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/micloud-bridge/config.yaml,
// /etc/micloud-bridge/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "micloud-bridge", "config.yaml"))
	}

	paths = append(paths, "/etc/micloud-bridge/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all micloud-bridge configuration.
type Config struct {
	Listen    ListenConfig  `yaml:"listen"`
	MiCloud   MiCloudConfig `yaml:"micloud"`
	MQTT      MQTTConfig    `yaml:"mqtt"`
	DataDir   string        `yaml:"data_dir"`
	LogLevel  string        `yaml:"log_level"`
	LogFormat string        `yaml:"log_format"` // "text" (default) or "json"
}

// ListenConfig defines the local HTTP API settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// MiCloudConfig defines the Mi account and polling settings.
type MiCloudConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// UpdateInterval is the normal polling interval in minutes (>= 1).
	UpdateInterval int `yaml:"update_interval"`

	// CoordinateType selects the harvested coordinate representation:
	// "original", "google" or "baidu".
	CoordinateType string `yaml:"coordinate_type"`

	// GeocodingAPIKey is passed through to downstream address consumers
	// untouched. The coordinator itself never uses it.
	GeocodingAPIKey string `yaml:"geocoding_api_key"`

	// LowBatteryPolling enables the adaptive polling interval.
	LowBatteryPolling bool `yaml:"low_battery_polling"`

	// LowBatteryThreshold is the battery percentage strictly below which
	// a device counts as low.
	LowBatteryThreshold int `yaml:"low_battery_threshold"`

	// LowBatteryInterval is the polling interval in minutes while any
	// device is below the threshold.
	LowBatteryInterval int `yaml:"low_battery_interval"`
}

// MQTTConfig defines the Home Assistant MQTT bridge settings.
type MQTTConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Broker     string `yaml:"broker"` // e.g. mqtt://homeassistant.local:1883
	Username   string `yaml:"username"`
	Password   string `yaml:"password"`
	DeviceName string `yaml:"device_name"` // HA device name (default: "Mi Cloud Bridge")

	// DiscoveryPrefix is the HA MQTT discovery prefix (default: "homeassistant").
	DiscoveryPrefix string `yaml:"discovery_prefix"`
}

// Configured reports whether the MQTT bridge should be started.
func (m MQTTConfig) Configured() bool {
	return m.Enabled && m.Broker != "" && m.DeviceName != ""
}

// Validate checks constraints the rest of the program assumes.
func (c *Config) Validate() error {
	if c.MiCloud.Username == "" || c.MiCloud.Password == "" {
		return fmt.Errorf("micloud.username and micloud.password are required")
	}
	if c.MiCloud.UpdateInterval < 1 {
		return fmt.Errorf("micloud.update_interval must be at least 1 minute, got %d", c.MiCloud.UpdateInterval)
	}
	switch c.MiCloud.CoordinateType {
	case CoordinateOriginal, CoordinateGoogle, CoordinateBaidu:
	default:
		return fmt.Errorf("micloud.coordinate_type must be one of original, google, baidu; got %q", c.MiCloud.CoordinateType)
	}
	if c.MiCloud.LowBatteryPolling {
		if c.MiCloud.LowBatteryThreshold < 1 || c.MiCloud.LowBatteryThreshold > 100 {
			return fmt.Errorf("micloud.low_battery_threshold must be 1-100, got %d", c.MiCloud.LowBatteryThreshold)
		}
		if c.MiCloud.LowBatteryInterval < 1 {
			return fmt.Errorf("micloud.low_battery_interval must be at least 1 minute, got %d", c.MiCloud.LowBatteryInterval)
		}
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt.enabled is true")
	}
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	return nil
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{Port: 8095},
		MiCloud: MiCloudConfig{
			UpdateInterval:      DefaultUpdateIntervalMinutes,
			CoordinateType:      CoordinateOriginal,
			LowBatteryThreshold: DefaultLowBatteryThreshold,
			LowBatteryInterval:  DefaultLowBatteryInterval,
		},
		MQTT: MQTTConfig{
			DeviceName:      "Mi Cloud Bridge",
			DiscoveryPrefix: "homeassistant",
		},
	}
}
