package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, `
micloud:
  username: user@example.com
  password: hunter2
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.MiCloud.UpdateInterval != DefaultUpdateIntervalMinutes {
		t.Errorf("expected default update interval %d, got %d",
			DefaultUpdateIntervalMinutes, cfg.MiCloud.UpdateInterval)
	}
	if cfg.MiCloud.CoordinateType != CoordinateOriginal {
		t.Errorf("expected default coordinate type %q, got %q",
			CoordinateOriginal, cfg.MiCloud.CoordinateType)
	}
	if cfg.MiCloud.LowBatteryThreshold != DefaultLowBatteryThreshold {
		t.Errorf("expected default threshold %d, got %d",
			DefaultLowBatteryThreshold, cfg.MiCloud.LowBatteryThreshold)
	}
	if cfg.MQTT.DiscoveryPrefix != "homeassistant" {
		t.Errorf("expected default discovery prefix, got %q", cfg.MQTT.DiscoveryPrefix)
	}
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("MI_PASSWORD", "s3cret")
	path := writeConfig(t, `
micloud:
  username: user@example.com
  password: ${MI_PASSWORD}
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MiCloud.Password != "s3cret" {
		t.Errorf("expected expanded password, got %q", cfg.MiCloud.Password)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid defaults with credentials", func(c *Config) {}, false},
		{"missing username", func(c *Config) { c.MiCloud.Username = "" }, true},
		{"zero interval", func(c *Config) { c.MiCloud.UpdateInterval = 0 }, true},
		{"bad coordinate type", func(c *Config) { c.MiCloud.CoordinateType = "gcj02" }, true},
		{"low battery without interval", func(c *Config) {
			c.MiCloud.LowBatteryPolling = true
			c.MiCloud.LowBatteryInterval = 0
		}, true},
		{"threshold out of range", func(c *Config) {
			c.MiCloud.LowBatteryPolling = true
			c.MiCloud.LowBatteryThreshold = 150
		}, true},
		{"mqtt enabled without broker", func(c *Config) { c.MQTT.Enabled = true }, true},
		{"mqtt enabled with broker", func(c *Config) {
			c.MQTT.Enabled = true
			c.MQTT.Broker = "mqtt://localhost:1883"
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.MiCloud.Username = "user@example.com"
			cfg.MiCloud.Password = "hunter2"
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr && err == nil {
				t.Error("expected error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"info", slog.LevelInfo, false},
		{"trace", LevelTrace, false},
		{"DEBUG", slog.LevelDebug, false},
		{" warn ", slog.LevelWarn, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"verbose", slog.LevelInfo, true},
	}

	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseLogLevel(%q): expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseLogLevel(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Error("expected error for missing explicit config")
	}
}
