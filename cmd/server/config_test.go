package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestConfigDefaults(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.HTTPAddress != ":8080" {
		t.Errorf("HTTPAddress = %q, want :8080", cfg.Server.HTTPAddress)
	}
	if cfg.Server.MetricsAddress != ":9090" {
		t.Errorf("MetricsAddress = %q, want :9090", cfg.Server.MetricsAddress)
	}
	if cfg.Fingerprint.TopFrames != 5 {
		t.Errorf("TopFrames = %d, want 5", cfg.Fingerprint.TopFrames)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestConfigValidate_RejectsInvalidDurations(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Delivery.BaseDelay = "not-a-duration"

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for invalid delivery.base_delay")
	}
}

func TestConfigValidate_RejectsBadHashLength(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Fingerprint.HashLength = 4

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for hash_length below 8")
	}
}

func TestConfigValidate_RequiresClickHouseAddresses(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ClickHouse.Enabled = true

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error when clickhouse is enabled without addresses")
	}
}

func TestConfigValidate_RejectsUnknownLogLevel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Logging.Level = "loud"

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for unknown logging.level")
	}
}

func TestLoadConfig(t *testing.T) {
	raw := `
server:
  http_address: ":9000"
database:
  path: "/var/lib/flaretrack/flaretrack.db"
rules:
  path: "/etc/flaretrack/rules.yaml"
  watch: true
delivery:
  max_attempts: 3
  base_delay: "10s"
channels:
  slack:
    webhook_url: "https://hooks.slack.com/services/T0/B0/x"
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(raw), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.Server.HTTPAddress != ":9000" {
		t.Errorf("HTTPAddress = %q, want :9000", cfg.Server.HTTPAddress)
	}
	if cfg.Server.MetricsAddress != ":9090" {
		t.Errorf("MetricsAddress default not applied, got %q", cfg.Server.MetricsAddress)
	}
	if !cfg.Rules.Watch {
		t.Error("Rules.Watch = false, want true")
	}
	if cfg.Channels.Slack == nil || cfg.Channels.Slack.WebhookURL == "" {
		t.Error("slack channel not parsed")
	}

	dc := buildDeliveryConfig(cfg)
	if dc.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want 3", dc.MaxAttempts)
	}
	if dc.BaseDelay != 10*time.Second {
		t.Errorf("BaseDelay = %v, want 10s", dc.BaseDelay)
	}
	if dc.Multiplier != 2.0 {
		t.Errorf("Multiplier default not applied, got %v", dc.Multiplier)
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	if _, err := LoadConfig("/nonexistent/config.yaml"); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
