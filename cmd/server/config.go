// Package main provides the FlareTrack server CLI.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/flaretrack/flaretrack/internal/fingerprint"
)

// Config represents the server configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	ClickHouse  ClickHouseConfig  `yaml:"clickhouse"`
	Rules       RulesConfig       `yaml:"rules"`
	Queue       QueueConfig       `yaml:"queue"`
	Worker      WorkerConfig      `yaml:"worker"`
	Delivery    DeliveryConfig    `yaml:"delivery"`
	Fingerprint FingerprintConfig `yaml:"fingerprint"`
	Channels    ChannelsConfig    `yaml:"channels"`
	Logging     LoggingConfig     `yaml:"logging"`
	Verbose     bool              `yaml:"-"` // set via CLI flag
}

// LoggingConfig contains log output settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // trace, debug, info, warn, error
	Pretty bool   `yaml:"pretty"` // human-readable console output
}

// ServerConfig contains listen addresses.
type ServerConfig struct {
	HTTPAddress    string `yaml:"http_address"`    // ingest/ops API (default: :8080)
	MetricsAddress string `yaml:"metrics_address"` // Prometheus metrics (default: :9090)
}

// DatabaseConfig contains primary store settings.
type DatabaseConfig struct {
	Path string `yaml:"path"` // SQLite database file
}

// ClickHouseConfig contains optional analytical archive settings.
type ClickHouseConfig struct {
	Enabled       bool     `yaml:"enabled"`
	Addresses     []string `yaml:"addresses"`
	Database      string   `yaml:"database"`
	Username      string   `yaml:"username"`
	Password      string   `yaml:"password"`
	Compression   bool     `yaml:"compression"`
	RetentionDays int      `yaml:"retention_days"`
	BatchSize     int      `yaml:"batch_size"`
	FlushInterval string   `yaml:"flush_interval"` // e.g. "5s"
}

// RulesConfig contains notification rule settings.
type RulesConfig struct {
	Path  string `yaml:"path"`  // rules YAML file
	Watch bool   `yaml:"watch"` // hot-reload on changes
}

// QueueConfig contains task queue settings.
type QueueConfig struct {
	Visibility string `yaml:"visibility"` // lease duration, e.g. "2m"
}

// WorkerConfig contains processing pool settings.
type WorkerConfig struct {
	Workers         int    `yaml:"workers"`
	MaxTaskAttempts int    `yaml:"max_task_attempts"`
	RetryDelay      string `yaml:"retry_delay"`
	SweepSchedule   string `yaml:"sweep_schedule"` // cron spec, e.g. "@every 1m"
	SweepStaleAfter string `yaml:"sweep_stale_after"`
}

// DeliveryConfig contains notification delivery settings.
type DeliveryConfig struct {
	Workers          int     `yaml:"workers"`
	MaxAttempts      int     `yaml:"max_attempts"`
	BaseDelay        string  `yaml:"base_delay"`
	Multiplier       float64 `yaml:"multiplier"`
	MaxElapsed       string  `yaml:"max_elapsed"`
	BreakerThreshold int     `yaml:"breaker_threshold"`
	BreakerCooldown  string  `yaml:"breaker_cooldown"`
	RatePerMinute    int     `yaml:"rate_per_minute"`
	RateBurst        int     `yaml:"rate_burst"`
}

// FingerprintConfig contains grouping settings.
type FingerprintConfig struct {
	TopFrames      int      `yaml:"top_frames"`
	HashLength     int      `yaml:"hash_length"`
	VendorPatterns []string `yaml:"vendor_patterns"`
}

// ChannelsConfig contains notification channel credentials.
type ChannelsConfig struct {
	Slack   *SlackChannelConfig   `yaml:"slack,omitempty"`
	Email   *EmailChannelConfig   `yaml:"email,omitempty"`
	Webhook *WebhookChannelConfig `yaml:"webhook,omitempty"`
}

// SlackChannelConfig configures the Slack channel.
type SlackChannelConfig struct {
	WebhookURL string `yaml:"webhook_url"`
}

// EmailChannelConfig configures the SMTP channel.
type EmailChannelConfig struct {
	Host       string   `yaml:"host"`
	Port       int      `yaml:"port"`
	Username   string   `yaml:"username"`
	Password   string   `yaml:"password"`
	From       string   `yaml:"from"`
	Recipients []string `yaml:"recipients"`
}

// WebhookChannelConfig configures the generic webhook channel.
type WebhookChannelConfig struct {
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`
}

// LoadConfig loads configuration from a YAML file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.setDefaults()
	return cfg
}

// setDefaults sets default values for missing config fields.
func (c *Config) setDefaults() {
	if c.Server.HTTPAddress == "" {
		c.Server.HTTPAddress = ":8080"
	}
	if c.Server.MetricsAddress == "" {
		c.Server.MetricsAddress = ":9090"
	}
	if c.Database.Path == "" {
		c.Database.Path = "flaretrack.db"
	}
	if c.Rules.Path == "" {
		c.Rules.Path = "rules.yaml"
	}
	if c.Queue.Visibility == "" {
		c.Queue.Visibility = "2m"
	}
	if c.Fingerprint.TopFrames == 0 {
		c.Fingerprint.TopFrames = 5
	}
	if c.Fingerprint.HashLength == 0 {
		c.Fingerprint.HashLength = 64
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Rules.Path == "" {
		return fmt.Errorf("rules.path is required")
	}

	for name, raw := range map[string]string{
		"queue.visibility":          c.Queue.Visibility,
		"worker.retry_delay":        c.Worker.RetryDelay,
		"worker.sweep_stale_after":  c.Worker.SweepStaleAfter,
		"delivery.base_delay":       c.Delivery.BaseDelay,
		"delivery.max_elapsed":      c.Delivery.MaxElapsed,
		"delivery.breaker_cooldown": c.Delivery.BreakerCooldown,
		"clickhouse.flush_interval": c.ClickHouse.FlushInterval,
	} {
		if raw == "" {
			continue
		}
		if _, err := time.ParseDuration(raw); err != nil {
			return fmt.Errorf("%s: invalid duration %q: %w", name, raw, err)
		}
	}

	if c.Fingerprint.HashLength < 8 || c.Fingerprint.HashLength > 64 {
		return fmt.Errorf("fingerprint.hash_length must be between 8 and 64")
	}

	if c.ClickHouse.Enabled && len(c.ClickHouse.Addresses) == 0 {
		return fmt.Errorf("clickhouse.addresses is required when clickhouse is enabled")
	}

	if _, err := zerolog.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	return nil
}

// duration parses a validated duration string, returning def when unset.
func duration(raw string, def time.Duration) time.Duration {
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

// FingerprintEngineConfig builds the fingerprint engine settings.
func (c *Config) FingerprintEngineConfig() fingerprint.Config {
	fc := fingerprint.DefaultConfig()
	if c.Fingerprint.TopFrames > 0 {
		fc.TopFrames = c.Fingerprint.TopFrames
	}
	if c.Fingerprint.HashLength > 0 {
		fc.HashLength = c.Fingerprint.HashLength
	}
	if len(c.Fingerprint.VendorPatterns) > 0 {
		fc.VendorPatterns = c.Fingerprint.VendorPatterns
	}
	return fc
}
