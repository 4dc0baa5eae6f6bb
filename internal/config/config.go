// Package config provides YAML configuration loading and validation for the
// BMKG Alert daemon.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration structure for the BMKG Alert daemon.
type Config struct {
	// DatabaseURL is the PostgreSQL connection string for the state store.
	// Required.
	DatabaseURL string `yaml:"database_url"`

	// BMKG holds connection settings for the upstream nowcast API.
	BMKG BMKGConfig `yaml:"bmkg"`

	// HTTPAddr is the listen address for the admin REST API
	// (e.g. "127.0.0.1:8080"). Defaults to "127.0.0.1:8080" when omitted.
	HTTPAddr string `yaml:"http_addr"`

	// JWTPublicKeyPath is the path to the PEM-encoded RSA public key used to
	// verify admin API bearer tokens. When empty, JWT validation is disabled
	// (useful for local/demo deployments).
	JWTPublicKeyPath string `yaml:"jwt_public_key_path"`

	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`

	// DemoMode logs every outbound notification instead of delivering it.
	// Intended for evaluating the engine against the public BMKG API
	// without spamming real channels.
	DemoMode bool `yaml:"demo_mode"`

	// AuditLogPath is the file path of the tamper-evident activity log.
	// Defaults to "activity.log" when omitted.
	AuditLogPath string `yaml:"audit_log_path"`

	// Trial configures the 24-hour Telegram trial subscription subsystem.
	Trial TrialConfig `yaml:"trial"`

	// QuietHours holds the default quiet-hours policy. Individual values are
	// also readable/writable at runtime through the `config` store table;
	// these are only the bootstrap defaults seeded on first run.
	QuietHours QuietHoursConfig `yaml:"quiet_hours"`

	// PollIntervalSeconds is the bootstrap default for the `poll_interval`
	// config key (seconds between engine cycles). Defaults to 300.
	PollIntervalSeconds int `yaml:"poll_interval_seconds"`

	// SMTP holds global SMTP defaults used by the email channel sender when
	// a channel's own config does not override them.
	SMTP SMTPConfig `yaml:"smtp"`
}

// BMKGConfig configures the upstream nowcast API client.
type BMKGConfig struct {
	// BaseURL is the root of the BMKG nowcast REST API. Required.
	BaseURL string `yaml:"base_url"`

	// Timeout bounds every request made to the upstream API. Defaults to
	// 30 seconds when omitted.
	Timeout time.Duration `yaml:"timeout"`
}

// TrialConfig configures the public trial-registration subsystem.
type TrialConfig struct {
	// Enabled toggles whether the /trial routes are mounted at all.
	Enabled bool `yaml:"enabled"`

	// TelegramBotToken is the bot token used both for trial confirmation
	// messages and for matched trial notifications during the poll cycle.
	// When empty, the engine skips the trial sub-pipeline entirely.
	TelegramBotToken string `yaml:"telegram_bot_token"`

	// MaxRegistrationsPerIPPerHour bounds trial registrations from a single
	// source IP within a rolling hour. Defaults to 5.
	MaxRegistrationsPerIPPerHour int `yaml:"max_registrations_per_ip_per_hour"`
}

// QuietHoursConfig holds the bootstrap defaults for the quiet-hours policy.
// Runtime behavior reads these as string config keys from the store; this
// struct only seeds their initial values.
type QuietHoursConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Start           string `yaml:"start"` // "HH:MM", local (UTC+7) wall clock
	End             string `yaml:"end"`
	OverrideSevere  bool   `yaml:"override_severe"`
}

// SMTPConfig holds global SMTP server defaults for the email channel sender.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
}

// validLogLevels is the set of accepted log level strings.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// LoadConfig reads the YAML file at path, unmarshals it into Config, applies
// defaults, and validates all required fields. On validation failure it
// returns a wrapped error that joins every problem encountered.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}

// applyDefaults fills in zero-value optional fields with sensible defaults.
func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = "127.0.0.1:8080"
	}
	if cfg.AuditLogPath == "" {
		cfg.AuditLogPath = "activity.log"
	}
	if cfg.BMKG.Timeout <= 0 {
		cfg.BMKG.Timeout = 30 * time.Second
	}
	if cfg.PollIntervalSeconds <= 0 {
		cfg.PollIntervalSeconds = 300
	}
	if cfg.Trial.MaxRegistrationsPerIPPerHour <= 0 {
		cfg.Trial.MaxRegistrationsPerIPPerHour = 5
	}
	if cfg.QuietHours.Start == "" {
		cfg.QuietHours.Start = "22:00"
	}
	if cfg.QuietHours.End == "" {
		cfg.QuietHours.End = "06:00"
	}
}

// validate checks that all required fields are populated and that enumerated
// fields contain only valid values. It accumulates every problem found.
func validate(cfg *Config) error {
	var errs []error

	if cfg.DatabaseURL == "" {
		errs = append(errs, errors.New("database_url is required"))
	}
	if cfg.BMKG.BaseURL == "" {
		errs = append(errs, errors.New("bmkg.base_url is required"))
	}
	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}
	if cfg.Trial.Enabled && cfg.Trial.TelegramBotToken == "" {
		errs = append(errs, errors.New("trial.telegram_bot_token is required when trial.enabled is true"))
	}

	return errors.Join(errs...)
}
