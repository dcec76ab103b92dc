// Package config loads the service configuration from a YAML file with
// environment variable overrides on top.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Journal   JournalConfig   `yaml:"journal"`
	Transport TransportConfig `yaml:"transport"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" env:"MAILKITE_LISTEN_ADDR"`

	// BaseURL is the public origin tracking links are built on. It must be
	// reachable by recipients' mail clients.
	BaseURL string `yaml:"base_url" env:"MAILKITE_BASE_URL" validate:"required,url"`

	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// DatabaseConfig contains SQLite settings.
type DatabaseConfig struct {
	Path string `yaml:"path" env:"MAILKITE_DB_PATH" validate:"required"`
}

// JournalConfig contains the webhook dedup journal settings.
type JournalConfig struct {
	Path string `yaml:"path" env:"MAILKITE_JOURNAL_PATH" validate:"required"`
}

// TransportConfig contains the delivery provider client settings.
type TransportConfig struct {
	BaseURL string        `yaml:"base_url" env:"MAILKITE_TRANSPORT_URL" validate:"required,url"`
	APIKey  string        `yaml:"api_key" env:"MAILKITE_TRANSPORT_API_KEY" validate:"required"`
	Timeout time.Duration `yaml:"timeout"`
}

// DispatchConfig contains send worker settings.
type DispatchConfig struct {
	Workers       int           `yaml:"workers" validate:"min=1,max=256"`
	MaxAttempts   int           `yaml:"max_attempts" validate:"min=1,max=10"`
	RetryInterval time.Duration `yaml:"retry_interval"`
}

// SchedulerConfig contains control loop settings.
type SchedulerConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level" env:"MAILKITE_LOG_LEVEL" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" env:"MAILKITE_LOG_FORMAT" validate:"oneof=json text"`
}

// Load reads the YAML file, applies environment overrides, fills defaults and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Config) setDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":8080"
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 30 * time.Second
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 60 * time.Second
	}

	if c.Database.Path == "" {
		c.Database.Path = "/var/lib/mailkite/mailkite.db"
	}
	if c.Journal.Path == "" {
		c.Journal.Path = "/var/lib/mailkite/events.db"
	}

	if c.Transport.Timeout == 0 {
		c.Transport.Timeout = 30 * time.Second
	}

	if c.Dispatch.Workers == 0 {
		c.Dispatch.Workers = 8
	}
	if c.Dispatch.MaxAttempts == 0 {
		c.Dispatch.MaxAttempts = 3
	}
	if c.Dispatch.RetryInterval == 0 {
		c.Dispatch.RetryInterval = 2 * time.Second
	}

	if c.Scheduler.PollInterval == 0 {
		c.Scheduler.PollInterval = 30 * time.Second
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// Validate checks the configuration after defaults are applied.
func (c *Config) Validate() error {
	return validator.New(validator.WithRequiredStructEnabled()).Struct(c)
}

// LogLevel translates the configured level to a slog level.
func (c *Config) LogLevel() slog.Level {
	switch c.Logging.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
