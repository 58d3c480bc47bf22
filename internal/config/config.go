package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/livinlefevreloca/cadence/internal/db"
)

// Config represents the application configuration
type Config struct {
	Database  db.Config       `toml:"database" yaml:"database"`
	Pipeline  Pipeline        `toml:"pipeline" yaml:"pipeline"`
	Scheduler SchedulerConfig `toml:"scheduler" yaml:"scheduler"`
	Notify    NotifyConfig    `toml:"notify" yaml:"notify"`
	Lock      LockConfig      `toml:"lock" yaml:"lock"`
	Metrics   MetricsConfig   `toml:"metrics" yaml:"metrics"`
	Logging   LoggingConfig   `toml:"logging" yaml:"logging"`
}

// SchedulerConfig holds the cron trigger settings
type SchedulerConfig struct {
	Schedule    string        `toml:"schedule" yaml:"schedule"`
	RunOnStart  bool          `toml:"run_on_start" yaml:"run_on_start"`
	TickTimeout time.Duration `toml:"tick_timeout" yaml:"tick_timeout"`
	Janitor     bool          `toml:"janitor" yaml:"janitor"`
}

// NotifyConfig selects the notification channels. Every configured channel
// receives every message.
type NotifyConfig struct {
	OnFailure bool          `toml:"on_failure" yaml:"on_failure"`
	OnGap     bool          `toml:"on_gap" yaml:"on_gap"`
	Timeout   time.Duration `toml:"timeout" yaml:"timeout"`
	Slack     SlackConfig   `toml:"slack" yaml:"slack"`
	Webhook   WebhookConfig `toml:"webhook" yaml:"webhook"`
	SMTP      SMTPConfig    `toml:"smtp" yaml:"smtp"`
}

// SlackConfig holds incoming-webhook settings
type SlackConfig struct {
	WebhookURL string `toml:"webhook_url" yaml:"webhook_url"`
	Channel    string `toml:"channel" yaml:"channel"`
	Username   string `toml:"username" yaml:"username"`
}

// WebhookConfig holds a generic JSON webhook
type WebhookConfig struct {
	URL     string            `toml:"url" yaml:"url"`
	Headers map[string]string `toml:"headers" yaml:"headers"`
	Retries int               `toml:"retries" yaml:"retries"`
}

// SMTPConfig holds mail delivery settings
type SMTPConfig struct {
	Host     string   `toml:"host" yaml:"host"`
	Port     int      `toml:"port" yaml:"port"`
	Username string   `toml:"username" yaml:"username"`
	Password string   `toml:"password" yaml:"password"`
	From     string   `toml:"from" yaml:"from"`
	To       []string `toml:"to" yaml:"to"`
}

// LockConfig selects the tick lock backend
type LockConfig struct {
	Backend   string        `toml:"backend" yaml:"backend"`
	RedisAddr string        `toml:"redis_addr" yaml:"redis_addr"`
	Password  string        `toml:"password" yaml:"password"`
	DB        int           `toml:"db" yaml:"db"`
	KeyPrefix string        `toml:"key_prefix" yaml:"key_prefix"`
	TTL       time.Duration `toml:"ttl" yaml:"ttl"`
}

// MetricsConfig holds metrics/monitoring settings
type MetricsConfig struct {
	Enabled   bool   `toml:"enabled" yaml:"enabled"`
	Address   string `toml:"address" yaml:"address"`
	Port      int    `toml:"port" yaml:"port"`
	Namespace string `toml:"namespace" yaml:"namespace"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `toml:"level" yaml:"level"`
	Format string `toml:"format" yaml:"format"`
	File   string `toml:"file" yaml:"file"`
}

// Lock backends
const (
	LockNone  = "none"
	LockRedis = "redis"
)

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Database: db.Config{
			Driver:          db.DriverSQLite,
			DSN:             "cadence.db",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			ConnMaxIdleTime: 5 * time.Minute,
			SkipMigrations:  false,
		},
		Pipeline: DefaultPipeline(),
		Scheduler: SchedulerConfig{
			Schedule:    "5 * * * *",
			RunOnStart:  false,
			TickTimeout: 55 * time.Minute,
			Janitor:     true,
		},
		Notify: NotifyConfig{
			OnFailure: true,
			OnGap:     true,
			Timeout:   10 * time.Second,
			SMTP:      SMTPConfig{Port: 587},
		},
		Lock: LockConfig{
			Backend:   LockNone,
			RedisAddr: "localhost:6379",
			KeyPrefix: "cadence:lock:",
			TTL:       time.Hour,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Address:   "0.0.0.0",
			Port:      9090,
			Namespace: "cadence",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// LoadFromFile loads configuration from a TOML or YAML file, chosen by
// extension. Unset fields keep their defaults.
func LoadFromFile(path string) (*Config, error) {
	// Start with defaults
	config := DefaultConfig()

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, errors.Newf("config file does not exist: %s", path)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reading config file %s", path)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		// Phases replace the default list rather than merging into it.
		config.Pipeline.Phases = nil
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, errors.Wrap(err, "failed to parse config file")
		}
		if config.Pipeline.Phases == nil {
			config.Pipeline.Phases = DefaultPhases()
		}
	default:
		if _, err := toml.Decode(string(data), config); err != nil {
			return nil, errors.Wrap(err, "failed to parse config file")
		}
	}

	return config, nil
}

// LoadConfig loads configuration with the following precedence:
// 1. Default values
// 2. Config file (if specified)
// 3. CADENCE_DATABASE_DSN from the environment
// 4. Command-line flags (handled by caller)
func LoadConfig(configPath string) (*Config, error) {
	// Start with defaults
	config := DefaultConfig()

	if configPath != "" {
		fileConfig, err := LoadFromFile(configPath)
		if err != nil {
			return nil, err
		}
		config = fileConfig
	}

	if dsn := os.Getenv("CADENCE_DATABASE_DSN"); dsn != "" {
		config.Database.DSN = dsn
	}

	return config, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Database validation
	if _, err := db.NormalizeDriver(c.Database.Driver); err != nil {
		return errors.Newf("unsupported database driver: %s (must be sqlite3 or postgres)", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return errors.New("database DSN must be specified")
	}

	if err := c.Pipeline.Validate(); err != nil {
		return errors.Wrap(err, "pipeline")
	}

	// Scheduler validation
	if strings.TrimSpace(c.Scheduler.Schedule) == "" {
		return errors.New("scheduler schedule must be specified")
	}
	sched, err := cron.ParseStandard(c.Scheduler.Schedule)
	if err != nil {
		return errors.Wrapf(err, "scheduler schedule %q", c.Scheduler.Schedule)
	}
	if sched.Next(time.Now()).IsZero() {
		return errors.Newf("scheduler schedule %q never fires", c.Scheduler.Schedule)
	}
	if c.Scheduler.TickTimeout < 0 {
		return errors.New("scheduler tick_timeout must not be negative")
	}

	// Notify validation
	if c.Notify.SMTP.Host != "" {
		if c.Notify.SMTP.From == "" || len(c.Notify.SMTP.To) == 0 {
			return errors.New("notify smtp requires from and to")
		}
		if c.Notify.SMTP.Port <= 0 || c.Notify.SMTP.Port > 65535 {
			return errors.New("notify smtp port must be between 1 and 65535")
		}
	}
	if c.Notify.Webhook.Retries < 0 {
		return errors.New("notify webhook retries must not be negative")
	}

	// Lock validation
	switch c.Lock.Backend {
	case "", LockNone:
	case LockRedis:
		if c.Lock.RedisAddr == "" {
			return errors.New("lock redis_addr must be specified for the redis backend")
		}
		if c.Lock.TTL <= 0 {
			return errors.New("lock ttl must be positive")
		}
	default:
		return errors.Newf("unsupported lock backend: %s (must be none or redis)", c.Lock.Backend)
	}

	// Metrics validation
	if c.Metrics.Enabled {
		if c.Metrics.Port <= 0 || c.Metrics.Port > 65535 {
			return errors.New("metrics port must be between 1 and 65535")
		}
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return errors.Newf("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return errors.Newf("invalid log format: %s (must be json or text)", c.Logging.Format)
	}

	return nil
}
