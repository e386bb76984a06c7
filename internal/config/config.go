// Package config loads the formguard configuration: defaults first,
// then an optional YAML file, then FORMGUARD_* environment overrides.
// Contract violations (negative windows, empty addresses) abort
// startup; they are never handled per-request.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"formguard/internal/security"
)

// Config is the application configuration tree.
type Config struct {
	Server  ServerConfig            `mapstructure:"server" yaml:"server"`
	Guard   security.GuardConfig    `mapstructure:"guard" yaml:"guard"`
	Events  security.EventLogConfig `mapstructure:"events" yaml:"events"`
	Session SessionConfig           `mapstructure:"session" yaml:"session"`
	Storage StorageConfig           `mapstructure:"storage" yaml:"storage"`
	Logging LoggingConfig           `mapstructure:"logging" yaml:"logging"`
}

// ServerConfig configures the HTTP shell.
type ServerConfig struct {
	ListenAddr    string        `mapstructure:"listen_addr" yaml:"listen_addr"`
	AllowedOrigin string        `mapstructure:"allowed_origin" yaml:"allowed_origin"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	// FloodRPS/FloodBurst bound raw request arrival per IP before any
	// form-level check runs.
	FloodRPS   float64 `mapstructure:"flood_rps" yaml:"flood_rps"`
	FloodBurst int     `mapstructure:"flood_burst" yaml:"flood_burst"`
	// SecureCookies marks session cookies Secure; disable only for
	// local development over plain HTTP.
	SecureCookies bool `mapstructure:"secure_cookies" yaml:"secure_cookies"`
}

// SessionConfig configures per-visitor session storage.
type SessionConfig struct {
	Lifetime time.Duration `mapstructure:"lifetime" yaml:"lifetime"`
}

// StorageConfig configures the persistent stores.
type StorageConfig struct {
	DatabasePath string `mapstructure:"database_path" yaml:"database_path"`
	// Counters selects the counter store backend: "memory" for a
	// single instance, "sqlite" when several processes share the
	// database file.
	Counters string `mapstructure:"counters" yaml:"counters"`
	// Secret signs the timing-honeypot tokens. Generated at startup
	// when empty, which invalidates in-flight forms on restart.
	Secret string `mapstructure:"secret" yaml:"secret"`
}

// LoggingConfig configures operational logging.
type LoggingConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	Encoding   string `mapstructure:"encoding" yaml:"encoding"`
	OutputPath string `mapstructure:"output_path" yaml:"output_path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:    ":8085",
			AllowedOrigin: "",
			ReadTimeout:   10 * time.Second,
			WriteTimeout:  10 * time.Second,
			FloodRPS:      10,
			FloodBurst:    20,
			SecureCookies: true,
		},
		Guard: security.DefaultGuardConfig(),
		Events: security.EventLogConfig{
			Path:       "logs/security.log",
			MaxSizeMB:  50,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
		Session: SessionConfig{Lifetime: 2 * time.Hour},
		Storage: StorageConfig{
			DatabasePath: "formguard.db",
			Counters:     "sqlite",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Encoding:   "json",
			OutputPath: "stdout",
			MaxSizeMB:  100,
			MaxBackups: 7,
			MaxAgeDays: 30,
		},
	}
}

// Load reads the configuration, layering path (optional) and
// environment variables over the defaults, and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix("FORMGUARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("server.listen_addr", d.Server.ListenAddr)
	v.SetDefault("server.allowed_origin", d.Server.AllowedOrigin)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)
	v.SetDefault("server.flood_rps", d.Server.FloodRPS)
	v.SetDefault("server.flood_burst", d.Server.FloodBurst)
	v.SetDefault("server.secure_cookies", d.Server.SecureCookies)
	v.SetDefault("guard.rate_limit_max", d.Guard.RateLimitMax)
	v.SetDefault("guard.rate_limit_window", d.Guard.RateLimitWindow)
	v.SetDefault("guard.csrf_ttl", d.Guard.CSRFTTL)
	v.SetDefault("guard.captcha_ttl", d.Guard.CaptchaTTL)
	v.SetDefault("guard.honeypot_min_delay", d.Guard.HoneypotMinDelay)
	v.SetDefault("guard.captcha_max_failures", d.Guard.CaptchaMaxFailures)
	v.SetDefault("guard.captcha_lockout", d.Guard.CaptchaLockout)
	v.SetDefault("events.path", d.Events.Path)
	v.SetDefault("events.max_size_mb", d.Events.MaxSizeMB)
	v.SetDefault("events.max_backups", d.Events.MaxBackups)
	v.SetDefault("events.max_age_days", d.Events.MaxAgeDays)
	v.SetDefault("session.lifetime", d.Session.Lifetime)
	v.SetDefault("storage.database_path", d.Storage.DatabasePath)
	v.SetDefault("storage.counters", d.Storage.Counters)
	v.SetDefault("storage.secret", d.Storage.Secret)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.encoding", d.Logging.Encoding)
	v.SetDefault("logging.output_path", d.Logging.OutputPath)
	v.SetDefault("logging.max_size_mb", d.Logging.MaxSizeMB)
	v.SetDefault("logging.max_backups", d.Logging.MaxBackups)
	v.SetDefault("logging.max_age_days", d.Logging.MaxAgeDays)
}

// Validate reports the first contract violation.
func (c *Config) Validate() error {
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server.listen_addr must not be empty")
	}
	if c.Server.FloodRPS <= 0 || c.Server.FloodBurst <= 0 {
		return fmt.Errorf("server flood limits must be positive")
	}
	if err := c.Guard.Validate(); err != nil {
		return err
	}
	if c.Session.Lifetime <= 0 {
		return fmt.Errorf("session.lifetime must be positive, got %s", c.Session.Lifetime)
	}
	switch c.Storage.Counters {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("storage.counters must be memory or sqlite, got %q", c.Storage.Counters)
	}
	if c.Storage.DatabasePath == "" {
		return fmt.Errorf("storage.database_path must not be empty")
	}
	if c.Events.Path == "" {
		return fmt.Errorf("events.path must not be empty")
	}
	return nil
}
