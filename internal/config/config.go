// Package config loads the service configuration from a YAML file and
// AGENCYCACHE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/quualle/AgencyReporter/internal/bulk"
	"github.com/quualle/AgencyReporter/internal/cache"
	"github.com/quualle/AgencyReporter/internal/database"
	"github.com/quualle/AgencyReporter/internal/logger"
	"github.com/quualle/AgencyReporter/internal/preload"
	"github.com/quualle/AgencyReporter/internal/reportcache"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server       ServerConfig       `yaml:"server" envPrefix:"SERVER_"`
	Database     database.Config    `yaml:"database" envPrefix:"DATABASE_"`
	Cache        CacheConfig        `yaml:"cache" envPrefix:"CACHE_"`
	Freshness    FreshnessConfig    `yaml:"freshness" envPrefix:"FRESHNESS_"`
	Preload      PreloadConfig      `yaml:"preload" envPrefix:"PRELOAD_"`
	Housekeeping HousekeepingConfig `yaml:"housekeeping" envPrefix:"HOUSEKEEPING_"`
	Admin        AdminConfig        `yaml:"admin" envPrefix:"ADMIN_"`
	Log          logger.Config      `yaml:"log" envPrefix:"LOG_"`
}

type ServerConfig struct {
	Port         int           `yaml:"port" env:"PORT"`
	ReadTimeout  time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
}

type CacheConfig struct {
	// DefaultTTLHours applies to datasets no freshness rule covers
	DefaultTTLHours      int                  `yaml:"default_ttl_hours" env:"DEFAULT_TTL_HOURS"`
	Compression          cache.Encoding       `yaml:"compression" env:"COMPRESSION"`
	CompressionThreshold int                  `yaml:"compression_threshold" env:"COMPRESSION_THRESHOLD"`
	Retry                database.RetryPolicy `yaml:"retry" envPrefix:"RETRY_"`
}

type FreshnessConfig struct {
	// RulesFile overrides the built-in policy; empty keeps the defaults
	RulesFile string `yaml:"rules_file" env:"RULES_FILE"`
	Watch     bool   `yaml:"watch" env:"WATCH"`
}

type PreloadConfig struct {
	SessionTimeout time.Duration `yaml:"session_timeout" env:"SESSION_TIMEOUT"`
	bulk.Options   `yaml:",inline"`
	// BaseURL of the reporting API; empty disables bulk runs
	BaseURL   string        `yaml:"base_url" env:"BASE_URL"`
	Timeout   time.Duration `yaml:"timeout" env:"TIMEOUT"`
	Agencies  []string      `yaml:"agencies" env:"AGENCIES"`
	Windows   []string      `yaml:"windows" env:"WINDOWS"`
	SkipFresh bool          `yaml:"skip_fresh" env:"SKIP_FRESH"`
}

type HousekeepingConfig struct {
	// Schedule is a cron expression; "off" disables housekeeping
	Schedule string `yaml:"schedule" env:"SCHEDULE"`
}

type AdminConfig struct {
	JWTSecret string `yaml:"jwt_secret" env:"JWT_SECRET"`
}

// Default returns the configuration used when nothing is set
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Database: database.DefaultConfig(),
		Cache: CacheConfig{
			DefaultTTLHours:      24,
			Compression:          cache.EncodingZstd,
			CompressionThreshold: cache.DefaultCompressionThreshold,
			Retry:                database.DefaultRetryPolicy(),
		},
		Preload: PreloadConfig{
			SessionTimeout: preload.DefaultSessionTimeout,
			Options: bulk.Options{
				Concurrency:   4,
				ProgressEvery: 10,
			},
			Timeout: time.Minute,
			Windows: append([]string(nil), reportcache.DefaultWindows...),
		},
		Housekeeping: HousekeepingConfig{Schedule: reportcache.DefaultHousekeepingSchedule},
		Log:          logger.Config{Level: "info", Format: "json"},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := LoadFromEnv(cfg); err != nil {
		return nil, err
	}
	cfg.Database.ApplyDefaults()
	cfg.Cache.Retry.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks configuration
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if err := c.Database.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Cache.DefaultTTLHours <= 0 {
		errs = append(errs, errors.New("cache.default_ttl_hours must be positive"))
	}
	switch c.Cache.Compression {
	case "", cache.EncodingNone, cache.EncodingZstd, cache.EncodingSnappy:
	default:
		errs = append(errs, fmt.Errorf("cache.compression %q: want none, zstd or snappy", c.Cache.Compression))
	}
	if c.Freshness.Watch && c.Freshness.RulesFile == "" {
		errs = append(errs, errors.New("freshness.watch requires freshness.rules_file"))
	}
	if c.Preload.Concurrency < 0 || c.Preload.RatePerSecond < 0 {
		errs = append(errs, errors.New("preload.concurrency and preload.rate_per_second must not be negative"))
	}
	if err := c.Log.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// HousekeepingSchedule returns the cron schedule, or "" when disabled
func (c *Config) HousekeepingSchedule() string {
	if c.Housekeeping.Schedule == "off" {
		return ""
	}
	return c.Housekeeping.Schedule
}
