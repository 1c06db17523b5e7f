package database

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Supported drivers
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// ErrUnsupportedDriver is returned for drivers other than sqlite and postgres.
var ErrUnsupportedDriver = errors.New("database: unsupported driver")

// Config holds database configuration
type Config struct {
	Driver string `yaml:"driver" env:"DRIVER"`

	// SQLite
	Path        string        `yaml:"path" env:"PATH"`
	BusyTimeout time.Duration `yaml:"busy_timeout" env:"BUSY_TIMEOUT"`

	// PostgreSQL
	Host     string `yaml:"host" env:"HOST"`
	Port     int    `yaml:"port" env:"PORT"`
	Name     string `yaml:"name" env:"NAME"`
	User     string `yaml:"user" env:"USER"`
	Password string `yaml:"password" env:"PASSWORD"`
	SSLMode  string `yaml:"sslmode" env:"SSLMODE"`

	MaxOpenConns    int           `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

// DefaultConfig returns a local SQLite configuration
func DefaultConfig() Config {
	return Config{
		Driver:          DriverSQLite,
		Path:            filepath.Join("database", "agency_cache.db"),
		BusyTimeout:     20 * time.Second,
		Port:            5432,
		SSLMode:         "disable",
		MaxOpenConns:    8,
		MaxIdleConns:    4,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// ApplyDefaults fills in zero values
func (c *Config) ApplyDefaults() {
	d := DefaultConfig()
	if c.Driver == "" {
		c.Driver = d.Driver
	}
	if c.Driver == DriverSQLite && c.Path == "" {
		c.Path = d.Path
	}
	if c.BusyTimeout == 0 {
		c.BusyTimeout = d.BusyTimeout
	}
	if c.Port == 0 {
		c.Port = d.Port
	}
	if c.SSLMode == "" {
		c.SSLMode = d.SSLMode
	}
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = d.MaxOpenConns
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = d.MaxIdleConns
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = d.ConnMaxLifetime
	}
}

// Validate checks configuration
func (c Config) Validate() error {
	switch c.Driver {
	case DriverSQLite:
		if c.Path == "" {
			return errors.New("database: sqlite path is required")
		}
	case DriverPostgres:
		if c.Host == "" || c.Name == "" {
			return errors.New("database: postgres host and name are required")
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedDriver, c.Driver)
	}
	return nil
}

// DSN builds the driver-specific connection string
func (c Config) DSN() string {
	if c.Driver == DriverPostgres {
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode)
	}
	return fmt.Sprintf("%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)",
		filepath.Clean(c.Path), c.BusyTimeout.Milliseconds())
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
