// Package logger builds the process-wide zap logger.
package logger

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config selects level and encoding
type Config struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"`
}

// Validate checks level and format
func (c Config) Validate() error {
	if _, err := zapcore.ParseLevel(levelOrDefault(c.Level)); err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	switch strings.ToLower(c.Format) {
	case "", "json", "console":
		return nil
	}
	return fmt.Errorf("log format %q: want json or console", c.Format)
}

func levelOrDefault(level string) string {
	if level == "" {
		return "info"
	}
	return level
}

// New returns a production logger, or a development-style console logger when
// Format is "console".
func New(cfg Config) (*zap.Logger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	level, _ := zapcore.ParseLevel(levelOrDefault(cfg.Level))

	zc := zap.NewProductionConfig()
	if strings.ToLower(cfg.Format) == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)

	logger, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger, nil
}
