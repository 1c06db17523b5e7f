package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "AGENCYCACHE_"

// LoadFromEnv overrides cfg with AGENCYCACHE_* variables, for example
// AGENCYCACHE_DATABASE_PATH or AGENCYCACHE_PRELOAD_AGENCIES=a,b.
func LoadFromEnv(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse environment: %w", err)
	}
	return nil
}
