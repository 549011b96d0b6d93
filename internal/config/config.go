// Package config loads the process-level settings that sit above the
// registry's own domain configuration (pkg/refreshtoken.Config). It never
// reaches into the registry package directly — wiring them together is the
// job of cmd/refreshregistry-demo.
package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config holds process-level configuration, loaded from environment
// variables. Domain settings (TTLs, prefixes, device limits, breaker
// knobs) belong to refreshtoken.Config instead and are never read here.
type Config struct {
	// Redis
	RedisURL string `env:"REFRESHREGISTRY_REDIS_URL" envDefault:"redis://localhost:6379/0"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Scheduled cleanup toggle, read by cmd/refreshregistry-demo to decide
	// whether to start the cleanup scheduler.
	EnableScheduledCleanup bool `env:"REFRESHREGISTRY_ENABLE_CLEANUP" envDefault:"true"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config from env: %w", err)
	}
	return cfg, nil
}
