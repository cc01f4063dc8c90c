// Package config handles application configuration: process settings from
// environment variables and per-platform posting policies from a YAML file.
package config

import (
	"context"
	"fmt"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// Config holds the process-level configuration.
type Config struct {
	DatabasePath  string        `env:"DATABASE_PATH,default=./data/postpilot.db"`
	LogLevel      string        `env:"LOG_LEVEL,default=info"`
	PoliciesFile  string        `env:"PLATFORM_POLICIES_FILE"`
	MaxRetries    int           `env:"MAX_RETRIES,default=3"`
	PostTimeout   time.Duration `env:"POST_TIMEOUT,default=20s"`
	MaxConcurrent int           `env:"MAX_CONCURRENT,default=4"`
	TickInterval  time.Duration `env:"TICK_INTERVAL,default=1m"`
}

// Load reads configuration from environment variables.
func Load(ctx context.Context) (*Config, error) {
	cfg := &Config{}
	if err := envconfig.Process(ctx, cfg); err != nil {
		return nil, fmt.Errorf("parse env vars: %w", err)
	}
	if cfg.MaxRetries < 1 {
		return nil, fmt.Errorf("MAX_RETRIES must be at least 1, got %d", cfg.MaxRetries)
	}
	return cfg, nil
}
