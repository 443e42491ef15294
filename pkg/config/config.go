// Package config loads operator-facing defaults for the nanobot CLI from
// the environment, with struct-tag defaults for everything a fresh
// install needs to work with zero configuration.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds process-wide defaults the CLI falls back to when a flag or
// a per-host registry entry doesn't set one explicitly.
type Config struct {
	ConfigDir      string        `env:"NANOBOT_CONFIG_DIR,expand" envDefault:"${HOME}/.nanobot"`
	DefaultSSHPort int           `env:"NANOBOT_DEFAULT_SSH_PORT" envDefault:"22"`
	DefaultRemote  int           `env:"NANOBOT_DEFAULT_REMOTE_PORT" envDefault:"8765"`
	RPCTimeout     time.Duration `env:"NANOBOT_RPC_TIMEOUT" envDefault:"30s"`
	RBACEnabled    bool          `env:"NANOBOT_RBAC_ENABLED" envDefault:"false"`
	MetricsAddr    string        `env:"NANOBOT_METRICS_ADDR" envDefault:""`
	LogLevel       string        `env:"NANOBOT_LOG_LEVEL" envDefault:"info"`
}

// Load parses Config from the environment, applying defaults for anything
// unset.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config from environment: %w", err)
	}
	return cfg, nil
}
