package config

import (
	"time"

	"github.com/silicon-heaven/shvgo/internal/bytesize"
)

// DefaultConfig returns a minimal broker configuration: listen on the
// default SHV TCP port, one admin role with full access, and a single
// placeholder "admin" user in that role with a built-in password.
func DefaultConfig() *Config {
	cfg := &Config{
		Name:   "shvbroker",
		Listen: []string{"tcp://localhost:3755"},
		Users: map[string]UserConfig{
			"admin": {Password: "admin", Role: "admin"},
		},
		Roles: map[string]RoleConfig{
			"admin": {
				Access: map[string][]string{
					"su": {"**"},
				},
			},
		},
	}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills in zero-valued fields with defaults after a file or
// environment-based load, the way a partially specified config file is
// expected to still produce a runnable broker.
func ApplyDefaults(cfg *Config) {
	if cfg.Name == "" {
		cfg.Name = "shvbroker"
	}
	if len(cfg.Listen) == 0 {
		cfg.Listen = []string{"tcp://localhost:3755"}
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "INFO"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}
	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9755
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	if cfg.MaxMessageSize == 0 {
		cfg.MaxMessageSize = bytesize.MiB
	}
	if cfg.Users == nil {
		cfg.Users = map[string]UserConfig{}
	}
	if cfg.Roles == nil {
		cfg.Roles = map[string]RoleConfig{}
	}
}
