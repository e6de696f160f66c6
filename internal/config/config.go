// Package config handles configuration loading and validation for the
// meshstore CLI.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/meshstore/meshstore/pkg/bytesize"
)

// StoreConfig holds the tunables of one named store.
type StoreConfig struct {
	Name             string        `yaml:"name"`
	MaxShardSize     bytesize.Size `yaml:"max_shard_size"`    // shard threshold (default: backend ceiling)
	LockTTL          string        `yaml:"lock_ttl"`          // duration string, e.g. "60s"
	AutoSaveInterval string        `yaml:"autosave_interval"` // duration string (default: "30s")
}

// BackendConfig holds the simulated backend's limits for the demo.
type BackendConfig struct {
	MaxValueSize  bytesize.Size `yaml:"max_value_size"` // per-call size ceiling
	RequestBudget int           `yaml:"request_budget"` // 0 = unlimited
}

// Config is the root CLI configuration.
type Config struct {
	LogLevel string        `yaml:"log_level"` // trace|debug|info|warn|error
	Store    StoreConfig   `yaml:"store"`
	Backend  BackendConfig `yaml:"backend"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Store: StoreConfig{
			Name:             "demo",
			LockTTL:          "60s",
			AutoSaveInterval: "30s",
		},
		Backend: BackendConfig{
			MaxValueSize: 4_000_000,
		},
	}
}

// Load reads a configuration file, layering it over the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.Store.Name == "" {
		return fmt.Errorf("store.name is required")
	}
	if c.Store.MaxShardSize < 0 {
		return fmt.Errorf("store.max_shard_size must be non-negative")
	}
	if c.Backend.MaxValueSize <= 0 {
		return fmt.Errorf("backend.max_value_size must be positive")
	}
	if c.Store.MaxShardSize > c.Backend.MaxValueSize {
		return fmt.Errorf("store.max_shard_size (%s) exceeds backend.max_value_size (%s)",
			c.Store.MaxShardSize, c.Backend.MaxValueSize)
	}
	for _, field := range []struct{ name, value string }{
		{"store.lock_ttl", c.Store.LockTTL},
		{"store.autosave_interval", c.Store.AutoSaveInterval},
	} {
		if field.value == "" {
			continue
		}
		if _, err := time.ParseDuration(field.value); err != nil {
			return fmt.Errorf("%s: %w", field.name, err)
		}
	}
	return nil
}

// LockTTL returns the parsed lock TTL.
func (c *Config) LockTTL() time.Duration {
	return parseDurationOr(c.Store.LockTTL, 60*time.Second)
}

// AutoSaveInterval returns the parsed autosave interval.
func (c *Config) AutoSaveInterval() time.Duration {
	return parseDurationOr(c.Store.AutoSaveInterval, 30*time.Second)
}

func parseDurationOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
