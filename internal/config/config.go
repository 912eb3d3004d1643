// Package config loads forgeplan's configuration knobs from a
// YAML file, applying defaults. No command-line flag overrides a knob.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

const (
	DefaultMaxForks = 16
	DefaultPreforkAllocationReserveRatio = 0.80
)

// Config holds every knob this executor recognizes. All fields are
// optional in the YAML file; zero values are replaced by the defaults
// above after unmarshal.
type Config struct {
	MaxForks int `yaml:"max_forks"`
	PreforkAllocationReserveRatio float64 `yaml:"prefork_allocation_reserve_ratio"`
	BreadcrumbsTo string `yaml:"breadcrumbs_to"`
	UsingBreadcrumbsFrom string `yaml:"using_breadcrumbs_from"`
	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel string `yaml:"log_level"`
}

// Default returns a Config with every knob set to its documented default.
func Default() Config {
	return Config{
		MaxForks: DefaultMaxForks,
		PreforkAllocationReserveRatio: DefaultPreforkAllocationReserveRatio,
		LogLevel: "info",
	}
}

// Load reads and parses the YAML config file at path, filling in defaults
// for any knob the file leaves unset. An empty path returns the defaults
// unchanged (config is optional).
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	// Decode into a copy seeded with defaults so unset YAML keys keep
	// their default rather than being zeroed by Unmarshal.
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.MaxForks <= 0 {
		c.MaxForks = DefaultMaxForks
	}
	if c.PreforkAllocationReserveRatio <= 0 {
		c.PreforkAllocationReserveRatio = DefaultPreforkAllocationReserveRatio
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Validate checks that the configuration is internally consistent.
func (c Config) Validate() error {
	if c.MaxForks <= 0 {
		return fmt.Errorf("max_forks must be > 0, got %d", c.MaxForks)
	}
	if c.PreforkAllocationReserveRatio <= 0 || c.PreforkAllocationReserveRatio > 1 {
		return fmt.Errorf("prefork_allocation_reserve_ratio must be in (0, 1], got %f", c.PreforkAllocationReserveRatio)
	}
	return nil
}
