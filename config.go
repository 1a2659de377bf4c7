package quotaledger

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the engine configuration.
type Config struct {
	// Timezone monthly boundaries are computed in (IANA name, default "UTC").
	Timezone        string           `yaml:"timezone"`
	Limits          map[Bucket]int64 `yaml:"limits"`
	ConflictRetries int              `yaml:"conflict_retries"`
}

// LoadConfig reads and parses a YAML config file.
// Environment variables in the format ${VAR} are expanded before parsing.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("quotaledger: read config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML config data, expanding ${VAR} references.
func ParseConfig(data []byte) (Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, fmt.Errorf("quotaledger: parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks the config for required fields and consistency.
func (c Config) Validate() error {
	for b, l := range c.Limits {
		if !b.Valid() {
			return fmt.Errorf("quotaledger: config: limits: unknown bucket %q", b)
		}
		if l <= 0 {
			return fmt.Errorf("quotaledger: config: limits.%s must be positive, got %d", b, l)
		}
	}
	for _, b := range Buckets() {
		if _, ok := c.Limits[b]; !ok {
			return fmt.Errorf("quotaledger: config: limits.%s is required", b)
		}
	}

	if c.ConflictRetries < 0 {
		return fmt.Errorf("quotaledger: config: conflict_retries must not be negative")
	}

	if _, err := c.Location(); err != nil {
		return err
	}

	return nil
}

// Location resolves Timezone.
func (c Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("quotaledger: config: timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// EngineOptions turns the config into Engine options.
// The config is expected to be valid.
func (c Config) EngineOptions() []Option {
	loc, err := c.Location()
	if err != nil {
		loc = time.UTC
	}
	return []Option{
		WithDefaultLimits(c.Limits),
		WithLocation(loc),
		WithConflictRetries(c.ConflictRetries),
	}
}
