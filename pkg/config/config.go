package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all parrot configuration.
type Config struct {
	Listen          string        `yaml:"listen"`
	Provider        string        `yaml:"provider"`
	TargetURL       string        `yaml:"target_url"`
	UpstreamTimeout time.Duration `yaml:"upstream_timeout"`
	Cache           CacheConfig   `yaml:"cache"`
	Log             LogConfig     `yaml:"log"`
}

// CacheConfig controls the response cache. A zero TTL disables expiry
// and a zero MaxEntries disables eviction.
type CacheConfig struct {
	Path       string        `yaml:"path"`
	TTL        time.Duration `yaml:"ttl"`
	MaxEntries int64         `yaml:"max_entries"`
}

// LogConfig controls structured logging output.
type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Listen:          "127.0.0.1:8080",
		Provider:        "openai",
		UpstreamTimeout: 120 * time.Second,
		Cache: CacheConfig{
			Path: "parrot.db",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads a YAML config file and expands environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return cfg, nil
}
