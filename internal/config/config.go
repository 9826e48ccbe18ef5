// Package config holds the explicit tunables of the context-assembly core:
// token budget, upload concurrency, retry bounds, and cache TTLs are passed
// in rather than looked up ambiently.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all packrat configuration.
type Config struct {
	// Cache configures the embedded artifact cache database.
	Cache CacheConfig `yaml:"cache"`

	// Assembler configures inline/external partitioning.
	Assembler AssemblerConfig `yaml:"assembler"`

	// Remote configures the artifact service client.
	Remote RemoteConfig `yaml:"remote"`
}

// CacheConfig configures the embedded store.
type CacheConfig struct {
	DatabasePath string `yaml:"database_path"`

	// Bounded busy-retry around each statement when another process holds
	// the write lock.
	RetryMaxAttempts int    `yaml:"retry_max_attempts"`
	RetryBaseDelay   string `yaml:"retry_base_delay"`
	RetryMaxDelay    string `yaml:"retry_max_delay"`

	// How long a pending upload claim blocks rivals before it is treated
	// as a crashed owner.
	PendingClaimTimeout string `yaml:"pending_claim_timeout"`

	// Collections unused past this TTL become eligible for the gc sweep.
	CollectionTTL string `yaml:"collection_ttl"`
}

// AssemblerConfig configures per-session context assembly.
type AssemblerConfig struct {
	// TokenBudget is the inline budget derived from the target model's
	// context window.
	TokenBudget int `yaml:"token_budget"`

	// CharsPerToken calibrates the token estimator.
	CharsPerToken float64 `yaml:"chars_per_token"`

	// UploadConcurrency bounds parallel uploads per fileset.
	UploadConcurrency int `yaml:"upload_concurrency"`
}

// RemoteConfig configures the artifact service client.
type RemoteConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Timeout string `yaml:"timeout"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Cache: CacheConfig{
			DatabasePath:        "data/packrat.db",
			RetryMaxAttempts:    6,
			RetryBaseDelay:      "10ms",
			RetryMaxDelay:       "500ms",
			PendingClaimTimeout: "10m",
			CollectionTTL:       "72h",
		},
		Assembler: AssemblerConfig{
			TokenBudget:       24000,
			CharsPerToken:     4.0,
			UploadConcurrency: 8,
		},
		Remote: RemoteConfig{
			BaseURL: "http://localhost:8090",
			Timeout: "60s",
		},
	}
}

// Load loads configuration from a YAML file, falling back to defaults when
// the file does not exist, then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if path := os.Getenv("PACKRAT_DB_PATH"); path != "" {
		c.Cache.DatabasePath = path
	}
	if url := os.Getenv("PACKRAT_REMOTE_BASE_URL"); url != "" {
		c.Remote.BaseURL = url
	}
	if key := os.Getenv("PACKRAT_API_KEY"); key != "" {
		c.Remote.APIKey = key
	}
	if budget := os.Getenv("PACKRAT_TOKEN_BUDGET"); budget != "" {
		if n, err := strconv.Atoi(budget); err == nil && n > 0 {
			c.Assembler.TokenBudget = n
		}
	}
}

// Duration parses a duration field, returning fallback on empty or bad input.
func Duration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
