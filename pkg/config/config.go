// Package config handles engine configuration from environment variables
// and an optional YAML file.
//
// All variables are prefixed LINEAGE_. The YAML file (if any) is applied
// over the built-in defaults first, then environment variables override
// individual fields, so deployments can ship a base file and tweak per
// environment.
//
// Example:
//
//	cfg := config.LoadFromEnv()
//	if err := cfg.Validate(); err != nil {
//		log.Fatalf("invalid config: %v", err)
//	}
//
// Environment variables:
//   - LINEAGE_ENDPOINT, LINEAGE_SOURCE, LINEAGE_CHAIN — working-set scope
//   - LINEAGE_UNION_TTL, LINEAGE_STRICT_TTL, LINEAGE_DETAIL_TTL,
//     LINEAGE_ENRICHMENT_TTL — cache TTLs (Go duration syntax)
//   - LINEAGE_ORDER (bfs|dfs), LINEAGE_MODE (strict|union),
//     LINEAGE_INCLUDE_UNVERSIONED, LINEAGE_MAX_VISITED,
//     LINEAGE_BATCH_SIZE, LINEAGE_BATCH_INTERVAL, LINEAGE_PAGE_SIZE
//   - LINEAGE_RATE_LIMIT, LINEAGE_RATE_BURST, LINEAGE_BREAKER_ENABLED,
//     LINEAGE_BREAKER_MAX_FAILURES, LINEAGE_BREAKER_OPEN_FOR
//   - LINEAGE_DATA_DIR, LINEAGE_IN_MEMORY, LINEAGE_PERSIST_INTERVAL
//   - LINEAGE_LOG_LEVEL (debug|info|warn|error)
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lineagegraph/lineage/pkg/build"
)

// Config holds all engine configuration.
type Config struct {
	Scope   ScopeConfig   `yaml:"scope"`
	Cache   CacheConfig   `yaml:"cache"`
	Build   BuildConfig   `yaml:"build"`
	Remote  RemoteConfig  `yaml:"remote"`
	Storage StorageConfig `yaml:"storage"`
	Logging LoggingConfig `yaml:"logging"`
}

// ScopeConfig identifies the working set. Changing any field resets all
// caches and re-hydrates from durable storage.
type ScopeConfig struct {
	Endpoint string `yaml:"endpoint"`
	Source   string `yaml:"source"`
	Chain    string `yaml:"chain"`
}

// CacheConfig holds per-cache TTLs. Zero means "never expires".
type CacheConfig struct {
	UnionTTL      Duration `yaml:"union_ttl"`
	StrictTTL     Duration `yaml:"strict_ttl"`
	DetailTTL     Duration `yaml:"detail_ttl"`
	EnrichmentTTL Duration `yaml:"enrichment_ttl"`
}

// BuildConfig holds traversal defaults.
type BuildConfig struct {
	Order              string   `yaml:"order"`
	Mode               string   `yaml:"mode"`
	IncludeUnversioned bool     `yaml:"include_unversioned"`
	MaxVisited         int      `yaml:"max_visited"`
	BatchSize          int      `yaml:"batch_size"`
	BatchInterval      Duration `yaml:"batch_interval"`
	PageSize           int      `yaml:"page_size"`
}

// RemoteConfig tunes the remote-source wrappers.
type RemoteConfig struct {
	// RateLimit is sustained remote calls per second; 0 disables limiting.
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`

	BreakerEnabled     bool     `yaml:"breaker_enabled"`
	BreakerMaxFailures uint32   `yaml:"breaker_max_failures"`
	BreakerOpenFor     Duration `yaml:"breaker_open_for"`
}

// StorageConfig configures the durable blob store.
type StorageConfig struct {
	DataDir string `yaml:"data_dir"`
	// InMemory disables persistence (tests, ephemeral runs).
	InMemory bool `yaml:"in_memory"`
	// PersistInterval is the cadence of the background snapshot loop.
	PersistInterval Duration `yaml:"persist_interval"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Cache: CacheConfig{
			UnionTTL:      Duration(5 * time.Minute),
			StrictTTL:     Duration(5 * time.Minute),
			DetailTTL:     Duration(time.Minute),
			EnrichmentTTL: Duration(time.Hour),
		},
		Build: BuildConfig{
			Order:         "bfs",
			Mode:          "strict",
			MaxVisited:    build.DefaultMaxVisited,
			BatchSize:     build.DefaultBatchSize,
			BatchInterval: Duration(build.DefaultBatchInterval),
			PageSize:      100,
		},
		Remote: RemoteConfig{
			RateLimit:          0,
			RateBurst:          10,
			BreakerEnabled:     true,
			BreakerMaxFailures: 5,
			BreakerOpenFor:     Duration(15 * time.Second),
		},
		Storage: StorageConfig{
			DataDir:         "./data/lineage",
			PersistInterval: Duration(30 * time.Second),
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// LoadFile reads a YAML config file over the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromEnv returns the defaults with LINEAGE_* environment overrides
// applied.
func LoadFromEnv() *Config {
	cfg := DefaultConfig()
	cfg.ApplyEnv()
	return cfg
}

// ApplyEnv overrides individual fields from LINEAGE_* environment
// variables. Malformed values are ignored.
func (c *Config) ApplyEnv() {
	envStr("LINEAGE_ENDPOINT", &c.Scope.Endpoint)
	envStr("LINEAGE_SOURCE", &c.Scope.Source)
	envStr("LINEAGE_CHAIN", &c.Scope.Chain)

	envDuration("LINEAGE_UNION_TTL", &c.Cache.UnionTTL)
	envDuration("LINEAGE_STRICT_TTL", &c.Cache.StrictTTL)
	envDuration("LINEAGE_DETAIL_TTL", &c.Cache.DetailTTL)
	envDuration("LINEAGE_ENRICHMENT_TTL", &c.Cache.EnrichmentTTL)

	envStr("LINEAGE_ORDER", &c.Build.Order)
	envStr("LINEAGE_MODE", &c.Build.Mode)
	envBool("LINEAGE_INCLUDE_UNVERSIONED", &c.Build.IncludeUnversioned)
	envInt("LINEAGE_MAX_VISITED", &c.Build.MaxVisited)
	envInt("LINEAGE_BATCH_SIZE", &c.Build.BatchSize)
	envDuration("LINEAGE_BATCH_INTERVAL", &c.Build.BatchInterval)
	envInt("LINEAGE_PAGE_SIZE", &c.Build.PageSize)

	envFloat("LINEAGE_RATE_LIMIT", &c.Remote.RateLimit)
	envInt("LINEAGE_RATE_BURST", &c.Remote.RateBurst)
	envBool("LINEAGE_BREAKER_ENABLED", &c.Remote.BreakerEnabled)
	envUint32("LINEAGE_BREAKER_MAX_FAILURES", &c.Remote.BreakerMaxFailures)
	envDuration("LINEAGE_BREAKER_OPEN_FOR", &c.Remote.BreakerOpenFor)

	envStr("LINEAGE_DATA_DIR", &c.Storage.DataDir)
	envBool("LINEAGE_IN_MEMORY", &c.Storage.InMemory)
	envDuration("LINEAGE_PERSIST_INTERVAL", &c.Storage.PersistInterval)

	envStr("LINEAGE_LOG_LEVEL", &c.Logging.Level)
}

// Validate reports the first invalid field.
func (c *Config) Validate() error {
	if _, err := build.ParseOrder(c.Build.Order); err != nil {
		return err
	}
	if _, err := build.ParseChildMode(c.Build.Mode); err != nil {
		return err
	}
	if c.Build.MaxVisited < 0 {
		return fmt.Errorf("max_visited must be >= 0, got %d", c.Build.MaxVisited)
	}
	if c.Build.BatchSize < 0 {
		return fmt.Errorf("batch_size must be >= 0, got %d", c.Build.BatchSize)
	}
	if c.Build.PageSize < 0 {
		return fmt.Errorf("page_size must be >= 0, got %d", c.Build.PageSize)
	}
	if c.Remote.RateLimit < 0 {
		return fmt.Errorf("rate_limit must be >= 0, got %f", c.Remote.RateLimit)
	}
	if !c.Storage.InMemory && c.Storage.DataDir == "" {
		return fmt.Errorf("data_dir is required unless in_memory is set")
	}
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.Logging.Level)
	}
	return nil
}

func envStr(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envUint32(key string, dst *uint32) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			*dst = uint32(n)
		}
	}
}

func envFloat(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envDuration(key string, dst *Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = Duration(d)
		}
	}
}
