// Package config provides configuration loading for tokenflow.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/tokenflow/internal/alloc"
)

// Config is the complete tokenflow configuration.
type Config struct {
	Engine EngineConfig `yaml:"engine"`
	Cache  CacheConfig  `yaml:"cache"`
	Store  StoreConfig  `yaml:"store"`
	Alloc  AllocConfig  `yaml:"alloc"`
	Watch  WatchConfig  `yaml:"watch"`
	Log    LogConfig    `yaml:"log"`
}

// EngineConfig configures the pattern executor.
type EngineConfig struct {
	// OrJoin is "eager" or "synchronizing".
	OrJoin string `yaml:"or_join"`
	// MaxSteps bounds task firings per batch (0 disables the bound).
	MaxSteps int `yaml:"max_steps"`
	// Tick is the duration of one budget cycle.
	Tick time.Duration `yaml:"tick"`
	// Workers is the number of event loop workers.
	Workers int `yaml:"workers"`
}

// CacheConfig configures the instance layer of the execution context cache.
type CacheConfig struct {
	InstanceCapacity int           `yaml:"instance_capacity"`
	IdleTTL          time.Duration `yaml:"idle_ttl"`
	Shards           int           `yaml:"shards"`
}

// StoreConfig configures the SQLite record store.
type StoreConfig struct {
	// Path is the database file (empty = no persistence).
	Path string `yaml:"path"`
}

// AllocConfig configures resource allocation.
type AllocConfig struct {
	InitialInterval time.Duration    `yaml:"initial_interval"`
	MaxInterval     time.Duration    `yaml:"max_interval"`
	RetryLimit      uint64           `yaml:"retry_limit"`
	Resources       []alloc.Resource `yaml:"resources,omitempty"`
}

// WatchConfig configures the specification directory watcher.
type WatchConfig struct {
	Dir      string        `yaml:"dir"`
	Pattern  string        `yaml:"pattern"`
	Debounce time.Duration `yaml:"debounce"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Engine: EngineConfig{
			OrJoin:   "eager",
			MaxSteps: 1000,
			Tick:     time.Nanosecond,
			Workers:  4,
		},
		Cache: CacheConfig{
			InstanceCapacity: 4096,
			IdleTTL:          30 * time.Minute,
			Shards:           16,
		},
		Alloc: AllocConfig{
			InitialInterval: 10 * time.Millisecond,
			MaxInterval:     time.Second,
			RetryLimit:      3,
		},
		Watch: WatchConfig{
			Pattern:  "**/*.cue",
			Debounce: 200 * time.Millisecond,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

var (
	orJoinModes = []string{"eager", "synchronizing"}
	logLevels   = []string{"debug", "info", "warn", "error"}
	logFormats  = []string{"text", "json"}
)

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if !slices.Contains(orJoinModes, c.Engine.OrJoin) {
		return fmt.Errorf("engine.or_join must be one of %v, got %q", orJoinModes, c.Engine.OrJoin)
	}
	if c.Engine.MaxSteps < 0 {
		return fmt.Errorf("engine.max_steps must not be negative")
	}
	if c.Engine.Tick <= 0 {
		return fmt.Errorf("engine.tick must be positive")
	}
	if c.Engine.Workers < 1 {
		return fmt.Errorf("engine.workers must be at least 1")
	}
	if c.Cache.InstanceCapacity < 1 {
		return fmt.Errorf("cache.instance_capacity must be at least 1")
	}
	if c.Cache.Shards < 1 {
		return fmt.Errorf("cache.shards must be at least 1")
	}
	if c.Cache.IdleTTL < 0 {
		return fmt.Errorf("cache.idle_ttl must not be negative")
	}
	if c.Alloc.InitialInterval <= 0 || c.Alloc.MaxInterval < c.Alloc.InitialInterval {
		return fmt.Errorf("alloc intervals must satisfy 0 < initial_interval <= max_interval")
	}
	seen := make(map[string]bool, len(c.Alloc.Resources))
	for _, r := range c.Alloc.Resources {
		if r.ID == "" {
			return fmt.Errorf("alloc.resources: resource id is required")
		}
		if seen[r.ID] {
			return fmt.Errorf("alloc.resources: duplicate resource %q", r.ID)
		}
		seen[r.ID] = true
	}
	if c.Watch.Debounce < 0 {
		return fmt.Errorf("watch.debounce must not be negative")
	}
	if !slices.Contains(logLevels, c.Log.Level) {
		return fmt.Errorf("log.level must be one of %v, got %q", logLevels, c.Log.Level)
	}
	if !slices.Contains(logFormats, c.Log.Format) {
		return fmt.Errorf("log.format must be one of %v, got %q", logFormats, c.Log.Format)
	}
	return nil
}

// LoadFromFile loads a configuration file over the defaults.
func LoadFromFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	if err := cfg.apply(path); err != nil {
		return nil, err
	}
	return cfg, nil
}

// apply overlays the YAML file at path. Keys absent from the file keep
// their current value.
func (c *Config) apply(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// SaveToFile writes the configuration as YAML.
func (c *Config) SaveToFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
