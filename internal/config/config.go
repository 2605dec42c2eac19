// Package config loads the YAML configuration of streamtable serve.
//
// Example:
//
//	listen: ":8080"
//	schemas: [schemas/tabs.cue]
//	tables:
//	  - schema: Tabs
//	    name: tabs
//	    items:
//	      - {id: 1, title: "home"}
//	buffer_timeout: 5s
//	rate_limit: {per_second: 50, burst: 100}
//	trace_db: trace.db
//	cache_ttl: 10s
//
// Relative schema and trace paths resolve against the config file's
// directory.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/roach88/streamtable/internal/remote"
)

// Defaults applied by Load when a field is absent.
const (
	DefaultListen         = ":8080"
	DefaultWarnThreshold  = 200
	DefaultBufferTimeout  = remote.DefaultBufferTimeout
	DefaultCacheTTL       = 30 * time.Second
	defaultRateLimitBurst = 1
)

// Config is the serve configuration.
type Config struct {
	// Listen is the HTTP listen address.
	Listen string `yaml:"listen"`

	// Schemas lists CUE files declaring table schemas.
	Schemas []string `yaml:"schemas"`

	// Tables lists the tables to create and serve.
	Tables []TableConfig `yaml:"tables"`

	// BufferTimeout bounds how long requests wait for a connection.
	BufferTimeout time.Duration `yaml:"buffer_timeout,omitempty"`

	// Reconnect overrides the client reconnect delays; one entry per
	// attempt, after which the client gives up.
	Reconnect []time.Duration `yaml:"reconnect,omitempty"`

	// RateLimit caps inbound requests per connection.
	RateLimit *RateLimit `yaml:"rate_limit,omitempty"`

	// TraceDB is a SQLite file recording every message; empty disables
	// tracing.
	TraceDB string `yaml:"trace_db,omitempty"`

	// TableWarnThreshold is the live table count that logs a warning.
	TableWarnThreshold int `yaml:"table_warn_threshold,omitempty"`

	// CacheTTL bounds how long a cached read result is reused. Results
	// are also dropped whenever their table changes.
	CacheTTL time.Duration `yaml:"cache_ttl,omitempty"`

	// DisableCache sends every read straight to its table.
	DisableCache bool `yaml:"disable_cache,omitempty"`
}

// TableConfig is one served table.
type TableConfig struct {
	// Schema names a schema declared in one of the CUE files.
	Schema string `yaml:"schema"`

	// Name is the served name; defaults to Schema.
	Name string `yaml:"name,omitempty"`

	// Items seed the table.
	Items []map[string]any `yaml:"items,omitempty"`
}

// ServedName returns the name the table is served under.
func (t TableConfig) ServedName() string {
	if t.Name != "" {
		return t.Name
	}
	return t.Schema
}

// RateLimit configures a token bucket.
type RateLimit struct {
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst,omitempty"`
}

// Limiter builds a fresh limiter. Each connection needs its own.
func (r *RateLimit) Limiter() *rate.Limiter {
	if r == nil {
		return nil
	}
	burst := r.Burst
	if burst <= 0 {
		burst = defaultRateLimitBurst
	}
	return rate.NewLimiter(rate.Limit(r.PerSecond), burst)
}

// Schedule returns the reconnect schedule, or remote.DefaultSchedule.
func (c *Config) Schedule() remote.Schedule {
	if len(c.Reconnect) == 0 {
		return remote.DefaultSchedule
	}
	return remote.FixedSchedule(c.Reconnect...)
}

// Load reads and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	cfg.resolvePaths(filepath.Dir(path))
	return cfg, nil
}

// Parse decodes and validates config YAML. Unknown fields are errors.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.BufferTimeout == 0 {
		c.BufferTimeout = DefaultBufferTimeout
	}
	if c.TableWarnThreshold == 0 {
		c.TableWarnThreshold = DefaultWarnThreshold
	}
	if c.CacheTTL == 0 {
		c.CacheTTL = DefaultCacheTTL
	}
}

func (c *Config) resolvePaths(base string) {
	for i, p := range c.Schemas {
		if !filepath.IsAbs(p) {
			c.Schemas[i] = filepath.Join(base, p)
		}
	}
	if c.TraceDB != "" && !filepath.IsAbs(c.TraceDB) {
		c.TraceDB = filepath.Join(base, c.TraceDB)
	}
}

func (c *Config) validate() error {
	if len(c.Tables) > 0 && len(c.Schemas) == 0 {
		return fmt.Errorf("tables need at least one schema file")
	}
	seen := make(map[string]bool)
	for i, t := range c.Tables {
		if t.Schema == "" {
			return fmt.Errorf("tables[%d]: schema is required", i)
		}
		name := t.ServedName()
		if seen[name] {
			return fmt.Errorf("tables[%d]: %q is served twice", i, name)
		}
		seen[name] = true
	}
	if c.BufferTimeout < 0 {
		return fmt.Errorf("buffer_timeout must not be negative")
	}
	if c.CacheTTL < 0 {
		return fmt.Errorf("cache_ttl must not be negative")
	}
	for i, d := range c.Reconnect {
		if d <= 0 {
			return fmt.Errorf("reconnect[%d] must be positive", i)
		}
	}
	if c.RateLimit != nil && c.RateLimit.PerSecond <= 0 {
		return fmt.Errorf("rate_limit.per_second must be positive")
	}
	return nil
}
