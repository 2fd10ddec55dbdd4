// Package config provides the pipeline configuration surface: YAML file,
// environment overrides, defaults, and startup validation.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tbeckert/harvest/pkg/logging"
)

// Source identifies one remote paginated endpoint to fully collect.
type Source struct {
	// Name uniquely identifies the source. It is embedded in chunk
	// filenames, so it is restricted to [A-Za-z0-9_-].
	Name string `yaml:"name"`

	// URL is the base endpoint; the page number is appended as a
	// "page" query parameter.
	URL string `yaml:"url"`
}

// CacheConfig configures the optional redis page-response cache.
type CacheConfig struct {
	// Addr is the redis address (host:port). Empty disables the cache.
	Addr string `yaml:"addr"`

	// TTL is how long cached page bodies are kept.
	TTL time.Duration `yaml:"ttl"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level  logging.LogLevel `yaml:"level"`
	Pretty bool             `yaml:"pretty"`
}

// Config holds the full pipeline configuration.
type Config struct {
	// Sources is the declared, ordered source list.
	Sources []Source `yaml:"sources"`

	// MaxConcurrentRequests bounds in-flight page fetches (>= 1).
	MaxConcurrentRequests int `yaml:"max_concurrent_requests"`

	// RequestDelay is the minimum global spacing between outbound
	// requests (>= 0).
	RequestDelay time.Duration `yaml:"request_delay"`

	// MaxRetries is the retry budget per page for transient failures.
	MaxRetries int `yaml:"max_retries"`

	// InitialBackoff and MaxBackoff bound the exponential retry delay.
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`

	// ChunkSize is the number of records per chunk file (>= 1).
	ChunkSize int `yaml:"chunk_size"`

	// BatchSize is the number of pages between forced buffer flushes (>= 1).
	BatchSize int `yaml:"batch_size"`

	// HTTPTimeout is the per-request timeout.
	HTTPTimeout time.Duration `yaml:"http_timeout"`

	// Paths for persisted state and output.
	CheckpointPath string `yaml:"checkpoint_path"`
	ChunkDir       string `yaml:"chunk_dir"`
	OutputPath     string `yaml:"output_path"`

	// Overwrite lets run discard prior checkpoint progress instead of
	// refusing to start. Set from the CLI, not the config file.
	Overwrite bool `yaml:"-"`

	Cache CacheConfig `yaml:"cache"`
	Log   LogConfig   `yaml:"log"`
}

// sourceNameRe restricts source names to chunk-filename-safe characters.
var sourceNameRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Default returns a safe default configuration.
func Default() Config {
	return Config{
		MaxConcurrentRequests: 5,
		RequestDelay:          200 * time.Millisecond,
		MaxRetries:            5,
		InitialBackoff:        1 * time.Second,
		MaxBackoff:            30 * time.Second,
		ChunkSize:             500,
		BatchSize:             10,
		HTTPTimeout:           30 * time.Second,
		CheckpointPath:        "data/checkpoint.json",
		ChunkDir:              "data/chunks",
		OutputPath:            "data/dataset.ndjson",
		Cache: CacheConfig{
			TTL: 1 * time.Hour,
		},
		Log: LogConfig{
			Level: logging.LevelInfo,
		},
	}
}

// Load reads a YAML config file on top of defaults and applies
// HARVEST_* environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// applyEnv overrides config values from HARVEST_* environment variables.
func (c *Config) applyEnv() {
	if v := os.Getenv("HARVEST_CHECKPOINT_PATH"); v != "" {
		c.CheckpointPath = v
	}
	if v := os.Getenv("HARVEST_CHUNK_DIR"); v != "" {
		c.ChunkDir = v
	}
	if v := os.Getenv("HARVEST_OUTPUT_PATH"); v != "" {
		c.OutputPath = v
	}
	if v := os.Getenv("HARVEST_CACHE_ADDR"); v != "" {
		c.Cache.Addr = v
	}
	if v := os.Getenv("HARVEST_LOG_LEVEL"); v != "" {
		c.Log.Level = logging.LogLevel(v)
	}
	if v := os.Getenv("HARVEST_MAX_CONCURRENT_REQUESTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxConcurrentRequests = n
		}
	}
	if v := os.Getenv("HARVEST_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxRetries = n
		}
	}
}

// Validate rejects invalid configuration before any network activity.
func (c *Config) Validate() error {
	if len(c.Sources) == 0 {
		return fmt.Errorf("config: at least one source is required")
	}

	seen := make(map[string]bool, len(c.Sources))
	for i, src := range c.Sources {
		if src.Name == "" {
			return fmt.Errorf("config: source %d has no name", i)
		}
		if !sourceNameRe.MatchString(src.Name) {
			return fmt.Errorf("config: source name %q contains characters outside [A-Za-z0-9_-]", src.Name)
		}
		if seen[src.Name] {
			return fmt.Errorf("config: duplicate source name %q", src.Name)
		}
		seen[src.Name] = true
		if src.URL == "" {
			return fmt.Errorf("config: source %q has no url", src.Name)
		}
	}

	if c.MaxConcurrentRequests < 1 {
		return fmt.Errorf("config: max_concurrent_requests must be >= 1 (got %d)", c.MaxConcurrentRequests)
	}
	if c.RequestDelay < 0 {
		return fmt.Errorf("config: request_delay must be >= 0 (got %v)", c.RequestDelay)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("config: max_retries must be >= 0 (got %d)", c.MaxRetries)
	}
	if c.InitialBackoff <= 0 {
		return fmt.Errorf("config: initial_backoff must be > 0 (got %v)", c.InitialBackoff)
	}
	if c.MaxBackoff < c.InitialBackoff {
		return fmt.Errorf("config: max_backoff %v must be >= initial_backoff %v", c.MaxBackoff, c.InitialBackoff)
	}
	if c.ChunkSize < 1 {
		return fmt.Errorf("config: chunk_size must be >= 1 (got %d)", c.ChunkSize)
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("config: batch_size must be >= 1 (got %d)", c.BatchSize)
	}
	if c.CheckpointPath == "" {
		return fmt.Errorf("config: checkpoint_path is required")
	}
	if c.ChunkDir == "" {
		return fmt.Errorf("config: chunk_dir is required")
	}
	if c.OutputPath == "" {
		return fmt.Errorf("config: output_path is required")
	}

	return nil
}

// SourceNames returns the declared source names in order.
func (c *Config) SourceNames() []string {
	names := make([]string, len(c.Sources))
	for i, src := range c.Sources {
		names[i] = src.Name
	}
	return names
}
