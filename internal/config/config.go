// ABOUTME: Configuration loading and parsing for tabmux contexts.
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing.

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration for one tabmux context.
type Config struct {
	Storage  StorageConfig  `yaml:"storage"`
	Bus      BusConfig      `yaml:"bus"`
	Server   ServerConfig   `yaml:"server"`
	Timings  TimingsConfig  `yaml:"timings"`
	Sessions SessionsConfig `yaml:"sessions"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// StorageConfig selects the shared durable key-value backend.
type StorageConfig struct {
	// Backend is one of "memory", "sqlite", "redis".
	Backend string `yaml:"backend"`
	// Path is the SQLite database file (sqlite backend).
	Path string `yaml:"path"`
	// RedisAddr is the host:port of the Redis server (redis backend).
	RedisAddr string `yaml:"redis_addr"`
}

// BusConfig selects the cross-context broadcast backend.
type BusConfig struct {
	// Backend is one of "memory", "redis".
	Backend string `yaml:"backend"`
	// RedisAddr is the host:port of the Redis server (redis backend).
	RedisAddr string `yaml:"redis_addr"`
}

// ServerConfig holds backend conversation service endpoints.
type ServerConfig struct {
	// WSURL is the ws:// or wss:// push endpoint.
	WSURL string `yaml:"ws_url"`
	// APIURL is the base URL of the request/response API.
	APIURL string `yaml:"api_url"`
	// Secret signs per-request tokens for the API.
	Secret string `yaml:"secret"`
}

// TimingsConfig holds coordination timing configuration.
type TimingsConfig struct {
	HeartbeatInterval  time.Duration `yaml:"-"`
	PassiveTimeout     time.Duration `yaml:"-"`
	VisibilityTimeout  time.Duration `yaml:"-"`
	ConnectionDebounce time.Duration `yaml:"-"`
	CacheTTL           time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	HeartbeatIntervalRaw  string `yaml:"heartbeat_interval"`
	PassiveTimeoutRaw     string `yaml:"passive_timeout"`
	VisibilityTimeoutRaw  string `yaml:"visibility_timeout"`
	ConnectionDebounceRaw string `yaml:"connection_debounce"`
	CacheTTLRaw           string `yaml:"cache_ttl"`
}

// SessionsConfig bounds the per-context session store.
type SessionsConfig struct {
	Max int `yaml:"max"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed
// Config. Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding
// environment variable values. Unset variables become empty strings.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and
// consistent. Returns an error describing the first failure encountered.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "memory":
	case "sqlite":
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for the sqlite backend")
		}
	case "redis":
		if c.Storage.RedisAddr == "" {
			return fmt.Errorf("storage.redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("storage.backend must be one of memory, sqlite, redis (got %q)", c.Storage.Backend)
	}

	switch c.Bus.Backend {
	case "memory":
	case "redis":
		if c.Bus.RedisAddr == "" {
			return fmt.Errorf("bus.redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("bus.backend must be one of memory, redis (got %q)", c.Bus.Backend)
	}

	if c.Server.WSURL == "" {
		return fmt.Errorf("server.ws_url is required")
	}
	if c.Server.APIURL == "" {
		return fmt.Errorf("server.api_url is required")
	}

	if c.Sessions.Max < 0 {
		return fmt.Errorf("sessions.max must not be negative")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values.
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw  string
		name string
		dst  *time.Duration
	}{
		{cfg.Timings.HeartbeatIntervalRaw, "heartbeat_interval", &cfg.Timings.HeartbeatInterval},
		{cfg.Timings.PassiveTimeoutRaw, "passive_timeout", &cfg.Timings.PassiveTimeout},
		{cfg.Timings.VisibilityTimeoutRaw, "visibility_timeout", &cfg.Timings.VisibilityTimeout},
		{cfg.Timings.ConnectionDebounceRaw, "connection_debounce", &cfg.Timings.ConnectionDebounce},
		{cfg.Timings.CacheTTLRaw, "cache_ttl", &cfg.Timings.CacheTTL},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}
