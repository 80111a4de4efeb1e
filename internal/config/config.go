// Package config loads server configuration from an optional YAML file and
// environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// FileEnv names the environment variable holding the YAML config path.
const FileEnv = "FILEHUB_CONFIG"

// Config holds all server configuration.
type Config struct {
	// Server
	ListenAddr  string `yaml:"listen_addr"`
	MetricsAddr string `yaml:"metrics_addr"`

	// Logging
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Storage
	DataDir string `yaml:"data_dir"`

	// Transfers
	ChunkSize      int  `yaml:"chunk_size"`
	StrictNotFound bool `yaml:"strict_not_found"`

	// Sessions
	MaxConnections int `yaml:"max_connections"` // 0 = unlimited
	QueueSize      int `yaml:"queue_size"`

	// Directory watcher
	Watch         bool          `yaml:"watch"`
	WatchInterval time.Duration `yaml:"watch_interval"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		ListenAddr:    ":1111",
		MetricsAddr:   ":9090",
		LogLevel:      "info",
		LogFormat:     "json",
		DataDir:       "./files",
		ChunkSize:     8 * 1024,
		QueueSize:     256,
		Watch:         true,
		WatchInterval: 30 * time.Second,
	}
}

// Load builds the configuration: defaults, then the YAML file named by
// FILEHUB_CONFIG if set, then environment variables.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv(FileEnv); path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.ApplyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile overlays the settings present in a YAML file.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overlays settings from environment variables.
func (c *Config) ApplyEnv() {
	c.ListenAddr = envOr("LISTEN_ADDR", c.ListenAddr)
	c.MetricsAddr = envOr("METRICS_ADDR", c.MetricsAddr)
	c.LogLevel = envOr("LOG_LEVEL", c.LogLevel)
	c.LogFormat = envOr("LOG_FORMAT", c.LogFormat)
	c.DataDir = envOr("DATA_DIR", c.DataDir)
	c.ChunkSize = envInt("CHUNK_SIZE", c.ChunkSize)
	c.StrictNotFound = envBool("STRICT_NOT_FOUND", c.StrictNotFound)
	c.MaxConnections = envInt("MAX_CONNECTIONS", c.MaxConnections)
	c.QueueSize = envInt("QUEUE_SIZE", c.QueueSize)
	c.Watch = envBool("WATCH", c.Watch)
	c.WatchInterval = envDuration("WATCH_INTERVAL", c.WatchInterval)
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	if c.ListenAddr == "" {
		errs = append(errs, fmt.Errorf("listen_addr is required"))
	}
	if c.DataDir == "" {
		errs = append(errs, fmt.Errorf("data_dir is required"))
	}
	if c.ChunkSize <= 0 || c.ChunkSize > 16*1024*1024 {
		errs = append(errs, fmt.Errorf("chunk_size must be between 1 and 16MiB, got %d", c.ChunkSize))
	}
	if c.QueueSize <= 0 {
		errs = append(errs, fmt.Errorf("queue_size must be positive, got %d", c.QueueSize))
	}
	if c.MaxConnections < 0 {
		errs = append(errs, fmt.Errorf("max_connections must not be negative, got %d", c.MaxConnections))
	}
	if c.Watch && c.WatchInterval < 0 {
		errs = append(errs, fmt.Errorf("watch_interval must not be negative, got %s", c.WatchInterval))
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log_format must be json or console, got %q", c.LogFormat))
	}
	return errors.Join(errs...)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
