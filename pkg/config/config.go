package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/KevoDB/slabkv/pkg/telemetry"
)

const CurrentConfigVersion = 1

var (
	ErrInvalidConfig  = errors.New("invalid configuration")
	ErrConfigNotFound = errors.New("config file not found")
)

type Config struct {
	Version int `json:"version" yaml:"version"`

	// Store configuration
	Capacity        uint32 `json:"capacity" yaml:"capacity"`
	WorkgroupSize   uint32 `json:"workgroup_size" yaml:"workgroup_size"`
	MaxDispatchKeys int    `json:"max_dispatch_keys" yaml:"max_dispatch_keys"`
	Sorter          string `json:"sorter" yaml:"sorter"`
	StagingMaxBytes int64  `json:"staging_max_bytes" yaml:"staging_max_bytes"`

	// Device configuration
	DeviceMemoryLimit int64 `json:"device_memory_limit" yaml:"device_memory_limit"`
	DeviceParallelism int   `json:"device_parallelism" yaml:"device_parallelism"`

	// Server configuration
	ListenAddr       string  `json:"listen_addr" yaml:"listen_addr"`
	Compression      string  `json:"compression" yaml:"compression"`
	RateLimit        float64 `json:"rate_limit" yaml:"rate_limit"` // requests per second, 0 disables
	RateBurst        int     `json:"rate_burst" yaml:"rate_burst"`
	MaxMessageSize   int     `json:"max_message_size" yaml:"max_message_size"`
	KeepaliveTime    int64   `json:"keepalive_time" yaml:"keepalive_time"`       // seconds
	KeepaliveTimeout int64   `json:"keepalive_timeout" yaml:"keepalive_timeout"` // seconds
	TLSEnabled       bool    `json:"tls_enabled" yaml:"tls_enabled"`
	TLSCertFile      string  `json:"tls_cert_file" yaml:"tls_cert_file"`
	TLSKeyFile       string  `json:"tls_key_file" yaml:"tls_key_file"`
	TLSCAFile        string  `json:"tls_ca_file" yaml:"tls_ca_file"`

	// Logging configuration
	LogLevel  string `json:"log_level" yaml:"log_level"`
	LogFormat string `json:"log_format" yaml:"log_format"`

	Telemetry telemetry.Config `json:"telemetry" yaml:"telemetry"`

	mu sync.RWMutex
}

// NewDefaultConfig creates a Config with recommended default values
func NewDefaultConfig() *Config {
	tel := telemetry.DefaultConfig()
	tel.Enabled = false

	return &Config{
		Version: CurrentConfigVersion,

		// Store defaults
		Capacity:        1 << 20,
		WorkgroupSize:   64,
		MaxDispatchKeys: 1 << 20,
		Sorter:          "host",
		StagingMaxBytes: 256 * 1024 * 1024, // 256MB

		// Device defaults
		DeviceMemoryLimit: 1024 * 1024 * 1024, // 1GB
		DeviceParallelism: 0,                  // GOMAXPROCS

		// Server defaults
		ListenAddr:       "localhost:50061",
		Compression:      "none",
		RateBurst:        64,
		MaxMessageSize:   64 * 1024 * 1024, // 64MB
		KeepaliveTime:    30,
		KeepaliveTimeout: 10,

		LogLevel:  "info",
		LogFormat: "text",

		Telemetry: tel,
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.Version <= 0 {
		return fmt.Errorf("%w: invalid version %d", ErrInvalidConfig, c.Version)
	}

	if c.Capacity == 0 {
		return fmt.Errorf("%w: capacity must be positive", ErrInvalidConfig)
	}

	if c.WorkgroupSize == 0 || c.WorkgroupSize > 1024 {
		return fmt.Errorf("%w: workgroup size must be between 1 and 1024", ErrInvalidConfig)
	}

	if c.MaxDispatchKeys <= 0 {
		return fmt.Errorf("%w: max dispatch keys must be positive", ErrInvalidConfig)
	}

	switch c.Sorter {
	case "", "host", "radix":
	default:
		return fmt.Errorf("%w: unknown sorter %q", ErrInvalidConfig, c.Sorter)
	}

	if c.StagingMaxBytes < 1024 {
		return fmt.Errorf("%w: staging max bytes must be at least 1024", ErrInvalidConfig)
	}

	if c.DeviceMemoryLimit < 0 {
		return fmt.Errorf("%w: device memory limit must not be negative", ErrInvalidConfig)
	}

	if c.DeviceParallelism < 0 {
		return fmt.Errorf("%w: device parallelism must not be negative", ErrInvalidConfig)
	}

	switch c.Compression {
	case "", "none", "zstd", "snappy", "lz4":
	default:
		return fmt.Errorf("%w: unknown compression %q", ErrInvalidConfig, c.Compression)
	}

	if c.RateLimit < 0 {
		return fmt.Errorf("%w: rate limit must not be negative", ErrInvalidConfig)
	}

	if c.RateLimit > 0 && c.RateBurst <= 0 {
		return fmt.Errorf("%w: rate burst must be positive when rate limiting", ErrInvalidConfig)
	}

	if c.TLSEnabled && (c.TLSCertFile == "" || c.TLSKeyFile == "") {
		return fmt.Errorf("%w: TLS requires cert and key files", ErrInvalidConfig)
	}

	switch strings.ToLower(c.LogFormat) {
	case "", "text", "json":
	default:
		return fmt.Errorf("%w: unknown log format %q", ErrInvalidConfig, c.LogFormat)
	}

	if c.Telemetry.Enabled {
		if err := c.Telemetry.Validate(); err != nil {
			return fmt.Errorf("%w: telemetry: %v", ErrInvalidConfig, err)
		}
	}

	return nil
}

// LoadConfig reads a JSON or YAML config file, chosen by extension, over the
// defaults. The result is validated.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrConfigNotFound
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := NewDefaultConfig()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save writes the configuration to path, replacing any existing file
// atomically.
func (c *Config) Save(path string) error {
	if err := c.Validate(); err != nil {
		return err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(c)
	default:
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("failed to rename config: %w", err)
	}

	return nil
}

// LoadFromEnv applies SLABKV_* environment overrides. Unparseable values are
// ignored.
func (c *Config) LoadFromEnv() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if val := os.Getenv("SLABKV_CAPACITY"); val != "" {
		if n, err := strconv.ParseUint(val, 10, 32); err == nil {
			c.Capacity = uint32(n)
		}
	}

	if val := os.Getenv("SLABKV_WORKGROUP_SIZE"); val != "" {
		if n, err := strconv.ParseUint(val, 10, 32); err == nil {
			c.WorkgroupSize = uint32(n)
		}
	}

	if val := os.Getenv("SLABKV_MAX_DISPATCH_KEYS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.MaxDispatchKeys = n
		}
	}

	if val := os.Getenv("SLABKV_SORTER"); val != "" {
		c.Sorter = val
	}

	if val := os.Getenv("SLABKV_DEVICE_MEMORY_LIMIT"); val != "" {
		if n, err := strconv.ParseInt(val, 10, 64); err == nil {
			c.DeviceMemoryLimit = n
		}
	}

	if val := os.Getenv("SLABKV_DEVICE_PARALLELISM"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.DeviceParallelism = n
		}
	}

	if val := os.Getenv("SLABKV_LISTEN_ADDR"); val != "" {
		c.ListenAddr = val
	}

	if val := os.Getenv("SLABKV_COMPRESSION"); val != "" {
		c.Compression = val
	}

	if val := os.Getenv("SLABKV_RATE_LIMIT"); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			c.RateLimit = f
		}
	}

	if val := os.Getenv("SLABKV_LOG_LEVEL"); val != "" {
		c.LogLevel = val
	}

	if val := os.Getenv("SLABKV_LOG_FORMAT"); val != "" {
		c.LogFormat = val
	}

	c.Telemetry.LoadFromEnv()
}

// Update applies the given function to modify the configuration
func (c *Config) Update(fn func(*Config)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c)
}
