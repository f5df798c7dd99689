package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Store backends
const (
	StoreMemory = "memory"
	StoreLRU    = "lru"
	StoreRedis  = "redis"
)

// Config represents the complete configuration for a batch run
type Config struct {
	// Core configuration
	Targets  string `yaml:"targets" json:"targets"`
	Probe    string `yaml:"probe" json:"probe"`
	Run      string `yaml:"run" json:"run"`
	CABundle string `yaml:"ca_bundle" json:"ca_bundle"`

	// Performance
	Concurrency int     `yaml:"concurrency" json:"concurrency"`
	TimeoutSec  int     `yaml:"timeout" json:"timeout"`
	RatePerHost float64 `yaml:"rate_per_host" json:"rate_per_host"`
	RateBurst   int     `yaml:"rate_burst" json:"rate_burst"`

	// Result store
	Store       string `yaml:"store" json:"store"`
	CacheSize   int    `yaml:"cache_size" json:"cache_size"`
	CacheTTLSec int    `yaml:"cache_ttl" json:"cache_ttl"`

	// Output
	OutputFormat  string `yaml:"output_format" json:"output_format"`
	Ingest        string `yaml:"ingest" json:"ingest"`
	SpoolDir      string `yaml:"spool_dir" json:"spool_dir"`
	BatchMax      int    `yaml:"batch_max" json:"batch_max"`
	BatchFlushSec int    `yaml:"batch_flush_sec" json:"batch_flush_sec"`

	// Observability
	LogLevel     string `yaml:"log_level" json:"log_level"`
	MetricsAddr  string `yaml:"metrics_addr" json:"metrics_addr"`
	OTELEndpoint string `yaml:"otel_endpoint" json:"otel_endpoint"`
	OTELInsecure *bool  `yaml:"otel_insecure" json:"otel_insecure"`
	OTELService  string `yaml:"otel_service" json:"otel_service"`

	// Redis
	RedisAddr      string `yaml:"redis_addr" json:"redis_addr"`
	RedisQueueAddr string `yaml:"redis_queue_addr" json:"redis_queue_addr"`
	RedisQueueKey  string `yaml:"redis_queue_key" json:"redis_queue_key"`
}

// SetDefaults sets default values for the configuration
func (c *Config) SetDefaults() {
	if c.Probe == "" {
		c.Probe = "local-1"
	}
	if c.Run == "" {
		c.Run = fmt.Sprintf("run-%d", time.Now().Unix())
	}
	if c.Concurrency == 0 {
		c.Concurrency = 32
	}
	if c.TimeoutSec == 0 {
		c.TimeoutSec = 30
	}
	if c.RateBurst == 0 {
		c.RateBurst = 1
	}
	if c.Store == "" {
		c.Store = StoreMemory
	}
	if c.CacheSize == 0 {
		c.CacheSize = 4096
	}
	if c.OutputFormat == "" {
		c.OutputFormat = "jsonl"
	}
	if c.BatchMax == 0 {
		c.BatchMax = 500
	}
	if c.BatchFlushSec == 0 {
		c.BatchFlushSec = 2
	}
	if c.SpoolDir == "" {
		c.SpoolDir = "spool"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.OTELService == "" {
		c.OTELService = "sslinspect"
	}
	if c.OTELInsecure == nil {
		insecure := true
		c.OTELInsecure = &insecure
	}
	if c.RedisQueueKey == "" {
		c.RedisQueueKey = "sslinspect:queue"
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Targets == "" && c.RedisQueueAddr == "" {
		return fmt.Errorf("targets file path or redis_queue_addr is required")
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1")
	}
	if c.TimeoutSec < 1 {
		return fmt.Errorf("timeout must be at least 1 second")
	}
	if c.RatePerHost < 0 {
		return fmt.Errorf("rate_per_host must not be negative")
	}
	switch c.Store {
	case StoreMemory:
	case StoreLRU:
		if c.CacheSize < 1 {
			return fmt.Errorf("cache_size must be at least 1 for the lru store")
		}
	case StoreRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("redis_addr is required for the redis store")
		}
	default:
		return fmt.Errorf("unknown store %q (use memory, lru or redis)", c.Store)
	}
	if c.CacheTTLSec < 0 {
		return fmt.Errorf("cache_ttl must not be negative")
	}
	switch strings.ToLower(c.OutputFormat) {
	case "json", "jsonl", "ndjson", "csv", "table":
	default:
		return fmt.Errorf("unsupported output_format %q", c.OutputFormat)
	}
	if c.BatchMax < 1 {
		return fmt.Errorf("batch_max must be at least 1")
	}
	if c.BatchFlushSec < 1 {
		return fmt.Errorf("batch_flush_sec must be at least 1")
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log_level %q", c.LogLevel)
	}
	return nil
}

func (c *Config) Timeout() time.Duration { return time.Duration(c.TimeoutSec) * time.Second }

func (c *Config) CacheTTL() time.Duration { return time.Duration(c.CacheTTLSec) * time.Second }

func (c *Config) FlushEvery() time.Duration { return time.Duration(c.BatchFlushSec) * time.Second }

// OTLPInsecure reports whether the OTLP exporter skips TLS. Unset means true.
func (c *Config) OTLPInsecure() bool { return c.OTELInsecure == nil || *c.OTELInsecure }

// Load reads path, applies environment overrides and defaults, and
// validates the result.
func Load(path string) (*Config, error) {
	cfg, err := LoadFromFile(path)
	if err != nil {
		return nil, err
	}
	cfg.LoadFromEnv()
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML or JSON file. Defaults and
// validation are left to the caller.
func LoadFromFile(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	ext := strings.ToLower(filepath.Ext(path))

	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s (use .yaml, .yml, or .json)", ext)
	}

	return &config, nil
}

// MergeWithFlags merges command-line flags with file configuration
// Command-line flags take precedence over file configuration
func (c *Config) MergeWithFlags(flags map[string]interface{}) {
	if v, ok := flags["targets"].(string); ok && v != "" {
		c.Targets = v
	}
	if v, ok := flags["probe"].(string); ok && v != "" {
		c.Probe = v
	}
	if v, ok := flags["run"].(string); ok && v != "" {
		c.Run = v
	}
	if v, ok := flags["ca_bundle"].(string); ok && v != "" {
		c.CABundle = v
	}
	if v, ok := flags["concurrency"].(int); ok && v > 0 {
		c.Concurrency = v
	}
	if v, ok := flags["timeout"].(int); ok && v > 0 {
		c.TimeoutSec = v
	}
	// zero is meaningful here; negatives are left for Validate to reject
	if v, ok := flags["rate_per_host"].(float64); ok {
		c.RatePerHost = v
	}
	if v, ok := flags["rate_burst"].(int); ok && v > 0 {
		c.RateBurst = v
	}
	if v, ok := flags["store"].(string); ok && v != "" {
		c.Store = v
	}
	if v, ok := flags["cache_size"].(int); ok && v > 0 {
		c.CacheSize = v
	}
	if v, ok := flags["cache_ttl"].(int); ok {
		c.CacheTTLSec = v
	}
	if v, ok := flags["output_format"].(string); ok && v != "" {
		c.OutputFormat = v
	}
	if v, ok := flags["ingest"].(string); ok && v != "" {
		c.Ingest = v
	}
	if v, ok := flags["spool_dir"].(string); ok && v != "" {
		c.SpoolDir = v
	}
	if v, ok := flags["batch_max"].(int); ok && v > 0 {
		c.BatchMax = v
	}
	if v, ok := flags["batch_flush_sec"].(int); ok && v > 0 {
		c.BatchFlushSec = v
	}
	if v, ok := flags["log_level"].(string); ok && v != "" {
		c.LogLevel = v
	}
	if v, ok := flags["metrics_addr"].(string); ok && v != "" {
		c.MetricsAddr = v
	}
	if v, ok := flags["otel_endpoint"].(string); ok && v != "" {
		c.OTELEndpoint = v
	}
	if v, ok := flags["otel_insecure"].(bool); ok {
		c.OTELInsecure = &v
	}
	if v, ok := flags["redis_addr"].(string); ok && v != "" {
		c.RedisAddr = v
	}
	if v, ok := flags["redis_queue_addr"].(string); ok && v != "" {
		c.RedisQueueAddr = v
	}
	if v, ok := flags["redis_queue_key"].(string); ok && v != "" {
		c.RedisQueueKey = v
	}
	if v, ok := flags["otel_service"].(string); ok && v != "" {
		c.OTELService = v
	}
}

// LoadFromEnv loads configuration from environment variables
func (c *Config) LoadFromEnv() {
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.RedisAddr = v
	}
	if v := os.Getenv("REDIS_QUEUE_ADDR"); v != "" {
		c.RedisQueueAddr = v
	}
	if v := os.Getenv("REDIS_QUEUE_KEY"); v != "" {
		c.RedisQueueKey = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("SSL_CERT_FILE"); v != "" && c.CABundle == "" {
		c.CABundle = v
	}
}
