// Package config loads the worker's YAML configuration file and
// overlays environment-variable overrides on top of it.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig configures the ambient health/metrics HTTP surface.
type ServerConfig struct {
	MetricsPort string `yaml:"metrics_port"`
	HealthPort  string `yaml:"health_port"`
}

// QueueConfig configures the work queue (C6).
type QueueConfig struct {
	Capacity          int           `yaml:"capacity"`
	VisibilityTimeout time.Duration `yaml:"visibility_timeout"`
	MaxAttempts       int           `yaml:"max_attempts"`
}

// VectorIndexConfig configures the ANN index (C4).
type VectorIndexConfig struct {
	TrainingThreshold int    `yaml:"training_threshold"`
	NList             int    `yaml:"nlist"`
	NProbe            int    `yaml:"nprobe"`
	PersistDir        string `yaml:"persist_dir"`
}

// CacheConfig configures the embedding cache (C3).
type CacheConfig struct {
	Backend    string        `yaml:"backend"` // "memory" or "redis"
	RedisAddr  string        `yaml:"redis_addr"`
	DefaultTTL time.Duration `yaml:"default_ttl"`
}

// ResilienceConfig configures retry and circuit-breaker defaults (C2).
type ResilienceConfig struct {
	MaxAttempts      int           `yaml:"max_attempts"`
	InitialDelay     time.Duration `yaml:"initial_delay"`
	MaxDelay         time.Duration `yaml:"max_delay"`
	FailureThreshold uint32        `yaml:"failure_threshold"`
	OpenTimeout      time.Duration `yaml:"open_timeout"`
	SuccessThreshold uint32        `yaml:"success_threshold"`
}

// DedupConfig configures the confidence bands used by the
// deduplicator (C8).
type DedupConfig struct {
	HighThreshold   float64 `yaml:"high_threshold"`
	MediumThreshold float64 `yaml:"medium_threshold"`
	BorderlineBand  float64 `yaml:"borderline_band"`
}

// NotifierConfig configures outbound webhook delivery (C12).
type NotifierConfig struct {
	WebhookURL     string        `yaml:"webhook_url"`
	WebhookTimeout time.Duration `yaml:"webhook_timeout"`
	MaxAttempts    int           `yaml:"max_attempts"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DatabaseConfig mirrors internal/database.Config's YAML-facing shape.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"ssl_mode"`
}

// Config is the worker's full configuration tree.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Queue       QueueConfig       `yaml:"queue"`
	VectorIndex VectorIndexConfig `yaml:"vector_index"`
	Cache       CacheConfig       `yaml:"cache"`
	Resilience  ResilienceConfig  `yaml:"resilience"`
	Dedup       DedupConfig       `yaml:"dedup"`
	Notifier    NotifierConfig    `yaml:"notifier"`
	Logging     LoggingConfig     `yaml:"logging"`
	BlobDir     string            `yaml:"blob_dir"`
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{MetricsPort: "9090", HealthPort: "8081"},
		Database: DatabaseConfig{
			Host: "localhost", Port: 5432, User: "identaur", Database: "identaur", SSLMode: "disable",
		},
		Queue: QueueConfig{Capacity: 1000, VisibilityTimeout: 30 * time.Second, MaxAttempts: 5},
		VectorIndex: VectorIndexConfig{
			TrainingThreshold: 100, NList: 100, NProbe: 10,
		},
		Cache: CacheConfig{Backend: "memory", DefaultTTL: time.Hour},
		Resilience: ResilienceConfig{
			MaxAttempts: 5, InitialDelay: 200 * time.Millisecond, MaxDelay: 10 * time.Second,
			FailureThreshold: 5, OpenTimeout: 30 * time.Second, SuccessThreshold: 2,
		},
		Dedup: DedupConfig{HighThreshold: 0.93, MediumThreshold: 0.80, BorderlineBand: 0.02},
		Notifier: NotifierConfig{
			WebhookTimeout: 5 * time.Second, MaxAttempts: 3,
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
		BlobDir: "./data/blobs",
	}
}

// Load reads path, applies defaults for omitted fields, overlays
// environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func loadFromEnv(c *Config) error {
	if v := os.Getenv("DB_HOST"); v != "" {
		c.Database.Host = v
	}
	if v := os.Getenv("DB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Database.Port = port
		}
	}
	if v := os.Getenv("DB_USER"); v != "" {
		c.Database.User = v
	}
	if v := os.Getenv("DB_PASSWORD"); v != "" {
		c.Database.Password = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("METRICS_PORT"); v != "" {
		c.Server.MetricsPort = v
	}
	if v := os.Getenv("WEBHOOK_URL"); v != "" {
		c.Notifier.WebhookURL = v
	}
	if v := os.Getenv("CACHE_BACKEND"); v != "" {
		c.Cache.Backend = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Cache.RedisAddr = v
	}
	if v := os.Getenv("BLOB_DIR"); v != "" {
		c.BlobDir = v
	}
	return nil
}

func validate(c *Config) error {
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}
	if c.Database.User == "" {
		return fmt.Errorf("database user is required")
	}
	if c.Queue.Capacity <= 0 {
		return fmt.Errorf("queue capacity must be greater than 0")
	}
	if c.VectorIndex.NProbe > c.VectorIndex.NList && c.VectorIndex.NList > 0 {
		return fmt.Errorf("vector index nprobe must not exceed nlist")
	}
	switch c.Cache.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("unsupported cache backend %q", c.Cache.Backend)
	}
	if c.Cache.Backend == "redis" && c.Cache.RedisAddr == "" {
		return fmt.Errorf("cache redis_addr is required when backend is redis")
	}
	if c.Dedup.HighThreshold <= c.Dedup.MediumThreshold {
		return fmt.Errorf("dedup high_threshold must exceed medium_threshold")
	}
	return nil
}
