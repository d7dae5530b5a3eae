package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Stockflow StockflowConfig `yaml:"stockflow"`
	Store     StoreConfig     `yaml:"store"`
	Feed      FeedConfig      `yaml:"feed"`
	Cache     CacheConfig     `yaml:"cache"`
	Calendar  CalendarConfig  `yaml:"calendar"`
	Storage   StorageConfig   `yaml:"storage"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type StockflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type StoreConfig struct {
	DSN      string `yaml:"dsn"`
	MaxConns int32  `yaml:"max_conns"`
	MinConns int32  `yaml:"min_conns"`
}

type FeedConfig struct {
	BaseURL   string           `yaml:"base_url"`
	KeyID     string           `yaml:"key_id"`
	SecretKey string           `yaml:"secret_key"`
	Variant   string           `yaml:"variant"`
	PageLimit int              `yaml:"page_limit"`
	MaxPages  int              `yaml:"max_pages"`
	Timeout   time.Duration    `yaml:"timeout"`
	RateLimit RateLimitConfig  `yaml:"rate_limit"`
	Stream    FeedStreamConfig `yaml:"stream"`
}

type RateLimitConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
	BurstSize         int `yaml:"burst_size"`
}

type FeedStreamConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
}

type CacheConfig struct {
	StartToleranceDays int `yaml:"start_tolerance_days"`
	EndToleranceDays   int `yaml:"end_tolerance_days"`
	UpsertBatchSize    int `yaml:"upsert_batch_size"`
}

type CalendarConfig struct {
	ExtraHolidays []string `yaml:"extra_holidays"`
}

type StorageConfig struct {
	S3 S3Config `yaml:"s3"`
}

type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Prefix          string `yaml:"prefix"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	Compression     string `yaml:"compression"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type MetricsConfig struct {
	Enabled    bool             `yaml:"enabled"`
	CloudWatch CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Region    string        `yaml:"region"`
	Namespace string        `yaml:"namespace"`
	Interval  time.Duration `yaml:"interval"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

// DefaultConfigPath is where LoadConfig looks when no path is given.
const DefaultConfigPath = "config/config.yml"

func LoadConfig(path string) (*Config, error) {
	path = resolveEnvSpecificPath(path, DefaultConfigPath)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{
		Feed: FeedConfig{
			Variant:   "iex",
			PageLimit: 10000,
			MaxPages:  16,
			Timeout:   30 * time.Second,
			RateLimit: RateLimitConfig{RequestsPerMinute: 200, BurstSize: 10},
		},
		Cache: CacheConfig{
			StartToleranceDays: 5,
			EndToleranceDays:   3,
			UpsertBatchSize:    500,
		},
		Store:   StoreConfig{MaxConns: 10, MinConns: 2},
		Storage: StorageConfig{S3: S3Config{Compression: "snappy"}},
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(&config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

// applyEnvOverrides lets deployment credentials beat file values so secrets
// never have to live in the YAML.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Store.DSN = strings.TrimSpace(v)
	}
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Feed.KeyID = strings.TrimSpace(v)
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Feed.SecretKey = strings.TrimSpace(v)
	}

	if cfg.Storage.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			cfg.Storage.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			cfg.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			cfg.Storage.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			cfg.Storage.S3.Bucket = strings.TrimSpace(v)
		}
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Stockflow.Name == "" {
		return fmt.Errorf("stockflow.name is required")
	}
	if cfg.Stockflow.Version == "" {
		return fmt.Errorf("stockflow.version is required")
	}
	if cfg.Store.DSN == "" {
		return fmt.Errorf("store.dsn is required (or set DATABASE_URL)")
	}
	if cfg.Feed.BaseURL == "" {
		return fmt.Errorf("feed.base_url is required")
	}
	if cfg.Feed.PageLimit <= 0 {
		return fmt.Errorf("feed.page_limit must be positive")
	}
	if cfg.Feed.MaxPages <= 0 {
		return fmt.Errorf("feed.max_pages must be positive")
	}
	if cfg.Cache.StartToleranceDays < 0 || cfg.Cache.EndToleranceDays < 0 {
		return fmt.Errorf("cache tolerances must not be negative")
	}
	if cfg.Cache.UpsertBatchSize <= 0 {
		return fmt.Errorf("cache.upsert_batch_size must be positive")
	}
	if cfg.Storage.S3.Enabled && cfg.Storage.S3.Bucket == "" {
		return fmt.Errorf("storage.s3.bucket is required when s3 is enabled")
	}
	if cfg.Feed.Stream.Enabled && cfg.Feed.Stream.URL == "" {
		return fmt.Errorf("feed.stream.url is required when the stream is enabled")
	}
	return nil
}
