// Package config loads and validates service configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Crawler   CrawlerConfig   `mapstructure:"crawler"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Headless  HeadlessConfig  `mapstructure:"headless"`
	Embedding EmbeddingConfig `mapstructure:"embedding"`
	Recall    RecallConfig    `mapstructure:"recall"`
	Store     StoreConfig     `mapstructure:"store"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	Publisher PublisherConfig `mapstructure:"publisher"`
	Progress  ProgressConfig  `mapstructure:"progress"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                   int `mapstructure:"port"`
	RequestTimeoutSeconds  int `mapstructure:"request_timeout_seconds"`
	ShutdownTimeoutSeconds int `mapstructure:"shutdown_timeout_seconds"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// CrawlerConfig governs the worker pool and indexing pipeline.
type CrawlerConfig struct {
	Workers        int            `mapstructure:"workers"`
	QueueDepth     int            `mapstructure:"queue_depth"`
	ChunkMaxTokens int            `mapstructure:"chunk_max_tokens"`
	UserAgent      string         `mapstructure:"user_agent"`
	IgnoreRobots   bool           `mapstructure:"ignore_robots"`
	ExtractText    bool           `mapstructure:"extract_text"`
	Sites          []string       `mapstructure:"sites"`
	Schedule       ScheduleConfig `mapstructure:"schedule"`
}

// ScheduleConfig controls periodic re-crawls.
type ScheduleConfig struct {
	Enabled         bool `mapstructure:"enabled"`
	IntervalSeconds int  `mapstructure:"interval_seconds"`
}

// HTTPConfig configures the static fetcher.
type HTTPConfig struct {
	HeadTimeoutSeconds int `mapstructure:"head_timeout_seconds"`
	TimeoutSeconds     int `mapstructure:"timeout_seconds"`
}

// HeadlessConfig configures the headless rendering subsystem.
type HeadlessConfig struct {
	Enabled         bool `mapstructure:"enabled"`
	Always          bool `mapstructure:"always"`
	MaxParallel     int  `mapstructure:"max_parallel"`
	NavTimeoutSec   int  `mapstructure:"nav_timeout_seconds"`
	PromotionThresh int  `mapstructure:"promotion_threshold"`
	SettleMillis    int  `mapstructure:"settle_ms"`
	BlockAssets     bool `mapstructure:"block_assets"`
}

// EmbeddingConfig selects and tunes the embedding provider.
type EmbeddingConfig struct {
	Provider         string  `mapstructure:"provider"`
	APIKey           string  `mapstructure:"api_key"`
	BaseURL          string  `mapstructure:"base_url"`
	Model            string  `mapstructure:"model"`
	Dimensions       int     `mapstructure:"dimensions"`
	TimeoutSeconds   int     `mapstructure:"timeout_seconds"`
	RPS              float64 `mapstructure:"rps"`
	Burst            int     `mapstructure:"burst"`
	MaxConcurrent    int     `mapstructure:"max_concurrent"`
	MaxRetries       int     `mapstructure:"max_retries"`
	BackoffInitialMs int     `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int     `mapstructure:"backoff_max_ms"`
}

// RecallConfig tunes similarity search.
type RecallConfig struct {
	TopK int `mapstructure:"top_k"`
}

// StoreConfig picks the persistence backend.
type StoreConfig struct {
	Backend    string `mapstructure:"backend"`
	SQLitePath string `mapstructure:"sqlite_path"`
}

// DatabaseConfig controls access to Postgres.
type DatabaseConfig struct {
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MinConns     int    `mapstructure:"min_conns"`
	TablePrefix  string `mapstructure:"table_prefix"`
	Migrate      bool   `mapstructure:"migrate"`
}

// ArchiveConfig sets where raw page snapshots are written.
type ArchiveConfig struct {
	Backend     string `mapstructure:"backend"`
	GCSBucket   string `mapstructure:"gcs_bucket"`
	LocalDir    string `mapstructure:"local_dir"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
}

// PublisherConfig holds metadata for change notifications.
type PublisherConfig struct {
	Backend      string   `mapstructure:"backend"`
	Topic        string   `mapstructure:"topic"`
	ProjectID    string   `mapstructure:"project_id"`
	KafkaBrokers []string `mapstructure:"kafka_brokers"`
}

// ProgressConfig tunes the progress event hub.
type ProgressConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	LogSink       bool `mapstructure:"log_sink"`
	BufferSize    int  `mapstructure:"buffer_size"`
	BatchMaxItems int  `mapstructure:"batch_max_items"`
	BatchMaxMs    int  `mapstructure:"batch_max_ms"`
	SinkTimeoutMs int  `mapstructure:"sink_timeout_ms"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("RECALL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("recall-crawler")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/recall-crawler/")
		v.AddConfigPath("$HOME/.recall-crawler")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout_seconds", 60)
	v.SetDefault("server.shutdown_timeout_seconds", 10)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("crawler.workers", 10)
	v.SetDefault("crawler.queue_depth", 64)
	v.SetDefault("crawler.chunk_max_tokens", 1200)
	v.SetDefault("crawler.user_agent", "recall-crawler/0.1")
	v.SetDefault("crawler.ignore_robots", false)
	v.SetDefault("crawler.extract_text", true)
	v.SetDefault("crawler.sites", []string{})
	v.SetDefault("crawler.schedule.enabled", false)
	v.SetDefault("crawler.schedule.interval_seconds", 3600)
	v.SetDefault("http.head_timeout_seconds", 10)
	v.SetDefault("http.timeout_seconds", 30)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.always", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout_seconds", 60)
	v.SetDefault("headless.promotion_threshold", 60)
	v.SetDefault("headless.settle_ms", 500)
	v.SetDefault("headless.block_assets", true)
	v.SetDefault("embedding.provider", "openai")
	v.SetDefault("embedding.api_key", "")
	v.SetDefault("embedding.base_url", "https://api.openai.com/v1")
	v.SetDefault("embedding.model", "text-embedding-ada-002")
	v.SetDefault("embedding.dimensions", 0)
	v.SetDefault("embedding.timeout_seconds", 30)
	v.SetDefault("embedding.rps", 5)
	v.SetDefault("embedding.burst", 5)
	v.SetDefault("embedding.max_concurrent", 4)
	v.SetDefault("embedding.max_retries", 3)
	v.SetDefault("embedding.backoff_initial_ms", 250)
	v.SetDefault("embedding.backoff_max_ms", 5000)
	v.SetDefault("recall.top_k", 5)
	v.SetDefault("store.backend", "memory")
	v.SetDefault("store.sqlite_path", "recall.db")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.min_conns", 0)
	v.SetDefault("database.table_prefix", "")
	v.SetDefault("database.migrate", true)
	v.SetDefault("archive.backend", "none")
	v.SetDefault("archive.gcs_bucket", "")
	v.SetDefault("archive.local_dir", "snapshots")
	v.SetDefault("archive.prefix", "pages")
	v.SetDefault("archive.content_type", "text/html; charset=utf-8")
	v.SetDefault("publisher.backend", "none")
	v.SetDefault("publisher.topic", "page.reindexed")
	v.SetDefault("publisher.project_id", "")
	v.SetDefault("publisher.kafka_brokers", []string{})
	v.SetDefault("progress.enabled", true)
	v.SetDefault("progress.log_sink", true)
	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.batch_max_items", 100)
	v.SetDefault("progress.batch_max_ms", 500)
	v.SetDefault("progress.sink_timeout_ms", 2000)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Crawler.Workers <= 0 {
		return fmt.Errorf("crawler.workers must be > 0")
	}
	if c.Crawler.QueueDepth <= 0 {
		return fmt.Errorf("crawler.queue_depth must be > 0")
	}
	if c.Crawler.ChunkMaxTokens <= 0 {
		return fmt.Errorf("crawler.chunk_max_tokens must be > 0")
	}
	if c.Crawler.Schedule.Enabled && c.Crawler.Schedule.IntervalSeconds <= 0 {
		return fmt.Errorf("crawler.schedule.interval_seconds must be > 0 when the schedule is enabled")
	}
	if c.HTTP.HeadTimeoutSeconds <= 0 {
		return fmt.Errorf("http.head_timeout_seconds must be > 0")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	if c.Recall.TopK <= 0 {
		return fmt.Errorf("recall.top_k must be > 0")
	}
	switch c.Embedding.Provider {
	case "openai":
		if c.Embedding.APIKey == "" {
			return fmt.Errorf("embedding.api_key must be set for the openai provider")
		}
	case "hashing":
	default:
		return fmt.Errorf("embedding.provider %q is not supported", c.Embedding.Provider)
	}
	switch c.Store.Backend {
	case "memory":
	case "sqlite":
		if c.Store.SQLitePath == "" {
			return fmt.Errorf("store.sqlite_path must be set for the sqlite backend")
		}
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn must be set for the postgres backend")
		}
	default:
		return fmt.Errorf("store.backend %q is not supported", c.Store.Backend)
	}
	switch c.Archive.Backend {
	case "none", "memory":
	case "local":
		if c.Archive.LocalDir == "" {
			return fmt.Errorf("archive.local_dir must be set for the local backend")
		}
	case "gcs":
		if c.Archive.GCSBucket == "" {
			return fmt.Errorf("archive.gcs_bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("archive.backend %q is not supported", c.Archive.Backend)
	}
	switch c.Publisher.Backend {
	case "none", "memory":
	case "pubsub":
		if c.Publisher.ProjectID == "" {
			return fmt.Errorf("publisher.project_id must be set for the pubsub backend")
		}
	case "kafka":
		if len(c.Publisher.KafkaBrokers) == 0 {
			return fmt.Errorf("publisher.kafka_brokers must be set for the kafka backend")
		}
	default:
		return fmt.Errorf("publisher.backend %q is not supported", c.Publisher.Backend)
	}
	return nil
}

// HeadTimeout returns the HEAD precheck budget.
func (c Config) HeadTimeout() time.Duration {
	return time.Duration(c.HTTP.HeadTimeoutSeconds) * time.Second
}

// FetchTimeout returns the static content fetch budget.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// ScheduleInterval returns the re-crawl period.
func (c Config) ScheduleInterval() time.Duration {
	return time.Duration(c.Crawler.Schedule.IntervalSeconds) * time.Second
}
