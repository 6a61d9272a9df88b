package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
logging:
  development: false
  level: debug
crawler:
  workers: 6
  queue_depth: 128
  chunk_max_tokens: 300
  user_agent: real-agent
  ignore_robots: true
  sites: ["https://example.com", "https://example.org"]
  schedule:
    enabled: true
    interval_seconds: 120
http:
  head_timeout_seconds: 5
  timeout_seconds: 45
headless:
  enabled: true
  max_parallel: 2
  nav_timeout_seconds: 30
  promotion_threshold: 70
embedding:
  provider: hashing
  dimensions: 64
recall:
  top_k: 8
store:
  backend: sqlite
  sqlite_path: /tmp/recall.db
archive:
  backend: local
  local_dir: /tmp/snapshots
publisher:
  backend: kafka
  topic: pages
  kafka_brokers: ["localhost:9092"]
`
	require.NoError(t, os.WriteFile(path, []byte(configYAML), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, 9090, cfg.Server.Port)
	require.False(t, cfg.Logging.Development)
	require.Equal(t, "debug", cfg.Logging.Level)
	require.Equal(t, 6, cfg.Crawler.Workers)
	require.Equal(t, 300, cfg.Crawler.ChunkMaxTokens)
	require.True(t, cfg.Crawler.IgnoreRobots)
	require.True(t, cfg.Crawler.ExtractText, "default should survive partial section")
	require.Equal(t, []string{"https://example.com", "https://example.org"}, cfg.Crawler.Sites)
	require.Equal(t, 2*time.Minute, cfg.ScheduleInterval())
	require.Equal(t, 5*time.Second, cfg.HeadTimeout())
	require.Equal(t, 45*time.Second, cfg.FetchTimeout())
	require.Equal(t, "hashing", cfg.Embedding.Provider)
	require.Equal(t, 64, cfg.Embedding.Dimensions)
	require.Equal(t, 8, cfg.Recall.TopK)
	require.Equal(t, "sqlite", cfg.Store.Backend)
	require.Equal(t, "local", cfg.Archive.Backend)
	require.Equal(t, []string{"localhost:9092"}, cfg.Publisher.KafkaBrokers)
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("RECALL_EMBEDDING_PROVIDER", "hashing")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, 10, cfg.Crawler.Workers)
	require.Equal(t, 1200, cfg.Crawler.ChunkMaxTokens)
	require.Equal(t, 10*time.Second, cfg.HeadTimeout())
	require.Equal(t, 60, cfg.Headless.NavTimeoutSec)
	require.Equal(t, 500, cfg.Headless.SettleMillis)
	require.True(t, cfg.Headless.BlockAssets)
	require.Equal(t, 5, cfg.Recall.TopK)
	require.Equal(t, "text-embedding-ada-002", cfg.Embedding.Model)
	require.Equal(t, "memory", cfg.Store.Backend)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("RECALL_EMBEDDING_API_KEY", "sk-test")
	t.Setenv("RECALL_RECALL_TOP_K", "3")
	t.Setenv("RECALL_STORE_BACKEND", "postgres")
	t.Setenv("RECALL_DATABASE_DSN", "postgres://localhost/recall")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "sk-test", cfg.Embedding.APIKey)
	require.Equal(t, 3, cfg.Recall.TopK)
	require.Equal(t, "postgres", cfg.Store.Backend)
	require.Equal(t, "postgres://localhost/recall", cfg.Database.DSN)
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorContains(t, err, "read config")
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Server:    ServerConfig{Port: 8080},
		Crawler:   CrawlerConfig{Workers: 1, QueueDepth: 1, ChunkMaxTokens: 10},
		HTTP:      HTTPConfig{HeadTimeoutSeconds: 10, TimeoutSeconds: 10},
		Embedding: EmbeddingConfig{Provider: "hashing"},
		Recall:    RecallConfig{TopK: 5},
		Store:     StoreConfig{Backend: "memory"},
		Archive:   ArchiveConfig{Backend: "none"},
		Publisher: PublisherConfig{Backend: "none"},
	}
	require.NoError(t, base.Validate())

	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"invalid port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"invalid workers", func(c *Config) { c.Crawler.Workers = 0 }, "crawler.workers"},
		{"invalid queue depth", func(c *Config) { c.Crawler.QueueDepth = 0 }, "crawler.queue_depth"},
		{"invalid chunk budget", func(c *Config) { c.Crawler.ChunkMaxTokens = 0 }, "crawler.chunk_max_tokens"},
		{"schedule without interval", func(c *Config) { c.Crawler.Schedule.Enabled = true }, "crawler.schedule.interval_seconds"},
		{"invalid head timeout", func(c *Config) { c.HTTP.HeadTimeoutSeconds = 0 }, "http.head_timeout_seconds"},
		{"invalid timeout", func(c *Config) { c.HTTP.TimeoutSeconds = 0 }, "http.timeout_seconds"},
		{"headless missing max parallel", func(c *Config) { c.Headless.Enabled = true }, "headless.max_parallel"},
		{"invalid top k", func(c *Config) { c.Recall.TopK = 0 }, "recall.top_k"},
		{"openai without key", func(c *Config) { c.Embedding.Provider = "openai" }, "embedding.api_key"},
		{"unknown provider", func(c *Config) { c.Embedding.Provider = "bert" }, "embedding.provider"},
		{"sqlite without path", func(c *Config) { c.Store.Backend = "sqlite" }, "store.sqlite_path"},
		{"postgres without dsn", func(c *Config) { c.Store.Backend = "postgres" }, "database.dsn"},
		{"unknown store", func(c *Config) { c.Store.Backend = "mongo" }, "store.backend"},
		{"gcs without bucket", func(c *Config) { c.Archive.Backend = "gcs" }, "archive.gcs_bucket"},
		{"local without dir", func(c *Config) { c.Archive.Backend = "local" }, "archive.local_dir"},
		{"pubsub without project", func(c *Config) { c.Publisher.Backend = "pubsub" }, "publisher.project_id"},
		{"kafka without brokers", func(c *Config) { c.Publisher.Backend = "kafka" }, "publisher.kafka_brokers"},
		{"unknown publisher", func(c *Config) { c.Publisher.Backend = "sns" }, "publisher.backend"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
