// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/catalog-crawler/internal/extractor"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig        `mapstructure:"server"`
	Auth      AuthConfig          `mapstructure:"auth"`
	Crawler   CrawlerConfig       `mapstructure:"crawler"`
	Extractor extractor.Selectors `mapstructure:"extractor"`
	HTTP      HTTPConfig          `mapstructure:"http"`
	Watcher   WatcherConfig       `mapstructure:"watcher"`
	State     StateConfig         `mapstructure:"state"`
	Queue     QueueConfig         `mapstructure:"queue"`
	Redis     RedisConfig         `mapstructure:"redis"`
	Export    ExportConfig        `mapstructure:"export"`
	Database  DatabaseConfig      `mapstructure:"database"`
	PubSub    PubSubConfig        `mapstructure:"pubsub"`
	Logging   LoggingConfig       `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                  int `mapstructure:"port"`
	RequestTimeoutSeconds int `mapstructure:"request_timeout_seconds"`
	RetryAfterSeconds     int `mapstructure:"retry_after_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// CrawlerConfig governs URL classification and the worker pool.
type CrawlerConfig struct {
	BaseURL            string   `mapstructure:"base_url"`
	RootPattern        string   `mapstructure:"root_pattern"`
	LeafPrefixes       []string `mapstructure:"leaf_prefixes"`
	BranchPrefixes     []string `mapstructure:"branch_prefixes"`
	RootLinkSelector   string   `mapstructure:"root_link_selector"`
	NestedLinkSelector string   `mapstructure:"nested_link_selector"`
	Workers            int      `mapstructure:"workers"`
	MaxRecords         int      `mapstructure:"max_records"`
	CheckCategory      bool     `mapstructure:"check_category"`
}

// HTTPConfig configures the fetch client.
type HTTPConfig struct {
	UserAgent        string `mapstructure:"user_agent"`
	TimeoutSeconds   int    `mapstructure:"timeout_seconds"`
	MaxRetries       int    `mapstructure:"max_retries"`
	BackoffInitialMs int    `mapstructure:"backoff_initial_ms"`
}

// WatcherConfig bounds completion detection.
type WatcherConfig struct {
	PollIntervalMs int `mapstructure:"poll_interval_ms"`
	MaxWaitSeconds int `mapstructure:"max_wait_seconds"`
}

// StateConfig selects the state store backend.
type StateConfig struct {
	Backend            string `mapstructure:"backend"`
	CleanupAfterExport bool   `mapstructure:"cleanup_after_export"`
}

// QueueConfig selects the task queue backend.
type QueueConfig struct {
	Backend       string `mapstructure:"backend"`
	Key           string `mapstructure:"key"`
	PollTimeoutMs int    `mapstructure:"poll_timeout_ms"`
}

// RedisConfig connects the redis-backed store and queue.
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// ExportConfig selects where finished CSVs are written.
type ExportConfig struct {
	Backend   string `mapstructure:"backend"`
	Prefix    string `mapstructure:"prefix"`
	LocalDir  string `mapstructure:"local_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
}

// DatabaseConfig controls the optional Postgres record archive.
type DatabaseConfig struct {
	DSN                    string `mapstructure:"dsn"`
	Table                  string `mapstructure:"table"`
	MaxConns               int32  `mapstructure:"max_conns"`
	MinConns               int32  `mapstructure:"min_conns"`
	MaxConnLifetimeMinutes int    `mapstructure:"max_conn_lifetime_minutes"`
	EnsureSchema           bool   `mapstructure:"ensure_schema"`
}

// PubSubConfig holds metadata for completion notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig configures zap and optional file rotation.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
	File        string `mapstructure:"file"`
	MaxSizeMB   int    `mapstructure:"max_size_mb"`
	MaxBackups  int    `mapstructure:"max_backups"`
	MaxAgeDays  int    `mapstructure:"max_age_days"`
}

// Backend names accepted by state.backend, queue.backend and export.backend.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendLocal  = "local"
	BackendGCS    = "gcs"
)

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
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
	sel := extractor.DefaultSelectors()

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout_seconds", 60)
	v.SetDefault("server.retry_after_seconds", 5)
	v.SetDefault("crawler.base_url", "https://www.coursera.org")
	v.SetDefault("crawler.root_pattern", "/browse/%s")
	v.SetDefault("crawler.leaf_prefixes", []string{"learn"})
	v.SetDefault("crawler.branch_prefixes", []string{"specializations", "professional-certificates"})
	v.SetDefault("crawler.root_link_selector", "a[href]")
	v.SetDefault("crawler.nested_link_selector", "a[data-e2e=course-link]")
	v.SetDefault("crawler.workers", 8)
	v.SetDefault("crawler.max_records", 0)
	v.SetDefault("crawler.check_category", false)
	v.SetDefault("extractor.breadcrumbs", sel.Breadcrumbs)
	v.SetDefault("extractor.name", sel.Name)
	v.SetDefault("extractor.ratings", sel.Ratings)
	v.SetDefault("extractor.students", sel.Students)
	v.SetDefault("extractor.instructor", sel.Instructor)
	v.SetDefault("extractor.description", sel.Description)
	v.SetDefault("extractor.providers", sel.Providers)
	v.SetDefault("http.user_agent", "catalog-crawler/0.1")
	v.SetDefault("http.timeout_seconds", 15)
	v.SetDefault("http.max_retries", 3)
	v.SetDefault("http.backoff_initial_ms", 500)
	v.SetDefault("watcher.poll_interval_ms", 1000)
	v.SetDefault("watcher.max_wait_seconds", 300)
	v.SetDefault("state.backend", BackendMemory)
	v.SetDefault("state.cleanup_after_export", false)
	v.SetDefault("queue.backend", BackendMemory)
	v.SetDefault("queue.key", "catalog:queue")
	v.SetDefault("queue.poll_timeout_ms", 1000)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.key_prefix", "catalog")
	v.SetDefault("export.backend", BackendMemory)
	v.SetDefault("export.prefix", "exports")
	v.SetDefault("export.local_dir", "./data")
	v.SetDefault("database.table", "course_records")
	v.SetDefault("database.ensure_schema", true)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age_days", 28)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Crawler.BaseURL == "" {
		return fmt.Errorf("crawler.base_url is required")
	}
	if c.Crawler.Workers <= 0 {
		return fmt.Errorf("crawler.workers must be > 0")
	}
	if c.Crawler.MaxRecords < 0 {
		return fmt.Errorf("crawler.max_records must be >= 0")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.HTTP.MaxRetries < 0 {
		return fmt.Errorf("http.max_retries must be >= 0")
	}
	if c.Watcher.PollIntervalMs <= 0 {
		return fmt.Errorf("watcher.poll_interval_ms must be > 0")
	}
	if c.Watcher.MaxWaitSeconds <= 0 {
		return fmt.Errorf("watcher.max_wait_seconds must be > 0")
	}
	if err := oneOf("state.backend", c.State.Backend, BackendMemory, BackendRedis); err != nil {
		return err
	}
	if err := oneOf("queue.backend", c.Queue.Backend, BackendMemory, BackendRedis); err != nil {
		return err
	}
	if err := oneOf("export.backend", c.Export.Backend, BackendMemory, BackendLocal, BackendGCS); err != nil {
		return err
	}
	if c.Queue.Backend == BackendRedis && c.State.Backend != BackendRedis {
		return fmt.Errorf("queue.backend redis requires state.backend redis")
	}
	if c.UsesRedis() && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required for the redis backend")
	}
	if c.Export.Backend == BackendGCS && c.Export.GCSBucket == "" {
		return fmt.Errorf("export.gcs_bucket is required for the gcs backend")
	}
	if c.Export.Backend == BackendLocal && c.Export.LocalDir == "" {
		return fmt.Errorf("export.local_dir is required for the local backend")
	}
	if (c.PubSub.ProjectID == "") != (c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set together")
	}
	return nil
}

func oneOf(key, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("%s must be one of %s, got %q", key, strings.Join(allowed, ", "), value)
}

// UsesRedis reports whether any backend needs a redis client.
func (c Config) UsesRedis() bool {
	return c.State.Backend == BackendRedis || c.Queue.Backend == BackendRedis
}

// RequestTimeout is the per-request HTTP handler budget.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.RequestTimeoutSeconds) * time.Second
}

// RetryAfter is the delay suggested to clients polling a pending session.
func (c Config) RetryAfter() time.Duration {
	return time.Duration(c.Server.RetryAfterSeconds) * time.Second
}

// FetchTimeout bounds a single page request.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// BackoffInitial is the first retry delay of the fetch client.
func (c Config) BackoffInitial() time.Duration {
	return time.Duration(c.HTTP.BackoffInitialMs) * time.Millisecond
}

// PollInterval is the completion watcher's tick.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.Watcher.PollIntervalMs) * time.Millisecond
}

// MaxWait bounds how long a session drains before exporting.
func (c Config) MaxWait() time.Duration {
	return time.Duration(c.Watcher.MaxWaitSeconds) * time.Second
}

// QueuePollTimeout is the redis BRPOP timeout.
func (c Config) QueuePollTimeout() time.Duration {
	return time.Duration(c.Queue.PollTimeoutMs) * time.Millisecond
}

// ConnMaxLifetime bounds pooled Postgres connections.
func (c Config) ConnMaxLifetime() time.Duration {
	return time.Duration(c.Database.MaxConnLifetimeMinutes) * time.Minute
}
