// Package config loads and validates scanner configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Scan       ScanConfig       `mapstructure:"scan"`
	Fetch      FetchConfig      `mapstructure:"fetch"`
	Headless   HeadlessConfig   `mapstructure:"headless"`
	Store      StoreConfig      `mapstructure:"store"`
	Blob       BlobConfig       `mapstructure:"blob"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	Summarizer SummarizerConfig `mapstructure:"summarizer"`
	RateLimit  RateLimitConfig  `mapstructure:"ratelimit"`
	Progress   ProgressConfig   `mapstructure:"progress"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                int `mapstructure:"port"`
	RequestTimeoutSec   int `mapstructure:"request_timeout_seconds"`
	ShutdownTimeoutSec  int `mapstructure:"shutdown_timeout_seconds"`
	ReadHeaderTimeoutMs int `mapstructure:"read_header_timeout_ms"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// ScanConfig governs the two-phase scan and its background runner.
type ScanConfig struct {
	Workers           int    `mapstructure:"workers"`
	QueueDepth        int    `mapstructure:"queue_depth"`
	MaxURLs           int    `mapstructure:"max_urls"`
	PhaseATimeoutSec  int    `mapstructure:"phase_a_timeout_seconds"`
	GlobalTimeoutSec  int    `mapstructure:"global_timeout_seconds"`
	MinQuickText      int    `mapstructure:"min_quick_text"`
	EscalateThreshold int    `mapstructure:"escalate_threshold"`
	CompletionTopic   string `mapstructure:"completion_topic"`
}

// FetchConfig configures the static fetcher and per-session caps.
type FetchConfig struct {
	UserAgent           string `mapstructure:"user_agent"`
	RespectRobots       bool   `mapstructure:"respect_robots"`
	ConnectTimeoutSec   int    `mapstructure:"connect_timeout_seconds"`
	ReadTimeoutSec      int    `mapstructure:"read_timeout_seconds"`
	MaxRetries          int    `mapstructure:"max_retries"`
	BackoffInitialMs    int    `mapstructure:"backoff_initial_ms"`
	StaticConcurrency   int    `mapstructure:"static_concurrency"`
	RenderedConcurrency int    `mapstructure:"rendered_concurrency"`
}

// HeadlessConfig configures the rendering subsystem.
type HeadlessConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	Engine        string `mapstructure:"engine"`
	MaxParallel   int    `mapstructure:"max_parallel"`
	NavTimeoutSec int    `mapstructure:"nav_timeout_seconds"`
	SettleDelayMs int    `mapstructure:"settle_delay_ms"`
	ExecPath      string `mapstructure:"exec_path"`
	NoSandbox     bool   `mapstructure:"no_sandbox"`
}

// StoreConfig selects the metadata store.
type StoreConfig struct {
	Backend  string         `mapstructure:"backend"`
	SQLite   SQLiteConfig   `mapstructure:"sqlite"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// SQLiteConfig points at the embedded database file.
type SQLiteConfig struct {
	Path          string `mapstructure:"path"`
	BusyTimeoutMs int    `mapstructure:"busy_timeout_ms"`
}

// PostgresConfig controls access to the relational database.
type PostgresConfig struct {
	DSN                string `mapstructure:"dsn"`
	MaxConns           int32  `mapstructure:"max_conns"`
	MinConns           int32  `mapstructure:"min_conns"`
	MaxConnLifetimeSec int    `mapstructure:"max_conn_lifetime_seconds"`
	Migrate            bool   `mapstructure:"migrate"`
}

// BlobConfig selects where raw and text content is written.
type BlobConfig struct {
	Backend string        `mapstructure:"backend"`
	Local   LocalConfig   `mapstructure:"local"`
	GCS     GCSBlobConfig `mapstructure:"gcs"`
}

// LocalConfig roots the filesystem blob store.
type LocalConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// GCSBlobConfig names the bucket used for content blobs.
type GCSBlobConfig struct {
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
}

// PubSubConfig holds metadata for completion notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// SummarizerConfig configures the Gemini profile writer.
type SummarizerConfig struct {
	APIKey      string  `mapstructure:"api_key"`
	Model       string  `mapstructure:"model"`
	Temperature float32 `mapstructure:"temperature"`
}

// RateLimitConfig holds per-domain politeness settings.
type RateLimitConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	DefaultRPS   float64 `mapstructure:"default_rps"`
	DefaultBurst int     `mapstructure:"default_burst"`
}

// ProgressConfig tunes the progress hub and its sinks.
type ProgressConfig struct {
	Enabled           bool        `mapstructure:"enabled"`
	BufferSize        int         `mapstructure:"buffer_size"`
	Batch             BatchConfig `mapstructure:"batch"`
	SinkTimeoutMs     int         `mapstructure:"sink_timeout_ms"`
	LogEnabled        bool        `mapstructure:"log_enabled"`
	PrometheusEnabled bool        `mapstructure:"prometheus_enabled"`
}

// BatchConfig bounds hub flushes.
type BatchConfig struct {
	MaxEvents int `mapstructure:"max_events"`
	MaxWaitMs int `mapstructure:"max_wait_ms"`
}

// TelemetryConfig controls OpenTelemetry tracing.
type TelemetryConfig struct {
	TracingEnabled bool    `mapstructure:"tracing_enabled"`
	ServiceName    string  `mapstructure:"service_name"`
	ProjectID      string  `mapstructure:"project_id"`
	SampleRatio    float64 `mapstructure:"sample_ratio"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SCAN")
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
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout_seconds", 90)
	v.SetDefault("server.shutdown_timeout_seconds", 30)
	v.SetDefault("server.read_header_timeout_ms", 5000)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("scan.workers", 4)
	v.SetDefault("scan.queue_depth", 64)
	v.SetDefault("scan.max_urls", 20)
	v.SetDefault("scan.phase_a_timeout_seconds", 20)
	v.SetDefault("scan.global_timeout_seconds", 60)
	v.SetDefault("scan.min_quick_text", 500)
	v.SetDefault("scan.escalate_threshold", 300)
	v.SetDefault("scan.completion_topic", "snapshot-completed")
	v.SetDefault("fetch.user_agent", "Mozilla/5.0 (compatible; SimpleCompTool/1.0)")
	v.SetDefault("fetch.respect_robots", false)
	v.SetDefault("fetch.connect_timeout_seconds", 5)
	v.SetDefault("fetch.read_timeout_seconds", 15)
	v.SetDefault("fetch.max_retries", 2)
	v.SetDefault("fetch.backoff_initial_ms", 1000)
	v.SetDefault("fetch.static_concurrency", 5)
	v.SetDefault("fetch.rendered_concurrency", 2)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.engine", "chromedp")
	v.SetDefault("headless.max_parallel", 2)
	v.SetDefault("headless.nav_timeout_seconds", 15)
	v.SetDefault("headless.settle_delay_ms", 500)
	v.SetDefault("headless.exec_path", "")
	v.SetDefault("headless.no_sandbox", false)
	v.SetDefault("store.backend", "memory")
	v.SetDefault("store.sqlite.path", "simplecomptool.db")
	v.SetDefault("store.sqlite.busy_timeout_ms", 5000)
	v.SetDefault("store.postgres.dsn", "")
	v.SetDefault("store.postgres.max_conns", 8)
	v.SetDefault("store.postgres.max_conn_lifetime_seconds", 1800)
	v.SetDefault("store.postgres.migrate", true)
	v.SetDefault("blob.backend", "memory")
	v.SetDefault("blob.local.base_dir", "data/blobs")
	v.SetDefault("blob.gcs.bucket", "")
	v.SetDefault("blob.gcs.prefix", "")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("summarizer.api_key", "")
	v.SetDefault("summarizer.model", "gemini-2.5-flash")
	v.SetDefault("summarizer.temperature", 0.2)
	v.SetDefault("ratelimit.enabled", false)
	v.SetDefault("ratelimit.default_rps", 2.0)
	v.SetDefault("ratelimit.default_burst", 2)
	v.SetDefault("progress.enabled", true)
	v.SetDefault("progress.buffer_size", 4096)
	v.SetDefault("progress.batch.max_events", 1000)
	v.SetDefault("progress.batch.max_wait_ms", 500)
	v.SetDefault("progress.sink_timeout_ms", 10000)
	v.SetDefault("progress.log_enabled", true)
	v.SetDefault("progress.prometheus_enabled", true)
	v.SetDefault("telemetry.tracing_enabled", false)
	v.SetDefault("telemetry.service_name", "simplecomptool")
	v.SetDefault("telemetry.project_id", "")
	v.SetDefault("telemetry.sample_ratio", 1.0)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Scan.Workers <= 0 {
		return fmt.Errorf("scan.workers must be > 0")
	}
	if c.Scan.QueueDepth <= 0 {
		return fmt.Errorf("scan.queue_depth must be > 0")
	}
	if c.Scan.MaxURLs <= 0 || c.Scan.MaxURLs > 20 {
		return fmt.Errorf("scan.max_urls must be between 1 and 20")
	}
	if c.Scan.PhaseATimeoutSec <= 0 {
		return fmt.Errorf("scan.phase_a_timeout_seconds must be > 0")
	}
	if c.Scan.GlobalTimeoutSec < c.Scan.PhaseATimeoutSec {
		return fmt.Errorf("scan.global_timeout_seconds must be >= scan.phase_a_timeout_seconds")
	}
	if c.Fetch.ReadTimeoutSec <= 0 {
		return fmt.Errorf("fetch.read_timeout_seconds must be > 0")
	}
	if c.Fetch.MaxRetries < 0 {
		return fmt.Errorf("fetch.max_retries must be >= 0")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	switch c.Headless.Engine {
	case "chromedp", "rod":
	default:
		return fmt.Errorf("headless.engine must be chromedp or rod, got %q", c.Headless.Engine)
	}
	switch c.Store.Backend {
	case "memory":
	case "sqlite":
		if strings.TrimSpace(c.Store.SQLite.Path) == "" {
			return fmt.Errorf("store.sqlite.path must be set for the sqlite backend")
		}
	case "postgres":
		if c.Store.Postgres.DSN == "" {
			return fmt.Errorf("store.postgres.dsn must be set for the postgres backend")
		}
	default:
		return fmt.Errorf("store.backend must be memory, sqlite or postgres, got %q", c.Store.Backend)
	}
	switch c.Blob.Backend {
	case "memory":
	case "local":
		if strings.TrimSpace(c.Blob.Local.BaseDir) == "" {
			return fmt.Errorf("blob.local.base_dir must be set for the local backend")
		}
	case "gcs":
		if c.Blob.GCS.Bucket == "" {
			return fmt.Errorf("blob.gcs.bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("blob.backend must be memory, local or gcs, got %q", c.Blob.Backend)
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be between 0 and 1")
	}
	return nil
}

// PhaseATimeout is the synchronous priority-phase deadline.
func (c Config) PhaseATimeout() time.Duration {
	return time.Duration(c.Scan.PhaseATimeoutSec) * time.Second
}

// GlobalTimeout bounds the synchronous part of a scan request.
func (c Config) GlobalTimeout() time.Duration {
	return time.Duration(c.Scan.GlobalTimeoutSec) * time.Second
}

// RetryDelays expands the retry settings into a doubling backoff schedule.
func (c Config) RetryDelays() []time.Duration {
	delays := make([]time.Duration, 0, c.Fetch.MaxRetries)
	delay := time.Duration(c.Fetch.BackoffInitialMs) * time.Millisecond
	for i := 0; i < c.Fetch.MaxRetries; i++ {
		delays = append(delays, delay)
		delay *= 2
	}
	return delays
}
