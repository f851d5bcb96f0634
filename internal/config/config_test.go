package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Store.Backend != "memory" || cfg.Blob.Backend != "memory" {
		t.Fatalf("expected memory backends, got %q/%q", cfg.Store.Backend, cfg.Blob.Backend)
	}
	if got := cfg.PhaseATimeout(); got != 20*time.Second {
		t.Fatalf("expected phase A timeout 20s, got %v", got)
	}
	if got := cfg.GlobalTimeout(); got != 60*time.Second {
		t.Fatalf("expected global timeout 60s, got %v", got)
	}
	if cfg.Fetch.StaticConcurrency != 5 || cfg.Fetch.RenderedConcurrency != 2 {
		t.Fatalf("expected 5/2 fetch caps, got %d/%d", cfg.Fetch.StaticConcurrency, cfg.Fetch.RenderedConcurrency)
	}
	if cfg.Scan.MinQuickText != 500 || cfg.Scan.EscalateThreshold != 300 {
		t.Fatalf("expected 500/300 thresholds, got %d/%d", cfg.Scan.MinQuickText, cfg.Scan.EscalateThreshold)
	}
	if cfg.Telemetry.TracingEnabled || cfg.Telemetry.ServiceName != "simplecomptool" {
		t.Fatalf("expected tracing disabled for simplecomptool, got %+v", cfg.Telemetry)
	}
	want := []time.Duration{time.Second, 2 * time.Second}
	got := cfg.RetryDelays()
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("expected retry delays %v, got %v", want, got)
	}
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
auth:
  enabled: true
  api_key: secret
scan:
  workers: 6
  queue_depth: 128
  phase_a_timeout_seconds: 10
  global_timeout_seconds: 45
fetch:
  user_agent: real-agent
  max_retries: 3
  backoff_initial_ms: 100
headless:
  enabled: true
  engine: rod
  max_parallel: 1
store:
  backend: sqlite
  sqlite:
    path: /tmp/scan.db
blob:
  backend: local
  local:
    base_dir: /tmp/blobs
ratelimit:
  enabled: true
  default_rps: 0.5
logging:
  development: false
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if !cfg.Auth.Enabled || cfg.Auth.APIKey != "secret" {
		t.Fatalf("expected auth enabled with secret key")
	}
	if cfg.Scan.Workers != 6 || cfg.Scan.QueueDepth != 128 {
		t.Fatalf("expected scan overrides to apply: %+v", cfg.Scan)
	}
	if cfg.Headless.Engine != "rod" || !cfg.Headless.Enabled {
		t.Fatalf("expected rod headless engine: %+v", cfg.Headless)
	}
	if cfg.Store.SQLite.Path != "/tmp/scan.db" || cfg.Blob.Local.BaseDir != "/tmp/blobs" {
		t.Fatalf("expected storage overrides: %+v %+v", cfg.Store, cfg.Blob)
	}
	if cfg.Logging.Development {
		t.Fatalf("expected production logging")
	}
	if got := cfg.PhaseATimeout(); got != 10*time.Second {
		t.Fatalf("expected phase A timeout 10s, got %v", got)
	}
	if got := cfg.RetryDelays(); len(got) != 3 || got[2] != 400*time.Millisecond {
		t.Fatalf("expected doubling retry delays, got %v", got)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Server:   ServerConfig{Port: 8080},
		Scan:     ScanConfig{Workers: 1, QueueDepth: 1, MaxURLs: 20, PhaseATimeoutSec: 20, GlobalTimeoutSec: 60},
		Fetch:    FetchConfig{ReadTimeoutSec: 15},
		Headless: HeadlessConfig{Engine: "chromedp"},
		Store:    StoreConfig{Backend: "memory"},
		Blob:     BlobConfig{Backend: "memory"},
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("expected base config to validate, got %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"invalid port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"auth missing api key", func(c *Config) { c.Auth.Enabled = true }, "auth.api_key"},
		{"invalid workers", func(c *Config) { c.Scan.Workers = 0 }, "scan.workers"},
		{"invalid queue depth", func(c *Config) { c.Scan.QueueDepth = 0 }, "scan.queue_depth"},
		{"max urls above cap", func(c *Config) { c.Scan.MaxURLs = 21 }, "scan.max_urls"},
		{"phase A timeout", func(c *Config) { c.Scan.PhaseATimeoutSec = 0 }, "scan.phase_a_timeout_seconds"},
		{"global below phase A", func(c *Config) { c.Scan.GlobalTimeoutSec = 5 }, "scan.global_timeout_seconds"},
		{"invalid read timeout", func(c *Config) { c.Fetch.ReadTimeoutSec = 0 }, "fetch.read_timeout_seconds"},
		{"negative retries", func(c *Config) { c.Fetch.MaxRetries = -1 }, "fetch.max_retries"},
		{"headless missing max parallel", func(c *Config) { c.Headless.Enabled = true }, "headless.max_parallel"},
		{"unknown engine", func(c *Config) { c.Headless.Engine = "webkit" }, "headless.engine"},
		{"unknown store", func(c *Config) { c.Store.Backend = "mongo" }, "store.backend"},
		{"sqlite without path", func(c *Config) { c.Store.Backend = "sqlite" }, "store.sqlite.path"},
		{"postgres without dsn", func(c *Config) { c.Store.Backend = "postgres" }, "store.postgres.dsn"},
		{"unknown blob backend", func(c *Config) { c.Blob.Backend = "s3" }, "blob.backend"},
		{"local without dir", func(c *Config) { c.Blob.Backend = "local" }, "blob.local.base_dir"},
		{"gcs without bucket", func(c *Config) { c.Blob.Backend = "gcs" }, "blob.gcs.bucket"},
		{"sample ratio above one", func(c *Config) { c.Telemetry.SampleRatio = 1.5 }, "telemetry.sample_ratio"},
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
