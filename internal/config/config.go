// Package config handles loading and validating triggerd configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists.
	_ = godotenv.Load()
}

// Config is the root configuration for triggerd.
type Config struct {
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"` // Default: ~/.triggerd. Override: TRIGGERD_DATA_DIR.
	LogLevel      string               `json:"log_level,omitempty" yaml:"log_level,omitempty"`
	Engine        EngineConfig         `json:"engine" yaml:"engine"`
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"` // nil = SQLite default (derived from data dir).
	Audit         AuditConfig          `json:"audit" yaml:"audit"`
	Gateways      GatewaysConfig       `json:"gateways" yaml:"gateways"`
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled.
	Scheduler     *SchedulerConfig     `json:"scheduler,omitempty" yaml:"scheduler,omitempty"`         // nil = maintenance jobs disabled.
}

// EngineConfig bounds the execution pipeline.
type EngineConfig struct {
	ScriptTimeout     time.Duration `json:"script_timeout" yaml:"script_timeout"`         // Per-invocation wall clock. Clamped 1s–5s. Default: 2s.
	MessageDeadline   time.Duration `json:"message_deadline" yaml:"message_deadline"`     // Whole-pipeline deadline per message. Default: 10s.
	MaxOutputBytes    int           `json:"max_output_bytes" yaml:"max_output_bytes"`     // Script output ceiling. Default: 10240.
	ScriptMemoryMB    int           `json:"script_memory_mb" yaml:"script_memory_mb"`     // Sandbox memory bound. Default: 256.
	ScriptCPUSeconds  int           `json:"script_cpu_seconds" yaml:"script_cpu_seconds"` // Sandbox CPU-time ulimit. Default: 10.
	MaxCodeBytes      int           `json:"max_code_bytes" yaml:"max_code_bytes"`         // Validator size bound. Clamped 1000–10000. Default: 5000.
	MaxCooldownMs     int64         `json:"max_cooldown_ms" yaml:"max_cooldown_ms"`       // Commands above this are clamped. Default: 60000.
	CooldownEntries   int           `json:"cooldown_entries" yaml:"cooldown_entries"`     // Cooldown map bound. Default: 100000.
	RegistryCacheTTL  time.Duration `json:"registry_cache_ttl" yaml:"registry_cache_ttl"` // Bounded staleness for command reads. Default: 60s.
	DenylistPatterns  []string      `json:"denylist_patterns" yaml:"denylist_patterns"`   // Operator-supplied extra patterns, all languages.
	DisabledLanguages []string      `json:"disabled_languages" yaml:"disabled_languages"` // Languages to leave unregistered in this deployment.
}

// StorageConfig configures the persistence backend.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver"` // "sqlite" (default) or "postgres".
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"`
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Default: <data_dir>/triggerd.db.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", etc.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`                                 // Override: TRIGGERD_DB_DSN.
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 25.
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 5.
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800.
}

// AuditConfig configures audit persistence and retention.
type AuditConfig struct {
	FilePath  string `json:"file_path,omitempty" yaml:"file_path,omitempty"` // JSONL sink path. Empty = store-only.
	Retention int    `json:"retention" yaml:"retention"`                     // Entries kept per tenant. Default: 10000.
}

// GatewaysConfig selects the enabled gateways.
type GatewaysConfig struct {
	Feed *FeedGatewayConfig `json:"feed,omitempty" yaml:"feed,omitempty"` // nil = feed disabled (simulate/MCP only).
	HTTP *HTTPAPIConfig     `json:"http,omitempty" yaml:"http,omitempty"` // nil = ops API disabled.
	MCP  *MCPGatewayConfig  `json:"mcp,omitempty" yaml:"mcp,omitempty"`   // nil = MCP diagnostics disabled.
}

// FeedGatewayConfig configures the WebSocket connection to the chat-platform
// gateway that delivers inbound messages and accepts replies.
type FeedGatewayConfig struct {
	URL          string        `json:"url" yaml:"url"`                         // ws:// or wss:// endpoint of the platform gateway.
	Token        string        `json:"token,omitempty" yaml:"token,omitempty"` // Bearer token. Override: TRIGGERD_FEED_TOKEN.
	DialTimeout  time.Duration `json:"dial_timeout" yaml:"dial_timeout"`       // Default: 10s.
	ReconnectMin time.Duration `json:"reconnect_min" yaml:"reconnect_min"`     // Backoff floor. Default: 1s.
	ReconnectMax time.Duration `json:"reconnect_max" yaml:"reconnect_max"`     // Backoff ceiling. Default: 30s.
}

// HTTPAPIConfig configures the operator HTTP API.
type HTTPAPIConfig struct {
	ListenAddr  string            `json:"listen_addr" yaml:"listen_addr"`               // e.g. ":8085".
	APIKeys     map[string]string `json:"api_keys,omitempty" yaml:"api_keys,omitempty"` // key → operator name. Usually from env.
	EnableDocs  bool              `json:"enable_docs" yaml:"enable_docs"`
	MetricsPath string            `json:"metrics_path" yaml:"metrics_path"` // Default: "/metrics".
}

// MCPGatewayConfig configures the stdio MCP diagnostics server.
type MCPGatewayConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
}

// ObservabilityConfig configures metrics and tracing.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317".
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc".
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "triggerd".
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0.
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev.
}

// SchedulerConfig configures the cron-driven maintenance jobs.
type SchedulerConfig struct {
	RetentionSchedule string `json:"retention_schedule" yaml:"retention_schedule"` // Cron expr. Default: "17 * * * *".
	SweepSchedule     string `json:"sweep_schedule" yaml:"sweep_schedule"`         // Cron expr. Default: "*/5 * * * *".
}

// Load reads a YAML config file, applies env overrides and defaults, and
// validates. An empty path yields the default configuration.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("TRIGGERD_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("TRIGGERD_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("TRIGGERD_DB_DSN"); v != "" {
		if c.Storage == nil {
			c.Storage = &StorageConfig{Driver: "postgres"}
		}
		if c.Storage.Postgres == nil {
			c.Storage.Postgres = &PostgresStorageConfig{}
		}
		c.Storage.Postgres.DSN = v
	}
	if v := os.Getenv("TRIGGERD_FEED_TOKEN"); v != "" && c.Gateways.Feed != nil {
		c.Gateways.Feed.Token = v
	}
}

func (c *Config) applyDefaults() error {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("resolving home dir: %w", err)
		}
		c.DataDir = filepath.Join(home, ".triggerd")
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	e := &c.Engine
	if e.ScriptTimeout == 0 {
		e.ScriptTimeout = 2 * time.Second
	}
	if e.MessageDeadline == 0 {
		e.MessageDeadline = 10 * time.Second
	}
	if e.MaxOutputBytes == 0 {
		e.MaxOutputBytes = 10 << 10
	}
	if e.ScriptMemoryMB == 0 {
		e.ScriptMemoryMB = 256
	}
	if e.ScriptCPUSeconds == 0 {
		e.ScriptCPUSeconds = 10
	}
	if e.MaxCodeBytes == 0 {
		e.MaxCodeBytes = 5000
	}
	if e.MaxCooldownMs == 0 {
		e.MaxCooldownMs = 60_000
	}
	if e.CooldownEntries == 0 {
		e.CooldownEntries = 100_000
	}
	if e.RegistryCacheTTL == 0 {
		e.RegistryCacheTTL = 60 * time.Second
	}

	if c.Audit.Retention == 0 {
		c.Audit.Retention = 10_000
	}

	if f := c.Gateways.Feed; f != nil {
		if f.DialTimeout == 0 {
			f.DialTimeout = 10 * time.Second
		}
		if f.ReconnectMin == 0 {
			f.ReconnectMin = time.Second
		}
		if f.ReconnectMax == 0 {
			f.ReconnectMax = 30 * time.Second
		}
	}
	if h := c.Gateways.HTTP; h != nil && h.MetricsPath == "" {
		h.MetricsPath = "/metrics"
	}

	if s := c.Scheduler; s != nil {
		if s.RetentionSchedule == "" {
			s.RetentionSchedule = "17 * * * *"
		}
		if s.SweepSchedule == "" {
			s.SweepSchedule = "*/5 * * * *"
		}
	}
	return nil
}

// Validate checks cross-field constraints and clamps engine bounds.
func (c *Config) Validate() error {
	e := &c.Engine
	if e.ScriptTimeout < time.Second {
		e.ScriptTimeout = time.Second
	}
	if e.ScriptTimeout > 5*time.Second {
		e.ScriptTimeout = 5 * time.Second
	}
	if e.MaxCodeBytes < 1000 {
		e.MaxCodeBytes = 1000
	}
	if e.MaxCodeBytes > 10_000 {
		e.MaxCodeBytes = 10_000
	}
	if e.MessageDeadline < e.ScriptTimeout {
		return fmt.Errorf("engine.message_deadline %s must be >= engine.script_timeout %s",
			e.MessageDeadline, e.ScriptTimeout)
	}

	if c.Storage.StorageDriver() == "postgres" {
		if c.Storage == nil || c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.driver is postgres but no DSN configured (set storage.postgres.dsn or TRIGGERD_DB_DSN)")
		}
	}
	switch d := c.Storage.StorageDriver(); d {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown storage driver %q", d)
	}

	if f := c.Gateways.Feed; f != nil {
		if f.URL == "" {
			return fmt.Errorf("gateways.feed.url is required when the feed gateway is enabled")
		}
		if !strings.HasPrefix(f.URL, "ws://") && !strings.HasPrefix(f.URL, "wss://") {
			return fmt.Errorf("gateways.feed.url must be a ws:// or wss:// URL, got %q", f.URL)
		}
	}
	if h := c.Gateways.HTTP; h != nil && h.ListenAddr == "" {
		return fmt.Errorf("gateways.http.listen_addr is required when the HTTP API is enabled")
	}
	return nil
}

// SQLitePath returns the SQLite database path, derived from the data dir
// when not explicitly configured.
func (c *Config) SQLitePath() string {
	if c.Storage != nil && c.Storage.SQLite != nil && c.Storage.SQLite.Path != "" {
		return c.Storage.SQLite.Path
	}
	return filepath.Join(c.DataDir, "triggerd.db")
}
