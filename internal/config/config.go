// Package config holds all configuration types and loading logic for LeaseQ.
// Config structure never shrinks: fields are only added, never renamed or removed.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/snehjoshi/leaseq/internal/queue"
)

// Config is the root configuration for a LeaseQ server instance.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Queue     QueueConfig     `yaml:"queue"`
	Queues    []QueueDecl     `yaml:"queues"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	Log       LogConfig       `yaml:"log"`
}

// ServerConfig holds identity and network settings for this server.
type ServerConfig struct {
	// NodeID is a ULID string. Use "auto" to generate and persist one on first start.
	NodeID  string `yaml:"node_id"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	DataDir string `yaml:"data_dir"`

	// MaxBodyKB caps request bodies.
	MaxBodyKB       int      `yaml:"max_body_kb"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// StorageDriver selects the storage engine.
type StorageDriver string

const (
	DriverBolt   StorageDriver = "bolt"   // one bbolt file per queue, default
	DriverMemory StorageDriver = "memory" // nothing survives a restart
	DriverLog    StorageDriver = "log"    // one append-only record log per queue
)

// StorageConfig controls how messages are persisted.
type StorageConfig struct {
	Driver StorageDriver `yaml:"driver"`

	// NoSync skips fsync after each bbolt commit. Fast, unsafe.
	NoSync      bool     `yaml:"no_sync"`
	OpenTimeout Duration `yaml:"open_timeout"`

	// Fsync is the log driver's flush policy: always, interval, batch or never.
	Fsync          string   `yaml:"fsync"`
	FsyncInterval  Duration `yaml:"fsync_interval"`
	FsyncBatchSize int      `yaml:"fsync_batch_size"`

	// CompactionInterval is how often the log driver checks for garbage.
	CompactionInterval   Duration `yaml:"compaction_interval"`
	CompactionMinGarbage int      `yaml:"compaction_min_garbage"`

	// SchedulerResolution is the coarsest sleep of the visibility scheduler.
	SchedulerResolution Duration `yaml:"scheduler_resolution"`
}

// QueueConfig sets the defaults applied to every queue.
type QueueConfig struct {
	VisibilityTimeout Duration `yaml:"visibility_timeout"`
	MaxReceiveCount   int      `yaml:"max_receive_count"`
	RetentionPeriod   Duration `yaml:"retention_period"`
	DedupWindow       Duration `yaml:"dedup_window"`
	ExhaustedPolicy   string   `yaml:"exhausted_policy"`
	MaxBatchSize      int      `yaml:"max_batch_size"`
	MaxMessageSizeKB  int      `yaml:"max_message_size_kb"`
	MaxMessages       int      `yaml:"max_messages"`
	ScanInterval      Duration `yaml:"scan_interval"`

	// AutoCreate creates unknown queues on first enqueue.
	AutoCreate bool `yaml:"auto_create"`
}

// QueueDecl pre-declares a queue created at startup. Zero fields inherit
// the queue defaults.
type QueueDecl struct {
	Name              string   `yaml:"name"`
	VisibilityTimeout Duration `yaml:"visibility_timeout"`
	MaxReceiveCount   int      `yaml:"max_receive_count"`
	DeadLetterTarget  string   `yaml:"dead_letter_target"`
	Ordering          bool     `yaml:"ordering"`
	RetentionPeriod   Duration `yaml:"retention_period"`
	DedupWindow       Duration `yaml:"dedup_window"`
	ExhaustedPolicy   string   `yaml:"exhausted_policy"`
}

// AuthConfig controls API key authentication.
type AuthConfig struct {
	Enabled bool   `yaml:"enabled"`
	APIKey  string `yaml:"api_key"`
}

// RateLimitConfig sets the per-client request rate limit.
type RateLimitConfig struct {
	Enabled bool `yaml:"enabled"`
	// RPS is requests per second per client IP.
	RPS float64 `yaml:"rps"`
	// Burst allows temporary spikes above RPS.
	Burst int `yaml:"burst"`
}

// MetricsConfig controls the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	// Port serves /metrics on a dedicated listener. 0 serves it on the
	// main server only.
	Port int `yaml:"port"`
}

// WebhookConfig controls webhook subscription delivery.
type WebhookConfig struct {
	Timeout        Duration `yaml:"timeout"`
	Concurrency    int      `yaml:"concurrency"`
	LeaseExtension Duration `yaml:"lease_extension"`
}

// LogConfig controls the default slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json or text
}

// Default returns a Config populated with safe, sensible defaults.
// It is the canonical source of truth for default values.
func Default() *Config {
	qd := queue.DefaultConfig()
	return &Config{
		Server: ServerConfig{
			NodeID:          "auto",
			Host:            "0.0.0.0",
			Port:            8080,
			DataDir:         "./data",
			MaxBodyKB:       1024,
			ShutdownTimeout: Duration(15 * time.Second),
		},
		Storage: StorageConfig{
			Driver:               DriverBolt,
			OpenTimeout:          Duration(5 * time.Second),
			Fsync:                "interval",
			FsyncInterval:        Duration(200 * time.Millisecond),
			FsyncBatchSize:       64,
			CompactionInterval:   Duration(10 * time.Minute),
			CompactionMinGarbage: 1024,
			SchedulerResolution:  Duration(100 * time.Millisecond),
		},
		Queue: QueueConfig{
			VisibilityTimeout: Duration(qd.VisibilityTimeout),
			MaxReceiveCount:   0,
			RetentionPeriod:   Duration(qd.RetentionPeriod),
			DedupWindow:       Duration(qd.DedupWindow),
			ExhaustedPolicy:   string(qd.ExhaustedPolicy),
			MaxBatchSize:      qd.MaxBatchSize,
			MaxMessageSizeKB:  qd.MaxMessageSize / 1024,
			MaxMessages:       100_000,
			ScanInterval:      Duration(qd.ScanInterval),
			AutoCreate:        true,
		},
		RateLimit: RateLimitConfig{
			Enabled: false,
			RPS:     1000,
			Burst:   2000,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
		Webhook: WebhookConfig{
			Timeout:        Duration(10 * time.Second),
			Concurrency:    1,
			LeaseExtension: Duration(30 * time.Second),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads a YAML config file at path and overlays it on top of Default().
// If the file does not exist the default config is returned without error.
//
// After loading the file, environment variables are applied as overrides:
//
//	LEASEQ_AUTH_API_KEY    sets auth.api_key and enables auth
//	LEASEQ_DATA_DIR        sets server.data_dir
//	LEASEQ_PORT            sets server.port
//	LEASEQ_STORAGE_DRIVER  sets storage.driver
//	LEASEQ_LOG_LEVEL       sets log.level
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			applyEnv(cfg)
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	applyEnv(cfg)
	return cfg, nil
}

// applyEnv overlays environment variable overrides onto cfg.
func applyEnv(cfg *Config) {
	if v := os.Getenv("LEASEQ_AUTH_API_KEY"); v != "" {
		cfg.Auth.APIKey = v
		cfg.Auth.Enabled = true
	}
	if v := os.Getenv("LEASEQ_DATA_DIR"); v != "" {
		cfg.Server.DataDir = v
	}
	if v := os.Getenv("LEASEQ_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil && p > 0 {
			cfg.Server.Port = p
		}
	}
	if v := os.Getenv("LEASEQ_STORAGE_DRIVER"); v != "" {
		cfg.Storage.Driver = StorageDriver(strings.ToLower(v))
	}
	if v := os.Getenv("LEASEQ_LOG_LEVEL"); v != "" {
		cfg.Log.Level = strings.ToLower(v)
	}
}

// Validate checks that the config values are consistent and within acceptable
// ranges. It returns the first error found.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return errors.New("server.port must be between 1 and 65535")
	}
	if c.Server.DataDir == "" {
		return errors.New("server.data_dir must not be empty")
	}
	switch c.Storage.Driver {
	case DriverBolt, DriverMemory, DriverLog:
	default:
		return errors.New(`storage.driver must be one of "bolt", "memory", "log"`)
	}
	switch c.Storage.Fsync {
	case "", "always", "interval", "batch", "never":
	default:
		return fmt.Errorf("storage.fsync %q must be one of always, interval, batch, never", c.Storage.Fsync)
	}
	if c.Queue.MaxBatchSize < 1 {
		return errors.New("queue.max_batch_size must be at least 1")
	}
	if c.Queue.MaxReceiveCount < 0 {
		return errors.New("queue.max_receive_count must be >= 0")
	}
	if c.Queue.MaxMessages < 0 {
		return errors.New("queue.max_messages must be >= 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return errors.New("auth.api_key must be set when auth is enabled")
	}
	if c.RateLimit.Enabled && (c.RateLimit.RPS <= 0 || c.RateLimit.Burst < 1) {
		return errors.New("rate_limit.rps must be > 0 and rate_limit.burst >= 1")
	}
	if c.Metrics.Port < 0 || c.Metrics.Port > 65535 {
		return errors.New("metrics.port must be between 0 and 65535")
	}
	if c.Metrics.Enabled && c.Metrics.Port == c.Server.Port {
		return errors.New("metrics.port must differ from server.port")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q must be one of debug, info, warn, error", c.Log.Level)
	}

	if err := c.QueueDefaults().Validate(); err != nil {
		return fmt.Errorf("queue: %w", err)
	}
	seen := make(map[string]bool, len(c.Queues))
	for _, d := range c.Queues {
		if err := queue.ValidateName(d.Name); err != nil {
			return fmt.Errorf("queues: %w", err)
		}
		if seen[d.Name] {
			return fmt.Errorf("queues: %s declared twice", d.Name)
		}
		seen[d.Name] = true
		if err := c.QueueConfig(d).Validate(); err != nil {
			return fmt.Errorf("queues.%s: %w", d.Name, err)
		}
	}
	return nil
}

// QueueDefaults converts the queue section into a queue.Config.
func (c *Config) QueueDefaults() queue.Config {
	qc := queue.DefaultConfig()
	qc.VisibilityTimeout = c.Queue.VisibilityTimeout.D()
	qc.MaxReceiveCount = c.Queue.MaxReceiveCount
	qc.RetentionPeriod = c.Queue.RetentionPeriod.D()
	qc.DedupWindow = c.Queue.DedupWindow.D()
	qc.ExhaustedPolicy = queue.ExhaustedPolicy(c.Queue.ExhaustedPolicy)
	qc.MaxBatchSize = c.Queue.MaxBatchSize
	qc.MaxMessageSize = c.Queue.MaxMessageSizeKB * 1024
	qc.MaxMessages = c.Queue.MaxMessages
	qc.ScanInterval = c.Queue.ScanInterval.D()
	return qc
}

// QueueConfig returns the queue.Config for a declared queue.
func (c *Config) QueueConfig(d QueueDecl) queue.Config {
	qc := c.QueueDefaults()
	if d.VisibilityTimeout > 0 {
		qc.VisibilityTimeout = d.VisibilityTimeout.D()
	}
	if d.MaxReceiveCount > 0 {
		qc.MaxReceiveCount = d.MaxReceiveCount
	}
	if d.RetentionPeriod > 0 {
		qc.RetentionPeriod = d.RetentionPeriod.D()
	}
	if d.DedupWindow > 0 {
		qc.DedupWindow = d.DedupWindow.D()
	}
	if d.ExhaustedPolicy != "" {
		qc.ExhaustedPolicy = queue.ExhaustedPolicy(d.ExhaustedPolicy)
	}
	qc.DeadLetterTarget = d.DeadLetterTarget
	qc.OrderingEnabled = d.Ordering
	return qc
}

// ─── Duration ─────────────────────────────────────────────────────────────────

// Duration is a time.Duration written in YAML as a string ("30s", "1h30m")
// with an extra whole-day suffix ("7d").
type Duration time.Duration

// D returns d as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

// ParseDuration parses s like time.ParseDuration, also accepting "<n>d".
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err != nil {
		return err
	}
	v, err := ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", n.Line, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}
