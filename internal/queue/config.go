package queue

import (
	"fmt"
	"time"
)

// ExhaustedPolicy decides what happens to a message that reaches its
// receive budget on a queue without a dead-letter target.
type ExhaustedPolicy string

const (
	// PolicyPurge drops the message.
	PolicyPurge ExhaustedPolicy = "purge"
	// PolicyRetain keeps it DeadLettered in the source queue for inspection.
	PolicyRetain ExhaustedPolicy = "retain"
)

// Config holds the tunables of a single queue. Use DefaultConfig for
// production-safe values.
type Config struct {
	// VisibilityTimeout is the lease length granted on receive when the
	// caller does not pass one.
	VisibilityTimeout time.Duration

	// MaxReceiveCount is the redrive threshold. 0 disables redrive.
	MaxReceiveCount int

	// RetentionPeriod bounds how long an undelivered message is kept.
	// 0 keeps messages forever.
	RetentionPeriod time.Duration

	// DeadLetterTarget names the queue exhausted messages are redriven to.
	// Empty means no dead-letter queue; ExhaustedPolicy applies.
	DeadLetterTarget string

	// OrderingEnabled makes GroupKey mandatory and serves each group
	// strictly in order, one message in flight at a time.
	OrderingEnabled bool

	// DedupWindow is how long a dedup key suppresses duplicate enqueues.
	DedupWindow time.Duration

	ExhaustedPolicy ExhaustedPolicy

	// MaxBatchSize caps a single receive.
	MaxBatchSize int

	// MaxMessageSize caps the body in bytes. 0 = unlimited.
	MaxMessageSize int

	// MaxMessages caps Available + InFlight messages. 0 = unlimited.
	MaxMessages int

	// TombstoneTTL is how long Deleted and redriven records are kept before
	// the janitor removes them. 0 uses DedupWindow.
	TombstoneTTL time.Duration

	// ScanInterval is the janitor period.
	ScanInterval time.Duration
}

// DefaultConfig returns a Config with production-safe defaults.
func DefaultConfig() Config {
	return Config{
		VisibilityTimeout: 30 * time.Second,
		MaxReceiveCount:   0,
		RetentionPeriod:   4 * 24 * time.Hour,
		DedupWindow:       5 * time.Minute,
		ExhaustedPolicy:   PolicyPurge,
		MaxBatchSize:      10,
		MaxMessageSize:    256 << 10,
		MaxMessages:       0,
		ScanInterval:      time.Second,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.VisibilityTimeout == 0 {
		c.VisibilityTimeout = d.VisibilityTimeout
	}
	if c.DedupWindow == 0 {
		c.DedupWindow = d.DedupWindow
	}
	if c.ExhaustedPolicy == "" {
		c.ExhaustedPolicy = d.ExhaustedPolicy
	}
	if c.MaxBatchSize == 0 {
		c.MaxBatchSize = d.MaxBatchSize
	}
	if c.ScanInterval == 0 {
		c.ScanInterval = d.ScanInterval
	}
	if c.TombstoneTTL == 0 {
		c.TombstoneTTL = c.DedupWindow
	}
	return c
}

// Validate reports the first invalid field, wrapped in ErrInvalidConfig.
func (c Config) Validate() error {
	switch {
	case c.VisibilityTimeout < 0:
		return fmt.Errorf("%w: visibility_timeout must be >= 0", ErrInvalidConfig)
	case c.MaxReceiveCount < 0:
		return fmt.Errorf("%w: max_receive_count must be >= 0", ErrInvalidConfig)
	case c.RetentionPeriod < 0:
		return fmt.Errorf("%w: retention_period must be >= 0", ErrInvalidConfig)
	case c.DedupWindow < 0:
		return fmt.Errorf("%w: dedup_window must be >= 0", ErrInvalidConfig)
	case c.MaxBatchSize < 0:
		return fmt.Errorf("%w: max_batch_size must be >= 0", ErrInvalidConfig)
	case c.MaxMessageSize < 0 || c.MaxMessages < 0:
		return fmt.Errorf("%w: size limits must be >= 0", ErrInvalidConfig)
	case c.TombstoneTTL < 0 || c.ScanInterval < 0:
		return fmt.Errorf("%w: janitor durations must be >= 0", ErrInvalidConfig)
	}
	switch c.ExhaustedPolicy {
	case "", PolicyPurge, PolicyRetain:
	default:
		return fmt.Errorf("%w: unknown exhausted policy %q", ErrInvalidConfig, c.ExhaustedPolicy)
	}
	return nil
}
