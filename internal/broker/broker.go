// Package broker is the central orchestrator for LeaseQ.
//
// All application code (HTTP handlers, WebSocket, webhook consumers) talks to
// the Broker, never directly to the storage layer.
//
// Data flow:
//
//	Producer → Broker.Enqueue → queue.Queue.Enqueue → storage.Engine
//	Consumer → Broker.Receive → queue.Queue.ReceiveWithVisibility
//	         → Broker.Ack     → queue.Queue.Ack
//	         → Broker.Nack    → queue.Queue.Nack
//	         → Broker.Extend  → queue.Queue.ExtendLease
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"go.uber.org/multierr"

	"github.com/snehjoshi/leaseq/internal/clock"
	"github.com/snehjoshi/leaseq/internal/config"
	"github.com/snehjoshi/leaseq/internal/dlq"
	"github.com/snehjoshi/leaseq/internal/metrics"
	"github.com/snehjoshi/leaseq/internal/queue"
	"github.com/snehjoshi/leaseq/internal/scheduler"
	"github.com/snehjoshi/leaseq/internal/storage"
	"github.com/snehjoshi/leaseq/internal/storage/bolt"
	"github.com/snehjoshi/leaseq/internal/storage/local"
	"github.com/snehjoshi/leaseq/internal/storage/memory"
)

// MaxWait caps a long-poll receive.
const MaxWait = 20 * time.Second

// ─── Request types ────────────────────────────────────────────────────────────

// ReceiveRequest carries parameters for a receive call.
type ReceiveRequest struct {
	Queue string
	Max   int           // 0 = 1
	Wait  time.Duration // long-poll wait, capped at MaxWait
	// Visibility overrides the queue's visibility timeout. 0 = queue default.
	Visibility time.Duration
}

// Summary is a broker-wide snapshot.
type Summary struct {
	NodeID       string `json:"node_id"`
	Queues       int    `json:"queues"`
	Available    int    `json:"available"`
	InFlight     int    `json:"in_flight"`
	Delayed      int    `json:"delayed"`
	DeadLettered int    `json:"dead_lettered"`
}

// ─── Options ──────────────────────────────────────────────────────────────────

// Option is a functional option for the Broker.
type Option func(*Broker)

// WithMetrics feeds every queue event into reg and exposes queue depths as
// gauges.
func WithMetrics(reg *metrics.Registry) Option {
	return func(b *Broker) { b.metrics = reg }
}

// WithLogger sets the logger passed to every queue.
func WithLogger(l *slog.Logger) Option {
	return func(b *Broker) { b.log = l }
}

// WithClock replaces the system clock. Tests only.
func WithClock(c clock.Clock) Option {
	return func(b *Broker) { b.clock = c }
}

// ─── Broker ───────────────────────────────────────────────────────────────────

// Broker wires together the storage factory, the scheduler, the queue manager
// and the DLQ manager into a single façade used by every transport.
//
// All methods are safe for concurrent use.
type Broker struct {
	cfg    *config.Config
	nodeID string

	qm     *queue.Manager
	sched  *scheduler.Scheduler
	dlqMgr *dlq.Manager

	metrics *metrics.Registry
	log     *slog.Logger
	clock   clock.Clock

	cancel context.CancelFunc
}

// New creates and starts a Broker, then creates the queues declared in
// cfg.Queues. Queue data lives under cfg.Server.DataDir/queues/ with the
// bolt driver and under cfg.Server.DataDir/logs/ with the log driver.
func New(cfg *config.Config, nodeID string, opts ...Option) (*Broker, error) {
	b := &Broker{cfg: cfg, nodeID: nodeID, log: slog.Default(), clock: clock.System}
	for _, o := range opts {
		o(b)
	}

	factory, err := engineFactory(cfg, b.log)
	if err != nil {
		return nil, err
	}

	b.sched = scheduler.New(
		scheduler.WithClock(b.clock),
		scheduler.WithResolution(cfg.Storage.SchedulerResolution.D()),
	)
	qopts := []queue.Option{
		queue.WithClock(b.clock),
		queue.WithLogger(b.log.With(slog.String("component", "queue"))),
	}
	if b.metrics != nil {
		reg := b.metrics
		qopts = append(qopts, queue.WithObserver(func(q string, ev queue.Event, n int) {
			reg.Observe(q, string(ev), n)
		}))
	}
	b.qm = queue.NewManager(factory, b.sched, cfg.QueueDefaults(), qopts...)
	b.dlqMgr = dlq.NewManager(b.qm)

	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.sched.Start(ctx, b.qm.SchedulerReadyFn())

	if b.metrics != nil {
		b.metrics.SetDepthSource(b.depths)
	}

	for _, d := range cfg.Queues {
		if _, err := b.qm.Create(d.Name, cfg.QueueConfig(d)); err != nil {
			return nil, multierr.Append(fmt.Errorf("broker: declare queue %s: %w", d.Name, err), b.Close())
		}
		b.log.Info("queue declared", slog.String("queue", d.Name),
			slog.String("dead_letter_target", d.DeadLetterTarget), slog.Bool("ordering", d.Ordering))
	}
	return b, nil
}

func engineFactory(cfg *config.Config, log *slog.Logger) (storage.Factory, error) {
	switch cfg.Storage.Driver {
	case config.DriverMemory:
		return memory.Factory, nil
	case config.DriverBolt, "":
		return bolt.Factory(filepath.Join(cfg.Server.DataDir, "queues"), bolt.Options{
			Timeout: cfg.Storage.OpenTimeout.D(),
			NoSync:  cfg.Storage.NoSync,
		}), nil
	case config.DriverLog:
		return local.Factory(filepath.Join(cfg.Server.DataDir, "logs"), local.Config{
			Fsync:                local.FsyncPolicy(cfg.Storage.Fsync),
			FsyncInterval:        cfg.Storage.FsyncInterval.D(),
			FsyncBatchSize:       cfg.Storage.FsyncBatchSize,
			CompactionInterval:   cfg.Storage.CompactionInterval.D(),
			CompactionMinGarbage: cfg.Storage.CompactionMinGarbage,
			Logger:               log.With(slog.String("component", "storage")),
		}), nil
	default:
		return nil, fmt.Errorf("broker: unknown storage driver %q", cfg.Storage.Driver)
	}
}

// Close stops the scheduler and closes all queues.
func (b *Broker) Close() error {
	b.cancel()
	return b.qm.Close()
}

// NodeID returns the node identity string.
func (b *Broker) NodeID() string { return b.nodeID }

// Queues exposes the underlying queue.Manager.
func (b *Broker) Queues() *queue.Manager { return b.qm }

// Queue returns the live queue called name.
func (b *Broker) Queue(name string) (*queue.Queue, error) {
	return b.qm.Get(name)
}

// Summary aggregates every queue's stats.
func (b *Broker) Summary() Summary {
	s := Summary{NodeID: b.nodeID}
	for _, st := range b.qm.AllStats() {
		s.Queues++
		s.Available += st.Available
		s.InFlight += st.InFlight
		s.Delayed += st.Delayed
		s.DeadLettered += st.DeadLettered
	}
	return s
}

func (b *Broker) depths() []metrics.Depth {
	stats := b.qm.AllStats()
	out := make([]metrics.Depth, 0, len(stats))
	for _, s := range stats {
		out = append(out, metrics.Depth{
			Queue:        s.Name,
			Available:    s.Available,
			Delayed:      s.Delayed,
			InFlight:     s.InFlight,
			DeadLettered: s.DeadLettered,
		})
	}
	return out
}

// ─── Messages ─────────────────────────────────────────────────────────────────

// Enqueue stores a message on the queue called name, creating the queue
// with default settings first when auto-create is on.
func (b *Broker) Enqueue(ctx context.Context, name string, req queue.EnqueueRequest) (string, error) {
	q, err := b.enqueueTarget(name)
	if err != nil {
		return "", err
	}
	id, err := q.Enqueue(ctx, req)
	if err != nil {
		return "", fmt.Errorf("broker: enqueue to %s: %w", name, err)
	}
	return id, nil
}

func (b *Broker) enqueueTarget(name string) (*queue.Queue, error) {
	if b.cfg.Queue.AutoCreate {
		return b.qm.GetOrCreate(name)
	}
	return b.qm.Get(name)
}

// Receive leases up to req.Max messages, long-polling up to req.Wait.
func (b *Broker) Receive(ctx context.Context, req ReceiveRequest) ([]queue.Delivery, error) {
	q, err := b.qm.Get(req.Queue)
	if err != nil {
		return nil, err
	}
	return q.ReceiveWithVisibility(ctx, max(req.Max, 1), min(req.Wait, MaxWait), req.Visibility)
}

// Ack deletes the message leased under receipt.
func (b *Broker) Ack(ctx context.Context, name, receipt string) error {
	q, err := b.qm.Get(name)
	if err != nil {
		return err
	}
	return q.Ack(ctx, receipt)
}

// Nack returns the message leased under receipt, visible again after delay.
func (b *Broker) Nack(ctx context.Context, name, receipt string, delay time.Duration) error {
	q, err := b.qm.Get(name)
	if err != nil {
		return err
	}
	return q.Nack(ctx, receipt, delay)
}

// Extend moves the lease deadline of receipt to now + timeout.
func (b *Broker) Extend(ctx context.Context, name, receipt string, timeout time.Duration) error {
	q, err := b.qm.Get(name)
	if err != nil {
		return err
	}
	return q.ExtendLease(ctx, receipt, timeout)
}

// ─── Queue management ─────────────────────────────────────────────────────────

// CreateQueue creates a queue with cfg. Zero fields take the broker's queue
// defaults.
func (b *Broker) CreateQueue(name string, d config.QueueDecl) (queue.Config, error) {
	d.Name = name
	cfg := b.cfg.QueueConfig(d)
	if _, err := b.qm.Create(name, cfg); err != nil {
		return queue.Config{}, err
	}
	return cfg, nil
}

// DeleteQueue removes a queue and its stored messages.
func (b *Broker) DeleteQueue(name string) error {
	return b.qm.Delete(name)
}

// PurgeQueue drops every Available and InFlight message without deleting the
// queue. Returns the number of messages purged.
func (b *Broker) PurgeQueue(name string) (int, error) {
	q, err := b.qm.Get(name)
	if err != nil {
		return 0, fmt.Errorf("broker: purge queue %s: %w", name, err)
	}
	return q.Purge(), nil
}

// ListQueues returns the sorted names of all live queues.
func (b *Broker) ListQueues() []string {
	return b.qm.List()
}

// QueueStats returns the stats of one queue.
func (b *Broker) QueueStats(name string) (queue.Stats, error) {
	q, err := b.qm.Get(name)
	if err != nil {
		return queue.Stats{}, err
	}
	return q.Stats(), nil
}

// AllStats returns stats for every queue, sorted by name.
func (b *Broker) AllStats() []queue.Stats {
	return b.qm.AllStats()
}

// ─── DLQ ─────────────────────────────────────────────────────────────────────

// PeekDLQ returns up to limit dead letters from the queue called name.
func (b *Broker) PeekDLQ(name string, limit int) ([]queue.Message, error) {
	return b.dlqMgr.Peek(name, limit)
}

// ReplayDLQ moves dead letters from name back to their source queues.
func (b *Broker) ReplayDLQ(ctx context.Context, name string, opts dlq.ReplayOptions) (dlq.ReplayResult, error) {
	return b.dlqMgr.Replay(ctx, name, opts)
}

// DLQLen returns the number of dead letters in the queue called name.
func (b *Broker) DLQLen(name string) int {
	return b.dlqMgr.Len(name)
}
