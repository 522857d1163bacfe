package queue

import (
	"log/slog"

	"github.com/snehjoshi/leaseq/internal/clock"
	"github.com/snehjoshi/leaseq/internal/scheduler"
	"github.com/snehjoshi/leaseq/internal/storage"
)

// Event names a countable queue occurrence reported to an Observer.
type Event string

const (
	EventEnqueued       Event = "enqueued"
	EventDeduplicated   Event = "deduplicated"
	EventReceived       Event = "received"
	EventAcked          Event = "acked"
	EventNacked         Event = "nacked"
	EventExpired        Event = "expired"
	EventRedriven       Event = "redriven"
	EventRedriveFailed  Event = "redrive_failed"
	EventPurged         Event = "purged"
	EventRetentionPurge Event = "retention_purged"
)

// Observer receives event counts. It is called with the queue lock held and
// must not call back into the queue.
type Observer func(queue string, ev Event, n int)

// Option configures a Queue.
type Option func(*options)

type options struct {
	engine   storage.Engine
	clock    clock.Clock
	sched    *scheduler.Scheduler
	resolve  Resolver
	logger   *slog.Logger
	observer Observer
}

// WithEngine persists the queue through e. Without it the queue uses a
// process-local memory engine.
func WithEngine(e storage.Engine) Option {
	return func(o *options) { o.engine = e }
}

// WithClock sets the clock used for every deadline and timestamp.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithScheduler makes the queue register its deadlines with a shared
// scheduler. The caller owns the scheduler: it must route fired ids to
// Queue.Wake and stop it. Without this option the queue runs its own.
func WithScheduler(s *scheduler.Scheduler) Option {
	return func(o *options) { o.sched = s }
}

// WithDeadLetters sets how the dead-letter target name is resolved at
// redrive time.
func WithDeadLetters(r Resolver) Option {
	return func(o *options) { o.resolve = r }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithObserver registers an event observer, typically the metrics registry.
func WithObserver(fn Observer) Option {
	return func(o *options) { o.observer = fn }
}
