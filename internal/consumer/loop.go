// Package consumer runs handlers against a queue: a fetcher goroutine
// long-polls for deliveries and hands each one to a worker, which acks on
// success and nacks with a backoff delay on failure.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dogmatiq/linger"
	"github.com/dogmatiq/linger/backoff"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/snehjoshi/leaseq/internal/queue"
)

// Outcome is a handler's verdict on a delivery.
type Outcome int

const (
	// Ack deletes the message.
	Ack Outcome = iota
	// Nack returns the message to the queue for another attempt.
	Nack
)

func (o Outcome) String() string {
	if o == Ack {
		return "ack"
	}
	return "nack"
}

// Handler processes deliveries. A non-nil error is treated as Nack whatever
// the outcome.
type Handler interface {
	Handle(ctx context.Context, d queue.Delivery) (Outcome, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, d queue.Delivery) (Outcome, error)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, d queue.Delivery) (Outcome, error) {
	return f(ctx, d)
}

// Source is the consumer-facing side of a queue. *queue.Queue implements it.
type Source interface {
	Name() string
	Receive(ctx context.Context, n int, wait time.Duration) ([]queue.Delivery, error)
	Ack(ctx context.Context, receipt string) error
	Nack(ctx context.Context, receipt string, delay time.Duration) error
	ExtendLease(ctx context.Context, receipt string, timeout time.Duration) error
}

var _ Source = (*queue.Queue)(nil)

// ErrHandlerPanic wraps a recovered handler panic.
var ErrHandlerPanic = errors.New("consumer: handler panicked")

var (
	// DefaultRetryBackoff delays a nacked message by its receive count.
	DefaultRetryBackoff backoff.Strategy = backoff.WithTransforms(
		backoff.Exponential(100*time.Millisecond),
		linger.FullJitter,
		linger.Limiter(0, 30*time.Second),
	)

	// DefaultReceiveBackoff spaces out receive attempts after errors.
	DefaultReceiveBackoff backoff.Strategy = backoff.WithTransforms(
		backoff.Exponential(50*time.Millisecond),
		linger.FullJitter,
		linger.Limiter(10*time.Millisecond, 5*time.Second),
	)

	// DefaultWait is the long-poll wait of each receive.
	DefaultWait = 20 * time.Second
)

// Loop consumes a Source until its context is canceled.
type Loop struct {
	// Source is the queue to consume.
	Source Source

	// Handler is called once per delivery.
	Handler Handler

	// Concurrency caps the number of handlers running at once. 0 means 1.
	Concurrency int

	// Wait is the long-poll wait per receive. 0 means DefaultWait.
	Wait time.Duration

	// LeaseExtension, when positive, keeps a delivery's lease alive while
	// its handler runs by extending it to now+LeaseExtension every
	// LeaseExtension/2.
	LeaseExtension time.Duration

	// RetryBackoff maps a failure and the delivery's receive count to the
	// nack delay. If it is nil, DefaultRetryBackoff is used.
	RetryBackoff backoff.Strategy

	// ReceiveBackoff delays the next receive after a receive error. If it
	// is nil, DefaultReceiveBackoff is used.
	ReceiveBackoff backoff.Strategy

	// Logger is the target for log messages. If it is nil, slog.Default()
	// is used.
	Logger *slog.Logger

	id  string
	log *slog.Logger
	sem *semaphore.Weighted
}

// ID returns the loop's identifier, assigned when Run starts.
func (l *Loop) ID() string { return l.id }

// Run handles messages until ctx is canceled or the source is closed. It
// returns the error that stopped it; ctx.Err() after a normal shutdown.
func (l *Loop) Run(ctx context.Context) error {
	if l.Source == nil || l.Handler == nil {
		return errors.New("consumer: Loop needs a Source and a Handler")
	}
	if l.id == "" {
		l.id = uuid.NewString()
	}
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	l.log = logger.With(
		slog.String("component", "consumer"),
		slog.String("queue", l.Source.Name()),
		slog.String("loop", l.id),
	)
	l.sem = semaphore.NewWeighted(int64(l.concurrency()))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return l.fetch(ctx, g)
	})

	// g.Go must not be called after g.Wait, so only wait once stopping.
	<-ctx.Done()
	return g.Wait()
}

func (l *Loop) concurrency() int {
	return max(l.Concurrency, 1)
}

// fetch receives as many deliveries as there are free worker slots and
// starts a worker for each.
func (l *Loop) fetch(ctx context.Context, g *errgroup.Group) error {
	l.log.Debug("consuming messages", slog.Int("concurrency", l.concurrency()))

	wait := l.Wait
	if wait <= 0 {
		wait = DefaultWait
	}
	var failures uint

	for {
		if err := l.sem.Acquire(ctx, 1); err != nil {
			return err
		}
		n := 1
		for n < l.concurrency() && l.sem.TryAcquire(1) {
			n++
		}

		batch, err := l.Source.Receive(ctx, n, wait)
		if err != nil {
			l.sem.Release(int64(n))
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, queue.ErrQueueClosed) {
				return err
			}
			failures++
			delay := l.receiveBackoff()(err, failures)
			l.log.Warn("receive failed",
				slog.String("error", err.Error()),
				slog.Duration("retry_in", delay))
			if err := linger.Sleep(ctx, delay); err != nil {
				return err
			}
			continue
		}
		failures = 0
		l.sem.Release(int64(n - len(batch)))

		for i, d := range batch {
			if ctx.Err() != nil {
				l.release(batch[i:])
				l.sem.Release(int64(len(batch) - i))
				return ctx.Err()
			}
			g.Go(func() error {
				defer l.sem.Release(1)
				l.process(ctx, d)
				return nil
			})
		}
	}
}

// release nacks deliveries that were fetched but never handed to a worker.
func (l *Loop) release(ds []queue.Delivery) {
	ctx := context.Background()
	for _, d := range ds {
		if err := l.Source.Nack(ctx, d.ReceiptHandle, 0); err != nil {
			l.log.Debug("release on shutdown failed",
				slog.String("id", d.ID), slog.String("error", err.Error()))
		}
	}
}

// process runs the handler for d and settles the delivery.
func (l *Loop) process(ctx context.Context, d queue.Delivery) {
	hctx, cancel := context.WithCancel(ctx)
	kept := l.keepAlive(hctx, d)

	out, err := l.invoke(hctx, d)
	cancel()
	<-kept

	// Settle even when the loop is shutting down.
	settle := context.WithoutCancel(ctx)

	if err == nil && out == Ack {
		if err := l.Source.Ack(settle, d.ReceiptHandle); err != nil {
			l.log.Warn("ack failed", slog.String("id", d.ID), slog.String("error", err.Error()))
		}
		return
	}

	delay := l.retryBackoff()(err, uint(max(d.ReceiveCount-1, 0)))
	attrs := []any{
		slog.String("id", d.ID),
		slog.Int("receive_count", d.ReceiveCount),
		slog.Duration("delay", delay),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	l.log.Info("delaying next attempt", attrs...)

	if err := l.Source.Nack(settle, d.ReceiptHandle, delay); err != nil {
		if errors.Is(err, queue.ErrNotFoundOrNotAvailable) {
			l.log.Debug("lease lapsed before nack", slog.String("id", d.ID))
			return
		}
		l.log.Warn("nack failed", slog.String("id", d.ID), slog.String("error", err.Error()))
	}
}

// invoke calls the handler, turning a panic into an error.
func (l *Loop) invoke(ctx context.Context, d queue.Delivery) (out Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = Nack, fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()
	return l.Handler.Handle(ctx, d)
}

// keepAlive extends d's lease until ctx is done. The returned channel is
// closed once it has stopped.
func (l *Loop) keepAlive(ctx context.Context, d queue.Delivery) <-chan struct{} {
	done := make(chan struct{})
	if l.LeaseExtension <= 0 {
		close(done)
		return done
	}
	go func() {
		defer close(done)
		t := time.NewTicker(l.LeaseExtension / 2)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if err := l.Source.ExtendLease(ctx, d.ReceiptHandle, l.LeaseExtension); err != nil {
					if ctx.Err() == nil {
						l.log.Warn("lease extension failed",
							slog.String("id", d.ID), slog.String("error", err.Error()))
					}
					return
				}
			}
		}
	}()
	return done
}

func (l *Loop) retryBackoff() backoff.Strategy {
	if l.RetryBackoff != nil {
		return l.RetryBackoff
	}
	return DefaultRetryBackoff
}

func (l *Loop) receiveBackoff() backoff.Strategy {
	if l.ReceiveBackoff != nil {
		return l.ReceiveBackoff
	}
	return DefaultReceiveBackoff
}
