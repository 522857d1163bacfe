package consumer_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snehjoshi/leaseq/internal/consumer"
	"github.com/snehjoshi/leaseq/internal/queue"
)

// ─── helpers ──────────────────────────────────────────────────────────────────

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newQueue(t *testing.T, edit func(*queue.Config)) *queue.Queue {
	t.Helper()
	cfg := queue.DefaultConfig()
	cfg.VisibilityTimeout = 5 * time.Second
	if edit != nil {
		edit(&cfg)
	}
	q, err := queue.New("work", cfg, queue.WithLogger(discard()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func enqueue(t *testing.T, q *queue.Queue, bodies ...string) {
	t.Helper()
	for _, b := range bodies {
		_, err := q.Enqueue(context.Background(), queue.EnqueueRequest{Body: []byte(b)})
		require.NoError(t, err)
	}
}

// run starts l in the background and returns a stop function that cancels
// it and returns Run's error.
func run(t *testing.T, l *consumer.Loop) func() error {
	t.Helper()
	if l.Logger == nil {
		l.Logger = discard()
	}
	if l.Wait == 0 {
		l.Wait = 50 * time.Millisecond
	}
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- l.Run(ctx) }()

	var once sync.Once
	var err error
	stop := func() error {
		once.Do(func() {
			cancel()
			select {
			case err = <-errc:
			case <-time.After(5 * time.Second):
				t.Error("loop did not stop")
			}
		})
		return err
	}
	t.Cleanup(func() { _ = stop() })
	return stop
}

func drained(q *queue.Queue) func() bool {
	return func() bool {
		s := q.Stats()
		return s.Available == 0 && s.Delayed == 0 && s.InFlight == 0
	}
}

// ─── tests ────────────────────────────────────────────────────────────────────

func TestLoop_AcksHandledMessages(t *testing.T) {
	q := newQueue(t, nil)
	enqueue(t, q, "a", "b", "c", "d", "e")

	var mu sync.Mutex
	seen := map[string]int{}
	stop := run(t, &consumer.Loop{
		Source:      q,
		Concurrency: 3,
		Handler: consumer.HandlerFunc(func(_ context.Context, d queue.Delivery) (consumer.Outcome, error) {
			mu.Lock()
			seen[string(d.Body)]++
			mu.Unlock()
			return consumer.Ack, nil
		}),
	})

	require.Eventually(t, drained(q), 2*time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, stop(), context.Canceled)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, map[string]int{"a": 1, "b": 1, "c": 1, "d": 1, "e": 1}, seen)
}

func TestLoop_FailureNacksWithBackoff(t *testing.T) {
	q := newQueue(t, nil)
	enqueue(t, q, "flaky")

	boom := errors.New("boom")
	var calls atomic.Int32
	var gotErr error
	var gotN uint
	var mu sync.Mutex

	run(t, &consumer.Loop{
		Source: q,
		Handler: consumer.HandlerFunc(func(context.Context, queue.Delivery) (consumer.Outcome, error) {
			if calls.Add(1) == 1 {
				return consumer.Ack, boom
			}
			return consumer.Ack, nil
		}),
		RetryBackoff: func(err error, n uint) time.Duration {
			mu.Lock()
			gotErr, gotN = err, n
			mu.Unlock()
			return 10 * time.Millisecond
		},
	})

	require.Eventually(t, drained(q), 2*time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 2, calls.Load())

	mu.Lock()
	defer mu.Unlock()
	assert.ErrorIs(t, gotErr, boom)
	assert.Zero(t, gotN, "first failure maps to attempt 0")
}

func TestLoop_NackOutcome(t *testing.T) {
	q := newQueue(t, nil)
	enqueue(t, q, "x")

	var counts []int
	var mu sync.Mutex
	run(t, &consumer.Loop{
		Source: q,
		Handler: consumer.HandlerFunc(func(_ context.Context, d queue.Delivery) (consumer.Outcome, error) {
			mu.Lock()
			defer mu.Unlock()
			counts = append(counts, d.ReceiveCount)
			if len(counts) < 3 {
				return consumer.Nack, nil
			}
			return consumer.Ack, nil
		}),
		RetryBackoff: func(error, uint) time.Duration { return 0 },
	})

	require.Eventually(t, drained(q), 2*time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2, 3}, counts)
}

func TestLoop_PanicBecomesNack(t *testing.T) {
	q := newQueue(t, nil)
	enqueue(t, q, "x")

	var calls atomic.Int32
	panicked := make(chan error, 1)
	run(t, &consumer.Loop{
		Source: q,
		Handler: consumer.HandlerFunc(func(context.Context, queue.Delivery) (consumer.Outcome, error) {
			if calls.Add(1) == 1 {
				panic("handler bug")
			}
			return consumer.Ack, nil
		}),
		RetryBackoff: func(err error, _ uint) time.Duration {
			select {
			case panicked <- err:
			default:
			}
			return 0
		},
	})

	require.Eventually(t, drained(q), 2*time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, <-panicked, consumer.ErrHandlerPanic)
	assert.EqualValues(t, 2, calls.Load())
}

func TestLoop_FailedMessagesAreRedriven(t *testing.T) {
	q := newQueue(t, func(c *queue.Config) { c.MaxReceiveCount = 2 })
	enqueue(t, q, "poison")

	var calls atomic.Int32
	run(t, &consumer.Loop{
		Source: q,
		Handler: consumer.HandlerFunc(func(context.Context, queue.Delivery) (consumer.Outcome, error) {
			calls.Add(1)
			return consumer.Nack, nil
		}),
		RetryBackoff: func(error, uint) time.Duration { return 0 },
	})

	// No dead-letter target: the default policy purges after two attempts.
	require.Eventually(t, drained(q), 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 2, calls.Load())
}

func TestLoop_LeaseExtensionPreventsRedelivery(t *testing.T) {
	q := newQueue(t, func(c *queue.Config) { c.VisibilityTimeout = 150 * time.Millisecond })
	enqueue(t, q, "slow")

	var calls atomic.Int32
	run(t, &consumer.Loop{
		Source:         q,
		Concurrency:    2,
		LeaseExtension: 150 * time.Millisecond,
		Handler: consumer.HandlerFunc(func(ctx context.Context, _ queue.Delivery) (consumer.Outcome, error) {
			calls.Add(1)
			select {
			case <-time.After(500 * time.Millisecond):
			case <-ctx.Done():
			}
			return consumer.Ack, nil
		}),
	})

	require.Eventually(t, drained(q), 3*time.Second, 10*time.Millisecond)
	assert.EqualValues(t, 1, calls.Load(), "lease lapsed while the handler was running")
}

func TestLoop_StopsWhenQueueCloses(t *testing.T) {
	q := newQueue(t, nil)
	l := &consumer.Loop{
		Source: q,
		Handler: consumer.HandlerFunc(func(context.Context, queue.Delivery) (consumer.Outcome, error) {
			return consumer.Ack, nil
		}),
		Logger: discard(),
		Wait:   50 * time.Millisecond,
	}

	// The context is never cancelled, so only the close can end Run.
	errc := make(chan error, 1)
	go func() { errc <- l.Run(context.Background()) }()

	require.NoError(t, q.Close())

	var err error
	require.Eventually(t, func() bool {
		select {
		case err = <-errc:
			return true
		default:
			return false
		}
	}, 3*time.Second, 10*time.Millisecond, "loop kept running after the queue closed")
	assert.ErrorIs(t, err, queue.ErrQueueClosed)
}

func TestLoop_ShutdownReleasesInFlightWork(t *testing.T) {
	q := newQueue(t, nil)
	enqueue(t, q, "x")

	started := make(chan struct{})
	stop := run(t, &consumer.Loop{
		Source: q,
		Handler: consumer.HandlerFunc(func(ctx context.Context, _ queue.Delivery) (consumer.Outcome, error) {
			close(started)
			<-ctx.Done()
			return consumer.Nack, ctx.Err()
		}),
		RetryBackoff: func(error, uint) time.Duration { return 0 },
	})

	<-started
	assert.ErrorIs(t, stop(), context.Canceled)

	s := q.Stats()
	assert.Equal(t, 1, s.Available, "canceled handler's message is back without waiting for the timeout")
	assert.Zero(t, s.InFlight)
}

func TestLoop_RequiresSourceAndHandler(t *testing.T) {
	err := (&consumer.Loop{}).Run(context.Background())
	assert.Error(t, err)
}

func TestOutcome_String(t *testing.T) {
	assert.Equal(t, "ack", consumer.Ack.String())
	assert.Equal(t, "nack", consumer.Nack.String())
}
