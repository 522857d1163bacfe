package queue_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/snehjoshi/leaseq/internal/clock"
	"github.com/snehjoshi/leaseq/internal/queue"
	"github.com/snehjoshi/leaseq/internal/scheduler"
	"github.com/snehjoshi/leaseq/internal/storage/memory"
)

// ─── helpers ─────────────────────────────────────────────────────────────────

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// harness drives a Manager with a manual clock. Deadlines only fire through
// advance, so every timeout scenario is deterministic.
type harness struct {
	t     *testing.T
	clk   *clock.Manual
	sched *scheduler.Scheduler
	mgr   *queue.Manager
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clk := clock.NewManual(epoch)
	sched := scheduler.New(scheduler.WithClock(clk))
	mgr := queue.NewManager(memory.Factory, sched, testConfig(),
		queue.WithClock(clk), queue.WithLogger(discard()))
	sched.Bind(mgr.SchedulerReadyFn())
	t.Cleanup(func() { _ = mgr.Close() })
	return &harness{t: t, clk: clk, sched: sched, mgr: mgr}
}

// testConfig keeps the janitor out of the way; tests call Sweep directly.
func testConfig() queue.Config {
	cfg := queue.DefaultConfig()
	cfg.VisibilityTimeout = time.Second
	cfg.ScanInterval = time.Hour
	return cfg
}

func (h *harness) create(name string, edit func(*queue.Config)) *queue.Queue {
	h.t.Helper()
	cfg := testConfig()
	if edit != nil {
		edit(&cfg)
	}
	q, err := h.mgr.Create(name, cfg)
	if err != nil {
		h.t.Fatalf("Create(%s): %v", name, err)
	}
	return q
}

func (h *harness) advance(d time.Duration) {
	h.clk.Advance(d)
	h.sched.FireDue()
}

func enqueue(t *testing.T, q *queue.Queue, body string, edit ...func(*queue.EnqueueRequest)) string {
	t.Helper()
	req := queue.EnqueueRequest{Body: []byte(body)}
	for _, e := range edit {
		e(&req)
	}
	id, err := q.Enqueue(context.Background(), req)
	if err != nil {
		t.Fatalf("Enqueue(%s): %v", body, err)
	}
	return id
}

func group(key string) func(*queue.EnqueueRequest) {
	return func(r *queue.EnqueueRequest) { r.GroupKey = key }
}

func receive(t *testing.T, q *queue.Queue, n int) []queue.Delivery {
	t.Helper()
	got, err := q.Receive(context.Background(), n, 0)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	return got
}

func bodies(ds []queue.Delivery) []string {
	out := make([]string, len(ds))
	for i, d := range ds {
		out[i] = string(d.Body)
	}
	return out
}

func state(t *testing.T, q *queue.Queue, id string) queue.State {
	t.Helper()
	m, err := q.Get(id)
	if err != nil {
		t.Fatalf("Get(%s): %v", id, err)
	}
	return m.State
}
