package queue_test

import (
	"context"
	"errors"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/snehjoshi/leaseq/internal/clock"
	"github.com/snehjoshi/leaseq/internal/queue"
	"github.com/snehjoshi/leaseq/internal/scheduler"
	"github.com/snehjoshi/leaseq/internal/storage/bolt"
	"github.com/snehjoshi/leaseq/internal/storage/memory"
)

func TestManager_CreateGetDelete(t *testing.T) {
	h := newHarness(t)
	h.create("b", nil)
	h.create("a", nil)

	if _, err := h.mgr.Create("a", testConfig()); !errors.Is(err, queue.ErrQueueExists) {
		t.Errorf("duplicate Create err = %v", err)
	}
	if got := h.mgr.List(); !slices.Equal(got, []string{"a", "b"}) {
		t.Errorf("List = %v", got)
	}
	if err := h.mgr.Delete("a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := h.mgr.Get("a"); !errors.Is(err, queue.ErrQueueNotFound) {
		t.Errorf("Get after delete err = %v", err)
	}
	if err := h.mgr.Delete("a"); !errors.Is(err, queue.ErrQueueNotFound) {
		t.Errorf("second Delete err = %v", err)
	}
}

func TestManager_GetOrCreateReturnsSameQueue(t *testing.T) {
	h := newHarness(t)

	var wg sync.WaitGroup
	got := make([]*queue.Queue, 8)
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			q, err := h.mgr.GetOrCreate("shared")
			if err != nil {
				t.Errorf("GetOrCreate: %v", err)
			}
			got[i] = q
		}(i)
	}
	wg.Wait()

	for _, q := range got[1:] {
		if q != got[0] {
			t.Fatal("GetOrCreate returned different queues")
		}
	}
}

func TestManager_RejectsInvalid(t *testing.T) {
	h := newHarness(t)
	h.create("a", func(c *queue.Config) { c.DeadLetterTarget = "b" })

	tests := []struct {
		name  string
		queue string
		edit  func(*queue.Config)
	}{
		{"bad name", "has space", nil},
		{"empty name", "", nil},
		{"self target", "self", func(c *queue.Config) { c.DeadLetterTarget = "self" }},
		{"loop", "b", func(c *queue.Config) { c.DeadLetterTarget = "a" }},
		{"negative visibility", "neg", func(c *queue.Config) { c.VisibilityTimeout = -time.Second }},
		{"unknown policy", "pol", func(c *queue.Config) { c.ExhaustedPolicy = "shrug" }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig()
			if tc.edit != nil {
				tc.edit(&cfg)
			}
			if _, err := h.mgr.Create(tc.queue, cfg); !errors.Is(err, queue.ErrInvalidConfig) {
				t.Errorf("err = %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestManager_RejectsUnorderedSourceForOrderedTarget(t *testing.T) {
	ordered := func(c *queue.Config) { c.OrderingEnabled = true }

	t.Run("target first", func(t *testing.T) {
		h := newHarness(t)
		h.create("dlq.fifo", ordered)
		cfg := testConfig()
		cfg.DeadLetterTarget = "dlq.fifo"
		if _, err := h.mgr.Create("src", cfg); !errors.Is(err, queue.ErrInvalidConfig) {
			t.Errorf("err = %v, want ErrInvalidConfig", err)
		}
	})

	t.Run("source first", func(t *testing.T) {
		h := newHarness(t)
		h.create("src", func(c *queue.Config) { c.DeadLetterTarget = "dlq.fifo" })
		cfg := testConfig()
		ordered(&cfg)
		if _, err := h.mgr.Create("dlq.fifo", cfg); !errors.Is(err, queue.ErrInvalidConfig) {
			t.Errorf("err = %v, want ErrInvalidConfig", err)
		}
	})

	t.Run("both ordered", func(t *testing.T) {
		h := newHarness(t)
		dlq := h.create("dlq.fifo", ordered)
		src := h.create("src.fifo", func(c *queue.Config) {
			ordered(c)
			c.MaxReceiveCount = 1
			c.DeadLetterTarget = "dlq.fifo"
		})
		enqueue(t, src, "x", group("g"))
		receive(t, src, 1)
		h.advance(time.Second)
		if s := dlq.Stats(); s.Available != 1 {
			t.Errorf("dlq Available = %d, want 1", s.Available)
		}
	})

	t.Run("unordered target", func(t *testing.T) {
		h := newHarness(t)
		h.create("dlq", nil)
		h.create("src.fifo", func(c *queue.Config) {
			ordered(c)
			c.DeadLetterTarget = "dlq"
		})
	})
}

func TestManager_AllStats(t *testing.T) {
	h := newHarness(t)
	a := h.create("a", nil)
	h.create("b", nil)
	enqueue(t, a, "x")

	stats := h.mgr.AllStats()
	if len(stats) != 2 || stats[0].Name != "a" || stats[0].Available != 1 || stats[1].Available != 0 {
		t.Errorf("AllStats = %+v", stats)
	}
}

func TestManager_SharedSchedulerRoutesByQueue(t *testing.T) {
	clk := clock.NewManual(epoch)
	sched := scheduler.New(scheduler.WithClock(clk), scheduler.WithResolution(5*time.Millisecond))
	mgr := queue.NewManager(memory.Factory, sched, testConfig(), queue.WithClock(clk), queue.WithLogger(discard()))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sched.Start(ctx, mgr.SchedulerReadyFn())
	defer mgr.Close()

	a, _ := mgr.Create("a", testConfig())
	b, _ := mgr.Create("b", testConfig())
	enqueue(t, a, "a")
	enqueue(t, b, "b")
	receive(t, a, 1)
	receive(t, b, 1)

	if n := sched.CountByQueue("a"); n != 1 {
		t.Fatalf("CountByQueue(a) = %d", n)
	}
	clk.Advance(time.Second)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if a.Stats().Available == 1 && b.Stats().Available == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("leases not reclaimed: a=%+v b=%+v", a.Stats(), b.Stats())
}

func TestManager_RebuildFromBolt(t *testing.T) {
	dir := t.TempDir()
	clk := clock.NewManual(epoch)
	open := func() (*queue.Manager, *scheduler.Scheduler) {
		sched := scheduler.New(scheduler.WithClock(clk))
		mgr := queue.NewManager(bolt.Factory(filepath.Join(dir, "queues"), bolt.Options{Timeout: time.Second}),
			sched, testConfig(), queue.WithClock(clk), queue.WithLogger(discard()))
		sched.Bind(mgr.SchedulerReadyFn())
		return mgr, sched
	}

	mgr, _ := open()
	q, err := mgr.Create("orders", testConfig())
	if err != nil {
		t.Fatal(err)
	}
	dedupKey := func(r *queue.EnqueueRequest) { r.DedupKey = "once" }
	first := enqueue(t, q, "first", dedupKey)
	enqueue(t, q, "second")
	leased := receive(t, q, 1)[0]
	if err := mgr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	mgr, sched := open()
	defer mgr.Close()
	q, err = mgr.Create("orders", testConfig())
	if err != nil {
		t.Fatal(err)
	}

	if s := q.Stats(); s.Available != 1 || s.InFlight != 1 {
		t.Fatalf("rebuilt stats = %+v", s)
	}
	if id := enqueue(t, q, "dup", dedupKey); id != first {
		t.Errorf("dedup claim lost across restart: %s != %s", id, first)
	}

	// The lease survived: it still expires on schedule and its receipt
	// still acks until then.
	if at, ok := sched.Deadline(leased.ID); !ok || !at.Equal(leased.VisibleAt) {
		t.Errorf("lease deadline = %v %v, want %v", at, ok, leased.VisibleAt)
	}
	if err := q.Ack(context.Background(), leased.ReceiptHandle); err != nil {
		t.Fatal(err)
	}
	if s := state(t, q, leased.ID); s != queue.StateDeleted {
		t.Errorf("state after ack = %s", s)
	}

	next := receive(t, q, 5)
	if len(next) != 1 || string(next[0].Body) != "second" {
		t.Errorf("after restart got %v", bodies(next))
	}
	enqueue(t, q, "third")
	if got := bodies(receive(t, q, 5)); len(got) != 1 || got[0] != "third" {
		t.Errorf("enqueue order broken after restart: %v", got)
	}
}

func TestManager_RebuildReclaimsLapsedLease(t *testing.T) {
	dir := t.TempDir()
	clk := clock.NewManual(epoch)
	factory := bolt.Factory(dir, bolt.Options{Timeout: time.Second})

	mgr := queue.NewManager(factory, nil, testConfig(), queue.WithClock(clk), queue.WithLogger(discard()))
	q, _ := mgr.Create("q", testConfig())
	id := enqueue(t, q, "x")
	receive(t, q, 1)
	_ = mgr.Close()

	clk.Advance(time.Minute)

	mgr = queue.NewManager(factory, nil, testConfig(), queue.WithClock(clk), queue.WithLogger(discard()))
	defer mgr.Close()
	q, _ = mgr.Create("q", testConfig())
	q.Sweep()

	m, err := q.Get(id)
	if err != nil || m.State != queue.StateAvailable || m.ReceiveCount != 1 {
		t.Fatalf("after restart = %+v, %v", m, err)
	}
}
