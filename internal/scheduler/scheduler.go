package scheduler

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/snehjoshi/leaseq/internal/clock"
)

const (
	// DefaultResolution is how long the goroutine sleeps at most between
	// clock checks.
	DefaultResolution = 100 * time.Millisecond

	// MaxResolution bounds how late a deadline may fire.
	MaxResolution = time.Second
)

// ReadyFunc is called once for every deadline that comes due. It runs on the
// scheduler goroutine (or the FireDue caller) without any scheduler lock
// held, and must not block for long.
type ReadyFunc func(msgID, queueKey string)

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock sets the clock deadlines are compared against.
func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithResolution sets the maximum sleep between clock checks. Values outside
// (0, MaxResolution] are clamped.
func WithResolution(d time.Duration) Option {
	return func(s *Scheduler) {
		switch {
		case d <= 0:
			d = DefaultResolution
		case d > MaxResolution:
			d = MaxResolution
		}
		s.resolution = d
	}
}

// Scheduler fires callbacks at or shortly after registered deadlines.
//
// Usage:
//
//	s := scheduler.New()
//	s.Start(ctx, func(msgID, queueKey string) {
//	    // re-check the message under the queue lock and flip it
//	})
//	defer s.Stop()
//
//	s.Schedule(id, "orders", lease.VisibleAt)
//
// All methods are safe for concurrent use.
type Scheduler struct {
	mu    sync.Mutex
	h     deadlineHeap
	byID  map[string]*entry
	ready ReadyFunc

	clock      clock.Clock
	resolution time.Duration

	// notify has capacity 1; a pending signal is enough to make the
	// goroutine re-evaluate its sleep.
	notify chan struct{}

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a Scheduler. Call Start (or Bind) before deadlines can fire.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		h:          make(deadlineHeap, 0, 64),
		byID:       make(map[string]*entry),
		clock:      clock.System,
		resolution: DefaultResolution,
		notify:     make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	heap.Init(&s.h)
	return s
}

// Schedule registers a deadline for msgID, replacing any deadline already
// registered for it. A deadline in the past fires on the next pass.
func (s *Scheduler) Schedule(msgID, queueKey string, at time.Time) {
	s.mu.Lock()
	if prev, ok := s.byID[msgID]; ok {
		s.h.remove(prev)
	}
	e := &entry{msgID: msgID, queueKey: queueKey, at: at}
	heap.Push(&s.h, e)
	s.byID[msgID] = e
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Cancel removes the deadline for msgID. No-op if none is registered.
func (s *Scheduler) Cancel(msgID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.byID[msgID]; ok {
		s.h.remove(e)
		delete(s.byID, msgID)
	}
}

// Deadline returns the registered deadline for msgID.
func (s *Scheduler) Deadline(msgID string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byID[msgID]
	if !ok {
		return time.Time{}, false
	}
	return e.at, true
}

// Len returns the number of pending deadlines.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}

// CountByQueue returns the number of pending deadlines for queueKey.
func (s *Scheduler) CountByQueue(queueKey string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.byID {
		if e.queueKey == queueKey {
			n++
		}
	}
	return n
}

// Bind registers the ready callback without starting the timer goroutine.
// Due deadlines then fire only through FireDue, which lets tests drive the
// scheduler with a manual clock.
func (s *Scheduler) Bind(fn ReadyFunc) {
	s.mu.Lock()
	s.ready = fn
	s.mu.Unlock()
}

// Start registers fn and launches the timer goroutine. Call it once.
func (s *Scheduler) Start(ctx context.Context, fn ReadyFunc) {
	s.Bind(fn)
	s.wg.Add(1)
	go s.run(ctx)
}

// Stop shuts the timer goroutine down and waits for it. Pending deadlines
// are abandoned.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.done) })
	s.wg.Wait()
}

// FireDue pops every deadline at or before now and invokes the ready
// callback for each, in deadline order. It returns the number fired.
func (s *Scheduler) FireDue() int {
	s.mu.Lock()
	now := s.clock.Now()
	fn := s.ready
	var due []*entry
	for s.h.Len() > 0 && !s.h[0].at.After(now) {
		e := heap.Pop(&s.h).(*entry)
		delete(s.byID, e.msgID)
		due = append(due, e)
	}
	s.mu.Unlock()

	if fn != nil {
		for _, e := range due {
			fn(e.msgID, e.queueKey)
		}
	}
	return len(due)
}

// ─── timer goroutine ──────────────────────────────────────────────────────────

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	t := time.NewTimer(s.resolution)
	defer t.Stop()

	for {
		s.FireDue()

		s.mu.Lock()
		empty := s.h.Len() == 0
		var wait time.Duration
		if !empty {
			wait = s.h[0].at.Sub(s.clock.Now())
		}
		s.mu.Unlock()

		if empty {
			select {
			case <-ctx.Done():
				return
			case <-s.done:
				return
			case <-s.notify:
			}
			continue
		}

		// Never sleep past the resolution: a manual or adjusted clock can
		// move without the goroutine noticing.
		if wait > s.resolution {
			wait = s.resolution
		}
		if wait <= 0 {
			continue
		}
		t.Reset(wait)

		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-s.notify:
			if !t.Stop() {
				select {
				case <-t.C:
				default:
				}
			}
		case <-t.C:
		}
	}
}
