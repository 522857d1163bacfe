package queue

import (
	"cmp"
	"container/list"
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/snehjoshi/leaseq/internal/clock"
	"github.com/snehjoshi/leaseq/internal/node"
	"github.com/snehjoshi/leaseq/internal/scheduler"
	"github.com/snehjoshi/leaseq/internal/storage"
	"github.com/snehjoshi/leaseq/internal/storage/memory"
)

// ─── In-memory data structures ────────────────────────────────────────────────

// record is the queue's authoritative view of one message.
type record struct {
	msg        Message
	receipt    string
	seq        uint64
	finishedAt time.Time

	// ready is the message's position in Queue.ready while it is Available
	// on a standard queue.
	ready *list.Element
}

func (r *record) stored() storage.Record {
	return storage.Record{
		Message:       r.msg,
		ReceiptHandle: r.receipt,
		Seq:           r.seq,
		FinishedAt:    r.finishedAt,
	}
}

type dedupClaim struct {
	id string
	at time.Time
}

// EnqueueRequest describes a message to enqueue.
type EnqueueRequest struct {
	Body     []byte
	GroupKey string
	DedupKey string

	// Delay keeps the message invisible for this long after enqueue.
	Delay time.Duration

	Attributes map[string]string
}

// Stats is a point-in-time view of a queue's depth.
type Stats struct {
	Name         string `json:"name"`
	Available    int    `json:"available"`
	Delayed      int    `json:"delayed"`
	InFlight     int    `json:"in_flight"`
	DeadLettered int    `json:"dead_lettered"`
	Groups       int    `json:"groups,omitempty"`
	LockedGroups int    `json:"locked_groups,omitempty"`

	// OldestAgeMs is the age of the oldest Available message.
	OldestAgeMs int64 `json:"oldest_age_ms"`
}

// ─── Queue ────────────────────────────────────────────────────────────────────

// Queue is a named message store with visibility-timeout leases.
//
// Architecture:
//   - records is the authoritative id → record map. Every transition is
//     written through to the storage engine.
//   - Standard queues keep Available ids in the ready list, in the order
//     they became Available. Ordering-enabled queues serve from groups.
//   - receipts maps the current lease's receipt handle to its message id.
//   - Lease expiries and delayed visibility are deadlines in the scheduler;
//     the janitor goroutine sweeps retention, tombstones and anything a
//     deadline missed.
//
// A single mutex guards all of it. All public methods are safe for
// concurrent use.
type Queue struct {
	name     string
	cfg      Config
	eng      storage.Engine
	clock    clock.Clock
	sched    *scheduler.Scheduler
	ownSched bool
	resolve  Resolver
	log      *slog.Logger
	observer Observer

	mu       sync.Mutex
	records  map[string]*record
	receipts map[string]string
	ready    *list.List // message ids
	groups   *groups
	dedup    map[string]dedupClaim
	seq      uint64
	live     int // Available + InFlight

	// avail is closed and replaced whenever a message becomes deliverable,
	// waking long-polling receivers.
	avail  chan struct{}
	closed bool

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a queue, rebuilds its state from the storage engine and starts
// the janitor. Call Close when done.
func New(name string, cfg Config, opts ...Option) (*Queue, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{clock: clock.System, logger: slog.Default()}
	for _, fn := range opts {
		fn(&o)
	}
	if o.engine == nil {
		o.engine = memory.New()
	}

	q := &Queue{
		name:     name,
		cfg:      cfg.withDefaults(),
		eng:      o.engine,
		clock:    o.clock,
		sched:    o.sched,
		resolve:  o.resolve,
		log:      o.logger.With(slog.String("component", "queue"), slog.String("queue", name)),
		observer: o.observer,
		records:  make(map[string]*record),
		receipts: make(map[string]string),
		ready:    list.New(),
		groups:   newGroups(),
		dedup:    make(map[string]dedupClaim),
		avail:    make(chan struct{}),
		done:     make(chan struct{}),
	}
	if q.sched == nil {
		q.sched = scheduler.New(scheduler.WithClock(q.clock))
		q.ownSched = true
	}

	if err := q.load(); err != nil {
		return nil, fmt.Errorf("queue %s: load state: %w", name, err)
	}

	if q.ownSched {
		q.sched.Start(context.Background(), func(msgID, _ string) { q.Wake(msgID) })
	}
	q.startJanitor()
	return q, nil
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

// Config returns the effective configuration.
func (q *Queue) Config() Config { return q.cfg }

// ─── Enqueue ──────────────────────────────────────────────────────────────────

// Enqueue stores a new Available message and returns its id.
//
// On an ordering-enabled queue a missing GroupKey fails with
// ErrMissingGroupKey. If DedupKey matches a message enqueued within the
// dedup window that is not yet deleted, that message's id is returned and
// nothing is created.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.enqueueLocked(req)
}

func (q *Queue) enqueueLocked(req EnqueueRequest) (string, error) {
	if q.closed {
		return "", ErrQueueClosed
	}
	if q.cfg.OrderingEnabled && req.GroupKey == "" {
		return "", ErrMissingGroupKey
	}
	if q.cfg.MaxMessageSize > 0 && len(req.Body) > q.cfg.MaxMessageSize {
		return "", fmt.Errorf("%w: %d bytes exceeds %d", ErrMessageTooLarge, len(req.Body), q.cfg.MaxMessageSize)
	}

	now := q.clock.Now()
	if req.DedupKey != "" {
		if id, ok := q.dedupLookupLocked(req.DedupKey, now); ok {
			q.observe(EventDeduplicated, 1)
			return id, nil
		}
	}
	if q.cfg.MaxMessages > 0 && q.live >= q.cfg.MaxMessages {
		return "", fmt.Errorf("%w: %d messages", ErrQueueFull, q.cfg.MaxMessages)
	}

	id, err := node.NewIDAt(now)
	if err != nil {
		return "", fmt.Errorf("enqueue: generate id: %w", err)
	}
	delay := max(req.Delay, 0)
	r := &record{
		msg: Message{
			ID:         id,
			Queue:      q.name,
			Body:       slices.Clone(req.Body),
			EnqueuedAt: now,
			VisibleAt:  now.Add(delay),
			GroupKey:   req.GroupKey,
			DedupKey:   req.DedupKey,
			State:      StateAvailable,
			Attributes: maps.Clone(req.Attributes),
		},
		seq: q.seq + 1,
	}
	if err := q.eng.Put(r.stored()); err != nil {
		return "", fmt.Errorf("enqueue: persist: %w", err)
	}
	q.seq = r.seq
	q.records[id] = r
	q.live++
	if q.cfg.OrderingEnabled {
		q.groups.add(r.msg.GroupKey, id)
	}
	if req.DedupKey != "" {
		q.dedup[req.DedupKey] = dedupClaim{id: id, at: now}
	}
	q.availableLocked(r, now)
	q.observe(EventEnqueued, 1)
	return id, nil
}

func (q *Queue) dedupLookupLocked(key string, now time.Time) (string, bool) {
	c, ok := q.dedup[key]
	if !ok {
		return "", false
	}
	if now.Sub(c.at) >= q.cfg.DedupWindow {
		delete(q.dedup, key)
		return "", false
	}
	return c.id, true
}

// releaseDedupLocked frees r's dedup key if r still holds it. Only deletion
// does this; a purged or dropped message keeps its key for the window.
func (q *Queue) releaseDedupLocked(r *record) {
	if c, ok := q.dedup[r.msg.DedupKey]; ok && c.id == r.msg.ID {
		delete(q.dedup, r.msg.DedupKey)
	}
}

// ─── Store operations ─────────────────────────────────────────────────────────

// Get returns a copy of the message with the given id.
func (q *Queue) Get(id string) (Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	r, ok := q.records[id]
	if !ok {
		return Message{}, ErrNotFoundOrNotAvailable
	}
	return *r.msg.Clone(), nil
}

// Peek returns the first message, in enqueue order, for which match
// returns true. A nil match matches everything. Peek never changes state.
func (q *Queue) Peek(match func(Message) bool) (Message, bool) {
	msgs := q.List(1, match)
	if len(msgs) == 0 {
		return Message{}, false
	}
	return msgs[0], true
}

// List returns up to limit messages (0 = no limit) in enqueue order for
// which match returns true. Deleted tombstones are skipped.
func (q *Queue) List(limit int, match func(Message) bool) []Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []Message
	for _, r := range q.sortedLocked() {
		if r.msg.State == StateDeleted {
			continue
		}
		if match != nil && !match(r.msg) {
			continue
		}
		out = append(out, *r.msg.Clone())
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// MarkInFlight leases an Available, visible message: ReceiveCount is
// incremented and VisibleAt moves to now + visibility. A visibility of 0
// uses the queue default. An exhausted message is redriven instead and
// ErrNotFoundOrNotAvailable returned.
func (q *Queue) MarkInFlight(id string, visibility time.Duration) (Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return Delivery{}, ErrQueueClosed
	}
	now := q.clock.Now()
	r, ok := q.records[id]
	if !ok || r.msg.State != StateAvailable || r.msg.VisibleAt.After(now) {
		return Delivery{}, ErrNotFoundOrNotAvailable
	}
	if q.exhausted(&r.msg) {
		q.redriveLocked(r, now)
		return Delivery{}, ErrNotFoundOrNotAvailable
	}
	if q.cfg.OrderingEnabled && !q.groups.deliverable(r.msg.GroupKey, id) {
		return Delivery{}, ErrGroupLocked
	}
	return q.leaseLocked(r, visibility, now)
}

// Delete moves a message to Deleted. Deleting an unknown or already
// deleted id succeeds.
func (q *Queue) Delete(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	r, ok := q.records[id]
	if !ok || r.msg.State == StateDeleted {
		return nil
	}
	q.setState(r, StateDeleted, q.clock.Now())
	return nil
}

// ReleaseToAvailable ends the lease on an InFlight message immediately.
func (q *Queue) ReleaseToAvailable(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	r, ok := q.records[id]
	if !ok || r.msg.State != StateInFlight {
		return ErrNotFoundOrNotAvailable
	}
	now := q.clock.Now()
	q.releaseLocked(r, now, now)
	return nil
}

// ExtendVisibility sets an InFlight message's VisibleAt to now + timeout.
// A timeout of 0 or less releases the message. A lease that has already
// lapsed is reclaimed and ErrNotFoundOrNotAvailable returned.
func (q *Queue) ExtendVisibility(id string, timeout time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	r, ok := q.records[id]
	if !ok || r.msg.State != StateInFlight {
		return ErrNotFoundOrNotAvailable
	}
	return q.extendLocked(r, timeout, q.clock.Now())
}

func (q *Queue) extendLocked(r *record, timeout time.Duration, now time.Time) error {
	if !r.msg.VisibleAt.After(now) {
		q.expireLocked(r, now)
		return ErrNotFoundOrNotAvailable
	}
	if timeout <= 0 {
		q.releaseLocked(r, now, now)
		return nil
	}
	r.msg.VisibleAt = now.Add(timeout)
	q.setState(r, StateInFlight, now)
	q.sched.Schedule(r.msg.ID, q.name, r.msg.VisibleAt)
	return nil
}

// Purge drops every Available and InFlight message and returns how many
// were dropped.
func (q *Queue) Purge() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, r := range q.sortedLocked() {
		if !r.msg.State.Terminal() {
			q.discardLocked(r)
			n++
		}
	}
	if n > 0 {
		q.observe(EventPurged, n)
		q.log.Info("queue purged", slog.Int("count", n))
	}
	return n
}

// Stats returns current depth counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.clock.Now()
	s := Stats{Name: q.name, Groups: q.groups.len(), LockedGroups: q.groups.lockedCount()}
	var oldest time.Time
	for _, r := range q.records {
		switch r.msg.State {
		case StateAvailable:
			if r.msg.VisibleAt.After(now) {
				s.Delayed++
			} else {
				s.Available++
			}
			if oldest.IsZero() || r.msg.EnqueuedAt.Before(oldest) {
				oldest = r.msg.EnqueuedAt
			}
		case StateInFlight:
			s.InFlight++
		case StateDeadLettered:
			s.DeadLettered++
		}
	}
	if !oldest.IsZero() {
		s.OldestAgeMs = now.Sub(oldest).Milliseconds()
	}
	return s
}

// Close stops the janitor, wakes blocked receivers with ErrQueueClosed and
// closes the storage engine.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.avail)
	for id := range q.records {
		q.sched.Cancel(id)
	}
	q.mu.Unlock()

	close(q.done)
	q.wg.Wait()
	if q.ownSched {
		q.sched.Stop()
	}
	return q.eng.Close()
}

// erase removes every stored record and closes the queue.
func (q *Queue) erase() error {
	q.mu.Lock()
	for id := range q.records {
		if err := q.eng.Remove(id); err != nil {
			q.log.Warn("erase record failed", slog.String("id", id), slog.String("error", err.Error()))
		}
	}
	q.mu.Unlock()
	return q.Close()
}

// ─── Transitions (q.mu held) ─────────────────────────────────────────────────

// setState applies a validated transition and writes the record through.
func (q *Queue) setState(r *record, to State, now time.Time) {
	from := r.msg.State
	if !ValidTransition(from, to) {
		panic(fmt.Sprintf("queue %s: illegal transition %s → %s for %s", q.name, from, to, r.msg.ID))
	}
	if to.Terminal() {
		q.detachLocked(r)
		if !from.Terminal() {
			q.live--
		}
		r.finishedAt = now
	}
	if to == StateDeleted && r.msg.DedupKey != "" {
		q.releaseDedupLocked(r)
	}
	r.msg.State = to
	q.persistLocked(r)
}

// leaseLocked performs Available → InFlight.
func (q *Queue) leaseLocked(r *record, visibility time.Duration, now time.Time) (Delivery, error) {
	if visibility <= 0 {
		visibility = q.cfg.VisibilityTimeout
	}
	receipt, err := node.NewIDAt(now)
	if err != nil {
		return Delivery{}, fmt.Errorf("lease: generate receipt: %w", err)
	}
	if r.ready != nil {
		q.ready.Remove(r.ready)
		r.ready = nil
	}
	if q.cfg.OrderingEnabled {
		q.groups.lock(r.msg.GroupKey, r.msg.ID)
	}
	r.msg.ReceiveCount++
	r.msg.VisibleAt = now.Add(visibility)
	r.receipt = receipt
	q.receipts[receipt] = r.msg.ID
	q.setState(r, StateInFlight, now)
	q.sched.Schedule(r.msg.ID, q.name, r.msg.VisibleAt)
	q.observe(EventReceived, 1)
	return Delivery{Message: *r.msg.Clone(), ReceiptHandle: receipt}, nil
}

// releaseLocked performs InFlight → Available with the given VisibleAt and
// evaluates redrive once for this transition.
func (q *Queue) releaseLocked(r *record, visibleAt, now time.Time) {
	delete(q.receipts, r.receipt)
	r.receipt = ""
	q.sched.Cancel(r.msg.ID)
	if q.cfg.OrderingEnabled {
		q.groups.unlock(r.msg.GroupKey, r.msg.ID)
	}
	r.msg.VisibleAt = visibleAt
	q.setState(r, StateAvailable, now)

	if q.exhausted(&r.msg) && q.redriveLocked(r, now) {
		return
	}
	q.availableLocked(r, now)
}

// expireLocked reclaims a lapsed lease.
func (q *Queue) expireLocked(r *record, now time.Time) {
	q.log.Debug("visibility timeout expired",
		slog.String("id", r.msg.ID), slog.Int("receive_count", r.msg.ReceiveCount))
	q.observe(EventExpired, 1)
	q.releaseLocked(r, now, now)
}

// availableLocked makes an Available record findable by receivers and
// arranges for them to be woken when it becomes visible.
func (q *Queue) availableLocked(r *record, now time.Time) {
	if !q.cfg.OrderingEnabled && r.ready == nil {
		r.ready = q.ready.PushBack(r.msg.ID)
	}
	if r.msg.VisibleAt.After(now) {
		q.sched.Schedule(r.msg.ID, q.name, r.msg.VisibleAt)
		return
	}
	q.signalLocked()
}

// detachLocked removes every index entry pointing at r.
func (q *Queue) detachLocked(r *record) {
	if r.ready != nil {
		q.ready.Remove(r.ready)
		r.ready = nil
	}
	if q.cfg.OrderingEnabled && !r.msg.State.Terminal() {
		// The next message of the group may already be visible.
		if next := q.groups.remove(r.msg.GroupKey, r.msg.ID); next != "" {
			if n := q.records[next]; n != nil && n.msg.State == StateAvailable && !n.msg.VisibleAt.After(q.clock.Now()) {
				q.signalLocked()
			}
		}
	}
	if r.receipt != "" {
		delete(q.receipts, r.receipt)
		r.receipt = ""
	}
	q.sched.Cancel(r.msg.ID)
}

// discardLocked drops a non-terminal record without a state transition.
func (q *Queue) discardLocked(r *record) {
	q.detachLocked(r)
	if !r.msg.State.Terminal() {
		q.live--
	}
	q.dropLocked(r)
}

// dropLocked forgets r in memory and in storage.
func (q *Queue) dropLocked(r *record) {
	delete(q.records, r.msg.ID)
	if err := q.eng.Remove(r.msg.ID); err != nil {
		q.log.Warn("remove record failed", slog.String("id", r.msg.ID), slog.String("error", err.Error()))
	}
}

func (q *Queue) persistLocked(r *record) {
	if err := q.eng.Put(r.stored()); err != nil {
		q.log.Warn("persist record failed",
			slog.String("id", r.msg.ID),
			slog.String("state", r.msg.State.String()),
			slog.String("error", err.Error()))
	}
}

func (q *Queue) signalLocked() {
	if q.closed {
		return
	}
	close(q.avail)
	q.avail = make(chan struct{})
}

func (q *Queue) observe(ev Event, n int) {
	if q.observer != nil {
		q.observer(q.name, ev, n)
	}
}

// sortedLocked returns all records in enqueue order.
func (q *Queue) sortedLocked() []*record {
	out := make([]*record, 0, len(q.records))
	for _, r := range q.records {
		out = append(out, r)
	}
	slices.SortFunc(out, func(a, b *record) int { return cmp.Compare(a.seq, b.seq) })
	return out
}

// ─── Rebuild ──────────────────────────────────────────────────────────────────

// load rebuilds in-memory state from the engine. Live leases are
// rescheduled; lapsed leases and exhausted messages are left for the
// janitor's first sweep, which runs outside any caller's locks.
func (q *Queue) load() error {
	var recs []storage.Record
	if err := q.eng.ForEach(func(rec storage.Record) error {
		recs = append(recs, rec)
		return nil
	}); err != nil {
		return err
	}
	slices.SortFunc(recs, func(a, b storage.Record) int { return cmp.Compare(a.Seq, b.Seq) })

	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.clock.Now()
	for _, rec := range recs {
		r := &record{msg: rec.Message, receipt: rec.ReceiptHandle, seq: rec.Seq, finishedAt: rec.FinishedAt}
		id := r.msg.ID
		q.records[id] = r
		q.seq = max(q.seq, r.seq)

		if r.msg.DedupKey != "" && r.msg.State != StateDeleted {
			q.dedup[r.msg.DedupKey] = dedupClaim{id: id, at: r.msg.EnqueuedAt}
		}

		switch r.msg.State {
		case StateAvailable:
			q.live++
			if q.cfg.OrderingEnabled {
				q.groups.add(r.msg.GroupKey, id)
			} else {
				r.ready = q.ready.PushBack(id)
			}
			if r.msg.VisibleAt.After(now) {
				q.sched.Schedule(id, q.name, r.msg.VisibleAt)
			}
		case StateInFlight:
			q.live++
			if q.cfg.OrderingEnabled {
				q.groups.add(r.msg.GroupKey, id)
				q.groups.lock(r.msg.GroupKey, id)
			}
			q.receipts[r.receipt] = id
			q.sched.Schedule(id, q.name, r.msg.VisibleAt)
		}
	}
	if len(recs) > 0 {
		q.log.Info("queue state rebuilt", slog.Int("records", len(recs)), slog.Int("live", q.live))
	}
	return nil
}
