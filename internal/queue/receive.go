package queue

import (
	"context"
	"time"
)

// Receive leases up to n deliverable messages using the queue's default
// visibility timeout. See ReceiveWithVisibility.
func (q *Queue) Receive(ctx context.Context, n int, wait time.Duration) ([]Delivery, error) {
	return q.ReceiveWithVisibility(ctx, n, wait, 0)
}

// ReceiveWithVisibility leases up to n deliverable messages, each for
// visibility (0 = queue default). If none is deliverable it long-polls for
// up to wait; an empty result after the wait is not an error.
//
// Cancelling ctx makes it return promptly with ctx.Err(), and nothing is
// claimed once ctx is done.
func (q *Queue) ReceiveWithVisibility(ctx context.Context, n int, wait, visibility time.Duration) ([]Delivery, error) {
	n = min(max(n, 1), q.cfg.MaxBatchSize)

	var timeout <-chan time.Time
	if wait > 0 {
		t := time.NewTimer(wait)
		defer t.Stop()
		timeout = t.C
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrQueueClosed
		}
		// Checked again under the lock: a cancelled receive claims nothing.
		if err := ctx.Err(); err != nil {
			q.mu.Unlock()
			return nil, err
		}
		out, err := q.claimLocked(n, visibility, q.clock.Now())
		avail := q.avail
		q.mu.Unlock()

		if err != nil || len(out) > 0 || timeout == nil {
			return out, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timeout:
			return nil, nil
		case <-avail:
		}
	}
}

// claimLocked leases up to n deliverable messages. Exhausted candidates
// are redriven instead of delivered.
func (q *Queue) claimLocked(n int, visibility time.Duration, now time.Time) ([]Delivery, error) {
	var out []Delivery
	take := func(r *record) error {
		if r.msg.State != StateAvailable || r.msg.VisibleAt.After(now) {
			return nil
		}
		if q.exhausted(&r.msg) {
			q.redriveLocked(r, now)
			return nil
		}
		d, err := q.leaseLocked(r, visibility, now)
		if err != nil {
			return err
		}
		out = append(out, d)
		return nil
	}

	if q.cfg.OrderingEnabled {
		for _, id := range q.groups.heads() {
			if len(out) >= n {
				break
			}
			if err := take(q.records[id]); err != nil {
				return out, err
			}
		}
		return out, nil
	}

	for e := q.ready.Front(); e != nil && len(out) < n; {
		next := e.Next()
		if err := take(q.records[e.Value.(string)]); err != nil {
			return out, err
		}
		e = next
	}
	return out, nil
}

// Ack deletes the message leased under receipt. A receipt that no longer
// names a live lease (the message was reclaimed or already acked) is
// ignored.
func (q *Queue) Ack(ctx context.Context, receipt string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	id, ok := q.receipts[receipt]
	if !ok {
		return nil
	}
	q.setState(q.records[id], StateDeleted, q.clock.Now())
	q.observe(EventAcked, 1)
	return nil
}

// Nack returns the message leased under receipt to Available, visible again
// after delay. A stale receipt yields ErrNotFoundOrNotAvailable.
func (q *Queue) Nack(ctx context.Context, receipt string, delay time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	id, ok := q.receipts[receipt]
	if !ok {
		return ErrNotFoundOrNotAvailable
	}
	now := q.clock.Now()
	q.releaseLocked(q.records[id], now.Add(max(delay, 0)), now)
	q.observe(EventNacked, 1)
	return nil
}

// ExtendLease moves the lease deadline of receipt to now + timeout. A stale
// receipt yields ErrNotFoundOrNotAvailable.
func (q *Queue) ExtendLease(ctx context.Context, receipt string, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	id, ok := q.receipts[receipt]
	if !ok {
		return ErrNotFoundOrNotAvailable
	}
	return q.extendLocked(q.records[id], timeout, q.clock.Now())
}

// Wake handles a fired deadline for id. The message's state is re-checked
// under the lock, so a deadline that outlived its lease (the message was
// deleted, released or extended meanwhile) does nothing.
func (q *Queue) Wake(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	r, ok := q.records[id]
	if !ok || q.closed {
		return
	}
	now := q.clock.Now()
	switch r.msg.State {
	case StateInFlight:
		if r.msg.VisibleAt.After(now) {
			q.sched.Schedule(id, q.name, r.msg.VisibleAt)
			return
		}
		q.expireLocked(r, now)
	case StateAvailable:
		if q.exhausted(&r.msg) {
			q.redriveLocked(r, now)
			return
		}
		q.availableLocked(r, now)
	}
}
