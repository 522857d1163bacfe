package queue

import (
	"log/slog"
	"time"
)

// ─── Janitor ──────────────────────────────────────────────────────────────────

func (q *Queue) startJanitor() {
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		// The first pass recovers whatever load left behind: lapsed leases
		// and exhausted messages from before a restart.
		q.Sweep()

		ticker := time.NewTicker(q.cfg.ScanInterval)
		defer ticker.Stop()
		for {
			select {
			case <-q.done:
				return
			case <-ticker.C:
				q.Sweep()
			}
		}
	}()
}

// Sweep runs one janitor pass immediately:
//   - reclaims InFlight messages whose lease lapsed without a timer firing
//   - purges Available messages older than the retention period
//   - retries redrive of exhausted messages
//   - drops Deleted and redriven records older than the tombstone TTL
//   - forgets dedup claims older than the dedup window
//   - wakes receivers if anything is deliverable
func (q *Queue) Sweep() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	now := q.clock.Now()
	retainDead := q.cfg.DeadLetterTarget == "" && q.cfg.ExhaustedPolicy == PolicyRetain
	deliverable := false

	for _, r := range q.sortedLocked() {
		switch r.msg.State {
		case StateInFlight:
			if !r.msg.VisibleAt.After(now) {
				q.expireLocked(r, now)
			}

		case StateAvailable:
			if q.cfg.RetentionPeriod > 0 && now.Sub(r.msg.EnqueuedAt) >= q.cfg.RetentionPeriod {
				q.log.Info("message dropped",
					slog.String("id", r.msg.ID),
					slog.String("reason", ErrRetentionExpired.Error()),
					slog.Time("enqueued_at", r.msg.EnqueuedAt))
				q.discardLocked(r)
				q.observe(EventRetentionPurge, 1)
				continue
			}
			if q.exhausted(&r.msg) {
				q.redriveLocked(r, now)
				continue
			}
			if !r.msg.VisibleAt.After(now) {
				deliverable = true
			}

		case StateDeadLettered:
			if !retainDead && now.Sub(r.finishedAt) >= q.cfg.TombstoneTTL {
				q.dropLocked(r)
			}

		case StateDeleted:
			if now.Sub(r.finishedAt) >= q.cfg.TombstoneTTL {
				q.dropLocked(r)
			}
		}
	}

	for key, c := range q.dedup {
		if now.Sub(c.at) >= q.cfg.DedupWindow {
			delete(q.dedup, key)
		}
	}

	if deliverable {
		q.signalLocked()
	}
}
