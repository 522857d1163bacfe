// Package dlq provides operations for inspecting and replaying messages that
// were redriven to a dead-letter queue.
//
// A dead-letter queue in LeaseQ is an ordinary queue named as another
// queue's DeadLetterTarget. Every redriven copy carries the name of the
// queue it came from in its attributes, which is what Replay routes on.
//
//   - Peek:   read (without leasing) the next N dead letters.
//   - Drain:  lease the next N dead letters; the caller acks them.
//   - Replay: move dead letters back to their source queue (or a chosen
//     queue) for reprocessing.
package dlq

import (
	"context"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/snehjoshi/leaseq/internal/queue"
	"github.com/snehjoshi/leaseq/internal/types"
)

// Manager provides dead-letter operations on top of a queue.Manager.
type Manager struct {
	qm *queue.Manager
}

// NewManager wraps qm.
func NewManager(qm *queue.Manager) *Manager {
	return &Manager{qm: qm}
}

// Peek returns up to limit Available dead letters from the queue called
// name, oldest first, without leasing them.
func (m *Manager) Peek(name string, limit int) ([]queue.Message, error) {
	q, err := m.qm.Get(name)
	if err != nil {
		return nil, fmt.Errorf("dlq.Peek: %w", err)
	}
	return q.List(limit, func(msg queue.Message) bool {
		return msg.State == queue.StateAvailable
	}), nil
}

// Drain leases up to limit dead letters. The caller acks or nacks them.
func (m *Manager) Drain(ctx context.Context, name string, limit int) ([]queue.Delivery, error) {
	q, err := m.qm.Get(name)
	if err != nil {
		return nil, fmt.Errorf("dlq.Drain: %w", err)
	}
	return q.Receive(ctx, limit, 0)
}

// ReplayOptions controls Replay.
type ReplayOptions struct {
	// Limit caps how many dead letters are replayed. 0 means one batch of
	// the dead-letter queue's MaxBatchSize.
	Limit int

	// Target overrides the source queue recorded on each message.
	Target string
}

// ReplayResult reports what Replay did.
type ReplayResult struct {
	Replayed int `json:"replayed"`
	Failed   int `json:"failed"`
}

// Replay moves dead letters from the queue called name back into their
// source queue. Each message is enqueued on the target first and acked from
// the dead-letter queue only once the target accepted it; a message that
// cannot be replayed is released back to the dead-letter queue.
func (m *Manager) Replay(ctx context.Context, name string, opts ReplayOptions) (ReplayResult, error) {
	var res ReplayResult
	dq, err := m.qm.Get(name)
	if err != nil {
		return res, fmt.Errorf("dlq.Replay: %w", err)
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = dq.Config().MaxBatchSize
	}

	// A failed message is released and would be received again; seeing one
	// twice means only failures are left.
	failed := make(map[string]bool)
	for res.Replayed+res.Failed < limit {
		batch, err := dq.Receive(ctx, limit-res.Replayed-res.Failed, 0)
		if err != nil {
			return res, fmt.Errorf("dlq.Replay: receive: %w", err)
		}
		if len(batch) == 0 {
			break
		}
		again := false
		for _, d := range batch {
			if failed[d.ID] {
				again = true
				if err := dq.Nack(ctx, d.ReceiptHandle, 0); err != nil {
					return res, fmt.Errorf("dlq.Replay: release %s: %w", d.ID, err)
				}
				continue
			}
			if err := m.replayOne(ctx, d, opts.Target); err != nil {
				res.Failed++
				failed[d.ID] = true
				if nerr := dq.Nack(ctx, d.ReceiptHandle, 0); nerr != nil {
					return res, fmt.Errorf("dlq.Replay: release %s: %w", d.ID, nerr)
				}
				continue
			}
			if err := dq.Ack(ctx, d.ReceiptHandle); err != nil {
				return res, fmt.Errorf("dlq.Replay: ack %s: %w", d.ID, err)
			}
			res.Replayed++
		}
		if again {
			break
		}
	}
	return res, nil
}

func (m *Manager) replayOne(ctx context.Context, d queue.Delivery, target string) error {
	if target == "" {
		target = d.Attributes[types.AttrSourceQueue]
	}
	if target == "" {
		return fmt.Errorf("message %s has no source queue", d.ID)
	}
	q, err := m.qm.Get(target)
	if err != nil {
		return err
	}
	_, err = q.Enqueue(ctx, queue.EnqueueRequest{
		Body:       d.Body,
		GroupKey:   d.GroupKey,
		Attributes: stripAnnotations(d.Attributes),
	})
	return err
}

// stripAnnotations drops the attributes added by redrive so a replayed
// message looks like the producer's original.
func stripAnnotations(attrs map[string]string) map[string]string {
	out := maps.Clone(attrs)
	maps.DeleteFunc(out, func(k, _ string) bool { return strings.HasPrefix(k, "leaseq.") })
	if len(out) == 0 {
		return nil
	}
	return out
}

// Len returns the number of dead letters waiting or leased in the queue
// called name, or 0 if it does not exist.
func (m *Manager) Len(name string) int {
	q, err := m.qm.Get(name)
	if err != nil {
		return 0
	}
	s := q.Stats()
	return s.Available + s.Delayed + s.InFlight
}

// ReplayTimeout bounds a replay started from a request handler.
const ReplayTimeout = 30 * time.Second
