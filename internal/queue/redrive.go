package queue

import (
	"fmt"
	"log/slog"
	"maps"
	"strconv"
	"time"

	"github.com/snehjoshi/leaseq/internal/types"
)

// Redrive is the copy a queue hands to its dead-letter target.
type Redrive struct {
	Body               []byte
	GroupKey           string
	Attributes         map[string]string
	Reason             string
	SourceQueue        string
	SourceMessageID    string
	SourceReceiveCount int
}

// RedriveTarget accepts redriven messages. *Queue implements it.
type RedriveTarget interface {
	AcceptRedrive(r Redrive) (string, error)
}

// Resolver looks a dead-letter target up by name at redrive time. Queues
// hold target names, never pointers to other queues.
type Resolver func(name string) (RedriveTarget, error)

// AcceptRedrive enqueues r as a fresh message with ReceiveCount 0 and the
// redrive annotations added to its attributes.
func (q *Queue) AcceptRedrive(r Redrive) (string, error) {
	attrs := maps.Clone(r.Attributes)
	if attrs == nil {
		attrs = make(map[string]string, 4)
	}
	attrs[types.AttrRedriveReason] = r.Reason
	attrs[types.AttrSourceQueue] = r.SourceQueue
	attrs[types.AttrSourceMessageID] = r.SourceMessageID
	attrs[types.AttrSourceReceiveCount] = strconv.Itoa(r.SourceReceiveCount)

	q.mu.Lock()
	defer q.mu.Unlock()
	return q.enqueueLocked(EnqueueRequest{
		Body:       r.Body,
		GroupKey:   r.GroupKey,
		Attributes: attrs,
	})
}

// exhausted reports whether m has used up its receive budget.
func (q *Queue) exhausted(m *types.Message) bool {
	return q.cfg.MaxReceiveCount > 0 && m.ReceiveCount >= q.cfg.MaxReceiveCount
}

// redriveLocked moves an exhausted Available message out of the queue. It
// returns true when the message left (redriven, purged or retained) and
// false when the target could not take it; the message then stays Available
// but undeliverable until a later attempt succeeds.
//
// The target's lock is taken while q.mu is held. Manager.Create rejects
// dead-letter chains that loop, so lock order always follows the chain.
func (q *Queue) redriveLocked(r *record, now time.Time) bool {
	m := &r.msg
	if q.cfg.DeadLetterTarget == "" {
		switch q.cfg.ExhaustedPolicy {
		case PolicyRetain:
			q.setState(r, StateDeadLettered, now)
			q.log.Info("message exhausted, retained",
				slog.String("id", m.ID), slog.Int("receive_count", m.ReceiveCount))
		default:
			q.setState(r, StateDeadLettered, now)
			q.dropLocked(r)
			q.log.Info("message exhausted, purged",
				slog.String("id", m.ID), slog.Int("receive_count", m.ReceiveCount))
			q.observe(EventPurged, 1)
		}
		return true
	}

	if err := q.sendToTarget(m); err != nil {
		q.log.Warn("redrive failed",
			slog.String("id", m.ID),
			slog.String("target", q.cfg.DeadLetterTarget),
			slog.String("error", err.Error()))
		q.observe(EventRedriveFailed, 1)
		return false
	}

	q.setState(r, StateDeadLettered, now)
	q.log.Info("message redriven",
		slog.String("id", m.ID),
		slog.String("target", q.cfg.DeadLetterTarget),
		slog.Int("receive_count", m.ReceiveCount))
	q.observe(EventRedriven, 1)
	return true
}

func (q *Queue) sendToTarget(m *types.Message) error {
	if q.resolve == nil {
		return fmt.Errorf("%w: %s: no resolver", ErrRedriveTargetUnavailable, q.cfg.DeadLetterTarget)
	}
	target, err := q.resolve(q.cfg.DeadLetterTarget)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrRedriveTargetUnavailable, q.cfg.DeadLetterTarget, err)
	}
	_, err = target.AcceptRedrive(Redrive{
		Body:               m.Body,
		GroupKey:           m.GroupKey,
		Attributes:         m.Attributes,
		Reason:             types.RedriveReasonMaxReceives,
		SourceQueue:        q.name,
		SourceMessageID:    m.ID,
		SourceReceiveCount: m.ReceiveCount,
	})
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrRedriveTargetUnavailable, q.cfg.DeadLetterTarget, err)
	}
	return nil
}
