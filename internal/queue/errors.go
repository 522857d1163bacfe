package queue

import "errors"

var (
	// ErrNotFoundOrNotAvailable is returned when a message does not exist or
	// is not in the state an operation requires. It is benign: a consumer
	// racing a visibility timeout sees it on Nack or ExtendLease.
	ErrNotFoundOrNotAvailable = errors.New("message not found or not available")

	// ErrGroupLocked is returned by MarkInFlight when another message of the
	// same group is in flight, or the message is not at the head of its group.
	ErrGroupLocked = errors.New("message group locked")

	// ErrRetentionExpired marks a message purged by the retention sweep.
	ErrRetentionExpired = errors.New("retention period expired")

	// ErrRedriveTargetUnavailable is returned when the dead-letter target
	// does not exist or refused the redriven copy.
	ErrRedriveTargetUnavailable = errors.New("redrive target unavailable")

	// ErrMissingGroupKey is returned by Enqueue on an ordering-enabled queue
	// when the request carries no group key.
	ErrMissingGroupKey = errors.New("group key required on ordered queue")

	ErrMessageTooLarge = errors.New("message too large")
	ErrQueueFull       = errors.New("queue at capacity")
	ErrQueueClosed     = errors.New("queue closed")
	ErrQueueExists     = errors.New("queue already exists")
	ErrQueueNotFound   = errors.New("queue not found")
	ErrInvalidConfig   = errors.New("invalid queue config")
)
