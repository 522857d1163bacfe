// Package types contains the core domain types shared across all LeaseQ
// internal packages. It has zero imports of other LeaseQ packages so that
// the storage layer, the queue layer and the transports can all depend on it
// without creating import cycles.
package types

import (
	"maps"
	"time"
)

// State is the lifecycle state of a message inside a queue.
//
// Transitions are one-directional except InFlight → Available, which happens
// when a lease times out or a consumer Nacks:
//
//	Available ──receive──▶ InFlight ──ack──▶ Deleted
//	    ▲                      │
//	    └──timeout / nack──────┘
//	Available ──redrive / exhausted──▶ DeadLettered
type State uint8

const (
	// StateAvailable means the message may be delivered once VisibleAt passes.
	StateAvailable State = iota
	// StateInFlight means a consumer holds a lease on the message until VisibleAt.
	StateInFlight
	// StateDeleted means the message was acknowledged. Terminal.
	StateDeleted
	// StateDeadLettered means the message exhausted its receive budget and was
	// redriven or retained for inspection. Terminal.
	StateDeadLettered
)

// String returns a human-readable representation of the state.
func (s State) String() string {
	switch s {
	case StateAvailable:
		return "available"
	case StateInFlight:
		return "in_flight"
	case StateDeleted:
		return "deleted"
	case StateDeadLettered:
		return "dead_lettered"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible from s.
func (s State) Terminal() bool {
	return s == StateDeleted || s == StateDeadLettered
}

// Attribute keys set on the copy a queue hands to its dead-letter target.
const (
	AttrRedriveReason      = "leaseq.redrive_reason"
	AttrSourceQueue        = "leaseq.source_queue"
	AttrSourceMessageID    = "leaseq.source_message_id"
	AttrSourceReceiveCount = "leaseq.source_receive_count"
)

// RedriveReasonMaxReceives is the only redrive reason produced today.
const RedriveReasonMaxReceives = "max_receive_count_exceeded"

// Message is the unit of data in LeaseQ.
//
// ID, Queue, Body, EnqueuedAt, GroupKey and DedupKey never change after
// enqueue. ReceiveCount only grows.
type Message struct {
	// ID is a ULID assigned at enqueue.
	ID string `json:"id"`

	// Queue is the name of the queue that owns the message.
	Queue string `json:"queue"`

	// Body is the raw payload. Producers own the encoding.
	Body []byte `json:"body"`

	EnqueuedAt time.Time `json:"enqueued_at"`

	// ReceiveCount is incremented once per successful receive that returned
	// this message.
	ReceiveCount int `json:"receive_count"`

	// VisibleAt is the earliest instant at which the message may be
	// delivered. For InFlight messages it is the lease expiry.
	VisibleAt time.Time `json:"visible_at"`

	// GroupKey orders messages on ordering-enabled queues.
	GroupKey string `json:"group_key,omitempty"`

	// DedupKey suppresses duplicate enqueues inside the dedup window.
	DedupKey string `json:"dedup_key,omitempty"`

	State State `json:"state"`

	// Attributes holds producer metadata and redrive annotations.
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Clone returns a copy of the message that shares no mutable memory with m.
func (m *Message) Clone() *Message {
	c := *m
	if m.Body != nil {
		c.Body = append([]byte(nil), m.Body...)
	}
	if m.Attributes != nil {
		c.Attributes = maps.Clone(m.Attributes)
	}
	return &c
}

// Delivery is a message handed to a consumer together with the receipt
// handle that identifies this particular lease.
type Delivery struct {
	Message

	// ReceiptHandle is valid for Ack, Nack and ExtendLease until the lease
	// expires or the message is received again.
	ReceiptHandle string `json:"receipt_handle"`
}
