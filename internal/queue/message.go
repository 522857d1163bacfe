// Package queue implements the LeaseQ message store: visibility-timeout
// leases, receive counting, dead-letter redrive, FIFO groups and
// deduplication.
//
// Domain types live in internal/types so that storage and transports can
// share them; this file re-exports them so callers can say queue.Message.
package queue

import "github.com/snehjoshi/leaseq/internal/types"

type (
	Message  = types.Message
	Delivery = types.Delivery
	State    = types.State
)

const (
	StateAvailable    = types.StateAvailable
	StateInFlight     = types.StateInFlight
	StateDeleted      = types.StateDeleted
	StateDeadLettered = types.StateDeadLettered
)
