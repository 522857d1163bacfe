package queue

// statemachine.go: message lifecycle transition rules.
//
//	AVAILABLE ──receive──► IN_FLIGHT ──ack──► DELETED
//	    ▲                      │  ▲
//	    └──timeout / nack──────┘  └──extend
//
//	AVAILABLE ──delete──► DELETED
//	AVAILABLE ──redrive / exhausted──► DEAD_LETTERED ──delete──► DELETED

// ValidTransition reports whether from → to is a legal state change.
// Every mutation in this package goes through setState, which enforces it.
func ValidTransition(from, to State) bool {
	switch from {
	case StateAvailable:
		return to == StateInFlight || to == StateDeleted || to == StateDeadLettered
	case StateInFlight:
		// InFlight → InFlight is ExtendVisibility.
		return to == StateAvailable || to == StateDeleted || to == StateInFlight
	case StateDeadLettered:
		// A retained dead letter can still be deleted by an operator.
		return to == StateDeleted
	case StateDeleted:
		return false
	}
	return false
}
