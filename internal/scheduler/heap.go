// Package scheduler implements the visibility timer shared by all queues.
//
// Deadlines live in a min-heap ordered by fire time. One goroutine peeks at
// the root (the soonest deadline), sleeps until it is due or until the
// resolution elapses, then pops every due entry and hands it to the ready
// callback. Scheduling a new entry nudges the goroutine through a buffered
// notify channel so an earlier deadline is never overslept.
//
//	peek  O(1)
//	push  O(log N)
//	cancel O(log N) via heap.Remove with a tracked index
package scheduler

import (
	"container/heap"
	"time"
)

// entry is one pending deadline.
type entry struct {
	msgID    string
	queueKey string
	at       time.Time

	// idx is the entry's position in the heap slice, kept current by Swap so
	// that Cancel can remove it without a scan.
	idx int
}

// deadlineHeap satisfies heap.Interface with the earliest deadline at 0.
type deadlineHeap []*entry

func (h deadlineHeap) Len() int { return len(h) }

func (h deadlineHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].msgID < h[j].msgID
	}
	return h[i].at.Before(h[j].at)
}

func (h deadlineHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].idx = i
	h[j].idx = j
}

func (h *deadlineHeap) Push(x any) {
	e := x.(*entry)
	e.idx = len(*h)
	*h = append(*h, e)
}

func (h *deadlineHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.idx = -1
	*h = old[:n-1]
	return e
}

func (h *deadlineHeap) remove(e *entry) {
	if e.idx >= 0 {
		heap.Remove(h, e.idx)
	}
}
