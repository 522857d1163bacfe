// Package storage defines the Engine abstraction a queue persists its
// message records through.
//
// The queue keeps its authoritative state in memory and writes every state
// transition through to the engine, so an engine only has to store and
// enumerate records. On startup the queue rebuilds itself from ForEach.
package storage

import (
	"errors"
	"time"

	"github.com/snehjoshi/leaseq/internal/types"
)

// ErrClosed is returned by engine operations after Close.
var ErrClosed = errors.New("storage: engine closed")

// ErrCorrupted is returned when a stored record cannot be decoded.
var ErrCorrupted = errors.New("storage: record corrupted")

// Record is the persisted form of one message together with the queue
// bookkeeping that must survive a restart.
type Record struct {
	Message types.Message `json:"message"`

	// ReceiptHandle identifies the current lease. Empty unless the message
	// is InFlight.
	ReceiptHandle string `json:"receipt_handle,omitempty"`

	// Seq is the per-queue enqueue sequence number. It fixes FIFO order
	// inside a group independently of id or clock resolution.
	Seq uint64 `json:"seq"`

	// FinishedAt is when the message reached a terminal state. Zero
	// otherwise.
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// Engine stores message records for a single queue.
//
// Implementations:
//   - memory.Engine: process-local, nothing survives a restart
//   - bolt.Engine: one bbolt file per queue
//   - local.Storage: one append-only record log per queue
//
// All methods must be safe for concurrent use.
type Engine interface {
	// Put inserts or replaces the record for rec.Message.ID.
	Put(rec Record) error

	// Remove deletes the record for id. Removing an unknown id is not an
	// error.
	Remove(id string) error

	// ForEach calls fn for every stored record in ascending id order.
	// Iteration stops at the first non-nil error fn returns.
	ForEach(fn func(rec Record) error) error

	// Close releases the engine's resources.
	Close() error
}

// Factory opens the engine for the named queue.
type Factory func(queue string) (Engine, error)
