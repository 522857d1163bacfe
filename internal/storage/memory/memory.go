// Package memory provides a process-local storage.Engine.
package memory

import (
	"slices"
	"sync"

	"github.com/snehjoshi/leaseq/internal/storage"
)

// Engine keeps records in a map. The zero value is not usable; call New.
type Engine struct {
	mu      sync.RWMutex
	records map[string]storage.Record
	closed  bool
}

// New returns an empty Engine.
func New() *Engine {
	return &Engine{records: make(map[string]storage.Record)}
}

// Factory is a storage.Factory that gives every queue its own Engine.
func Factory(string) (storage.Engine, error) {
	return New(), nil
}

// Put stores a copy of rec.
func (e *Engine) Put(rec storage.Record) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return storage.ErrClosed
	}
	rec.Message = *rec.Message.Clone()
	e.records[rec.Message.ID] = rec
	return nil
}

// Remove deletes the record for id.
func (e *Engine) Remove(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return storage.ErrClosed
	}
	delete(e.records, id)
	return nil
}

// ForEach visits records in ascending id order.
func (e *Engine) ForEach(fn func(rec storage.Record) error) error {
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return storage.ErrClosed
	}
	ids := make([]string, 0, len(e.records))
	for id := range e.records {
		ids = append(ids, id)
	}
	snapshot := make([]storage.Record, 0, len(ids))
	slices.Sort(ids)
	for _, id := range ids {
		rec := e.records[id]
		rec.Message = *rec.Message.Clone()
		snapshot = append(snapshot, rec)
	}
	e.mu.RUnlock()

	for _, rec := range snapshot {
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

// Len returns the number of stored records.
func (e *Engine) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.records)
}

// Close marks the engine closed. Records are discarded.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	e.records = nil
	return nil
}
