// Package bolt provides a durable storage.Engine backed by bbolt.
//
// Each queue gets its own file, <dir>/<queue>.db, holding a single bucket of
// JSON-encoded records keyed by message id. bbolt keeps the file consistent
// across crashes; every Put is its own transaction.
package bolt

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"github.com/snehjoshi/leaseq/internal/storage"
)

var bucketMessages = []byte("messages")

// Options tunes how engine files are opened.
type Options struct {
	// Timeout bounds how long Open waits for the file lock. Zero waits
	// forever.
	Timeout time.Duration

	// NoSync skips fsync after each commit. Faster, but a machine crash can
	// lose the most recent transitions.
	NoSync bool
}

// Engine is a bbolt-backed storage.Engine.
type Engine struct {
	db *bbolt.DB
}

// Open opens (or creates) the engine file at path.
func Open(path string, opts Options) (*Engine, error) {
	db, err := bbolt.Open(path, 0o640, &bbolt.Options{Timeout: opts.Timeout, NoSync: opts.NoSync})
	if err != nil {
		return nil, fmt.Errorf("bolt: open %s: %w", path, err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketMessages)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bolt: init bucket: %w", err)
	}
	return &Engine{db: db}, nil
}

// Factory returns a storage.Factory that opens <dir>/<queue>.db.
func Factory(dir string, opts Options) storage.Factory {
	return func(queue string) (storage.Engine, error) {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("bolt: create dir: %w", err)
		}
		return Open(filepath.Join(dir, queue+".db"), opts)
	}
}

// Put upserts rec.
func (e *Engine) Put(rec storage.Record) error {
	val, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("bolt: marshal %s: %w", rec.Message.ID, err)
	}
	return e.update(func(b *bbolt.Bucket) error {
		return b.Put([]byte(rec.Message.ID), val)
	})
}

// Remove deletes the record for id.
func (e *Engine) Remove(id string) error {
	return e.update(func(b *bbolt.Bucket) error {
		return b.Delete([]byte(id))
	})
}

// ForEach visits every record in key (id) order.
func (e *Engine) ForEach(fn func(rec storage.Record) error) error {
	err := e.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketMessages).ForEach(func(k, v []byte) error {
			var rec storage.Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("%w: %s: %v", storage.ErrCorrupted, k, err)
			}
			return fn(rec)
		})
	})
	if errors.Is(err, bbolt.ErrDatabaseNotOpen) {
		return storage.ErrClosed
	}
	return err
}

// Close closes the underlying database file.
func (e *Engine) Close() error {
	return e.db.Close()
}

func (e *Engine) update(fn func(b *bbolt.Bucket) error) error {
	err := e.db.Update(func(tx *bbolt.Tx) error {
		return fn(tx.Bucket(bucketMessages))
	})
	if errors.Is(err, bbolt.ErrDatabaseNotOpen) {
		return storage.ErrClosed
	}
	return err
}
