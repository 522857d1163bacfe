package local

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/snehjoshi/leaseq/internal/storage"
)

const logFileName = "log.dat"

// ─── Local Storage Config ────────────────────────────────────────────────────

// FsyncPolicy controls when writes are flushed to physical disk.
// Values mirror the storage.fsync config names so the broker can pass them
// straight through.
type FsyncPolicy string

const (
	FsyncAlways   FsyncPolicy = "always"   // fsync after every write (safest, slowest)
	FsyncInterval FsyncPolicy = "interval" // fsync every FsyncInterval
	FsyncBatch    FsyncPolicy = "batch"    // fsync after every FsyncBatchSize writes
	FsyncNever    FsyncPolicy = "never"    // never fsync (fastest, risks data loss)
)

// Config holds options that tune local.Storage behaviour.
// Zero fields take the DefaultConfig value.
type Config struct {
	Fsync          FsyncPolicy
	FsyncInterval  time.Duration // used when Fsync == FsyncInterval
	FsyncBatchSize int           // used when Fsync == FsyncBatch

	// CompactionInterval is how often the background compactor checks for
	// garbage. A negative value disables the background compactor.
	CompactionInterval time.Duration

	// CompactionMinGarbage is the number of superseded entries below which
	// a compaction pass is skipped.
	CompactionMinGarbage int

	Logger *slog.Logger
}

// DefaultConfig returns a Config with production-safe defaults.
func DefaultConfig() Config {
	return Config{
		Fsync:                FsyncInterval,
		FsyncInterval:        200 * time.Millisecond,
		FsyncBatchSize:       64,
		CompactionInterval:   10 * time.Minute,
		CompactionMinGarbage: 1024,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Fsync == "" {
		c.Fsync = d.Fsync
	}
	if c.FsyncInterval <= 0 {
		c.FsyncInterval = d.FsyncInterval
	}
	if c.FsyncBatchSize <= 0 {
		c.FsyncBatchSize = d.FsyncBatchSize
	}
	if c.CompactionInterval == 0 {
		c.CompactionInterval = d.CompactionInterval
	}
	if c.CompactionMinGarbage <= 0 {
		c.CompactionMinGarbage = d.CompactionMinGarbage
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// ─── Storage ─────────────────────────────────────────────────────────────────

// Storage is a storage.Engine over a single append-only Log. The live table
// maps every stored message id to the offset of its latest put entry.
//
// All methods are safe for concurrent use.
type Storage struct {
	dir string
	cfg Config
	log *Log

	// mu guards live, garbage and writes. Put and Remove take it
	// exclusively; so does Compactor.RunOnce while it swaps files.
	mu      sync.RWMutex
	live    map[string]int64
	garbage int   // superseded puts plus tombstones still on disk
	writes  int64 // used by FsyncBatch
	closed  bool

	compactor *Compactor

	fsyncTicker *time.Ticker
	fsyncDone   chan struct{}
	fsyncWG     sync.WaitGroup

	closeOnce sync.Once
	closeErr  error
}

var _ storage.Engine = (*Storage)(nil)

// ─── Open ─────────────────────────────────────────────────────────────────────

// Open creates (or reopens) a Storage backed by files in dir, which is
// expected to be the per-queue data directory.
func Open(dir string, cfg Config) (*Storage, error) {
	cfg = cfg.withDefaults()

	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("local storage: create dir %s: %w", dir, err)
	}
	logPath := filepath.Join(dir, logFileName)
	if err := recoverSwap(logPath); err != nil {
		return nil, fmt.Errorf("local storage: %w", err)
	}

	lg, err := OpenLog(logPath)
	if err != nil {
		return nil, fmt.Errorf("local storage: open log: %w", err)
	}

	s := &Storage{
		dir:  dir,
		cfg:  cfg,
		log:  lg,
		live: make(map[string]int64),
	}
	if err := s.rebuild(); err != nil {
		_ = lg.Close()
		return nil, fmt.Errorf("local storage: rebuild %s: %w", dir, err)
	}

	s.startFsync()
	s.compactor = NewCompactor(s, cfg.CompactionInterval)
	if cfg.CompactionInterval > 0 {
		s.compactor.Start()
	}
	return s, nil
}

// Factory returns a storage.Factory that opens <dir>/<queue>/log.dat.
func Factory(dir string, cfg Config) storage.Factory {
	return func(queue string) (storage.Engine, error) {
		c := cfg
		if c.Logger != nil {
			c.Logger = c.Logger.With(slog.String("queue", queue))
		}
		return Open(filepath.Join(dir, queue), c)
	}
}

// recoverSwap finishes or rolls back a compaction that crashed between its
// two renames, and drops a leftover temporary file.
func recoverSwap(logPath string) error {
	oldPath := logPath + ".old"
	if _, err := os.Stat(oldPath); err == nil {
		if _, err := os.Stat(logPath); errors.Is(err, os.ErrNotExist) {
			if err := os.Rename(oldPath, logPath); err != nil {
				return fmt.Errorf("restore %s: %w", oldPath, err)
			}
		} else if err := os.Remove(oldPath); err != nil {
			return fmt.Errorf("remove %s: %w", oldPath, err)
		}
	}
	if err := os.Remove(logPath + ".tmp"); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale tmp log: %w", err)
	}
	return nil
}

// rebuild replays the log into the live table.
func (s *Storage) rebuild() error {
	return s.log.Scan(func(offset int64, e entry) error {
		_, existed := s.live[e.id]
		switch e.op {
		case opPut:
			if existed {
				s.garbage++
			}
			s.live[e.id] = offset
		case opRemove:
			s.garbage++
			if existed {
				s.garbage++
				delete(s.live, e.id)
			}
		}
		return nil
	})
}

// ─── Background fsync ─────────────────────────────────────────────────────────

func (s *Storage) startFsync() {
	if s.cfg.Fsync != FsyncInterval {
		return
	}
	s.fsyncTicker = time.NewTicker(s.cfg.FsyncInterval)
	s.fsyncDone = make(chan struct{})
	s.fsyncWG.Add(1)
	go func() {
		defer s.fsyncWG.Done()
		for {
			select {
			case <-s.fsyncDone:
				return
			case <-s.fsyncTicker.C:
				if err := s.log.Sync(); err != nil {
					s.cfg.Logger.Warn("log fsync failed", slog.String("dir", s.dir), slog.Any("err", err))
				}
			}
		}
	}()
}

func (s *Storage) stopFsync() {
	if s.fsyncTicker == nil {
		return
	}
	s.fsyncTicker.Stop()
	close(s.fsyncDone)
	s.fsyncWG.Wait()
}

// syncAfterWrite applies the per-write fsync policies. Caller holds mu.
func (s *Storage) syncAfterWrite() error {
	switch s.cfg.Fsync {
	case FsyncAlways:
		return s.log.Sync()
	case FsyncBatch:
		s.writes++
		if s.writes%int64(s.cfg.FsyncBatchSize) == 0 {
			return s.log.Sync()
		}
	}
	return nil
}

// ─── storage.Engine ──────────────────────────────────────────────────────────

// Put appends rec and makes it the latest version of its id.
func (s *Storage) Put(rec storage.Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("local storage: marshal %s: %w", rec.Message.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}

	id := rec.Message.ID
	offset, err := s.log.Append(entry{op: opPut, id: id, payload: payload})
	if err != nil {
		return fmt.Errorf("local storage: put %s: %w", id, err)
	}
	if _, existed := s.live[id]; existed {
		s.garbage++
	}
	s.live[id] = offset
	return s.syncAfterWrite()
}

// Remove appends a tombstone for id. Unknown ids write nothing.
func (s *Storage) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}
	if _, ok := s.live[id]; !ok {
		return nil
	}

	if _, err := s.log.Append(entry{op: opRemove, id: id}); err != nil {
		return fmt.Errorf("local storage: remove %s: %w", id, err)
	}
	delete(s.live, id)
	s.garbage += 2
	return s.syncAfterWrite()
}

// ForEach visits every live record in ascending id order. The records are
// read under a shared lock and handed to fn after it is released, so fn may
// call back into the engine.
func (s *Storage) ForEach(fn func(rec storage.Record) error) error {
	recs, err := s.snapshot()
	if err != nil {
		return err
	}
	for _, rec := range recs {
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

func (s *Storage) snapshot() ([]storage.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, storage.ErrClosed
	}

	ids := make([]string, 0, len(s.live))
	for id := range s.live {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	recs := make([]storage.Record, 0, len(ids))
	for _, id := range ids {
		rec, err := s.readRecord(id, s.live[id])
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

func (s *Storage) readRecord(id string, offset int64) (storage.Record, error) {
	e, err := s.log.ReadAt(offset)
	if err != nil {
		if errors.Is(err, io.EOF) {
			err = storage.ErrCorrupted
		}
		return storage.Record{}, fmt.Errorf("local storage: read %s at %d: %w", id, offset, err)
	}
	var rec storage.Record
	if err := json.Unmarshal(e.payload, &rec); err != nil {
		return storage.Record{}, fmt.Errorf("%w: %s: %v", storage.ErrCorrupted, id, err)
	}
	return rec, nil
}

// Garbage reports how many superseded entries the log currently carries.
func (s *Storage) Garbage() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.garbage
}

// Compactor returns the Compactor so callers can trigger RunOnce on demand.
func (s *Storage) Compactor() *Compactor {
	return s.compactor
}

// Close stops the background goroutines, flushes and closes the log.
// Safe to call multiple times.
func (s *Storage) Close() error {
	s.closeOnce.Do(func() {
		s.compactor.Stop()
		s.stopFsync()

		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		s.closeErr = s.log.Close()
	})
	return s.closeErr
}
