package local

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/snehjoshi/leaseq/internal/storage"
)

// Compactor rewrites the log file so it holds only the latest put entry of
// every live id. Superseded puts and tombstones are dropped.
//
// RunOnce holds the Storage write lock for the whole rewrite, so Put and
// Remove stall while it runs. The background loop only calls it once
// CompactionMinGarbage superseded entries have piled up.
type Compactor struct {
	s        *Storage
	interval time.Duration

	mu       sync.Mutex // serialises RunOnce
	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup
}

// NewCompactor creates a Compactor that checks s every interval.
func NewCompactor(s *Storage, interval time.Duration) *Compactor {
	return &Compactor{
		s:        s,
		interval: interval,
		done:     make(chan struct{}),
	}
}

// Start launches the background compaction goroutine.
func (c *Compactor) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-c.done:
				return
			case <-ticker.C:
				if c.s.Garbage() < c.s.cfg.CompactionMinGarbage {
					continue
				}
				ctx, cancel := context.WithTimeout(context.Background(), c.interval/2)
				if err := c.RunOnce(ctx); err != nil {
					c.s.cfg.Logger.Error("log compaction failed", slog.String("dir", c.s.dir), slog.Any("err", err))
				}
				cancel()
			}
		}
	}()
}

// Stop signals the background goroutine to exit and waits for it to finish.
// Safe to call multiple times, and on a Compactor that was never started.
func (c *Compactor) Stop() {
	c.stopOnce.Do(func() { close(c.done) })
	c.wg.Wait()
}

// RunOnce performs a single compaction cycle:
//  1. Take the Storage write lock.
//  2. Copy the latest entry of every live id, in file order, to log.dat.tmp.
//  3. Rename log.dat → log.dat.old, then log.dat.tmp → log.dat.
//  4. Reopen the Log and point the live table at the new offsets.
//  5. Remove log.dat.old.
//
// It returns nil without touching the file when there is no garbage.
func (c *Compactor) RunOnce(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}
	if s.garbage == 0 {
		return nil
	}

	// ── 1. Collect live offsets in file order ────────────────────────────────
	type liveEntry struct {
		id     string
		offset int64
	}
	live := make([]liveEntry, 0, len(s.live))
	for id, off := range s.live {
		live = append(live, liveEntry{id: id, offset: off})
	}
	slices.SortFunc(live, func(a, b liveEntry) int { return cmp.Compare(a.offset, b.offset) })

	// ── 2. Write live entries to a temporary log file ────────────────────────
	logPath := s.log.Path()
	tmpPath := logPath + ".tmp"
	if err := os.Remove(tmpPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("compactor: remove stale tmp log: %w", err)
	}
	tmpLog, err := OpenLog(tmpPath)
	if err != nil {
		return fmt.Errorf("compactor: open tmp log: %w", err)
	}
	abort := func(cause error) error {
		return multierr.Combine(cause, tmpLog.Close(), os.Remove(tmpPath))
	}

	newOffsets := make(map[string]int64, len(live))
	for _, le := range live {
		if err := ctx.Err(); err != nil {
			return abort(err)
		}
		e, err := s.log.ReadAt(le.offset)
		if err != nil {
			return abort(fmt.Errorf("compactor: read %s: %w", le.id, err))
		}
		off, err := tmpLog.Append(e)
		if err != nil {
			return abort(fmt.Errorf("compactor: write %s: %w", le.id, err))
		}
		newOffsets[le.id] = off
	}
	if err := tmpLog.Close(); err != nil {
		return multierr.Append(fmt.Errorf("compactor: close tmp log: %w", err), os.Remove(tmpPath))
	}

	// ── 3. Atomic file swap ───────────────────────────────────────────────────
	oldPath := logPath + ".old"
	if err := os.Rename(logPath, oldPath); err != nil {
		return multierr.Append(fmt.Errorf("compactor: rename log to .old: %w", err), os.Remove(tmpPath))
	}
	if err := os.Rename(tmpPath, logPath); err != nil {
		return multierr.Append(fmt.Errorf("compactor: rename tmp to log: %w", err), os.Rename(oldPath, logPath))
	}

	// ── 4. Reopen Log against the new file ───────────────────────────────────
	if err := s.log.Reopen(logPath); err != nil {
		return fmt.Errorf("compactor: reopen log (restart required): %w", err)
	}
	before := s.garbage
	s.live = newOffsets
	s.garbage = 0

	// ── 5. Remove the old log file ────────────────────────────────────────────
	// Left behind on failure; recoverSwap drops it on the next Open.
	_ = os.Remove(oldPath)

	s.cfg.Logger.Debug("log compacted",
		slog.String("dir", s.dir),
		slog.Int("live", len(newOffsets)),
		slog.Int("dropped", before),
	)
	return nil
}
