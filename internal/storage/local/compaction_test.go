package local_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/snehjoshi/leaseq/internal/storage/local"
	"github.com/snehjoshi/leaseq/internal/types"
)

// ─── Compaction tests ────────────────────────────────────────────────────────

func fileSize(t *testing.T, path string) int64 {
	t.Helper()
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat %s: %v", path, err)
	}
	return info.Size()
}

// TestCompaction_RunOnce_DropsGarbage verifies that after compaction only the
// latest version of every live record is on disk and all of them still read
// back correctly.
func TestCompaction_RunOnce_DropsGarbage(t *testing.T) {
	dir := t.TempDir()
	s := openStorage(t, dir)

	for i := range 5 {
		id := fmt.Sprintf("m%d", i)
		for n := 0; n < 3; n++ {
			if err := s.Put(record(id, types.StateInFlight, n)); err != nil {
				t.Fatalf("Put: %v", err)
			}
		}
	}
	for _, id := range []string{"m1", "m3"} {
		if err := s.Remove(id); err != nil {
			t.Fatalf("Remove: %v", err)
		}
	}

	logPath := filepath.Join(dir, "log.dat")
	before := fileSize(t, logPath)

	if err := s.Compactor().RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	if s.Garbage() != 0 {
		t.Errorf("expected no garbage after compaction, got %d", s.Garbage())
	}
	if after := fileSize(t, logPath); after >= before {
		t.Errorf("log did not shrink: before=%d after=%d", before, after)
	}

	got := collect(t, s)
	if diff := cmp.Diff([]string{"m0", "m2", "m4"}, ids(got)); diff != "" {
		t.Fatalf("ids after compaction (-want +got):\n%s", diff)
	}
	for _, rec := range got {
		if diff := cmp.Diff(record(rec.Message.ID, types.StateInFlight, 2), rec); diff != "" {
			t.Errorf("%s after compaction (-want +got):\n%s", rec.Message.ID, diff)
		}
	}
	for _, leftover := range []string{"log.dat.tmp", "log.dat.old"} {
		if _, err := os.Stat(filepath.Join(dir, leftover)); !errors.Is(err, os.ErrNotExist) {
			t.Errorf("%s should not exist after compaction", leftover)
		}
	}
}

func TestCompaction_RunOnce_NoGarbageIsNoop(t *testing.T) {
	dir := t.TempDir()
	s := openStorage(t, dir)
	for _, id := range []string{"a", "b"} {
		if err := s.Put(record(id, types.StateAvailable, 0)); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	before := fileSize(t, filepath.Join(dir, "log.dat"))
	if err := s.Compactor().RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if after := fileSize(t, filepath.Join(dir, "log.dat")); after != before {
		t.Errorf("log changed without garbage: before=%d after=%d", before, after)
	}
}

func TestCompaction_WritesAfterCompactionSurviveReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := local.Open(dir, testConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for n := 0; n < 4; n++ {
		if err := s.Put(record("a", types.StateInFlight, n)); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	if err := s.Compactor().RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if err := s.Put(record("b", types.StateAvailable, 0)); err != nil {
		t.Fatalf("Put after compaction: %v", err)
	}
	if err := s.Remove("a"); err != nil {
		t.Fatalf("Remove after compaction: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2 := openStorage(t, dir)
	if diff := cmp.Diff([]string{"b"}, ids(collect(t, s2))); diff != "" {
		t.Errorf("ids after reopen (-want +got):\n%s", diff)
	}
}

func TestCompaction_CancelledContextLeavesLogIntact(t *testing.T) {
	dir := t.TempDir()
	s := openStorage(t, dir)
	for n := 0; n < 3; n++ {
		if err := s.Put(record("a", types.StateInFlight, n)); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Compactor().RunOnce(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if s.Garbage() != 2 {
		t.Errorf("garbage should be untouched, got %d", s.Garbage())
	}
	if _, err := os.Stat(filepath.Join(dir, "log.dat.tmp")); !errors.Is(err, os.ErrNotExist) {
		t.Error("tmp log should be removed after an aborted compaction")
	}
	got := collect(t, s)
	if len(got) != 1 || got[0].Message.ReceiveCount != 2 {
		t.Errorf("unexpected records after aborted compaction: %+v", got)
	}
}

// TestCompaction_RecoversInterruptedSwap simulates a crash between the two
// renames: log.dat has moved to log.dat.old and the compacted file is still
// log.dat.tmp.
func TestCompaction_RecoversInterruptedSwap(t *testing.T) {
	dir := t.TempDir()
	s, err := local.Open(dir, testConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Put(record("a", types.StateAvailable, 0)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	logPath := filepath.Join(dir, "log.dat")
	if err := os.Rename(logPath, logPath+".old"); err != nil {
		t.Fatalf("rename: %v", err)
	}
	if err := os.WriteFile(logPath+".tmp", []byte("partial"), 0o640); err != nil {
		t.Fatalf("write tmp: %v", err)
	}

	s2 := openStorage(t, dir)
	if diff := cmp.Diff([]string{"a"}, ids(collect(t, s2))); diff != "" {
		t.Errorf("ids after recovery (-want +got):\n%s", diff)
	}
	for _, leftover := range []string{"log.dat.tmp", "log.dat.old"} {
		if _, err := os.Stat(filepath.Join(dir, leftover)); !errors.Is(err, os.ErrNotExist) {
			t.Errorf("%s should be cleaned up on open", leftover)
		}
	}
}

func TestCompaction_BackgroundLoop(t *testing.T) {
	cfg := testConfig()
	cfg.CompactionInterval = 10 * time.Millisecond
	cfg.CompactionMinGarbage = 3

	s, err := local.Open(t.TempDir(), cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	for n := 0; n < 5; n++ {
		if err := s.Put(record("a", types.StateInFlight, n)); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for s.Garbage() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("background compactor never ran; garbage=%d", s.Garbage())
		}
		time.Sleep(5 * time.Millisecond)
	}
	got := collect(t, s)
	if len(got) != 1 || got[0].Message.ReceiveCount != 4 {
		t.Errorf("unexpected records after background compaction: %+v", got)
	}
}
