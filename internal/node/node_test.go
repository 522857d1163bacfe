package node_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/snehjoshi/leaseq/internal/node"
)

func TestNew_IdentityIsStableAcrossRestarts(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "data")

	first, err := node.New(dir, "auto")
	if err != nil {
		t.Fatalf("first New: %v", err)
	}
	if first.ID().IsZero() || len(first.ID().String()) != 26 {
		t.Fatalf("unexpected id %q", first.ID())
	}

	second, err := node.New(dir, "")
	if err != nil {
		t.Fatalf("second New: %v", err)
	}
	if first.ID() != second.ID() {
		t.Errorf("id changed across restarts: %s != %s", first.ID(), second.ID())
	}

	data, err := os.ReadFile(filepath.Join(dir, "node_id"))
	if err != nil {
		t.Fatalf("node_id not persisted: %v", err)
	}
	if got := strings.TrimSpace(string(data)); got != first.ID().String() {
		t.Errorf("persisted %q, returned %q", got, first.ID())
	}
}

func TestNew_Errors(t *testing.T) {
	corrupt := t.TempDir()
	if err := os.WriteFile(filepath.Join(corrupt, "node_id"), []byte("garbage\n"), 0o640); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name     string
		dir      string
		override string
	}{
		{"empty data dir", "", "auto"},
		{"invalid override", t.TempDir(), "not-a-ulid"},
		{"corrupt id file", corrupt, "auto"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := node.New(tc.dir, tc.override); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestNew_ExplicitOverride(t *testing.T) {
	override := node.MustNewID()
	n, err := node.New(t.TempDir(), override)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if n.ID().String() != override {
		t.Errorf("got %s, want %s", n.ID(), override)
	}
}

func TestNewID_UniqueAndOrdered(t *testing.T) {
	seen := make(map[string]bool)
	prev := ""
	for i := 0; i < 1000; i++ {
		id := node.MustNewID()
		if seen[id] {
			t.Fatalf("duplicate id %s", id)
		}
		if id <= prev {
			t.Fatalf("ids not increasing: %s after %s", id, prev)
		}
		seen[id] = true
		prev = id
	}
}

func TestNewIDAt_UsesGivenTimestamp(t *testing.T) {
	early, err := node.NewIDAt(time.Unix(1_000, 0))
	if err != nil {
		t.Fatal(err)
	}
	late, err := node.NewIDAt(time.Unix(2_000, 0))
	if err != nil {
		t.Fatal(err)
	}
	if early >= late {
		t.Errorf("expected %s < %s", early, late)
	}
	if err := node.Validate(early); err != nil {
		t.Errorf("Validate: %v", err)
	}
}
