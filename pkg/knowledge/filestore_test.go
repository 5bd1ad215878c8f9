package knowledge

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func TestFileStoreRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "knowledge.cbor")
	store, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	ctx := context.Background()

	if _, err := store.Load(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Load on empty store = %v, want ErrNotFound", err)
	}

	snap := NewSnapshot()
	snap.Thresholds["latency_ms"] = 180.5
	snap.ActionStats["node_failure|reroute"] = ActionStat{Attempts: 4, Successes: 3}
	snap.MTTR["node_failure"] = MTTRStat{Count: 3, TotalMS: 4500}
	snap.CollisionRate = 0.02
	snap.UpdatedAt = time.Now().UTC()

	if err := store.Save(ctx, snap); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Thresholds["latency_ms"] != 180.5 {
		t.Fatalf("threshold = %v, want 180.5", loaded.Thresholds["latency_ms"])
	}
	if got := loaded.ActionStats["node_failure|reroute"].SuccessRate(); got != 0.75 {
		t.Fatalf("success rate = %v, want 0.75", got)
	}
	if got := loaded.MTTR["node_failure"].AverageMS(); got != 1500 {
		t.Fatalf("mean MTTR = %v, want 1500", got)
	}
}

func TestFileStoreSaveReplacesAtomically(t *testing.T) {
	path := filepath.Join(t.TempDir(), "knowledge.cbor")
	store, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	ctx := context.Background()

	first := NewSnapshot()
	first.CollisionRate = 0.1
	if err := store.Save(ctx, first); err != nil {
		t.Fatalf("first Save: %v", err)
	}
	second := NewSnapshot()
	second.CollisionRate = 0.2
	if err := store.Save(ctx, second); err != nil {
		t.Fatalf("second Save: %v", err)
	}

	loaded, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.CollisionRate != 0.2 {
		t.Fatalf("collision rate = %v, want latest save", loaded.CollisionRate)
	}
}
