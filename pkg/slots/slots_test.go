package slots

import (
	"testing"
	"time"

	"github.com/x0tta6bl4-ai/x0tta6bl4-sub007/pkg/topology"
	"github.com/x0tta6bl4-ai/x0tta6bl4-sub007/pkg/utils"
)

func newTestSync(t *testing.T, id topology.NodeID) *Synchronizer {
	t.Helper()
	return New(Config{
		Logger:    utils.CreateTestLogger(),
		NodeID:    id,
		SlotCount: 16,
		Period:    16 * time.Second,
		Tolerance: 250 * time.Millisecond,
	})
}

func TestBaseSlotDeterministicAndBounded(t *testing.T) {
	for _, id := range []topology.NodeID{"node-1", "node-2", "gateway-7", ""} {
		a := BaseSlot(id, 16)
		b := BaseSlot(id, 16)
		if a != b {
			t.Fatalf("BaseSlot(%q) not deterministic: %d vs %d", id, a, b)
		}
		if a < 0 || a >= 16 {
			t.Fatalf("BaseSlot(%q) = %d out of range", id, a)
		}
	}
}

func TestNextSlotDeadlineInFuture(t *testing.T) {
	s := newTestSync(t, "node-1")
	now := time.Unix(1000, 0)
	s.now = func() time.Time { return now }

	d := s.NextSlotDeadline("node-1")
	if !d.After(now) {
		t.Fatalf("deadline %v not after now %v", d, now)
	}
	if d.Sub(now) > s.cfg.Period {
		t.Fatalf("deadline %v more than one period away", d)
	}
	slotDur := s.cfg.Period / time.Duration(s.cfg.SlotCount)
	if d.Sub(d.Truncate(slotDur)) != 0 {
		t.Fatalf("deadline %v not aligned to slot boundary", d)
	}
}

func TestCollisionDetectedWithinTolerance(t *testing.T) {
	s := newTestSync(t, "local")
	at := time.Unix(2000, 0)

	s.ObserveTransmission("remote-a", 5, at)
	s.ObserveTransmission("remote-b", 5, at.Add(100*time.Millisecond))

	select {
	case c := <-s.Collisions():
		if c.Slot != 5 {
			t.Fatalf("collision slot = %d, want 5", c.Slot)
		}
		if c.First != "remote-a" || c.Other != "remote-b" {
			t.Fatalf("collision nodes = %s/%s", c.First, c.Other)
		}
		if c.Count != 1 {
			t.Fatalf("collision count = %d, want 1", c.Count)
		}
	default:
		t.Fatal("expected collision signal")
	}
}

func TestNoCollisionOutsideToleranceOrSameNode(t *testing.T) {
	s := newTestSync(t, "local")
	at := time.Unix(2000, 0)

	s.ObserveTransmission("remote-a", 5, at)
	s.ObserveTransmission("remote-a", 5, at.Add(50*time.Millisecond))
	s.ObserveTransmission("remote-b", 5, at.Add(10*time.Second))

	select {
	case c := <-s.Collisions():
		t.Fatalf("unexpected collision: %+v", c)
	default:
	}
	if got := s.CollisionRate(); got != 0 {
		t.Fatalf("collision rate = %v, want 0", got)
	}
}

func TestOwnCollisionReassignsSlot(t *testing.T) {
	s := newTestSync(t, "local")
	s.cfg.Period = 160 * time.Millisecond // keep backoff short
	before := s.Slot("local")
	at := time.Unix(2000, 0)

	s.ObserveTransmission("local", before, at)
	s.ObserveTransmission("remote", before, at.Add(100*time.Millisecond))

	select {
	case newSlot := <-s.Announcements():
		if newSlot == before {
			t.Fatalf("reassigned slot %d equals old slot", newSlot)
		}
		if got := s.Slot("local"); got != newSlot {
			t.Fatalf("Slot(local) = %d, want announced %d", got, newSlot)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no re-announcement after collision")
	}
}

func TestCollisionRateGrowsWithCollisions(t *testing.T) {
	s := newTestSync(t, "local")
	at := time.Unix(2000, 0)

	s.ObserveTransmission("a", 1, at)
	s.ObserveTransmission("b", 1, at.Add(10*time.Millisecond))
	s.ObserveTransmission("c", 2, at)

	if got := s.CollisionRate(); got != 0.5 {
		t.Fatalf("collision rate = %v, want 0.5", got)
	}
}
