package gossip

import (
	"testing"
	"time"

	"github.com/x0tta6bl4-ai/x0tta6bl4-sub007/pkg/utils"
)

func newTestReputation(t *testing.T) *Reputation {
	t.Helper()
	return NewReputation(ReputationConfig{
		Logger:          utils.CreateTestLogger(),
		InitialScore:    0.5,
		DecayFactor:     0.9,
		DecayInterval:   time.Minute,
		QuarantineScore: 0.2,
		QuarantineAfter: 3,
		QuarantineTTL:   15 * time.Minute,
		EvictAfter:      30 * time.Minute,
	})
}

func TestScoreClampedToUnitInterval(t *testing.T) {
	r := newTestReputation(t)

	r.Reward("a", 10)
	if got := r.Score("a"); got != 1 {
		t.Fatalf("score = %v, want clamp at 1", got)
	}
	r.Penalize("a", 10, "test")
	if got := r.Score("a"); got != 0 {
		t.Fatalf("score = %v, want clamp at 0", got)
	}
}

func TestScoreBelowThresholdQuarantines(t *testing.T) {
	r := newTestReputation(t)

	// repeated false reports erode the score below the threshold
	r.Penalize("liar", 0.1, "false failure report")
	r.Penalize("liar", 0.1, "false failure report")
	if r.IsQuarantined("liar") {
		t.Fatal("quarantined too early")
	}
	r.Penalize("liar", 0.25, "false failure report")
	if !r.IsQuarantined("liar") {
		t.Fatal("expected quarantine once score fell below threshold")
	}
}

func TestQuarantineTTLRehabilitation(t *testing.T) {
	r := newTestReputation(t)
	base := time.Now()
	r.now = func() time.Time { return base }

	r.Quarantine("a", "test")
	if !r.IsQuarantined("a") {
		t.Fatal("should be quarantined")
	}

	r.now = func() time.Time { return base.Add(16 * time.Minute) }
	if r.IsQuarantined("a") {
		t.Fatal("quarantine should expire after TTL")
	}
	if got := r.Score("a"); got != r.cfg.ReleaseScore {
		t.Fatalf("released score = %v, want conservative floor %v", got, r.cfg.ReleaseScore)
	}
}

func TestIdleDecayIsExponential(t *testing.T) {
	r := newTestReputation(t)
	base := time.Now()
	r.now = func() time.Time { return base }
	r.Reward("a", 0.5) // score 1.0

	r.now = func() time.Time { return base.Add(2 * time.Minute) }
	r.decayIdle()
	if got := r.Score("a"); got != 0.9 {
		t.Fatalf("score after one decay = %v, want 0.9", got)
	}
	r.now = func() time.Time { return base.Add(4 * time.Minute) }
	r.decayIdle()
	if got := r.Score("a"); got < 0.80 || got > 0.82 {
		t.Fatalf("score after two decays = %v, want ~0.81", got)
	}
}

func TestSilentNodeEvicted(t *testing.T) {
	r := newTestReputation(t)
	base := time.Now()
	r.now = func() time.Time { return base }
	r.Reward("ghost", 0.1)

	r.now = func() time.Time { return base.Add(31 * time.Minute) }
	r.decayIdle()

	r.mu.Lock()
	_, present := r.nodes["ghost"]
	r.mu.Unlock()
	if present {
		t.Fatal("silent node should be evicted")
	}
	if got := r.Score("ghost"); got != r.cfg.InitialScore {
		t.Fatalf("evicted node score = %v, want initial", got)
	}
}

func TestAcceptResetsRejectionStreak(t *testing.T) {
	r := newTestReputation(t)

	r.RecordRejection("a", false)
	r.RecordRejection("a", false)
	r.RecordAccepted("a")
	r.RecordRejection("a", false)
	if r.IsQuarantined("a") {
		t.Fatal("streak should have reset on accept")
	}
}
