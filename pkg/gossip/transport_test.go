package gossip

import (
	"bytes"
	"testing"
	"time"

	"github.com/x0tta6bl4-ai/x0tta6bl4-sub007/pkg/identity"
	"github.com/x0tta6bl4-ai/x0tta6bl4-sub007/pkg/topology"
	"github.com/x0tta6bl4-ai/x0tta6bl4-sub007/pkg/utils"
)

type testKeys struct {
	keys map[topology.NodeID][]byte
}

func (k *testKeys) PublicKeyOf(id topology.NodeID) ([]byte, bool) {
	pub, ok := k.keys[id]
	return pub, ok
}

type harness struct {
	keys     *testKeys
	rep      *Reputation
	receiver *Transport
	sender   *Transport
	senderID topology.NodeID
}

func newHarness(t *testing.T, rl RateLimiterConfig) *harness {
	t.Helper()

	senderCrypto, err := identity.NewFromSeed(bytes.Repeat([]byte{1}, 32))
	if err != nil {
		t.Fatalf("sender keys: %v", err)
	}
	receiverCrypto, err := identity.NewFromSeed(bytes.Repeat([]byte{2}, 32))
	if err != nil {
		t.Fatalf("receiver keys: %v", err)
	}

	keys := &testKeys{keys: map[topology.NodeID][]byte{
		"sender":   senderCrypto.PublicKey(),
		"receiver": receiverCrypto.PublicKey(),
	}}
	rep := NewReputation(ReputationConfig{
		Logger:          utils.CreateTestLogger(),
		QuarantineAfter: 5,
	})

	receiver, err := NewTransport(TransportConfig{
		Logger:     utils.CreateTestLogger(),
		NodeID:     "receiver",
		Crypto:     receiverCrypto,
		Keys:       keys,
		Reputation: rep,
		RateLimit:  rl,
	})
	if err != nil {
		t.Fatalf("receiver transport: %v", err)
	}
	sender, err := NewTransport(TransportConfig{
		Logger:     utils.CreateTestLogger(),
		NodeID:     "sender",
		Crypto:     senderCrypto,
		Keys:       keys,
		Reputation: NewReputation(ReputationConfig{Logger: utils.CreateTestLogger()}),
		RateLimit:  rl,
	})
	if err != nil {
		t.Fatalf("sender transport: %v", err)
	}
	return &harness{keys: keys, rep: rep, receiver: receiver, sender: sender, senderID: "sender"}
}

func (h *harness) signed(t *testing.T, payload string) *Envelope {
	t.Helper()
	env, err := h.sender.Sign([]byte(payload))
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	return env
}

func TestSignVerifyRoundtrip(t *testing.T) {
	h := newHarness(t, RateLimiterConfig{})
	env := h.signed(t, "hello mesh")

	raw, err := h.sender.Codec().Encode(env)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	decoded, err := h.receiver.Codec().Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got := h.receiver.Verify(decoded); got != VerdictAccepted {
		t.Fatalf("verdict = %v, want accepted", got)
	}
}

func TestReplayAlwaysRejectedWithinWindow(t *testing.T) {
	h := newHarness(t, RateLimiterConfig{})
	env := h.signed(t, "payload")

	if got := h.receiver.Verify(env); got != VerdictAccepted {
		t.Fatalf("first verdict = %v, want accepted", got)
	}
	for i := 0; i < 3; i++ {
		if got := h.receiver.Verify(env); got != VerdictReplayDetected {
			t.Fatalf("replay %d verdict = %v, want replay_detected", i, got)
		}
	}
}

func TestReplayPenalizedHarderThanVerificationFailure(t *testing.T) {
	h := newHarness(t, RateLimiterConfig{})

	env := h.signed(t, "x")
	h.receiver.Verify(env)
	scoreAfterAccept := h.rep.Score(h.senderID)
	h.receiver.Verify(env) // replay
	replayDrop := scoreAfterAccept - h.rep.Score(h.senderID)

	other := topology.NodeID("other")
	before := h.rep.Score(other)
	h.rep.RecordRejection(other, false)
	verifyDrop := before - h.rep.Score(other)

	if replayDrop <= verifyDrop {
		t.Fatalf("replay drop %v not harder than verification drop %v", replayDrop, verifyDrop)
	}
}

func TestTamperedPayloadFailsVerification(t *testing.T) {
	h := newHarness(t, RateLimiterConfig{})
	env := h.signed(t, "original")
	env.Payload = []byte("tampered")

	if got := h.receiver.Verify(env); got != VerdictVerificationFailure {
		t.Fatalf("verdict = %v, want verification_failure", got)
	}
}

func TestUnknownSenderKeyFailsVerification(t *testing.T) {
	h := newHarness(t, RateLimiterConfig{})
	env := h.signed(t, "payload")
	env.Sender = "stranger"

	if got := h.receiver.Verify(env); got != VerdictVerificationFailure {
		t.Fatalf("verdict = %v, want verification_failure", got)
	}
}

func TestRateLimitThrottlesWithoutPenalty(t *testing.T) {
	h := newHarness(t, RateLimiterConfig{RatePerSecond: 0.001, Burst: 2})

	for i := 0; i < 2; i++ {
		if got := h.receiver.Verify(h.signed(t, "m")); got != VerdictAccepted {
			t.Fatalf("message %d verdict = %v, want accepted", i, got)
		}
	}
	before := h.rep.Score(h.senderID)
	if got := h.receiver.Verify(h.signed(t, "overflow")); got != VerdictRateLimitExceeded {
		t.Fatalf("verdict = %v, want rate_limit_exceeded", got)
	}
	if h.rep.Score(h.senderID) != before {
		t.Fatal("rate limiting must not penalize reputation")
	}
}

func TestEpochRegressionRejected(t *testing.T) {
	h := newHarness(t, RateLimiterConfig{})
	h.receiver.ApproveEpoch(h.senderID, 2)

	env := h.signed(t, "stale epoch") // sender still at epoch 1
	before := h.rep.Score(h.senderID)
	if got := h.receiver.Verify(env); got != VerdictVerificationFailure {
		t.Fatalf("verdict = %v, want verification_failure", got)
	}
	if h.rep.Score(h.senderID) >= before {
		t.Fatal("epoch regression should be penalized")
	}
}

func TestRotatedEpochNeedsQuorumApproval(t *testing.T) {
	h := newHarness(t, RateLimiterConfig{})

	if got := h.receiver.Verify(h.signed(t, "establish")); got != VerdictAccepted {
		t.Fatalf("verdict = %v, want accepted", got)
	}

	newEpoch := h.sender.RotateEpoch()
	before := h.rep.Score(h.senderID)
	if got := h.receiver.Verify(h.signed(t, "rotated")); got != VerdictVerificationFailure {
		t.Fatalf("pre-approval verdict = %v, want verification_failure", got)
	}
	if h.rep.Score(h.senderID) != before {
		t.Fatal("rotation awaiting approval must not be penalized")
	}

	h.receiver.ApproveEpoch(h.senderID, newEpoch)
	if got := h.receiver.Verify(h.signed(t, "rotated again")); got != VerdictAccepted {
		t.Fatalf("post-approval verdict = %v, want accepted", got)
	}
}

func TestQuarantinedSenderDroppedCheaply(t *testing.T) {
	h := newHarness(t, RateLimiterConfig{})
	h.rep.Quarantine(h.senderID, "test")

	if got := h.receiver.Verify(h.signed(t, "ignored")); got != VerdictQuarantined {
		t.Fatalf("verdict = %v, want quarantined", got)
	}
}

func TestRepeatedRejectionsQuarantine(t *testing.T) {
	h := newHarness(t, RateLimiterConfig{})

	for i := 0; i < 5; i++ {
		env := h.signed(t, "forged")
		env.Payload = []byte("tampered")
		h.receiver.Verify(env)
	}
	if !h.rep.IsQuarantined(h.senderID) {
		t.Fatal("sender should be quarantined after repeated rejections")
	}
	if got := h.receiver.Verify(h.signed(t, "post")); got != VerdictQuarantined {
		t.Fatalf("verdict = %v, want quarantined", got)
	}
}

func TestNonceUniquePerEnvelope(t *testing.T) {
	h := newHarness(t, RateLimiterConfig{})
	a := h.signed(t, "one")
	b := h.signed(t, "two")
	if a.Nonce == b.Nonce {
		t.Fatalf("nonces collide: %d", a.Nonce)
	}
	if a.Epoch != b.Epoch {
		t.Fatalf("epochs differ without rotation: %d vs %d", a.Epoch, b.Epoch)
	}
}

func TestCodecRejectsOversizedEnvelope(t *testing.T) {
	h := newHarness(t, RateLimiterConfig{})
	env := &Envelope{
		Payload:   bytes.Repeat([]byte{0xAB}, maxEnvelopeSize+1),
		Sender:    "sender",
		Epoch:     1,
		Nonce:     1,
		Timestamp: time.Now(),
	}
	if _, err := h.sender.Codec().Encode(env); err == nil {
		t.Fatal("expected size limit error")
	}
}
