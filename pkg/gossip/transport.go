package gossip

import (
	"crypto/sha256"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/x0tta6bl4-ai/x0tta6bl4-sub007/pkg/identity"
	"github.com/x0tta6bl4-ai/x0tta6bl4-sub007/pkg/topology"
	"github.com/x0tta6bl4-ai/x0tta6bl4-sub007/pkg/utils"
)

// KeyDirectory resolves a sender's current public key.
type KeyDirectory interface {
	PublicKeyOf(id topology.NodeID) ([]byte, bool)
}

// TransportMetrics is the instrumentation surface of the transport.
type TransportMetrics interface {
	ObserveGossipVerdict(verdict string)
}

type nopTransportMetrics struct{}

func (nopTransportMetrics) ObserveGossipVerdict(string) {}

const maxTrackedSenders = 1024

type replayKey struct {
	epoch uint64
	nonce uint64
}

// TransportConfig configures the signed gossip transport.
type TransportConfig struct {
	Logger  *utils.Logger
	Metrics TransportMetrics

	NodeID     topology.NodeID
	Crypto     identity.CryptoService
	Keys       KeyDirectory
	Reputation *Reputation

	RateLimit        RateLimiterConfig
	ReplayWindowSize int
	ReplayWindowTTL  time.Duration
	VerifyCacheSize  int
	VerifyCacheTTL   time.Duration
}

// Transport signs outbound control messages and runs the inbound
// verification pipeline: quarantine pre-drop, epoch regression, replay
// window, rate budget, then the signature itself.
type Transport struct {
	cfg     TransportConfig
	logger  *utils.Logger
	metrics TransportMetrics
	codec   *Codec
	limiter *RateLimiter

	localEpoch atomic.Uint64
	nonce      atomic.Uint64

	mu      sync.Mutex
	trusted map[topology.NodeID]uint64
	windows *expirable.LRU[topology.NodeID, *expirable.LRU[replayKey, struct{}]]

	verifyCache *expirable.LRU[string, bool]
}

// NewTransport creates the transport.
func NewTransport(cfg TransportConfig) (*Transport, error) {
	if cfg.Logger == nil {
		cfg.Logger = utils.GetLogger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = nopTransportMetrics{}
	}
	if cfg.Crypto == nil || cfg.Keys == nil || cfg.Reputation == nil {
		return nil, utils.NewError(utils.CodeInvalidInput, "transport requires crypto, keys and reputation")
	}
	if cfg.ReplayWindowSize <= 0 {
		cfg.ReplayWindowSize = 4096
	}
	if cfg.ReplayWindowTTL <= 0 {
		cfg.ReplayWindowTTL = 5 * time.Minute
	}
	if cfg.VerifyCacheSize <= 0 {
		cfg.VerifyCacheSize = 10000
	}
	if cfg.VerifyCacheTTL <= 0 {
		cfg.VerifyCacheTTL = 5 * time.Minute
	}

	codec, err := NewCodec()
	if err != nil {
		return nil, err
	}

	t := &Transport{
		cfg:     cfg,
		logger:  cfg.Logger.WithFields(utils.ZapString("subsystem", "gossip")),
		metrics: cfg.Metrics,
		codec:   codec,
		limiter: NewRateLimiter(cfg.RateLimit),
		trusted: make(map[topology.NodeID]uint64),
		windows: expirable.NewLRU[topology.NodeID, *expirable.LRU[replayKey, struct{}]](
			maxTrackedSenders, nil, cfg.ReplayWindowTTL),
		verifyCache: expirable.NewLRU[string, bool](cfg.VerifyCacheSize, nil, cfg.VerifyCacheTTL),
	}
	t.localEpoch.Store(1)
	return t, nil
}

// Codec exposes the envelope codec for wire encoding.
func (t *Transport) Codec() *Codec { return t.codec }

// Epoch returns the local signing epoch.
func (t *Transport) Epoch() uint64 { return t.localEpoch.Load() }

// PublicKey returns the local node's verification key, announced in
// beacons for first-contact registration.
func (t *Transport) PublicKey() []byte { return t.cfg.Crypto.PublicKey() }

// RotateEpoch bumps the local epoch after a key rotation and resets
// the nonce counter. The new epoch must be announced as a KeyRotation
// critical event and quorum-validated before peers trust it.
func (t *Transport) RotateEpoch() uint64 {
	t.nonce.Store(0)
	return t.localEpoch.Add(1)
}

// ApproveEpoch marks a sender's rotated epoch as trusted. Called when
// a KeyRotation critical event validates.
func (t *Transport) ApproveEpoch(sender topology.NodeID, epoch uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if epoch > t.trusted[sender] {
		t.trusted[sender] = epoch
		t.logger.Info("epoch approved",
			utils.ZapString("node", string(sender)),
			utils.ZapUint64("epoch", epoch))
	}
}

// Sign wraps a payload in a signed envelope.
func (t *Transport) Sign(payload []byte) (*Envelope, error) {
	env := &Envelope{
		Payload:   payload,
		Sender:    t.cfg.NodeID,
		Epoch:     t.localEpoch.Load(),
		Nonce:     t.nonce.Add(1),
		Timestamp: time.Now().UTC(),
	}
	preimage, err := t.codec.SignBytes(env)
	if err != nil {
		return nil, err
	}
	sig, err := t.cfg.Crypto.Sign(preimage)
	if err != nil {
		return nil, utils.Wrap(err, "sign envelope")
	}
	env.Signature = sig
	return env, nil
}

// Verify runs the inbound pipeline and returns the verdict. Replays
// are penalized harder than verification failures; rate-limited
// messages are throttled without penalty.
func (t *Transport) Verify(env *Envelope) Verdict {
	verdict := t.verify(env)
	t.metrics.ObserveGossipVerdict(verdict.String())
	return verdict
}

func (t *Transport) verify(env *Envelope) Verdict {
	sender := env.Sender

	// quarantined senders are dropped before any expensive work
	if t.cfg.Reputation.IsQuarantined(sender) {
		return VerdictQuarantined
	}

	t.mu.Lock()
	trusted, known := t.trusted[sender]
	t.mu.Unlock()
	if known {
		if env.Epoch < trusted {
			t.cfg.Reputation.RecordRejection(sender, false)
			return VerdictVerificationFailure
		}
		if env.Epoch > trusted {
			// rotated epoch awaiting quorum approval, drop without penalty
			return VerdictVerificationFailure
		}
	}

	if t.seenNonce(sender, env.Epoch, env.Nonce) {
		t.cfg.Reputation.RecordRejection(sender, true)
		return VerdictReplayDetected
	}

	if !t.limiter.Allow(sender) {
		// throttled, possibly transient congestion, no penalty
		return VerdictRateLimitExceeded
	}

	if !t.verifySignature(env) {
		t.cfg.Reputation.RecordRejection(sender, false)
		return VerdictVerificationFailure
	}

	t.recordNonce(sender, env.Epoch, env.Nonce)
	if !known {
		t.mu.Lock()
		if _, ok := t.trusted[sender]; !ok {
			t.trusted[sender] = env.Epoch
		}
		t.mu.Unlock()
	}
	t.cfg.Reputation.RecordAccepted(sender)
	return VerdictAccepted
}

func (t *Transport) verifySignature(env *Envelope) bool {
	pub, ok := t.cfg.Keys.PublicKeyOf(env.Sender)
	if !ok || len(pub) == 0 {
		return false
	}
	preimage, err := t.codec.SignBytes(env)
	if err != nil {
		return false
	}

	// cache keyed over key+preimage+signature so a hit is unambiguous
	sum := sha256.New()
	sum.Write(pub)
	sum.Write(preimage)
	sum.Write(env.Signature)
	cacheKey := string(sum.Sum(nil))

	if cached, hit := t.verifyCache.Get(cacheKey); hit {
		return cached
	}
	valid := t.cfg.Crypto.Verify(pub, preimage, env.Signature)
	t.verifyCache.Add(cacheKey, valid)
	return valid
}

func (t *Transport) seenNonce(sender topology.NodeID, epoch, nonce uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	window, ok := t.windows.Get(sender)
	if !ok {
		return false
	}
	_, seen := window.Get(replayKey{epoch: epoch, nonce: nonce})
	return seen
}

func (t *Transport) recordNonce(sender topology.NodeID, epoch, nonce uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	window, ok := t.windows.Get(sender)
	if !ok {
		window = expirable.NewLRU[replayKey, struct{}](t.cfg.ReplayWindowSize, nil, t.cfg.ReplayWindowTTL)
		t.windows.Add(sender, window)
	}
	window.Add(replayKey{epoch: epoch, nonce: nonce}, struct{}{})
}

// Cleanup prunes idle rate limiter buckets. Replay windows expire on
// their own TTLs.
func (t *Transport) Cleanup(maxAge time.Duration) {
	t.limiter.Cleanup(maxAge)
}
