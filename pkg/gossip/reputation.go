package gossip

import (
	"context"
	"sync"
	"time"

	"github.com/x0tta6bl4-ai/x0tta6bl4-sub007/pkg/topology"
	"github.com/x0tta6bl4-ai/x0tta6bl4-sub007/pkg/utils"
)

// ReputationMetrics is the instrumentation surface of the service.
type ReputationMetrics interface {
	SetReputation(node string, score float64)
	DropReputation(node string)
	ObserveQuarantine()
}

type nopRepMetrics struct{}

func (nopRepMetrics) SetReputation(string, float64) {}
func (nopRepMetrics) DropReputation(string)         {}
func (nopRepMetrics) ObserveQuarantine()            {}

// Penalty weights. Replay is penalized harder than a generic
// verification failure.
const (
	penaltyVerification = 0.05
	penaltyReplay       = 0.15
	rewardAccepted      = 0.01
)

// ReputationConfig configures the reputation service.
type ReputationConfig struct {
	Logger  *utils.Logger
	Metrics ReputationMetrics

	// Score assigned to newly seen nodes.
	InitialScore float64
	// Multiplicative decay applied each interval to idle nodes.
	DecayFactor   float64
	DecayInterval time.Duration
	// Falling below this score triggers quarantine.
	QuarantineScore float64
	// Rejections in a row before quarantine regardless of score.
	QuarantineAfter int
	// Quarantine duration; release restores ReleaseScore.
	QuarantineTTL time.Duration
	ReleaseScore  float64
	// Nodes silent this long are forgotten.
	EvictAfter time.Duration
}

type nodeState struct {
	score            float64
	rejections       int
	quarantined      bool
	quarantinedUntil time.Time
	lastActivity     time.Time
}

// Reputation is the explicit service object every component consults
// for trust state. All mutation goes through this API so concurrent
// access is reasoned about at one boundary.
type Reputation struct {
	cfg     ReputationConfig
	logger  *utils.Logger
	metrics ReputationMetrics

	mu    sync.Mutex
	nodes map[topology.NodeID]*nodeState

	now func() time.Time
}

// NewReputation creates the reputation service.
func NewReputation(cfg ReputationConfig) *Reputation {
	if cfg.Logger == nil {
		cfg.Logger = utils.GetLogger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = nopRepMetrics{}
	}
	if cfg.InitialScore <= 0 || cfg.InitialScore > 1 {
		cfg.InitialScore = 0.5
	}
	if cfg.DecayFactor <= 0 || cfg.DecayFactor > 1 {
		cfg.DecayFactor = 0.95
	}
	if cfg.DecayInterval <= 0 {
		cfg.DecayInterval = time.Minute
	}
	if cfg.QuarantineScore <= 0 {
		cfg.QuarantineScore = 0.2
	}
	if cfg.QuarantineAfter <= 0 {
		cfg.QuarantineAfter = 10
	}
	if cfg.QuarantineTTL <= 0 {
		cfg.QuarantineTTL = 15 * time.Minute
	}
	if cfg.ReleaseScore <= 0 {
		cfg.ReleaseScore = cfg.QuarantineScore * 1.25
	}
	if cfg.EvictAfter <= 0 {
		cfg.EvictAfter = 30 * time.Minute
	}
	return &Reputation{
		cfg:     cfg,
		logger:  cfg.Logger.WithFields(utils.ZapString("subsystem", "reputation")),
		metrics: cfg.Metrics,
		nodes:   make(map[topology.NodeID]*nodeState),
		now:     time.Now,
	}
}

func (r *Reputation) ensure(id topology.NodeID) *nodeState {
	st, ok := r.nodes[id]
	if !ok {
		st = &nodeState{score: r.cfg.InitialScore, lastActivity: r.now()}
		r.nodes[id] = st
	}
	return st
}

// Score returns the node's current score, the initial score for
// unknown nodes.
func (r *Reputation) Score(id topology.NodeID) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.nodes[id]; ok {
		return st.score
	}
	return r.cfg.InitialScore
}

// IsQuarantined reports whether the node is quarantined, releasing it
// when its quarantine TTL has elapsed.
func (r *Reputation) IsQuarantined(id topology.NodeID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.nodes[id]
	if !ok || !st.quarantined {
		return false
	}
	if r.now().After(st.quarantinedUntil) {
		r.releaseLocked(id, st)
		return false
	}
	return true
}

func (r *Reputation) releaseLocked(id topology.NodeID, st *nodeState) {
	st.quarantined = false
	st.rejections = 0
	st.score = r.cfg.ReleaseScore
	r.metrics.SetReputation(string(id), st.score)
	r.logger.Info("quarantine released", utils.ZapString("node", string(id)))
}

// Quarantine places a node in quarantine for the configured TTL.
func (r *Reputation) Quarantine(id topology.NodeID, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.quarantineLocked(id, reason)
}

func (r *Reputation) quarantineLocked(id topology.NodeID, reason string) {
	st := r.ensure(id)
	if st.quarantined {
		return
	}
	st.quarantined = true
	st.quarantinedUntil = r.now().Add(r.cfg.QuarantineTTL)
	r.metrics.ObserveQuarantine()
	r.logger.Warn("node quarantined",
		utils.ZapString("node", string(id)),
		utils.ZapString("reason", reason),
		utils.ZapFloat64("score", st.score))
}

// Penalize lowers a node's score, quarantining it when the score falls
// below the quarantine threshold.
func (r *Reputation) Penalize(id topology.NodeID, amount float64, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.ensure(id)
	st.lastActivity = r.now()
	st.score -= amount
	if st.score < 0 {
		st.score = 0
	}
	r.metrics.SetReputation(string(id), st.score)
	if st.score < r.cfg.QuarantineScore {
		r.quarantineLocked(id, reason)
	}
}

// Reward raises a node's score toward 1.
func (r *Reputation) Reward(id topology.NodeID, amount float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.ensure(id)
	st.lastActivity = r.now()
	st.score += amount
	if st.score > 1 {
		st.score = 1
	}
	r.metrics.SetReputation(string(id), st.score)
}

// RecordRejection applies the rejection penalty and quarantines the
// sender once rejections pile past the configured count. Replays carry
// the heavier penalty.
func (r *Reputation) RecordRejection(id topology.NodeID, replay bool) {
	amount := penaltyVerification
	reason := "verification failures"
	if replay {
		amount = penaltyReplay
		reason = "replayed messages"
	}

	r.mu.Lock()
	st := r.ensure(id)
	st.rejections++
	over := st.rejections >= r.cfg.QuarantineAfter
	r.mu.Unlock()

	r.Penalize(id, amount, reason)
	if over {
		r.Quarantine(id, reason)
	}
}

// RecordAccepted rewards a sender and resets its rejection streak.
func (r *Reputation) RecordAccepted(id topology.NodeID) {
	r.mu.Lock()
	st := r.ensure(id)
	st.rejections = 0
	r.mu.Unlock()
	r.Reward(id, rewardAccepted)
}

// Evict forgets a node entirely.
func (r *Reputation) Evict(id topology.NodeID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.nodes[id]; ok {
		delete(r.nodes, id)
		r.metrics.DropReputation(string(id))
	}
}

// decayIdle applies exponential decay to nodes idle since the last
// interval and evicts nodes silent past the eviction window.
func (r *Reputation) decayIdle() {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	for id, st := range r.nodes {
		if now.Sub(st.lastActivity) > r.cfg.EvictAfter {
			delete(r.nodes, id)
			r.metrics.DropReputation(string(id))
			continue
		}
		if now.Sub(st.lastActivity) > r.cfg.DecayInterval {
			st.score *= r.cfg.DecayFactor
			r.metrics.SetReputation(string(id), st.score)
		}
		if st.quarantined && now.After(st.quarantinedUntil) {
			r.releaseLocked(id, st)
		}
	}
}

// Run applies decay until ctx is cancelled.
func (r *Reputation) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.DecayInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.decayIdle()
		}
	}
}
