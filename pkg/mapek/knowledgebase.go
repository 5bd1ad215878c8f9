package mapek

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/x0tta6bl4-ai/x0tta6bl4-sub007/pkg/knowledge"
	"github.com/x0tta6bl4-ai/x0tta6bl4-sub007/pkg/quorum"
	"github.com/x0tta6bl4-ai/x0tta6bl4-sub007/pkg/utils"
)

// Threshold names used by Monitor and Analyze.
const (
	ThresholdLatencyMS    = "latency_ms"
	ThresholdLossRate     = "loss_rate"
	ThresholdBeaconMiss   = "beacon_miss"
	ThresholdAnomalyScore = "anomaly_score"
)

var defaultThresholds = map[string]float64{
	ThresholdLatencyMS:    200,
	ThresholdLossRate:     0.05,
	ThresholdBeaconMiss:   2,
	ThresholdAnomalyScore: 0.7,
}

// Threshold adaptation factors: tighten raises a cutoff after a false
// positive, loosen lowers it after a missed detection.
const (
	tightenFactor = 1.05
	loosenFactor  = 0.98
	minFactor     = 0.25
	maxFactor     = 4.0
)

// KnowledgeBase holds the loop's adaptive state: thresholds, per
// (event type, action) success statistics and MTTR history. It is
// mutated only by the Knowledge phase and persisted across restarts.
type KnowledgeBase struct {
	mu     sync.Mutex
	store  knowledge.Store
	snap   *knowledge.Snapshot
	logger *utils.Logger
}

// NewKnowledgeBase loads persisted state, starting fresh with default
// thresholds when none exists.
func NewKnowledgeBase(ctx context.Context, store knowledge.Store, logger *utils.Logger) (*KnowledgeBase, error) {
	if logger == nil {
		logger = utils.GetLogger()
	}
	kb := &KnowledgeBase{
		store:  store,
		logger: logger.WithFields(utils.ZapString("subsystem", "knowledge")),
	}

	snap, err := store.Load(ctx)
	if err != nil {
		if !errors.Is(err, knowledge.ErrNotFound) {
			return nil, utils.Wrap(err, "load knowledge")
		}
		snap = knowledge.NewSnapshot()
	}
	if snap.Thresholds == nil {
		snap.Thresholds = make(map[string]float64)
	}
	for name, v := range defaultThresholds {
		if _, ok := snap.Thresholds[name]; !ok {
			snap.Thresholds[name] = v
		}
	}
	if snap.ActionStats == nil {
		snap.ActionStats = make(map[string]knowledge.ActionStat)
	}
	if snap.MTTR == nil {
		snap.MTTR = make(map[string]knowledge.MTTRStat)
	}
	kb.snap = snap
	return kb, nil
}

// Threshold returns the current adaptive cutoff. Collision noise
// inflates the beacon-miss cutoff so scheduling collisions are not
// mistaken for node failures.
func (kb *KnowledgeBase) Threshold(name string) float64 {
	kb.mu.Lock()
	defer kb.mu.Unlock()
	v := kb.snap.Thresholds[name]
	if name == ThresholdBeaconMiss {
		v *= 1 + kb.snap.CollisionRate
	}
	return v
}

func (kb *KnowledgeBase) adjust(name string, factor float64) {
	kb.mu.Lock()
	defer kb.mu.Unlock()
	base, ok := defaultThresholds[name]
	if !ok {
		return
	}
	v := kb.snap.Thresholds[name] * factor
	if v < base*minFactor {
		v = base * minFactor
	}
	if v > base*maxFactor {
		v = base * maxFactor
	}
	kb.snap.Thresholds[name] = v
}

// Tighten raises a cutoff after a false positive.
func (kb *KnowledgeBase) Tighten(name string) {
	kb.adjust(name, tightenFactor)
	kb.logger.Debug("threshold tightened", utils.ZapString("threshold", name))
}

// Loosen lowers a cutoff after a missed detection.
func (kb *KnowledgeBase) Loosen(name string) {
	kb.adjust(name, loosenFactor)
	kb.logger.Debug("threshold loosened", utils.ZapString("threshold", name))
}

// thresholdFor maps an event type to the cutoff its detection uses.
func thresholdFor(t quorum.EventType) string {
	switch t {
	case quorum.EventNodeFailure, quorum.EventPartition:
		return ThresholdBeaconMiss
	case quorum.EventLinkDown:
		return ThresholdLatencyMS
	case quorum.EventSecurityIncident:
		return ThresholdAnomalyScore
	default:
		return ""
	}
}

// OnFalsePositive adapts thresholds after the mesh rejected one of our
// reports.
func (kb *KnowledgeBase) OnFalsePositive(t quorum.EventType) {
	if name := thresholdFor(t); name != "" {
		kb.Tighten(name)
	}
}

// OnMissedDetection adapts thresholds after the mesh validated an
// event we never noticed locally.
func (kb *KnowledgeBase) OnMissedDetection(t quorum.EventType) {
	if name := thresholdFor(t); name != "" {
		kb.Loosen(name)
	}
}

func statKey(t quorum.EventType, a Action) string {
	return string(t) + "|" + string(a)
}

// RecordOutcome updates the success-rate table and MTTR history for an
// executed action.
func (kb *KnowledgeBase) RecordOutcome(t quorum.EventType, a Action, success bool, recovery time.Duration) {
	kb.mu.Lock()
	defer kb.mu.Unlock()

	key := statKey(t, a)
	stat := kb.snap.ActionStats[key]
	stat.Attempts++
	if success {
		stat.Successes++
	}
	kb.snap.ActionStats[key] = stat

	if success {
		mttr := kb.snap.MTTR[key]
		mttr.Count++
		mttr.TotalMS += float64(recovery.Milliseconds())
		kb.snap.MTTR[key] = mttr
	}
	kb.snap.UpdatedAt = time.Now().UTC()
}

// SuccessRate returns the observed rate for the pair, with a neutral
// prior for untried actions.
func (kb *KnowledgeBase) SuccessRate(t quorum.EventType, a Action) float64 {
	kb.mu.Lock()
	defer kb.mu.Unlock()
	stat, ok := kb.snap.ActionStats[statKey(t, a)]
	if !ok || stat.Attempts == 0 {
		return 0.5
	}
	return stat.SuccessRate()
}

// AverageMTTR returns the mean recovery time for the pair, 0 when no
// recovery has been measured yet.
func (kb *KnowledgeBase) AverageMTTR(t quorum.EventType, a Action) time.Duration {
	kb.mu.Lock()
	defer kb.mu.Unlock()
	return time.Duration(kb.snap.MTTR[statKey(t, a)].AverageMS()) * time.Millisecond
}

// BestAction ranks the candidates by success rate, breaking ties by
// the lowest average recovery time.
func (kb *KnowledgeBase) BestAction(t quorum.EventType, candidates []Action) Action {
	if len(candidates) == 0 {
		return ""
	}
	best := candidates[0]
	bestRate := kb.SuccessRate(t, best)
	bestMTTR := kb.AverageMTTR(t, best)
	for _, a := range candidates[1:] {
		rate := kb.SuccessRate(t, a)
		mttr := kb.AverageMTTR(t, a)
		if rate > bestRate || (rate == bestRate && mttr < bestMTTR) {
			best, bestRate, bestMTTR = a, rate, mttr
		}
	}
	return best
}

// SetCollisionRate feeds the slot synchronizer's collision rate into
// threshold adaptation.
func (kb *KnowledgeBase) SetCollisionRate(rate float64) {
	kb.mu.Lock()
	defer kb.mu.Unlock()
	kb.snap.CollisionRate = rate
}

// Persist saves the knowledge base through its store. The maps are
// deep-copied under the lock so the store can marshal while outcomes
// keep arriving.
func (kb *KnowledgeBase) Persist(ctx context.Context) error {
	kb.mu.Lock()
	snap := *kb.snap
	snap.Thresholds = make(map[string]float64, len(kb.snap.Thresholds))
	for k, v := range kb.snap.Thresholds {
		snap.Thresholds[k] = v
	}
	snap.ActionStats = make(map[string]knowledge.ActionStat, len(kb.snap.ActionStats))
	for k, v := range kb.snap.ActionStats {
		snap.ActionStats[k] = v
	}
	snap.MTTR = make(map[string]knowledge.MTTRStat, len(kb.snap.MTTR))
	for k, v := range kb.snap.MTTR {
		snap.MTTR[k] = v
	}
	kb.mu.Unlock()
	return kb.store.Save(ctx, &snap)
}
