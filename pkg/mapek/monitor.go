package mapek

import (
	"sync"
	"time"

	"github.com/x0tta6bl4-ai/x0tta6bl4-sub007/pkg/quorum"
	"github.com/x0tta6bl4-ai/x0tta6bl4-sub007/pkg/topology"
	"github.com/x0tta6bl4-ai/x0tta6bl4-sub007/pkg/utils"
)

// Monitor is the M phase: it samples the topology snapshot and beacon
// liveness against the knowledge base's adaptive thresholds and emits
// symptom candidates for Analyze.
type Monitor struct {
	store          *topology.Store
	kb             *KnowledgeBase
	scorer         Scorer
	localID        topology.NodeID
	beaconInterval time.Duration
	logger         *utils.Logger

	mu      sync.Mutex
	beacons map[topology.NodeID]time.Time

	now func() time.Time
}

func NewMonitor(store *topology.Store, kb *KnowledgeBase, scorer Scorer, localID topology.NodeID, beaconInterval time.Duration, logger *utils.Logger) *Monitor {
	if scorer == nil {
		scorer = &ThresholdScorer{}
	}
	if logger == nil {
		logger = utils.GetLogger()
	}
	return &Monitor{
		store:          store,
		kb:             kb,
		scorer:         scorer,
		localID:        localID,
		beaconInterval: beaconInterval,
		logger:         logger.WithFields(utils.ZapString("phase", "monitor")),
		beacons:        make(map[topology.NodeID]time.Time),
		now:            time.Now,
	}
}

// RecordBeacon notes an accepted beacon from a peer.
func (m *Monitor) RecordBeacon(id topology.NodeID) {
	m.mu.Lock()
	m.beacons[id] = m.now()
	m.mu.Unlock()
}

func (m *Monitor) missedBeacons(id topology.NodeID, at time.Time) float64 {
	m.mu.Lock()
	last, ok := m.beacons[id]
	m.mu.Unlock()
	if !ok {
		return 0
	}
	return float64(at.Sub(last)) / float64(m.beaconInterval)
}

// Observe produces the symptom candidates for one loop tick.
func (m *Monitor) Observe() []Candidate {
	snap := m.store.Snapshot()
	at := m.now()
	anomalyCut := m.kb.Threshold(ThresholdAnomalyScore)
	beaconCut := m.kb.Threshold(ThresholdBeaconMiss)
	latencyCut := m.kb.Threshold(ThresholdLatencyMS)
	lossCut := m.kb.Threshold(ThresholdLossRate)

	var out []Candidate
	silent := 0
	observed := 0

	for _, node := range snap.Nodes() {
		if node.ID == m.localID {
			continue
		}
		missed := m.missedBeacons(node.ID, at)
		if missed == 0 {
			continue
		}
		observed++
		if missed >= beaconCut {
			silent++
			out = append(out, Candidate{
				Type:     quorum.EventNodeFailure,
				Subject:  node.ID,
				Severity: missed / beaconCut,
				Features: map[string]float64{"missed_beacons": missed},
			})
		}
	}

	snap.ForEachLink(func(link topology.Link) {
		if link.State != topology.LinkUp && link.State != topology.LinkDegraded {
			return
		}
		if link.Metrics.LatencyMS <= latencyCut && link.Metrics.LossRate <= lossCut {
			return
		}
		sev := link.Metrics.LatencyMS / latencyCut
		if lr := link.Metrics.LossRate / lossCut; lr > sev {
			sev = lr
		}
		out = append(out, Candidate{
			Type:     quorum.EventLinkDown,
			Subject:  topology.NodeID(string(link.Src) + "->" + string(link.Dst)),
			Severity: sev,
			Features: map[string]float64{
				"latency_ms": link.Metrics.LatencyMS,
				"loss_rate":  link.Metrics.LossRate,
			},
		})
	})

	// A majority of tracked peers going silent at once looks like a
	// partition, not individual node failures.
	if observed >= 2 && silent*2 > observed {
		out = append(out, Candidate{
			Type:     quorum.EventPartition,
			Subject:  topology.NodeID("mesh"),
			Severity: float64(silent) / float64(observed),
			Features: map[string]float64{"silent_peers": float64(silent)},
		})
	}

	// The scorer can escalate a node symptom to a security incident
	// when its anomaly score clears the adaptive cutoff.
	for i, c := range out {
		if c.Type != quorum.EventNodeFailure {
			continue
		}
		if score := m.scorer.Score(c.Subject, c.Features); score >= anomalyCut {
			out[i].Type = quorum.EventSecurityIncident
			out[i].Severity = score
		}
	}
	return out
}
