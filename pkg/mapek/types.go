// Package mapek runs the autonomic control loop: Monitor, Analyze,
// Plan, Execute and Knowledge phases tied together by one tick-driven
// loop that detects mesh anomalies, validates them through quorum and
// drives recovery without destabilizing the network it manages.
package mapek

import (
	"time"

	"github.com/x0tta6bl4-ai/x0tta6bl4-sub007/pkg/quorum"
	"github.com/x0tta6bl4-ai/x0tta6bl4-sub007/pkg/routing"
	"github.com/x0tta6bl4-ai/x0tta6bl4-sub007/pkg/topology"
)

// Action is a recovery strategy the planner can choose.
type Action string

const (
	ActionReroute    Action = "reroute"
	ActionQuarantine Action = "quarantine"
	ActionResync     Action = "resync"
)

// candidateActions lists the strategies applicable per event type, in
// default preference order before success-rate ranking.
var candidateActions = map[quorum.EventType][]Action{
	quorum.EventNodeFailure:      {ActionReroute, ActionResync},
	quorum.EventLinkDown:         {ActionReroute, ActionResync},
	quorum.EventPartition:        {ActionResync, ActionReroute},
	quorum.EventSecurityIncident: {ActionQuarantine},
}

// DirectiveKind labels outbound directives to the forwarding layer.
type DirectiveKind string

const (
	DirectivePathSwitch DirectiveKind = "path_switch"
	DirectiveQuarantine DirectiveKind = "quarantine"
	// DirectiveNoPath is the terminal degraded-service signal for a
	// destination with no usable path left.
	DirectiveNoPath DirectiveKind = "no_path_available"
)

// Directive is emitted for the external forwarding layer to apply.
type Directive struct {
	Kind        DirectiveKind
	Destination topology.NodeID
	Paths       []routing.Path
	Node        topology.NodeID
	Reason      string
	IssuedAt    time.Time
}

// Candidate is an anomaly observed by Monitor awaiting classification.
type Candidate struct {
	Type     quorum.EventType
	Subject  topology.NodeID
	Severity float64
	Features map[string]float64
}

// Scorer is the pluggable anomaly detector capability. Implementations
// are selected by configuration, never by type inspection.
type Scorer interface {
	Score(node topology.NodeID, features map[string]float64) float64
}

// ThresholdScorer is the default detector: no model, Analyze falls
// back to pure threshold-on-metrics behavior.
type ThresholdScorer struct{}

func (ThresholdScorer) Score(topology.NodeID, map[string]float64) float64 { return 0 }

// HookScorer adapts an externally supplied scoring function, the
// ML-backed path.
type HookScorer struct {
	Fn func(node topology.NodeID, features map[string]float64) float64
}

func (h HookScorer) Score(node topology.NodeID, features map[string]float64) float64 {
	if h.Fn == nil {
		return 0
	}
	return h.Fn(node, features)
}
