// Package metrics exposes Prometheus instrumentation for the mesh node.
// Components take the narrow interfaces they need; the Recorder satisfies
// all of them against a private registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder registers and updates all mesh node metrics.
type Recorder struct {
	gossipVerdicts    *prometheus.CounterVec
	gossipQuarantines prometheus.Counter
	reputationGauge   *prometheus.GaugeVec

	topologyVersion prometheus.Gauge
	topologyNodes   prometheus.Gauge
	linkTransitions *prometheus.CounterVec
	resyncs         prometheus.Counter

	slotCollisions prometheus.Counter
	slotReassigns  prometheus.Counter

	pathCacheHits   prometheus.Counter
	pathCacheMisses prometheus.Counter
	pathComputeDur  prometheus.Histogram
	pathNoPath      prometheus.Counter

	quorumValidated prometheus.Counter
	quorumExpired   prometheus.Counter
	quorumPending   prometheus.Gauge
	attestations    prometheus.Counter

	mapekCycleDur *prometheus.HistogramVec
	mapekActions  *prometheus.CounterVec
	mttr          *prometheus.HistogramVec

	kafkaMessages prometheus.Counter
	kafkaErrors   *prometheus.CounterVec
}

// NewRecorder registers metrics with the provided registry.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		gossipVerdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mesh_gossip_verdicts_total",
			Help: "Gossip verification outcomes grouped by verdict",
		}, []string{"verdict"}),
		gossipQuarantines: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mesh_gossip_quarantines_total",
			Help: "Total senders placed in quarantine",
		}),
		reputationGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mesh_reputation_score",
			Help: "Current reputation score per tracked node",
		}, []string{"node"}),
		topologyVersion: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mesh_topology_version",
			Help: "Monotonic version of the topology snapshot",
		}),
		topologyNodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mesh_topology_nodes",
			Help: "Number of nodes in the current topology snapshot",
		}),
		linkTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mesh_link_transitions_total",
			Help: "Link state transitions grouped by target state",
		}, []string{"state"}),
		resyncs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mesh_topology_resyncs_total",
			Help: "Total topology resyncs triggered by inconsistency",
		}),
		slotCollisions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mesh_slot_collisions_total",
			Help: "Total beacon slot collisions detected",
		}),
		slotReassigns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mesh_slot_reassignments_total",
			Help: "Total slot re-announcements after collision backoff",
		}),
		pathCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mesh_path_cache_hits_total",
			Help: "Path cache hits",
		}),
		pathCacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mesh_path_cache_misses_total",
			Help: "Path cache misses",
		}),
		pathComputeDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mesh_path_compute_duration_seconds",
			Help:    "Latency of k-disjoint path computation",
			Buckets: prometheus.DefBuckets,
		}),
		pathNoPath: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mesh_path_unreachable_total",
			Help: "Path computations that found no usable path",
		}),
		quorumValidated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mesh_quorum_validated_total",
			Help: "Critical events that reached quorum",
		}),
		quorumExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mesh_quorum_expired_total",
			Help: "Critical events that expired without quorum",
		}),
		quorumPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mesh_quorum_pending",
			Help: "Critical events currently awaiting quorum",
		}),
		attestations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mesh_quorum_attestations_total",
			Help: "Attestations accepted into quorum tallies",
		}),
		mapekCycleDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mesh_mapek_cycle_duration_seconds",
			Help:    "Duration of MAPE-K cycles grouped by phase",
			Buckets: prometheus.DefBuckets,
		}, []string{"phase"}),
		mapekActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mesh_mapek_actions_total",
			Help: "Recovery actions executed grouped by action and result",
		}, []string{"action", "result"}),
		mttr: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mesh_recovery_seconds",
			Help:    "Time from validated event to completed recovery",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"event_type"}),
		kafkaMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mesh_telemetry_messages_total",
			Help: "Telemetry messages consumed from Kafka",
		}),
		kafkaErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mesh_telemetry_errors_total",
			Help: "Telemetry consumer errors grouped by reason",
		}, []string{"reason"}),
	}

	reg.MustRegister(
		r.gossipVerdicts,
		r.gossipQuarantines,
		r.reputationGauge,
		r.topologyVersion,
		r.topologyNodes,
		r.linkTransitions,
		r.resyncs,
		r.slotCollisions,
		r.slotReassigns,
		r.pathCacheHits,
		r.pathCacheMisses,
		r.pathComputeDur,
		r.pathNoPath,
		r.quorumValidated,
		r.quorumExpired,
		r.quorumPending,
		r.attestations,
		r.mapekCycleDur,
		r.mapekActions,
		r.mttr,
		r.kafkaMessages,
		r.kafkaErrors,
	)
	return r
}

// Handler returns an HTTP handler serving /metrics for the registry.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// ObserveGossipVerdict counts one verification outcome.
func (r *Recorder) ObserveGossipVerdict(verdict string) {
	if verdict == "" {
		verdict = "unknown"
	}
	r.gossipVerdicts.WithLabelValues(verdict).Inc()
}

// ObserveQuarantine counts a sender entering quarantine.
func (r *Recorder) ObserveQuarantine() { r.gossipQuarantines.Inc() }

// SetReputation records the current score for a node.
func (r *Recorder) SetReputation(node string, score float64) {
	r.reputationGauge.WithLabelValues(node).Set(score)
}

// DropReputation removes the gauge series for an evicted node.
func (r *Recorder) DropReputation(node string) {
	r.reputationGauge.DeleteLabelValues(node)
}

// SetTopology records the current snapshot version and node count.
func (r *Recorder) SetTopology(version uint64, nodes int) {
	r.topologyVersion.Set(float64(version))
	r.topologyNodes.Set(float64(nodes))
}

// ObserveLinkTransition counts a link entering the given state.
func (r *Recorder) ObserveLinkTransition(state string) {
	r.linkTransitions.WithLabelValues(state).Inc()
}

// ObserveResync counts a topology resync.
func (r *Recorder) ObserveResync() { r.resyncs.Inc() }

// ObserveSlotCollision counts a detected slot collision.
func (r *Recorder) ObserveSlotCollision() { r.slotCollisions.Inc() }

// ObserveSlotReassign counts a post-backoff re-announcement.
func (r *Recorder) ObserveSlotReassign() { r.slotReassigns.Inc() }

// ObservePathCacheHit counts a path cache hit.
func (r *Recorder) ObservePathCacheHit() { r.pathCacheHits.Inc() }

// ObservePathCacheMiss counts a path cache miss.
func (r *Recorder) ObservePathCacheMiss() { r.pathCacheMisses.Inc() }

// ObservePathCompute records one path computation.
func (r *Recorder) ObservePathCompute(d time.Duration) {
	r.pathComputeDur.Observe(d.Seconds())
}

// ObserveNoPath counts an unreachable destination.
func (r *Recorder) ObserveNoPath() { r.pathNoPath.Inc() }

// ObserveQuorumValidated counts a validated critical event.
func (r *Recorder) ObserveQuorumValidated() { r.quorumValidated.Inc() }

// ObserveQuorumExpired counts a quorum timeout.
func (r *Recorder) ObserveQuorumExpired() { r.quorumExpired.Inc() }

// SetQuorumPending records the number of open quorum windows.
func (r *Recorder) SetQuorumPending(n int) { r.quorumPending.Set(float64(n)) }

// ObserveAttestation counts an accepted attestation.
func (r *Recorder) ObserveAttestation() { r.attestations.Inc() }

// ObserveCyclePhase records the duration of one MAPE-K phase.
func (r *Recorder) ObserveCyclePhase(phase string, d time.Duration) {
	r.mapekCycleDur.WithLabelValues(phase).Observe(d.Seconds())
}

// ObserveAction counts an executed recovery action.
func (r *Recorder) ObserveAction(action, result string) {
	r.mapekActions.WithLabelValues(action, result).Inc()
}

// ObserveMTTR records recovery time for an event type.
func (r *Recorder) ObserveMTTR(eventType string, d time.Duration) {
	r.mttr.WithLabelValues(eventType).Observe(d.Seconds())
}

// ObserveTelemetryMessage counts a consumed telemetry message.
func (r *Recorder) ObserveTelemetryMessage() { r.kafkaMessages.Inc() }

// ObserveTelemetryError counts a telemetry consumer error.
func (r *Recorder) ObserveTelemetryError(reason string) {
	if reason == "" {
		reason = "unknown"
	}
	r.kafkaErrors.WithLabelValues(reason).Inc()
}
