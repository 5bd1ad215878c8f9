package topology

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/x0tta6bl4-ai/x0tta6bl4-sub007/pkg/utils"
)

// ErrInconsistent signals contradictory link reports; the store has
// already begun a resync when it is returned.
var ErrInconsistent = utils.NewError(utils.CodeVersionConflict, "contradictory link reports, resync triggered")

// Metrics is the narrow instrumentation surface the store needs.
type Metrics interface {
	SetTopology(version uint64, nodes int)
	ObserveLinkTransition(state string)
	ObserveResync()
}

type nopMetrics struct{}

func (nopMetrics) SetTopology(uint64, int)      {}
func (nopMetrics) ObserveLinkTransition(string) {}
func (nopMetrics) ObserveResync()               {}

// StoreConfig configures the topology store.
type StoreConfig struct {
	Logger *utils.Logger
	Metrics Metrics

	// Degraded thresholds applied to smoothed metrics.
	DegradedLatency  time.Duration
	DegradedLossRate float64

	// Consecutive successful beacons a recovering link needs to go up.
	RecoverStreak int

	// Window within which contradictory reports count as inconsistency.
	LinkTolerance time.Duration

	// Nodes silent longer than this are evicted.
	NodeEvictAfter time.Duration

	// EMA smoothing factor for link metrics, in (0,1].
	MetricAlpha float64
}

type linkReport struct {
	reporter NodeID
	down     bool
	at       time.Time
}

// Store owns the TopologyGraph. Writers serialize on a mutex and
// publish copy-on-write snapshots through an atomic pointer, so
// Snapshot is wait-free and never observes a partial update.
type Store struct {
	cfg     StoreConfig
	logger  *utils.Logger
	metrics Metrics

	mu      sync.Mutex
	current atomic.Pointer[Graph]

	// last report per directed link, for inconsistency detection
	reports map[[2]NodeID]linkReport

	now func() time.Time
}

// NewStore creates a topology store with an empty graph at version 0.
func NewStore(cfg StoreConfig) *Store {
	if cfg.Logger == nil {
		cfg.Logger = utils.GetLogger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = nopMetrics{}
	}
	if cfg.RecoverStreak <= 0 {
		cfg.RecoverStreak = 3
	}
	if cfg.MetricAlpha <= 0 || cfg.MetricAlpha > 1 {
		cfg.MetricAlpha = 0.3
	}
	if cfg.NodeEvictAfter <= 0 {
		cfg.NodeEvictAfter = 10 * time.Minute
	}
	s := &Store{
		cfg:     cfg,
		logger:  cfg.Logger.WithFields(utils.ZapString("subsystem", "topology")),
		metrics: cfg.Metrics,
		reports: make(map[[2]NodeID]linkReport),
		now:     time.Now,
	}
	s.current.Store(NewGraph())
	return s
}

// Snapshot returns the current immutable graph. Wait-free.
func (s *Store) Snapshot() *Graph {
	return s.current.Load()
}

// Version returns the current snapshot version.
func (s *Store) Version() uint64 {
	return s.current.Load().Version()
}

// RegisterNode ensures a node exists with the given public key.
func (s *Store) RegisterNode(id NodeID, publicKey []byte) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	g := s.current.Load().clone()
	if i, ok := g.index[id]; ok {
		g.nodes[i].PublicKey = publicKey
	} else {
		g.ensureNode(Node{ID: id, PublicKey: publicKey, FirstSeen: now, LastSeen: now})
	}
	return s.publish(g)
}

// ApplyLinkTelemetry ingests a link measurement, smoothing metrics with
// an EMA before threshold checks, and returns the new version. The
// nodes are created on first sight. Telemetry moves links between up
// and degraded only; liveness transitions come from node events.
func (s *Store) ApplyLinkTelemetry(src, dst NodeID, m LinkMetrics) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	g := s.current.Load().clone()
	si := g.ensureNode(Node{ID: src, FirstSeen: now, LastSeen: now})
	di := g.ensureNode(Node{ID: dst, FirstSeen: now, LastSeen: now})

	link, ok := g.links[[2]int{si, di}]
	if !ok {
		link = Link{Src: src, Dst: dst, Metrics: m, State: LinkUp}
	} else {
		a := s.cfg.MetricAlpha
		link.Metrics.LatencyMS = a*m.LatencyMS + (1-a)*link.Metrics.LatencyMS
		link.Metrics.LossRate = a*m.LossRate + (1-a)*link.Metrics.LossRate
		link.Metrics.SignalQuality = a*m.SignalQuality + (1-a)*link.Metrics.SignalQuality
	}
	link.UpdatedAt = now

	switch link.State {
	case LinkUp:
		if s.breached(link.Metrics) {
			s.transition(&link, LinkDegraded)
		}
	case LinkDegraded:
		if !s.breached(link.Metrics) {
			s.transition(&link, LinkUp)
		}
	}

	g.setLink(si, di, link)
	return s.publish(g)
}

func (s *Store) breached(m LinkMetrics) bool {
	if s.cfg.DegradedLatency > 0 && m.LatencyMS > float64(s.cfg.DegradedLatency.Milliseconds()) {
		return true
	}
	if s.cfg.DegradedLossRate > 0 && m.LossRate > s.cfg.DegradedLossRate {
		return true
	}
	return false
}

// ApplyNodeEvent ingests a liveness observation. A beacon creates the
// node if needed, refreshes last-seen and advances recovering links; a
// timeout takes the node's outbound links down; eviction removes the
// node entirely.
func (s *Store) ApplyNodeEvent(id NodeID, ev NodeEvent) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	g := s.current.Load().clone()

	switch ev {
	case NodeBeacon:
		_, known := g.index[id]
		i := g.ensureNode(Node{ID: id, FirstSeen: now, LastSeen: now})
		g.nodes[i].LastSeen = now
		structural := !known
		for key, link := range g.links {
			if key[0] != i {
				continue
			}
			switch link.State {
			case LinkDown:
				link.recoverStreak = 1
				s.transition(&link, LinkRecovering)
				structural = true
			case LinkRecovering:
				link.recoverStreak++
				if link.recoverStreak >= s.cfg.RecoverStreak {
					s.transition(&link, LinkUp)
					link.recoverStreak = 0
					structural = true
				}
			}
			link.UpdatedAt = now
			g.links[key] = link
		}
		// a repeat beacon that moved no link keeps the version, so
		// cached paths stay valid across routine keepalives
		if !structural {
			return s.refresh(g)
		}

	case NodeTimeout:
		i, ok := g.index[id]
		if !ok {
			return g.version
		}
		structural := false
		for key, link := range g.links {
			if key[0] != i {
				continue
			}
			if link.State != LinkDown {
				s.transition(&link, LinkDown)
				link.recoverStreak = 0
				link.UpdatedAt = now
				g.links[key] = link
				structural = true
			}
		}
		if !structural {
			return g.version
		}

	case NodeEvicted:
		i, ok := g.index[id]
		if !ok {
			return g.version
		}
		g.removeNode(i)
	}

	return s.publish(g)
}

// MarkLinkDown forces a single link down, as applied after the mesh
// has agreed the link failed. Unknown links are a no-op.
func (s *Store) MarkLinkDown(src, dst NodeID) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	g := s.current.Load().clone()
	si, ok := g.index[src]
	if !ok {
		return g.version
	}
	di, ok := g.index[dst]
	if !ok {
		return g.version
	}
	link, ok := g.links[[2]int{si, di}]
	if !ok || link.State == LinkDown {
		return g.version
	}
	s.transition(&link, LinkDown)
	link.recoverStreak = 0
	link.UpdatedAt = s.now()
	g.setLink(si, di, link)
	return s.publish(g)
}

// ReportLinkState ingests a third-party claim about a link. When two
// reporters contradict each other about the same link inside the
// tolerance window, the store resyncs and returns ErrInconsistent.
func (s *Store) ReportLinkState(src, dst, reporter NodeID, down bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	key := [2]NodeID{src, dst}
	prev, seen := s.reports[key]
	s.reports[key] = linkReport{reporter: reporter, down: down, at: now}

	if seen && prev.reporter != reporter && prev.down != down &&
		now.Sub(prev.at) <= s.cfg.LinkTolerance {
		s.logger.Warn("contradictory link reports",
			utils.ZapString("src", string(src)),
			utils.ZapString("dst", string(dst)),
			utils.ZapString("reporter_a", string(prev.reporter)),
			utils.ZapString("reporter_b", string(reporter)))
		s.resyncLocked()
		return ErrInconsistent
	}
	return nil
}

// Resync drops all links and rebuilds from live beacons, keeping nodes.
func (s *Store) Resync() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resyncLocked()
}

func (s *Store) resyncLocked() uint64 {
	g := s.current.Load().clone()
	g.clearLinks()
	s.reports = make(map[[2]NodeID]linkReport)
	s.metrics.ObserveResync()
	s.logger.Info("topology resync", utils.ZapUint64("version", g.version+1))
	return s.publish(g)
}

// EvictSilent removes nodes that have not beaconed within the eviction
// window and returns their ids.
func (s *Store) EvictSilent() []NodeID {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	g := s.current.Load()
	var stale []NodeID
	for _, n := range g.nodes {
		if now.Sub(n.LastSeen) > s.cfg.NodeEvictAfter {
			stale = append(stale, n.ID)
		}
	}
	if len(stale) == 0 {
		return nil
	}

	ng := g.clone()
	for _, id := range stale {
		if i, ok := ng.index[id]; ok {
			ng.removeNode(i)
		}
	}
	s.publish(ng)
	s.logger.Info("evicted silent nodes", utils.ZapInt("count", len(stale)))
	return stale
}

// Run periodically evicts silent nodes until ctx is cancelled.
func (s *Store) Run(ctx context.Context) {
	interval := s.cfg.NodeEvictAfter / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.EvictSilent()
		}
	}
}

// transition moves a link to the target state, panicking on a
// transition the state machine does not allow.
func (s *Store) transition(l *Link, to LinkState) {
	if l.State == to {
		return
	}
	if !transitionAllowed(l.State, to) {
		panic("topology: invalid link transition " + l.State.String() + " -> " + to.String())
	}
	l.State = to
	s.metrics.ObserveLinkTransition(to.String())
}

// publish bumps the version and swaps in the new snapshot. Caller
// holds the write mutex.
func (s *Store) publish(g *Graph) uint64 {
	g.version = s.current.Load().version + 1
	s.current.Store(g)
	s.metrics.SetTopology(g.version, len(g.nodes))
	return g.version
}

// refresh swaps in the snapshot at the current version, for updates
// that changed no node set, link set, or link state. Caller holds the
// write mutex.
func (s *Store) refresh(g *Graph) uint64 {
	g.version = s.current.Load().version
	s.current.Store(g)
	return g.version
}
