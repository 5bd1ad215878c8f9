// Package routing computes k node-disjoint forwarding paths from
// topology snapshots and caches them per (destination, version).
package routing

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/x0tta6bl4-ai/x0tta6bl4-sub007/pkg/topology"
	"github.com/x0tta6bl4-ai/x0tta6bl4-sub007/pkg/utils"
)

// ErrNoPathAvailable is returned when no usable path to the
// destination exists in the current topology.
var ErrNoPathAvailable = utils.ErrNoPath

// Metrics is the instrumentation surface the planner needs.
type Metrics interface {
	ObservePathCacheHit()
	ObservePathCacheMiss()
	ObservePathCompute(d time.Duration)
	ObserveNoPath()
}

type nopMetrics struct{}

func (nopMetrics) ObservePathCacheHit()              {}
func (nopMetrics) ObservePathCacheMiss()             {}
func (nopMetrics) ObservePathCompute(time.Duration)  {}
func (nopMetrics) ObserveNoPath()                    {}

// Path is an ordered node sequence from source to destination.
type Path struct {
	Nodes     []topology.NodeID
	LatencyMS float64
}

// Hops returns the edge count of the path.
func (p Path) Hops() int {
	if len(p.Nodes) == 0 {
		return 0
	}
	return len(p.Nodes) - 1
}

// Equal reports whether two paths traverse the same node sequence.
func (p Path) Equal(o Path) bool {
	if len(p.Nodes) != len(o.Nodes) {
		return false
	}
	for i := range p.Nodes {
		if p.Nodes[i] != o.Nodes[i] {
			return false
		}
	}
	return true
}

// PathSet holds up to k mutually node-disjoint paths for a destination,
// valid only for the topology version it was computed against.
type PathSet struct {
	Destination topology.NodeID
	Version     uint64
	Paths       []Path
	GeneratedAt time.Time
}

type cacheKey struct {
	dst     topology.NodeID
	version uint64
}

// Config configures the planner.
type Config struct {
	Logger  *utils.Logger
	Metrics Metrics

	Source    topology.NodeID
	K         int
	CacheSize int

	// Cost multiplier applied to degraded links.
	DegradedPenalty float64
}

// Planner computes and caches k-disjoint path sets. Cache entries are
// keyed by (destination, version): a topology bump invalidates every
// stale entry by key comparison alone, with no sweep.
type Planner struct {
	cfg     Config
	store   *topology.Store
	logger  *utils.Logger
	metrics Metrics
	cache   *lru.Cache[cacheKey, *PathSet]

	// test hook, runs between computation and the version fence check
	onComputed func()
}

// NewPlanner creates a path planner over the given topology store.
func NewPlanner(store *topology.Store, cfg Config) (*Planner, error) {
	if cfg.Logger == nil {
		cfg.Logger = utils.GetLogger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = nopMetrics{}
	}
	if cfg.K <= 0 {
		cfg.K = 3
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 1024
	}
	if cfg.DegradedPenalty <= 1 {
		cfg.DegradedPenalty = 3
	}
	cache, err := lru.New[cacheKey, *PathSet](cfg.CacheSize)
	if err != nil {
		return nil, utils.Wrap(err, "path cache")
	}
	return &Planner{
		cfg:     cfg,
		store:   store,
		logger:  cfg.Logger.WithFields(utils.ZapString("subsystem", "routing")),
		metrics: cfg.Metrics,
		cache:   cache,
	}, nil
}

// ComputePaths returns the path set for dst against the current
// topology version. A computation that finishes after the version has
// already advanced is discarded and redone against the fresh snapshot.
func (p *Planner) ComputePaths(dst topology.NodeID) (*PathSet, error) {
	const maxFenceRetries = 3

	var ps *PathSet
	for attempt := 0; attempt < maxFenceRetries; attempt++ {
		snap := p.store.Snapshot()
		key := cacheKey{dst: dst, version: snap.Version()}
		if cached, ok := p.cache.Get(key); ok {
			p.metrics.ObservePathCacheHit()
			return cached, nil
		}
		p.metrics.ObservePathCacheMiss()

		start := time.Now()
		ps = p.computeAgainst(snap, dst)
		p.metrics.ObservePathCompute(time.Since(start))

		if p.onComputed != nil {
			p.onComputed()
		}
		if p.store.Version() != snap.Version() {
			// superseded mid-computation, recompute against the new snapshot
			continue
		}
		p.cache.Add(key, ps)
		break
	}

	if len(ps.Paths) == 0 {
		p.metrics.ObserveNoPath()
		return nil, ErrNoPathAvailable
	}
	return ps, nil
}

// FailoverPath returns the next path in dst's current set that is not
// the excluded one, recomputing synchronously when the set is
// exhausted.
func (p *Planner) FailoverPath(dst topology.NodeID, exclude Path) (Path, error) {
	ps, err := p.ComputePaths(dst)
	if err != nil {
		return Path{}, err
	}
	for _, cand := range ps.Paths {
		if !cand.Equal(exclude) {
			return cand, nil
		}
	}

	// every cached path matches the excluded one, force a recompute
	p.cache.Remove(cacheKey{dst: dst, version: ps.Version})
	ps, err = p.ComputePaths(dst)
	if err != nil {
		return Path{}, err
	}
	for _, cand := range ps.Paths {
		if !cand.Equal(exclude) {
			return cand, nil
		}
	}
	p.metrics.ObserveNoPath()
	return Path{}, ErrNoPathAvailable
}

// CacheLen returns the number of cached path sets.
func (p *Planner) CacheLen() int { return p.cache.Len() }

// computeAgainst runs the repeated shortest-path search: after each
// path is found its interior nodes are removed from the working copy
// before the next search, which makes the results pairwise
// node-disjoint by construction.
func (p *Planner) computeAgainst(snap *topology.Graph, dst topology.NodeID) *PathSet {
	ps := &PathSet{
		Destination: dst,
		Version:     snap.Version(),
		GeneratedAt: time.Now(),
	}

	srcIdx, ok := snap.IndexOf(p.cfg.Source)
	if !ok {
		return ps
	}
	dstIdx, ok := snap.IndexOf(dst)
	if !ok || srcIdx == dstIdx {
		return ps
	}

	removed := make([]bool, snap.NodeCount())
	for len(ps.Paths) < p.cfg.K {
		nodes, latency, found := p.shortestPath(snap, srcIdx, dstIdx, removed)
		if !found {
			break
		}
		path := Path{LatencyMS: latency}
		for _, idx := range nodes {
			path.Nodes = append(path.Nodes, snap.NodeAt(idx).ID)
		}
		ps.Paths = append(ps.Paths, path)

		// strip interior nodes, keeping endpoints available
		for _, idx := range nodes[1 : len(nodes)-1] {
			removed[idx] = true
		}
	}
	return ps
}
