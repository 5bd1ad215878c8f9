package routing

import (
	"errors"
	"testing"
	"time"

	"github.com/x0tta6bl4-ai/x0tta6bl4-sub007/pkg/topology"
	"github.com/x0tta6bl4-ai/x0tta6bl4-sub007/pkg/utils"
)

type countingMetrics struct {
	hits, misses, noPath int
}

func (m *countingMetrics) ObservePathCacheHit()             { m.hits++ }
func (m *countingMetrics) ObservePathCacheMiss()            { m.misses++ }
func (m *countingMetrics) ObservePathCompute(time.Duration) {}
func (m *countingMetrics) ObserveNoPath()                   { m.noPath++ }

func newTestTopology(t *testing.T) *topology.Store {
	t.Helper()
	return topology.NewStore(topology.StoreConfig{
		Logger:           utils.CreateTestLogger(),
		DegradedLatency:  time.Second,
		DegradedLossRate: 0.5,
	})
}

func addLink(s *topology.Store, a, b topology.NodeID, latency float64) {
	s.ApplyLinkTelemetry(a, b, topology.LinkMetrics{LatencyMS: latency})
	s.ApplyLinkTelemetry(b, a, topology.LinkMetrics{LatencyMS: latency})
}

func newTestPlanner(t *testing.T, store *topology.Store, src topology.NodeID, k int, m Metrics) *Planner {
	t.Helper()
	p, err := NewPlanner(store, Config{
		Logger:  utils.CreateTestLogger(),
		Metrics: m,
		Source:  src,
		K:       k,
	})
	if err != nil {
		t.Fatalf("NewPlanner: %v", err)
	}
	return p
}

func TestDisjointPathsOnDiamond(t *testing.T) {
	store := newTestTopology(t)
	addLink(store, "s", "a", 10)
	addLink(store, "a", "d", 10)
	addLink(store, "s", "b", 20)
	addLink(store, "b", "d", 20)

	p := newTestPlanner(t, store, "s", 3, nil)
	ps, err := p.ComputePaths("d")
	if err != nil {
		t.Fatalf("ComputePaths: %v", err)
	}
	if len(ps.Paths) != 2 {
		t.Fatalf("paths = %d, want 2", len(ps.Paths))
	}
	assertInteriorDisjoint(t, ps.Paths)
	// lower-latency path first
	if ps.Paths[0].Nodes[1] != "a" {
		t.Fatalf("first path goes through %s, want a", ps.Paths[0].Nodes[1])
	}
}

func assertInteriorDisjoint(t *testing.T, paths []Path) {
	t.Helper()
	seen := make(map[topology.NodeID]int)
	for i, p := range paths {
		if len(p.Nodes) < 2 {
			t.Fatalf("path %d too short: %v", i, p.Nodes)
		}
		for _, n := range p.Nodes[1 : len(p.Nodes)-1] {
			if j, dup := seen[n]; dup {
				t.Fatalf("interior node %s shared by paths %d and %d", n, j, i)
			}
			seen[n] = i
		}
	}
}

func TestFewestHopsBeatsLowerLatency(t *testing.T) {
	store := newTestTopology(t)
	addLink(store, "s", "d", 100)
	addLink(store, "s", "a", 5)
	addLink(store, "a", "d", 5)

	p := newTestPlanner(t, store, "s", 1, nil)
	ps, err := p.ComputePaths("d")
	if err != nil {
		t.Fatalf("ComputePaths: %v", err)
	}
	if got := ps.Paths[0].Hops(); got != 1 {
		t.Fatalf("hops = %d, want the direct single-hop path", got)
	}
}

func TestDownLinksAreUnusable(t *testing.T) {
	store := newTestTopology(t)
	addLink(store, "s", "a", 10)
	addLink(store, "a", "d", 10)
	store.ApplyNodeEvent("a", topology.NodeTimeout)

	p := newTestPlanner(t, store, "s", 2, nil)
	_, err := p.ComputePaths("d")
	if !errors.Is(err, ErrNoPathAvailable) {
		t.Fatalf("err = %v, want ErrNoPathAvailable", err)
	}
}

func TestCacheHitAndVersionInvalidation(t *testing.T) {
	store := newTestTopology(t)
	addLink(store, "s", "d", 10)

	m := &countingMetrics{}
	p := newTestPlanner(t, store, "s", 2, m)

	if _, err := p.ComputePaths("d"); err != nil {
		t.Fatalf("first compute: %v", err)
	}
	if _, err := p.ComputePaths("d"); err != nil {
		t.Fatalf("second compute: %v", err)
	}
	if m.hits != 1 || m.misses != 1 {
		t.Fatalf("hits/misses = %d/%d, want 1/1", m.hits, m.misses)
	}

	// any topology bump invalidates by version comparison alone
	addLink(store, "s", "x", 10)
	if _, err := p.ComputePaths("d"); err != nil {
		t.Fatalf("post-bump compute: %v", err)
	}
	if m.misses != 2 {
		t.Fatalf("misses = %d, want 2 after version bump", m.misses)
	}
}

func TestStaleComputationDiscarded(t *testing.T) {
	store := newTestTopology(t)
	addLink(store, "s", "d", 10)

	p := newTestPlanner(t, store, "s", 2, nil)
	bumped := false
	p.onComputed = func() {
		if !bumped {
			bumped = true
			addLink(store, "s", "b", 10)
			addLink(store, "b", "d", 10)
		}
	}

	ps, err := p.ComputePaths("d")
	if err != nil {
		t.Fatalf("ComputePaths: %v", err)
	}
	if ps.Version != store.Version() {
		t.Fatalf("path set version %d, want current %d", ps.Version, store.Version())
	}
	if len(ps.Paths) != 2 {
		t.Fatalf("paths = %d, want 2 from the fresh snapshot", len(ps.Paths))
	}
}

func TestFailoverPath(t *testing.T) {
	store := newTestTopology(t)
	addLink(store, "s", "a", 10)
	addLink(store, "a", "d", 10)
	addLink(store, "s", "b", 20)
	addLink(store, "b", "d", 20)

	p := newTestPlanner(t, store, "s", 2, nil)
	ps, err := p.ComputePaths("d")
	if err != nil {
		t.Fatalf("ComputePaths: %v", err)
	}

	fallback, err := p.FailoverPath("d", ps.Paths[0])
	if err != nil {
		t.Fatalf("FailoverPath: %v", err)
	}
	if fallback.Equal(ps.Paths[0]) {
		t.Fatal("failover returned the excluded path")
	}
}

func TestFailoverExhaustedReturnsNoPath(t *testing.T) {
	store := newTestTopology(t)
	addLink(store, "s", "d", 10)

	p := newTestPlanner(t, store, "s", 2, nil)
	ps, err := p.ComputePaths("d")
	if err != nil {
		t.Fatalf("ComputePaths: %v", err)
	}

	_, err = p.FailoverPath("d", ps.Paths[0])
	if !errors.Is(err, ErrNoPathAvailable) {
		t.Fatalf("err = %v, want ErrNoPathAvailable", err)
	}
}

func TestKBoundedByMinCut(t *testing.T) {
	store := newTestTopology(t)
	// min-cut between s and d is 2
	addLink(store, "s", "a", 10)
	addLink(store, "a", "d", 10)
	addLink(store, "s", "b", 10)
	addLink(store, "b", "d", 10)

	p := newTestPlanner(t, store, "s", 5, nil)
	ps, err := p.ComputePaths("d")
	if err != nil {
		t.Fatalf("ComputePaths: %v", err)
	}
	if len(ps.Paths) != 2 {
		t.Fatalf("paths = %d, want min-cut bound of 2", len(ps.Paths))
	}
	assertInteriorDisjoint(t, ps.Paths)
}
