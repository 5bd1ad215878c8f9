package p2p

import (
	"testing"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/x0tta6bl4-ai/x0tta6bl4-sub007/pkg/gossip"
	"github.com/x0tta6bl4-ai/x0tta6bl4-sub007/pkg/topology"
	"github.com/x0tta6bl4-ai/x0tta6bl4-sub007/pkg/utils"
)

func newTestRegistry() (*Registry, *gossip.Reputation) {
	rep := gossip.NewReputation(gossip.ReputationConfig{Logger: utils.CreateTestLogger()})
	return NewRegistry(rep, utils.CreateTestLogger()), rep
}

func TestRegistryBindRebind(t *testing.T) {
	r, _ := newTestRegistry()
	pid := peer.ID("peer-1")

	r.Bind(pid, topology.NodeID("a"))
	if node, ok := r.NodeOf(pid); !ok || node != "a" {
		t.Fatalf("NodeOf = %q, %v", node, ok)
	}

	// A peer presenting a new identity releases the old mapping.
	r.Bind(pid, topology.NodeID("b"))
	if _, ok := r.PeerOf(topology.NodeID("a")); ok {
		t.Fatal("stale mapping for node a survived rebind")
	}
	if got, ok := r.PeerOf(topology.NodeID("b")); !ok || got != pid {
		t.Fatalf("PeerOf(b) = %q, %v", got, ok)
	}
}

func TestRegistryGossipScore(t *testing.T) {
	r, rep := newTestRegistry()
	pid := peer.ID("peer-1")

	if got := r.GossipScore(pid); got != 0 {
		t.Fatalf("unbound peer score = %v, want 0", got)
	}

	r.Bind(pid, topology.NodeID("a"))
	if got := r.GossipScore(pid); got != 0 {
		t.Fatalf("neutral score = %v, want 0", got)
	}

	rep.Reward(topology.NodeID("a"), 0.2)
	if got := r.GossipScore(pid); got <= 0 {
		t.Fatalf("rewarded score = %v, want positive", got)
	}

	rep.Quarantine(topology.NodeID("a"), "test")
	if !r.IsQuarantined(pid) {
		t.Fatal("peer should be quarantined")
	}
	if got := r.GossipScore(pid); got != quarantineGossipScore {
		t.Fatalf("quarantined score = %v, want %v", got, quarantineGossipScore)
	}
}

func TestRegistryConnectedCountExcludesQuarantined(t *testing.T) {
	r, rep := newTestRegistry()
	good, bad := peer.ID("good"), peer.ID("bad")

	r.OnConnect(good)
	r.OnConnect(bad)
	r.Bind(bad, topology.NodeID("b"))
	if got := r.ConnectedCount(); got != 2 {
		t.Fatalf("connected = %d, want 2", got)
	}

	rep.Quarantine(topology.NodeID("b"), "test")
	if got := r.ConnectedCount(); got != 1 {
		t.Fatalf("connected after quarantine = %d, want 1", got)
	}

	r.OnDisconnect(good)
	if got := r.ConnectedCount(); got != 0 {
		t.Fatalf("connected after disconnect = %d, want 0", got)
	}
}
