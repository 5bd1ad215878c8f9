// Package p2p implements the network underlay: libp2p host, gossipsub
// topics, discovery and connection gating. It moves opaque bytes; the
// signed gossip transport above it owns message authenticity and the
// reputation service owns trust.
package p2p

import (
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/x0tta6bl4-ai/x0tta6bl4-sub007/pkg/gossip"
	"github.com/x0tta6bl4-ai/x0tta6bl4-sub007/pkg/topology"
	"github.com/x0tta6bl4-ai/x0tta6bl4-sub007/pkg/utils"
)

// quarantineGossipScore is what gossipsub sees for a quarantined peer,
// far below the graylist threshold.
const quarantineGossipScore = -1000

// Registry maps libp2p peer ids to mesh node ids and tracks transport
// activity. Trust decisions are delegated to the reputation service so
// the underlay and the signed transport always agree on who is
// quarantined.
type Registry struct {
	logger     *utils.Logger
	reputation *gossip.Reputation

	mu        sync.RWMutex
	byPeer    map[peer.ID]topology.NodeID
	byNode    map[topology.NodeID]peer.ID
	lastSeen  map[peer.ID]time.Time
	connected map[peer.ID]struct{}
}

func NewRegistry(reputation *gossip.Reputation, logger *utils.Logger) *Registry {
	if logger == nil {
		logger = utils.GetLogger()
	}
	return &Registry{
		logger:     logger.WithFields(utils.ZapString("subsystem", "p2p")),
		reputation: reputation,
		byPeer:     make(map[peer.ID]topology.NodeID),
		byNode:     make(map[topology.NodeID]peer.ID),
		lastSeen:   make(map[peer.ID]time.Time),
		connected:  make(map[peer.ID]struct{}),
	}
}

// Bind associates a transport peer with the mesh node id it presented
// a valid signature for.
func (r *Registry) Bind(pid peer.ID, node topology.NodeID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.byPeer[pid]; ok && prev != node {
		delete(r.byNode, prev)
	}
	r.byPeer[pid] = node
	r.byNode[node] = pid
}

// NodeOf resolves the mesh node id behind a transport peer.
func (r *Registry) NodeOf(pid peer.ID) (topology.NodeID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byPeer[pid]
	return id, ok
}

// PeerOf resolves the transport peer for a mesh node id.
func (r *Registry) PeerOf(node topology.NodeID) (peer.ID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pid, ok := r.byNode[node]
	return pid, ok
}

func (r *Registry) OnConnect(pid peer.ID) {
	r.mu.Lock()
	r.connected[pid] = struct{}{}
	r.lastSeen[pid] = time.Now()
	r.mu.Unlock()
	r.logger.Debug("peer connected", utils.ZapString("peer_id", pid.String()))
}

func (r *Registry) OnDisconnect(pid peer.ID) {
	r.mu.Lock()
	delete(r.connected, pid)
	r.mu.Unlock()
	r.logger.Debug("peer disconnected", utils.ZapString("peer_id", pid.String()))
}

func (r *Registry) OnMessage(pid peer.ID) {
	r.mu.Lock()
	r.lastSeen[pid] = time.Now()
	r.mu.Unlock()
}

// IsQuarantined reports whether the mesh node behind the peer is
// quarantined. Unbound peers are not quarantined; they have not proven
// an identity yet and the signed transport will judge their messages.
func (r *Registry) IsQuarantined(pid peer.ID) bool {
	node, ok := r.NodeOf(pid)
	if !ok {
		return false
	}
	return r.reputation.IsQuarantined(node)
}

// GossipScore feeds the reputation score into gossipsub's
// app-specific scoring, centred so a neutral node scores zero.
func (r *Registry) GossipScore(pid peer.ID) float64 {
	node, ok := r.NodeOf(pid)
	if !ok {
		return 0
	}
	if r.reputation.IsQuarantined(node) {
		return quarantineGossipScore
	}
	return (r.reputation.Score(node) - 0.5) * 20
}

// ConnectedCount returns the number of live, non-quarantined peers.
func (r *Registry) ConnectedCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for pid := range r.connected {
		node, ok := r.byPeer[pid]
		if ok && r.reputation.IsQuarantined(node) {
			continue
		}
		n++
	}
	return n
}

// ActiveCount returns the number of peers heard from within the window.
func (r *Registry) ActiveCount(since time.Duration) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cutoff := time.Now().Add(-since)
	n := 0
	for _, ts := range r.lastSeen {
		if ts.After(cutoff) {
			n++
		}
	}
	return n
}
