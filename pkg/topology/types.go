// Package topology maintains the authoritative, versioned view of mesh
// nodes and links. Writers serialize through the Store; readers get
// wait-free immutable snapshots.
package topology

import (
	"fmt"
	"time"
)

// NodeID identifies a mesh node.
type NodeID string

// LinkState is the lifecycle state of a link.
type LinkState uint8

const (
	LinkUp LinkState = iota
	LinkDegraded
	LinkDown
	LinkRecovering
)

func (s LinkState) String() string {
	switch s {
	case LinkUp:
		return "up"
	case LinkDegraded:
		return "degraded"
	case LinkDown:
		return "down"
	case LinkRecovering:
		return "recovering"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// validTransitions is the link state machine. A transition not listed
// here is a programming error and panics.
var validTransitions = map[LinkState][]LinkState{
	LinkUp:         {LinkDegraded, LinkDown},
	LinkDegraded:   {LinkUp, LinkDown},
	LinkDown:       {LinkRecovering},
	LinkRecovering: {LinkUp, LinkDown},
}

func transitionAllowed(from, to LinkState) bool {
	for _, t := range validTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Node is a mesh participant as seen by the topology store.
type Node struct {
	ID        NodeID
	PublicKey []byte
	FirstSeen time.Time
	LastSeen  time.Time
}

// LinkMetrics carries smoothed link quality measurements.
type LinkMetrics struct {
	LatencyMS     float64
	LossRate      float64
	SignalQuality float64
}

// Link is a directed edge between two nodes.
type Link struct {
	Src       NodeID
	Dst       NodeID
	Metrics   LinkMetrics
	State     LinkState
	UpdatedAt time.Time

	// consecutive successful beacons while recovering
	recoverStreak int
}

// NodeEvent describes a liveness observation about a node.
type NodeEvent uint8

const (
	NodeBeacon NodeEvent = iota
	NodeTimeout
	NodeEvicted
)

func (e NodeEvent) String() string {
	switch e {
	case NodeBeacon:
		return "beacon"
	case NodeTimeout:
		return "timeout"
	case NodeEvicted:
		return "evicted"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(e))
	}
}
