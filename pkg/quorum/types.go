// Package quorum validates critical events through Byzantine-safe
// reputation-weighted attestation quorums.
package quorum

import (
	"time"

	"github.com/x0tta6bl4-ai/x0tta6bl4-sub007/pkg/topology"
	"github.com/x0tta6bl4-ai/x0tta6bl4-sub007/pkg/utils"
)

// EventType classifies critical events.
type EventType string

const (
	EventNodeFailure      EventType = "node_failure"
	EventLinkDown         EventType = "link_down"
	EventPartition        EventType = "partition"
	EventKeyRotation      EventType = "key_rotation"
	EventSecurityIncident EventType = "security_incident"
)

// Priority orders event types for execute-cancellation decisions.
// Higher wins.
func (t EventType) Priority() int {
	switch t {
	case EventSecurityIncident:
		return 4
	case EventPartition:
		return 3
	case EventNodeFailure:
		return 2
	case EventLinkDown:
		return 1
	case EventKeyRotation:
		return 2
	default:
		return 0
	}
}

// Sentinel errors.
var (
	ErrEventNotFound     = utils.NewError(utils.CodeNotFound, "event not found")
	ErrEventExpired      = utils.NewError(utils.CodeQuorumExpired, "event expired before quorum")
	ErrSignerQuarantined = utils.NewError(utils.CodeSenderQuarantined, "quarantined signer cannot attest")
)

// CriticalEvent is a claim about the mesh awaiting quorum validation.
// It becomes validated exactly once, irreversibly, or is discarded
// unvalidated at expiry.
type CriticalEvent struct {
	ID        string
	Type      EventType
	Subject   topology.NodeID
	Reporter  topology.NodeID
	Evidence  []byte
	CreatedAt time.Time
	ExpiresAt time.Time

	Validated   bool
	ValidatedAt time.Time
	Signers     []topology.NodeID
}
