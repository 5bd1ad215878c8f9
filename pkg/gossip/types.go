// Package gossip is the signed control-message transport: canonical
// CBOR envelopes, an epoch/nonce anti-replay pipeline, per-sender rate
// limiting and the reputation service the rest of the control plane
// consults for trust decisions.
package gossip

import (
	"time"

	"github.com/x0tta6bl4-ai/x0tta6bl4-sub007/pkg/topology"
	"github.com/x0tta6bl4-ai/x0tta6bl4-sub007/pkg/utils"
)

// Verdict is the outcome of verifying an inbound envelope.
type Verdict uint8

const (
	VerdictAccepted Verdict = iota
	VerdictReplayDetected
	VerdictVerificationFailure
	VerdictRateLimitExceeded
	// VerdictQuarantined is the cheap pre-verification drop for senders
	// already in quarantine.
	VerdictQuarantined
)

func (v Verdict) String() string {
	switch v {
	case VerdictAccepted:
		return "accepted"
	case VerdictReplayDetected:
		return "replay_detected"
	case VerdictVerificationFailure:
		return "verification_failure"
	case VerdictRateLimitExceeded:
		return "rate_limit_exceeded"
	case VerdictQuarantined:
		return "quarantined"
	default:
		return "unknown"
	}
}

// Sentinel errors matching the verdict taxonomy.
var (
	ErrReplayDetected     = utils.ErrReplay
	ErrVerificationFailed = utils.ErrInvalidSignature
	ErrRateLimited        = utils.NewRateLimitError("sender over rate budget")
	ErrQuarantined        = utils.NewError(utils.CodeSenderQuarantined, "sender quarantined")
)

// Envelope is the signed gossip wire format. Integer keys keep the
// canonical encoding small and stable.
type Envelope struct {
	Payload   []byte          `cbor:"1,keyasint"`
	Sender    topology.NodeID `cbor:"2,keyasint"`
	Epoch     uint64          `cbor:"3,keyasint"`
	Nonce     uint64          `cbor:"4,keyasint"`
	Timestamp time.Time       `cbor:"5,keyasint"`
	Signature []byte          `cbor:"6,keyasint,omitempty"`
}
