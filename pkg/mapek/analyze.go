package mapek

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/x0tta6bl4-ai/x0tta6bl4-sub007/pkg/quorum"
	"github.com/x0tta6bl4-ai/x0tta6bl4-sub007/pkg/topology"
	"github.com/x0tta6bl4-ai/x0tta6bl4-sub007/pkg/utils"
)

// reportMemory bounds how long Analyze remembers its own reports for
// missed-detection checks.
const reportMemory = 5 * time.Minute

// Publisher broadcasts reports and attestations to the rest of the
// mesh so peers can corroborate them. Nil means single-node operation.
type Publisher interface {
	PublishReport(ctx context.Context, t quorum.EventType, subject topology.NodeID, eventID string, evidence []byte) error
	PublishAttestation(ctx context.Context, eventID string, evidence []byte) error
}

// Analyzer is the A phase: it turns Monitor candidates into quorum
// event reports and remembers what it reported so Plan can tell a
// validated peer report apart from one this node raised itself.
type Analyzer struct {
	validator *quorum.Validator
	localID   topology.NodeID
	publisher Publisher
	logger    *utils.Logger

	mu       sync.Mutex
	reported map[string]time.Time

	now func() time.Time
}

func NewAnalyzer(validator *quorum.Validator, localID topology.NodeID, logger *utils.Logger) *Analyzer {
	if logger == nil {
		logger = utils.GetLogger()
	}
	return &Analyzer{
		validator: validator,
		localID:   localID,
		logger:    logger.WithFields(utils.ZapString("phase", "analyze")),
		reported:  make(map[string]time.Time),
		now:       time.Now,
	}
}

func reportKey(t quorum.EventType, subject topology.NodeID) string {
	return string(t) + "|" + string(subject)
}

// SetPublisher installs the mesh broadcast path. Must be called before
// the loop starts.
func (a *Analyzer) SetPublisher(p Publisher) { a.publisher = p }

// Process reports every candidate to the quorum validator, attests it
// with this node's own signature and broadcasts both to the mesh.
func (a *Analyzer) Process(ctx context.Context, candidates []Candidate) {
	now := a.now()
	for _, c := range candidates {
		evidence := encodeEvidence(c)
		id := a.validator.ReportEvent(c.Type, c.Subject, a.localID, evidence)
		if err := a.validator.Attest(id, a.localID, evidence); err != nil {
			a.logger.Warn("self attestation rejected",
				utils.ZapString("event_id", id),
				utils.ZapError(err))
			continue
		}
		a.mu.Lock()
		a.reported[reportKey(c.Type, c.Subject)] = now
		a.mu.Unlock()

		if a.publisher != nil {
			if err := a.publisher.PublishReport(ctx, c.Type, c.Subject, id, evidence); err != nil {
				a.logger.Warn("report broadcast failed", utils.ZapError(err))
			}
			if err := a.publisher.PublishAttestation(ctx, id, evidence); err != nil {
				a.logger.Warn("attestation broadcast failed", utils.ZapError(err))
			}
		}
	}

	a.mu.Lock()
	for k, at := range a.reported {
		if now.Sub(at) > reportMemory {
			delete(a.reported, k)
		}
	}
	a.mu.Unlock()
}

// WasReported tells whether this node itself raised the event recently.
func (a *Analyzer) WasReported(t quorum.EventType, subject topology.NodeID) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.reported[reportKey(t, subject)]
	return ok
}

// encodeEvidence packs the candidate severity as fixed-width evidence
// bytes attached to reports and attestations.
func encodeEvidence(c Candidate) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(c.Severity*1000))
	return buf
}

// decodeEpochEvidence extracts the announced epoch from a key rotation
// event's evidence.
func decodeEpochEvidence(evidence []byte) (uint64, bool) {
	if len(evidence) < 8 {
		return 0, false
	}
	return binary.BigEndian.Uint64(evidence[:8]), true
}
