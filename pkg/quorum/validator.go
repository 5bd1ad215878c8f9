package quorum

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/x0tta6bl4-ai/x0tta6bl4-sub007/pkg/topology"
	"github.com/x0tta6bl4-ai/x0tta6bl4-sub007/pkg/utils"
)

// Directory lists the currently known mesh nodes.
type Directory interface {
	KnownNodes() []topology.NodeID
}

// Trust exposes the reputation state the validator weighs signers by.
type Trust interface {
	Score(id topology.NodeID) float64
	IsQuarantined(id topology.NodeID) bool
}

// Metrics is the instrumentation surface of the validator.
type Metrics interface {
	ObserveQuorumValidated()
	ObserveQuorumExpired()
	SetQuorumPending(n int)
	ObserveAttestation()
}

type nopMetrics struct{}

func (nopMetrics) ObserveQuorumValidated() {}
func (nopMetrics) ObserveQuorumExpired()   {}
func (nopMetrics) SetQuorumPending(int)    {}
func (nopMetrics) ObserveAttestation()     {}

// Config configures the validator.
type Config struct {
	Logger  *utils.Logger
	Metrics Metrics

	Directory Directory
	Trust     Trust

	// Collection window for each event.
	Window time.Duration
	// Background expiry sweep interval.
	SweepInterval time.Duration
}

// eventState carries per-event locking so cross-event operations never
// block each other.
type eventState struct {
	mu       sync.Mutex
	ev       *CriticalEvent
	signers  map[topology.NodeID][]byte
	expired  bool
}

// Validator collects attestations and declares events valid once the
// reputation-weighted signer set crosses the quorum threshold.
type Validator struct {
	cfg     Config
	logger  *utils.Logger
	metrics Metrics

	mu     sync.RWMutex
	events map[string]*eventState
	byKey  map[string]string // open (type,subject) -> event id

	validated chan *CriticalEvent
	expired   chan *CriticalEvent

	now func() time.Time
}

// NewValidator creates a quorum validator.
func NewValidator(cfg Config) (*Validator, error) {
	if cfg.Directory == nil || cfg.Trust == nil {
		return nil, utils.NewError(utils.CodeInvalidInput, "validator requires directory and trust")
	}
	if cfg.Logger == nil {
		cfg.Logger = utils.GetLogger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = nopMetrics{}
	}
	if cfg.Window <= 0 {
		cfg.Window = 30 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Second
	}
	return &Validator{
		cfg:       cfg,
		logger:    cfg.Logger.WithFields(utils.ZapString("subsystem", "quorum")),
		metrics:   cfg.Metrics,
		events:    make(map[string]*eventState),
		byKey:     make(map[string]string),
		validated: make(chan *CriticalEvent, 64),
		expired:   make(chan *CriticalEvent, 64),
		now:       time.Now,
	}, nil
}

// Threshold returns ⌊2n/3⌋+1 over the currently non-quarantined known
// nodes, recomputed from live membership on every call.
func (v *Validator) Threshold() (threshold int, eligible []topology.NodeID) {
	for _, id := range v.cfg.Directory.KnownNodes() {
		if !v.cfg.Trust.IsQuarantined(id) {
			eligible = append(eligible, id)
		}
	}
	n := len(eligible)
	return (2*n)/3 + 1, eligible
}

func eventKey(t EventType, subject topology.NodeID) string {
	return string(t) + "|" + string(subject)
}

// ReportEvent opens a quorum window for the event and returns its id.
// An open unexpired event for the same (type, subject) is reused so
// concurrent reporters converge on one tally.
func (v *Validator) ReportEvent(t EventType, subject, reporter topology.NodeID, evidence []byte) string {
	key := eventKey(t, subject)

	v.mu.Lock()
	if id, ok := v.byKey[key]; ok {
		if st := v.events[id]; st != nil {
			v.mu.Unlock()
			return id
		}
	}

	now := v.now()
	ev := &CriticalEvent{
		ID:        uuid.NewString(),
		Type:      t,
		Subject:   subject,
		Reporter:  reporter,
		Evidence:  evidence,
		CreatedAt: now,
		ExpiresAt: now.Add(v.cfg.Window),
	}
	v.events[ev.ID] = &eventState{
		ev:      ev,
		signers: make(map[topology.NodeID][]byte),
	}
	v.byKey[key] = ev.ID
	pending := len(v.events)
	v.mu.Unlock()

	v.metrics.SetQuorumPending(pending)
	v.logger.Info("critical event reported",
		utils.ZapString("event_id", ev.ID),
		utils.ZapString("type", string(t)),
		utils.ZapString("subject", string(subject)),
		utils.ZapString("reporter", string(reporter)))
	return ev.ID
}

// Attest adds a signed attestation to the event's tally. Attesting an
// already-validated event is a no-op; quarantined signers are
// rejected; duplicate signers do not change the tally.
func (v *Validator) Attest(eventID string, signer topology.NodeID, evidence []byte) error {
	v.mu.RLock()
	st, ok := v.events[eventID]
	v.mu.RUnlock()
	if !ok {
		return ErrEventNotFound
	}
	if v.cfg.Trust.IsQuarantined(signer) {
		return ErrSignerQuarantined
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if st.ev.Validated {
		return nil // idempotent after validation
	}
	if st.expired || v.now().After(st.ev.ExpiresAt) {
		return ErrEventExpired
	}
	if _, dup := st.signers[signer]; dup {
		return nil
	}
	st.signers[signer] = evidence
	v.metrics.ObserveAttestation()

	if v.reachedQuorumLocked(st) {
		st.ev.Validated = true
		st.ev.ValidatedAt = v.now()
		st.ev.Signers = make([]topology.NodeID, 0, len(st.signers))
		for id := range st.signers {
			st.ev.Signers = append(st.ev.Signers, id)
		}
		v.metrics.ObserveQuorumValidated()
		v.logger.Info("critical event validated",
			utils.ZapString("event_id", st.ev.ID),
			utils.ZapString("type", string(st.ev.Type)),
			utils.ZapInt("signers", len(st.ev.Signers)))
		select {
		case v.validated <- st.ev:
		default:
			v.logger.Warn("validated channel full", utils.ZapString("event_id", st.ev.ID))
		}
	}
	return nil
}

// reachedQuorumLocked weighs the signer set by reputation. Each signer
// contributes its score normalized by the mean eligible score, capped
// at a single vote: reputation can discount a signer below one vote but
// never amplify it, so the ⌊2n/3⌋+1 head count stays a hard floor and a
// high-trust minority cannot validate on its own. A uniform-trust mesh
// degenerates to a plain head count.
func (v *Validator) reachedQuorumLocked(st *eventState) bool {
	threshold, eligible := v.Threshold()
	if len(eligible) == 0 {
		return false
	}

	var mean float64
	for _, id := range eligible {
		mean += v.cfg.Trust.Score(id)
	}
	mean /= float64(len(eligible))
	if mean <= 0 {
		return false
	}

	var weight float64
	for signer := range st.signers {
		if v.cfg.Trust.IsQuarantined(signer) {
			continue
		}
		w := v.cfg.Trust.Score(signer) / mean
		if w > 1 {
			w = 1
		}
		weight += w
	}
	return weight >= float64(threshold)
}

// IsValidated reports whether the event has validated.
func (v *Validator) IsValidated(eventID string) bool {
	v.mu.RLock()
	st, ok := v.events[eventID]
	v.mu.RUnlock()
	if !ok {
		return false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.ev.Validated
}

// Validated returns the channel of newly validated events.
func (v *Validator) Validated() <-chan *CriticalEvent { return v.validated }

// Expired returns the channel of events discarded at expiry.
func (v *Validator) Expired() <-chan *CriticalEvent { return v.expired }

// Pending returns the number of open events.
func (v *Validator) Pending() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.events)
}

// Sweep discards expired events. Validated events are also dropped
// from the working set once their window passes; unvalidated ones are
// logged as quorum timeouts. Callers never block on expiry.
func (v *Validator) Sweep() {
	now := v.now()

	v.mu.Lock()
	var stale []*eventState
	for id, st := range v.events {
		st.mu.Lock()
		if now.After(st.ev.ExpiresAt) {
			st.expired = true
			stale = append(stale, st)
			delete(v.events, id)
			delete(v.byKey, eventKey(st.ev.Type, st.ev.Subject))
		}
		st.mu.Unlock()
	}
	pending := len(v.events)
	v.mu.Unlock()

	v.metrics.SetQuorumPending(pending)
	for _, st := range stale {
		if st.ev.Validated {
			continue
		}
		v.metrics.ObserveQuorumExpired()
		v.logger.Warn("quorum timeout",
			utils.ZapString("event_id", st.ev.ID),
			utils.ZapString("type", string(st.ev.Type)),
			utils.ZapString("subject", string(st.ev.Subject)),
			utils.ZapInt("signers", len(st.signers)))
		select {
		case v.expired <- st.ev:
		default:
		}
	}
}

// Run sweeps expired events until ctx is cancelled.
func (v *Validator) Run(ctx context.Context) {
	ticker := time.NewTicker(v.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			v.Sweep()
		}
	}
}
