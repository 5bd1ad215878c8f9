package mapek

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/x0tta6bl4-ai/x0tta6bl4-sub007/pkg/gossip"
	"github.com/x0tta6bl4-ai/x0tta6bl4-sub007/pkg/identity"
	"github.com/x0tta6bl4-ai/x0tta6bl4-sub007/pkg/knowledge"
	"github.com/x0tta6bl4-ai/x0tta6bl4-sub007/pkg/quorum"
	"github.com/x0tta6bl4-ai/x0tta6bl4-sub007/pkg/routing"
	"github.com/x0tta6bl4-ai/x0tta6bl4-sub007/pkg/topology"
	"github.com/x0tta6bl4-ai/x0tta6bl4-sub007/pkg/utils"
)

type staticDirectory []topology.NodeID

func (d staticDirectory) KnownNodes() []topology.NodeID { return d }

type testKeys map[topology.NodeID][]byte

func (k testKeys) PublicKeyOf(id topology.NodeID) ([]byte, bool) {
	pub, ok := k[id]
	return pub, ok
}

type harness struct {
	store      *topology.Store
	planner    *routing.Planner
	reputation *gossip.Reputation
	validator  *quorum.Validator
	kb         *KnowledgeBase
	monitor    *Monitor
	analyzer   *Analyzer
	executor   *Executor
	loop       *Loop
}

func newHarness(t *testing.T, localID topology.NodeID, dir staticDirectory, window time.Duration) *harness {
	t.Helper()
	logger := utils.CreateTestLogger()

	store := topology.NewStore(topology.StoreConfig{
		Logger:           logger,
		DegradedLatency:  time.Second,
		DegradedLossRate: 0.5,
	})
	planner, err := routing.NewPlanner(store, routing.Config{
		Logger: logger,
		Source: localID,
		K:      2,
	})
	if err != nil {
		t.Fatalf("NewPlanner: %v", err)
	}
	reputation := gossip.NewReputation(gossip.ReputationConfig{Logger: logger})
	validator, err := quorum.NewValidator(quorum.Config{
		Logger:    logger,
		Directory: dir,
		Trust:     reputation,
		Window:    window,
	})
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}
	kbStore, err := knowledge.NewFileStore(t.TempDir() + "/knowledge.cbor")
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	kb, err := NewKnowledgeBase(context.Background(), kbStore, logger)
	if err != nil {
		t.Fatalf("NewKnowledgeBase: %v", err)
	}

	monitor := NewMonitor(store, kb, nil, localID, 100*time.Millisecond, logger)
	analyzer := NewAnalyzer(validator, localID, logger)
	executor := NewExecutor(ExecutorConfig{
		Store:      store,
		Planner:    planner,
		Reputation: reputation,
		KB:         kb,
		LocalID:    localID,
		Logger:     logger,
	})
	loop, err := NewLoop(LoopConfig{
		LocalID:    localID,
		Monitor:    monitor,
		Analyzer:   analyzer,
		Executor:   executor,
		Validator:  validator,
		KB:         kb,
		Reputation: reputation,
		Logger:     logger,
	})
	if err != nil {
		t.Fatalf("NewLoop: %v", err)
	}
	return &harness{
		store:      store,
		planner:    planner,
		reputation: reputation,
		validator:  validator,
		kb:         kb,
		monitor:    monitor,
		analyzer:   analyzer,
		executor:   executor,
		loop:       loop,
	}
}

func addLink(s *topology.Store, a, b topology.NodeID, latency float64) {
	s.ApplyLinkTelemetry(a, b, topology.LinkMetrics{LatencyMS: latency})
	s.ApplyLinkTelemetry(b, a, topology.LinkMetrics{LatencyMS: latency})
}

func awaitDirective(t *testing.T, e *Executor, want DirectiveKind) Directive {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case d := <-e.Directives():
			if d.Kind == want {
				return d
			}
		case <-deadline:
			t.Fatalf("no %s directive within deadline", want)
		}
	}
}

func epochEvidence(epoch uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, epoch)
	return buf
}

func TestMonitorDetectsSilentNodeAndSlowLink(t *testing.T) {
	h := newHarness(t, "a", staticDirectory{"a", "b", "c"}, time.Minute)
	base := time.Now()

	addLink(h.store, "a", "c", 10)
	h.store.ApplyLinkTelemetry("a", "b", topology.LinkMetrics{LatencyMS: 300})
	h.monitor.now = func() time.Time { return base }
	h.monitor.beacons["b"] = base.Add(-250 * time.Millisecond)
	h.monitor.beacons["c"] = base.Add(-10 * time.Millisecond)

	var silentNode, slowLink bool
	for _, c := range h.monitor.Observe() {
		switch {
		case c.Type == quorum.EventNodeFailure && c.Subject == "b":
			silentNode = true
		case c.Type == quorum.EventLinkDown && c.Subject == "a->b":
			slowLink = true
		case c.Type == quorum.EventNodeFailure:
			t.Fatalf("unexpected node failure candidate for %s", c.Subject)
		}
	}
	if !silentNode {
		t.Fatal("silent node b not detected")
	}
	if !slowLink {
		t.Fatal("slow link a->b not detected")
	}
}

func TestMonitorScorerEscalatesToSecurityIncident(t *testing.T) {
	h := newHarness(t, "a", staticDirectory{"a", "b"}, time.Minute)
	base := time.Now()

	h.store.RegisterNode("b", nil)
	h.monitor.scorer = HookScorer{Fn: func(node topology.NodeID, _ map[string]float64) float64 {
		if node == "b" {
			return 0.9
		}
		return 0
	}}
	h.monitor.now = func() time.Time { return base }
	h.monitor.beacons["b"] = base.Add(-300 * time.Millisecond)

	candidates := h.monitor.Observe()
	if len(candidates) != 1 {
		t.Fatalf("candidates = %d, want 1", len(candidates))
	}
	if candidates[0].Type != quorum.EventSecurityIncident {
		t.Fatalf("type = %s, want security incident", candidates[0].Type)
	}
	if candidates[0].Severity != 0.9 {
		t.Fatalf("severity = %v, want the anomaly score", candidates[0].Severity)
	}
}

func TestLoopReroutesAfterQuorumOnNodeFailure(t *testing.T) {
	h := newHarness(t, "a", staticDirectory{"a", "b", "c", "d"}, time.Minute)
	ctx := context.Background()
	base := time.Now()

	addLink(h.store, "a", "b", 10)
	addLink(h.store, "b", "d", 10)
	addLink(h.store, "a", "c", 20)
	addLink(h.store, "c", "d", 20)

	h.monitor.now = func() time.Time { return base }
	h.monitor.beacons["b"] = base.Add(-250 * time.Millisecond)
	h.monitor.beacons["c"] = base.Add(-10 * time.Millisecond)
	h.monitor.beacons["d"] = base.Add(-10 * time.Millisecond)

	// First cycle: detect and report. One attestation of three is not
	// quorum yet.
	h.loop.Tick(ctx)
	if h.validator.Pending() != 1 {
		t.Fatalf("pending events = %d, want 1", h.validator.Pending())
	}

	// Peers c and d confirm the same observation.
	id := h.validator.ReportEvent(quorum.EventNodeFailure, "b", "c", nil)
	if err := h.validator.Attest(id, "c", nil); err != nil {
		t.Fatalf("attest c: %v", err)
	}
	if err := h.validator.Attest(id, "d", nil); err != nil {
		t.Fatalf("attest d: %v", err)
	}
	if !h.validator.IsValidated(id) {
		t.Fatal("event not validated at quorum")
	}

	// Second cycle plans and executes the reroute.
	h.loop.Tick(ctx)

	seen := map[topology.NodeID][]routing.Path{}
	deadline := time.After(2 * time.Second)
	for len(seen) < 2 {
		select {
		case d := <-h.executor.Directives():
			if d.Kind != DirectivePathSwitch {
				t.Fatalf("directive = %s, want path switch", d.Kind)
			}
			seen[d.Destination] = d.Paths
		case <-deadline:
			t.Fatalf("got %d path switches, want 2", len(seen))
		}
	}
	for _, paths := range seen {
		for _, p := range paths {
			for _, n := range p.Nodes[1:] {
				if n == "b" {
					t.Fatalf("rerouted path still crosses failed node: %v", p.Nodes)
				}
			}
		}
	}

	// The executed outcome feeds back into action ranking.
	waitFor(t, func() bool {
		return h.kb.SuccessRate(quorum.EventNodeFailure, ActionReroute) == 1.0
	})
}

func TestLoopTightensThresholdWhenOwnReportExpires(t *testing.T) {
	h := newHarness(t, "a", staticDirectory{"a", "b", "c", "d"}, 5*time.Millisecond)
	ctx := context.Background()
	base := time.Now()

	h.store.RegisterNode("b", nil)
	h.monitor.now = func() time.Time { return base }
	h.monitor.beacons["b"] = base.Add(-250 * time.Millisecond)

	h.loop.Tick(ctx)
	if h.validator.Pending() != 1 {
		t.Fatalf("pending events = %d, want 1", h.validator.Pending())
	}

	time.Sleep(15 * time.Millisecond)
	h.validator.Sweep()
	h.loop.handleExpired()

	if got := h.kb.Threshold(ThresholdBeaconMiss); got <= 2 {
		t.Fatalf("beacon miss threshold = %v, want raised above 2", got)
	}
}

func TestLoopQuarantinesRepeatedFalseReporter(t *testing.T) {
	h := newHarness(t, "a", staticDirectory{"a", "b", "c"}, 5*time.Millisecond)

	for i := 0; i < 3; i++ {
		h.validator.ReportEvent(quorum.EventNodeFailure, "victim", "liar", nil)
		time.Sleep(15 * time.Millisecond)
		h.validator.Sweep()
		h.loop.handleExpired()
	}

	if !h.reputation.IsQuarantined("liar") {
		t.Fatalf("liar not quarantined, score = %v", h.reputation.Score("liar"))
	}
}

func TestLoopMissedDetectionLoosensThreshold(t *testing.T) {
	h := newHarness(t, "a", staticDirectory{"a", "b", "c"}, time.Minute)

	before := h.kb.Threshold(ThresholdBeaconMiss)
	h.loop.handleValidated(context.Background(), &quorum.CriticalEvent{
		ID:          "ev-1",
		Type:        quorum.EventNodeFailure,
		Subject:     "b",
		Reporter:    "c",
		Validated:   true,
		ValidatedAt: time.Now(),
	})
	if got := h.kb.Threshold(ThresholdBeaconMiss); got >= before {
		t.Fatalf("beacon miss threshold = %v, want lowered below %v", got, before)
	}
}

func TestLoopApprovesEpochOnValidatedKeyRotation(t *testing.T) {
	logger := utils.CreateTestLogger()
	senderCrypto, err := identity.NewFromSeed(bytesOf(0x01))
	if err != nil {
		t.Fatalf("sender identity: %v", err)
	}
	receiverCrypto, err := identity.NewFromSeed(bytesOf(0x02))
	if err != nil {
		t.Fatalf("receiver identity: %v", err)
	}
	keys := testKeys{"b": senderCrypto.PublicKey()}
	rep := gossip.NewReputation(gossip.ReputationConfig{Logger: logger})

	sender, err := gossip.NewTransport(gossip.TransportConfig{
		Logger: logger, NodeID: "b", Crypto: senderCrypto, Keys: keys,
		Reputation: gossip.NewReputation(gossip.ReputationConfig{Logger: logger}),
	})
	if err != nil {
		t.Fatalf("sender transport: %v", err)
	}
	receiver, err := gossip.NewTransport(gossip.TransportConfig{
		Logger: logger, NodeID: "a", Crypto: receiverCrypto, Keys: keys,
		Reputation: rep,
	})
	if err != nil {
		t.Fatalf("receiver transport: %v", err)
	}

	h := newHarness(t, "a", staticDirectory{"a", "b", "c"}, time.Minute)
	h.loop.cfg.Transport = receiver

	env, err := sender.Sign([]byte("hello"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if v := receiver.Verify(env); v != gossip.VerdictAccepted {
		t.Fatalf("initial verdict = %s, want accepted", v)
	}

	next := sender.RotateEpoch()
	env, err = sender.Sign([]byte("rotated"))
	if err != nil {
		t.Fatalf("sign after rotation: %v", err)
	}
	if v := receiver.Verify(env); v != gossip.VerdictVerificationFailure {
		t.Fatalf("pre-approval verdict = %s, want verification failure", v)
	}

	h.loop.handleValidated(context.Background(), &quorum.CriticalEvent{
		ID:          "rot-1",
		Type:        quorum.EventKeyRotation,
		Subject:     "b",
		Reporter:    "b",
		Evidence:    epochEvidence(next),
		Validated:   true,
		ValidatedAt: time.Now(),
	})

	env, err = sender.Sign([]byte("after approval"))
	if err != nil {
		t.Fatalf("sign after approval: %v", err)
	}
	if v := receiver.Verify(env); v != gossip.VerdictAccepted {
		t.Fatalf("post-approval verdict = %s, want accepted", v)
	}
}

func TestExecutorSignalsNoPathWhenDestinationUnreachable(t *testing.T) {
	h := newHarness(t, "a", staticDirectory{"a", "b", "c"}, time.Minute)

	addLink(h.store, "a", "b", 10)
	h.store.RegisterNode("c", nil)

	h.executor.Launch(context.Background(), &quorum.CriticalEvent{
		ID:          "ev-nopath",
		Type:        quorum.EventNodeFailure,
		Subject:     "b",
		Validated:   true,
		ValidatedAt: time.Now(),
	}, ActionReroute)

	d := awaitDirective(t, h.executor, DirectiveNoPath)
	if d.Destination != "c" {
		t.Fatalf("no-path destination = %s, want c", d.Destination)
	}
	waitFor(t, func() bool {
		return h.kb.SuccessRate(quorum.EventNodeFailure, ActionReroute) == 0
	})
}

func TestExecutorHigherPriorityPreemptsInFlight(t *testing.T) {
	h := newHarness(t, "a", staticDirectory{"a", "m", "z"}, time.Minute)

	h.store.RegisterNode("m", nil)
	h.store.RegisterNode("z", nil)

	// z is unreachable, so the reroute spends its bounded retries with
	// backoff and stays in flight long enough to be preempted.
	h.executor.Launch(context.Background(), &quorum.CriticalEvent{
		ID:          "ev-low",
		Type:        quorum.EventNodeFailure,
		Subject:     "m",
		Validated:   true,
		ValidatedAt: time.Now(),
	}, ActionReroute)
	time.Sleep(20 * time.Millisecond)

	h.executor.Launch(context.Background(), &quorum.CriticalEvent{
		ID:          "ev-high",
		Type:        quorum.EventSecurityIncident,
		Subject:     "m",
		Validated:   true,
		ValidatedAt: time.Now(),
	}, ActionQuarantine)

	awaitDirective(t, h.executor, DirectiveQuarantine)
	if !h.reputation.IsQuarantined("m") {
		t.Fatal("subject not quarantined after preempting action")
	}
}

func TestExecutorQuarantineAction(t *testing.T) {
	h := newHarness(t, "a", staticDirectory{"a", "b", "c"}, time.Minute)

	h.executor.Launch(context.Background(), &quorum.CriticalEvent{
		ID:          "ev-sec",
		Type:        quorum.EventSecurityIncident,
		Subject:     "b",
		Validated:   true,
		ValidatedAt: time.Now(),
	}, ActionQuarantine)

	d := awaitDirective(t, h.executor, DirectiveQuarantine)
	if d.Node != "b" {
		t.Fatalf("quarantine node = %s, want b", d.Node)
	}
	if !h.reputation.IsQuarantined("b") {
		t.Fatal("b not quarantined")
	}
	waitFor(t, func() bool {
		return h.kb.SuccessRate(quorum.EventSecurityIncident, ActionQuarantine) == 1.0
	})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached within deadline")
}

func bytesOf(b byte) []byte {
	s := make([]byte, 32)
	for i := range s {
		s[i] = b
	}
	return s
}
