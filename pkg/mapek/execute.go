package mapek

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/x0tta6bl4-ai/x0tta6bl4-sub007/pkg/gossip"
	"github.com/x0tta6bl4-ai/x0tta6bl4-sub007/pkg/quorum"
	"github.com/x0tta6bl4-ai/x0tta6bl4-sub007/pkg/routing"
	"github.com/x0tta6bl4-ai/x0tta6bl4-sub007/pkg/topology"
	"github.com/x0tta6bl4-ai/x0tta6bl4-sub007/pkg/utils"
)

// Metrics is the observability surface the loop records to.
type Metrics interface {
	ObserveCyclePhase(phase string, d time.Duration)
	ObserveAction(action, result string)
	ObserveMTTR(eventType string, d time.Duration)
}

type nopMetrics struct{}

func (nopMetrics) ObserveCyclePhase(string, time.Duration) {}
func (nopMetrics) ObserveAction(string, string)            {}
func (nopMetrics) ObserveMTTR(string, time.Duration)       {}

const defaultRerouteRetries = 3

// ExecutorConfig wires the E phase to the subsystems it acts on.
type ExecutorConfig struct {
	Store      *topology.Store
	Planner    *routing.Planner
	Reputation *gossip.Reputation
	KB         *KnowledgeBase
	Metrics    Metrics
	LocalID    topology.NodeID
	Logger     *utils.Logger

	// RerouteRetries bounds recompute attempts per destination before
	// the executor gives up and signals degraded service.
	RerouteRetries int
}

type execution struct {
	cancel   context.CancelFunc
	priority int
	done     chan struct{}
}

// Executor applies validated recovery actions. At most one action runs
// per subject; a higher-priority event preempts the one in flight.
type Executor struct {
	cfg        ExecutorConfig
	logger     *utils.Logger
	metrics    Metrics
	directives chan Directive

	mu       sync.Mutex
	inflight map[topology.NodeID]*execution

	now func() time.Time
}

func NewExecutor(cfg ExecutorConfig) *Executor {
	if cfg.Logger == nil {
		cfg.Logger = utils.GetLogger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = nopMetrics{}
	}
	if cfg.RerouteRetries <= 0 {
		cfg.RerouteRetries = defaultRerouteRetries
	}
	return &Executor{
		cfg:        cfg,
		logger:     cfg.Logger.WithFields(utils.ZapString("phase", "execute")),
		metrics:    cfg.Metrics,
		directives: make(chan Directive, 128),
		inflight:   make(map[topology.NodeID]*execution),
		now:        time.Now,
	}
}

// Directives exposes the outbound channel to the forwarding layer.
func (e *Executor) Directives() <-chan Directive { return e.directives }

// Launch starts the action for a validated event. A lower- or
// equal-priority action already running for the same subject wins;
// a higher-priority event cancels it first.
func (e *Executor) Launch(ctx context.Context, ev *quorum.CriticalEvent, action Action) {
	prio := ev.Type.Priority()

	e.mu.Lock()
	if cur, ok := e.inflight[ev.Subject]; ok {
		if prio <= cur.priority {
			e.mu.Unlock()
			e.logger.Debug("action superseded by in-flight recovery",
				utils.ZapString("subject", string(ev.Subject)),
				utils.ZapString("action", string(action)))
			return
		}
		cur.cancel()
		e.mu.Unlock()
		<-cur.done
		e.mu.Lock()
	}

	runCtx, cancel := context.WithCancel(ctx)
	ex := &execution{cancel: cancel, priority: prio, done: make(chan struct{})}
	e.inflight[ev.Subject] = ex
	e.mu.Unlock()

	go func() {
		defer func() {
			cancel()
			close(ex.done)
			e.mu.Lock()
			if e.inflight[ev.Subject] == ex {
				delete(e.inflight, ev.Subject)
			}
			e.mu.Unlock()
		}()
		e.run(runCtx, ev, action)
	}()
}

func (e *Executor) run(ctx context.Context, ev *quorum.CriticalEvent, action Action) {
	var success bool
	switch action {
	case ActionReroute:
		success = e.reroute(ctx, ev)
	case ActionQuarantine:
		success = e.quarantine(ev)
	case ActionResync:
		e.cfg.Store.Resync()
		success = true
	default:
		e.logger.Error("unknown recovery action", utils.ZapString("action", string(action)))
		return
	}

	result := "failure"
	recovery := e.now().Sub(ev.ValidatedAt)
	if success {
		result = "success"
		e.metrics.ObserveMTTR(string(ev.Type), recovery)
	}
	e.metrics.ObserveAction(string(action), result)
	e.cfg.KB.RecordOutcome(ev.Type, action, success, recovery)
	e.logger.Info("recovery action finished",
		utils.ZapString("event_id", ev.ID),
		utils.ZapString("event_type", string(ev.Type)),
		utils.ZapString("subject", string(ev.Subject)),
		utils.ZapString("action", string(action)),
		utils.ZapString("result", result),
		utils.ZapDuration("recovery", recovery))
}

// reroute removes the failed element from the topology and switches
// every affected destination onto fresh disjoint paths.
func (e *Executor) reroute(ctx context.Context, ev *quorum.CriticalEvent) bool {
	switch ev.Type {
	case quorum.EventLinkDown:
		src, dst, ok := splitLinkSubject(ev.Subject)
		if !ok {
			e.logger.Warn("malformed link subject", utils.ZapString("subject", string(ev.Subject)))
			return false
		}
		e.cfg.Store.MarkLinkDown(src, dst)
	default:
		e.cfg.Store.ApplyNodeEvent(ev.Subject, topology.NodeTimeout)
	}

	snap := e.cfg.Store.Snapshot()
	switched := 0
	failed := 0
	for _, node := range snap.Nodes() {
		if node.ID == e.cfg.LocalID || node.ID == ev.Subject {
			continue
		}
		if ctx.Err() != nil {
			return false
		}
		ps, err := e.recomputeWithRetry(ctx, node.ID)
		if err != nil {
			failed++
			e.emit(Directive{
				Kind:        DirectiveNoPath,
				Destination: node.ID,
				Reason:      string(ev.Type) + ": " + string(ev.Subject),
				IssuedAt:    e.now(),
			})
			continue
		}
		switched++
		e.emit(Directive{
			Kind:        DirectivePathSwitch,
			Destination: node.ID,
			Paths:       ps.Paths,
			Reason:      string(ev.Type) + ": " + string(ev.Subject),
			IssuedAt:    e.now(),
		})
	}
	return failed == 0 && ctx.Err() == nil
}

func (e *Executor) recomputeWithRetry(ctx context.Context, dst topology.NodeID) (*routing.PathSet, error) {
	var lastErr error
	for attempt := 0; attempt < e.cfg.RerouteRetries; attempt++ {
		if attempt > 0 {
			if err := utils.SleepWithContext(ctx, utils.ExponentialBackoff(50*time.Millisecond, attempt, time.Second)); err != nil {
				return nil, err
			}
		}
		ps, err := e.cfg.Planner.ComputePaths(dst)
		if err == nil {
			return ps, nil
		}
		lastErr = err
		if !errors.Is(err, routing.ErrNoPathAvailable) {
			break
		}
	}
	return nil, lastErr
}

func (e *Executor) quarantine(ev *quorum.CriticalEvent) bool {
	e.cfg.Reputation.Quarantine(ev.Subject, "validated security incident")
	e.emit(Directive{
		Kind:     DirectiveQuarantine,
		Node:     ev.Subject,
		Reason:   string(ev.Type),
		IssuedAt: e.now(),
	})
	return true
}

func (e *Executor) emit(d Directive) {
	select {
	case e.directives <- d:
	default:
		e.logger.Warn("directive channel full, dropping",
			utils.ZapString("kind", string(d.Kind)),
			utils.ZapString("destination", string(d.Destination)))
	}
}

func splitLinkSubject(subject topology.NodeID) (src, dst topology.NodeID, ok bool) {
	parts := strings.SplitN(string(subject), "->", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return topology.NodeID(parts[0]), topology.NodeID(parts[1]), true
}
