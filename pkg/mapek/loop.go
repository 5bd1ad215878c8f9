package mapek

import (
	"context"
	"time"

	"github.com/x0tta6bl4-ai/x0tta6bl4-sub007/pkg/gossip"
	"github.com/x0tta6bl4-ai/x0tta6bl4-sub007/pkg/quorum"
	"github.com/x0tta6bl4-ai/x0tta6bl4-sub007/pkg/slots"
	"github.com/x0tta6bl4-ai/x0tta6bl4-sub007/pkg/topology"
	"github.com/x0tta6bl4-ai/x0tta6bl4-sub007/pkg/utils"
)

// falseReportPenalty is charged to a peer whose report expired without
// reaching quorum. Repeated false reporting drives the peer's score
// under the quarantine threshold.
const falseReportPenalty = 0.15

// LoopConfig wires the control loop together.
type LoopConfig struct {
	LocalID    topology.NodeID
	Tick       time.Duration
	Persist    time.Duration
	Monitor    *Monitor
	Analyzer   *Analyzer
	Executor   *Executor
	Validator  *quorum.Validator
	KB         *KnowledgeBase
	Reputation *gossip.Reputation
	Transport  *gossip.Transport
	Slots      *slots.Synchronizer
	Metrics    Metrics
	Logger     *utils.Logger
}

// Loop drives one MAPE-K cycle per tick. Each phase is bounded work:
// Monitor samples, Analyze reports, Plan drains validated events and
// Execute runs asynchronously so a slow recovery never stalls
// detection of the next fault.
type Loop struct {
	cfg     LoopConfig
	logger  *utils.Logger
	metrics Metrics
}

func NewLoop(cfg LoopConfig) (*Loop, error) {
	if cfg.Monitor == nil || cfg.Analyzer == nil || cfg.Executor == nil ||
		cfg.Validator == nil || cfg.KB == nil {
		return nil, utils.NewError(utils.CodeInvalidInput, "mapek loop missing phase component")
	}
	if cfg.Tick <= 0 {
		cfg.Tick = 2 * time.Second
	}
	if cfg.Persist <= 0 {
		cfg.Persist = time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = utils.GetLogger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = nopMetrics{}
	}
	return &Loop{
		cfg:     cfg,
		logger:  cfg.Logger.WithFields(utils.ZapString("subsystem", "mapek")),
		metrics: cfg.Metrics,
	}, nil
}

// Run blocks until the context is cancelled, persisting knowledge on
// the way out.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.Tick)
	defer ticker.Stop()
	persist := time.NewTicker(l.cfg.Persist)
	defer persist.Stop()

	l.logger.Info("mapek loop started", utils.ZapDuration("tick", l.cfg.Tick))
	for {
		select {
		case <-ctx.Done():
			if err := l.cfg.KB.Persist(context.Background()); err != nil {
				l.logger.Error("knowledge persist failed", utils.ZapError(err))
			}
			l.logger.Info("mapek loop stopped")
			return
		case <-persist.C:
			if err := l.cfg.KB.Persist(ctx); err != nil {
				l.logger.Error("knowledge persist failed", utils.ZapError(err))
			}
		case <-ticker.C:
			l.Tick(ctx)
		}
	}
}

// Tick runs one full cycle.
func (l *Loop) Tick(ctx context.Context) {
	started := time.Now()
	candidates := l.cfg.Monitor.Observe()
	l.metrics.ObserveCyclePhase("monitor", time.Since(started))

	started = time.Now()
	if l.cfg.Slots != nil {
		l.cfg.KB.SetCollisionRate(l.cfg.Slots.CollisionRate())
	}
	l.cfg.Analyzer.Process(ctx, candidates)
	l.metrics.ObserveCyclePhase("analyze", time.Since(started))

	started = time.Now()
	l.planAndExecute(ctx)
	l.metrics.ObserveCyclePhase("plan", time.Since(started))

	started = time.Now()
	l.handleExpired()
	l.metrics.ObserveCyclePhase("knowledge", time.Since(started))
}

// planAndExecute drains validated events and launches the best-ranked
// recovery action for each.
func (l *Loop) planAndExecute(ctx context.Context) {
	for {
		select {
		case ev := <-l.cfg.Validator.Validated():
			l.handleValidated(ctx, ev)
		default:
			return
		}
	}
}

func (l *Loop) handleValidated(ctx context.Context, ev *quorum.CriticalEvent) {
	// A validated event this node never noticed itself means local
	// detection is too strict.
	if ev.Reporter != l.cfg.LocalID && !l.cfg.Analyzer.WasReported(ev.Type, ev.Subject) {
		l.cfg.KB.OnMissedDetection(ev.Type)
	}

	if ev.Type == quorum.EventKeyRotation {
		epoch, ok := decodeEpochEvidence(ev.Evidence)
		if !ok {
			l.logger.Warn("key rotation without epoch evidence",
				utils.ZapString("event_id", ev.ID),
				utils.ZapString("subject", string(ev.Subject)))
			return
		}
		if l.cfg.Transport != nil {
			l.cfg.Transport.ApproveEpoch(ev.Subject, epoch)
		}
		l.logger.Info("epoch rotation approved",
			utils.ZapString("node", string(ev.Subject)),
			utils.ZapUint64("epoch", epoch))
		return
	}

	actions := candidateActions[ev.Type]
	if len(actions) == 0 {
		l.logger.Warn("validated event with no applicable action",
			utils.ZapString("event_type", string(ev.Type)))
		return
	}
	action := l.cfg.KB.BestAction(ev.Type, actions)
	l.logger.Info("recovery action planned",
		utils.ZapString("event_id", ev.ID),
		utils.ZapString("event_type", string(ev.Type)),
		utils.ZapString("subject", string(ev.Subject)),
		utils.ZapString("action", string(action)),
		utils.ZapInt("signers", len(ev.Signers)))
	l.cfg.Executor.Launch(ctx, ev, action)
}

// handleExpired is the Knowledge feedback path for reports the mesh
// refused to confirm.
func (l *Loop) handleExpired() {
	for {
		select {
		case ev := <-l.cfg.Validator.Expired():
			if ev.Reporter == l.cfg.LocalID {
				l.cfg.KB.OnFalsePositive(ev.Type)
				l.logger.Debug("own report expired unvalidated",
					utils.ZapString("event_type", string(ev.Type)),
					utils.ZapString("subject", string(ev.Subject)))
				continue
			}
			if l.cfg.Reputation != nil {
				l.cfg.Reputation.Penalize(ev.Reporter, falseReportPenalty, "unvalidated report")
			}
		default:
			return
		}
	}
}
