// Package slots assigns each mesh node a periodic transmission slot
// from a shared schedule and resolves collisions with randomized
// backoff. Collision signals feed the topology store (to separate
// scheduling noise from real link loss) and the knowledge base.
package slots

import (
	"context"
	"hash/fnv"
	"math/rand"
	"sync"
	"time"

	"github.com/x0tta6bl4-ai/x0tta6bl4-sub007/pkg/topology"
	"github.com/x0tta6bl4-ai/x0tta6bl4-sub007/pkg/utils"
)

// Metrics is the instrumentation surface the synchronizer needs.
type Metrics interface {
	ObserveSlotCollision()
	ObserveSlotReassign()
}

type nopMetrics struct{}

func (nopMetrics) ObserveSlotCollision() {}
func (nopMetrics) ObserveSlotReassign()  {}

// Collision reports two nodes transmitting in the same slot inside the
// tolerance window.
type Collision struct {
	Slot  int
	First topology.NodeID
	Other topology.NodeID
	At    time.Time
	Count int
}

// Config configures the synchronizer.
type Config struct {
	Logger  *utils.Logger
	Metrics Metrics

	NodeID    topology.NodeID
	SlotCount int
	Period    time.Duration
	Tolerance time.Duration
}

type transmission struct {
	node topology.NodeID
	at   time.Time
}

// Synchronizer derives deterministic slots, tracks observed
// transmissions and emits collision signals.
type Synchronizer struct {
	cfg     Config
	logger  *utils.Logger
	metrics Metrics

	mu             sync.Mutex
	lastTx         map[int]transmission
	ownSlot        int
	collisionCount int

	collisions chan Collision
	announce   chan int

	now func() time.Time
}

// New creates a synchronizer. The node's initial slot is FNV-1a of its
// id modulo the slot count, so every node derives the same schedule.
func New(cfg Config) *Synchronizer {
	if cfg.Logger == nil {
		cfg.Logger = utils.GetLogger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = nopMetrics{}
	}
	if cfg.SlotCount < 2 {
		cfg.SlotCount = 2
	}
	if cfg.Period <= 0 {
		cfg.Period = 10 * time.Second
	}
	s := &Synchronizer{
		cfg:        cfg,
		logger:     cfg.Logger.WithFields(utils.ZapString("subsystem", "slots")),
		metrics:    cfg.Metrics,
		lastTx:     make(map[int]transmission),
		collisions: make(chan Collision, 64),
		announce:   make(chan int, 8),
		now:        time.Now,
	}
	s.ownSlot = BaseSlot(cfg.NodeID, cfg.SlotCount)
	return s
}

// BaseSlot returns the deterministic schedule slot for a node.
func BaseSlot(id topology.NodeID, slotCount int) int {
	h := fnv.New32a()
	h.Write([]byte(id))
	return int(h.Sum32() % uint32(slotCount))
}

// Slot returns the node's current slot. For the local node this
// reflects collision backoff reassignments; for remote nodes it is the
// deterministic base slot unless a re-announcement was observed.
func (s *Synchronizer) Slot(id topology.NodeID) int {
	if id == s.cfg.NodeID {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.ownSlot
	}
	return BaseSlot(id, s.cfg.SlotCount)
}

// NextSlotDeadline returns the next wall-clock time the node's slot
// opens. Period boundaries are aligned to the Unix epoch so all nodes
// agree on the schedule.
func (s *Synchronizer) NextSlotDeadline(id topology.NodeID) time.Time {
	now := s.now()
	slot := s.Slot(id)
	slotDur := s.cfg.Period / time.Duration(s.cfg.SlotCount)
	periodStart := now.Truncate(s.cfg.Period)
	deadline := periodStart.Add(time.Duration(slot) * slotDur)
	if !deadline.After(now) {
		deadline = deadline.Add(s.cfg.Period)
	}
	return deadline
}

// ObserveTransmission records a transmission seen in a slot. Two
// different nodes in the same slot within the tolerance window is a
// collision: it is signalled, and if the local node is involved its
// slot is re-derived after randomized backoff proportional to the
// collision count.
func (s *Synchronizer) ObserveTransmission(id topology.NodeID, slot int, at time.Time) {
	s.mu.Lock()
	prev, seen := s.lastTx[slot]
	s.lastTx[slot] = transmission{node: id, at: at}

	collided := seen && prev.node != id && at.Sub(prev.at) <= s.cfg.Tolerance
	var c Collision
	if collided {
		s.collisionCount++
		c = Collision{Slot: slot, First: prev.node, Other: id, At: at, Count: s.collisionCount}
	}
	ownInvolved := collided && (prev.node == s.cfg.NodeID || id == s.cfg.NodeID)
	s.mu.Unlock()

	if !collided {
		return
	}

	s.metrics.ObserveSlotCollision()
	select {
	case s.collisions <- c:
	default:
		s.logger.Warn("collision channel full, dropping signal",
			utils.ZapInt("slot", c.Slot))
	}

	if ownInvolved {
		go s.reassign(c.Count)
	}
}

// reassign backs off proportionally to the collision count, picks a new
// slot and re-announces it.
func (s *Synchronizer) reassign(count int) {
	backoff := utils.Jitter(time.Duration(count)*s.slotDuration(), 0.5)
	time.Sleep(backoff)

	s.mu.Lock()
	hop := rand.Intn(count+1) + 1
	s.ownSlot = (s.ownSlot + hop) % s.cfg.SlotCount
	newSlot := s.ownSlot
	s.mu.Unlock()

	s.metrics.ObserveSlotReassign()
	s.logger.Info("slot reassigned after collision",
		utils.ZapInt("slot", newSlot),
		utils.ZapInt("collisions", count),
		utils.ZapDuration("backoff", backoff))

	select {
	case s.announce <- newSlot:
	default:
	}
}

func (s *Synchronizer) slotDuration() time.Duration {
	return s.cfg.Period / time.Duration(s.cfg.SlotCount)
}

// Collisions returns the collision signal channel.
func (s *Synchronizer) Collisions() <-chan Collision {
	return s.collisions
}

// Announcements returns the channel of locally re-announced slots.
func (s *Synchronizer) Announcements() <-chan int {
	return s.announce
}

// CollisionRate returns collisions per tracked slot since start, the
// signal knowledge uses to adapt thresholds.
func (s *Synchronizer) CollisionRate() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.lastTx) == 0 {
		return 0
	}
	return float64(s.collisionCount) / float64(len(s.lastTx))
}

// Run fires the transmit channel each time the local slot opens, until
// ctx is cancelled.
func (s *Synchronizer) Run(ctx context.Context, transmit chan<- time.Time) {
	for {
		deadline := s.NextSlotDeadline(s.cfg.NodeID)
		if err := utils.SleepWithContext(ctx, time.Until(deadline)); err != nil {
			return
		}
		select {
		case transmit <- deadline:
		case <-ctx.Done():
			return
		default:
		}
	}
}
