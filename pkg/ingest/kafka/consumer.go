// Package kafka ingests link telemetry from external probes. Measurements
// arrive as JSON on configured topics and are folded into the topology
// store alongside the telemetry carried by beacons.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"

	"github.com/x0tta6bl4-ai/x0tta6bl4-sub007/pkg/topology"
	"github.com/x0tta6bl4-ai/x0tta6bl4-sub007/pkg/utils"
)

// Metrics is the slice of the metrics recorder the consumer reports to.
type Metrics interface {
	ObserveTelemetryMessage()
	ObserveTelemetryError(reason string)
}

type nopMetrics struct{}

func (nopMetrics) ObserveTelemetryMessage()       {}
func (nopMetrics) ObserveTelemetryError(_ string) {}

// ConsumerConfig holds the settings for a telemetry consumer.
type ConsumerConfig struct {
	Brokers []string
	GroupID string
	Topics  []string
	Store   *topology.Store
	Metrics Metrics
	Logger  *utils.Logger
}

// Consumer reads link telemetry from a consumer group and applies it to
// the topology store. Malformed messages are counted and skipped, never
// retried.
type Consumer struct {
	group   sarama.ConsumerGroup
	topics  []string
	store   *topology.Store
	metrics Metrics
	logger  *utils.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	consumed uint64
	applied  uint64
	skipped  uint64

	now func() time.Time
}

// NewConsumer joins the consumer group. The consumer does not read
// anything until Start is called.
func NewConsumer(ctx context.Context, cfg ConsumerConfig, saramaCfg *sarama.Config) (*Consumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: no brokers configured")
	}
	if cfg.GroupID == "" {
		return nil, fmt.Errorf("kafka: group ID required")
	}
	if len(cfg.Topics) == 0 {
		return nil, fmt.Errorf("kafka: no topics configured")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("kafka: topology store required")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = nopMetrics{}
	}

	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, saramaCfg)
	if err != nil {
		return nil, fmt.Errorf("kafka: create consumer group: %w", err)
	}

	cctx, cancel := context.WithCancel(ctx)
	c := &Consumer{
		group:   group,
		topics:  cfg.Topics,
		store:   cfg.Store,
		metrics: cfg.Metrics,
		logger:  cfg.Logger,
		ctx:     cctx,
		cancel:  cancel,
		now:     time.Now,
	}

	if c.logger != nil {
		c.logger.Info("telemetry consumer created",
			utils.ZapString("group_id", cfg.GroupID),
			utils.ZapStrings("topics", cfg.Topics))
	}
	return c, nil
}

// Start launches the consume loop.
func (c *Consumer) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("kafka: consumer already closed")
	}
	c.wg.Add(1)
	go c.consumeLoop()
	return nil
}

// Stop drains the consume loop and leaves the group.
func (c *Consumer) Stop() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()

	if err := c.group.Close(); err != nil {
		return fmt.Errorf("kafka: close consumer group: %w", err)
	}
	if c.logger != nil {
		consumed, applied, skipped := c.Stats()
		c.logger.Info("telemetry consumer stopped",
			utils.ZapUint64("consumed", consumed),
			utils.ZapUint64("applied", applied),
			utils.ZapUint64("skipped", skipped))
	}
	return nil
}

// Stats reports message counts since creation.
func (c *Consumer) Stats() (consumed, applied, skipped uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.consumed, c.applied, c.skipped
}

func (c *Consumer) consumeLoop() {
	defer c.wg.Done()
	handler := &groupHandler{consumer: c}
	for {
		if err := c.group.Consume(c.ctx, c.topics, handler); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return
			}
			if c.logger != nil {
				c.logger.Error("telemetry consume error, backing off",
					utils.ZapError(err))
			}
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(5 * time.Second):
			}
		}
		if c.ctx.Err() != nil {
			return
		}
	}
}

// process applies one telemetry message. A decode failure is terminal for
// that message so the offset is still committed.
func (c *Consumer) process(message *sarama.ConsumerMessage) {
	c.mu.Lock()
	c.consumed++
	c.mu.Unlock()
	c.metrics.ObserveTelemetryMessage()

	msg, err := DecodeTelemetryMsg(message.Value, c.now())
	if err != nil {
		c.mu.Lock()
		c.skipped++
		c.mu.Unlock()
		c.metrics.ObserveTelemetryError("decode")
		if c.logger != nil {
			c.logger.Warn("dropping telemetry message",
				utils.ZapError(err),
				utils.ZapString("topic", message.Topic),
				utils.ZapInt64("offset", message.Offset))
		}
		return
	}

	c.store.ApplyLinkTelemetry(topology.NodeID(msg.Src), topology.NodeID(msg.Dst), msg.Metrics())
	c.mu.Lock()
	c.applied++
	c.mu.Unlock()
}

type groupHandler struct {
	consumer *Consumer
}

func (h *groupHandler) Setup(session sarama.ConsumerGroupSession) error {
	if log := h.consumer.logger; log != nil {
		total := 0
		for _, partitions := range session.Claims() {
			total += len(partitions)
		}
		log.Info("telemetry consumer session ready",
			utils.ZapInt("topics", len(session.Claims())),
			utils.ZapInt("partitions", total))
	}
	return nil
}

func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case <-session.Context().Done():
			return nil
		case message, ok := <-claim.Messages():
			if !ok || message == nil {
				return nil
			}
			h.consumer.process(message)
			session.MarkMessage(message, "")
		}
	}
}
