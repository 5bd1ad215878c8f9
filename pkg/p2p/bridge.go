package p2p

import (
	"context"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/x0tta6bl4-ai/x0tta6bl4-sub007/pkg/gossip"
	"github.com/x0tta6bl4-ai/x0tta6bl4-sub007/pkg/mapek"
	"github.com/x0tta6bl4-ai/x0tta6bl4-sub007/pkg/quorum"
	"github.com/x0tta6bl4-ai/x0tta6bl4-sub007/pkg/slots"
	"github.com/x0tta6bl4-ai/x0tta6bl4-sub007/pkg/topology"
	"github.com/x0tta6bl4-ai/x0tta6bl4-sub007/pkg/utils"
)

// LinkObservation is one smoothed outbound link measurement carried in
// a beacon.
type LinkObservation struct {
	Dst           string  `cbor:"1,keyasint"`
	LatencyMS     float64 `cbor:"2,keyasint"`
	LossRate      float64 `cbor:"3,keyasint"`
	SignalQuality float64 `cbor:"4,keyasint,omitempty"`
}

// Beacon announces liveness, the sender's public key for first-contact
// registration, its transmission slot and its view of its own links.
type Beacon struct {
	NodeID    string            `cbor:"1,keyasint"`
	PublicKey []byte            `cbor:"2,keyasint"`
	Slot      int               `cbor:"3,keyasint"`
	Links     []LinkObservation `cbor:"4,keyasint,omitempty"`
}

// EventReport asks peers to corroborate a critical event.
type EventReport struct {
	EventID  string `cbor:"1,keyasint"`
	Type     string `cbor:"2,keyasint"`
	Subject  string `cbor:"3,keyasint"`
	Evidence []byte `cbor:"4,keyasint,omitempty"`
}

// Attestation is one signer's confirmation of a reported event.
type Attestation struct {
	EventID  string `cbor:"1,keyasint"`
	Evidence []byte `cbor:"2,keyasint,omitempty"`
}

// BridgeConfig wires the signed transport and the control-plane
// components to gossipsub topics.
type BridgeConfig struct {
	Logger    *utils.Logger
	LocalID   topology.NodeID
	Router    *Router
	Transport *gossip.Transport
	Registry  *Registry
	Store     *topology.Store
	Slots     *slots.Synchronizer
	Validator *quorum.Validator
	Monitor   *mapek.Monitor
}

// Bridge moves signed envelopes between gossipsub and the control
// plane: outbound messages are signed and published, inbound ones run
// the verification pipeline before any component sees them.
type Bridge struct {
	cfg    BridgeConfig
	logger *utils.Logger
}

func NewBridge(cfg BridgeConfig) (*Bridge, error) {
	if cfg.Router == nil || cfg.Transport == nil || cfg.Registry == nil ||
		cfg.Store == nil || cfg.Validator == nil {
		return nil, utils.NewError(utils.CodeInvalidInput, "bridge missing component")
	}
	if cfg.Logger == nil {
		cfg.Logger = utils.GetLogger()
	}
	return &Bridge{
		cfg:    cfg,
		logger: cfg.Logger.WithFields(utils.ZapString("subsystem", "bridge")),
	}, nil
}

// Start subscribes the control topics.
func (b *Bridge) Start() error {
	if err := b.cfg.Router.Subscribe(TopicBeacon, b.onBeacon); err != nil {
		return err
	}
	if err := b.cfg.Router.Subscribe(TopicGossip, b.onReport); err != nil {
		return err
	}
	return b.cfg.Router.Subscribe(TopicAttest, b.onAttestation)
}

// RunBeacons publishes a beacon whenever the slot synchronizer grants
// a transmission.
func (b *Bridge) RunBeacons(ctx context.Context, transmit <-chan time.Time) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-transmit:
			if err := b.publishBeacon(ctx); err != nil {
				b.logger.Warn("beacon publish failed", utils.ZapError(err))
			}
		}
	}
}

func (b *Bridge) publishBeacon(ctx context.Context) error {
	beacon := Beacon{
		NodeID:    string(b.cfg.LocalID),
		PublicKey: b.cfg.Transport.PublicKey(),
	}
	if b.cfg.Slots != nil {
		beacon.Slot = b.cfg.Slots.Slot(b.cfg.LocalID)
	}
	snap := b.cfg.Store.Snapshot()
	snap.ForEachLink(func(l topology.Link) {
		if l.Src != b.cfg.LocalID {
			return
		}
		beacon.Links = append(beacon.Links, LinkObservation{
			Dst:           string(l.Dst),
			LatencyMS:     l.Metrics.LatencyMS,
			LossRate:      l.Metrics.LossRate,
			SignalQuality: l.Metrics.SignalQuality,
		})
	})
	return b.publish(ctx, TopicBeacon, &beacon)
}

// PublishReport broadcasts a critical-event report. Implements
// mapek.Publisher.
func (b *Bridge) PublishReport(ctx context.Context, t quorum.EventType, subject topology.NodeID, eventID string, evidence []byte) error {
	return b.publish(ctx, TopicGossip, &EventReport{
		EventID:  eventID,
		Type:     string(t),
		Subject:  string(subject),
		Evidence: evidence,
	})
}

// PublishAttestation broadcasts this node's attestation for an event.
func (b *Bridge) PublishAttestation(ctx context.Context, eventID string, evidence []byte) error {
	return b.publish(ctx, TopicAttest, &Attestation{EventID: eventID, Evidence: evidence})
}

func (b *Bridge) publish(ctx context.Context, topic string, msg interface{}) error {
	codec := b.cfg.Transport.Codec()
	payload, err := codec.MarshalPayload(msg)
	if err != nil {
		return err
	}
	env, err := b.cfg.Transport.Sign(payload)
	if err != nil {
		return err
	}
	raw, err := codec.Encode(env)
	if err != nil {
		return err
	}
	return b.cfg.Router.Publish(ctx, topic, raw)
}

// verify decodes and runs the inbound pipeline, returning the envelope
// only when it was accepted.
func (b *Bridge) verify(raw []byte) (*gossip.Envelope, bool) {
	env, err := b.cfg.Transport.Codec().Decode(raw)
	if err != nil {
		b.logger.Debug("undecodable envelope", utils.ZapError(err))
		return nil, false
	}
	if env.Sender == b.cfg.LocalID {
		return nil, false
	}
	if v := b.cfg.Transport.Verify(env); v != gossip.VerdictAccepted {
		b.logger.Debug("envelope rejected",
			utils.ZapString("sender", string(env.Sender)),
			utils.ZapString("verdict", v.String()))
		return nil, false
	}
	return env, true
}

func (b *Bridge) onBeacon(_ context.Context, from peer.ID, raw []byte) error {
	codec := b.cfg.Transport.Codec()

	// Peek the payload before verification: a first-contact beacon
	// carries the public key the signature check needs.
	if peeked, err := codec.Decode(raw); err == nil && peeked.Sender != b.cfg.LocalID {
		var beacon Beacon
		if err := codec.UnmarshalPayload(peeked.Payload, &beacon); err == nil &&
			beacon.NodeID == string(peeked.Sender) && len(beacon.PublicKey) > 0 {
			if !b.cfg.Store.Snapshot().HasNode(peeked.Sender) {
				b.cfg.Store.RegisterNode(peeked.Sender, beacon.PublicKey)
			}
		}
	}

	env, ok := b.verify(raw)
	if !ok {
		return nil
	}
	var beacon Beacon
	if err := codec.UnmarshalPayload(env.Payload, &beacon); err != nil {
		return err
	}
	if beacon.NodeID != string(env.Sender) {
		b.logger.Warn("beacon id mismatch",
			utils.ZapString("sender", string(env.Sender)),
			utils.ZapString("claimed", beacon.NodeID))
		return nil
	}

	sender := env.Sender
	b.cfg.Registry.Bind(from, sender)
	b.cfg.Store.ApplyNodeEvent(sender, topology.NodeBeacon)
	for _, obs := range beacon.Links {
		b.cfg.Store.ApplyLinkTelemetry(sender, topology.NodeID(obs.Dst), topology.LinkMetrics{
			LatencyMS:     obs.LatencyMS,
			LossRate:      obs.LossRate,
			SignalQuality: obs.SignalQuality,
		})
	}
	if b.cfg.Slots != nil {
		b.cfg.Slots.ObserveTransmission(sender, beacon.Slot, env.Timestamp)
	}
	if b.cfg.Monitor != nil {
		b.cfg.Monitor.RecordBeacon(sender)
	}
	return nil
}

func (b *Bridge) onReport(_ context.Context, _ peer.ID, raw []byte) error {
	env, ok := b.verify(raw)
	if !ok {
		return nil
	}
	var report EventReport
	if err := b.cfg.Transport.Codec().UnmarshalPayload(env.Payload, &report); err != nil {
		return err
	}
	b.cfg.Validator.ReportEvent(
		quorum.EventType(report.Type),
		topology.NodeID(report.Subject),
		env.Sender,
		report.Evidence,
	)
	return nil
}

func (b *Bridge) onAttestation(_ context.Context, _ peer.ID, raw []byte) error {
	env, ok := b.verify(raw)
	if !ok {
		return nil
	}
	var att Attestation
	if err := b.cfg.Transport.Codec().UnmarshalPayload(env.Payload, &att); err != nil {
		return err
	}
	// The signer is the verified envelope sender, never a claimed field.
	if err := b.cfg.Validator.Attest(att.EventID, env.Sender, att.Evidence); err != nil {
		b.logger.Debug("attestation rejected",
			utils.ZapString("event_id", att.EventID),
			utils.ZapString("signer", string(env.Sender)),
			utils.ZapError(err))
	}
	return nil
}
