package p2p

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"fmt"
	"strings"
	"sync"
	"time"

	libp2p "github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/control"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	mdns "github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	drouting "github.com/libp2p/go-libp2p/p2p/discovery/routing"
	connmgr "github.com/libp2p/go-libp2p/p2p/net/connmgr"
	noise "github.com/libp2p/go-libp2p/p2p/security/noise"
	multiaddr "github.com/multiformats/go-multiaddr"

	"github.com/x0tta6bl4-ai/x0tta6bl4-sub007/pkg/config"
	"github.com/x0tta6bl4-ai/x0tta6bl4-sub007/pkg/identity"
	"github.com/x0tta6bl4-ai/x0tta6bl4-sub007/pkg/utils"
)

// Gossipsub topics of the control plane.
const (
	TopicBeacon = "mesh/beacon"
	TopicGossip = "mesh/gossip"
	TopicAttest = "mesh/attest"
)

const (
	protocolPrefix    = "/meshctl"
	rendezvousPrefix  = "meshctl/v1/"
	maxHandlerWorkers = 200
	maxMessageSize    = 64 * 1024
)

// Handler is the callback signature for delivered topic messages.
type Handler func(ctx context.Context, from peer.ID, data []byte) error

// RouterConfig wires the underlay to identity, trust and node config.
type RouterConfig struct {
	Logger   *utils.Logger
	NodeCfg  *config.NodeConfig
	Registry *Registry
	Crypto   identity.CryptoService
}

// Router owns the libp2p host, gossipsub and discovery. It validates
// nothing beyond size and quarantine; envelope verification belongs to
// the signed transport.
type Router struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger *utils.Logger

	host     host.Host
	dht      *dht.IpfsDHT
	gossip   *pubsub.PubSub
	registry *Registry
	cfg      RouterConfig

	mu       sync.RWMutex
	topics   map[string]*pubsub.Topic
	subs     map[string]*pubsub.Subscription
	handlers map[string][]Handler

	handlerSem chan struct{}
	validator  pubsub.ValidatorEx
}

// NewRouter constructs the underlay and starts discovery.
func NewRouter(parent context.Context, cfg RouterConfig) (*Router, error) {
	if cfg.NodeCfg == nil || cfg.Registry == nil || cfg.Crypto == nil {
		return nil, utils.NewError(utils.CodeInvalidInput, "router requires node config, registry and crypto")
	}
	if cfg.Logger == nil {
		cfg.Logger = utils.GetLogger()
	}
	logger := cfg.Logger.WithFields(utils.ZapString("subsystem", "p2p"))
	ctx, cancel := context.WithCancel(parent)

	priv, pid, err := deriveIdentity(cfg.Crypto)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("derive p2p identity: %w", err)
	}
	logger.Info("p2p identity derived", utils.ZapString("peer_id", pid.String()))

	gater := &connGater{registry: cfg.Registry, logger: logger}

	cm, err := connmgr.NewConnManager(8, 64, connmgr.WithGracePeriod(time.Minute))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("connmgr: %w", err)
	}

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(cfg.NodeCfg.ListenAddrs...),
		libp2p.ConnectionManager(cm),
		libp2p.ConnectionGater(gater),
		libp2p.Security(noise.ID, noise.New),
	)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("libp2p host: %w", err)
	}

	r := &Router{
		ctx:        ctx,
		cancel:     cancel,
		logger:     logger,
		host:       h,
		registry:   cfg.Registry,
		cfg:        cfg,
		topics:     make(map[string]*pubsub.Topic),
		subs:       make(map[string]*pubsub.Subscription),
		handlers:   make(map[string][]Handler),
		handlerSem: make(chan struct{}, maxHandlerWorkers),
	}

	rendezvous := rendezvousPrefix + cfg.NodeCfg.Environment

	if cfg.NodeCfg.EnableDHT {
		kad, err := dht.New(ctx, h,
			dht.ProtocolPrefix(protocol.ID(protocolPrefix+"/kad")),
			dht.Mode(dht.ModeAuto),
		)
		if err != nil {
			_ = h.Close()
			cancel()
			return nil, fmt.Errorf("dht: %w", err)
		}
		r.dht = kad
		rd := drouting.NewRoutingDiscovery(kad)
		go r.advertiseLoop(rd, rendezvous)
		go r.discoveryLoop(rd, rendezvous)
	}

	if cfg.NodeCfg.EnableMDNS {
		svc := mdns.NewMdnsService(h, rendezvous, &mdnsNotifee{router: r})
		if err := svc.Start(); err != nil {
			logger.Warn("mdns start failed", utils.ZapError(err))
		}
	}

	score := &pubsub.PeerScoreParams{
		AppSpecificScore:  func(p peer.ID) float64 { return cfg.Registry.GossipScore(p) },
		AppSpecificWeight: 1,
		DecayInterval:     10 * time.Second,
		DecayToZero:       0.01,
		RetainScore:       15 * time.Minute,

		BehaviourPenaltyWeight:    -10,
		BehaviourPenaltyThreshold: 10,
		BehaviourPenaltyDecay:     0.9,
		Topics:                    make(map[string]*pubsub.TopicScoreParams),
	}
	thresholds := &pubsub.PeerScoreThresholds{
		GossipThreshold:   -100,
		PublishThreshold:  -200,
		GraylistThreshold: -500,
	}
	ps, err := pubsub.NewGossipSub(ctx, h,
		pubsub.WithMessageSigning(true),
		pubsub.WithStrictSignatureVerification(true),
		pubsub.WithPeerScore(score, thresholds),
	)
	if err != nil {
		r.shutdown()
		return nil, fmt.Errorf("gossipsub: %w", err)
	}
	r.gossip = ps

	// quarantine and size gate at the pubsub layer, before any handler
	r.validator = func(ctx context.Context, id peer.ID, msg *pubsub.Message) pubsub.ValidationResult {
		if cfg.Registry.IsQuarantined(id) {
			return pubsub.ValidationReject
		}
		if len(msg.Data) > maxMessageSize {
			return pubsub.ValidationReject
		}
		return pubsub.ValidationAccept
	}

	h.Network().Notify(&netNotifiee{registry: cfg.Registry})

	if err := r.dialBootstrapPeers(); err != nil {
		logger.Warn("bootstrap dialing issues", utils.ZapError(err))
	}

	return r, nil
}

// ID returns the local peer id.
func (r *Router) ID() peer.ID { return r.host.ID() }

// Subscribe joins a topic and registers the handler for its messages.
func (r *Router) Subscribe(topic string, handler Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.topics[topic]; !ok {
		if err := r.gossip.RegisterTopicValidator(topic, r.validator); err != nil {
			return fmt.Errorf("register validator %s: %w", topic, err)
		}
		t, err := r.gossip.Join(topic)
		if err != nil {
			return fmt.Errorf("join topic %s: %w", topic, err)
		}
		r.topics[topic] = t
	}
	if _, ok := r.subs[topic]; !ok {
		sub, err := r.topics[topic].Subscribe()
		if err != nil {
			return fmt.Errorf("subscribe topic %s: %w", topic, err)
		}
		r.subs[topic] = sub
		go r.consume(topic, sub)
	}
	if handler != nil {
		r.handlers[topic] = append(r.handlers[topic], handler)
	}
	return nil
}

// Publish broadcasts a message to a joined topic.
func (r *Router) Publish(ctx context.Context, topic string, data []byte) error {
	if len(data) > maxMessageSize {
		return utils.NewErrorf(utils.CodeInvalidInput, "message size %d exceeds %d", len(data), maxMessageSize)
	}
	r.mu.RLock()
	t, ok := r.topics[topic]
	r.mu.RUnlock()
	if !ok {
		return utils.NewErrorf(utils.CodeInvalidInput, "topic %s not joined", topic)
	}
	return t.Publish(ctx, data)
}

// ConnectedPeers returns the number of live transport connections.
func (r *Router) ConnectedPeers() int {
	return len(r.host.Network().Peers())
}

// Close shuts the underlay down.
func (r *Router) Close() error {
	return r.shutdown()
}

func (r *Router) shutdown() error {
	r.cancel()
	if r.dht != nil {
		_ = r.dht.Close()
	}
	return r.host.Close()
}

func (r *Router) consume(topic string, sub *pubsub.Subscription) {
	for {
		msg, err := sub.Next(r.ctx)
		if err != nil {
			if r.ctx.Err() == nil {
				r.logger.Warn("topic consumer stopped",
					utils.ZapString("topic", topic), utils.ZapError(err))
			}
			return
		}
		if msg.ReceivedFrom == r.host.ID() || len(msg.Data) == 0 {
			continue
		}
		from := msg.ReceivedFrom
		r.registry.OnMessage(from)

		r.mu.RLock()
		hs := append([]Handler(nil), r.handlers[topic]...)
		r.mu.RUnlock()
		for _, h := range hs {
			select {
			case r.handlerSem <- struct{}{}:
				go func(h Handler) {
					defer func() { <-r.handlerSem }()
					defer func() {
						if rec := recover(); rec != nil {
							r.logger.Error("handler panic",
								utils.ZapString("topic", topic),
								utils.ZapAny("panic", rec))
						}
					}()
					if err := h(r.ctx, from, msg.Data); err != nil {
						r.logger.Debug("handler error",
							utils.ZapString("topic", topic),
							utils.ZapError(err))
					}
				}(h)
			case <-r.ctx.Done():
				return
			}
		}
	}
}

func (r *Router) dialBootstrapPeers() error {
	var errs []string
	for _, addr := range r.cfg.NodeCfg.BootstrapPeers {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}
		maddr, err := multiaddr.NewMultiaddr(addr)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", addr, err))
			continue
		}
		info, err := peer.AddrInfoFromP2pAddr(maddr)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", addr, err))
			continue
		}
		dialCtx, cancel := context.WithTimeout(r.ctx, 10*time.Second)
		err = r.host.Connect(dialCtx, *info)
		cancel()
		if err != nil {
			r.logger.Debug("bootstrap dial failed",
				utils.ZapString("peer", info.ID.String()), utils.ZapError(err))
		} else {
			r.logger.Info("bootstrap peer connected",
				utils.ZapString("peer", info.ID.String()))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("bootstrap: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (r *Router) advertiseLoop(rd *drouting.RoutingDiscovery, rendezvous string) {
	t := time.NewTicker(30 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-t.C:
			_, _ = rd.Advertise(r.ctx, rendezvous)
		}
	}
}

func (r *Router) discoveryLoop(rd *drouting.RoutingDiscovery, rendezvous string) {
	t := time.NewTicker(15 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-t.C:
			peerCh, err := rd.FindPeers(r.ctx, rendezvous)
			if err != nil {
				r.logger.Warn("discovery error", utils.ZapError(err))
				continue
			}
			for p := range peerCh {
				if p.ID == "" || p.ID == r.host.ID() {
					continue
				}
				if r.registry.IsQuarantined(p.ID) {
					continue
				}
				_ = r.host.Connect(r.ctx, p)
			}
		}
	}
}

// identityDerivationLabel is the domain-separated message whose
// signature seeds the libp2p keypair. Ed25519 signatures are
// deterministic, so the same identity key always yields the same peer
// id, while the seed stays computable only by the key holder.
const identityDerivationLabel = "meshctl/p2p-identity/v1"

// deriveIdentity builds a deterministic libp2p keypair from the node's
// signing key so the peer id is stable across restarts. The seed is
// derived from a signature, never from the public key, which beacons
// broadcast to the whole mesh.
func deriveIdentity(svc identity.CryptoService) (crypto.PrivKey, peer.ID, error) {
	sig, err := svc.Sign([]byte(identityDerivationLabel))
	if err != nil {
		return nil, "", utils.Wrap(err, "sign identity label")
	}
	seed := sha256.Sum256(sig)
	std := ed25519.NewKeyFromSeed(seed[:])
	priv, err := crypto.UnmarshalEd25519PrivateKey([]byte(std))
	if err != nil {
		return nil, "", err
	}
	pid, err := peer.IDFromPrivateKey(priv)
	return priv, pid, err
}

// netNotifiee relays connection events into the registry.
type netNotifiee struct{ registry *Registry }

func (n *netNotifiee) Listen(network.Network, multiaddr.Multiaddr)      {}
func (n *netNotifiee) ListenClose(network.Network, multiaddr.Multiaddr) {}
func (n *netNotifiee) Connected(_ network.Network, c network.Conn) {
	n.registry.OnConnect(c.RemotePeer())
}
func (n *netNotifiee) Disconnected(_ network.Network, c network.Conn) {
	n.registry.OnDisconnect(c.RemotePeer())
}

// connGater drops quarantined peers before the handshake completes.
type connGater struct {
	registry *Registry
	logger   *utils.Logger
}

func (g *connGater) InterceptPeerDial(p peer.ID) bool {
	return !g.registry.IsQuarantined(p)
}

func (g *connGater) InterceptAddrDial(peer.ID, multiaddr.Multiaddr) bool { return true }

func (g *connGater) InterceptAccept(network.ConnMultiaddrs) bool { return true }

func (g *connGater) InterceptSecured(_ network.Direction, p peer.ID, _ network.ConnMultiaddrs) bool {
	if g.registry.IsQuarantined(p) {
		g.logger.Warn("gater: blocked quarantined peer", utils.ZapString("peer", p.String()))
		return false
	}
	return true
}

func (g *connGater) InterceptUpgraded(network.Conn) (bool, control.DisconnectReason) {
	return true, 0
}

// mdnsNotifee dials peers found on the local network.
type mdnsNotifee struct{ router *Router }

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	r := n.router
	if pi.ID == r.host.ID() || r.registry.IsQuarantined(pi.ID) {
		return
	}
	if err := r.host.Connect(r.ctx, pi); err != nil {
		r.logger.Debug("mdns dial failed",
			utils.ZapString("peer", pi.ID.String()), utils.ZapError(err))
		return
	}
	r.host.ConnManager().TagPeer(pi.ID, "mesh", 100)
}
