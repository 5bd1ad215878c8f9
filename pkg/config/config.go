// Package config loads and validates node configuration for the mesh
// control plane. All values come through a utils.ConfigManager so tests
// can substitute a map-backed source.
package config

import (
	"fmt"
	"time"

	"github.com/x0tta6bl4-ai/x0tta6bl4-sub007/pkg/utils"
)

// Knowledge store backends.
const (
	KnowledgeStoreFile     = "file"
	KnowledgeStorePostgres = "postgres"
)

// NodeConfig holds the full configuration for a mesh node.
type NodeConfig struct {
	// Identity
	NodeID      string
	Environment string
	KeyPath     string

	// Topology store
	BeaconInterval   time.Duration
	NodeEvictAfter   time.Duration
	LinkTolerance    time.Duration
	DegradedLatency  time.Duration
	DegradedLossRate float64

	// Slot synchronizer
	SlotCount         int
	SlotPeriod        time.Duration
	CollisionTolerance time.Duration

	// Path planner
	MaxDisjointPaths int
	PathCacheSize    int

	// Gossip transport
	GossipRateLimit    float64
	GossipBurst        int
	ReplayWindowSize   int
	ReplayWindowTTL    time.Duration
	QuarantineAfter    int
	QuarantineTTL      time.Duration
	ReputationDecay    float64
	ReputationInterval time.Duration

	// Quorum validator
	QuorumWindow time.Duration
	QuorumSweep  time.Duration

	// MAPE-K loop
	LoopTick        time.Duration
	ExecuteRetries  int
	ScorerKind      string

	// Knowledge persistence
	KnowledgeStore    string
	KnowledgePath     string
	PostgresURL       string
	SnapshotInterval  time.Duration

	// p2p underlay
	ListenAddrs    []string
	BootstrapPeers []string
	EnableMDNS     bool
	EnableDHT      bool

	// Metrics
	MetricsAddr string

	// Kafka telemetry ingestion (optional)
	KafkaBrokers      []string
	KafkaTopics       []string
	KafkaGroupID      string
	KafkaSASLUser     string
	KafkaSASLPassword string
	KafkaSASLMech     string
}

// Load builds a NodeConfig from the given manager, applying defaults.
func Load(cm *utils.ConfigManager) (*NodeConfig, error) {
	nodeID, err := cm.GetStringRequired("NODE_ID")
	if err != nil {
		return nil, err
	}

	cfg := &NodeConfig{
		NodeID:      nodeID,
		Environment: cm.GetString("ENVIRONMENT", "development"),
		KeyPath:     cm.GetString("IDENTITY_KEY_PATH", "data/node.key"),

		BeaconInterval:   cm.GetDuration("BEACON_INTERVAL", 5*time.Second),
		NodeEvictAfter:   cm.GetDuration("NODE_EVICT_AFTER", 10*time.Minute),
		LinkTolerance:    cm.GetDuration("LINK_TOLERANCE", 3*time.Second),
		DegradedLatency:  cm.GetDuration("DEGRADED_LATENCY", 200*time.Millisecond),
		DegradedLossRate: cm.GetFloat64("DEGRADED_LOSS_RATE", 0.05),

		SlotCount:          cm.GetIntRange("SLOT_COUNT", 64, 2, 4096),
		SlotPeriod:         cm.GetDuration("SLOT_PERIOD", 10*time.Second),
		CollisionTolerance: cm.GetDuration("COLLISION_TOLERANCE", 250*time.Millisecond),

		MaxDisjointPaths: cm.GetIntRange("MAX_DISJOINT_PATHS", 3, 1, 16),
		PathCacheSize:    cm.GetIntRange("PATH_CACHE_SIZE", 1024, 16, 1<<20),

		GossipRateLimit:    cm.GetFloat64("GOSSIP_RATE_LIMIT", 10),
		GossipBurst:        cm.GetIntRange("GOSSIP_BURST", 20, 1, 10000),
		ReplayWindowSize:   cm.GetIntRange("REPLAY_WINDOW_SIZE", 4096, 64, 1<<20),
		ReplayWindowTTL:    cm.GetDuration("REPLAY_WINDOW_TTL", 5*time.Minute),
		QuarantineAfter:    cm.GetIntRange("QUARANTINE_AFTER", 10, 1, 1000),
		QuarantineTTL:      cm.GetDuration("QUARANTINE_TTL", 15*time.Minute),
		ReputationDecay:    cm.GetFloat64("REPUTATION_DECAY", 0.95),
		ReputationInterval: cm.GetDuration("REPUTATION_DECAY_INTERVAL", time.Minute),

		QuorumWindow: cm.GetDuration("QUORUM_WINDOW", 30*time.Second),
		QuorumSweep:  cm.GetDuration("QUORUM_SWEEP", 5*time.Second),

		LoopTick:       cm.GetDuration("MAPEK_TICK", 2*time.Second),
		ExecuteRetries: cm.GetIntRange("EXECUTE_RETRIES", 3, 1, 10),
		ScorerKind:     cm.GetString("SCORER", "threshold"),

		KnowledgeStore:   cm.GetString("KNOWLEDGE_STORE", KnowledgeStoreFile),
		KnowledgePath:    cm.GetString("KNOWLEDGE_PATH", "data/knowledge.cbor"),
		PostgresURL:      cm.GetString("POSTGRES_URL", ""),
		SnapshotInterval: cm.GetDuration("KNOWLEDGE_SNAPSHOT_INTERVAL", time.Minute),

		ListenAddrs:    cm.GetStringSlice("P2P_LISTEN_ADDRS", []string{"/ip4/0.0.0.0/tcp/0"}),
		BootstrapPeers: cm.GetStringSlice("P2P_BOOTSTRAP_PEERS", nil),
		EnableMDNS:     cm.GetBool("P2P_MDNS", true),
		EnableDHT:      cm.GetBool("P2P_DHT", true),

		MetricsAddr: cm.GetString("METRICS_ADDR", ":10090"),

		KafkaBrokers:      cm.GetStringSlice("KAFKA_BROKERS", nil),
		KafkaTopics:       cm.GetStringSlice("KAFKA_TOPICS", []string{"mesh.link.telemetry"}),
		KafkaGroupID:      cm.GetString("KAFKA_GROUP_ID", "meshnode"),
		KafkaSASLUser:     cm.GetString("KAFKA_SASL_USER", ""),
		KafkaSASLPassword: cm.GetString("KAFKA_SASL_PASSWORD", ""),
		KafkaSASLMech:     cm.GetString("KAFKA_SASL_MECHANISM", "SCRAM-SHA-512"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *NodeConfig) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("%w: NODE_ID", utils.ErrConfigValueRequired)
	}
	if c.GossipRateLimit <= 0 {
		return fmt.Errorf("%w: GOSSIP_RATE_LIMIT must be positive", utils.ErrConfigValueInvalid)
	}
	if c.DegradedLossRate < 0 || c.DegradedLossRate > 1 {
		return fmt.Errorf("%w: DEGRADED_LOSS_RATE must be in [0,1]", utils.ErrConfigValueInvalid)
	}
	if c.ReputationDecay <= 0 || c.ReputationDecay > 1 {
		return fmt.Errorf("%w: REPUTATION_DECAY must be in (0,1]", utils.ErrConfigValueInvalid)
	}
	if c.SlotPeriod <= 0 || c.CollisionTolerance <= 0 {
		return fmt.Errorf("%w: slot timings must be positive", utils.ErrConfigValueInvalid)
	}
	if c.CollisionTolerance >= c.SlotPeriod {
		return fmt.Errorf("%w: COLLISION_TOLERANCE must be below SLOT_PERIOD", utils.ErrConfigValueInvalid)
	}
	switch c.KnowledgeStore {
	case KnowledgeStoreFile:
		if c.KnowledgePath == "" {
			return fmt.Errorf("%w: KNOWLEDGE_PATH", utils.ErrConfigValueRequired)
		}
	case KnowledgeStorePostgres:
		if c.PostgresURL == "" {
			return fmt.Errorf("%w: POSTGRES_URL required for postgres knowledge store", utils.ErrConfigValueRequired)
		}
	default:
		return fmt.Errorf("%w: KNOWLEDGE_STORE must be file or postgres", utils.ErrConfigValueInvalid)
	}
	if c.QuorumWindow <= 0 || c.QuorumSweep <= 0 {
		return fmt.Errorf("%w: quorum timings must be positive", utils.ErrConfigValueInvalid)
	}
	switch c.ScorerKind {
	case "threshold", "ml":
	default:
		return fmt.Errorf("%w: SCORER must be threshold or ml", utils.ErrConfigValueInvalid)
	}
	if len(c.KafkaBrokers) > 0 && c.KafkaGroupID == "" {
		return fmt.Errorf("%w: KAFKA_GROUP_ID required when brokers set", utils.ErrConfigValueRequired)
	}
	return nil
}

// KafkaEnabled reports whether telemetry ingestion is configured.
func (c *NodeConfig) KafkaEnabled() bool {
	return len(c.KafkaBrokers) > 0
}
