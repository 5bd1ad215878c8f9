// Command meshnode runs one control-plane node: topology store, slot
// synchronizer, path planner, signed gossip transport, quorum validator
// and the MAPE-K loop, all joined to the mesh over libp2p.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/x0tta6bl4-ai/x0tta6bl4-sub007/pkg/config"
	"github.com/x0tta6bl4-ai/x0tta6bl4-sub007/pkg/gossip"
	"github.com/x0tta6bl4-ai/x0tta6bl4-sub007/pkg/identity"
	"github.com/x0tta6bl4-ai/x0tta6bl4-sub007/pkg/ingest/kafka"
	"github.com/x0tta6bl4-ai/x0tta6bl4-sub007/pkg/knowledge"
	"github.com/x0tta6bl4-ai/x0tta6bl4-sub007/pkg/mapek"
	"github.com/x0tta6bl4-ai/x0tta6bl4-sub007/pkg/metrics"
	"github.com/x0tta6bl4-ai/x0tta6bl4-sub007/pkg/p2p"
	"github.com/x0tta6bl4-ai/x0tta6bl4-sub007/pkg/quorum"
	"github.com/x0tta6bl4-ai/x0tta6bl4-sub007/pkg/routing"
	"github.com/x0tta6bl4-ai/x0tta6bl4-sub007/pkg/slots"
	"github.com/x0tta6bl4-ai/x0tta6bl4-sub007/pkg/topology"
	"github.com/x0tta6bl4-ai/x0tta6bl4-sub007/pkg/utils"
)

// storeKeys resolves signing keys from the topology store, where
// beacons deposit them on first contact.
type storeKeys struct {
	store *topology.Store
}

func (k storeKeys) PublicKeyOf(id topology.NodeID) ([]byte, bool) {
	node, ok := k.store.Snapshot().NodeByID(id)
	if !ok || len(node.PublicKey) == 0 {
		return nil, false
	}
	return node.PublicKey, true
}

// storeDirectory derives the quorum membership from the current
// topology snapshot.
type storeDirectory struct {
	store *topology.Store
}

func (d storeDirectory) KnownNodes() []topology.NodeID {
	nodes := d.store.Snapshot().Nodes()
	out := make([]topology.NodeID, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, n.ID)
	}
	return out
}

func main() {
	// Load doesn't overwrite variables already set in the environment.
	for _, path := range []string{".env", "../.env", "../../.env"} {
		if err := godotenv.Load(path); err == nil {
			break
		}
	}

	cm, err := utils.NewConfigManager(&utils.ConfigManagerConfig{})
	if err != nil {
		log.Fatalf("config manager init failed: %v", err)
	}
	cfg, err := config.Load(cm)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	logger, err := utils.NewLogger(&utils.LogConfig{
		Level:       cm.GetString("LOG_LEVEL", "info"),
		Development: cm.GetBool("LOG_DEVELOPMENT", cfg.Environment == "development"),
		OutputPath:  cm.GetString("LOG_PATH", ""),
		NodeID:      cfg.NodeID,
		Component:   "meshnode",
	})
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	localID := topology.NodeID(cfg.NodeID)
	logger.Info("meshnode starting",
		utils.ZapString("node_id", cfg.NodeID),
		utils.ZapString("environment", cfg.Environment))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := prometheus.NewRegistry()
	rec := metrics.NewRecorder(reg)

	cryptoSvc, err := identity.LoadOrGenerate(cfg.KeyPath)
	if err != nil {
		logger.Fatal("identity init failed", utils.ZapError(err))
	}

	reputation := gossip.NewReputation(gossip.ReputationConfig{
		Logger:          logger,
		Metrics:         rec,
		DecayFactor:     cfg.ReputationDecay,
		DecayInterval:   cfg.ReputationInterval,
		QuarantineAfter: cfg.QuarantineAfter,
		QuarantineTTL:   cfg.QuarantineTTL,
	})

	store := topology.NewStore(topology.StoreConfig{
		Logger:           logger,
		Metrics:          rec,
		DegradedLatency:  cfg.DegradedLatency,
		DegradedLossRate: cfg.DegradedLossRate,
		LinkTolerance:    cfg.LinkTolerance,
		NodeEvictAfter:   cfg.NodeEvictAfter,
	})
	store.RegisterNode(localID, cryptoSvc.PublicKey())

	synchronizer := slots.New(slots.Config{
		Logger:    logger,
		Metrics:   rec,
		NodeID:    localID,
		SlotCount: cfg.SlotCount,
		Period:    cfg.SlotPeriod,
		Tolerance: cfg.CollisionTolerance,
	})

	planner, err := routing.NewPlanner(store, routing.Config{
		Logger:    logger,
		Metrics:   rec,
		Source:    localID,
		K:         cfg.MaxDisjointPaths,
		CacheSize: cfg.PathCacheSize,
	})
	if err != nil {
		logger.Fatal("planner init failed", utils.ZapError(err))
	}

	transport, err := gossip.NewTransport(gossip.TransportConfig{
		Logger:     logger,
		Metrics:    rec,
		NodeID:     localID,
		Crypto:     cryptoSvc,
		Keys:       storeKeys{store: store},
		Reputation: reputation,
		RateLimit: gossip.RateLimiterConfig{
			RatePerSecond: cfg.GossipRateLimit,
			Burst:         cfg.GossipBurst,
		},
		ReplayWindowSize: cfg.ReplayWindowSize,
		ReplayWindowTTL:  cfg.ReplayWindowTTL,
	})
	if err != nil {
		logger.Fatal("transport init failed", utils.ZapError(err))
	}

	validator, err := quorum.NewValidator(quorum.Config{
		Logger:        logger,
		Metrics:       rec,
		Directory:     storeDirectory{store: store},
		Trust:         reputation,
		Window:        cfg.QuorumWindow,
		SweepInterval: cfg.QuorumSweep,
	})
	if err != nil {
		logger.Fatal("validator init failed", utils.ZapError(err))
	}

	kstore, err := openKnowledgeStore(ctx, cfg)
	if err != nil {
		logger.Fatal("knowledge store init failed", utils.ZapError(err))
	}
	defer func() { _ = kstore.Close() }()

	kb, err := mapek.NewKnowledgeBase(ctx, kstore, logger)
	if err != nil {
		logger.Fatal("knowledge base init failed", utils.ZapError(err))
	}

	var scorer mapek.Scorer
	switch cfg.ScorerKind {
	case "ml":
		scorer = mapek.HookScorer{Fn: featureScore}
	default:
		scorer = mapek.ThresholdScorer{}
	}

	monitor := mapek.NewMonitor(store, kb, scorer, localID, cfg.BeaconInterval, logger)
	analyzer := mapek.NewAnalyzer(validator, localID, logger)
	executor := mapek.NewExecutor(mapek.ExecutorConfig{
		Store:          store,
		Planner:        planner,
		Reputation:     reputation,
		KB:             kb,
		Metrics:        rec,
		LocalID:        localID,
		Logger:         logger,
		RerouteRetries: cfg.ExecuteRetries,
	})

	loop, err := mapek.NewLoop(mapek.LoopConfig{
		LocalID:    localID,
		Tick:       cfg.LoopTick,
		Persist:    cfg.SnapshotInterval,
		Monitor:    monitor,
		Analyzer:   analyzer,
		Executor:   executor,
		Validator:  validator,
		KB:         kb,
		Reputation: reputation,
		Transport:  transport,
		Slots:      synchronizer,
		Metrics:    rec,
		Logger:     logger,
	})
	if err != nil {
		logger.Fatal("mapek loop init failed", utils.ZapError(err))
	}

	registry := p2p.NewRegistry(reputation, logger)
	router, err := p2p.NewRouter(ctx, p2p.RouterConfig{
		Logger:   logger,
		NodeCfg:  cfg,
		Registry: registry,
		Crypto:   cryptoSvc,
	})
	if err != nil {
		logger.Fatal("p2p router init failed", utils.ZapError(err))
	}

	bridge, err := p2p.NewBridge(p2p.BridgeConfig{
		Logger:    logger,
		LocalID:   localID,
		Router:    router,
		Transport: transport,
		Registry:  registry,
		Store:     store,
		Slots:     synchronizer,
		Validator: validator,
		Monitor:   monitor,
	})
	if err != nil {
		logger.Fatal("p2p bridge init failed", utils.ZapError(err))
	}
	analyzer.SetPublisher(bridge)
	if err := bridge.Start(); err != nil {
		logger.Fatal("topic subscription failed", utils.ZapError(err))
	}

	var consumer *kafka.Consumer
	if cfg.KafkaEnabled() {
		saramaCfg, err := kafka.BuildSaramaConfig(cfg)
		if err != nil {
			logger.Fatal("kafka config failed", utils.ZapError(err))
		}
		consumer, err = kafka.NewConsumer(ctx, kafka.ConsumerConfig{
			Brokers: cfg.KafkaBrokers,
			GroupID: cfg.KafkaGroupID,
			Topics:  cfg.KafkaTopics,
			Store:   store,
			Metrics: rec,
			Logger:  logger,
		}, saramaCfg)
		if err != nil {
			logger.Fatal("kafka consumer init failed", utils.ZapError(err))
		}
		if err := consumer.Start(); err != nil {
			logger.Fatal("kafka consumer start failed", utils.ZapError(err))
		}
	}

	metricsSrv := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           metrics.Handler(reg),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("metrics listening", utils.ZapString("addr", cfg.MetricsAddr))
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", utils.ZapError(err))
		}
	}()

	transmit := make(chan time.Time, 1)
	var wg sync.WaitGroup
	runParts := []func(context.Context){
		store.Run,
		reputation.Run,
		validator.Run,
		loop.Run,
		func(ctx context.Context) { synchronizer.Run(ctx, transmit) },
		func(ctx context.Context) { bridge.RunBeacons(ctx, transmit) },
		func(ctx context.Context) { drainDirectives(ctx, executor, logger) },
	}
	wg.Add(len(runParts))
	for _, part := range runParts {
		part := part
		go func() {
			defer wg.Done()
			part(ctx)
		}()
	}

	logger.Info("meshnode started",
		utils.ZapString("peer_id", router.ID().String()),
		utils.ZapInt("slot", synchronizer.Slot(localID)))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutting down", utils.ZapString("signal", sig.String()))

	cancel()
	wg.Wait()

	if consumer != nil {
		if err := consumer.Stop(); err != nil {
			logger.Error("kafka consumer stop failed", utils.ZapError(err))
		}
	}
	if err := router.Close(); err != nil {
		logger.Error("p2p shutdown failed", utils.ZapError(err))
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics shutdown failed", utils.ZapError(err))
	}
	logger.Info("meshnode stopped")
}

func openKnowledgeStore(ctx context.Context, cfg *config.NodeConfig) (knowledge.Store, error) {
	if cfg.KnowledgeStore == config.KnowledgeStorePostgres {
		return knowledge.NewPGStore(ctx, cfg.PostgresURL, cfg.NodeID)
	}
	return knowledge.NewFileStore(cfg.KnowledgePath)
}

// featureScore is the model integration point behind the "ml" scorer
// setting. Until an external model is plugged in it combines the
// monitor's features into a coarse suspicion score.
func featureScore(_ topology.NodeID, features map[string]float64) float64 {
	score := features["missed_beacons"] / 10
	if lr := features["loss_rate"]; lr > score {
		score = lr
	}
	if score > 1 {
		score = 1
	}
	return score
}

// drainDirectives hands executor output to the forwarding layer. There
// is no data plane in this process, so directives are surfaced as
// structured log events for the host system to consume.
func drainDirectives(ctx context.Context, executor *mapek.Executor, logger *utils.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case d := <-executor.Directives():
			logger.Info("directive issued",
				utils.ZapString("kind", string(d.Kind)),
				utils.ZapString("destination", string(d.Destination)),
				utils.ZapString("node", string(d.Node)),
				utils.ZapInt("paths", len(d.Paths)),
				utils.ZapString("reason", d.Reason))
		}
	}
}
