// Package kernel wires the service together: graph store, event bus,
// queues, extraction pipeline, diff engine, proactive engine, query
// surface, audit log, and background workers. It owns the lifecycle and
// exposes the transport-agnostic operations the HTTP adapter serves.
package kernel

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/knowledge-graph-memory/internal/ai"
	"github.com/knowledge-graph-memory/internal/audit"
	"github.com/knowledge-graph-memory/internal/bus"
	"github.com/knowledge-graph-memory/internal/config"
	"github.com/knowledge-graph-memory/internal/confidence"
	"github.com/knowledge-graph-memory/internal/diff"
	"github.com/knowledge-graph-memory/internal/entity"
	"github.com/knowledge-graph-memory/internal/graph"
	"github.com/knowledge-graph-memory/internal/jsonx"
	"github.com/knowledge-graph-memory/internal/pipeline"
	"github.com/knowledge-graph-memory/internal/proactive"
	"github.com/knowledge-graph-memory/internal/query"
	"github.com/knowledge-graph-memory/internal/queue"
	"github.com/knowledge-graph-memory/internal/workers"
)

// Kernel is the long-running knowledge-graph memory service.
type Kernel struct {
	config config.Config
	logger *zap.Logger

	// Data layer
	store    *graph.Store
	persist  *graph.BadgerPersister
	auditLog *audit.Log
	natsConn *nats.Conn
	js       nats.JetStreamContext
	rdb      *redis.Client

	// Core engines
	eventBus   *bus.Bus
	confEngine *confidence.Engine
	diffEngine *diff.Engine
	pipe       *pipeline.Pipeline
	provider   *ai.Provider
	querySvc   *query.Service
	proEngine  *proactive.Engine
	monitor    *proactive.Monitor
	runner     *workers.Runner
	aliasIndex *entity.Index

	// Queues
	inbound  *queue.Inbound
	outbound *queue.Outbound

	// Per-session known-entities hint, merged into extraction prompts.
	sessionEntities *lru.Cache[string, []string]

	// Control
	ctx       context.Context
	cancel    context.CancelFunc
	mu        sync.RWMutex
	isRunning bool
}

// New creates a kernel from configuration. Nothing connects until Start.
func New(cfg config.Config, logger *zap.Logger) (*Kernel, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	sessions, err := lru.New[string, []string](1024)
	if err != nil {
		cancel()
		return nil, err
	}
	return &Kernel{
		config:          cfg,
		logger:          logger,
		ctx:             ctx,
		cancel:          cancel,
		sessionEntities: sessions,
	}, nil
}

// Start connects dependencies and launches all loops.
func (k *Kernel) Start() error {
	k.mu.Lock()
	if k.isRunning {
		k.mu.Unlock()
		return nil
	}
	k.mu.Unlock()

	k.logger.Info("Starting knowledge-graph memory service...")

	// Embedded persistence: one badger database shared by the graph store
	// and the audit log.
	persist, err := graph.OpenBadger(filepath.Join(k.config.DataDir, "graph"), k.logger)
	if err != nil {
		return fmt.Errorf("failed to open graph database: %w", err)
	}
	k.persist = persist

	// Confidence engine from config.
	k.confEngine = confidence.NewEngine(confidenceParams(k.config))

	// Graph store.
	storeCfg := graph.DefaultStoreConfig()
	storeCfg.MaxConfidence = k.config.Confidence.MaxConfidence
	k.store = graph.NewStore(storeCfg, k.logger)
	if err := k.store.SetPersister(persist); err != nil {
		return fmt.Errorf("failed to load graph: %w", err)
	}

	// NATS with JetStream for the inbound queue and event mirroring.
	natsConn, err := nats.Connect(k.config.NATSAddress,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(10),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	k.natsConn = natsConn
	js, err := natsConn.JetStream()
	if err != nil {
		return fmt.Errorf("failed to get JetStream context: %w", err)
	}
	k.js = js

	// Redis for idempotency keys, the outbound queue, and token budgets.
	k.rdb = redis.NewClient(&redis.Options{
		Addr:     k.config.RedisAddress,
		Password: k.config.RedisPassword,
		DB:       k.config.RedisDB,
	})
	if err := k.rdb.Ping(k.ctx).Err(); err != nil {
		return fmt.Errorf("failed to ping redis: %w", err)
	}

	// Audit log shares the badger database and mirrors to NATS.
	auditLog, err := audit.New(persist.DB(), natsConn, audit.DefaultConfig(), k.logger)
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}
	k.auditLog = auditLog

	// Event bus; every mutation also mirrors to NATS for out-of-process
	// subscribers (visualization).
	k.eventBus = bus.New(bus.DefaultConfig(), k.logger)
	k.eventBus.SetMirror(func(ev graph.Event) {
		data, err := jsonx.Marshal(ev)
		if err != nil {
			return
		}
		if err := natsConn.Publish("graph.events."+string(ev.Type), data); err != nil {
			k.logger.Debug("Event mirror publish failed", zap.Error(err))
		}
	})
	k.store.SetEmitter(k.eventBus)

	// LLM provider: both tiers behind breakers and the shared budget.
	budget := ai.NewTokenBudget(k.rdb, ai.BudgetConfig{
		SmallDailyTokens: k.config.LLM.SmallDailyTokens,
		LargeDailyTokens: k.config.LLM.LargeDailyTokens,
	}, k.logger)
	small, large := k.buildCapabilities()
	k.provider = ai.NewProvider(small, large, budget, k.logger)

	// Diff engine: the single writer.
	k.diffEngine = diff.NewEngine(k.store, k.confEngine, auditLog, k.logger)

	// Extraction pipeline.
	pipeCfg := pipeline.DefaultConfig()
	pipeCfg.STTFloor = k.config.Extraction.STTFloor
	pipeCfg.STTScaling = k.config.Extraction.STTScaling
	pipeCfg.IndirectInference = k.config.Extraction.IndirectInference
	k.pipe = pipeline.New(k.provider, k.confEngine, pipeCfg, k.logger)

	// Queues.
	inbound, err := queue.NewInbound(js, k.rdb, queue.DefaultInboundConfig(), k.logger)
	if err != nil {
		return err
	}
	k.inbound = inbound

	outCfg := queue.DefaultOutboundConfig()
	outCfg.MaxPerConversation = k.config.Probing.MaxPerConversation
	outCfg.MaxPerDay = k.config.Probing.MaxPerDay
	outCfg.MaxPerWeek = k.config.Probing.MaxPerWeek
	outCfg.MinTurn = k.config.Probing.MinTurn
	outCfg.MinContextFit = k.config.Probing.MinContextFit
	outCfg.IgnoreCooldown = k.config.Probing.IgnoreCooldown
	outCfg.DeflectCooldown = k.config.Probing.DeflectCooldown
	k.outbound = queue.NewOutbound(k.rdb, auditLog, outCfg, k.logger)

	// Proactive engine subscribes to mutations and receives contradiction
	// probes from the diff engine.
	proCfg := proactive.DefaultConfig()
	proCfg.StarterThreshold = k.config.Starters.Threshold
	proCfg.QuietStartHour = k.config.Starters.QuietStartHour
	proCfg.QuietEndHour = k.config.Starters.QuietEndHour
	proCfg.MinTurn = k.config.Probing.MinTurn
	proCfg.Risk = proactive.RiskConfig{
		AutoExecuteConfidence:   k.config.Risk.AutoExecuteConfidence,
		SuggestConfidence:       k.config.Risk.SuggestConfidence,
		CasualMentionConfidence: k.config.Risk.CasualMentionConfidence,
	}
	k.proEngine = proactive.NewEngine(k.store, k.provider, k.outbound, auditLog, proCfg, k.logger)
	k.diffEngine.SetProbeSink(k.proEngine)
	k.eventBus.Subscribe("proactive", k.proEngine.OnGraphEvent, graph.EventEdgeAdded)

	// External event monitor; sources register per config.
	monitorCfgs := make(map[string]proactive.SourceConfig, len(k.config.Monitors))
	for name, mc := range k.config.Monitors {
		monitorCfgs[name] = proactive.SourceConfig{Enabled: mc.Enabled, Interval: mc.Interval}
	}
	k.monitor = proactive.NewMonitor(k.proEngine, nil, monitorCfgs, k.logger)
	k.monitor.Start(k.ctx)

	// Query surface with mutation-invalidated cache.
	querySvc, err := query.NewService(k.store, k.provider, query.DefaultConfig(), k.logger)
	if err != nil {
		return err
	}
	k.querySvc = querySvc
	k.eventBus.Subscribe("query-cache", querySvc.OnGraphEvent)

	// Fuzzy alias index tracks node mutations.
	aliasIndex, err := entity.NewIndex(entity.Config{
		IndexPath:     filepath.Join(k.config.DataDir, "entities.bleve"),
		Fuzziness:     2,
		MaxCandidates: 8,
	}, k.logger)
	if err != nil {
		return fmt.Errorf("failed to open entity index: %w", err)
	}
	k.aliasIndex = aliasIndex
	k.eventBus.Subscribe("alias-index", aliasIndex.OnGraphEvent,
		graph.EventNodeAdded, graph.EventNodeUpdated)

	// Background workers share the store and diff engine with the online
	// path.
	workerCfg := workers.DefaultConfig()
	workerCfg.DecayInterval = k.config.Workers.DecayInterval
	workerCfg.RevisionInterval = k.config.Workers.RevisionInterval
	workerCfg.InferenceInterval = k.config.Workers.InferenceInterval
	workerCfg.ClusteringInterval = k.config.Workers.ClusteringInterval
	workerCfg.RevisionBudget = k.config.Workers.RevisionBudget
	workerCfg.InferenceCap = k.config.Workers.InferenceCap
	k.runner = workers.NewRunner(k.store, k.diffEngine, k.confEngine,
		k.provider, nil, auditLog, budget, workerCfg, k.logger)
	k.runner.Start(k.ctx)

	// Inbound consumer drives the extraction pipeline.
	if err := k.inbound.Start(k.ctx, k.processInteraction); err != nil {
		return err
	}

	k.mu.Lock()
	k.isRunning = true
	k.mu.Unlock()

	k.logger.Info("Knowledge-graph memory service started",
		zap.String("nats", k.config.NATSAddress),
		zap.String("redis", k.config.RedisAddress),
		zap.String("data_dir", k.config.DataDir))
	return nil
}

// Stop shuts everything down in reverse order.
func (k *Kernel) Stop() error {
	k.mu.Lock()
	if !k.isRunning {
		k.mu.Unlock()
		return nil
	}
	k.isRunning = false
	k.mu.Unlock()

	k.logger.Info("Stopping knowledge-graph memory service...")
	k.cancel()

	if k.inbound != nil {
		k.inbound.Stop()
	}
	if k.runner != nil {
		k.runner.Stop()
	}
	if k.monitor != nil {
		k.monitor.Stop()
	}
	if k.auditLog != nil {
		k.auditLog.Close()
	}
	if k.aliasIndex != nil {
		k.aliasIndex.Close()
	}
	if k.natsConn != nil {
		k.natsConn.Close()
	}
	if k.rdb != nil {
		k.rdb.Close()
	}
	if k.store != nil {
		k.store.Close()
	}

	k.logger.Info("Knowledge-graph memory service stopped")
	return nil
}

// buildCapabilities constructs the two model tiers, or mocks when
// configured for offline development.
func (k *Kernel) buildCapabilities() (ai.Capability, ai.Capability) {
	if k.config.LLM.Mock {
		mock := ai.NewMock()
		return mock, mock
	}
	small := ai.NewHTTPClient(ai.HTTPConfig{
		BaseURL:     k.config.LLM.SmallBaseURL,
		APIKey:      k.config.LLM.SmallAPIKey,
		Model:       k.config.LLM.SmallModel,
		Timeout:     k.config.LLM.SmallTimeout,
		MaxTokens:   1024,
		Temperature: 0.0,
	}, k.logger)
	large := ai.NewHTTPClient(ai.HTTPConfig{
		BaseURL:     k.config.LLM.LargeBaseURL,
		APIKey:      k.config.LLM.LargeAPIKey,
		Model:       k.config.LLM.LargeModel,
		Timeout:     k.config.LLM.LargeTimeout,
		MaxTokens:   2048,
		Temperature: 0.2,
	}, k.logger)
	return small, large
}

// processInteraction is the inbound queue's processor: pipeline then diff,
// with the per-session known-entities hint threaded through.
func (k *Kernel) processInteraction(ctx context.Context, ev pipeline.Interaction, level pipeline.ContextLevel) error {
	ev.EntitiesHint = k.mergeSessionHint(ev.SessionID, ev.EntitiesHint)

	delta, summary := k.pipe.Process(ctx, ev, level)
	if summary.Skipped {
		k.auditLog.Append(audit.Record{
			CorrelationID: delta.CorrelationID,
			Kind:          audit.KindInteractionSkipped,
			Component:     "pipeline",
			SessionID:     ev.SessionID,
			Reasoning:     summary.SkipReason,
		})
		return nil
	}
	if summary.Hallucinations > 0 {
		k.auditLog.Append(audit.Record{
			CorrelationID: delta.CorrelationID,
			Kind:          audit.KindHallucinationFlagged,
			Component:     "pipeline",
			SessionID:     ev.SessionID,
			Reasoning:     fmt.Sprintf("%d hallucination warnings", summary.Hallucinations),
		})
	}

	if _, err := k.diffEngine.Apply(delta); err != nil {
		return fmt.Errorf("failed to apply delta: %w", err)
	}
	k.rememberSessionEntities(ev.SessionID, delta)
	return nil
}

func (k *Kernel) mergeSessionHint(sessionID string, hint []string) []string {
	known, _ := k.sessionEntities.Get(sessionID)
	seen := make(map[string]bool, len(hint)+len(known))
	var merged []string
	for _, n := range append(append([]string{}, hint...), known...) {
		key := graph.FoldName(n)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		merged = append(merged, n)
	}
	return merged
}

func (k *Kernel) rememberSessionEntities(sessionID string, delta *diff.Delta) {
	if len(delta.Nodes) == 0 {
		return
	}
	known, _ := k.sessionEntities.Get(sessionID)
	seen := make(map[string]bool, len(known))
	for _, n := range known {
		seen[graph.FoldName(n)] = true
	}
	for _, pn := range delta.Nodes {
		if !seen[graph.FoldName(pn.Name)] {
			known = append(known, pn.Name)
		}
	}
	if len(known) > 64 {
		known = known[len(known)-64:]
	}
	k.sessionEntities.Add(sessionID, known)
}

func confidenceParams(cfg config.Config) confidence.Params {
	p := confidence.DefaultParams()
	c := cfg.Confidence
	p.BaseExplicit = c.BaseExplicit
	p.BaseObservational = c.BaseObservational
	p.BaseInferential = c.BaseInferential
	p.BaseReflective = c.BaseReflective
	p.HedgeNone = c.HedgeNone
	p.HedgeMild = c.HedgeMild
	p.HedgeModerate = c.HedgeModerate
	p.HedgeStrong = c.HedgeStrong
	p.ReinforcementBoost = c.ReinforcementBoost
	p.MaxConfidence = c.MaxConfidence
	p.ArchiveThreshold = c.ArchiveThreshold
	p.TraitDecayProtection = c.TraitDecayProtection
	p.DecayTrait = c.DecayTrait
	p.DecayState = c.DecayState
	p.DecayWish = c.DecayWish
	p.DecayEpisode = c.DecayEpisode
	if c.GracePeriod > 0 {
		p.GracePeriod = c.GracePeriod
	}
	p.MinStorageConfidence = cfg.Extraction.MinStorageConfidence
	return p
}
