// Package workers implements the scheduled background cycles: confidence
// decay, public-fact revision, cross-context inference, and episode
// clustering. Workers mutate the graph through the same store and diff
// operations as the online path, so their changes appear on the event bus
// and in the audit log identically.
package workers

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/knowledge-graph-memory/internal/ai"
	"github.com/knowledge-graph-memory/internal/audit"
	"github.com/knowledge-graph-memory/internal/confidence"
	"github.com/knowledge-graph-memory/internal/diff"
	"github.com/knowledge-graph-memory/internal/graph"
)

// Config holds the worker schedules and per-cycle budgets.
type Config struct {
	DecayInterval      time.Duration
	RevisionInterval   time.Duration
	InferenceInterval  time.Duration
	ClusteringInterval time.Duration

	// RevisionBudget bounds how many facts one revision cycle verifies.
	RevisionBudget int
	// VerificationTTL is how stale a public fact may get before the
	// revision worker rechecks it.
	VerificationTTL time.Duration
	// InferenceCap bounds candidate edges per inference cycle.
	InferenceCap int
	// ClusterMinEpisodes is the smallest episode cluster worth promoting.
	ClusterMinEpisodes int
	// ExperienceConfidence is the starting confidence of promoted
	// Experience nodes.
	ExperienceConfidence float64
	// CycleTimeout bounds any single cycle.
	CycleTimeout time.Duration
}

// DefaultConfig returns the documented defaults: decay and clustering
// weekly, revision and inference nightly.
func DefaultConfig() Config {
	return Config{
		DecayInterval:        7 * 24 * time.Hour,
		RevisionInterval:     24 * time.Hour,
		InferenceInterval:    24 * time.Hour,
		ClusteringInterval:   7 * 24 * time.Hour,
		RevisionBudget:       25,
		VerificationTTL:      30 * 24 * time.Hour,
		InferenceCap:         10,
		ClusterMinEpisodes:   3,
		ExperienceConfidence: 0.50,
		CycleTimeout:         5 * time.Minute,
	}
}

// Verifier is the external fact-checking capability used by the revision
// cycle. Out of scope here; a nil verifier skips the cycle.
type Verifier interface {
	Verify(ctx context.Context, statement string) (confirmed bool, newValue string, err error)
}

// Completer is the LLM surface the inference cycle needs.
type Completer interface {
	Complete(ctx context.Context, tier ai.Tier, prompt string) (string, error)
}

// Runner owns the four background loops.
type Runner struct {
	store    *graph.Store
	engine   *diff.Engine
	conf     *confidence.Engine
	llm      Completer
	verifier Verifier
	log      *audit.Log
	budget   *ai.TokenBudget
	config   Config
	logger   *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRunner creates the background worker runner.
func NewRunner(store *graph.Store, engine *diff.Engine, conf *confidence.Engine, llm Completer, verifier Verifier, log *audit.Log, budget *ai.TokenBudget, cfg Config, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		store: store, engine: engine, conf: conf, llm: llm,
		verifier: verifier, log: log, budget: budget, config: cfg, logger: logger,
	}
}

// Start launches all cycles.
func (r *Runner) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	r.cancel = cancel

	r.launch(ctx, "decay", r.config.DecayInterval, r.RunDecayCycle)
	r.launch(ctx, "revision", r.config.RevisionInterval, r.RunRevisionCycle)
	r.launch(ctx, "inference", r.config.InferenceInterval, r.RunInferenceCycle)
	r.launch(ctx, "clustering", r.config.ClusteringInterval, r.RunClusteringCycle)
}

// Stop halts all cycles and waits for in-flight ones to finish.
func (r *Runner) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

func (r *Runner) launch(ctx context.Context, name string, interval time.Duration, cycle func(context.Context) error) {
	if interval <= 0 {
		r.logger.Info("Worker disabled", zap.String("worker", name))
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.Error("Panic in worker loop",
					zap.String("worker", name),
					zap.Any("panic", rec),
					zap.Stack("stacktrace"))
			}
		}()

		r.logger.Info("Worker started",
			zap.String("worker", name),
			zap.Duration("interval", interval))

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				r.logger.Info("Worker stopped", zap.String("worker", name))
				return
			case <-ticker.C:
				cctx, cancel := context.WithTimeout(ctx, r.config.CycleTimeout)
				if err := cycle(cctx); err != nil {
					r.logger.Error("Worker cycle failed",
						zap.String("worker", name), zap.Error(err))
				}
				cancel()
			}
		}
	}()
}
