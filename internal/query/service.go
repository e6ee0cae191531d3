// Package query implements the query surface: deterministic structured
// subgraph queries, the natural-language planner that translates questions
// into them, and the token-budgeted context block the agent injects into
// its prompt.
package query

import (
	"context"
	"fmt"
	"strings"

	"github.com/dgraph-io/ristretto/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/knowledge-graph-memory/internal/ai"
	"github.com/knowledge-graph-memory/internal/graph"
	"github.com/knowledge-graph-memory/internal/jsonx"
)

// Completer is the LLM surface the planner needs.
type Completer interface {
	Complete(ctx context.Context, tier ai.Tier, prompt string) (string, error)
}

// Config holds query surface configuration.
type Config struct {
	// CacheMaxCost bounds the hot-result cache (number of entries).
	CacheMaxCost int64
	// PlanCacheSize bounds the LRU of recent NL plans.
	PlanCacheSize int
	// MaxHops bounds traversal depth regardless of what a plan asks for.
	MaxHops int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		CacheMaxCost:  4096,
		PlanCacheSize: 256,
		MaxHops:       4,
	}
}

// Request is one structured query.
type Request struct {
	Entities      []string `json:"entities,omitempty"`
	Relations     []string `json:"relations,omitempty"`
	MinConfidence float64  `json:"min_confidence,omitempty"`
	MaxHops       int      `json:"max_hops,omitempty"`
}

// Service is the query surface.
type Service struct {
	store  *graph.Store
	llm    Completer
	config Config
	logger *zap.Logger

	cache *ristretto.Cache[string, *graph.SubgraphResult]
	plans *lru.Cache[string, *Plan]
}

// NewService creates the query surface.
func NewService(store *graph.Store, llm Completer, cfg Config, logger *zap.Logger) (*Service, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cache, err := ristretto.NewCache(&ristretto.Config[string, *graph.SubgraphResult]{
		NumCounters: cfg.CacheMaxCost * 10,
		MaxCost:     cfg.CacheMaxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create query cache: %w", err)
	}
	plans, err := lru.New[string, *Plan](cfg.PlanCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create plan cache: %w", err)
	}
	return &Service{store: store, llm: llm, config: cfg, logger: logger, cache: cache, plans: plans}, nil
}

// Structured runs a deterministic subgraph query. Results are cached until
// the next graph mutation.
func (s *Service) Structured(req Request) *graph.SubgraphResult {
	if req.MaxHops < 0 {
		req.MaxHops = 0
	}
	if req.MaxHops > s.config.MaxHops {
		req.MaxHops = s.config.MaxHops
	}

	key := cacheKey(req)
	if cached, ok := s.cache.Get(key); ok {
		return cached
	}

	result := s.store.Subgraph(req.Entities, graph.TraversalFilter{
		Relations:     req.Relations,
		MinConfidence: req.MinConfidence,
	}, req.MaxHops)

	s.cache.Set(key, result, 1)
	return result
}

// OnGraphEvent invalidates the result cache; registered on the event bus so
// reads never serve state older than the last committed mutation.
func (s *Service) OnGraphEvent(graph.Event) error {
	s.cache.Clear()
	return nil
}

func cacheKey(req Request) string {
	var sb strings.Builder
	sb.WriteString(strings.Join(req.Entities, ","))
	sb.WriteByte('|')
	sb.WriteString(strings.Join(req.Relations, ","))
	fmt.Fprintf(&sb, "|%.3f|%d", req.MinConfidence, req.MaxHops)
	return sb.String()
}

// ResultJSON serializes a result for transports; kept here so handlers all
// share one shape.
func (s *Service) ResultJSON(result *graph.SubgraphResult) ([]byte, error) {
	return jsonx.Marshal(result)
}
