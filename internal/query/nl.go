package query

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/knowledge-graph-memory/internal/ai"
	"github.com/knowledge-graph-memory/internal/graph"
	"github.com/knowledge-graph-memory/internal/pipeline"
)

// Plan is the structured query the NL planner produced for a question.
type Plan struct {
	Entities      []string `json:"entities"`
	Relations     []string `json:"relations,omitempty"`
	MinConfidence float64  `json:"min_confidence"`
	MaxHops       int      `json:"max_hops"`
	Reasoning     string   `json:"reasoning,omitempty"`
	Fallback      bool     `json:"fallback,omitempty"`
}

// IsBroad reports whether the plan has no entity seeds (whole-graph search).
func (p *Plan) IsBroad() bool { return len(p.Entities) == 0 }

const nlPromptTemplate = `You are a query planner for a knowledge graph.
Translate the question into a structured graph query.

The graph contains these ENTITIES:
%s

The graph has these RELATION TYPES:
%s

RULES:
- Pick the graph entities relevant to the question. Resolve relationship
  references ("my wife") to the actual entity name.
- Pick relation types that would answer the question, or null for all.
- max_hops: 1 for direct connections, 2 for connections-of-connections.
- If the question is broad or no entity matches, return an empty entities
  list (whole-graph search).

Respond with ONLY valid JSON, no other text:
{"entities": ["..."], "relations": ["..."], "min_confidence": 0.0, "max_hops": 1, "reasoning": "..."}

QUESTION:
%s`

// PlanNL translates a natural-language question into a Plan. LLM failure or
// unparseable output falls back to a broad whole-graph plan. Plans cache on
// the question plus a coarse graph version (its node count), so repeated
// questions in one conversation skip the model.
func (s *Service) PlanNL(ctx context.Context, question string) *Plan {
	stats := s.store.GetStats()
	cacheKey := fmt.Sprintf("%s|%d", graph.FoldName(question), stats.NodeCount)
	if plan, ok := s.plans.Get(cacheKey); ok {
		return plan
	}

	prompt := fmt.Sprintf(nlPromptTemplate, s.entityList(), s.relationList(), question)
	raw, err := s.llm.Complete(ctx, ai.TierSmall, prompt)
	if err != nil {
		s.logger.Warn("NL planner LLM call failed", zap.Error(err))
		return s.fallbackPlan()
	}

	var plan Plan
	if !pipeline.RepairJSON(raw, &plan) {
		s.logger.Warn("NL plan unparseable, falling back to broad search",
			zap.String("raw", truncate(raw, 200)))
		return s.fallbackPlan()
	}

	if plan.MinConfidence < 0 {
		plan.MinConfidence = 0
	}
	if plan.MinConfidence > 1 {
		plan.MinConfidence = 1
	}
	if plan.MaxHops <= 0 {
		plan.MaxHops = 1
	}
	if plan.MaxHops > s.config.MaxHops {
		plan.MaxHops = s.config.MaxHops
	}

	s.plans.Add(cacheKey, &plan)
	return &plan
}

// QueryNL plans and executes in one call. Broad plans rank the whole graph
// by recency times confidence instead of confidence alone.
func (s *Service) QueryNL(ctx context.Context, question string) (*graph.SubgraphResult, *Plan) {
	plan := s.PlanNL(ctx, question)
	result := s.Execute(plan)
	return result, plan
}

// Execute runs a plan against the structured engine.
func (s *Service) Execute(plan *Plan) *graph.SubgraphResult {
	result := s.Structured(Request{
		Entities:      plan.Entities,
		Relations:     plan.Relations,
		MinConfidence: plan.MinConfidence,
		MaxHops:       plan.MaxHops,
	})
	if plan.IsBroad() {
		rankByRecencyConfidence(result.Edges)
	}
	return result
}

func (s *Service) fallbackPlan() *Plan {
	return &Plan{
		MaxHops:   2,
		Reasoning: "fallback: could not plan the question, broad search",
		Fallback:  true,
	}
}

func (s *Service) entityList() string {
	nodes := s.store.FindNodes("", "", "")
	if len(nodes) == 0 {
		return "  (graph is empty)"
	}
	var sb strings.Builder
	for i, n := range nodes {
		if i >= 200 {
			fmt.Fprintf(&sb, "  ... and %d more\n", len(nodes)-i)
			break
		}
		fmt.Fprintf(&sb, "  - %s (%s)\n", n.Name, n.Kind)
	}
	return strings.TrimRight(sb.String(), "\n")
}

func (s *Service) relationList() string {
	seen := make(map[string]bool)
	for _, e := range s.store.AllActiveEdges() {
		seen[e.Relation] = true
	}
	if len(seen) == 0 {
		return "  (no relations yet)"
	}
	rels := make([]string, 0, len(seen))
	for r := range seen {
		rels = append(rels, r)
	}
	sort.Strings(rels)
	var sb strings.Builder
	for _, r := range rels {
		fmt.Fprintf(&sb, "  - %s\n", r)
	}
	return strings.TrimRight(sb.String(), "\n")
}

// rankByRecencyConfidence reorders edges by confidence weighted with a
// 30-day recency half-life.
func rankByRecencyConfidence(edges []*graph.Edge) {
	now := time.Now().UTC()
	score := func(e *graph.Edge) float64 {
		ageDays := now.Sub(e.LastReinforced).Hours() / 24
		return e.Confidence * math.Exp2(-ageDays/30)
	}
	sort.SliceStable(edges, func(i, j int) bool {
		return score(edges[i]) > score(edges[j])
	})
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
