// Package proactive implements the proactive engine: it watches graph
// mutations for knowledge gaps, scores external events against the graph,
// synthesizes probes and starters through the large model, and applies the
// risk model before anything reaches the outbound queue.
package proactive

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/knowledge-graph-memory/internal/ai"
	"github.com/knowledge-graph-memory/internal/audit"
	"github.com/knowledge-graph-memory/internal/diff"
	"github.com/knowledge-graph-memory/internal/graph"
	"github.com/knowledge-graph-memory/internal/queue"
)

// preferenceRelations open knowledge gaps: hearing about a category makes
// absent preferences in that category probe-worthy.
var preferenceRelations = map[string]bool{
	"likes": true, "loves": true, "prefers": true, "enjoys": true, "dislikes": true,
}

// Config holds the proactive engine's tunables.
type Config struct {
	// StarterThreshold is the minimum graph-relevance for a starter.
	StarterThreshold float64
	// Quiet hours suppress starters except alerts.
	QuietStartHour int
	QuietEndHour   int
	// ProbePriority is the base priority of generated probes.
	ProbePriority float64
	// ProbeWindow bounds probe delivery; afterwards the item obsoletes.
	ProbeWindow time.Duration
	// MinTurn is stamped on generated probes.
	MinTurn int
	// Risk model thresholds.
	Risk RiskConfig
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		StarterThreshold: 0.50,
		QuietStartHour:   22,
		QuietEndHour:     8,
		ProbePriority:    0.5,
		ProbeWindow:      7 * 24 * time.Hour,
		MinTurn:          3,
		Risk:             DefaultRiskConfig(),
	}
}

// Completer is the LLM surface the engine needs.
type Completer interface {
	Complete(ctx context.Context, tier ai.Tier, prompt string) (string, error)
}

// Engine is the proactive engine.
type Engine struct {
	store    *graph.Store
	llm      Completer
	outbound *queue.Outbound
	log      *audit.Log
	config   Config
	logger   *zap.Logger
}

// NewEngine creates a proactive engine.
func NewEngine(store *graph.Store, llm Completer, outbound *queue.Outbound, log *audit.Log, cfg Config, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{store: store, llm: llm, outbound: outbound, log: log, config: cfg, logger: logger}
}

// OnGraphEvent is the engine's bus subscription: every mutation is a chance
// for a new knowledge gap to have opened.
func (e *Engine) OnGraphEvent(ev graph.Event) error {
	if ev.Type != graph.EventEdgeAdded || ev.Edge == nil {
		return nil
	}
	if !preferenceRelations[ev.Edge.Relation] {
		return nil
	}
	category := categoryOf(ev.Edge)
	if category == "" {
		return nil
	}
	return e.probeKnowledgeGaps(context.Background(), category, ev.CorrelationID)
}

// probeKnowledgeGaps finds persons with no preference in the category the
// conversation just touched and enqueues at most one discovery probe.
func (e *Engine) probeKnowledgeGaps(ctx context.Context, category, correlationID string) error {
	for _, person := range e.store.FindNodes(graph.KindPerson, "", "") {
		if graph.FoldName(person.Name) == "user" {
			continue
		}
		if e.hasPreferenceInCategory(person.ID, category) {
			continue
		}
		question := e.synthesizeProbe(ctx, person.Name, category)
		item := &queue.Item{
			Kind:        queue.KindProbe,
			Subtype:     queue.SubtypePreferenceDiscovery,
			Payload:     question,
			Priority:    e.config.ProbePriority,
			ContextTags: []string{category},
			Entities:    []string{person.Name},
			MinTurn:     e.config.MinTurn,
			LatestAt:    time.Now().UTC().Add(e.config.ProbeWindow),
			Reasoning:   fmt.Sprintf("%s has no %s preference on record", person.Name, category),
		}
		if err := e.outbound.Enqueue(ctx, item); err != nil {
			return err
		}
		if e.log != nil {
			e.log.Append(audit.Record{
				CorrelationID: correlationID,
				Kind:          audit.KindProbeGenerated,
				Component:     "proactive",
				Operation:     audit.OpDecision,
				NewValue:      item.ID,
				Reasoning:     item.Reasoning,
			})
		}
		e.logger.Info("Knowledge-gap probe generated",
			zap.String("person", person.Name),
			zap.String("category", category))
		// One probe per mutation is plenty.
		return nil
	}
	return nil
}

// ContradictionProbe implements diff.ProbeSink: a contradiction below the
// revision margin becomes a fact-verification probe.
func (e *Engine) ContradictionProbe(req diff.VerificationRequest) {
	payload := fmt.Sprintf(
		"Last time we discussed this you said %s %s %s — has it changed?",
		req.SourceName, humanizeRelation(req.Relation), req.OldTargetName)
	item := &queue.Item{
		Kind:        queue.KindProbe,
		Subtype:     queue.SubtypeFactVerification,
		Payload:     payload,
		Priority:    0.7,
		ContextTags: req.ContextTags,
		Entities:    []string{req.SourceName},
		MinTurn:     e.config.MinTurn,
		LatestAt:    time.Now().UTC().Add(e.config.ProbeWindow),
		Reasoning: fmt.Sprintf("contradiction %s vs %s (%.2f vs %.2f) below revision margin",
			req.OldTargetName, req.NewTargetName, req.OldConfidence, req.NewConfidence),
	}
	if err := e.outbound.Enqueue(context.Background(), item); err != nil {
		e.logger.Error("Failed to enqueue verification probe", zap.Error(err))
		return
	}
	if e.log != nil {
		e.log.Append(audit.Record{
			CorrelationID: req.CorrelationID,
			Kind:          audit.KindProbeGenerated,
			Component:     "proactive",
			Operation:     audit.OpDecision,
			NewValue:      item.ID,
			Reasoning:     item.Reasoning,
		})
	}
}

// synthesizeProbe asks the large model for a natural phrasing; the template
// fallback keeps probes flowing when the model is down or over budget.
func (e *Engine) synthesizeProbe(ctx context.Context, person, category string) string {
	prompt := fmt.Sprintf(`Write one short, natural question an assistant could
ask to learn %s's preferences about %s. The question must be casual, a single
sentence, and must not mention being an AI or a knowledge graph. Respond with
only the question.`, person, category)

	text, err := e.llm.Complete(ctx, ai.TierLarge, prompt)
	if err != nil || strings.TrimSpace(text) == "" {
		return fmt.Sprintf("Does %s have a favorite when it comes to %s?", person, category)
	}
	return strings.TrimSpace(strings.Trim(strings.TrimSpace(text), `"`))
}

func (e *Engine) hasPreferenceInCategory(personID, category string) bool {
	for rel := range preferenceRelations {
		for _, edge := range e.store.ActiveEdgesFrom(personID, rel) {
			if categoryOf(edge) == category {
				return true
			}
			if node, err := e.store.GetNode(edge.TargetID); err == nil {
				if strings.Contains(graph.FoldName(node.Name), category) {
					return true
				}
			}
		}
	}
	return false
}

// categoryOf extracts the first non-channel context tag of an edge.
func categoryOf(edge *graph.Edge) string {
	for _, tag := range edge.ContextTags {
		switch tag {
		case "chat", "voice", "email":
			continue
		}
		return tag
	}
	return ""
}

func humanizeRelation(rel string) string {
	return strings.ReplaceAll(rel, "_", " ")
}
