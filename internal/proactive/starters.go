package proactive

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/knowledge-graph-memory/internal/ai"
	"github.com/knowledge-graph-memory/internal/audit"
	"github.com/knowledge-graph-memory/internal/graph"
	"github.com/knowledge-graph-memory/internal/queue"
)

// ExternalEvent is a normalized event from a poller (weather alert,
// calendar proximity, news match). Adapters normalize upstream formats;
// the engine only sees this shape.
type ExternalEvent struct {
	Source   string    `json:"source"`
	Subtype  string    `json:"subtype"` // alert, opportunity, revision, insight, anticipation
	Topics   []string  `json:"topics,omitempty"`
	Entities []string  `json:"entities,omitempty"`
	Summary  string    `json:"summary"`
	At       time.Time `json:"at"`
}

// HandleExternalEvent scores the event against the graph and, above the
// threshold, synthesizes a starter with a delivery window. Quiet hours push
// the window forward unless the subtype is an alert.
func (e *Engine) HandleExternalEvent(ctx context.Context, ev ExternalEvent) error {
	relevance, matched := e.scoreRelevance(ev)
	if relevance < e.config.StarterThreshold {
		e.logger.Debug("External event below starter threshold",
			zap.String("source", ev.Source),
			zap.Float64("relevance", relevance))
		return nil
	}

	now := time.Now().UTC()
	earliest := now
	if ev.Subtype != queue.SubtypeAlert {
		earliest = e.deferPastQuietHours(now)
	}

	item := &queue.Item{
		Kind:        queue.KindStarter,
		Subtype:     ev.Subtype,
		Payload:     e.synthesizeStarter(ctx, ev, matched),
		Priority:    relevance,
		ContextTags: ev.Topics,
		Entities:    ev.Entities,
		EarliestAt:  earliest,
		LatestAt:    now.Add(12 * time.Hour),
		Reasoning:   fmt.Sprintf("%s event scored %.2f against graph (matched %v)", ev.Source, relevance, matched),
	}
	if err := e.outbound.Enqueue(ctx, item); err != nil {
		return err
	}
	if e.log != nil {
		e.log.Append(audit.Record{
			Kind:      audit.KindStarterGenerated,
			Component: "proactive",
			Operation: audit.OpDecision,
			NewValue:  item.ID,
			Reasoning: item.Reasoning,
		})
	}
	e.logger.Info("Starter generated",
		zap.String("source", ev.Source),
		zap.String("subtype", ev.Subtype),
		zap.Float64("relevance", relevance))
	return nil
}

// scoreRelevance measures entity and topic overlap with the graph, weighted
// by the confidence of the knowledge that matches.
func (e *Engine) scoreRelevance(ev ExternalEvent) (float64, []string) {
	var matched []string
	entityScore := 0.0
	if len(ev.Entities) > 0 {
		hits := 0.0
		for _, name := range ev.Entities {
			if id, ok := e.store.ResolveName(name); ok {
				conf := e.maxEdgeConfidence(id)
				if conf > 0 {
					hits += conf
					matched = append(matched, name)
				}
			}
		}
		entityScore = hits / float64(len(ev.Entities))
	}

	topicScore := 0.0
	if len(ev.Topics) > 0 {
		hits := 0.0
		for _, topic := range ev.Topics {
			nodes := e.store.FindNodes("", topic, "")
			if len(nodes) == 0 {
				continue
			}
			best := 0.0
			for _, n := range nodes {
				if conf := e.maxEdgeConfidence(n.ID); conf > best {
					best = conf
				}
			}
			if best > 0 {
				hits += best
				matched = append(matched, topic)
			}
		}
		topicScore = hits / float64(len(ev.Topics))
	}

	return 0.6*entityScore + 0.4*topicScore, matched
}

func (e *Engine) maxEdgeConfidence(nodeID string) float64 {
	best := 0.0
	for _, edge := range e.store.Edges(graph.EdgeFilter{SourceID: nodeID}) {
		if edge.Confidence > best {
			best = edge.Confidence
		}
	}
	for _, edge := range e.store.Edges(graph.EdgeFilter{TargetID: nodeID}) {
		if edge.Confidence > best {
			best = edge.Confidence
		}
	}
	return best
}

func (e *Engine) synthesizeStarter(ctx context.Context, ev ExternalEvent, matched []string) string {
	prompt := fmt.Sprintf(`An assistant wants to open a conversation because of
this event: %s. The user cares about: %s. Write one short, natural opening
line. No preamble, no mention of being an AI. Respond with only the line.`,
		ev.Summary, strings.Join(matched, ", "))

	text, err := e.llm.Complete(ctx, ai.TierLarge, prompt)
	if err != nil || strings.TrimSpace(text) == "" {
		return ev.Summary
	}
	return strings.TrimSpace(strings.Trim(strings.TrimSpace(text), `"`))
}

// deferPastQuietHours returns the earliest non-quiet delivery time.
func (e *Engine) deferPastQuietHours(now time.Time) time.Time {
	start, end := e.config.QuietStartHour, e.config.QuietEndHour
	h := now.Hour()
	inQuiet := false
	if start > end {
		inQuiet = h >= start || h < end
	} else {
		inQuiet = h >= start && h < end
	}
	if !inQuiet {
		return now
	}
	next := time.Date(now.Year(), now.Month(), now.Day(), end, 0, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}
