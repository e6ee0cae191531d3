package workers

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/knowledge-graph-memory/internal/ai"
	"github.com/knowledge-graph-memory/internal/audit"
	"github.com/knowledge-graph-memory/internal/diff"
	"github.com/knowledge-graph-memory/internal/graph"
	"github.com/knowledge-graph-memory/internal/pipeline"
)

const inferencePromptTemplate = `Given two connected facts from a personal
knowledge graph, decide whether a third relation between the outer entities
is strongly implied.

Fact 1: %s %s %s
Fact 2: %s %s %s

If and only if a new relation between "%s" and "%s" is strongly implied,
respond with JSON: {"relation": "snake_case_relation", "plausible": true}.
Otherwise respond with {"plausible": false}. Respond with ONLY the JSON.`

type inferenceVerdict struct {
	Relation  string `json:"relation"`
	Plausible bool   `json:"plausible"`
}

// RunInferenceCycle walks two-hop paths looking for relations the large
// model can hypothesize. Candidates enter at inferential base confidence
// through the diff engine, capped per cycle; an exhausted token budget
// skips the cycle entirely.
func (r *Runner) RunInferenceCycle(ctx context.Context) error {
	if r.llm == nil {
		return nil
	}
	if r.budget != nil && r.budget.Exhausted(ctx, ai.TierLarge) {
		r.logger.Info("Inference cycle skipped: large model budget exhausted")
		return nil
	}

	now := time.Now().UTC()
	delta := &diff.Delta{
		CorrelationID: fmt.Sprintf("inference-%d", now.Unix()),
		SessionID:     "worker:inference",
		Turn:          int(now.Unix()),
		Channel:       "worker",
		OccurredAt:    now,
	}

	proposed := 0
	edges := r.store.AllActiveEdges()
	for _, first := range edges {
		if proposed >= r.config.InferenceCap {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		for _, second := range r.store.Edges(graph.EdgeFilter{SourceID: first.TargetID}) {
			if proposed >= r.config.InferenceCap {
				break
			}
			if second.TargetID == first.SourceID {
				continue
			}
			// The outer pair must not already be related.
			if existing := r.store.Edges(graph.EdgeFilter{SourceID: first.SourceID, TargetID: second.TargetID}); len(existing) > 0 {
				continue
			}

			fact, ok := r.hypothesize(ctx, first, second)
			if !ok {
				continue
			}
			delta.Facts = append(delta.Facts, fact)
			proposed++
		}
	}

	if proposed == 0 {
		r.logger.Debug("Inference cycle found no candidates")
		return nil
	}

	result, err := r.engine.Apply(delta)
	if err != nil {
		return fmt.Errorf("failed to apply inference delta: %w", err)
	}
	if r.log != nil {
		r.log.Append(audit.Record{
			CorrelationID: delta.CorrelationID,
			Kind:          audit.KindInferenceProposed,
			Component:     "inference-worker",
			Operation:     audit.OpDecision,
			Reasoning:     fmt.Sprintf("%d candidates, %d inserted", proposed, result.Inserted),
		})
	}
	r.logger.Info("Inference cycle complete",
		zap.Int("candidates", proposed),
		zap.Int("inserted", result.Inserted))
	return nil
}

func (r *Runner) hypothesize(ctx context.Context, first, second *graph.Edge) (diff.ProposedFact, bool) {
	srcName, midName, tgtName, ok := r.pathNames(first, second)
	if !ok {
		return diff.ProposedFact{}, false
	}

	prompt := fmt.Sprintf(inferencePromptTemplate,
		srcName, humanize(first.Relation), midName,
		midName, humanize(second.Relation), tgtName,
		srcName, tgtName)

	raw, err := r.llm.Complete(ctx, ai.TierLarge, prompt)
	if err != nil {
		r.logger.Debug("Inference hypothesis failed", zap.Error(err))
		return diff.ProposedFact{}, false
	}
	var verdict inferenceVerdict
	if !pipeline.RepairJSON(raw, &verdict) || !verdict.Plausible || verdict.Relation == "" {
		return diff.ProposedFact{}, false
	}

	return diff.ProposedFact{
		SourceName: srcName,
		TargetName: tgtName,
		Relation:   verdict.Relation,
		Confidence: r.conf.Base(graph.MechanismInferential),
		Temporal:   graph.TemporalState,
		Mechanism:  graph.MechanismInferential,
		Flags:      []string{"inferred"},
		DecayRate:  r.conf.DecayRate(graph.TemporalState),
	}, true
}

func (r *Runner) pathNames(first, second *graph.Edge) (string, string, string, bool) {
	src, err := r.store.GetNode(first.SourceID)
	if err != nil {
		return "", "", "", false
	}
	mid, err := r.store.GetNode(first.TargetID)
	if err != nil {
		return "", "", "", false
	}
	tgt, err := r.store.GetNode(second.TargetID)
	if err != nil {
		return "", "", "", false
	}
	return src.Name, mid.Name, tgt.Name, true
}

func humanize(rel string) string {
	out := make([]byte, 0, len(rel))
	for i := 0; i < len(rel); i++ {
		if rel[i] == '_' {
			out = append(out, ' ')
		} else {
			out = append(out, rel[i])
		}
	}
	return string(out)
}
