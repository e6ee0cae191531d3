package workers

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/knowledge-graph-memory/internal/audit"
	"github.com/knowledge-graph-memory/internal/graph"
)

// RunRevisionCycle samples public facts whose last verification is older
// than the TTL and checks them against the external verifier: unchanged
// facts are reinforced, changed ones revised. The cycle is budget-bounded.
func (r *Runner) RunRevisionCycle(ctx context.Context) error {
	if r.verifier == nil {
		r.logger.Debug("Revision cycle skipped: no verifier configured")
		return nil
	}

	now := time.Now().UTC()
	checked := 0

	for _, edge := range r.store.AllActiveEdges() {
		if checked >= r.config.RevisionBudget {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if !r.isPublicFact(edge) {
			continue
		}
		if edge.LastVerified != nil && now.Sub(*edge.LastVerified) < r.config.VerificationTTL {
			continue
		}
		if now.Sub(edge.FirstObserved) < r.config.VerificationTTL && edge.LastVerified == nil {
			// Young facts get their first check once they age past the TTL.
			continue
		}

		statement, ok := r.renderStatement(edge)
		if !ok {
			continue
		}
		checked++

		confirmed, newValue, err := r.verifier.Verify(ctx, statement)
		if err != nil {
			r.logger.Warn("External verification failed",
				zap.String("edge_id", edge.ID), zap.Error(err))
			continue
		}

		if confirmed {
			if err := r.store.ReinforceEdge(edge.ID, r.conf.Reinforce(edge.Confidence), ""); err == nil {
				r.store.TouchVerified(edge.ID, now)
				if r.log != nil {
					r.log.Append(audit.Record{
						Kind:      audit.KindRevisionVerified,
						Component: "revision-worker",
						Operation: audit.OpReinforce,
						EdgeID:    edge.ID,
						Reasoning: "external verifier confirmed fact",
					})
				}
			}
			continue
		}

		if strings.TrimSpace(newValue) == "" {
			continue
		}
		targetID, err := r.store.UpsertNode(graph.KindConcept, newValue, nil, nil, graph.PrivacyPublic)
		if err != nil {
			continue
		}
		newID, err := r.store.ReviseEdge(edge.ID, graph.EdgeSpec{
			SourceID:   edge.SourceID,
			TargetID:   targetID,
			Relation:   edge.Relation,
			Confidence: r.conf.Base(graph.MechanismObservational),
			Temporal:   edge.Temporal,
			Mechanism:  graph.MechanismObservational,
			DecayRate:  edge.DecayRate,
			EpisodeID:  firstOrEmpty(edge.EpisodeIDs),
		}, "superseded")
		if err != nil {
			r.logger.Warn("Revision failed", zap.String("edge_id", edge.ID), zap.Error(err))
			continue
		}
		r.store.TouchVerified(newID, now)
		if r.log != nil {
			r.log.Append(audit.Record{
				Kind:      audit.KindRevisionVerified,
				Component: "revision-worker",
				Operation: audit.OpRevise,
				EdgeID:    newID,
				OldValue:  edge.ID,
				NewValue:  newValue,
				Reasoning: "external verifier reported changed value",
			})
		}
	}

	r.logger.Info("Revision cycle complete", zap.Int("checked", checked))
	return nil
}

// isPublicFact limits external verification to knowledge about public
// entities; personal facts are never sent to a verifier.
func (r *Runner) isPublicFact(edge *graph.Edge) bool {
	src, err := r.store.GetNode(edge.SourceID)
	if err != nil || src.Privacy > graph.PrivacyPlatform {
		return false
	}
	tgt, err := r.store.GetNode(edge.TargetID)
	if err != nil || tgt.Privacy > graph.PrivacyPlatform {
		return false
	}
	return true
}

func (r *Runner) renderStatement(edge *graph.Edge) (string, bool) {
	src, err := r.store.GetNode(edge.SourceID)
	if err != nil {
		return "", false
	}
	tgt, err := r.store.GetNode(edge.TargetID)
	if err != nil {
		return "", false
	}
	return fmt.Sprintf("%s %s %s", src.Name, strings.ReplaceAll(edge.Relation, "_", " "), tgt.Name), true
}

func firstOrEmpty(list []string) string {
	if len(list) == 0 {
		return ""
	}
	return list[0]
}
