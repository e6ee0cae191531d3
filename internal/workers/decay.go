package workers

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/knowledge-graph-memory/internal/audit"
)

// RunDecayCycle recomputes every active edge's confidence from the time
// elapsed since its last reinforcement and archives those that fall below
// the threshold.
func (r *Runner) RunDecayCycle(ctx context.Context) error {
	now := time.Now().UTC()
	decayed, archived := 0, 0

	for _, edge := range r.store.AllActiveEdges() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		elapsed := now.Sub(edge.LastReinforced)
		newConf := r.conf.Decay(edge.Confidence, edge.DecayRate, elapsed, edge.Temporal)
		if newConf == edge.Confidence {
			continue
		}

		if r.conf.ShouldArchive(newConf) {
			if err := r.store.ArchiveEdge(edge.ID); err != nil {
				r.logger.Warn("Archive failed", zap.String("edge_id", edge.ID), zap.Error(err))
				continue
			}
			archived++
			if r.log != nil {
				r.log.Append(audit.Record{
					Kind:             audit.KindEdgeArchived,
					Component:        "decay-worker",
					Operation:        audit.OpArchive,
					EdgeID:           edge.ID,
					ConfidenceBefore: edge.Confidence,
					ConfidenceAfter:  newConf,
					Reasoning:        "confidence below archive threshold after decay",
				})
			}
			continue
		}

		if err := r.store.DecayEdge(edge.ID, newConf); err != nil {
			r.logger.Warn("Decay update failed", zap.String("edge_id", edge.ID), zap.Error(err))
			continue
		}
		decayed++
	}

	r.logger.Info("Decay cycle complete",
		zap.Int("decayed", decayed),
		zap.Int("archived", archived))
	return nil
}
