package workers

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/knowledge-graph-memory/internal/audit"
	"github.com/knowledge-graph-memory/internal/graph"
)

// RunClusteringCycle groups related episodes and promotes reinforced
// patterns to Experience nodes: derived generalizations with back-links to
// the contributing episodes.
func (r *Runner) RunClusteringCycle(ctx context.Context) error {
	episodes := r.store.Episodes()
	if len(episodes) < r.config.ClusterMinEpisodes {
		return nil
	}

	// Cluster key: channel plus the dominant relation among the edges the
	// episode contributed to.
	clusters := make(map[string][]*graph.Episode)
	for _, ep := range episodes {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		rel := r.dominantRelation(ep)
		if rel == "" {
			continue
		}
		key := ep.Channel + "|" + rel
		clusters[key] = append(clusters[key], ep)
	}

	promoted := 0
	keys := make([]string, 0, len(clusters))
	for k := range clusters {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		cluster := clusters[key]
		if len(cluster) < r.config.ClusterMinEpisodes {
			continue
		}
		parts := strings.SplitN(key, "|", 2)
		channel, relation := parts[0], parts[1]

		name := fmt.Sprintf("Recurring %s pattern on %s", strings.ReplaceAll(relation, "_", " "), channel)
		episodeIDs := make([]string, 0, len(cluster))
		sentiment := 0.0
		for _, ep := range cluster {
			episodeIDs = append(episodeIDs, ep.ID)
			sentiment += ep.Sentiment
		}
		sentiment /= float64(len(cluster))

		nodeID, err := r.store.UpsertNode(graph.KindExperience, name, nil, map[string]any{
			"description":         fmt.Sprintf("User repeatedly expresses %q in %s conversations", relation, channel),
			"applicability":       fmt.Sprintf("channel=%s", channel),
			"confidence":          r.config.ExperienceConfidence,
			"reinforcement_count": len(cluster),
			"avg_sentiment":       sentiment,
			"episode_ids":         episodeIDs,
		}, graph.PrivacyPersonal)
		if err != nil {
			r.logger.Warn("Experience promotion failed", zap.String("name", name), zap.Error(err))
			continue
		}

		// Link the user to the derived experience so queries reach it.
		if userID, ok := r.store.ResolveName("User"); ok {
			if existing := r.store.FindActiveEdge(userID, "exhibits", nodeID); existing == nil {
				_, err = r.store.CreateEdge(graph.EdgeSpec{
					SourceID:   userID,
					TargetID:   nodeID,
					Relation:   "exhibits",
					Confidence: r.config.ExperienceConfidence,
					Temporal:   graph.TemporalTrait,
					Mechanism:  graph.MechanismReflective,
					DecayRate:  r.conf.DecayRate(graph.TemporalTrait),
					EpisodeID:  episodeIDs[0],
				})
				if err != nil {
					r.logger.Warn("Experience link failed", zap.Error(err))
				}
			}
		}

		promoted++
		if r.log != nil {
			r.log.Append(audit.Record{
				Kind:      audit.KindExperiencePromoted,
				Component: "clustering-worker",
				Operation: audit.OpInsert,
				NodeID:    nodeID,
				NewValue:  name,
				Reasoning: fmt.Sprintf("%d episodes clustered on %s", len(cluster), key),
			})
		}
	}

	r.logger.Info("Clustering cycle complete",
		zap.Int("clusters", len(clusters)),
		zap.Int("promoted", promoted))
	return nil
}

// dominantRelation returns the most common relation among the edges an
// episode contributed to.
func (r *Runner) dominantRelation(ep *graph.Episode) string {
	counts := make(map[string]int)
	for _, eid := range ep.EdgeIDs {
		edge, err := r.store.GetEdge(eid)
		if err != nil {
			continue
		}
		counts[edge.Relation]++
	}
	best, bestN := "", 0
	for rel, n := range counts {
		if n > bestN || (n == bestN && rel < best) {
			best, bestN = rel, n
		}
	}
	return best
}
