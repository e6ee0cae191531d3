package workers

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knowledge-graph-memory/internal/diff"
	"github.com/knowledge-graph-memory/internal/graph"
)

func TestClusteringPromotesExperience(t *testing.T) {
	runner, store := newTestRunner(t)

	// Three episodes in the same channel, all contributing "prefers" edges.
	for turn := 1; turn <= 3; turn++ {
		delta := &diff.Delta{
			SessionID:  "s1",
			Turn:       turn,
			Channel:    "chat",
			OccurredAt: time.Now().UTC(),
			Nodes: []diff.ProposedNode{
				{Kind: graph.KindPerson, Name: "User"},
				{Kind: graph.KindConcept, Name: "Short reviews " + string(rune('a'+turn))},
			},
			Facts: []diff.ProposedFact{{
				SourceName: "User",
				TargetName: "Short reviews " + string(rune('a'+turn)),
				Relation:   "prefers",
				Confidence: 0.85,
				Temporal:   graph.TemporalTrait,
				Mechanism:  graph.MechanismExplicit,
			}},
		}
		_, err := runner.engine.Apply(delta)
		require.NoError(t, err)
	}

	require.NoError(t, runner.RunClusteringCycle(context.Background()))

	experiences := store.FindNodes(graph.KindExperience, "", "")
	require.Len(t, experiences, 1, "a reinforced pattern promotes one experience node")

	exp := experiences[0]
	assert.Contains(t, exp.Name, "prefers")
	ids, ok := exp.Properties["episode_ids"].([]string)
	require.True(t, ok)
	assert.Len(t, ids, 3, "experience back-links its contributing episodes")

	// The user links to the derived experience.
	userID, ok := store.ResolveName("User")
	require.True(t, ok)
	link := store.FindActiveEdge(userID, "exhibits", exp.ID)
	require.NotNil(t, link)
	assert.Equal(t, graph.MechanismReflective, link.Mechanism)
	assert.InDelta(t, 0.50, link.Confidence, 1e-9)
}

func TestClusteringNeedsMinimumEpisodes(t *testing.T) {
	runner, store := newTestRunner(t)

	delta := &diff.Delta{
		SessionID: "s1", Turn: 1, Channel: "chat", OccurredAt: time.Now().UTC(),
		Facts: []diff.ProposedFact{{
			SourceName: "User", TargetName: "Tea", Relation: "prefers",
			Confidence: 0.85, Temporal: graph.TemporalTrait, Mechanism: graph.MechanismExplicit,
		}},
	}
	_, err := runner.engine.Apply(delta)
	require.NoError(t, err)

	require.NoError(t, runner.RunClusteringCycle(context.Background()))
	assert.Empty(t, store.FindNodes(graph.KindExperience, "", ""))
}
