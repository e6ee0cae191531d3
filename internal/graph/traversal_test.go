package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildFamilyGraph: User -married_to-> Lena -loves-> Malbec, Lena -works_at-> Acme.
func buildFamilyGraph(t *testing.T, s *Store) (user, lena, wine, acme string) {
	t.Helper()
	user = mustUpsert(t, s, KindPerson, "User")
	lena = mustUpsert(t, s, KindPerson, "Lena")
	wine = mustUpsert(t, s, KindConcept, "Malbec")
	acme = mustUpsert(t, s, KindOrganization, "Acme")
	mustEdge(t, s, user, lena, "married_to", 0.90)
	mustEdge(t, s, lena, wine, "loves", 0.85)
	mustEdge(t, s, lena, acme, "works_at", 0.70)
	return
}

func TestNeighborsHopLimits(t *testing.T) {
	s := newTestStore(t)
	user, lena, _, _ := buildFamilyGraph(t, s)

	one := s.Neighbors(user, 1, TraversalFilter{})
	require.Len(t, one, 1)
	assert.Equal(t, lena, one[0].Node.ID)
	assert.Equal(t, 1, one[0].Hops)

	two := s.Neighbors(user, 2, TraversalFilter{})
	assert.Len(t, two, 3, "two hops reach Lena, Malbec, and Acme")

	none := s.Neighbors("n_missing", 2, TraversalFilter{})
	assert.Empty(t, none)
}

func TestNeighborsPerLevelFilter(t *testing.T) {
	s := newTestStore(t)
	user, _, _, _ := buildFamilyGraph(t, s)

	// A confidence filter that excludes works_at prunes that branch.
	got := s.Neighbors(user, 2, TraversalFilter{MinConfidence: 0.80})
	names := map[string]bool{}
	for _, n := range got {
		names[n.Node.Name] = true
	}
	assert.True(t, names["Lena"])
	assert.True(t, names["Malbec"])
	assert.False(t, names["Acme"], "edges below min confidence do not extend the frontier")

	// Relation filter.
	got = s.Neighbors(user, 2, TraversalFilter{Relations: []string{"married_to"}})
	assert.Len(t, got, 1)
}

func TestSubgraphSeedsAndHops(t *testing.T) {
	s := newTestStore(t)
	_, _, _, _ = buildFamilyGraph(t, s)

	// max_hops=0 returns exactly the active edges between seed nodes.
	res := s.Subgraph([]string{"User", "Lena"}, TraversalFilter{}, 0)
	require.Len(t, res.Edges, 1)
	assert.Equal(t, "married_to", res.Edges[0].Relation)
	assert.Len(t, res.Nodes, 2)

	// One hop from Lena pulls in her whole neighborhood.
	res = s.Subgraph([]string{"lena"}, TraversalFilter{}, 1)
	assert.Len(t, res.Nodes, 4)
	assert.Len(t, res.Edges, 3)

	// Unknown seeds give an empty result, not an error.
	res = s.Subgraph([]string{"Nobody"}, TraversalFilter{}, 2)
	assert.True(t, res.Empty())
}

func TestSubgraphWholeGraph(t *testing.T) {
	s := newTestStore(t)
	buildFamilyGraph(t, s)

	res := s.Subgraph(nil, TraversalFilter{}, 3)
	assert.Len(t, res.Nodes, 4)
	assert.Len(t, res.Edges, 3)
}

func TestSubgraphEdgeOrdering(t *testing.T) {
	s := newTestStore(t)
	buildFamilyGraph(t, s)

	res := s.Subgraph(nil, TraversalFilter{}, 1)
	require.Len(t, res.Edges, 3)
	for i := 1; i < len(res.Edges); i++ {
		assert.GreaterOrEqual(t, res.Edges[i-1].Confidence, res.Edges[i].Confidence,
			"edges ordered by descending confidence")
	}
}

func TestSubgraphRelationAndConfidenceFilters(t *testing.T) {
	s := newTestStore(t)
	buildFamilyGraph(t, s)

	res := s.Subgraph(nil, TraversalFilter{Relations: []string{"loves"}}, 1)
	require.Len(t, res.Edges, 1)
	assert.Equal(t, "loves", res.Edges[0].Relation)

	res = s.Subgraph(nil, TraversalFilter{MinConfidence: 0.95}, 1)
	assert.Empty(t, res.Edges)
}

func TestSubgraphSeedResolutionPrefersExact(t *testing.T) {
	s := newTestStore(t)
	mustUpsert(t, s, KindPerson, "Lena")
	mustUpsert(t, s, KindPerson, "Lena Petrova")

	res := s.Subgraph([]string{"Lena"}, TraversalFilter{}, 0)
	require.Len(t, res.SeedNodeIDs, 1, "exact case-insensitive match wins over substring")

	res = s.Subgraph([]string{"Petro"}, TraversalFilter{}, 0)
	require.Len(t, res.SeedNodeIDs, 1, "substring fallback still resolves")
}
