package diff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/knowledge-graph-memory/internal/audit"
	"github.com/knowledge-graph-memory/internal/confidence"
	"github.com/knowledge-graph-memory/internal/graph"
)

type probeRecorder struct {
	requests []VerificationRequest
}

func (p *probeRecorder) ContradictionProbe(req VerificationRequest) {
	p.requests = append(p.requests, req)
}

func newTestEngine(t *testing.T) (*Engine, *graph.Store, *probeRecorder) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	store := graph.NewStore(graph.DefaultStoreConfig(), logger)
	conf := confidence.NewEngine(confidence.DefaultParams())
	log, err := audit.New(nil, nil, audit.Config{Enabled: true}, logger)
	require.NoError(t, err)
	engine := NewEngine(store, conf, log, logger)
	probes := &probeRecorder{}
	engine.SetProbeSink(probes)
	return engine, store, probes
}

func explicitFact(source, relation, target string, conf float64) ProposedFact {
	return ProposedFact{
		SourceName: source,
		TargetName: target,
		Relation:   relation,
		Confidence: conf,
		Temporal:   graph.TemporalTrait,
		Mechanism:  graph.MechanismExplicit,
	}
}

func wifeDelta(turn int, facts ...ProposedFact) *Delta {
	return &Delta{
		CorrelationID: "corr-1",
		SessionID:     "s1",
		Turn:          turn,
		Channel:       "chat",
		OccurredAt:    time.Now().UTC(),
		Nodes: []ProposedNode{
			{Kind: graph.KindPerson, Name: "User"},
			{Kind: graph.KindPerson, Name: "Lena"},
			{Kind: graph.KindConcept, Name: "Malbec"},
		},
		Facts: facts,
	}
}

func TestInsertExplicitPreference(t *testing.T) {
	engine, store, _ := newTestEngine(t)

	result, err := engine.Apply(wifeDelta(1,
		explicitFact("User", "married_to", "Lena", 0.90),
		explicitFact("Lena", "loves", "Malbec", 0.90),
	))
	require.NoError(t, err)

	assert.Equal(t, 2, result.Inserted)
	assert.NotEmpty(t, result.EpisodeID)

	lena, ok := store.ResolveName("Lena")
	require.True(t, ok)
	wine, ok := store.ResolveName("Malbec")
	require.True(t, ok)

	edge := store.FindActiveEdge(lena, "loves", wine)
	require.NotNil(t, edge)
	assert.InDelta(t, 0.90, edge.Confidence, 1e-9)
	assert.Equal(t, graph.MechanismExplicit, edge.Mechanism)
	assert.Contains(t, edge.EpisodeIDs, result.EpisodeID)
}

func TestReinforceExistingEdge(t *testing.T) {
	engine, store, _ := newTestEngine(t)

	_, err := engine.Apply(wifeDelta(1, explicitFact("Lena", "loves", "Malbec", 0.90)))
	require.NoError(t, err)

	result, err := engine.Apply(wifeDelta(2, explicitFact("Lena", "loves", "Malbec", 0.88)))
	require.NoError(t, err)
	assert.Equal(t, 1, result.Reinforced)
	assert.Equal(t, 0, result.Inserted)

	lena, _ := store.ResolveName("Lena")
	wine, _ := store.ResolveName("Malbec")
	edge := store.FindActiveEdge(lena, "loves", wine)
	require.NotNil(t, edge)
	assert.InDelta(t, 0.908, edge.Confidence, 1e-9, "0.90 + 0.08*(1-0.90)")
}

func TestMergeSpecificRefinement(t *testing.T) {
	engine, store, _ := newTestEngine(t)

	_, err := engine.Apply(wifeDelta(1, explicitFact("Lena", "loves", "Malbec", 0.90)))
	require.NoError(t, err)

	delta := wifeDelta(2, explicitFact("Lena", "prefers", "Malbec 2018", 0.90))
	delta.Nodes = append(delta.Nodes, ProposedNode{Kind: graph.KindConcept, Name: "Malbec 2018"})
	result, err := engine.Apply(delta)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Merged)
	assert.Equal(t, 0, result.Inserted)

	lena, _ := store.ResolveName("Lena")
	vintage, _ := store.ResolveName("Malbec 2018")
	specific := store.FindActiveEdge(lena, "prefers", vintage)
	require.NotNil(t, specific)
	assert.NotEmpty(t, specific.RefinesEdgeID, "specific edge links to the general one")

	wine, _ := store.ResolveName("Malbec")
	general := store.FindActiveEdge(lena, "loves", wine)
	assert.NotNil(t, general, "general edge is kept")
}

func TestContradictionRevisesWhenMarginCleared(t *testing.T) {
	engine, store, _ := newTestEngine(t)

	delta := wifeDelta(1, ProposedFact{
		SourceName: "Lena", TargetName: "47", Relation: "age",
		Confidence: 0.80, Temporal: graph.TemporalState, Mechanism: graph.MechanismObservational,
	})
	delta.Nodes = append(delta.Nodes, ProposedNode{Kind: graph.KindConcept, Name: "47"})
	_, err := engine.Apply(delta)
	require.NoError(t, err)

	delta2 := wifeDelta(2, ProposedFact{
		SourceName: "Lena", TargetName: "46", Relation: "age",
		Confidence: 0.90, Temporal: graph.TemporalState, Mechanism: graph.MechanismExplicit,
	})
	delta2.Nodes = append(delta2.Nodes, ProposedNode{Kind: graph.KindConcept, Name: "46"})
	result, err := engine.Apply(delta2)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Revised)

	lena, _ := store.ResolveName("Lena")
	ages := store.ActiveEdgesFrom(lena, "age")
	require.Len(t, ages, 1, "one active age after revision")

	tgt, err := store.GetNode(ages[0].TargetID)
	require.NoError(t, err)
	assert.Equal(t, "46", tgt.Name)

	old := store.Edges(graph.EdgeFilter{SourceID: lena, Relation: "age", IncludeInactive: true})
	require.Len(t, old, 2)
	for _, e := range old {
		if e.ID != ages[0].ID {
			assert.True(t, e.Retracted)
			assert.Equal(t, "superseded", e.RetractionReason)
		}
	}
}

func TestContradictionBelowMarginEmitsProbe(t *testing.T) {
	engine, store, probes := newTestEngine(t)

	delta := wifeDelta(1, ProposedFact{
		SourceName: "Lena", TargetName: "47", Relation: "age",
		Confidence: 0.80, Temporal: graph.TemporalState, Mechanism: graph.MechanismExplicit,
	})
	delta.Nodes = append(delta.Nodes, ProposedNode{Kind: graph.KindConcept, Name: "47"})
	_, err := engine.Apply(delta)
	require.NoError(t, err)

	delta2 := wifeDelta(2, ProposedFact{
		SourceName: "Lena", TargetName: "46", Relation: "age",
		Confidence: 0.85, Temporal: graph.TemporalState, Mechanism: graph.MechanismObservational,
	})
	delta2.Nodes = append(delta2.Nodes, ProposedNode{Kind: graph.KindConcept, Name: "46"})
	result, err := engine.Apply(delta2)
	require.NoError(t, err)

	assert.Equal(t, 0, result.Revised)
	assert.Equal(t, 1, result.Probes)
	require.Len(t, probes.requests, 1)
	assert.Equal(t, "47", probes.requests[0].OldTargetName)
	assert.Equal(t, "46", probes.requests[0].NewTargetName)

	// The old value stays active.
	lena, _ := store.ResolveName("Lena")
	ages := store.ActiveEdgesFrom(lena, "age")
	require.Len(t, ages, 1)
	tgt, _ := store.GetNode(ages[0].TargetID)
	assert.Equal(t, "47", tgt.Name)
}

func TestSkipBelowStorageThreshold(t *testing.T) {
	engine, store, _ := newTestEngine(t)

	result, err := engine.Apply(wifeDelta(1, explicitFact("Lena", "might_try", "Malbec", 0.10)))
	require.NoError(t, err)
	assert.Equal(t, 1, result.Skipped)
	assert.Equal(t, 0, result.Inserted)

	lena, _ := store.ResolveName("Lena")
	assert.Empty(t, store.ActiveEdgesFrom(lena, "might_try"))
}

func TestReapplySameDeltaIsIdempotent(t *testing.T) {
	engine, store, _ := newTestEngine(t)

	delta := wifeDelta(1,
		explicitFact("User", "married_to", "Lena", 0.90),
		explicitFact("Lena", "loves", "Malbec", 0.90),
	)
	first, err := engine.Apply(delta)
	require.NoError(t, err)

	snapshotBefore := store.TakeSnapshot(true)

	second, err := engine.Apply(delta)
	require.NoError(t, err)
	assert.Equal(t, first.EpisodeID, second.EpisodeID, "episode reused on replay")
	assert.Equal(t, 0, second.Inserted)
	assert.Equal(t, 0, second.Reinforced)
	assert.Equal(t, 2, second.Skipped)

	snapshotAfter := store.TakeSnapshot(true)
	assert.Equal(t, len(snapshotBefore.Edges), len(snapshotAfter.Edges))
	for i := range snapshotBefore.Edges {
		assert.InDelta(t, snapshotBefore.Edges[i].Confidence, snapshotAfter.Edges[i].Confidence, 1e-12)
	}
}

func TestRetractionOp(t *testing.T) {
	engine, store, _ := newTestEngine(t)

	_, err := engine.Apply(wifeDelta(1, explicitFact("Lena", "loves", "Malbec", 0.90)))
	require.NoError(t, err)

	delta := wifeDelta(2)
	delta.Retractions = []ProposedRetraction{{SourceName: "Lena", TargetName: "Malbec"}}
	result, err := engine.Apply(delta)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Retracted)

	lena, _ := store.ResolveName("Lena")
	assert.Empty(t, store.ActiveEdgesFrom(lena, "loves"))
}

func TestAutoCreatesUndeclaredEntities(t *testing.T) {
	engine, store, _ := newTestEngine(t)

	// A fact referencing an entity missing from the node list still lands;
	// the endpoint is auto-created as a concept.
	delta := &Delta{
		SessionID: "s1", Turn: 1, OccurredAt: time.Now().UTC(),
		Facts: []ProposedFact{explicitFact("User", "likes", "Bouldering", 0.85)},
	}
	result, err := engine.Apply(delta)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Inserted)

	id, ok := store.ResolveName("Bouldering")
	require.True(t, ok)
	n, err := store.GetNode(id)
	require.NoError(t, err)
	assert.Equal(t, graph.KindConcept, n.Kind)
}

func TestClassifyVerdicts(t *testing.T) {
	engine, _, _ := newTestEngine(t)

	_, err := engine.Apply(wifeDelta(1,
		explicitFact("Lena", "loves", "Malbec", 0.90),
		ProposedFact{SourceName: "Lena", TargetName: "47", Relation: "age",
			Confidence: 0.80, Temporal: graph.TemporalState, Mechanism: graph.MechanismExplicit},
	))
	require.NoError(t, err)

	assert.Equal(t, ClassReinforce, engine.Classify(explicitFact("Lena", "loves", "Malbec", 0.9)))
	assert.Equal(t, ClassContradict, engine.Classify(explicitFact("Lena", "age", "46", 0.9)))
	assert.Equal(t, ClassSkip, engine.Classify(explicitFact("Lena", "hates", "Mondays", 0.1)))
	assert.Equal(t, ClassMerge, engine.Classify(explicitFact("Lena", "prefers", "Malbec 2018", 0.9)))
	assert.Equal(t, ClassInsert, engine.Classify(explicitFact("Lena", "works_at", "Acme", 0.9)))
}
