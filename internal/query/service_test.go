package query

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/knowledge-graph-memory/internal/ai"
	"github.com/knowledge-graph-memory/internal/graph"
)

type tierMock struct{ mock *ai.Mock }

func (m *tierMock) Complete(ctx context.Context, _ ai.Tier, prompt string) (string, error) {
	return m.mock.Complete(ctx, prompt)
}

func newTestService(t *testing.T) (*Service, *graph.Store, *ai.Mock) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	store := graph.NewStore(graph.DefaultStoreConfig(), logger)
	mock := ai.NewMock()
	svc, err := NewService(store, &tierMock{mock: mock}, DefaultConfig(), logger)
	require.NoError(t, err)
	return svc, store, mock
}

func seedWifeGraph(t *testing.T, store *graph.Store) {
	t.Helper()
	user, err := store.UpsertNode(graph.KindPerson, "User", nil, nil, graph.PrivacyPersonal)
	require.NoError(t, err)
	lena, err := store.UpsertNode(graph.KindPerson, "Lena", []string{"my wife"}, nil, graph.PrivacyPersonal)
	require.NoError(t, err)
	wine, err := store.UpsertNode(graph.KindConcept, "Malbec", nil, nil, graph.PrivacyPersonal)
	require.NoError(t, err)

	store.AddEpisode(&graph.Episode{ID: "ep_1", SessionID: "s1", Turn: 1})
	_, err = store.CreateEdge(graph.EdgeSpec{
		SourceID: user, TargetID: lena, Relation: "married_to",
		Confidence: 0.9, Temporal: graph.TemporalTrait,
		Mechanism: graph.MechanismExplicit, EpisodeID: "ep_1",
	})
	require.NoError(t, err)
	_, err = store.CreateEdge(graph.EdgeSpec{
		SourceID: lena, TargetID: wine, Relation: "loves",
		Confidence: 0.85, Temporal: graph.TemporalTrait,
		Mechanism: graph.MechanismExplicit, EpisodeID: "ep_1",
		ContextTags: []string{"wine"},
	})
	require.NoError(t, err)
}

func TestStructuredQuery(t *testing.T) {
	svc, store, _ := newTestService(t)
	seedWifeGraph(t, store)

	res := svc.Structured(Request{Entities: []string{"Lena"}, MaxHops: 1})
	assert.Len(t, res.Nodes, 3)
	assert.Len(t, res.Edges, 2)

	res = svc.Structured(Request{Entities: []string{"Lena"}, Relations: []string{"loves"}, MaxHops: 1})
	require.Len(t, res.Edges, 1)
	assert.Equal(t, "loves", res.Edges[0].Relation)
}

func TestStructuredQueryCacheInvalidation(t *testing.T) {
	svc, store, _ := newTestService(t)
	seedWifeGraph(t, store)

	first := svc.Structured(Request{Entities: []string{"Lena"}, MaxHops: 1})
	require.Len(t, first.Edges, 2)

	// Mutate the graph and invalidate, as the bus subscription would.
	lena, _ := store.ResolveName("Lena")
	gin, err := store.UpsertNode(graph.KindConcept, "Gin", nil, nil, graph.PrivacyPersonal)
	require.NoError(t, err)
	_, err = store.CreateEdge(graph.EdgeSpec{
		SourceID: lena, TargetID: gin, Relation: "likes",
		Confidence: 0.6, Temporal: graph.TemporalTrait,
		Mechanism: graph.MechanismExplicit, EpisodeID: "ep_1",
	})
	require.NoError(t, err)
	require.NoError(t, svc.OnGraphEvent(graph.Event{Type: graph.EventEdgeAdded}))

	second := svc.Structured(Request{Entities: []string{"Lena"}, MaxHops: 1})
	assert.Len(t, second.Edges, 3, "cache cleared on mutation")
}

func TestPlanNLParsesStructuredPlan(t *testing.T) {
	svc, store, mock := newTestService(t)
	seedWifeGraph(t, store)

	mock.SetResponse("query planner", `{"entities": ["Lena"], "relations": ["loves", "prefers"], "min_confidence": 0.0, "max_hops": 1, "reasoning": "wife is Lena"}`)

	plan := svc.PlanNL(context.Background(), "what does my wife like?")
	assert.Equal(t, []string{"Lena"}, plan.Entities)
	assert.False(t, plan.Fallback)

	result := svc.Execute(plan)
	require.Len(t, result.Edges, 1)
	assert.Equal(t, "loves", result.Edges[0].Relation)
}

func TestPlanNLFallsBackToBroadSearch(t *testing.T) {
	svc, store, mock := newTestService(t)
	seedWifeGraph(t, store)
	mock.SetResponse("query planner", "I am terribly sorry but I cannot help with that")

	result, plan := svc.QueryNL(context.Background(), "???")
	assert.True(t, plan.Fallback)
	assert.True(t, plan.IsBroad())
	assert.Len(t, result.Edges, 2, "broad search returns the whole graph")
}

func TestPlanNLCachesPlans(t *testing.T) {
	svc, store, mock := newTestService(t)
	seedWifeGraph(t, store)
	mock.SetResponse("query planner", `{"entities": ["Lena"], "max_hops": 1, "reasoning": "x"}`)

	svc.PlanNL(context.Background(), "what does my wife like?")
	calls := mock.CallCount()
	svc.PlanNL(context.Background(), "what does my wife like?")
	assert.Equal(t, calls, mock.CallCount(), "repeated question served from the plan cache")
}

func TestAssembleContextBlock(t *testing.T) {
	svc, store, _ := newTestService(t)
	seedWifeGraph(t, store)

	block := svc.AssembleContextBlock(ContextInput{
		ActiveEntities: []string{"Lena"},
		ActiveTopics:   []string{"wine"},
		TokenBudget:    256,
		PendingProbes:  []string{"Does Lena have a favorite wine?"},
		Reminders:      []string{"Trip to Lisbon expires next month"},
	})

	assert.Contains(t, block, "Lena loves Malbec")
	assert.Contains(t, block, "Pending questions:")
	assert.Contains(t, block, "favorite wine")
	assert.Contains(t, block, "Active reminders:")
}

func TestAssembleContextBlockHonorsBudget(t *testing.T) {
	svc, store, _ := newTestService(t)
	seedWifeGraph(t, store)

	tiny := svc.AssembleContextBlock(ContextInput{
		ActiveEntities: []string{"Lena"},
		TokenBudget:    8,
	})
	large := svc.AssembleContextBlock(ContextInput{
		ActiveEntities: []string{"Lena"},
		TokenBudget:    2048,
	})
	assert.Less(t, len(tiny), len(large))
	assert.LessOrEqual(t, len(tiny)/4, 16, "tiny budget caps output")
}

func TestContextBlockSkipsUnrelatedFacts(t *testing.T) {
	svc, store, _ := newTestService(t)
	seedWifeGraph(t, store)

	block := svc.AssembleContextBlock(ContextInput{
		ActiveEntities: []string{"Kubernetes"},
		ActiveTopics:   []string{"oncall"},
		TokenBudget:    512,
	})
	assert.NotContains(t, block, "Malbec", "unrelated knowledge stays out of the budget")
}
