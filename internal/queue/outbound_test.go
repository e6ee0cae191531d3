package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestOutbound(t *testing.T) (*Outbound, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewOutbound(rdb, nil, DefaultOutboundConfig(), zaptest.NewLogger(t)), mr
}

func wineProbe() *Item {
	return &Item{
		Kind:        KindProbe,
		Subtype:     SubtypePreferenceDiscovery,
		Payload:     "Does Lena have a favorite wine?",
		Priority:    0.5,
		ContextTags: []string{"wine"},
		Entities:    []string{"Lena"},
		MinTurn:     3,
		LatestAt:    time.Now().UTC().Add(24 * time.Hour),
	}
}

func wineRequest(turn int) ProbeRequest {
	return ProbeRequest{
		SessionID:       "conv-1",
		ActiveTopics:    []string{"wine"},
		EntitiesInScope: []string{"Lena"},
		Channel:         "chat",
		Turn:            turn,
	}
}

func TestProbeDeliveryAndPerConversationCap(t *testing.T) {
	o, _ := newTestOutbound(t)
	ctx := context.Background()

	require.NoError(t, o.Enqueue(ctx, wineProbe()))

	item, err := o.GetProbe(ctx, wineRequest(4))
	require.NoError(t, err)
	require.NotNil(t, item, "matching probe is returned")
	assert.Equal(t, "Does Lena have a favorite wine?", item.Payload)

	// The item was consumed; an identical immediate call returns empty
	// because of the max-one-per-conversation gate.
	require.NoError(t, o.Enqueue(ctx, wineProbe()))
	again, err := o.GetProbe(ctx, wineRequest(5))
	require.NoError(t, err)
	assert.Nil(t, again)

	// A different conversation still gets one.
	other := wineRequest(5)
	other.SessionID = "conv-2"
	item2, err := o.GetProbe(ctx, other)
	require.NoError(t, err)
	assert.NotNil(t, item2)
}

func TestProbeMinTurnGate(t *testing.T) {
	o, _ := newTestOutbound(t)
	ctx := context.Background()
	require.NoError(t, o.Enqueue(ctx, wineProbe()))

	item, err := o.GetProbe(ctx, wineRequest(2))
	require.NoError(t, err)
	assert.Nil(t, item, "global min turn not reached")

	// The item's own MinTurn also gates.
	req := wineRequest(3)
	probe := wineProbe()
	probe.MinTurn = 6
	o, _ = newTestOutbound(t)
	require.NoError(t, o.Enqueue(ctx, probe))
	item, err = o.GetProbe(ctx, req)
	require.NoError(t, err)
	assert.Nil(t, item)
}

func TestProbeContextFitThreshold(t *testing.T) {
	o, _ := newTestOutbound(t)
	ctx := context.Background()
	require.NoError(t, o.Enqueue(ctx, wineProbe()))

	req := ProbeRequest{
		SessionID:    "conv-1",
		ActiveTopics: []string{"kubernetes", "oncall"},
		Channel:      "chat",
		Turn:         4,
	}
	item, err := o.GetProbe(ctx, req)
	require.NoError(t, err)
	assert.Nil(t, item, "no topical overlap, below the context-fit threshold")
}

func TestEmptyQueueLeavesCountersUntouched(t *testing.T) {
	o, mr := newTestOutbound(t)
	ctx := context.Background()

	item, err := o.GetProbe(ctx, wineRequest(4))
	require.NoError(t, err)
	assert.Nil(t, item)

	assert.False(t, mr.Exists(keyConvo+"conv-1"), "no delivery, no counter")
	assert.False(t, mr.Exists(dayKey(time.Now().UTC())))
}

func TestExpiredItemObsoletes(t *testing.T) {
	o, _ := newTestOutbound(t)
	ctx := context.Background()

	probe := wineProbe()
	probe.LatestAt = time.Now().UTC().Add(-time.Minute)
	require.NoError(t, o.Enqueue(ctx, probe))

	item, err := o.GetProbe(ctx, wineRequest(4))
	require.NoError(t, err)
	assert.Nil(t, item)
	assert.Equal(t, int64(0), o.QueueDepth(ctx, KindProbe), "expired item removed from the queue")
}

func TestCooldownReentryWithReducedPriority(t *testing.T) {
	o, mr := newTestOutbound(t)
	ctx := context.Background()

	probe := wineProbe()
	require.NoError(t, o.Enqueue(ctx, probe))
	item, err := o.GetProbe(ctx, wineRequest(4))
	require.NoError(t, err)
	require.NotNil(t, item)

	originalPriority := item.Priority
	require.NoError(t, o.Feedback(ctx, item.ID, false))
	assert.Equal(t, int64(0), o.QueueDepth(ctx, KindProbe), "cooling item is out of the queue")

	// Fast-forward past the ignore cooldown.
	mr.FastForward(7 * time.Hour)
	o.promoteCooldowns(ctx, time.Now().UTC().Add(7*time.Hour))
	assert.Equal(t, int64(1), o.QueueDepth(ctx, KindProbe), "item re-entered after cooldown")

	requeued, err := o.loadItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Less(t, requeued.Priority, originalPriority)
	assert.Equal(t, 1, requeued.Cooldowns)
}

func TestStartersRankedAndWindowed(t *testing.T) {
	o, _ := newTestOutbound(t)
	ctx := context.Background()

	low := &Item{Kind: KindStarter, Subtype: SubtypeOpportunity, Payload: "low", Priority: 0.4,
		LatestAt: time.Now().UTC().Add(time.Hour)}
	high := &Item{Kind: KindStarter, Subtype: SubtypeAlert, Payload: "high", Priority: 0.9,
		LatestAt: time.Now().UTC().Add(time.Hour)}
	notYet := &Item{Kind: KindStarter, Subtype: SubtypeInsight, Payload: "later", Priority: 0.95,
		EarliestAt: time.Now().UTC().Add(time.Hour), LatestAt: time.Now().UTC().Add(2 * time.Hour)}

	require.NoError(t, o.Enqueue(ctx, low))
	require.NoError(t, o.Enqueue(ctx, high))
	require.NoError(t, o.Enqueue(ctx, notYet))

	items, err := o.GetStarters(ctx, "chat", 5)
	require.NoError(t, err)
	require.Len(t, items, 2, "the not-yet-open window is excluded")
	assert.Equal(t, "high", items[0].Payload, "ranked by priority")
}

func TestContextFitFormula(t *testing.T) {
	o, _ := newTestOutbound(t)

	item := &Item{
		ContextTags: []string{"wine"},
		Entities:    []string{"Lena"},
		CreatedAt:   time.Now().UTC(),
	}
	// Full topic Jaccard, full entity overlap, fresh item.
	fit := o.contextFit(item, []string{"wine"}, []string{"lena"}, time.Now().UTC())
	assert.InDelta(t, 0.6+0.3+0.1, fit, 0.01)

	// Half-overlapping topics: Jaccard 1/3.
	fit = o.contextFit(item, []string{"wine", "dinner", "friday"}, nil, time.Now().UTC())
	assert.InDelta(t, 0.6/3+0.1, fit, 0.02)
}
