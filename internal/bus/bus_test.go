package bus

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/knowledge-graph-memory/internal/graph"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestEmissionOrderPerSubscriber(t *testing.T) {
	b := New(DefaultConfig(), zaptest.NewLogger(t))

	var mu sync.Mutex
	var got []graph.EventType
	b.Subscribe("order", func(ev graph.Event) error {
		mu.Lock()
		got = append(got, ev.Type)
		mu.Unlock()
		return nil
	})

	types := []graph.EventType{
		graph.EventNodeAdded, graph.EventEdgeAdded,
		graph.EventEdgeUpdated, graph.EventEdgeRetracted,
	}
	for _, ty := range types {
		b.Emit(graph.Event{Type: ty})
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == len(types)
	})
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, types, got, "single subscriber sees emission order")
}

func TestEventTypeFilter(t *testing.T) {
	b := New(DefaultConfig(), zaptest.NewLogger(t))

	var mu sync.Mutex
	count := 0
	b.Subscribe("filtered", func(graph.Event) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	}, graph.EventEdgeAdded)

	b.Emit(graph.Event{Type: graph.EventNodeAdded})
	b.Emit(graph.Event{Type: graph.EventEdgeAdded})
	b.Emit(graph.Event{Type: graph.EventEdgeArchived})

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 1
	})
}

func TestDuplicateSubscribeAndUnknownUnsubscribeAreNoOps(t *testing.T) {
	b := New(DefaultConfig(), zaptest.NewLogger(t))

	b.Subscribe("dup", func(graph.Event) error { return nil })
	b.Subscribe("dup", func(graph.Event) error { return nil })
	assert.Equal(t, 1, b.SubscriberCount())

	b.Unsubscribe("never-registered")
	b.Unsubscribe("dup")
	assert.Equal(t, 0, b.SubscriberCount())
	b.Unsubscribe("dup")
}

func TestCallbackErrorsCountedNotPropagated(t *testing.T) {
	b := New(DefaultConfig(), zaptest.NewLogger(t))

	b.Subscribe("failing", func(graph.Event) error {
		return errors.New("handler exploded")
	})
	b.Emit(graph.Event{Type: graph.EventEdgeAdded})

	waitFor(t, func() bool {
		return b.Stats()["failing"].Errors == 1
	})
}

func TestCallbackPanicIsolated(t *testing.T) {
	b := New(DefaultConfig(), zaptest.NewLogger(t))

	b.Subscribe("panicky", func(graph.Event) error {
		panic("boom")
	})
	b.Emit(graph.Event{Type: graph.EventEdgeAdded})
	b.Emit(graph.Event{Type: graph.EventEdgeAdded})

	waitFor(t, func() bool {
		return b.Stats()["panicky"].Errors == 2
	})
}

func TestSlowHandlerWarnsWithoutCancellation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HandlerTimeout = 20 * time.Millisecond
	b := New(cfg, zaptest.NewLogger(t))

	var mu sync.Mutex
	finished := false
	b.Subscribe("slow", func(graph.Event) error {
		time.Sleep(60 * time.Millisecond)
		mu.Lock()
		finished = true
		mu.Unlock()
		return nil
	})
	b.Emit(graph.Event{Type: graph.EventEdgeAdded})

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return finished
	})
	stats := b.Stats()["slow"]
	assert.Equal(t, int64(1), stats.Timeouts, "soft deadline logged")
	assert.Equal(t, int64(1), stats.Delivered, "handler ran to completion")
}

func TestBackPressureDropsOldestNonCritical(t *testing.T) {
	cfg := DefaultConfig()
	cfg.QueueSize = 4
	b := New(cfg, zaptest.NewLogger(t))

	release := make(chan struct{})
	var mu sync.Mutex
	var got []graph.EventType
	b.Subscribe("pressured", func(ev graph.Event) error {
		<-release
		mu.Lock()
		got = append(got, ev.Type)
		mu.Unlock()
		return nil
	})

	// Fill the queue with non-critical updates, then push critical events.
	for i := 0; i < 6; i++ {
		b.Emit(graph.Event{Type: graph.EventEdgeUpdated})
	}
	b.Emit(graph.Event{Type: graph.EventEdgeRetracted})
	b.Emit(graph.Event{Type: graph.EventEdgeAdded})
	close(release)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, ty := range got {
			if ty == graph.EventEdgeAdded {
				return true
			}
		}
		return false
	})

	mu.Lock()
	defer mu.Unlock()
	critical := 0
	for _, ty := range got {
		if ty.Critical() {
			critical++
		}
	}
	require.Equal(t, 2, critical, "critical events survive back-pressure")
	assert.Greater(t, b.Stats()["pressured"].Dropped, int64(0))
}

func TestMirrorReceivesEveryEvent(t *testing.T) {
	b := New(DefaultConfig(), zaptest.NewLogger(t))

	var mu sync.Mutex
	mirrored := 0
	b.SetMirror(func(graph.Event) {
		mu.Lock()
		mirrored++
		mu.Unlock()
	})
	b.Emit(graph.Event{Type: graph.EventNodeAdded})
	b.Emit(graph.Event{Type: graph.EventEdgeUpdated})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, mirrored)
}
