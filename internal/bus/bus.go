// Package bus implements the in-process event bus for graph mutations.
// Emission is non-blocking: each subscriber owns a bounded queue drained by
// its own goroutine, so one slow callback never stalls the writer or other
// subscribers. Per-subscriber delivery preserves emission order; across
// subscribers no ordering is promised.
package bus

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/knowledge-graph-memory/internal/graph"
)

// DefaultHandlerTimeout is the soft deadline for a callback. Exceeding it
// logs a warning; the callback is not cancelled.
const DefaultHandlerTimeout = 5 * time.Second

// DefaultQueueSize bounds each subscriber's pending-event queue.
const DefaultQueueSize = 256

// Handler is a subscriber callback. It runs on the subscriber's drain
// goroutine; errors are counted, never propagated to the emitter.
type Handler func(graph.Event) error

// Config holds configuration for the event bus.
type Config struct {
	HandlerTimeout time.Duration
	QueueSize      int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		HandlerTimeout: DefaultHandlerTimeout,
		QueueSize:      DefaultQueueSize,
	}
}

// SubscriberStats tracks per-subscriber health counters.
type SubscriberStats struct {
	Delivered int64 `json:"delivered"`
	Errors    int64 `json:"errors"`
	Timeouts  int64 `json:"timeouts"`
	Dropped   int64 `json:"dropped"`
}

type subscriber struct {
	label   string
	handler Handler
	filter  map[graph.EventType]bool // nil = all events

	mu      sync.Mutex
	queue   []graph.Event
	notify  chan struct{}
	closed  bool
	stats   SubscriberStats
}

// Bus is the typed pub/sub event bus.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]*subscriber
	config      Config
	logger      *zap.Logger
	emitCount   atomic.Int64
	// Mirror, when set, additionally receives every event (the NATS bridge
	// for out-of-process consumers). Mirror failures are logged, not fatal.
	mirror func(graph.Event)
}

// New creates an event bus.
func New(cfg Config, logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = DefaultHandlerTimeout
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	return &Bus{
		subscribers: make(map[string]*subscriber),
		config:      cfg,
		logger:      logger,
	}
}

// SetMirror attaches a secondary sink invoked inline for every event.
func (b *Bus) SetMirror(fn func(graph.Event)) {
	b.mu.Lock()
	b.mirror = fn
	b.mu.Unlock()
}

// Subscribe registers a callback under a label. Subscribing the same label
// twice is a no-op. An empty eventTypes set receives all events.
func (b *Bus) Subscribe(label string, handler Handler, eventTypes ...graph.EventType) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.subscribers[label]; exists {
		b.logger.Warn("Duplicate subscription ignored", zap.String("label", label))
		return
	}

	var filter map[graph.EventType]bool
	if len(eventTypes) > 0 {
		filter = make(map[graph.EventType]bool, len(eventTypes))
		for _, t := range eventTypes {
			filter[t] = true
		}
	}

	sub := &subscriber{
		label:   label,
		handler: handler,
		filter:  filter,
		notify:  make(chan struct{}, 1),
	}
	b.subscribers[label] = sub
	go b.drain(sub)

	b.logger.Info("Subscriber registered",
		zap.String("label", label),
		zap.Int("filter_types", len(eventTypes)),
		zap.Int("total_subscribers", len(b.subscribers)))
}

// Unsubscribe removes a subscriber. Unknown labels are a no-op.
func (b *Bus) Unsubscribe(label string) {
	b.mu.Lock()
	sub, ok := b.subscribers[label]
	if ok {
		delete(b.subscribers, label)
	}
	b.mu.Unlock()

	if !ok {
		return
	}
	sub.mu.Lock()
	sub.closed = true
	sub.mu.Unlock()
	select {
	case sub.notify <- struct{}{}:
	default:
	}
	b.logger.Info("Subscriber removed", zap.String("label", label))
}

// Emit broadcasts an event. Never blocks: when a subscriber's queue is full
// the oldest non-critical event is evicted to make room; a non-critical
// event arriving at a full queue of critical events is dropped instead.
func (b *Bus) Emit(event graph.Event) {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	b.emitCount.Add(1)

	b.mu.RLock()
	mirror := b.mirror
	subs := make([]*subscriber, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		if sub.filter == nil || sub.filter[event.Type] {
			subs = append(subs, sub)
		}
	}
	b.mu.RUnlock()

	if mirror != nil {
		mirror(event)
	}

	for _, sub := range subs {
		b.enqueue(sub, event)
	}
}

// Stats returns a copy of every subscriber's counters, keyed by label.
func (b *Bus) Stats() map[string]SubscriberStats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]SubscriberStats, len(b.subscribers))
	for label, sub := range b.subscribers {
		sub.mu.Lock()
		out[label] = sub.stats
		sub.mu.Unlock()
	}
	return out
}

// EmitCount returns the number of events emitted since creation.
func (b *Bus) EmitCount() int64 {
	return b.emitCount.Load()
}

// SubscriberCount returns the number of registered subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

func (b *Bus) enqueue(sub *subscriber, event graph.Event) {
	sub.mu.Lock()
	if sub.closed {
		sub.mu.Unlock()
		return
	}
	if len(sub.queue) >= b.config.QueueSize {
		if idx := firstNonCritical(sub.queue); idx >= 0 {
			sub.queue = append(sub.queue[:idx], sub.queue[idx+1:]...)
			sub.stats.Dropped++
		} else if !event.Type.Critical() {
			// Queue is all critical events; shed the incoming one.
			sub.stats.Dropped++
			sub.mu.Unlock()
			b.logger.Warn("Event dropped under back-pressure",
				zap.String("label", sub.label),
				zap.String("type", string(event.Type)))
			return
		}
	}
	sub.queue = append(sub.queue, event)
	sub.mu.Unlock()

	select {
	case sub.notify <- struct{}{}:
	default:
	}
}

func (b *Bus) drain(sub *subscriber) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Panic in subscriber drain loop",
				zap.String("label", sub.label),
				zap.Any("panic", r),
				zap.Stack("stacktrace"))
		}
	}()

	for range sub.notify {
		for {
			sub.mu.Lock()
			if sub.closed {
				sub.mu.Unlock()
				return
			}
			if len(sub.queue) == 0 {
				sub.mu.Unlock()
				break
			}
			event := sub.queue[0]
			sub.queue = sub.queue[1:]
			sub.mu.Unlock()

			b.invoke(sub, event)
		}
	}
}

// invoke runs the handler with soft-deadline monitoring. A slow handler
// logs a warning but keeps running to completion.
func (b *Bus) invoke(sub *subscriber, event graph.Event) {
	timer := time.AfterFunc(b.config.HandlerTimeout, func() {
		sub.mu.Lock()
		sub.stats.Timeouts++
		sub.mu.Unlock()
		b.logger.Warn("Subscriber callback exceeded soft deadline",
			zap.String("label", sub.label),
			zap.String("type", string(event.Type)),
			zap.Duration("timeout", b.config.HandlerTimeout))
	})
	defer timer.Stop()

	defer func() {
		if r := recover(); r != nil {
			sub.mu.Lock()
			sub.stats.Errors++
			sub.mu.Unlock()
			b.logger.Error("Panic in subscriber callback",
				zap.String("label", sub.label),
				zap.Any("panic", r))
		}
	}()

	if err := sub.handler(event); err != nil {
		sub.mu.Lock()
		sub.stats.Errors++
		sub.mu.Unlock()
		b.logger.Error("Subscriber callback failed",
			zap.String("label", sub.label),
			zap.String("type", string(event.Type)),
			zap.Error(err))
		return
	}
	sub.mu.Lock()
	sub.stats.Delivered++
	sub.mu.Unlock()
}

func firstNonCritical(queue []graph.Event) int {
	for i, ev := range queue {
		if !ev.Type.Critical() {
			return i
		}
	}
	return -1
}
