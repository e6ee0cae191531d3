// Package queue implements the two service queues: the durable inbound
// queue of interaction events (NATS JetStream) and the priority outbound
// queue of probes and starters (redis).
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/knowledge-graph-memory/internal/jsonx"
	"github.com/knowledge-graph-memory/internal/pipeline"
)

// InboundConfig holds the inbound queue configuration.
type InboundConfig struct {
	Stream           string
	SubjectPrefix    string
	Durable          string
	DeadLetterStream string
	DeadLetterPrefix string
	// RetentionWindow bounds both stream retention and idempotency keys.
	RetentionWindow time.Duration
	MaxDeliver      int
	AckWait         time.Duration
}

// DefaultInboundConfig returns sensible defaults.
func DefaultInboundConfig() InboundConfig {
	return InboundConfig{
		Stream:           "INTERACTIONS",
		SubjectPrefix:    "interactions",
		Durable:          "kg-ingestion",
		DeadLetterStream: "INTERACTIONS_DEAD",
		DeadLetterPrefix: "interactions_dead",
		RetentionWindow:  72 * time.Hour,
		MaxDeliver:       3,
		AckWait:          2 * time.Minute,
	}
}

// backoffLadder is the retry schedule; each retry also reduces the prior
// context handed to extraction (full, half, minimal).
var backoffLadder = []time.Duration{1 * time.Second, 5 * time.Second, 30 * time.Second}

// Processor consumes one interaction at the given context-reduction level.
type Processor func(ctx context.Context, ev pipeline.Interaction, level pipeline.ContextLevel) error

// Inbound is the durable at-least-once interaction queue. Per-session FIFO
// comes from per-session subjects; exactly-once processing comes from the
// redis idempotency key on (session_id, turn_number), committed only after
// successful processing.
type Inbound struct {
	js     nats.JetStreamContext
	rdb    *redis.Client
	config InboundConfig
	logger *zap.Logger
	sub    *nats.Subscription
}

// NewInbound creates the inbound queue and ensures its streams exist.
func NewInbound(js nats.JetStreamContext, rdb *redis.Client, cfg InboundConfig, logger *zap.Logger) (*Inbound, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	q := &Inbound{js: js, rdb: rdb, config: cfg, logger: logger}

	_, err := js.AddStream(&nats.StreamConfig{
		Name:     cfg.Stream,
		Subjects: []string{cfg.SubjectPrefix + ".*"},
		Storage:  nats.FileStorage,
		MaxAge:   cfg.RetentionWindow,
	})
	if err != nil && err != nats.ErrStreamNameAlreadyInUse {
		return nil, fmt.Errorf("failed to create inbound stream: %w", err)
	}

	_, err = js.AddStream(&nats.StreamConfig{
		Name:      cfg.DeadLetterStream,
		Subjects:  []string{cfg.DeadLetterPrefix + ".>"},
		Retention: nats.LimitsPolicy,
		MaxAge:    7 * 24 * time.Hour,
	})
	if err != nil && err != nats.ErrStreamNameAlreadyInUse {
		logger.Warn("Failed to create dead-letter stream", zap.Error(err))
	}
	return q, nil
}

// Enqueue publishes an interaction. Non-blocking from the agent's
// perspective: the publish is a single async write.
func (q *Inbound) Enqueue(ev pipeline.Interaction) error {
	data, err := jsonx.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode interaction: %w", err)
	}
	msg := nats.NewMsg(fmt.Sprintf("%s.%s", q.config.SubjectPrefix, ev.SessionID))
	msg.Header.Set("Nats-Msg-Id", idempotencyKey(ev.SessionID, ev.Turn))
	msg.Data = data
	if _, err := q.js.PublishMsgAsync(msg); err != nil {
		return fmt.Errorf("failed to enqueue interaction: %w", err)
	}
	return nil
}

// Start subscribes the durable consumer and dispatches to the processor.
func (q *Inbound) Start(ctx context.Context, process Processor) error {
	sub, err := q.js.Subscribe(q.config.SubjectPrefix+".*", func(msg *nats.Msg) {
		defer func() {
			if r := recover(); r != nil {
				q.logger.Error("Panic in inbound consumer", zap.Any("panic", r), zap.Stack("stacktrace"))
				msg.NakWithDelay(30 * time.Second)
			}
		}()
		q.handle(ctx, msg, process)
	}, nats.Durable(q.config.Durable), nats.ManualAck(), nats.AckWait(q.config.AckWait))
	if err != nil {
		return fmt.Errorf("failed to subscribe to inbound stream: %w", err)
	}
	q.sub = sub
	q.logger.Info("Inbound queue consuming",
		zap.String("stream", q.config.Stream),
		zap.String("durable", q.config.Durable))
	return nil
}

// Stop unsubscribes the consumer.
func (q *Inbound) Stop() {
	if q.sub != nil {
		q.sub.Unsubscribe()
	}
}

func (q *Inbound) handle(ctx context.Context, msg *nats.Msg, process Processor) {
	var ev pipeline.Interaction
	if err := jsonx.Unmarshal(msg.Data, &ev); err != nil {
		q.logger.Error("Malformed interaction payload, dead-lettering", zap.Error(err))
		q.deadLetter(msg, 0, err)
		msg.Ack()
		return
	}

	key := idempotencyKey(ev.SessionID, ev.Turn)

	// Duplicate inside the retention window: already fully processed.
	if q.alreadyProcessed(ctx, key) {
		q.logger.Debug("Duplicate interaction dropped", zap.String("key", key))
		msg.Ack()
		return
	}

	// Guard against two concurrent deliveries of the same key; only one
	// proceeds, the other retries shortly.
	if !q.acquireLock(ctx, key) {
		msg.NakWithDelay(2 * time.Second)
		return
	}
	defer q.releaseLock(ctx, key)

	attempt := 1
	if meta, err := msg.Metadata(); err == nil {
		attempt = int(meta.NumDelivered)
	}

	err := process(ctx, ev, contextLevel(attempt))
	if err == nil {
		// Commit the idempotency key only after success; a cancelled or
		// failed run leaves the key uncommitted so redelivery reprocesses.
		q.markProcessed(ctx, key)
		msg.Ack()
		return
	}

	q.logger.Error("Interaction processing failed",
		zap.String("key", key),
		zap.Int("attempt", attempt),
		zap.Error(err))

	if attempt >= q.config.MaxDeliver {
		q.deadLetter(msg, attempt, err)
		msg.Ack()
		return
	}
	msg.NakWithDelay(backoffDelay(attempt))
}

func (q *Inbound) deadLetter(msg *nats.Msg, attempts int, cause error) {
	dead := nats.NewMsg(q.config.DeadLetterPrefix + "." + msg.Subject)
	dead.Header.Set("Original-Subject", msg.Subject)
	dead.Header.Set("Error", cause.Error())
	dead.Header.Set("Retry-Count", fmt.Sprintf("%d", attempts))
	dead.Header.Set("Failed-At", time.Now().UTC().Format(time.RFC3339))
	dead.Data = msg.Data
	if _, err := q.js.PublishMsg(dead); err != nil {
		q.logger.Error("Failed to publish to dead-letter stream", zap.Error(err))
		return
	}
	q.logger.Warn("Interaction dead-lettered",
		zap.String("subject", msg.Subject),
		zap.Int("attempts", attempts))
}

// ---------------------------------------------------------------------------
// Idempotency bookkeeping
// ---------------------------------------------------------------------------

func (q *Inbound) alreadyProcessed(ctx context.Context, key string) bool {
	if q.rdb == nil {
		return false
	}
	n, err := q.rdb.Exists(ctx, "ingest:done:"+key).Result()
	return err == nil && n > 0
}

func (q *Inbound) markProcessed(ctx context.Context, key string) {
	if q.rdb == nil {
		return
	}
	if err := q.rdb.Set(ctx, "ingest:done:"+key, "1", q.config.RetentionWindow).Err(); err != nil {
		q.logger.Warn("Failed to commit idempotency key", zap.String("key", key), zap.Error(err))
	}
}

func (q *Inbound) acquireLock(ctx context.Context, key string) bool {
	if q.rdb == nil {
		return true
	}
	ok, err := q.rdb.SetNX(ctx, "ingest:lock:"+key, "1", 60*time.Second).Result()
	if err != nil {
		q.logger.Warn("Idempotency lock unavailable, proceeding", zap.Error(err))
		return true
	}
	return ok
}

func (q *Inbound) releaseLock(ctx context.Context, key string) {
	if q.rdb == nil {
		return
	}
	q.rdb.Del(ctx, "ingest:lock:"+key)
}

func idempotencyKey(sessionID string, turn int) string {
	return fmt.Sprintf("%s:%d", sessionID, turn)
}

func backoffDelay(attempt int) time.Duration {
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(backoffLadder) {
		idx = len(backoffLadder) - 1
	}
	return backoffLadder[idx]
}

// contextLevel maps the delivery attempt to progressive context reduction.
func contextLevel(attempt int) pipeline.ContextLevel {
	switch {
	case attempt <= 1:
		return pipeline.ContextFull
	case attempt == 2:
		return pipeline.ContextHalf
	default:
		return pipeline.ContextMinimal
	}
}
