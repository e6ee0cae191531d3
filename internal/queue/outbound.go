package queue

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/knowledge-graph-memory/internal/audit"
	"github.com/knowledge-graph-memory/internal/graph"
	"github.com/knowledge-graph-memory/internal/jsonx"
)

// ItemKind separates probes (questions the system wants to ask) from
// starters (system-initiated openings).
type ItemKind string

const (
	KindProbe   ItemKind = "probe"
	KindStarter ItemKind = "starter"
)

// Probe subtypes.
const (
	SubtypePreferenceDiscovery = "preference-discovery"
	SubtypeFactVerification    = "fact-verification"
	SubtypePreferenceRefine    = "preference-refinement"
)

// Starter subtypes.
const (
	SubtypeAlert        = "alert"
	SubtypeOpportunity  = "opportunity"
	SubtypeRevision     = "revision"
	SubtypeInsight      = "insight"
	SubtypeAnticipation = "anticipation"
)

// Item is one pending probe or starter.
type Item struct {
	ID          string    `json:"id"`
	Kind        ItemKind  `json:"kind"`
	Subtype     string    `json:"subtype"`
	Payload     string    `json:"payload"`
	Priority    float64   `json:"priority"`
	ContextTags []string  `json:"context_tags,omitempty"`
	Entities    []string  `json:"entities,omitempty"`
	MinTurn     int       `json:"min_turn"`
	EarliestAt  time.Time `json:"earliest_at,omitempty"`
	LatestAt    time.Time `json:"latest_at,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	Cooldowns   int       `json:"cooldowns,omitempty"`
	Reasoning   string    `json:"reasoning,omitempty"`
}

// ProbeRequest is the agent's delivery-context for probe retrieval.
type ProbeRequest struct {
	SessionID       string
	ActiveTopics    []string
	EntitiesInScope []string
	Channel         string
	Turn            int
	Now             time.Time
}

// OutboundConfig holds gating parameters for delivery.
type OutboundConfig struct {
	MaxPerConversation int
	MaxPerDay          int
	MaxPerWeek         int
	MinTurn            int
	MinContextFit      float64
	IgnoreCooldown     time.Duration
	DeflectCooldown    time.Duration
	RecencyHalfLife    time.Duration
	// PriorityDecay multiplies an item's priority on cooldown re-entry.
	PriorityDecay float64
}

// DefaultOutboundConfig returns the documented defaults.
func DefaultOutboundConfig() OutboundConfig {
	return OutboundConfig{
		MaxPerConversation: 1,
		MaxPerDay:          3,
		MaxPerWeek:         10,
		MinTurn:            3,
		MinContextFit:      0.30,
		IgnoreCooldown:     6 * time.Hour,
		DeflectCooldown:    24 * time.Hour,
		RecencyHalfLife:    24 * time.Hour,
		PriorityDecay:      0.7,
	}
}

// Outbound is the redis-backed priority queue of probes and starters.
type Outbound struct {
	rdb    *redis.Client
	log    *audit.Log
	config OutboundConfig
	logger *zap.Logger
}

// NewOutbound creates the outbound queue.
func NewOutbound(rdb *redis.Client, log *audit.Log, cfg OutboundConfig, logger *zap.Logger) *Outbound {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Outbound{rdb: rdb, log: log, config: cfg, logger: logger}
}

const (
	keyItem     = "outbound:item:"     // + id, JSON body
	keyQueue    = "outbound:q:"        // + kind, ZSET by priority
	keyCooldown = "outbound:cooldown"  // ZSET by re-entry unix time
	keyConvo    = "outbound:conv:"     // + session id, counter
	keyDay      = "outbound:day:"      // + yyyy-mm-dd, counter
	keyWeek     = "outbound:week:"     // + yyyy-ww, counter
)

// Enqueue adds an item to its kind's queue.
func (o *Outbound) Enqueue(ctx context.Context, item *Item) error {
	if item.ID == "" {
		item.ID = "oq_" + uuid.NewString()[:12]
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	data, err := jsonx.Marshal(item)
	if err != nil {
		return fmt.Errorf("failed to encode outbound item: %w", err)
	}
	pipe := o.rdb.TxPipeline()
	pipe.Set(ctx, keyItem+item.ID, data, 14*24*time.Hour)
	pipe.ZAdd(ctx, keyQueue+string(item.Kind), redis.Z{Score: item.Priority, Member: item.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to enqueue outbound item: %w", err)
	}
	o.logger.Debug("Outbound item queued",
		zap.String("id", item.ID),
		zap.String("kind", string(item.Kind)),
		zap.String("subtype", item.Subtype),
		zap.Float64("priority", item.Priority))
	return nil
}

// GetProbe returns the single best-fit probe for the current conversational
// context, or nil. Retrieval consumes the item, bumps delivery counters,
// and records the decision in the audit log.
func (o *Outbound) GetProbe(ctx context.Context, req ProbeRequest) (*Item, error) {
	now := req.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	o.promoteCooldowns(ctx, now)

	if req.Turn < o.config.MinTurn {
		return nil, nil
	}
	if !o.withinFrequencyCaps(ctx, req.SessionID, now) {
		return nil, nil
	}

	ids, err := o.rdb.ZRevRange(ctx, keyQueue+string(KindProbe), 0, 49).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read probe queue: %w", err)
	}

	var best *Item
	var bestScore float64
	for _, id := range ids {
		item, err := o.loadItem(ctx, id)
		if err != nil {
			o.rdb.ZRem(ctx, keyQueue+string(KindProbe), id)
			continue
		}
		if o.obsoleteIfExpired(ctx, item, now) {
			continue
		}
		if item.MinTurn > req.Turn {
			continue
		}
		if !item.EarliestAt.IsZero() && now.Before(item.EarliestAt) {
			continue
		}
		score := o.contextFit(item, req.ActiveTopics, req.EntitiesInScope, now)
		if score < o.config.MinContextFit {
			continue
		}
		// Weight fit by queue priority so a high-priority probe wins among
		// comparable fits.
		weighted := score * (0.5 + 0.5*item.Priority)
		if best == nil || weighted > bestScore {
			best = item
			bestScore = weighted
		}
	}
	if best == nil {
		return nil, nil
	}

	// Deduct from the queue and count the delivery.
	pipe := o.rdb.TxPipeline()
	pipe.ZRem(ctx, keyQueue+string(KindProbe), best.ID)
	pipe.Incr(ctx, keyConvo+req.SessionID)
	pipe.Expire(ctx, keyConvo+req.SessionID, 24*time.Hour)
	pipe.Incr(ctx, dayKey(now))
	pipe.Expire(ctx, dayKey(now), 48*time.Hour)
	pipe.Incr(ctx, weekKey(now))
	pipe.Expire(ctx, weekKey(now), 14*24*time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to consume probe: %w", err)
	}

	if o.log != nil {
		o.log.Append(audit.Record{
			Kind:      audit.KindProbeDelivered,
			Component: "outbound",
			Operation: audit.OpDecision,
			SessionID: req.SessionID,
			NewValue:  best.ID,
			Reasoning: fmt.Sprintf("context-fit %.2f, topics %v", bestScore, req.ActiveTopics),
		})
	}
	return best, nil
}

// GetStarters returns up to max ranked starters whose delivery windows are
// open, consuming them from the queue.
func (o *Outbound) GetStarters(ctx context.Context, channel string, max int) ([]*Item, error) {
	now := time.Now().UTC()
	o.promoteCooldowns(ctx, now)

	ids, err := o.rdb.ZRevRange(ctx, keyQueue+string(KindStarter), 0, int64(max*4)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read starter queue: %w", err)
	}
	var out []*Item
	for _, id := range ids {
		if len(out) >= max {
			break
		}
		item, err := o.loadItem(ctx, id)
		if err != nil {
			o.rdb.ZRem(ctx, keyQueue+string(KindStarter), id)
			continue
		}
		if o.obsoleteIfExpired(ctx, item, now) {
			continue
		}
		if !item.EarliestAt.IsZero() && now.Before(item.EarliestAt) {
			continue
		}
		o.rdb.ZRem(ctx, keyQueue+string(KindStarter), id)
		if o.log != nil {
			o.log.Append(audit.Record{
				Kind:      audit.KindStarterDelivered,
				Component: "outbound",
				Operation: audit.OpDecision,
				NewValue:  item.ID,
				Reasoning: fmt.Sprintf("channel %s, subtype %s", channel, item.Subtype),
			})
		}
		out = append(out, item)
	}
	return out, nil
}

// PeekProbes returns up to limit pending probes matching the context
// without consuming them or touching counters. The context-block assembler
// uses this to surface pending probes to the agent.
func (o *Outbound) PeekProbes(ctx context.Context, topics, entities []string, limit int) []*Item {
	now := time.Now().UTC()
	ids, err := o.rdb.ZRevRange(ctx, keyQueue+string(KindProbe), 0, int64(limit*4)).Result()
	if err != nil {
		return nil
	}
	var out []*Item
	for _, id := range ids {
		if len(out) >= limit {
			break
		}
		item, err := o.loadItem(ctx, id)
		if err != nil {
			continue
		}
		if !item.LatestAt.IsZero() && now.After(item.LatestAt) {
			continue
		}
		if o.contextFit(item, topics, entities, now) < o.config.MinContextFit {
			continue
		}
		out = append(out, item)
	}
	return out
}

// MarkIgnored places a delivered item into cooldown; it re-enters the queue
// later at reduced priority.
func (o *Outbound) MarkIgnored(ctx context.Context, item *Item) error {
	return o.cooldown(ctx, item, o.config.IgnoreCooldown)
}

// MarkDeflected is the stronger signal: a longer cooldown.
func (o *Outbound) MarkDeflected(ctx context.Context, item *Item) error {
	return o.cooldown(ctx, item, o.config.DeflectCooldown)
}

// Feedback records the user's reaction to a delivered item by id.
func (o *Outbound) Feedback(ctx context.Context, itemID string, deflected bool) error {
	item, err := o.loadItem(ctx, itemID)
	if err != nil {
		return fmt.Errorf("unknown outbound item %s: %w", itemID, err)
	}
	if deflected {
		return o.MarkDeflected(ctx, item)
	}
	return o.MarkIgnored(ctx, item)
}

// QueueDepth reports pending items per kind (health surface).
func (o *Outbound) QueueDepth(ctx context.Context, kind ItemKind) int64 {
	n, err := o.rdb.ZCard(ctx, keyQueue+string(kind)).Result()
	if err != nil {
		return -1
	}
	return n
}

// ---------------------------------------------------------------------------
// Internal
// ---------------------------------------------------------------------------

func (o *Outbound) cooldown(ctx context.Context, item *Item, d time.Duration) error {
	item.Cooldowns++
	item.Priority *= o.config.PriorityDecay
	data, err := jsonx.Marshal(item)
	if err != nil {
		return err
	}
	reentry := time.Now().UTC().Add(d)
	pipe := o.rdb.TxPipeline()
	pipe.Set(ctx, keyItem+item.ID, data, 14*24*time.Hour)
	pipe.ZAdd(ctx, keyCooldown, redis.Z{Score: float64(reentry.Unix()), Member: item.ID})
	_, err = pipe.Exec(ctx)
	return err
}

// promoteCooldowns moves due cooldown items back into their queues.
func (o *Outbound) promoteCooldowns(ctx context.Context, now time.Time) {
	ids, err := o.rdb.ZRangeByScore(ctx, keyCooldown, &redis.ZRangeBy{
		Min: "0", Max: fmt.Sprintf("%d", now.Unix()),
	}).Result()
	if err != nil || len(ids) == 0 {
		return
	}
	for _, id := range ids {
		item, err := o.loadItem(ctx, id)
		if err != nil {
			o.rdb.ZRem(ctx, keyCooldown, id)
			continue
		}
		pipe := o.rdb.TxPipeline()
		pipe.ZRem(ctx, keyCooldown, id)
		pipe.ZAdd(ctx, keyQueue+string(item.Kind), redis.Z{Score: item.Priority, Member: id})
		pipe.Exec(ctx)
	}
}

func (o *Outbound) obsoleteIfExpired(ctx context.Context, item *Item, now time.Time) bool {
	if item.LatestAt.IsZero() || now.Before(item.LatestAt) {
		return false
	}
	pipe := o.rdb.TxPipeline()
	pipe.ZRem(ctx, keyQueue+string(item.Kind), item.ID)
	pipe.Del(ctx, keyItem+item.ID)
	pipe.Exec(ctx)
	if o.log != nil {
		o.log.Append(audit.Record{
			Kind:      audit.KindProbeObsoleted,
			Component: "outbound",
			Operation: audit.OpDecision,
			NewValue:  item.ID,
			Reasoning: "delivery window expired",
		})
	}
	return true
}

func (o *Outbound) withinFrequencyCaps(ctx context.Context, sessionID string, now time.Time) bool {
	if n, _ := o.rdb.Get(ctx, keyConvo+sessionID).Int(); n >= o.config.MaxPerConversation {
		return false
	}
	if n, _ := o.rdb.Get(ctx, dayKey(now)).Int(); n >= o.config.MaxPerDay {
		return false
	}
	if n, _ := o.rdb.Get(ctx, weekKey(now)).Int(); n >= o.config.MaxPerWeek {
		return false
	}
	return true
}

// contextFit scores how well an item matches the conversational moment:
// topic Jaccard x 0.6 + entity overlap x 0.3 + recency decay x 0.1.
func (o *Outbound) contextFit(item *Item, topics, entities []string, now time.Time) float64 {
	topicScore := jaccard(fold(topics), fold(item.ContextTags))
	entityScore := overlap(fold(entities), fold(item.Entities))
	age := now.Sub(item.CreatedAt)
	recency := math.Exp2(-age.Hours() / o.config.RecencyHalfLife.Hours())
	return 0.6*topicScore + 0.3*entityScore + 0.1*recency
}

func (o *Outbound) loadItem(ctx context.Context, id string) (*Item, error) {
	data, err := o.rdb.Get(ctx, keyItem+id).Bytes()
	if err != nil {
		return nil, err
	}
	var item Item
	if err := jsonx.Unmarshal(data, &item); err != nil {
		return nil, err
	}
	return &item, nil
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for k := range a {
		if b[k] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// overlap is the fraction of the item's entities present in scope.
func overlap(scope, item map[string]bool) float64 {
	if len(item) == 0 {
		return 0
	}
	hit := 0
	for k := range item {
		if scope[k] {
			hit++
		}
	}
	return float64(hit) / float64(len(item))
}

func fold(list []string) map[string]bool {
	m := make(map[string]bool, len(list))
	for _, s := range list {
		if k := graph.FoldName(s); k != "" {
			m[k] = true
		}
	}
	return m
}

func dayKey(now time.Time) string {
	return keyDay + now.Format("2006-01-02")
}

func weekKey(now time.Time) string {
	year, week := now.ISOWeek()
	return fmt.Sprintf("%s%d-%02d", keyWeek, year, week)
}
