package ai

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// BudgetConfig sets the per-day token ceilings, tracked separately per tier.
type BudgetConfig struct {
	SmallDailyTokens int64
	LargeDailyTokens int64
}

// DefaultBudgetConfig returns sensible defaults.
func DefaultBudgetConfig() BudgetConfig {
	return BudgetConfig{
		SmallDailyTokens: 2_000_000,
		LargeDailyTokens: 500_000,
	}
}

// TokenBudget tracks per-day token spend in redis so budgets survive
// restarts and are shared when several components use the same tier.
// A nil redis client disables enforcement.
type TokenBudget struct {
	rdb    *redis.Client
	config BudgetConfig
	logger *zap.Logger
}

// NewTokenBudget creates a budget tracker.
func NewTokenBudget(rdb *redis.Client, cfg BudgetConfig, logger *zap.Logger) *TokenBudget {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TokenBudget{rdb: rdb, config: cfg, logger: logger}
}

// Spend records token usage for a tier and reports whether the budget is
// now exhausted. Accounting failures never block the call path.
func (b *TokenBudget) Spend(ctx context.Context, tier Tier, tokens int64) bool {
	if b.rdb == nil {
		return false
	}
	key := b.key(tier)
	total, err := b.rdb.IncrBy(ctx, key, tokens).Result()
	if err != nil {
		b.logger.Warn("Token budget accounting failed", zap.Error(err))
		return false
	}
	// First write of the day sets the expiry.
	if total == tokens {
		b.rdb.Expire(ctx, key, 48*time.Hour)
	}
	return total > b.limit(tier)
}

// Exhausted reports whether a tier's budget is already spent.
func (b *TokenBudget) Exhausted(ctx context.Context, tier Tier) bool {
	if b.rdb == nil {
		return false
	}
	total, err := b.rdb.Get(ctx, b.key(tier)).Int64()
	if err != nil {
		return false
	}
	return total > b.limit(tier)
}

func (b *TokenBudget) key(tier Tier) string {
	return fmt.Sprintf("llm:budget:%s:%s", tier, time.Now().UTC().Format("2006-01-02"))
}

func (b *TokenBudget) limit(tier Tier) int64 {
	if tier == TierLarge {
		return b.config.LargeDailyTokens
	}
	return b.config.SmallDailyTokens
}
