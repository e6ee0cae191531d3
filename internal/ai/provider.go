package ai

import (
	"context"

	"go.uber.org/zap"
)

// Provider bundles the two model tiers behind circuit breakers and the
// shared token budget. Everything upstream calls Complete with a tier.
type Provider struct {
	small  Capability
	large  Capability
	budget *TokenBudget

	smallBreaker *Breaker
	largeBreaker *Breaker
	logger       *zap.Logger
}

// NewProvider wires capabilities, breakers, and the budget together.
func NewProvider(small, large Capability, budget *TokenBudget, logger *zap.Logger) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		small:        small,
		large:        large,
		budget:       budget,
		smallBreaker: NewBreaker("llm-small", SmallLLMBreaker(), logger),
		largeBreaker: NewBreaker("llm-large", LargeLLMBreaker(), logger),
		logger:       logger,
	}
}

// Complete routes the prompt to the tier's capability, enforcing breaker
// and budget. On success the spend is recorded from prompt and response
// sizes.
func (p *Provider) Complete(ctx context.Context, tier Tier, prompt string) (string, error) {
	capability, breaker := p.pick(tier)
	if capability == nil {
		return "", ErrCircuitOpen
	}
	if p.budget != nil && p.budget.Exhausted(ctx, tier) {
		return "", ErrBudgetExhausted
	}
	if !breaker.Allow() {
		return "", ErrCircuitOpen
	}

	text, err := capability.Complete(ctx, prompt)
	if err != nil {
		breaker.Failure()
		return "", err
	}
	breaker.Success()

	if p.budget != nil {
		if over := p.budget.Spend(ctx, tier, estimateTokens(prompt, text)); over {
			p.logger.Warn("LLM daily token budget exhausted", zap.String("tier", string(tier)))
		}
	}
	return text, nil
}

// BreakerState returns the breaker state for a tier (health surface).
func (p *Provider) BreakerState(tier Tier) BreakerState {
	_, breaker := p.pick(tier)
	if breaker == nil {
		return BreakerOpen
	}
	return breaker.State()
}

func (p *Provider) pick(tier Tier) (Capability, *Breaker) {
	if tier == TierLarge {
		return p.large, p.largeBreaker
	}
	return p.small, p.smallBreaker
}
