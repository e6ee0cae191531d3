// Package ai provides the LLM capability used by extraction, query
// planning, and the proactive engine. The coupling is deliberately thin:
// given a prompt, return text. JSON repair and hallucination detection
// belong to the pipeline, not to this adapter, so swapping providers (or
// mocking them in tests) never touches the core.
package ai

import (
	"context"
	"errors"
)

// Tier selects between the fast small model (extraction, query planning)
// and the large model (probe synthesis, inference).
type Tier string

const (
	TierSmall Tier = "small"
	TierLarge Tier = "large"
)

// Capability is the provider contract: a prompt in, raw text out.
type Capability interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// ErrBudgetExhausted is returned when the per-day token budget for a tier
// is spent. Callers degrade: extraction records a failed entity stage and
// yields an empty delta (the interaction is acknowledged, not re-enqueued);
// inference skips its cycle.
var ErrBudgetExhausted = errors.New("llm token budget exhausted")

// ErrCircuitOpen is returned while a tier's circuit breaker is open.
var ErrCircuitOpen = errors.New("llm circuit breaker open")

// estimateTokens is the cheap heuristic used for budget accounting: one
// token per four bytes of text.
func estimateTokens(texts ...string) int64 {
	var n int
	for _, t := range texts {
		n += len(t)
	}
	tokens := n / 4
	if tokens == 0 && n > 0 {
		tokens = 1
	}
	return int64(tokens)
}
