package ai

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// BreakerState is the circuit breaker state machine position.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half-open"
)

// BreakerConfig tunes one circuit breaker.
type BreakerConfig struct {
	// MaxFailures within Window trips the breaker open.
	MaxFailures int
	Window      time.Duration
	// Cooldown is how long the breaker stays open before allowing a single
	// half-open probe.
	Cooldown time.Duration
}

// SmallLLMBreaker returns the default breaker for the small model tier.
func SmallLLMBreaker() BreakerConfig {
	return BreakerConfig{MaxFailures: 3, Window: 60 * time.Second, Cooldown: 15 * time.Second}
}

// LargeLLMBreaker returns the default breaker for the large model tier.
func LargeLLMBreaker() BreakerConfig {
	return BreakerConfig{MaxFailures: 2, Window: 60 * time.Second, Cooldown: 60 * time.Second}
}

// StoreBreaker returns the default breaker for the persistence dependency.
func StoreBreaker() BreakerConfig {
	return BreakerConfig{MaxFailures: 5, Window: 60 * time.Second, Cooldown: 30 * time.Second}
}

// Breaker is a classic three-state circuit breaker: closed until
// MaxFailures accumulate inside Window, open for Cooldown, then half-open
// admitting one probe whose outcome decides the next state.
type Breaker struct {
	name   string
	config BreakerConfig
	logger *zap.Logger

	mu        sync.Mutex
	state     BreakerState
	failures  []time.Time
	openedAt  time.Time
	probing   bool
}

// NewBreaker creates a circuit breaker.
func NewBreaker(name string, cfg BreakerConfig, logger *zap.Logger) *Breaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Breaker{name: name, config: cfg, logger: logger, state: BreakerClosed}
}

// Allow reports whether a call may proceed. In half-open state only one
// probe is admitted at a time.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if time.Since(b.openedAt) >= b.config.Cooldown {
			b.state = BreakerHalfOpen
			b.probing = true
			b.logger.Info("Circuit breaker half-open", zap.String("breaker", b.name))
			return true
		}
		return false
	case BreakerHalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	}
	return false
}

// Success records a successful call.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != BreakerClosed {
		b.logger.Info("Circuit breaker closed", zap.String("breaker", b.name))
	}
	b.state = BreakerClosed
	b.failures = b.failures[:0]
	b.probing = false
}

// Failure records a failed call, possibly tripping the breaker.
func (b *Breaker) Failure() {
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerHalfOpen {
		b.state = BreakerOpen
		b.openedAt = now
		b.probing = false
		b.logger.Warn("Circuit breaker re-opened after failed probe", zap.String("breaker", b.name))
		return
	}

	cutoff := now.Add(-b.config.Window)
	kept := b.failures[:0]
	for _, t := range b.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.failures = append(kept, now)

	if len(b.failures) >= b.config.MaxFailures {
		b.state = BreakerOpen
		b.openedAt = now
		b.logger.Warn("Circuit breaker opened",
			zap.String("breaker", b.name),
			zap.Int("failures", len(b.failures)),
			zap.Duration("window", b.config.Window))
	}
}

// State returns the current breaker state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen && time.Since(b.openedAt) >= b.config.Cooldown {
		return BreakerHalfOpen
	}
	return b.state
}
