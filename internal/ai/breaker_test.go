package ai

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"
)

func TestBreakerOpensAfterFailuresInWindow(t *testing.T) {
	b := NewBreaker("test", BreakerConfig{
		MaxFailures: 3,
		Window:      time.Minute,
		Cooldown:    time.Hour,
	}, zaptest.NewLogger(t))

	assert.Equal(t, BreakerClosed, b.State())
	b.Failure()
	b.Failure()
	assert.True(t, b.Allow(), "still closed below the failure threshold")
	b.Failure()
	assert.Equal(t, BreakerOpen, b.State())
	assert.False(t, b.Allow())
}

func TestBreakerHalfOpenSingleProbe(t *testing.T) {
	b := NewBreaker("test", BreakerConfig{
		MaxFailures: 1,
		Window:      time.Minute,
		Cooldown:    10 * time.Millisecond,
	}, zaptest.NewLogger(t))

	b.Failure()
	assert.False(t, b.Allow())

	time.Sleep(20 * time.Millisecond)
	assert.True(t, b.Allow(), "cooldown elapsed, one probe admitted")
	assert.False(t, b.Allow(), "only one probe at a time in half-open")

	b.Success()
	assert.Equal(t, BreakerClosed, b.State())
	assert.True(t, b.Allow())
}

func TestBreakerReopensOnFailedProbe(t *testing.T) {
	b := NewBreaker("test", BreakerConfig{
		MaxFailures: 1,
		Window:      time.Minute,
		Cooldown:    10 * time.Millisecond,
	}, zaptest.NewLogger(t))

	b.Failure()
	time.Sleep(20 * time.Millisecond)
	assert.True(t, b.Allow())
	b.Failure()
	assert.False(t, b.Allow(), "failed probe re-opens immediately")
}

func TestBreakerSuccessResetsFailureWindow(t *testing.T) {
	b := NewBreaker("test", BreakerConfig{
		MaxFailures: 3,
		Window:      time.Minute,
		Cooldown:    time.Hour,
	}, zaptest.NewLogger(t))

	b.Failure()
	b.Failure()
	b.Success()
	b.Failure()
	b.Failure()
	assert.Equal(t, BreakerClosed, b.State(), "success clears accumulated failures")
}

func TestDefaultBreakerProfiles(t *testing.T) {
	assert.Equal(t, 3, SmallLLMBreaker().MaxFailures)
	assert.Equal(t, 15*time.Second, SmallLLMBreaker().Cooldown)
	assert.Equal(t, 2, LargeLLMBreaker().MaxFailures)
	assert.Equal(t, 60*time.Second, LargeLLMBreaker().Cooldown)
	assert.Equal(t, 5, StoreBreaker().MaxFailures)
	assert.Equal(t, 30*time.Second, StoreBreaker().Cooldown)
}
