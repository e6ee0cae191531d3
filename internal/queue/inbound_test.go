package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/knowledge-graph-memory/internal/pipeline"
)

func TestBackoffLadder(t *testing.T) {
	assert.Equal(t, time.Second, backoffDelay(1))
	assert.Equal(t, 5*time.Second, backoffDelay(2))
	assert.Equal(t, 30*time.Second, backoffDelay(3))
	assert.Equal(t, 30*time.Second, backoffDelay(9), "ladder caps at the last rung")
	assert.Equal(t, time.Second, backoffDelay(0))
}

func TestContextReductionPerAttempt(t *testing.T) {
	assert.Equal(t, pipeline.ContextFull, contextLevel(1))
	assert.Equal(t, pipeline.ContextHalf, contextLevel(2))
	assert.Equal(t, pipeline.ContextMinimal, contextLevel(3))
	assert.Equal(t, pipeline.ContextMinimal, contextLevel(7))
}

func TestIdempotencyKeyShape(t *testing.T) {
	assert.Equal(t, "sess-1:4", idempotencyKey("sess-1", 4))
}
