package proactive

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRiskModelThresholds(t *testing.T) {
	r := DefaultRiskConfig()

	assert.Equal(t, ActionAutoExecute, r.Assess(0.95, CostNone))
	assert.Equal(t, ActionSuggest, r.Assess(0.95, CostLow),
		"auto-execute requires zero cost")
	assert.Equal(t, ActionSuggest, r.Assess(0.60, CostMedium))
	assert.Equal(t, ActionCasualMention, r.Assess(0.40, CostLow))
	assert.Equal(t, ActionDefer, r.Assess(0.40, CostMedium))
	assert.Equal(t, ActionDefer, r.Assess(0.20, CostNone))
	assert.Equal(t, ActionDefer, r.Assess(0.95, CostHigh))
}

func TestRiskModelBoundaries(t *testing.T) {
	r := DefaultRiskConfig()

	assert.Equal(t, ActionAutoExecute, r.Assess(0.90, CostNone))
	assert.Equal(t, ActionSuggest, r.Assess(0.50, CostMedium))
	assert.Equal(t, ActionCasualMention, r.Assess(0.30, CostLow))

	// Unknown cost categories rank as high cost.
	assert.Equal(t, ActionDefer, r.Assess(0.95, CostCategory("outrageous")))
}
