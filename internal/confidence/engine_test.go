package confidence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/knowledge-graph-memory/internal/graph"
)

func TestInitialScores(t *testing.T) {
	e := NewEngine(DefaultParams())

	// Explicit, unhedged, full sentiment strength.
	assert.InDelta(t, 0.90, e.Initial(graph.MechanismExplicit, HedgeNone, 1.0), 1e-9)

	// Observational with a moderate hedge.
	assert.InDelta(t, 0.65*0.65, e.Initial(graph.MechanismObservational, HedgeModerate, 1.0), 1e-9)

	// Strong hedge halves the base.
	assert.InDelta(t, 0.45*0.50, e.Initial(graph.MechanismInferential, HedgeStrong, 1.0), 1e-9)

	// User corrections score as explicit.
	assert.InDelta(t, 0.90, e.Initial(graph.MechanismUserCorrection, HedgeNone, 1.0), 1e-9)

	// Zero sentiment strength defaults to full weight.
	assert.InDelta(t, 0.90, e.Initial(graph.MechanismExplicit, HedgeNone, 0), 1e-9)
}

func TestReinforceApproachesCeiling(t *testing.T) {
	e := NewEngine(DefaultParams())

	got := e.Reinforce(0.90)
	assert.InDelta(t, 0.908, got, 1e-9, "0.90 + 0.08*(1-0.90)")

	// Repeated reinforcement never exceeds C_max.
	c := 0.5
	for i := 0; i < 200; i++ {
		c = e.Reinforce(c)
	}
	assert.LessOrEqual(t, c, DefaultParams().MaxConfidence)
}

func TestDecayRespectsGracePeriod(t *testing.T) {
	e := NewEngine(DefaultParams())

	// Inside the grace window nothing decays.
	got := e.Decay(0.80, 0.08, 20*24*time.Hour, graph.TemporalState)
	assert.InDelta(t, 0.80, got, 1e-9)

	// Six months at 0.08/month with a 30-day grace: five effective months.
	got = e.Decay(0.30, 0.08, 180*24*time.Hour, graph.TemporalState)
	assert.Less(t, got, 0.15, "must cross the archive threshold by month five")
	assert.GreaterOrEqual(t, got, 0.0)
}

func TestDecayTraitProtection(t *testing.T) {
	p := DefaultParams()
	p.TraitDecayProtection = true
	e := NewEngine(p)

	got := e.Decay(0.70, 0.08, 365*24*time.Hour, graph.TemporalTrait)
	assert.InDelta(t, 0.70, got, 1e-9)

	// States still decay.
	got = e.Decay(0.70, 0.08, 365*24*time.Hour, graph.TemporalState)
	assert.Less(t, got, 0.70)
}

func TestDecayRatePerTemporalType(t *testing.T) {
	e := NewEngine(DefaultParams())
	assert.Less(t, e.DecayRate(graph.TemporalTrait), e.DecayRate(graph.TemporalWish),
		"traits decay slower than wishes")
	assert.Less(t, e.DecayRate(graph.TemporalWish), e.DecayRate(graph.TemporalEpisode),
		"wishes decay slower than episodes")
}

func TestContradictionMargin(t *testing.T) {
	e := NewEngine(DefaultParams())
	assert.True(t, e.ShouldRevise(0.80, 0.90))
	assert.True(t, e.ShouldRevise(0.80, 0.90001))
	assert.False(t, e.ShouldRevise(0.80, 0.85), "below the margin asks a probe instead")
}

func TestThresholds(t *testing.T) {
	e := NewEngine(DefaultParams())
	assert.True(t, e.ShouldArchive(0.14))
	assert.False(t, e.ShouldArchive(0.15))
	assert.True(t, e.ShouldStore(0.25))
	assert.False(t, e.ShouldStore(0.24))
}

func TestClamp(t *testing.T) {
	e := NewEngine(DefaultParams())
	assert.Equal(t, 0.0, e.Clamp(-0.2))
	assert.Equal(t, DefaultParams().MaxConfidence, e.Clamp(1.2))
	assert.Equal(t, 0.5, e.Clamp(0.5))
}
