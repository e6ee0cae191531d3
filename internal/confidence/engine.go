// Package confidence holds the pure arithmetic of belief: initial scores,
// reinforcement boosts, decay curves, contradiction margins, and the
// archival threshold. Nothing here touches the store; the diff engine and
// the decay worker call in with values and apply the results.
package confidence

import (
	"math"
	"time"

	"github.com/knowledge-graph-memory/internal/graph"
)

// HedgeLevel classifies how strongly an utterance was hedged.
type HedgeLevel string

const (
	HedgeNone     HedgeLevel = "none"
	HedgeMild     HedgeLevel = "mild"
	HedgeModerate HedgeLevel = "moderate"
	HedgeStrong   HedgeLevel = "strong"
)

// Params holds every tunable of the confidence lifecycle.
type Params struct {
	// Base confidence per provenance mechanism.
	BaseExplicit      float64 `yaml:"base_explicit"`
	BaseObservational float64 `yaml:"base_observational"`
	BaseInferential   float64 `yaml:"base_inferential"`
	BaseReflective    float64 `yaml:"base_reflective"`

	// Hedge multipliers.
	HedgeNone     float64 `yaml:"hedge_none"`
	HedgeMild     float64 `yaml:"hedge_mild"`
	HedgeModerate float64 `yaml:"hedge_moderate"`
	HedgeStrong   float64 `yaml:"hedge_strong"`

	// Reinforcement and lifecycle.
	ReinforcementBoost float64 `yaml:"reinforcement_boost"`
	MaxConfidence      float64 `yaml:"max_confidence"`
	ArchiveThreshold   float64 `yaml:"archive_threshold"`
	ContradictionMargin float64 `yaml:"contradiction_margin"`
	MinStorageConfidence float64 `yaml:"min_storage_confidence"`

	// Decay rates are per 30-day month, per temporal type.
	DecayTrait   float64 `yaml:"decay_trait"`
	DecayState   float64 `yaml:"decay_state"`
	DecayWish    float64 `yaml:"decay_wish"`
	DecayEpisode float64 `yaml:"decay_episode"`

	// GracePeriod since last reinforcement before decay applies.
	GracePeriod time.Duration `yaml:"grace_period"`

	// TraitDecayProtection exempts trait edges from decay entirely.
	TraitDecayProtection bool `yaml:"trait_decay_protection"`
}

// DefaultParams returns the documented defaults.
func DefaultParams() Params {
	return Params{
		BaseExplicit:         0.90,
		BaseObservational:    0.65,
		BaseInferential:      0.45,
		BaseReflective:       0.50,
		HedgeNone:            1.00,
		HedgeMild:            0.90,
		HedgeModerate:        0.65,
		HedgeStrong:          0.50,
		ReinforcementBoost:   0.08,
		MaxConfidence:        0.98,
		ArchiveThreshold:     0.15,
		ContradictionMargin:  0.10,
		MinStorageConfidence: 0.25,
		DecayTrait:           0.01,
		DecayState:           0.04,
		DecayWish:            0.06,
		DecayEpisode:         0.10,
		GracePeriod:          30 * 24 * time.Hour,
		TraitDecayProtection: false,
	}
}

// Engine evaluates confidence arithmetic. All methods are pure.
type Engine struct {
	params Params
}

// NewEngine creates a confidence engine.
func NewEngine(params Params) *Engine {
	return &Engine{params: params}
}

// Params returns the engine's parameters.
func (e *Engine) Params() Params { return e.params }

// Base returns the base confidence for a provenance mechanism. User
// corrections score as explicit: the user said so.
func (e *Engine) Base(m graph.Mechanism) float64 {
	switch m {
	case graph.MechanismExplicit, graph.MechanismUserCorrection:
		return e.params.BaseExplicit
	case graph.MechanismObservational:
		return e.params.BaseObservational
	case graph.MechanismInferential:
		return e.params.BaseInferential
	case graph.MechanismReflective:
		return e.params.BaseReflective
	}
	return e.params.BaseObservational
}

// HedgeMultiplier returns the multiplier for a hedge level.
func (e *Engine) HedgeMultiplier(h HedgeLevel) float64 {
	switch h {
	case HedgeNone:
		return e.params.HedgeNone
	case HedgeMild:
		return e.params.HedgeMild
	case HedgeModerate:
		return e.params.HedgeModerate
	case HedgeStrong:
		return e.params.HedgeStrong
	}
	return e.params.HedgeModerate
}

// Initial computes the confidence for a newly extracted fact:
// base(mechanism) x hedge multiplier x sentiment strength, clamped.
func (e *Engine) Initial(m graph.Mechanism, hedge HedgeLevel, sentimentStrength float64) float64 {
	if sentimentStrength <= 0 {
		sentimentStrength = 1.0
	}
	return e.Clamp(e.Base(m) * e.HedgeMultiplier(hedge) * sentimentStrength)
}

// Reinforce moves confidence toward the ceiling without ever reaching it:
// new = old + boost x (1 - old).
func (e *Engine) Reinforce(current float64) float64 {
	return e.Clamp(current + e.params.ReinforcementBoost*(1-current))
}

// Decay computes the confidence after elapsed time without reinforcement.
// Rate is absolute confidence lost per 30-day month; the grace period is
// subtracted first. Traits may be exempted entirely.
func (e *Engine) Decay(current, rate float64, elapsed time.Duration, temporal graph.TemporalType) float64 {
	if temporal == graph.TemporalTrait && e.params.TraitDecayProtection {
		return current
	}
	effective := elapsed - e.params.GracePeriod
	if effective <= 0 {
		return current
	}
	if rate <= 0 {
		rate = e.DecayRate(temporal)
	}
	months := effective.Hours() / (30 * 24)
	return e.Clamp(math.Max(0, current-rate*months))
}

// DecayRate returns the default decay rate for a temporal type.
func (e *Engine) DecayRate(temporal graph.TemporalType) float64 {
	switch temporal {
	case graph.TemporalTrait:
		return e.params.DecayTrait
	case graph.TemporalState:
		return e.params.DecayState
	case graph.TemporalWish:
		return e.params.DecayWish
	case graph.TemporalEpisode:
		return e.params.DecayEpisode
	}
	return e.params.DecayState
}

// ShouldRevise reports whether a contradicting fact at newConfidence should
// supersede the existing edge at oldConfidence. Below the margin the right
// move is a verification probe, not a silent revision.
func (e *Engine) ShouldRevise(oldConfidence, newConfidence float64) bool {
	return newConfidence >= oldConfidence+e.params.ContradictionMargin
}

// ShouldArchive reports whether a decayed confidence falls below the
// archival threshold.
func (e *Engine) ShouldArchive(current float64) bool {
	return current < e.params.ArchiveThreshold
}

// ShouldStore reports whether a fact clears the minimum storage confidence.
func (e *Engine) ShouldStore(confidence float64) bool {
	return confidence >= e.params.MinStorageConfidence
}

// Clamp bounds a confidence to [0, MaxConfidence].
func (e *Engine) Clamp(c float64) float64 {
	if c < 0 {
		return 0
	}
	if c > e.params.MaxConfidence {
		return e.params.MaxConfidence
	}
	return c
}
