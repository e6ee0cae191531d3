// Package pipeline implements the staged extraction pipeline: preprocess,
// entity extraction, relation extraction, sentiment and hedging, temporal
// scoping, confidence scoring, and diff preparation. A failure at any stage
// degrades to that stage's fallback; the pipeline never raises to the
// caller — the worst outcome is an empty delta with warnings attached.
package pipeline

import (
	"context"
	"time"

	"github.com/knowledge-graph-memory/internal/ai"
)

// Interaction is one inbound conversational event.
type Interaction struct {
	SessionID     string    `json:"session_id"`
	Turn          int       `json:"turn_number"`
	Channel       string    `json:"channel"`
	Text          string    `json:"text"`
	EntitiesHint  []string  `json:"entities_hint,omitempty"`
	ClientTime    time.Time `json:"client_timestamp,omitempty"`
	Timezone      string    `json:"timezone,omitempty"`
	STTConfidence float64   `json:"stt_confidence,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

// ContextLevel is the amount of prior context the extraction prompts carry.
// Retries walk it down: full on the first attempt, half on the second,
// minimal on the last.
type ContextLevel int

const (
	ContextFull ContextLevel = iota
	ContextHalf
	ContextMinimal
)

// Completer abstracts the LLM provider for the pipeline. *ai.Provider
// satisfies it; tests plug a thin wrapper over ai.Mock.
type Completer interface {
	Complete(ctx context.Context, tier ai.Tier, prompt string) (string, error)
}

// rawEntity is the wire shape of an extracted entity.
type rawEntity struct {
	Name       string   `json:"name"`
	EntityType string   `json:"entity_type"`
	Aliases    []string `json:"aliases,omitempty"`
	New        bool     `json:"new,omitempty"`
	Explicit   bool     `json:"explicit,omitempty"`
}

// rawRelation is the wire shape of an extracted relation with the special
// case annotations stages 3 and 5 act on.
type rawRelation struct {
	Source               string  `json:"source"`
	Target               string  `json:"target"`
	Relation             string  `json:"relation"`
	Confidence           float64 `json:"confidence,omitempty"`
	Mechanism            string  `json:"mechanism,omitempty"`
	TemporalType         string  `json:"temporal_type,omitempty"`
	ExpiryHint           string  `json:"expiry_hint,omitempty"`
	Hypothetical         bool    `json:"hypothetical,omitempty"`
	Sarcasm              bool    `json:"sarcasm,omitempty"`
	Secondhand           bool    `json:"secondhand,omitempty"`
	UserAgrees           bool    `json:"user_agrees,omitempty"`
	AttributionUncertain bool    `json:"attribution_uncertain,omitempty"`
	Retraction           bool    `json:"retraction,omitempty"`
	Superseded           bool    `json:"superseded,omitempty"`
}

type entityPayload struct {
	Entities []rawEntity `json:"entities"`
}

type relationPayload struct {
	Relations []rawRelation `json:"relations"`
}

type sentimentPayload struct {
	Sentiment float64 `json:"sentiment"`
	Hedge     string  `json:"hedge"`
	Sarcasm   bool    `json:"sarcasm,omitempty"`
}

// Summary describes what one Process call did, for the get_context surface
// and the audit trail.
type Summary struct {
	EntityCount    int      `json:"entities_extracted"`
	RelationCount  int      `json:"relations_extracted"`
	Warnings       []string `json:"warnings,omitempty"`
	Skipped        bool     `json:"skipped,omitempty"`
	SkipReason     string   `json:"skip_reason,omitempty"`
	Hallucinations int      `json:"hallucinations,omitempty"`
	DurationMs     float64  `json:"duration_ms"`
}
