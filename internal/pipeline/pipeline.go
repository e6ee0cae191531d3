package pipeline

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/knowledge-graph-memory/internal/ai"
	"github.com/knowledge-graph-memory/internal/confidence"
	"github.com/knowledge-graph-memory/internal/diff"
	"github.com/knowledge-graph-memory/internal/graph"
)

// Config holds the extraction pipeline's tunables.
type Config struct {
	// STTFloor skips extraction entirely for low-confidence transcripts.
	STTFloor float64
	// STTScaling scales final confidence linearly by the transcript
	// confidence when it is above the floor.
	STTScaling bool
	// IndirectInference gates relations the LLM marked inferential.
	IndirectInference bool
	// HypotheticalCap bounds hypothetical/counterfactual relations.
	HypotheticalCap float64
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		STTFloor:          0.40,
		STTScaling:        true,
		IndirectInference: true,
		HypotheticalCap:   0.20,
	}
}

// Pipeline transforms an interaction into a prepared delta.
type Pipeline struct {
	llm    Completer
	conf   *confidence.Engine
	config Config
	logger *zap.Logger

	hallucinations atomic.Int64
}

// New creates an extraction pipeline.
func New(llm Completer, conf *confidence.Engine, cfg Config, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{llm: llm, conf: conf, config: cfg, logger: logger}
}

// HallucinationCount returns the number of extraction runs whose entity
// stage raised at least one hallucination warning.
func (p *Pipeline) HallucinationCount() int64 {
	return p.hallucinations.Load()
}

// Process runs all stages for one interaction. It never returns an error:
// every stage degrades to its fallback and the worst case is an empty delta
// whose summary explains why.
func (p *Pipeline) Process(ctx context.Context, ev Interaction, level ContextLevel) (*diff.Delta, Summary) {
	start := time.Now()
	summary := Summary{}

	correlationID := ev.CorrelationID
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	delta := &diff.Delta{
		CorrelationID: correlationID,
		SessionID:     ev.SessionID,
		Turn:          ev.Turn,
		Channel:       ev.Channel,
		OccurredAt:    occurredAt(ev),
	}

	// Speech-to-text gate: garbage in, nothing out.
	if ev.STTConfidence > 0 && ev.STTConfidence < p.config.STTFloor {
		summary.Skipped = true
		summary.SkipReason = "stt_below_floor"
		summary.DurationMs = elapsedMs(start)
		delta.Warnings = []string{"stt_below_floor"}
		return delta, summary
	}

	// Stage 1: preprocess.
	pre := preprocess(ev.Text)
	if pre.Failed {
		pre.Cleaned = ev.Text
		summary.Warnings = append(summary.Warnings, "preprocess_failed")
	}
	if pre.Skip {
		summary.Skipped = true
		summary.SkipReason = pre.SkipReason
		summary.DurationMs = elapsedMs(start)
		delta.Warnings = []string{"skipped:" + pre.SkipReason}
		return delta, summary
	}
	text := pre.Cleaned

	// Stage 2: entity extraction.
	entities, warnings := p.extractEntities(ctx, text, ev.EntitiesHint, level)
	summary.Warnings = append(summary.Warnings, warnings...)

	check := verifyEntities(entities, text, ev.EntitiesHint)
	summary.Warnings = append(summary.Warnings, check.Warnings...)
	if len(check.Warnings) > 0 {
		p.hallucinations.Add(1)
		summary.Hallucinations = len(check.Warnings)
	}
	if check.Discard {
		summary.Warnings = append(summary.Warnings, "entity_stage_discarded")
	}
	entities = applyChecks(entities, check)
	summary.EntityCount = len(entities)

	// Stage 3: relation extraction.
	var relations []rawRelation
	if len(entities) > 0 {
		var relWarnings []string
		relations, relWarnings = p.extractRelations(ctx, text, entities, level)
		summary.Warnings = append(summary.Warnings, relWarnings...)
	}
	summary.RelationCount = len(relations)

	// Stage 4: sentiment and hedging. Fallback: neutral, moderate hedge.
	sentiment, hedge := p.classifySentiment(ctx, text)
	delta.Sentiment = sentiment

	// Stages 5-7: temporal scope, confidence scoring, diff preparation.
	loc := sessionLocation(ev.Timezone)
	now := occurredAt(ev)

	for _, e := range entities {
		delta.Nodes = append(delta.Nodes, diff.ProposedNode{
			Kind:    entityKind(e.EntityType),
			Name:    e.Name,
			Aliases: e.Aliases,
			Privacy: graph.PrivacyPersonal,
		})
	}

	for _, rel := range relations {
		if rel.Retraction {
			delta.Retractions = append(delta.Retractions, diff.ProposedRetraction{
				SourceName: defaultSource(rel.Source),
				TargetName: rel.Target,
				Relation:   relationOrEmpty(rel),
				Reason:     "user_retraction",
			})
			continue
		}
		if rel.Source == "" || rel.Target == "" || rel.Relation == "" {
			continue
		}
		if check.Dropped[graph.FoldName(rel.Source)] || check.Dropped[graph.FoldName(rel.Target)] {
			continue
		}

		mech := mechanism(rel.Mechanism)
		if mech == graph.MechanismInferential && !p.config.IndirectInference {
			continue
		}

		facts := p.scoreRelation(rel, mech, hedge, sentiment, check, ev, now, loc)
		delta.Facts = append(delta.Facts, facts...)
	}

	delta.Warnings = summary.Warnings
	summary.DurationMs = elapsedMs(start)

	p.logger.Info("Extraction complete",
		zap.String("correlation_id", correlationID),
		zap.String("session_id", ev.SessionID),
		zap.Int("turn", ev.Turn),
		zap.Int("entities", summary.EntityCount),
		zap.Int("relations", summary.RelationCount),
		zap.Int("warnings", len(summary.Warnings)),
		zap.Float64("duration_ms", summary.DurationMs))

	return delta, summary
}

// ---------------------------------------------------------------------------
// Stage implementations
// ---------------------------------------------------------------------------

func (p *Pipeline) extractEntities(ctx context.Context, text string, known []string, level ContextLevel) ([]rawEntity, []string) {
	raw, err := p.completeWithRetry(ctx,
		buildEntityPrompt(text, known, level),
		buildEntityPrompt(text, known, ContextMinimal))
	if err != nil {
		p.logger.Warn("Entity extraction failed", zap.Error(err))
		return nil, []string{"entity_stage_failed"}
	}

	var payload entityPayload
	if !RepairJSON(raw, &payload) {
		// Some models return a bare array.
		var arr []rawEntity
		if !RepairJSON(raw, &arr) {
			return nil, []string{"entity_parse_failed"}
		}
		payload.Entities = arr
	}

	var out []rawEntity
	for _, e := range payload.Entities {
		if strings.TrimSpace(e.Name) == "" {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (p *Pipeline) extractRelations(ctx context.Context, text string, entities []rawEntity, level ContextLevel) ([]rawRelation, []string) {
	raw, err := p.completeWithRetry(ctx,
		buildRelationPrompt(text, entities, level),
		buildRelationPrompt(text, entities, ContextMinimal))
	if err != nil {
		p.logger.Warn("Relation extraction failed", zap.Error(err))
		return nil, []string{"relation_stage_failed"}
	}

	var payload relationPayload
	if !RepairJSON(raw, &payload) {
		var arr []rawRelation
		if !RepairJSON(raw, &arr) {
			return nil, []string{"relation_parse_failed"}
		}
		payload.Relations = arr
	}
	return payload.Relations, nil
}

func (p *Pipeline) classifySentiment(ctx context.Context, text string) (float64, confidence.HedgeLevel) {
	raw, err := p.llm.Complete(ctx, ai.TierSmall, buildSentimentPrompt(text))
	if err != nil {
		return 0, confidence.HedgeModerate
	}
	var payload sentimentPayload
	if !RepairJSON(raw, &payload) {
		return 0, confidence.HedgeModerate
	}
	hedge := confidence.HedgeLevel(strings.ToLower(payload.Hedge))
	switch hedge {
	case confidence.HedgeNone, confidence.HedgeMild, confidence.HedgeModerate, confidence.HedgeStrong:
	default:
		hedge = confidence.HedgeModerate
	}
	s := payload.Sentiment
	if s < -1 {
		s = -1
	}
	if s > 1 {
		s = 1
	}
	return s, hedge
}

// scoreRelation runs stages 5 and 6 for one raw relation and emits the
// prepared fact(s). A secondhand statement the user endorses yields a
// parallel user edge.
func (p *Pipeline) scoreRelation(rel rawRelation, mech graph.Mechanism, hedge confidence.HedgeLevel, sentiment float64, check hallucinationCheck, ev Interaction, now time.Time, loc *time.Location) []diff.ProposedFact {
	temporal, expiry := resolveTemporal(rel, now, loc)

	effSentiment := sentiment
	if rel.Sarcasm {
		effSentiment = -effSentiment
	}

	conf := p.conf.Initial(mech, hedge, sentimentStrength(effSentiment))
	var flags []string

	if rel.Sarcasm {
		conf *= 0.70
		flags = append(flags, "sarcasm")
	}
	if rel.Secondhand {
		conf *= 0.80
		flags = append(flags, "secondhand")
	}
	if rel.AttributionUncertain {
		conf = math.Min(conf, 0.50)
		flags = append(flags, "attribution_uncertain")
	}
	if rel.Hypothetical {
		conf = math.Min(conf, p.config.HypotheticalCap)
		flags = append(flags, "hypothetical")
	}
	if rel.Superseded {
		// Rapid context shift: the final settled intent was extracted
		// separately; earlier mentions stay as weak signals.
		conf = math.Min(conf, 0.30)
		flags = append(flags, "superseded_mention")
	}

	// Hallucination penalties halve confidences of affected entities.
	for _, name := range []string{rel.Source, rel.Target} {
		if mult, ok := check.Penalized[graph.FoldName(name)]; ok {
			conf *= mult
		}
	}

	// Speech-to-text confidence scales the result linearly once above the
	// floor.
	if p.config.STTScaling && ev.STTConfidence > 0 {
		conf *= ev.STTConfidence
	}

	conf = p.conf.Clamp(conf)

	fact := diff.ProposedFact{
		SourceName:  rel.Source,
		TargetName:  rel.Target,
		Relation:    rel.Relation,
		Confidence:  conf,
		Temporal:    temporal,
		Mechanism:   mech,
		Hedge:       hedge,
		ContextTags: contextTags(ev.Channel, rel),
		Expiry:      expiry,
		Flags:       flags,
		DecayRate:   p.conf.DecayRate(temporal),
	}
	facts := []diff.ProposedFact{fact}

	if rel.Secondhand && rel.UserAgrees {
		userFact := fact
		userFact.SourceName = "User"
		userFact.Mechanism = graph.MechanismExplicit
		userFact.Confidence = p.conf.Initial(graph.MechanismExplicit, hedge, sentimentStrength(effSentiment))
		userFact.Flags = []string{"endorsed"}
		facts = append(facts, userFact)
	}
	return facts
}

// completeWithRetry calls the small model, retrying once with the reduced
// prompt on timeout.
func (p *Pipeline) completeWithRetry(ctx context.Context, prompt, reducedPrompt string) (string, error) {
	raw, err := p.llm.Complete(ctx, ai.TierSmall, prompt)
	if err == nil {
		return raw, nil
	}
	if !isTimeout(err) {
		return "", err
	}
	p.logger.Warn("LLM timeout, retrying with reduced context", zap.Error(err))
	return p.llm.Complete(ctx, ai.TierSmall, reducedPrompt)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var t interface{ Timeout() bool }
	if errors.As(err, &t) && t.Timeout() {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "timeout")
}

// sentimentStrength maps sentiment magnitude to the scoring factor. Clear
// sentiment carries full weight; flat neutral statements dampen slightly.
func sentimentStrength(s float64) float64 {
	if math.Abs(s) >= 0.25 || s == 0 {
		return 1.0
	}
	return 0.95
}

func entityKind(entityType string) graph.NodeKind {
	switch strings.ToLower(entityType) {
	case "person":
		return graph.KindPerson
	case "organization", "org", "company":
		return graph.KindOrganization
	case "place", "location", "city":
		return graph.KindPlace
	case "tool", "technology":
		return graph.KindTool
	case "preference":
		return graph.KindPreference
	default:
		return graph.KindConcept
	}
}

func mechanism(m string) graph.Mechanism {
	switch strings.ToLower(m) {
	case "observational":
		return graph.MechanismObservational
	case "inferential", "inferred":
		return graph.MechanismInferential
	case "reflective":
		return graph.MechanismReflective
	default:
		return graph.MechanismExplicit
	}
}

func defaultSource(s string) string {
	if strings.TrimSpace(s) == "" {
		return "User"
	}
	return s
}

func relationOrEmpty(rel rawRelation) string {
	if rel.Relation == "retraction" {
		return ""
	}
	return rel.Relation
}

// contextTags scope a fact's conversational relevance: the channel plus the
// head word of the target ("Malbec 2018" -> "malbec").
func contextTags(channel string, rel rawRelation) []string {
	var tags []string
	if channel != "" {
		tags = append(tags, strings.ToLower(channel))
	}
	fields := strings.Fields(graph.FoldName(rel.Target))
	if len(fields) > 0 {
		tags = append(tags, fields[0])
	}
	return tags
}

func occurredAt(ev Interaction) time.Time {
	if !ev.ClientTime.IsZero() {
		return ev.ClientTime.UTC()
	}
	return time.Now().UTC()
}

func elapsedMs(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000.0
}
