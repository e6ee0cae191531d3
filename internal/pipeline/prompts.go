package pipeline

import (
	"fmt"
	"strings"
)

const entityPromptTemplate = `You are a knowledge extraction engine. Extract entities from a user's
conversational message.

Extract ONLY observable facts. Do not invent entities that are not named or
strongly implied by the message. The speaker is always "User".

RULES:
- entity_type is one of: person, organization, place, tool, concept, preference.
- Mark "explicit": true when the entity is literally named in the message.
- Mark "new": true only when the entity is not in the known-entities list.
- Return an empty array when nothing is extractable.

KNOWN ENTITIES:
%s

Respond with ONLY valid JSON, no other text:
{"entities": [{"name": "...", "entity_type": "...", "aliases": [], "new": true, "explicit": true}]}

MESSAGE:
%s`

const relationPromptTemplate = `You are a knowledge extraction engine. Extract relationships between
entities mentioned in a user's conversational message.

The speaker is always "User". Every source and target must name an entity.

RULES:
- relation is a short snake_case verb phrase (prefers, works_at, married_to,
  planning, learned_from, dislikes, ...).
- mechanism is "explicit" for stated facts, "observational" for facts implied
  by behavior, "inferential" for your own inferences.
- Confidence: explicit statements 0.85-0.95, hedged statements 0.40-0.60.
- Hypothetical or counterfactual statements ("if I were...") get
  "hypothetical": true.
- Sarcasm or irony gets "sarcasm": true; when ambiguous, treat as neutral.
- With several people in the message, bind each predicate to its nearest
  subject; set "attribution_uncertain": true when unsure.
- "John thinks X" is a relation with source "John" and "secondhand": true.
  A trailing "and I agree" additionally sets "user_agrees": true.
- "forget what I said about X" is {"retraction": true, "source": "User", "target": "X"}.
- In rapid corrections ("to Lisbon, no wait, Porto"), keep only the final
  settled statement; mark earlier mentions "superseded": true.
- temporal_type is one of: trait, state, wish, episode.
- When the statement is time-bounded, set "expiry_hint" to the phrase used
  ("next month", "this weekend").

ENTITIES IN THIS MESSAGE:
%s

Respond with ONLY valid JSON, no other text:
{"relations": [{"source": "...", "target": "...", "relation": "...", "confidence": 0.9, "mechanism": "explicit", "temporal_type": "trait"}]}

MESSAGE:
%s`

const sentimentPromptTemplate = `Classify the sentiment and hedging of this message.

- sentiment: a number in [-1, 1]; negative for dislike or distress.
- hedge: "none" for flat statements, "mild" ("I think"), "moderate"
  ("maybe", "probably"), "strong" ("I might possibly").
- sarcasm: true when the literal sentiment is inverted.

Respond with ONLY valid JSON, no other text:
{"sentiment": 0.0, "hedge": "none", "sarcasm": false}

MESSAGE:
%s`

func buildEntityPrompt(text string, known []string, level ContextLevel) string {
	return fmt.Sprintf(entityPromptTemplate, formatKnown(known, level), text)
}

func buildRelationPrompt(text string, entities []rawEntity, level ContextLevel) string {
	names := make([]string, 0, len(entities))
	for _, e := range entities {
		names = append(names, fmt.Sprintf("- %s (%s)", e.Name, e.EntityType))
	}
	names = trimForLevel(names, level)
	list := "  (none)"
	if len(names) > 0 {
		list = strings.Join(names, "\n")
	}
	return fmt.Sprintf(relationPromptTemplate, list, text)
}

func buildSentimentPrompt(text string) string {
	return fmt.Sprintf(sentimentPromptTemplate, text)
}

// formatKnown renders the session's known-entities hint, shrunk by the
// retry context level.
func formatKnown(known []string, level ContextLevel) string {
	if len(known) == 0 {
		return "  (none)"
	}
	lines := make([]string, 0, len(known))
	for _, k := range known {
		lines = append(lines, "- "+k)
	}
	lines = trimForLevel(lines, level)
	if len(lines) == 0 {
		return "  (none)"
	}
	return strings.Join(lines, "\n")
}

func trimForLevel(lines []string, level ContextLevel) []string {
	switch level {
	case ContextHalf:
		if len(lines) > 1 {
			lines = lines[:len(lines)/2]
		}
	case ContextMinimal:
		lines = nil
	}
	return lines
}
