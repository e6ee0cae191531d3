package pipeline

import (
	"fmt"
	"strings"

	"github.com/knowledge-graph-memory/internal/graph"
)

// hallucinationCheck verifies extracted entities against the utterance.
// Each warning halves the confidence of the affected entity's facts; three
// or more warnings discard the stage output entirely.
type hallucinationCheck struct {
	Warnings []string
	// Penalized maps case-folded entity names to a confidence multiplier.
	Penalized map[string]float64
	// Dropped marks fabricated entities (explicit span not found); they are
	// removed from the stage output entirely.
	Dropped map[string]bool
	// Discard is set when the stage output is unusable.
	Discard bool
}

// maxEntityWordRatio bounds entity count to half the utterance word count.
const maxEntityWordRatio = 0.5

// discardWarningCount is the warning total that discards the stage.
const discardWarningCount = 3

// verifyEntities runs the span, count, and known-entity checks.
func verifyEntities(entities []rawEntity, utterance string, knownHint []string) hallucinationCheck {
	check := hallucinationCheck{
		Penalized: make(map[string]float64),
		Dropped:   make(map[string]bool),
	}
	folded := graph.FoldName(utterance)

	known := make(map[string]bool, len(knownHint))
	for _, k := range knownHint {
		known[graph.FoldName(k)] = true
	}

	// Span verification: an entity marked explicit must appear in the text.
	// A miss is pure fabrication, so the entity is dropped outright.
	for _, e := range entities {
		if !e.Explicit {
			continue
		}
		if entityAppears(e, folded) {
			continue
		}
		check.Warnings = append(check.Warnings,
			fmt.Sprintf("explicit entity %q not found in utterance", e.Name))
		check.Dropped[graph.FoldName(e.Name)] = true
	}

	// Plausibility: entity count bounded by utterance length.
	words := wordCount(utterance)
	if words > 0 && float64(len(entities)) > maxEntityWordRatio*float64(words) {
		check.Warnings = append(check.Warnings,
			fmt.Sprintf("implausible entity count %d for %d words", len(entities), words))
		for _, e := range entities {
			key := graph.FoldName(e.Name)
			if _, ok := check.Penalized[key]; !ok {
				check.Penalized[key] = 0.5
			}
		}
	}

	// Context bleed: an entity claimed new that the session already knows.
	for _, e := range entities {
		if e.New && known[graph.FoldName(e.Name)] {
			check.Warnings = append(check.Warnings,
				fmt.Sprintf("entity %q marked new but already known", e.Name))
			check.Penalized[graph.FoldName(e.Name)] = 0.5
		}
	}

	if len(check.Warnings) >= discardWarningCount {
		check.Discard = true
	}
	return check
}

// entityAppears reports whether the entity's name or any alias occurs as a
// substring of the case-folded utterance.
func entityAppears(e rawEntity, foldedUtterance string) bool {
	if strings.Contains(foldedUtterance, graph.FoldName(e.Name)) {
		return true
	}
	for _, a := range e.Aliases {
		if a != "" && strings.Contains(foldedUtterance, graph.FoldName(a)) {
			return true
		}
	}
	return false
}

// applyChecks removes dropped entities, or everything when the stage output
// was discarded; confidence penalties apply at scoring time.
func applyChecks(entities []rawEntity, check hallucinationCheck) []rawEntity {
	if check.Discard {
		return nil
	}
	if len(check.Dropped) == 0 {
		return entities
	}
	kept := entities[:0]
	for _, e := range entities {
		if !check.Dropped[graph.FoldName(e.Name)] {
			kept = append(kept, e)
		}
	}
	return kept
}
