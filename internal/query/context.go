package query

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/valyala/bytebufferpool"

	"github.com/knowledge-graph-memory/internal/graph"
)

// ContextInput is everything the context-block assembler considers.
type ContextInput struct {
	ActiveEntities []string
	ActiveTopics   []string
	TokenBudget    int
	// PendingProbes are probe payloads matching the context (peeked, not
	// consumed).
	PendingProbes []string
	// Reminders are active wish/state edges nearing expiry, rendered by the
	// caller.
	Reminders []string
}

// scoredFact is one candidate line with its relevance.
type scoredFact struct {
	line  string
	score float64
}

// AssembleContextBlock produces the compact ranked description the agent
// injects into its prompt: per-entity fact lists capped by the token
// budget, pending probes, and active reminders.
// Relevance: 0.40 entity match + 0.25 topic match + 0.20 confidence +
// 0.15 recency.
func (s *Service) AssembleContextBlock(in ContextInput) string {
	if in.TokenBudget <= 0 {
		in.TokenBudget = 512
	}

	entitySet := foldSet(in.ActiveEntities)
	topicSet := foldSet(in.ActiveTopics)
	now := time.Now().UTC()

	var facts []scoredFact
	for _, edge := range s.store.AllActiveEdges() {
		src, err := s.store.GetNode(edge.SourceID)
		if err != nil {
			continue
		}
		tgt, err := s.store.GetNode(edge.TargetID)
		if err != nil {
			continue
		}

		entityMatch := 0.0
		if matchesSet(entitySet, src.Name, src.Aliases) || matchesSet(entitySet, tgt.Name, tgt.Aliases) {
			entityMatch = 1.0
		}
		topicMatch := 0.0
		for _, tag := range edge.ContextTags {
			if topicSet[graph.FoldName(tag)] {
				topicMatch = 1.0
				break
			}
		}
		if topicMatch == 0 && topicSet[graph.FoldName(tgt.Name)] {
			topicMatch = 1.0
		}

		ageDays := now.Sub(edge.LastReinforced).Hours() / 24
		recency := math.Exp2(-ageDays / 30)

		score := 0.40*entityMatch + 0.25*topicMatch + 0.20*edge.Confidence + 0.15*recency
		if entityMatch == 0 && topicMatch == 0 {
			// Unrelated knowledge does not spend the agent's budget.
			continue
		}

		line := fmt.Sprintf("- %s %s %s (%.2f)", src.Name,
			strings.ReplaceAll(edge.Relation, "_", " "), tgt.Name, edge.Confidence)
		facts = append(facts, scoredFact{line: line, score: score})
	}

	sort.SliceStable(facts, func(i, j int) bool { return facts[i].score > facts[j].score })

	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	budget := in.TokenBudget
	writeLine := func(line string) bool {
		cost := approxTokens(line)
		if cost > budget {
			return false
		}
		budget -= cost
		buf.WriteString(line)
		buf.WriteByte('\n')
		return true
	}

	if len(facts) > 0 {
		writeLine("Known facts:")
		for _, f := range facts {
			if !writeLine(f.line) {
				break
			}
		}
	}
	if len(in.PendingProbes) > 0 && budget > 0 {
		writeLine("Pending questions:")
		for _, p := range in.PendingProbes {
			if !writeLine("- " + p) {
				break
			}
		}
	}
	if len(in.Reminders) > 0 && budget > 0 {
		writeLine("Active reminders:")
		for _, rem := range in.Reminders {
			if !writeLine("- " + rem) {
				break
			}
		}
	}

	return strings.TrimRight(buf.String(), "\n")
}

// approxTokens estimates the token cost of a line (four bytes per token).
func approxTokens(line string) int {
	n := len(line) / 4
	if n == 0 {
		n = 1
	}
	return n
}

func foldSet(list []string) map[string]bool {
	m := make(map[string]bool, len(list))
	for _, s := range list {
		if k := graph.FoldName(s); k != "" {
			m[k] = true
		}
	}
	return m
}

func matchesSet(set map[string]bool, name string, aliases []string) bool {
	if set[graph.FoldName(name)] {
		return true
	}
	for _, a := range aliases {
		if set[graph.FoldName(a)] {
			return true
		}
	}
	return false
}
