package pipeline

import (
	"regexp"
	"strings"

	"github.com/knowledge-graph-memory/internal/jsonx"
)

var (
	fenceRe        = regexp.MustCompile("(?is)```(?:json)?\\s*(.*?)\\s*```")
	trailingComma  = regexp.MustCompile(`,\s*([}\]])`)
)

// RepairJSON attempts to parse common LLM output damage into v:
// markdown fences around the payload, prose before or after it, trailing
// commas, and unclosed top-level brackets. Returns false when no parseable
// payload can be recovered.
func RepairJSON(raw string, v any) bool {
	if strings.TrimSpace(raw) == "" {
		return false
	}

	text := stripCodeFences(raw)
	candidate := firstJSONBlock(text)
	if candidate == "" {
		// Fences may have swallowed the payload; retry on the original.
		candidate = firstJSONBlock(raw)
	}
	if candidate == "" {
		return false
	}

	candidate = trailingComma.ReplaceAllString(candidate, "$1")
	if jsonx.UnmarshalFromString(candidate, v) == nil {
		return true
	}

	// Best effort: balance unclosed brackets, then retry.
	openSq := strings.Count(candidate, "[") - strings.Count(candidate, "]")
	openCu := strings.Count(candidate, "{") - strings.Count(candidate, "}")
	repaired := candidate
	for i := 0; i < openSq; i++ {
		repaired += "]"
	}
	for i := 0; i < openCu; i++ {
		repaired += "}"
	}
	repaired = trailingComma.ReplaceAllString(repaired, "$1")
	return jsonx.UnmarshalFromString(repaired, v) == nil
}

// stripCodeFences prefers the content of the first fenced block, if any.
func stripCodeFences(text string) string {
	if m := fenceRe.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1])
	}
	return strings.TrimSpace(text)
}

// firstJSONBlock extracts the first syntactically complete JSON object or
// array, matching brackets while respecting strings and escapes.
func firstJSONBlock(text string) string {
	start := -1
	var opener, closer byte
	for i := 0; i < len(text); i++ {
		if text[i] == '{' || text[i] == '[' {
			start = i
			opener = text[i]
			if opener == '{' {
				closer = '}'
			} else {
				closer = ']'
			}
			break
		}
	}
	if start < 0 {
		return ""
	}

	depth := 0
	inString := false
	escape := false
	for i := start; i < len(text); i++ {
		ch := text[i]
		if inString {
			if escape {
				escape = false
				continue
			}
			switch ch {
			case '\\':
				escape = true
			case '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case opener:
			depth++
		case closer:
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	// No complete block; return the open tail so the caller can balance it.
	return text[start:]
}
