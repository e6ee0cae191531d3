package pipeline

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/knowledge-graph-memory/internal/graph"
)

var inDurationRe = regexp.MustCompile(`(?i)in\s+(\d+)\s+(day|week|month|year)s?`)

// resolveTemporal assigns the temporal type and, when the statement is
// bounded, an absolute expiry resolved in the session's timezone.
// Stage 5 fallback: state, no expiry.
func resolveTemporal(rel rawRelation, now time.Time, loc *time.Location) (graph.TemporalType, *time.Time) {
	temporal := graph.TemporalType(strings.ToLower(rel.TemporalType))
	switch temporal {
	case graph.TemporalTrait, graph.TemporalState, graph.TemporalWish, graph.TemporalEpisode:
	default:
		temporal = graph.TemporalState
	}

	expiry := resolveExpiry(rel.ExpiryHint, now, loc)
	if expiry == nil && temporal == graph.TemporalWish {
		// Wishes without an explicit bound default to a 90-day horizon.
		t := now.In(loc).AddDate(0, 0, 90)
		expiry = &t
	}
	return temporal, expiry
}

// resolveExpiry turns a relative expression ("next month") into an absolute
// end-of-day timestamp. Calendar phrases ("this week", "next month", "next
// year", ...) run to the end of that period; "next week" and "in N
// days/weeks/months/years" count forward from now. Unknown phrases yield nil.
func resolveExpiry(hint string, now time.Time, loc *time.Location) *time.Time {
	hint = strings.ToLower(strings.TrimSpace(hint))
	if hint == "" {
		return nil
	}
	local := now.In(loc)
	endOfDay := func(t time.Time) time.Time {
		return time.Date(t.Year(), t.Month(), t.Day(), 23, 59, 59, 0, loc)
	}

	switch {
	case strings.Contains(hint, "today") || strings.Contains(hint, "tonight"):
		t := endOfDay(local)
		return &t
	case strings.Contains(hint, "tomorrow"):
		t := endOfDay(local.AddDate(0, 0, 1))
		return &t
	case strings.Contains(hint, "this weekend"):
		daysUntilSunday := (7 - int(local.Weekday())) % 7
		t := endOfDay(local.AddDate(0, 0, daysUntilSunday))
		return &t
	case strings.Contains(hint, "next week"):
		t := endOfDay(local.AddDate(0, 0, 7))
		return &t
	case strings.Contains(hint, "this week"):
		daysLeft := (7 - int(local.Weekday())) % 7
		t := endOfDay(local.AddDate(0, 0, daysLeft))
		return &t
	case strings.Contains(hint, "next month"):
		firstOfNext := time.Date(local.Year(), local.Month(), 1, 0, 0, 0, 0, loc).AddDate(0, 2, -1)
		t := endOfDay(firstOfNext)
		return &t
	case strings.Contains(hint, "this month"):
		lastOfMonth := time.Date(local.Year(), local.Month(), 1, 0, 0, 0, 0, loc).AddDate(0, 1, -1)
		t := endOfDay(lastOfMonth)
		return &t
	case strings.Contains(hint, "next year"):
		t := endOfDay(time.Date(local.Year()+1, 12, 31, 0, 0, 0, 0, loc))
		return &t
	}

	if m := inDurationRe.FindStringSubmatch(hint); m != nil {
		n, err := strconv.Atoi(m[1])
		if err == nil {
			var t time.Time
			switch m[2] {
			case "day":
				t = local.AddDate(0, 0, n)
			case "week":
				t = local.AddDate(0, 0, 7*n)
			case "month":
				t = local.AddDate(0, n, 0)
			case "year":
				t = local.AddDate(n, 0, 0)
			}
			t = endOfDay(t)
			return &t
		}
	}
	return nil
}

// sessionLocation resolves the interaction's timezone, defaulting to UTC.
func sessionLocation(tz string) *time.Location {
	if tz == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.UTC
	}
	return loc
}
