package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knowledge-graph-memory/internal/graph"
)

var wednesday = time.Date(2026, 8, 5, 10, 0, 0, 0, time.UTC)

func TestResolveExpiryRelativeExpressions(t *testing.T) {
	cases := []struct {
		hint string
		day  int
		mon  time.Month
	}{
		{"today", 5, time.August},
		{"tomorrow", 6, time.August},
		{"next week", 12, time.August},
		{"next month", 30, time.September},
		{"in 3 days", 8, time.August},
		{"in 2 weeks", 19, time.August},
		{"in 1 month", 5, time.September},
	}
	for _, tc := range cases {
		got := resolveExpiry(tc.hint, wednesday, time.UTC)
		require.NotNil(t, got, "hint %q", tc.hint)
		assert.Equal(t, tc.day, got.Day(), "hint %q", tc.hint)
		assert.Equal(t, tc.mon, got.Month(), "hint %q", tc.hint)
	}
}

func TestResolveExpiryUnknownHint(t *testing.T) {
	assert.Nil(t, resolveExpiry("", wednesday, time.UTC))
	assert.Nil(t, resolveExpiry("whenever", wednesday, time.UTC))
}

func TestResolveExpiryUsesSessionTimezone(t *testing.T) {
	tokyo, err := time.LoadLocation("Asia/Tokyo")
	require.NoError(t, err)

	// 23:00 UTC on the 5th is already the 6th in Tokyo, so "today" ends on
	// the Tokyo date.
	late := time.Date(2026, 8, 5, 23, 0, 0, 0, time.UTC)
	got := resolveExpiry("today", late, tokyo)
	require.NotNil(t, got)
	assert.Equal(t, 6, got.Day())
}

func TestResolveTemporalDefaults(t *testing.T) {
	temporal, expiry := resolveTemporal(rawRelation{}, wednesday, time.UTC)
	assert.Equal(t, graph.TemporalState, temporal, "fallback is state")
	assert.Nil(t, expiry)

	temporal, expiry = resolveTemporal(rawRelation{TemporalType: "wish"}, wednesday, time.UTC)
	assert.Equal(t, graph.TemporalWish, temporal)
	require.NotNil(t, expiry, "unbounded wishes get a default horizon")
}

func TestSessionLocationFallsBackToUTC(t *testing.T) {
	assert.Equal(t, time.UTC, sessionLocation(""))
	assert.Equal(t, time.UTC, sessionLocation("Not/AZone"))
	loc := sessionLocation("Europe/Lisbon")
	assert.Equal(t, "Europe/Lisbon", loc.String())
}
