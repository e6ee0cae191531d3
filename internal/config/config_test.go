package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsAreBalanced(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 1, cfg.Probing.MaxPerConversation)
	assert.Equal(t, 3, cfg.Probing.MaxPerDay)
	assert.Equal(t, 10, cfg.Probing.MaxPerWeek)
	assert.Equal(t, 3, cfg.Probing.MinTurn)
	assert.InDelta(t, 0.90, cfg.Confidence.BaseExplicit, 1e-9)
	assert.InDelta(t, 0.08, cfg.Confidence.ReinforcementBoost, 1e-9)
	assert.InDelta(t, 0.15, cfg.Confidence.ArchiveThreshold, 1e-9)
	assert.InDelta(t, 0.50, cfg.Starters.Threshold, 1e-9)
	assert.Equal(t, 30*24*time.Hour, cfg.Confidence.GracePeriod)
}

func TestYAMLOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen_addr: ":9090"
confidence:
  reinforcement_boost: 0.12
llm:
  mock: true
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.ListenAddr)
	assert.InDelta(t, 0.12, cfg.Confidence.ReinforcementBoost, 1e-9)
	assert.True(t, cfg.LLM.Mock)
	// Untouched fields keep their defaults.
	assert.InDelta(t, 0.90, cfg.Confidence.BaseExplicit, 1e-9)
}

func TestPresetsOverrideProbingLimits(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("proactivity_preset: conservative\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.Probing.MaxPerDay)
	assert.Equal(t, 5, cfg.Probing.MinTurn)
	assert.InDelta(t, 0.70, cfg.Starters.Threshold, 1e-9)

	require.NoError(t, os.WriteFile(path, []byte("proactivity_preset: proactive\n"), 0o644))
	cfg, err = Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Probing.MaxPerDay)
	assert.Equal(t, 2, cfg.Probing.MinTurn)
}

func TestValidationRejectsBadThresholds(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
confidence:
  max_confidence: 1.7
`), 0o644))
	_, err := Load(path)
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte(`
confidence:
  archive_threshold: 0.99
`), 0o644))
	_, err = Load(path)
	assert.Error(t, err)
}

func TestMissingFileFails(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	assert.Error(t, err)
}
