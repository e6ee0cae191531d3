// Package config loads the service configuration: YAML file over defaults,
// with proactivity presets applied as coherent override sets.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Preset names a coherent proactivity override set.
type Preset string

const (
	PresetConservative Preset = "conservative"
	PresetBalanced     Preset = "balanced"
	PresetProactive    Preset = "proactive"
)

// Config is the full service configuration.
type Config struct {
	// DataDir holds the badger database and the bleve index.
	DataDir string `yaml:"data_dir"`

	// ListenAddr is the HTTP transport bind address.
	ListenAddr string `yaml:"listen_addr"`

	// External dependencies.
	NATSAddress   string `yaml:"nats_address"`
	RedisAddress  string `yaml:"redis_address"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	// Proactivity preset; applied before individual overrides.
	ProactivityPreset Preset `yaml:"proactivity_preset"`

	Extraction ExtractionConfig `yaml:"extraction"`
	Confidence ConfidenceConfig `yaml:"confidence"`
	Probing    ProbingConfig    `yaml:"probing"`
	Starters   StartersConfig   `yaml:"starters"`
	Risk       RiskConfig       `yaml:"risk"`
	Workers    WorkersConfig    `yaml:"workers"`
	LLM        LLMConfig        `yaml:"llm"`
	Privacy    PrivacyConfig    `yaml:"privacy"`
	Monitors   map[string]MonitorConfig `yaml:"monitors"`

	LogLevel string `yaml:"log_level"`
}

// ExtractionConfig mirrors the pipeline toggles.
type ExtractionConfig struct {
	IndirectInference    bool    `yaml:"indirect_inference"`
	MinStorageConfidence float64 `yaml:"min_storage_confidence"`
	STTFloor             float64 `yaml:"stt_floor"`
	STTScaling           bool    `yaml:"stt_scaling"`
}

// ConfidenceConfig mirrors the confidence engine parameters.
type ConfidenceConfig struct {
	BaseExplicit         float64       `yaml:"base_explicit"`
	BaseObservational    float64       `yaml:"base_observational"`
	BaseInferential      float64       `yaml:"base_inferential"`
	BaseReflective       float64       `yaml:"base_reflective"`
	HedgeNone            float64       `yaml:"hedge_none"`
	HedgeMild            float64       `yaml:"hedge_mild"`
	HedgeModerate        float64       `yaml:"hedge_moderate"`
	HedgeStrong          float64       `yaml:"hedge_strong"`
	ReinforcementBoost   float64       `yaml:"reinforcement_boost"`
	MaxConfidence        float64       `yaml:"max_confidence"`
	ArchiveThreshold     float64       `yaml:"archive_threshold"`
	TraitDecayProtection bool          `yaml:"trait_decay_protection"`
	DecayTrait           float64       `yaml:"decay_trait"`
	DecayState           float64       `yaml:"decay_state"`
	DecayWish            float64       `yaml:"decay_wish"`
	DecayEpisode         float64       `yaml:"decay_episode"`
	GracePeriod          time.Duration `yaml:"grace_period"`
}

// ProbingConfig mirrors the outbound gating limits.
type ProbingConfig struct {
	MaxPerConversation int           `yaml:"max_per_conversation"`
	MaxPerDay          int           `yaml:"max_per_day"`
	MaxPerWeek         int           `yaml:"max_per_week"`
	MinTurn            int           `yaml:"min_turn"`
	MinContextFit      float64       `yaml:"min_context_fit"`
	IgnoreCooldown     time.Duration `yaml:"ignore_cooldown"`
	DeflectCooldown    time.Duration `yaml:"deflect_cooldown"`
}

// StartersConfig mirrors starter generation limits.
type StartersConfig struct {
	Threshold         float64 `yaml:"threshold"`
	QuietStartHour    int     `yaml:"quiet_start_hour"`
	QuietEndHour      int     `yaml:"quiet_end_hour"`
	QuietHourOverride bool    `yaml:"quiet_hour_override"`
}

// RiskConfig mirrors the risk model thresholds.
type RiskConfig struct {
	AutoExecuteConfidence   float64 `yaml:"auto_execute_confidence"`
	SuggestConfidence       float64 `yaml:"suggest_confidence"`
	CasualMentionConfidence float64 `yaml:"casual_mention_confidence"`
}

// WorkersConfig mirrors background schedules.
type WorkersConfig struct {
	DecayInterval      time.Duration `yaml:"decay_interval"`
	RevisionInterval   time.Duration `yaml:"revision_interval"`
	InferenceInterval  time.Duration `yaml:"inference_interval"`
	ClusteringInterval time.Duration `yaml:"clustering_interval"`
	RevisionBudget     int           `yaml:"revision_budget"`
	InferenceCap       int           `yaml:"inference_cap"`
}

// LLMConfig configures both model tiers.
type LLMConfig struct {
	SmallBaseURL     string        `yaml:"small_base_url"`
	SmallModel       string        `yaml:"small_model"`
	SmallAPIKey      string        `yaml:"small_api_key"`
	SmallTimeout     time.Duration `yaml:"small_timeout"`
	LargeBaseURL     string        `yaml:"large_base_url"`
	LargeModel       string        `yaml:"large_model"`
	LargeAPIKey      string        `yaml:"large_api_key"`
	LargeTimeout     time.Duration `yaml:"large_timeout"`
	SmallDailyTokens int64         `yaml:"small_daily_tokens"`
	LargeDailyTokens int64         `yaml:"large_daily_tokens"`
	// Mock swaps both tiers for the deterministic mock (development).
	Mock bool `yaml:"mock"`
}

// PrivacyConfig mirrors the privacy settings.
type PrivacyConfig struct {
	SharingEnabled   bool          `yaml:"sharing_enabled"`
	SharingMinLevel  int           `yaml:"sharing_min_level"`
	AutoPIIDetection bool          `yaml:"auto_pii_detection"`
	ArchiveRetention time.Duration `yaml:"archive_retention"`
}

// MonitorConfig enables one external event source.
type MonitorConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

// Default returns the balanced-preset defaults.
func Default() Config {
	return Config{
		DataDir:           "./data",
		ListenAddr:        ":8080",
		NATSAddress:       "nats://localhost:4222",
		RedisAddress:      "localhost:6379",
		ProactivityPreset: PresetBalanced,
		Extraction: ExtractionConfig{
			IndirectInference:    true,
			MinStorageConfidence: 0.25,
			STTFloor:             0.40,
			STTScaling:           true,
		},
		Confidence: ConfidenceConfig{
			BaseExplicit:       0.90,
			BaseObservational:  0.65,
			BaseInferential:    0.45,
			BaseReflective:     0.50,
			HedgeNone:          1.00,
			HedgeMild:          0.90,
			HedgeModerate:      0.65,
			HedgeStrong:        0.50,
			ReinforcementBoost: 0.08,
			MaxConfidence:      0.98,
			ArchiveThreshold:   0.15,
			DecayTrait:         0.01,
			DecayState:         0.04,
			DecayWish:          0.06,
			DecayEpisode:       0.10,
			GracePeriod:        30 * 24 * time.Hour,
		},
		Probing: ProbingConfig{
			MaxPerConversation: 1,
			MaxPerDay:          3,
			MaxPerWeek:         10,
			MinTurn:            3,
			MinContextFit:      0.30,
			IgnoreCooldown:     6 * time.Hour,
			DeflectCooldown:    24 * time.Hour,
		},
		Starters: StartersConfig{
			Threshold:      0.50,
			QuietStartHour: 22,
			QuietEndHour:   8,
		},
		Risk: RiskConfig{
			AutoExecuteConfidence:   0.90,
			SuggestConfidence:       0.50,
			CasualMentionConfidence: 0.30,
		},
		Workers: WorkersConfig{
			DecayInterval:      7 * 24 * time.Hour,
			RevisionInterval:   24 * time.Hour,
			InferenceInterval:  24 * time.Hour,
			ClusteringInterval: 7 * 24 * time.Hour,
			RevisionBudget:     25,
			InferenceCap:       10,
		},
		LLM: LLMConfig{
			SmallBaseURL:     "http://localhost:8000/v1",
			SmallModel:       "extraction-small",
			SmallTimeout:     15 * time.Second,
			LargeBaseURL:     "http://localhost:8000/v1",
			LargeModel:       "reasoning-large",
			LargeTimeout:     60 * time.Second,
			SmallDailyTokens: 2_000_000,
			LargeDailyTokens: 500_000,
		},
		Privacy: PrivacyConfig{
			SharingMinLevel:  1,
			AutoPIIDetection: true,
			ArchiveRetention: 180 * 24 * time.Hour,
		},
		LogLevel: "info",
	}
}

// Load reads the YAML file (when path is non-empty) over the defaults and
// applies the proactivity preset.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	cfg.applyPreset()
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyPreset maps the proactivity preset onto the probing and starter
// limits. Explicit YAML values for these fields are intentionally
// overridden: the preset is a coherent set, not a suggestion.
func (c *Config) applyPreset() {
	switch c.ProactivityPreset {
	case PresetConservative:
		c.Probing.MaxPerConversation = 1
		c.Probing.MaxPerDay = 1
		c.Probing.MaxPerWeek = 4
		c.Probing.MinTurn = 5
		c.Probing.MinContextFit = 0.50
		c.Starters.Threshold = 0.70
	case PresetProactive:
		c.Probing.MaxPerConversation = 2
		c.Probing.MaxPerDay = 5
		c.Probing.MaxPerWeek = 20
		c.Probing.MinTurn = 2
		c.Probing.MinContextFit = 0.20
		c.Starters.Threshold = 0.40
	case PresetBalanced, "":
		// Defaults are the balanced set.
	}
}

func (c *Config) validate() error {
	if c.Confidence.MaxConfidence <= 0 || c.Confidence.MaxConfidence > 1 {
		return fmt.Errorf("confidence.max_confidence must be in (0,1], got %v", c.Confidence.MaxConfidence)
	}
	if c.Confidence.ArchiveThreshold < 0 || c.Confidence.ArchiveThreshold >= c.Confidence.MaxConfidence {
		return fmt.Errorf("confidence.archive_threshold must be in [0, max_confidence)")
	}
	if c.Extraction.MinStorageConfidence < 0 || c.Extraction.MinStorageConfidence > 1 {
		return fmt.Errorf("extraction.min_storage_confidence must be in [0,1]")
	}
	return nil
}
