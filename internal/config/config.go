package config

import (
	"fmt"
	"time"
)

// Config holds all memorable configuration.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Database     DatabaseConfig     `yaml:"database"`
	Logging      LoggingConfig      `yaml:"logging"`
	LLM          LLMConfig          `yaml:"llm"`
	Breaker      BreakerConfig      `yaml:"breaker"`
	NATS         NATSConfig         `yaml:"nats"`
	Cache        CacheConfig        `yaml:"cache"`
	Salience     SalienceConfig     `yaml:"salience"`
	Pressure     PressureConfig     `yaml:"pressure"`
	Relationship RelationshipConfig `yaml:"relationship"`
	Hooks        HooksConfig        `yaml:"hooks"`
	Decay        DecayConfig        `yaml:"decay"`
	Maintenance  MaintenanceConfig  `yaml:"maintenance"`
}

type ServerConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"` // empty resolves to ~/.memorable/memorable.db
}

type LoggingConfig struct {
	Level   string `yaml:"level"`  // debug, info, warn, error
	Format  string `yaml:"format"` // json or text
	Service string `yaml:"service"`
}

type LLMConfig struct {
	Provider     string        `yaml:"provider"` // "anthropic", "ollama", "claude-cli", "none"
	Model        string        `yaml:"model"`
	OllamaURL    string        `yaml:"ollama_url"`
	OllamaModel  string        `yaml:"ollama_model"`
	AnthropicKey string        `yaml:"anthropic_key"`
	Timeout      time.Duration `yaml:"timeout"` // upper bound on any synthesis call
	MaxInFlight  int           `yaml:"max_in_flight"`
}

type BreakerConfig struct {
	MaxFailures int           `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
}

type NATSConfig struct {
	URL           string `yaml:"url"` // empty disables the event bridge
	ContextPrefix string `yaml:"context_prefix"`
	SurfacePrefix string `yaml:"surface_prefix"`
	CarePrefix    string `yaml:"care_prefix"`
}

type CacheConfig struct {
	MemoryMaxCostBytes int64 `yaml:"memory_max_cost_bytes"`
}

// SalienceWeights are the five factor weights. They must sum to exactly 1.0.
type SalienceWeights struct {
	Emotional     float64 `yaml:"emotional"`
	Novelty       float64 `yaml:"novelty"`
	Relevance     float64 `yaml:"relevance"`
	Social        float64 `yaml:"social"`
	Consequential float64 `yaml:"consequential"`
}

type SalienceConfig struct {
	Weights        SalienceWeights `yaml:"weights"`
	RecencyWindow  time.Duration   `yaml:"recency_window"`
	RecencyBoost   float64         `yaml:"recency_boost"`
	PrivacyPenalty float64         `yaml:"privacy_penalty"`
	DisclosurePen  float64         `yaml:"disclosure_penalty"`
}

type PressureConfig struct {
	MaxVectors        int           `yaml:"max_vectors"`     // per list, oldest dropped first
	RecentWindow      time.Duration `yaml:"recent_window"`   // "recent" for pattern detection
	RepeatWindow      time.Duration `yaml:"repeat_window"`   // same source/target within this is repeated
	TrendBucket       time.Duration `yaml:"trend_bucket"`    // width of one trailing window
	EscalationWindows int           `yaml:"escalation_windows"`
	BaselineWindows   int           `yaml:"baseline_windows"`
	MultiSourceMin    int           `yaml:"multi_source_min"`
	TransmitFloor     float64       `yaml:"transmit_floor"`
	IsolationRatio    float64       `yaml:"isolation_ratio"`
	HighIntensity     float64       `yaml:"high_intensity"`
	SustainedScore    float64       `yaml:"sustained_score"`
	NeutralBand       float64       `yaml:"neutral_band"`
	DecayHalfLife     time.Duration `yaml:"decay_half_life"` // relaxation toward neutral
	LockTimeout       time.Duration `yaml:"lock_timeout"`
}

type RelationshipConfig struct {
	DirtyThreshold  int    `yaml:"dirty_threshold"` // salience (0-100) at or above which evidence dirties the cache
	MaxExternalTier string `yaml:"max_external_tier"`
	MaxMemories     int    `yaml:"max_memories"` // newest shared memories sent to synthesis
}

type HooksConfig struct {
	TopK              int           `yaml:"top_k"`
	Cooldown          time.Duration `yaml:"cooldown"`
	InitialConfidence float64       `yaml:"initial_confidence"`
	FeedbackAlpha     float64       `yaml:"feedback_alpha"`
	DemoteFloor       float64       `yaml:"demote_floor"`
	MinFirings        int           `yaml:"min_firings"`
	LowTTL            time.Duration `yaml:"low_ttl"`
	MediumTTL         time.Duration `yaml:"medium_ttl"`
	UseLLM            bool          `yaml:"use_llm"`
	GenerateTimeout   time.Duration `yaml:"generate_timeout"`
}

type DecayConfig struct {
	DefaultHalfLifeDays float64 `yaml:"default_half_life_days"`
	DefaultFloor        float64 `yaml:"default_floor"`
	MinObservations     int     `yaml:"min_observations"`
	LowConfidenceCap    float64 `yaml:"low_confidence_cap"`
	MaxObservations     int     `yaml:"max_observations"` // newest observations used per fit
}

type MaintenanceConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Bind: "127.0.0.1",
			Port: 37780,
		},
		Logging: LoggingConfig{
			Level:   "info",
			Format:  "json",
			Service: "memorable",
		},
		LLM: LLMConfig{
			Provider:    "none",
			Timeout:     20 * time.Second,
			MaxInFlight: 4,
		},
		Breaker: BreakerConfig{
			MaxFailures: 3,
			Timeout:     30 * time.Second,
		},
		NATS: NATSConfig{
			ContextPrefix: "memorable.context",
			SurfacePrefix: "memorable.surfaced",
			CarePrefix:    "memorable.care",
		},
		Cache: CacheConfig{
			MemoryMaxCostBytes: 32 << 20,
		},
		Salience: SalienceConfig{
			Weights: SalienceWeights{
				Emotional:     0.30,
				Novelty:       0.20,
				Relevance:     0.20,
				Social:        0.15,
				Consequential: 0.15,
			},
			RecencyWindow:  24 * time.Hour,
			RecencyBoost:   0.1,
			PrivacyPenalty: 0.6,
			DisclosurePen:  0.3,
		},
		Pressure: PressureConfig{
			MaxVectors:        200,
			RecentWindow:      7 * 24 * time.Hour,
			RepeatWindow:      7 * 24 * time.Hour,
			TrendBucket:       48 * time.Hour,
			EscalationWindows: 3,
			BaselineWindows:   4,
			MultiSourceMin:    2,
			TransmitFloor:     0.3,
			IsolationRatio:    0.5,
			HighIntensity:     0.8,
			SustainedScore:    1.5,
			NeutralBand:       0.05,
			DecayHalfLife:     14 * 24 * time.Hour,
			LockTimeout:       5 * time.Second,
		},
		Relationship: RelationshipConfig{
			DirtyThreshold:  70,
			MaxExternalTier: "general",
			MaxMemories:     50,
		},
		Hooks: HooksConfig{
			TopK:              3,
			Cooldown:          4 * time.Hour,
			InitialConfidence: 0.5,
			FeedbackAlpha:     0.3,
			DemoteFloor:       0.2,
			MinFirings:        3,
			LowTTL:            30 * 24 * time.Hour,
			MediumTTL:         90 * 24 * time.Hour,
			GenerateTimeout:   10 * time.Second,
		},
		Decay: DecayConfig{
			DefaultHalfLifeDays: 30,
			DefaultFloor:        0.1,
			MinObservations:     5,
			LowConfidenceCap:    0.3,
			MaxObservations:     200,
		},
		Maintenance: MaintenanceConfig{
			Interval: time.Hour,
		},
	}
}

// ListenAddr returns the bind:port address string.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Bind, c.Server.Port)
}
