package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/memorable-ai/memorable/internal/model"
)

// DefaultConfigFile is the YAML file checked when no path is given.
const DefaultConfigFile = "memorable.yaml"

// weightTolerance is how far the salience weight sum may drift from 1.0.
const weightTolerance = 1e-9

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// The YAML file is optional; a missing file is not an error.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigFile
	}
	cfg := Default()

	if err := loadYAML(&cfg, path); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}
	return &cfg, nil
}

// DefaultDataDir returns ~/.memorable.
func DefaultDataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, ".memorable"), nil
}

func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Bind, "MEMORABLE_BIND")
	setInt(&cfg.Server.Port, "MEMORABLE_PORT")
	setString(&cfg.Database.Path, "MEMORABLE_DB")
	setString(&cfg.Logging.Level, "MEMORABLE_LOG_LEVEL")
	setString(&cfg.Logging.Format, "MEMORABLE_LOG_FORMAT")
	setString(&cfg.LLM.Provider, "MEMORABLE_LLM_PROVIDER")
	setString(&cfg.LLM.Model, "MEMORABLE_LLM_MODEL")
	setString(&cfg.LLM.OllamaURL, "OLLAMA_URL")
	setDuration(&cfg.LLM.Timeout, "MEMORABLE_LLM_TIMEOUT")
	setString(&cfg.NATS.URL, "NATS_URL")
	setInt(&cfg.Breaker.MaxFailures, "MEMORABLE_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "MEMORABLE_BREAKER_TIMEOUT")
	setInt(&cfg.Relationship.DirtyThreshold, "MEMORABLE_DIRTY_THRESHOLD")
	setString(&cfg.Relationship.MaxExternalTier, "MEMORABLE_MAX_EXTERNAL_TIER")
	setInt(&cfg.Hooks.TopK, "MEMORABLE_HOOKS_TOP_K")
	setDuration(&cfg.Hooks.Cooldown, "MEMORABLE_HOOKS_COOLDOWN")
	setBool(&cfg.Hooks.UseLLM, "MEMORABLE_HOOKS_USE_LLM")
	setFloat64(&cfg.Decay.DefaultHalfLifeDays, "MEMORABLE_DECAY_HALF_LIFE_DAYS")

	// An API key in the environment selects the anthropic provider.
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		cfg.LLM.AnthropicKey = key
		if cfg.LLM.Provider == "" || cfg.LLM.Provider == "none" {
			cfg.LLM.Provider = "anthropic"
		}
	}
}

// Validate checks the configuration. Salience weights that do not sum to
// 1.0 are a fatal configuration error and are never silently normalized.
func (c *Config) Validate() error {
	if err := c.Salience.Weights.Validate(); err != nil {
		return err
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: server.port %d out of range", model.ErrConfiguration, c.Server.Port)
	}
	if c.Relationship.DirtyThreshold < 0 || c.Relationship.DirtyThreshold > 100 {
		return fmt.Errorf("%w: relationship.dirty_threshold must be within 0..100", model.ErrConfiguration)
	}
	if _, err := model.ParseSecurityTier(c.Relationship.MaxExternalTier); err != nil {
		return fmt.Errorf("%w: relationship.max_external_tier: %v", model.ErrConfiguration, err)
	}
	if c.Hooks.TopK < 1 {
		return fmt.Errorf("%w: hooks.top_k must be >= 1", model.ErrConfiguration)
	}
	if c.Hooks.FeedbackAlpha <= 0 || c.Hooks.FeedbackAlpha > 1 {
		return fmt.Errorf("%w: hooks.feedback_alpha must be within (0,1]", model.ErrConfiguration)
	}
	if c.Pressure.MaxVectors < 1 {
		return fmt.Errorf("%w: pressure.max_vectors must be >= 1", model.ErrConfiguration)
	}
	if c.Pressure.EscalationWindows < 3 {
		return fmt.Errorf("%w: pressure.escalation_windows must be >= 3", model.ErrConfiguration)
	}
	if c.Pressure.TrendBucket <= 0 || c.Pressure.RecentWindow <= 0 {
		return fmt.Errorf("%w: pressure windows must be positive", model.ErrConfiguration)
	}
	if c.Decay.DefaultHalfLifeDays <= 0 {
		return fmt.Errorf("%w: decay.default_half_life_days must be positive", model.ErrConfiguration)
	}
	if c.Decay.MinObservations < 1 {
		return fmt.Errorf("%w: decay.min_observations must be >= 1", model.ErrConfiguration)
	}
	if c.Breaker.MaxFailures < 1 {
		return fmt.Errorf("%w: breaker.max_failures must be >= 1", model.ErrConfiguration)
	}
	return nil
}

// Sum returns the total of all five weights.
func (w SalienceWeights) Sum() float64 {
	return w.Emotional + w.Novelty + w.Relevance + w.Social + w.Consequential
}

// Validate rejects negative weights and sums other than 1.0 ± 1e-9.
func (w SalienceWeights) Validate() error {
	for name, v := range map[string]float64{
		"emotional":     w.Emotional,
		"novelty":       w.Novelty,
		"relevance":     w.Relevance,
		"social":        w.Social,
		"consequential": w.Consequential,
	} {
		if math.IsNaN(v) || v < 0 {
			return fmt.Errorf("%w: salience weight %s=%v is negative", model.ErrConfiguration, name, v)
		}
	}
	if sum := w.Sum(); math.Abs(sum-1.0) > weightTolerance {
		return fmt.Errorf("%w: salience weights sum to %v, want 1.0", model.ErrConfiguration, sum)
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
