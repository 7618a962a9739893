// Package salience scores memory items and decides whether they may surface.
//
// Scoring is a weighted linear combination of five normalized factors:
//
//	score = round(100 * Σ weight_i * clamp01(factor_i))
//
// Classification maps score/100 plus additive context deltas onto
// suppressed (< 0.2), latent (0.2..0.7) or active (> 0.7).
//
// Everything here is stateless and safe for concurrent use.
package salience

import (
	"math"
	"time"

	"github.com/memorable-ai/memorable/internal/config"
	"github.com/memorable-ai/memorable/internal/model"
)

const (
	suppressBelow = 0.2
	activeAbove   = 0.7
)

// Factors are the five sub-scores, each expected in [0,1]. A zero factor is
// treated as missing and falls back to the memory's own hint.
type Factors struct {
	Emotional     float64 `json:"emotional"`
	Novelty       float64 `json:"novelty"`
	Relevance     float64 `json:"relevance"`
	Social        float64 `json:"social"`
	Consequential float64 `json:"consequential"`
}

// Breakdown explains a score: the factors actually used and the weighted
// contribution of each, both on the 0..100 scale.
type Breakdown struct {
	Factors       Factors `json:"factors"`
	Emotional     float64 `json:"emotional"`
	Novelty       float64 `json:"novelty"`
	Relevance     float64 `json:"relevance"`
	Social        float64 `json:"social"`
	Consequential float64 `json:"consequential"`
	Score         int     `json:"score"`
}

// Modifier is an additive delta applied to the normalized score before
// classification.
type Modifier struct {
	Reason string  `json:"reason"`
	Delta  float64 `json:"delta"`
}

// Calculator scores and classifies memories.
type Calculator struct {
	weights config.SalienceWeights
	cfg     config.SalienceConfig
}

// NewCalculator validates the weights and returns a Calculator. Weights that
// do not sum to 1.0 fail with model.ErrConfiguration.
func NewCalculator(cfg config.SalienceConfig) (*Calculator, error) {
	if err := cfg.Weights.Validate(); err != nil {
		return nil, err
	}
	return &Calculator{weights: cfg.Weights, cfg: cfg}, nil
}

// Weights returns the configured factor weights.
func (c *Calculator) Weights() config.SalienceWeights {
	return c.weights
}

// Score computes the 0..100 salience of item.
func (c *Calculator) Score(item *model.MemoryItem, base Factors) (int, Breakdown) {
	f := resolve(item, base)
	w := c.weights

	b := Breakdown{
		Factors:       f,
		Emotional:     100 * w.Emotional * f.Emotional,
		Novelty:       100 * w.Novelty * f.Novelty,
		Relevance:     100 * w.Relevance * f.Relevance,
		Social:        100 * w.Social * f.Social,
		Consequential: 100 * w.Consequential * f.Consequential,
	}
	raw := b.Emotional + b.Novelty + b.Relevance + b.Social + b.Consequential
	b.Score = int(math.Round(model.Clamp(raw, 0, 100)))
	return b.Score, b
}

func resolve(item *model.MemoryItem, base Factors) Factors {
	pick := func(v, hint float64) float64 {
		if v == 0 {
			v = hint
		}
		return model.Clamp01(v)
	}
	if item == nil {
		item = &model.MemoryItem{}
	}
	return Factors{
		Emotional:     pick(base.Emotional, item.EmotionalIntensity()),
		Novelty:       pick(base.Novelty, item.NoveltyHint),
		Relevance:     pick(base.Relevance, item.RelevanceHint),
		Social:        pick(base.Social, item.SocialHint),
		Consequential: pick(base.Consequential, item.ConsequentialHint),
	}
}

// Classify maps a score and context modifiers onto a surfacing class.
// Each delta is clamped to [-1,1]. It is a pure function.
func Classify(score int, modifiers ...Modifier) model.Class {
	final := float64(score) / 100
	for _, m := range modifiers {
		final += model.Clamp(m.Delta, -1, 1)
	}
	switch {
	case final < suppressBelow:
		return model.ClassSuppressed
	case final > activeAbove:
		return model.ClassActive
	default:
		return model.ClassLatent
	}
}

// ContextModifiers derives the deltas that apply to item in the given live
// context.
func (c *Calculator) ContextModifiers(item *model.MemoryItem, snap model.ContextSnapshot, now time.Time) []Modifier {
	var mods []Modifier

	if age := now.Sub(item.CreatedAt); age >= 0 && age < c.cfg.RecencyWindow && c.cfg.RecencyBoost > 0 {
		frac := 1 - float64(age)/float64(c.cfg.RecencyWindow)
		mods = append(mods, Modifier{Reason: "recency", Delta: c.cfg.RecencyBoost * frac})
	}

	people := snap.People()
	if item.HasPrivacyFlag() {
		for _, p := range people {
			if item.References(p) {
				mods = append(mods, Modifier{Reason: "privacy:" + p, Delta: -c.cfg.PrivacyPenalty})
				break
			}
		}
	}
	if item.SecurityTier >= model.TierPersonal {
		for _, p := range people {
			if !item.References(p) {
				mods = append(mods, Modifier{Reason: "disclosure:" + p, Delta: -c.cfg.DisclosurePen})
				break
			}
		}
	}
	return mods
}

// Evaluate classifies a stored memory in the given context.
func (c *Calculator) Evaluate(item *model.MemoryItem, snap model.ContextSnapshot, now time.Time) model.Class {
	return Classify(item.SalienceScore, c.ContextModifiers(item, snap, now)...)
}
