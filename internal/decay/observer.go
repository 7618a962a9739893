// Package decay learns how fast the emotional charge of a memory fades for
// each (entity, category) pair, from repeated re-encounters of the same
// memories. Nothing here assumes a fixed decay formula for a pair: until
// enough observations exist the global default curve is used.
package decay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/memorable-ai/memorable/internal/config"
	"github.com/memorable-ai/memorable/internal/ids"
	"github.com/memorable-ai/memorable/internal/logger"
	"github.com/memorable-ai/memorable/internal/model"
)

// Store is the persistence the observer needs.
type Store interface {
	GetMemory(ctx context.Context, id string) (*model.MemoryItem, error)
	AddDecayObservation(ctx context.Context, o *model.DecayObservation) error
	ListDecayObservations(ctx context.Context, entityID, category string, limit int) ([]model.DecayObservation, error)
	CountDecayObservations(ctx context.Context, entityID, category string) (int, error)
	SaveDecayRate(ctx context.Context, r *model.LearnedDecayRate) error
	GetDecayRate(ctx context.Context, entityID, category string) (*model.LearnedDecayRate, error)
}

// Prediction is the estimated current intensity of a memory for an entity.
type Prediction struct {
	MemoryID          string  `json:"memory_id"`
	EntityID          string  `json:"entity_id"`
	Category          string  `json:"category"`
	Intensity         float64 `json:"intensity"`
	OriginalIntensity float64 `json:"original_intensity"`
	DaysSinceMemory   float64 `json:"days_since_memory"`
	HalfLife          float64 `json:"half_life_days"`
	Floor             float64 `json:"floor"`
	Confidence        float64 `json:"confidence"`
	Learned           bool    `json:"learned"`
}

// Observer records observations and refits learned rates.
type Observer struct {
	store Store
	cfg   config.DecayConfig
	log   *slog.Logger
	now   func() time.Time

	// refits for the same pair must not interleave or a stale count could
	// overwrite a newer fit.
	mu sync.Mutex
}

// New creates an Observer.
func New(store Store, cfg config.DecayConfig, log *slog.Logger) *Observer {
	return &Observer{
		store: store,
		cfg:   cfg,
		log:   logger.OrDiscard(log),
		now:   time.Now,
	}
}

// Observe records what entityID showed on re-encountering memoryID and
// refits the (entity, category) curve. It returns the refreshed rate.
func (o *Observer) Observe(ctx context.Context, memoryID, entityID string, reading model.EmotionalReading) (*model.LearnedDecayRate, error) {
	if entityID == "" {
		return nil, fmt.Errorf("%w: observation needs an entity", model.ErrDataIntegrity)
	}
	if math.IsNaN(reading.Intensity) || reading.Intensity < 0 || reading.Intensity > 1 {
		return nil, fmt.Errorf("%w: reading intensity %v outside [0,1]", model.ErrDataIntegrity, reading.Intensity)
	}
	if math.IsNaN(reading.Valence) || reading.Valence < -1 || reading.Valence > 1 {
		return nil, fmt.Errorf("%w: reading valence %v outside [-1,1]", model.ErrDataIntegrity, reading.Valence)
	}

	mem, err := o.store.GetMemory(ctx, memoryID)
	if err != nil {
		return nil, err
	}
	original := mem.EmotionalIntensity()
	if original <= 0 {
		return nil, fmt.Errorf("%w: memory %s carries no emotional charge to decay", model.ErrDataIntegrity, memoryID)
	}

	at := reading.At
	if at.IsZero() {
		at = o.now()
	}
	days := at.Sub(mem.CreatedAt).Hours() / 24
	if days < 0 {
		days = 0
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	obs := &model.DecayObservation{
		ID:                ids.ULID(at),
		MemoryID:          memoryID,
		EntityID:          entityID,
		Category:          mem.CategoryOrDefault(),
		ObservedAt:        at,
		DaysSinceMemory:   days,
		EmotionDetected:   reading.Emotion,
		Valence:           reading.Valence,
		Intensity:         reading.Intensity,
		OriginalIntensity: original,
		TriggerType:       reading.TriggerType,
	}
	if err := o.store.AddDecayObservation(ctx, obs); err != nil {
		return nil, err
	}

	rate, err := o.refit(ctx, entityID, obs.Category)
	if err != nil {
		return nil, err
	}
	o.log.Debug("decay observed",
		"memory_id", memoryID, "entity_id", entityID, "category", obs.Category,
		"ratio", obs.Ratio(), "half_life", rate.HalfLife, "confidence", rate.Confidence)
	return rate, nil
}

func (o *Observer) refit(ctx context.Context, entityID, category string) (*model.LearnedDecayRate, error) {
	count, err := o.store.CountDecayObservations(ctx, entityID, category)
	if err != nil {
		return nil, err
	}
	obs, err := o.store.ListDecayObservations(ctx, entityID, category, o.cfg.MaxObservations)
	if err != nil {
		return nil, err
	}

	points := make([]Point, len(obs))
	for i, ob := range obs {
		points[i] = Point{Days: ob.DaysSinceMemory, Ratio: ob.Ratio()}
	}

	rate := &model.LearnedDecayRate{
		EntityID:         entityID,
		Category:         category,
		HalfLife:         o.cfg.DefaultHalfLifeDays,
		Floor:            o.cfg.DefaultFloor,
		Confidence:       Confidence(count, o.cfg.MinObservations, o.cfg.LowConfidenceCap),
		ObservationCount: count,
		UpdatedAt:        o.now(),
	}
	if fit, ok := FitCurve(points); ok {
		rate.HalfLife = fit.HalfLife
		rate.Floor = fit.Floor
		rate.FitError = fit.SSE
	}
	if err := o.store.SaveDecayRate(ctx, rate); err != nil {
		return nil, err
	}
	return rate, nil
}

// Rate returns the learned rate for a pair, or the default curve with zero
// confidence when the pair has never been observed.
func (o *Observer) Rate(ctx context.Context, entityID, category string) (*model.LearnedDecayRate, error) {
	rate, err := o.store.GetDecayRate(ctx, entityID, category)
	if errors.Is(err, model.ErrNotFound) {
		return &model.LearnedDecayRate{
			EntityID: entityID,
			Category: category,
			HalfLife: o.cfg.DefaultHalfLifeDays,
			Floor:    o.cfg.DefaultFloor,
		}, nil
	}
	return rate, err
}

// PredictCurrentIntensity estimates the present intensity of a memory for an
// entity in [0,1].
func (o *Observer) PredictCurrentIntensity(ctx context.Context, memoryID, entityID string) (float64, error) {
	p, err := o.Predict(ctx, memoryID, entityID)
	if err != nil {
		return 0, err
	}
	return p.Intensity, nil
}

// Predict is PredictCurrentIntensity with the curve it used. The learned
// curve is used only once the pair has at least the minimum number of
// observations; otherwise the global default half-life applies.
func (o *Observer) Predict(ctx context.Context, memoryID, entityID string) (*Prediction, error) {
	mem, err := o.store.GetMemory(ctx, memoryID)
	if err != nil {
		return nil, err
	}
	category := mem.CategoryOrDefault()
	days := o.now().Sub(mem.CreatedAt).Hours() / 24
	if days < 0 {
		days = 0
	}

	curve := Fit{HalfLife: o.cfg.DefaultHalfLifeDays, Floor: o.cfg.DefaultFloor}
	p := &Prediction{
		MemoryID:          memoryID,
		EntityID:          entityID,
		Category:          category,
		OriginalIntensity: mem.EmotionalIntensity(),
		DaysSinceMemory:   days,
	}

	rate, err := o.store.GetDecayRate(ctx, entityID, category)
	switch {
	case errors.Is(err, model.ErrNotFound):
	case err != nil:
		return nil, err
	case rate.ObservationCount >= o.cfg.MinObservations:
		curve = Fit{HalfLife: rate.HalfLife, Floor: rate.Floor}
		p.Learned = true
		p.Confidence = rate.Confidence
	}

	p.HalfLife = curve.HalfLife
	p.Floor = curve.Floor
	p.Intensity = model.Clamp01(p.OriginalIntensity * curve.Residual(days))
	return p, nil
}
