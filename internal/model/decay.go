package model

import "time"

// EmotionalReading is what an entity shows when a memory is re-encountered.
type EmotionalReading struct {
	Emotion     string    `json:"emotion"`
	Valence     float64   `json:"valence"`
	Intensity   float64   `json:"intensity"`
	TriggerType string    `json:"trigger_type"`
	At          time.Time `json:"at,omitzero"`
}

// DecayObservation records one re-encounter of a memory.
type DecayObservation struct {
	ID                string    `json:"id"`
	MemoryID          string    `json:"memory_id"`
	EntityID          string    `json:"entity_id"`
	Category          string    `json:"category"`
	ObservedAt        time.Time `json:"observed_at"`
	DaysSinceMemory   float64   `json:"days_since_memory"`
	EmotionDetected   string    `json:"emotion_detected"`
	Valence           float64   `json:"valence"`
	Intensity         float64   `json:"intensity"`
	OriginalIntensity float64   `json:"original_intensity"`
	TriggerType       string    `json:"trigger_type"`
}

// Ratio is the residual fraction of the original intensity, capped at 1.
func (o DecayObservation) Ratio() float64 {
	if o.OriginalIntensity <= 0 {
		return 0
	}
	return Clamp01(o.Intensity / o.OriginalIntensity)
}

// LearnedDecayRate is the fitted decay curve for an (entity, category) pair:
// residual = Floor + (1-Floor) * 2^(-days/HalfLife).
type LearnedDecayRate struct {
	EntityID         string    `json:"entity_id"`
	Category         string    `json:"category"`
	HalfLife         float64   `json:"half_life_days"`
	Floor            float64   `json:"floor"`
	Confidence       float64   `json:"confidence"`
	ObservationCount int       `json:"observation_count"`
	FitError         float64   `json:"fit_error"`
	UpdatedAt        time.Time `json:"updated_at"`
}
