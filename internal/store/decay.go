package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/memorable-ai/memorable/internal/model"
)

// AddDecayObservation appends one observation.
func (db *DB) AddDecayObservation(ctx context.Context, o *model.DecayObservation) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO decay_observations (id, memory_id, entity_id, category, observed_at, days_since_memory,
		                                emotion_detected, valence, intensity, original_intensity, trigger_type)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, o.ID, o.MemoryID, o.EntityID, o.Category, toMillis(o.ObservedAt), o.DaysSinceMemory,
		o.EmotionDetected, o.Valence, o.Intensity, o.OriginalIntensity, o.TriggerType)
	if err != nil {
		return fmt.Errorf("add decay observation: %w", err)
	}
	return nil
}

// ListDecayObservations returns up to limit of the newest observations for
// an (entity, category) pair, newest first.
func (db *DB) ListDecayObservations(ctx context.Context, entityID, category string, limit int) ([]model.DecayObservation, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := db.QueryContext(ctx, `
		SELECT id, memory_id, entity_id, category, observed_at, days_since_memory,
		       emotion_detected, valence, intensity, original_intensity, trigger_type
		FROM decay_observations
		WHERE entity_id = ? AND category = ?
		ORDER BY observed_at DESC, id DESC
		LIMIT ?
	`, entityID, category, limit)
	if err != nil {
		return nil, fmt.Errorf("list decay observations: %w", err)
	}
	defer rows.Close()

	var obs []model.DecayObservation
	for rows.Next() {
		var o model.DecayObservation
		var observed int64
		if err := rows.Scan(&o.ID, &o.MemoryID, &o.EntityID, &o.Category, &observed, &o.DaysSinceMemory,
			&o.EmotionDetected, &o.Valence, &o.Intensity, &o.OriginalIntensity, &o.TriggerType); err != nil {
			return nil, fmt.Errorf("scan decay observation: %w", err)
		}
		o.ObservedAt = fromMillis(observed)
		obs = append(obs, o)
	}
	return obs, rows.Err()
}

// CountDecayObservations returns the total observations for a pair.
func (db *DB) CountDecayObservations(ctx context.Context, entityID, category string) (int, error) {
	var n int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM decay_observations WHERE entity_id = ? AND category = ?`,
		entityID, category,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count decay observations: %w", err)
	}
	return n, nil
}

// SaveDecayRate upserts the learned rate for a pair.
func (db *DB) SaveDecayRate(ctx context.Context, r *model.LearnedDecayRate) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO learned_decay_rates (entity_id, category, half_life, floor, confidence,
		                                 observation_count, fit_error, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(entity_id, category) DO UPDATE SET
			half_life         = excluded.half_life,
			floor             = excluded.floor,
			confidence        = excluded.confidence,
			observation_count = excluded.observation_count,
			fit_error         = excluded.fit_error,
			updated_at        = excluded.updated_at
	`, r.EntityID, r.Category, r.HalfLife, r.Floor, r.Confidence, r.ObservationCount, r.FitError, toMillis(r.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save decay rate: %w", err)
	}
	return nil
}

// GetDecayRate returns the learned rate for a pair, or ErrNotFound.
func (db *DB) GetDecayRate(ctx context.Context, entityID, category string) (*model.LearnedDecayRate, error) {
	r := &model.LearnedDecayRate{EntityID: entityID, Category: category}
	var updated int64
	err := db.QueryRowContext(ctx, `
		SELECT half_life, floor, confidence, observation_count, fit_error, updated_at
		FROM learned_decay_rates WHERE entity_id = ? AND category = ?
	`, entityID, category).Scan(&r.HalfLife, &r.Floor, &r.Confidence, &r.ObservationCount, &r.FitError, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("decay rate %s/%s: %w", entityID, category, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get decay rate: %w", err)
	}
	r.UpdatedAt = fromMillis(updated)
	return r, nil
}
