package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/memorable-ai/memorable/internal/model"
)

const vectorColumns = `id, source_entity_id, target_entity_id, memory_id, ts, intensity, valence,
	is_repeated, cascade_depth, origin_memory_id`

// LoadPressure returns the pressure record of an entity with each vector list
// holding at most maxVectors of the newest entries, oldest first. An entity
// never seen before yields an empty record.
func (db *DB) LoadPressure(ctx context.Context, entityID string, maxVectors int) (*model.EntityPressure, error) {
	p := &model.EntityPressure{
		EntityID:      entityID,
		PressureTrend: model.TrendStable,
	}

	var flags, circle, trend string
	var urgency, notified int
	var updated int64
	err := db.QueryRowContext(ctx, `
		SELECT pressure_score, pressure_trend, pattern_flags, intervention_urgency,
		       notified_urgency, care_circle, updated_at
		FROM entity_pressure WHERE entity_id = ?
	`, entityID).Scan(&p.PressureScore, &trend, &flags, &urgency, &notified, &circle, &updated)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, fmt.Errorf("load pressure: %w", err)
	default:
		p.PressureTrend = model.Trend(trend)
		p.InterventionUrgency = model.Urgency(urgency)
		p.NotifiedUrgency = model.Urgency(notified)
		p.CareCircle = decodeStrings(circle)
		p.UpdatedAt = fromMillis(updated)
		if err := json.Unmarshal([]byte(flags), &p.PatternFlags); err != nil {
			return nil, fmt.Errorf("%w: pattern flags for %s: %v", model.ErrDataIntegrity, entityID, err)
		}
	}

	lists := []struct {
		dst   *[]model.PressureVector
		where string
	}{
		{&p.NegativeInputs, "target_entity_id = ? AND valence < 0"},
		{&p.PositiveInputs, "target_entity_id = ? AND valence > 0"},
		{&p.NegativeOutputs, "source_entity_id = ? AND valence < 0"},
		{&p.PositiveOutputs, "source_entity_id = ? AND valence > 0"},
	}
	for _, l := range lists {
		vs, err := db.newestVectors(ctx, l.where, entityID, maxVectors)
		if err != nil {
			return nil, err
		}
		*l.dst = vs
	}
	return p, nil
}

func (db *DB) newestVectors(ctx context.Context, where, entityID string, limit int) ([]model.PressureVector, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+vectorColumns+` FROM pressure_vectors
		WHERE `+where+`
		ORDER BY ts DESC, id DESC
		LIMIT ?
	`, entityID, limit)
	if err != nil {
		return nil, fmt.Errorf("load vectors: %w", err)
	}
	defer rows.Close()

	var vs []model.PressureVector
	for rows.Next() {
		var v model.PressureVector
		var ts int64
		var repeated int
		if err := rows.Scan(&v.ID, &v.SourceEntityID, &v.TargetEntityID, &v.MemoryID, &ts,
			&v.Intensity, &v.Valence, &repeated, &v.CascadeDepth, &v.OriginMemoryID); err != nil {
			return nil, fmt.Errorf("scan vector: %w", err)
		}
		v.Timestamp = fromMillis(ts)
		v.IsRepeated = repeated == 1
		vs = append(vs, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(vs)-1; i < j; i, j = i+1, j-1 {
		vs[i], vs[j] = vs[j], vs[i]
	}
	return vs, nil
}

// SavePressure appends new vectors and writes the derived state of every
// record in one transaction. Re-appending a vector for the same memory and
// direction is ignored, which keeps replayed ingests idempotent.
func (db *DB) SavePressure(ctx context.Context, vectors []model.PressureVector, records []*model.EntityPressure) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save pressure: %w", err)
	}
	defer tx.Rollback()

	for _, v := range vectors {
		if err := v.Validate(); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO pressure_vectors (`+vectorColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, v.ID, v.SourceEntityID, v.TargetEntityID, v.MemoryID, toMillis(v.Timestamp),
			v.Intensity, v.Valence, boolInt(v.IsRepeated), v.CascadeDepth, v.OriginMemoryID); err != nil {
			return fmt.Errorf("append vector: %w", err)
		}
	}

	for _, p := range records {
		flags, err := json.Marshal(p.PatternFlags)
		if err != nil {
			return fmt.Errorf("marshal pattern flags: %w", err)
		}
		if p.PatternFlags == nil {
			flags = []byte("[]")
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO entity_pressure (entity_id, pressure_score, pressure_trend, pattern_flags,
			                             intervention_urgency, notified_urgency, care_circle, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(entity_id) DO UPDATE SET
				pressure_score       = excluded.pressure_score,
				pressure_trend       = excluded.pressure_trend,
				pattern_flags        = excluded.pattern_flags,
				intervention_urgency = excluded.intervention_urgency,
				notified_urgency     = excluded.notified_urgency,
				care_circle          = excluded.care_circle,
				updated_at           = excluded.updated_at
		`, p.EntityID, p.PressureScore, string(p.PressureTrend), string(flags),
			int(p.InterventionUrgency), int(p.NotifiedUrgency), encodeStrings(p.CareCircle), toMillis(p.UpdatedAt)); err != nil {
			return fmt.Errorf("save pressure %s: %w", p.EntityID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit pressure: %w", err)
	}
	return nil
}

// ListPressureEntities returns every entity with a pressure record.
func (db *DB) ListPressureEntities(ctx context.Context) ([]string, error) {
	rows, err := db.QueryContext(ctx, `SELECT entity_id FROM entity_pressure ORDER BY entity_id`)
	if err != nil {
		return nil, fmt.Errorf("list pressure entities: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CountVectors returns how many vectors were ever recorded for a memory.
func (db *DB) CountVectors(ctx context.Context, memoryID string) (int, error) {
	var n int
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pressure_vectors WHERE memory_id = ?`, memoryID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count vectors: %w", err)
	}
	return n, nil
}
