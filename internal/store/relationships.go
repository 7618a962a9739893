package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/memorable-ai/memorable/internal/model"
)

// Evidence is one shared memory being attached to an entity pair.
type Evidence struct {
	EntityA      string
	EntityB      string
	MemoryID     string
	At           time.Time
	Dirtying     bool    // salience at or above the dirty threshold
	BalanceDelta float64 // signed pressure flow, positive means B pressured A
}

// RecordEvidence appends a shared memory to a pair, creating the pair on
// first sight. A dirtying memory sets dirty and bumps version in the same
// statement, so a synthesis that started earlier can no longer clear it.
// Recording the same memory twice is a no-op; it returns whether anything
// was appended.
func (db *DB) RecordEvidence(ctx context.Context, ev Evidence) (bool, error) {
	a, b := model.PairKey(ev.EntityA, ev.EntityB)
	if a == b || a == "" {
		return false, fmt.Errorf("%w: relationship needs two distinct entities", model.ErrDataIntegrity)
	}
	delta := ev.BalanceDelta
	if a != ev.EntityA {
		delta = -delta
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin record evidence: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO relationships (entity_a, entity_b) VALUES (?, ?)
	`, a, b); err != nil {
		return false, fmt.Errorf("create relationship: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO relationship_memories (entity_a, entity_b, memory_id, added_at)
		VALUES (?, ?, ?, ?)
	`, a, b, ev.MemoryID, toMillis(ev.At))
	if err != nil {
		return false, fmt.Errorf("append shared memory: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, tx.Commit()
	}

	dirtying := boolInt(ev.Dirtying)
	if _, err := tx.ExecContext(ctx, `
		UPDATE relationships SET
			interaction_count = interaction_count + 1,
			last_interaction  = MAX(last_interaction, ?),
			pressure_balance  = pressure_balance + ?,
			dirty             = CASE WHEN ? = 1 THEN 1 ELSE dirty END,
			version           = version + ?
		WHERE entity_a = ? AND entity_b = ?
	`, toMillis(ev.At), delta, dirtying, dirtying, a, b); err != nil {
		return false, fmt.Errorf("update relationship: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit evidence: %w", err)
	}
	return true, nil
}

// GetRelationship returns the evidence record of a pair in either order, or
// ErrNotFound.
func (db *DB) GetRelationship(ctx context.Context, entityA, entityB string) (*model.RelationshipCache, error) {
	a, b := model.PairKey(entityA, entityB)

	r := &model.RelationshipCache{EntityA: a, EntityB: b}
	var last int64
	var cacheTS sql.NullInt64
	var dirty int
	err := db.QueryRowContext(ctx, `
		SELECT interaction_count, last_interaction, pressure_balance, cached_synthesis,
		       cache_timestamp, dirty, version
		FROM relationships WHERE entity_a = ? AND entity_b = ?
	`, a, b).Scan(&r.InteractionCount, &last, &r.PressureBalance, &r.CachedSynthesis, &cacheTS, &dirty, &r.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("relationship %s/%s: %w", a, b, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get relationship: %w", err)
	}
	r.LastInteraction = fromMillis(last)
	r.CacheTimestamp = fromNullMillis(cacheTS)
	r.Dirty = dirty == 1

	rows, err := db.QueryContext(ctx, `
		SELECT memory_id FROM relationship_memories
		WHERE entity_a = ? AND entity_b = ?
		ORDER BY added_at, memory_id
	`, a, b)
	if err != nil {
		return nil, fmt.Errorf("shared memories: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan shared memory: %w", err)
		}
		r.SharedMemoryIDs = append(r.SharedMemoryIDs, id)
	}
	return r, rows.Err()
}

// CompleteSynthesis stores a synthesis for a pair. dirty is cleared only if
// the version still equals startVersion; otherwise the text is stored but the
// pair stays dirty. It reports whether dirty was cleared.
func (db *DB) CompleteSynthesis(ctx context.Context, entityA, entityB, text string, at time.Time, startVersion int64) (bool, error) {
	a, b := model.PairKey(entityA, entityB)

	res, err := db.ExecContext(ctx, `
		UPDATE relationships
		SET cached_synthesis = ?, cache_timestamp = ?, dirty = 0
		WHERE entity_a = ? AND entity_b = ? AND version = ?
	`, text, toMillis(at), a, b, startVersion)
	if err != nil {
		return false, fmt.Errorf("complete synthesis: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return true, nil
	}

	res, err = db.ExecContext(ctx, `
		UPDATE relationships
		SET cached_synthesis = ?, cache_timestamp = ?
		WHERE entity_a = ? AND entity_b = ?
	`, text, toMillis(at), a, b)
	if err != nil {
		return false, fmt.Errorf("store contended synthesis: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, fmt.Errorf("relationship %s/%s: %w", a, b, model.ErrNotFound)
	}
	return false, nil
}

// ListRelationships returns every pair an entity belongs to, most recent
// interaction first.
func (db *DB) ListRelationships(ctx context.Context, entityID string) ([]model.RelationshipCache, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT entity_a, entity_b, interaction_count, last_interaction, pressure_balance, dirty, version
		FROM relationships WHERE entity_a = ? OR entity_b = ?
		ORDER BY last_interaction DESC
	`, entityID, entityID)
	if err != nil {
		return nil, fmt.Errorf("list relationships: %w", err)
	}
	defer rows.Close()

	var out []model.RelationshipCache
	for rows.Next() {
		var r model.RelationshipCache
		var last int64
		var dirty int
		if err := rows.Scan(&r.EntityA, &r.EntityB, &r.InteractionCount, &last, &r.PressureBalance, &dirty, &r.Version); err != nil {
			return nil, fmt.Errorf("scan relationship: %w", err)
		}
		r.LastInteraction = fromMillis(last)
		r.Dirty = dirty == 1
		out = append(out, r)
	}
	return out, rows.Err()
}
