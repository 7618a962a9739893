package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/memorable-ai/memorable/internal/model"
)

const hookColumns = `id, memory_id, entity_id, conditions, priority, state, created_at, expires_at,
	fired_count, last_fired, confidence, feedback_count`

// SaveHooks inserts new hooks.
func (db *DB) SaveHooks(ctx context.Context, hooks []model.PredictionHook) error {
	if len(hooks) == 0 {
		return nil
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save hooks: %w", err)
	}
	defer tx.Rollback()

	for _, h := range hooks {
		conds, err := json.Marshal(h.Conditions)
		if err != nil {
			return fmt.Errorf("marshal conditions: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO prediction_hooks (`+hookColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, h.ID, h.MemoryID, h.EntityID, string(conds), string(h.Priority), string(h.State),
			toMillis(h.CreatedAt), nullMillis(h.ExpiresAt), h.FiredCount, nullMillis(h.LastFired),
			h.Confidence, h.FeedbackCount); err != nil {
			return fmt.Errorf("insert hook %s: %w", h.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit hooks: %w", err)
	}
	return nil
}

// GetHook returns a hook by id, or ErrNotFound.
func (db *DB) GetHook(ctx context.Context, id string) (*model.PredictionHook, error) {
	row := db.QueryRowContext(ctx, `SELECT `+hookColumns+` FROM prediction_hooks WHERE id = ?`, id)
	h, err := scanHook(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("hook %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get hook: %w", err)
	}
	return h, nil
}

// ListActiveHooks returns every hook in the active state.
func (db *DB) ListActiveHooks(ctx context.Context) ([]model.PredictionHook, error) {
	return db.queryHooks(ctx, `SELECT `+hookColumns+` FROM prediction_hooks WHERE state = 'active' ORDER BY created_at, id`)
}

// ListHooksByEntity returns all hooks watching an entity, in any state.
func (db *DB) ListHooksByEntity(ctx context.Context, entityID string) ([]model.PredictionHook, error) {
	return db.queryHooks(ctx, `SELECT `+hookColumns+` FROM prediction_hooks WHERE entity_id = ? ORDER BY created_at, id`, entityID)
}

// ListHooksByMemory returns all hooks derived from a memory.
func (db *DB) ListHooksByMemory(ctx context.Context, memoryID string) ([]model.PredictionHook, error) {
	return db.queryHooks(ctx, `SELECT `+hookColumns+` FROM prediction_hooks WHERE memory_id = ? ORDER BY created_at, id`, memoryID)
}

func (db *DB) queryHooks(ctx context.Context, query string, args ...any) ([]model.PredictionHook, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query hooks: %w", err)
	}
	defer rows.Close()

	var hooks []model.PredictionHook
	for rows.Next() {
		h, err := scanHook(rows)
		if err != nil {
			return nil, fmt.Errorf("scan hook: %w", err)
		}
		hooks = append(hooks, *h)
	}
	return hooks, rows.Err()
}

// RecordHookFiring persists a fire count and time. Counts only move forward
// so late, out-of-order writes cannot roll a hook back.
func (db *DB) RecordHookFiring(ctx context.Context, id string, firedCount int, at time.Time) error {
	_, err := db.ExecContext(ctx, `
		UPDATE prediction_hooks SET fired_count = ?, last_fired = ?
		WHERE id = ? AND fired_count < ?
	`, firedCount, toMillis(at), id, firedCount)
	if err != nil {
		return fmt.Errorf("record hook firing: %w", err)
	}
	return nil
}

// UpdateHookFeedback persists confidence, feedback count and state.
func (db *DB) UpdateHookFeedback(ctx context.Context, h *model.PredictionHook) error {
	_, err := db.ExecContext(ctx, `
		UPDATE prediction_hooks SET confidence = ?, feedback_count = ?, state = ?
		WHERE id = ?
	`, h.Confidence, h.FeedbackCount, string(h.State), h.ID)
	if err != nil {
		return fmt.Errorf("update hook feedback: %w", err)
	}
	return nil
}

// SetHookState moves active hooks into a terminal state. Hooks already in a
// terminal state are left alone.
func (db *DB) SetHookState(ctx context.Context, ids []string, state model.HookState) error {
	if !state.Terminal() {
		return fmt.Errorf("%w: hooks can only move to a terminal state, got %q", model.ErrDataIntegrity, state)
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin set hook state: %w", err)
	}
	defer tx.Rollback()
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx,
			`UPDATE prediction_hooks SET state = ? WHERE id = ? AND state = 'active'`,
			string(state), id,
		); err != nil {
			return fmt.Errorf("set hook state: %w", err)
		}
	}
	return tx.Commit()
}

func scanHook(row rowScanner) (*model.PredictionHook, error) {
	var h model.PredictionHook
	var conds, priority, state string
	var created int64
	var expires, lastFired sql.NullInt64
	if err := row.Scan(&h.ID, &h.MemoryID, &h.EntityID, &conds, &priority, &state, &created, &expires,
		&h.FiredCount, &lastFired, &h.Confidence, &h.FeedbackCount); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(conds), &h.Conditions); err != nil {
		return nil, fmt.Errorf("%w: hook %s conditions: %v", model.ErrDataIntegrity, h.ID, err)
	}
	h.Priority = model.Priority(priority)
	h.State = model.HookState(state)
	h.CreatedAt = fromMillis(created)
	h.ExpiresAt = fromNullMillis(expires)
	h.LastFired = fromNullMillis(lastFired)
	return &h, nil
}
