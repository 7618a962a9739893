package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/memorable-ai/memorable/internal/model"
)

const memoryColumns = `id, author_id, text, category, topics, open_loops, location, privacy_flags,
	valence, arousal, novelty_hint, consequential_hint, social_hint, relevance_hint,
	salience_score, salience_class, security_tier, origin_memory_id, cascade_depth, created_at`

// InsertMemory stores a scored memory and its participants. Storing the same
// id twice is a data integrity error.
func (db *DB) InsertMemory(ctx context.Context, m *model.MemoryItem) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert memory: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO memories (`+memoryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, m.ID, m.AuthorID, m.Text, m.Category, encodeStrings(m.Topics), encodeStrings(m.OpenLoops),
		m.Location, encodeStrings(m.PrivacyFlags),
		m.EmotionalValence, m.EmotionalArousal, m.NoveltyHint, m.ConsequentialHint, m.SocialHint, m.RelevanceHint,
		m.SalienceScore, string(m.Salience), int(m.SecurityTier), m.OriginMemoryID, m.CascadeDepth, toMillis(m.CreatedAt))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") || strings.Contains(err.Error(), "constraint") {
			return fmt.Errorf("%w: insert memory %s: %v", model.ErrDataIntegrity, m.ID, err)
		}
		return fmt.Errorf("insert memory: %w", err)
	}

	for i, id := range m.EntityIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO memory_entities (memory_id, entity_id, position) VALUES (?, ?, ?)`,
			m.ID, id, i,
		); err != nil {
			return fmt.Errorf("insert memory entity: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO memory_events (memory_id, state, reason, created_at) VALUES (?, 'active', 'ingest', ?)`,
		m.ID, toMillis(m.CreatedAt),
	); err != nil {
		return fmt.Errorf("insert memory event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit memory: %w", err)
	}
	if db.memories != nil {
		db.memories.Set(m)
	}
	return nil
}

// GetMemory returns a memory by id, or ErrNotFound.
func (db *DB) GetMemory(ctx context.Context, id string) (*model.MemoryItem, error) {
	if db.memories != nil {
		if m, ok := db.memories.Get(id); ok {
			return m, nil
		}
	}

	row := db.QueryRowContext(ctx, `SELECT `+memoryColumns+` FROM memories WHERE id = ?`, id)
	m, err := scanMemory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("memory %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get memory: %w", err)
	}
	if err := db.loadEntities(ctx, []*model.MemoryItem{m}); err != nil {
		return nil, err
	}
	if db.memories != nil {
		db.memories.Set(m)
	}
	return m, nil
}

// GetMemories returns the memories that exist among ids, oldest first.
// Missing ids are skipped.
func (db *DB) GetMemories(ctx context.Context, ids []string) ([]*model.MemoryItem, error) {
	var out []*model.MemoryItem
	for _, id := range ids {
		m, err := db.GetMemory(ctx, id)
		if errors.Is(err, model.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	sortMemories(out)
	return out, nil
}

// ListMemoriesByEntity returns the newest memories an entity participates in.
func (db *DB) ListMemoriesByEntity(ctx context.Context, entityID string, limit int) ([]*model.MemoryItem, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.QueryContext(ctx, `
		SELECT `+prefixed("m.", memoryColumns)+`
		FROM memories m JOIN memory_entities e ON e.memory_id = m.id
		WHERE e.entity_id = ?
		ORDER BY m.created_at DESC, m.id DESC
		LIMIT ?
	`, entityID, limit)
	if err != nil {
		return nil, fmt.Errorf("list memories by entity: %w", err)
	}
	var out []*model.MemoryItem
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		out = append(out, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := db.loadEntities(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

// AppendMemoryEvent records a lifecycle transition. The memory row itself is
// never rewritten.
func (db *DB) AppendMemoryEvent(ctx context.Context, memoryID string, state model.Lifecycle, reason string, at time.Time) error {
	if !model.ValidLifecycles[state] {
		return fmt.Errorf("%w: unknown memory state %q", model.ErrDataIntegrity, state)
	}
	var exists int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memories WHERE id = ?`, memoryID).Scan(&exists); err != nil {
		return fmt.Errorf("check memory: %w", err)
	}
	if exists == 0 {
		return fmt.Errorf("memory %s: %w", memoryID, model.ErrNotFound)
	}
	if _, err := db.ExecContext(ctx,
		`INSERT INTO memory_events (memory_id, state, reason, created_at) VALUES (?, ?, ?, ?)`,
		memoryID, string(state), reason, toMillis(at),
	); err != nil {
		return fmt.Errorf("append memory event: %w", err)
	}
	return nil
}

// MemoryState returns the latest lifecycle state of a memory.
func (db *DB) MemoryState(ctx context.Context, memoryID string) (model.Lifecycle, error) {
	var state string
	err := db.QueryRowContext(ctx, `
		SELECT state FROM memory_events WHERE memory_id = ? ORDER BY id DESC LIMIT 1
	`, memoryID).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("memory %s: %w", memoryID, model.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("memory state: %w", err)
	}
	return model.Lifecycle(state), nil
}

// MemoryEvent is one lifecycle transition.
type MemoryEvent struct {
	ID        int64
	MemoryID  string
	State     model.Lifecycle
	Reason    string
	CreatedAt time.Time
}

// MemoryEvents returns the full lifecycle history of a memory, oldest first.
func (db *DB) MemoryEvents(ctx context.Context, memoryID string) ([]MemoryEvent, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, memory_id, state, reason, created_at
		FROM memory_events WHERE memory_id = ? ORDER BY id
	`, memoryID)
	if err != nil {
		return nil, fmt.Errorf("memory events: %w", err)
	}
	defer rows.Close()

	var events []MemoryEvent
	for rows.Next() {
		var e MemoryEvent
		var state string
		var created int64
		if err := rows.Scan(&e.ID, &e.MemoryID, &state, &e.Reason, &created); err != nil {
			return nil, fmt.Errorf("scan memory event: %w", err)
		}
		e.State = model.Lifecycle(state)
		e.CreatedAt = fromMillis(created)
		events = append(events, e)
	}
	return events, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMemory(row rowScanner) (*model.MemoryItem, error) {
	var m model.MemoryItem
	var topics, loops, flags, class string
	var tier int
	var created int64
	err := row.Scan(&m.ID, &m.AuthorID, &m.Text, &m.Category, &topics, &loops, &m.Location, &flags,
		&m.EmotionalValence, &m.EmotionalArousal, &m.NoveltyHint, &m.ConsequentialHint, &m.SocialHint, &m.RelevanceHint,
		&m.SalienceScore, &class, &tier, &m.OriginMemoryID, &m.CascadeDepth, &created)
	if err != nil {
		return nil, err
	}
	m.Topics = decodeStrings(topics)
	m.OpenLoops = decodeStrings(loops)
	m.PrivacyFlags = decodeStrings(flags)
	m.Salience = model.Class(class)
	m.SecurityTier = model.SecurityTier(tier)
	m.CreatedAt = fromMillis(created)
	return &m, nil
}

func (db *DB) loadEntities(ctx context.Context, items []*model.MemoryItem) error {
	for _, m := range items {
		rows, err := db.QueryContext(ctx,
			`SELECT entity_id FROM memory_entities WHERE memory_id = ? ORDER BY position`, m.ID)
		if err != nil {
			return fmt.Errorf("load memory entities: %w", err)
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("scan memory entity: %w", err)
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		m.EntityIDs = ids
	}
	return nil
}

func sortMemories(ms []*model.MemoryItem) {
	sort.SliceStable(ms, func(i, j int) bool {
		return ms[i].CreatedAt.Before(ms[j].CreatedAt)
	})
}

func prefixed(prefix, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = prefix + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

func encodeStrings(xs []string) string {
	if len(xs) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(xs)
	return string(b)
}

func decodeStrings(s string) []string {
	if s == "" || s == "[]" {
		return nil
	}
	var xs []string
	if err := json.Unmarshal([]byte(s), &xs); err != nil {
		return nil
	}
	return xs
}
