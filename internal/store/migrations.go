package store

import (
	"fmt"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "memories: scored memory items and their participants",
		SQL: `
CREATE TABLE memories (
    id                 TEXT PRIMARY KEY,
    author_id          TEXT NOT NULL DEFAULT '',
    text               TEXT NOT NULL,
    category           TEXT NOT NULL DEFAULT '',
    topics             TEXT NOT NULL DEFAULT '[]',
    open_loops         TEXT NOT NULL DEFAULT '[]',
    location           TEXT NOT NULL DEFAULT '',
    privacy_flags      TEXT NOT NULL DEFAULT '[]',

    valence            REAL NOT NULL CHECK (valence BETWEEN -1 AND 1),
    arousal            REAL NOT NULL CHECK (arousal BETWEEN 0 AND 1),
    novelty_hint       REAL NOT NULL DEFAULT 0,
    consequential_hint REAL NOT NULL DEFAULT 0,
    social_hint        REAL NOT NULL DEFAULT 0,
    relevance_hint     REAL NOT NULL DEFAULT 0,

    salience_score     INTEGER NOT NULL CHECK (salience_score BETWEEN 0 AND 100),
    salience_class     TEXT NOT NULL CHECK (salience_class IN ('suppressed', 'latent', 'active')),
    security_tier      INTEGER NOT NULL CHECK (security_tier BETWEEN 1 AND 3),

    origin_memory_id   TEXT NOT NULL DEFAULT '',
    cascade_depth      INTEGER NOT NULL DEFAULT 0 CHECK (cascade_depth >= 0),
    created_at         INTEGER NOT NULL
);

CREATE TABLE memory_entities (
    memory_id  TEXT NOT NULL,
    entity_id  TEXT NOT NULL,
    position   INTEGER NOT NULL,
    PRIMARY KEY (memory_id, entity_id),
    FOREIGN KEY (memory_id) REFERENCES memories(id)
);

CREATE INDEX idx_memory_entities_entity ON memory_entities(entity_id);
CREATE INDEX idx_memories_created       ON memories(created_at DESC);
`,
	},
	{
		Version:     2,
		Description: "memory_events: append-only lifecycle transitions",
		SQL: `
CREATE TABLE memory_events (
    id          INTEGER PRIMARY KEY,
    memory_id   TEXT NOT NULL,
    state       TEXT NOT NULL CHECK (state IN ('active', 'archived', 'suppressed')),
    reason      TEXT NOT NULL DEFAULT '',
    created_at  INTEGER NOT NULL,
    FOREIGN KEY (memory_id) REFERENCES memories(id)
);

CREATE INDEX idx_memory_events_memory ON memory_events(memory_id, id DESC);
`,
	},
	{
		Version:     3,
		Description: "entity_pressure + pressure_vectors: per-entity pressure state",
		SQL: `
CREATE TABLE entity_pressure (
    entity_id            TEXT PRIMARY KEY,
    pressure_score       REAL NOT NULL DEFAULT 0,
    pressure_trend       TEXT NOT NULL DEFAULT 'stable' CHECK (pressure_trend IN ('rising', 'stable', 'falling')),
    pattern_flags        TEXT NOT NULL DEFAULT '[]',
    intervention_urgency INTEGER NOT NULL DEFAULT 0 CHECK (intervention_urgency BETWEEN 0 AND 3),
    notified_urgency     INTEGER NOT NULL DEFAULT 0 CHECK (notified_urgency BETWEEN 0 AND 3),
    care_circle          TEXT NOT NULL DEFAULT '[]',
    updated_at           INTEGER NOT NULL
);

CREATE TABLE pressure_vectors (
    id               TEXT PRIMARY KEY,
    source_entity_id TEXT NOT NULL,
    target_entity_id TEXT NOT NULL,
    memory_id        TEXT NOT NULL,
    ts               INTEGER NOT NULL,
    intensity        REAL NOT NULL CHECK (intensity BETWEEN 0 AND 1),
    valence          REAL NOT NULL CHECK (valence BETWEEN -1 AND 1),
    is_repeated      INTEGER NOT NULL DEFAULT 0,
    cascade_depth    INTEGER NOT NULL DEFAULT 0 CHECK (cascade_depth >= 0),
    origin_memory_id TEXT NOT NULL DEFAULT '',
    CHECK (source_entity_id <> target_entity_id),
    UNIQUE (memory_id, source_entity_id, target_entity_id)
);

CREATE INDEX idx_vectors_target ON pressure_vectors(target_entity_id, ts DESC);
CREATE INDEX idx_vectors_source ON pressure_vectors(source_entity_id, ts DESC);
`,
	},
	{
		Version:     4,
		Description: "relationships: evidence and cached synthesis per entity pair",
		SQL: `
CREATE TABLE relationships (
    entity_a          TEXT NOT NULL,
    entity_b          TEXT NOT NULL,
    interaction_count INTEGER NOT NULL DEFAULT 0,
    last_interaction  INTEGER NOT NULL DEFAULT 0,
    pressure_balance  REAL NOT NULL DEFAULT 0,
    cached_synthesis  TEXT NOT NULL DEFAULT '',
    cache_timestamp   INTEGER,
    dirty             INTEGER NOT NULL DEFAULT 0,
    version           INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (entity_a, entity_b),
    CHECK (entity_a < entity_b)
);

CREATE TABLE relationship_memories (
    entity_a   TEXT NOT NULL,
    entity_b   TEXT NOT NULL,
    memory_id  TEXT NOT NULL,
    added_at   INTEGER NOT NULL,
    PRIMARY KEY (entity_a, entity_b, memory_id),
    FOREIGN KEY (entity_a, entity_b) REFERENCES relationships(entity_a, entity_b)
);
`,
	},
	{
		Version:     5,
		Description: "prediction_hooks: resurfacing triggers",
		SQL: `
CREATE TABLE prediction_hooks (
    id             TEXT PRIMARY KEY,
    memory_id      TEXT NOT NULL,
    entity_id      TEXT NOT NULL,
    conditions     TEXT NOT NULL,
    priority       TEXT NOT NULL CHECK (priority IN ('critical', 'high', 'medium', 'low')),
    state          TEXT NOT NULL DEFAULT 'active' CHECK (state IN ('active', 'expired', 'demoted')),
    created_at     INTEGER NOT NULL,
    expires_at     INTEGER,
    fired_count    INTEGER NOT NULL DEFAULT 0,
    last_fired     INTEGER,
    confidence     REAL NOT NULL CHECK (confidence BETWEEN 0 AND 1),
    feedback_count INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX idx_hooks_entity ON prediction_hooks(entity_id, state);
CREATE INDEX idx_hooks_memory ON prediction_hooks(memory_id);
`,
	},
	{
		Version:     6,
		Description: "decay: observations and learned rates",
		SQL: `
CREATE TABLE decay_observations (
    id                 TEXT PRIMARY KEY,
    memory_id          TEXT NOT NULL,
    entity_id          TEXT NOT NULL,
    category           TEXT NOT NULL,
    observed_at        INTEGER NOT NULL,
    days_since_memory  REAL NOT NULL CHECK (days_since_memory >= 0),
    emotion_detected   TEXT NOT NULL DEFAULT '',
    valence            REAL NOT NULL,
    intensity          REAL NOT NULL CHECK (intensity BETWEEN 0 AND 1),
    original_intensity REAL NOT NULL,
    trigger_type       TEXT NOT NULL DEFAULT ''
);

CREATE INDEX idx_decay_obs_pair ON decay_observations(entity_id, category, observed_at DESC);

CREATE TABLE learned_decay_rates (
    entity_id         TEXT NOT NULL,
    category          TEXT NOT NULL,
    half_life         REAL NOT NULL,
    floor             REAL NOT NULL,
    confidence        REAL NOT NULL,
    observation_count INTEGER NOT NULL,
    fit_error         REAL NOT NULL DEFAULT 0,
    updated_at        INTEGER NOT NULL,
    PRIMARY KEY (entity_id, category)
);
`,
	},
}

func (db *DB) migrate() error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_versions (
			version     INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at  INTEGER NOT NULL DEFAULT (strftime('%s', 'now') * 1000)
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		err := db.QueryRow("SELECT COUNT(*) FROM schema_versions WHERE version = ?", m.Version).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}
		if count > 0 {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_versions (version, description) VALUES (?, ?)",
			m.Version, m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}

// LatestSchemaVersion is the schema version this build migrates to.
func LatestSchemaVersion() int {
	latest := 0
	for _, m := range migrations {
		latest = max(latest, m.Version)
	}
	return latest
}

// SchemaVersion returns the current schema version.
func (db *DB) SchemaVersion() (int, error) {
	var version int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_versions").Scan(&version)
	return version, err
}
