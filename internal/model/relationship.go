package model

import "time"

// RelationshipCache is the evidence record for one unordered entity pair.
// EntityA < EntityB always.
type RelationshipCache struct {
	EntityA          string     `json:"entity_a"`
	EntityB          string     `json:"entity_b"`
	SharedMemoryIDs  []string   `json:"shared_memory_ids"`
	InteractionCount int        `json:"interaction_count"`
	LastInteraction  time.Time  `json:"last_interaction"`
	PressureBalance  float64    `json:"pressure_balance"`
	CachedSynthesis  string     `json:"cached_synthesis,omitempty"`
	CacheTimestamp   *time.Time `json:"cache_timestamp,omitempty"`
	Dirty            bool       `json:"dirty"`

	// Version increases on every dirtying write. Synthesis only clears Dirty
	// when the version it started from is still current.
	Version int64 `json:"version"`
}

// HasSynthesis reports whether a synthesis has ever been cached.
func (r *RelationshipCache) HasSynthesis() bool {
	return r.CacheTimestamp != nil
}

// RelationshipSynthesis is what GetRelationship returns to callers.
type RelationshipSynthesis struct {
	EntityA          string     `json:"entity_a"`
	EntityB          string     `json:"entity_b"`
	Text             string     `json:"text"`
	InteractionCount int        `json:"interaction_count"`
	LastInteraction  time.Time  `json:"last_interaction,omitzero"`
	PressureBalance  float64    `json:"pressure_balance"`
	MemoriesUsed     int        `json:"memories_used"`
	MemoriesWithheld int        `json:"memories_withheld"`
	SynthesizedAt    *time.Time `json:"synthesized_at,omitempty"`

	// Stale is set when the text predates evidence the synthesizer could not
	// incorporate (capability down or a concurrent dirtying won twice).
	Stale bool `json:"stale"`
	// Structural is set when the text was built from counts alone.
	Structural bool `json:"structural"`
	// FromCache is set when no synthesis call was made.
	FromCache bool `json:"from_cache"`
}
