// Package model defines the core domain types of the relevance core.
package model

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// SecurityTier gates whether a memory may leave the process. Higher is more
// sensitive.
type SecurityTier int

const (
	TierGeneral  SecurityTier = 1
	TierPersonal SecurityTier = 2
	TierVault    SecurityTier = 3
)

func (t SecurityTier) String() string {
	switch t {
	case TierGeneral:
		return "general"
	case TierPersonal:
		return "personal"
	case TierVault:
		return "vault"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// ParseSecurityTier accepts "general", "personal" or "vault".
func ParseSecurityTier(s string) (SecurityTier, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "general", "":
		return TierGeneral, nil
	case "personal":
		return TierPersonal, nil
	case "vault":
		return TierVault, nil
	default:
		return 0, fmt.Errorf("%w: unknown security tier %q", ErrDataIntegrity, s)
	}
}

// Class is the trinary surfacing decision for a memory.
type Class string

const (
	ClassSuppressed Class = "suppressed" // informs internal state only
	ClassLatent     Class = "latent"     // may influence ranking, never surfaced directly
	ClassActive     Class = "active"     // eligible for surfacing
)

// Lifecycle is the append-only state of a stored memory.
type Lifecycle string

const (
	LifecycleActive     Lifecycle = "active"
	LifecycleArchived   Lifecycle = "archived"
	LifecycleSuppressed Lifecycle = "suppressed"
)

// ValidLifecycles are the states accepted by SetMemoryState.
var ValidLifecycles = map[Lifecycle]bool{
	LifecycleActive:     true,
	LifecycleArchived:   true,
	LifecycleSuppressed: true,
}

// DefaultCategory is used for decay learning when a memory has no category.
const DefaultCategory = "general"

// MemoryItem is a discrete observation. It is immutable once scored.
type MemoryItem struct {
	ID        string    `json:"id"`
	EntityIDs []string  `json:"entity_ids"`
	AuthorID  string    `json:"author_id,omitempty"`
	Text      string    `json:"text"`
	Category  string    `json:"category,omitempty"`
	Topics    []string  `json:"topics,omitempty"`
	OpenLoops []string  `json:"open_loops,omitempty"`
	Location  string    `json:"location,omitempty"`
	CreatedAt time.Time `json:"created_at"`

	// PrivacyFlags mark content that must not surface in front of the people
	// it concerns, e.g. "romantic" or "medical".
	PrivacyFlags []string `json:"privacy_flags,omitempty"`

	EmotionalValence  float64 `json:"emotional_valence"`
	EmotionalArousal  float64 `json:"emotional_arousal"`
	NoveltyHint       float64 `json:"novelty_hint"`
	ConsequentialHint float64 `json:"consequential_hint"`
	SocialHint        float64 `json:"social_hint"`
	RelevanceHint     float64 `json:"relevance_hint"`

	SalienceScore int          `json:"salience_score"`
	Salience      Class        `json:"salience"`
	SecurityTier  SecurityTier `json:"security_tier"`

	OriginMemoryID string `json:"origin_memory_id,omitempty"`
	CascadeDepth   int    `json:"cascade_depth,omitempty"`
}

// CategoryOrDefault returns the decay category for this memory.
func (m *MemoryItem) CategoryOrDefault() string {
	if m.Category == "" {
		return DefaultCategory
	}
	return m.Category
}

// EmotionalIntensity is the memory's original emotional charge in [0,1].
func (m *MemoryItem) EmotionalIntensity() float64 {
	return Clamp01((math.Abs(m.EmotionalValence) + m.EmotionalArousal) / 2)
}

// References reports whether the memory lists the entity as a participant.
func (m *MemoryItem) References(entityID string) bool {
	for _, id := range m.EntityIDs {
		if id == entityID {
			return true
		}
	}
	return false
}

// HasPrivacyFlag reports whether any privacy flag is set.
func (m *MemoryItem) HasPrivacyFlag() bool {
	return len(m.PrivacyFlags) > 0
}

// ValidateMemory rejects malformed memory items before they are stored.
// It normalizes entity ids (trimmed, de-duplicated) in place.
func ValidateMemory(m *MemoryItem) error {
	if strings.TrimSpace(m.Text) == "" {
		return fmt.Errorf("%w: memory text is empty", ErrDataIntegrity)
	}
	if err := checkRange("emotional_valence", m.EmotionalValence, -1, 1); err != nil {
		return err
	}
	if err := checkRange("emotional_arousal", m.EmotionalArousal, 0, 1); err != nil {
		return err
	}
	for name, v := range map[string]float64{
		"novelty_hint":       m.NoveltyHint,
		"consequential_hint": m.ConsequentialHint,
		"social_hint":        m.SocialHint,
		"relevance_hint":     m.RelevanceHint,
	} {
		if err := checkRange(name, v, 0, 1); err != nil {
			return err
		}
	}
	if m.SecurityTier == 0 {
		m.SecurityTier = TierGeneral
	}
	if m.SecurityTier < TierGeneral || m.SecurityTier > TierVault {
		return fmt.Errorf("%w: security tier %d out of range", ErrDataIntegrity, m.SecurityTier)
	}
	if m.CascadeDepth < 0 {
		return fmt.Errorf("%w: cascade depth %d is negative", ErrDataIntegrity, m.CascadeDepth)
	}

	seen := make(map[string]bool, len(m.EntityIDs))
	ids := m.EntityIDs[:0]
	for _, id := range m.EntityIDs {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	m.EntityIDs = ids
	if m.AuthorID != "" && !seen[m.AuthorID] {
		return fmt.Errorf("%w: author %q is not a participant", ErrDataIntegrity, m.AuthorID)
	}
	return nil
}

func checkRange(name string, v, lo, hi float64) error {
	if math.IsNaN(v) || v < lo || v > hi {
		return fmt.Errorf("%w: %s=%v outside [%v,%v]", ErrDataIntegrity, name, v, lo, hi)
	}
	return nil
}

// Clamp01 clamps v to [0,1]; NaN becomes 0.
func Clamp01(v float64) float64 {
	return Clamp(v, 0, 1)
}

// Clamp clamps v to [lo,hi]; NaN becomes lo.
func Clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) || v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// PairKey returns the canonical (unordered) ordering of two entity ids.
func PairKey(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}
