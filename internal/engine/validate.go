package engine

import (
	"fmt"
	"log/slog"
	"strings"
	"unicode"

	"github.com/memorable-ai/memorable/internal/model"
)

// Size limits on ingested memories.
const (
	maxTextChars = 8000
	maxEntities  = 32
	maxTopics    = 16
)

// validEntityIDChar returns true if the character is allowed in an entity id.
// Allowed: lowercase alphanumeric, hyphens, underscores, dots, colons and @.
func validEntityIDChar(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') ||
		r == '-' || r == '_' || r == '.' || r == ':' || r == '@'
}

// normalizeEntityID folds an entity id to [a-z0-9_.:@-].
// Spaces and slashes become hyphens, other chars are dropped.
// Returns empty string if nothing survives.
func normalizeEntityID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return ""
	}

	var b strings.Builder
	prevHyphen := false
	for _, r := range strings.ToLower(id) {
		if validEntityIDChar(r) {
			b.WriteRune(r)
			prevHyphen = (r == '-')
		} else if r == ' ' || r == '/' {
			if !prevHyphen && b.Len() > 0 {
				b.WriteByte('-')
				prevHyphen = true
			}
		}
	}
	return strings.Trim(b.String(), "-_.")
}

// normalizeMemory cleans a memory candidate in place and rejects it if it
// is not storable.
func normalizeMemory(m *model.MemoryItem, log *slog.Logger) error {
	entities := make([]string, 0, len(m.EntityIDs))
	for _, id := range m.EntityIDs {
		n := normalizeEntityID(id)
		if n == "" {
			return fmt.Errorf("%w: entity id %q is empty after normalization", model.ErrDataIntegrity, id)
		}
		entities = append(entities, n)
	}
	m.EntityIDs = entities
	if len(m.EntityIDs) > maxEntities {
		return fmt.Errorf("%w: %d entities, max %d", model.ErrDataIntegrity, len(m.EntityIDs), maxEntities)
	}
	if m.AuthorID != "" {
		m.AuthorID = normalizeEntityID(m.AuthorID)
	}

	m.Text = strings.TrimSpace(m.Text)
	if len(m.Text) > maxTextChars {
		log.Warn("truncating memory text", "chars", len(m.Text), "max", maxTextChars)
		m.Text = truncateClean(m.Text, maxTextChars)
	}
	m.Category = strings.ToLower(strings.TrimSpace(m.Category))

	m.Topics = cleanList(m.Topics, true)
	if len(m.Topics) > maxTopics {
		m.Topics = m.Topics[:maxTopics]
	}
	m.OpenLoops = cleanList(m.OpenLoops, false)
	m.PrivacyFlags = cleanList(m.PrivacyFlags, true)
	m.Location = strings.TrimSpace(m.Location)

	if m.CascadeDepth > 0 && m.OriginMemoryID == "" {
		return fmt.Errorf("%w: cascade depth without origin memory", model.ErrDataIntegrity)
	}
	return model.ValidateMemory(m)
}

func normalizeSnapshot(s model.ContextSnapshot) model.ContextSnapshot {
	s.TalkingTo = normalizeEntityID(s.TalkingTo)
	present := make([]string, 0, len(s.Present))
	for _, p := range s.Present {
		if n := normalizeEntityID(p); n != "" {
			present = append(present, n)
		}
	}
	s.Present = present
	return s
}

// cleanList trims entries, drops empties and duplicates.
func cleanList(xs []string, lower bool) []string {
	if len(xs) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(xs))
	out := make([]string, 0, len(xs))
	for _, x := range xs {
		x = strings.TrimSpace(x)
		if lower {
			x = strings.ToLower(x)
		}
		if x == "" || seen[x] {
			continue
		}
		seen[x] = true
		out = append(out, x)
	}
	return out
}

// truncateClean truncates a string to maxLen, cutting at the last word boundary
// to avoid mid-word breaks.
func truncateClean(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}

	truncated := s[:maxLen]
	if idx := strings.LastIndexFunc(truncated, unicode.IsSpace); idx > maxLen-200 {
		truncated = truncated[:idx]
	}
	return strings.TrimSpace(truncated)
}

// CanonicalEntityID returns the stored form of an entity id, or "" when
// nothing usable remains.
func CanonicalEntityID(id string) string {
	return normalizeEntityID(id)
}
