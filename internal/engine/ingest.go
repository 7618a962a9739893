package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/memorable-ai/memorable/internal/ids"
	"github.com/memorable-ai/memorable/internal/model"
	"github.com/memorable-ai/memorable/internal/salience"
)

// IngestResult reports what one ingested memory changed.
type IngestResult struct {
	Memory    *model.MemoryItem      `json:"memory"`
	Breakdown salience.Breakdown     `json:"breakdown"`
	Pressure  []model.EntityPressure `json:"pressure"`
	Vectors   int                    `json:"vectors"`
	Pairs     int                    `json:"pairs"`
	Hooks     []model.PredictionHook `json:"hooks"`
}

// ScoreResult is a dry-run score of a memory in an optional context.
type ScoreResult struct {
	Score     int                 `json:"score"`
	Class     model.Class         `json:"class"`
	Breakdown salience.Breakdown  `json:"breakdown"`
	Modifiers []salience.Modifier `json:"modifiers,omitempty"`
}

// Score scores and classifies item without storing anything. With a
// context, the live context modifiers are applied to the class.
func (e *Engine) Score(item *model.MemoryItem, base salience.Factors, snap *model.ContextSnapshot) (*ScoreResult, error) {
	if item == nil {
		return nil, fmt.Errorf("%w: nil memory", model.ErrDataIntegrity)
	}
	m := *item
	if err := normalizeMemory(&m, e.log); err != nil {
		return nil, err
	}
	score, b := e.Salience.Score(&m, base)
	res := &ScoreResult{Score: score, Breakdown: b}
	if snap != nil {
		if m.CreatedAt.IsZero() {
			m.CreatedAt = e.now()
		}
		res.Modifiers = e.Salience.ContextModifiers(&m, normalizeSnapshot(*snap), e.now())
	}
	res.Class = salience.Classify(score, res.Modifiers...)
	return res, nil
}

// Ingest scores a memory, stores it, applies its pressure, records it as
// relationship evidence for every participant pair and generates hooks.
//
// The memory is stored before pressure is applied so vectors always point
// at a stored memory. Every later step is idempotent, so an ingest that
// failed part way can be retried with the same memory id: the stored copy is
// picked up and the remaining steps run. Hook generation is best effort and
// never fails the ingest.
func (e *Engine) Ingest(ctx context.Context, item *model.MemoryItem, base salience.Factors) (*IngestResult, error) {
	if item == nil {
		return nil, fmt.Errorf("%w: nil memory", model.ErrDataIntegrity)
	}
	m := *item
	if err := normalizeMemory(&m, e.log); err != nil {
		return nil, err
	}
	stamped := !m.CreatedAt.IsZero()
	if !stamped {
		m.CreatedAt = e.now()
	}
	if m.ID == "" {
		m.ID = ids.ULID(m.CreatedAt)
	}

	score, breakdown := e.Salience.Score(&m, base)
	m.SalienceScore = score
	m.Salience = salience.Classify(score)

	if err := e.DB.InsertMemory(ctx, &m); err != nil {
		stored, ok := e.resumable(ctx, &m, stamped, err)
		if !ok {
			return nil, err
		}
		e.log.Info("resuming ingest", "memory", m.ID)
		m = *stored
		score = m.SalienceScore
	}
	res := &IngestResult{Memory: &m, Breakdown: breakdown}

	applied, err := e.Pressure.Apply(ctx, &m, m.EntityIDs)
	if err != nil {
		return res, fmt.Errorf("apply pressure for %s: %w", m.ID, err)
	}
	res.Pressure = applied.Updated
	res.Vectors = len(applied.Vectors)

	implied := e.Pressure.Vectors(&m)
	for i := 0; i < len(m.EntityIDs); i++ {
		for j := i + 1; j < len(m.EntityIDs); j++ {
			a, b := m.EntityIDs[i], m.EntityIDs[j]
			delta := pairBalance(implied, a, b)
			if _, err := e.Relationships.RecordEvidence(ctx, a, b, m.ID, score, delta, m.CreatedAt); err != nil {
				return res, fmt.Errorf("record evidence %s/%s: %w", a, b, err)
			}
			res.Pairs++
		}
	}

	res.Hooks = e.Hooks.GenerateHooks(ctx, &m)

	e.log.Info("memory ingested",
		"memory", m.ID,
		"salience", score,
		"class", string(m.Salience),
		"entities", len(m.EntityIDs),
		"vectors", res.Vectors,
		"hooks", len(res.Hooks),
	)
	return res, nil
}

// resumable reports whether a failed insert hit an earlier attempt at the
// same memory, and returns the stored copy if so. A different memory under
// the same id is never resumed.
func (e *Engine) resumable(ctx context.Context, m *model.MemoryItem, stamped bool, insertErr error) (*model.MemoryItem, bool) {
	if !errors.Is(insertErr, model.ErrDataIntegrity) {
		return nil, false
	}
	stored, err := e.DB.GetMemory(ctx, m.ID)
	if err != nil {
		return nil, false
	}
	if !sameMemory(stored, m, stamped) {
		return nil, false
	}
	return stored, true
}

// sameMemory compares the caller-supplied content of two memories. The
// creation time only counts when the caller set it.
func sameMemory(stored, m *model.MemoryItem, stamped bool) bool {
	if stored.AuthorID != m.AuthorID || stored.Text != m.Text || stored.Category != m.Category ||
		stored.Location != m.Location || stored.SecurityTier != m.SecurityTier ||
		stored.EmotionalValence != m.EmotionalValence || stored.EmotionalArousal != m.EmotionalArousal ||
		stored.OriginMemoryID != m.OriginMemoryID || stored.CascadeDepth != m.CascadeDepth {
		return false
	}
	if stamped && !stored.CreatedAt.Equal(m.CreatedAt.Truncate(time.Millisecond)) {
		return false
	}
	return slices.Equal(stored.EntityIDs, m.EntityIDs) &&
		slices.Equal(stored.Topics, m.Topics) &&
		slices.Equal(stored.OpenLoops, m.OpenLoops) &&
		slices.Equal(stored.PrivacyFlags, m.PrivacyFlags)
}

// pairBalance is the strain b put on a minus the strain a put on b, where a
// negative vector counts as positive strain.
func pairBalance(vectors []model.PressureVector, a, b string) float64 {
	var d float64
	for _, v := range vectors {
		strain := -v.Valence * v.Intensity
		switch {
		case v.SourceEntityID == b && v.TargetEntityID == a:
			d += strain
		case v.SourceEntityID == a && v.TargetEntityID == b:
			d -= strain
		}
	}
	return d
}

// SetMemoryState appends a lifecycle transition. Leaving the active state
// retires the memory's hooks; returning to active does not revive them.
func (e *Engine) SetMemoryState(ctx context.Context, memoryID string, state model.Lifecycle, reason string) error {
	if !model.ValidLifecycles[state] {
		return fmt.Errorf("%w: unknown memory state %q", model.ErrDataIntegrity, state)
	}
	if _, err := e.DB.GetMemory(ctx, memoryID); err != nil {
		return err
	}
	if err := e.DB.AppendMemoryEvent(ctx, memoryID, state, reason, e.now()); err != nil {
		return err
	}
	if state == model.LifecycleActive {
		return nil
	}
	n, err := e.Hooks.DeactivateMemory(ctx, memoryID)
	if err != nil {
		return fmt.Errorf("deactivate hooks for %s: %w", memoryID, err)
	}
	e.log.Info("memory state changed", "memory", memoryID, "state", string(state), "hooks_retired", n)
	return nil
}

// OnContextChange surfaces memories for an entity whose context changed.
func (e *Engine) OnContextChange(ctx context.Context, entityID string, snap model.ContextSnapshot) ([]model.SurfacedMemory, error) {
	entityID = normalizeEntityID(entityID)
	if entityID == "" {
		return nil, fmt.Errorf("%w: entity id is empty", model.ErrDataIntegrity)
	}
	snap = normalizeSnapshot(snap)
	return e.Hooks.OnContextChange(ctx, entityID, snap), nil
}

// surfaceable re-classifies the hook's memory in the live context, so a
// memory that is active in general stays hidden when, for example, the
// person it concerns is in the room.
func (e *Engine) surfaceable(ctx context.Context, h model.PredictionHook, snap model.ContextSnapshot, at time.Time) bool {
	m, err := e.DB.GetMemory(ctx, h.MemoryID)
	if err != nil {
		if !errors.Is(err, model.ErrNotFound) {
			e.log.Warn("surface check", "memory", h.MemoryID, "error", err)
		}
		return false
	}
	return e.Salience.Evaluate(m, snap, at) == model.ClassActive
}
