// Package relationship keeps a cached, human-readable synthesis of how two
// entities relate, built from the memories they share.
//
// The cache is invalidated by high-salience evidence only. Every dirtying
// write bumps a version; a synthesis clears the dirty bit only when the
// version it started from is still current, so evidence that lands while a
// synthesis is running is never lost.
package relationship

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/memorable-ai/memorable/internal/config"
	"github.com/memorable-ai/memorable/internal/llm"
	"github.com/memorable-ai/memorable/internal/logger"
	"github.com/memorable-ai/memorable/internal/model"
	"github.com/memorable-ai/memorable/internal/store"
)

// Store is the persistence the synthesizer needs.
type Store interface {
	RecordEvidence(ctx context.Context, ev store.Evidence) (bool, error)
	GetRelationship(ctx context.Context, entityA, entityB string) (*model.RelationshipCache, error)
	CompleteSynthesis(ctx context.Context, entityA, entityB, text string, at time.Time, startVersion int64) (bool, error)
	GetMemories(ctx context.Context, ids []string) ([]*model.MemoryItem, error)
}

// Completer produces synthesis text. *llm.Guard satisfies it.
type Completer interface {
	Complete(ctx context.Context, prompt string) (*llm.Response, error)
}

// Options tune a single request.
type Options struct {
	// Context is free text describing why the caller is asking. A request
	// with context is synthesized fresh and not cached.
	Context string
}

// Synthesizer serves relationship syntheses.
type Synthesizer struct {
	store   Store
	llm     Completer
	cfg     config.RelationshipConfig
	maxTier model.SecurityTier
	log     *slog.Logger
	now     func() time.Time

	group singleflight.Group
}

// New creates a Synthesizer. A nil completer always falls back to cached or
// structural text.
func New(store Store, completer Completer, cfg config.RelationshipConfig, log *slog.Logger) (*Synthesizer, error) {
	tier, err := model.ParseSecurityTier(cfg.MaxExternalTier)
	if err != nil {
		return nil, fmt.Errorf("%w: max_external_tier: %v", model.ErrConfiguration, err)
	}
	if cfg.MaxMemories <= 0 {
		cfg.MaxMemories = 50
	}
	return &Synthesizer{
		store:   store,
		llm:     completer,
		cfg:     cfg,
		maxTier: tier,
		log:     logger.OrDiscard(log),
		now:     time.Now,
	}, nil
}

// Dirtying reports whether a memory of this salience invalidates the cache.
func (s *Synthesizer) Dirtying(salience int) bool {
	return salience >= s.cfg.DirtyThreshold
}

// RecordEvidence attaches a shared memory to the pair. balanceDelta is the
// pressure B put on A minus the pressure A put on B for this memory.
func (s *Synthesizer) RecordEvidence(ctx context.Context, a, b, memoryID string, salience int, balanceDelta float64, at time.Time) (bool, error) {
	if err := checkPair(a, b); err != nil {
		return false, err
	}
	return s.store.RecordEvidence(ctx, store.Evidence{
		EntityA:      a,
		EntityB:      b,
		MemoryID:     memoryID,
		At:           at,
		Dirtying:     s.Dirtying(salience),
		BalanceDelta: balanceDelta,
	})
}

// GetRelationship returns the synthesis for a pair, from cache when it is
// clean. The result is never an error for a missing capability; it is
// annotated stale or structural instead.
func (s *Synthesizer) GetRelationship(ctx context.Context, a, b string, opts Options) (*model.RelationshipSynthesis, error) {
	return s.get(ctx, a, b, opts, false)
}

// RefreshRelationship forces a new synthesis even when the cache is clean.
func (s *Synthesizer) RefreshRelationship(ctx context.Context, a, b string, opts Options) (*model.RelationshipSynthesis, error) {
	return s.get(ctx, a, b, opts, true)
}

func (s *Synthesizer) get(ctx context.Context, a, b string, opts Options, force bool) (*model.RelationshipSynthesis, error) {
	if err := checkPair(a, b); err != nil {
		return nil, err
	}
	ka, kb := model.PairKey(a, b)
	key := fmt.Sprintf("%s\x00%s\x00%t\x00%s", ka, kb, force, opts.Context)

	v, err, _ := s.group.Do(key, func() (any, error) {
		return s.serve(ctx, ka, kb, opts, force)
	})
	if err != nil {
		return nil, err
	}
	out := *v.(*model.RelationshipSynthesis)
	return &out, nil
}

func (s *Synthesizer) serve(ctx context.Context, a, b string, opts Options, force bool) (*model.RelationshipSynthesis, error) {
	r, err := s.store.GetRelationship(ctx, a, b)
	if errors.Is(err, model.ErrNotFound) {
		return s.structural(&model.RelationshipCache{EntityA: a, EntityB: b}, 0), nil
	}
	if err != nil {
		return nil, err
	}

	if !force && opts.Context == "" && !r.Dirty && r.HasSynthesis() {
		res := s.base(r)
		res.Text = r.CachedSynthesis
		res.FromCache = true
		return res, nil
	}

	persist := opts.Context == ""
	for attempt := 0; ; attempt++ {
		text, used, withheld, err := s.synthesize(ctx, r, opts)
		if err != nil {
			if !errors.Is(err, model.ErrCapabilityUnavailable) {
				return nil, err
			}
			return s.degraded(r, withheld), nil
		}

		res := s.base(r)
		res.Text = text
		res.MemoriesUsed = used
		res.MemoriesWithheld = withheld
		at := s.now()
		res.SynthesizedAt = &at
		if !persist {
			return res, nil
		}

		cleared, err := s.store.CompleteSynthesis(ctx, a, b, text, at, r.Version)
		if err != nil {
			return nil, err
		}
		if cleared {
			return res, nil
		}
		if attempt >= 1 {
			s.log.Warn("relationship synthesis contended",
				"entity_a", a, "entity_b", b, "version", r.Version,
				"error", model.ErrConcurrencyConflict)
			res.Stale = true
			return res, nil
		}

		// New evidence arrived mid-synthesis; start over from the new version.
		if r, err = s.store.GetRelationship(ctx, a, b); err != nil {
			return nil, err
		}
	}
}

// synthesize builds the prompt from shareable memories and calls the
// capability.
func (s *Synthesizer) synthesize(ctx context.Context, r *model.RelationshipCache, opts Options) (text string, used, withheld int, err error) {
	memories, err := s.store.GetMemories(ctx, r.SharedMemoryIDs)
	if err != nil {
		return "", 0, 0, err
	}
	shareable, withheld := s.filter(memories)
	if s.llm == nil {
		return "", 0, withheld, fmt.Errorf("%w: no synthesis provider", model.ErrCapabilityUnavailable)
	}

	prompt := llm.RelationshipPrompt(r.EntityA, r.EntityB, toPrompt(shareable), r.InteractionCount, r.PressureBalance, opts.Context)
	resp, err := s.llm.Complete(ctx, prompt)
	if err != nil {
		return "", 0, withheld, err
	}
	return resp.Content, len(shareable), withheld, nil
}

// filter drops memories above the external tier and keeps the newest
// MaxMemories, oldest first.
func (s *Synthesizer) filter(memories []*model.MemoryItem) (keep []*model.MemoryItem, withheld int) {
	for _, m := range memories {
		if m.SecurityTier > s.maxTier {
			withheld++
			continue
		}
		keep = append(keep, m)
	}
	sort.SliceStable(keep, func(i, j int) bool { return keep[i].CreatedAt.Before(keep[j].CreatedAt) })
	if over := len(keep) - s.cfg.MaxMemories; over > 0 {
		keep = keep[over:]
	}
	return keep, withheld
}

// degraded serves the last synthesis marked stale, or a structural summary
// when there has never been one.
func (s *Synthesizer) degraded(r *model.RelationshipCache, withheld int) *model.RelationshipSynthesis {
	if r.HasSynthesis() {
		res := s.base(r)
		res.Text = r.CachedSynthesis
		res.Stale = true
		res.MemoriesWithheld = withheld
		return res
	}
	return s.structural(r, withheld)
}

func (s *Synthesizer) structural(r *model.RelationshipCache, withheld int) *model.RelationshipSynthesis {
	res := s.base(r)
	res.Structural = true
	res.MemoriesWithheld = withheld
	res.Stale = r.Dirty
	res.Text = StructuralText(r)
	return res
}

func (s *Synthesizer) base(r *model.RelationshipCache) *model.RelationshipSynthesis {
	return &model.RelationshipSynthesis{
		EntityA:          r.EntityA,
		EntityB:          r.EntityB,
		InteractionCount: r.InteractionCount,
		LastInteraction:  r.LastInteraction,
		PressureBalance:  r.PressureBalance,
		SynthesizedAt:    r.CacheTimestamp,
	}
}

// StructuralText describes a pair from counts alone.
func StructuralText(r *model.RelationshipCache) string {
	if r.InteractionCount == 0 {
		return fmt.Sprintf("%s and %s have no shared memories yet.", r.EntityA, r.EntityB)
	}
	tone := "balanced"
	switch {
	case r.PressureBalance > 0.25:
		tone = fmt.Sprintf("%s has been under more strain from %s than the reverse", r.EntityA, r.EntityB)
	case r.PressureBalance < -0.25:
		tone = fmt.Sprintf("%s has been under more strain from %s than the reverse", r.EntityB, r.EntityA)
	}
	return fmt.Sprintf("%s and %s share %d recorded interactions, the latest on %s. Pressure between them is %s (balance %+.2f).",
		r.EntityA, r.EntityB, r.InteractionCount, r.LastInteraction.UTC().Format("2006-01-02"), tone, r.PressureBalance)
}

func toPrompt(ms []*model.MemoryItem) []llm.PromptMemory {
	out := make([]llm.PromptMemory, 0, len(ms))
	for _, m := range ms {
		out = append(out, llm.PromptMemory{
			Text:      m.Text,
			CreatedAt: m.CreatedAt,
			Valence:   m.EmotionalValence,
			Salience:  m.SalienceScore,
		})
	}
	return out
}

func checkPair(a, b string) error {
	if a == "" || b == "" {
		return fmt.Errorf("%w: relationship needs two entities", model.ErrDataIntegrity)
	}
	if a == b {
		return fmt.Errorf("%w: relationship of %q with itself", model.ErrDataIntegrity, a)
	}
	return nil
}
