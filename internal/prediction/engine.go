// Package prediction resurfaces stored memories when an entity's live
// context matches conditions derived at ingest.
//
// Active hooks are held in a per-entity in-memory index so matching does no
// I/O. Fire counts are written back asynchronously. Feedback and state
// changes are written synchronously, but never while the index lock is held.
package prediction

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/memorable-ai/memorable/internal/config"
	"github.com/memorable-ai/memorable/internal/llm"
	"github.com/memorable-ai/memorable/internal/logger"
	"github.com/memorable-ai/memorable/internal/model"
)

// Store is the persistence the hook engine needs.
type Store interface {
	SaveHooks(ctx context.Context, hooks []model.PredictionHook) error
	GetHook(ctx context.Context, id string) (*model.PredictionHook, error)
	ListActiveHooks(ctx context.Context) ([]model.PredictionHook, error)
	ListHooksByEntity(ctx context.Context, entityID string) ([]model.PredictionHook, error)
	ListHooksByMemory(ctx context.Context, memoryID string) ([]model.PredictionHook, error)
	RecordHookFiring(ctx context.Context, id string, firedCount int, at time.Time) error
	UpdateHookFeedback(ctx context.Context, h *model.PredictionHook) error
	SetHookState(ctx context.Context, ids []string, state model.HookState) error
}

// Completer proposes hooks. *llm.Guard satisfies it.
type Completer interface {
	Complete(ctx context.Context, prompt string) (*llm.Response, error)
}

// Gate has the last word on whether a matched hook may surface in a given
// context. Hooks it rejects do not fire.
type Gate func(ctx context.Context, h model.PredictionHook, snap model.ContextSnapshot, at time.Time) bool

// Engine generates, matches and learns from prediction hooks.
type Engine struct {
	store   Store
	llm     Completer
	gate    Gate
	cfg     config.HooksConfig
	maxTier model.SecurityTier
	log     *slog.Logger
	now     func() time.Time
	persist *persister

	// writeMu orders feedback and state writes so the store sees them in
	// the order they were applied to the index.
	writeMu sync.Mutex

	mu       sync.RWMutex
	byEntity map[string][]*model.PredictionHook
	byID     map[string]*model.PredictionHook
}

// New creates an Engine with an empty index. Call LoadIndex to pick up hooks
// stored by earlier runs, and Close to flush pending writes.
func New(store Store, completer Completer, cfg config.HooksConfig, log *slog.Logger) *Engine {
	log = logger.OrDiscard(log)
	if cfg.TopK < 1 {
		cfg.TopK = 3
	}
	return &Engine{
		store:    store,
		llm:      completer,
		cfg:      cfg,
		maxTier:  model.TierGeneral,
		log:      log,
		now:      time.Now,
		persist:  newPersister(store, log),
		byEntity: make(map[string][]*model.PredictionHook),
		byID:     make(map[string]*model.PredictionHook),
	}
}

// WithMaxExternalTier sets the most sensitive tier that may be sent to the
// synthesis capability for hook proposals.
func (e *Engine) WithMaxExternalTier(t model.SecurityTier) *Engine {
	e.maxTier = t
	return e
}

// WithGate installs a surfacing gate.
func (e *Engine) WithGate(g Gate) *Engine {
	e.gate = g
	return e
}

// Close flushes pending fire counts and stops the background writer.
func (e *Engine) Close() {
	e.persist.Stop()
}

// Flush blocks until every fire count recorded so far is stored.
func (e *Engine) Flush() {
	e.persist.Flush()
}

// LoadIndex replaces the in-memory index with the active hooks in storage.
func (e *Engine) LoadIndex(ctx context.Context) (int, error) {
	hooks, err := e.store.ListActiveHooks(ctx)
	if err != nil {
		return 0, fmt.Errorf("load hook index: %w", err)
	}
	e.mu.Lock()
	e.byEntity = make(map[string][]*model.PredictionHook)
	e.byID = make(map[string]*model.PredictionHook)
	e.mu.Unlock()
	e.index(hooks)
	return len(hooks), nil
}

func (e *Engine) index(hooks []model.PredictionHook) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range hooks {
		h := hooks[i]
		if h.State != model.HookActive {
			continue
		}
		if _, ok := e.byID[h.ID]; ok {
			continue
		}
		e.byID[h.ID] = &h
		e.byEntity[h.EntityID] = append(e.byEntity[h.EntityID], &h)
	}
}

// unindex removes hooks from the index. Caller holds e.mu.
func (e *Engine) unindex(ids map[string]bool) {
	for id := range ids {
		h, ok := e.byID[id]
		if !ok {
			continue
		}
		delete(e.byID, id)
		list := e.byEntity[h.EntityID]
		kept := list[:0]
		for _, x := range list {
			if !ids[x.ID] {
				kept = append(kept, x)
			}
		}
		if len(kept) == 0 {
			delete(e.byEntity, h.EntityID)
		} else {
			e.byEntity[h.EntityID] = kept
		}
	}
}

// OnContextChange returns the top matching memories for the entity in its
// new context and marks them fired. Hooks in cooldown, expired hooks and
// hooks outside the top K do not fire.
func (e *Engine) OnContextChange(ctx context.Context, entityID string, snap model.ContextSnapshot) []model.SurfacedMemory {
	now := e.now()
	at := snap.Time
	if at.IsZero() {
		at = now
	}

	type candidate struct {
		h       *model.PredictionHook
		view    model.PredictionHook
		matched []model.Condition
	}
	var cands []candidate

	e.mu.RLock()
	for _, h := range e.byEntity[entityID] {
		if !e.eligible(h, now) {
			continue
		}
		if Matches(h.Conditions, snap, at) {
			cands = append(cands, candidate{h: h, view: *h, matched: append([]model.Condition(nil), h.Conditions...)})
		}
	}
	e.mu.RUnlock()

	if e.gate != nil {
		kept := cands[:0]
		for _, c := range cands {
			if e.gate(ctx, c.view, snap, at) {
				kept = append(kept, c)
			}
		}
		cands = kept
	}

	if len(cands) == 0 {
		return nil
	}
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i].view, cands[j].view
		if a.Priority.Rank() != b.Priority.Rank() {
			return a.Priority.Rank() > b.Priority.Rank()
		}
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		return a.ID < b.ID
	})
	if len(cands) > e.cfg.TopK {
		cands = cands[:e.cfg.TopK]
	}

	var out []model.SurfacedMemory
	e.mu.Lock()
	for _, c := range cands {
		h := c.h
		// A concurrent event may have fired or retired it since the scan.
		if _, ok := e.byID[h.ID]; !ok || !e.eligible(h, now) {
			continue
		}
		h.FiredCount++
		fired := now
		h.LastFired = &fired
		e.persist.enqueue(h.ID, h.FiredCount, now)
		out = append(out, model.SurfacedMemory{
			HookID:     h.ID,
			MemoryID:   h.MemoryID,
			EntityID:   h.EntityID,
			Priority:   h.Priority,
			Confidence: h.Confidence,
			Matched:    c.matched,
			FiredAt:    now,
		})
	}
	e.mu.Unlock()
	return out
}

// eligible checks state, expiry and cooldown. Caller holds e.mu.
func (e *Engine) eligible(h *model.PredictionHook, now time.Time) bool {
	if h.State != model.HookActive || h.Expired(now) {
		return false
	}
	return h.LastFired == nil || now.Sub(*h.LastFired) >= e.cfg.Cooldown
}

// RecordFeedback moves confidence toward 1 when the surfaced memory was
// useful and toward 0 when not. A hook that has fired at least MinFirings
// times and drops below the floor is demoted for good.
func (e *Engine) RecordFeedback(ctx context.Context, hookID string, useful bool) (*model.PredictionHook, error) {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	e.mu.RLock()
	live, indexed := e.byID[hookID]
	var h model.PredictionHook
	if indexed {
		h = *live
	}
	e.mu.RUnlock()
	if !indexed {
		stored, err := e.store.GetHook(ctx, hookID)
		if err != nil {
			return nil, err
		}
		h = *stored
	}

	target := 0.0
	if useful {
		target = 1.0
	}
	h.Confidence = model.Clamp01(h.Confidence + e.cfg.FeedbackAlpha*(target-h.Confidence))
	h.FeedbackCount++

	demote := h.State == model.HookActive && h.FiredCount >= e.cfg.MinFirings && h.Confidence < e.cfg.DemoteFloor
	if demote {
		h.State = model.HookDemoted
	}
	if err := e.store.UpdateHookFeedback(ctx, &h); err != nil {
		return nil, err
	}

	e.mu.Lock()
	if cur, ok := e.byID[hookID]; ok {
		cur.Confidence = h.Confidence
		cur.FeedbackCount = h.FeedbackCount
		// Fires that landed during the write are newer than our copy.
		h.FiredCount = cur.FiredCount
		h.LastFired = cur.LastFired
		if demote {
			cur.State = model.HookDemoted
			e.unindex(map[string]bool{hookID: true})
		}
	}
	e.mu.Unlock()

	if demote {
		e.log.Info("hook demoted", "hook", h.ID, "memory", h.MemoryID, "confidence", h.Confidence)
	}
	return &h, nil
}

// ExpireStale moves hooks whose expiry has passed into the expired state.
func (e *Engine) ExpireStale(ctx context.Context, now time.Time) (int, error) {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	e.mu.RLock()
	var ids []string
	for id, h := range e.byID {
		if h.Expired(now) {
			ids = append(ids, id)
		}
	}
	e.mu.RUnlock()
	if len(ids) == 0 {
		return 0, nil
	}
	sort.Strings(ids)
	if err := e.store.SetHookState(ctx, ids, model.HookExpired); err != nil {
		return 0, err
	}
	e.retire(ids, model.HookExpired)
	return len(ids), nil
}

// DeactivateMemory expires every active hook derived from a memory. It is
// used when a memory is archived or suppressed.
func (e *Engine) DeactivateMemory(ctx context.Context, memoryID string) (int, error) {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	hooks, err := e.store.ListHooksByMemory(ctx, memoryID)
	if err != nil {
		return 0, err
	}
	var ids []string
	for _, h := range hooks {
		if h.State == model.HookActive {
			ids = append(ids, h.ID)
		}
	}
	if len(ids) == 0 {
		return 0, nil
	}
	if err := e.store.SetHookState(ctx, ids, model.HookExpired); err != nil {
		return 0, err
	}
	e.retire(ids, model.HookExpired)
	return len(ids), nil
}

// retire marks stored hooks with their new state and drops them from
// the index.
func (e *Engine) retire(ids []string, st model.HookState) {
	drop := make(map[string]bool, len(ids))
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, id := range ids {
		drop[id] = true
		if h, ok := e.byID[id]; ok {
			h.State = st
		}
	}
	e.unindex(drop)
}

// HooksFor lists every hook watching an entity, in any state. Live fire
// counts from the index win over stored ones that may not be written yet.
func (e *Engine) HooksFor(ctx context.Context, entityID string) ([]model.PredictionHook, error) {
	hooks, err := e.store.ListHooksByEntity(ctx, entityID)
	if err != nil {
		return nil, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	for i := range hooks {
		if live, ok := e.byID[hooks[i].ID]; ok {
			hooks[i] = *live
		}
	}
	return hooks, nil
}

// IndexSize returns the number of active hooks held in memory.
func (e *Engine) IndexSize() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.byID)
}
