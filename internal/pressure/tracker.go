// Package pressure tracks directional emotional pressure between entities
// and derives the patterns and intervention urgency that drive care alerts.
//
// Every memory with a non-neutral valence produces pressure vectors from its
// author (or from each participant, when there is no author) toward the other
// participants. Vectors are append-only. Per-entity state is loaded, mutated
// and saved under an entity lock so concurrent events touching the same
// entity serialize; locks are taken in sorted order.
package pressure

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/memorable-ai/memorable/internal/config"
	"github.com/memorable-ai/memorable/internal/ids"
	"github.com/memorable-ai/memorable/internal/logger"
	"github.com/memorable-ai/memorable/internal/model"
)

// Store is the persistence the tracker needs.
type Store interface {
	LoadPressure(ctx context.Context, entityID string, maxVectors int) (*model.EntityPressure, error)
	SavePressure(ctx context.Context, vectors []model.PressureVector, records []*model.EntityPressure) error
	ListPressureEntities(ctx context.Context) ([]string, error)
}

// Result is the outcome of applying one memory.
type Result struct {
	Updated []model.EntityPressure
	Vectors []model.PressureVector
	Alerts  []model.CareAlert
}

// Tracker owns the entity pressure state.
type Tracker struct {
	store    Store
	cfg      config.PressureConfig
	notifier Notifier
	log      *slog.Logger
	locks    *lockArena
	now      func() time.Time

	wg sync.WaitGroup
}

// NewTracker creates a Tracker. A nil notifier logs alerts.
func NewTracker(store Store, cfg config.PressureConfig, notifier Notifier, log *slog.Logger) *Tracker {
	log = logger.OrDiscard(log)
	if notifier == nil {
		notifier = LogNotifier{Log: log}
	}
	return &Tracker{
		store:    store,
		cfg:      cfg,
		notifier: notifier,
		log:      log,
		locks:    newLockArena(),
		now:      time.Now,
	}
}

// ApplyMemoryEvent derives pressure vectors from memory, appends them to the
// participants' histories and returns the updated records.
func (t *Tracker) ApplyMemoryEvent(ctx context.Context, memory *model.MemoryItem, entityIDs []string) ([]model.EntityPressure, error) {
	res, err := t.Apply(ctx, memory, entityIDs)
	if err != nil {
		return nil, err
	}
	return res.Updated, nil
}

// Apply is ApplyMemoryEvent that also reports the vectors written and the
// alerts raised.
func (t *Tracker) Apply(ctx context.Context, memory *model.MemoryItem, entityIDs []string) (*Result, error) {
	if memory == nil {
		return nil, fmt.Errorf("%w: nil memory", model.ErrDataIntegrity)
	}
	entities := uniqueSorted(entityIDs)
	if len(entities) == 0 {
		return &Result{}, nil
	}

	release, err := t.acquire(ctx, entities)
	if err != nil {
		return nil, err
	}

	res, err := t.applyLocked(ctx, memory, entities)
	release()
	if err != nil {
		return nil, err
	}
	t.dispatch(res.Alerts)
	return res, nil
}

func (t *Tracker) applyLocked(ctx context.Context, memory *model.MemoryItem, entities []string) (*Result, error) {
	now := t.now()
	at := memory.CreatedAt
	if at.IsZero() {
		at = now
	}

	records := make(map[string]*model.EntityPressure, len(entities))
	for _, id := range entities {
		p, err := t.store.LoadPressure(ctx, id, t.cfg.MaxVectors)
		if err != nil {
			return nil, err
		}
		records[id] = p
	}

	var fresh []model.PressureVector
	for _, v := range t.vectorsFor(memory, entities, at) {
		src, dst := records[v.SourceEntityID], records[v.TargetEntityID]
		if seen(dst, v) {
			continue
		}
		v.IsRepeated = repeated(dst, v, t.cfg.RepeatWindow)
		if v.Negative() {
			dst.NegativeInputs = t.push(dst.NegativeInputs, v)
			src.NegativeOutputs = t.push(src.NegativeOutputs, v)
		} else {
			dst.PositiveInputs = t.push(dst.PositiveInputs, v)
			src.PositiveOutputs = t.push(src.PositiveOutputs, v)
		}
		fresh = append(fresh, v)
	}

	res := &Result{Vectors: fresh}
	out := make([]*model.EntityPressure, 0, len(entities))
	for _, id := range entities {
		p := records[id]
		derive(p, t.cfg, now)
		if alert, ok := escalate(p, now); ok {
			res.Alerts = append(res.Alerts, alert)
		}
		out = append(out, p)
	}

	if err := t.store.SavePressure(ctx, fresh, out); err != nil {
		return nil, err
	}
	for _, p := range out {
		res.Updated = append(res.Updated, *p)
	}
	return res, nil
}

// Vectors returns the directional vectors a memory implies, whether or not
// they have been applied yet.
func (t *Tracker) Vectors(memory *model.MemoryItem) []model.PressureVector {
	at := memory.CreatedAt
	if at.IsZero() {
		at = t.now()
	}
	return t.vectorsFor(memory, uniqueSorted(memory.EntityIDs), at)
}

// vectorsFor builds the directional vectors a memory implies. Neutral
// memories imply none.
func (t *Tracker) vectorsFor(memory *model.MemoryItem, entities []string, at time.Time) []model.PressureVector {
	valence := model.Clamp(memory.EmotionalValence, -1, 1)
	if math.Abs(valence) <= t.cfg.NeutralBand || len(entities) < 2 {
		return nil
	}
	intensity := memory.EmotionalIntensity()

	var sources []string
	if memory.AuthorID != "" && contains(entities, memory.AuthorID) {
		sources = []string{memory.AuthorID}
	} else {
		sources = entities
	}

	var vs []model.PressureVector
	for _, src := range sources {
		for _, dst := range entities {
			if src == dst {
				continue
			}
			vs = append(vs, model.PressureVector{
				ID:             ids.ULID(at),
				SourceEntityID: src,
				TargetEntityID: dst,
				MemoryID:       memory.ID,
				Timestamp:      at,
				Intensity:      intensity,
				Valence:        valence,
				CascadeDepth:   memory.CascadeDepth,
				OriginMemoryID: memory.OriginMemoryID,
			})
		}
	}
	return vs
}

// push appends v and drops the oldest entries beyond MaxVectors.
func (t *Tracker) push(list []model.PressureVector, v model.PressureVector) []model.PressureVector {
	list = append(list, v)
	if over := len(list) - t.cfg.MaxVectors; t.cfg.MaxVectors > 0 && over > 0 {
		list = list[over:]
	}
	return list
}

// seen reports whether the target already holds a vector for the same
// memory and direction, which happens when an ingest is replayed.
func seen(p *model.EntityPressure, v model.PressureVector) bool {
	for _, list := range [][]model.PressureVector{p.NegativeInputs, p.PositiveInputs} {
		for _, old := range list {
			if old.MemoryID == v.MemoryID && old.SourceEntityID == v.SourceEntityID {
				return true
			}
		}
	}
	return false
}

func repeated(p *model.EntityPressure, v model.PressureVector, window time.Duration) bool {
	for _, list := range [][]model.PressureVector{p.NegativeInputs, p.PositiveInputs} {
		for _, old := range list {
			if old.SourceEntityID != v.SourceEntityID {
				continue
			}
			if d := v.Timestamp.Sub(old.Timestamp); d >= 0 && d <= window {
				return true
			}
		}
	}
	return false
}

// escalate updates the notified level of p and reports whether the care
// circle should hear about a new, higher urgency. A drop lowers the notified
// level so a later rise alerts again.
func escalate(p *model.EntityPressure, now time.Time) (model.CareAlert, bool) {
	u := p.InterventionUrgency
	if u < p.NotifiedUrgency {
		p.NotifiedUrgency = u
		return model.CareAlert{}, false
	}
	if u <= p.NotifiedUrgency || u < model.UrgencyConcern {
		return model.CareAlert{}, false
	}
	alert := model.CareAlert{
		EntityID:   p.EntityID,
		Urgency:    u,
		Previous:   p.NotifiedUrgency,
		Patterns:   append([]model.Pattern(nil), p.PatternFlags...),
		Trend:      p.PressureTrend,
		CareCircle: append([]string(nil), p.CareCircle...),
		RaisedAt:   now,
	}
	p.NotifiedUrgency = u
	return alert, true
}

// dispatch sends alerts without holding any entity lock.
func (t *Tracker) dispatch(alerts []model.CareAlert) {
	for _, a := range alerts {
		t.wg.Add(1)
		go func(a model.CareAlert) {
			defer t.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := t.notifier.NotifyCareCircle(ctx, a); err != nil {
				t.log.Error("notify care circle", "entity", a.EntityID, "urgency", a.Urgency.String(), "error", err)
			}
		}(a)
	}
}

// Wait blocks until every dispatched alert has been delivered.
func (t *Tracker) Wait() {
	t.wg.Wait()
}

// GetPressure returns the current record for an entity. Unknown entities
// yield an empty, stable record.
func (t *Tracker) GetPressure(ctx context.Context, entityID string) (*model.EntityPressure, error) {
	if entityID == "" {
		return nil, fmt.Errorf("%w: entity id is empty", model.ErrDataIntegrity)
	}
	return t.store.LoadPressure(ctx, entityID, t.cfg.MaxVectors)
}

// SetCareCircle replaces the care circle of an entity. The entity itself is
// never part of its own circle.
func (t *Tracker) SetCareCircle(ctx context.Context, entityID string, members []string) (*model.EntityPressure, error) {
	if entityID == "" {
		return nil, fmt.Errorf("%w: entity id is empty", model.ErrDataIntegrity)
	}
	release, err := t.acquire(ctx, []string{entityID})
	if err != nil {
		return nil, err
	}
	defer release()

	p, err := t.store.LoadPressure(ctx, entityID, t.cfg.MaxVectors)
	if err != nil {
		return nil, err
	}
	circle := make([]string, 0, len(members))
	for _, m := range uniqueSorted(members) {
		if m != entityID {
			circle = append(circle, m)
		}
	}
	p.CareCircle = circle
	derive(p, t.cfg, t.now())
	if err := t.store.SavePressure(ctx, nil, []*model.EntityPressure{p}); err != nil {
		return nil, err
	}
	return p, nil
}

// Decay re-derives every entity as of now so scores relax toward neutral and
// stale patterns clear. It returns how many entities changed urgency.
func (t *Tracker) Decay(ctx context.Context, now time.Time) (int, error) {
	entities, err := t.store.ListPressureEntities(ctx)
	if err != nil {
		return 0, err
	}
	changed := 0
	var alerts []model.CareAlert
	for _, id := range entities {
		if err := ctx.Err(); err != nil {
			return changed, err
		}
		release, err := t.acquire(ctx, []string{id})
		if err != nil {
			return changed, err
		}
		p, err := t.store.LoadPressure(ctx, id, t.cfg.MaxVectors)
		if err != nil {
			release()
			return changed, err
		}
		before := p.InterventionUrgency
		derive(p, t.cfg, now)
		if alert, ok := escalate(p, now); ok {
			alerts = append(alerts, alert)
		}
		err = t.store.SavePressure(ctx, nil, []*model.EntityPressure{p})
		release()
		if err != nil {
			return changed, err
		}
		if p.InterventionUrgency != before {
			changed++
		}
	}
	t.dispatch(alerts)
	return changed, nil
}

func (t *Tracker) acquire(ctx context.Context, entities []string) (func(), error) {
	if t.cfg.LockTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.cfg.LockTimeout)
		defer cancel()
	}
	release, err := t.locks.acquire(ctx, entities...)
	if errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("%w: %v", model.ErrConcurrencyConflict, err)
	}
	return release, err
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
