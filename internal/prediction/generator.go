package prediction

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/memorable-ai/memorable/internal/ids"
	"github.com/memorable-ai/memorable/internal/llm"
	"github.com/memorable-ai/memorable/internal/model"
)

// PriorityFor maps a salience score onto a hook priority.
func PriorityFor(salience int) model.Priority {
	switch {
	case salience >= 90:
		return model.PriorityCritical
	case salience >= 70:
		return model.PriorityHigh
	case salience >= 40:
		return model.PriorityMedium
	default:
		return model.PriorityLow
	}
}

// GenerateHooks derives resurfacing hooks for a memory, stores them and adds
// them to the live index. Only active-class memories get hooks. Any failure
// is logged and yields no hooks.
func (e *Engine) GenerateHooks(ctx context.Context, memory *model.MemoryItem) []model.PredictionHook {
	if memory == nil || memory.Salience != model.ClassActive {
		return nil
	}
	// A retried ingest keeps the hooks of the earlier attempt.
	existing, err := e.store.ListHooksByMemory(ctx, memory.ID)
	if err != nil {
		e.log.Warn("list hooks", "memory", memory.ID, "error", err)
		return nil
	}
	if len(existing) > 0 {
		e.index(existing)
		return existing
	}

	drafts := heuristicHooks(memory)
	drafts = append(drafts, e.proposedHooks(ctx, memory)...)
	drafts = dedupe(drafts)
	if len(drafts) == 0 {
		return nil
	}

	now := e.now()
	hooks := make([]model.PredictionHook, 0, len(drafts))
	for _, d := range drafts {
		h := model.PredictionHook{
			ID:         ids.Hook(),
			MemoryID:   memory.ID,
			EntityID:   d.entity,
			Conditions: d.conds,
			Priority:   d.priority,
			State:      model.HookActive,
			CreatedAt:  now,
			Confidence: e.cfg.InitialConfidence,
		}
		if ttl := e.ttl(d.priority); ttl > 0 {
			exp := now.Add(ttl)
			h.ExpiresAt = &exp
		}
		hooks = append(hooks, h)
	}

	if err := e.store.SaveHooks(ctx, hooks); err != nil {
		e.log.Warn("save hooks", "memory", memory.ID, "error", err)
		return nil
	}
	e.index(hooks)
	e.log.Debug("hooks generated", "memory", memory.ID, "count", len(hooks))
	return hooks
}

func (e *Engine) ttl(p model.Priority) time.Duration {
	switch p {
	case model.PriorityLow:
		return e.cfg.LowTTL
	case model.PriorityMedium:
		return e.cfg.MediumTTL
	default:
		return 0
	}
}

type draft struct {
	entity   string
	priority model.Priority
	conds    []model.Condition
}

func (d draft) key() string {
	parts := make([]string, 0, len(d.conds))
	for _, c := range d.conds {
		parts = append(parts, string(c.Field)+"="+strings.ToLower(strings.TrimSpace(c.Value)))
	}
	sort.Strings(parts)
	return d.entity + "|" + strings.Join(parts, "&")
}

// heuristicHooks builds hooks from participants, the primary topic, open
// loops and location.
func heuristicHooks(m *model.MemoryItem) []draft {
	base := PriorityFor(m.SalienceScore)
	var topic string
	if len(m.Topics) > 0 {
		topic = m.Topics[0]
	}

	var out []draft
	for _, watcher := range m.EntityIDs {
		for _, other := range m.EntityIDs {
			if other == watcher {
				continue
			}
			conds := []model.Condition{{Field: model.FieldTalkingTo, Value: other}}
			if topic != "" {
				conds = append(conds, model.Condition{Field: model.FieldTopic, Value: topic})
			}
			out = append(out, draft{entity: watcher, priority: base, conds: conds})

			for _, loop := range m.OpenLoops {
				out = append(out, draft{
					entity:   watcher,
					priority: base.Raise(),
					conds: []model.Condition{
						{Field: model.FieldTalkingTo, Value: other},
						{Field: model.FieldOpenLoop, Value: loop},
					},
				})
			}
		}
		if m.Location != "" {
			out = append(out, draft{
				entity:   watcher,
				priority: base,
				conds:    []model.Condition{{Field: model.FieldLocation, Value: m.Location}},
			})
		}
	}
	return out
}

// proposedHooks asks the synthesis capability for extra rules. Memories
// above the external tier are never sent.
func (e *Engine) proposedHooks(ctx context.Context, m *model.MemoryItem) []draft {
	if !e.cfg.UseLLM || e.llm == nil || m.SecurityTier > e.maxTier {
		return nil
	}
	if e.cfg.GenerateTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.GenerateTimeout)
		defer cancel()
	}

	resp, err := e.llm.Complete(ctx, llm.HookPrompt(m.Text, m.EntityIDs, m.Topics, m.OpenLoops, m.Location))
	if err != nil {
		e.log.Debug("hook proposal skipped", "memory", m.ID, "error", err)
		return nil
	}
	proposed, err := llm.ParseHookResponse(resp.Content)
	if err != nil {
		e.log.Warn("hook proposal unparseable", "memory", m.ID, "error", err)
		return nil
	}

	base := PriorityFor(m.SalienceScore)
	var out []draft
	for _, p := range proposed {
		if !m.References(p.EntityID) {
			continue
		}
		d := draft{entity: p.EntityID, priority: model.Priority(strings.ToLower(p.Priority))}
		if d.priority.Rank() == 0 {
			d.priority = base
		}
		for _, c := range p.Conditions {
			f := model.ConditionField(strings.ToLower(strings.TrimSpace(c.Field)))
			if !model.ValidConditionFields[f] || strings.TrimSpace(c.Value) == "" {
				continue
			}
			if f == model.FieldTimeWindow {
				if _, err := ParseTimeWindow(c.Value); err != nil {
					continue
				}
			}
			d.conds = append(d.conds, model.Condition{Field: f, Value: strings.TrimSpace(c.Value)})
		}
		if len(d.conds) > 0 {
			out = append(out, d)
		}
	}
	return out
}

// dedupe keeps the first draft per (entity, condition set), raised to the
// highest priority any duplicate asked for.
func dedupe(ds []draft) []draft {
	seen := make(map[string]int, len(ds))
	var out []draft
	for _, d := range ds {
		k := d.key()
		if i, ok := seen[k]; ok {
			if d.priority.Rank() > out[i].priority.Rank() {
				out[i].priority = d.priority
			}
			continue
		}
		seen[k] = len(out)
		out = append(out, d)
	}
	return out
}
