package model

import (
	"fmt"
	"time"
)

// Priority orders surfaced memories. Higher rank surfaces first.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// ValidPriorities maps each priority to its rank.
var ValidPriorities = map[Priority]int{
	PriorityLow:      1,
	PriorityMedium:   2,
	PriorityHigh:     3,
	PriorityCritical: 4,
}

// Rank returns the sort rank of the priority; unknown priorities rank 0.
func (p Priority) Rank() int { return ValidPriorities[p] }

// Raise returns the next priority up, capped at critical.
func (p Priority) Raise() Priority {
	switch p {
	case PriorityLow:
		return PriorityMedium
	case PriorityMedium:
		return PriorityHigh
	default:
		return PriorityCritical
	}
}

// HookState is the lifecycle of a prediction hook. Expired and demoted are
// terminal.
type HookState string

const (
	HookActive  HookState = "active"
	HookExpired HookState = "expired"
	HookDemoted HookState = "demoted"
)

// Terminal reports whether the hook can never fire again.
func (s HookState) Terminal() bool {
	return s == HookExpired || s == HookDemoted
}

// ConditionField names a context field a hook condition tests.
type ConditionField string

const (
	FieldTalkingTo  ConditionField = "talking_to"
	FieldLocation   ConditionField = "location"
	FieldActivity   ConditionField = "activity"
	FieldTimeWindow ConditionField = "time_window"
	FieldTopic      ConditionField = "topic"
	FieldDevice     ConditionField = "device"
	FieldEmotion    ConditionField = "emotion"
	FieldOpenLoop   ConditionField = "open_loop"
)

// ValidConditionFields lists the fields a condition may test.
var ValidConditionFields = map[ConditionField]bool{
	FieldTalkingTo:  true,
	FieldLocation:   true,
	FieldActivity:   true,
	FieldTimeWindow: true,
	FieldTopic:      true,
	FieldDevice:     true,
	FieldEmotion:    true,
	FieldOpenLoop:   true,
}

// Condition is one predicate over a context snapshot. Conditions on a hook
// are ANDed.
type Condition struct {
	Field ConditionField `json:"field"`
	Value string         `json:"value"`
}

func (c Condition) String() string {
	return fmt.Sprintf("%s=%s", c.Field, c.Value)
}

// PredictionHook resurfaces a memory when the watched entity's context
// matches every condition.
type PredictionHook struct {
	ID            string      `json:"id"`
	MemoryID      string      `json:"memory_id"`
	EntityID      string      `json:"entity_id"`
	Conditions    []Condition `json:"conditions"`
	Priority      Priority    `json:"priority"`
	State         HookState   `json:"state"`
	CreatedAt     time.Time   `json:"created_at"`
	ExpiresAt     *time.Time  `json:"expires_at,omitempty"`
	FiredCount    int         `json:"fired_count"`
	LastFired     *time.Time  `json:"last_fired,omitempty"`
	Confidence    float64     `json:"confidence"`
	FeedbackCount int         `json:"feedback_count"`
}

// Expired reports whether the hook's expiry has passed at now.
func (h *PredictionHook) Expired(now time.Time) bool {
	return h.ExpiresAt != nil && !now.Before(*h.ExpiresAt)
}

// ContextSnapshot is the live context of one entity.
type ContextSnapshot struct {
	TalkingTo string    `json:"talking_to,omitempty"`
	Present   []string  `json:"present,omitempty"`
	Location  string    `json:"location,omitempty"`
	Activity  string    `json:"activity,omitempty"`
	Topic     string    `json:"topic,omitempty"`
	Device    string    `json:"device,omitempty"`
	Emotion   string    `json:"emotion,omitempty"`
	OpenLoops []string  `json:"open_loops,omitempty"`
	Time      time.Time `json:"time,omitzero"`
}

// People returns everyone co-present in the snapshot.
func (s ContextSnapshot) People() []string {
	people := make([]string, 0, len(s.Present)+1)
	if s.TalkingTo != "" {
		people = append(people, s.TalkingTo)
	}
	for _, p := range s.Present {
		if p != "" && p != s.TalkingTo {
			people = append(people, p)
		}
	}
	return people
}

// SurfacedMemory is a hook match returned by OnContextChange.
type SurfacedMemory struct {
	HookID     string      `json:"hook_id"`
	MemoryID   string      `json:"memory_id"`
	EntityID   string      `json:"entity_id"`
	Priority   Priority    `json:"priority"`
	Confidence float64     `json:"confidence"`
	Matched    []Condition `json:"matched"`
	FiredAt    time.Time   `json:"fired_at"`
}
