package model

import (
	"fmt"
	"math"
	"time"
)

// Trend is the short-window direction of negative pressure on an entity.
type Trend string

const (
	TrendRising  Trend = "rising"
	TrendStable  Trend = "stable"
	TrendFalling Trend = "falling"
)

// Urgency is the intervention tier derived from pattern flags and trend.
type Urgency int

const (
	UrgencyNone Urgency = iota
	UrgencyMonitor
	UrgencyConcern
	UrgencyUrgent
)

func (u Urgency) String() string {
	switch u {
	case UrgencyNone:
		return "none"
	case UrgencyMonitor:
		return "monitor"
	case UrgencyConcern:
		return "concern"
	case UrgencyUrgent:
		return "urgent"
	default:
		return fmt.Sprintf("urgency(%d)", int(u))
	}
}

// MarshalText renders the urgency by name.
func (u Urgency) MarshalText() ([]byte, error) {
	return []byte(u.String()), nil
}

// UnmarshalText parses an urgency name.
func (u *Urgency) UnmarshalText(b []byte) error {
	v, err := ParseUrgency(string(b))
	if err != nil {
		return err
	}
	*u = v
	return nil
}

// ParseUrgency parses an urgency name.
func ParseUrgency(s string) (Urgency, error) {
	switch s {
	case "none", "":
		return UrgencyNone, nil
	case "monitor":
		return UrgencyMonitor, nil
	case "concern":
		return UrgencyConcern, nil
	case "urgent":
		return UrgencyUrgent, nil
	default:
		return UrgencyNone, fmt.Errorf("%w: unknown urgency %q", ErrDataIntegrity, s)
	}
}

// Pattern is a named, derived boolean signal over an entity's pressure history.
type Pattern string

const (
	PatternMultipleSources   Pattern = "receivingFromMultipleSources"
	PatternTransmitting      Pattern = "transmittingToOthers"
	PatternEscalating        Pattern = "escalating"
	PatternIsolating         Pattern = "isolating"
	PatternRepeatedSource    Pattern = "repeatedSource"
	PatternCascadeExposure   Pattern = "cascadeExposure"
	PatternHighIntensity     Pattern = "highIntensity"
	PatternSustainedNegative Pattern = "sustainedNegative"
)

// PressureVector is one directional emotional influence attributed to a memory.
type PressureVector struct {
	ID             string    `json:"id"`
	SourceEntityID string    `json:"source_entity_id"`
	TargetEntityID string    `json:"target_entity_id"`
	MemoryID       string    `json:"memory_id"`
	Timestamp      time.Time `json:"timestamp"`
	Intensity      float64   `json:"intensity"`
	Valence        float64   `json:"valence"`
	IsRepeated     bool      `json:"is_repeated"`
	CascadeDepth   int       `json:"cascade_depth"`
	OriginMemoryID string    `json:"origin_memory_id,omitempty"`
}

// Negative reports whether the vector carries negative valence.
func (v PressureVector) Negative() bool { return v.Valence < 0 }

// Validate rejects malformed vectors.
func (v PressureVector) Validate() error {
	switch {
	case v.SourceEntityID == "" || v.TargetEntityID == "":
		return fmt.Errorf("%w: pressure vector needs source and target", ErrDataIntegrity)
	case v.SourceEntityID == v.TargetEntityID:
		return fmt.Errorf("%w: pressure vector source equals target %q", ErrDataIntegrity, v.SourceEntityID)
	case math.IsNaN(v.Intensity) || v.Intensity < 0 || v.Intensity > 1:
		return fmt.Errorf("%w: pressure intensity %v outside [0,1]", ErrDataIntegrity, v.Intensity)
	case math.IsNaN(v.Valence) || v.Valence < -1 || v.Valence > 1:
		return fmt.Errorf("%w: pressure valence %v outside [-1,1]", ErrDataIntegrity, v.Valence)
	case v.CascadeDepth < 0:
		return fmt.Errorf("%w: negative cascade depth", ErrDataIntegrity)
	}
	return nil
}

// EntityPressure is the accumulated pressure state of one entity.
// Derived fields are recomputed on every mutation and never set directly.
type EntityPressure struct {
	EntityID        string           `json:"entity_id"`
	NegativeInputs  []PressureVector `json:"negative_inputs"`
	PositiveInputs  []PressureVector `json:"positive_inputs"`
	NegativeOutputs []PressureVector `json:"negative_outputs"`
	PositiveOutputs []PressureVector `json:"positive_outputs"`

	PressureScore       float64   `json:"pressure_score"`
	PressureTrend       Trend     `json:"pressure_trend"`
	PatternFlags        []Pattern `json:"pattern_flags"`
	InterventionUrgency Urgency   `json:"intervention_urgency"`
	CareCircle          []string  `json:"care_circle"`

	// NotifiedUrgency is the highest level the care circle has been told
	// about since urgency last dropped.
	NotifiedUrgency Urgency   `json:"notified_urgency"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// HasPattern reports whether the flag is currently set.
func (p *EntityPressure) HasPattern(pat Pattern) bool {
	for _, f := range p.PatternFlags {
		if f == pat {
			return true
		}
	}
	return false
}

// CareAlert is sent to an entity's care circle when urgency rises into
// concern or urgent.
type CareAlert struct {
	EntityID   string    `json:"entity_id"`
	Urgency    Urgency   `json:"urgency"`
	Previous   Urgency   `json:"previous"`
	Patterns   []Pattern `json:"patterns"`
	Trend      Trend     `json:"trend"`
	CareCircle []string  `json:"care_circle"`
	RaisedAt   time.Time `json:"raised_at"`
}
