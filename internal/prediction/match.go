package prediction

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/memorable-ai/memorable/internal/model"
)

// Matches reports whether every condition holds in snap. A hook with no
// conditions never matches. at is the wall clock used for time windows.
func Matches(conds []model.Condition, snap model.ContextSnapshot, at time.Time) bool {
	if len(conds) == 0 {
		return false
	}
	for _, c := range conds {
		if !matchOne(c, snap, at) {
			return false
		}
	}
	return true
}

func matchOne(c model.Condition, snap model.ContextSnapshot, at time.Time) bool {
	switch c.Field {
	case model.FieldTalkingTo:
		return containsFold(snap.People(), c.Value)
	case model.FieldLocation:
		return equalFold(snap.Location, c.Value)
	case model.FieldActivity:
		return equalFold(snap.Activity, c.Value)
	case model.FieldTopic:
		return equalFold(snap.Topic, c.Value)
	case model.FieldDevice:
		return equalFold(snap.Device, c.Value)
	case model.FieldEmotion:
		return equalFold(snap.Emotion, c.Value)
	case model.FieldOpenLoop:
		return containsFold(snap.OpenLoops, c.Value)
	case model.FieldTimeWindow:
		w, err := ParseTimeWindow(c.Value)
		if err != nil {
			return false
		}
		return w.Contains(at)
	default:
		return false
	}
}

func equalFold(got, want string) bool {
	got = strings.TrimSpace(got)
	return got != "" && strings.EqualFold(got, strings.TrimSpace(want))
}

func containsFold(list []string, want string) bool {
	for _, v := range list {
		if equalFold(v, want) {
			return true
		}
	}
	return false
}

// TimeWindow is a daily interval in minutes after midnight. End before
// Start wraps past midnight.
type TimeWindow struct {
	Start, End int
}

// ParseTimeWindow parses "HH:MM-HH:MM".
func ParseTimeWindow(s string) (TimeWindow, error) {
	from, to, ok := strings.Cut(strings.TrimSpace(s), "-")
	if !ok {
		return TimeWindow{}, fmt.Errorf("%w: time window %q: want HH:MM-HH:MM", model.ErrDataIntegrity, s)
	}
	start, err := parseClock(from)
	if err != nil {
		return TimeWindow{}, err
	}
	end, err := parseClock(to)
	if err != nil {
		return TimeWindow{}, err
	}
	return TimeWindow{Start: start, End: end}, nil
}

func parseClock(s string) (int, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, fmt.Errorf("%w: clock %q: want HH:MM", model.ErrDataIntegrity, s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("%w: clock %q: bad hour", model.ErrDataIntegrity, s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("%w: clock %q: bad minute", model.ErrDataIntegrity, s)
	}
	return h*60 + m, nil
}

// Contains reports whether the time of day of t falls in [Start, End).
func (w TimeWindow) Contains(t time.Time) bool {
	m := t.Hour()*60 + t.Minute()
	if w.Start <= w.End {
		return m >= w.Start && m < w.End
	}
	return m >= w.Start || m < w.End
}
