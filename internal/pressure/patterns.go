package pressure

import (
	"math"
	"time"

	"github.com/memorable-ai/memorable/internal/config"
	"github.com/memorable-ai/memorable/internal/model"
)

// repeatMultiplier weights a vector from a source that already hit the same
// target inside the repeat window.
const repeatMultiplier = 1.25

// derive recomputes every derived field of p from its vector lists.
func derive(p *model.EntityPressure, cfg config.PressureConfig, now time.Time) {
	p.PressureScore = score(p, cfg, now)
	p.PressureTrend = trend(p.NegativeInputs, cfg, now)
	p.PatternFlags = patterns(p, cfg, now)
	p.InterventionUrgency = Urgency(len(p.PatternFlags), p.PressureTrend)
	p.UpdatedAt = now
}

// score is the signed, time-relaxed sum of everything the entity received.
// Negative pressure pulls it below zero.
func score(p *model.EntityPressure, cfg config.PressureConfig, now time.Time) float64 {
	var total float64
	for _, list := range [][]model.PressureVector{p.NegativeInputs, p.PositiveInputs} {
		for _, v := range list {
			total += contribution(v, cfg, now)
		}
	}
	return total
}

func contribution(v model.PressureVector, cfg config.PressureConfig, now time.Time) float64 {
	c := v.Valence * v.Intensity / float64(1+v.CascadeDepth)
	if v.IsRepeated {
		c *= repeatMultiplier
	}
	if cfg.DecayHalfLife > 0 {
		if age := now.Sub(v.Timestamp); age > 0 {
			c *= math.Exp2(-float64(age) / float64(cfg.DecayHalfLife))
		}
	}
	return c
}

// trend compares negative intensity received in the latest bucket with the
// bucket before it.
func trend(negInputs []model.PressureVector, cfg config.PressureConfig, now time.Time) model.Trend {
	cur := bucketSum(negInputs, now.Add(-cfg.TrendBucket), now)
	prev := bucketSum(negInputs, now.Add(-2*cfg.TrendBucket), now.Add(-cfg.TrendBucket))
	switch d := cur - prev; {
	case d > cfg.NeutralBand:
		return model.TrendRising
	case d < -cfg.NeutralBand:
		return model.TrendFalling
	default:
		return model.TrendStable
	}
}

// bucketSum totals intensity for vectors in (from, to].
func bucketSum(vs []model.PressureVector, from, to time.Time) float64 {
	var sum float64
	for _, v := range vs {
		if v.Timestamp.After(from) && !v.Timestamp.After(to) {
			sum += v.Intensity
		}
	}
	return sum
}

func bucketCount(vs []model.PressureVector, from, to time.Time) int {
	n := 0
	for _, v := range vs {
		if v.Timestamp.After(from) && !v.Timestamp.After(to) {
			n++
		}
	}
	return n
}

func patterns(p *model.EntityPressure, cfg config.PressureConfig, now time.Time) []model.Pattern {
	recent := now.Add(-cfg.RecentWindow)
	var flags []model.Pattern

	sources := make(map[string]bool)
	var repeated, cascade, high bool
	for _, v := range p.NegativeInputs {
		if !v.Timestamp.After(recent) {
			continue
		}
		sources[v.SourceEntityID] = true
		repeated = repeated || v.IsRepeated
		cascade = cascade || v.CascadeDepth > 0
		high = high || v.Intensity >= cfg.HighIntensity
	}
	if len(sources) >= cfg.MultiSourceMin {
		flags = append(flags, model.PatternMultipleSources)
	}

	for _, v := range p.NegativeOutputs {
		if v.Timestamp.After(recent) && v.Intensity > cfg.TransmitFloor {
			flags = append(flags, model.PatternTransmitting)
			break
		}
	}

	if escalating(p.NegativeInputs, cfg, now) {
		flags = append(flags, model.PatternEscalating)
	}
	if isolating(p.PositiveInputs, cfg, now) {
		flags = append(flags, model.PatternIsolating)
	}
	if repeated {
		flags = append(flags, model.PatternRepeatedSource)
	}
	if cascade {
		flags = append(flags, model.PatternCascadeExposure)
	}
	if high {
		flags = append(flags, model.PatternHighIntensity)
	}
	if p.PressureScore <= -cfg.SustainedScore {
		flags = append(flags, model.PatternSustainedNegative)
	}
	return flags
}

// escalating holds when average negative intensity rises strictly across the
// trailing EscalationWindows buckets, oldest to newest.
func escalating(negInputs []model.PressureVector, cfg config.PressureConfig, now time.Time) bool {
	n := cfg.EscalationWindows
	if n < 2 || cfg.TrendBucket <= 0 {
		return false
	}
	prev := math.Inf(-1)
	for i := n - 1; i >= 0; i-- {
		to := now.Add(-time.Duration(i) * cfg.TrendBucket)
		from := to.Add(-cfg.TrendBucket)
		var avg float64
		if c := bucketCount(negInputs, from, to); c > 0 {
			avg = bucketSum(negInputs, from, to) / float64(c)
		}
		if avg <= prev {
			return false
		}
		prev = avg
	}
	return true
}

// isolating holds when positive input over the recent window falls below
// IsolationRatio of the per-window baseline that preceded it. An entity with
// no positive baseline is never flagged.
func isolating(posInputs []model.PressureVector, cfg config.PressureConfig, now time.Time) bool {
	if cfg.BaselineWindows < 1 {
		return false
	}
	recentStart := now.Add(-cfg.RecentWindow)
	baseStart := recentStart.Add(-time.Duration(cfg.BaselineWindows) * cfg.RecentWindow)

	recent := bucketCount(posInputs, recentStart, now)
	base := bucketCount(posInputs, baseStart, recentStart)
	if base == 0 {
		return false
	}
	baseline := float64(base) / float64(cfg.BaselineWindows)
	return float64(recent) < cfg.IsolationRatio*baseline
}

// Urgency maps the number of active pattern flags onto an intervention tier.
// A rising trend lifts any non-zero tier by one. It is monotonic in flags.
func Urgency(flags int, tr model.Trend) model.Urgency {
	var u model.Urgency
	switch {
	case flags <= 0:
		return model.UrgencyNone
	case flags <= 2:
		u = model.UrgencyMonitor
	case flags <= 4:
		u = model.UrgencyConcern
	default:
		u = model.UrgencyUrgent
	}
	if tr == model.TrendRising && u < model.UrgencyUrgent {
		u++
	}
	return u
}
