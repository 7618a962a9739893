package decay

import "math"

const (
	minHalfLife = 0.5  // days
	maxHalfLife = 3650 // days
	floorStep   = 0.01
	maxFloor    = 0.9
	minResidual = 1e-3
)

// Point is one observed residual ratio r at t days after the memory.
type Point struct {
	Days  float64
	Ratio float64
}

// Fit is a fitted curve r(t) = Floor + (1-Floor) * 2^(-t/HalfLife).
type Fit struct {
	HalfLife float64
	Floor    float64
	SSE      float64
}

// Residual evaluates the curve at t days.
func (f Fit) Residual(days float64) float64 {
	if days < 0 {
		days = 0
	}
	return f.Floor + (1-f.Floor)*math.Exp2(-days/f.HalfLife)
}

// FitCurve least-squares fits the decay curve. For each candidate floor on a
// fixed grid the half-life has a closed form: the log-linear slope through
// the origin of log2((r-floor)/(1-floor)) against t. The floor with the
// smallest squared error in ratio space wins. It reports false when no point
// has t > 0.
func FitCurve(points []Point) (Fit, bool) {
	var sumT2 float64
	for _, p := range points {
		if p.Days > 0 {
			sumT2 += p.Days * p.Days
		}
	}
	if sumT2 == 0 {
		return Fit{}, false
	}

	best := Fit{SSE: math.Inf(1)}
	for i := 0; float64(i)*floorStep <= maxFloor+1e-9; i++ {
		floor := float64(i) * floorStep

		var sumTY float64
		for _, p := range points {
			if p.Days <= 0 {
				continue
			}
			y := (p.Ratio - floor) / (1 - floor)
			if y < minResidual {
				y = minResidual
			}
			if y > 1 {
				y = 1
			}
			sumTY += p.Days * math.Log2(y)
		}

		// log2 y = -t/h  =>  1/h = -Σ t·log2 y / Σ t²
		invH := -sumTY / sumT2
		h := float64(maxHalfLife)
		if invH > 0 {
			h = clamp(1/invH, minHalfLife, maxHalfLife)
		}

		cand := Fit{HalfLife: h, Floor: floor}
		for _, p := range points {
			d := p.Ratio - cand.Residual(p.Days)
			cand.SSE += d * d
		}
		if cand.SSE < best.SSE {
			best = cand
		}
	}
	return best, true
}

// Confidence grows strictly with the observation count. Below minObs it
// stays at or under lowCap; above it approaches 0.95.
func Confidence(n, minObs int, lowCap float64) float64 {
	const ceiling = 0.95
	if n <= 0 {
		return 0
	}
	if minObs < 1 {
		minObs = 1
	}
	if n < minObs {
		return lowCap * float64(n) / float64(minObs)
	}
	return lowCap + (ceiling-lowCap)*(1-math.Exp(-float64(n-minObs+1)/10))
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
