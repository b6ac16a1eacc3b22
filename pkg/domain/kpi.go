package domain

import "math"

// Comparison of a KPI between baseline and candidate.
type Comparison struct {
	Baseline  float64
	Candidate float64

	// Candidate - Baseline.
	Delta float64

	// (Baseline - Candidate) / Baseline, clamped to [-1, 1].
	//
	// Positive value means the candidate is better (smaller).
	// It is meaningful only when Available is true.
	Reduction float64

	// False when Reduction cannot be computed (no samples, or baseline is 0).
	Available bool

	// Why this is not available.
	Reason string
}

const (
	ReasonInsufficientData = "insufficient_data"

	// Means or the ratio overflowed. Non-finite values are left as 0.
	ReasonNotFinite = "not_finite"
)

// KPIResult is an immutable result of a KPI computation.
//
// Reductions are fractions in [-1, 1].
type KPIResult struct {
	ExperimentId string
	Window       Window

	// Count of deduplicated samples in the window.
	BaselineSamples  int
	CandidateSamples int

	// Distinct series (or metric names) observed.
	Cardinality Comparison

	// Mean of cost metric.
	Cost Comparison

	// Mean of cpu usage metric.
	CPU Comparison

	// Mean of memory usage metric.
	Memory Comparison
}

// Unavailable returns a Comparison which is not available for the reason.
func Unavailable(baseline, candidate float64, reason string) Comparison {
	return Comparison{
		Baseline:  baseline,
		Candidate: candidate,
		Delta:     candidate - baseline,
		Reason:    reason,
	}
}

// Compare builds Comparison. If baseline is 0, it is not available.
//
// It is not available either when any of the values is not finite.
func Compare(baseline, candidate float64) Comparison {
	if !finite(baseline) || !finite(candidate) || !finite(candidate-baseline) {
		return notFinite(baseline, candidate)
	}
	if baseline == 0 {
		return Unavailable(baseline, candidate, ReasonInsufficientData)
	}
	r := (baseline - candidate) / baseline
	switch {
	case math.IsNaN(r):
		return notFinite(baseline, candidate)
	case r < -1:
		r = -1
	case 1 < r:
		r = 1
	}
	return Comparison{
		Baseline:  baseline,
		Candidate: candidate,
		Delta:     candidate - baseline,
		Reduction: r,
		Available: true,
	}
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func notFinite(baseline, candidate float64) Comparison {
	c := Comparison{Reason: ReasonNotFinite}
	if finite(baseline) {
		c.Baseline = baseline
	}
	if finite(candidate) {
		c.Candidate = candidate
	}
	if d := c.Candidate - c.Baseline; finite(d) {
		c.Delta = d
	}
	return c
}
