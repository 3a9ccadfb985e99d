// Package aggregate derives windowed statistics, outlier flags, drift
// detection, and device health from canonical readings. Everything here
// is recomputable from the retained rings; aggregates are derived state
// and never authoritative.
package aggregate

import (
	"math"
	"sort"
)

// Stats holds summary statistics over a set of values. Optional fields
// are nil when the sample is too small to support them.
type Stats struct {
	Count  int      `json:"count"`
	Mean   *float64 `json:"mean,omitempty"`
	Median *float64 `json:"median,omitempty"`
	Min    *float64 `json:"min,omitempty"`
	Max    *float64 `json:"max,omitempty"`
	Std    *float64 `json:"std,omitempty"`
	P10    *float64 `json:"p10,omitempty"`
	P25    *float64 `json:"p25,omitempty"`
	P75    *float64 `json:"p75,omitempty"`
	P90    *float64 `json:"p90,omitempty"`
}

// Compute calculates summary statistics for values. An empty input yields
// Count=0 with all optional fields nil; a singleton yields no Std.
func Compute(values []float64) Stats {
	s := Stats{Count: len(values)}
	if len(values) == 0 {
		return s
	}

	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	sum := 0.0
	for _, v := range sorted {
		sum += v
	}
	mean := sum / float64(len(sorted))

	s.Mean = ptr(mean)
	s.Min = ptr(sorted[0])
	s.Max = ptr(sorted[len(sorted)-1])
	s.Median = ptr(percentile(sorted, 50))
	s.P10 = ptr(percentile(sorted, 10))
	s.P25 = ptr(percentile(sorted, 25))
	s.P75 = ptr(percentile(sorted, 75))
	s.P90 = ptr(percentile(sorted, 90))

	if len(sorted) > 1 {
		ss := 0.0
		for _, v := range sorted {
			d := v - mean
			ss += d * d
		}
		// sample standard deviation
		s.Std = ptr(math.Sqrt(ss / float64(len(sorted)-1)))
	}

	return s
}

// percentile returns the p-th percentile of sorted values using linear
// interpolation between closest ranks.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return math.NaN()
	}
	if len(sorted) == 1 {
		return sorted[0]
	}

	rank := p / 100 * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper {
		return sorted[lower]
	}
	frac := rank - float64(lower)
	return sorted[lower] + frac*(sorted[upper]-sorted[lower])
}

// RateOfChange returns (last-first)/hours for a monotonic series, or nil
// when the series is not monotonic or the window has no extent.
func RateOfChange(values []float64, hours float64) *float64 {
	if len(values) < 2 || hours <= 0 {
		return nil
	}
	if !monotonic(values) {
		return nil
	}
	return ptr((values[len(values)-1] - values[0]) / hours)
}

func monotonic(values []float64) bool {
	increasing, decreasing := true, true
	for i := 1; i < len(values); i++ {
		if values[i] < values[i-1] {
			increasing = false
		}
		if values[i] > values[i-1] {
			decreasing = false
		}
	}
	return increasing || decreasing
}

// CumulativeSum returns the sum of values. Used for rainfall aggregates.
func CumulativeSum(values []float64) float64 {
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum
}

func ptr(v float64) *float64 {
	return &v
}
