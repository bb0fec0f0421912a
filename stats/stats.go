// Package stats computes the descriptive statistics behind the resource
// usage reports: extrema, mean, median and Student's t confidence intervals
// over observed memory and runtime samples. Absence is meaningful here, so
// everything that cannot be computed is nil rather than zero.
package stats

import (
	"math"
	"sort"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

// Summary holds the descriptive statistics of one metric.
type Summary struct {
	N      int
	Min    float64
	Max    float64
	Mean   float64
	Median float64

	// CI is the two-sided confidence interval around the mean, nil when
	// fewer than two samples exist. With zero variance it collapses to
	// [mean, mean].
	CI *[2]float64
}

// Summarize computes a Summary over the given samples at the given
// confidence level. It returns nil when there are no samples.
func Summarize(values []float64, confidence float64) *Summary {
	if len(values) == 0 {
		return nil
	}

	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	n := len(sorted)
	s := &Summary{
		N:      n,
		Min:    sorted[0],
		Max:    sorted[n-1],
		Mean:   stat.Mean(sorted, nil),
		Median: median(sorted),
	}

	if n < 2 {
		return s
	}

	variance := stat.Variance(sorted, nil)
	if variance == 0 {
		s.CI = &[2]float64{s.Mean, s.Mean}
		return s
	}

	t := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: float64(n - 1)}
	quantile := t.Quantile(0.5 + confidence/2)
	half := quantile * math.Sqrt(variance/float64(n))
	s.CI = &[2]float64{s.Mean - half, s.Mean + half}
	return s
}

// median of an already sorted, non-empty slice.
func median(sorted []float64) float64 {
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// DefaultConfidence is used when a request does not specify a level.
const DefaultConfidence = 0.95

// ParseConfidence turns a request's confidence string into a level in
// (0, 1). It accepts decimal fractions ("0.95"), percentages ("95", "95%")
// and surrounding whitespace; anything unusable falls back to the given
// default.
func ParseConfidence(raw string, fallback float64) float64 {
	trimmed := strings.TrimSpace(raw)
	trimmed = strings.TrimSuffix(trimmed, "%")
	if trimmed == "" {
		return fallback
	}
	v, err := strconv.ParseFloat(trimmed, 64)
	if err != nil {
		return fallback
	}
	if v >= 1 && v < 100 {
		v /= 100
	}
	if v <= 0 || v >= 1 {
		return fallback
	}
	return v
}
