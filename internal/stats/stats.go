// Package stats holds the pure numeric primitives the baselines and the
// scoring engine are built on. Every function is deterministic and free of
// side effects.
package stats

import (
	"math"
	"sort"
)

// EarthRadiusMeters is the mean Earth radius used by HaversineDistance.
const EarthRadiusMeters = 6371000.0

// Mean returns the arithmetic mean, or 0 for empty input.
func Mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// Variance returns the population variance Σ(x−mean)²/n.
func Variance(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	m := Mean(xs)
	var acc float64
	for _, x := range xs {
		d := x - m
		acc += d * d
	}
	return acc / float64(len(xs))
}

// StandardDeviation is the square root of the population variance.
func StandardDeviation(xs []float64) float64 {
	return math.Sqrt(Variance(xs))
}

// ZScore returns (value−mean)/stddev. A zero stddev yields ±Inf or NaN, as
// plain float division does; callers that may see a flat baseline should
// check stddev first.
func ZScore(value, mean, stddev float64) float64 {
	return (value - mean) / stddev
}

// IsAnomaly reports whether |z| is strictly above thresholdStdDevs.
func IsAnomaly(value, mean, stddev, thresholdStdDevs float64) bool {
	z := ZScore(value, mean, stddev)
	if math.IsNaN(z) {
		return false
	}
	return math.Abs(z) > thresholdStdDevs
}

// HaversineDistance returns the great-circle distance in meters.
func HaversineDistance(lat1, lng1, lat2, lng2 float64) float64 {
	if lat1 == lat2 && lng1 == lng2 {
		return 0
	}
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dPhi := (lat2 - lat1) * math.Pi / 180
	dLambda := (lng2 - lng1) * math.Pi / 180

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusMeters * c
}

// Confidence ramps linearly from 0 at minSamples to 1 at saturationSamples.
// Below minSamples it is 0; at or above saturationSamples it is 1.
func Confidence(sampleCount, minSamples, saturationSamples int) float64 {
	if sampleCount < minSamples {
		return 0
	}
	if sampleCount >= saturationSamples {
		return 1
	}
	span := saturationSamples - minSamples
	if span <= 0 {
		return 1
	}
	return float64(sampleCount-minSamples) / float64(span)
}

// Median returns the middle value, averaging the two central values for
// even-length input. The input slice is not modified.
func Median(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sorted := make([]float64, len(xs))
	copy(sorted, xs)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}

// Welford accumulates a running mean and population variance without
// keeping the samples.
type Welford struct {
	N    int     `json:"n"`
	Mean float64 `json:"mean"`
	M2   float64 `json:"m2"`
}

// Add folds one sample into the running mean and M2.
func (w *Welford) Add(x float64) {
	w.N++
	diff := x - w.Mean
	w.Mean += diff / float64(w.N)
	w.M2 += diff * (x - w.Mean)
}

// Variance is the population variance, 0 with no samples.
func (w Welford) Variance() float64 {
	if w.N == 0 {
		return 0
	}
	return w.M2 / float64(w.N)
}

// StdDev is the square root of Variance.
func (w Welford) StdDev() float64 {
	return math.Sqrt(w.Variance())
}
