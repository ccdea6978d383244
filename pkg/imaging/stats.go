package imaging

import (
	"errors"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

var ErrEmptyStack = errors.New("no planes to combine")

// Median returns the median of values, averaging the middle pair for even
// counts. It returns NaN for an empty slice and does not modify values.
func Median(values []float64) float64 {
	n := len(values)
	if n == 0 {
		return math.NaN()
	}
	sorted := make([]float64, n)
	copy(sorted, values)
	sort.Float64s(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2.0
}

// MeanStd returns the mean and population standard deviation.
func MeanStd(values []float64) (mean, std float64) {
	if len(values) == 0 {
		return math.NaN(), math.NaN()
	}
	return stat.PopMeanStdDev(values, nil)
}

// ClipAbove runs passes of one-sided clipping, each dropping values greater
// than mean + kappa*std of the values that survived the previous pass.
// The result is a new slice.
func ClipAbove(values []float64, kappa float64, passes int) []float64 {
	kept := append([]float64(nil), values...)
	for i := 0; i < passes && len(kept) > 0; i++ {
		mean, std := MeanStd(kept)
		limit := mean + kappa*std
		next := kept[:0:0]
		for _, v := range kept {
			if v <= limit {
				next = append(next, v)
			}
		}
		kept = next
	}
	return kept
}

// ClipResult reports the location and scale left after symmetric clipping.
type ClipResult struct {
	Median float64
	Mean   float64
	Sigma  float64
	Kept   int
}

// SigmaClip iteratively rejects values further than kappa*sigma from the
// median until the surviving set stops changing or maxIterations is reached.
func SigmaClip(values []float64, kappa float64, maxIterations int) ClipResult {
	kept := make([]float64, 0, len(values))
	for _, v := range values {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			kept = append(kept, v)
		}
	}
	if len(kept) == 0 {
		return ClipResult{Median: math.NaN(), Mean: math.NaN(), Sigma: math.NaN()}
	}

	for i := 0; i < maxIterations; i++ {
		median := Median(kept)
		_, sigma := MeanStd(kept)
		lo, hi := median-kappa*sigma, median+kappa*sigma
		next := make([]float64, 0, len(kept))
		for _, v := range kept {
			if v >= lo && v <= hi {
				next = append(next, v)
			}
		}
		if len(next) == len(kept) || len(next) == 0 {
			break
		}
		kept = next
	}

	mean, sigma := MeanStd(kept)
	return ClipResult{Median: Median(kept), Mean: mean, Sigma: sigma, Kept: len(kept)}
}

// MedianStack combines equally sized planes pixel by pixel with the median.
// The result does not depend on the order of planes.
func MedianStack(planes [][]float64) ([]float64, error) {
	if len(planes) == 0 {
		return nil, ErrEmptyStack
	}
	n := len(planes[0])
	for _, p := range planes[1:] {
		if len(p) != n {
			return nil, errors.New("planes differ in length")
		}
	}

	out := make([]float64, n)
	column := make([]float64, len(planes))
	for i := 0; i < n; i++ {
		for k, p := range planes {
			column[k] = p[i]
		}
		sort.Float64s(column)
		m := len(column)
		if m%2 == 1 {
			out[i] = column[m/2]
		} else {
			out[i] = (column[m/2-1] + column[m/2]) / 2.0
		}
	}
	return out, nil
}

// FiniteMax returns the largest finite value, or NaN if none.
func FiniteMax(values []float64) float64 {
	finite := make([]float64, 0, len(values))
	for _, v := range values {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			finite = append(finite, v)
		}
	}
	if len(finite) == 0 {
		return math.NaN()
	}
	return floats.Max(finite)
}

// MedianMAD returns the median and the MAD scaled to a Gaussian sigma.
func MedianMAD(values []float64) (float64, float64) {
	if len(values) == 0 {
		return math.NaN(), math.NaN()
	}
	median := Median(values)
	deviations := make([]float64, len(values))
	for i, v := range values {
		deviations[i] = math.Abs(v - median)
	}
	return median, 1.4826 * Median(deviations)
}
