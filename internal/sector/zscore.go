package sector

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// zscores standardizes xs with the population standard deviation. Missing
// values are first replaced by the mean of the present ones. A column that
// is entirely missing, or has zero spread, yields all NaN.
func zscores(xs []float64) []float64 {
	out := make([]float64, len(xs))
	present := make([]float64, 0, len(xs))
	for _, x := range xs {
		if !math.IsNaN(x) {
			present = append(present, x)
		}
	}
	if len(present) == 0 {
		fillNaN(out)
		return out
	}

	fill := stat.Mean(present, nil)
	filled := make([]float64, len(xs))
	for i, x := range xs {
		if math.IsNaN(x) {
			x = fill
		}
		filled[i] = x
	}

	mean, std := popMeanStd(filled)
	if std == 0 || math.IsNaN(std) {
		fillNaN(out)
		return out
	}
	for i, x := range filled {
		out[i] = (x - mean) / std
	}
	return out
}

// popMeanStd returns the mean and the population (ddof=0) standard deviation.
func popMeanStd(xs []float64) (mean, std float64) {
	n := float64(len(xs))
	if n < 2 {
		return stat.Mean(xs, nil), 0
	}
	mean, variance := stat.MeanVariance(xs, nil)
	return mean, math.Sqrt(variance * (n - 1) / n)
}

// nanMean averages the present values; all missing yields NaN.
func nanMean(xs ...float64) float64 {
	var sum float64
	var n int
	for _, x := range xs {
		if !math.IsNaN(x) {
			sum += x
			n++
		}
	}
	if n == 0 {
		return math.NaN()
	}
	return sum / float64(n)
}

func fillNaN(xs []float64) {
	for i := range xs {
		xs[i] = math.NaN()
	}
}
