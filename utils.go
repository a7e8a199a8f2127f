package ehrho

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

//////
// Helper functions.
//////

// valueTolerance is the absolute slack allowed when matching a coordinate to
// a declared domain value.
const valueTolerance = 1e-9

// Helper function used by PI and EI to compute the cumulative distribution
// function of the standard normal distribution.
func normalCDF(x float64) float64 {
	return distuv.UnitNormal.CDF(x)
}

// Helper function used by EI to compute the probability density function
// of the standard normal distribution.
func normalPDF(x float64) float64 {
	return distuv.UnitNormal.Prob(x)
}

// standardize returns the population mean and standard deviation of ys. A
// zero deviation is reported as one so callers can always divide by it.
func standardize(ys []float64) (mean, std float64) {
	if len(ys) == 0 {
		return 0, 1
	}

	mean, std = stat.PopMeanStdDev(ys, nil)
	if std < 1e-12 || math.IsNaN(std) {
		std = 1
	}

	return mean, std
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func indexOf(values []float64, v float64) int {
	for i, x := range values {
		if math.Abs(x-v) <= valueTolerance {
			return i
		}
	}

	return -1
}

func sortFloats(values []float64) {
	sort.Float64s(values)
}
