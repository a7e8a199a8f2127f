package ehrho

import (
	"math"
	"strings"

	"github.com/pkg/errors"
)

//////
// Available acquisition functions for Bayesian optimization.
// Each function helps decide which points to evaluate next by balancing
// exploration (trying new areas) and exploitation (focusing on known good areas).
// All of them return lower values for more promising points.
//////

// UCB implements the confidence bound acquisition function for minimization.
//
// How it works:
// - Combines the predicted mean score with the uncertainty (variance)
// - Lower values are better (we're minimizing the score)
// - The Beta parameter controls the trade-off between exploration and exploitation
//
// Example:
//
//	params := AcquisitionParams{
//	    Beta: 2.0,  // Balance between exploration and exploitation
//	}
//	value := UCB(0.5, 0.2, params)  // Evaluate a point with mean=0.5, variance=0.2
func UCB(mean, variance float64, params AcquisitionParams) float64 {
	return mean - params.Beta*math.Sqrt(variance)
}

// ProbabilityOfImprovement (PI) returns the negated probability that a point
// improves upon BestSoFar by at least Xi.
//
// Example:
//
//	params := AcquisitionParams{
//	    BestSoFar: 1.0,  // Current best score
//	    Xi: 0.01,        // Minimum improvement
//	}
//	value := ProbabilityOfImprovement(0.9, 0.2, params)
func ProbabilityOfImprovement(mean, variance float64, params AcquisitionParams) float64 {
	improvement := params.BestSoFar - params.Xi - mean

	sigma := math.Sqrt(variance)
	if sigma == 0 {
		if improvement > 0 {
			return -1
		}

		return 0
	}

	return -normalCDF(improvement / sigma)
}

// ExpectedImprovement (EI) returns the negated expected improvement over
// BestSoFar - Xi. This is the default acquisition function.
//
// Example:
//
//	params := AcquisitionParams{
//	    BestSoFar: 1.0,
//	    Xi: 0.01,
//	}
//	value := ExpectedImprovement(0.9, 0.2, params)
func ExpectedImprovement(mean, variance float64, params AcquisitionParams) float64 {
	improvement := params.BestSoFar - params.Xi - mean

	sigma := math.Sqrt(variance)
	if sigma == 0 {
		return -math.Max(improvement, 0)
	}

	z := improvement / sigma

	return -(improvement*normalCDF(z) + sigma*normalPDF(z))
}

// ThompsonSampling implements Thompson Sampling acquisition by drawing random
// samples from the posterior distribution.
//
// Warning:
// - Requires params.RandomState; Optimize provides one when it is nil.
func ThompsonSampling(mean, variance float64, params AcquisitionParams) float64 {
	return mean + math.Sqrt(variance)*params.RandomState.NormFloat64()
}

// LookupAcquisition maps a configuration name to a built-in acquisition
// function. Accepted names: ei, ucb (or lcb), pi, thompson.
func LookupAcquisition(name string) (AcquisitionFunc, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "ei", "expected_improvement":
		return ExpectedImprovement, nil
	case "ucb", "lcb":
		return UCB, nil
	case "pi", "probability_of_improvement":
		return ProbabilityOfImprovement, nil
	case "thompson", "ts":
		return ThompsonSampling, nil
	}

	return nil, errors.Errorf("unknown acquisition function %q", name)
}
