package ehrho

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquisitionPrefersLowMean(t *testing.T) {
	params := AcquisitionParams{
		Beta:        2,
		Xi:          0.01,
		BestSoFar:   1,
		RandomState: rand.New(rand.NewSource(1)),
	}

	for name, fn := range map[string]AcquisitionFunc{
		"ucb": UCB,
		"pi":  ProbabilityOfImprovement,
		"ei":  ExpectedImprovement,
	} {
		low := fn(0.5, 0.1, params)
		high := fn(1.5, 0.1, params)
		assert.Less(t, low, high, name)
	}
}

func TestAcquisitionPrefersUncertaintyAtEqualMean(t *testing.T) {
	params := AcquisitionParams{Beta: 2, Xi: 0.01, BestSoFar: 1}

	assert.Less(t, UCB(1, 1, params), UCB(1, 0.01, params))
	assert.Less(t, ExpectedImprovement(1, 1, params), ExpectedImprovement(1, 0.01, params))
}

func TestAcquisitionZeroVariance(t *testing.T) {
	params := AcquisitionParams{Xi: 0, BestSoFar: 1}

	assert.Equal(t, -0.5, ExpectedImprovement(0.5, 0, params))
	assert.Equal(t, 0.0, ExpectedImprovement(2, 0, params))
	assert.Equal(t, -1.0, ProbabilityOfImprovement(0.5, 0, params))
	assert.Equal(t, 0.0, ProbabilityOfImprovement(2, 0, params))
}

func TestExpectedImprovementNonPositive(t *testing.T) {
	params := AcquisitionParams{Xi: 0.01, BestSoFar: 0}

	for _, mean := range []float64{-2, -0.5, 0, 0.5, 2} {
		assert.LessOrEqual(t, ExpectedImprovement(mean, 0.3, params), 0.0)
	}
}

func TestLookupAcquisition(t *testing.T) {
	for _, name := range []string{"ei", "EI", "ucb", "lcb", "pi", "thompson"} {
		fn, err := LookupAcquisition(name)
		require.NoError(t, err, name)
		assert.NotNil(t, fn)
	}

	_, err := LookupAcquisition("random")
	assert.Error(t, err)
}
