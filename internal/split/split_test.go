package split

import (
	"math"
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const seed = 10221983

func randomLabels(n int, p float64, r int64) []uint8 {
	rng := rand.New(rand.NewSource(r))

	labels := make([]uint8, n)
	for i := range labels {
		if rng.Float64() < p {
			labels[i] = 1
		}
	}

	return labels
}

func proportion(idx []int, labels []uint8) float64 {
	var pos int
	for _, i := range idx {
		pos += int(labels[i])
	}

	return float64(pos) / float64(len(idx))
}

// everyThird labels one record in three positive, starting with the first.
func everyThird(n int) []uint8 {
	labels := make([]uint8, n)
	for i := 0; i < n; i += 3 {
		labels[i] = 1
	}

	return labels
}

func TestTwoStageCoversAllRecords(t *testing.T) {
	tests := []struct {
		name   string
		labels []uint8
		err    error
	}{
		{name: "ten", labels: everyThird(10)},
		{name: "fifty seven", labels: everyThird(57)},
		{name: "thousand", labels: everyThird(1000)},
		{name: "thousand random", labels: randomLabels(1000, 0.3, 1000)},
		// Draws [0 0 0 0 0 0 0 0 0 1]: a single positive cannot be split.
		{name: "ten random", labels: randomLabels(10, 0.3, 10), err: ErrDegenerateStratification},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			idx, err := TwoStage(tt.labels, DefaultRatios(), seed)
			if tt.err != nil {
				require.ErrorIs(t, err, tt.err)
				return
			}

			require.NoError(t, err)

			var all []int
			all = append(all, idx.Train...)
			all = append(all, idx.Validation...)
			all = append(all, idx.Test...)
			sort.Ints(all)

			require.Len(t, all, len(tt.labels))
			for i, v := range all {
				require.Equal(t, i, v, "index %d missing or duplicated", i)
			}

			assert.True(t, sort.IntsAreSorted(idx.Train))
			assert.True(t, sort.IntsAreSorted(idx.Validation))
			assert.True(t, sort.IntsAreSorted(idx.Test))
		})
	}
}

func TestTwoStageSizes(t *testing.T) {
	labels := randomLabels(1000, 0.2, 7)

	idx, err := TwoStage(labels, DefaultRatios(), seed)
	require.NoError(t, err)

	assert.Len(t, idx.Train, 500)
	assert.Len(t, idx.Test, 150)
	assert.Len(t, idx.Validation, 350)
}

func TestTwoStageDeterministic(t *testing.T) {
	labels := randomLabels(300, 0.4, 3)

	a, err := TwoStage(labels, DefaultRatios(), seed)
	require.NoError(t, err)

	b, err := TwoStage(labels, DefaultRatios(), seed)
	require.NoError(t, err)

	assert.Equal(t, a, b)

	c, err := TwoStage(labels, DefaultRatios(), seed+1)
	require.NoError(t, err)
	assert.NotEqual(t, a.Train, c.Train)
}

func TestTwoStagePreservesBalance(t *testing.T) {
	labels := randomLabels(2000, 0.15, 11)
	source := proportion(func() []int {
		all := make([]int, len(labels))
		for i := range all {
			all[i] = i
		}
		return all
	}(), labels)

	idx, err := TwoStage(labels, DefaultRatios(), seed)
	require.NoError(t, err)

	for name, set := range map[string][]int{
		"train":      idx.Train,
		"validation": idx.Validation,
		"test":       idx.Test,
	} {
		// Largest-remainder rounding is off by at most one record per class.
		tolerance := 2.0 / float64(len(set))
		assert.InDelta(t, source, proportion(set, labels), tolerance, name)
	}
}

func TestTwoStageBalancedTen(t *testing.T) {
	labels := []uint8{1, 0, 1, 0, 1, 0, 1, 0, 1, 0}

	idx, err := TwoStage(labels, DefaultRatios(), seed)
	require.NoError(t, err)

	assert.Len(t, idx.Train, 5)
	assert.Len(t, idx.Validation, 3)
	assert.Len(t, idx.Test, 2)

	// Both classes survive in every partition that the ratios allow.
	assert.Greater(t, proportion(idx.Train, labels), 0.0)
	assert.Less(t, proportion(idx.Train, labels), 1.0)
	assert.Equal(t, 0.5, proportion(idx.Test, labels))
}

func TestStratifiedDegenerate(t *testing.T) {
	all := func(n int) []int {
		out := make([]int, n)
		for i := range out {
			out[i] = i
		}
		return out
	}

	tests := map[string][]uint8{
		"single class":     {0, 0, 0, 0, 0, 0},
		"singleton class":  {1, 0, 0, 0, 0, 0},
		"too few to split": {1, 0, 1},
	}

	for name, labels := range tests {
		_, _, err := Stratified(all(len(labels)), labels, 0.5, seed)
		assert.ErrorIs(t, err, ErrDegenerateStratification, name)
	}

	_, err := TwoStage([]uint8{1, 0, 0, 0, 0, 0, 0, 0}, DefaultRatios(), seed)
	assert.ErrorIs(t, err, ErrDegenerateStratification)
}

func TestStratifiedBadSize(t *testing.T) {
	_, _, err := Stratified([]int{0, 1, 2, 3}, []uint8{0, 1, 0, 1}, 1, seed)
	assert.Error(t, err)
}

func TestApproximateMode(t *testing.T) {
	assert.Equal(t, []int{3, 2}, approximateMode([]int{5, 5}, 5))
	assert.Equal(t, []int{1, 1}, approximateMode([]int{3, 2}, 2))
	assert.Equal(t, []int{70, 30}, approximateMode([]int{700, 300}, 100))

	for draws := 0; draws <= 17; draws++ {
		alloc := approximateMode([]int{9, 5, 3}, draws)

		sum := 0
		for i, a := range alloc {
			sum += a
			assert.LessOrEqual(t, float64(a), math.Ceil(float64(draws)*[]float64{9, 5, 3}[i]/17))
		}

		assert.Equal(t, draws, sum)
	}
}
