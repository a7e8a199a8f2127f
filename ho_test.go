package ehrho

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Sample objective: a bowl centered on (0.5, 256).
func bowl(_ context.Context, trial Trial) (float64, error) {
	drop := Value[float64](trial.Params, 0)
	size := Value[int](trial.Params, 1)

	d := drop - 0.5
	s := math.Log2(float64(size)) - 8

	return 100 * (d*d + 0.1*s*s), nil
}

func testSpace() Space {
	return Space{
		Discrete("e_drop", 0.0, 0.25, 0.5, 0.75, 0.85),
		Discrete("e_size", 64, 128, 256, 512),
	}
}

func testConfig() OptimizationConfig {
	config := DefaultConfig()
	config.InitialSamples = 4
	config.Iterations = 6
	config.Workers = 2
	config.Seed = 10221983

	return config
}

func TestOptimizeFindsMinimum(t *testing.T) {
	space := testSpace()
	config := testConfig()
	config.Iterations = 14

	result, err := Optimize(context.Background(), config, space, bowl)
	require.NoError(t, err)

	require.Len(t, result.Observations, 18)
	assert.NoError(t, space.Contains(result.Best.Params))

	for _, ob := range result.Observations {
		assert.GreaterOrEqual(t, ob.Score, result.Best.Score)
	}

	// 18 of 20 grid points are visited, the minimum is among them unless
	// it is one of the two left out; either way the best is near zero.
	assert.Less(t, result.Best.Score, 10.0)
}

func TestOptimizeTrialIDsAndPhases(t *testing.T) {
	result, err := Optimize(context.Background(), testConfig(), testSpace(), bowl)
	require.NoError(t, err)

	require.Len(t, result.Observations, 10)

	seen := make(map[string]bool)
	for i, ob := range result.Observations {
		assert.Equal(t, i, ob.ID)

		if i < 4 {
			assert.Equal(t, PhaseInitial, ob.Phase)
		} else {
			assert.Equal(t, PhaseOptimization, ob.Phase)
		}

		key := testSpace().Format(ob.Params)
		assert.False(t, seen[key], "point %s evaluated twice", key)
		seen[key] = true
	}
}

func TestOptimizeDeterministicWithSeed(t *testing.T) {
	config := testConfig()
	config.Workers = 1

	a, err := Optimize(context.Background(), config, testSpace(), bowl)
	require.NoError(t, err)

	b, err := Optimize(context.Background(), config, testSpace(), bowl)
	require.NoError(t, err)

	require.Equal(t, len(a.Observations), len(b.Observations))
	for i := range a.Observations {
		assert.Equal(t, a.Observations[i].Params, b.Observations[i].Params)
	}
}

func TestOptimizeExhaustsSmallGrid(t *testing.T) {
	space := Space{
		Discrete("a", 1, 2),
		Discrete("b", 0.1, 0.2),
	}

	config := testConfig()
	config.InitialSamples = 2
	config.Iterations = 10

	result, err := Optimize(context.Background(), config, space, bowlFree)
	require.NoError(t, err)
	assert.Len(t, result.Observations, 4)
}

func bowlFree(_ context.Context, trial Trial) (float64, error) {
	return trial.Params[0] + trial.Params[1], nil
}

func TestOptimizeBatches(t *testing.T) {
	config := testConfig()
	config.BatchSize = 3
	config.Iterations = 7
	config.Workers = 3

	result, err := Optimize(context.Background(), config, testSpace(), bowl)
	require.NoError(t, err)
	assert.Len(t, result.Observations, 11)
}

func TestOptimizeWorkersBound(t *testing.T) {
	config := testConfig()
	config.InitialSamples = 8
	config.Iterations = 0
	config.Workers = 3

	var running, peak int32

	objective := func(ctx context.Context, trial Trial) (float64, error) {
		n := atomic.AddInt32(&running, 1)
		defer atomic.AddInt32(&running, -1)

		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}

		return bowl(ctx, trial)
	}

	_, err := Optimize(context.Background(), config, testSpace(), objective)
	require.NoError(t, err)
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(3))
}

func TestOptimizeObjectiveError(t *testing.T) {
	boom := errors.New("boom")

	objective := func(ctx context.Context, trial Trial) (float64, error) {
		if trial.ID == 1 {
			return 0, boom
		}

		return bowl(ctx, trial)
	}

	_, err := Optimize(context.Background(), testConfig(), testSpace(), objective)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
}

func TestOptimizeNonFiniteScore(t *testing.T) {
	objective := func(context.Context, Trial) (float64, error) {
		return math.NaN(), nil
	}

	_, err := Optimize(context.Background(), testConfig(), testSpace(), objective)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "non-finite")
}

func TestOptimizeCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var calls int32
	objective := func(ctx context.Context, trial Trial) (float64, error) {
		atomic.AddInt32(&calls, 1)
		return bowl(ctx, trial)
	}

	_, err := Optimize(ctx, testConfig(), testSpace(), objective)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, atomic.LoadInt32(&calls))
}

func TestOptimizeInvalidConfig(t *testing.T) {
	config := testConfig()
	config.InitialSamples = 0

	_, err := Optimize(context.Background(), config, testSpace(), bowl)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = Optimize(context.Background(), testConfig(), Space{{Name: "empty"}}, bowl)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestOptimizeObservationCallback(t *testing.T) {
	config := testConfig()

	var mu sync.Mutex
	var ids []int

	config.OnObservation = func(ob Observation) error {
		mu.Lock()
		defer mu.Unlock()

		ids = append(ids, ob.ID)

		return nil
	}

	result, err := Optimize(context.Background(), config, testSpace(), bowl)
	require.NoError(t, err)
	assert.Len(t, ids, len(result.Observations))

	failing := testConfig()
	failing.OnObservation = func(Observation) error { return errors.New("disk full") }

	_, err = Optimize(context.Background(), failing, testSpace(), bowl)
	assert.ErrorContains(t, err, "disk full")
}

func TestOptimizeChannel(t *testing.T) {
	// Create a configuration
	config := testConfig()

	// Create a bidirectional channel for progress updates
	progressChan := make(chan ProgressUpdate, config.InitialSamples+config.Iterations)

	// Assign the channel to config (will be automatically converted to send-only)
	config.ProgressChan = progressChan

	_, err := Optimize(context.Background(), config, testSpace(), bowl)
	require.NoError(t, err)
	close(progressChan)

	var initial, optimization int
	for update := range progressChan {
		switch update.Phase {
		case PhaseInitial:
			initial++
		case PhaseOptimization:
			optimization++
		}

		assert.LessOrEqual(t, update.CurrentBestScore, update.LastScore)
	}

	assert.Equal(t, config.InitialSamples, initial)
	assert.Equal(t, config.Iterations, optimization)
}

func TestSpace(t *testing.T) {
	space := testSpace()

	assert.Equal(t, 20, space.Size())
	assert.NoError(t, space.Contains(Point{0.25, 128}))
	assert.ErrorIs(t, space.Contains(Point{0.3, 128}), ErrOutOfDomain)
	assert.ErrorIs(t, space.Contains(Point{0.25, 100}), ErrOutOfDomain)
	assert.ErrorIs(t, space.Contains(Point{0.25}), ErrOutOfDomain)

	for key := 0; key < space.Size(); key++ {
		assert.Equal(t, key, space.key(space.at(key)))
	}

	assert.Equal(t, []float64{1, 0}, space.normalize(Point{0.85, 64}))
	assert.Equal(t, "e_drop=0.5 e_size=256", space.Format(Point{0.5, 256}))
}

func TestDiscrete(t *testing.T) {
	d := Discrete("r_size", 512, 64, 128, 64)
	assert.Equal(t, []float64{64, 128, 512}, d.Values)
	assert.Equal(t, 1, d.Index(128))
	assert.Equal(t, -1, d.Index(100))
}
