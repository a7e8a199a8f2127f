package objective

import (
	"context"
	"math"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/thalesfsp/ehrho"
	"github.com/thalesfsp/ehrho/internal/dataset"
	"github.com/thalesfsp/ehrho/internal/dataset/datasettest"
	"github.com/thalesfsp/ehrho/internal/rnn"
	"github.com/thalesfsp/ehrho/internal/split"
)

func smallDomains() Domains {
	return Domains{
		EmbeddingDropout: []float64{0, 0.25},
		RecurrentDropout: []float64{0, 0.5},
		EmbeddingSize:    []int{2, 4},
		HiddenSize:       []int{2, 4},
	}
}

func newProblem(t *testing.T) Problem {
	t.Helper()

	dir := t.TempDir()
	files := dataset.DefaultFiles()
	require.NoError(t, datasettest.Write(dir, files, datasettest.Balanced(20, "128")))

	data, err := dataset.Load(dir, files)
	require.NoError(t, err)

	labels := dataset.Labels(data.Records, "128")

	idx, err := split.TwoStage(labels, split.DefaultRatios(), 10221983)
	require.NoError(t, err)

	fit := rnn.DefaultFitOptions()
	fit.Epochs = 3
	fit.BatchSize = 4

	return Problem{
		Code:          "128",
		Data:          data,
		Labels:        labels,
		Split:         idx,
		Space:         NewSpace(smallDomains()),
		CheckpointDir: t.TempDir(),
		Fit:           fit,
		Seed:          10221983,
		Logger:        zaptest.NewLogger(t),
	}
}

func TestEvaluate(t *testing.T) {
	p := newProblem(t)
	obj := New(p)

	hp := HyperParams{EmbeddingDropout: 0.25, RecurrentDropout: 0.5, EmbeddingSize: 4, HiddenSize: 2}
	trial := ehrho.Trial{ID: 3, Phase: ehrho.PhaseInitial, Params: hp.Point()}

	score, err := obj.Evaluate(context.Background(), trial)
	require.NoError(t, err)

	assert.False(t, math.IsNaN(score))
	assert.GreaterOrEqual(t, score, 0.0)

	out, ok := obj.Outcome(3)
	require.True(t, ok)
	assert.Equal(t, hp, out.Params)
	assert.Equal(t, CheckpointPath(p.CheckpointDir, 3), out.Checkpoint)
	assert.InDelta(t, score, 100*out.History.BestValLoss(), 1e-9)

	_, err = os.Stat(out.Checkpoint)
	assert.NoError(t, err)

	_, ok = obj.Outcome(4)
	assert.False(t, ok)
}

func TestEvaluateIsDeterministicPerTrial(t *testing.T) {
	p := newProblem(t)
	trial := ehrho.Trial{ID: 1, Params: HyperParams{0, 0.5, 2, 4}.Point()}

	a, err := New(p).Evaluate(context.Background(), trial)
	require.NoError(t, err)

	b, err := New(p).Evaluate(context.Background(), trial)
	require.NoError(t, err)

	assert.Equal(t, a, b)
}

func TestEvaluateDivergedReturnsErrDiverged(t *testing.T) {
	p := newProblem(t)
	for i := range p.Data.Sparse.Values {
		p.Data.Sparse.Values[i] = math.NaN()
	}

	obj := New(p)
	trial := ehrho.Trial{ID: 2, Params: HyperParams{0, 0, 2, 2}.Point()}

	_, err := obj.Evaluate(context.Background(), trial)
	require.ErrorIs(t, err, ErrDiverged)
	assert.Contains(t, err.Error(), "after 1 epochs")

	_, ok := obj.Outcome(2)
	assert.False(t, ok, "a diverged trial records no outcome")

	_, err = os.Stat(CheckpointPath(p.CheckpointDir, 2))
	assert.True(t, os.IsNotExist(err), "a diverged trial saves no checkpoint")
}

func TestEvaluateRejectsOutOfDomain(t *testing.T) {
	obj := New(newProblem(t))

	tests := map[string]ehrho.Point{
		"dropout":     {0.3, 0, 2, 2},
		"size":        {0, 0, 3, 2},
		"short point": {0, 0, 2},
	}

	for name, p := range tests {
		_, err := obj.Evaluate(context.Background(), ehrho.Trial{Params: p})
		assert.ErrorIs(t, err, ehrho.ErrOutOfDomain, name)
	}
}

func TestPointRoundTrip(t *testing.T) {
	space := NewSpace(DefaultDomains())
	require.Equal(t, 5*5*4*4, space.Size())

	hp := HyperParams{EmbeddingDropout: 0.85, RecurrentDropout: 0, EmbeddingSize: 512, HiddenSize: 64}

	got, err := FromPoint(space, hp.Point())
	require.NoError(t, err)
	assert.Equal(t, hp, got)

	assert.Equal(t, []string{EmbeddingDropout, RecurrentDropout, EmbeddingSize, HiddenSize},
		[]string{space[0].Name, space[1].Name, space[2].Name, space[3].Name})
}

func TestCheckpointPath(t *testing.T) {
	assert.Equal(t, "out/128/trial-007.ckpt", CheckpointPath("out/128", 7))
	assert.Equal(t, "trial-1234.ckpt", CheckpointPath("", 1234))
}
