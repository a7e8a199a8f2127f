// Package objective turns a hyperparameter point into a validation score by
// training a fresh recurrent classifier on one target code.
package objective

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/thalesfsp/ehrho"
	"github.com/thalesfsp/ehrho/internal/dataset"
	"github.com/thalesfsp/ehrho/internal/rnn"
	"github.com/thalesfsp/ehrho/internal/split"
)

// Dimension names, in Point order.
const (
	EmbeddingDropout = "e_drop"
	RecurrentDropout = "r_drop"
	EmbeddingSize    = "e_size"
	HiddenSize       = "r_size"
)

// ErrDiverged is returned when training produced a non-finite validation
// loss.
var ErrDiverged = errors.New("training diverged")

// HyperParams are the searched settings of the classifier.
type HyperParams struct {
	EmbeddingDropout float64
	RecurrentDropout float64
	EmbeddingSize    int
	HiddenSize       int
}

// Point orders the settings as in NewSpace.
func (h HyperParams) Point() ehrho.Point {
	return ehrho.Point{
		h.EmbeddingDropout,
		h.RecurrentDropout,
		float64(h.EmbeddingSize),
		float64(h.HiddenSize),
	}
}

// FromPoint is the inverse of Point. It rejects points outside space.
func FromPoint(space ehrho.Space, p ehrho.Point) (HyperParams, error) {
	if err := space.Contains(p); err != nil {
		return HyperParams{}, err
	}

	if len(p) != 4 {
		return HyperParams{}, errors.Wrapf(ehrho.ErrOutOfDomain, "want 4 coordinates, got %d", len(p))
	}

	return HyperParams{
		EmbeddingDropout: ehrho.Value[float64](p, 0),
		RecurrentDropout: ehrho.Value[float64](p, 1),
		EmbeddingSize:    ehrho.Value[int](p, 2),
		HiddenSize:       ehrho.Value[int](p, 3),
	}, nil
}

// Domains lists the admissible values of every dimension.
type Domains struct {
	EmbeddingDropout []float64
	RecurrentDropout []float64
	EmbeddingSize    []int
	HiddenSize       []int
}

// DefaultDomains is the grid of the EHR search.
func DefaultDomains() Domains {
	return Domains{
		EmbeddingDropout: []float64{0, 0.25, 0.5, 0.75, 0.85},
		RecurrentDropout: []float64{0, 0.25, 0.5, 0.75, 0.85},
		EmbeddingSize:    []int{64, 128, 256, 512},
		HiddenSize:       []int{64, 128, 256, 512},
	}
}

// NewSpace builds the four dimensional search space.
func NewSpace(d Domains) ehrho.Space {
	return ehrho.Space{
		ehrho.Discrete(EmbeddingDropout, d.EmbeddingDropout...),
		ehrho.Discrete(RecurrentDropout, d.RecurrentDropout...),
		ehrho.Discrete(EmbeddingSize, d.EmbeddingSize...),
		ehrho.Discrete(HiddenSize, d.HiddenSize...),
	}
}

// Problem is everything an evaluation needs for one target code.
type Problem struct {
	Code   string
	Data   *dataset.Dataset
	Labels []uint8
	Split  split.Indices
	Space  ehrho.Space

	// CheckpointDir receives one checkpoint per trial.
	CheckpointDir string

	Fit rnn.FitOptions

	// Seed is offset by the trial ID to seed each model.
	Seed int64

	Logger *zap.Logger
}

// Outcome describes a finished evaluation.
type Outcome struct {
	Params     HyperParams
	History    rnn.History
	Checkpoint string
	Duration   time.Duration
}

// Objective evaluates points of a Problem. Evaluate may be called
// concurrently for distinct trials.
type Objective struct {
	problem Problem
	logger  *zap.Logger

	mu       sync.Mutex
	outcomes map[int]Outcome
}

// New returns the objective of p.
func New(p Problem) *Objective {
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Objective{
		problem:  p,
		logger:   logger.With(zap.String("code", p.Code)),
		outcomes: make(map[int]Outcome),
	}
}

// CheckpointPath is where trial id keeps its best model inside dir.
func CheckpointPath(dir string, id int) string {
	return filepath.Join(dir, fmt.Sprintf("trial-%03d.ckpt", id))
}

// Evaluate trains a model with the settings of trial and returns 100 times
// its lowest validation loss. It satisfies ehrho.ObjectiveFunc.
func (o *Objective) Evaluate(ctx context.Context, trial ehrho.Trial) (float64, error) {
	p := o.problem

	hp, err := FromPoint(p.Space, trial.Params)
	if err != nil {
		return 0, err
	}

	model, err := rnn.New(rnn.Config{
		SparseSize:       p.Data.Sparse.Cols(),
		VocabSize:        p.Data.Vocab.Size(),
		MaxLength:        p.Data.Tokens.Cols(),
		EmbeddingSize:    hp.EmbeddingSize,
		HiddenSize:       hp.HiddenSize,
		EmbeddingDropout: hp.EmbeddingDropout,
		RecurrentDropout: hp.RecurrentDropout,
		Seed:             p.Seed + int64(trial.ID),
	})
	if err != nil {
		return 0, errors.Wrap(err, "build model")
	}

	logger := o.logger.With(zap.Int("trial", trial.ID))

	opts := p.Fit
	opts.Checkpoint = CheckpointPath(p.CheckpointDir, trial.ID)
	opts.Logger = logger

	logger.Debug("training",
		zap.Float64(EmbeddingDropout, hp.EmbeddingDropout),
		zap.Float64(RecurrentDropout, hp.RecurrentDropout),
		zap.Int(EmbeddingSize, hp.EmbeddingSize),
		zap.Int(HiddenSize, hp.HiddenSize),
		zap.Int("params", model.NumParams()),
	)

	start := time.Now()

	hist, err := model.Fit(ctx, o.inputs(p.Split.Train), o.inputs(p.Split.Validation), opts)
	if err != nil {
		return 0, err
	}

	loss := hist.BestValLoss()
	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		return 0, errors.Wrapf(ErrDiverged, "validation loss %v after %d epochs", loss, len(hist.ValLoss))
	}

	o.mu.Lock()
	o.outcomes[trial.ID] = Outcome{
		Params:     hp,
		History:    hist,
		Checkpoint: opts.Checkpoint,
		Duration:   time.Since(start),
	}
	o.mu.Unlock()

	return 100 * loss, nil
}

// Outcome returns what Evaluate recorded for trial id.
func (o *Objective) Outcome(id int) (Outcome, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	out, ok := o.outcomes[id]

	return out, ok
}

func (o *Objective) inputs(rows []int) rnn.Inputs {
	return rnn.Inputs{
		Rows:   rows,
		Sparse: o.problem.Data.Sparse,
		Tokens: o.problem.Data.Tokens,
		Labels: o.problem.Labels,
	}
}
