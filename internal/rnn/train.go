package rnn

import (
	"context"
	"math"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
)

// SparseRows is a row-addressable sparse matrix.
type SparseRows interface {
	Rows() int
	Cols() int
	Row(i int) (indices []int32, values []float64)
}

// SequenceRows is a row-addressable fixed width token matrix.
type SequenceRows interface {
	Rows() int
	Cols() int
	Row(i int) []int32
}

// Inputs selects records from the shared matrices. Labels is indexed by
// record index, like Sparse and Tokens.
type Inputs struct {
	Rows   []int
	Sparse SparseRows
	Tokens SequenceRows
	Labels []uint8
}

// FitOptions are the training policies.
type FitOptions struct {
	Epochs           int
	BatchSize        int
	PredictBatchSize int

	// Patience is the number of epochs without validation improvement
	// tolerated before training stops.
	Patience int

	LearningRate float64

	// ClipNorm bounds the global gradient norm of a batch. Zero disables
	// clipping.
	ClipNorm float64

	// Checkpoint is where the model is saved after every epoch that
	// improves the validation loss. Empty disables checkpointing.
	Checkpoint string

	Logger *zap.Logger
}

// DefaultFitOptions returns the training policy of the asthma experiment.
func DefaultFitOptions() FitOptions {
	return FitOptions{
		Epochs:           25,
		BatchSize:        512,
		PredictBatchSize: 512,
		Patience:         1,
		LearningRate:     1e-3,
		ClipNorm:         5,
	}
}

// History records the loss of every completed epoch.
type History struct {
	Loss    []float64
	ValLoss []float64

	// BestEpoch is the zero-based epoch with the lowest validation loss,
	// -1 if none improved on +Inf.
	BestEpoch int

	// Stopped is set when early stopping ended training.
	Stopped bool
}

// BestValLoss is the lowest validation loss. A NaN anywhere in the history
// makes it NaN; an empty history gives +Inf.
func (h History) BestValLoss() float64 {
	best := math.Inf(1)

	for _, v := range h.ValLoss {
		if math.IsNaN(v) {
			return v
		}

		if v < best {
			best = v
		}
	}

	return best
}

func (in Inputs) check(cfg Config) error {
	if in.Sparse == nil || in.Tokens == nil {
		return errors.Wrap(ErrDimension, "missing input matrix")
	}

	if len(in.Rows) == 0 {
		return errors.Wrap(ErrDimension, "no rows")
	}

	if in.Sparse.Cols() != cfg.SparseSize {
		return errors.Wrapf(ErrDimension, "sparse width %d, model expects %d", in.Sparse.Cols(), cfg.SparseSize)
	}

	if in.Tokens.Cols() != cfg.MaxLength {
		return errors.Wrapf(ErrDimension, "sequence length %d, model expects %d", in.Tokens.Cols(), cfg.MaxLength)
	}

	for _, r := range in.Rows {
		if r < 0 || r >= in.Sparse.Rows() || r >= in.Tokens.Rows() || r >= len(in.Labels) {
			return errors.Wrapf(ErrDimension, "record %d outside sparse=%d tokens=%d labels=%d",
				r, in.Sparse.Rows(), in.Tokens.Rows(), len(in.Labels))
		}
	}

	return nil
}

func (m *Model) run(in Inputs, r int, train bool) (*trace, error) {
	idx, vals := in.Sparse.Row(r)
	return m.forward(in.Tokens.Row(r), idx, vals, train)
}

// Fit trains with Adam on mini-batches, evaluating on val after every epoch.
// The checkpoint and early stopping policies of opts are applied on the
// validation loss. The context is checked between batches.
func (m *Model) Fit(ctx context.Context, train, val Inputs, opts FitOptions) (History, error) {
	hist := History{BestEpoch: -1}

	if err := train.check(m.cfg); err != nil {
		return hist, errors.Wrap(err, "training inputs")
	}

	if err := val.check(m.cfg); err != nil {
		return hist, errors.Wrap(err, "validation inputs")
	}

	if opts.Epochs < 1 || opts.BatchSize < 1 {
		return hist, errors.Errorf("epochs=%d batch=%d must be positive", opts.Epochs, opts.BatchSize)
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	opt := newAdam(m.layout.size, opts.LearningRate)
	grad := viewWeights(m.layout, make([]float64, m.layout.size))

	order := make([]int, len(train.Rows))
	copy(order, train.Rows)

	best := math.Inf(1)
	wait := 0

	for epoch := 0; epoch < opts.Epochs; epoch++ {
		start := time.Now()

		m.rng.Shuffle(len(order), func(i, j int) {
			order[i], order[j] = order[j], order[i]
		})

		var total float64

		for lo := 0; lo < len(order); lo += opts.BatchSize {
			if err := ctx.Err(); err != nil {
				return hist, errors.WithStack(err)
			}

			hi := lo + opts.BatchSize
			if hi > len(order) {
				hi = len(order)
			}

			for i := range grad.all {
				grad.all[i] = 0
			}

			scale := 1 / float64(hi-lo)

			for _, r := range order[lo:hi] {
				tr, err := m.run(train, r, true)
				if err != nil {
					return hist, err
				}

				y := float64(train.Labels[r])
				total += logLoss(tr.logit, y)
				m.backward(tr, y, grad, scale)
			}

			if opts.ClipNorm > 0 {
				if norm := floats.Norm(grad.all, 2); norm > opts.ClipNorm {
					floats.Scale(opts.ClipNorm/norm, grad.all)
				}
			}

			opt.step(m.w.all, grad.all)
		}

		valLoss, err := m.Evaluate(ctx, val, opts.PredictBatchSize)
		if err != nil {
			return hist, err
		}

		hist.Loss = append(hist.Loss, total/float64(len(order)))
		hist.ValLoss = append(hist.ValLoss, valLoss)

		logger.Debug("epoch",
			zap.Int("epoch", epoch+1),
			zap.Float64("loss", hist.Loss[epoch]),
			zap.Float64("val_loss", valLoss),
			zap.Duration("took", time.Since(start)),
		)

		if math.IsNaN(valLoss) {
			logger.Warn("validation loss is NaN, stopping", zap.Int("epoch", epoch+1))
			break
		}

		if valLoss < best {
			best = valLoss
			wait = 0
			hist.BestEpoch = epoch

			if opts.Checkpoint != "" {
				if err := m.Save(opts.Checkpoint); err != nil {
					return hist, err
				}

				logger.Debug("checkpoint saved", zap.String("path", opts.Checkpoint), zap.Float64("val_loss", valLoss))
			}

			continue
		}

		wait++
		if wait >= opts.Patience {
			hist.Stopped = true
			logger.Debug("early stopping", zap.Int("epoch", epoch+1), zap.Float64("best_val_loss", best))

			break
		}
	}

	return hist, nil
}

// Evaluate is the mean binary cross-entropy over in, without dropout.
func (m *Model) Evaluate(ctx context.Context, in Inputs, batchSize int) (float64, error) {
	probs, err := m.predict(ctx, in, batchSize, func(tr *trace, r int) float64 {
		return logLoss(tr.logit, float64(in.Labels[r]))
	})
	if err != nil {
		return 0, err
	}

	return floats.Sum(probs) / float64(len(probs)), nil
}

// Predict returns the probability of the positive class for every row of
// in. Labels may be nil.
func (m *Model) Predict(ctx context.Context, in Inputs, batchSize int) ([]float64, error) {
	if in.Labels == nil {
		in.Labels = make([]uint8, in.Sparse.Rows())
	}

	return m.predict(ctx, in, batchSize, func(tr *trace, _ int) float64 {
		return sigmoid(tr.logit)
	})
}

func (m *Model) predict(ctx context.Context, in Inputs, batchSize int, f func(*trace, int) float64) ([]float64, error) {
	if err := in.check(m.cfg); err != nil {
		return nil, err
	}

	if batchSize < 1 {
		batchSize = len(in.Rows)
	}

	out := make([]float64, len(in.Rows))

	for i, r := range in.Rows {
		if i%batchSize == 0 {
			if err := ctx.Err(); err != nil {
				return nil, errors.WithStack(err)
			}
		}

		tr, err := m.run(in, r, false)
		if err != nil {
			return nil, err
		}

		out[i] = f(tr, r)
	}

	return out, nil
}

// adam implements the Adam update with bias correction.
type adam struct {
	lr, beta1, beta2, eps float64
	t                     int
	m, v                  []float64
}

func newAdam(n int, lr float64) *adam {
	if lr <= 0 {
		lr = 1e-3
	}

	return &adam{
		lr:    lr,
		beta1: 0.9,
		beta2: 0.999,
		eps:   1e-7,
		m:     make([]float64, n),
		v:     make([]float64, n),
	}
}

func (a *adam) step(params, grad []float64) {
	a.t++

	lr := a.lr * math.Sqrt(1-math.Pow(a.beta2, float64(a.t))) / (1 - math.Pow(a.beta1, float64(a.t)))

	for i, g := range grad {
		a.m[i] = a.beta1*a.m[i] + (1-a.beta1)*g
		a.v[i] = a.beta2*a.v[i] + (1-a.beta2)*g*g
		params[i] -= lr * a.m[i] / (math.Sqrt(a.v[i]) + a.eps)
	}
}
