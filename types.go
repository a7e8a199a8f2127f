package ehrho

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/exp/constraints"
)

//////
// Const, vars, types.
//////

// ErrOutOfDomain is returned when a point has a coordinate that is not one of
// the values declared by its dimension.
var ErrOutOfDomain = errors.New("point outside the declared domain")

// ErrInvalidConfig is returned by Optimize when the configuration or the
// search space cannot be used.
var ErrInvalidConfig = errors.New("invalid optimization config")

// Phase names the stage of the optimization a trial belongs to.
type Phase string

const (
	// PhaseInitial is the random initial design used to seed the surrogate.
	PhaseInitial Phase = "InitialSampling"

	// PhaseOptimization is the acquisition-driven refinement loop.
	PhaseOptimization Phase = "Optimization"
)

// ProgressUpdate represents the current state of the optimization process.
type ProgressUpdate struct {
	// Phase indicates whether we're in initial sampling or optimization phase
	Phase Phase

	// CurrentIteration is the current iteration number within the phase
	CurrentIteration int

	// TotalIterations is the total number of iterations of the phase
	TotalIterations int

	// CurrentParams holds the parameter values just evaluated
	CurrentParams Point

	// CurrentBestParams holds the best parameters found so far
	CurrentBestParams Point

	// CurrentBestScore holds the best (lowest) score found so far
	CurrentBestScore float64

	// LastScore holds the score of the last evaluation
	LastScore float64
}

// Point is one coordinate per Space dimension, in dimension order.
type Point []float64

// Dimension is a named discrete domain. Only the listed values are valid
// coordinates for the dimension.
//
// Usage:
//
//	dropout := Discrete("e_drop", 0.0, 0.25, 0.5, 0.75, 0.85)
//	size := Discrete("e_size", 64, 128, 256, 512)
type Dimension struct {
	// Name is used for reporting only.
	Name string

	// Values lists the admissible coordinates, sorted ascending.
	Values []float64
}

// Space is the ordered list of dimensions searched by Optimize.
type Space []Dimension

// Trial is a single objective evaluation request.
type Trial struct {
	// ID is the sequence number of the trial within one Optimize call,
	// starting at zero. It is unique and safe to use in file names.
	ID int

	// Phase is the stage that proposed the trial.
	Phase Phase

	// Params is the point to evaluate.
	Params Point
}

// ObjectiveFunc evaluates a trial and returns its score (lower is better).
// It may be called concurrently from several goroutines, each with a
// distinct Trial.
//
// Usage example:
//
//	objective := ObjectiveFunc(func(ctx context.Context, trial Trial) (float64, error) {
//	    dropout := Value[float64](trial.Params, 0)
//	    size := Value[int](trial.Params, 1)
//
//	    loss, err := trainModel(ctx, dropout, size)
//	    if err != nil {
//	        return 0, fmt.Errorf("training failed: %w", err)
//	    }
//
//	    return loss, nil
//	})
type ObjectiveFunc func(ctx context.Context, trial Trial) (float64, error)

// Observation is a finished trial with its score.
type Observation struct {
	Trial

	// Score returned by the objective.
	Score float64

	// Duration of the objective call.
	Duration time.Duration
}

// Result is what Optimize returns once the budget is spent.
type Result struct {
	// Best is the observation with the lowest score. Ties go to the
	// earliest trial.
	Best Observation

	// Observations lists every evaluated trial ordered by ID.
	Observations []Observation
}

// AcquisitionFunc defines the signature for acquisition functions used in the
// Bayesian optimization process. These functions help decide which points in the
// parameter space should be evaluated next.
//
// Parameters:
// - mean: The predicted mean score at a point (lower is better)
// - variance: The predicted variance/uncertainty at that point
// - params: Additional parameters needed by specific acquisition functions
//
// Returns:
// - float64: Acquisition value (lower values indicate more promising points)
//
// Built-in acquisition functions:
// - ExpectedImprovement: Expected magnitude of improvement (default)
// - UCB: Confidence bound
// - ProbabilityOfImprovement: Probability of finding better value
// - ThompsonSampling: Random sampling from posterior
//
// Implementation notes for custom acquisition functions:
// - Should handle zero variance
// - Is only called from the coordinating goroutine
// - Should return lower values for more promising points.
type AcquisitionFunc func(mean, variance float64, params AcquisitionParams) float64

// AcquisitionParams holds parameters used by different acquisition functions to make decisions
// about which points to sample next in the optimization process.
type AcquisitionParams struct {
	// Beta controls the exploration-exploitation trade-off in the UCB
	// acquisition function.
	// - Higher values (e.g., 3.0 or 5.0) encourage more exploration of uncertain areas
	// - Lower values (e.g., 0.1 or 0.5) focus more on exploiting known good areas
	Beta float64

	// Xi (Greek letter ξ) is the minimum improvement over the current best
	// observation required by PI and EI.
	Xi float64

	// BestSoFar keeps track of the best (lowest) score seen so far.
	// It is updated by the optimizer before every proposal.
	BestSoFar float64

	// RandomState is the random number generator used by Thompson Sampling.
	// When nil, Optimize seeds one from OptimizationConfig.Seed.
	RandomState *rand.Rand
}

// OptimizationConfig holds all configuration parameters for the Bayesian optimization process.
//
// Usage example:
//
//	config := DefaultConfig()
//	config.InitialSamples = 10
//	config.Iterations = 20
//	config.Workers = 4
//	config.Seed = 10221983
//
// Total evaluations are InitialSamples + Iterations, fewer when the grid is
// exhausted first.
//
// Note:
// - Create separate configs for parallel optimizations.
type OptimizationConfig struct {
	// Iterations is the number of acquisition-driven evaluations performed
	// after the initial design.
	Iterations int

	// InitialSamples is the number of random points evaluated before the
	// surrogate is consulted. Must be at least one.
	InitialSamples int

	// NumCandidates is the number of random grid points scored per proposal
	// when the grid is larger than MaxEnumerate.
	NumCandidates int

	// MaxEnumerate bounds the grid size for which every point is scored.
	MaxEnumerate int

	// BatchSize is the number of points proposed per refinement round.
	BatchSize int

	// Workers bounds the number of objective calls running at once.
	Workers int

	// Seed drives the initial design and candidate sampling. Zero seeds from
	// the clock.
	Seed int64

	// AllowRepeats lets the optimizer propose a grid point that was already
	// evaluated.
	AllowRepeats bool

	// AcquisitionFunc determines the strategy for selecting the next point.
	AcquisitionFunc AcquisitionFunc

	// AcqParams holds the parameters for the acquisition function.
	AcqParams AcquisitionParams

	// LengthScales are the RBF kernel widths, on inputs scaled to [0, 1],
	// among which the surrogate picks the most likely after every update.
	LengthScales []float64

	// Noise is added to the kernel diagonal.
	Noise float64

	// OnObservation is called once per finished trial. Calls are
	// serialized. A returned error aborts the optimization.
	OnObservation func(Observation) error

	// ProgressChan is used to send progress updates during optimization
	// If nil, no updates will be sent
	ProgressChan chan<- ProgressUpdate
}

//////
// Factory.
//////

// Discrete builds a Dimension from integer or floating point values.
// Duplicates are removed and the values are sorted.
func Discrete[T constraints.Integer | constraints.Float](name string, values ...T) Dimension {
	floats := make([]float64, 0, len(values))

	for _, v := range values {
		f := float64(v)

		if indexOf(floats, f) < 0 {
			floats = append(floats, f)
		}
	}

	sortFloats(floats)

	return Dimension{Name: name, Values: floats}
}

// Value reads coordinate i of p converted to T.
func Value[T constraints.Integer | constraints.Float](p Point, i int) T {
	return T(p[i])
}

//////
// Methods.
//////

// Index returns the position of v in the dimension, or -1.
func (d Dimension) Index(v float64) int {
	return indexOf(d.Values, v)
}

// Size is the number of grid points of the space.
func (s Space) Size() int {
	if len(s) == 0 {
		return 0
	}

	size := 1
	for _, d := range s {
		size *= len(d.Values)
	}

	return size
}

// Contains reports, as an error wrapping ErrOutOfDomain, the first
// coordinate of p that is not admissible.
func (s Space) Contains(p Point) error {
	if len(p) != len(s) {
		return errors.Wrapf(ErrOutOfDomain, "point has %d coordinates, space has %d dimensions", len(p), len(s))
	}

	for i, d := range s {
		if d.Index(p[i]) < 0 {
			return errors.Wrapf(ErrOutOfDomain, "%s=%v not in %v", d.Name, p[i], d.Values)
		}
	}

	return nil
}

// Format renders p as "name=value" pairs.
func (s Space) Format(p Point) string {
	parts := make([]string, len(p))

	for i, v := range p {
		name := strconv.Itoa(i)
		if i < len(s) {
			name = s[i].Name
		}

		parts[i] = fmt.Sprintf("%s=%s", name, strconv.FormatFloat(v, 'g', -1, 64))
	}

	return strings.Join(parts, " ")
}

// key is the mixed-radix position of p in the grid.
func (s Space) key(p Point) int {
	key := 0

	for i, d := range s {
		key = key*len(d.Values) + d.Index(p[i])
	}

	return key
}

// at is the inverse of key.
func (s Space) at(key int) Point {
	p := make(Point, len(s))

	for i := len(s) - 1; i >= 0; i-- {
		n := len(s[i].Values)
		p[i] = s[i].Values[key%n]
		key /= n
	}

	return p
}

// normalize maps every coordinate to [0, 1] using the dimension bounds.
func (s Space) normalize(p Point) []float64 {
	out := make([]float64, len(p))

	for i, d := range s {
		lo, hi := d.Values[0], d.Values[len(d.Values)-1]
		if hi > lo {
			out[i] = (p[i] - lo) / (hi - lo)
		}
	}

	return out
}

func (s Space) validate() error {
	if len(s) == 0 {
		return errors.Wrap(ErrInvalidConfig, "empty space")
	}

	for _, d := range s {
		if len(d.Values) == 0 {
			return errors.Wrapf(ErrInvalidConfig, "dimension %q has no values", d.Name)
		}

		for _, v := range d.Values {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return errors.Wrapf(ErrInvalidConfig, "dimension %q has a non-finite value", d.Name)
			}
		}
	}

	return nil
}

func (c OptimizationConfig) validate() error {
	switch {
	case c.InitialSamples < 1:
		return errors.Wrap(ErrInvalidConfig, "InitialSamples must be at least 1")
	case c.Iterations < 0:
		return errors.Wrap(ErrInvalidConfig, "Iterations must not be negative")
	case c.Workers < 1:
		return errors.Wrap(ErrInvalidConfig, "Workers must be at least 1")
	case c.BatchSize < 1:
		return errors.Wrap(ErrInvalidConfig, "BatchSize must be at least 1")
	case c.NumCandidates < 1:
		return errors.Wrap(ErrInvalidConfig, "NumCandidates must be at least 1")
	case c.AcquisitionFunc == nil:
		return errors.Wrap(ErrInvalidConfig, "AcquisitionFunc is required")
	case len(c.LengthScales) == 0:
		return errors.Wrap(ErrInvalidConfig, "LengthScales is required")
	}

	for _, l := range c.LengthScales {
		if l <= 0 {
			return errors.Wrap(ErrInvalidConfig, "LengthScales must be positive")
		}
	}

	return nil
}
