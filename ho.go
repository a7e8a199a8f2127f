package ehrho

import (
	"context"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/thalesfsp/ehrho/internal/workerpool"
)

//////
// Const, vars, types.
//////

// maxDrawAttempts bounds rejection sampling of unseen grid points per draw.
const maxDrawAttempts = 100

// optimizer holds the state of one Optimize call.
type optimizer struct {
	config    OptimizationConfig
	space     Space
	objective ObjectiveFunc

	// rng is only used from the coordinating goroutine.
	rng *rand.Rand

	gp *gaussianProcess

	// mu protects everything below.
	mu           sync.Mutex
	nextID       int
	seen         map[int]bool
	observations []Observation
	best         Observation
	hasBest      bool
}

//////
// Exported functionalities.
//////

// DefaultConfig returns the configuration used by the EHR search: ten random
// initial points, twenty refinement steps, Expected Improvement.
func DefaultConfig() OptimizationConfig {
	return OptimizationConfig{
		Iterations:      20,
		InitialSamples:  10,
		NumCandidates:   500,
		MaxEnumerate:    10000,
		BatchSize:       1,
		Workers:         20,
		AcquisitionFunc: ExpectedImprovement,
		AcqParams: AcquisitionParams{
			BestSoFar: math.MaxFloat64,
			Beta:      2.0,
			Xi:        0.01,
		},
		LengthScales: []float64{0.1, 0.2, 0.3, 0.5, 0.75, 1, 2},
		Noise:        1e-6,
		ProgressChan: nil, // Default to no progress updates.
	}
}

// Optimize uses Bayesian optimization over a discrete grid to find the point
// with the lowest objective score.
//
// How it works:
//  1. Evaluates InitialSamples random grid points, Workers at a time
//  2. For each refinement round:
//     - Fits the Gaussian Process to every observation so far
//     - Scores every unevaluated grid point (or NumCandidates random ones
//     when the grid is larger than MaxEnumerate) with AcquisitionFunc
//     - Picks BatchSize points, adding the predicted mean of each pick as a
//     fantasy observation before picking the next
//     - Evaluates the batch and updates the model with the real scores
//  3. Returns the best observation
//
// Important notes:
//   - Every trial gets a unique sequential ID
//   - An objective error or a non-finite score stops the search; trials not
//     yet started are skipped and the error is returned
//   - The search ends early when every grid point has been evaluated, unless
//     AllowRepeats is set.
func Optimize(ctx context.Context, config OptimizationConfig, space Space, objective ObjectiveFunc) (*Result, error) {
	if err := space.validate(); err != nil {
		return nil, err
	}

	if err := config.validate(); err != nil {
		return nil, err
	}

	seed := config.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	if config.AcqParams.RandomState == nil {
		config.AcqParams.RandomState = rand.New(rand.NewSource(seed + 1))
	}

	o := &optimizer{
		config:    config,
		space:     space,
		objective: objective,
		rng:       rand.New(rand.NewSource(seed)),
		gp:        newGaussianProcess(config.LengthScales, config.Noise),
		seen:      make(map[int]bool),
	}

	// Phase 1: Initial random sampling.
	initial := o.draw(config.InitialSamples)
	if err := o.evaluate(ctx, PhaseInitial, initial); err != nil {
		return nil, err
	}

	// Phase 2: Bayesian optimization loop.
	for done := 0; done < config.Iterations; {
		n := config.BatchSize
		if remaining := config.Iterations - done; n > remaining {
			n = remaining
		}

		next, err := o.propose(n)
		if err != nil {
			return nil, err
		}

		if len(next) == 0 {
			break
		}

		if err := o.evaluate(ctx, PhaseOptimization, next); err != nil {
			return nil, err
		}

		done += len(next)
	}

	return o.result(), nil
}

//////
// Methods.
//////

// draw returns up to n random grid points, distinct from each other and from
// earlier trials unless repeats are allowed.
func (o *optimizer) draw(n int) []Point {
	size := o.space.Size()
	taken := make(map[int]bool)

	o.mu.Lock()
	for k := range o.seen {
		taken[k] = true
	}
	o.mu.Unlock()

	points := make([]Point, 0, n)

	for len(points) < n {
		if !o.config.AllowRepeats && len(taken) >= size {
			break
		}

		key := o.rng.Intn(size)

		if !o.config.AllowRepeats {
			for attempt := 0; taken[key] && attempt < maxDrawAttempts; attempt++ {
				key = o.rng.Intn(size)
			}

			if taken[key] {
				key = o.firstFree(taken)
			}
		}

		taken[key] = true
		points = append(points, o.space.at(key))
	}

	return points
}

func (o *optimizer) firstFree(taken map[int]bool) int {
	for key := 0; key < o.space.Size(); key++ {
		if !taken[key] {
			return key
		}
	}

	return 0
}

// candidates lists the grid keys scored by the acquisition function.
func (o *optimizer) candidates() []int {
	o.mu.Lock()
	seen := make(map[int]bool, len(o.seen))
	for k := range o.seen {
		seen[k] = true
	}
	o.mu.Unlock()

	size := o.space.Size()

	if size <= o.config.MaxEnumerate {
		keys := make([]int, 0, size)

		for key := 0; key < size; key++ {
			if o.config.AllowRepeats || !seen[key] {
				keys = append(keys, key)
			}
		}

		return keys
	}

	keys := make([]int, 0, o.config.NumCandidates)
	picked := make(map[int]bool)

	for attempt := 0; len(keys) < o.config.NumCandidates && attempt < o.config.NumCandidates*maxDrawAttempts; attempt++ {
		key := o.rng.Intn(size)
		if picked[key] || (!o.config.AllowRepeats && seen[key]) {
			continue
		}

		picked[key] = true
		keys = append(keys, key)
	}

	return keys
}

// propose picks n points by minimizing the acquisition function, using the
// kriging believer strategy within a batch.
func (o *optimizer) propose(n int) ([]Point, error) {
	keys := o.candidates()
	if len(keys) == 0 {
		return nil, nil
	}

	model := o.gp
	if err := model.Fit(); err != nil {
		return nil, errors.Wrap(err, "fit surrogate")
	}

	params := o.config.AcqParams

	o.mu.Lock()
	if o.hasBest {
		params.BestSoFar = o.best.Score
	}
	o.mu.Unlock()

	chosen := make(map[int]bool)
	points := make([]Point, 0, n)

	for len(points) < n && len(chosen) < len(keys) {
		bestKey := -1
		bestAcquisition := math.Inf(1)
		var bestMean float64

		for _, key := range keys {
			if chosen[key] {
				continue
			}

			mean, variance := model.Predict(o.space.normalize(o.space.at(key)))
			acquisition := o.config.AcquisitionFunc(mean, variance, params)

			if bestKey < 0 || acquisition < bestAcquisition {
				bestKey = key
				bestAcquisition = acquisition
				bestMean = mean
			}
		}

		chosen[bestKey] = true
		point := o.space.at(bestKey)
		points = append(points, point)

		if len(points) < n {
			if model == o.gp {
				model = o.gp.clone()
			}

			model.Update(o.space.normalize(point), bestMean)
		}
	}

	return points, nil
}

// evaluate runs the objective on points concurrently and records results.
func (o *optimizer) evaluate(ctx context.Context, phase Phase, points []Point) error {
	if len(points) == 0 {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	workers := o.config.Workers
	if workers > len(points) {
		workers = len(points)
	}

	pool := workerpool.New(workers)

	var finished int
	jobs := make([]workerpool.Job, 0, len(points))

	for _, point := range points {
		trial := o.register(phase, point)

		jobs = append(jobs, func() error {
			if ctx.Err() != nil {
				return nil
			}

			start := time.Now()
			score, err := o.objective(ctx, trial)
			duration := time.Since(start)

			if err != nil {
				cancel()
				return errors.Wrapf(err, "trial %d (%s)", trial.ID, o.space.Format(trial.Params))
			}

			if !isFinite(score) {
				cancel()
				return errors.Errorf("trial %d (%s): non-finite score %v", trial.ID, o.space.Format(trial.Params), score)
			}

			o.mu.Lock()
			finished++
			iteration := finished
			o.mu.Unlock()

			if err := o.record(Observation{Trial: trial, Score: score, Duration: duration}, iteration, len(points)); err != nil {
				cancel()
				return err
			}

			return nil
		})
	}

	pool.Add(jobs)

	if err := pool.Wait(); err != nil {
		return err
	}

	// The parent context may have been cancelled while jobs were skipped.
	return errors.WithStack(ctx.Err())
}

// register allocates a trial ID and marks the point as seen.
func (o *optimizer) register(phase Phase, point Point) Trial {
	o.mu.Lock()
	defer o.mu.Unlock()

	id := o.nextID
	o.nextID++
	o.seen[o.space.key(point)] = true

	return Trial{ID: id, Phase: phase, Params: point}
}

// record stores an observation, updates the surrogate and the best point,
// then reports it.
func (o *optimizer) record(ob Observation, iteration, total int) error {
	o.gp.Update(o.space.normalize(ob.Params), ob.Score)

	o.mu.Lock()
	defer o.mu.Unlock()

	o.observations = append(o.observations, ob)

	if !o.hasBest || ob.Score < o.best.Score || (ob.Score == o.best.Score && ob.ID < o.best.ID) {
		o.best = ob
		o.hasBest = true
	}

	if o.config.OnObservation != nil {
		if err := o.config.OnObservation(ob); err != nil {
			return errors.Wrapf(err, "report trial %d", ob.ID)
		}
	}

	if o.config.ProgressChan != nil {
		update := ProgressUpdate{
			Phase:             ob.Phase,
			CurrentIteration:  iteration,
			TotalIterations:   total,
			CurrentParams:     ob.Params,
			CurrentBestParams: o.best.Params,
			CurrentBestScore:  o.best.Score,
			LastScore:         ob.Score,
		}

		select {
		case o.config.ProgressChan <- update:
		default:
			// Skip update if channel is full.
		}
	}

	return nil
}

func (o *optimizer) result() *Result {
	o.mu.Lock()
	defer o.mu.Unlock()

	observations := make([]Observation, len(o.observations))
	copy(observations, o.observations)

	sort.Slice(observations, func(i, j int) bool {
		return observations[i].ID < observations[j].ID
	})

	return &Result{
		Best:         o.best,
		Observations: observations,
	}
}
