package ehrho

import (
	"math"
	"sync"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

//////
// Const, vars, types.
//////

// maxJitterTries bounds how many times the diagonal jitter is increased when
// the kernel matrix is not numerically positive definite.
const maxJitterTries = 6

// gaussianProcess implements a thread-safe Gaussian Process regressor with an
// RBF kernel. Inputs are expected in [0, 1] per dimension and targets are
// standardized internally, so the prior has zero mean and unit variance in
// standardized units.
//
// Fields:
// - mu: RWMutex for thread-safe access to all fields
// - X: Observed input points
// - Y: Observed scores at each input point
// - lengthScales: Kernel widths considered when fitting
// - noise: Diagonal term added to the kernel matrix
// - sigma: Kernel width selected by the last fit
//
// Thread safety:
// - All fields are protected by the RWMutex
// - Predict fits lazily and may take the write lock once after an Update.
type gaussianProcess struct {
	// mu protects access to all fields
	mu sync.RWMutex

	// X stores the normalized input points
	X [][]float64

	// Y stores the observed scores at each point in X
	Y []float64

	lengthScales []float64
	noise        float64

	// Fitted state, valid while fitted is true.
	fitted bool
	sigma  float64
	yMean  float64
	yStd   float64
	chol   mat.Cholesky
	alpha  *mat.VecDense
}

//////
// Methods.
//////

// Update adds a new observation. The model is refitted on the next Predict
// or Fit call.
func (gp *gaussianProcess) Update(x []float64, y float64) {
	gp.mu.Lock()
	defer gp.mu.Unlock()

	// Create deep copy of input to prevent external modifications
	newX := make([]float64, len(x))
	copy(newX, x)

	gp.X = append(gp.X, newX)
	gp.Y = append(gp.Y, y)
	gp.fitted = false
}

// Fit standardizes the targets and, for every candidate length scale,
// factorizes the kernel matrix, keeping the one with the highest log
// marginal likelihood.
func (gp *gaussianProcess) Fit() error {
	gp.mu.Lock()
	defer gp.mu.Unlock()

	return gp.fitLocked()
}

func (gp *gaussianProcess) fitLocked() error {
	n := len(gp.X)
	if n == 0 {
		gp.fitted = false
		return nil
	}

	gp.yMean, gp.yStd = standardize(gp.Y)

	ys := make([]float64, n)
	for i, y := range gp.Y {
		ys[i] = (y - gp.yMean) / gp.yStd
	}
	yv := mat.NewVecDense(n, ys)

	bestLML := math.Inf(-1)
	found := false

	for _, sigma := range gp.lengthScales {
		var chol mat.Cholesky
		if !gp.factorize(&chol, sigma) {
			continue
		}

		alpha := mat.NewVecDense(n, nil)
		if err := chol.SolveVecTo(alpha, yv); err != nil {
			continue
		}

		lml := -0.5*mat.Dot(yv, alpha) - 0.5*chol.LogDet() - 0.5*float64(n)*math.Log(2*math.Pi)
		if !found || lml > bestLML {
			bestLML = lml
			found = true

			gp.sigma = sigma
			gp.chol = chol
			gp.alpha = alpha
		}
	}

	if !found {
		gp.fitted = false
		return errors.New("kernel matrix is not positive definite for any length scale")
	}

	gp.fitted = true

	return nil
}

// factorize builds K + noise·I for sigma and tries a Cholesky factorization,
// increasing the diagonal jitter tenfold on failure.
func (gp *gaussianProcess) factorize(chol *mat.Cholesky, sigma float64) bool {
	n := len(gp.X)
	jitter := gp.noise

	for try := 0; try < maxJitterTries; try++ {
		k := mat.NewSymDense(n, nil)

		for i := 0; i < n; i++ {
			for j := i; j < n; j++ {
				v := rbf(gp.X[i], gp.X[j], sigma)
				if i == j {
					v += jitter
				}

				k.SetSym(i, j, v)
			}
		}

		if chol.Factorize(k) {
			return true
		}

		jitter = math.Max(jitter*10, 1e-8)
	}

	return false
}

// Predict estimates the expected score and its variance at a given point
// based on previously observed data points.
//
// Returns:
// - mean: Expected score at the input point
// - variance: Uncertainty in the prediction (higher = less certain)
//
// Mathematical details:
// - mean = yMean + yStd * k(x)ᵀ K⁻¹ y
// - variance = yStd² * (1 - k(x)ᵀ K⁻¹ k(x))
// - Returns (0, 1) if no observations exist
// - Falls back to the sample mean and variance of Y if no fit succeeded.
func (gp *gaussianProcess) Predict(x []float64) (mean, variance float64) {
	gp.mu.RLock()
	fitted := gp.fitted
	gp.mu.RUnlock()

	if !fitted {
		gp.mu.Lock()
		if !gp.fitted && len(gp.X) > 0 {
			_ = gp.fitLocked()
		}
		gp.mu.Unlock()
	}

	gp.mu.RLock()
	defer gp.mu.RUnlock()

	if len(gp.X) == 0 {
		return 0, 1
	}

	if !gp.fitted {
		m, s := standardize(gp.Y)
		return m, s * s
	}

	n := len(gp.X)
	k := mat.NewVecDense(n, nil)

	for i := range gp.X {
		k.SetVec(i, rbf(x, gp.X[i], gp.sigma))
	}

	meanStd := mat.Dot(k, gp.alpha)

	varStd := 1.0

	w := mat.NewVecDense(n, nil)
	if err := gp.chol.SolveVecTo(w, k); err == nil {
		varStd -= mat.Dot(k, w)
	}

	if varStd < 1e-12 {
		varStd = 1e-12
	}

	return gp.yMean + gp.yStd*meanStd, gp.yStd * gp.yStd * varStd
}

// clone returns an unfitted copy sharing no mutable state with gp. It is used
// to add fantasy observations while building a batch.
func (gp *gaussianProcess) clone() *gaussianProcess {
	gp.mu.RLock()
	defer gp.mu.RUnlock()

	c := newGaussianProcess(gp.lengthScales, gp.noise)

	c.X = make([][]float64, len(gp.X))
	copy(c.X, gp.X)

	c.Y = make([]float64, len(gp.Y))
	copy(c.Y, gp.Y)

	return c
}

//////
// Factory.
//////

// newGaussianProcess creates a model that selects its kernel width among
// lengthScales.
//
// Best practices:
// - Create new instance for each optimization task
// - Don't share instances between independent optimizations.
func newGaussianProcess(lengthScales []float64, noise float64) *gaussianProcess {
	scales := make([]float64, len(lengthScales))
	copy(scales, lengthScales)

	sigma := 1.0
	if len(scales) > 0 {
		sigma = scales[0]
	}

	return &gaussianProcess{
		lengthScales: scales,
		noise:        noise,
		sigma:        sigma,
	}
}

// rbf measures the similarity between two points for kernel width sigma.
//
// Mathematical formula:
//
//	k(x1, x2) = exp(-sum((x1 - x2)^2) / (2 * sigma^2))
//
// Important notes:
// - Panics if input vectors have different lengths
// - Returns 1.0 for identical points.
func rbf(x1, x2 []float64, sigma float64) float64 {
	if len(x1) != len(x2) {
		panic("input vectors must have the same length")
	}

	var sum float64

	for i := range x1 {
		diff := x1[i] - x2[i]

		sum += diff * diff
	}

	return math.Exp(-sum / (2 * sigma * sigma))
}
