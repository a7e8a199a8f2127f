// Package ehrho provides hyperparameter optimization over discrete grids using
// Bayesian optimization with Gaussian Processes. It drives the search for the
// recurrent EHR classifier trained by the internal packages of this module,
// but it has no knowledge of the model: it only sees points and scores.
//
// # Features
//
// The package includes the following key features:
//
//   - Bayesian Optimization: Uses Gaussian Process regression, with the kernel
//     width picked by marginal likelihood, to explore discrete grids
//   - Concurrent Evaluation: Trials run on a bounded worker pool and every
//     trial carries a unique sequential ID
//   - Multiple Acquisition Functions: Expected Improvement (EI, default),
//     confidence bound (UCB), Probability of Improvement (PI) and Thompson
//     Sampling
//   - Generic Domains: Dimensions are declared from integer or floating-point
//     values with Discrete
//   - Progress Monitoring: Real-time updates on optimization progress via
//     channels, and a serialized per-observation callback
//
// # Acquisition Functions
//
// 1. Expected Improvement (EI):
//
//   - Balances improvement probability and magnitude
//
//   - Default, as in most Bayesian optimization toolkits
//
//     config := DefaultConfig()
//     config.AcqParams.Xi = 0.01  // Minimum improvement threshold
//
// 2. Upper Confidence Bound (UCB):
//
//   - Controlled by Beta parameter (higher = more exploration)
//
//     config := DefaultConfig()
//     config.AcquisitionFunc = UCB
//     config.AcqParams.Beta = 2.0
//
// 3. Probability of Improvement (PI):
//
//   - Conservative exploration strategy
//
//     config := DefaultConfig()
//     config.AcquisitionFunc = ProbabilityOfImprovement
//
// 4. Thompson Sampling:
//
//   - Random draw from the posterior
//
//     config := DefaultConfig()
//     config.AcquisitionFunc = ThompsonSampling
//
// # Usage
//
//	space := Space{
//	    Discrete("e_drop", 0.0, 0.25, 0.5, 0.75, 0.85),
//	    Discrete("e_size", 64, 128, 256, 512),
//	}
//
//	result, err := Optimize(ctx, DefaultConfig(), space,
//	    func(ctx context.Context, trial Trial) (float64, error) {
//	        return validationLoss(ctx, Value[float64](trial.Params, 0), Value[int](trial.Params, 1))
//	    })
//
// # Thread Safety
//
//   - The objective is called concurrently, at most Workers at a time
//   - OnObservation calls are serialized
//   - Progress channel updates are non-blocking; updates are dropped when the
//     channel is full
package ehrho
