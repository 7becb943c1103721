// Package ho is a Bayesian optimizer over the unit cube. A Gaussian Process
// fit to the observations scores random candidates through an acquisition
// function, and the most promising candidate is evaluated next.
//
// # Features
//
//   - Ask/Tell API: Optimizer hands out points in the unit cube and learns from
//     reported objective values, so an external trial runner can evaluate
//     points concurrently
//   - Reproducible: every random draw comes from OptimizationConfig.Seed
//   - Multiple Acquisition Functions: Upper Confidence Bound (UCB), Probability of
//     Improvement (PI), Expected Improvement (EI), and Thompson Sampling
//   - OptimizeHyperparameters drives the loop itself for integer or float
//     parameter ranges and reports progress on a channel
//   - Failure Aware: failed evaluations are ranked behind every success and never
//     reported as the best point
//
// # Ask/Tell
//
//	opt := ho.NewOptimizer(ho.DefaultConfig(), 2)
//
//	for i := 0; i < 30; i++ {
//	    u := opt.Ask()
//	    loss, err := evaluate(u)
//	    opt.Tell(u, loss, err)
//	}
//
//	best, loss, ok := opt.Best()
//
// # Acquisition Functions
//
// 1. Upper Confidence Bound (UCB): default, Beta controls exploration.
//
//	config := DefaultConfig()
//	config.AcqParams.Beta = 2.0
//
// 2. Probability of Improvement (PI): conservative, Xi is the minimum improvement.
//
// 3. Expected Improvement (EI): balances improvement probability and magnitude.
//
// 4. Thompson Sampling: random draw from the posterior, no tuning required.
//
// # Concurrency
//
// Optimizer serializes Ask and Tell with a mutex. Progress sends never block.
package ho
