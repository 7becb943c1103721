package ho

import (
	"math"

	"gonum.org/v1/gonum/stat/distuv"
)

//////
// Acquisition functions. Each returns lower values for more promising points.
//////

// UCB is the lower confidence bound mean - Beta*stddev. With a minimized
// objective it plays the role of the upper confidence bound.
//
//	UCB(0.5, 0.2, AcquisitionParams{Beta: 2})
func UCB(mean, variance float64, params AcquisitionParams) float64 {
	return mean - params.Beta*math.Sqrt(variance)
}

// ProbabilityOfImprovement is the probability that the point does not beat
// BestSoFar by Xi. It favors small, likely improvements.
func ProbabilityOfImprovement(mean, variance float64, params AcquisitionParams) float64 {
	z := (params.BestSoFar - params.Xi - mean) / math.Sqrt(variance)

	return distuv.UnitNormal.Survival(z)
}

// ExpectedImprovement is the negated expected improvement over BestSoFar - Xi.
func ExpectedImprovement(mean, variance float64, params AcquisitionParams) float64 {
	sd := math.Sqrt(variance)
	improvement := params.BestSoFar - params.Xi - mean
	z := improvement / sd

	return -(improvement*distuv.UnitNormal.CDF(z) + sd*distuv.UnitNormal.Prob(z))
}

// ThompsonSampling draws from the posterior at the point. It needs
// RandomState.
func ThompsonSampling(mean, variance float64, params AcquisitionParams) float64 {
	return mean + math.Sqrt(variance)*params.RandomState.NormFloat64()
}

// Acquisitions maps acquisition function names to the built-in functions.
var Acquisitions = map[string]AcquisitionFunc{
	"ucb":      UCB,
	"pi":       ProbabilityOfImprovement,
	"ei":       ExpectedImprovement,
	"thompson": ThompsonSampling,
}
