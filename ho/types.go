package ho

import (
	"math/rand"

	"golang.org/x/exp/constraints"
)

// ProgressUpdate reports one evaluation of OptimizeHyperparameters.
// Iterations count from 1 within each phase. Parameters are in range units.
type ProgressUpdate struct {
	Phase            string
	CurrentIteration int
	TotalIterations  int

	CurrentParams     []float64
	CurrentBestParams []float64
	CurrentBestValue  float64

	LastValue  float64
	LastFailed bool
}

// Phase names reported in ProgressUpdate.
const (
	PhaseInitialSampling = "InitialSampling"
	PhaseOptimization    = "Optimization"
)

// ParameterRange bounds one hyperparameter of OptimizeHyperparameters. Both
// ends are inclusive for integer ranges.
//
//	learningRate := ParameterRange[float64]{Min: 1e-4, Max: 0.1}
type ParameterRange[T constraints.Integer | constraints.Float] struct {
	Min T
	Max T
}

// FromUnit maps u in [0, 1) onto the range. Integer ranges are split into
// Max-Min+1 equally wide buckets so both ends are reachable.
func (r ParameterRange[T]) FromUnit(u float64) T {
	switch any(r.Min).(type) {
	case float32, float64:
		return T(float64(r.Min) + u*(float64(r.Max)-float64(r.Min)))
	}

	span := float64(r.Max) - float64(r.Min) + 1
	v := float64(r.Min) + float64(int64(u*span))
	if v > float64(r.Max) {
		v = float64(r.Max)
	}

	return T(v)
}

// ObjectiveFunc evaluates one point; params follow the order of the ranges
// given to OptimizeHyperparameters. Lower values are better. A non-nil error
// marks the point as failed: it is remembered as a bad region and never
// becomes the best point.
type ObjectiveFunc[T constraints.Integer | constraints.Float] func(params ...T) (float64, error)

// AcquisitionFunc scores a candidate from its posterior mean and variance.
// Lower scores are evaluated first. UCB, ProbabilityOfImprovement,
// ExpectedImprovement and ThompsonSampling are provided.
type AcquisitionFunc func(mean, variance float64, params AcquisitionParams) float64

// AcquisitionParams are shared by the built-in acquisition functions.
type AcquisitionParams struct {
	// Beta weighs the standard deviation in UCB. Larger values explore more.
	Beta float64

	// Xi is the margin PI and EI require over BestSoFar.
	Xi float64

	// BestSoFar is the lowest successful value. The optimizer sets it before
	// every acquisition round.
	BestSoFar float64

	// RandomState drives ThompsonSampling. NewOptimizer seeds it when nil.
	RandomState *rand.Rand
}

// OptimizationConfig configures an Optimizer. Configs hold a progress channel
// and a random state, so concurrent optimizations need their own.
type OptimizationConfig struct {
	// Iterations is the number of model-driven evaluations of
	// OptimizeHyperparameters. The ask/tell Optimizer ignores it.
	Iterations int

	// InitialSamples is the number of uniform random suggestions made before
	// the Gaussian Process drives the search.
	InitialSamples int

	// NumCandidates is the number of random candidates scored per suggestion.
	NumCandidates int

	AcquisitionFunc AcquisitionFunc
	AcqParams       AcquisitionParams

	// Seed seeds the optimizer random number generator.
	Seed int64

	// Sigma is the RBF kernel width. Zero means DefaultSigma.
	Sigma float64

	// ProgressChan receives an update after every evaluation when set. Sends
	// never block; updates are dropped when the channel is full.
	ProgressChan chan<- ProgressUpdate
}
