package ho

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/exp/constraints"
)

//////
// Const, vars, types.
//////

// DefaultSigma is the kernel width used when OptimizationConfig.Sigma is zero.
// Suggestions live in the unit cube, so the kernel is narrower than one.
const DefaultSigma = 0.25

// Optimizer is the ask/tell form of the Bayesian optimizer. Points handed out by
// Ask live in the unit cube [0, 1)^dims; callers map them onto their own
// parameter space and report the objective back through Tell.
//
// The first InitialSamples asks are uniform random draws. Every later ask scores
// NumCandidates random candidates with the Gaussian Process and returns the one
// with the lowest acquisition value.
//
// Thread safety:
// - Ask, Tell and Best may be called from multiple goroutines
// - Asks that happen before the matching Tell do not see that observation
type Optimizer struct {
	mu sync.Mutex

	config OptimizationConfig
	dims   int
	rng    *rand.Rand
	gp     *gaussianProcess

	asked int

	// observed and failed count Tell calls.
	observed int
	failed   int

	// worst successful value, used to rank failed evaluations.
	worst float64

	best      []float64
	bestValue float64
}

//////
// Exported functionalities.
//////

// DefaultConfig returns a UCB configuration seeded from the clock.
func DefaultConfig() OptimizationConfig {
	return OptimizationConfig{
		Iterations:      50,
		InitialSamples:  10,
		NumCandidates:   50,
		AcquisitionFunc: UCB,
		AcqParams: AcquisitionParams{
			BestSoFar: math.MaxFloat64,
			Beta:      2.0,
			Xi:        0.01,
		},
		Seed:  time.Now().UnixNano(),
		Sigma: DefaultSigma,
	}
}

// NewOptimizer creates an ask/tell optimizer over a dims-dimensional unit cube.
// dims may be zero, in which case every point is empty. A nil acquisition
// function selects UCB; a zero Sigma selects DefaultSigma.
func NewOptimizer(config OptimizationConfig, dims int) *Optimizer {
	if config.AcquisitionFunc == nil {
		config.AcquisitionFunc = UCB
	}

	if config.NumCandidates <= 0 {
		config.NumCandidates = 1
	}

	rng := rand.New(rand.NewSource(config.Seed))

	if config.AcqParams.RandomState == nil {
		config.AcqParams.RandomState = rand.New(rand.NewSource(config.Seed + 1))
	}

	gp := newGaussianProcess()
	if config.Sigma > 0 {
		gp.SetSigma(config.Sigma)
	} else {
		gp.SetSigma(DefaultSigma)
	}

	return &Optimizer{
		config:    config,
		dims:      dims,
		rng:       rng,
		gp:        gp,
		worst:     math.Inf(-1),
		bestValue: math.Inf(1),
	}
}

// Ask returns the next point to evaluate.
func (o *Optimizer) Ask() []float64 {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.asked++

	if o.asked <= o.config.InitialSamples || o.observed == 0 {
		return o.randomPoint()
	}

	// Update acquisition function with current best value.
	params := o.config.AcqParams
	if !math.IsInf(o.bestValue, 1) {
		params.BestSoFar = o.bestValue
	}

	var next []float64

	bestAcquisition := math.Inf(1)

	for j := 0; j < o.config.NumCandidates; j++ {
		candidate := o.randomPoint()

		mean, variance := o.gp.Predict(candidate)

		acquisition := o.config.AcquisitionFunc(mean, variance, params)

		// NaN never compares lower, keep the first candidate as a fallback.
		if next == nil || acquisition < bestAcquisition {
			bestAcquisition = acquisition
			next = candidate
		}
	}

	return next
}

// Tell records the outcome of evaluating x. A non-nil err marks the
// evaluation as failed: the point is penalised in the model so the search
// moves away from it, and it can never become the best point.
func (o *Optimizer) Tell(x []float64, value float64, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.observed++

	if err != nil || math.IsNaN(value) || math.IsInf(value, 0) {
		o.failed++
		o.gp.Update(x, o.failurePenalty())

		return
	}

	o.gp.Update(x, value)

	if value > o.worst {
		o.worst = value
	}

	if value < o.bestValue {
		o.bestValue = value
		o.best = append(o.best[:0], x...)
	}
}

// Best returns the best point observed so far and its value. ok is false until
// at least one evaluation succeeded.
func (o *Optimizer) Best() (x []float64, value float64, ok bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.best == nil {
		return nil, math.Inf(1), false
	}

	x = make([]float64, len(o.best))
	copy(x, o.best)

	return x, o.bestValue, true
}

// Observed returns the number of Tell calls and how many of them failed.
func (o *Optimizer) Observed() (total, failed int) {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.observed, o.failed
}

// OptimizeHyperparameters minimizes objective over the box spanned by hypers
// and returns the best parameters in the order of hypers. It evaluates
// config.InitialSamples uniform points, then config.Iterations points chosen
// by the acquisition function, one at a time.
//
//	best := OptimizeHyperparameters(DefaultConfig(),
//	    func(p ...float64) (float64, error) { return train(p[0], p[1]) },
//	    ParameterRange[float64]{Min: 1e-4, Max: 0.1},
//	    ParameterRange[float64]{Min: 0, Max: 1},
//	)
//
// If every evaluation fails the zero value of each parameter is returned.
func OptimizeHyperparameters[T constraints.Integer | constraints.Float](
	config OptimizationConfig,
	objective ObjectiveFunc[T],
	hypers ...ParameterRange[T],
) []T {
	opt := NewOptimizer(config, len(hypers))

	toParams := func(u []float64) []T {
		params := make([]T, len(hypers))
		for i, hyper := range hypers {
			params[i] = hyper.FromUnit(u[i])
		}

		return params
	}

	toFloats := func(params []T) []float64 {
		floats := make([]float64, len(params))
		for i, v := range params {
			floats[i] = float64(v)
		}

		return floats
	}

	// Helper function to send progress updates.
	sendProgress := func(phase string, iteration, total int, current []T, value float64, failed bool) {
		if config.ProgressChan == nil {
			return
		}

		update := ProgressUpdate{
			Phase:            phase,
			CurrentIteration: iteration,
			TotalIterations:  total,
			CurrentParams:    toFloats(current),
			CurrentBestValue: math.Inf(1),
			LastValue:        value,
			LastFailed:       failed,
		}

		if u, best, ok := opt.Best(); ok {
			update.CurrentBestParams = toFloats(toParams(u))
			update.CurrentBestValue = best
		}

		select {
		case config.ProgressChan <- update:
		default:
			// Skip update if channel is full.
		}
	}

	evaluate := func(phase string, iteration, total int) {
		u := opt.Ask()
		params := toParams(u)

		value, err := objective(params...)
		opt.Tell(u, value, err)

		sendProgress(phase, iteration, total, params, value, err != nil)
	}

	// Phase 1: Initial random sampling.
	for i := 0; i < config.InitialSamples; i++ {
		evaluate(PhaseInitialSampling, i+1, config.InitialSamples)
	}

	// Phase 2: Bayesian optimization loop.
	for i := 0; i < config.Iterations; i++ {
		evaluate(PhaseOptimization, i+1, config.Iterations)
	}

	u, _, ok := opt.Best()
	if !ok {
		return make([]T, len(hypers))
	}

	return toParams(u)
}

//////
// Helpers.
//////

// randomPoint draws a uniform point in the unit cube. Caller holds o.mu.
func (o *Optimizer) randomPoint() []float64 {
	x := make([]float64, o.dims)
	for i := range x {
		x[i] = o.rng.Float64()
	}

	return x
}

// failurePenalty ranks a failed evaluation strictly behind every success.
// Caller holds o.mu.
func (o *Optimizer) failurePenalty() float64 {
	if math.IsInf(o.worst, -1) {
		return 1
	}

	return o.worst + math.Max(1, math.Abs(o.worst))
}
