package ho

import (
	"errors"
	"math"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Sample objective with a minimum at (30, 2).
func testFuncInt(bufferSize int, multiplier int) (float64, error) {
	d1 := float64(bufferSize-30) / 100
	d2 := float64(multiplier - 2)

	return d1*d1 + d2*d2, nil
}

func testFuncFloat(learningRate float64, momentum float64) (float64, error) {
	d1 := learningRate - 0.3
	d2 := momentum - 0.7

	return d1*d1 + d2*d2, nil
}

func testConfig(seed int64) OptimizationConfig {
	config := DefaultConfig()
	config.Seed = seed
	config.InitialSamples = 5
	config.Iterations = 15

	return config
}

func TestOptimizeInt(t *testing.T) {
	// Hyperparameter ranges
	ranges := []ParameterRange[int]{
		{Min: 1, Max: 100},
		{Min: 1, Max: 3},
	}

	best := OptimizeHyperparameters(
		testConfig(1),
		func(params ...int) (float64, error) {
			return testFuncInt(params[0], params[1])
		},
		ranges...,
	)

	require.Len(t, best, 2)

	for i, r := range ranges {
		assert.GreaterOrEqual(t, best[i], r.Min)
		assert.LessOrEqual(t, best[i], r.Max)
	}
}

func TestOptimizeFloatImprovesOnFirstSample(t *testing.T) {
	config := testConfig(7)

	progressChan := make(chan ProgressUpdate, config.InitialSamples+config.Iterations)
	config.ProgressChan = progressChan

	ranges := []ParameterRange[float64]{
		{Min: 0, Max: 1},
		{Min: 0, Max: 1},
	}

	best := OptimizeHyperparameters(
		config,
		func(params ...float64) (float64, error) {
			return testFuncFloat(params[0], params[1])
		},
		ranges...,
	)
	close(progressChan)

	require.Len(t, best, 2)

	var updates []ProgressUpdate
	for update := range progressChan {
		updates = append(updates, update)
	}

	require.Len(t, updates, config.InitialSamples+config.Iterations)
	assert.Equal(t, PhaseInitialSampling, updates[0].Phase)
	assert.Equal(t, PhaseOptimization, updates[len(updates)-1].Phase)

	bestValue, _ := testFuncFloat(best[0], best[1])
	assert.LessOrEqual(t, bestValue, updates[0].LastValue)
	assert.InDelta(t, updates[len(updates)-1].CurrentBestValue, bestValue, 1e-12)
}

func TestOptimizeProgressChannel(t *testing.T) {
	config := testConfig(3)
	config.InitialSamples = 3
	config.Iterations = 5

	progressChan := make(chan ProgressUpdate, config.InitialSamples+config.Iterations)
	defer close(progressChan)

	config.ProgressChan = progressChan

	var counter int32

	done := make(chan struct{})

	go func() {
		defer close(done)

		for i := 0; i < config.InitialSamples+config.Iterations; i++ {
			update := <-progressChan
			atomic.AddInt32(&counter, int32(update.CurrentIteration))
		}
	}()

	OptimizeHyperparameters(
		config,
		func(params ...int) (float64, error) {
			return testFuncInt(params[0], params[1])
		},
		ParameterRange[int]{Min: 1024, Max: 1048576},
		ParameterRange[int]{Min: 1, Max: 32},
	)

	<-done

	// 1+2+3 for initial sampling, 1+..+5 for optimization.
	assert.Equal(t, int32(21), atomic.LoadInt32(&counter))
}

func TestOptimizerIsReproducible(t *testing.T) {
	run := func() [][]float64 {
		opt := NewOptimizer(testConfig(42), 3)

		var points [][]float64

		for i := 0; i < 12; i++ {
			u := opt.Ask()
			points = append(points, u)
			opt.Tell(u, u[0]+u[1]*u[2], nil)
		}

		return points
	}

	assert.Equal(t, run(), run())
}

func TestOptimizerPointsInUnitCube(t *testing.T) {
	opt := NewOptimizer(testConfig(5), 4)

	for i := 0; i < 20; i++ {
		u := opt.Ask()
		require.Len(t, u, 4)

		for _, v := range u {
			assert.GreaterOrEqual(t, v, 0.0)
			assert.Less(t, v, 1.0)
		}

		opt.Tell(u, float64(i), nil)
	}
}

func TestOptimizerFailuresNeverBest(t *testing.T) {
	opt := NewOptimizer(testConfig(9), 1)

	_, _, ok := opt.Best()
	assert.False(t, ok)

	failing := errors.New("boom")

	u1 := opt.Ask()
	opt.Tell(u1, -100, failing)

	_, _, ok = opt.Best()
	assert.False(t, ok, "a failed evaluation must not become the best point")

	u2 := opt.Ask()
	opt.Tell(u2, 5, nil)

	u3 := opt.Ask()
	opt.Tell(u3, math.NaN(), nil)

	best, value, ok := opt.Best()
	require.True(t, ok)
	assert.Equal(t, u2, best)
	assert.Equal(t, 5.0, value)

	total, failed := opt.Observed()
	assert.Equal(t, 3, total)
	assert.Equal(t, 2, failed)
}

func TestOptimizeAllFailuresReturnsZeroValues(t *testing.T) {
	config := testConfig(11)
	config.InitialSamples = 2
	config.Iterations = 2

	best := OptimizeHyperparameters(
		config,
		func(params ...float64) (float64, error) {
			return 0, errors.New("always fails")
		},
		ParameterRange[float64]{Min: 1, Max: 2},
	)

	assert.Equal(t, []float64{0}, best)
}

func TestParameterRangeFromUnit(t *testing.T) {
	ints := ParameterRange[int]{Min: 1, Max: 3}
	assert.Equal(t, 1, ints.FromUnit(0))
	assert.Equal(t, 2, ints.FromUnit(0.5))
	assert.Equal(t, 3, ints.FromUnit(0.999))

	floats := ParameterRange[float64]{Min: -1, Max: 1}
	assert.InDelta(t, 0.0, floats.FromUnit(0.5), 1e-12)
}

func TestGaussianProcess(t *testing.T) {
	gp := newGaussianProcess()

	mean, variance := gp.Predict([]float64{0.5})
	assert.Equal(t, 0.0, mean)
	assert.Equal(t, 1.0, variance)

	gp.Update([]float64{0.5}, 2)
	gp.Update([]float64{0.5}, 4)

	// Repeated points average out and leave almost no uncertainty.
	mean, variance = gp.Predict([]float64{0.5})
	assert.InDelta(t, 3.0, mean, 1e-6)
	assert.Less(t, variance, 1e-5)

	// Far away the posterior is the prior on the standardized values.
	mean, far := gp.Predict([]float64{100})
	assert.InDelta(t, 3.0, mean, 1e-9)
	assert.InDelta(t, 2.0, far, 1e-9)

	assert.Equal(t, 2, gp.Len())
	assert.InDelta(t, 1.0, gp.RBFKernel([]float64{1, 2}, []float64{1, 2}), 1e-12)
	assert.Panics(t, func() { gp.RBFKernel([]float64{1}, []float64{1, 2}) })
}

func TestGaussianProcessInterpolates(t *testing.T) {
	gp := newGaussianProcess()
	gp.SetSigma(0.2)
	assert.Equal(t, 0.2, gp.GetSigma())

	xs := []float64{0.1, 0.4, 0.7, 0.9}
	for _, x := range xs {
		gp.Update([]float64{x}, math.Sin(6*x))
	}

	for _, x := range xs {
		mean, variance := gp.Predict([]float64{x})
		assert.InDelta(t, math.Sin(6*x), mean, 1e-3, "x=%v", x)
		assert.Less(t, variance, 1e-3, "x=%v", x)
	}

	_, between := gp.Predict([]float64{0.25})
	_, outside := gp.Predict([]float64{0.0})
	_, onPoint := gp.Predict([]float64{0.4})
	assert.Greater(t, between, onPoint)
	assert.Greater(t, outside, onPoint)
}

func TestAcquisitionFunctionsPreferLowerMean(t *testing.T) {
	params := DefaultConfig().AcqParams
	params.BestSoFar = 1.0

	for name, fn := range Acquisitions {
		if name == "thompson" {
			continue
		}
		low := fn(0.5, 0.1, params)
		high := fn(2.0, 0.1, params)
		assert.Less(t, low, high, name)
	}
}
