package ho

import (
	"math"
	"sync"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

//////
// Const, vars, types.
//////

const (
	// minVariance is the smallest variance Predict returns.
	minVariance = 1e-12

	// jitter is added to the kernel diagonal so repeated points keep it
	// positive definite. It grows tenfold per failed factorization.
	jitter     = 1e-6
	maxJitters = 6
)

// gaussianProcess is a zero-mean GP regression on standardized observations
// with an RBF kernel. The posterior is refit on every Update, so Predict only
// solves against the cached Cholesky factor.
type gaussianProcess struct {
	mu sync.RWMutex

	// X holds the observed points of the unit cube, Y their values.
	X [][]float64
	Y []float64

	// sigma is the kernel width. Larger values interpolate more smoothly.
	sigma float64

	// Posterior state derived from X, Y and sigma.
	yMean, yScale float64
	chol          *mat.Cholesky
	alpha         *mat.VecDense
}

//////
// Methods.
//////

// RBFKernel returns exp(-|x1-x2|^2 / (2 sigma^2)). It panics if the vectors
// differ in length.
func (gp *gaussianProcess) RBFKernel(x1, x2 []float64) float64 {
	gp.mu.RLock()
	sigma := gp.sigma
	gp.mu.RUnlock()

	return rbf(x1, x2, sigma)
}

// Predict returns the posterior mean and variance at x, in the units of the
// observations. Without observations it returns the prior (0, 1); far from
// every observation the mean reverts to the observed average.
func (gp *gaussianProcess) Predict(x []float64) (mean, variance float64) {
	gp.mu.RLock()
	defer gp.mu.RUnlock()

	if len(gp.X) == 0 || gp.chol == nil {
		return 0, 1
	}

	kStar := mat.NewVecDense(len(gp.X), nil)
	for i, xi := range gp.X {
		kStar.SetVec(i, rbf(x, xi, gp.sigma))
	}

	mean = gp.yMean + gp.yScale*mat.Dot(kStar, gp.alpha)

	var v mat.VecDense
	if err := gp.chol.SolveVecTo(&v, kStar); err != nil {
		return mean, gp.yScale * gp.yScale
	}
	variance = gp.yScale * gp.yScale * (1 - mat.Dot(kStar, &v))

	return mean, math.Max(variance, minVariance)
}

// Update adds an observation and refits the posterior. x is copied.
func (gp *gaussianProcess) Update(x []float64, y float64) {
	gp.mu.Lock()
	defer gp.mu.Unlock()

	gp.X = append(gp.X, append([]float64(nil), x...))
	gp.Y = append(gp.Y, y)
	gp.fit()
}

// SetSigma changes the kernel width and refits the posterior.
func (gp *gaussianProcess) SetSigma(sigma float64) {
	gp.mu.Lock()
	defer gp.mu.Unlock()

	gp.sigma = sigma
	gp.fit()
}

// GetSigma returns the kernel width.
func (gp *gaussianProcess) GetSigma() float64 {
	gp.mu.RLock()
	defer gp.mu.RUnlock()

	return gp.sigma
}

// Len returns the number of observations.
func (gp *gaussianProcess) Len() int {
	gp.mu.RLock()
	defer gp.mu.RUnlock()

	return len(gp.X)
}

// fit recomputes the posterior. Callers hold the write lock.
func (gp *gaussianProcess) fit() {
	n := len(gp.X)
	gp.chol, gp.alpha = nil, nil
	if n == 0 {
		return
	}

	gp.yMean, gp.yScale = stat.MeanStdDev(gp.Y, nil)
	if n < 2 || gp.yScale == 0 || math.IsNaN(gp.yScale) {
		gp.yScale = 1
	}

	z := make([]float64, n)
	for i, y := range gp.Y {
		z[i] = (y - gp.yMean) / gp.yScale
	}

	noise := jitter
	for attempt := 0; attempt < maxJitters; attempt++ {
		k := mat.NewSymDense(n, nil)
		for i := 0; i < n; i++ {
			for j := i; j < n; j++ {
				k.SetSym(i, j, rbf(gp.X[i], gp.X[j], gp.sigma))
			}
			k.SetSym(i, i, 1+noise)
		}

		var chol mat.Cholesky
		if chol.Factorize(k) {
			alpha := mat.NewVecDense(n, nil)
			if err := chol.SolveVecTo(alpha, mat.NewVecDense(n, z)); err == nil {
				gp.chol, gp.alpha = &chol, alpha
				return
			}
		}
		noise *= 10
	}
}

//////
// Factory.
//////

// newGaussianProcess returns an empty model with sigma = 1.
func newGaussianProcess() *gaussianProcess {
	return &gaussianProcess{sigma: 1.0, yScale: 1}
}

func rbf(x1, x2 []float64, sigma float64) float64 {
	if len(x1) != len(x2) {
		panic("input vectors must have the same length")
	}

	d := floats.Distance(x1, x2, 2)

	return math.Exp(-d * d / (2 * sigma * sigma))
}
