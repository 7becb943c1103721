package estimators

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/thalesfsp/xtime/datasets"
	"github.com/thalesfsp/xtime/hparams"
	"github.com/thalesfsp/xtime/run"
)

// ErrDiverged is returned when training produces non-finite weights.
var ErrDiverged = errors.New("training diverged")

// Logistic is multinomial logistic regression trained with mini-batch SGD on
// standardized features.
//
// Hyperparameters: learning_rate (0.1), epochs (10), l2 (0), batch_size (32), seed (0).
type Logistic struct{}

// DefaultSpace searches the SGD schedule and L2 strength. Only
// classification tasks are supported.
func (Logistic) DefaultSpace(task datasets.TaskType) (hparams.Space, error) {
	if !task.IsClassification() {
		return nil, fmt.Errorf("logistic does not support %s", task)
	}
	return hparams.Space{
		"learning_rate": hparams.LogRange{1e-3, 1},
		"epochs":        hparams.IntRange{5, 50},
		"l2":            hparams.LogRange{1e-6, 1e-1},
		"batch_size":    hparams.Choice{16, 32, 64, 128},
	}, nil
}

// Fit trains on the train split and reports every metric of the task.
func (Logistic) Fit(ctx context.Context, cfg hparams.Config, rc *run.Context) (map[string]float64, error) {
	train, err := trainSplit(rc)
	if err != nil {
		return nil, err
	}
	task := rc.Dataset.Metadata.Task
	if !task.Type.IsClassification() {
		return nil, fmt.Errorf("logistic does not support %s", task.Type)
	}

	var (
		lr        = cfg.Float("learning_rate", 0.1)
		epochs    = cfg.Int("epochs", 10)
		l2        = cfg.Float("l2", 0)
		batchSize = cfg.Int("batch_size", 32)
		rng       = rand.New(rand.NewSource(int64(cfg.Int("seed", 0))))
	)
	if lr <= 0 || epochs < 1 || batchSize < 1 || l2 < 0 {
		return nil, fmt.Errorf("invalid hyperparameters: learning_rate=%v epochs=%d batch_size=%d l2=%v", lr, epochs, batchSize, l2)
	}

	scale := newScaler(train.X)
	k, d := task.NumClasses, len(train.X[0])

	// w[c] holds the weights of class c followed by its bias.
	w := make([][]float64, k)
	grad := make([][]float64, k)
	for c := range w {
		w[c] = make([]float64, d+1)
		grad[c] = make([]float64, d+1)
	}

	xs := make([][]float64, len(train.X))
	for i, x := range train.X {
		xs[i] = scale.apply(x)
	}

	order := rng.Perm(len(xs))
	proba := make([]float64, k)

	for epoch := 0; epoch < epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })

		for start := 0; start < len(order); start += batchSize {
			end := min(start+batchSize, len(order))
			for c := range grad {
				floats.Scale(0, grad[c])
			}

			for _, i := range order[start:end] {
				softmax(w, xs[i], proba)
				proba[int(train.Y[i])] -= 1
				for c := range grad {
					floats.AddScaled(grad[c][:d], proba[c], xs[i])
					grad[c][d] += proba[c]
				}
			}

			step := lr / float64(end-start)
			for c := range w {
				floats.AddScaled(w[c][:d], -lr*l2, w[c][:d])
				floats.AddScaled(w[c], -step, grad[c])
			}
		}

		for c := range w {
			if math.IsNaN(floats.Sum(w[c])) || math.IsInf(floats.Sum(w[c]), 0) {
				return nil, fmt.Errorf("%w at epoch %d (learning_rate=%v)", ErrDiverged, epoch, lr)
			}
		}
	}

	return evaluate(rc.Dataset, func(x []float64) []float64 {
		p := make([]float64, k)
		softmax(w, scale.apply(x), p)
		return p
	})
}

// softmax writes the class probabilities of x into out.
func softmax(w [][]float64, x []float64, out []float64) {
	d := len(x)
	for c := range w {
		out[c] = floats.Dot(w[c][:d], x) + w[c][d]
	}
	lse := floats.LogSumExp(out)
	for c := range out {
		out[c] = math.Exp(out[c] - lse)
	}
}

// scaler standardizes columns with train statistics. Constant columns are
// only centered.
type scaler struct {
	mean, std []float64
}

func newScaler(x [][]float64) scaler {
	d := len(x[0])
	s := scaler{mean: make([]float64, d), std: make([]float64, d)}
	col := make([]float64, len(x))
	for j := 0; j < d; j++ {
		for i, row := range x {
			col[i] = row[j]
		}
		s.mean[j], s.std[j] = stat.MeanStdDev(col, nil)
		if s.std[j] == 0 || math.IsNaN(s.std[j]) {
			s.std[j] = 1
		}
	}
	return s
}

func (s scaler) apply(x []float64) []float64 {
	out := make([]float64, len(x))
	floats.SubTo(out, x, s.mean)
	floats.Div(out, s.std)
	return out
}
