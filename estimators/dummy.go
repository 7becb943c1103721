package estimators

import (
	"context"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/thalesfsp/xtime/datasets"
	"github.com/thalesfsp/xtime/hparams"
	"github.com/thalesfsp/xtime/run"
)

// Dummy ignores the features. Classifiers predict the smoothed class
// frequencies of the train split, regressors predict the train mean.
//
// Hyperparameters: smoothing (additive count per class, default 1).
type Dummy struct{}

// DefaultSpace searches the prior smoothing for classification; regression
// has nothing to search.
func (Dummy) DefaultSpace(task datasets.TaskType) (hparams.Space, error) {
	if task.IsClassification() {
		return hparams.Space{"smoothing": hparams.LogRange{1e-3, 100}}, nil
	}
	return hparams.Space{}, nil
}

// Fit predicts the smoothed class priors, or the train mean for regression.
func (Dummy) Fit(ctx context.Context, cfg hparams.Config, rc *run.Context) (map[string]float64, error) {
	train, err := trainSplit(rc)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	task := rc.Dataset.Metadata.Task
	if !task.Type.IsClassification() {
		mean := stat.Mean(train.Y, nil)
		return evaluate(rc.Dataset, func([]float64) []float64 { return []float64{mean} })
	}

	smoothing := cfg.Float("smoothing", 1)
	priors := make([]float64, task.NumClasses)
	for i := range priors {
		priors[i] = smoothing
	}
	for _, y := range train.Y {
		priors[int(y)]++
	}
	floats.Scale(1/floats.Sum(priors), priors)

	return evaluate(rc.Dataset, func([]float64) []float64 { return priors })
}
