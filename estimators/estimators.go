// Package estimators holds the models a search can tune. An estimator fits
// itself on the train split of the run dataset and reports every metric the
// metric registry lists for the dataset task.
package estimators

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/thalesfsp/xtime/datasets"
	"github.com/thalesfsp/xtime/hparams"
	"github.com/thalesfsp/xtime/metrics"
	"github.com/thalesfsp/xtime/run"
)

// ErrUnknownEstimator is returned by Get for unregistered names.
var ErrUnknownEstimator = errors.New("unknown estimator")

// Estimator trains one model configuration.
type Estimator interface {
	// Fit trains with cfg on rc.Dataset and returns the metrics of the fitted model.
	Fit(ctx context.Context, cfg hparams.Config, rc *run.Context) (map[string]float64, error)

	// DefaultSpace is the search space used by "auto:default" sources.
	DefaultSpace(task datasets.TaskType) (hparams.Space, error)
}

var (
	mu       sync.RWMutex
	registry = map[string]Estimator{}
)

func init() {
	Register("dummy", Dummy{})
	Register("logistic", Logistic{})
}

// Register makes an estimator available by name, replacing any previous one.
func Register(name string, e Estimator) {
	mu.Lock()
	defer mu.Unlock()
	registry[name] = e
}

// Get returns the named estimator.
func Get(name string) (Estimator, error) {
	mu.RLock()
	defer mu.RUnlock()

	e, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEstimator, name)
	}
	return e, nil
}

// Names lists registered estimators.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AutoSpace resolves "auto:default:model=<name>[;task=<task>]" sources.
// defaultTask is used when the source names no task.
func AutoSpace(defaultTask datasets.TaskType) func(string, map[string]string) (hparams.Space, error) {
	return func(name string, params map[string]string) (hparams.Space, error) {
		if name != "default" {
			return nil, fmt.Errorf("unknown auto space %q", name)
		}
		e, err := Get(params["model"])
		if err != nil {
			return nil, err
		}
		task := defaultTask
		if t, ok := params["task"]; ok {
			if task, err = datasets.ParseTaskType(t); err != nil {
				return nil, err
			}
		}
		return e.DefaultSpace(task)
	}
}

// predictor returns class probabilities (classification) or a one-element
// prediction (regression) for a feature vector.
type predictor func(x []float64) []float64

// evaluate computes the task metrics of predict on every split of ds plus the
// "dataset" union.
func evaluate(ds *datasets.Dataset, predict predictor) (map[string]float64, error) {
	task := ds.Metadata.Task.Type
	out := map[string]float64{}

	subsets := map[string]*datasets.Split{"dataset": ds.All()}
	for name, s := range ds.Splits {
		subsets[string(name)] = s
	}

	for prefix, s := range subsets {
		if s.Len() == 0 {
			continue
		}

		preds := make([][]float64, s.Len())
		for i, x := range s.X {
			preds[i] = predict(x)
		}

		var (
			m   map[string]float64
			err error
		)
		if task.IsClassification() {
			m, err = metrics.Classification(prefix, s.Y, preds)
		} else {
			flat := make([]float64, len(preds))
			for i, p := range preds {
				flat[i] = p[0]
			}
			m, err = metrics.Regression(prefix, s.Y, flat)
		}
		if err != nil {
			return nil, err
		}
		for k, v := range m {
			out[k] = v
		}
	}
	return out, nil
}

func trainSplit(rc *run.Context) (*datasets.Split, error) {
	if rc == nil || rc.Dataset == nil {
		return nil, errors.New("run context has no dataset")
	}
	train := rc.Dataset.Split(datasets.Train)
	if train.Len() == 0 {
		return nil, errors.New("dataset has no train rows")
	}
	return train, nil
}
