// Package metrics holds the task-type metric registry and computes the
// metrics estimators report.
package metrics

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/thalesfsp/xtime/datasets"
)

// Mode is the optimization direction of a metric.
type Mode string

const (
	Min Mode = "min"
	Max Mode = "max"
)

// Better reports whether a is strictly better than b under m.
func (m Mode) Better(a, b float64) bool {
	if m == Max {
		return a > b
	}
	return a < b
}

// Worst returns the value every real metric value beats.
func (m Mode) Worst() float64 {
	if m == Max {
		return math.Inf(-1)
	}
	return math.Inf(1)
}

// ParseMode converts "min" or "max".
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case Min, Max:
		return Mode(s), nil
	}
	return "", fmt.Errorf("unknown metric mode %q", s)
}

// Prefixes are the subsets every metric is computed on. "dataset" is all
// splits together.
var Prefixes = []string{"dataset", string(datasets.Train), string(datasets.Valid), string(datasets.Test)}

type entry struct {
	suffixes []string
	primary  string
	mode     Mode
}

var registry = map[datasets.TaskType]entry{
	datasets.BinaryClassification:     {suffixes: []string{"accuracy", "loss"}, primary: "valid_loss", mode: Min},
	datasets.MultiClassClassification: {suffixes: []string{"accuracy", "loss"}, primary: "valid_loss", mode: Min},
	datasets.Regression:               {suffixes: []string{"mse"}, primary: "valid_mse", mode: Min},
}

// Names returns every metric name reported for task, ordered by prefix then
// suffix.
func Names(task datasets.TaskType) []string {
	e, ok := registry[task]
	if !ok {
		return nil
	}
	names := make([]string, 0, len(Prefixes)*len(e.suffixes))
	for _, p := range Prefixes {
		for _, s := range e.suffixes {
			names = append(names, p+"_"+s)
		}
	}
	return names
}

// Primary returns the metric trials are ranked by and its direction.
func Primary(task datasets.TaskType) (string, Mode, error) {
	e, ok := registry[task]
	if !ok {
		return "", "", fmt.Errorf("no metrics registered for task %q", task)
	}
	return e.primary, e.mode, nil
}

// epsilon clips probabilities in log loss.
const epsilon = 1e-15

// Classification computes "<prefix>_accuracy" and "<prefix>_loss" (mean log
// loss) from class labels and per-row class probabilities.
func Classification(prefix string, y []float64, proba [][]float64) (map[string]float64, error) {
	if len(y) != len(proba) {
		return nil, fmt.Errorf("%s: %d labels, %d predictions", prefix, len(y), len(proba))
	}
	if len(y) == 0 {
		return nil, fmt.Errorf("%s: no rows", prefix)
	}

	correct := make([]float64, len(y))
	losses := make([]float64, len(y))
	for i, p := range proba {
		label := int(y[i])
		if label < 0 || label >= len(p) {
			return nil, fmt.Errorf("%s: label %v outside %d classes", prefix, y[i], len(p))
		}
		if floats.MaxIdx(p) == label {
			correct[i] = 1
		}
		losses[i] = -math.Log(math.Min(math.Max(p[label], epsilon), 1-epsilon))
	}

	return map[string]float64{
		prefix + "_accuracy": stat.Mean(correct, nil),
		prefix + "_loss":     stat.Mean(losses, nil),
	}, nil
}

// Regression computes "<prefix>_mse".
func Regression(prefix string, y, pred []float64) (map[string]float64, error) {
	if len(y) != len(pred) {
		return nil, fmt.Errorf("%s: %d labels, %d predictions", prefix, len(y), len(pred))
	}
	if len(y) == 0 {
		return nil, fmt.Errorf("%s: no rows", prefix)
	}

	diff := make([]float64, len(y))
	floats.SubTo(diff, y, pred)
	floats.Mul(diff, diff)
	return map[string]float64{prefix + "_mse": stat.Mean(diff, nil)}, nil
}
