package tune

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/thalesfsp/xtime/hparams"
	"github.com/thalesfsp/xtime/metrics"
)

// TrialStatus is the terminal state of a trial.
type TrialStatus string

const (
	Terminated TrialStatus = "TERMINATED"
	Errored    TrialStatus = "ERROR"
)

// Trial is one evaluation of the objective.
type Trial struct {
	ID      string
	Index   int
	Config  hparams.Config
	Metrics map[string]float64
	Err     error
	Status  TrialStatus
	LogDir  string
	Start   time.Time
	End     time.Time
}

// Failed reports whether the trial errored.
func (t *Trial) Failed() bool {
	return t.Err != nil
}

// ResultGrid holds every launched trial of a search.
type ResultGrid struct {
	Metric string
	Mode   metrics.Mode
	Trials []*Trial
}

func newResultGrid(metric string, mode metrics.Mode, trials []*Trial) *ResultGrid {
	sorted := append([]*Trial(nil), trials...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })
	return &ResultGrid{Metric: metric, Mode: mode, Trials: sorted}
}

// Len returns the number of trials.
func (g *ResultGrid) Len() int {
	return len(g.Trials)
}

// NumErrors returns the number of failed trials.
func (g *ResultGrid) NumErrors() int {
	n := 0
	for _, t := range g.Trials {
		if t.Failed() {
			n++
		}
	}
	return n
}

// Errors returns the errors of failed trials in trial order.
func (g *ResultGrid) Errors() []error {
	var errs []error
	for _, t := range g.Trials {
		if t.Failed() {
			errs = append(errs, t.Err)
		}
	}
	return errs
}

// BestResult returns the successful trial with the best value of the grid's
// metric. Ties go to the earlier trial.
func (g *ResultGrid) BestResult() (*Trial, error) {
	return g.BestResultBy(g.Metric, g.Mode)
}

// BestResultBy ranks successful trials by metric under mode. Trials whose
// value is missing or not finite are not ranked.
func (g *ResultGrid) BestResultBy(metric string, mode metrics.Mode) (*Trial, error) {
	var best *Trial
	bestValue := mode.Worst()
	for _, t := range g.Trials {
		if t.Failed() {
			continue
		}
		v, ok := t.Metrics[metric]
		if !ok || math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		if best == nil || mode.Better(v, bestValue) {
			best, bestValue = t, v
		}
	}
	if best == nil {
		return nil, fmt.Errorf("%w: %d of %d trials failed, none reported %q", ErrNoSuccessfulTrials, g.NumErrors(), g.Len(), metric)
	}
	return best, nil
}
