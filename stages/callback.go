package stages

import (
	"context"
	"log/slog"
	"math"

	"github.com/thalesfsp/xtime/metrics"
	"github.com/thalesfsp/xtime/tracking"
	"github.com/thalesfsp/xtime/tune"
)

// TrackingCallback logs search progress to a tracking run: after every trial
// the best value of the primary metric so far and the completed and failed
// trial counts, at step = number of completed trials. Non-finite values never
// become the best.
type TrackingCallback struct {
	store  *tracking.Store
	runID  string
	metric string
	mode   metrics.Mode
	logger *slog.Logger

	best    float64
	hasBest bool
	failed  int
}

// NewTrackingCallback returns a callback logging to runID.
func NewTrackingCallback(store *tracking.Store, runID, metric string, mode metrics.Mode, logger *slog.Logger) *TrackingCallback {
	if logger == nil {
		logger = slog.Default()
	}
	return &TrackingCallback{store: store, runID: runID, metric: metric, mode: mode, logger: logger, best: mode.Worst()}
}

// OnTrialComplete records trial and writes the progress metrics. Progress is
// still written after ctx is cancelled so interrupted runs show their last
// completed trials.
func (c *TrackingCallback) OnTrialComplete(ctx context.Context, iteration int, _ []*tune.Trial, trial *tune.Trial) {
	v, ok := trial.Metrics[c.metric]
	switch {
	case trial.Failed():
		c.failed++
	case !ok || math.IsNaN(v) || math.IsInf(v, 0):
	case !c.hasBest || c.mode.Better(v, c.best):
		c.best, c.hasBest = v, true
		c.logger.Info("new best trial", "trial", trial.ID, c.metric, v)
	}

	values := map[string]float64{
		"trials_completed": float64(iteration),
		"trials_failed":    float64(c.failed),
	}
	if c.hasBest {
		values[c.metric] = c.best
	}
	if err := c.store.LogMetrics(context.WithoutCancel(ctx), c.runID, values, int64(iteration)); err != nil {
		c.logger.Warn("log search progress", "err", err)
	}
}

// Best returns the best primary metric value seen so far.
func (c *TrackingCallback) Best() (float64, bool) {
	return c.best, c.hasBest
}
