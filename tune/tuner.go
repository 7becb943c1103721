// Package tune runs hyperparameter searches: a searcher proposes
// configurations, the tuner evaluates them as concurrent trials on the
// cluster, and the results are collected into a ResultGrid.
package tune

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/thalesfsp/xtime/artifacts"
	"github.com/thalesfsp/xtime/cluster"
	"github.com/thalesfsp/xtime/hparams"
)

// Files written into every trial directory.
const (
	ParamsFile = "params.yaml"
	ResultFile = "result.yaml"
	ErrorFile  = "error.txt"
	LogFile    = "trial.log"
)

// Tuner evaluates a trainable over a search space.
type Tuner struct {
	cluster   *cluster.Cluster
	trainable Trainable
	space     hparams.Space
	tune      TuneConfig
	run       RunConfig
	logger    *slog.Logger
}

// NewTuner validates the configuration. No trial runs until Fit.
func NewTuner(c *cluster.Cluster, t Trainable, space hparams.Space, tc TuneConfig, rc RunConfig) (*Tuner, error) {
	if c == nil {
		return nil, errors.New("tuner: cluster is required")
	}
	if t.Fn == nil {
		return nil, errors.New("tuner: trainable is required")
	}
	if err := tc.Validate(); err != nil {
		return nil, err
	}
	total := c.Total()
	if t.Resources.CPU > total.CPU || t.Resources.GPU > total.GPU {
		return nil, fmt.Errorf("%w: each trial needs %d CPU/%d GPU, cluster has %d CPU/%d GPU",
			cluster.ErrInsufficientResources, t.Resources.CPU, t.Resources.GPU, total.CPU, total.GPU)
	}
	if rc.Name == "" {
		rc.Name = "tune"
	}
	logger := rc.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Tuner{cluster: c, trainable: t, space: space, tune: tc, run: rc, logger: logger}, nil
}

// ExperimentDir is the directory trial directories are created in.
func (t *Tuner) ExperimentDir() string {
	return filepath.Join(t.run.LocalDir, t.run.Name)
}

// Fit runs the search to completion. Trial failures are recorded on the
// trials; Fit itself only fails on setup errors, a stalled searcher, or
// cancellation (in which case the grid holds the trials that were launched).
func (t *Tuner) Fit(ctx context.Context) (*ResultGrid, error) {
	if err := t.tune.SearchAlg.SetSearchProperties(t.tune.Metric, t.tune.Mode, t.space); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(t.ExperimentDir(), 0o755); err != nil {
		return nil, err
	}

	maxLive := t.maxLive()
	t.logger.Info("search started",
		"metric", t.tune.Metric, "mode", t.tune.Mode, "num_samples", t.tune.NumSamples, "max_live", maxLive)

	done := make(chan *Trial)
	var (
		trials    []*Trial
		finished  []*Trial
		running   int
		exhausted bool
		iteration int
		fitErr    error
	)

	for {
		for !exhausted && len(trials) < t.tune.NumSamples && running < maxLive && ctx.Err() == nil {
			id := fmt.Sprintf("%05d", len(trials))
			cfg, status := t.tune.SearchAlg.Suggest(id)
			if status == Wait {
				break
			}
			if status == Finished {
				exhausted = true
				break
			}

			trial := &Trial{
				ID:     id,
				Index:  len(trials),
				Config: cfg,
				LogDir: filepath.Join(t.ExperimentDir(), "trial_"+id),
			}
			trials = append(trials, trial)
			running++
			go func() { done <- t.runTrial(ctx, trial) }()
		}

		if running == 0 {
			if ctx.Err() == nil && !exhausted && len(trials) < t.tune.NumSamples {
				fitErr = errors.New("search algorithm suggested nothing while no trial was running")
			}
			break
		}

		trial := <-done
		running--
		iteration++
		finished = append(finished, trial)

		t.tune.SearchAlg.OnTrialComplete(trial.ID, trial.Metrics, trial.Err)
		for _, cb := range t.run.Callbacks {
			cb.OnTrialComplete(ctx, iteration, finished, trial)
		}
	}

	if fitErr == nil && ctx.Err() != nil {
		fitErr = fmt.Errorf("search interrupted after %d trials: %w", len(trials), ctx.Err())
	}

	grid := newResultGrid(t.tune.Metric, t.tune.Mode, trials)
	t.logger.Info("search finished", "trials", grid.Len(), "failed", grid.NumErrors())
	return grid, fitErr
}

// maxLive is the scheduler-level concurrency cap: the cluster capacity for
// one trial's reservation, further capped by MaxConcurrentTrials.
func (t *Tuner) maxLive() int {
	total := t.cluster.Total()
	n := total.CPU
	if r := t.trainable.Resources.CPU; r > 0 {
		n = total.CPU / r
	}
	if r := t.trainable.Resources.GPU; r > 0 && total.GPU/r < n {
		n = total.GPU / r
	}
	if m := t.tune.MaxConcurrentTrials; m != nil && *m < n {
		n = *m
	}
	if n < 1 {
		n = 1
	}
	return n
}

func (t *Tuner) runTrial(ctx context.Context, trial *Trial) *Trial {
	trial.Start = time.Now()
	defer func() {
		trial.End = time.Now()
		trial.Status = Terminated
		if trial.Err != nil {
			trial.Status = Errored
			trial.Metrics = nil
		}
		t.finishTrial(trial)
	}()

	if err := os.MkdirAll(trial.LogDir, 0o755); err != nil {
		trial.Err = err
		return trial
	}
	if err := artifacts.SaveYAML(artifacts.Encode(trial.Config), filepath.Join(trial.LogDir, ParamsFile)); err != nil {
		trial.Err = err
		return trial
	}

	logger := t.logger.With("trial", trial.ID)
	if t.run.LogToFile {
		f, err := os.Create(filepath.Join(trial.LogDir, LogFile))
		if err != nil {
			trial.Err = err
			return trial
		}
		defer f.Close()
		logger = slog.New(slog.NewTextHandler(f, &slog.HandlerOptions{Level: slog.LevelDebug})).With("trial", trial.ID)
	}

	release, err := t.cluster.Acquire(ctx, t.trainable.Resources)
	if err != nil {
		trial.Err = fmt.Errorf("reserve resources: %w", err)
		return trial
	}
	defer release()

	logger.Debug("trial started", "config", trial.Config)
	trial.Metrics, trial.Err = t.call(withLogger(ctx, logger), trial.Config)
	if trial.Err == nil {
		if v, ok := trial.Metrics[t.tune.Metric]; !ok {
			trial.Err = fmt.Errorf("metric %q not reported", t.tune.Metric)
		} else if math.IsNaN(v) || math.IsInf(v, 0) {
			trial.Err = fmt.Errorf("metric %q is not finite: %v", t.tune.Metric, v)
		}
	}
	logger.Debug("trial finished", "err", trial.Err, "metrics", trial.Metrics)
	return trial
}

// call runs the trainable, turning panics into errors.
func (t *Tuner) call(ctx context.Context, cfg hparams.Config) (m map[string]float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("trial panicked: %v\n%s", r, debug.Stack())
		}
	}()
	return t.trainable.Fn(ctx, cfg)
}

func (t *Tuner) finishTrial(trial *Trial) {
	if trial.Err != nil {
		t.logger.Warn("trial failed", "trial", trial.ID, "err", trial.Err)
		if err := os.WriteFile(filepath.Join(trial.LogDir, ErrorFile), []byte(trial.Err.Error()+"\n"), 0o644); err != nil {
			t.logger.Error("write trial error", "trial", trial.ID, "err", err)
		}
		return
	}
	t.logger.Info("trial completed", "trial", trial.ID, t.tune.Metric, trial.Metrics[t.tune.Metric])
	if err := artifacts.SaveYAML(trial.Metrics, filepath.Join(trial.LogDir, ResultFile)); err != nil {
		t.logger.Error("write trial result", "trial", trial.ID, "err", err)
	}
}
