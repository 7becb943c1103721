package tune

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/thalesfsp/xtime/cluster"
	"github.com/thalesfsp/xtime/hparams"
	"github.com/thalesfsp/xtime/metrics"
)

var (
	// ErrConflictingConcurrency is returned when a run caps concurrency with
	// both a ConcurrencyLimiter and MaxConcurrentTrials.
	ErrConflictingConcurrency = errors.New("concurrency limited by both the search algorithm and max concurrent trials")

	// ErrNoSuccessfulTrials is returned when no trial reported the metric.
	ErrNoSuccessfulTrials = errors.New("no successful trials")

	// ErrUnsupportedAcquisition is returned for acquisition names outside
	// ho.Acquisitions.
	ErrUnsupportedAcquisition = errors.New("unsupported acquisition function")
)

// TuneConfig controls what is searched and how.
type TuneConfig struct {
	Metric     string
	Mode       metrics.Mode
	NumSamples int
	SearchAlg  Searcher

	// MaxConcurrentTrials caps live trials at the scheduler level. nil leaves
	// the cap to the search algorithm and the cluster size.
	MaxConcurrentTrials *int

	// Acquisition names the acquisition function of Bayesian searchers.
	// Empty keeps the ho default.
	Acquisition string
}

// Validate checks the configuration before any resource is reserved.
func (c TuneConfig) Validate() error {
	if c.Metric == "" {
		return errors.New("tune config: metric is required")
	}
	if _, err := metrics.ParseMode(string(c.Mode)); err != nil {
		return fmt.Errorf("tune config: %w", err)
	}
	if c.NumSamples < 1 {
		return fmt.Errorf("tune config: num samples must be positive, got %d", c.NumSamples)
	}
	if c.SearchAlg == nil {
		return errors.New("tune config: search algorithm is required")
	}
	if c.Acquisition != "" {
		if _, err := ParseAcquisition(c.Acquisition); err != nil {
			return fmt.Errorf("tune config: %w", err)
		}
	}
	if c.MaxConcurrentTrials != nil {
		if *c.MaxConcurrentTrials < 1 {
			return fmt.Errorf("tune config: max concurrent trials must be positive, got %d", *c.MaxConcurrentTrials)
		}
		if _, limited := c.SearchAlg.(*ConcurrencyLimiter); limited {
			return ErrConflictingConcurrency
		}
	}
	return nil
}

// Callback observes a running search.
type Callback interface {
	// OnTrialComplete is called on the tuner goroutine after each trial ends,
	// successfully or not. finished holds the ended trials in completion
	// order, trial last; callbacks must not retain it across calls.
	OnTrialComplete(ctx context.Context, iteration int, finished []*Trial, trial *Trial)
}

// RunConfig controls where trials write their files.
type RunConfig struct {
	// Name is the experiment directory under LocalDir.
	Name     string
	LocalDir string
	// LogToFile writes each trial's log records to trial.log in its directory.
	LogToFile bool
	Callbacks []Callback
	Logger    *slog.Logger
}

// TrainFunc evaluates one configuration and returns its metrics.
type TrainFunc func(ctx context.Context, cfg hparams.Config) (map[string]float64, error)

// Trainable is a TrainFunc with the resources each of its trials reserves.
type Trainable struct {
	Fn        TrainFunc
	Resources cluster.Resources
}

// NewTrainable reserves one CPU per trial.
func NewTrainable(fn TrainFunc) Trainable {
	return Trainable{Fn: fn, Resources: cluster.Resources{CPU: 1}}
}

// WithParameters binds p as the last argument of fn.
func WithParameters[P any](fn func(context.Context, hparams.Config, P) (map[string]float64, error), p P) Trainable {
	return NewTrainable(func(ctx context.Context, cfg hparams.Config) (map[string]float64, error) {
		return fn(ctx, cfg, p)
	})
}

// WithResources adds r to the per-trial reservation of t.
func WithResources(t Trainable, r cluster.Resources) Trainable {
	t.Resources.CPU += r.CPU
	t.Resources.GPU += r.GPU
	return t
}

type loggerKey struct{}

// Logger returns the trial logger stored in ctx, or slog.Default().
func Logger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}

func withLogger(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, l)
}
