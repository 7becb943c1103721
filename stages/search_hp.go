// Package stages implements the top-level experiment stages. SearchHP runs a
// hyperparameter search for one model on one dataset and records it as a
// tracking run.
package stages

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"path/filepath"
	"strconv"

	"github.com/thalesfsp/xtime/artifacts"
	"github.com/thalesfsp/xtime/cluster"
	"github.com/thalesfsp/xtime/datasets"
	"github.com/thalesfsp/xtime/estimators"
	"github.com/thalesfsp/xtime/hparams"
	"github.com/thalesfsp/xtime/metrics"
	"github.com/thalesfsp/xtime/run"
	"github.com/thalesfsp/xtime/tracking"
	"github.com/thalesfsp/xtime/tune"
)

// Run artifact file names.
const (
	RunInputsFile = "run_inputs.yaml"
	SummaryFile   = "summary.yaml"

	// TuneDir is the directory under the run artifacts holding trial directories.
	TuneDir = "tune"
)

// Run status tag values.
const (
	StatusTag                = "status"
	StatusCompleted          = "COMPLETED"
	StatusFailed             = "FAILED"
	StatusPartiallyCompleted = "PARTIALLY_COMPLETED"
)

// Inputs are the arguments of a search.
type Inputs struct {
	Dataset   string   `yaml:"dataset"`
	Model     string   `yaml:"model"`
	Algorithm string   `yaml:"algorithm"`
	HParams   []string `yaml:"hparams"`
	NumTrials int      `yaml:"num_trials"`
	GPU       bool     `yaml:"gpu"`

	// Acquisition selects the acquisition function of hyperopt searches.
	Acquisition string `yaml:"acquisition,omitempty"`

	// Command is the run description, usually the command line.
	Command string `yaml:"-"`
}

// BestTrial is the content of best_trial.yaml.
type BestTrial struct {
	RelativePath        string             `yaml:"relative_path"`
	LocalPath           string             `yaml:"local_path"`
	Config              any                `yaml:"config"`
	Metrics             map[string]float64 `yaml:"metrics"`
	NumFailedTrials     int                `yaml:"num_failed_trials"`
	NumSuccessfulTrials int                `yaml:"num_successful_trials"`
	RunURI              string             `yaml:"run_uri"`
	TrialURI            string             `yaml:"trial_uri"`
}

// StatusFor returns the status tag of a search with failed of total trials
// failed.
func StatusFor(failed, total int) string {
	switch {
	case failed == 0:
		return StatusCompleted
	case failed == total:
		return StatusFailed
	default:
		return StatusPartiallyCompleted
	}
}

// ResolveTags merges the params source extra ("k=v;...") into base. An empty
// extra returns a copy of base.
func ResolveTags(ctx context.Context, base map[string]string, extra string, resolver hparams.Resolver) (map[string]string, error) {
	tags := make(map[string]string, len(base))
	for k, v := range base {
		tags[k] = v
	}
	if extra == "" {
		return tags, nil
	}
	space, err := resolver.Resolve(ctx, hparams.SchemeParams+extra)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", EnvTags, err)
	}
	for k, v := range space.Strings() {
		tags[k] = v
	}
	return tags, nil
}

// SearchHP searches hyperparameters of in.Model on in.Dataset and returns the
// locator of the tracking run. Trial failures do not fail the search; if every
// trial fails the run ends FAILED and the error wraps tune.ErrNoSuccessfulTrials.
// Once the run exists its locator is returned even with an error.
func SearchHP(ctx context.Context, in Inputs, cfg Config) (string, error) {
	algorithm, err := tune.ParseAlgorithm(in.Algorithm)
	if err != nil {
		return "", err
	}
	if in.Acquisition != "" {
		if _, err := tune.ParseAcquisition(in.Acquisition); err != nil {
			return "", err
		}
	}
	if in.NumTrials < 1 {
		return "", fmt.Errorf("number of trials must be positive, got %d", in.NumTrials)
	}
	if in.GPU && cfg.NumGPUs < 1 {
		return "", fmt.Errorf("%w: trials need a GPU and none is visible", cluster.ErrInsufficientResources)
	}
	estimator, err := estimators.Get(in.Model)
	if err != nil {
		return "", err
	}
	if len(in.HParams) == 0 {
		in.HParams = []string{"auto:default:model=" + in.Model}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var locator string
	err = cluster.With(ctx, cluster.Config{NumCPUs: cfg.NumCPUs, NumGPUs: cfg.NumGPUs, Logger: logger},
		func(ctx context.Context, cl *cluster.Cluster) error {
			store, err := tracking.Open(cfg.TrackingRoot)
			if err != nil {
				return err
			}
			defer store.Close()

			experimentID, err := store.CreateExperiment(ctx, cfg.ExperimentName)
			if err != nil {
				return err
			}
			r, err := store.StartRun(ctx, experimentID, in.Command)
			if err != nil {
				return err
			}
			locator = tracking.RunURI(r.ID)
			logger.Info("search run started", "run", locator, "dataset", in.Dataset, "model", in.Model, "algorithm", algorithm)

			s := &search{in: in, cfg: cfg, algorithm: algorithm, estimator: estimator,
				cluster: cl, store: store, runID: r.ID, logger: logger.With("run", r.ID)}
			if err := s.run(ctx); err != nil {
				if endErr := store.EndRun(context.WithoutCancel(ctx), r.ID, tracking.Failed); endErr != nil {
					logger.Error("end run", "run", locator, "err", endErr)
				}
				return err
			}
			if err := store.EndRun(ctx, r.ID, tracking.Finished); err != nil {
				return err
			}
			logger.Info("search run finished", "run", locator)
			return nil
		})
	return locator, err
}

// search is one SearchHP invocation after its tracking run exists.
type search struct {
	in        Inputs
	cfg       Config
	algorithm tune.Algorithm
	estimator estimators.Estimator
	cluster   *cluster.Cluster
	store     *tracking.Store
	runID     string
	logger    *slog.Logger
}

func (s *search) run(ctx context.Context) error {
	artifactDir := s.store.ArtifactDir(s.runID)

	if err := artifacts.SaveYAML(s.in, filepath.Join(artifactDir, RunInputsFile)); err != nil {
		return err
	}

	rc := run.NewContext(run.Metadata{Dataset: s.in.Dataset, Model: s.in.Model, RunType: run.HPO})
	ds, err := datasets.Load(ctx, s.in.Dataset, datasets.Options{Root: s.cfg.DatasetsDir, Logger: s.logger})
	if err != nil {
		return err
	}
	rc.Dataset = ds
	if err := datasets.SaveInfo(ds, artifactDir); err != nil {
		return err
	}
	task := rc.Task()

	resolver := hparams.Resolver{
		Auto:      estimators.AutoSpace(task.Type),
		RunConfig: s.store.Config,
	}

	tags, err := ResolveTags(ctx, map[string]string{
		"dataset":   s.in.Dataset,
		"model":     s.in.Model,
		"run_type":  string(run.HPO),
		"algorithm": string(s.algorithm),
		"task":      string(task.Type),
		"framework": "tune",
	}, s.cfg.ExtraTags, resolver)
	if err != nil {
		return err
	}
	if err := s.store.SetTags(ctx, s.runID, tags); err != nil {
		return err
	}
	params := map[string]string{
		"dataset":    s.in.Dataset,
		"model":      s.in.Model,
		"algorithm":  string(s.algorithm),
		"num_trials": strconv.Itoa(s.in.NumTrials),
	}
	if s.in.Acquisition != "" {
		params["acquisition"] = s.in.Acquisition
	}
	if err := s.store.LogParams(ctx, s.runID, params); err != nil {
		return err
	}

	space, err := resolver.Resolve(ctx, s.in.HParams...)
	if err != nil {
		return err
	}

	metric, mode, err := metrics.Primary(task.Type)
	if err != nil {
		return err
	}
	tc, err := s.algorithm.Configure(tune.TuneConfig{Metric: metric, Mode: mode, NumSamples: s.in.NumTrials, Acquisition: s.in.Acquisition})
	if err != nil {
		return err
	}
	runConfig := tune.RunConfig{
		Name:      TuneDir,
		LocalDir:  artifactDir,
		LogToFile: true,
		Callbacks: []tune.Callback{NewTrackingCallback(s.store, s.runID, metric, mode, s.logger)},
		Logger:    s.logger,
	}

	trainable := tune.WithParameters(s.estimator.Fit, rc)
	if s.in.GPU {
		trainable = tune.WithResources(trainable, cluster.Resources{GPU: 1})
	}
	tuner, err := tune.NewTuner(s.cluster, trainable, space, tc, runConfig)
	if err != nil {
		return err
	}
	grid, err := tuner.Fit(ctx)
	if err != nil {
		return err
	}

	failed := grid.NumErrors()
	status := StatusFor(failed, grid.Len())
	s.logger.Info("search completed", "status", status, "trials", grid.Len(), "failed", failed)
	if err := s.store.SetTags(ctx, s.runID, map[string]string{StatusTag: status}); err != nil {
		return err
	}

	best, err := grid.BestResult()
	if err != nil {
		if sumErr := s.saveSummary(ctx, artifactDir); sumErr != nil {
			s.logger.Error("save summary", "err", sumErr)
		}
		return err
	}

	bestMetrics := make(map[string]float64)
	logged := make(map[string]float64)
	for _, name := range metrics.Names(task.Type) {
		v, ok := best.Metrics[name]
		if !ok {
			return fmt.Errorf("best trial %s did not report %q", best.ID, name)
		}
		bestMetrics[name] = v
		if math.IsNaN(v) || math.IsInf(v, 0) {
			s.logger.Warn("best trial metric is not finite, not logged", "trial", best.ID, "metric", name, "value", v)
			continue
		}
		logged[name] = v
	}
	if err := s.store.LogMetrics(ctx, s.runID, logged, int64(grid.Len())); err != nil {
		return err
	}

	if err := s.saveBestTrial(grid, best, bestMetrics, artifactDir); err != nil {
		return err
	}
	return s.saveSummary(ctx, artifactDir)
}

func (s *search) saveBestTrial(grid *tune.ResultGrid, best *tune.Trial, bestMetrics map[string]float64, artifactDir string) error {
	rel, err := filepath.Rel(artifactDir, best.LogDir)
	if err != nil {
		return err
	}
	rel = filepath.ToSlash(rel)

	failed := grid.NumErrors()
	return artifacts.SaveYAML(BestTrial{
		RelativePath:        rel,
		LocalPath:           best.LogDir,
		Config:              artifacts.Encode(best.Config),
		Metrics:             bestMetrics,
		NumFailedTrials:     failed,
		NumSuccessfulTrials: grid.Len() - failed,
		RunURI:              tracking.RunURI(s.runID),
		TrialURI:            tracking.TrialURI(s.runID, rel),
	}, filepath.Join(artifactDir, tracking.BestTrialFile))
}

func (s *search) saveSummary(ctx context.Context, artifactDir string) error {
	summary, err := s.store.Summary(ctx, s.runID)
	if err != nil {
		return err
	}
	return artifacts.SaveYAML(summary, filepath.Join(artifactDir, SummaryFile))
}
