package stages

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

const toyDataset = "toy_blobs"

type toyBuilder struct{}

func (toyBuilder) Configs() []string { return []string{datasets.DefaultConfig} }

func (toyBuilder) Build(_ context.Context, config string) (*datasets.Dataset, error) {
	rng := rand.New(rand.NewSource(5))
	centers := [][2]float64{{0, 0}, {4, 4}, {-4, 4}}
	split := func(n int) *datasets.Split {
		s := &datasets.Split{}
		for i := 0; i < n; i++ {
			c := i % len(centers)
			s.X = append(s.X, []float64{centers[c][0] + rng.NormFloat64(), centers[c][1] + rng.NormFloat64()})
			s.Y = append(s.Y, float64(c))
		}
		return s
	}
	return &datasets.Dataset{
		Metadata: datasets.Metadata{
			Name:     toyDataset,
			Version:  config,
			Task:     datasets.Task{Type: datasets.MultiClassClassification, NumClasses: 3},
			Features: []datasets.Feature{{Name: "a"}, {Name: "b"}},
		},
		Splits: map[datasets.SplitName]*datasets.Split{
			datasets.Train: split(90),
			datasets.Valid: split(30),
			datasets.Test:  split(30),
		},
	}, nil
}

// flaky fails every other call and otherwise fits a Dummy.
type flaky struct {
	calls *atomic.Int32
	every int32
}

func (f flaky) Fit(ctx context.Context, cfg hparams.Config, rc *run.Context) (map[string]float64, error) {
	if f.calls.Add(1)%f.every == 0 {
		return nil, errors.New("injected failure")
	}
	return estimators.Dummy{}.Fit(ctx, cfg, rc)
}

func (flaky) DefaultSpace(task datasets.TaskType) (hparams.Space, error) {
	return estimators.Dummy{}.DefaultSpace(task)
}

// diverging reports a NaN primary metric on its first call and an infinite
// test loss afterwards.
type diverging struct {
	calls *atomic.Int32
}

func (d diverging) Fit(ctx context.Context, cfg hparams.Config, rc *run.Context) (map[string]float64, error) {
	m, err := estimators.Dummy{}.Fit(ctx, cfg, rc)
	if err != nil {
		return nil, err
	}
	if d.calls.Add(1) == 1 {
		m["valid_loss"] = math.NaN()
	} else {
		m["test_loss"] = math.Inf(1)
	}
	return m, nil
}

func (diverging) DefaultSpace(task datasets.TaskType) (hparams.Space, error) {
	return estimators.Dummy{}.DefaultSpace(task)
}

func init() {
	datasets.Register(toyDataset, func(datasets.Options) datasets.Builder { return toyBuilder{} })
}

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.TrackingRoot = filepath.Join(t.TempDir(), "mlruns")
	cfg.NumCPUs = 2
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return cfg
}

func openRun(t *testing.T, cfg Config, locator string) (*tracking.Store, *tracking.Run) {
	t.Helper()
	runID, _, err := tracking.ParseURI(locator)
	require.NoError(t, err)
	store, err := tracking.Open(cfg.TrackingRoot)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	r, err := store.GetRun(context.Background(), runID)
	require.NoError(t, err)
	return store, r
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		failed, total int
		want          string
	}{
		{0, 10, StatusCompleted},
		{10, 10, StatusFailed},
		{1, 10, StatusPartiallyCompleted},
		{9, 10, StatusPartiallyCompleted},
		{0, 0, StatusCompleted},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StatusFor(tt.failed, tt.total), "%d/%d", tt.failed, tt.total)
	}
}

func TestConfigurationErrorsFailBeforeAllocation(t *testing.T) {
	tests := []struct {
		name string
		in   Inputs
		want error
	}{
		{"unknown algorithm", Inputs{Dataset: toyDataset, Model: "dummy", Algorithm: "grid", NumTrials: 2}, tune.ErrUnsupportedAlgorithm},
		{"unknown model", Inputs{Dataset: toyDataset, Model: "forest", Algorithm: "random", NumTrials: 2}, estimators.ErrUnknownEstimator},
		{"gpu without devices", Inputs{Dataset: toyDataset, Model: "dummy", Algorithm: "random", NumTrials: 2, GPU: true}, cluster.ErrInsufficientResources},
		{"unknown acquisition", Inputs{Dataset: toyDataset, Model: "dummy", Algorithm: "hyperopt", NumTrials: 2, Acquisition: "gittins"}, tune.ErrUnsupportedAcquisition},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			locator, err := SearchHP(context.Background(), tt.in, cfg)
			assert.ErrorIs(t, err, tt.want)
			assert.Empty(t, locator)
			assert.NoDirExists(t, cfg.TrackingRoot)
		})
	}

	cfg := testConfig(t)
	_, err := SearchHP(context.Background(), Inputs{Dataset: toyDataset, Model: "dummy", Algorithm: "random"}, cfg)
	assert.Error(t, err)
	assert.NoDirExists(t, cfg.TrackingRoot)
}

func TestSearchHPCompleted(t *testing.T) {
	cfg := testConfig(t)
	cfg.ExtraTags = "team=ml;priority=1"
	ctx := context.Background()

	in := Inputs{
		Dataset:   toyDataset,
		Model:     "logistic",
		Algorithm: "random",
		HParams:   []string{"params:learning_rate=loguniform(0.01, 0.5);epochs=5;batch_size=16;l2=0.0001"},
		NumTrials: 4,
		Command:   "xtime search-hp toy_blobs logistic random",
	}
	locator, err := SearchHP(ctx, in, cfg)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(locator, tracking.URIPrefix))

	store, r := openRun(t, cfg, locator)
	assert.Equal(t, tracking.Finished, r.Status)
	assert.Equal(t, in.Command, r.Description)
	assert.Equal(t, StatusCompleted, r.Tags[StatusTag])
	assert.Equal(t, "logistic", r.Tags["model"])
	assert.Equal(t, "random", r.Tags["algorithm"])
	assert.Equal(t, "hpo", r.Tags["run_type"])
	assert.Equal(t, string(datasets.MultiClassClassification), r.Tags["task"])
	assert.Equal(t, "ml", r.Tags["team"])
	assert.Equal(t, "1", r.Tags["priority"])
	assert.Equal(t, "4", r.Params["num_trials"])
	assert.Equal(t, float64(4), r.Metrics["trials_completed"])
	assert.Equal(t, float64(0), r.Metrics["trials_failed"])

	dir := store.ArtifactDir(r.ID)
	for _, name := range []string{RunInputsFile, datasets.InfoFile, tracking.BestTrialFile, SummaryFile} {
		assert.FileExists(t, filepath.Join(dir, name))
	}

	var inputs map[string]any
	require.NoError(t, artifacts.LoadYAML(filepath.Join(dir, RunInputsFile), &inputs))
	assert.Equal(t, "logistic", inputs["model"])
	assert.Equal(t, 4, inputs["num_trials"])
	assert.Equal(t, false, inputs["gpu"])
	assert.NotContains(t, inputs, "command")

	var best BestTrial
	require.NoError(t, artifacts.LoadYAML(filepath.Join(dir, tracking.BestTrialFile), &best))
	assert.True(t, strings.HasPrefix(best.RelativePath, TuneDir+"/trial_"), best.RelativePath)
	assert.Equal(t, filepath.Join(dir, filepath.FromSlash(best.RelativePath)), best.LocalPath)
	assert.DirExists(t, best.LocalPath)
	assert.Equal(t, 0, best.NumFailedTrials)
	assert.Equal(t, 4, best.NumSuccessfulTrials)
	assert.Equal(t, locator, best.RunURI)
	assert.Equal(t, locator+"/"+best.RelativePath, best.TrialURI)
	assert.ElementsMatch(t, metrics.Names(datasets.MultiClassClassification), keys(best.Metrics))
	assert.Equal(t, best.Metrics["valid_loss"], r.Metrics["valid_loss"])

	config, ok := best.Config.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 5, config["epochs"])

	var summary map[string]any
	require.NoError(t, artifacts.LoadYAML(filepath.Join(dir, SummaryFile), &summary))
	assert.Equal(t, r.ID, summary["run_id"])

	// A later search can start from the best configuration of this run.
	again, err := SearchHP(ctx, Inputs{Dataset: toyDataset, Model: "logistic", Algorithm: "hyperopt",
		HParams: []string{locator}, NumTrials: 2, Acquisition: "ei"}, cfg)
	require.NoError(t, err)
	assert.NotEqual(t, locator, again)
	_, r2 := openRun(t, cfg, again)
	assert.Equal(t, "ei", r2.Params["acquisition"])

	// Or from one trial of it.
	require.Equal(t, tune.ParamsFile, tracking.TrialParamsFile)
	fromTrial, err := SearchHP(ctx, Inputs{Dataset: toyDataset, Model: "logistic", Algorithm: "random",
		HParams: []string{best.TrialURI}, NumTrials: 1}, cfg)
	require.NoError(t, err)
	_, r3 := openRun(t, cfg, fromTrial)
	assert.Equal(t, tracking.Finished, r3.Status)
}

func TestSearchHPPartiallyCompleted(t *testing.T) {
	estimators.Register("flaky", flaky{calls: &atomic.Int32{}, every: 2})
	cfg := testConfig(t)

	locator, err := SearchHP(context.Background(), Inputs{
		Dataset:   toyDataset,
		Model:     "flaky",
		Algorithm: "hyperopt",
		NumTrials: 4,
	}, cfg)
	require.NoError(t, err)

	store, r := openRun(t, cfg, locator)
	assert.Equal(t, tracking.Finished, r.Status)
	assert.Equal(t, StatusPartiallyCompleted, r.Tags[StatusTag])
	assert.Equal(t, float64(2), r.Metrics["trials_failed"])

	var best BestTrial
	require.NoError(t, artifacts.LoadYAML(filepath.Join(store.ArtifactDir(r.ID), tracking.BestTrialFile), &best))
	assert.Equal(t, 2, best.NumFailedTrials)
	assert.Equal(t, 2, best.NumSuccessfulTrials)
	assert.Contains(t, best.Config, "smoothing")
}

func TestSearchHPNonFiniteMetrics(t *testing.T) {
	estimators.Register("diverging", diverging{calls: &atomic.Int32{}})
	cfg := testConfig(t)

	locator, err := SearchHP(context.Background(), Inputs{
		Dataset:   toyDataset,
		Model:     "diverging",
		Algorithm: "random",
		NumTrials: 4,
	}, cfg)
	require.NoError(t, err)

	store, r := openRun(t, cfg, locator)
	assert.Equal(t, tracking.Finished, r.Status)
	assert.Equal(t, StatusPartiallyCompleted, r.Tags[StatusTag])
	assert.Equal(t, float64(1), r.Metrics["trials_failed"])
	assert.False(t, math.IsNaN(r.Metrics["valid_loss"]))
	assert.NotContains(t, r.Metrics, "test_loss")

	var best BestTrial
	require.NoError(t, artifacts.LoadYAML(filepath.Join(store.ArtifactDir(r.ID), tracking.BestTrialFile), &best))
	assert.Equal(t, 1, best.NumFailedTrials)
	assert.Equal(t, 3, best.NumSuccessfulTrials)
	assert.Equal(t, r.Metrics["valid_loss"], best.Metrics["valid_loss"])
	assert.True(t, math.IsInf(best.Metrics["test_loss"], 1))
}

func TestSearchHPAllTrialsFail(t *testing.T) {
	estimators.Register("broken", flaky{calls: &atomic.Int32{}, every: 1})
	cfg := testConfig(t)

	locator, err := SearchHP(context.Background(), Inputs{
		Dataset:   toyDataset,
		Model:     "broken",
		Algorithm: "random",
		NumTrials: 3,
	}, cfg)
	assert.ErrorIs(t, err, tune.ErrNoSuccessfulTrials)
	require.NotEmpty(t, locator)

	store, r := openRun(t, cfg, locator)
	assert.Equal(t, tracking.Failed, r.Status)
	assert.Equal(t, StatusFailed, r.Tags[StatusTag])

	dir := store.ArtifactDir(r.ID)
	assert.FileExists(t, filepath.Join(dir, SummaryFile))
	assert.NoFileExists(t, filepath.Join(dir, tracking.BestTrialFile))
}

func TestSearchHPUnknownDatasetEndsRunFailed(t *testing.T) {
	cfg := testConfig(t)

	locator, err := SearchHP(context.Background(), Inputs{
		Dataset:   "no_such_dataset",
		Model:     "dummy",
		Algorithm: "random",
		NumTrials: 1,
	}, cfg)
	assert.ErrorIs(t, err, datasets.ErrUnknownDataset)
	require.NotEmpty(t, locator)

	store, r := openRun(t, cfg, locator)
	assert.Equal(t, tracking.Failed, r.Status)
	assert.FileExists(t, filepath.Join(store.ArtifactDir(r.ID), RunInputsFile))
}

func TestResolveConfig(t *testing.T) {
	env := map[string]string{
		"HOME":            "/home/xtime",
		EnvTrackingURI:    "file:///srv/mlruns",
		EnvExperimentName: "drift",
		EnvTags:           " team=ml ",
		EnvVisibleDevices: "0,1",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg, err := ResolveConfig(lookup)
	require.NoError(t, err)
	assert.Equal(t, "/srv/mlruns", cfg.TrackingRoot)
	assert.Equal(t, "drift", cfg.ExperimentName)
	assert.Equal(t, "team=ml", cfg.ExtraTags)
	assert.Equal(t, 2, cfg.NumGPUs)
	assert.Equal(t, filepath.Join("/home/xtime", ".cache", "xtime", "datasets"), cfg.DatasetsDir)

	env[EnvDatasetsDir] = "/data"
	env[EnvTrackingURI] = "./runs"
	delete(env, EnvVisibleDevices)
	cfg, err = ResolveConfig(lookup)
	require.NoError(t, err)
	assert.Equal(t, "/data", cfg.DatasetsDir)
	assert.Equal(t, "./runs", cfg.TrackingRoot)
	assert.Equal(t, 0, cfg.NumGPUs)

	env[EnvTrackingURI] = "http://tracking:5000"
	_, err = ResolveConfig(lookup)
	assert.Error(t, err)

	cfg, err = ResolveConfig(func(string) (string, bool) { return "", false })
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().TrackingRoot, cfg.TrackingRoot)
	assert.Empty(t, cfg.ExtraTags)
}

func TestResolveTags(t *testing.T) {
	ctx := context.Background()
	base := map[string]string{"model": "logistic", "team": "core"}

	tags, err := ResolveTags(ctx, base, "", hparams.Resolver{})
	require.NoError(t, err)
	assert.Equal(t, base, tags)
	tags["model"] = "changed"
	assert.Equal(t, "logistic", base["model"])

	tags, err = ResolveTags(ctx, base, "team=ml;gpus=2", hparams.Resolver{})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"model": "logistic", "team": "ml", "gpus": "2"}, tags)

	_, err = ResolveTags(ctx, base, "team", hparams.Resolver{})
	assert.Error(t, err)
}

func TestTrackingCallback(t *testing.T) {
	ctx := context.Background()
	store, err := tracking.Open(t.TempDir())
	require.NoError(t, err)
	defer store.Close()
	exp, err := store.CreateExperiment(ctx, "xtime")
	require.NoError(t, err)
	r, err := store.StartRun(ctx, exp, "")
	require.NoError(t, err)

	cb := NewTrackingCallback(store, r.ID, "valid_loss", metrics.Min, nil)
	trials := []*tune.Trial{
		{ID: "00000", Err: errors.New("boom")},
		{ID: "00001", Metrics: map[string]float64{"valid_loss": math.NaN()}},
		{ID: "00002", Metrics: map[string]float64{"valid_loss": 0.5}},
		{ID: "00003", Metrics: map[string]float64{"valid_loss": 0.7}},
	}
	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	for i, trial := range trials {
		cb.OnTrialComplete(cancelled, i+1, trials[:i+1], trial)
	}

	best, ok := cb.Best()
	require.True(t, ok)
	assert.Equal(t, 0.5, best)

	got, err := store.GetRun(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"valid_loss": 0.5, "trials_completed": 4, "trials_failed": 1}, got.Metrics)
}

func keys(m map[string]float64) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func TestMain(m *testing.M) {
	slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))
	os.Exit(m.Run())
}
