package estimators

import (
	"context"
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thalesfsp/xtime/datasets"
	"github.com/thalesfsp/xtime/hparams"
	"github.com/thalesfsp/xtime/metrics"
	"github.com/thalesfsp/xtime/run"
)

// blobs returns three well separated Gaussian clusters in two dimensions.
func blobs(task datasets.TaskType) *run.Context {
	rng := rand.New(rand.NewSource(3))
	centers := [][2]float64{{0, 0}, {5, 5}, {-5, 5}}

	split := func(n int) *datasets.Split {
		s := &datasets.Split{}
		for i := 0; i < n; i++ {
			c := i % len(centers)
			s.X = append(s.X, []float64{centers[c][0] + rng.NormFloat64(), centers[c][1] + rng.NormFloat64()})
			if task == datasets.Regression {
				s.Y = append(s.Y, centers[c][0]+centers[c][1])
			} else {
				s.Y = append(s.Y, float64(c))
			}
		}
		return s
	}

	numClasses := 3
	if task == datasets.Regression {
		numClasses = 0
	}

	return &run.Context{
		Metadata: run.Metadata{Dataset: "blobs", Model: "test", RunType: run.HPO},
		Dataset: &datasets.Dataset{
			Metadata: datasets.Metadata{
				Name:     "blobs",
				Version:  "default",
				Task:     datasets.Task{Type: task, NumClasses: numClasses},
				Features: []datasets.Feature{{Name: "x"}, {Name: "y"}},
			},
			Splits: map[datasets.SplitName]*datasets.Split{
				datasets.Train: split(150),
				datasets.Valid: split(30),
				datasets.Test:  split(30),
			},
		},
	}
}

func keys(m map[string]float64) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sorted(s []string) []string {
	out := append([]string(nil), s...)
	sort.Strings(out)
	return out
}

func TestLogisticBeatsDummy(t *testing.T) {
	rc := blobs(datasets.MultiClassClassification)

	dummy, err := Dummy{}.Fit(context.Background(), hparams.Config{}, rc)
	require.NoError(t, err)

	logistic, err := Logistic{}.Fit(context.Background(), hparams.Config{"epochs": 20, "learning_rate": 0.1}, rc)
	require.NoError(t, err)

	want := sorted(metrics.Names(datasets.MultiClassClassification))
	assert.Equal(t, want, keys(dummy))
	assert.Equal(t, want, keys(logistic))

	assert.InDelta(t, 1.0/3, dummy["train_accuracy"], 0.01)
	assert.Greater(t, logistic["valid_accuracy"], 0.9)
	assert.Less(t, logistic["valid_loss"], dummy["valid_loss"])
}

func TestLogisticIsDeterministic(t *testing.T) {
	rc := blobs(datasets.MultiClassClassification)
	cfg := hparams.Config{"epochs": 3, "seed": 7}

	a, err := Logistic{}.Fit(context.Background(), cfg, rc)
	require.NoError(t, err)
	b, err := Logistic{}.Fit(context.Background(), cfg, rc)
	require.NoError(t, err)

	assert.Equal(t, a, b)
}

func TestLogisticRejectsBadConfig(t *testing.T) {
	rc := blobs(datasets.MultiClassClassification)

	_, err := Logistic{}.Fit(context.Background(), hparams.Config{"learning_rate": -1.0}, rc)
	assert.Error(t, err)

	_, err = Logistic{}.Fit(context.Background(), hparams.Config{}, blobs(datasets.Regression))
	assert.Error(t, err)
}

func TestFitHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Logistic{}.Fit(ctx, hparams.Config{}, blobs(datasets.MultiClassClassification))
	assert.ErrorIs(t, err, context.Canceled)

	_, err = Dummy{}.Fit(ctx, hparams.Config{}, blobs(datasets.MultiClassClassification))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDummyRegression(t *testing.T) {
	m, err := Dummy{}.Fit(context.Background(), hparams.Config{}, blobs(datasets.Regression))
	require.NoError(t, err)
	assert.Equal(t, sorted(metrics.Names(datasets.Regression)), keys(m))
	assert.Greater(t, m["valid_mse"], 0.0)
}

func TestFitWithoutDataset(t *testing.T) {
	_, err := Dummy{}.Fit(context.Background(), hparams.Config{}, run.NewContext(run.Metadata{}))
	assert.Error(t, err)
}

func TestRegistry(t *testing.T) {
	assert.Equal(t, []string{"dummy", "logistic"}, Names())

	e, err := Get("logistic")
	require.NoError(t, err)
	assert.IsType(t, Logistic{}, e)

	_, err = Get("xgboost")
	assert.ErrorIs(t, err, ErrUnknownEstimator)
}

func TestAutoSpace(t *testing.T) {
	auto := AutoSpace(datasets.MultiClassClassification)

	space, err := auto("default", map[string]string{"model": "logistic"})
	require.NoError(t, err)
	assert.Equal(t, []string{"batch_size", "epochs", "l2", "learning_rate"}, space.Names())

	_, err = auto("default", map[string]string{"model": "logistic", "task": "regression"})
	assert.Error(t, err)

	space, err = auto("default", map[string]string{"model": "dummy", "task": "regression"})
	require.NoError(t, err)
	assert.Empty(t, space)

	_, err = auto("tuned", map[string]string{"model": "dummy"})
	assert.Error(t, err)
}
