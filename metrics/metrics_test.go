package metrics

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thalesfsp/xtime/datasets"
)

func TestNames(t *testing.T) {
	assert.Equal(t, []string{
		"dataset_accuracy", "dataset_loss",
		"train_accuracy", "train_loss",
		"valid_accuracy", "valid_loss",
		"test_accuracy", "test_loss",
	}, Names(datasets.MultiClassClassification))

	assert.Equal(t, []string{"dataset_mse", "train_mse", "valid_mse", "test_mse"}, Names(datasets.Regression))
	assert.Nil(t, Names("ranking"))
}

func TestPrimary(t *testing.T) {
	name, mode, err := Primary(datasets.MultiClassClassification)
	require.NoError(t, err)
	assert.Equal(t, "valid_loss", name)
	assert.Equal(t, Min, mode)

	name, _, err = Primary(datasets.Regression)
	require.NoError(t, err)
	assert.Equal(t, "valid_mse", name)

	_, _, err = Primary("ranking")
	assert.Error(t, err)
}

func TestMode(t *testing.T) {
	assert.True(t, Min.Better(1, 2))
	assert.True(t, Max.Better(2, 1))
	assert.True(t, Min.Better(5, Min.Worst()))
	assert.True(t, Max.Better(-5, Max.Worst()))

	_, err := ParseMode("up")
	assert.Error(t, err)
}

func TestClassification(t *testing.T) {
	m, err := Classification("valid", []float64{0, 1}, [][]float64{{0.9, 0.1}, {0.6, 0.4}})
	require.NoError(t, err)

	assert.InDelta(t, 0.5, m["valid_accuracy"], 1e-12)
	assert.InDelta(t, (-math.Log(0.9)-math.Log(0.4))/2, m["valid_loss"], 1e-12)

	_, err = Classification("valid", []float64{2}, [][]float64{{0.5, 0.5}})
	assert.Error(t, err)

	_, err = Classification("valid", nil, nil)
	assert.Error(t, err)
}

func TestRegression(t *testing.T) {
	m, err := Regression("test", []float64{1, 2, 3}, []float64{1, 2, 5})
	require.NoError(t, err)
	assert.InDelta(t, 4.0/3, m["test_mse"], 1e-12)
}
