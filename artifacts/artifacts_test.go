package artifacts

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type bestTrial struct {
	RelativePath string             `yaml:"relative_path"`
	Metrics      map[string]float64 `yaml:"metrics"`
}

func TestSaveYAMLCreatesDirectories(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a", "b", "best_trial.yaml")

	in := bestTrial{RelativePath: "ray_tune/trial_0001", Metrics: map[string]float64{"valid_loss": 0.25}}
	require.NoError(t, SaveYAML(in, path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "relative_path: ray_tune/trial_0001")

	var out bestTrial
	require.NoError(t, LoadYAML(path, &out))
	assert.Equal(t, in, out)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary files are cleaned up")
}

func TestEncode(t *testing.T) {
	type label string

	got := Encode(map[label]any{
		"lr":     float32(0.5),
		"epochs": int32(3),
		"bad":    math.Inf(1),
		"list":   []int{1, 2},
		"nested": map[int]bool{1: true},
		"nil":    (*int)(nil),
	})

	assert.Equal(t, map[string]any{
		"lr":     0.5,
		"epochs": int64(3),
		"bad":    "+Inf",
		"list":   []any{int64(1), int64(2)},
		"nested": map[string]any{"1": true},
		"nil":    nil,
	}, got)
}
