package tracking

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/thalesfsp/xtime/artifacts"
)

const (
	// BestTrialFile is the run artifact describing the best trial of a search.
	BestTrialFile = "best_trial.yaml"

	// TrialParamsFile holds the configuration of one trial inside its
	// directory.
	TrialParamsFile = "params.yaml"
)

// RunURI returns the locator of a run.
func RunURI(runID string) string {
	return URIPrefix + runID
}

// TrialURI returns the locator of a trial directory inside a run.
func TrialURI(runID, relativePath string) string {
	return URIPrefix + runID + "/" + filepath.ToSlash(relativePath)
}

// ParseURI splits a run or trial locator into the run ID and the trial path
// relative to the run's artifact directory.
func ParseURI(uri string) (runID, relativePath string, err error) {
	rest, ok := strings.CutPrefix(uri, URIPrefix)
	if !ok {
		return "", "", fmt.Errorf("not a run locator: %q", uri)
	}
	runID, relativePath, _ = strings.Cut(rest, "/")
	if runID == "" {
		return "", "", fmt.Errorf("run locator %q has no run ID", uri)
	}
	return runID, strings.Trim(relativePath, "/"), nil
}

// Summary describes a run for humans: its identity, timing, tags, params,
// latest metrics and the files in its artifact directory.
func (s *Store) Summary(ctx context.Context, runID string) (map[string]any, error) {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	end := run.EndTime
	endTime := ""
	if end.IsZero() {
		end = s.now()
	} else {
		endTime = end.UTC().Format(time.RFC3339)
	}

	files, err := s.artifactFiles(runID)
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"run_id":           run.ID,
		"run_uri":          RunURI(run.ID),
		"experiment_id":    run.ExperimentID,
		"experiment_name":  run.ExperimentName,
		"description":      run.Description,
		"status":           string(run.Status),
		"start_time":       run.StartTime.UTC().Format(time.RFC3339),
		"end_time":         endTime,
		"duration_seconds": end.Sub(run.StartTime).Seconds(),
		"tags":             run.Tags,
		"params":           run.Params,
		"metrics":          run.Metrics,
		"artifacts":        files,
	}, nil
}

// artifactFiles lists the top-level files and directories of the run's
// artifact directory.
func (s *Store) artifactFiles(runID string) ([]string, error) {
	entries, err := os.ReadDir(s.ArtifactDir(runID))
	if errors.Is(err, fs.ErrNotExist) {
		return []string{}, nil
	}
	if err != nil {
		return nil, err
	}
	files := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		files = append(files, name)
	}
	sort.Strings(files)
	return files, nil
}

// BestConfig returns the configuration of the best trial recorded by a
// search run.
func (s *Store) BestConfig(ctx context.Context, runID string) (map[string]any, error) {
	if _, err := s.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	var best struct {
		Config map[string]any `yaml:"config"`
	}
	path := filepath.Join(s.ArtifactDir(runID), BestTrialFile)
	if err := artifacts.LoadYAML(path, &best); err != nil {
		return nil, fmt.Errorf("run %s has no best trial: %w", runID, err)
	}
	if best.Config == nil {
		return nil, fmt.Errorf("run %s: %s has no config", runID, BestTrialFile)
	}
	return best.Config, nil
}

// Config returns the configuration a locator points at: the best trial's for
// a run, or the trial's own for a trial path inside the run.
func (s *Store) Config(ctx context.Context, runID, trialPath string) (map[string]any, error) {
	if trialPath == "" {
		return s.BestConfig(ctx, runID)
	}
	if _, err := s.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	rel := filepath.Clean(filepath.FromSlash(trialPath))
	if filepath.IsAbs(rel) || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return nil, fmt.Errorf("trial path %q leaves run %s", trialPath, runID)
	}
	var cfg map[string]any
	if err := artifacts.LoadYAML(filepath.Join(s.ArtifactDir(runID), rel, TrialParamsFile), &cfg); err != nil {
		return nil, fmt.Errorf("run %s has no trial %s: %w", runID, trialPath, err)
	}
	if cfg == nil {
		cfg = map[string]any{}
	}
	return cfg, nil
}
