package stages

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/thalesfsp/xtime/cluster"
)

// Environment variables read by ResolveConfig.
const (
	EnvTrackingURI    = "MLFLOW_TRACKING_URI"
	EnvExperimentName = "MLFLOW_EXPERIMENT_NAME"
	EnvTags           = "MLFLOW_TAGS"
	EnvDatasetsDir    = "XTIME_DATASETS_DIR"
	EnvVisibleDevices = "CUDA_VISIBLE_DEVICES"
)

// Config is the process-level configuration of a stage.
type Config struct {
	// TrackingRoot is the directory of the tracking store.
	TrackingRoot   string
	ExperimentName string

	// ExtraTags is a params source ("k=v;...") merged into the run tags.
	// Empty means none.
	ExtraTags string

	// DatasetsDir is where dataset builders read their files from.
	DatasetsDir string

	// NumCPUs sizes the cluster; 0 detects. NumGPUs is taken as is.
	NumCPUs int
	NumGPUs int

	Logger *slog.Logger
}

// DefaultConfig returns the configuration used when the environment sets
// nothing.
func DefaultConfig() Config {
	return Config{
		TrackingRoot:   "mlruns",
		ExperimentName: "xtime",
		DatasetsDir:    filepath.Join(".cache", "xtime", "datasets"),
		Logger:         slog.Default(),
	}
}

// ResolveConfig builds a Config from an environment lookup such as
// os.LookupEnv.
func ResolveConfig(lookup func(string) (string, bool)) (Config, error) {
	cfg := DefaultConfig()

	if home, ok := lookup("HOME"); ok && home != "" {
		cfg.DatasetsDir = filepath.Join(home, cfg.DatasetsDir)
	}
	if dir, ok := lookup(EnvDatasetsDir); ok && dir != "" {
		cfg.DatasetsDir = dir
	}

	if uri, ok := lookup(EnvTrackingURI); ok && uri != "" {
		root, err := trackingRoot(uri)
		if err != nil {
			return Config{}, err
		}
		cfg.TrackingRoot = root
	}
	if name, ok := lookup(EnvExperimentName); ok && name != "" {
		cfg.ExperimentName = name
	}
	if tags, ok := lookup(EnvTags); ok {
		cfg.ExtraTags = strings.TrimSpace(tags)
	}
	if devices, ok := lookup(EnvVisibleDevices); ok {
		cfg.NumGPUs = cluster.GPUsFromEnv(devices)
	}
	return cfg, nil
}

// trackingRoot accepts a plain path or a file: URI.
func trackingRoot(uri string) (string, error) {
	switch {
	case strings.HasPrefix(uri, "file://"):
		return strings.TrimPrefix(uri, "file://"), nil
	case strings.HasPrefix(uri, "file:"):
		return strings.TrimPrefix(uri, "file:"), nil
	case strings.Contains(uri, "://"):
		return "", fmt.Errorf("%s=%q: only local tracking stores are supported", EnvTrackingURI, uri)
	}
	return uri, nil
}
