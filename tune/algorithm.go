package tune

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrUnsupportedAlgorithm is returned for algorithm names outside Algorithms().
var ErrUnsupportedAlgorithm = errors.New("unsupported hyperparameter optimization algorithm")

const (
	// SearchSeed seeds every built-in search algorithm.
	SearchSeed = 1

	// MaxConcurrent is the number of trials the built-in algorithms run at once.
	MaxConcurrent = 2

	// HyperOptInitialPoints is the number of random suggestions before the
	// Bayesian model drives the search.
	HyperOptInitialPoints = 20
)

// Algorithm names a search strategy.
type Algorithm string

const (
	Random   Algorithm = "random"
	HyperOpt Algorithm = "hyperopt"
)

// Strategy fully configures the search part of a TuneConfig.
type Strategy interface {
	Configure(TuneConfig) TuneConfig
}

var strategies = map[Algorithm]Strategy{
	Random:   randomStrategy{},
	HyperOpt: hyperOptStrategy{},
}

// Algorithms lists the supported algorithm names.
func Algorithms() []Algorithm {
	out := make([]Algorithm, 0, len(strategies))
	for a := range strategies {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ParseAlgorithm validates an algorithm name.
func ParseAlgorithm(name string) (Algorithm, error) {
	a := Algorithm(name)
	if _, ok := strategies[a]; !ok {
		names := make([]string, 0, len(strategies))
		for _, known := range Algorithms() {
			names = append(names, string(known))
		}
		return "", fmt.Errorf("%w: %q (supported: %s)", ErrUnsupportedAlgorithm, name, strings.Join(names, ", "))
	}
	return a, nil
}

// Configure sets the search algorithm and concurrency cap of c. Metric and
// Mode must already be set, as must Acquisition if the default is not wanted.
func (a Algorithm) Configure(c TuneConfig) (TuneConfig, error) {
	s, ok := strategies[a]
	if !ok {
		return c, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, string(a))
	}
	return s.Configure(c), nil
}

// randomStrategy samples at random with the cap enforced by the tuner.
type randomStrategy struct{}

func (randomStrategy) Configure(c TuneConfig) TuneConfig {
	maxConcurrent := MaxConcurrent
	c.SearchAlg = NewBasicVariantGenerator(SearchSeed)
	c.MaxConcurrentTrials = &maxConcurrent
	return c
}

// hyperOptStrategy caps concurrency inside the searcher, so the tuner-level
// cap stays unset. An unknown c.Acquisition is left for Validate to report.
type hyperOptStrategy struct{}

func (hyperOptStrategy) Configure(c TuneConfig) TuneConfig {
	search := NewHyperOptSearch(c.Metric, c.Mode, HyperOptInitialPoints, SearchSeed)
	if c.Acquisition != "" {
		search.Acquisition, _ = ParseAcquisition(c.Acquisition)
	}
	c.SearchAlg = NewConcurrencyLimiter(search, MaxConcurrent)
	c.MaxConcurrentTrials = nil
	return c
}
