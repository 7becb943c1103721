package tune

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/thalesfsp/xtime/ho"
	"github.com/thalesfsp/xtime/hparams"
	"github.com/thalesfsp/xtime/metrics"
)

// HyperOptSearch is Bayesian search backed by ho.Optimizer. The first
// NInitialPoints suggestions are random; later ones come from the Gaussian
// Process model of the results seen so far.
type HyperOptSearch struct {
	Metric          string
	Mode            metrics.Mode
	NInitialPoints  int
	RandomStateSeed int64

	// Acquisition overrides ho's default acquisition function.
	Acquisition ho.AcquisitionFunc

	mu      sync.Mutex
	space   hparams.Space
	opt     *ho.Optimizer
	pending map[string][]float64
}

// ParseAcquisition returns the ho acquisition function called name.
func ParseAcquisition(name string) (ho.AcquisitionFunc, error) {
	fn, ok := ho.Acquisitions[name]
	if !ok {
		names := make([]string, 0, len(ho.Acquisitions))
		for n := range ho.Acquisitions {
			names = append(names, n)
		}
		sort.Strings(names)
		return nil, fmt.Errorf("%w: %q (supported: %s)", ErrUnsupportedAcquisition, name, strings.Join(names, ", "))
	}
	return fn, nil
}

// NewHyperOptSearch returns a Bayesian searcher.
func NewHyperOptSearch(metric string, mode metrics.Mode, nInitialPoints int, seed int64) *HyperOptSearch {
	return &HyperOptSearch{Metric: metric, Mode: mode, NInitialPoints: nInitialPoints, RandomStateSeed: seed}
}

// SetSearchProperties builds the optimizer for space. A metric or mode set on
// the searcher must match the tuner's.
func (h *HyperOptSearch) SetSearchProperties(metric string, mode metrics.Mode, space hparams.Space) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.Metric == "" {
		h.Metric = metric
	}
	if h.Mode == "" {
		h.Mode = mode
	}
	if h.Metric != metric || h.Mode != mode {
		return fmt.Errorf("hyperopt searcher optimizes %s (%s), tuner optimizes %s (%s)", h.Metric, h.Mode, metric, mode)
	}

	config := ho.DefaultConfig()
	config.InitialSamples = h.NInitialPoints
	config.Seed = h.RandomStateSeed
	if h.Acquisition != nil {
		config.AcquisitionFunc = h.Acquisition
	}

	h.space = space
	h.opt = ho.NewOptimizer(config, space.Dims())
	h.pending = map[string][]float64{}
	return nil
}

// Suggest asks the optimizer for the next point and maps it onto the space.
func (h *HyperOptSearch) Suggest(trialID string) (hparams.Config, SuggestStatus) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.opt == nil {
		return nil, Finished
	}
	u := h.opt.Ask()
	cfg, err := h.space.FromUnit(u)
	if err != nil {
		return nil, Finished
	}
	h.pending[trialID] = u
	return cfg, Ready
}

// OnTrialComplete tells the optimizer the trial's metric. Failed trials and
// trials without the metric are told as failures.
func (h *HyperOptSearch) OnTrialComplete(trialID string, result map[string]float64, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	u, ok := h.pending[trialID]
	if !ok {
		return
	}
	delete(h.pending, trialID)

	value, found := result[h.Metric]
	if err == nil && !found {
		err = fmt.Errorf("metric %q not reported", h.Metric)
	}
	// ho minimizes.
	if h.Mode == metrics.Max {
		value = -value
	}
	h.opt.Tell(u, value, err)
}
