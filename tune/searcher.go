package tune

import (
	"fmt"
	"math/rand"
	"sync"

	"github.com/thalesfsp/xtime/hparams"
	"github.com/thalesfsp/xtime/metrics"
)

// SuggestStatus tells the tuner what to do with a suggestion.
type SuggestStatus int

const (
	// Ready means the returned configuration should be run.
	Ready SuggestStatus = iota
	// Wait means no configuration is available until a running trial completes.
	Wait
	// Finished means the searcher will not suggest anything else.
	Finished
)

// Searcher proposes trial configurations and learns from their results.
type Searcher interface {
	// SetSearchProperties is called once before the first Suggest.
	SetSearchProperties(metric string, mode metrics.Mode, space hparams.Space) error
	// Suggest returns the configuration for trialID.
	Suggest(trialID string) (hparams.Config, SuggestStatus)
	// OnTrialComplete reports the outcome of a suggested trial.
	OnTrialComplete(trialID string, result map[string]float64, err error)
}

// BasicVariantGenerator samples configurations uniformly at random.
type BasicVariantGenerator struct {
	// RandomState seeds the sampler.
	RandomState int64

	mu    sync.Mutex
	space hparams.Space
	rng   *rand.Rand
}

// NewBasicVariantGenerator returns a random searcher seeded with seed.
func NewBasicVariantGenerator(seed int64) *BasicVariantGenerator {
	return &BasicVariantGenerator{RandomState: seed}
}

// SetSearchProperties stores the space and reseeds the sampler, so every
// search with the same seed suggests the same sequence.
func (g *BasicVariantGenerator) SetSearchProperties(_ string, _ metrics.Mode, space hparams.Space) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.space = space
	g.rng = rand.New(rand.NewSource(g.RandomState))
	return nil
}

// Suggest draws a configuration. It reports Finished before
// SetSearchProperties.
func (g *BasicVariantGenerator) Suggest(string) (hparams.Config, SuggestStatus) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.rng == nil {
		return nil, Finished
	}
	return g.space.Sample(g.rng), Ready
}

// OnTrialComplete does nothing; random search ignores results.
func (g *BasicVariantGenerator) OnTrialComplete(string, map[string]float64, error) {}

// ConcurrencyLimiter caps the number of live trials of a wrapped searcher.
type ConcurrencyLimiter struct {
	Searcher      Searcher
	MaxConcurrent int

	mu   sync.Mutex
	live map[string]struct{}
}

// NewConcurrencyLimiter wraps s so that at most maxConcurrent of its
// suggestions run at once.
func NewConcurrencyLimiter(s Searcher, maxConcurrent int) *ConcurrencyLimiter {
	return &ConcurrencyLimiter{Searcher: s, MaxConcurrent: maxConcurrent}
}

// SetSearchProperties forgets live trials and configures the wrapped searcher.
func (l *ConcurrencyLimiter) SetSearchProperties(metric string, mode metrics.Mode, space hparams.Space) error {
	if l.MaxConcurrent < 1 {
		return fmt.Errorf("concurrency limiter: max concurrent must be positive, got %d", l.MaxConcurrent)
	}
	l.mu.Lock()
	l.live = map[string]struct{}{}
	l.mu.Unlock()
	return l.Searcher.SetSearchProperties(metric, mode, space)
}

// Suggest returns Wait while MaxConcurrent suggestions are live and otherwise
// defers to the wrapped searcher.
func (l *ConcurrencyLimiter) Suggest(trialID string) (hparams.Config, SuggestStatus) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.live) >= l.MaxConcurrent {
		return nil, Wait
	}
	cfg, status := l.Searcher.Suggest(trialID)
	if status == Ready {
		l.live[trialID] = struct{}{}
	}
	return cfg, status
}

// OnTrialComplete frees the trial's slot and forwards the result.
func (l *ConcurrencyLimiter) OnTrialComplete(trialID string, result map[string]float64, err error) {
	l.mu.Lock()
	delete(l.live, trialID)
	l.mu.Unlock()

	l.Searcher.OnTrialComplete(trialID, result, err)
}

// Live returns the number of suggestions still running.
func (l *ConcurrencyLimiter) Live() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.live)
}
