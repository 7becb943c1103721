package datasets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// DefaultConfig is the dataset configuration used when a spec names none.
const DefaultConfig = "default"

var (
	// ErrUnknownDataset is returned for names nobody registered.
	ErrUnknownDataset = errors.New("unknown dataset")

	// ErrUnknownConfig is returned by builders for configurations they do not provide.
	ErrUnknownConfig = errors.New("unknown dataset configuration")
)

// Builder materializes a dataset under one of its named configurations.
type Builder interface {
	// Configs lists the configuration names Build accepts.
	Configs() []string
	// Build loads the dataset for config.
	Build(ctx context.Context, config string) (*Dataset, error)
}

// Options are handed to builder factories.
type Options struct {
	// Root is the directory datasets are read from.
	Root   string
	Logger *slog.Logger
}

// Factory creates a builder.
type Factory func(opts Options) Builder

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register makes a dataset available by name. Registering a name twice panics.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if _, dup := registry[name]; dup {
		panic("datasets: Register called twice for " + name)
	}
	registry[name] = factory
}

// Names returns the registered dataset names in sorted order.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Spec identifies a dataset and one of its configurations, written as
// "name[:config]".
type Spec struct {
	Name   string
	Config string
}

func (s Spec) String() string {
	return s.Name + ":" + s.Config
}

// ParseSpec parses "name[:config]".
func ParseSpec(s string) (Spec, error) {
	name, config, _ := strings.Cut(strings.TrimSpace(s), ":")
	if name == "" {
		return Spec{}, fmt.Errorf("empty dataset name in %q", s)
	}
	if config == "" {
		config = DefaultConfig
	}
	return Spec{Name: name, Config: config}, nil
}

// NewBuilder returns the builder registered under name.
func NewBuilder(name string, opts Options) (Builder, error) {
	registryMu.RLock()
	factory, ok := registry[name]
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDataset, name)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return factory(opts), nil
}

// Load builds the dataset a spec string names.
func Load(ctx context.Context, spec string, opts Options) (*Dataset, error) {
	s, err := ParseSpec(spec)
	if err != nil {
		return nil, err
	}

	builder, err := NewBuilder(s.Name, opts)
	if err != nil {
		return nil, err
	}

	if !hasConfig(builder, s.Config) {
		return nil, fmt.Errorf("%w: %s (available: %s)", ErrUnknownConfig, s, strings.Join(builder.Configs(), ", "))
	}

	return build(ctx, builder, s)
}

// build runs b for s and rejects a builder that returns no dataset.
func build(ctx context.Context, b Builder, s Spec) (*Dataset, error) {
	ds, err := b.Build(ctx, s.Config)
	if err != nil {
		return nil, fmt.Errorf("build dataset %s: %w", s, err)
	}
	if ds == nil {
		return nil, fmt.Errorf("build dataset %s: builder returned no dataset", s)
	}
	return ds, nil
}

func hasConfig(b Builder, config string) bool {
	for _, c := range b.Configs() {
		if c == config {
			return true
		}
	}
	return false
}

// Contracted is implemented by builders that declare the contract every
// configuration must satisfy.
type Contracted interface {
	Contract(config string) (Contract, bool)
}

// Verify builds every configuration of the named dataset and checks it
// against the contract its builder declares. Violations of all
// configurations are joined.
func Verify(ctx context.Context, name string, opts Options) error {
	builder, err := NewBuilder(name, opts)
	if err != nil {
		return err
	}
	contracted, ok := builder.(Contracted)
	if !ok {
		return fmt.Errorf("dataset %s declares no contract", name)
	}

	var errs []error
	for _, config := range builder.Configs() {
		c, ok := contracted.Contract(config)
		if !ok {
			errs = append(errs, fmt.Errorf("%s:%s: no contract", name, config))
			continue
		}
		ds, err := build(ctx, builder, Spec{Name: name, Config: config})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := Check(ds, c); err != nil {
			errs = append(errs, fmt.Errorf("%s:%s: %w", name, config, err))
		}
	}
	return errors.Join(errs...)
}
