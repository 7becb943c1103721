// Package cluster is the process-wide runtime trials execute on. It owns the
// CPU and GPU slots trials reserve and must be initialized before a search
// and shut down after it.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"sync"

	"github.com/klauspost/cpuid/v2"
)

var (
	// ErrInsufficientResources is returned for requests the cluster can never satisfy.
	ErrInsufficientResources = errors.New("insufficient cluster resources")

	// ErrShutdown is returned by Acquire after Shutdown.
	ErrShutdown = errors.New("cluster is shut down")
)

// Resources is a reservation request.
type Resources struct {
	CPU int `yaml:"cpu"`
	GPU int `yaml:"gpu"`
}

// Config sizes the cluster. Zero NumCPUs means detect; NumGPUs is taken as is.
type Config struct {
	NumCPUs int
	NumGPUs int
	Logger  *slog.Logger
}

// GPUsFromEnv counts the devices listed in a CUDA_VISIBLE_DEVICES value.
func GPUsFromEnv(visibleDevices string) int {
	visibleDevices = strings.TrimSpace(visibleDevices)
	if visibleDevices == "" || visibleDevices == "-1" || strings.EqualFold(visibleDevices, "none") {
		return 0
	}
	return len(strings.Split(visibleDevices, ","))
}

// Cluster hands out resource slots.
type Cluster struct {
	total  Resources
	cpus   chan struct{}
	gpus   chan struct{}
	logger *slog.Logger

	mu   sync.Mutex
	done chan struct{}
	shut bool
}

// Init starts the runtime.
func Init(cfg Config) (*Cluster, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	cpus := cfg.NumCPUs
	if cpus == 0 {
		cpus = cpuid.CPU.LogicalCores
		if cpus <= 0 {
			cpus = runtime.NumCPU()
		}
	}
	if cpus < 1 || cfg.NumGPUs < 0 {
		return nil, fmt.Errorf("invalid cluster size: %d CPUs, %d GPUs", cpus, cfg.NumGPUs)
	}

	c := &Cluster{
		total:  Resources{CPU: cpus, GPU: cfg.NumGPUs},
		cpus:   make(chan struct{}, cpus),
		gpus:   make(chan struct{}, cfg.NumGPUs),
		logger: logger,
		done:   make(chan struct{}),
	}
	logger.Info("cluster started", "cpus", cpus, "gpus", cfg.NumGPUs, "cpu_brand", cpuid.CPU.BrandName)
	return c, nil
}

// With runs fn on a freshly initialized cluster and shuts it down on every
// return path, including panics.
func With(ctx context.Context, cfg Config, fn func(context.Context, *Cluster) error) error {
	c, err := Init(cfg)
	if err != nil {
		return err
	}
	defer c.Shutdown()
	return fn(ctx, c)
}

// Total returns the cluster capacity.
func (c *Cluster) Total() Resources {
	return c.total
}

// Acquire blocks until r is available and returns the function that gives it
// back. Requests larger than the cluster fail at once.
func (c *Cluster) Acquire(ctx context.Context, r Resources) (release func(), err error) {
	if r.CPU > c.total.CPU || r.GPU > c.total.GPU || r.CPU < 0 || r.GPU < 0 {
		return nil, fmt.Errorf("%w: requested %d CPU/%d GPU, cluster has %d CPU/%d GPU",
			ErrInsufficientResources, r.CPU, r.GPU, c.total.CPU, c.total.GPU)
	}

	var cpus, gpus int
	giveBack := func() {
		for ; cpus > 0; cpus-- {
			<-c.cpus
		}
		for ; gpus > 0; gpus-- {
			<-c.gpus
		}
	}

	// GPUs first: they are the scarce slots.
	for gpus < r.GPU {
		if err := c.take(ctx, c.gpus); err != nil {
			giveBack()
			return nil, err
		}
		gpus++
	}
	for cpus < r.CPU {
		if err := c.take(ctx, c.cpus); err != nil {
			giveBack()
			return nil, err
		}
		cpus++
	}

	var once sync.Once
	return func() { once.Do(giveBack) }, nil
}

func (c *Cluster) take(ctx context.Context, slots chan struct{}) error {
	select {
	case <-c.done:
		return ErrShutdown
	default:
	}
	select {
	case slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrShutdown
	}
}

// Shutdown stops handing out resources. It is safe to call more than once.
func (c *Cluster) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.shut {
		return
	}
	c.shut = true
	close(c.done)
	c.logger.Info("cluster shut down")
}

// Closed reports whether Shutdown was called.
func (c *Cluster) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shut
}
