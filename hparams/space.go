package hparams

import (
	"fmt"
	"math/rand"
	"sort"
	"strconv"
)

// Space is a hyperparameter search space.
type Space map[string]Distribution

// Names returns parameter names in sorted order; unit vectors index into it.
func (s Space) Names() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dims is the length of the unit vectors FromUnit accepts.
func (s Space) Dims() int {
	return len(s)
}

// FromUnit maps a point of the unit cube onto a configuration.
func (s Space) FromUnit(u []float64) (Config, error) {
	names := s.Names()
	if len(u) != len(names) {
		return nil, fmt.Errorf("unit vector has %d dims, space has %d", len(u), len(names))
	}
	cfg := make(Config, len(names))
	for i, name := range names {
		cfg[name] = s[name].FromUnit(u[i])
	}
	return cfg, nil
}

// Sample draws a configuration uniformly in unit space.
func (s Space) Sample(rng *rand.Rand) Config {
	u := make([]float64, s.Dims())
	for i := range u {
		u[i] = rng.Float64()
	}
	cfg, _ := s.FromUnit(u)
	return cfg
}

// Merge returns s with the entries of other added, other winning on conflicts.
func (s Space) Merge(other Space) Space {
	out := make(Space, len(s)+len(other))
	for k, v := range s {
		out[k] = v
	}
	for k, v := range other {
		out[k] = v
	}
	return out
}

// Strings renders every distribution, useful for logging and YAML.
func (s Space) Strings() map[string]string {
	out := make(map[string]string, len(s))
	for k, v := range s {
		out[k] = v.String()
	}
	return out
}

// Config is one concrete hyperparameter assignment.
type Config map[string]any

// Float returns the named parameter as float64 or dflt when absent or not numeric.
func (c Config) Float(name string, dflt float64) float64 {
	switch v := c[name].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case string:
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return dflt
}

// Int returns the named parameter as int or dflt when absent or not numeric.
// Floats are truncated.
func (c Config) Int(name string, dflt int) int {
	switch v := c[name].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case float32:
		return int(v)
	case string:
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return dflt
}

// String returns the named parameter formatted as a string or dflt when absent.
func (c Config) String(name string, dflt string) string {
	v, ok := c[name]
	if !ok || v == nil {
		return dflt
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
