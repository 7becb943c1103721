// Package hparams describes hyperparameter search spaces and resolves them
// from textual sources.
package hparams

import (
	"fmt"
	"math"
	"strings"
)

// Distribution maps a unit sample u in [0, 1) onto a hyperparameter value.
// Search algorithms only ever see the unit cube; distributions give the
// samples their meaning.
type Distribution interface {
	FromUnit(u float64) any
	String() string
}

// Value is a constant parameter.
type Value struct{ V any }

func (v Value) FromUnit(float64) any { return v.V }
func (v Value) String() string       { return fmt.Sprint(v.V) }

// Range is an open float range (min,max) sampled uniformly.
type Range [2]float64

func (r Range) FromUnit(u float64) any { return r[0] + u*(r[1]-r[0]) }
func (r Range) String() string         { return fmt.Sprintf("uniform(%v, %v)", r[0], r[1]) }

// LogRange is an open float range (min,max) sampled uniformly in log space.
type LogRange [2]float64

func (r LogRange) FromUnit(u float64) any {
	lo, hi := math.Log(r[0]), math.Log(r[1])
	return math.Exp(lo + u*(hi-lo))
}
func (r LogRange) String() string { return fmt.Sprintf("loguniform(%v, %v)", r[0], r[1]) }

// IntRange is a closed integer range [min,max].
type IntRange [2]int

func (r IntRange) FromUnit(u float64) any {
	v := r[0] + int(u*float64(r[1]-r[0]+1))
	if v > r[1] {
		v = r[1]
	}
	return v
}
func (r IntRange) String() string { return fmt.Sprintf("randint(%d, %d)", r[0], r[1]) }

// LogIntRange is a closed integer range [min,max] sampled uniformly in log space.
type LogIntRange [2]int

func (r LogIntRange) FromUnit(u float64) any {
	lo, hi := math.Log(float64(r[0])), math.Log(float64(r[1])+1)
	v := int(math.Exp(lo + u*(hi-lo)))
	if v > r[1] {
		v = r[1]
	}
	if v < r[0] {
		v = r[0]
	}
	return v
}
func (r LogIntRange) String() string { return fmt.Sprintf("lograndint(%d, %d)", r[0], r[1]) }

// Choice picks one of a list of values with equal probability.
type Choice []any

func (c Choice) FromUnit(u float64) any {
	i := int(u * float64(len(c)))
	if i >= len(c) {
		i = len(c) - 1
	}
	return c[i]
}

func (c Choice) String() string {
	items := make([]string, len(c))
	for i, v := range c {
		items[i] = fmt.Sprint(v)
	}
	return "choice(" + strings.Join(items, ", ") + ")"
}

// validate rejects empty or inverted ranges.
func validate(name string, d Distribution) error {
	bad := false
	switch d := d.(type) {
	case Range:
		bad = !(d[0] < d[1])
	case LogRange:
		bad = !(d[0] > 0 && d[0] < d[1])
	case IntRange:
		bad = d[0] > d[1]
	case LogIntRange:
		bad = d[0] < 1 || d[0] > d[1]
	case Choice:
		bad = len(d) == 0
	}
	if bad {
		return fmt.Errorf("hyperparameter %q: invalid distribution %s", name, d)
	}
	return nil
}
