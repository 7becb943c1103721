// Package datasets implements the xtime tabular dataset model, the builder
// registry and the dataset shape contract.
package datasets

import (
	"fmt"
	"sort"
)

// TaskType is the machine learning task a dataset is built for.
type TaskType string

const (
	BinaryClassification     TaskType = "binary_classification"
	MultiClassClassification TaskType = "multi_class_classification"
	Regression               TaskType = "regression"
)

// IsClassification reports whether labels are class indices.
func (t TaskType) IsClassification() bool {
	return t == BinaryClassification || t == MultiClassClassification
}

// ParseTaskType converts a task type name.
func ParseTaskType(s string) (TaskType, error) {
	switch t := TaskType(s); t {
	case BinaryClassification, MultiClassClassification, Regression:
		return t, nil
	}
	return "", fmt.Errorf("unknown task type %q", s)
}

// Task describes the prediction target. NumClasses is zero for regression.
type Task struct {
	Type       TaskType `yaml:"type"`
	NumClasses int      `yaml:"num_classes,omitempty"`
}

// FeatureType says how a feature column is encoded.
type FeatureType string

const (
	Continuous  FeatureType = "continuous"
	Categorical FeatureType = "categorical"
)

// Feature is one column of the feature matrix.
type Feature struct {
	Name string      `yaml:"name"`
	Type FeatureType `yaml:"type"`
}

// Metadata is the static description every split of a dataset must agree with.
type Metadata struct {
	Name     string    `yaml:"name"`
	Version  string    `yaml:"version"`
	Task     Task      `yaml:"task"`
	Features []Feature `yaml:"features"`
}

// NumFeatures returns the declared number of feature columns.
func (m Metadata) NumFeatures() int {
	return len(m.Features)
}

// SplitName names a disjoint partition of a dataset.
type SplitName string

const (
	Train SplitName = "train"
	Test  SplitName = "test"
	Valid SplitName = "valid"
)

// Split is an ordered sequence of labeled feature vectors. X[i] is the
// feature vector of row i and Y[i] its label; class labels are stored as
// 0-based class indices.
type Split struct {
	X [][]float64
	Y []float64
}

// Len returns the number of rows.
func (s *Split) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Y)
}

// Dataset is a set of named splits sharing one Metadata.
type Dataset struct {
	Metadata Metadata
	Splits   map[SplitName]*Split
}

// Split returns the named split or nil.
func (d *Dataset) Split(name SplitName) *Split {
	if d == nil || d.Splits == nil {
		return nil
	}
	return d.Splits[name]
}

// SplitNames returns the split names in sorted order.
func (d *Dataset) SplitNames() []SplitName {
	names := make([]SplitName, 0, len(d.Splits))
	for name := range d.Splits {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// All concatenates every split in SplitNames order.
func (d *Dataset) All() *Split {
	all := &Split{}
	for _, name := range d.SplitNames() {
		s := d.Splits[name]
		all.X = append(all.X, s.X...)
		all.Y = append(all.Y, s.Y...)
	}
	return all
}
