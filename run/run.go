// Package run carries what every stage knows about the current run.
package run

import (
	"github.com/thalesfsp/xtime/datasets"
)

// Type is the kind of work a run performs.
type Type string

const (
	Train Type = "train"
	HPO   Type = "hpo"
)

// Metadata identifies the dataset and model of a run.
type Metadata struct {
	Dataset string `yaml:"dataset"`
	Model   string `yaml:"model"`
	RunType Type   `yaml:"run_type"`
}

// Context is shared read-only by every trial of a run once the dataset is loaded.
type Context struct {
	Metadata Metadata
	Dataset  *datasets.Dataset
}

// NewContext returns a context without a dataset.
func NewContext(md Metadata) *Context {
	return &Context{Metadata: md}
}

// Task returns the task of the loaded dataset, or the zero Task.
func (c *Context) Task() datasets.Task {
	if c == nil || c.Dataset == nil {
		return datasets.Task{}
	}
	return c.Dataset.Metadata.Task
}
