package datasets

import (
	"errors"
	"fmt"
)

// ErrContract is matched by every *ContractError.
var ErrContract = errors.New("dataset contract violation")

// Contract is the expected shape of a dataset configuration. Feature and class
// counts are per configuration: encodings that change the column layout
// declare their own counts.
type Contract struct {
	Splits      []SplitName `yaml:"splits"`
	Task        TaskType    `yaml:"task"`
	NumFeatures int         `yaml:"num_features"`
	NumClasses  int         `yaml:"num_classes"`
}

// ContractError reports the first field of a dataset that does not match its
// contract.
type ContractError struct {
	Dataset  string
	Split    SplitName // empty for dataset-level fields
	Field    string
	Expected any
	Actual   any
}

func (e *ContractError) Error() string {
	where := e.Dataset
	if e.Split != "" {
		where += "/" + string(e.Split)
	}
	return fmt.Sprintf("%s: %s: %s: expected %v, got %v", ErrContract, where, e.Field, e.Expected, e.Actual)
}

func (e *ContractError) Is(target error) bool {
	return target == ErrContract
}

// Check verifies ds against c:
//   - every expected split exists and is non-empty
//   - the task type matches
//   - the declared feature count matches and every row of every split has that width
//   - for classification, the declared class count matches and every split
//     realizes exactly that many distinct labels, all in [0, NumClasses)
func Check(ds *Dataset, c Contract) error {
	if ds == nil {
		return fmt.Errorf("%w: no dataset", ErrContract)
	}
	name := ds.Metadata.Name
	if ds.Metadata.Version != "" {
		name += ":" + ds.Metadata.Version
	}

	fail := func(split SplitName, field string, expected, actual any) error {
		return &ContractError{Dataset: name, Split: split, Field: field, Expected: expected, Actual: actual}
	}

	for _, split := range c.Splits {
		s := ds.Split(split)
		if s == nil {
			return fail(split, "split", "present", "missing")
		}
		if s.Len() == 0 {
			return fail(split, "rows", "non-empty", 0)
		}
		if len(s.X) != len(s.Y) {
			return fail(split, "labels", len(s.X), len(s.Y))
		}
	}

	if ds.Metadata.Task.Type != c.Task {
		return fail("", "task", c.Task, ds.Metadata.Task.Type)
	}

	if n := ds.Metadata.NumFeatures(); n != c.NumFeatures {
		return fail("", "num_features", c.NumFeatures, n)
	}

	if c.Task.IsClassification() {
		if n := ds.Metadata.Task.NumClasses; n != c.NumClasses {
			return fail("", "num_classes", c.NumClasses, n)
		}
	}

	for _, split := range ds.SplitNames() {
		s := ds.Splits[split]
		for i, row := range s.X {
			if len(row) != c.NumFeatures {
				return fail(split, fmt.Sprintf("row %d width", i), c.NumFeatures, len(row))
			}
		}

		if !c.Task.IsClassification() {
			continue
		}

		seen := map[int]struct{}{}
		for i, y := range s.Y {
			label := int(y)
			if float64(label) != y || label < 0 || label >= c.NumClasses {
				return fail(split, fmt.Sprintf("row %d label", i), fmt.Sprintf("class index in [0, %d)", c.NumClasses), y)
			}
			seen[label] = struct{}{}
		}
		if s.Len() > 0 && len(seen) != c.NumClasses {
			return fail(split, "realized classes", c.NumClasses, len(seen))
		}
	}

	return nil
}
