// Package gasconcentrations builds the UCI "Gas Sensor Array Drift" dataset:
// 128 sensor readings per sample, six gases to classify, recorded in ten
// batches over 36 months.
//
// The builder reads batch1.dat ... batch10.dat (or the same names with an .xz
// suffix) from <root>/gas_concentrations. Each line has the form
//
//	<class>;<concentration> 1:<v1> 2:<v2> ... 128:<v128>
//
// The batch number is appended as feature 129. The "default" configuration
// marks it categorical, "numerical" marks it continuous.
package gasconcentrations

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/ulikunitz/xz"

	"github.com/thalesfsp/xtime/datasets"
)

const (
	Name = "gas_concentrations"

	NumBatches        = 10
	NumSensorFeatures = 128
	NumFeatures       = NumSensorFeatures + 1
	NumClasses        = 6

	// Numerical encodes the batch feature as continuous.
	Numerical = "numerical"

	testFraction  = 0.2
	validFraction = 0.1
	splitSeed     = 0
)

func init() {
	datasets.Register(Name, New)
}

// Builder loads the dataset from local files.
type Builder struct {
	dir    string
	logger *slog.Logger
}

// New returns a builder reading from <opts.Root>/gas_concentrations.
func New(opts datasets.Options) datasets.Builder {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{dir: filepath.Join(opts.Root, Name), logger: logger}
}

// Configs lists the supported encodings.
func (b *Builder) Configs() []string {
	return []string{datasets.DefaultConfig, Numerical}
}

// Contract is the same for both encodings: the batch column changes type,
// not count.
func (b *Builder) Contract(config string) (datasets.Contract, bool) {
	if config != datasets.DefaultConfig && config != Numerical {
		return datasets.Contract{}, false
	}
	return datasets.Contract{
		Splits:      []datasets.SplitName{datasets.Train, datasets.Test, datasets.Valid},
		Task:        datasets.MultiClassClassification,
		NumFeatures: NumFeatures,
		NumClasses:  NumClasses,
	}, true
}

// Build reads every batch and splits the rows into train, valid and test.
func (b *Builder) Build(ctx context.Context, config string) (*datasets.Dataset, error) {
	var batchType datasets.FeatureType
	switch config {
	case datasets.DefaultConfig:
		batchType = datasets.Categorical
	case Numerical:
		batchType = datasets.Continuous
	default:
		return nil, fmt.Errorf("%w: %s:%s", datasets.ErrUnknownConfig, Name, config)
	}

	all := &datasets.Split{}
	for batch := 1; batch <= NumBatches; batch++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := b.readBatch(batch, all); err != nil {
			return nil, err
		}
	}
	b.logger.Debug("gas concentrations loaded", "config", config, "rows", all.Len())

	features := make([]datasets.Feature, 0, NumFeatures)
	for i := 1; i <= NumSensorFeatures; i++ {
		features = append(features, datasets.Feature{Name: fmt.Sprintf("Feature_%d", i), Type: datasets.Continuous})
	}
	features = append(features, datasets.Feature{Name: "Batch", Type: batchType})

	train, valid, test := stratifiedSplit(all)

	return &datasets.Dataset{
		Metadata: datasets.Metadata{
			Name:     Name,
			Version:  config,
			Task:     datasets.Task{Type: datasets.MultiClassClassification, NumClasses: NumClasses},
			Features: features,
		},
		Splits: map[datasets.SplitName]*datasets.Split{
			datasets.Train: train,
			datasets.Valid: valid,
			datasets.Test:  test,
		},
	}, nil
}

func (b *Builder) readBatch(batch int, into *datasets.Split) error {
	r, closer, err := b.open(batch)
	if err != nil {
		return err
	}
	defer closer.Close()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		x, y, err := parseLine(text)
		if err != nil {
			return fmt.Errorf("batch%d.dat line %d: %w", batch, line, err)
		}
		x[NumSensorFeatures] = float64(batch)
		into.X = append(into.X, x)
		into.Y = append(into.Y, y)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read batch%d.dat: %w", batch, err)
	}
	return nil
}

// open returns a reader for batchN.dat, falling back to batchN.dat.xz.
func (b *Builder) open(batch int) (io.Reader, io.Closer, error) {
	path := filepath.Join(b.dir, fmt.Sprintf("batch%d.dat", batch))

	f, err := os.Open(path)
	if err == nil {
		return f, f, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, nil, err
	}

	f, err = os.Open(path + ".xz")
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, fmt.Errorf("dataset file not found: %s (or %s.xz)", path, path)
		}
		return nil, nil, err
	}

	r, err := xz.NewReader(bufio.NewReader(f))
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("open %s.xz: %w", path, err)
	}
	return r, f, nil
}

// parseLine decodes "<class>;<concentration> idx:value ...". Class numbers
// start at 1 in the files and become 0-based labels.
func parseLine(text string) ([]float64, float64, error) {
	fields := strings.Fields(text)

	head, _, ok := strings.Cut(fields[0], ";")
	if !ok {
		return nil, 0, fmt.Errorf("missing ';' in label %q", fields[0])
	}
	class, err := strconv.Atoi(head)
	if err != nil {
		return nil, 0, fmt.Errorf("bad class %q: %w", head, err)
	}
	if class < 1 || class > NumClasses {
		return nil, 0, fmt.Errorf("class %d out of range [1, %d]", class, NumClasses)
	}

	x := make([]float64, NumFeatures)
	for _, field := range fields[1:] {
		idx, val, ok := strings.Cut(field, ":")
		if !ok {
			return nil, 0, fmt.Errorf("bad feature %q", field)
		}
		i, err := strconv.Atoi(idx)
		if err != nil || i < 1 || i > NumSensorFeatures {
			return nil, 0, fmt.Errorf("bad feature index %q", idx)
		}
		v, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return nil, 0, fmt.Errorf("bad feature value %q: %w", val, err)
		}
		x[i-1] = v
	}
	return x, float64(class - 1), nil
}

// stratifiedSplit holds out testFraction of every class for test and
// validFraction of the remainder for valid, deterministically. Classes with at
// least three rows land in all three splits.
func stratifiedSplit(all *datasets.Split) (train, valid, test *datasets.Split) {
	byClass := map[int][]int{}
	for i, y := range all.Y {
		byClass[int(y)] = append(byClass[int(y)], i)
	}

	classes := make([]int, 0, len(byClass))
	for c := range byClass {
		classes = append(classes, c)
	}
	sort.Ints(classes)

	rng := rand.New(rand.NewSource(splitSeed))

	var trainIdx, validIdx, testIdx []int
	for _, c := range classes {
		idx := byClass[c]
		rng.Shuffle(len(idx), func(i, j int) { idx[i], idx[j] = idx[j], idx[i] })

		nTest := portion(len(idx), testFraction)
		nValid := portion(len(idx)-nTest, validFraction)

		testIdx = append(testIdx, idx[:nTest]...)
		validIdx = append(validIdx, idx[nTest:nTest+nValid]...)
		trainIdx = append(trainIdx, idx[nTest+nValid:]...)
	}

	return subset(all, trainIdx), subset(all, validIdx), subset(all, testIdx)
}

func portion(n int, fraction float64) int {
	k := int(float64(n)*fraction + 0.5)
	if k == 0 && n >= 2 {
		k = 1
	}
	return k
}

func subset(all *datasets.Split, idx []int) *datasets.Split {
	sort.Ints(idx)
	s := &datasets.Split{X: make([][]float64, len(idx)), Y: make([]float64, len(idx))}
	for i, j := range idx {
		s.X[i] = all.X[j]
		s.Y[i] = all.Y[j]
	}
	return s
}
