package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"gopkg.in/yaml.v3"

	"github.com/thalesfsp/xtime/datasets"
	_ "github.com/thalesfsp/xtime/datasets/gasconcentrations"
	"github.com/thalesfsp/xtime/stages"
)

const usage = `Usage: xtime [-v] <command> [arguments]

Commands:
  search-hp [flags] DATASET MODEL ALGORITHM
                      Search hyperparameters of MODEL on DATASET[:CONFIG].
                      ALGORITHM is random or hyperopt.
  dataset list        List registered datasets
  dataset describe DATASET[:CONFIG]
                      Print the metadata and split sizes of a dataset
  dataset check DATASET
                      Check every configuration of a dataset against its contract

Environment:
  MLFLOW_TRACKING_URI     tracking store directory (default ./mlruns)
  MLFLOW_EXPERIMENT_NAME  experiment of new runs (default xtime)
  MLFLOW_TAGS             extra run tags, "key=value;..."
  XTIME_DATASETS_DIR      dataset files (default ~/.cache/xtime/datasets)
  CUDA_VISIBLE_DEVICES    GPUs trials may reserve

Flags:
`

// sources collects repeated -params flags.
type sources []string

func (s *sources) String() string     { return strings.Join(*s, ", ") }
func (s *sources) Set(v string) error { *s = append(*s, v); return nil }

func main() {
	verbose := flag.Bool("v", false, "Log debug messages")
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := stages.ResolveConfig(os.LookupEnv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	cfg.Logger = logger

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch args[0] {
	case "search-hp":
		err = searchHP(ctx, cfg, args[1:])
	case "dataset":
		err = dataset(ctx, cfg, args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func searchHP(ctx context.Context, cfg stages.Config, args []string) error {
	fs := flag.NewFlagSet("search-hp", flag.ExitOnError)
	var params sources
	fs.Var(&params, "params", "Hyperparameter source; repeat to merge (default auto:default:model=MODEL)")
	numTrials := fs.Int("num-search-trials", 100, "Number of trials")
	gpu := fs.Bool("gpu", false, "Reserve one GPU per trial")
	acquisition := fs.String("acquisition", "", "Acquisition function of hyperopt: ucb, pi, ei or thompson (default ucb)")
	fs.Parse(args)

	if fs.NArg() != 3 {
		fs.Usage()
		return errors.New("search-hp needs DATASET MODEL ALGORITHM")
	}

	locator, err := stages.SearchHP(ctx, stages.Inputs{
		Dataset:     fs.Arg(0),
		Model:       fs.Arg(1),
		Algorithm:   fs.Arg(2),
		HParams:     params,
		NumTrials:   *numTrials,
		GPU:         *gpu,
		Acquisition: *acquisition,
		Command:     strings.Join(os.Args, " "),
	}, cfg)
	if locator != "" {
		fmt.Printf("run URI: %s\n", locator)
	}
	return err
}

func dataset(ctx context.Context, cfg stages.Config, args []string) error {
	opts := datasets.Options{Root: cfg.DatasetsDir, Logger: cfg.Logger}

	if len(args) == 1 && args[0] == "list" {
		for _, name := range datasets.Names() {
			fmt.Println(name)
		}
		return nil
	}
	if len(args) != 2 {
		return errors.New("usage: xtime dataset list|describe|check DATASET")
	}

	switch args[0] {
	case "describe":
		ds, err := datasets.Load(ctx, args[1], opts)
		if err != nil {
			return err
		}
		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		if err := enc.Encode(datasets.Describe(ds)); err != nil {
			return err
		}
		return enc.Close()

	case "check":
		if err := datasets.Verify(ctx, args[1], opts); err != nil {
			return err
		}
		fmt.Printf("%s: ok\n", args[1])
		return nil
	}
	return fmt.Errorf("unknown dataset command %q", args[0])
}
