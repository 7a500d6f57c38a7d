package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/dantte-lp/transient/internal/cache"
	"github.com/dantte-lp/transient/internal/config"
	"github.com/dantte-lp/transient/internal/evaluate"
	"github.com/dantte-lp/transient/internal/fib"
	pipelinemetrics "github.com/dantte-lp/transient/internal/metrics"
	"github.com/dantte-lp/transient/internal/pipeline"
	"github.com/dantte-lp/transient/internal/property"
	"github.com/dantte-lp/transient/internal/report"
	"github.com/dantte-lp/transient/internal/topology"
	"github.com/dantte-lp/transient/internal/trial"
	appversion "github.com/dantte-lp/transient/internal/version"
)

// errTrialsFailed makes the process exit non-zero after all successful
// results were written.
var errTrialsFailed = errors.New("some trials failed")

func analyzeCmd() *cobra.Command {
	var (
		root      string
		workers   int
		noCache   bool
		results   string
		intervals string
		metrics   string
		format    string
		fibModel  string
	)

	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Analyze every trial of the corpus",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			flags := cmd.Flags()
			if flags.Changed("root") {
				cfg.Corpus.Root = root
			}
			if flags.Changed("workers") {
				cfg.Pipeline.Workers = workers
			}
			if flags.Changed("no-cache") {
				cfg.Cache.Disabled = noCache
			}
			if flags.Changed("results") {
				cfg.Output.Results = results
			}
			if flags.Changed("intervals") {
				cfg.Output.Intervals = intervals
			}
			if flags.Changed("metrics") {
				cfg.Output.Metrics = metrics
			}
			if flags.Changed("format") {
				cfg.Output.Summary = format
			}
			if flags.Changed("fib-model") {
				cfg.Violation.FibModel = fibModel
			}
			if err := config.Validate(cfg); err != nil {
				return err
			}
			return runAnalyze(cmd.Context(), cfg, logger, cmd.OutOrStdout())
		},
	}

	f := cmd.Flags()
	f.StringVar(&root, "root", "", "corpus root directory (overrides corpus.root)")
	f.IntVar(&workers, "workers", 0, "parallel trials, 0 = GOMAXPROCS (overrides pipeline.workers)")
	f.BoolVar(&noCache, "no-cache", false, "recompute every trial (overrides cache.disabled)")
	f.StringVar(&results, "results", "", "result CSV path (overrides output.results)")
	f.StringVar(&intervals, "intervals", "", "FIB interval CSV path (overrides output.intervals)")
	f.StringVar(&metrics, "metrics", "", "Prometheus text file path (overrides output.metrics)")
	f.StringVar(&format, "format", "", "summary format: table, json (overrides output.summary)")
	f.StringVar(&fibModel, "fib-model", "", "FIB queuing preset: "+strings.Join(fib.QueuingModels(), ", ")+
		" (overrides violation.fib_model)")

	return cmd
}

// runAnalyze runs the batch and writes every output. It returns
// errTrialsFailed after writing when any trial failed.
func runAnalyze(ctx context.Context, c *config.Config, logger *slog.Logger, stdout io.Writer) error {
	logger.Info("transient starting",
		slog.String("version", appversion.Version),
		slog.String("corpus", c.Corpus.Root),
		slog.Bool("cache", !c.Cache.Disabled),
	)

	specs, err := loadProperties(c.Corpus)
	if err != nil {
		return err
	}

	topologies, err := topology.NewCache(c.Corpus.TopologyCache)
	if err != nil {
		return fmt.Errorf("create topology cache: %w", err)
	}

	reg := prometheus.NewRegistry()
	collector := pipelinemetrics.NewCollector(reg)

	procOpts := []pipeline.ProcessorOption{pipeline.WithMetrics(collector)}
	if !c.Cache.Disabled {
		store, err := cache.Open(ctx, c.Cache.Path, logger)
		if err != nil {
			return err
		}
		defer func() {
			if err := store.Close(); err != nil {
				logger.Warn("failed to close cache", slog.String("error", err.Error()))
			}
		}()
		procOpts = append(procOpts, pipeline.WithCache(store))
	}

	ref, _ := evaluate.ParseReference(c.Evaluate.ErrorReference)
	proc := pipeline.NewProcessor(pipeline.Options{
		Extract:        c.Extract.ExtractOptions(),
		Violation:      c.Violation.Params(),
		PerHopDelay:    c.Violation.PerHopDelay,
		Queuing:        c.Violation.Queuing(),
		ErrorReference: ref,
		Perturbation:   c.Evaluate.Perturbation(),
		Properties:     specs,
	}, logger, procOpts...)
	runner := pipeline.NewRunner(proc, c.Pipeline.Workers, c.Pipeline.TrialTimeout, logger)

	batch, err := runner.RunCorpus(ctx, trial.NewCorpus(c.Corpus.Root, topologies))
	if err != nil {
		return err
	}

	if err := writeOutputs(c.Output, batch, reg); err != nil {
		return err
	}

	records := batch.Records()
	summary := report.Summary{
		Trials: len(batch.Results) + len(batch.Failures),
		Cached: batch.Cached(),
		Scores: evaluate.Aggregate(records),
	}
	for _, f := range batch.Failures {
		summary.Failures = append(summary.Failures, report.Failure{
			Trial: f.Trial,
			Stage: f.Stage,
			Error: f.Err.Error(),
		})
	}
	if err := report.RenderSummary(stdout, summary, c.Output.Summary); err != nil {
		return fmt.Errorf("render summary: %w", err)
	}

	if n := len(batch.Failures); n > 0 {
		return fmt.Errorf("%d of %d trials: %w", n, summary.Trials, errTrialsFailed)
	}
	return nil
}

// writeOutputs writes the result, interval and metrics files that are
// configured.
func writeOutputs(out config.OutputConfig, batch *pipeline.BatchResult, reg *prometheus.Registry) error {
	if out.Results != "" {
		records := batch.Records()
		err := report.WriteFile(out.Results, func(w io.Writer) error {
			return report.WriteRecords(w, records)
		})
		if err != nil {
			return fmt.Errorf("write results: %w", err)
		}
	}

	if out.Intervals != "" {
		intervals := batch.Intervals()
		err := report.WriteFile(out.Intervals, func(w io.Writer) error {
			return report.WriteIntervals(w, intervals)
		})
		if err != nil {
			return fmt.Errorf("write intervals: %w", err)
		}
	}

	if out.Metrics != "" {
		if err := prometheus.WriteToTextfile(out.Metrics, reg); err != nil {
			return fmt.Errorf("write metrics: %w", err)
		}
	}
	return nil
}

// loadProperties reads the corpus property file. A missing file is not an
// error when the path was left at its default.
func loadProperties(c config.CorpusConfig) ([]property.Spec, error) {
	if c.Properties == "" {
		return nil, nil
	}
	path := c.Properties
	if !filepath.IsAbs(path) {
		path = filepath.Join(c.Root, path)
	}

	specs, err := property.Load(path)
	if errors.Is(err, fs.ErrNotExist) && c.Properties == config.DefaultConfig().Corpus.Properties {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return specs, nil
}

// exists reports whether path exists.
func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
