package pipeline

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dantte-lp/transient/internal/evaluate"
	"github.com/dantte-lp/transient/internal/fib"
	"github.com/dantte-lp/transient/internal/trial"
)

// DefaultTrialTimeout bounds one trial when the runner is given none.
const DefaultTrialTimeout = 10 * time.Minute

// BatchResult is the outcome of a batch. Results and Failures are sorted by
// trial key regardless of worker scheduling.
type BatchResult struct {
	Results  []*TrialResult
	Failures []*TrialError
}

// Records returns the records of every successful trial.
func (b *BatchResult) Records() []evaluate.Record {
	var out []evaluate.Record
	for _, r := range b.Results {
		out = append(out, r.Records...)
	}
	return out
}

// Intervals returns the FIB intervals of every successful trial by key.
func (b *BatchResult) Intervals() map[string][]fib.Interval {
	out := make(map[string][]fib.Interval, len(b.Results))
	for _, r := range b.Results {
		out[r.Trial] = r.Intervals
	}
	return out
}

// Cached counts trials served entirely from the cache.
func (b *BatchResult) Cached() int {
	n := 0
	for _, r := range b.Results {
		if r.Cached {
			n++
		}
	}
	return n
}

// Runner processes trials in parallel.
type Runner struct {
	proc    *Processor
	workers int
	timeout time.Duration
	logger  *slog.Logger
}

// NewRunner creates a Runner. workers <= 0 selects GOMAXPROCS; timeout <= 0
// selects DefaultTrialTimeout.
func NewRunner(proc *Processor, workers int, timeout time.Duration, logger *slog.Logger) *Runner {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if timeout <= 0 {
		timeout = DefaultTrialTimeout
	}
	return &Runner{
		proc:    proc,
		workers: workers,
		timeout: timeout,
		logger:  logger.With(slog.String("component", "pipeline.runner")),
	}
}

// Run processes trials. A failing or timed-out trial is reported in
// Failures and does not affect the others. An error is returned only when
// ctx is cancelled.
func (r *Runner) Run(ctx context.Context, trials []*trial.Trial) (*BatchResult, error) {
	results := make([]*TrialResult, len(trials))
	failures := make([]*TrialError, len(trials))

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(r.workers)

	for i, t := range trials {
		g.Go(func() error {
			if err := gCtx.Err(); err != nil {
				return err
			}
			tctx, cancel := context.WithTimeout(gCtx, r.timeout)
			defer cancel()

			start := time.Now()
			res, err := r.proc.Process(tctx, t)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				failures[i] = asTrialError(t.Key, StageCompute, err)
				r.logger.Error("trial failed",
					slog.String("trial", t.Key),
					slog.String("stage", failures[i].Stage),
					slog.String("error", failures[i].Err.Error()),
				)
				return nil
			}
			results[i] = res
			r.logger.Info("trial done",
				slog.String("trial", t.Key),
				slog.Int("records", len(res.Records)),
				slog.Int("warnings", len(res.Warnings)),
				slog.Bool("cached", res.Cached),
				slog.Duration("elapsed", time.Since(start)),
			)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("run batch: %w", err)
	}

	b := &BatchResult{}
	for i := range trials {
		if results[i] != nil {
			b.Results = append(b.Results, results[i])
		}
		if failures[i] != nil {
			b.Failures = append(b.Failures, failures[i])
		}
	}
	sortBatch(b)
	return b, nil
}

// RunCorpus discovers the trials of c and runs them. Trials that fail to
// load become load-stage failures.
func (r *Runner) RunCorpus(ctx context.Context, c *trial.Corpus) (*BatchResult, error) {
	trials, loadErrs := c.Discover()
	r.logger.Info("corpus discovered",
		slog.String("root", c.Root),
		slog.Int("trials", len(trials)),
		slog.Int("load_errors", len(loadErrs)),
	)

	b, err := r.Run(ctx, trials)
	if err != nil {
		return nil, err
	}
	for _, le := range loadErrs {
		f := &TrialError{Stage: StageLoad, Err: le}
		var te *trial.LoadError
		if errors.As(le, &te) {
			f.Trial, f.Err = te.Dir, te.Err
		}
		b.Failures = append(b.Failures, f)
	}
	sortBatch(b)
	return b, nil
}

func sortBatch(b *BatchResult) {
	slices.SortFunc(b.Results, func(x, y *TrialResult) int { return cmp.Compare(x.Trial, y.Trial) })
	slices.SortFunc(b.Failures, func(x, y *TrialError) int {
		return cmp.Or(cmp.Compare(x.Trial, y.Trial), cmp.Compare(x.Stage, y.Stage))
	})
}
