// Package pipeline runs the per-trial analysis and schedules trials over a
// bounded worker pool.
//
// A trial moves through the stages in order: extract events from the
// captures and control log, align vantage clocks, resolve ground truth,
// estimate FIB transition intervals, then reduce and evaluate every
// property. Results are cached per (trial, property) keyed by a content hash
// of every input, so an unchanged trial costs one hash and one lookup.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"slices"
	"time"

	json "github.com/goccy/go-json"

	"github.com/dantte-lp/transient/internal/align"
	"github.com/dantte-lp/transient/internal/cache"
	"github.com/dantte-lp/transient/internal/evaluate"
	"github.com/dantte-lp/transient/internal/event"
	"github.com/dantte-lp/transient/internal/extract"
	"github.com/dantte-lp/transient/internal/fib"
	"github.com/dantte-lp/transient/internal/forwarding"
	"github.com/dantte-lp/transient/internal/groundtruth"
	pipelinemetrics "github.com/dantte-lp/transient/internal/metrics"
	"github.com/dantte-lp/transient/internal/property"
	"github.com/dantte-lp/transient/internal/report"
	"github.com/dantte-lp/transient/internal/trial"
	"github.com/dantte-lp/transient/internal/violation"
	appversion "github.com/dantte-lp/transient/internal/version"
)

// intervalsKey is the cache slot holding a trial's FIB intervals. It is
// stored under the trial-level hash. Property names cannot take the
// reserved prefix, so the slot never collides with a property.
const intervalsKey = property.ReservedPrefix + "intervals"

// Options are the analysis parameters shared by every trial.
type Options struct {
	Extract        extract.Options
	Violation      violation.Params
	PerHopDelay    time.Duration
	Queuing        fib.QueuingModel
	ErrorReference evaluate.ErrorReference

	// Perturbation re-evaluates records with ground truth under simulated
	// clock offsets. The zero value disables it.
	Perturbation evaluate.Perturbation

	// Properties is the corpus-wide property set. Trial manifests may add
	// or override properties by name.
	Properties []property.Spec
}

// TrialResult is the outcome of one trial.
type TrialResult struct {
	Trial     string
	Records   []evaluate.Record
	Intervals []fib.Interval

	// Cached means nothing was recomputed.
	Cached bool

	// Warnings are non-fatal findings: skipped records, unaligned vantages.
	Warnings []error
}

// -------------------------------------------------------------------------
// Metrics
// -------------------------------------------------------------------------

// MetricsReporter receives pipeline measurements.
type MetricsReporter interface {
	RecordTrial(status string)
	ObserveStage(stage string, d time.Duration)
	RecordCacheLookup(result string)
	AddParseErrors(source string, n int)
	AddUnaligned(n int)
	AddUnbounded(n int)
	RecordReduction(paths, classes int)
	IncPropertyErrors(kind string)
}

type noopMetrics struct{}

func (noopMetrics) RecordTrial(string)                 {}
func (noopMetrics) ObserveStage(string, time.Duration) {}
func (noopMetrics) RecordCacheLookup(string)           {}
func (noopMetrics) AddParseErrors(string, int)         {}
func (noopMetrics) AddUnaligned(int)                   {}
func (noopMetrics) AddUnbounded(int)                   {}
func (noopMetrics) RecordReduction(int, int)           {}
func (noopMetrics) IncPropertyErrors(string)           {}

// -------------------------------------------------------------------------
// Processor
// -------------------------------------------------------------------------

// Processor analyzes single trials. It is safe for concurrent use.
type Processor struct {
	opts      Options
	extractor *extract.Extractor
	store     *cache.Store
	metrics   MetricsReporter
	logger    *slog.Logger
}

// ProcessorOption configures a Processor.
type ProcessorOption func(*Processor)

// WithCache enables the result cache. A nil store disables it.
func WithCache(s *cache.Store) ProcessorOption {
	return func(p *Processor) {
		p.store = s
	}
}

// WithMetrics sets the MetricsReporter. If mr is nil, a no-op reporter is
// used.
func WithMetrics(mr MetricsReporter) ProcessorOption {
	return func(p *Processor) {
		if mr != nil {
			p.metrics = mr
		}
	}
}

// NewProcessor creates a Processor.
func NewProcessor(opts Options, logger *slog.Logger, options ...ProcessorOption) *Processor {
	p := &Processor{
		opts:      opts,
		extractor: extract.New(opts.Extract, logger),
		metrics:   noopMetrics{},
		logger:    logger.With(slog.String("component", "pipeline")),
	}
	for _, o := range options {
		o(p)
	}
	return p
}

// Process analyzes t. A returned error is always a *TrialError; property
// failures are reported as error records instead.
func (p *Processor) Process(ctx context.Context, t *trial.Trial) (*TrialResult, error) {
	j := &job{Processor: p, trial: t, result: &TrialResult{Trial: t.Key}}
	if err := j.run(ctx); err != nil {
		p.metrics.RecordTrial(pipelinemetrics.StatusFailed)
		return nil, asTrialError(t.Key, StageCompute, err)
	}

	report.SortRecords(j.result.Records)
	if j.result.Cached {
		p.metrics.RecordTrial(pipelinemetrics.StatusCached)
	} else {
		p.metrics.RecordTrial(pipelinemetrics.StatusOK)
	}
	return j.result, nil
}

// job is the state of one trial while it moves through the stages.
type job struct {
	*Processor
	trial  *trial.Trial
	result *TrialResult

	props   []*property.Property
	pending []*property.Property

	base   string
	hashes map[string]string

	tables    map[netip.Prefix]*forwarding.Table
	events    *event.Set
	timeline  *align.Timeline
	truth     *groundtruth.Transitions
	end       time.Duration
	schedules map[netip.Prefix]fib.Schedule
}

// stage times fn and wraps its error with the stage name.
func (j *job) stage(name string, fn func() error) error {
	start := time.Now()
	err := fn()
	j.metrics.ObserveStage(name, time.Since(start))
	if err != nil {
		return &TrialError{Trial: j.trial.Key, Stage: name, Err: err}
	}
	return nil
}

func (j *job) run(ctx context.Context) error {
	if err := j.stage(StageLoad, j.load); err != nil {
		return err
	}

	j.pending = j.props
	intervalsCached := false
	if j.store != nil {
		if err := j.stage(StageHash, j.hash); err != nil {
			return err
		}
		if err := j.stage(StageCache, func() error {
			intervalsCached = j.lookup(ctx)
			return nil
		}); err != nil {
			return err
		}
		if intervalsCached && len(j.pending) == 0 {
			j.result.Cached = true
			j.logger.Debug("trial served from cache", slog.String("trial", j.trial.Key))
			return nil
		}
	}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{StageExtract, j.extract},
		{StageAlign, j.align},
		{StageGroundTruth, j.groundTruth},
		{StageEstimate, j.estimate},
		{StageCompute, j.compute},
	}
	for _, s := range steps {
		if err := ctx.Err(); err != nil {
			return &TrialError{Trial: j.trial.Key, Stage: s.name, Err: err}
		}
		if err := j.stage(s.name, func() error { return s.fn(ctx) }); err != nil {
			return err
		}
	}

	if j.store != nil {
		return j.stage(StageStore, func() error {
			j.save(ctx)
			return nil
		})
	}
	return nil
}

// load compiles the merged property set and the routing tables.
func (j *job) load() error {
	tables, err := j.trial.Routing()
	if err != nil {
		return err
	}
	j.tables = tables

	for _, spec := range property.Merge(j.opts.Properties, j.trial.Manifest.Properties) {
		prop, err := property.Compile(spec)
		if err != nil {
			j.fail(spec, err)
			continue
		}
		j.props = append(j.props, prop)
	}
	return nil
}

// fail records a property that cannot be evaluated.
func (j *job) fail(spec property.Spec, err error) {
	kind := string(spec.Kind)
	if !slices.Contains(property.Kinds(), spec.Kind) {
		kind = "unsupported"
	}
	j.metrics.IncPropertyErrors(kind)
	j.logger.Warn("property not evaluated",
		slog.String("trial", j.trial.Key),
		slog.String("property", spec.Name),
		slog.String("error", err.Error()),
	)
	j.result.Records = append(j.result.Records, evaluate.Record{
		Trial:    j.trial.Key,
		Property: spec.Name,
		Kind:     spec.Kind,
		Status:   evaluate.StatusError,
		Err:      err.Error(),
	})
}

// -------------------------------------------------------------------------
// Cache
// -------------------------------------------------------------------------

// paramString renders every parameter that affects results.
func (j *job) paramString() string {
	v := j.opts.Violation
	x := j.opts.Extract
	pt := j.opts.Perturbation
	return fmt.Sprintf("slack=%s max_ambiguous=%d baseline=%s per_hop=%s fib_model=%s ref=%s "+
		"perturb=%s/%d/%d proto=%d min_size=%d prober=%s drops=%t",
		v.Slack, v.MaxAmbiguous, v.Baseline, j.opts.PerHopDelay, j.opts.Queuing, j.opts.ErrorReference,
		pt.Bound, pt.Rounds, pt.Seed, x.ProbeProtocol, x.MinProbeSize, x.ProberMAC, x.DetectDrops)
}

// hash computes the trial-level hash and one hash per property.
func (j *job) hash() error {
	h := cache.NewHasher().String(appversion.AlgorithmTag()).String(j.paramString())
	for _, f := range j.trial.InputFiles() {
		if err := h.File(f); err != nil {
			return err
		}
	}
	j.base = h.Sum()

	j.hashes = make(map[string]string, len(j.props))
	for _, prop := range j.props {
		spec, err := json.Marshal(prop.Spec)
		if err != nil {
			return fmt.Errorf("encode property %s: %w", prop.Name, err)
		}
		j.hashes[prop.Name] = cache.NewHasher().String(j.base).Bytes(spec).Sum()
	}
	return nil
}

// lookup serves what it can from the cache and leaves the rest pending. It
// reports whether the trial intervals were cached.
func (j *job) lookup(ctx context.Context) bool {
	intervals, ok := load1[[]fib.Interval](ctx, j, intervalsKey, j.base)
	if ok {
		j.result.Intervals = intervals
	}

	var pending []*property.Property
	for _, prop := range j.props {
		records, hit := load1[[]evaluate.Record](ctx, j, prop.Name, j.hashes[prop.Name])
		if !hit {
			pending = append(pending, prop)
			continue
		}
		j.result.Records = append(j.result.Records, records...)
	}
	j.pending = pending
	return ok
}

// load1 reads one cache slot into v. Lookup failures count as misses.
func load1[T any](ctx context.Context, j *job, slot, hash string) (T, bool) {
	v, ok, err := cache.Load[T](ctx, j.store, j.trial.Key, slot, hash)
	switch {
	case err != nil:
		j.metrics.RecordCacheLookup(pipelinemetrics.CacheCorrupt)
		j.logger.Warn("cache lookup failed",
			slog.String("trial", j.trial.Key),
			slog.String("slot", slot),
			slog.String("error", err.Error()),
		)
		return v, false
	case ok:
		j.metrics.RecordCacheLookup(pipelinemetrics.CacheHit)
	default:
		j.metrics.RecordCacheLookup(pipelinemetrics.CacheMiss)
	}
	return v, ok
}

// save writes every freshly computed result. A failed write only costs a
// recomputation on the next run.
func (j *job) save(ctx context.Context) {
	write := func(slot string, err error) {
		if err != nil {
			j.logger.Warn("cache write failed",
				slog.String("trial", j.trial.Key),
				slog.String("slot", slot),
				slog.String("error", err.Error()),
			)
		}
	}

	write(intervalsKey, cache.Save(ctx, j.store, j.trial.Key, intervalsKey, j.base, j.result.Intervals))

	byProp := make(map[string][]evaluate.Record)
	for _, r := range j.result.Records {
		byProp[r.Property] = append(byProp[r.Property], r)
	}
	for _, prop := range j.pending {
		h := j.hashes[prop.Name]
		write(prop.Name, cache.Save(ctx, j.store, j.trial.Key, prop.Name, h, byProp[prop.Name]))
	}
}
