package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"slices"

	"github.com/dantte-lp/transient/internal/align"
	"github.com/dantte-lp/transient/internal/equiv"
	"github.com/dantte-lp/transient/internal/evaluate"
	"github.com/dantte-lp/transient/internal/fib"
	"github.com/dantte-lp/transient/internal/forwarding"
	"github.com/dantte-lp/transient/internal/groundtruth"
	pipelinemetrics "github.com/dantte-lp/transient/internal/metrics"
	"github.com/dantte-lp/transient/internal/property"
	"github.com/dantte-lp/transient/internal/violation"
)

func (j *job) extract(ctx context.Context) error {
	res, err := j.extractor.Extract(ctx, j.trial)
	if err != nil {
		return err
	}
	j.metrics.AddParseErrors(pipelinemetrics.SourceCapture, len(res.ParseErrors)-res.LogErrors)
	j.metrics.AddParseErrors(pipelinemetrics.SourceControlLog, res.LogErrors)
	j.result.Warnings = append(j.result.Warnings, res.ParseErrors...)
	j.events = &res.Events
	return nil
}

func (j *job) align(context.Context) error {
	aligned, tl, errs, err := align.Align(j.events, j.trial.Topology, j.trial.Manifest.Origin)
	if err != nil {
		return err
	}
	j.warnUnaligned(errs)
	j.events, j.timeline = aligned, tl

	j.end = j.trial.Manifest.End
	if j.end == 0 {
		if last, ok := aligned.Last(); ok {
			j.end = tl.Since(last)
		}
	}
	return nil
}

func (j *job) warnUnaligned(errs []error) {
	if len(errs) == 0 {
		return
	}
	j.metrics.AddUnaligned(len(errs))
	for _, err := range errs {
		var ae *align.Error
		if errors.As(err, &ae) {
			j.logger.Warn("vantage excluded from analysis",
				slog.String("trial", j.trial.Key),
				slog.String("vantage", ae.Vantage),
				slog.String("error", ae.Err.Error()),
			)
		}
	}
	j.result.Warnings = append(j.result.Warnings, errs...)
}

func (j *job) groundTruth(ctx context.Context) error {
	if j.trial.Manifest.GroundTruth == "" {
		return nil
	}
	records, perrs, err := groundtruth.Read(ctx, j.trial.Path(j.trial.Manifest.GroundTruth))
	if err != nil {
		return err
	}
	j.metrics.AddParseErrors(pipelinemetrics.SourceGroundTruth, len(perrs))
	j.result.Warnings = append(j.result.Warnings, perrs...)

	truth, errs := groundtruth.Resolve(records, j.timeline)
	j.warnUnaligned(errs)
	j.truth = truth
	return nil
}

func (j *job) estimate(context.Context) error {
	t := j.trial
	dag := t.Topology.CausalDAG(t.Manifest.Origin)
	est := fib.NewEstimator(t.Topology, dag, j.timeline, fib.Params{
		PerHopDelay: j.opts.PerHopDelay,
		End:         j.end,
		Queuing:     j.opts.Queuing,
	}, j.logger)

	j.result.Intervals = est.Estimate(j.events, j.tables)
	j.schedules = fib.Index(j.result.Intervals)

	unbounded := 0
	for _, iv := range j.result.Intervals {
		if iv.Unbounded {
			unbounded++
		}
	}
	j.metrics.AddUnbounded(unbounded)
	return nil
}

// compute evaluates every pending property. A property that fails yields a
// single error record; the trial continues.
func (j *job) compute(ctx context.Context) error {
	for _, prop := range j.pending {
		if err := ctx.Err(); err != nil {
			return err
		}
		records, err := j.evaluate(prop)
		if err != nil {
			var pe *property.Error
			if !errors.As(err, &pe) {
				err = &property.Error{Property: prop.Name, Err: err}
			}
			j.fail(prop.Spec, err)
			continue
		}
		j.result.Records = append(j.result.Records, records...)
	}
	return nil
}

// evaluate runs one property over every probe path of its prefix.
func (j *job) evaluate(prop *property.Property) ([]evaluate.Record, error) {
	tbl, ok := j.tables[prop.Prefix]
	if !ok {
		return nil, &property.Error{Property: prop.Name, Err: ErrNoRoutes}
	}
	topo := j.trial.Topology

	sources := equiv.Sources(prop.Spec, j.observedSources(prop), tbl, topo)
	classes, err := equiv.Reduce(prop, tbl, topo, sources)
	if err != nil {
		return nil, err
	}
	j.metrics.RecordReduction(len(sources), len(classes))

	sched := j.schedules[prop.Prefix]
	truth, haveTruth := j.truthPoints(tbl)
	params := j.opts.Violation

	var out []evaluate.Record
	for _, c := range classes {
		iv, err := violation.Compute(c.Query, sched, j.end, params)
		if err != nil {
			return nil, err
		}
		bl, err := violation.ComputeBaseline(c.Query, sched, j.end, params)
		if err != nil {
			return nil, err
		}
		var (
			gt        violation.Interval
			perturbed int
		)
		if haveTruth {
			if gt, err = violation.EvaluatePoints(c.Query, truth, j.end); err != nil {
				return nil, err
			}
			if pt := j.opts.Perturbation; pt.Enabled() {
				if perturbed, err = pt.Robustness(c.Query, sched, j.end, params, gt); err != nil {
					return nil, err
				}
			}
		}

		for _, m := range c.Members {
			r := evaluate.Record{
				Trial:          j.trial.Key,
				Property:       prop.Name,
				Source:         m.Source,
				Kind:           prop.Kind,
				Status:         evaluate.StatusOK,
				Interval:       j.label(iv, prop.Name, m.Source),
				Baseline:       bl,
				TruthAvailable: haveTruth,
			}
			if haveTruth {
				r.GroundTruth = j.label(gt, prop.Name, m.Source)
			}
			r.Score = evaluate.Evaluate(r, j.opts.ErrorReference)
			if haveTruth && j.opts.Perturbation.Enabled() {
				r.Score.PerturbedRounds = j.opts.Perturbation.Rounds
				r.Score.PerturbedCovered = perturbed
			}
			out = append(out, r)
		}
	}
	return out, nil
}

func (j *job) label(iv violation.Interval, prop, source string) violation.Interval {
	iv.Trial, iv.Property, iv.Source = j.trial.Key, prop, source
	return iv
}

// observedSources returns the probe entry routers seen for the property's
// prefix.
func (j *job) observedSources(prop *property.Property) []string {
	var out []string
	for _, e := range j.events.Probe {
		if e.Source != "" && e.Prefix == prop.Prefix {
			out = append(out, e.Source)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// truthPoints returns the measured transition instants of the table's
// touched routers. Ground truth is usable only when every touched router
// was measured.
func (j *job) truthPoints(tbl *forwarding.Table) (violation.Points, bool) {
	if j.truth.Len() == 0 {
		return nil, false
	}
	points := make(violation.Points)
	for _, r := range tbl.Touched() {
		t, ok := j.truth.At(tbl.Prefix, r)
		if !ok {
			return nil, false
		}
		points[r] = t
	}
	return points, true
}
