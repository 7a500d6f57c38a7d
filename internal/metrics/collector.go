package pipelinemetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const (
	namespace = "transient"
	subsystem = "pipeline"
)

// Label names for pipeline metrics.
const (
	labelStatus = "status"
	labelStage  = "stage"
	labelResult = "result"
	labelSource = "source"
	labelKind   = "kind"
)

// Trial status label values.
const (
	StatusOK     = "ok"
	StatusCached = "cached"
	StatusFailed = "failed"
)

// Cache lookup label values.
const (
	CacheHit     = "hit"
	CacheMiss    = "miss"
	CacheCorrupt = "corrupt"
)

// Parse error source label values.
const (
	SourceCapture     = "capture"
	SourceControlLog  = "control_log"
	SourceGroundTruth = "ground_truth"
)

// -------------------------------------------------------------------------
// Collector
// -------------------------------------------------------------------------

// Collector holds all pipeline Prometheus metrics.
//
// A batch run is short-lived, so the metrics are written to a text file at
// the end of the run instead of being scraped:
//   - Trial counters track how many trials were computed, served from
//     cache, or failed.
//   - Stage histograms show where time goes per trial.
//   - Data quality counters flag malformed inputs and unaligned clocks.
type Collector struct {
	// Trials counts finished trials by status.
	Trials *prometheus.CounterVec

	// StageDuration observes the duration of each per-trial stage.
	StageDuration *prometheus.HistogramVec

	// CacheLookups counts cache lookups by result.
	CacheLookups *prometheus.CounterVec

	// ParseErrors counts skipped malformed frames and records by input.
	ParseErrors *prometheus.CounterVec

	// UnalignedVantages counts vantages whose clock could not be aligned.
	UnalignedVantages prometheus.Counter

	// UnboundedIntervals counts FIB intervals without a data-plane upper
	// bound.
	UnboundedIntervals prometheus.Counter

	// ProbePaths counts the probe paths handed to the equivalence reducer.
	ProbePaths prometheus.Counter

	// EquivalenceClasses counts the classes the violation algorithm ran on.
	EquivalenceClasses prometheus.Counter

	// PropertyErrors counts properties that could not be evaluated, by kind.
	PropertyErrors *prometheus.CounterVec
}

// NewCollector creates a Collector with all pipeline metrics registered
// against the provided prometheus.Registerer. If reg is nil,
// prometheus.DefaultRegisterer is used.
//
// All metrics are created with the "transient_pipeline_" prefix
// (namespace_subsystem).
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.Trials,
		c.StageDuration,
		c.CacheLookups,
		c.ParseErrors,
		c.UnalignedVantages,
		c.UnboundedIntervals,
		c.ProbePaths,
		c.EquivalenceClasses,
		c.PropertyErrors,
	)

	return c
}

// newMetrics creates all Prometheus metrics without registering them.
func newMetrics() *Collector {
	return &Collector{
		Trials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "trials_total",
			Help:      "Total trials finished, by status.",
		}, []string{labelStatus}),

		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "stage_duration_seconds",
			Help:      "Duration of per-trial pipeline stages.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{labelStage}),

		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "cache_lookups_total",
			Help:      "Total result cache lookups, by result.",
		}, []string{labelResult}),

		ParseErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "parse_errors_total",
			Help:      "Total malformed frames and records skipped, by input.",
		}, []string{labelSource}),

		UnalignedVantages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "unaligned_vantages_total",
			Help:      "Total vantages excluded because the anchor was not observed.",
		}),

		UnboundedIntervals: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "unbounded_intervals_total",
			Help:      "Total FIB transition intervals without a data-plane upper bound.",
		}),

		ProbePaths: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "probe_paths_total",
			Help:      "Total probe paths considered by the equivalence reducer.",
		}),

		EquivalenceClasses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "equivalence_classes_total",
			Help:      "Total equivalence classes evaluated.",
		}),

		PropertyErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "property_errors_total",
			Help:      "Total properties that could not be evaluated, by kind.",
		}, []string{labelKind}),
	}
}

// -------------------------------------------------------------------------
// Trials
// -------------------------------------------------------------------------

// RecordTrial counts a finished trial.
func (c *Collector) RecordTrial(status string) {
	c.Trials.WithLabelValues(status).Inc()
}

// ObserveStage records the duration of one stage.
func (c *Collector) ObserveStage(stage string, d time.Duration) {
	c.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// RecordCacheLookup counts a cache lookup.
func (c *Collector) RecordCacheLookup(result string) {
	c.CacheLookups.WithLabelValues(result).Inc()
}

// -------------------------------------------------------------------------
// Data Quality
// -------------------------------------------------------------------------

// AddParseErrors counts skipped records from one input kind.
func (c *Collector) AddParseErrors(source string, n int) {
	if n > 0 {
		c.ParseErrors.WithLabelValues(source).Add(float64(n))
	}
}

// AddUnaligned counts unaligned vantages.
func (c *Collector) AddUnaligned(n int) {
	c.UnalignedVantages.Add(float64(n))
}

// AddUnbounded counts unbounded intervals.
func (c *Collector) AddUnbounded(n int) {
	c.UnboundedIntervals.Add(float64(n))
}

// RecordReduction counts the paths and classes of one reduction.
func (c *Collector) RecordReduction(paths, classes int) {
	c.ProbePaths.Add(float64(paths))
	c.EquivalenceClasses.Add(float64(classes))
}

// IncPropertyErrors counts a property that could not be evaluated.
func (c *Collector) IncPropertyErrors(kind string) {
	c.PropertyErrors.WithLabelValues(kind).Inc()
}
