// Package evaluate scores violation intervals and baseline estimates
// against ground truth and aggregates the scores over a batch.
package evaluate

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/dantte-lp/transient/internal/property"
	"github.com/dantte-lp/transient/internal/violation"
)

// ErrorReference selects what the baseline error is measured against.
type ErrorReference string

const (
	// ReferenceMidpoint measures against the ground-truth midpoint.
	ReferenceMidpoint ErrorReference = "midpoint"

	// ReferenceBoundary measures against the nearest ground-truth boundary.
	ReferenceBoundary ErrorReference = "boundary"
)

// ErrUnknownReference indicates an unsupported error reference.
var ErrUnknownReference = errors.New("unknown error reference")

// ParseReference validates an error reference name.
func ParseReference(s string) (ErrorReference, error) {
	switch r := ErrorReference(s); r {
	case ReferenceMidpoint, ReferenceBoundary:
		return r, nil
	default:
		return "", fmt.Errorf("%q: %w", s, ErrUnknownReference)
	}
}

// Status is the outcome of one record.
type Status string

const (
	// StatusOK is a computed record.
	StatusOK Status = "ok"

	// StatusError is a property that could not be evaluated.
	StatusError Status = "error"
)

// Record is one result: a property evaluated for one probe path of one
// trial.
type Record struct {
	Trial    string        `json:"trial"`
	Property string        `json:"property"`
	Source   string        `json:"source"`
	Kind     property.Kind `json:"kind"`
	Status   Status        `json:"status"`

	Interval violation.Interval `json:"interval"`
	Baseline violation.Baseline `json:"baseline"`

	// GroundTruth is meaningful only when TruthAvailable is set.
	GroundTruth    violation.Interval `json:"ground_truth"`
	TruthAvailable bool               `json:"truth_available"`

	Score Score `json:"score"`

	Err string `json:"error,omitempty"`
}

// Score compares one record against its ground truth.
type Score struct {
	// BaselineError is the distance between the baseline point and the
	// ground-truth reference, set when both report a violation.
	BaselineError    time.Duration `json:"baseline_error"`
	HasBaselineError bool          `json:"has_baseline_error"`

	// Missed means ground truth shows a violation the baseline did not.
	Missed bool `json:"missed"`

	// FalsePositive means the baseline reports a violation ground truth
	// does not show.
	FalsePositive bool `json:"false_positive"`

	// Covered means the ground-truth interval lies inside the computed one.
	Covered bool `json:"covered"`

	ComputedWidth time.Duration `json:"computed_width"`
	TruthWidth    time.Duration `json:"truth_width"`

	// Tightness is ComputedWidth / TruthWidth, set when TruthWidth > 0.
	Tightness    float64 `json:"tightness"`
	HasTightness bool    `json:"has_tightness"`

	// PerturbedCovered counts the clock-perturbed rounds whose interval
	// still contains the ground truth.
	PerturbedRounds  int `json:"perturbed_rounds,omitempty"`
	PerturbedCovered int `json:"perturbed_covered,omitempty"`
}

// Evaluate scores r. Records without ground truth or with an error get a
// zero score.
func Evaluate(r Record, ref ErrorReference) Score {
	var s Score
	if r.Status != StatusOK || !r.TruthAvailable {
		return s
	}
	gt := r.GroundTruth
	truthViolated := !gt.Empty

	s.Missed = truthViolated && !r.Baseline.Violated
	s.FalsePositive = !truthViolated && r.Baseline.Violated
	s.Covered = r.Interval.Contains(gt)
	s.ComputedWidth = r.Interval.Width()
	s.TruthWidth = gt.Width()
	if s.TruthWidth > 0 {
		s.Tightness = float64(s.ComputedWidth) / float64(s.TruthWidth)
		s.HasTightness = true
	}

	if truthViolated && r.Baseline.Violated {
		p := r.Baseline.Point
		switch ref {
		case ReferenceBoundary:
			s.BaselineError = min(abs(p-gt.Start), abs(p-gt.End))
		default:
			s.BaselineError = abs(p - (gt.Start + (gt.End-gt.Start)/2))
		}
		s.HasBaselineError = true
	}
	return s
}

func abs(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

// -------------------------------------------------------------------------
// Aggregation
// -------------------------------------------------------------------------

// Summary aggregates the scores of a batch.
type Summary struct {
	Records   int
	Errors    int
	WithTruth int

	Covered      int
	CoverageRate float64

	Violations int
	Unbounded  int
	Persistent int

	BaselineMissed        int
	BaselineFalsePositive int

	BaselineErrorMean   time.Duration
	BaselineErrorMedian time.Duration
	BaselineErrorP90    time.Duration

	TightnessMean   float64
	TightnessMedian float64

	// PerturbedCoverageRate is PerturbedCovered / PerturbedRounds over
	// every record with ground truth.
	PerturbedRounds       int
	PerturbedCovered      int
	PerturbedCoverageRate float64
}

// Aggregate summarizes records.
func Aggregate(records []Record) Summary {
	var (
		s         Summary
		errs      []float64
		tightness []float64
	)
	for _, r := range records {
		s.Records++
		if r.Status != StatusOK {
			s.Errors++
			continue
		}
		if !r.Interval.Empty {
			s.Violations++
		}
		if r.Interval.Unbounded {
			s.Unbounded++
		}
		if r.Interval.Persistent {
			s.Persistent++
		}
		if !r.TruthAvailable {
			continue
		}
		s.WithTruth++
		if r.Score.Covered {
			s.Covered++
		}
		if r.Score.Missed {
			s.BaselineMissed++
		}
		if r.Score.FalsePositive {
			s.BaselineFalsePositive++
		}
		if r.Score.HasBaselineError {
			errs = append(errs, float64(r.Score.BaselineError))
		}
		if r.Score.HasTightness {
			tightness = append(tightness, r.Score.Tightness)
		}
		s.PerturbedRounds += r.Score.PerturbedRounds
		s.PerturbedCovered += r.Score.PerturbedCovered
	}

	if s.WithTruth > 0 {
		s.CoverageRate = float64(s.Covered) / float64(s.WithTruth)
	}
	if s.PerturbedRounds > 0 {
		s.PerturbedCoverageRate = float64(s.PerturbedCovered) / float64(s.PerturbedRounds)
	}
	if len(errs) > 0 {
		slices.Sort(errs)
		s.BaselineErrorMean = time.Duration(stat.Mean(errs, nil))
		s.BaselineErrorMedian = time.Duration(stat.Quantile(0.5, stat.Empirical, errs, nil))
		s.BaselineErrorP90 = time.Duration(stat.Quantile(0.9, stat.Empirical, errs, nil))
	}
	if len(tightness) > 0 {
		slices.Sort(tightness)
		s.TightnessMean = stat.Mean(tightness, nil)
		s.TightnessMedian = stat.Quantile(0.5, stat.Empirical, tightness, nil)
	}
	return s
}
