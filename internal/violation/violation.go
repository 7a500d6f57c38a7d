// Package violation computes when a forwarding property may have been
// violated while routers moved from their old to their new next hops.
//
// Given each router's transition interval, the conservative algorithm
// considers every combination of old and new states that the intervals
// permit at each instant, and reports the union of instants at which some
// combination violates the property. The baseline instead collapses every
// interval to one representative instant and evaluates the resulting single
// schedule, which is what a point-estimate analysis would do.
package violation

import (
	"errors"
	"fmt"
	"time"

	"github.com/dantte-lp/transient/internal/fib"
	"github.com/dantte-lp/transient/internal/forwarding"
	"github.com/dantte-lp/transient/internal/property"
)

// -------------------------------------------------------------------------
// Parameters
// -------------------------------------------------------------------------

// BaselineMode selects the representative instant of an interval.
type BaselineMode string

const (
	// BaselineMidpoint uses (Earliest + Latest) / 2.
	BaselineMidpoint BaselineMode = "midpoint"

	// BaselineEarliest uses Earliest.
	BaselineEarliest BaselineMode = "earliest"

	// BaselineLatest uses Latest.
	BaselineLatest BaselineMode = "latest"
)

// ErrUnknownBaseline indicates an unsupported baseline mode.
var ErrUnknownBaseline = errors.New("unknown baseline mode")

// ParseBaselineMode validates a mode name.
func ParseBaselineMode(s string) (BaselineMode, error) {
	switch m := BaselineMode(s); m {
	case BaselineMidpoint, BaselineEarliest, BaselineLatest:
		return m, nil
	default:
		return "", fmt.Errorf("%q: %w", s, ErrUnknownBaseline)
	}
}

// represent returns the representative instant of iv.
func (m BaselineMode) represent(iv fib.Interval) time.Duration {
	switch m {
	case BaselineEarliest:
		return iv.Earliest
	case BaselineLatest:
		return iv.Latest
	default:
		return iv.Earliest + (iv.Latest-iv.Earliest)/2
	}
}

// Params tunes the algorithm.
type Params struct {
	// Slack widens every interval on both sides to absorb residual clock
	// alignment error.
	Slack time.Duration

	// MaxAmbiguous caps the number of ambiguous-router branches explored by
	// one walk. Zero means unlimited.
	MaxAmbiguous int

	Baseline BaselineMode
}

// -------------------------------------------------------------------------
// Results
// -------------------------------------------------------------------------

// Interval is a violation interval: the instants, as offsets from the trial
// anchor, at which the property may be violated. Start and End are the
// extremes of the violating set; Violating is its measure, which is smaller
// than End - Start when the set has gaps.
type Interval struct {
	Trial    string `json:"trial"`
	Property string `json:"property"`
	Source   string `json:"source"`

	Start     time.Duration `json:"start"`
	End       time.Duration `json:"end"`
	Violating time.Duration `json:"violating"`

	// Empty means no instant violates.
	Empty bool `json:"empty"`

	// Unbounded means an interval without a data-plane upper bound
	// contributed to a violation.
	Unbounded bool `json:"unbounded"`

	// Persistent means the property is still violated at the trial end.
	Persistent bool `json:"persistent"`
}

// Width returns End - Start, or zero for an empty interval.
func (iv Interval) Width() time.Duration {
	if iv.Empty {
		return 0
	}
	return iv.End - iv.Start
}

// Contains reports whether other lies within iv. An empty interval is
// contained in anything.
func (iv Interval) Contains(other Interval) bool {
	if other.Empty {
		return true
	}
	return !iv.Empty && iv.Start <= other.Start && other.End <= iv.End
}

// Baseline is the point-estimate verdict.
type Baseline struct {
	Violated  bool          `json:"violated"`
	Point     time.Duration `json:"point"`
	Start     time.Duration `json:"start"`
	End       time.Duration `json:"end"`
	Violating time.Duration `json:"violating"`
}

// -------------------------------------------------------------------------
// Query
// -------------------------------------------------------------------------

// Query is what the algorithm evaluates: the walk from the first router whose
// forwarding changes, with the property context of the static routers in
// front of it. Paths that never reach a changing router are time-invariant
// and carry their complete path in Static.
type Query struct {
	Property *property.Property
	Table    *forwarding.Table
	Terminal forwarding.Terminal

	Entry   string
	Context string
	Static  forwarding.Path
}

func (q *Query) walker(maxBranches int) *forwarding.Walker {
	return &forwarding.Walker{Terminal: q.Terminal, Table: q.Table, MaxBranches: maxBranches}
}

// violates reports whether some admissible path from the entry violates the
// property.
func (q *Query) violates(w *forwarding.Walker, admit forwarding.AdmitFunc) (bool, error) {
	if q.Entry == "" {
		return q.Property.Violates(q.Context, q.Static), nil
	}
	found := false
	err := w.Walk(q.Entry, admit, func(p forwarding.Path) bool {
		if q.Property.Violates(q.Context, p) {
			found = true
			return false
		}
		return true
	})
	if err != nil {
		return false, &property.Error{Property: q.Property.Name, Err: err}
	}
	return found, nil
}
