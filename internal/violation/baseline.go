package violation

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/dantte-lp/transient/internal/fib"
	"github.com/dantte-lp/transient/internal/forwarding"
)

// ErrMissingInstant indicates a touched router without a transition instant
// in a point schedule.
var ErrMissingInstant = errors.New("touched router has no transition instant")

// Points maps routers to the instant they switch to the new next hop. At
// the instant itself the router already forwards on the new next hop.
type Points map[string]time.Duration

// Representatives collapses every interval to its representative instant.
func Representatives(sched fib.Schedule, mode BaselineMode) Points {
	out := make(Points, len(sched))
	for r, iv := range sched {
		out[r] = mode.represent(iv)
	}
	return out
}

// ComputeBaseline evaluates the point schedule of representative instants.
func ComputeBaseline(q Query, sched fib.Schedule, end time.Duration, p Params) (Baseline, error) {
	iv, err := EvaluatePoints(q, Representatives(sched, p.Baseline), end)
	if err != nil {
		return Baseline{}, err
	}
	b := Baseline{Violated: !iv.Empty}
	if b.Violated {
		b.Start, b.End, b.Violating = iv.Start, iv.End, iv.Violating
		b.Point = iv.Start + (iv.End-iv.Start)/2
	}
	return b, nil
}

// EvaluatePoints returns the instants at which the single forwarding state
// given by points violates the property. Every touched router must have an
// instant. Ground-truth intervals are computed the same way from measured
// instants.
func EvaluatePoints(q Query, points Points, end time.Duration) (Interval, error) {
	touched := q.Table.Touched()
	bounds := []time.Duration{min(0, end), end}
	for _, r := range touched {
		t, ok := points[r]
		if !ok {
			return Interval{}, fmt.Errorf("%s: %w", r, ErrMissingInstant)
		}
		bounds = append(bounds, t)
	}
	slices.Sort(bounds)
	bounds = slices.Compact(bounds)

	walker := q.walker(0)
	res := Interval{Empty: true}

	for i, b := range bounds {
		admit := func(r string) forwarding.Admissible {
			if t, ok := points[r]; ok && b >= t {
				return forwarding.AllowNew
			}
			return forwarding.AllowOld
		}
		v, err := q.violates(walker, admit)
		if err != nil {
			return Interval{}, err
		}
		if !v {
			continue
		}

		// The state at b holds until the next bound.
		to := b
		if i+1 < len(bounds) {
			to = bounds[i+1]
		} else {
			res.Persistent = true
		}
		if res.Empty {
			res.Start, res.Empty = b, false
		}
		res.End = to
		res.Violating += to - b
	}
	return res, nil
}
