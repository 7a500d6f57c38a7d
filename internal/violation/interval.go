package violation

import (
	"slices"
	"time"

	"github.com/dantte-lp/transient/internal/fib"
	"github.com/dantte-lp/transient/internal/forwarding"
)

// window is a widened transition interval.
type window struct {
	lo, hi    time.Duration
	unbounded bool
}

// Compute returns the violation interval of q. Every touched router of the
// table may be in its old state before its window, in either state inside
// it (bounds included), and in its new state after it. Touched routers
// without an interval in sched are ambiguous over the whole trial.
//
// The trial is split at every window bound. Each bound is evaluated as an
// instant and each open segment between two bounds as a whole; admissible
// states are constant within a segment, so this covers every instant.
func Compute(q Query, sched fib.Schedule, end time.Duration, p Params) (Interval, error) {
	lo := min(0, end)
	windows := make(map[string]window)
	for _, r := range q.Table.Touched() {
		iv, ok := sched[r]
		if !ok {
			windows[r] = window{lo: lo, hi: end, unbounded: true}
			continue
		}
		windows[r] = window{lo: iv.Earliest - p.Slack, hi: iv.Latest + p.Slack, unbounded: iv.Unbounded}
	}

	bounds := []time.Duration{lo, end}
	for _, w := range windows {
		bounds = append(bounds, w.lo, w.hi)
	}
	slices.Sort(bounds)
	bounds = slices.Compact(bounds)

	walker := q.walker(p.MaxAmbiguous)
	res := Interval{Empty: true}

	mark := func(from, to time.Duration, unbounded bool) {
		if res.Empty {
			res.Start, res.End, res.Empty = from, to, false
		} else {
			res.Start, res.End = min(res.Start, from), max(res.End, to)
		}
		res.Unbounded = res.Unbounded || unbounded
	}

	for i, b := range bounds {
		admit, unb := instant(windows, b)
		v, err := q.violates(walker, admit)
		if err != nil {
			return Interval{}, err
		}
		if v {
			mark(b, b, unb)
			if i == len(bounds)-1 {
				res.Persistent = true
			}
		}

		if i+1 == len(bounds) {
			break
		}
		next := bounds[i+1]
		admit, unb = segment(windows, b, next)
		v, err = q.violates(walker, admit)
		if err != nil {
			return Interval{}, err
		}
		if v {
			mark(b, next, unb)
			res.Violating += next - b
		}
	}
	return res, nil
}

// instant returns the admissible states at t, and whether an unbounded
// router is ambiguous there.
func instant(windows map[string]window, t time.Duration) (forwarding.AdmitFunc, bool) {
	unbounded := false
	for _, w := range windows {
		if w.unbounded && w.lo <= t && t <= w.hi {
			unbounded = true
		}
	}
	return func(r string) forwarding.Admissible {
		w, ok := windows[r]
		switch {
		case !ok:
			return forwarding.AllowOld
		case t < w.lo:
			return forwarding.AllowOld
		case t > w.hi:
			return forwarding.AllowNew
		default:
			return forwarding.AllowBoth
		}
	}, unbounded
}

// segment returns the admissible states in the open segment (from, to),
// which contains no window bound.
func segment(windows map[string]window, from, to time.Duration) (forwarding.AdmitFunc, bool) {
	unbounded := false
	for _, w := range windows {
		if w.unbounded && to > w.lo && from < w.hi {
			unbounded = true
		}
	}
	return func(r string) forwarding.Admissible {
		w, ok := windows[r]
		switch {
		case !ok:
			return forwarding.AllowOld
		case to <= w.lo:
			return forwarding.AllowOld
		case from >= w.hi:
			return forwarding.AllowNew
		default:
			return forwarding.AllowBoth
		}
	}, unbounded
}
