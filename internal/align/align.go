// Package align puts the events of all vantage points of a trial onto one
// clock.
//
// Every capture point has its own clock. The aligner picks a reference
// vantage (the one closest to the router where the change originates), takes
// its first control event as the anchor, finds the same update at every other
// vantage, and shifts each vantage so the anchors coincide. Vantages that
// never saw the anchor are flagged Unaligned and excluded downstream.
package align

import (
	"cmp"
	"errors"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/dantte-lp/transient/internal/event"
	"github.com/dantte-lp/transient/internal/topology"
)

var (
	// ErrNoControlEvents indicates a trial without any control event, so no
	// anchor exists.
	ErrNoControlEvents = errors.New("no control events to anchor on")

	// ErrAnchorNotObserved indicates a vantage that never observed the
	// anchor update.
	ErrAnchorNotObserved = errors.New("anchor update not observed")
)

// Error is an AlignmentError: a vantage could not be aligned. Its events are
// kept but marked Unaligned.
type Error struct {
	Vantage string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("align vantage %s: %v", e.Vantage, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Offset is the correction applied to one vantage's timestamps.
type Offset struct {
	Vantage string
	Offset  time.Duration
	Aligned bool
}

// Timeline is the trial-global clock.
type Timeline struct {
	// Reference is the vantage whose clock the others were shifted onto.
	Reference string

	// Anchor is the aligned time of the anchor event; it is time zero.
	Anchor time.Time

	// Offsets lists every vantage, sorted by name.
	Offsets []Offset
}

// Since converts an aligned timestamp to an offset from the anchor.
func (tl *Timeline) Since(t time.Time) time.Duration {
	return t.Sub(tl.Anchor)
}

// At converts an offset from the anchor back to an aligned timestamp.
func (tl *Timeline) At(d time.Duration) time.Time {
	return tl.Anchor.Add(d)
}

// Offset returns the offset of a vantage.
func (tl *Timeline) Offset(vantage string) (Offset, bool) {
	i, ok := slices.BinarySearchFunc(tl.Offsets, vantage, func(o Offset, v string) int {
		return cmp.Compare(o.Vantage, v)
	})
	if !ok {
		return Offset{}, false
	}
	return tl.Offsets[i], true
}

// Align returns an aligned copy of in; in is not modified. The returned
// errors are AlignmentErrors for vantages that could not be aligned. err is
// set when no anchor exists at all.
func Align(in *event.Set, topo *topology.Topology, origin string) (*event.Set, *Timeline, []error, error) {
	vantages := in.Vantages()
	firsts := firstByVantage(in.Control)
	if len(firsts) == 0 {
		return nil, nil, nil, ErrNoControlEvents
	}

	ref := reference(firsts, in.Control, topo, origin)
	anchor := firsts[ref]

	tl := &Timeline{Reference: ref, Anchor: anchor.Observed}
	offsets := make(map[string]Offset, len(vantages))
	var errs []error

	for _, v := range vantages {
		if v == ref {
			offsets[v] = Offset{Vantage: v, Aligned: true}
			continue
		}
		match, ok := findMatch(in.Control, v, anchor)
		if !ok {
			offsets[v] = Offset{Vantage: v}
			errs = append(errs, &Error{
				Vantage: v,
				Err:     fmt.Errorf("%s %s: %w", anchor.Kind, anchor.Prefix, ErrAnchorNotObserved),
			})
			continue
		}
		offsets[v] = Offset{Vantage: v, Offset: anchor.Observed.Sub(match.Observed), Aligned: true}
	}

	for _, v := range vantages {
		tl.Offsets = append(tl.Offsets, offsets[v])
	}

	out := &event.Set{
		Control: make([]event.ControlEvent, len(in.Control)),
		Probe:   make([]event.ProbeEvent, len(in.Probe)),
	}
	for i, e := range in.Control {
		o := offsets[e.Vantage]
		e.Observed = e.Observed.Add(o.Offset)
		e.Unaligned = !o.Aligned
		out.Control[i] = e
	}
	for i, e := range in.Probe {
		o := offsets[e.Vantage]
		e.Observed = e.Observed.Add(o.Offset)
		e.Unaligned = !o.Aligned
		out.Probe[i] = e
	}
	out.Sort()

	return out, tl, errs, nil
}

// firstByVantage returns the first control event of every vantage in
// (time, seq) order.
func firstByVantage(events []event.ControlEvent) map[string]event.ControlEvent {
	firsts := make(map[string]event.ControlEvent)
	for _, e := range events {
		if cur, ok := firsts[e.Vantage]; !ok || event.CompareControl(e, cur) < 0 {
			firsts[e.Vantage] = e
		}
	}
	return firsts
}

// reference picks the vantage closest to origin. A vantage named after a
// router sits at that router; otherwise it is as close as the closest
// router it observed updates at. Ties break by name.
func reference(firsts map[string]event.ControlEvent, events []event.ControlEvent, topo *topology.Topology, origin string) string {
	dist := topo.Distances(origin)
	hops := func(router string) int {
		if d, ok := dist[router]; ok {
			return d
		}
		return math.MaxInt
	}

	closest := make(map[string]int, len(firsts))
	for v := range firsts {
		if topo.Has(v) {
			closest[v] = hops(v)
		} else {
			closest[v] = math.MaxInt
		}
	}
	for _, e := range events {
		if topo.Has(e.Vantage) {
			continue
		}
		closest[e.Vantage] = min(closest[e.Vantage], hops(e.Router))
	}

	names := make([]string, 0, len(closest))
	for v := range closest {
		names = append(names, v)
	}
	slices.SortFunc(names, func(a, b string) int {
		if c := cmp.Compare(closest[a], closest[b]); c != 0 {
			return c
		}
		return cmp.Compare(a, b)
	})
	return names[0]
}

// findMatch returns the first event at vantage carrying the same update
// content as the anchor.
func findMatch(events []event.ControlEvent, vantage string, anchor event.ControlEvent) (event.ControlEvent, bool) {
	var (
		best  event.ControlEvent
		found bool
	)
	for _, e := range events {
		if e.Vantage != vantage || e.Prefix != anchor.Prefix || e.Kind != anchor.Kind {
			continue
		}
		if !found || event.CompareControl(e, best) < 0 {
			best, found = e, true
		}
	}
	return best, found
}
