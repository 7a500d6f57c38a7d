// Package fib bounds when each router's forwarding table switched from its
// old to its new next hop.
//
// The lower bound comes from control-plane evidence: a router cannot switch
// before it received the update that makes the new route preferred. Routers
// without control-plane visibility inherit the control bound of their causal
// predecessors plus a minimum per-hop delay. A queuing model may delay the
// bound by the time the router needs to write its FIB, and a probe still
// leaving through the old egress raises it locally. The upper bound is the
// first probe seen leaving the router through the new egress.
package fib

import (
	"cmp"
	"log/slog"
	"net/netip"
	"slices"
	"strings"
	"time"

	"github.com/dantte-lp/transient/internal/align"
	"github.com/dantte-lp/transient/internal/event"
	"github.com/dantte-lp/transient/internal/forwarding"
	"github.com/dantte-lp/transient/internal/topology"
)

// -------------------------------------------------------------------------
// Interval
// -------------------------------------------------------------------------

// Evidence records which observations produced an interval's bounds.
type Evidence uint8

const (
	// EvidenceControl means Earliest is a control event at the router.
	EvidenceControl Evidence = 1 << iota

	// EvidenceCausal means Earliest was inherited from causal predecessors.
	EvidenceCausal

	// EvidenceOldProbe means Earliest was raised by a probe still leaving
	// through the old egress.
	EvidenceOldProbe

	// EvidenceNewProbe means Latest is a probe leaving through the new
	// egress.
	EvidenceNewProbe

	// EvidenceClamped means the control bound exceeded Latest and was
	// clamped.
	EvidenceClamped

	// EvidenceQueued means Earliest was shifted by the FIB queuing model.
	EvidenceQueued
)

//nolint:gochecknoglobals // Lookup table is intentionally package-level.
var evidenceNames = []struct {
	bit  Evidence
	name string
}{
	{EvidenceControl, "control"},
	{EvidenceCausal, "causal"},
	{EvidenceOldProbe, "old-probe"},
	{EvidenceNewProbe, "new-probe"},
	{EvidenceClamped, "clamped"},
	{EvidenceQueued, "queued"},
}

func (e Evidence) String() string {
	var parts []string
	for _, n := range evidenceNames {
		if e&n.bit != 0 {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "+")
}

// Interval is the uncertainty window of one router's transition for one
// prefix, as offsets from the trial anchor. Earliest <= Latest always holds.
type Interval struct {
	Router   string
	Prefix   netip.Prefix
	Earliest time.Duration
	Latest   time.Duration

	// Unbounded means no probe showed the new egress; Latest is the trial
	// end.
	Unbounded bool

	// Exact means the bounds coincide without contradicting evidence.
	Exact bool

	Evidence Evidence
}

// Width returns Latest - Earliest.
func (i Interval) Width() time.Duration {
	return i.Latest - i.Earliest
}

// Schedule maps routers to their intervals for one prefix.
type Schedule map[string]Interval

// Index groups intervals by prefix.
func Index(intervals []Interval) map[netip.Prefix]Schedule {
	out := make(map[netip.Prefix]Schedule)
	for _, iv := range intervals {
		s, ok := out[iv.Prefix]
		if !ok {
			s = make(Schedule)
			out[iv.Prefix] = s
		}
		s[iv.Router] = iv
	}
	return out
}

// -------------------------------------------------------------------------
// Estimator
// -------------------------------------------------------------------------

// Params tunes the estimator.
type Params struct {
	// PerHopDelay is the minimum time a change needs to cross one BGP
	// session when a router's bound is inherited from its predecessors.
	PerHopDelay time.Duration

	// End is the trial end offset, used as Latest for unbounded intervals.
	End time.Duration

	// Queuing delays and serializes FIB writes after route selection. The
	// zero value writes instantly.
	Queuing QueuingModel
}

// Estimator computes FIB transition intervals for one trial.
type Estimator struct {
	topo   *topology.Topology
	dag    *topology.DAG
	tl     *align.Timeline
	params Params
	logger *slog.Logger
}

// NewEstimator creates an estimator. The DAG must be rooted at the trial
// origin.
func NewEstimator(topo *topology.Topology, dag *topology.DAG, tl *align.Timeline, params Params, logger *slog.Logger) *Estimator {
	return &Estimator{
		topo:   topo,
		dag:    dag,
		tl:     tl,
		params: params,
		logger: logger.With(slog.String("component", "fib")),
	}
}

// Estimate returns one interval per touched router and prefix, sorted by
// prefix then router. Unaligned events are ignored.
func (e *Estimator) Estimate(events *event.Set, tables map[netip.Prefix]*forwarding.Table) []Interval {
	prefixes := make([]netip.Prefix, 0, len(tables))
	for p := range tables {
		prefixes = append(prefixes, p)
	}
	slices.SortFunc(prefixes, comparePrefix)

	var ests []*estimate
	for _, p := range prefixes {
		ests = append(ests, e.estimatePrefix(p, tables[p], events)...)
	}
	e.params.Queuing.apply(ests)

	out := make([]Interval, 0, len(ests))
	for _, est := range ests {
		out = append(out, e.finalize(est))
	}
	return out
}

// observations are the aligned events of one prefix, grouped by router.
type observations struct {
	control map[string][]event.ControlEvent
	probes  map[string][]event.ProbeEvent
}

func (e *Estimator) collect(prefix netip.Prefix, events *event.Set) observations {
	obs := observations{
		control: make(map[string][]event.ControlEvent),
		probes:  make(map[string][]event.ProbeEvent),
	}
	for _, ev := range events.Control {
		if !ev.Unaligned && ev.Prefix == prefix {
			obs.control[ev.Router] = append(obs.control[ev.Router], ev)
		}
	}
	for _, ev := range events.Probe {
		if !ev.Unaligned && ev.Prefix == prefix {
			obs.probes[ev.Router] = append(obs.probes[ev.Router], ev)
		}
	}
	return obs
}

func (e *Estimator) estimatePrefix(prefix netip.Prefix, tbl *forwarding.Table, events *event.Set) []*estimate {
	obs := e.collect(prefix, events)

	// Lower bounds of every router reachable from the origin, in causal
	// order, so predecessors are final before their successors are computed.
	// Only the control-derived bound is passed on: probe evidence at a
	// router says when its FIB was written, not when it advertised.
	lower := make(map[string]time.Duration)
	byRouter := make(map[string]*estimate)
	for _, x := range e.dag.Order() {
		est := e.estimateRouter(prefix, x, tbl, obs, lower)
		lower[x] = est.lower
		byRouter[x] = est
	}

	var out []*estimate
	for _, x := range tbl.Touched() {
		est, ok := byRouter[x]
		if !ok {
			// Not reachable over sessions: only data-plane evidence applies.
			est = e.estimateRouter(prefix, x, tbl, obs, lower)
		}
		out = append(out, est)
	}
	return out
}

// estimate holds one router's evidence before the queuing model and local
// probe tightening are applied.
type estimate struct {
	iv Interval

	// lower is the control-plane bound, direct or inherited.
	lower time.Duration

	// write is lower shifted by the queuing model.
	write time.Duration

	// drop means the new route has no next hop.
	drop bool

	oldProbe    time.Duration
	hasOldProbe bool
}

// estimateRouter collects the evidence of one router. For untouched routers
// only lower is meaningful: it is the earliest the change could have passed
// through them.
func (e *Estimator) estimateRouter(prefix netip.Prefix, x string, tbl *forwarding.Table, obs observations, lower map[string]time.Duration) *estimate {
	est := &estimate{iv: Interval{Router: x, Prefix: prefix, Latest: e.params.End}}
	route, touched := tbl.Route(x)
	touched = touched && route.Touched()

	if touched {
		newEgress := e.egress(x, route.New)
		if p, ok := firstProbe(obs.probes[x], newEgress); ok {
			est.iv.Latest = e.tl.Since(p.Observed)
			est.iv.Evidence |= EvidenceNewProbe
		} else {
			est.iv.Unbounded = true
		}
	}

	controlBound, direct := e.controlBound(x, route, touched, obs.control[x], est.iv.Latest)
	if direct {
		est.lower = controlBound
		est.iv.Evidence |= EvidenceControl
	} else {
		est.lower = e.inherited(x, lower)
		est.iv.Evidence |= EvidenceCausal
	}
	est.write = est.lower

	if touched {
		est.drop = route.New == ""
		oldEgress := e.egress(x, route.Old)
		if t, ok := lastProbeBefore(obs.probes[x], oldEgress, e.tl.At(est.iv.Latest)); ok {
			est.oldProbe, est.hasOldProbe = e.tl.Since(t), true
		}
	}
	return est
}

// finalize turns a touched router's evidence into its interval.
func (e *Estimator) finalize(est *estimate) Interval {
	iv := est.iv
	iv.Earliest = est.write
	if est.write > est.lower {
		iv.Evidence |= EvidenceQueued
	}
	if est.hasOldProbe && est.oldProbe > iv.Earliest {
		iv.Earliest = est.oldProbe
		iv.Evidence |= EvidenceOldProbe
	}
	if iv.Earliest > iv.Latest {
		e.logger.Warn("control bound after data-plane bound, clamping",
			slog.String("router", iv.Router),
			slog.String("prefix", iv.Prefix.String()),
			slog.Duration("earliest", iv.Earliest),
			slog.Duration("latest", iv.Latest),
		)
		iv.Earliest = iv.Latest
		iv.Evidence |= EvidenceClamped
	}
	// A clamped interval is contradictory evidence, not an observation.
	iv.Exact = iv.Earliest == iv.Latest && iv.Evidence&EvidenceClamped == 0
	return iv
}

// controlBound returns the control-plane lower bound of x. For a touched
// router it is the last relevant update received at or before latest; for
// an untouched router it is the first update received at all. ok is false
// when the router has no usable control visibility.
func (e *Estimator) controlBound(x string, route forwarding.Route, touched bool, events []event.ControlEvent, latest time.Duration) (time.Duration, bool) {
	if len(events) == 0 {
		return 0, false
	}
	if !touched {
		return e.tl.Since(events[0].Observed), true
	}

	var (
		last  time.Duration
		found bool
	)
	for _, ev := range events {
		d := e.tl.Since(ev.Observed)
		if d > latest {
			break
		}
		if relevant(ev, route) {
			last, found = d, true
		}
	}
	return last, found
}

// relevant reports whether an update can make the new next hop preferred:
// a reachable update from the new next hop, or a withdrawal from the old
// one. Updates with an unknown sender are relevant when their kind fits.
func relevant(ev event.ControlEvent, route forwarding.Route) bool {
	if route.New == "" {
		return ev.Kind == event.KindWithdraw
	}
	if ev.Kind.Reaches() {
		return ev.From == "" || ev.From == route.New
	}
	return ev.From == "" || ev.From == route.Old
}

// inherited is the minimum control bound over x's causal predecessors plus
// the per-hop delay, or zero for a router without predecessors.
func (e *Estimator) inherited(x string, lower map[string]time.Duration) time.Duration {
	preds := e.dag.Predecessors(x)
	var (
		best  time.Duration
		found bool
	)
	for _, y := range preds {
		b, ok := lower[y]
		if !ok {
			continue
		}
		if d := b + e.params.PerHopDelay; !found || d < best {
			best, found = d, true
		}
	}
	return best
}

// egress maps a next hop to the interface name a probe event would carry.
func (e *Estimator) egress(router, nextHop string) string {
	if nextHop == "" {
		return event.Drop
	}
	if ifc, ok := e.topo.EgressTo(router, nextHop); ok {
		return ifc
	}
	return ""
}

// firstProbe returns the first probe leaving through egress. Later
// duplicates of the same observation are ignored.
func firstProbe(probes []event.ProbeEvent, egress string) (event.ProbeEvent, bool) {
	if egress == "" {
		return event.ProbeEvent{}, false
	}
	for _, p := range probes {
		if p.Egress == egress {
			return p, true
		}
	}
	return event.ProbeEvent{}, false
}

// lastProbeBefore returns the time of the last probe leaving through egress
// strictly before limit.
func lastProbeBefore(probes []event.ProbeEvent, egress string, limit time.Time) (time.Time, bool) {
	var (
		last  time.Time
		found bool
	)
	if egress == "" {
		return last, false
	}
	for _, p := range probes {
		if !p.Observed.Before(limit) {
			break
		}
		if p.Egress == egress {
			last, found = p.Observed, true
		}
	}
	return last, found
}

func comparePrefix(a, b netip.Prefix) int {
	if c := a.Addr().Compare(b.Addr()); c != 0 {
		return c
	}
	return cmp.Compare(a.Bits(), b.Bits())
}

