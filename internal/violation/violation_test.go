package violation_test

import (
	"errors"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/netip"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/dantte-lp/transient/internal/align"
	"github.com/dantte-lp/transient/internal/fib"
	"github.com/dantte-lp/transient/internal/forwarding"
	"github.com/dantte-lp/transient/internal/property"
	"github.com/dantte-lp/transient/internal/testutil"
	"github.com/dantte-lp/transient/internal/violation"
)

const end = 15 * time.Millisecond

func ms(v float64) time.Duration { return testutil.Ms(v) }

// query builds the query for traffic entering at src.
func query(t *testing.T, kind property.Kind, tbl *forwarding.Table, src string) violation.Query {
	t.Helper()
	p, err := property.Compile(property.Spec{Name: string(kind), Kind: kind, Prefix: testutil.Prefix.String()})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	topo := testutil.Topology(t)
	hops, entry, tail := (&forwarding.Walker{Terminal: topo, Table: tbl}).Approach(src)
	q := violation.Query{Property: p, Table: tbl, Terminal: topo, Entry: entry, Context: p.Context(hops)}
	if entry == "" {
		q.Static = tail
	}
	return q
}

func loopSchedule() fib.Schedule {
	return fib.Schedule{
		"A": {Router: "A", Prefix: testutil.Prefix, Earliest: ms(10), Latest: ms(12)},
		"B": {Router: "B", Prefix: testutil.Prefix, Earliest: ms(11), Latest: ms(15)},
	}
}

func TestComputeLoop(t *testing.T) {
	t.Parallel()

	want := violation.Interval{Start: ms(11), End: ms(12), Violating: ms(1)}

	for _, kind := range []property.Kind{property.KindLoopFree, property.KindReachable} {
		for _, src := range []string{"A", "B"} {
			q := query(t, kind, testutil.LoopTable(), src)
			got, err := violation.Compute(q, loopSchedule(), end, violation.Params{})
			if err != nil {
				t.Fatalf("Compute(%s from %s): %v", kind, src, err)
			}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("Compute(%s from %s) mismatch (-want +got):\n%s", kind, src, diff)
			}
		}
	}
}

func TestComputeVariants(t *testing.T) {
	t.Parallel()

	// finalLoop ends in a loop: both routers point at each other.
	finalLoop := func() *forwarding.Table {
		tbl := forwarding.NewTable(testutil.Prefix)
		tbl.Set("A", forwarding.Route{Old: "ExtA", New: "B"})
		tbl.Set("B", forwarding.Route{Old: "ExtB", New: "A"})
		return tbl
	}

	tests := []struct {
		name   string
		tbl    *forwarding.Table
		sched  fib.Schedule
		params violation.Params
		want   violation.Interval
	}{
		{
			name:   "slack widens both windows",
			tbl:    testutil.LoopTable(),
			sched:  loopSchedule(),
			params: violation.Params{Slack: time.Millisecond},
			want:   violation.Interval{Start: ms(10), End: ms(13), Violating: ms(3)},
		},
		{
			name: "router without interval is ambiguous throughout",
			tbl:  testutil.LoopTable(),
			sched: fib.Schedule{
				"A": {Router: "A", Earliest: ms(10), Latest: ms(12)},
			},
			want: violation.Interval{Start: 0, End: ms(12), Violating: ms(12), Unbounded: true},
		},
		{
			name: "violation at trial end",
			tbl:  finalLoop(),
			sched: fib.Schedule{
				"A": {Router: "A", Earliest: ms(2), Latest: ms(4)},
				"B": {Router: "B", Earliest: ms(3), Latest: ms(5), Unbounded: true},
			},
			want: violation.Interval{Start: ms(3), End: end, Violating: ms(12), Unbounded: true, Persistent: true},
		},
		{
			name: "disjoint windows never loop",
			tbl:  testutil.LoopTable(),
			sched: fib.Schedule{
				"A": {Router: "A", Earliest: ms(1), Latest: ms(2)},
				"B": {Router: "B", Earliest: ms(3), Latest: ms(4)},
			},
			want: violation.Interval{Empty: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := violation.Compute(query(t, property.KindLoopFree, tt.tbl, "A"), tt.sched, end, tt.params)
			if err != nil {
				t.Fatalf("Compute: %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Compute() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestComputeStaticPath(t *testing.T) {
	t.Parallel()

	tbl := testutil.LoopTable()
	tbl.Set("C", forwarding.Route{Old: "D", New: "D"})

	// C never reaches a changing router and ends in a black hole at D.
	q := query(t, property.KindReachable, tbl, "C")
	if q.Entry != "" {
		t.Fatalf("Entry = %q, want a static query", q.Entry)
	}
	got, err := violation.Compute(q, loopSchedule(), end, violation.Params{})
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	want := violation.Interval{Start: 0, End: end, Violating: end, Persistent: true}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Compute() mismatch (-want +got):\n%s", diff)
	}

	q = query(t, property.KindLoopFree, tbl, "C")
	if got, _ := violation.Compute(q, loopSchedule(), end, violation.Params{}); !got.Empty {
		t.Errorf("loop_free on a black hole = %+v, want empty", got)
	}
}

func TestComputeBranchLimit(t *testing.T) {
	t.Parallel()

	q := query(t, property.KindLoopFree, testutil.LoopTable(), "A")
	_, err := violation.Compute(q, loopSchedule(), end, violation.Params{MaxAmbiguous: 1})
	if !errors.Is(err, forwarding.ErrTooManyBranches) {
		t.Fatalf("Compute() error = %v, want ErrTooManyBranches", err)
	}
	var pe *property.Error
	if !errors.As(err, &pe) || pe.Property != string(property.KindLoopFree) {
		t.Errorf("Compute() error %v does not name the property", err)
	}
}

func TestBaseline(t *testing.T) {
	t.Parallel()

	q := query(t, property.KindLoopFree, testutil.LoopTable(), "A")

	for _, mode := range []violation.BaselineMode{violation.BaselineMidpoint, violation.BaselineEarliest, violation.BaselineLatest} {
		b, err := violation.ComputeBaseline(q, loopSchedule(), end, violation.Params{Baseline: mode})
		if err != nil {
			t.Fatalf("ComputeBaseline(%s): %v", mode, err)
		}
		if b.Violated {
			t.Errorf("ComputeBaseline(%s) = %+v, want the loop to be missed", mode, b)
		}
	}

	pts := violation.Representatives(loopSchedule(), violation.BaselineMidpoint)
	if diff := cmp.Diff(violation.Points{"A": ms(11), "B": ms(13)}, pts); diff != "" {
		t.Errorf("Representatives() mismatch (-want +got):\n%s", diff)
	}

	// A late A switch makes the point estimate see the loop.
	late := fib.Schedule{
		"A": {Router: "A", Earliest: ms(12), Latest: ms(14)},
		"B": {Router: "B", Earliest: ms(11), Latest: ms(11)},
	}
	b, err := violation.ComputeBaseline(q, late, end, violation.Params{Baseline: violation.BaselineMidpoint})
	if err != nil {
		t.Fatalf("ComputeBaseline: %v", err)
	}
	want := violation.Baseline{Violated: true, Point: ms(12), Start: ms(11), End: ms(13), Violating: ms(2)}
	if diff := cmp.Diff(want, b); diff != "" {
		t.Errorf("ComputeBaseline() mismatch (-want +got):\n%s", diff)
	}
}

func TestEvaluatePointsGroundTruth(t *testing.T) {
	t.Parallel()

	q := query(t, property.KindLoopFree, testutil.LoopTable(), "A")
	got, err := violation.EvaluatePoints(q, violation.Points{"A": testutil.TruthA, "B": testutil.TruthB}, end)
	if err != nil {
		t.Fatalf("EvaluatePoints: %v", err)
	}
	want := violation.Interval{Start: ms(11.2), End: ms(11.8), Violating: ms(0.6)}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("EvaluatePoints() mismatch (-want +got):\n%s", diff)
	}

	if _, err := violation.EvaluatePoints(q, violation.Points{"A": 0}, end); !errors.Is(err, violation.ErrMissingInstant) {
		t.Errorf("EvaluatePoints() error = %v, want ErrMissingInstant", err)
	}
}

// TestComputeContainsEveryPointSchedule checks that the conservative result
// covers the violation of every point schedule the intervals admit.
func TestComputeContainsEveryPointSchedule(t *testing.T) {
	t.Parallel()

	const step = 250 * time.Microsecond
	sched := loopSchedule()

	for _, src := range []string{"A", "B"} {
		q := query(t, property.KindLoopFree, testutil.LoopTable(), src)
		conservative, err := violation.Compute(q, sched, end, violation.Params{})
		if err != nil {
			t.Fatalf("Compute: %v", err)
		}

		for a := sched["A"].Earliest; a <= sched["A"].Latest; a += step {
			for b := sched["B"].Earliest; b <= sched["B"].Latest; b += step {
				pt, err := violation.EvaluatePoints(q, violation.Points{"A": a, "B": b}, end)
				if err != nil {
					t.Fatalf("EvaluatePoints: %v", err)
				}
				if !conservative.Contains(pt) || pt.Violating > conservative.Violating {
					t.Fatalf("from %s with A=%v B=%v: %+v not within %+v", src, a, b, pt, conservative)
				}
			}
		}
	}
}

// TestComputeContainsTruthOverRandomTrials estimates intervals for
// randomized trials and checks that the computed violation interval covers
// the violation of the true transition instants.
func TestComputeContainsTruthOverRandomTrials(t *testing.T) {
	t.Parallel()

	topo := testutil.Topology(t)
	tl := &align.Timeline{Reference: "lab", Anchor: testutil.T0}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tables := map[netip.Prefix]*forwarding.Table{testutil.Prefix: testutil.LoopTable()}

	queries := make(map[string]violation.Query)
	for _, kind := range []property.Kind{property.KindLoopFree, property.KindReachable} {
		for _, src := range []string{"A", "B"} {
			queries[string(kind)+"/"+src] = query(t, kind, testutil.LoopTable(), src)
		}
	}

	for seed := range uint64(300) {
		syn := testutil.NewSynthetic(rand.New(rand.NewPCG(seed, 2)))
		est := fib.NewEstimator(topo, topo.CausalDAG("ExtA"), tl,
			fib.Params{PerHopDelay: syn.PerHopDelay, End: syn.End}, logger)
		sched := fib.Index(est.Estimate(syn.Events, tables))[testutil.Prefix]

		for name, q := range queries {
			got, err := violation.Compute(q, sched, syn.End, violation.Params{})
			if err != nil {
				t.Fatalf("seed %d %s: Compute: %v", seed, name, err)
			}
			truth, err := violation.EvaluatePoints(q, violation.Points(syn.Truth), syn.End)
			if err != nil {
				t.Fatalf("seed %d %s: EvaluatePoints: %v", seed, name, err)
			}
			if !got.Contains(truth) {
				t.Errorf("seed %d %s: %+v does not contain true violation %+v (schedule %v)",
					seed, name, got, truth, sched)
			}
		}
	}
}

func TestIntervalHelpers(t *testing.T) {
	t.Parallel()

	outer := violation.Interval{Start: ms(1), End: ms(5)}
	tests := []struct {
		name  string
		outer violation.Interval
		inner violation.Interval
		want  bool
	}{
		{"inside", outer, violation.Interval{Start: ms(2), End: ms(3)}, true},
		{"same", outer, outer, true},
		{"overhang", outer, violation.Interval{Start: ms(4), End: ms(6)}, false},
		{"empty inner", outer, violation.Interval{Empty: true}, true},
		{"empty outer", violation.Interval{Empty: true}, violation.Interval{Start: 0, End: 0}, false},
	}
	for _, tt := range tests {
		if got := tt.outer.Contains(tt.inner); got != tt.want {
			t.Errorf("%s: Contains() = %v, want %v", tt.name, got, tt.want)
		}
	}

	if w := outer.Width(); w != ms(4) {
		t.Errorf("Width() = %v, want 4ms", w)
	}
	if w := (violation.Interval{Empty: true, Start: 1, End: 9}).Width(); w != 0 {
		t.Errorf("empty Width() = %v, want 0", w)
	}
}

func TestParseBaselineMode(t *testing.T) {
	t.Parallel()

	if m, err := violation.ParseBaselineMode("latest"); err != nil || m != violation.BaselineLatest {
		t.Errorf("ParseBaselineMode(latest) = %q, %v", m, err)
	}
	if _, err := violation.ParseBaselineMode("mean"); !errors.Is(err, violation.ErrUnknownBaseline) {
		t.Errorf("ParseBaselineMode(mean) error = %v, want ErrUnknownBaseline", err)
	}
}
