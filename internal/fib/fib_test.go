package fib_test

import (
	"errors"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/netip"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/dantte-lp/transient/internal/align"
	"github.com/dantte-lp/transient/internal/event"
	"github.com/dantte-lp/transient/internal/fib"
	"github.com/dantte-lp/transient/internal/forwarding"
	"github.com/dantte-lp/transient/internal/testutil"
)

// loopEvents are the aligned events of the loop scenario, on a timeline
// anchored at T0.
func loopEvents() *event.Set {
	ctl := func(router, from string, ms float64) event.ControlEvent {
		return event.ControlEvent{
			Vantage: "lab", Router: router, From: from, Prefix: testutil.Prefix,
			Observed: testutil.At(testutil.Ms(ms)), Kind: event.KindAnnounce,
		}
	}
	prb := func(router, egress string, ms float64) event.ProbeEvent {
		return event.ProbeEvent{
			Vantage: "lab", Router: router, Egress: egress, Prefix: testutil.Prefix,
			Observed: testutil.At(testutil.Ms(ms)), Source: router,
		}
	}
	return &event.Set{
		Control: []event.ControlEvent{
			ctl("A", "B", 0),
			ctl("A", "ExtA", 10),
			ctl("B", "A", 11),
		},
		Probe: []event.ProbeEvent{
			prb("A", "a-b", 5),
			prb("B", "b-extb", 8),
			prb("A", "a-exta", 12),
			prb("B", "b-a", 15),
		},
	}
}

func estimate(t *testing.T, events *event.Set, params fib.Params) []fib.Interval {
	t.Helper()
	topo := testutil.Topology(t)
	tl := &align.Timeline{Reference: "lab", Anchor: testutil.T0}
	est := fib.NewEstimator(topo, topo.CausalDAG("ExtA"), tl, params, slog.New(slog.NewTextHandler(io.Discard, nil)))
	tables := map[netip.Prefix]*forwarding.Table{testutil.Prefix: testutil.LoopTable()}
	return est.Estimate(events, tables)
}

func TestEstimate(t *testing.T) {
	t.Parallel()

	const (
		ctl = fib.EvidenceControl
		np  = fib.EvidenceNewProbe
	)
	iv := func(router string, lo, hi float64, ev fib.Evidence) fib.Interval {
		return fib.Interval{
			Router: router, Prefix: testutil.Prefix,
			Earliest: testutil.Ms(lo), Latest: testutil.Ms(hi),
			Evidence: ev, Exact: lo == hi,
		}
	}
	dropControl := func(router string) func(*event.Set) {
		return func(s *event.Set) {
			s.Control = slices.DeleteFunc(s.Control, func(e event.ControlEvent) bool { return e.Router == router })
		}
	}

	tests := []struct {
		name   string
		mutate func(*event.Set)
		params fib.Params
		want   []fib.Interval
	}{
		{
			name: "loop scenario",
			want: []fib.Interval{
				iv("A", 10, 12, ctl|np),
				iv("B", 11, 15, ctl|np),
			},
		},
		{
			name: "update from the old next hop is not relevant",
			mutate: func(s *event.Set) {
				s.Control[1].From = "B"
			},
			// The inherited 1ms bound is then raised by the old-egress probe.
			want: []fib.Interval{
				iv("A", 5, 12, fib.EvidenceCausal|np|fib.EvidenceOldProbe),
				iv("B", 11, 15, ctl|np),
			},
			params: fib.Params{PerHopDelay: time.Millisecond, End: testutil.Ms(20)},
		},
		{
			name: "no new-egress probe",
			mutate: func(s *event.Set) {
				s.Probe = s.Probe[:3]
			},
			params: fib.Params{End: testutil.Ms(20)},
			want: []fib.Interval{
				iv("A", 10, 12, ctl|np),
				{Router: "B", Prefix: testutil.Prefix, Earliest: testutil.Ms(11), Latest: testutil.Ms(20), Unbounded: true, Evidence: ctl},
			},
		},
		{
			name:   "bound inherited from predecessor",
			mutate: dropControl("B"),
			params: fib.Params{PerHopDelay: time.Millisecond},
			want: []fib.Interval{
				iv("A", 10, 12, ctl|np),
				iv("B", 11, 15, fib.EvidenceCausal|np),
			},
		},
		{
			name:   "inherited bound clamped",
			mutate: dropControl("B"),
			params: fib.Params{PerHopDelay: 10 * time.Millisecond},
			want: []fib.Interval{
				iv("A", 10, 12, ctl|np),
				{
					Router: "B", Prefix: testutil.Prefix, Earliest: testutil.Ms(15), Latest: testutil.Ms(15),
					Evidence: fib.EvidenceCausal | np | fib.EvidenceClamped,
				},
			},
		},
		{
			name: "old-egress probe is not inherited",
			mutate: func(s *event.Set) {
				dropControl("B")(s)
				s.Control[1].Observed = testutil.At(testutil.Ms(1))
				s.Probe = slices.DeleteFunc(s.Probe, func(e event.ProbeEvent) bool { return e.Egress == "b-extb" })
				s.Probe = append(s.Probe, event.ProbeEvent{
					Vantage: "lab", Router: "A", Egress: "a-b", Prefix: testutil.Prefix,
					Observed: testutil.At(testutil.Ms(8)),
				})
				event.SortProbe(s.Probe)
			},
			params: fib.Params{PerHopDelay: time.Millisecond},
			want: []fib.Interval{
				iv("A", 8, 12, ctl|np|fib.EvidenceOldProbe),
				iv("B", 2, 15, fib.EvidenceCausal|np),
			},
		},
		{
			name: "old-egress probe raises the lower bound",
			mutate: func(s *event.Set) {
				s.Probe = append(s.Probe, event.ProbeEvent{
					Vantage: "lab", Router: "A", Egress: "a-b", Prefix: testutil.Prefix,
					Observed: testutil.At(testutil.Ms(11.5)),
				})
				event.SortProbe(s.Probe)
			},
			want: []fib.Interval{
				iv("A", 11.5, 12, ctl|np|fib.EvidenceOldProbe),
				iv("B", 11, 15, ctl|np),
			},
		},
		{
			name: "unaligned events are ignored",
			mutate: func(s *event.Set) {
				s.Probe[2].Unaligned = true
			},
			params: fib.Params{End: testutil.Ms(15)},
			want: []fib.Interval{
				{Router: "A", Prefix: testutil.Prefix, Earliest: testutil.Ms(10), Latest: testutil.Ms(15), Unbounded: true, Evidence: ctl},
				iv("B", 11, 15, ctl|np),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			events := loopEvents()
			if tt.mutate != nil {
				tt.mutate(events)
			}
			got := estimate(t, events, tt.params)
			if diff := cmp.Diff(tt.want, got, cmpopts.EquateComparable(netip.Prefix{}, netip.Addr{})); diff != "" {
				t.Errorf("Estimate() mismatch (-want +got):\n%s", diff)
			}
			for _, iv := range got {
				if iv.Earliest > iv.Latest {
					t.Errorf("%s: Earliest %v after Latest %v", iv.Router, iv.Earliest, iv.Latest)
				}
			}
		})
	}
}

func TestEstimateQueuing(t *testing.T) {
	t.Parallel()

	other := netip.MustParsePrefix("198.51.100.0/24")
	events := loopEvents()
	events.Control = append(events.Control, event.ControlEvent{
		Vantage: "lab", Router: "A", From: "ExtA", Prefix: other,
		Observed: testutil.At(testutil.Ms(10)), Kind: event.KindAnnounce,
	})
	events.Probe = append(events.Probe, event.ProbeEvent{
		Vantage: "lab", Router: "A", Egress: "a-exta", Prefix: other,
		Observed: testutil.At(testutil.Ms(30)), Source: "A",
	})
	event.SortProbe(events.Probe)

	otherTable := forwarding.NewTable(other)
	otherTable.Set("A", forwarding.Route{Old: "B", New: "ExtA"})
	tables := map[netip.Prefix]*forwarding.Table{
		testutil.Prefix: testutil.LoopTable(),
		other:           otherTable,
	}

	topo := testutil.Topology(t)
	tl := &align.Timeline{Reference: "lab", Anchor: testutil.T0}
	params := fib.Params{Queuing: fib.QueuingModel{Name: "test", NextHop: time.Millisecond, Drop: time.Millisecond}}
	est := fib.NewEstimator(topo, topo.CausalDAG("ExtA"), tl, params, slog.New(slog.NewTextHandler(io.Discard, nil)))

	const ev = fib.EvidenceControl | fib.EvidenceNewProbe | fib.EvidenceQueued
	// Both prefixes reach A at 10ms; the lower prefix is written first and
	// the second write waits for it.
	want := []fib.Interval{
		{Router: "A", Prefix: other, Earliest: testutil.Ms(11), Latest: testutil.Ms(30), Evidence: ev},
		{Router: "A", Prefix: testutil.Prefix, Earliest: testutil.Ms(12), Latest: testutil.Ms(12), Exact: true, Evidence: ev},
		{Router: "B", Prefix: testutil.Prefix, Earliest: testutil.Ms(12), Latest: testutil.Ms(15), Evidence: ev},
	}
	if diff := cmp.Diff(want, est.Estimate(events, tables), cmpopts.EquateComparable(netip.Prefix{}, netip.Addr{})); diff != "" {
		t.Errorf("Estimate() mismatch (-want +got):\n%s", diff)
	}

	none, err := fib.ParseQueuingModel("")
	if err != nil {
		t.Fatalf("ParseQueuingModel(\"\"): %v", err)
	}
	got := estimate(t, loopEvents(), fib.Params{Queuing: none})
	for _, iv := range got {
		if iv.Evidence&fib.EvidenceQueued != 0 {
			t.Errorf("%s: queued without a queuing model: %+v", iv.Router, iv)
		}
	}
}

// TestEstimateContainsTruth checks that every interval brackets the true
// transition instant over randomized trials.
func TestEstimateContainsTruth(t *testing.T) {
	t.Parallel()

	for seed := range uint64(500) {
		syn := testutil.NewSynthetic(rand.New(rand.NewPCG(seed, 1)))
		got := estimate(t, syn.Events, fib.Params{PerHopDelay: syn.PerHopDelay, End: syn.End})
		if len(got) != 2 {
			t.Fatalf("seed %d: %d intervals, want 2", seed, len(got))
		}
		for _, iv := range got {
			truth := syn.Truth[iv.Router]
			if truth < iv.Earliest || truth > iv.Latest {
				t.Errorf("seed %d: %s transition at %v outside [%v, %v] (%s)",
					seed, iv.Router, truth, iv.Earliest, iv.Latest, iv.Evidence)
			}
		}
	}
}

func TestParseQueuingModel(t *testing.T) {
	t.Parallel()

	for _, name := range fib.QueuingModels() {
		m, err := fib.ParseQueuingModel(name)
		if err != nil {
			t.Errorf("ParseQueuingModel(%q): %v", name, err)
			continue
		}
		if !strings.HasPrefix(m.String(), name+"(") {
			t.Errorf("ParseQueuingModel(%q).String() = %q", name, m.String())
		}
	}

	m, err := fib.ParseQueuingModel("nx9k-bgp")
	if err != nil {
		t.Fatalf("ParseQueuingModel(nx9k-bgp): %v", err)
	}
	if m.Delay != 70100*time.Microsecond || m.NextHop != 60038*time.Nanosecond {
		t.Errorf("nx9k-bgp = %s", m)
	}

	if _, err := fib.ParseQueuingModel("juniper"); !errors.Is(err, fib.ErrUnknownQueuingModel) {
		t.Errorf("ParseQueuingModel(juniper) error = %v, want ErrUnknownQueuingModel", err)
	}
}

func TestIndex(t *testing.T) {
	t.Parallel()

	other := netip.MustParsePrefix("198.51.100.0/24")
	idx := fib.Index([]fib.Interval{
		{Router: "A", Prefix: testutil.Prefix, Latest: 1},
		{Router: "B", Prefix: testutil.Prefix, Latest: 2},
		{Router: "A", Prefix: other, Latest: 3},
	})
	if len(idx) != 2 || len(idx[testutil.Prefix]) != 2 {
		t.Fatalf("Index() = %v", idx)
	}
	if idx[other]["A"].Latest != 3 {
		t.Errorf("Index()[other][A] = %+v", idx[other]["A"])
	}
	if w := (fib.Interval{Earliest: 2, Latest: 5}).Width(); w != 3 {
		t.Errorf("Width() = %v, want 3", w)
	}
}

func TestEvidenceString(t *testing.T) {
	t.Parallel()

	tests := []struct {
		ev   fib.Evidence
		want string
	}{
		{0, ""},
		{fib.EvidenceControl, "control"},
		{fib.EvidenceCausal | fib.EvidenceNewProbe | fib.EvidenceClamped, "causal+new-probe+clamped"},
	}
	for _, tt := range tests {
		if got := tt.ev.String(); got != tt.want {
			t.Errorf("Evidence(%d).String() = %q, want %q", tt.ev, got, tt.want)
		}
	}
}
