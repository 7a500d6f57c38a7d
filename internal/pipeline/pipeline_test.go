package pipeline_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/goleak"

	"github.com/dantte-lp/transient/internal/cache"
	"github.com/dantte-lp/transient/internal/evaluate"
	"github.com/dantte-lp/transient/internal/event"
	"github.com/dantte-lp/transient/internal/extract"
	"github.com/dantte-lp/transient/internal/fib"
	pipelinemetrics "github.com/dantte-lp/transient/internal/metrics"
	"github.com/dantte-lp/transient/internal/pipeline"
	"github.com/dantte-lp/transient/internal/property"
	"github.com/dantte-lp/transient/internal/testutil"
	"github.com/dantte-lp/transient/internal/topology"
	"github.com/dantte-lp/transient/internal/trial"
	"github.com/dantte-lp/transient/internal/violation"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func options(t *testing.T) pipeline.Options {
	t.Helper()
	file := testutil.WriteFile(t, t.TempDir(), "properties.yaml", []byte(testutil.PropertiesYAML))
	specs, err := property.Load(file)
	if err != nil {
		t.Fatalf("property.Load: %v", err)
	}
	return pipeline.Options{
		Extract:        extract.DefaultOptions(),
		Violation:      violation.Params{Baseline: violation.BaselineMidpoint},
		PerHopDelay:    time.Millisecond,
		ErrorReference: evaluate.ReferenceMidpoint,
		Properties:     specs,
	}
}

func corpus(t *testing.T, root string) *trial.Corpus {
	t.Helper()
	topologies, err := topology.NewCache(0)
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	return trial.NewCorpus(root, topologies)
}

func loadTrial(t *testing.T, root string, fx testutil.TrialFixture) *trial.Trial {
	t.Helper()
	tr, err := corpus(t, root).Load(fx.Dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return tr
}

func openCache(t *testing.T) *cache.Store {
	t.Helper()
	s, err := cache.Open(context.Background(), filepath.Join(t.TempDir(), "cache.db"), discardLogger())
	if err != nil {
		t.Fatalf("cache.Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// loopRecord is the expected record of the loop trial for one property and
// source: a 1ms loop the midpoint baseline misses.
func loopRecord(key, prop, source string) evaluate.Record {
	ms := testutil.Ms
	r := evaluate.Record{
		Trial:    key,
		Property: prop,
		Source:   source,
		Kind:     property.Kind(prop),
		Status:   evaluate.StatusOK,
		Interval: violation.Interval{
			Trial: key, Property: prop, Source: source,
			Start: ms(11), End: ms(12), Violating: ms(1),
		},
		GroundTruth: violation.Interval{
			Trial: key, Property: prop, Source: source,
			Start: testutil.TruthB, End: testutil.TruthA, Violating: testutil.TruthA - testutil.TruthB,
		},
		TruthAvailable: true,
	}
	r.Score = evaluate.Evaluate(r, evaluate.ReferenceMidpoint)
	return r
}

func loopRecords(key string) []evaluate.Record {
	return []evaluate.Record{
		loopRecord(key, "loop_free", "A"),
		loopRecord(key, "loop_free", "B"),
		loopRecord(key, "reachable", "A"),
		loopRecord(key, "reachable", "B"),
	}
}

func TestProcessLoopTrial(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	fx := testutil.WriteLoopTrial(t, root, "loop", 10*time.Millisecond, "")

	proc := pipeline.NewProcessor(options(t), discardLogger())
	res, err := proc.Process(context.Background(), loadTrial(t, root, fx))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	if res.Trial != fx.Key || res.Cached {
		t.Errorf("result = %s cached=%v", res.Trial, res.Cached)
	}
	if diff := cmp.Diff(loopRecords(fx.Key), res.Records); diff != "" {
		t.Errorf("records mismatch (-want +got):\n%s", diff)
	}
	for _, r := range res.Records {
		if !r.Score.Missed || !r.Score.Covered {
			t.Errorf("%s/%s: score %+v, want covered and missed by the baseline", r.Property, r.Source, r.Score)
		}
	}

	ms := testutil.Ms
	want := []fib.Interval{
		{Router: "A", Prefix: testutil.Prefix, Earliest: ms(10), Latest: ms(12), Evidence: fib.EvidenceControl | fib.EvidenceNewProbe},
		{Router: "B", Prefix: testutil.Prefix, Earliest: ms(11), Latest: ms(15), Evidence: fib.EvidenceControl | fib.EvidenceNewProbe},
	}
	if diff := cmp.Diff(want, res.Intervals, cmpopts.EquateComparable(netip.Prefix{}, netip.Addr{})); diff != "" {
		t.Errorf("intervals mismatch (-want +got):\n%s", diff)
	}
	if len(res.Warnings) != 0 {
		t.Errorf("warnings = %v, want none", res.Warnings)
	}
}

func TestProcessCache(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	fx := testutil.WriteLoopTrial(t, root, "loop", 10*time.Millisecond, "")
	peer := testutil.WriteLoopTrial(t, root, "loop-20ms", 20*time.Millisecond, "")
	store := openCache(t)
	reg := prometheus.NewRegistry()
	col := pipelinemetrics.NewCollector(reg)
	opts := options(t)

	proc := pipeline.NewProcessor(opts, discardLogger(), pipeline.WithCache(store), pipeline.WithMetrics(col))
	ctx := context.Background()

	first := make(map[string]*pipeline.TrialResult)
	for _, f := range []testutil.TrialFixture{fx, peer} {
		res, err := proc.Process(ctx, loadTrial(t, root, f))
		if err != nil {
			t.Fatalf("first Process(%s): %v", f.Key, err)
		}
		if res.Cached {
			t.Fatalf("%s: first run served from an empty cache", f.Key)
		}
		first[f.Key] = res
	}
	if got := promtest.ToFloat64(col.CacheLookups.WithLabelValues(pipelinemetrics.CacheMiss)); got != 6 {
		t.Errorf("cache misses = %v, want 6 (intervals and two properties per trial)", got)
	}

	for _, f := range []testutil.TrialFixture{fx, peer} {
		again, err := proc.Process(ctx, loadTrial(t, root, f))
		if err != nil {
			t.Fatalf("second Process(%s): %v", f.Key, err)
		}
		if !again.Cached {
			t.Errorf("%s: unchanged trial was recomputed", f.Key)
		}
		if diff := cmp.Diff(first[f.Key].Records, again.Records); diff != "" {
			t.Errorf("%s: cached records differ (-first +second):\n%s", f.Key, diff)
		}
		if diff := cmp.Diff(first[f.Key].Intervals, again.Intervals, cmpopts.EquateComparable(netip.Prefix{}, netip.Addr{})); diff != "" {
			t.Errorf("%s: cached intervals differ (-first +second):\n%s", f.Key, diff)
		}
	}
	if got := promtest.ToFloat64(col.Trials.WithLabelValues(pipelinemetrics.StatusCached)); got != 2 {
		t.Errorf("cached trials = %v, want 2", got)
	}

	// One flipped capture byte recomputes that trial only. The last byte is
	// probe padding, so the results stay the same.
	path := filepath.Join(fx.Dir, "capture.pcap")
	capture, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read capture: %v", err)
	}
	capture[len(capture)-1] ^= 0xff
	testutil.WriteFile(t, fx.Dir, "capture.pcap", capture)

	changed, err := proc.Process(ctx, loadTrial(t, root, fx))
	if err != nil {
		t.Fatalf("Process(%s) after capture change: %v", fx.Key, err)
	}
	if changed.Cached {
		t.Errorf("%s: trial with a changed capture served from cache", fx.Key)
	}
	if diff := cmp.Diff(first[fx.Key].Records, changed.Records); diff != "" {
		t.Errorf("%s: records changed with probe padding (-first +changed):\n%s", fx.Key, diff)
	}
	untouched, err := proc.Process(ctx, loadTrial(t, root, peer))
	if err != nil {
		t.Fatalf("Process(%s) after capture change: %v", peer.Key, err)
	}
	if !untouched.Cached {
		t.Errorf("%s: recomputed after another trial's capture changed", peer.Key)
	}

	// Changing one input invalidates every slot of the trial.
	truth := fmt.Sprintf("router,prefix,time\nA,%s,%s\nB,%s,%s\n",
		testutil.Prefix, event.FormatEpoch(testutil.At(testutil.TruthA)),
		testutil.Prefix, event.FormatEpoch(testutil.At(testutil.TruthA)))
	testutil.WriteFile(t, fx.Dir, "truth.csv", []byte(truth))

	third, err := proc.Process(ctx, loadTrial(t, root, fx))
	if err != nil {
		t.Fatalf("third Process: %v", err)
	}
	if third.Cached {
		t.Error("trial with changed ground truth served from cache")
	}
	for _, r := range third.Records {
		if !r.GroundTruth.Empty {
			t.Errorf("%s/%s: ground truth %+v, want no violation once A and B switch together", r.Property, r.Source, r.GroundTruth)
		}
	}

	// So does changing an analysis parameter.
	opts.Violation.Slack = time.Millisecond
	slack := pipeline.NewProcessor(opts, discardLogger(), pipeline.WithCache(store))
	fourth, err := slack.Process(ctx, loadTrial(t, root, fx))
	if err != nil {
		t.Fatalf("fourth Process: %v", err)
	}
	if fourth.Cached {
		t.Error("changed slack served from cache")
	}
	if got := fourth.Records[0].Interval; got.Start != testutil.Ms(10) || got.End != testutil.Ms(13) {
		t.Errorf("interval with slack = %+v, want [10ms, 13ms]", got)
	}
}

func TestProcessPropertyErrors(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	extra := `properties:
  - {name: latency, kind: bounded_latency, prefix: 203.0.113.0/24}
  - {name: elsewhere, kind: reachable, prefix: 198.51.100.0/24}
  - {name: loop_free, kind: waypoint, prefix: 203.0.113.0/24, waypoint: B}
  - {name: "@intervals", kind: reachable, prefix: 203.0.113.0/24}
`
	fx := testutil.WriteLoopTrial(t, root, "loop", 10*time.Millisecond, extra)
	reg := prometheus.NewRegistry()
	col := pipelinemetrics.NewCollector(reg)

	proc := pipeline.NewProcessor(options(t), discardLogger(), pipeline.WithMetrics(col))
	res, err := proc.Process(context.Background(), loadTrial(t, root, fx))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	byProp := make(map[string][]evaluate.Record)
	for _, r := range res.Records {
		byProp[r.Property] = append(byProp[r.Property], r)
	}

	for _, name := range []string{"latency", "elsewhere", "@intervals"} {
		rs := byProp[name]
		if len(rs) != 1 || rs[0].Status != evaluate.StatusError || rs[0].Err == "" {
			t.Errorf("%s records = %+v, want one error record", name, rs)
		}
	}
	if rs := byProp["elsewhere"]; len(rs) == 1 && rs[0].Kind != property.KindReachable {
		t.Errorf("elsewhere kind = %q", rs[0].Kind)
	}

	// The trial's loop_free overrides the corpus property of the same name.
	for _, r := range byProp["loop_free"] {
		if r.Kind != property.KindWaypoint || r.Status != evaluate.StatusOK {
			t.Errorf("loop_free record = %+v, want the trial's waypoint property", r)
		}
	}
	if len(byProp["reachable"]) != 2 {
		t.Errorf("reachable records = %d, want 2", len(byProp["reachable"]))
	}

	if got := promtest.ToFloat64(col.PropertyErrors.WithLabelValues("unsupported")); got != 1 {
		t.Errorf("unsupported property errors = %v, want 1", got)
	}
	if got := promtest.ToFloat64(col.PropertyErrors.WithLabelValues(string(property.KindReachable))); got != 2 {
		t.Errorf("reachable property errors = %v, want 2", got)
	}
	if rs := byProp["@intervals"]; len(rs) == 1 && !strings.Contains(rs[0].Err, property.ErrReservedName.Error()) {
		t.Errorf("@intervals error = %q, want a reserved name error", rs[0].Err)
	}
}

func TestProcessControlLogErrors(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	fx := testutil.WriteLoopTrial(t, root, "loop", 10*time.Millisecond, "control_log: control.csv\n")
	testutil.WriteFile(t, fx.Dir, "control.csv", []byte(strings.Join([]string{
		"router,time,vantage,prefix,seq,kind,from",
		"A,yesterday,lab,203.0.113.0/24,5,announce,ExtA",
		"A,1777636800.013,lab,203.0.113.0/24,4,refresh,ExtA",
	}, "\n")))
	reg := prometheus.NewRegistry()
	col := pipelinemetrics.NewCollector(reg)

	proc := pipeline.NewProcessor(options(t), discardLogger(), pipeline.WithMetrics(col))
	res, err := proc.Process(context.Background(), loadTrial(t, root, fx))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if diff := cmp.Diff(loopRecords(fx.Key), res.Records); diff != "" {
		t.Errorf("records mismatch (-want +got):\n%s", diff)
	}
	if len(res.Warnings) != 2 {
		t.Errorf("warnings = %v, want the two malformed log lines", res.Warnings)
	}

	if got := promtest.ToFloat64(col.ParseErrors.WithLabelValues(pipelinemetrics.SourceControlLog)); got != 2 {
		t.Errorf("control log parse errors = %v, want 2", got)
	}
	if got := promtest.ToFloat64(col.ParseErrors.WithLabelValues(pipelinemetrics.SourceCapture)); got != 0 {
		t.Errorf("capture parse errors = %v, want 0", got)
	}
}

func TestProcessStageFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		mutate    func(t *testing.T, dir string)
		wantStage string
		wantErr   error
	}{
		{
			name:      "missing capture",
			mutate:    func(t *testing.T, dir string) { remove(t, filepath.Join(dir, "capture.pcap")) },
			wantStage: pipeline.StageExtract,
			wantErr:   os.ErrNotExist,
		},
		{
			name: "capture without control events",
			mutate: func(t *testing.T, dir string) {
				c := testutil.NewCapture(t).Probe(testutil.At(0), testutil.ProberA, 1, testutil.AtoB, testutil.BtoA)
				testutil.WriteFile(t, dir, "capture.pcap", c.Pcap())
			},
			wantStage: pipeline.StageAlign,
		},
		{
			name:      "missing ground truth",
			mutate:    func(t *testing.T, dir string) { remove(t, filepath.Join(dir, "truth.csv")) },
			wantStage: pipeline.StageGroundTruth,
			wantErr:   os.ErrNotExist,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			root := t.TempDir()
			fx := testutil.WriteLoopTrial(t, root, "loop", 10*time.Millisecond, "")
			tr := loadTrial(t, root, fx)
			tt.mutate(t, fx.Dir)

			_, err := pipeline.NewProcessor(options(t), discardLogger()).Process(context.Background(), tr)
			var te *pipeline.TrialError
			if !errors.As(err, &te) {
				t.Fatalf("Process() error = %v, want a TrialError", err)
			}
			if te.Stage != tt.wantStage || te.Trial != fx.Key {
				t.Errorf("TrialError = %s/%s, want %s/%s", te.Trial, te.Stage, fx.Key, tt.wantStage)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("Process() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func remove(t *testing.T, path string) {
	t.Helper()
	if err := os.Remove(path); err != nil {
		t.Fatalf("remove: %v", err)
	}
}
