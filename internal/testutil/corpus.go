package testutil

import (
	"fmt"
	"net/netip"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dantte-lp/transient/internal/event"
)

// Truth instants of the loop scenario: B switches before A, so traffic
// loops between them from TruthB to TruthA.
//
//nolint:gochecknoglobals // Fixture values are intentionally package-level.
var (
	TruthA = Ms(11.8)
	TruthB = Ms(11.2)
)

// PropertiesYAML is a corpus property file checking the loop prefix.
const PropertiesYAML = `properties:
  - {name: loop_free, kind: loop_free, prefix: 203.0.113.0/24}
  - {name: reachable, kind: reachable, prefix: 203.0.113.0/24}
`

// LoopCapture is the single-vantage capture of the loop scenario, in
// milliseconds after T0:
//
//	 0  B announces to A (anchor, not relevant for A)
//	 5  probe from A leaves A towards B (old)
//	 8  probe from B leaves B towards ExtB (old)
//	10  ExtA announces to A
//	11  A announces to B
//	12  probe from A leaves A towards ExtA (new)
//	15  probe from B leaves B towards A (new)
//
// The resulting intervals are A [10, 12] and B [11, 15].
func LoopCapture(tb testing.TB) *Capture {
	tb.Helper()
	p := []netip.Prefix{Prefix}
	return NewCapture(tb).
		BGPUpdate(At(0), BtoA, AtoB, nil, p).
		Probe(At(Ms(5)), ProberA, 1, AtoB, BtoA).
		Probe(At(Ms(8)), ProberB, 1, BtoExtB, ExtBtoB).
		BGPUpdate(At(Ms(10)), ExtAtoA, AtoExtA, nil, p).
		BGPUpdate(At(Ms(11)), AtoB, BtoA, nil, p).
		Probe(At(Ms(12)), ProberA, 2, AtoExtA, ExtAtoA).
		Probe(At(Ms(15)), ProberB, 2, BtoA, AtoB)
}

// TrialFixture describes one loop trial written by WriteLoopTrial.
type TrialFixture struct {
	// Dir is the trial directory.
	Dir string

	// Key is the trial key the manifest resolves to.
	Key string
}

// WriteLoopTrial writes the lab topology below root and a complete loop
// trial, with capture and ground truth, into root/name. delay distinguishes
// the keys of several trials in one corpus. extra is appended to the
// manifest verbatim.
func WriteLoopTrial(tb testing.TB, root, name string, delay time.Duration, extra string) TrialFixture {
	tb.Helper()
	WriteFile(tb, root, filepath.Join("topologies", "lab.yaml"), []byte(TopologyYAML))

	dir := filepath.Join(root, name)
	WriteFile(tb, dir, "capture.pcap", LoopCapture(tb).Pcap())
	WriteFile(tb, dir, "truth.csv", []byte(TruthCSV()))

	manifest := fmt.Sprintf(`scenario: loop
topology: lab
change: announce
delay: %s
timestamp: %s
origin: ExtA
captures:
  - {vantage: lab, file: capture.pcap}
ground_truth: truth.csv
%s%s`, delay, T0.Format(time.RFC3339), LoopRoutes, extra)
	WriteFile(tb, dir, "trial.yaml", []byte(manifest))

	key := strings.Join([]string{"loop", "lab", "announce", delay.String(), T0.Format("20060102T150405Z")}, "/")
	return TrialFixture{Dir: dir, Key: key}
}

// TruthCSV renders the measured transitions of the loop scenario.
func TruthCSV() string {
	var b strings.Builder
	b.WriteString("router,prefix,time\n")
	fmt.Fprintf(&b, "A,%s,%s\n", Prefix, event.FormatEpoch(At(TruthA)))
	fmt.Fprintf(&b, "B,%s,%s\n", Prefix, event.FormatEpoch(At(TruthB)))
	return b.String()
}
