// Package testutil provides the lab fixtures shared by the package tests: a
// four-router topology, the loop scenario routes, and a builder for
// synthetic Ethernet captures carrying BGP updates and probe packets.
package testutil

import (
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dantte-lp/transient/internal/forwarding"
	"github.com/dantte-lp/transient/internal/topology"
)

// Lab topology:
//
//	ExtA --- A --- B --- ExtB
//
// Probers inject at A (100.64.0.1) and B (100.64.0.2).
const TopologyYAML = `name: lab
routers:
  - name: A
    interfaces:
      - {name: a-b, mac: "02:00:00:00:01:01", ip: 10.0.1.1, peer: B}
      - {name: a-exta, mac: "02:00:00:00:01:02", ip: 10.0.2.1, peer: ExtA}
  - name: B
    interfaces:
      - {name: b-a, mac: "02:00:00:00:02:01", ip: 10.0.1.2, peer: A}
      - {name: b-extb, mac: "02:00:00:00:02:02", ip: 10.0.3.2, peer: ExtB}
  - name: ExtA
    external: true
    interfaces:
      - {name: exta-a, mac: "02:00:00:00:03:01", ip: 10.0.2.2, peer: A}
  - name: ExtB
    external: true
    interfaces:
      - {name: extb-b, mac: "02:00:00:00:04:01", ip: 10.0.3.3, peer: B}
probers:
  - {ip: 100.64.0.1, router: A}
  - {ip: 100.64.0.2, router: B}
`

// Iface is one router interface of the lab topology.
type Iface struct {
	Name string
	MAC  string
	IP   string
}

// Lab interfaces.
//
//nolint:gochecknoglobals // Fixture table is intentionally package-level.
var (
	AtoB    = Iface{"a-b", "02:00:00:00:01:01", "10.0.1.1"}
	AtoExtA = Iface{"a-exta", "02:00:00:00:01:02", "10.0.2.1"}
	BtoA    = Iface{"b-a", "02:00:00:00:02:01", "10.0.1.2"}
	BtoExtB = Iface{"b-extb", "02:00:00:00:02:02", "10.0.3.2"}
	ExtAtoA = Iface{"exta-a", "02:00:00:00:03:01", "10.0.2.2"}
	ExtBtoB = Iface{"extb-b", "02:00:00:00:04:01", "10.0.3.3"}
)

// Prober addresses.
//
//nolint:gochecknoglobals // Fixture table is intentionally package-level.
var (
	ProberA = netip.MustParseAddr("100.64.0.1")
	ProberB = netip.MustParseAddr("100.64.0.2")
)

// Prefix is the destination prefix of the lab routing change.
//
//nolint:gochecknoglobals // Fixture value is intentionally package-level.
var Prefix = netip.MustParsePrefix("203.0.113.0/24")

// Destination is a probe destination inside Prefix.
//
//nolint:gochecknoglobals // Fixture value is intentionally package-level.
var Destination = netip.MustParseAddr("203.0.113.10")

// T0 is the wall-clock instant of the first control event of a lab trial.
//
//nolint:gochecknoglobals // Fixture value is intentionally package-level.
var T0 = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

// At returns T0 + d.
func At(d time.Duration) time.Time {
	return T0.Add(d)
}

// Ms converts fractional milliseconds to a duration.
func Ms(ms float64) time.Duration {
	return time.Duration(ms * float64(time.Millisecond))
}

// Topology parses the lab topology.
func Topology(tb testing.TB) *topology.Topology {
	tb.Helper()
	topo, err := topology.Parse([]byte(TopologyYAML))
	if err != nil {
		tb.Fatalf("parse lab topology: %v", err)
	}
	return topo
}

// LoopTable is the loop scenario: A moves from B to ExtA and B moves from
// ExtB to A. While B is new and A still old, traffic loops between them.
func LoopTable() *forwarding.Table {
	tbl := forwarding.NewTable(Prefix)
	tbl.Set("A", forwarding.Route{Old: "B", New: "ExtA"})
	tbl.Set("B", forwarding.Route{Old: "ExtB", New: "A"})
	return tbl
}

// LoopRoutes is LoopTable in manifest form.
const LoopRoutes = `routes:
  - {router: A, prefix: 203.0.113.0/24, old: B, new: ExtA}
  - {router: B, prefix: 203.0.113.0/24, old: ExtB, new: A}
`

// WriteFile writes data to dir/name, creating directories as needed, and
// returns the path.
func WriteFile(tb testing.TB, dir, name string, data []byte) string {
	tb.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		tb.Fatalf("mkdir %s: %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		tb.Fatalf("write %s: %v", path, err)
	}
	return path
}
