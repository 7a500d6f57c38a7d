// Package forwarding models the per-prefix forwarding state of a trial: the
// old and new next hop of every router, and the data-plane paths traffic
// takes through a mix of old and new states.
package forwarding

import (
	"fmt"
	"net/netip"
	"slices"
	"strings"
)

// -------------------------------------------------------------------------
// Routes
// -------------------------------------------------------------------------

// Route is a router's next hop for one prefix before and after the routing
// change. An empty next hop means the router has no route and drops traffic.
type Route struct {
	Old string
	New string
}

// Touched reports whether the routing change alters this router's next hop.
func (r Route) Touched() bool {
	return r.Old != r.New
}

// NextHop returns the next hop in the given phase.
func (r Route) NextHop(p Phase) string {
	if p == PhaseNew {
		return r.New
	}
	return r.Old
}

// Phase is the forwarding behavior a router exhibits at an instant.
type Phase uint8

const (
	// PhaseOld is the pre-change next hop.
	PhaseOld Phase = iota + 1

	// PhaseNew is the post-change next hop.
	PhaseNew
)

func (p Phase) String() string {
	switch p {
	case PhaseOld:
		return "old"
	case PhaseNew:
		return "new"
	default:
		return fmt.Sprintf("Phase(%d)", uint8(p))
	}
}

// Admissible is the set of phases a router may be in at an instant.
type Admissible uint8

const (
	// AllowOld admits the old next hop.
	AllowOld Admissible = 1 << iota

	// AllowNew admits the new next hop.
	AllowNew

	// AllowBoth admits either next hop; the router's transition is uncertain.
	AllowBoth = AllowOld | AllowNew
)

// Ambiguous reports whether both phases are admissible.
func (a Admissible) Ambiguous() bool {
	return a == AllowBoth
}

// Table holds the routes of all routers for one prefix.
type Table struct {
	Prefix netip.Prefix
	routes map[string]Route
}

// NewTable creates an empty table for prefix.
func NewTable(prefix netip.Prefix) *Table {
	return &Table{Prefix: prefix, routes: make(map[string]Route)}
}

// Set installs the route of a router.
func (t *Table) Set(router string, r Route) {
	t.routes[router] = r
}

// Route returns the route of a router.
func (t *Table) Route(router string) (Route, bool) {
	r, ok := t.routes[router]
	return r, ok
}

// Touched returns the sorted routers whose next hop changes.
func (t *Table) Touched() []string {
	var out []string
	for name, r := range t.routes {
		if r.Touched() {
			out = append(out, name)
		}
	}
	slices.Sort(out)
	return out
}

// Routers returns all routers with a route, sorted.
func (t *Table) Routers() []string {
	out := make([]string, 0, len(t.routes))
	for name := range t.routes {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

// -------------------------------------------------------------------------
// Paths
// -------------------------------------------------------------------------

// PathKind classifies how a walk through the network ends.
type PathKind uint8

const (
	// Reached means traffic was handed to an external router.
	Reached PathKind = iota + 1

	// Loop means traffic revisited a router.
	Loop

	// BlackHole means a router without a route dropped the traffic.
	BlackHole
)

func (k PathKind) String() string {
	switch k {
	case Reached:
		return "reached"
	case Loop:
		return "loop"
	case BlackHole:
		return "blackhole"
	default:
		return fmt.Sprintf("PathKind(%d)", uint8(k))
	}
}

// Path is one data-plane path. Hops lists routers in traversal order; for
// a Loop the last hop is the revisited router.
type Path struct {
	Kind PathKind
	Hops []string
}

// Contains reports whether the path traverses router.
func (p Path) Contains(router string) bool {
	return slices.Contains(p.Hops, router)
}

// HasSegment reports whether the path traverses the directed link from->to.
func (p Path) HasSegment(from, to string) bool {
	for i := 0; i+1 < len(p.Hops); i++ {
		if p.Hops[i] == from && p.Hops[i+1] == to {
			return true
		}
	}
	return false
}

func (p Path) String() string {
	return p.Kind.String() + "[" + strings.Join(p.Hops, ">") + "]"
}
