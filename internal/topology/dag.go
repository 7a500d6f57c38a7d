package topology

import (
	"cmp"
	"slices"
)

// DAG is the causal dependency graph of a routing change: an edge Y->X means
// X's forwarding transition can only happen after Y has processed the change.
//
// It is built by layering the BGP session graph by hop distance from the
// router where the change originates. Edges only go from layer d to layer
// d+1, so the graph is acyclic by construction.
type DAG struct {
	origin string
	depth  map[string]int
	preds  map[string][]string
	order  []string
}

// CausalDAG builds the dependency graph rooted at origin.
func (t *Topology) CausalDAG(origin string) *DAG {
	d := &DAG{
		origin: origin,
		depth:  bfs(origin, t.sessionNeighbors),
		preds:  make(map[string][]string),
	}

	for name := range d.depth {
		d.order = append(d.order, name)
	}
	slices.SortFunc(d.order, func(a, b string) int {
		if c := cmp.Compare(d.depth[a], d.depth[b]); c != 0 {
			return c
		}
		return cmp.Compare(a, b)
	})

	for _, x := range d.order {
		for _, y := range t.sessionNeighbors(x) {
			if dy, ok := d.depth[y]; ok && dy+1 == d.depth[x] {
				d.preds[x] = append(d.preds[x], y)
			}
		}
	}

	return d
}

// Origin returns the root router.
func (d *DAG) Origin() string {
	return d.origin
}

// Predecessors returns the sorted routers X causally depends on.
func (d *DAG) Predecessors(x string) []string {
	return d.preds[x]
}

// Depth returns the layer of x; ok is false for routers the change cannot
// reach over sessions.
func (d *DAG) Depth(x string) (int, bool) {
	v, ok := d.depth[x]
	return v, ok
}

// Order returns the reachable routers in topological order (by depth, then
// name).
func (d *DAG) Order() []string {
	return d.order
}
