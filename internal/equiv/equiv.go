// Package equiv groups probe paths whose violation intervals are provably
// equal, so the violation algorithm runs once per class.
//
// Traffic from a source first crosses routers whose forwarding never
// changes. Only the first changing router it reaches (the entry) and the
// property's summary of the static routers before it can influence the
// verdict, so paths agreeing on both share a result.
package equiv

import (
	"cmp"
	"errors"
	"fmt"
	"net/netip"
	"slices"

	"github.com/dantte-lp/transient/internal/forwarding"
	"github.com/dantte-lp/transient/internal/property"
	"github.com/dantte-lp/transient/internal/violation"
)

// ErrNotPartition indicates classes that do not cover every path exactly
// once.
var ErrNotPartition = errors.New("equivalence classes do not partition the probe paths")

// Path is a probe path: traffic entering at Source towards Prefix.
type Path struct {
	Source string       `json:"source"`
	Prefix netip.Prefix `json:"prefix"`
}

// Signature identifies a class.
type Signature struct {
	Property string
	Prefix   netip.Prefix

	// Entry is the first touched router, empty for time-invariant paths.
	Entry string

	// Context is the property's summary of the static routers before Entry.
	Context string

	// Static is the complete path when Entry is empty.
	Static string
}

func (s Signature) String() string {
	if s.Entry == "" {
		return fmt.Sprintf("%s/%s/static:%s", s.Property, s.Prefix, s.Static)
	}
	return fmt.Sprintf("%s/%s/%s[%s]", s.Property, s.Prefix, s.Entry, s.Context)
}

// Class is a set of probe paths with equal violation intervals.
type Class struct {
	Signature      Signature
	Members        []Path
	Representative Path

	// Query evaluates the class.
	Query violation.Query
}

// Reduce partitions the paths from sources to the table's prefix under prop.
// Classes are sorted by signature; members by source.
func Reduce(prop *property.Property, tbl *forwarding.Table, terminal forwarding.Terminal, sources []string) ([]*Class, error) {
	walker := &forwarding.Walker{Terminal: terminal, Table: tbl}
	byKey := make(map[Signature]*Class)

	srcs := slices.Clone(sources)
	slices.Sort(srcs)
	srcs = slices.Compact(srcs)

	for _, src := range srcs {
		hops, entry, tail := walker.Approach(src)

		sig := Signature{Property: prop.Name, Prefix: tbl.Prefix, Entry: entry}
		q := violation.Query{Property: prop, Table: tbl, Terminal: terminal, Entry: entry}
		if entry == "" {
			sig.Context = prop.Context(nil)
			sig.Static = tail.String()
			q.Context, q.Static = sig.Context, tail
		} else {
			sig.Context = prop.Context(hops)
			q.Context = sig.Context
		}

		c, ok := byKey[sig]
		if !ok {
			c = &Class{Signature: sig, Query: q}
			byKey[sig] = c
		}
		c.Members = append(c.Members, Path{Source: src, Prefix: tbl.Prefix})
	}

	classes := make([]*Class, 0, len(byKey))
	for _, c := range byKey {
		c.Representative = c.Members[0]
		classes = append(classes, c)
	}
	slices.SortFunc(classes, func(a, b *Class) int {
		return cmp.Compare(a.Signature.String(), b.Signature.String())
	})

	if err := CheckPartition(classes, srcs, tbl.Prefix); err != nil {
		return nil, err
	}
	return classes, nil
}

// CheckPartition verifies that every source appears in exactly one class
// and no class contains anything else.
func CheckPartition(classes []*Class, sources []string, prefix netip.Prefix) error {
	want := make(map[Path]bool, len(sources))
	for _, s := range sources {
		want[Path{Source: s, Prefix: prefix}] = false
	}
	for _, c := range classes {
		if len(c.Members) == 0 {
			return fmt.Errorf("class %s is empty: %w", c.Signature, ErrNotPartition)
		}
		for _, m := range c.Members {
			seen, ok := want[m]
			switch {
			case !ok:
				return fmt.Errorf("class %s has foreign path %s: %w", c.Signature, m.Source, ErrNotPartition)
			case seen:
				return fmt.Errorf("path %s in two classes: %w", m.Source, ErrNotPartition)
			}
			want[m] = true
		}
	}
	for p, seen := range want {
		if !seen {
			return fmt.Errorf("path %s in no class: %w", p.Source, ErrNotPartition)
		}
	}
	return nil
}

// Sources selects the probe sources of a property for one prefix: the entry
// routers seen in probes plus the property's own sources. When both are
// empty every internal router holding a route is a source.
func Sources(spec property.Spec, observed []string, tbl *forwarding.Table, terminal forwarding.Terminal) []string {
	out := append(slices.Clone(observed), spec.Sources...)
	if len(out) == 0 {
		for _, r := range tbl.Routers() {
			if terminal == nil || !terminal.IsExternal(r) {
				out = append(out, r)
			}
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
