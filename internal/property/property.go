// Package property defines the forwarding invariants checked during a
// routing change and the closed dispatch table that evaluates them.
//
// A check is split in two halves so the equivalence reducer can share work:
// Context summarizes the static part of a path (the routers traffic crosses
// before reaching the first router whose forwarding changes), and Violates
// judges the remaining path given that summary. Two sources with the same
// first changing router and the same context yield the same verdict.
package property

import (
	"cmp"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/dantte-lp/transient/internal/forwarding"
)

// Kind names a property kind.
type Kind string

const (
	// KindReachable requires traffic to reach an external router: no black
	// holes and no loops.
	KindReachable Kind = "reachable"

	// KindLoopFree forbids forwarding loops.
	KindLoopFree Kind = "loop_free"

	// KindWaypoint requires delivered traffic to traverse a waypoint router.
	KindWaypoint Kind = "waypoint"

	// KindAvoidSegment forbids delivered traffic from crossing a directed
	// link.
	KindAvoidSegment Kind = "avoid_segment"
)

// Spec is a property as configured by the user.
type Spec struct {
	Name     string   `yaml:"name" json:"name"`
	Kind     Kind     `yaml:"kind" json:"kind"`
	Prefix   string   `yaml:"prefix" json:"prefix"`
	Sources  []string `yaml:"sources,omitempty" json:"sources,omitempty"`
	Waypoint string   `yaml:"waypoint,omitempty" json:"waypoint,omitempty"`
	Segment  []string `yaml:"segment,omitempty" json:"segment,omitempty"`
}

// Checker evaluates one property kind.
type Checker interface {
	// Context summarizes a static path prefix. The returned value is part
	// of the equivalence signature, so it must capture everything Violates
	// needs about the prefix.
	Context(prefix []string) string

	// Violates reports whether the path (which starts where the prefix
	// ended) violates the property.
	Violates(ctx string, p forwarding.Path) bool
}

// Property is a validated, ready-to-evaluate Spec.
type Property struct {
	Spec
	Prefix netip.Prefix
	Checker
}

// Check evaluates a complete path with an empty prefix.
func (p *Property) Check(path forwarding.Path) bool {
	return p.Violates(p.Context(nil), path)
}

// -------------------------------------------------------------------------
// Sentinel Errors
// -------------------------------------------------------------------------

var (
	// ErrUnsupportedKind indicates a property kind missing from the dispatch
	// table.
	ErrUnsupportedKind = errors.New("unsupported property kind")

	// ErrMissingParameter indicates a kind-specific parameter is absent.
	ErrMissingParameter = errors.New("missing property parameter")

	// ErrInvalidPrefix indicates an unparsable property prefix.
	ErrInvalidPrefix = errors.New("invalid property prefix")

	// ErrEmptyName indicates a property without a name.
	ErrEmptyName = errors.New("property name must not be empty")

	// ErrDuplicateName indicates two properties share a name.
	ErrDuplicateName = errors.New("duplicate property name")

	// ErrReservedName indicates a property name starting with
	// ReservedPrefix.
	ErrReservedName = errors.New("reserved property name")
)

// ReservedPrefix starts the names of internal result slots stored next to
// property results. No property name may start with it.
const ReservedPrefix = "@"

// Error is a PropertyEvaluationError: the property is malformed or cannot be
// evaluated, which aborts only that property for the trial.
type Error struct {
	Property string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("property %q: %v", e.Property, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// -------------------------------------------------------------------------
// Dispatch Table
// -------------------------------------------------------------------------

type factory func(Spec) (Checker, error)

// kinds is the closed dispatch table. New kinds are added here.
//
//nolint:gochecknoglobals // Lookup table is intentionally package-level.
var kinds = map[Kind]factory{
	KindReachable: func(Spec) (Checker, error) { return reachable{}, nil },
	KindLoopFree:  func(Spec) (Checker, error) { return loopFree{}, nil },
	KindWaypoint: func(s Spec) (Checker, error) {
		if s.Waypoint == "" {
			return nil, fmt.Errorf("waypoint: %w", ErrMissingParameter)
		}
		return waypoint{router: s.Waypoint}, nil
	},
	KindAvoidSegment: func(s Spec) (Checker, error) {
		if len(s.Segment) != 2 || s.Segment[0] == "" || s.Segment[1] == "" {
			return nil, fmt.Errorf("segment needs [from, to]: %w", ErrMissingParameter)
		}
		return avoidSegment{from: s.Segment[0], to: s.Segment[1]}, nil
	},
}

// Kinds returns the supported kinds, sorted.
func Kinds() []Kind {
	out := make([]Kind, 0, len(kinds))
	for k := range kinds {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

// Compile validates a spec and binds its checker.
func Compile(s Spec) (*Property, error) {
	if s.Name == "" {
		return nil, &Error{Property: s.Name, Err: ErrEmptyName}
	}
	if strings.HasPrefix(s.Name, ReservedPrefix) {
		return nil, &Error{Property: s.Name, Err: fmt.Errorf("prefix %q: %w", ReservedPrefix, ErrReservedName)}
	}

	f, ok := kinds[s.Kind]
	if !ok {
		return nil, &Error{Property: s.Name, Err: fmt.Errorf("%q: %w", s.Kind, ErrUnsupportedKind)}
	}

	prefix, err := netip.ParsePrefix(s.Prefix)
	if err != nil {
		return nil, &Error{Property: s.Name, Err: fmt.Errorf("%q: %w", s.Prefix, ErrInvalidPrefix)}
	}

	c, err := f(s)
	if err != nil {
		return nil, &Error{Property: s.Name, Err: err}
	}

	return &Property{Spec: s, Prefix: prefix.Masked(), Checker: c}, nil
}

// -------------------------------------------------------------------------
// Loading
// -------------------------------------------------------------------------

// document is the YAML layout of a property file.
type document struct {
	Properties []Spec `yaml:"properties"`
}

// Load reads a property file. Specs are returned as written; each one is
// compiled separately so a malformed entry only affects itself.
func Load(path string) ([]Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read properties %s: %w", path, err)
	}
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode properties %s: %w", path, err)
	}
	if err := checkNames(doc.Properties); err != nil {
		return nil, fmt.Errorf("properties %s: %w", path, err)
	}
	return doc.Properties, nil
}

// Merge combines property sets; later sets override earlier ones by name.
// The result is sorted by name.
func Merge(sets ...[]Spec) []Spec {
	byName := make(map[string]Spec)
	for _, set := range sets {
		for _, s := range set {
			byName[s.Name] = s
		}
	}
	out := make([]Spec, 0, len(byName))
	for _, s := range byName {
		out = append(out, s)
	}
	slices.SortFunc(out, func(a, b Spec) int { return cmp.Compare(a.Name, b.Name) })
	return out
}

func checkNames(specs []Spec) error {
	seen := make(map[string]struct{}, len(specs))
	for i, s := range specs {
		if strings.HasPrefix(s.Name, ReservedPrefix) {
			return fmt.Errorf("properties[%d] %q: %w", i, s.Name, ErrReservedName)
		}
		if _, dup := seen[s.Name]; dup {
			return fmt.Errorf("properties[%d] %q: %w", i, s.Name, ErrDuplicateName)
		}
		seen[s.Name] = struct{}{}
	}
	return nil
}
