// Package trial loads recorded experiment trials from a corpus directory.
//
// A trial is a directory containing a trial.yaml manifest that references
// its captures, control-plane log, ground truth, and the routing change the
// simulator predicted. Trials are immutable once recorded; the pipeline only
// reads them.
package trial

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dantte-lp/transient/internal/forwarding"
	"github.com/dantte-lp/transient/internal/property"
	"github.com/dantte-lp/transient/internal/topology"
)

// ManifestName is the file that marks a directory as a trial.
const ManifestName = "trial.yaml"

// Manifest is the on-disk description of one trial.
type Manifest struct {
	Scenario  string        `yaml:"scenario"`
	Topology  string        `yaml:"topology"`
	Change    string        `yaml:"change"`
	Delay     time.Duration `yaml:"delay"`
	Timestamp time.Time     `yaml:"timestamp"`

	// Origin is the router where the routing change is injected.
	Origin string `yaml:"origin"`

	// End bounds the analyzed window after the anchor. Zero means the last
	// observed event.
	End time.Duration `yaml:"end"`

	Captures    []Capture `yaml:"captures"`
	ControlLog  string    `yaml:"control_log"`
	GroundTruth string    `yaml:"ground_truth"`

	// Routes are the simulator's old and new next hops per router/prefix.
	Routes []Route `yaml:"routes"`

	// Properties are trial-specific properties, merged over the corpus set.
	Properties []property.Spec `yaml:"properties"`
}

// Capture is one packet capture and the vantage (clock domain) it was taken at.
type Capture struct {
	Vantage string `yaml:"vantage"`
	File    string `yaml:"file"`
}

// Route is one router's next hop change for a prefix. Empty next hops mean
// the router has no route.
type Route struct {
	Router string `yaml:"router"`
	Prefix string `yaml:"prefix"`
	Old    string `yaml:"old"`
	New    string `yaml:"new"`
}

// Trial is a loaded trial.
type Trial struct {
	// Key is the stable identity used for caching and reporting.
	Key string

	// Dir is the trial directory; manifest paths are relative to it.
	Dir string

	Manifest Manifest

	// TopologyPath is the resolved topology file.
	TopologyPath string

	Topology *topology.Topology
}

// -------------------------------------------------------------------------
// Sentinel Errors
// -------------------------------------------------------------------------

var (
	// ErrMissingField indicates a required manifest field is empty.
	ErrMissingField = errors.New("missing manifest field")

	// ErrNoCaptures indicates a manifest without captures or control log.
	ErrNoCaptures = errors.New("trial has neither captures nor a control log")

	// ErrInvalidRoute indicates a route that references an unknown router or
	// an unparsable prefix.
	ErrInvalidRoute = errors.New("invalid route")
)

// -------------------------------------------------------------------------
// Identity
// -------------------------------------------------------------------------

// keyTimeLayout renders trial timestamps in keys.
const keyTimeLayout = "20060102T150405Z"

// Key builds the stable identity of a manifest: scenario, topology, change
// type, delay, and timestamp.
func (m *Manifest) Key() string {
	return strings.Join([]string{
		m.Scenario,
		m.Topology,
		m.Change,
		m.Delay.String(),
		m.Timestamp.UTC().Format(keyTimeLayout),
	}, "/")
}

// -------------------------------------------------------------------------
// Loading
// -------------------------------------------------------------------------

// ReadManifest decodes and validates the manifest in dir.
func ReadManifest(dir string) (Manifest, error) {
	var m Manifest
	data, err := os.ReadFile(filepath.Join(dir, ManifestName))
	if err != nil {
		return m, fmt.Errorf("read manifest: %w", err)
	}
	if err := yaml.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("decode manifest: %w", err)
	}
	if err := m.validate(); err != nil {
		return m, err
	}
	return m, nil
}

func (m *Manifest) validate() error {
	switch {
	case m.Scenario == "":
		return fmt.Errorf("scenario: %w", ErrMissingField)
	case m.Topology == "":
		return fmt.Errorf("topology: %w", ErrMissingField)
	case m.Origin == "":
		return fmt.Errorf("origin: %w", ErrMissingField)
	case len(m.Captures) == 0 && m.ControlLog == "":
		return ErrNoCaptures
	}
	for i, c := range m.Captures {
		if c.Vantage == "" || c.File == "" {
			return fmt.Errorf("captures[%d]: vantage and file: %w", i, ErrMissingField)
		}
	}
	return nil
}

// Path resolves a manifest-relative path.
func (t *Trial) Path(rel string) string {
	if rel == "" || filepath.IsAbs(rel) {
		return rel
	}
	return filepath.Join(t.Dir, rel)
}

// InputFiles lists every raw input of the trial in a fixed order: manifest,
// topology, captures, control log, ground truth. Changing any of these
// invalidates cached results.
func (t *Trial) InputFiles() []string {
	files := []string{filepath.Join(t.Dir, ManifestName), t.TopologyPath}
	for _, c := range t.Manifest.Captures {
		files = append(files, t.Path(c.File))
	}
	if t.Manifest.ControlLog != "" {
		files = append(files, t.Path(t.Manifest.ControlLog))
	}
	if t.Manifest.GroundTruth != "" {
		files = append(files, t.Path(t.Manifest.GroundTruth))
	}
	return files
}

// Routing converts the manifest routes into per-prefix forwarding tables.
func (t *Trial) Routing() (map[netip.Prefix]*forwarding.Table, error) {
	tables := make(map[netip.Prefix]*forwarding.Table)
	for i, r := range t.Manifest.Routes {
		prefix, err := netip.ParsePrefix(r.Prefix)
		if err != nil {
			return nil, fmt.Errorf("routes[%d] prefix %q: %w", i, r.Prefix, ErrInvalidRoute)
		}
		prefix = prefix.Masked()
		for _, name := range []string{r.Router, r.Old, r.New} {
			if name != "" && !t.Topology.Has(name) {
				return nil, fmt.Errorf("routes[%d] router %q: %w", i, name, ErrInvalidRoute)
			}
		}
		tbl, ok := tables[prefix]
		if !ok {
			tbl = forwarding.NewTable(prefix)
			tables[prefix] = tbl
		}
		tbl.Set(r.Router, forwarding.Route{Old: r.Old, New: r.New})
	}
	return tables, nil
}

// Prefixes returns the sorted set of prefixes with routes.
func (t *Trial) Prefixes() []netip.Prefix {
	seen := make(map[netip.Prefix]struct{})
	for _, r := range t.Manifest.Routes {
		if p, err := netip.ParsePrefix(r.Prefix); err == nil {
			seen[p.Masked()] = struct{}{}
		}
	}
	out := make([]netip.Prefix, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b netip.Prefix) int {
		if c := a.Addr().Compare(b.Addr()); c != 0 {
			return c
		}
		return a.Bits() - b.Bits()
	})
	return out
}

// MatchPrefix returns the most specific trial prefix containing addr.
func (t *Trial) MatchPrefix(addr netip.Addr) (netip.Prefix, bool) {
	var best netip.Prefix
	found := false
	for _, p := range t.Prefixes() {
		if p.Contains(addr) && (!found || p.Bits() > best.Bits()) {
			best, found = p, true
		}
	}
	return best, found
}
