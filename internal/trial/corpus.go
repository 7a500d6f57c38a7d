package trial

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/dantte-lp/transient/internal/topology"
)

// TopologyDir is the corpus subdirectory holding topology files.
const TopologyDir = "topologies"

// ErrDuplicateKey indicates two trial directories resolve to the same key.
var ErrDuplicateKey = errors.New("duplicate trial key")

// LoadError reports a trial directory that could not be loaded. The trial is
// skipped; the rest of the corpus is unaffected.
type LoadError struct {
	Dir string
	Err error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load trial %s: %v", e.Dir, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// Corpus discovers trials below a root directory.
type Corpus struct {
	Root       string
	topologies *topology.Cache
}

// NewCorpus creates a corpus rooted at root sharing the given topology cache.
func NewCorpus(root string, topologies *topology.Cache) *Corpus {
	return &Corpus{Root: root, topologies: topologies}
}

// Discover walks the corpus and loads every trial. Trials are returned
// sorted by key; directories that fail to load are returned as LoadErrors.
func (c *Corpus) Discover() ([]*Trial, []error) {
	var dirs []string
	walkErr := filepath.WalkDir(c.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() && d.Name() == TopologyDir && filepath.Dir(path) == filepath.Clean(c.Root) {
			return filepath.SkipDir
		}
		if !d.IsDir() && d.Name() == ManifestName {
			dirs = append(dirs, filepath.Dir(path))
		}
		return nil
	})
	if walkErr != nil {
		return nil, []error{&LoadError{Dir: c.Root, Err: walkErr}}
	}
	slices.Sort(dirs)

	var (
		trials []*Trial
		errs   []error
		seen   = make(map[string]string)
	)
	for _, dir := range dirs {
		t, err := c.Load(dir)
		if err != nil {
			errs = append(errs, &LoadError{Dir: dir, Err: err})
			continue
		}
		if prev, dup := seen[t.Key]; dup {
			errs = append(errs, &LoadError{Dir: dir, Err: fmt.Errorf("%s also in %s: %w", t.Key, prev, ErrDuplicateKey)})
			continue
		}
		seen[t.Key] = dir
		trials = append(trials, t)
	}

	slices.SortFunc(trials, func(a, b *Trial) int { return strings.Compare(a.Key, b.Key) })
	return trials, errs
}

// Load loads the trial in dir.
func (c *Corpus) Load(dir string) (*Trial, error) {
	m, err := ReadManifest(dir)
	if err != nil {
		return nil, err
	}

	topoPath := c.topologyPath(dir, m.Topology)
	topo, err := c.topologies.Load(topoPath)
	if err != nil {
		return nil, err
	}
	if !topo.Has(m.Origin) {
		return nil, fmt.Errorf("origin %q: %w", m.Origin, topology.ErrUnknownRouter)
	}

	t := &Trial{
		Key:          m.Key(),
		Dir:          dir,
		Manifest:     m,
		TopologyPath: topoPath,
		Topology:     topo,
	}
	if _, err := t.Routing(); err != nil {
		return nil, err
	}
	return t, nil
}

// topologyPath resolves a manifest topology reference: a file path relative
// to the trial, or a name under <root>/topologies.
func (c *Corpus) topologyPath(dir, ref string) string {
	if strings.HasSuffix(ref, ".yaml") || strings.HasSuffix(ref, ".yml") {
		if filepath.IsAbs(ref) {
			return ref
		}
		local := filepath.Join(dir, ref)
		if _, err := os.Stat(local); err == nil {
			return local
		}
		return filepath.Join(c.Root, TopologyDir, ref)
	}
	return filepath.Join(c.Root, TopologyDir, ref+".yaml")
}

// Keys returns the keys of the given trials.
func Keys(trials []*Trial) []string {
	out := make([]string, len(trials))
	for i, t := range trials {
		out[i] = t.Key
	}
	return out
}
