// Package groundtruth ingests the per-router forwarding transition instants
// measured by active probing.
package groundtruth

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/dantte-lp/transient/internal/align"
	"github.com/dantte-lp/transient/internal/event"
)

// ErrMissingColumn indicates a ground-truth header without a required column.
var ErrMissingColumn = errors.New("missing ground truth column")

// Record is one measured transition.
type Record struct {
	Router string
	Prefix netip.Prefix
	Time   time.Time

	// Vantage is the clock domain of Time; empty means the reference clock.
	Vantage string
}

type key struct {
	prefix netip.Prefix
	router string
}

// Transitions holds the measured transition offsets of a trial.
type Transitions struct {
	at map[key]time.Duration
}

// At returns the measured transition offset of router for prefix.
func (t *Transitions) At(prefix netip.Prefix, router string) (time.Duration, bool) {
	if t == nil {
		return 0, false
	}
	d, ok := t.at[key{prefix: prefix, router: router}]
	return d, ok
}

// Len returns the number of measured transitions.
func (t *Transitions) Len() int {
	if t == nil {
		return 0
	}
	return len(t.at)
}

// Read parses a ground-truth CSV with header router,prefix,time[,vantage].
// Malformed rows are returned as ParseErrors and skipped.
func Read(ctx context.Context, path string) ([]Record, []error, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open ground truth: %w", err)
	}
	defer func() { _ = f.Close() }()
	return parse(ctx, f, path)
}

func parse(ctx context.Context, r io.Reader, source string) ([]Record, []error, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, nil, fmt.Errorf("read ground truth header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, name := range []string{"router", "prefix", "time"} {
		if _, ok := cols[name]; !ok {
			return nil, nil, fmt.Errorf("%q: %w", name, ErrMissingColumn)
		}
	}
	get := func(rec []string, name string) string {
		if i, ok := cols[name]; ok && i < len(rec) {
			return strings.TrimSpace(rec[i])
		}
		return ""
	}

	var (
		out  []Record
		errs []error
	)
	for line := 2; ; line++ {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			errs = append(errs, &event.ParseError{Source: source, Position: line, Err: err})
			continue
		}

		ts, err := event.ParseEpoch(get(rec, "time"))
		if err != nil {
			errs = append(errs, &event.ParseError{Source: source, Position: line, Err: err})
			continue
		}
		prefix, err := netip.ParsePrefix(get(rec, "prefix"))
		if err != nil {
			errs = append(errs, &event.ParseError{Source: source, Position: line, Err: err})
			continue
		}
		out = append(out, Record{
			Router:  get(rec, "router"),
			Prefix:  prefix.Masked(),
			Time:    ts,
			Vantage: get(rec, "vantage"),
		})
	}
	return out, errs, nil
}

// Resolve moves records onto the trial clock. When a router has several
// records for a prefix, the earliest one wins. Records from vantages that
// could not be aligned are dropped and reported as AlignmentErrors.
func Resolve(records []Record, tl *align.Timeline) (*Transitions, []error) {
	t := &Transitions{at: make(map[key]time.Duration)}
	var errs []error
	reported := make(map[string]bool)

	for _, r := range records {
		ts := r.Time
		if r.Vantage != "" && r.Vantage != tl.Reference {
			off, ok := tl.Offset(r.Vantage)
			if !ok || !off.Aligned {
				if !reported[r.Vantage] {
					reported[r.Vantage] = true
					errs = append(errs, &align.Error{Vantage: r.Vantage, Err: align.ErrAnchorNotObserved})
				}
				continue
			}
			ts = ts.Add(off.Offset)
		}

		k := key{prefix: r.Prefix, router: r.Router}
		d := tl.Since(ts)
		if cur, ok := t.at[k]; !ok || d < cur {
			t.at[k] = d
		}
	}
	return t, errs
}
