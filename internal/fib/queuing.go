package fib

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"time"
)

// QueuingModel describes how a router writes FIB entries: each write starts
// Delay after route selection, but not before the router's previous write
// finished, and takes NextHop (or Drop for a route without next hop).
type QueuingModel struct {
	Name    string
	NextHop time.Duration
	Drop    time.Duration
	Delay   time.Duration
}

// ErrUnknownQueuingModel indicates a queuing model name without a preset.
var ErrUnknownQueuingModel = errors.New("unknown fib queuing model")

// nx9kWrite is the measured per-entry write time of a Nexus 9000.
const nx9kWrite = 60038 * time.Nanosecond

// Queuing model presets, by name.
//
//nolint:gochecknoglobals // Preset table is intentionally package-level.
var queuingModels = map[string]QueuingModel{
	"none":            {Name: "none"},
	"nx9k":            {Name: "nx9k", NextHop: nx9kWrite, Drop: nx9kWrite},
	"nx9k-asymmetric": {Name: "nx9k-asymmetric", NextHop: 100491 * time.Nanosecond, Drop: nx9kWrite},
	"nx9k-bgp":        {Name: "nx9k-bgp", NextHop: nx9kWrite, Drop: nx9kWrite, Delay: 70100 * time.Microsecond},
	"nx9k-urib":       {Name: "nx9k-urib", NextHop: nx9kWrite, Drop: nx9kWrite, Delay: 55400 * time.Microsecond},
	"nx9k-ufdm":       {Name: "nx9k-ufdm", NextHop: nx9kWrite, Drop: nx9kWrite, Delay: 13300 * time.Microsecond},
	"nx9k-ipfib":      {Name: "nx9k-ipfib", NextHop: nx9kWrite, Drop: nx9kWrite, Delay: 7500 * time.Microsecond},
}

// ParseQueuingModel returns the preset called name. The empty name selects
// "none".
func ParseQueuingModel(name string) (QueuingModel, error) {
	if name == "" {
		name = "none"
	}
	m, ok := queuingModels[name]
	if !ok {
		return QueuingModel{}, fmt.Errorf("%q: %w", name, ErrUnknownQueuingModel)
	}
	return m, nil
}

// QueuingModels returns the preset names, sorted.
func QueuingModels() []string {
	out := make([]string, 0, len(queuingModels))
	for name := range queuingModels {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

// String renders every parameter, so equal strings mean equal models.
func (m QueuingModel) String() string {
	name := m.Name
	if name == "" {
		name = "none"
	}
	return fmt.Sprintf("%s(nh=%s drop=%s delay=%s)", name, m.NextHop, m.Drop, m.Delay)
}

// apply moves every estimate's write instant from its control bound to the
// instant the model finishes the write. Writes of one router are served in
// order of their control bounds, across prefixes.
func (m QueuingModel) apply(ests []*estimate) {
	if m.NextHop == 0 && m.Drop == 0 && m.Delay == 0 {
		return
	}

	byRouter := make(map[string][]*estimate)
	for _, est := range ests {
		byRouter[est.iv.Router] = append(byRouter[est.iv.Router], est)
	}
	for _, queue := range byRouter {
		slices.SortStableFunc(queue, func(a, b *estimate) int {
			return cmp.Or(cmp.Compare(a.lower, b.lower), comparePrefix(a.iv.Prefix, b.iv.Prefix))
		})

		var (
			last    time.Duration
			started bool
		)
		for _, est := range queue {
			start := est.lower + m.Delay
			if started {
				start = max(start, last)
			}
			d := m.NextHop
			if est.drop {
				d = m.Drop
			}
			est.write = start + d
			last, started = est.write, true
		}
	}
}
