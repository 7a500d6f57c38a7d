package property

import (
	"slices"

	"github.com/dantte-lp/transient/internal/forwarding"
)

// Context values shared by the checkers.
const (
	ctxNone = ""
	ctxSeen = "seen"
	ctxTail = "tail"
)

type reachable struct{}

func (reachable) Context([]string) string { return ctxNone }

func (reachable) Violates(_ string, p forwarding.Path) bool {
	return p.Kind != forwarding.Reached
}

type loopFree struct{}

func (loopFree) Context([]string) string { return ctxNone }

func (loopFree) Violates(_ string, p forwarding.Path) bool {
	return p.Kind == forwarding.Loop
}

// waypoint only judges delivered traffic; dropped or looping traffic never
// reaches the destination and is the concern of the other kinds.
type waypoint struct {
	router string
}

func (w waypoint) Context(prefix []string) string {
	if slices.Contains(prefix, w.router) {
		return ctxSeen
	}
	return ctxNone
}

func (w waypoint) Violates(ctx string, p forwarding.Path) bool {
	return p.Kind == forwarding.Reached && ctx != ctxSeen && !p.Contains(w.router)
}

type avoidSegment struct {
	from, to string
}

func (a avoidSegment) Context(prefix []string) string {
	p := forwarding.Path{Hops: prefix}
	switch {
	case p.HasSegment(a.from, a.to):
		return ctxSeen
	case len(prefix) > 0 && prefix[len(prefix)-1] == a.from:
		return ctxTail
	default:
		return ctxNone
	}
}

func (a avoidSegment) Violates(ctx string, p forwarding.Path) bool {
	if p.Kind != forwarding.Reached {
		return false
	}
	switch {
	case ctx == ctxSeen:
		return true
	case ctx == ctxTail && len(p.Hops) > 0 && p.Hops[0] == a.to:
		return true
	default:
		return p.HasSegment(a.from, a.to)
	}
}
