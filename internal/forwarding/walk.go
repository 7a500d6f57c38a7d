package forwarding

import (
	"errors"
	"fmt"
)

// MaxHops bounds the length of a walked path.
const MaxHops = 64

// ErrTooManyBranches indicates the walk would enumerate more state
// combinations than allowed.
var ErrTooManyBranches = errors.New("too many ambiguous routers on path")

// Terminal reports whether a router terminates paths (an external router).
type Terminal interface {
	IsExternal(name string) bool
}

// AdmitFunc returns the admissible phases of a touched router.
type AdmitFunc func(router string) Admissible

// Walker enumerates every path traffic from a start router can take when
// each touched router independently is in any admissible phase. A router's
// phase is fixed once per branch, so a path revisiting a router sees the
// same next hop.
type Walker struct {
	Terminal Terminal
	Table    *Table

	// MaxBranches caps the number of enumerated combinations; zero means
	// unlimited.
	MaxBranches int
}

// Walk calls visit for every distinct path from start. Enumeration stops as
// soon as visit returns false.
func (w *Walker) Walk(start string, admit AdmitFunc, visit func(Path) bool) error {
	st := &walkState{
		w:        w,
		admit:    admit,
		visit:    visit,
		assigned: make(map[string]Phase),
		onPath:   make(map[string]bool),
	}
	st.step(start, nil)
	if st.overflow {
		return fmt.Errorf("walk from %s: %w (limit %d)", start, ErrTooManyBranches, w.MaxBranches)
	}
	return nil
}

// Static returns the deterministic path from start when every router is in
// the given phase.
func (w *Walker) Static(start string, p Phase) Path {
	var out Path
	_ = w.Walk(start, func(string) Admissible {
		if p == PhaseNew {
			return AllowNew
		}
		return AllowOld
	}, func(path Path) bool {
		out = path
		return false
	})
	return out
}

type walkState struct {
	w        *Walker
	admit    AdmitFunc
	visit    func(Path) bool
	assigned map[string]Phase
	onPath   map[string]bool
	branches int
	stopped  bool
	overflow bool
}

// step extends the path with router and recurses. It returns false once the
// enumeration has been stopped.
func (s *walkState) step(router string, hops []string) bool {
	if s.stopped {
		return false
	}

	hops = append(hops, router)

	switch {
	case s.onPath[router]:
		return s.emit(Path{Kind: Loop, Hops: hops})
	case s.w.Terminal != nil && s.w.Terminal.IsExternal(router):
		return s.emit(Path{Kind: Reached, Hops: hops})
	case len(hops) > MaxHops:
		return s.emit(Path{Kind: Loop, Hops: hops})
	}

	route, ok := s.w.Table.Route(router)
	if !ok {
		return s.emit(Path{Kind: BlackHole, Hops: hops})
	}

	s.onPath[router] = true
	defer delete(s.onPath, router)

	if !route.Touched() {
		return s.follow(route.Old, hops)
	}

	if p, fixed := s.assigned[router]; fixed {
		return s.follow(route.NextHop(p), hops)
	}

	adm := s.admit(router)
	if adm.Ambiguous() {
		s.branches++
		if s.w.MaxBranches > 0 && s.branches > s.w.MaxBranches {
			s.overflow = true
			s.stopped = true
			return false
		}
	}

	for _, p := range []Phase{PhaseOld, PhaseNew} {
		if p == PhaseOld && adm&AllowOld == 0 || p == PhaseNew && adm&AllowNew == 0 {
			continue
		}
		s.assigned[router] = p
		cont := s.follow(route.NextHop(p), hops)
		delete(s.assigned, router)
		if !cont {
			return false
		}
	}
	return true
}

func (s *walkState) follow(next string, hops []string) bool {
	if next == "" {
		return s.emit(Path{Kind: BlackHole, Hops: hops})
	}
	// Copy so sibling branches do not share the backing array.
	return s.step(next, append([]string(nil), hops...))
}

func (s *walkState) emit(p Path) bool {
	if !s.visit(p) {
		s.stopped = true
		return false
	}
	return true
}

// Approach follows untouched routers from start until it reaches a router
// whose forwarding changes. It returns the hops before that router and the
// router itself. When no touched router is reached, entry is empty and tail
// is the complete, time-invariant path.
func (w *Walker) Approach(start string) (hops []string, entry string, tail Path) {
	seen := make(map[string]bool)
	for cur := start; ; {
		switch {
		case seen[cur]:
			return nil, "", Path{Kind: Loop, Hops: append(hops, cur)}
		case w.Terminal != nil && w.Terminal.IsExternal(cur):
			return nil, "", Path{Kind: Reached, Hops: append(hops, cur)}
		}

		route, ok := w.Table.Route(cur)
		if !ok {
			return nil, "", Path{Kind: BlackHole, Hops: append(hops, cur)}
		}
		if route.Touched() {
			return hops, cur, Path{}
		}

		seen[cur] = true
		hops = append(hops, cur)
		if route.Old == "" {
			return nil, "", Path{Kind: BlackHole, Hops: hops}
		}
		cur = route.Old
	}
}
