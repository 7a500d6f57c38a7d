// Package event defines the timestamped control-plane and data-plane events
// extracted from a trial's captures and control-plane log.
//
// Events carry the raw capture timestamp of their vantage point until the
// clock aligner rewrites Observed onto the trial-global clock.
package event

import (
	"cmp"
	"fmt"
	"net/netip"
	"slices"
	"time"
)

// -------------------------------------------------------------------------
// Update Kind
// -------------------------------------------------------------------------

// Kind distinguishes the observed protocol update type.
type Kind uint8

const (
	// KindAnnounce is a first announcement of a prefix on a session.
	KindAnnounce Kind = iota + 1

	// KindWithdraw is an explicit withdrawal (WITHDRAWN or MP_UNREACH).
	KindWithdraw

	// KindPathChange is an announcement replacing a previously announced
	// route on the same session (implicit withdraw).
	KindPathChange
)

// String returns the wire name used in logs and CSV files.
func (k Kind) String() string {
	switch k {
	case KindAnnounce:
		return "announce"
	case KindWithdraw:
		return "withdraw"
	case KindPathChange:
		return "path-change"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// ParseKind maps a CSV kind column to a Kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "announce", "A":
		return KindAnnounce, nil
	case "withdraw", "W":
		return KindWithdraw, nil
	case "path-change", "path_change", "C":
		return KindPathChange, nil
	default:
		return 0, fmt.Errorf("update kind %q: %w", s, ErrUnknownKind)
	}
}

// Reaches reports whether the update leaves the prefix reachable through
// the sender, i.e. it is not a withdrawal.
func (k Kind) Reaches() bool {
	return k == KindAnnounce || k == KindPathChange
}

// -------------------------------------------------------------------------
// Events
// -------------------------------------------------------------------------

// Drop is the egress value of a probe event for a packet the router discarded.
const Drop = "drop"

// ControlEvent is a single observed routing protocol update.
type ControlEvent struct {
	// Trial is the owning trial key.
	Trial string

	// Vantage identifies the clock domain (capture point or log source).
	Vantage string

	// Router is the router that received the update.
	Router string

	// From is the sending router, if known.
	From string

	// Prefix is the destination prefix carried by the update.
	Prefix netip.Prefix

	// Seq is the tie-break sequence number within the vantage.
	Seq uint64

	// Observed is the capture timestamp. After alignment it is expressed on
	// the trial-global clock.
	Observed time.Time

	// Kind is the update type.
	Kind Kind

	// Unaligned marks events whose vantage never observed the anchor.
	Unaligned bool
}

// ProbeEvent is forwarding evidence: a probe packet entering Router was
// observed leaving via Egress (or dropped).
type ProbeEvent struct {
	Trial   string
	Vantage string

	// Router is the forwarding router.
	Router string

	// Ingress is the interface the probe arrived on, empty when unknown.
	Ingress string

	// Egress is the outgoing interface name, or Drop.
	Egress string

	Observed time.Time

	// ProbeID is the probe sequence number carried in the payload.
	ProbeID uint64

	// Source is the entry router the probe was injected at.
	Source string

	// Prefix is the destination prefix the probe belongs to.
	Prefix netip.Prefix

	Unaligned bool
}

// Dropped reports whether the probe was discarded at Router.
func (p ProbeEvent) Dropped() bool {
	return p.Egress == Drop
}

// -------------------------------------------------------------------------
// Ordering
// -------------------------------------------------------------------------

// CompareControl orders control events by time, then sequence number, then
// vantage so the order is total.
func CompareControl(a, b ControlEvent) int {
	if c := a.Observed.Compare(b.Observed); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Seq, b.Seq); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Vantage, b.Vantage); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Router, b.Router); c != 0 {
		return c
	}
	return a.Prefix.Addr().Compare(b.Prefix.Addr())
}

// CompareProbe orders probe events by time, then probe id, then router.
func CompareProbe(a, b ProbeEvent) int {
	if c := a.Observed.Compare(b.Observed); c != 0 {
		return c
	}
	if c := cmp.Compare(a.ProbeID, b.ProbeID); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Vantage, b.Vantage); c != 0 {
		return c
	}
	return cmp.Compare(a.Router, b.Router)
}

// SortControl sorts control events in place.
func SortControl(events []ControlEvent) {
	slices.SortStableFunc(events, CompareControl)
}

// SortProbe sorts probe events in place.
func SortProbe(events []ProbeEvent) {
	slices.SortStableFunc(events, CompareProbe)
}

// Set holds both event streams of one trial.
type Set struct {
	Control []ControlEvent
	Probe   []ProbeEvent
}

// Sort sorts both streams.
func (s *Set) Sort() {
	SortControl(s.Control)
	SortProbe(s.Probe)
}

// Vantages returns the sorted set of vantages present in either stream.
func (s *Set) Vantages() []string {
	seen := make(map[string]struct{})
	for _, e := range s.Control {
		seen[e.Vantage] = struct{}{}
	}
	for _, e := range s.Probe {
		seen[e.Vantage] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for v := range seen {
		out = append(out, v)
	}
	slices.Sort(out)
	return out
}

// Last returns the latest observed timestamp across both streams, ignoring
// unaligned events. ok is false when no aligned event exists.
func (s *Set) Last() (last time.Time, ok bool) {
	for _, e := range s.Control {
		if !e.Unaligned && (!ok || e.Observed.After(last)) {
			last, ok = e.Observed, true
		}
	}
	for _, e := range s.Probe {
		if !e.Unaligned && (!ok || e.Observed.After(last)) {
			last, ok = e.Observed, true
		}
	}
	return last, ok
}
