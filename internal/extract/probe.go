package extract

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net/netip"
	"slices"
	"time"

	"github.com/dantte-lp/transient/internal/event"
	"github.com/dantte-lp/transient/internal/topology"
)

// probeKey identifies one injected probe packet.
type probeKey struct {
	source string
	id     uint64
}

type arrival struct {
	vantage string
	ingress string
	at      time.Time
	prefix  netip.Prefix
}

// probeTracker remembers where each probe entered each router, to fill in
// the ingress of forwarding events and to find drops. One tracker spans
// every capture of a trial, so a hop seen at one vantage and the next hop
// seen at another still join up.
type probeTracker struct {
	order     []probeKey
	arrivals  map[probeKey]map[string]arrival
	forwarded map[probeKey]map[string]bool
}

func newProbeTracker() *probeTracker {
	return &probeTracker{
		arrivals:  make(map[probeKey]map[string]arrival),
		forwarded: make(map[probeKey]map[string]bool),
	}
}

// received records the probe entering a router. A router entered more than
// once keeps its latest arrival.
func (pt *probeTracker) received(k probeKey, at topology.Port, ts time.Time, prefix netip.Prefix, vantage string) {
	m, ok := pt.arrivals[k]
	if !ok {
		m = make(map[string]arrival)
		pt.arrivals[k] = m
		pt.order = append(pt.order, k)
	}
	if prev, seen := m[at.Router]; seen && prev.at.After(ts) {
		return
	}
	m[at.Router] = arrival{vantage: vantage, ingress: at.Interface, at: ts, prefix: prefix}
}

func (pt *probeTracker) ingress(k probeKey, router string) string {
	return pt.arrivals[k][router].ingress
}

func (pt *probeTracker) forward(k probeKey, router string) {
	m, ok := pt.forwarded[k]
	if !ok {
		m = make(map[string]bool)
		pt.forwarded[k] = m
	}
	m[router] = true
}

// probe records one probe frame. The source MAC names the forwarding router
// and its egress interface; the destination MAC names the receiving router.
func (s *scanner) probe(pos int, ts time.Time, src, dst netip.Addr) {
	payload := s.ip4.Payload
	if len(payload) < 8 {
		s.fail(pos, ErrShortProbe)
		return
	}

	source, ok := s.topo.ProberRouter(src)
	if !ok {
		s.fail(pos, fmt.Errorf("probe source %s: %w", src, ErrUnknownAddress))
		return
	}
	prefix, ok := s.trial.MatchPrefix(dst)
	if !ok {
		prefix = netip.PrefixFrom(dst, dst.BitLen())
	}
	key := probeKey{source: source, id: binary.BigEndian.Uint64(payload[:8])}

	if to, ok := s.topo.PortByMAC(s.eth.DstMAC); ok {
		s.tracker.received(key, to, ts, prefix, s.vantage)
	}
	if bytes.Equal(s.eth.SrcMAC, s.opts.ProberMAC) {
		return
	}

	from, ok := s.topo.PortByMAC(s.eth.SrcMAC)
	if !ok {
		s.fail(pos, fmt.Errorf("probe sender %s: %w", s.eth.SrcMAC, ErrUnknownAddress))
		return
	}
	s.probes = append(s.probes, event.ProbeEvent{
		Trial:    s.trial.Key,
		Vantage:  s.vantage,
		Router:   from.Router,
		Ingress:  s.tracker.ingress(key, from.Router),
		Egress:   from.Interface,
		Observed: ts,
		ProbeID:  key.id,
		Source:   source,
		Prefix:   prefix,
	})
	s.tracker.forward(key, from.Router)
}

// drops returns a drop event for every internal router that received a
// probe and never forwarded it at any vantage, in first-seen probe order.
// The event carries the vantage that saw the arrival.
func (pt *probeTracker) drops(trialKey string, topo *topology.Topology) []event.ProbeEvent {
	var out []event.ProbeEvent
	for _, k := range pt.order {
		arrivals := pt.arrivals[k]
		routers := make([]string, 0, len(arrivals))
		for r := range arrivals {
			routers = append(routers, r)
		}
		slices.Sort(routers)

		for _, r := range routers {
			if topo.IsExternal(r) || pt.forwarded[k][r] {
				continue
			}
			a := arrivals[r]
			out = append(out, event.ProbeEvent{
				Trial:    trialKey,
				Vantage:  a.vantage,
				Router:   r,
				Ingress:  a.ingress,
				Egress:   event.Drop,
				Observed: a.at,
				ProbeID:  k.id,
				Source:   k.source,
				Prefix:   a.prefix,
			})
		}
	}
	return out
}
