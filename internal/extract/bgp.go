package extract

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net/netip"
	"slices"
	"time"

	"github.com/osrg/gobgp/v3/pkg/packet/bgp"

	"github.com/dantte-lp/transient/internal/event"
)

// BGP framing (RFC 4271 Section 4.1).
const (
	bgpMarkerLen = 16
	bgpHeaderLen = 19
)

// -------------------------------------------------------------------------
// TCP Stream Reassembly
// -------------------------------------------------------------------------

// flowKey identifies one direction of a TCP connection.
type flowKey struct {
	src, dst netip.AddrPort
}

// stream reorders the segments of one TCP direction into a byte stream.
// Retransmitted bytes are discarded; out-of-order segments wait until the
// gap before them is filled.
type stream struct {
	next    uint32
	started bool
	pending map[uint32][]byte
	buf     []byte
}

func (st *stream) syn(seq uint32) {
	st.next = seq + 1
	st.started = true
	st.pending = nil
	st.buf = st.buf[:0]
}

// push adds a segment with sequence number seq.
func (st *stream) push(seq uint32, data []byte) {
	if !st.started {
		st.next = seq
		st.started = true
	}

	if diff := int32(seq - st.next); diff > 0 {
		if st.pending == nil {
			st.pending = make(map[uint32][]byte)
		}
		st.pending[seq] = bytes.Clone(data)
		return
	}
	st.accept(seq, data)

	for progress := true; progress; {
		progress = false
		for seq, data := range st.pending {
			if int32(seq-st.next) <= 0 {
				delete(st.pending, seq)
				st.accept(seq, data)
				progress = true
			}
		}
	}
}

// accept appends the part of a segment at or after next.
func (st *stream) accept(seq uint32, data []byte) {
	skip := int(st.next - seq)
	if skip >= len(data) {
		return
	}
	st.buf = append(st.buf, data[skip:]...)
	st.next += uint32(len(data) - skip)
}

// pop removes the next complete BGP message from the stream. It returns nil
// when more bytes are needed. A stream that lost framing is discarded.
func (st *stream) pop() ([]byte, error) {
	if len(st.buf) < bgpHeaderLen {
		return nil, nil
	}
	for _, b := range st.buf[:bgpMarkerLen] {
		if b != 0xff {
			st.buf = st.buf[:0]
			return nil, ErrMissingMarker
		}
	}
	n := int(binary.BigEndian.Uint16(st.buf[bgpMarkerLen:]))
	if n < bgpHeaderLen {
		st.buf = st.buf[:0]
		return nil, fmt.Errorf("message length %d: %w", n, ErrMissingMarker)
	}
	if len(st.buf) < n {
		return nil, nil
	}
	msg := st.buf[:n:n]
	st.buf = st.buf[n:]
	return msg, nil
}

// -------------------------------------------------------------------------
// Updates
// -------------------------------------------------------------------------

// session is the receiving side of a BGP session, used to tell a first
// announcement from a path change.
type session struct {
	router string
	peer   string
}

// segment feeds one TCP segment of a BGP connection and decodes every
// message it completes. Completed messages are timestamped with this frame.
func (s *scanner) segment(pos int, ts time.Time, src, dst netip.Addr) {
	key := flowKey{
		src: netip.AddrPortFrom(src, uint16(s.tcp.SrcPort)),
		dst: netip.AddrPortFrom(dst, uint16(s.tcp.DstPort)),
	}
	st, ok := s.streams[key]
	if !ok {
		st = &stream{}
		s.streams[key] = st
	}

	if s.tcp.SYN {
		st.syn(s.tcp.Seq)
		return
	}
	if len(s.tcp.Payload) == 0 {
		return
	}
	st.push(s.tcp.Seq, s.tcp.Payload)

	for {
		raw, err := st.pop()
		if err != nil {
			s.fail(pos, err)
			return
		}
		if raw == nil {
			return
		}
		s.message(pos, ts, src, dst, raw)
	}
}

// message decodes one BGP message and records its UPDATE contents.
func (s *scanner) message(pos int, ts time.Time, src, dst netip.Addr, raw []byte) {
	msg, err := bgp.ParseBGPMessage(raw)
	if err != nil {
		s.fail(pos, fmt.Errorf("decode bgp message: %w", err))
		return
	}
	if msg.Header.Type != bgp.BGP_MSG_UPDATE {
		return
	}
	upd, ok := msg.Body.(*bgp.BGPUpdate)
	if !ok {
		return
	}

	router, ok := s.topo.RouterByIP(dst)
	if !ok {
		s.fail(pos, fmt.Errorf("bgp receiver %s: %w", dst, ErrUnknownAddress))
		return
	}
	peer, ok := s.topo.RouterByIP(src)
	sess := session{router: router, peer: peer}
	if !ok {
		sess.peer = src.String()
	}

	// Withdrawals are processed before announcements within one UPDATE.
	for _, w := range upd.WithdrawnRoutes {
		s.update(ts, sess, peer, w.String(), false)
	}
	for _, attr := range upd.PathAttributes {
		if unreach, ok := attr.(*bgp.PathAttributeMpUnreachNLRI); ok {
			for _, p := range unreach.Value {
				s.update(ts, sess, peer, p.String(), false)
			}
		}
	}
	for _, attr := range upd.PathAttributes {
		if reach, ok := attr.(*bgp.PathAttributeMpReachNLRI); ok {
			for _, p := range reach.Value {
				s.update(ts, sess, peer, p.String(), true)
			}
		}
	}
	for _, n := range upd.NLRI {
		s.update(ts, sess, peer, n.String(), true)
	}
}

// update records one prefix of an UPDATE. Non-IP NLRI and prefixes outside
// the trial are ignored.
func (s *scanner) update(ts time.Time, sess session, from, nlri string, reach bool) {
	prefix, err := netip.ParsePrefix(nlri)
	if err != nil {
		return
	}
	prefix = prefix.Masked()
	if len(s.prefixes) > 0 && !slices.Contains(s.prefixes, prefix) {
		return
	}

	announced := s.sessions[sess]
	if announced == nil {
		announced = make(map[netip.Prefix]bool)
		s.sessions[sess] = announced
	}

	kind := event.KindWithdraw
	if reach {
		kind = event.KindAnnounce
		if announced[prefix] {
			kind = event.KindPathChange
		}
	}
	announced[prefix] = reach

	s.seq++
	s.control = append(s.control, event.ControlEvent{
		Trial:    s.trial.Key,
		Vantage:  s.vantage,
		Router:   sess.router,
		From:     from,
		Prefix:   prefix,
		Seq:      s.seq,
		Observed: ts,
		Kind:     kind,
	})
}
