package testutil

import (
	"bytes"
	"encoding/binary"
	"net"
	"net/netip"
	"slices"
	"testing"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/gopacket/gopacket/pcapgo"
	"github.com/osrg/gobgp/v3/pkg/packet/bgp"
)

// ProberMAC is the source MAC of frames leaving the lab prober.
const ProberMAC = "de:ad:be:ef:00:00"

// ProbeProtocol is the IP protocol number of lab probes.
const ProbeProtocol = 253

type frame struct {
	at   time.Time
	data []byte
}

// Capture accumulates Ethernet frames and renders them as a pcap file.
// Every BGP direction gets its own TCP sequence space.
type Capture struct {
	tb     testing.TB
	frames []frame
	seq    map[[2]string]uint32
}

// NewCapture creates an empty capture.
func NewCapture(tb testing.TB) *Capture {
	return &Capture{tb: tb, seq: make(map[[2]string]uint32)}
}

// Frame adds a raw frame.
func (c *Capture) Frame(at time.Time, data []byte) *Capture {
	c.frames = append(c.frames, frame{at: at, data: data})
	return c
}

// BGPUpdate adds one TCP segment from src to dst carrying a BGP UPDATE that
// withdraws and announces the given prefixes.
func (c *Capture) BGPUpdate(at time.Time, src, dst Iface, withdrawn, announced []netip.Prefix) *Capture {
	c.tb.Helper()
	return c.BGPSegment(at, src, dst, UpdateMessage(c.tb, src.IP, withdrawn, announced))
}

// BGPSegment adds one TCP segment with an arbitrary payload on the BGP
// connection from src to dst.
func (c *Capture) BGPSegment(at time.Time, src, dst Iface, payload []byte) *Capture {
	c.tb.Helper()
	key := [2]string{src.IP, dst.IP}
	seq, ok := c.seq[key]
	if !ok {
		seq = 1000
	}
	c.seq[key] = seq + uint32(len(payload))
	return c.Frame(at, c.tcpFrame(src, dst, seq, payload))
}

// Probe adds a probe frame sent by the prober at source towards
// Destination, forwarded on the link from src to dst. An empty src.MAC
// means the frame leaves the prober.
func (c *Capture) Probe(at time.Time, source netip.Addr, id uint64, src, dst Iface) *Capture {
	c.tb.Helper()
	srcMAC := src.MAC
	if srcMAC == "" {
		srcMAC = ProberMAC
	}
	payload := make([]byte, 32)
	binary.BigEndian.PutUint64(payload, id)

	eth := &layers.Ethernet{
		SrcMAC:       mustMAC(c.tb, srcMAC),
		DstMAC:       mustMAC(c.tb, dst.MAC),
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocol(ProbeProtocol),
		SrcIP:    source.AsSlice(),
		DstIP:    Destination.AsSlice(),
	}
	return c.Frame(at, serialize(c.tb, eth, ip, gopacket.Payload(payload)))
}

func (c *Capture) tcpFrame(src, dst Iface, seq uint32, payload []byte) []byte {
	c.tb.Helper()
	eth := &layers.Ethernet{
		SrcMAC:       mustMAC(c.tb, src.MAC),
		DstMAC:       mustMAC(c.tb, dst.MAC),
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      1,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    net.ParseIP(src.IP).To4(),
		DstIP:    net.ParseIP(dst.IP).To4(),
	}
	tcp := &layers.TCP{
		SrcPort: 40000,
		DstPort: 179,
		Seq:     seq,
		ACK:     true,
		PSH:     true,
		Window:  65535,
	}
	if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
		c.tb.Fatalf("tcp checksum layer: %v", err)
	}
	return serialize(c.tb, eth, ip, tcp, gopacket.Payload(payload))
}

// Pcap renders the capture in time order with nanosecond timestamps.
func (c *Capture) Pcap() []byte {
	c.tb.Helper()
	frames := slices.Clone(c.frames)
	slices.SortStableFunc(frames, func(a, b frame) int { return a.at.Compare(b.at) })

	var buf bytes.Buffer
	w := pcapgo.NewWriterNanos(&buf)
	if err := w.WriteFileHeader(65535, layers.LinkTypeEthernet); err != nil {
		c.tb.Fatalf("pcap header: %v", err)
	}
	for _, f := range frames {
		ci := gopacket.CaptureInfo{Timestamp: f.at, CaptureLength: len(f.data), Length: len(f.data)}
		if err := w.WritePacket(ci, f.data); err != nil {
			c.tb.Fatalf("pcap packet: %v", err)
		}
	}
	return buf.Bytes()
}

// Pcapng renders the capture as pcapng.
func (c *Capture) Pcapng() []byte {
	c.tb.Helper()
	var buf bytes.Buffer
	w, err := pcapgo.NewNgWriter(&buf, layers.LinkTypeEthernet)
	if err != nil {
		c.tb.Fatalf("pcapng writer: %v", err)
	}
	frames := slices.Clone(c.frames)
	slices.SortStableFunc(frames, func(a, b frame) int { return a.at.Compare(b.at) })
	for _, f := range frames {
		ci := gopacket.CaptureInfo{Timestamp: f.at, CaptureLength: len(f.data), Length: len(f.data), InterfaceIndex: 0}
		if err := w.WritePacket(ci, f.data); err != nil {
			c.tb.Fatalf("pcapng packet: %v", err)
		}
	}
	if err := w.Flush(); err != nil {
		c.tb.Fatalf("pcapng flush: %v", err)
	}
	return buf.Bytes()
}

// UpdateMessage serializes a BGP UPDATE from a speaker with the given next
// hop.
func UpdateMessage(tb testing.TB, nextHop string, withdrawn, announced []netip.Prefix) []byte {
	tb.Helper()
	var (
		wd    []*bgp.IPAddrPrefix
		nlri  []*bgp.IPAddrPrefix
		attrs []bgp.PathAttributeInterface
	)
	for _, p := range withdrawn {
		wd = append(wd, bgp.NewIPAddrPrefix(uint8(p.Bits()), p.Addr().String())) //nolint:gosec // Bits is at most 32.
	}
	for _, p := range announced {
		nlri = append(nlri, bgp.NewIPAddrPrefix(uint8(p.Bits()), p.Addr().String())) //nolint:gosec // Bits is at most 32.
	}
	if len(nlri) > 0 {
		attrs = []bgp.PathAttributeInterface{
			bgp.NewPathAttributeOrigin(bgp.BGP_ORIGIN_ATTR_TYPE_IGP),
			bgp.NewPathAttributeAsPath(nil),
			bgp.NewPathAttributeNextHop(nextHop),
		}
	}
	data, err := bgp.NewBGPUpdateMessage(wd, attrs, nlri).Serialize()
	if err != nil {
		tb.Fatalf("serialize bgp update: %v", err)
	}
	return data
}

// KeepaliveMessage serializes a BGP KEEPALIVE.
func KeepaliveMessage(tb testing.TB) []byte {
	tb.Helper()
	data, err := bgp.NewBGPKeepAliveMessage().Serialize()
	if err != nil {
		tb.Fatalf("serialize bgp keepalive: %v", err)
	}
	return data
}

func serialize(tb testing.TB, ls ...gopacket.SerializableLayer) []byte {
	tb.Helper()
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ls...); err != nil {
		tb.Fatalf("serialize frame: %v", err)
	}
	return buf.Bytes()
}

func mustMAC(tb testing.TB, s string) net.HardwareAddr {
	tb.Helper()
	mac, err := net.ParseMAC(s)
	if err != nil {
		tb.Fatalf("parse mac %q: %v", s, err)
	}
	return mac
}
