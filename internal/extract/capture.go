package extract

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/gopacket/gopacket/pcapgo"
	"github.com/klauspost/compress/gzip"

	"github.com/dantte-lp/transient/internal/event"
	"github.com/dantte-lp/transient/internal/topology"
	"github.com/dantte-lp/transient/internal/trial"
)

// -------------------------------------------------------------------------
// Capture Files
// -------------------------------------------------------------------------

// pcapngMagic is the block type of a pcapng section header. It reads the
// same in both byte orders.
const pcapngMagic = "\x0a\x0d\x0d\x0a"

// packetReader is implemented by pcapgo.Reader and pcapgo.NgReader.
type packetReader interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
}

type closers []io.Closer

func (c closers) Close() error {
	var errs []error
	for i := len(c) - 1; i >= 0; i-- {
		errs = append(errs, c[i].Close())
	}
	return errors.Join(errs...)
}

// openCapture opens a pcap or pcapng file, optionally gzip-compressed
// (".gz" suffix).
func openCapture(path string) (packetReader, io.Closer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open: %w", err)
	}
	cl := closers{f}

	var src io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			_ = cl.Close()
			return nil, nil, fmt.Errorf("gzip: %w", err)
		}
		cl = append(cl, gz)
		src = gz
	}

	br := bufio.NewReader(src)
	magic, err := br.Peek(len(pcapngMagic))
	if err != nil {
		_ = cl.Close()
		return nil, nil, fmt.Errorf("read header: %w", err)
	}

	var r packetReader
	if string(magic) == pcapngMagic {
		r, err = pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
	} else {
		r, err = pcapgo.NewReader(br)
	}
	if err != nil {
		_ = cl.Close()
		return nil, nil, fmt.Errorf("capture header: %w", err)
	}
	return r, cl, nil
}

// -------------------------------------------------------------------------
// Scanner
// -------------------------------------------------------------------------

// scanner extracts the events of one capture file. Frames are processed in
// capture order. Only the probe tracker is shared across the trial's files.
type scanner struct {
	trial   *trial.Trial
	topo    *topology.Topology
	vantage string
	path    string
	opts    Options

	seq      uint64
	prefixes []netip.Prefix
	control  []event.ControlEvent
	probes   []event.ProbeEvent
	errs     []error

	streams  map[flowKey]*stream
	sessions map[session]map[netip.Prefix]bool
	tracker  *probeTracker

	parser  *gopacket.DecodingLayerParser
	eth     layers.Ethernet
	dot1q   layers.Dot1Q
	ip4     layers.IPv4
	ip6     layers.IPv6
	tcp     layers.TCP
	payload gopacket.Payload
	decoded []gopacket.LayerType
}

func newScanner(t *trial.Trial, vantage, path string, opts Options, tracker *probeTracker) *scanner {
	s := &scanner{
		trial:    t,
		topo:     t.Topology,
		vantage:  vantage,
		path:     path,
		opts:     opts,
		prefixes: t.Prefixes(),
		streams:  make(map[flowKey]*stream),
		sessions: make(map[session]map[netip.Prefix]bool),
		tracker:  tracker,
	}
	s.parser = gopacket.NewDecodingLayerParser(layers.LayerTypeEthernet,
		&s.eth, &s.dot1q, &s.ip4, &s.ip6, &s.tcp, &s.payload)
	s.parser.IgnoreUnsupported = true
	return s
}

// run reads the capture to the end and returns the number of frames read.
func (s *scanner) run(ctx context.Context) (int, error) {
	r, closer, err := openCapture(s.path)
	if err != nil {
		return 0, err
	}
	defer func() { _ = closer.Close() }()

	if lt := r.LinkType(); lt != layers.LinkTypeEthernet {
		return 0, fmt.Errorf("%s: %w", lt, ErrUnsupportedLinkType)
	}

	n := 0
	for {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		data, ci, err := r.ReadPacketData()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// A capture cut off mid-frame still yields everything before it.
			if errors.Is(err, io.ErrUnexpectedEOF) {
				s.fail(n+1, err)
				break
			}
			return n, fmt.Errorf("read frame %d: %w", n+1, err)
		}
		n++
		s.frame(n, data, ci.Timestamp.UTC())
	}

	return n, nil
}

// frame classifies and processes one frame.
func (s *scanner) frame(pos int, data []byte, ts time.Time) {
	s.decoded = s.decoded[:0]
	if err := s.parser.DecodeLayers(data, &s.decoded); err != nil {
		s.fail(pos, fmt.Errorf("decode frame: %w", err))
		return
	}

	var (
		src, dst    netip.Addr
		hasIP4, tcp bool
	)
	for _, lt := range s.decoded {
		switch lt {
		case layers.LayerTypeIPv4:
			hasIP4 = true
			src, _ = netip.AddrFromSlice(s.ip4.SrcIP)
			dst, _ = netip.AddrFromSlice(s.ip4.DstIP)
		case layers.LayerTypeIPv6:
			src, _ = netip.AddrFromSlice(s.ip6.SrcIP)
			dst, _ = netip.AddrFromSlice(s.ip6.DstIP)
		case layers.LayerTypeTCP:
			tcp = true
		}
	}
	src, dst = src.Unmap(), dst.Unmap()

	switch {
	case tcp && (s.tcp.SrcPort == bgpPort || s.tcp.DstPort == bgpPort):
		s.segment(pos, ts, src, dst)
	case hasIP4 && s.ip4.Protocol == layers.IPProtocol(s.opts.ProbeProtocol) && len(data) >= s.opts.MinProbeSize:
		s.probe(pos, ts, src, dst)
	}
}

func (s *scanner) fail(pos int, err error) {
	s.errs = append(s.errs, &event.ParseError{Source: s.path, Position: pos, Err: err})
}
