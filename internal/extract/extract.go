// Package extract turns a trial's raw captures and control-plane log into
// timestamped control and probe events.
//
// Captures are read with gopacket. BGP UPDATE messages are reassembled from
// TCP port 179 streams and decoded with the GoBGP packet library; probe
// packets are recognized by their IP protocol number and attributed to
// routers through the topology's MAC and IP tables. Malformed frames and log
// records are collected as ParseErrors and skipped.
package extract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"github.com/dantte-lp/transient/internal/event"
	"github.com/dantte-lp/transient/internal/trial"
)

// -------------------------------------------------------------------------
// Options
// -------------------------------------------------------------------------

const (
	// DefaultProbeProtocol is the IP protocol number of probe packets
	// (253, reserved for experimentation).
	DefaultProbeProtocol = 253

	// DefaultMinProbeSize is the minimum frame length of a probe packet.
	DefaultMinProbeSize = 60

	// DefaultProberMAC is the source MAC the prober injects packets with.
	DefaultProberMAC = "de:ad:be:ef:00:00"

	// bgpPort is the well-known BGP TCP port.
	bgpPort = 179
)

// Options configures packet classification.
type Options struct {
	// ProbeProtocol is the IPv4 protocol number identifying probes.
	ProbeProtocol uint8

	// MinProbeSize is the minimum frame length of a probe.
	MinProbeSize int

	// ProberMAC is the source MAC of frames leaving the prober. Such frames
	// only record the probe entering its entry router.
	ProberMAC net.HardwareAddr

	// DetectDrops synthesizes a drop event for a probe that reached an
	// internal router which never forwarded it.
	DetectDrops bool
}

// DefaultOptions returns the options matching the lab prober.
func DefaultOptions() Options {
	mac, _ := net.ParseMAC(DefaultProberMAC)
	return Options{
		ProbeProtocol: DefaultProbeProtocol,
		MinProbeSize:  DefaultMinProbeSize,
		ProberMAC:     mac,
	}
}

// -------------------------------------------------------------------------
// Sentinel Errors
// -------------------------------------------------------------------------

var (
	// ErrUnsupportedLinkType indicates a capture whose link layer is not
	// Ethernet.
	ErrUnsupportedLinkType = errors.New("unsupported capture link type")

	// ErrMissingMarker indicates a BGP stream position without the 16-byte
	// all-ones marker.
	ErrMissingMarker = errors.New("bgp stream is missing a marker")

	// ErrUnknownAddress indicates a packet address that no topology
	// interface or prober owns.
	ErrUnknownAddress = errors.New("address not in topology")

	// ErrShortProbe indicates a probe payload too short for a sequence
	// number.
	ErrShortProbe = errors.New("probe payload too short")
)

// -------------------------------------------------------------------------
// Extractor
// -------------------------------------------------------------------------

// Result is the outcome of extracting one trial.
type Result struct {
	Events event.Set

	// ParseErrors lists every skipped frame or record.
	ParseErrors []error

	// LogErrors is how many of ParseErrors came from the control log.
	LogErrors int

	// Frames counts the capture frames read.
	Frames int
}

// Extractor extracts events from trials. It holds no per-trial state and is
// safe for concurrent use.
type Extractor struct {
	opts   Options
	logger *slog.Logger
}

// New creates an Extractor.
func New(opts Options, logger *slog.Logger) *Extractor {
	if opts.ProbeProtocol == 0 {
		opts.ProbeProtocol = DefaultProbeProtocol
	}
	if opts.MinProbeSize == 0 {
		opts.MinProbeSize = DefaultMinProbeSize
	}
	return &Extractor{
		opts:   opts,
		logger: logger.With(slog.String("component", "extract")),
	}
}

// Extract reads every capture and the control-plane log of t. The returned
// events are sorted. An error is returned only when an input cannot be read
// at all or ctx is done; malformed records end up in Result.ParseErrors.
func (x *Extractor) Extract(ctx context.Context, t *trial.Trial) (*Result, error) {
	res := &Result{}
	tracker := newProbeTracker()

	for _, c := range t.Manifest.Captures {
		path := t.Path(c.File)
		sc := newScanner(t, c.Vantage, path, x.opts, tracker)
		n, err := sc.run(ctx)
		res.Frames += n
		if err != nil {
			return nil, fmt.Errorf("capture %s: %w", path, err)
		}
		res.Events.Control = append(res.Events.Control, sc.control...)
		res.Events.Probe = append(res.Events.Probe, sc.probes...)
		x.report(path, sc.errs)
		res.ParseErrors = append(res.ParseErrors, sc.errs...)
	}
	if x.opts.DetectDrops {
		res.Events.Probe = append(res.Events.Probe, tracker.drops(t.Key, t.Topology)...)
	}

	if t.Manifest.ControlLog != "" {
		path := t.Path(t.Manifest.ControlLog)
		events, errs, err := ReadControlLog(ctx, path, t.Key)
		if err != nil {
			return nil, fmt.Errorf("control log %s: %w", path, err)
		}
		res.Events.Control = append(res.Events.Control, events...)
		x.report(path, errs)
		res.ParseErrors = append(res.ParseErrors, errs...)
		res.LogErrors = len(errs)
	}

	res.Events.Sort()

	x.logger.Debug("extracted trial",
		slog.String("trial", t.Key),
		slog.Int("frames", res.Frames),
		slog.Int("control_events", len(res.Events.Control)),
		slog.Int("probe_events", len(res.Events.Probe)),
	)

	return res, nil
}

// report logs parse errors once per source.
func (x *Extractor) report(source string, errs []error) {
	if len(errs) == 0 {
		return
	}
	x.logger.Warn("skipped malformed records",
		slog.String("source", source),
		slog.Int("count", len(errs)),
		slog.String("first", errs[0].Error()),
	)
}
