package extract

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"
	"strconv"
	"strings"

	"github.com/dantte-lp/transient/internal/event"
)

// Control log columns. "from" is optional.
const (
	colTime    = "time"
	colVantage = "vantage"
	colRouter  = "router"
	colPrefix  = "prefix"
	colSeq     = "seq"
	colKind    = "kind"
	colFrom    = "from"
)

// ErrMissingColumn indicates a control log header without a required column.
var ErrMissingColumn = errors.New("missing control log column")

// ReadControlLog reads a CSV control-plane log with header
// time,vantage,router,prefix,seq,kind[,from]. Columns may appear in any
// order. Malformed records are returned as ParseErrors and skipped; err is
// set only if the file cannot be read or has no usable header.
func ReadControlLog(ctx context.Context, path, trialKey string) ([]event.ControlEvent, []error, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open: %w", err)
	}
	defer func() { _ = f.Close() }()
	return parseControlLog(ctx, f, path, trialKey)
}

func parseControlLog(ctx context.Context, r io.Reader, source, trialKey string) ([]event.ControlEvent, []error, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	cr.ReuseRecord = true

	header, err := cr.Read()
	if err != nil {
		return nil, nil, fmt.Errorf("read header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, name := range []string{colTime, colVantage, colRouter, colPrefix, colSeq, colKind} {
		if _, ok := cols[name]; !ok {
			return nil, nil, fmt.Errorf("%q: %w", name, ErrMissingColumn)
		}
	}

	var (
		events []event.ControlEvent
		errs   []error
	)
	for {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var pe *csv.ParseError
			line := 0
			if errors.As(err, &pe) {
				line = pe.Line
			}
			errs = append(errs, &event.ParseError{Source: source, Position: line, Err: err})
			continue
		}
		line, _ := cr.FieldPos(0)
		ev, err := controlRecord(rec, cols)
		if err != nil {
			errs = append(errs, &event.ParseError{Source: source, Position: line, Err: err})
			continue
		}
		ev.Trial = trialKey
		events = append(events, ev)
	}
	return events, errs, nil
}

func controlRecord(rec []string, cols map[string]int) (event.ControlEvent, error) {
	var ev event.ControlEvent
	field := func(name string) string {
		i, ok := cols[name]
		if !ok || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}

	ts, err := event.ParseEpoch(field(colTime))
	if err != nil {
		return ev, err
	}
	prefix, err := netip.ParsePrefix(field(colPrefix))
	if err != nil {
		return ev, fmt.Errorf("prefix: %w", err)
	}
	seq, err := strconv.ParseUint(field(colSeq), 10, 64)
	if err != nil {
		return ev, fmt.Errorf("seq: %w", err)
	}
	kind, err := event.ParseKind(field(colKind))
	if err != nil {
		return ev, err
	}

	ev = event.ControlEvent{
		Vantage:  field(colVantage),
		Router:   field(colRouter),
		From:     field(colFrom),
		Prefix:   prefix.Masked(),
		Seq:      seq,
		Observed: ts,
		Kind:     kind,
	}
	if ev.Vantage == "" || ev.Router == "" {
		return ev, fmt.Errorf("vantage and router: %w", ErrMissingColumn)
	}
	return ev, nil
}
