package extract

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/dantte-lp/transient/internal/event"
)

// message builds a framed BGP message of total length n with a body of b.
func message(n int, b byte) []byte {
	msg := bytes.Repeat([]byte{0xff}, bgpMarkerLen)
	msg = append(msg, byte(n>>8), byte(n), 2)
	return append(msg, bytes.Repeat([]byte{b}, n-bgpHeaderLen)...)
}

func TestStreamReorders(t *testing.T) {
	t.Parallel()

	m1, m2 := message(23, 1), message(25, 2)
	data := append(append([]byte{}, m1...), m2...)

	tests := []struct {
		name string
		segs []struct {
			off, end int
		}
	}{
		{
			name: "in order",
			segs: []struct{ off, end int }{{0, 10}, {10, 30}, {30, 48}},
		},
		{
			name: "out of order",
			segs: []struct{ off, end int }{{30, 48}, {10, 30}, {0, 10}},
		},
		{
			name: "retransmission and overlap",
			segs: []struct{ off, end int }{{0, 20}, {0, 20}, {15, 40}, {35, 48}, {40, 48}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			const isn = 4_294_967_290 // wraps inside the stream
			st := &stream{}
			st.syn(isn - 1)

			var got [][]byte
			for _, s := range tt.segs {
				st.push(uint32(isn+s.off), data[s.off:s.end]) //nolint:gosec // Wraparound is the point.
				for {
					msg, err := st.pop()
					if err != nil {
						t.Fatalf("pop: %v", err)
					}
					if msg == nil {
						break
					}
					got = append(got, msg)
				}
			}

			if len(got) != 2 || !bytes.Equal(got[0], m1) || !bytes.Equal(got[1], m2) {
				t.Errorf("messages = %x, want %x and %x", got, m1, m2)
			}
			if len(st.pending) != 0 || len(st.buf) != 0 {
				t.Errorf("stream left %d pending segments and %d bytes", len(st.pending), len(st.buf))
			}
		})
	}
}

func TestStreamLosesFraming(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		data []byte
	}{
		{"no marker", bytes.Repeat([]byte{0x01}, bgpHeaderLen)},
		{"length below header", append(bytes.Repeat([]byte{0xff}, bgpMarkerLen), 0, 4, 4)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			st := &stream{}
			st.push(1, tt.data)
			if _, err := st.pop(); !errors.Is(err, ErrMissingMarker) {
				t.Fatalf("pop() error = %v, want ErrMissingMarker", err)
			}
			if len(st.buf) != 0 {
				t.Errorf("stream kept %d bytes after losing framing", len(st.buf))
			}
		})
	}
}

func TestParseControlLog(t *testing.T) {
	t.Parallel()

	doc := strings.Join([]string{
		"Router, Time, Vantage, Prefix, Seq, Kind, From",
		"A, 1777636800.010000000, log, 203.0.113.7/24, 2, announce, ExtA",
		"B, 1777636800.011, log, 203.0.113.0/24, 3, withdraw",
		"A, 1777636800.012, log, 203.0.113.0/24, x, announce, ExtA",
		"A, 1777636800.013, log, 203.0.113.0/24, 4, refresh, ExtA",
		"A, yesterday, log, 203.0.113.0/24, 5, announce, ExtA",
		", 1777636800.014, log, 203.0.113.0/24, 6, announce, ExtA",
		"B, 1777636800.015, log, 203.0.113.0/24, 7, path_change, A",
	}, "\n")

	events, errs, err := parseControlLog(context.Background(), strings.NewReader(doc), "log.csv", "k")
	if err != nil {
		t.Fatalf("parseControlLog: %v", err)
	}

	if len(events) != 3 {
		t.Fatalf("events = %d, want 3: %+v", len(events), events)
	}
	first := events[0]
	want := time.Date(2026, time.May, 1, 12, 0, 0, 10_000_000, time.UTC)
	if first.Router != "A" || first.From != "ExtA" || first.Trial != "k" || first.Seq != 2 ||
		!first.Observed.Equal(want) || first.Prefix.String() != "203.0.113.0/24" || first.Kind != event.KindAnnounce {
		t.Errorf("events[0] = %+v", first)
	}
	if events[1].From != "" || events[1].Kind != event.KindWithdraw {
		t.Errorf("events[1] = %+v, want withdraw with no sender", events[1])
	}

	wantLines := []int{4, 5, 6, 7}
	if len(errs) != len(wantLines) {
		t.Fatalf("errs = %v, want %d", errs, len(wantLines))
	}
	for i, err := range errs {
		var pe *event.ParseError
		if !errors.As(err, &pe) || pe.Position != wantLines[i] || pe.Source != "log.csv" {
			t.Errorf("errs[%d] = %v, want line %d", i, err, wantLines[i])
		}
	}
	if !errors.Is(errs[1], event.ErrUnknownKind) {
		t.Errorf("errs[1] = %v, want ErrUnknownKind", errs[1])
	}
	if !errors.Is(errs[2], event.ErrInvalidTimestamp) {
		t.Errorf("errs[2] = %v, want ErrInvalidTimestamp", errs[2])
	}
}

func TestParseControlLogMissingColumn(t *testing.T) {
	t.Parallel()

	_, _, err := parseControlLog(context.Background(), strings.NewReader("time,router,prefix,seq,kind\n"), "log.csv", "k")
	if !errors.Is(err, ErrMissingColumn) {
		t.Errorf("parseControlLog() error = %v, want ErrMissingColumn", err)
	}
}
