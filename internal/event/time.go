package event

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidTimestamp indicates a decimal epoch timestamp could not be parsed.
var ErrInvalidTimestamp = errors.New("invalid epoch timestamp")

// ParseEpoch parses decimal epoch seconds ("1714557600.123456789") without
// going through float64, so nanosecond digits survive.
func ParseEpoch(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty: %w", ErrInvalidTimestamp)
	}

	whole, frac, _ := strings.Cut(s, ".")
	sec, err := strconv.ParseInt(whole, 10, 64)
	if err != nil || sec < 0 {
		return time.Time{}, fmt.Errorf("%q: %w", s, ErrInvalidTimestamp)
	}

	var nsec int64
	if frac != "" {
		if len(frac) > 9 {
			frac = frac[:9]
		}
		n, err := strconv.ParseUint(frac, 10, 32)
		if err != nil {
			return time.Time{}, fmt.Errorf("%q: %w", s, ErrInvalidTimestamp)
		}
		nsec = int64(n)
		for range 9 - len(frac) {
			nsec *= 10
		}
	}

	return time.Unix(sec, nsec).UTC(), nil
}

// FormatEpoch renders t as decimal epoch seconds with nanosecond precision.
func FormatEpoch(t time.Time) string {
	return fmt.Sprintf("%d.%09d", t.Unix(), t.Nanosecond())
}
