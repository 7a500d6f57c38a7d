package commands

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/olekukonko/tablewriter"

	"github.com/dantte-lp/transient/internal/cache"
)

const (
	formatJSON  = "json"
	formatTable = "table"
	valueNA     = "N/A"
)

// errUnsupportedFormat is returned when the requested output format is not supported.
var errUnsupportedFormat = errors.New("unsupported output format")

// formatStats renders cache statistics in the requested format.
func formatStats(path string, st cache.Stats, format string) (string, error) {
	switch format {
	case formatJSON:
		return formatStatsJSON(path, st)
	case formatTable:
		return formatStatsTable(path, st), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

// --- Table formatters ---

func formatStatsTable(path string, st cache.Stats) string {
	var buf strings.Builder
	t := tablewriter.NewWriter(&buf)
	t.SetAlignment(tablewriter.ALIGN_LEFT)
	t.AppendBulk([][]string{
		{"Path", path},
		{"Entries", strconv.FormatInt(st.Entries, 10)},
		{"Trials", strconv.FormatInt(st.Trials, 10)},
		{"Oldest", formatTime(st.Oldest)},
		{"Newest", formatTime(st.Newest)},
	})
	t.Render()
	return buf.String()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return valueNA
	}
	return t.Format(time.RFC3339)
}

// --- JSON formatters ---

// statsView is the JSON shape of cache statistics.
type statsView struct {
	Path    string     `json:"path"`
	Entries int64      `json:"entries"`
	Trials  int64      `json:"trials"`
	Oldest  *time.Time `json:"oldest,omitempty"`
	Newest  *time.Time `json:"newest,omitempty"`
}

func formatStatsJSON(path string, st cache.Stats) (string, error) {
	v := statsView{Path: path, Entries: st.Entries, Trials: st.Trials}
	if !st.Oldest.IsZero() {
		v.Oldest, v.Newest = &st.Oldest, &st.Newest
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal stats to JSON: %w", err)
	}
	return string(data) + "\n", nil
}
