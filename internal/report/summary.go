package report

import (
	"errors"
	"fmt"
	"io"
	"strconv"

	json "github.com/goccy/go-json"
	"github.com/olekukonko/tablewriter"

	"github.com/dantte-lp/transient/internal/evaluate"
)

const (
	// FormatTable renders the summary as a text table.
	FormatTable = "table"

	// FormatJSON renders the summary as JSON.
	FormatJSON = "json"
)

// ErrUnsupportedFormat is returned when the requested output format is not
// supported.
var ErrUnsupportedFormat = errors.New("unsupported output format")

// Failure is a trial that could not be analyzed.
type Failure struct {
	Trial string `json:"trial"`
	Stage string `json:"stage"`
	Error string `json:"error"`
}

// Summary is the human-facing batch overview.
type Summary struct {
	Trials   int              `json:"trials"`
	Cached   int              `json:"cached"`
	Scores   evaluate.Summary `json:"scores"`
	Failures []Failure        `json:"failures,omitempty"`
}

// RenderSummary writes s in the requested format.
func RenderSummary(w io.Writer, s Summary, format string) error {
	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(s)
	case FormatTable:
		return renderTable(w, s)
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
}

func renderTable(w io.Writer, s Summary) error {
	sc := s.Scores

	t := tablewriter.NewWriter(w)
	t.SetHeader([]string{"Metric", "Value"})
	t.SetAlignment(tablewriter.ALIGN_LEFT)
	t.AppendBulk([][]string{
		{"trials", strconv.Itoa(s.Trials)},
		{"trials from cache", strconv.Itoa(s.Cached)},
		{"failed trials", strconv.Itoa(len(s.Failures))},
		{"records", strconv.Itoa(sc.Records)},
		{"property errors", strconv.Itoa(sc.Errors)},
		{"violations", strconv.Itoa(sc.Violations)},
		{"unbounded", strconv.Itoa(sc.Unbounded)},
		{"persistent", strconv.Itoa(sc.Persistent)},
		{"with ground truth", strconv.Itoa(sc.WithTruth)},
		{"coverage rate", strconv.FormatFloat(sc.CoverageRate, 'f', 4, 64)},
		{"uncovered", strconv.Itoa(sc.WithTruth - sc.Covered)},
		{"baseline missed", strconv.Itoa(sc.BaselineMissed)},
		{"baseline false positives", strconv.Itoa(sc.BaselineFalsePositive)},
		{"baseline error mean (ms)", Millis(sc.BaselineErrorMean)},
		{"baseline error median (ms)", Millis(sc.BaselineErrorMedian)},
		{"baseline error p90 (ms)", Millis(sc.BaselineErrorP90)},
		{"tightness mean", strconv.FormatFloat(sc.TightnessMean, 'f', 4, 64)},
		{"tightness median", strconv.FormatFloat(sc.TightnessMedian, 'f', 4, 64)},
		{"perturbed rounds", strconv.Itoa(sc.PerturbedRounds)},
		{"perturbed coverage rate", strconv.FormatFloat(sc.PerturbedCoverageRate, 'f', 4, 64)},
	})
	t.Render()

	if len(s.Failures) == 0 {
		return nil
	}
	if _, err := fmt.Fprintln(w); err != nil {
		return err
	}
	ft := tablewriter.NewWriter(w)
	ft.SetHeader([]string{"Trial", "Stage", "Error"})
	ft.SetAlignment(tablewriter.ALIGN_LEFT)
	ft.SetAutoWrapText(false)
	for _, f := range s.Failures {
		ft.Append([]string{f.Trial, f.Stage, f.Error})
	}
	ft.Render()
	return nil
}
