// Package report writes batch results: the machine-readable CSV result
// file, the per-router transition interval file, and a human summary.
package report

import (
	"cmp"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"time"

	"github.com/dantte-lp/transient/internal/evaluate"
	"github.com/dantte-lp/transient/internal/fib"
)

// Columns is the result file header. Column order is part of the output
// contract; append new columns at the end.
//
//nolint:gochecknoglobals // Header is intentionally package-level.
var Columns = []string{
	"trial", "property", "source", "kind", "status",
	"vi_start_ms", "vi_end_ms", "vi_violating_ms", "vi_unbounded", "vi_persistent",
	"bl_violated", "bl_point_ms", "bl_start_ms", "bl_end_ms",
	"gt_available", "gt_violated", "gt_start_ms", "gt_end_ms",
	"bl_error_ms", "bl_missed", "covered", "tightness",
	"error",
	"perturbed_coverage",
}

// IntervalColumns is the header of the transition interval file.
//
//nolint:gochecknoglobals // Header is intentionally package-level.
var IntervalColumns = []string{
	"trial", "router", "prefix", "earliest_ms", "latest_ms", "unbounded", "exact", "evidence",
}

// SortRecords orders records by trial, property, then source.
func SortRecords(records []evaluate.Record) {
	slices.SortFunc(records, func(a, b evaluate.Record) int {
		return cmp.Or(
			cmp.Compare(a.Trial, b.Trial),
			cmp.Compare(a.Property, b.Property),
			cmp.Compare(a.Source, b.Source),
		)
	})
}

// WriteRecords writes records as CSV in sorted order. records is sorted in
// place.
func WriteRecords(w io.Writer, records []evaluate.Record) error {
	SortRecords(records)
	cw := csv.NewWriter(w)
	if err := cw.Write(Columns); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for _, r := range records {
		if err := cw.Write(recordRow(r)); err != nil {
			return fmt.Errorf("write record %s/%s/%s: %w", r.Trial, r.Property, r.Source, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

func recordRow(r evaluate.Record) []string {
	vi, bl, gt, sc := r.Interval, r.Baseline, r.GroundTruth, r.Score
	ok := r.Status == evaluate.StatusOK
	row := []string{
		r.Trial, r.Property, r.Source, string(r.Kind), string(r.Status),
		optMillis(ok && !vi.Empty, vi.Start), optMillis(ok && !vi.Empty, vi.End), optMillis(ok, vi.Violating),
		optBool(ok, vi.Unbounded), optBool(ok, vi.Persistent),
		optBool(ok, bl.Violated), optMillis(ok && bl.Violated, bl.Point),
		optMillis(ok && bl.Violated, bl.Start), optMillis(ok && bl.Violated, bl.End),
		optBool(ok, r.TruthAvailable),
		optBool(ok && r.TruthAvailable, !gt.Empty),
		optMillis(ok && r.TruthAvailable && !gt.Empty, gt.Start),
		optMillis(ok && r.TruthAvailable && !gt.Empty, gt.End),
		optMillis(sc.HasBaselineError, sc.BaselineError),
		optBool(ok && r.TruthAvailable, sc.Missed),
		optBool(ok && r.TruthAvailable, sc.Covered),
		"",
		r.Err,
		"",
	}
	if sc.HasTightness {
		row[len(row)-3] = strconv.FormatFloat(sc.Tightness, 'f', 4, 64)
	}
	if ok && sc.PerturbedRounds > 0 {
		row[len(row)-1] = strconv.FormatFloat(float64(sc.PerturbedCovered)/float64(sc.PerturbedRounds), 'f', 4, 64)
	}
	return row
}

// WriteIntervals writes per-router transition intervals keyed by trial.
// Trials are written in key order.
func WriteIntervals(w io.Writer, intervals map[string][]fib.Interval) error {
	keys := make([]string, 0, len(intervals))
	for k := range intervals {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	cw := csv.NewWriter(w)
	if err := cw.Write(IntervalColumns); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for _, k := range keys {
		for _, iv := range intervals[k] {
			err := cw.Write([]string{
				k, iv.Router, iv.Prefix.String(),
				Millis(iv.Earliest), Millis(iv.Latest),
				strconv.FormatBool(iv.Unbounded), strconv.FormatBool(iv.Exact),
				iv.Evidence.String(),
			})
			if err != nil {
				return fmt.Errorf("write interval %s/%s: %w", k, iv.Router, err)
			}
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteFile writes a file through fn atomically: the content goes to a
// temporary file in the same directory that replaces path on success.
func WriteFile(path string, fn func(io.Writer) error) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temporary output: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if err := fn(tmp); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temporary output: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}

// Millis renders d in milliseconds with microsecond resolution.
func Millis(d time.Duration) string {
	return strconv.FormatFloat(float64(d)/float64(time.Millisecond), 'f', 3, 64)
}

func optMillis(ok bool, d time.Duration) string {
	if !ok {
		return ""
	}
	return Millis(d)
}

func optBool(ok, v bool) string {
	if !ok {
		return ""
	}
	return strconv.FormatBool(v)
}
