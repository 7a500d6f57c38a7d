package config_test

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dantte-lp/transient/internal/config"
	"github.com/dantte-lp/transient/internal/evaluate"
	"github.com/dantte-lp/transient/internal/fib"
	"github.com/dantte-lp/transient/internal/violation"
)

func TestDefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfig()

	if cfg.Corpus.Root != "." {
		t.Errorf("Corpus.Root = %q, want %q", cfg.Corpus.Root, ".")
	}

	if cfg.Corpus.Properties != "properties.yaml" {
		t.Errorf("Corpus.Properties = %q, want %q", cfg.Corpus.Properties, "properties.yaml")
	}

	if cfg.Cache.Path != ".transient-cache.db" {
		t.Errorf("Cache.Path = %q, want %q", cfg.Cache.Path, ".transient-cache.db")
	}

	if cfg.Pipeline.TrialTimeout != 10*time.Minute {
		t.Errorf("Pipeline.TrialTimeout = %v, want %v", cfg.Pipeline.TrialTimeout, 10*time.Minute)
	}

	if cfg.Violation.Baseline != "midpoint" {
		t.Errorf("Violation.Baseline = %q, want %q", cfg.Violation.Baseline, "midpoint")
	}

	if cfg.Violation.Queuing().Name != "none" {
		t.Errorf("Violation.Queuing() = %s, want none", cfg.Violation.Queuing())
	}

	if cfg.Evaluate.Perturbation().Enabled() {
		t.Errorf("Evaluate.Perturbation() = %+v, want disabled by default", cfg.Evaluate.Perturbation())
	}

	if cfg.Extract.ProbeProtocol != 253 {
		t.Errorf("Extract.ProbeProtocol = %d, want %d", cfg.Extract.ProbeProtocol, 253)
	}

	if cfg.Log.Format != "text" {
		t.Errorf("Log.Format = %q, want %q", cfg.Log.Format, "text")
	}

	if cfg.Output.Summary != "table" {
		t.Errorf("Output.Summary = %q, want %q", cfg.Output.Summary, "table")
	}

	// Defaults must pass validation.
	if err := config.Validate(cfg); err != nil {
		t.Errorf("DefaultConfig() failed validation: %v", err)
	}
}

func TestLoadFromYAML(t *testing.T) {
	t.Parallel()

	yamlContent := `
corpus:
  root: "/data/trials"
  topology_cache: 8
cache:
  path: "/var/cache/transient.db"
pipeline:
  workers: 6
  trial_timeout: "90s"
violation:
  alignment_slack: "250us"
  per_hop_delay: "1ms"
  baseline: "earliest"
  fib_model: "nx9k-ipfib"
extract:
  probe_protocol: 254
  detect_drops: true
evaluate:
  perturb_bound: "500us"
  perturb_rounds: 16
  perturb_seed: 42
output:
  intervals: "intervals.csv"
  summary: "json"
log:
  level: "debug"
`

	path := writeTemp(t, yamlContent)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	if cfg.Corpus.Root != "/data/trials" {
		t.Errorf("Corpus.Root = %q, want %q", cfg.Corpus.Root, "/data/trials")
	}

	if cfg.Corpus.TopologyCache != 8 {
		t.Errorf("Corpus.TopologyCache = %d, want %d", cfg.Corpus.TopologyCache, 8)
	}

	if cfg.Cache.Path != "/var/cache/transient.db" {
		t.Errorf("Cache.Path = %q, want %q", cfg.Cache.Path, "/var/cache/transient.db")
	}

	if cfg.Pipeline.Workers != 6 {
		t.Errorf("Pipeline.Workers = %d, want %d", cfg.Pipeline.Workers, 6)
	}

	if cfg.Pipeline.TrialTimeout != 90*time.Second {
		t.Errorf("Pipeline.TrialTimeout = %v, want %v", cfg.Pipeline.TrialTimeout, 90*time.Second)
	}

	if cfg.Violation.AlignmentSlack != 250*time.Microsecond {
		t.Errorf("Violation.AlignmentSlack = %v, want %v", cfg.Violation.AlignmentSlack, 250*time.Microsecond)
	}

	if cfg.Violation.PerHopDelay != time.Millisecond {
		t.Errorf("Violation.PerHopDelay = %v, want %v", cfg.Violation.PerHopDelay, time.Millisecond)
	}

	if got := cfg.Violation.Params(); got.Baseline != violation.BaselineEarliest || got.Slack != 250*time.Microsecond {
		t.Errorf("Violation.Params() = %+v, want earliest baseline and 250us slack", got)
	}

	if got := cfg.Violation.Queuing(); got.Name != "nx9k-ipfib" || got.Delay != 7500*time.Microsecond {
		t.Errorf("Violation.Queuing() = %s, want nx9k-ipfib", got)
	}

	want := evaluate.Perturbation{Bound: 500 * time.Microsecond, Rounds: 16, Seed: 42}
	if got := cfg.Evaluate.Perturbation(); got != want {
		t.Errorf("Evaluate.Perturbation() = %+v, want %+v", got, want)
	}

	opts := cfg.Extract.ExtractOptions()
	if opts.ProbeProtocol != 254 || !opts.DetectDrops {
		t.Errorf("ExtractOptions() = %+v, want protocol 254 with drop detection", opts)
	}

	if opts.ProberMAC.String() != "de:ad:be:ef:00:00" {
		t.Errorf("ExtractOptions().ProberMAC = %s, want default", opts.ProberMAC)
	}

	if cfg.Output.Intervals != "intervals.csv" {
		t.Errorf("Output.Intervals = %q, want %q", cfg.Output.Intervals, "intervals.csv")
	}

	if cfg.Output.Summary != "json" {
		t.Errorf("Output.Summary = %q, want %q", cfg.Output.Summary, "json")
	}

	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "debug")
	}
}

func TestLoadMergesDefaults(t *testing.T) {
	t.Parallel()

	// Partial YAML: only override corpus.root and log.level.
	// Everything else should inherit from defaults.
	yamlContent := `
corpus:
  root: "trials"
log:
  level: "warn"
`

	path := writeTemp(t, yamlContent)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	if cfg.Corpus.Root != "trials" {
		t.Errorf("Corpus.Root = %q, want %q", cfg.Corpus.Root, "trials")
	}

	if cfg.Log.Level != "warn" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "warn")
	}

	// Default values should be preserved.
	if cfg.Corpus.Properties != "properties.yaml" {
		t.Errorf("Corpus.Properties = %q, want default %q", cfg.Corpus.Properties, "properties.yaml")
	}

	if cfg.Violation.MaxAmbiguous != 4096 {
		t.Errorf("Violation.MaxAmbiguous = %d, want default %d", cfg.Violation.MaxAmbiguous, 4096)
	}

	if cfg.Extract.MinProbeSize != 60 {
		t.Errorf("Extract.MinProbeSize = %d, want default %d", cfg.Extract.MinProbeSize, 60)
	}

	if cfg.Evaluate.ErrorReference != "midpoint" {
		t.Errorf("Evaluate.ErrorReference = %q, want default %q", cfg.Evaluate.ErrorReference, "midpoint")
	}

	if cfg.Output.Results != "results.csv" {
		t.Errorf("Output.Results = %q, want default %q", cfg.Output.Results, "results.csv")
	}
}

func TestLoadEnvOverride(t *testing.T) {
	// Not parallel: t.Setenv modifies the process environment.
	t.Setenv("TRANSIENT_PIPELINE_TRIAL_TIMEOUT", "45s")
	t.Setenv("TRANSIENT_CACHE_PATH", "/tmp/env-cache.db")

	path := writeTemp(t, "pipeline:\n  trial_timeout: \"5m\"\n")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	if cfg.Pipeline.TrialTimeout != 45*time.Second {
		t.Errorf("Pipeline.TrialTimeout = %v, want env override %v", cfg.Pipeline.TrialTimeout, 45*time.Second)
	}

	if cfg.Cache.Path != "/tmp/env-cache.db" {
		t.Errorf("Cache.Path = %q, want env override %q", cfg.Cache.Path, "/tmp/env-cache.db")
	}
}

func TestValidateErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		modify  func(*config.Config)
		wantErr error
	}{
		{
			name:    "empty corpus root",
			modify:  func(cfg *config.Config) { cfg.Corpus.Root = "" },
			wantErr: config.ErrEmptyCorpusRoot,
		},
		{
			name:    "enabled cache without path",
			modify:  func(cfg *config.Config) { cfg.Cache.Path = "" },
			wantErr: config.ErrEmptyCachePath,
		},
		{
			name:    "negative workers",
			modify:  func(cfg *config.Config) { cfg.Pipeline.Workers = -1 },
			wantErr: config.ErrInvalidWorkers,
		},
		{
			name:    "zero trial timeout",
			modify:  func(cfg *config.Config) { cfg.Pipeline.TrialTimeout = 0 },
			wantErr: config.ErrInvalidTrialTimeout,
		},
		{
			name:    "negative slack",
			modify:  func(cfg *config.Config) { cfg.Violation.AlignmentSlack = -time.Millisecond },
			wantErr: config.ErrInvalidSlack,
		},
		{
			name:    "negative per hop delay",
			modify:  func(cfg *config.Config) { cfg.Violation.PerHopDelay = -time.Millisecond },
			wantErr: config.ErrInvalidPerHopDelay,
		},
		{
			name:    "negative max ambiguous",
			modify:  func(cfg *config.Config) { cfg.Violation.MaxAmbiguous = -1 },
			wantErr: config.ErrInvalidMaxAmbiguous,
		},
		{
			name:    "unknown baseline",
			modify:  func(cfg *config.Config) { cfg.Violation.Baseline = "median" },
			wantErr: violation.ErrUnknownBaseline,
		},
		{
			name:    "unknown fib model",
			modify:  func(cfg *config.Config) { cfg.Violation.FibModel = "nx7k" },
			wantErr: fib.ErrUnknownQueuingModel,
		},
		{
			name:    "negative perturbation rounds",
			modify:  func(cfg *config.Config) { cfg.Evaluate.PerturbRounds = -1 },
			wantErr: evaluate.ErrInvalidPerturbation,
		},
		{
			name:    "probe protocol out of range",
			modify:  func(cfg *config.Config) { cfg.Extract.ProbeProtocol = 256 },
			wantErr: config.ErrInvalidProbeProtocol,
		},
		{
			name:    "negative probe size",
			modify:  func(cfg *config.Config) { cfg.Extract.MinProbeSize = -1 },
			wantErr: config.ErrInvalidProbeSize,
		},
		{
			name:    "bad prober mac",
			modify:  func(cfg *config.Config) { cfg.Extract.ProberMAC = "not-a-mac" },
			wantErr: config.ErrInvalidProberMAC,
		},
		{
			name:    "unknown summary format",
			modify:  func(cfg *config.Config) { cfg.Output.Summary = "xml" },
			wantErr: config.ErrInvalidSummaryFormat,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := config.DefaultConfig()
			tt.modify(cfg)

			err := config.Validate(cfg)
			if err == nil {
				t.Fatal("Validate() returned nil, want error")
			}

			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateDisabledCacheWithoutPath(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfig()
	cfg.Cache.Disabled = true
	cfg.Cache.Path = ""

	if err := config.Validate(cfg); err != nil {
		t.Errorf("Validate() = %v, want nil for a disabled cache", err)
	}
}

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input string
		want  slog.Level
	}{
		{input: "debug", want: slog.LevelDebug},
		{input: "DEBUG", want: slog.LevelDebug},
		{input: "info", want: slog.LevelInfo},
		{input: "warn", want: slog.LevelWarn},
		{input: "Error", want: slog.LevelError},
		{input: "unknown", want: slog.LevelInfo},
		{input: "", want: slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			t.Parallel()

			got := config.ParseLogLevel(tt.input)
			if got != tt.want {
				t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestLoadNonexistentFile(t *testing.T) {
	t.Parallel()

	_, err := config.Load("/nonexistent/path/transient.yaml")
	if err == nil {
		t.Fatal("Load() returned nil error for nonexistent file")
	}
}

// writeTemp creates a temporary YAML file and returns its path.
func writeTemp(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "transient.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write temp file: %v", err)
	}

	return path
}
