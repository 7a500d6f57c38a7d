// Package config manages transient configuration using koanf/v2.
//
// Supports YAML files, environment variables, and CLI flags.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/dantte-lp/transient/internal/evaluate"
	"github.com/dantte-lp/transient/internal/extract"
	"github.com/dantte-lp/transient/internal/fib"
	"github.com/dantte-lp/transient/internal/violation"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete transient configuration.
type Config struct {
	Log       LogConfig       `koanf:"log"`
	Corpus    CorpusConfig    `koanf:"corpus"`
	Cache     CacheConfig     `koanf:"cache"`
	Pipeline  PipelineConfig  `koanf:"pipeline"`
	Violation ViolationConfig `koanf:"violation"`
	Extract   ExtractConfig   `koanf:"extract"`
	Evaluate  EvaluateConfig  `koanf:"evaluate"`
	Output    OutputConfig    `koanf:"output"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// CorpusConfig locates the trial corpus.
type CorpusConfig struct {
	// Root is the corpus directory; trials are found below it.
	Root string `koanf:"root"`

	// Properties is the default property file. Relative paths resolve
	// against Root. Missing files are ignored when left at the default.
	Properties string `koanf:"properties"`

	// TopologyCache bounds the number of parsed topologies kept in memory.
	TopologyCache int `koanf:"topology_cache"`
}

// CacheConfig holds the result cache configuration.
type CacheConfig struct {
	// Path is the SQLite database file.
	Path string `koanf:"path"`
	// Disabled turns the cache off; every trial is recomputed.
	Disabled bool `koanf:"disabled"`
}

// PipelineConfig holds the batch execution configuration.
type PipelineConfig struct {
	// Workers is the number of trials processed in parallel. Zero selects
	// GOMAXPROCS.
	Workers int `koanf:"workers"`
	// TrialTimeout aborts a single trial that runs longer.
	TrialTimeout time.Duration `koanf:"trial_timeout"`
}

// ViolationConfig tunes the violation-interval algorithm.
type ViolationConfig struct {
	// AlignmentSlack widens every transition interval on both sides.
	AlignmentSlack time.Duration `koanf:"alignment_slack"`
	// PerHopDelay is the minimum propagation delay across one BGP session.
	PerHopDelay time.Duration `koanf:"per_hop_delay"`
	// MaxAmbiguous caps ambiguous-router branching per walk (0 = unlimited).
	MaxAmbiguous int `koanf:"max_ambiguous"`
	// Baseline is the representative instant: midpoint, earliest, latest.
	Baseline string `koanf:"baseline"`
	// FibModel names the FIB write queuing preset, e.g. "none" or "nx9k".
	FibModel string `koanf:"fib_model"`
}

// ExtractConfig holds the packet classification parameters.
type ExtractConfig struct {
	ProbeProtocol int    `koanf:"probe_protocol"`
	MinProbeSize  int    `koanf:"min_probe_size"`
	ProberMAC     string `koanf:"prober_mac"`
	DetectDrops   bool   `koanf:"detect_drops"`
}

// EvaluateConfig holds the scoring parameters.
type EvaluateConfig struct {
	// ErrorReference is what the baseline error is measured against:
	// "midpoint" or "boundary".
	ErrorReference string `koanf:"error_reference"`
	// PerturbBound is the largest simulated clock offset per router. Zero
	// disables the clock robustness rounds.
	PerturbBound  time.Duration `koanf:"perturb_bound"`
	PerturbRounds int           `koanf:"perturb_rounds"`
	PerturbSeed   uint64        `koanf:"perturb_seed"`
}

// OutputConfig names the output files. Empty paths disable that output.
type OutputConfig struct {
	Results   string `koanf:"results"`
	Intervals string `koanf:"intervals"`
	Metrics   string `koanf:"metrics"`
	// Summary is the stdout summary format: "table" or "json".
	Summary string `koanf:"summary"`
}

// ExtractOptions converts the extract section. Validate must have passed.
func (c ExtractConfig) ExtractOptions() extract.Options {
	mac, _ := net.ParseMAC(c.ProberMAC)
	return extract.Options{
		ProbeProtocol: uint8(c.ProbeProtocol), //nolint:gosec // Range checked by Validate.
		MinProbeSize:  c.MinProbeSize,
		ProberMAC:     mac,
		DetectDrops:   c.DetectDrops,
	}
}

// Params converts the violation section. Validate must have passed.
func (c ViolationConfig) Params() violation.Params {
	mode, _ := violation.ParseBaselineMode(c.Baseline)
	return violation.Params{
		Slack:        c.AlignmentSlack,
		MaxAmbiguous: c.MaxAmbiguous,
		Baseline:     mode,
	}
}

// Queuing returns the FIB queuing preset. Validate must have passed.
func (c ViolationConfig) Queuing() fib.QueuingModel {
	m, _ := fib.ParseQueuingModel(c.FibModel)
	return m
}

// Perturbation converts the clock robustness settings.
func (c EvaluateConfig) Perturbation() evaluate.Perturbation {
	return evaluate.Perturbation{Bound: c.PerturbBound, Rounds: c.PerturbRounds, Seed: c.PerturbSeed}
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Corpus: CorpusConfig{
			Root:          ".",
			Properties:    "properties.yaml",
			TopologyCache: 32,
		},
		Cache: CacheConfig{
			Path: ".transient-cache.db",
		},
		Pipeline: PipelineConfig{
			TrialTimeout: 10 * time.Minute,
		},
		Violation: ViolationConfig{
			AlignmentSlack: 0,
			PerHopDelay:    0,
			MaxAmbiguous:   4096,
			Baseline:       string(violation.BaselineMidpoint),
			FibModel:       "none",
		},
		Extract: ExtractConfig{
			ProbeProtocol: extract.DefaultProbeProtocol,
			MinProbeSize:  extract.DefaultMinProbeSize,
			ProberMAC:     extract.DefaultProberMAC,
		},
		Evaluate: EvaluateConfig{
			ErrorReference: string(evaluate.ReferenceMidpoint),
			PerturbRounds:  32,
			PerturbSeed:    1,
		},
		Output: OutputConfig{
			Results: "results.csv",
			Summary: "table",
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for transient configuration.
// Variables are named TRANSIENT_<section>_<key>, e.g., TRANSIENT_CACHE_PATH.
const envPrefix = "TRANSIENT_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (TRANSIENT_ prefix), and merges on top of
// DefaultConfig(). An empty path skips the file. Missing fields inherit
// defaults.
//
// Environment variable mapping:
//
//	TRANSIENT_CORPUS_ROOT            -> corpus.root
//	TRANSIENT_CACHE_PATH             -> cache.path
//	TRANSIENT_PIPELINE_TRIAL_TIMEOUT -> pipeline.trial_timeout
//	TRANSIENT_LOG_LEVEL              -> log.level
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Load defaults first.
	if err := loadDefaults(k, DefaultConfig()); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	// Load YAML file on top of defaults.
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
	}

	// Load environment variable overrides on top of YAML.
	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// envKeyMapper transforms TRANSIENT_PIPELINE_TRIAL_TIMEOUT ->
// pipeline.trial_timeout. The first underscore separates the section; the
// rest belong to the key.
func envKeyMapper(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, envPrefix))
	section, key, ok := strings.Cut(s, "_")
	if !ok {
		return s
	}
	return section + "." + key
}

// loadDefaults sets the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, d *Config) error {
	defaultMap := map[string]any{
		"log.level":                 d.Log.Level,
		"log.format":                d.Log.Format,
		"corpus.root":               d.Corpus.Root,
		"corpus.properties":         d.Corpus.Properties,
		"corpus.topology_cache":     d.Corpus.TopologyCache,
		"cache.path":                d.Cache.Path,
		"cache.disabled":            d.Cache.Disabled,
		"pipeline.workers":          d.Pipeline.Workers,
		"pipeline.trial_timeout":    d.Pipeline.TrialTimeout.String(),
		"violation.alignment_slack": d.Violation.AlignmentSlack.String(),
		"violation.per_hop_delay":   d.Violation.PerHopDelay.String(),
		"violation.max_ambiguous":   d.Violation.MaxAmbiguous,
		"violation.baseline":        d.Violation.Baseline,
		"violation.fib_model":       d.Violation.FibModel,
		"extract.probe_protocol":    d.Extract.ProbeProtocol,
		"extract.min_probe_size":    d.Extract.MinProbeSize,
		"extract.prober_mac":        d.Extract.ProberMAC,
		"extract.detect_drops":      d.Extract.DetectDrops,
		"evaluate.error_reference":  d.Evaluate.ErrorReference,
		"evaluate.perturb_bound":    d.Evaluate.PerturbBound.String(),
		"evaluate.perturb_rounds":   d.Evaluate.PerturbRounds,
		"evaluate.perturb_seed":     d.Evaluate.PerturbSeed,
		"output.results":            d.Output.Results,
		"output.intervals":          d.Output.Intervals,
		"output.metrics":            d.Output.Metrics,
		"output.summary":            d.Output.Summary,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrEmptyCorpusRoot indicates the corpus root is empty.
	ErrEmptyCorpusRoot = errors.New("corpus.root must not be empty")

	// ErrEmptyCachePath indicates an enabled cache without a path.
	ErrEmptyCachePath = errors.New("cache.path must not be empty unless cache.disabled")

	// ErrInvalidWorkers indicates a negative worker count.
	ErrInvalidWorkers = errors.New("pipeline.workers must be >= 0")

	// ErrInvalidTrialTimeout indicates a non-positive trial timeout.
	ErrInvalidTrialTimeout = errors.New("pipeline.trial_timeout must be > 0")

	// ErrInvalidSlack indicates a negative alignment slack.
	ErrInvalidSlack = errors.New("violation.alignment_slack must be >= 0")

	// ErrInvalidPerHopDelay indicates a negative per-hop delay.
	ErrInvalidPerHopDelay = errors.New("violation.per_hop_delay must be >= 0")

	// ErrInvalidMaxAmbiguous indicates a negative branching cap.
	ErrInvalidMaxAmbiguous = errors.New("violation.max_ambiguous must be >= 0")

	// ErrInvalidProbeProtocol indicates a protocol number outside 1..255.
	ErrInvalidProbeProtocol = errors.New("extract.probe_protocol must be in 1..255")

	// ErrInvalidProbeSize indicates a negative minimum probe size.
	ErrInvalidProbeSize = errors.New("extract.min_probe_size must be >= 0")

	// ErrInvalidProberMAC indicates an unparsable prober MAC.
	ErrInvalidProberMAC = errors.New("extract.prober_mac is not a MAC address")

	// ErrInvalidSummaryFormat indicates an unknown summary format.
	ErrInvalidSummaryFormat = errors.New("output.summary must be table or json")
)

// Validate checks the configuration for logical errors.
// Returns the first validation error encountered.
func Validate(cfg *Config) error {
	if cfg.Corpus.Root == "" {
		return ErrEmptyCorpusRoot
	}

	if !cfg.Cache.Disabled && cfg.Cache.Path == "" {
		return ErrEmptyCachePath
	}

	if cfg.Pipeline.Workers < 0 {
		return ErrInvalidWorkers
	}

	if cfg.Pipeline.TrialTimeout <= 0 {
		return ErrInvalidTrialTimeout
	}

	if err := validateViolation(cfg.Violation); err != nil {
		return err
	}

	if err := validateExtract(cfg.Extract); err != nil {
		return err
	}

	if _, err := evaluate.ParseReference(cfg.Evaluate.ErrorReference); err != nil {
		return fmt.Errorf("evaluate.error_reference: %w", err)
	}

	if err := cfg.Evaluate.Perturbation().Validate(); err != nil {
		return fmt.Errorf("evaluate.perturb_bound/perturb_rounds: %w", err)
	}

	if !ValidSummaryFormats[cfg.Output.Summary] {
		return fmt.Errorf("%q: %w", cfg.Output.Summary, ErrInvalidSummaryFormat)
	}

	return nil
}

// ValidSummaryFormats lists the recognized summary formats.
//
//nolint:gochecknoglobals // Lookup table is intentionally package-level.
var ValidSummaryFormats = map[string]bool{
	"table": true,
	"json":  true,
}

func validateViolation(v ViolationConfig) error {
	if v.AlignmentSlack < 0 {
		return ErrInvalidSlack
	}
	if v.PerHopDelay < 0 {
		return ErrInvalidPerHopDelay
	}
	if v.MaxAmbiguous < 0 {
		return ErrInvalidMaxAmbiguous
	}
	if _, err := violation.ParseBaselineMode(v.Baseline); err != nil {
		return fmt.Errorf("violation.baseline: %w", err)
	}
	if _, err := fib.ParseQueuingModel(v.FibModel); err != nil {
		return fmt.Errorf("violation.fib_model: %w", err)
	}
	return nil
}

func validateExtract(e ExtractConfig) error {
	if e.ProbeProtocol < 1 || e.ProbeProtocol > 255 {
		return ErrInvalidProbeProtocol
	}
	if e.MinProbeSize < 0 {
		return ErrInvalidProbeSize
	}
	if _, err := net.ParseMAC(e.ProberMAC); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidProberMAC, err)
	}
	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
//
// Recognized values: "debug", "info", "warn", "error" (case-insensitive).
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
