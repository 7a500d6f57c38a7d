package pipeline

import (
	"errors"
	"fmt"
)

// Stage names a per-trial pipeline step. Stage values appear in metrics
// labels, log attributes and the failure report.
const (
	StageLoad        = "load"
	StageHash        = "hash"
	StageCache       = "cache"
	StageExtract     = "extract"
	StageAlign       = "align"
	StageGroundTruth = "groundtruth"
	StageEstimate    = "estimate"
	StageCompute     = "compute"
	StageStore       = "store"
)

// ErrNoRoutes indicates a property whose prefix has no routes in the trial.
var ErrNoRoutes = errors.New("no routes for property prefix")

// TrialError aborts one trial. Other trials of the batch are unaffected.
type TrialError struct {
	Trial string
	Stage string
	Err   error
}

func (e *TrialError) Error() string {
	return fmt.Sprintf("trial %s: %s: %v", e.Trial, e.Stage, e.Err)
}

func (e *TrialError) Unwrap() error {
	return e.Err
}

// asTrialError wraps err unless it already is a TrialError.
func asTrialError(trial, stage string, err error) *TrialError {
	var te *TrialError
	if errors.As(err, &te) {
		return te
	}
	return &TrialError{Trial: trial, Stage: stage, Err: err}
}
