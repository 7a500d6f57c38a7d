// Package appversion provides build version information injected via ldflags.
//
// All variables are set at build time:
//
//	-ldflags="-X github.com/dantte-lp/transient/internal/version.Version=v0.3.0
//	          -X github.com/dantte-lp/transient/internal/version.GitCommit=abc1234
//	          -X github.com/dantte-lp/transient/internal/version.BuildDate=2026-10-01T12:00:00Z"
package appversion

import (
	"fmt"
	"runtime"
)

// Version is the semantic version (e.g., "v0.3.0" or "dev").
var Version = "dev"

// GitCommit is the short git commit hash at build time.
var GitCommit = "unknown"

// BuildDate is the RFC 3339 build timestamp.
var BuildDate = "unknown"

// Full returns a human-readable multi-line version string.
func Full(binary string) string {
	return fmt.Sprintf("%s %s\n  commit:  %s\n  built:   %s\n  go:      %s",
		binary, Version, GitCommit, BuildDate, runtime.Version())
}

// AlgorithmTag identifies the result-affecting code revision. It is mixed
// into cache hashes so a new release never serves results computed by an
// older one.
func AlgorithmTag() string {
	return Version + "+" + GitCommit
}
