package event

import (
	"errors"
	"fmt"
)

// ErrUnknownKind indicates an unrecognized update kind in a control log.
var ErrUnknownKind = errors.New("unknown update kind")

// ParseError reports a malformed capture frame or log record. Extraction
// skips the record and continues.
type ParseError struct {
	// Source is the capture or log file the record came from.
	Source string

	// Position is the 1-based frame number or CSV line.
	Position int

	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s:%d: %v", e.Source, e.Position, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}
