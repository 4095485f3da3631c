package model

import (
	"errors"
	"fmt"
)

// ErrStaleGeneration marks work abandoned because the source file was
// invalidated while it was in flight. It is never user-visible.
var ErrStaleGeneration = errors.New("stale compilation generation")

// CompileError is fatal for one file's run. It is reported as a file-level
// failure and never retried.
type CompileError struct {
	File   string
	Output string
	Err    error
}

func (e *CompileError) Error() string {
	if e.Output != "" {
		return fmt.Sprintf("compile %s: %v\n%s", e.File, e.Err, e.Output)
	}
	return fmt.Sprintf("compile %s: %v", e.File, e.Err)
}

func (e *CompileError) Unwrap() error { return e.Err }

// ValidationError indicates the instrumenter produced a structurally broken
// binary. It is an instrumenter bug, not a user error: fatal, never
// swallowed, never retried.
type ValidationError struct {
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("instrumentation validation: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("instrumentation validation: %s", e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Err }
