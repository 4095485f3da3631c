package model

import (
	"fmt"
	"strings"
	"time"
)

// Mode selects the coverage reconciliation strategy.
type Mode string

const (
	// ModeDisabled runs only the clean binary: no coverage, correct trap mapping.
	ModeDisabled Mode = "disabled"
	// ModeIntegrated runs only the instrumented binary: cheap coverage, trap
	// positions not guaranteed to match the debug map.
	ModeIntegrated Mode = "integrated"
	// ModeDual runs every test on both binaries: authoritative outcomes from
	// the clean run, counters harvested from the instrumented run.
	ModeDual Mode = "dual"
	// ModeFailsafe runs the instrumented binary and re-runs only failing
	// tests on the clean binary for an authoritative, correctly mapped error.
	ModeFailsafe Mode = "failsafe"
)

// ParseMode converts a flag or config value into a Mode.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(s)) {
	case ModeDisabled, ModeIntegrated, ModeDual, ModeFailsafe:
		return Mode(strings.ToLower(s)), nil
	}
	return "", fmt.Errorf("unknown coverage mode %q (want disabled, integrated, dual or failsafe)", s)
}

// Frame is one binary-space stack frame captured by the trap hook.
type Frame struct {
	// FuncIndex is the wasm function index as rendered by the runtime
	FuncIndex uint32 `json:"func_index"`
	// Offset is the code offset used as the generated column in the debug map
	Offset uint32 `json:"offset"`
}

// TrapInfo carries the raw trap payload reported from inside the sandbox.
type TrapInfo struct {
	Message  string  `json:"message"`
	RawStack []Frame `json:"raw_stack,omitempty"`
}

// SourceFrame is a trap frame resolved to an original source position.
type SourceFrame struct {
	Function string `json:"function"`
	File     string `json:"file"`
	Line     int    `json:"line"`
	Column   int    `json:"column"`
}

// String renders the frame the way it appears in enhanced stacks.
func (f SourceFrame) String() string {
	return fmt.Sprintf("at %s (%s:%d:%d)", f.Function, f.File, f.Line, f.Column)
}

// TestResult is the outcome of one test execution. It is created at test
// start, mutated by sandbox-bound callbacks while the test runs, finalized
// after the sandbox completes, and discarded after reporting.
type TestResult struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	// Error is the user-facing failure message, rewritten by the enhancer
	// when a debug map is available
	Error string `json:"error,omitempty"`
	// AssertionsPassed and AssertionsFailed count assert_report callbacks
	AssertionsPassed int `json:"assertions_passed"`
	AssertionsFailed int `json:"assertions_failed"`
	// Trap is the raw binary-space trap payload, nil on pass
	Trap *TrapInfo `json:"trap,omitempty"`
	// SourceStack replaces the binary-space stack after enhancement
	SourceStack []SourceFrame `json:"source_stack,omitempty"`
	// Coverage holds the per-test counters from the instrumented run
	Coverage CoverageCounters `json:"-"`
	// CrashedDuringInit marks a synthetic failure from before any test code ran
	CrashedDuringInit bool `json:"crashed_during_init,omitempty"`
	// Duration of the test invocation
	Duration time.Duration `json:"duration"`
}
