// Package executor discovers tests in a compiled binary and runs each one
// in a brand-new sandbox, so a fatal fault in one test cannot affect any
// other. It also reconciles coverage collection against error-location
// accuracy (see reconcile.go).
package executor

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/wasmcheck/wasmcheck/model"
	"github.com/wasmcheck/wasmcheck/sandbox"
)

// Executor runs tests against one compiled binary through a sandbox factory.
type Executor struct {
	logger  zerolog.Logger
	factory *sandbox.Factory
}

func New(logger zerolog.Logger, factory *sandbox.Factory) *Executor {
	return &Executor{logger: logger, factory: factory}
}

// Discover instantiates a throwaway sandbox, runs the initialization entry
// point so every test block registers itself, and returns the registrations
// in order. The sandbox is discarded afterward and never used for execution.
func (e *Executor) Discover(ctx context.Context) ([]model.DiscoveredTest, error) {
	var tests []model.DiscoveredTest
	hooks := &sandbox.Hooks{
		Register: func(name string, tableIndex uint32) {
			tests = append(tests, model.DiscoveredTest{Name: name, TableIndex: tableIndex})
		},
	}

	inst, err := e.factory.Instantiate(ctx, hooks)
	if err != nil {
		return nil, err
	}
	defer inst.Close(ctx)

	if err := inst.Init(ctx); err != nil {
		return nil, err
	}
	return tests, nil
}

// RunTest executes one test in a fresh sandbox. The returned result is
// always populated; sandbox faults become failures, never Go errors, so a
// crashing test cannot abort its siblings.
func (e *Executor) RunTest(ctx context.Context, t model.DiscoveredTest, withCoverage bool) model.TestResult {
	start := time.Now()
	res := model.TestResult{Name: t.Name}
	hooks := &sandbox.Hooks{Result: &res}
	if withCoverage {
		hooks.Counters = make(model.CoverageCounters)
	}

	inst, err := e.factory.Instantiate(ctx, hooks)
	if err != nil {
		// The sandbox threw before any test code could run.
		res.CrashedDuringInit = true
		res.Error = "sandbox crashed before the test started: " + err.Error()
		res.Duration = time.Since(start)
		return res
	}
	defer inst.Close(ctx)

	// Re-run initialization; re-registration is ignored (Register is nil).
	if err := inst.Init(ctx); err != nil {
		res.CrashedDuringInit = true
		res.Error = "module initialization crashed: " + err.Error()
		res.Duration = time.Since(start)
		return res
	}

	if err := inst.Invoke(ctx, t.TableIndex); err != nil {
		// The trap hook raises synchronously inside the sandbox; by the time
		// the error surfaces here the result already carries the trap
		// payload. Swallow the raise and keep it.
		res.Passed = false
		if res.Trap == nil {
			res.Trap = &model.TrapInfo{Message: err.Error()}
		}
		if res.Error == "" {
			res.Error = res.Trap.Message
		}
	} else {
		res.Passed = true
	}

	if withCoverage {
		res.Coverage = hooks.Counters
	}
	res.Duration = time.Since(start)
	return res
}
