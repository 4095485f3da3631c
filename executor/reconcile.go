package executor

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/wasmcheck/wasmcheck/enhance"
	"github.com/wasmcheck/wasmcheck/model"
	"github.com/wasmcheck/wasmcheck/sandbox"
)

// Reconciler resolves the conflict between "coverage requires
// instrumentation" and "instrumentation can desynchronize trap positions
// from the debug map built for the clean binary". Which binary runs, and
// when a second run happens, depends on the mode.
type Reconciler struct {
	logger zerolog.Logger
	mode   model.Mode
}

// RunStats reports what the reconciler actually did, mostly for tests and
// debug logging.
type RunStats struct {
	// CleanReruns counts single-test re-runs on the clean binary (failsafe)
	CleanReruns int
	// Disagreements counts tests that failed instrumented but passed clean
	Disagreements int
}

func NewReconciler(logger zerolog.Logger, mode model.Mode) *Reconciler {
	return &Reconciler{logger: logger, mode: mode}
}

// Run executes every discovered test under the reconciler's mode. Results
// are finalized (error enhancement, coverage assignment) and handed to
// onResult one at a time as each test finishes; onResult may be nil.
// A clean-binary result is always authoritative and never retried.
func (r *Reconciler) Run(ctx context.Context, art *model.CompiledArtifact, tests []model.DiscoveredTest, onResult func(model.TestResult)) ([]model.TestResult, RunStats, error) {
	var stats RunStats

	var enh *enhance.Enhancer
	if len(art.DebugMap) > 0 {
		var err error
		enh, err = enhance.New(art.DebugMap)
		if err != nil {
			r.logger.Warn().Err(err).Str("file", art.Path).Msg("Failed to parse debug map, locations will be binary-space")
			enh = nil
		}
	}

	finalize := func(res *model.TestResult) {
		if res.Passed || res.Trap == nil {
			return
		}
		if enh != nil {
			enh.Apply(res, art.Path)
			return
		}
		if len(res.Trap.RawStack) > 0 {
			f := res.Trap.RawStack[0]
			res.Error = fmt.Sprintf("%s → wasm-function[%d]:0x%x (no debug map, low-confidence location)",
				res.Trap.Message, f.FuncIndex, f.Offset)
		}
	}

	emit := func(results *[]model.TestResult, res model.TestResult) {
		finalize(&res)
		*results = append(*results, res)
		if onResult != nil {
			onResult(res)
		}
	}

	results := make([]model.TestResult, 0, len(tests))

	switch r.mode {
	case model.ModeDisabled:
		exec, closeF, err := r.executor(ctx, art.CleanBinary)
		if err != nil {
			return nil, stats, err
		}
		defer closeF()
		for _, t := range tests {
			emit(&results, exec.RunTest(ctx, t, false))
		}

	case model.ModeIntegrated:
		// Coverage is cheap and accurate here; trap positions are not
		// guaranteed to match the debug map built for the clean binary.
		exec, closeF, err := r.executor(ctx, art.InstrumentedBinary)
		if err != nil {
			return nil, stats, err
		}
		defer closeF()
		for _, t := range tests {
			emit(&results, exec.RunTest(ctx, t, true))
		}

	case model.ModeDual:
		cleanExec, closeClean, err := r.executor(ctx, art.CleanBinary)
		if err != nil {
			return nil, stats, err
		}
		defer closeClean()
		instExec, closeInst, err := r.executor(ctx, art.InstrumentedBinary)
		if err != nil {
			return nil, stats, err
		}
		defer closeInst()
		for _, t := range tests {
			res := cleanExec.RunTest(ctx, t, false)
			// Separate run purely to harvest counters; its outcome is ignored.
			harvest := instExec.RunTest(ctx, t, true)
			res.Coverage = harvest.Coverage
			emit(&results, res)
		}

	case model.ModeFailsafe:
		instExec, closeInst, err := r.executor(ctx, art.InstrumentedBinary)
		if err != nil {
			return nil, stats, err
		}
		defer closeInst()

		var cleanExec *Executor
		var closeClean func()
		defer func() {
			if closeClean != nil {
				closeClean()
			}
		}()

		for _, t := range tests {
			res := instExec.RunTest(ctx, t, true)
			if !res.Passed {
				if cleanExec == nil {
					cleanExec, closeClean, err = r.executor(ctx, art.CleanBinary)
					if err != nil {
						return results, stats, err
					}
				}
				// Authoritative re-run of this single test; superseded
				// instrumented trap details are discarded.
				stats.CleanReruns++
				cleanRes := cleanExec.RunTest(ctx, t, false)
				cleanRes.Coverage = res.Coverage
				if cleanRes.Passed {
					// An instrumentation-correctness bug; observable, never
					// silently hidden, but not a test failure.
					stats.Disagreements++
					r.logger.Warn().
						Str("test", t.Name).
						Str("instrumented_error", res.Error).
						Msg("Test failed instrumented but passed clean; keeping clean result")
				}
				res = cleanRes
			}
			emit(&results, res)
		}

	default:
		return nil, stats, fmt.Errorf("unknown coverage mode %q", r.mode)
	}

	return results, stats, nil
}

func (r *Reconciler) executor(ctx context.Context, binary []byte) (*Executor, func(), error) {
	if len(binary) == 0 {
		return nil, nil, fmt.Errorf("mode %s requires a binary that was not produced", r.mode)
	}
	factory, err := sandbox.NewFactory(ctx, r.logger, binary)
	if err != nil {
		return nil, nil, err
	}
	return New(r.logger, factory), func() { _ = factory.Close(ctx) }, nil
}
