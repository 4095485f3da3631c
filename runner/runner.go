// Package runner wires the whole engine together: one pipeline per source
// file (compile, instrument, discover, execute, reconcile, aggregate), with
// pipelines for different files running concurrently and results reported
// incrementally as each test finishes.
package runner

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/wasmcheck/wasmcheck/cache"
	"github.com/wasmcheck/wasmcheck/compiler"
	"github.com/wasmcheck/wasmcheck/config"
	"github.com/wasmcheck/wasmcheck/coverage"
	"github.com/wasmcheck/wasmcheck/executor"
	"github.com/wasmcheck/wasmcheck/instrument"
	"github.com/wasmcheck/wasmcheck/model"
	"github.com/wasmcheck/wasmcheck/sandbox"
)

// ResultFunc receives each finalized test result as it finishes, never
// batched until the run ends.
type ResultFunc func(file string, res model.TestResult)

type Runner struct {
	logger zerolog.Logger
	cfg    config.Config
	mode   model.Mode

	queue       *compiler.Queue
	passthrough compiler.Compiler
	cache       *cache.Cache
	agg         *coverage.Aggregator
}

func New(logger zerolog.Logger, cfg config.Config) (*Runner, error) {
	mode, err := model.ParseMode(cfg.Mode)
	if err != nil {
		return nil, err
	}
	return &Runner{
		logger:      logger,
		cfg:         cfg,
		mode:        mode,
		queue:       compiler.NewQueue(compiler.NewCommandCompiler(logger, cfg.Compiler)),
		passthrough: compiler.Passthrough{},
		cache:       cache.New(),
		agg:         coverage.NewAggregator(),
	}, nil
}

// Cache exposes the compilation cache so a watching orchestrator can
// invalidate changed files between runs.
func (r *Runner) Cache() *cache.Cache { return r.cache }

// DiscoverTests compiles each file (or reuses the cache) and returns the
// registered tests per file, in registration order.
func (r *Runner) DiscoverTests(ctx context.Context, files []string) (map[string][]model.DiscoveredTest, error) {
	out := make(map[string][]model.DiscoveredTest, len(files))
	for _, file := range files {
		art, err := r.ensureArtifact(ctx, file)
		if err != nil {
			if errors.Is(err, model.ErrStaleGeneration) {
				continue
			}
			return nil, err
		}
		out[file] = art.Tests
	}
	return out, nil
}

// RunTests runs every test in every file. Pipelines for different files run
// concurrently; tests within one file run strictly sequentially. Coverage
// artifacts are written once after all pipelines finish.
func (r *Runner) RunTests(ctx context.Context, files []string, onResult ResultFunc) error {
	g, ctx := errgroup.WithContext(ctx)
	limit := r.cfg.Concurrency
	if limit <= 0 {
		limit = runtime.NumCPU()
	}
	g.SetLimit(limit)

	for _, file := range files {
		g.Go(func() error {
			return r.runFile(ctx, file, onResult)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return r.writeArtifacts()
}

// runFile is one file's pipeline. Failures at or below test granularity are
// reported as results; only compile-granularity failures abort the pipeline.
func (r *Runner) runFile(ctx context.Context, file string, onResult ResultFunc) error {
	emit := func(res model.TestResult) {
		if onResult != nil {
			onResult(file, res)
		}
	}

	art, err := r.ensureArtifact(ctx, file)
	if err != nil {
		switch {
		case errors.Is(err, model.ErrStaleGeneration):
			// Invalidated mid-run; abandoned, not a user error.
			r.logger.Debug().Str("file", file).Msg("Dropping stale pipeline")
			return nil
		case isValidationError(err):
			// An instrumenter bug. Fatal, never swallowed.
			return err
		case errors.Is(err, errDiscover):
			// The sandbox threw before any result record existed; becomes a
			// synthetic failing test, not a file abort.
			emit(model.TestResult{
				Name:              file + " (initialization)",
				CrashedDuringInit: true,
				Error:             err.Error(),
			})
			return nil
		default:
			// Compile failure: fatal for this file's run only, never retried.
			r.logger.Error().Err(err).Str("file", file).Msg("Compilation failed")
			emit(model.TestResult{Name: file + " (compile)", Error: err.Error()})
			return nil
		}
	}

	if len(art.Tests) == 0 {
		r.logger.Info().Str("file", file).Msg("No tests registered")
		return nil
	}

	rec := executor.NewReconciler(r.logger, r.mode)
	results, stats, err := rec.Run(ctx, art, art.Tests, emit)
	if err != nil {
		if isValidationError(err) {
			return err
		}
		// The sandbox threw before any result record existed; synthesize a
		// generic failing test rather than aborting the file.
		emit(model.TestResult{
			Name:              file + " (initialization)",
			CrashedDuringInit: true,
			Error:             err.Error(),
		})
		return nil
	}

	if stats.CleanReruns > 0 {
		r.logger.Debug().
			Str("file", file).
			Int("clean_reruns", stats.CleanReruns).
			Int("disagreements", stats.Disagreements).
			Msg("Failsafe re-runs")
	}

	if r.mode != model.ModeDisabled {
		for _, res := range results {
			if res.Coverage != nil {
				r.agg.Add(file, art.Functions, res.Coverage)
			}
		}
	}
	return nil
}

// ensureArtifact returns the cached artifact for file or compiles,
// instruments and discovers it. The generation is read at request time and
// checked at storage time, so a compile that straddles an invalidation is
// discarded instead of clobbering fresher state.
func (r *Runner) ensureArtifact(ctx context.Context, file string) (*model.CompiledArtifact, error) {
	if art, ok := r.cache.Get(file); ok {
		return art, nil
	}

	gen := r.cache.Generation(file)
	comp := compiler.Compiler(r.queue)
	if strings.HasSuffix(file, ".wasm") {
		comp = r.passthrough
	}
	res, err := comp.Compile(ctx, compiler.Request{File: file, Generation: gen})
	if err != nil {
		return nil, err
	}

	clean, err := instrument.EnsureInvoker(res.Binary)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", file, err)
	}

	art := &model.CompiledArtifact{
		Path:        file,
		CleanBinary: clean,
		DebugMap:    res.DebugMap,
		Generation:  res.Generation,
	}

	if r.mode != model.ModeDisabled {
		instrumented, funcs, err := instrument.Rewrite(clean, res.Lines, instrument.Options{
			ReservedPrefixes: r.cfg.ReservedPrefixes,
		})
		if err != nil {
			return nil, fmt.Errorf("%s: %w", file, err)
		}
		art.InstrumentedBinary = instrumented
		art.Functions = funcs
	}

	if err := r.discoverInto(ctx, art); err != nil {
		return nil, err
	}

	if !r.cache.ValidateAndCache(file, art) {
		return nil, model.ErrStaleGeneration
	}
	return art, nil
}

// errDiscover marks initialization crashes during discovery so runFile can
// turn them into synthetic failing tests.
var errDiscover = errors.New("test discovery failed")

// discoverInto runs discovery on the clean binary and caches the ordered
// test list on the artifact for its generation.
func (r *Runner) discoverInto(ctx context.Context, art *model.CompiledArtifact) error {
	factory, err := sandbox.NewFactory(ctx, r.logger, art.CleanBinary)
	if err != nil {
		return fmt.Errorf("%s: %w: %w", art.Path, errDiscover, err)
	}
	defer factory.Close(ctx)

	tests, err := executor.New(r.logger, factory).Discover(ctx)
	if err != nil {
		return fmt.Errorf("%s: %w: %w", art.Path, errDiscover, err)
	}
	art.Tests = tests
	return nil
}

func isValidationError(err error) bool {
	var verr *model.ValidationError
	return errors.As(err, &verr)
}
