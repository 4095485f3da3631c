package cli

// This file contains the run and discover command actions: configuration
// overlay, runner setup and incremental per-test reporting.

import (
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/wasmcheck/wasmcheck/config"
	"github.com/wasmcheck/wasmcheck/model"
	"github.com/wasmcheck/wasmcheck/runner"
)

func (a *App) run(ctx *cli.Context) error {
	files := ctx.Args().Slice()
	if len(files) == 0 {
		return fmt.Errorf("no test files specified")
	}

	cfg, err := a.loadConfig(ctx)
	if err != nil {
		return err
	}
	if mode := ctx.String("mode"); mode != "" {
		cfg.Mode = mode
	}
	if lcov := ctx.String("lcov"); lcov != "" {
		cfg.Coverage.LCOV = lcov
	}
	if pprof := ctx.String("pprof"); pprof != "" {
		cfg.Coverage.Pprof = pprof
	}
	if n := ctx.Int("concurrency"); n > 0 {
		cfg.Concurrency = n
	}

	r, err := runner.New(a.logger, cfg)
	if err != nil {
		return err
	}

	passed, failed := 0, 0
	err = r.RunTests(ctx.Context, files, func(file string, res model.TestResult) {
		if res.Passed {
			passed++
			fmt.Printf("PASS %s :: %s (%s)\n", file, res.Name, res.Duration.Round(time.Microsecond))
			return
		}
		failed++
		fmt.Printf("FAIL %s :: %s (%s)\n", file, res.Name, res.Duration.Round(time.Microsecond))
		if res.Error != "" {
			fmt.Printf("     %s\n", res.Error)
		}
		for _, frame := range res.SourceStack {
			fmt.Printf("       %s\n", frame)
		}
	})
	if err != nil {
		return err
	}

	a.logger.Info().Int("passed", passed).Int("failed", failed).Msg("Run complete")
	if failed > 0 {
		return fmt.Errorf("%d of %d tests failed", failed, passed+failed)
	}
	return nil
}

func (a *App) discover(ctx *cli.Context) error {
	files := ctx.Args().Slice()
	if len(files) == 0 {
		return fmt.Errorf("no test files specified")
	}

	cfg, err := a.loadConfig(ctx)
	if err != nil {
		return err
	}
	// Discovery runs the clean binary only.
	cfg.Mode = string(model.ModeDisabled)

	r, err := runner.New(a.logger, cfg)
	if err != nil {
		return err
	}

	tests, err := r.DiscoverTests(ctx.Context, files)
	if err != nil {
		return err
	}
	for _, file := range files {
		for _, t := range tests[file] {
			fmt.Printf("%s :: %s (table index %d)\n", file, t.Name, t.TableIndex)
		}
	}
	return nil
}

func (a *App) loadConfig(ctx *cli.Context) (config.Config, error) {
	cfg := config.Default()
	if path := ctx.String("config"); path != "" {
		var err error
		cfg, err = config.Load(path)
		if err != nil && !os.IsNotExist(err) {
			return cfg, err
		}
	}
	if cmd := ctx.StringSlice("compiler"); len(cmd) > 0 {
		cfg.Compiler = cmd
	}
	if prefixes := ctx.StringSlice("reserved-prefix"); len(prefixes) > 0 {
		cfg.ReservedPrefixes = prefixes
	}
	return cfg, nil
}
