package runner

// This file writes the coverage artifacts produced once per full run.

import (
	"fmt"
	"os"

	"github.com/wasmcheck/wasmcheck/coverage"
	"github.com/wasmcheck/wasmcheck/model"
)

func (r *Runner) writeArtifacts() error {
	if r.mode == model.ModeDisabled {
		return nil
	}
	files := r.agg.Snapshot()
	if len(files) == 0 {
		return nil
	}

	if path := r.cfg.Coverage.LCOV; path != "" {
		if err := r.writeArtifact(path, func(f *os.File) error {
			return coverage.WriteLCOV(f, files)
		}); err != nil {
			return err
		}
	}
	if path := r.cfg.Coverage.Pprof; path != "" {
		if err := r.writeArtifact(path, func(f *os.File) error {
			return coverage.WriteProfile(f, files)
		}); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) writeArtifact(path string, write func(*os.File) error) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	if err := write(f); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}

	if info, err := f.Stat(); err == nil {
		r.logger.Info().
			Str("path", path).
			Int64("size", info.Size()).
			Msg("Coverage artifact written")
	}
	return nil
}
