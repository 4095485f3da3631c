package runner

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/wasmcheck/wasmcheck/config"
	"github.com/wasmcheck/wasmcheck/internal/wasmtest"
	"github.com/wasmcheck/wasmcheck/model"
)

// writeFixture drops a precompiled test module with its sidecars into dir,
// exercising the passthrough path end to end.
func writeFixture(t *testing.T, dir, name string, tests []wasmtest.Test, opts wasmtest.Options) string {
	t.Helper()

	bin, lines := wasmtest.Build(tests, opts)
	file := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(file, bin, 0o644))

	meta, err := json.Marshal(lines)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(file+".meta.json", meta, 0o644))

	debugMap := wasmtest.SourceMap(
		[]string{name},
		[]string{"boom"},
		[]wasmtest.Mapping{{GenCol: 0x30, Source: 0, Line: 11, Col: 2, Name: 0}},
	)
	require.NoError(t, os.WriteFile(file+".map", debugMap, 0o644))
	return file
}

// collectResults is safe for concurrent pipelines; the map is only read
// after RunTests returns.
func collectResults() (ResultFunc, map[string][]model.TestResult) {
	var mu sync.Mutex
	byFile := make(map[string][]model.TestResult)
	return func(file string, res model.TestResult) {
		mu.Lock()
		defer mu.Unlock()
		byFile[file] = append(byFile[file], res)
	}, byFile
}

func TestRunTestsFailsafe(t *testing.T) {
	dir := t.TempDir()
	file := writeFixture(t, dir, "math.wasm", []wasmtest.Test{
		{Name: "sum", Asserts: []bool{true}},
		{Name: "boom", Asserts: []bool{true}, Trap: &wasmtest.Trap{
			Message: "unreachable executed",
			Stack:   "at boom (wasm-function[5]:0x30)",
		}},
		{Name: "prod", Asserts: []bool{true, true}},
	}, wasmtest.Options{})

	cfg := config.Default()
	cfg.Coverage.LCOV = filepath.Join(dir, "cov.lcov")

	r, err := New(zerolog.Nop(), cfg)
	require.NoError(t, err)

	onResult, byFile := collectResults()
	require.NoError(t, r.RunTests(context.Background(), []string{file}, onResult))

	results := byFile[file]
	require.Len(t, results, 3)
	require.True(t, results[0].Passed)
	require.False(t, results[1].Passed)
	require.True(t, results[2].Passed)
	require.Contains(t, results[1].Error, "unreachable executed")
	// The failing test's location came through the debug map sidecar.
	require.Contains(t, results[1].Error, "math.wasm:12:2")

	lcov, err := os.ReadFile(cfg.Coverage.LCOV)
	require.NoError(t, err)
	require.Contains(t, string(lcov), "SF:"+file)
	require.Contains(t, string(lcov), "FN:1,sum\n")
	require.Contains(t, string(lcov), "FNDA:1,boom\n")
	require.Contains(t, string(lcov), "FNF:3\n")
	require.Contains(t, string(lcov), "FNH:3\n")
}

func TestRunTestsDisabledWritesNoArtifacts(t *testing.T) {
	dir := t.TempDir()
	file := writeFixture(t, dir, "math.wasm", []wasmtest.Test{
		{Name: "sum", Asserts: []bool{true}},
	}, wasmtest.Options{})

	cfg := config.Default()
	cfg.Mode = string(model.ModeDisabled)
	cfg.Coverage.LCOV = filepath.Join(dir, "cov.lcov")

	r, err := New(zerolog.Nop(), cfg)
	require.NoError(t, err)

	onResult, byFile := collectResults()
	require.NoError(t, r.RunTests(context.Background(), []string{file}, onResult))
	require.Len(t, byFile[file], 1)
	require.True(t, byFile[file][0].Passed)

	_, err = os.Stat(cfg.Coverage.LCOV)
	require.True(t, os.IsNotExist(err))
}

func TestRunTestsCompileFailureDoesNotAbortSiblings(t *testing.T) {
	dir := t.TempDir()
	good := writeFixture(t, dir, "good.wasm", []wasmtest.Test{
		{Name: "sum", Asserts: []bool{true}},
	}, wasmtest.Options{})
	bad := filepath.Join(dir, "broken.src")

	cfg := config.Default()
	cfg.Coverage.LCOV = filepath.Join(dir, "cov.lcov")
	cfg.Compiler = []string{"sh", "-c", "echo 'syntax error' >&2; exit 1"}

	r, err := New(zerolog.Nop(), cfg)
	require.NoError(t, err)

	onResult, byFile := collectResults()
	require.NoError(t, r.RunTests(context.Background(), []string{bad, good}, onResult))

	// The broken file surfaces as one synthetic failing result.
	require.Len(t, byFile[bad], 1)
	require.False(t, byFile[bad][0].Passed)
	require.Contains(t, byFile[bad][0].Name, "(compile)")

	// Its sibling still ran normally.
	require.Len(t, byFile[good], 1)
	require.True(t, byFile[good][0].Passed)
}

func TestRunTestsInitCrashBecomesSyntheticResult(t *testing.T) {
	dir := t.TempDir()
	file := writeFixture(t, dir, "crash.wasm", []wasmtest.Test{
		{Name: "never", Asserts: []bool{true}},
	}, wasmtest.Options{InitUnreachable: true})

	cfg := config.Default()
	cfg.Coverage.LCOV = filepath.Join(dir, "cov.lcov")

	r, err := New(zerolog.Nop(), cfg)
	require.NoError(t, err)

	onResult, byFile := collectResults()
	require.NoError(t, r.RunTests(context.Background(), []string{file}, onResult))

	require.Len(t, byFile[file], 1)
	require.True(t, byFile[file][0].CrashedDuringInit)
	require.Contains(t, byFile[file][0].Name, "(initialization)")
}

func TestDiscoverTests(t *testing.T) {
	dir := t.TempDir()
	file := writeFixture(t, dir, "math.wasm", []wasmtest.Test{
		{Name: "sum", Asserts: []bool{true}},
		{Name: "diff", Asserts: []bool{true}},
	}, wasmtest.Options{})

	cfg := config.Default()
	cfg.Mode = string(model.ModeDisabled)

	r, err := New(zerolog.Nop(), cfg)
	require.NoError(t, err)

	tests, err := r.DiscoverTests(context.Background(), []string{file})
	require.NoError(t, err)
	require.Equal(t, []model.DiscoveredTest{
		{Name: "sum", TableIndex: 0},
		{Name: "diff", TableIndex: 1},
	}, tests[file])

	// The artifact is cached after discovery.
	_, ok := r.Cache().Get(file)
	require.True(t, ok)
}

func TestRunTestsInvalidatedFileRecompiles(t *testing.T) {
	dir := t.TempDir()
	file := writeFixture(t, dir, "math.wasm", []wasmtest.Test{
		{Name: "sum", Asserts: []bool{true}},
	}, wasmtest.Options{})

	cfg := config.Default()
	cfg.Coverage.LCOV = filepath.Join(dir, "cov.lcov")

	r, err := New(zerolog.Nop(), cfg)
	require.NoError(t, err)

	require.NoError(t, r.RunTests(context.Background(), []string{file}, nil))
	art1, ok := r.Cache().Get(file)
	require.True(t, ok)

	r.Cache().Invalidate(file)
	_, ok = r.Cache().Get(file)
	require.False(t, ok)

	require.NoError(t, r.RunTests(context.Background(), []string{file}, nil))
	art2, ok := r.Cache().Get(file)
	require.True(t, ok)
	require.Greater(t, art2.Generation, art1.Generation)
}
