package compiler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"al.essio.dev/pkg/shellescape"
	"github.com/rs/zerolog"

	"github.com/wasmcheck/wasmcheck/model"
)

// CommandCompiler invokes an external compiler subprocess. The binary is
// captured from stdout; when ReadSource is set the source is fed on stdin.
// A debug map and line-table sidecar are picked up from "<file>.map" and
// "<file>.meta.json" when the compiler wrote them.
type CommandCompiler struct {
	logger zerolog.Logger
	// Command is the argv prefix, e.g. ["wsc", "--target=wasm"]
	command []string
}

func NewCommandCompiler(logger zerolog.Logger, command []string) *CommandCompiler {
	return &CommandCompiler{logger: logger, command: command}
}

func (c *CommandCompiler) Compile(ctx context.Context, req Request) (*Result, error) {
	if len(c.command) == 0 {
		return nil, &model.CompileError{File: req.File, Err: fmt.Errorf("no compiler command configured")}
	}

	args := append(append([]string{}, c.command[1:]...), req.Flags...)
	args = append(args, req.File)
	cmd := exec.CommandContext(ctx, c.command[0], args...)

	c.logger.Debug().
		Str("file", req.File).
		Str("command", shellescape.QuoteCommand(append([]string{c.command[0]}, args...))).
		Msg("Compiling")

	if req.ReadSource != nil {
		src, err := req.ReadSource(req.File)
		if err != nil {
			return nil, &model.CompileError{File: req.File, Err: fmt.Errorf("read source: %w", err)}
		}
		cmd.Stdin = bytes.NewReader(src)
	}

	// The wasm binary arrives on stdout; diagnostics go to the caller's
	// writers and are kept for the error message.
	var binBuf, errBuf bytes.Buffer
	cmd.Stdout = &binBuf
	if req.Stdout != nil {
		cmd.Stdout = io.MultiWriter(&binBuf, req.Stdout)
	}
	cmd.Stderr = &errBuf
	if req.Stderr != nil {
		cmd.Stderr = io.MultiWriter(&errBuf, req.Stderr)
	}

	if err := cmd.Run(); err != nil {
		return nil, &model.CompileError{
			File:   req.File,
			Output: strings.TrimSpace(errBuf.String()),
			Err:    err,
		}
	}

	res := &Result{Binary: binBuf.Bytes(), Generation: req.Generation}
	loadSidecars(req.File, res)
	return res, nil
}

// Passthrough serves precompiled ".wasm" inputs: the binary is read as-is
// and sidecar files provide the debug map and line table.
type Passthrough struct{}

func (Passthrough) Compile(ctx context.Context, req Request) (*Result, error) {
	read := req.ReadSource
	if read == nil {
		read = os.ReadFile
	}
	bin, err := read(req.File)
	if err != nil {
		return nil, &model.CompileError{File: req.File, Err: err}
	}
	res := &Result{Binary: bin, Generation: req.Generation}
	loadSidecars(req.File, res)
	return res, nil
}

// loadSidecars fills in the debug map and line table from files the
// compiler may have written next to the entry file. Both are optional.
func loadSidecars(file string, res *Result) {
	if m, err := os.ReadFile(file + ".map"); err == nil {
		res.DebugMap = m
	}
	if meta, err := os.ReadFile(file + ".meta.json"); err == nil {
		var lines model.LineTable
		if err := json.Unmarshal(meta, &lines); err == nil {
			res.Lines = lines
		}
	}
}
