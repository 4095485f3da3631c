// Package compiler is the boundary to the external source compiler that
// produces wasm binaries and debug maps. The compiler itself is a black box
// with a file-in/bytes-out contract.
package compiler

import (
	"context"
	"io"

	"github.com/wasmcheck/wasmcheck/model"
)

// Request describes one compilation. Source can be supplied via callback
// and output is captured via writers, so the happy path needs no temp files.
type Request struct {
	// File is the entry source file
	File string
	// Flags are passed through to the compiler
	Flags []string
	// ReadSource, when set, supplies the entry file's content instead of
	// letting the compiler read it from disk
	ReadSource func(path string) ([]byte, error)
	// Stdout and Stderr capture compiler diagnostics; nil discards them
	Stdout, Stderr io.Writer
	// Generation stamps the file's generation at request time onto the
	// result, so the cache can reject results that finish after an
	// invalidation
	Generation uint64
}

// Result is the raw compiler output for one file.
type Result struct {
	Binary   []byte
	DebugMap []byte
	// Lines is the compile-time line table keyed by function name
	Lines model.LineTable
	// Generation copied from the request
	Generation uint64
}

// Compiler turns one source file into a wasm binary plus optional debug map.
type Compiler interface {
	Compile(ctx context.Context, req Request) (*Result, error)
}
