// Package enhance rewrites binary-space trap positions into original source
// locations using the debug map emitted alongside the clean binary.
package enhance

import (
	"fmt"
	"strings"

	"github.com/go-sourcemap/sourcemap"

	"github.com/wasmcheck/wasmcheck/model"
)

// Enhancer resolves generated positions through a parsed debug map. Wasm
// debug maps put every generated position on line 1; the column carries the
// code offset.
type Enhancer struct {
	consumer *sourcemap.Consumer
}

func New(debugMap []byte) (*Enhancer, error) {
	c, err := sourcemap.Parse("", debugMap)
	if err != nil {
		return nil, fmt.Errorf("parse debug map: %w", err)
	}
	return &Enhancer{consumer: c}, nil
}

// Resolve maps one raw frame to a source frame. Frames without a mapping
// (runtime internals) return false and are dropped by callers.
func (e *Enhancer) Resolve(f model.Frame) (model.SourceFrame, bool) {
	source, name, line, col, ok := e.consumer.Source(1, int(f.Offset))
	if !ok || source == "" {
		return model.SourceFrame{}, false
	}
	if name == "" {
		name = fmt.Sprintf("wasm-function[%d]", f.FuncIndex)
	}
	return model.SourceFrame{
		Function: simpleName(name),
		File:     source,
		Line:     line,
		Column:   col,
	}, true
}

// Apply rewrites the failure on res: the message gains the primary source
// location and the binary-space stack is replaced entirely by source frames.
//
// The primary frame is the first mapped frame whose source matches the test
// file under execution; debug-map paths may be rooted differently, so the
// match is by filename suffix. When no frame matches, the first mapped frame
// wins.
func (e *Enhancer) Apply(res *model.TestResult, testFile string) {
	if res.Trap == nil || len(res.Trap.RawStack) == 0 {
		return
	}

	var frames []model.SourceFrame
	primary := -1
	for _, raw := range res.Trap.RawStack {
		sf, ok := e.Resolve(raw)
		if !ok {
			continue
		}
		if primary < 0 && suffixMatch(sf.File, testFile) {
			primary = len(frames)
		}
		frames = append(frames, sf)
	}
	if len(frames) == 0 {
		return
	}
	if primary < 0 {
		primary = 0
	}

	p := frames[primary]
	res.SourceStack = frames
	res.Error = fmt.Sprintf("%s → %s (%s:%d:%d)", res.Trap.Message, p.Function, p.File, p.Line, p.Column)
}

// simpleName strips namespace qualification from a debug-map function name,
// keeping only the trailing simple identifier.
func simpleName(name string) string {
	for _, sep := range []string{"/", "::", ".", "#"} {
		if i := strings.LastIndex(name, sep); i >= 0 {
			name = name[i+len(sep):]
		}
	}
	return name
}

// suffixMatch compares two paths that may be rooted differently.
func suffixMatch(mapPath, testFile string) bool {
	if mapPath == "" || testFile == "" {
		return false
	}
	return strings.HasSuffix(mapPath, testFile) || strings.HasSuffix(testFile, mapPath)
}
