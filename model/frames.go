package model

import (
	"regexp"
	"strconv"
)

// Trap hooks report stacks as text, one frame per line, with binary-space
// positions rendered the way wasm engines print them:
//
//	at <name> (wasm-function[12]:0x1a3)
//
// Only the function index and code offset are meaningful here; everything
// else on the line is decoration.
var frameRe = regexp.MustCompile(`wasm-function\[(\d+)\]:0x([0-9a-fA-F]+)`)

// ParseFrames extracts binary-space frames from a raw trap stack payload.
// Lines without a recognizable wasm position are ignored.
func ParseFrames(raw string) []Frame {
	matches := frameRe.FindAllStringSubmatch(raw, -1)
	if len(matches) == 0 {
		return nil
	}
	frames := make([]Frame, 0, len(matches))
	for _, m := range matches {
		idx, err := strconv.ParseUint(m[1], 10, 32)
		if err != nil {
			continue
		}
		off, err := strconv.ParseUint(m[2], 16, 32)
		if err != nil {
			continue
		}
		frames = append(frames, Frame{FuncIndex: uint32(idx), Offset: uint32(off)})
	}
	return frames
}
