// Package wasmtest builds small WebAssembly modules in the shape the engine
// expects from the source compiler: registration of each test during
// _initialize, assertion and trap reporting through host imports, and test
// bodies addressable through the function table.
package wasmtest

import (
	"github.com/tetratelabs/wabin/binary"
	"github.com/tetratelabs/wabin/leb128"
	"github.com/tetratelabs/wabin/wasm"

	"github.com/wasmcheck/wasmcheck/model"
)

// Imported function indices inside built modules.
const (
	importAssert   = 0 // env.assert_report(ok)
	importRegister = 1 // env.test_register(namePtr, nameLen, tableIndex)
	importTrap     = 2 // env.trap_report(msgPtr, msgLen, stackPtr, stackLen)
)

// Trap makes a test body report a fatal fault after its assertions ran.
type Trap struct {
	Message string
	// Stack is the raw binary-space stack payload, e.g.
	// "at assert (wasm-function[5]:0x10)"
	Stack string
}

// Test describes one test body in a built module.
type Test struct {
	Name string
	// Asserts is the sequence of assert_report(ok) calls the body makes
	Asserts []bool
	// Trap, when set, raises the trap hook after the assertions
	Trap *Trap
}

// Options tweaks the built module.
type Options struct {
	// InitUnreachable makes _initialize trap immediately
	InitUnreachable bool
}

// Build returns the encoded module plus a compile-time line table keyed by
// test function name, each test spanning ten lines of a pretend source file.
func Build(tests []Test, opts Options) ([]byte, model.LineTable) {
	mod := &wasm.Module{
		TypeSection: []*wasm.FunctionType{
			{}, // ()->()
			{Params: []wasm.ValueType{wasm.ValueTypeI32}},
			{Params: []wasm.ValueType{wasm.ValueTypeI32, wasm.ValueTypeI32, wasm.ValueTypeI32}},
			{Params: []wasm.ValueType{wasm.ValueTypeI32, wasm.ValueTypeI32, wasm.ValueTypeI32, wasm.ValueTypeI32}},
		},
		ImportSection: []*wasm.Import{
			{Module: "env", Name: "assert_report", Type: wasm.ExternTypeFunc, DescFunc: 1},
			{Module: "env", Name: "test_register", Type: wasm.ExternTypeFunc, DescFunc: 2},
			{Module: "env", Name: "trap_report", Type: wasm.ExternTypeFunc, DescFunc: 3},
		},
		MemorySection: &wasm.Memory{Min: 1, Max: 1, IsMaxEncoded: true},
	}

	var data []byte
	str := func(s string) (ptr, length uint32) {
		ptr, length = uint32(len(data)), uint32(len(s))
		data = append(data, s...)
		return ptr, length
	}

	lines := make(model.LineTable, len(tests))
	names := wasm.NameMap{}

	// _initialize registers every test with its table index.
	var init []byte
	if opts.InitUnreachable {
		init = []byte{0x00, 0x0b} // unreachable; end
	} else {
		for i, t := range tests {
			ptr, length := str(t.Name)
			init = append(init, i32Const(int32(ptr))...)
			init = append(init, i32Const(int32(length))...)
			init = append(init, i32Const(int32(i))...)
			init = append(init, call(importRegister)...)
		}
		init = append(init, 0x0b)
	}
	initIdx := uint32(3)
	mod.FunctionSection = append(mod.FunctionSection, 0)
	mod.CodeSection = append(mod.CodeSection, &wasm.Code{Body: init})
	names = append(names, &wasm.NameAssoc{Index: initIdx, Name: "_initialize"})

	elemInit := make([]*wasm.Index, len(tests))
	for i, t := range tests {
		var body []byte
		for _, ok := range t.Asserts {
			v := int32(0)
			if ok {
				v = 1
			}
			body = append(body, i32Const(v)...)
			body = append(body, call(importAssert)...)
		}
		if t.Trap != nil {
			msgPtr, msgLen := str(t.Trap.Message)
			stkPtr, stkLen := str(t.Trap.Stack)
			body = append(body, i32Const(int32(msgPtr))...)
			body = append(body, i32Const(int32(msgLen))...)
			body = append(body, i32Const(int32(stkPtr))...)
			body = append(body, i32Const(int32(stkLen))...)
			body = append(body, call(importTrap)...)
		}
		body = append(body, 0x0b)

		funcIdx := initIdx + 1 + uint32(i)
		mod.FunctionSection = append(mod.FunctionSection, 0)
		mod.CodeSection = append(mod.CodeSection, &wasm.Code{Body: body})
		names = append(names, &wasm.NameAssoc{Index: funcIdx, Name: t.Name})
		idx := funcIdx
		elemInit[i] = &idx

		lines[t.Name] = model.LineRange{FileIndex: 0, StartLine: 10*i + 1, EndLine: 10*i + 9}
	}

	mod.TableSection = []*wasm.Table{{Min: uint32(len(tests)), Type: wasm.RefTypeFuncref}}
	if len(tests) > 0 {
		mod.ElementSection = []*wasm.ElementSegment{{
			OffsetExpr: &wasm.ConstantExpression{Opcode: wasm.OpcodeI32Const, Data: leb128.EncodeInt32(0)},
			Init:       elemInit,
			Type:       wasm.RefTypeFuncref,
			Mode:       wasm.ElementModeActive,
		}}
	}
	if len(data) > 0 {
		mod.DataSection = []*wasm.DataSegment{{
			OffsetExpression: &wasm.ConstantExpression{Opcode: wasm.OpcodeI32Const, Data: leb128.EncodeInt32(0)},
			Init:             data,
		}}
	}
	mod.ExportSection = []*wasm.Export{
		{Name: "memory", Type: wasm.ExternTypeMemory, Index: 0},
		{Name: "_initialize", Type: wasm.ExternTypeFunc, Index: initIdx},
	}
	mod.NameSection = &wasm.NameSection{FunctionNames: names}

	return binary.EncodeModule(mod), lines
}

func i32Const(v int32) []byte {
	return append([]byte{0x41}, leb128.EncodeInt32(v)...)
}

func call(funcIdx uint32) []byte {
	return append([]byte{0x10}, leb128.EncodeUint32(funcIdx)...)
}
