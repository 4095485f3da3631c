package instrument

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tetratelabs/wabin/binary"
	"github.com/tetratelabs/wabin/wasm"

	"github.com/wasmcheck/wasmcheck/internal/wasmtest"
	"github.com/wasmcheck/wasmcheck/model"
)

// fiveFuncModule has 5 functions: 2 imports, then defined "alpha",
// "__internal" (reserved) and "beta". alpha calls import 0 and beta, so the
// remap after the coverage import is inserted is observable.
func fiveFuncModule() []byte {
	mod := &wasm.Module{
		TypeSection: []*wasm.FunctionType{{}},
		ImportSection: []*wasm.Import{
			{Module: "env", Name: "foo", Type: wasm.ExternTypeFunc, DescFunc: 0},
			{Module: "env", Name: "bar", Type: wasm.ExternTypeFunc, DescFunc: 0},
		},
		FunctionSection: []wasm.Index{0, 0, 0},
		CodeSection: []*wasm.Code{
			{Body: []byte{0x10, 0x00, 0x10, 0x04, 0x0b}}, // alpha: call foo; call beta
			{Body: []byte{0x0b}},                         // __internal
			{Body: []byte{0x0b}},                         // beta
		},
		TableSection: []*wasm.Table{{Min: 1, Type: wasm.RefTypeFuncref}},
		ElementSection: []*wasm.ElementSegment{{
			OffsetExpr: &wasm.ConstantExpression{Opcode: wasm.OpcodeI32Const, Data: []byte{0x00}},
			Init:       []*wasm.Index{idx(4)},
			Type:       wasm.RefTypeFuncref,
			Mode:       wasm.ElementModeActive,
		}},
		ExportSection: []*wasm.Export{
			{Name: "beta", Type: wasm.ExternTypeFunc, Index: 4},
		},
		NameSection: &wasm.NameSection{FunctionNames: wasm.NameMap{
			{Index: 2, Name: "alpha"},
			{Index: 3, Name: "__internal"},
			{Index: 4, Name: "beta"},
		}},
	}
	return binary.EncodeModule(mod)
}

func idx(v uint32) *wasm.Index {
	i := wasm.Index(v)
	return &i
}

func fiveFuncLines() model.LineTable {
	return model.LineTable{
		"alpha":      {FileIndex: 0, StartLine: 1, EndLine: 3},
		"__internal": {FileIndex: 0, StartLine: 4, EndLine: 4},
		"beta":       {FileIndex: 0, StartLine: 5, EndLine: 8},
	}
}

func TestRewriteSkipsImportsAndReserved(t *testing.T) {
	clean := fiveFuncModule()

	out, infos, err := Rewrite(clean, fiveFuncLines(), Options{})
	require.NoError(t, err)

	// 5 functions, 2 imports, 1 reserved: exactly 2 instrumented, indices
	// 0 and 1 in declaration order.
	require.Len(t, infos, 2)
	require.Equal(t, "alpha", infos[0].Name)
	require.Equal(t, "beta", infos[1].Name)
	require.Equal(t, 1, infos[0].StartLine)
	require.Equal(t, 5, infos[1].StartLine)

	mod, err := binary.DecodeModule(out, wasm.CoreFeaturesV2)
	require.NoError(t, err)

	// The coverage import was appended after the existing function imports.
	require.Len(t, mod.ImportSection, 3)
	require.Equal(t, DefaultReportName, mod.ImportSection[2].Name)

	// alpha: prologue (counter 0, report import at index 2), then the
	// original body with the call to beta remapped from 4 to 5.
	require.Equal(t,
		[]byte{0x41, 0x00, 0x41, 0x00, 0x10, 0x02, 0x10, 0x00, 0x10, 0x05, 0x0b},
		mod.CodeSection[0].Body)

	// __internal: untouched.
	require.Equal(t, []byte{0x0b}, mod.CodeSection[1].Body)

	// beta: prologue with counter 1 only.
	require.Equal(t,
		[]byte{0x41, 0x01, 0x41, 0x00, 0x10, 0x02, 0x0b},
		mod.CodeSection[2].Body)

	// Export and element references follow the shift.
	require.Equal(t, wasm.Index(5), mod.ExportSection[0].Index)
	require.Equal(t, wasm.Index(5), *mod.ElementSection[0].Init[0])
}

func TestRewriteDeterministic(t *testing.T) {
	clean := fiveFuncModule()
	lines := fiveFuncLines()

	out1, infos1, err := Rewrite(clean, lines, Options{})
	require.NoError(t, err)
	out2, infos2, err := Rewrite(clean, lines, Options{})
	require.NoError(t, err)

	require.True(t, bytes.Equal(out1, out2))
	require.Equal(t, infos1, infos2)
}

func TestRewriteDoesNotMutateInput(t *testing.T) {
	clean := fiveFuncModule()
	orig := append([]byte(nil), clean...)

	_, _, err := Rewrite(clean, fiveFuncLines(), Options{})
	require.NoError(t, err)
	require.Equal(t, orig, clean)
}

func TestRewriteSkipsFunctionsWithoutLineMetadata(t *testing.T) {
	clean := fiveFuncModule()

	out, infos, err := Rewrite(clean, model.LineTable{
		"beta": {FileIndex: 0, StartLine: 5, EndLine: 8},
	}, Options{})
	require.NoError(t, err)

	require.Len(t, infos, 1)
	require.Equal(t, "beta", infos[0].Name)

	mod, err := binary.DecodeModule(out, wasm.CoreFeaturesV2)
	require.NoError(t, err)
	// beta holds counter index 0 now; alpha only got its call remapped.
	require.Equal(t, []byte{0x41, 0x00, 0x41, 0x00, 0x10, 0x02, 0x0b}, mod.CodeSection[2].Body)
	require.Equal(t, []byte{0x10, 0x00, 0x10, 0x05, 0x0b}, mod.CodeSection[0].Body)
}

func TestRewriteExistingReportImport(t *testing.T) {
	clean := fiveFuncModule()

	// First rewrite adds the import; rewriting that output again must reuse
	// it without shifting anything.
	once, _, err := Rewrite(clean, fiveFuncLines(), Options{})
	require.NoError(t, err)

	twice, infos, err := Rewrite(once, fiveFuncLines(), Options{})
	require.NoError(t, err)
	require.Len(t, infos, 2)

	mod, err := binary.DecodeModule(twice, wasm.CoreFeaturesV2)
	require.NoError(t, err)
	require.Len(t, mod.ImportSection, 3)
	// Double prologue on alpha, but call targets unchanged from the first pass.
	require.Equal(t,
		[]byte{0x41, 0x00, 0x41, 0x00, 0x10, 0x02, 0x41, 0x00, 0x41, 0x00, 0x10, 0x02, 0x10, 0x00, 0x10, 0x05, 0x0b},
		mod.CodeSection[0].Body)
}

func TestRewriteTestModuleFixture(t *testing.T) {
	bin, lines := wasmtest.Build([]wasmtest.Test{
		{Name: "first", Asserts: []bool{true}},
		{Name: "second", Asserts: []bool{false}},
	}, wasmtest.Options{})

	out, infos, err := Rewrite(bin, lines, Options{})
	require.NoError(t, err)
	require.Len(t, infos, 2)
	require.Equal(t, "first", infos[0].Name)
	require.Equal(t, "second", infos[1].Name)

	mod, err := binary.DecodeModule(out, wasm.CoreFeaturesV2)
	require.NoError(t, err)
	// The fixture's table entries pointed at defined functions; all of them
	// must have shifted with the new import.
	for _, init := range mod.ElementSection[0].Init {
		require.GreaterOrEqual(t, *init, wasm.Index(5))
	}
}

func TestEnsureInvoker(t *testing.T) {
	bin, _ := wasmtest.Build([]wasmtest.Test{{Name: "only", Asserts: []bool{true}}}, wasmtest.Options{})

	out, err := EnsureInvoker(bin)
	require.NoError(t, err)

	mod, err := binary.DecodeModule(out, wasm.CoreFeaturesV2)
	require.NoError(t, err)
	found := false
	for _, exp := range mod.ExportSection {
		if exp.Name == InvokerExport && exp.Type == wasm.ExternTypeFunc {
			found = true
		}
	}
	require.True(t, found)

	// Idempotent: a module that already exports the trampoline is returned
	// unchanged.
	again, err := EnsureInvoker(out)
	require.NoError(t, err)
	require.True(t, bytes.Equal(out, again))
}

func TestEnsureInvokerNoTable(t *testing.T) {
	mod := &wasm.Module{
		TypeSection:     []*wasm.FunctionType{{}},
		FunctionSection: []wasm.Index{0},
		CodeSection:     []*wasm.Code{{Body: []byte{0x0b}}},
	}
	_, err := EnsureInvoker(binary.EncodeModule(mod))
	require.Error(t, err)
}
