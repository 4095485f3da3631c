// Package instrument rewrites WebAssembly binaries to report per-function
// coverage counters at function entry, without changing observable behavior
// or renumbering existing functions.
package instrument

import (
	"fmt"
	"strings"

	"github.com/tetratelabs/wabin/binary"
	"github.com/tetratelabs/wabin/leb128"
	"github.com/tetratelabs/wabin/wasm"

	"github.com/wasmcheck/wasmcheck/model"
)

const (
	// DefaultReportModule and DefaultReportName identify the host import the
	// injected prologues call: coverage_report(counterIndex, reserved).
	DefaultReportModule = "env"
	DefaultReportName   = "coverage_report"

	// InvokerExport is the exported trampoline used to invoke a function by
	// its table index. See EnsureInvoker.
	InvokerExport = "__invoke"
)

// Options controls which functions receive counters.
type Options struct {
	// ReservedPrefixes excludes framework and runtime functions by name
	// prefix. Defaults to "__" and "~" when nil.
	ReservedPrefixes []string
	// ReportModule and ReportName override the counter-report import.
	ReportModule string
	ReportName   string
}

func (o *Options) reportImport() (string, string) {
	mod, name := o.ReportModule, o.ReportName
	if mod == "" {
		mod = DefaultReportModule
	}
	if name == "" {
		name = DefaultReportName
	}
	return mod, name
}

func (o *Options) reserved() []string {
	if o.ReservedPrefixes == nil {
		return []string{"__", "~"}
	}
	return o.ReservedPrefixes
}

// Rewrite produces an instrumented copy of the clean binary plus the ordered
// function metadata. The returned metadata slice position is the counter
// index reported at runtime; functions that are skipped (reserved prefix, no
// line metadata) consume no index. The input bytes are never mutated.
//
// Metadata capture and counter injection happen in one traversal, and line
// metadata is keyed by function name, so the metadata index space and the
// counter index space cannot drift apart.
func Rewrite(clean []byte, lines model.LineTable, opts Options) ([]byte, []model.FunctionInfo, error) {
	mod, err := binary.DecodeModule(clean, wasm.CoreFeaturesV2)
	if err != nil {
		return nil, nil, fmt.Errorf("decode module: %w", err)
	}

	reportModule, reportName := opts.reportImport()
	importedFuncs := uint32(0)
	reportIdx := uint32(0)
	haveReport := false
	for _, imp := range mod.ImportSection {
		if imp.Type != wasm.ExternTypeFunc {
			continue
		}
		if imp.Module == reportModule && imp.Name == reportName {
			reportIdx = importedFuncs
			haveReport = true
		}
		importedFuncs++
	}

	if !haveReport {
		typeIdx := ensureType(mod, &wasm.FunctionType{
			Params: []wasm.ValueType{wasm.ValueTypeI32, wasm.ValueTypeI32},
		})
		mod.ImportSection = append(mod.ImportSection, &wasm.Import{
			Module:   reportModule,
			Name:     reportName,
			Type:     wasm.ExternTypeFunc,
			DescFunc: typeIdx,
		})
		// The new import lands at the end of the imported-function index
		// space; every defined function shifts up by one and all references
		// to them must follow.
		reportIdx = importedFuncs
		if err := shiftDefinedFuncs(mod, importedFuncs); err != nil {
			return nil, nil, &model.ValidationError{Reason: "remapping function indices", Err: err}
		}
		importedFuncs++
	}

	names := functionNames(mod)
	reserved := opts.reserved()

	var infos []model.FunctionInfo
	for i, code := range mod.CodeSection {
		name := names[importedFuncs+uint32(i)]
		if name == "" || hasReservedPrefix(name, reserved) {
			continue
		}
		rng, ok := lines[name]
		if !ok {
			continue
		}
		idx := uint32(len(infos))
		infos = append(infos, model.FunctionInfo{
			Name:      name,
			FileIndex: rng.FileIndex,
			StartLine: rng.StartLine,
			EndLine:   rng.EndLine,
		})
		code.Body = append(prologue(idx, reportIdx), code.Body...)
	}

	out := binary.EncodeModule(mod)
	if err := validateRewrite(clean, out); err != nil {
		return nil, nil, err
	}
	return out, infos, nil
}

// prologue encodes: i32.const counterIndex; i32.const 0; call reportIdx.
func prologue(counterIndex, reportIdx uint32) []byte {
	p := []byte{opI32Const}
	p = append(p, leb128.EncodeInt32(int32(counterIndex))...)
	p = append(p, opI32Const, 0x00, opCall)
	return append(p, leb128.EncodeUint32(reportIdx)...)
}

// shiftDefinedFuncs rewrites every reference to a defined function after a
// new import was appended at index insertAt. Imported functions keep their
// indices; defined functions move up by one.
func shiftDefinedFuncs(mod *wasm.Module, insertAt uint32) error {
	remap := func(idx uint32) uint32 {
		if idx >= insertAt {
			return idx + 1
		}
		return idx
	}

	for i, code := range mod.CodeSection {
		body, err := remapFuncIndices(code.Body, remap)
		if err != nil {
			return fmt.Errorf("code[%d]: %w", i, err)
		}
		code.Body = body
	}
	for _, exp := range mod.ExportSection {
		if exp.Type == wasm.ExternTypeFunc {
			exp.Index = remap(exp.Index)
		}
	}
	for _, seg := range mod.ElementSection {
		for _, init := range seg.Init {
			if init != nil {
				*init = remap(*init)
			}
		}
	}
	if mod.StartSection != nil {
		*mod.StartSection = remap(*mod.StartSection)
	}
	for _, g := range mod.GlobalSection {
		if g.Init != nil && g.Init.Opcode == wasm.OpcodeRefFunc {
			idx, _, err := loadUint32(g.Init.Data)
			if err != nil {
				return fmt.Errorf("global ref.func init: %w", err)
			}
			g.Init.Data = leb128.EncodeUint32(remap(idx))
		}
	}
	if ns := mod.NameSection; ns != nil {
		for _, na := range ns.FunctionNames {
			na.Index = remap(na.Index)
		}
		for _, ln := range ns.LocalNames {
			ln.Index = remap(ln.Index)
		}
	}
	return nil
}

// validateRewrite re-decodes the rewritten binary and checks that exports
// and table bindings survived the rewrite by name and shape. A failure here
// is an instrumenter bug: fatal and non-retryable.
func validateRewrite(clean, rewritten []byte) error {
	before, err := binary.DecodeModule(clean, wasm.CoreFeaturesV2)
	if err != nil {
		return &model.ValidationError{Reason: "re-decoding input", Err: err}
	}
	after, err := binary.DecodeModule(rewritten, wasm.CoreFeaturesV2)
	if err != nil {
		return &model.ValidationError{Reason: "re-decoding rewritten binary", Err: err}
	}
	if len(after.CodeSection) != len(before.CodeSection) {
		return &model.ValidationError{Reason: fmt.Sprintf(
			"defined function count changed from %d to %d", len(before.CodeSection), len(after.CodeSection))}
	}
	exports := make(map[string]wasm.ExternType, len(after.ExportSection))
	for _, exp := range after.ExportSection {
		exports[exp.Name] = exp.Type
	}
	for _, exp := range before.ExportSection {
		typ, ok := exports[exp.Name]
		if !ok {
			return &model.ValidationError{Reason: fmt.Sprintf("export %q lost", exp.Name)}
		}
		if typ != exp.Type {
			return &model.ValidationError{Reason: fmt.Sprintf("export %q changed extern type", exp.Name)}
		}
	}
	if len(after.ElementSection) != len(before.ElementSection) {
		return &model.ValidationError{Reason: "element segment count changed"}
	}
	for i, seg := range before.ElementSection {
		if len(after.ElementSection[i].Init) != len(seg.Init) {
			return &model.ValidationError{Reason: fmt.Sprintf("element segment %d changed length", i)}
		}
	}
	return nil
}

// EnsureInvoker appends an exported "__invoke" trampoline performing
// call_indirect through table 0, unless the binary already exports one.
// Appending at the end of the function index space renumbers nothing, so it
// is safe on clean and instrumented binaries alike.
func EnsureInvoker(bin []byte) ([]byte, error) {
	mod, err := binary.DecodeModule(bin, wasm.CoreFeaturesV2)
	if err != nil {
		return nil, fmt.Errorf("decode module: %w", err)
	}
	for _, exp := range mod.ExportSection {
		if exp.Name == InvokerExport {
			return bin, nil
		}
	}

	hasTable := len(mod.TableSection) > 0
	for _, imp := range mod.ImportSection {
		if imp.Type == wasm.ExternTypeTable {
			hasTable = true
		}
	}
	if !hasTable {
		return nil, fmt.Errorf("module has no function table to invoke through")
	}

	voidType := ensureType(mod, &wasm.FunctionType{})
	invokerType := ensureType(mod, &wasm.FunctionType{Params: []wasm.ValueType{wasm.ValueTypeI32}})

	importedFuncs := uint32(0)
	for _, imp := range mod.ImportSection {
		if imp.Type == wasm.ExternTypeFunc {
			importedFuncs++
		}
	}

	body := []byte{0x20, 0x00, opCallIndirect} // local.get 0; call_indirect
	body = append(body, leb128.EncodeUint32(voidType)...)
	body = append(body, 0x00, 0x0b) // table 0; end

	mod.FunctionSection = append(mod.FunctionSection, invokerType)
	mod.CodeSection = append(mod.CodeSection, &wasm.Code{Body: body})
	funcIdx := importedFuncs + uint32(len(mod.FunctionSection)) - 1
	mod.ExportSection = append(mod.ExportSection, &wasm.Export{
		Name:  InvokerExport,
		Type:  wasm.ExternTypeFunc,
		Index: funcIdx,
	})
	if mod.NameSection != nil {
		mod.NameSection.FunctionNames = append(mod.NameSection.FunctionNames,
			&wasm.NameAssoc{Index: funcIdx, Name: InvokerExport})
	}

	out := binary.EncodeModule(mod)
	if _, err := binary.DecodeModule(out, wasm.CoreFeaturesV2); err != nil {
		return nil, &model.ValidationError{Reason: "re-decoding binary after invoker injection", Err: err}
	}
	return out, nil
}

// ensureType returns the index of an identical type in the type section,
// appending it if absent. Appending never shifts existing type indices.
func ensureType(mod *wasm.Module, t *wasm.FunctionType) wasm.Index {
	for i, existing := range mod.TypeSection {
		if sameValueTypes(existing.Params, t.Params) && sameValueTypes(existing.Results, t.Results) {
			return wasm.Index(i)
		}
	}
	mod.TypeSection = append(mod.TypeSection, t)
	return wasm.Index(len(mod.TypeSection) - 1)
}

func sameValueTypes(a, b []wasm.ValueType) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func functionNames(mod *wasm.Module) map[uint32]string {
	names := make(map[uint32]string)
	if mod.NameSection == nil {
		return names
	}
	for _, na := range mod.NameSection.FunctionNames {
		names[na.Index] = na.Name
	}
	return names
}

func hasReservedPrefix(name string, prefixes []string) bool {
	for _, p := range prefixes {
		if p != "" && strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}
