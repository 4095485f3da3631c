// Package sandbox creates isolated virtual-machine instances for single
// test invocations. Every instance has its own linear memory and its own
// callback bindings; none is ever reused or shared. The constant
// per-instance overhead is the cost of strong isolation and is deliberate.
package sandbox

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/wasmcheck/wasmcheck/model"
)

// Hooks is the per-instance mutable state bound to the host imports. Host
// functions resolve it from the call context, so one host module serves
// every instance while each test still writes into its own record.
type Hooks struct {
	// Result receives assertion counts and the trap payload
	Result *model.TestResult
	// Counters receives coverage_report hits; nil when coverage is off
	Counters model.CoverageCounters
	// Register receives test_register callbacks during initialization;
	// nil ignores re-registration (idempotent re-init during execution)
	Register func(name string, tableIndex uint32)
}

type hooksKey struct{}

// WithHooks binds h to the context passed into sandbox calls.
func WithHooks(ctx context.Context, h *Hooks) context.Context {
	return context.WithValue(ctx, hooksKey{}, h)
}

func hooksFrom(ctx context.Context) *Hooks {
	h, _ := ctx.Value(hooksKey{}).(*Hooks)
	return h
}

// trapHalt is panicked by the trap hook to stop execution synchronously.
// Without it the guest would keep running after a fatal fault and could
// incorrectly register success. The panic surfaces as an error from the
// invocation, where the executor swallows it and keeps the populated result.
type trapHalt struct{ message string }

func (t trapHalt) Error() string { return "trap: " + t.message }

// Factory compiles a binary once and stamps out one instance per test.
type Factory struct {
	logger   zerolog.Logger
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
}

// NewFactory compiles the binary inside a dedicated runtime with the host
// import module ("env") registered. Close must be called when the file's
// execution phase is done.
func NewFactory(ctx context.Context, logger zerolog.Logger, binary []byte) (*Factory, error) {
	rt := wazero.NewRuntime(ctx)

	_, err := rt.NewHostModuleBuilder("env").
		NewFunctionBuilder().WithFunc(coverageReport).Export("coverage_report").
		NewFunctionBuilder().WithFunc(assertReport).Export("assert_report").
		NewFunctionBuilder().WithFunc(testRegister).Export("test_register").
		NewFunctionBuilder().WithFunc(trapReport).Export("trap_report").
		Instantiate(ctx)
	if err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("instantiate host module: %w", err)
	}

	compiled, err := rt.CompileModule(ctx, binary)
	if err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("compile module: %w", err)
	}

	return &Factory{logger: logger, runtime: rt, compiled: compiled}, nil
}

// Instantiate creates a fresh instance with fresh memory, bound to h.
func (f *Factory) Instantiate(ctx context.Context, h *Hooks) (*Instance, error) {
	ctx = WithHooks(ctx, h)
	mod, err := f.runtime.InstantiateModule(ctx, f.compiled,
		wazero.NewModuleConfig().WithName("").WithStartFunctions())
	if err != nil {
		return nil, fmt.Errorf("instantiate module: %w", err)
	}
	return &Instance{mod: mod, hooks: h}, nil
}

// Close disposes the runtime and everything instantiated in it.
func (f *Factory) Close(ctx context.Context) error {
	return f.runtime.Close(ctx)
}

// Instance is one disposable sandbox. Use it for a single test, then Close.
type Instance struct {
	mod   api.Module
	hooks *Hooks
}

// Init runs the module's initialization entry point, during which each test
// block registers its name and table index.
func (i *Instance) Init(ctx context.Context) error {
	fn := i.mod.ExportedFunction("_initialize")
	if fn == nil {
		return fmt.Errorf("module exports no _initialize entry point")
	}
	_, err := fn.Call(WithHooks(ctx, i.hooks))
	return err
}

// Invoke calls the function at tableIndex in the module's function table,
// through the injected __invoke trampoline. Table indices are the only
// stable addresses for anonymous test bodies.
func (i *Instance) Invoke(ctx context.Context, tableIndex uint32) error {
	fn := i.mod.ExportedFunction("__invoke")
	if fn == nil {
		return fmt.Errorf("module exports no __invoke trampoline")
	}
	_, err := fn.Call(WithHooks(ctx, i.hooks), uint64(tableIndex))
	return err
}

func (i *Instance) Close(ctx context.Context) error {
	return i.mod.Close(ctx)
}

func coverageReport(ctx context.Context, m api.Module, funcIndex, _ uint32) {
	h := hooksFrom(ctx)
	if h == nil || h.Counters == nil {
		return
	}
	h.Counters[funcIndex]++
}

func assertReport(ctx context.Context, m api.Module, ok uint32) {
	h := hooksFrom(ctx)
	if h == nil || h.Result == nil {
		return
	}
	if ok != 0 {
		h.Result.AssertionsPassed++
	} else {
		h.Result.AssertionsFailed++
	}
}

func testRegister(ctx context.Context, m api.Module, namePtr, nameLen, tableIndex uint32) {
	h := hooksFrom(ctx)
	if h == nil || h.Register == nil {
		return
	}
	h.Register(readString(m, namePtr, nameLen), tableIndex)
}

func trapReport(ctx context.Context, m api.Module, msgPtr, msgLen, stackPtr, stackLen uint32) {
	h := hooksFrom(ctx)
	msg := readString(m, msgPtr, msgLen)
	raw := readString(m, stackPtr, stackLen)
	if h != nil && h.Result != nil {
		h.Result.Trap = &model.TrapInfo{
			Message:  msg,
			RawStack: model.ParseFrames(raw),
		}
	}
	// Halt the sandbox synchronously; returning would let execution continue
	// past a fatal fault.
	panic(trapHalt{message: msg})
}

func readString(m api.Module, ptr, length uint32) string {
	if length == 0 {
		return ""
	}
	buf, ok := m.Memory().Read(ptr, length)
	if !ok {
		return ""
	}
	return string(buf)
}
