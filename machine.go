package meow

import (
	"fmt"
	"os"

	"github.com/dolthub/swiss"
	"go.uber.org/zap"
)

// === Machine: the VM facade ===
//
// Owns the execution context, the heap, the module manager and the native
// registries, and drives the interpreter. Single-threaded by design: the
// dispatch loop is the only executor and natives run on its thread.

// Config carries the VM tunables. The core reads no environment variables;
// embedders adjust these through MachineOptions.
type Config struct {
	StackSlots      int
	MaxFrames       int
	ArenaBlockSize  int
	GCThreshold     int64
	OldGenThreshold int64
	EnableJIT       bool
}

// DefaultConfig returns the standard sizing.
func DefaultConfig() Config {
	return Config{
		StackSlots:      65536,
		MaxFrames:       2048,
		ArenaBlockSize:  64 * 1024,
		GCThreshold:     1 << 17,
		OldGenThreshold: 4096,
	}
}

// MachineOption adjusts a Machine under construction.
type MachineOption func(*Machine)

// WithLogger installs a structured logger (default: no-op).
func WithLogger(log *zap.Logger) MachineOption {
	return func(m *Machine) { m.log = log }
}

// WithConfig replaces the default tunables.
func WithConfig(cfg Config) MachineOption {
	return func(m *Machine) { m.cfg = cfg }
}

// WithLoader installs the external module loader.
func WithLoader(loader LoaderFunc) MachineOption {
	return func(m *Machine) { m.loaderOpt = loader }
}

// WithJIT toggles template compilation of whitelisted protos.
func WithJIT(enabled bool) MachineOption {
	return func(m *Machine) { m.cfg.EnableJIT = enabled }
}

// NativeFn is the native function ABI: (machine, argc, argv) → Value.
// Natives may allocate through the heap (which can collect) and must not
// retain raw object pointers across allocation calls. An error recorded on
// the machine behaves as if THROW fired at the call site.
type NativeFn func(m *Machine, argc int, args []Value) Value

// NativeRegistry is an ordered name → native-value table. The primitive
// method caches store registry indices, so registration order is part of
// the cache contract.
type NativeRegistry struct {
	byName  *swiss.Map[*String, uint32]
	entries []Value
}

// NewNativeRegistry returns an empty registry.
func NewNativeRegistry() *NativeRegistry {
	return &NativeRegistry{byName: swiss.NewMap[*String, uint32](8)}
}

// Register adds or replaces name.
func (r *NativeRegistry) Register(name *String, fn Value) {
	if idx, ok := r.byName.Get(name); ok {
		r.entries[idx] = fn
		return
	}
	r.byName.Put(name, uint32(len(r.entries)))
	r.entries = append(r.entries, fn)
}

// Resolve returns name's index.
func (r *NativeRegistry) Resolve(name *String) (uint32, bool) {
	return r.byName.Get(name)
}

// At returns the entry at idx.
func (r *NativeRegistry) At(idx uint32) Value { return r.entries[idx] }

// Machine is the virtual machine.
type Machine struct {
	cfg Config
	log *zap.Logger

	ctx     *ExecutionContext
	heap    *Heap
	modules *ModuleManager

	natives []NativeFn

	arrayLib  *NativeRegistry
	stringLib *NativeRegistry
	objectLib *NativeRegistry

	strInit   *String
	strLength *String

	hasError     bool
	errorMessage string

	loaderOpt LoaderFunc

	steps int64
}

// NewMachine builds a machine with default sizing, applying opts.
func NewMachine(opts ...MachineOption) *Machine {
	m := &Machine{
		cfg: DefaultConfig(),
		log: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}

	m.heap = NewHeap(m.cfg, m.log)
	m.ctx = NewExecutionContext(m.cfg)
	m.modules = NewModuleManager(m, m.heap, m.log)
	m.heap.gc.attachRoots(m.ctx, m.modules)
	if m.loaderOpt != nil {
		m.modules.SetLoader(m.loaderOpt)
	}

	m.arrayLib = NewNativeRegistry()
	m.stringLib = NewNativeRegistry()
	m.objectLib = NewNativeRegistry()

	m.strInit = m.heap.NewString("init")
	m.strLength = m.heap.NewString("length")
	return m
}

// Heap exposes the memory manager.
func (m *Machine) Heap() *Heap { return m.heap }

// Context exposes the execution context.
func (m *Machine) Context() *ExecutionContext { return m.ctx }

// Modules exposes the module manager.
func (m *Machine) Modules() *ModuleManager { return m.modules }

// Logger returns the machine's logger.
func (m *Machine) Logger() *zap.Logger { return m.log }

// === Native registries ===

// RegisterNative adds fn to the machine-wide table and returns its boxed
// native value.
func (m *Machine) RegisterNative(fn NativeFn) Value {
	m.natives = append(m.natives, fn)
	return Native(uint32(len(m.natives) - 1))
}

func (m *Machine) nativeAt(idx uint32) NativeFn {
	if int(idx) >= len(m.natives) {
		return nil
	}
	return m.natives[idx]
}

// ArrayLib returns the array primitive-method registry.
func (m *Machine) ArrayLib() *NativeRegistry { return m.arrayLib }

// StringLib returns the string primitive-method registry.
func (m *Machine) StringLib() *NativeRegistry { return m.stringLib }

// ObjectLib returns the hash-table primitive-method registry.
func (m *Machine) ObjectLib() *NativeRegistry { return m.objectLib }

// RegisterArrayMethod wires a native array method.
func (m *Machine) RegisterArrayMethod(name string, fn NativeFn) {
	m.arrayLib.Register(m.heap.NewString(name), m.RegisterNative(fn))
}

// RegisterStringMethod wires a native string method.
func (m *Machine) RegisterStringMethod(name string, fn NativeFn) {
	m.stringLib.Register(m.heap.NewString(name), m.RegisterNative(fn))
}

// RegisterObjectMethod wires a native hash-table method.
func (m *Machine) RegisterObjectMethod(name string, fn NativeFn) {
	m.objectLib.Register(m.heap.NewString(name), m.RegisterNative(fn))
}

// primitiveLib selects the method registry for a primitive receiver.
func (m *Machine) primitiveLib(v Value) *NativeRegistry {
	switch {
	case v.IsArray():
		return m.arrayLib
	case v.IsString():
		return m.stringLib
	case v.IsHashTable():
		return m.objectLib
	default:
		return nil
	}
}

// === Error state (native ABI) ===

// Error records a runtime error for the active native call.
func (m *Machine) Error(message string) {
	m.hasError = true
	m.errorMessage = message
}

// Errorf records a formatted runtime error.
func (m *Machine) Errorf(format string, args ...any) {
	m.Error(fmt.Sprintf(format, args...))
}

// HasError reports a pending error.
func (m *Machine) HasError() bool { return m.hasError }

// ErrorMessage returns the pending error text.
func (m *Machine) ErrorMessage() string { return m.errorMessage }

// ClearError resets the error state.
func (m *Machine) ClearError() {
	m.hasError = false
	m.errorMessage = ""
}

// === Execution ===

// Execute resets the context and runs closure as the bottom frame,
// returning the value its RETURN produced (null for HALT).
func (m *Machine) Execute(closure *Closure) (Value, error) {
	m.ctx.Reset()
	proto := closure.proto

	if !m.ctx.checkOverflow(proto.numRegisters) {
		return Null(), fmt.Errorf("stack overflow on startup")
	}

	m.ctx.frames[0] = CallFrame{closure: closure, base: 0, retDest: noDest, retIP: 0}
	m.ctx.frameCount = 1
	m.ctx.stackTop = proto.numRegisters

	if m.cfg.EnableJIT {
		if code := m.jitFor(proto); code != nil {
			code.run(&m.ctx.stack[0])
			return Null(), nil
		}
	}

	st := &vmState{
		machine: m,
		ctx:     m.ctx,
		heap:    m.heap,
		modules: m.modules,
	}
	st.refreshFrame()
	st.result = Null()
	st.run(0)
	m.steps += st.steps

	if st.hasErr {
		return Null(), fmt.Errorf("%s: %s", st.errKind, st.errMsg)
	}
	return st.result, nil
}

// ExecuteProto wraps proto in a fresh closure and executes it.
func (m *Machine) ExecuteProto(proto *Proto) (Value, error) {
	return m.Execute(m.heap.NewClosure(proto))
}

// Interpret runs a loaded module's entry proto to completion.
func (m *Machine) Interpret(mod *Module) (Value, error) {
	if !mod.HasMain() {
		mod.setExecuted()
		return Null(), nil
	}
	mod.setExecuting()
	v, err := m.Execute(m.heap.NewClosure(mod.mainProto))
	if err == nil && mod.state != ModuleExecuted {
		mod.setExecuted()
	}
	return v, err
}

// jitFor compiles proto on first use when it qualifies.
func (m *Machine) jitFor(proto *Proto) *jitCode {
	if proto.jit != nil {
		return proto.jit
	}
	code, err := compileJIT(proto)
	if err != nil {
		m.log.Debug("jit bailout",
			zap.String("proto", protoName(proto)),
			zap.Error(err))
		return nil
	}
	m.log.Debug("jit compiled",
		zap.String("proto", protoName(proto)),
		zap.Int("bytecode_bytes", len(proto.code)),
		zap.Int("native_bytes", code.size()))
	proto.jit = code
	return code
}

func protoName(p *Proto) string {
	if p.name != nil {
		return p.name.String()
	}
	return "<anonymous>"
}

// reportPanic prints the unhandled-error diagnostic and records the error
// on the machine.
func (m *Machine) reportPanic(header, listing string) {
	fmt.Fprintln(os.Stderr, header)
	if listing != "" {
		fmt.Fprint(os.Stderr, listing)
	}
	m.Error(header)
}

// Steps reports instructions dispatched over the machine's lifetime.
func (m *Machine) Steps() int64 { return m.steps }
