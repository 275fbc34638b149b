package meow

import (
	"fmt"

	"github.com/fatih/color"
	"go.uber.org/zap"
)

// === Interpreter core ===
//
// One handler function per opcode, indexed from a 256-entry table inside
// the run loop. Every handler receives the offset just past its opcode
// byte, reads its operands, and returns the offset of the next
// instruction. ipHalt stops dispatch. Go offers no guaranteed tail calls,
// so the loop stands in for handler-to-handler chaining; behavior is
// identical.

const ipHalt = -1

type handlerFn func(st *vmState, ip int) int

var dispatchTable [256]handlerFn

// vmState is the interpreter's working set: the machine subsystems plus
// pointers cached from the active frame. refreshFrame re-derives the
// cached fields whenever the frame changes.
type vmState struct {
	machine *Machine
	ctx     *ExecutionContext
	heap    *Heap
	modules *ModuleManager

	regs      []Value
	constants []Value
	code      []byte
	proto     *Proto
	module    *Module

	errKind ErrorKind
	errMsg  string
	hasErr  bool
	fatal   bool

	result Value

	steps int64
}

// refreshFrame re-caches the register window, constants, code and module
// of the active frame.
func (st *vmState) refreshFrame() {
	f := st.ctx.currentFrame()
	p := f.closure.proto
	st.proto = p
	st.regs = st.ctx.stack[f.base : f.base+p.numRegisters]
	st.constants = p.constants
	st.code = p.code
	st.module = p.module
}

// run drives dispatch until a handler halts.
func (st *vmState) run(ip int) {
	for ip >= 0 {
		op := st.code[ip]
		st.steps++
		ip = dispatchTable[op](st, ip+1)
	}
}

// === Errors and unwinding ===

// fail records a runtime error and routes control to the unwinder. The
// returned value is the next dispatch offset (a catch target, or ipHalt).
func (st *vmState) fail(kind ErrorKind, ip int, format string, args ...any) int {
	st.errKind = kind
	st.errMsg = fmt.Sprintf(format, args...)
	st.hasErr = true
	return st.panicUnwind(ip)
}

// failFatal terminates dispatch for malformed bytecode; it never consults
// the handler stack.
func (st *vmState) failFatal(ip int, format string, args ...any) int {
	st.errKind = ErrType
	st.errMsg = fmt.Sprintf(format, args...)
	st.hasErr = true
	st.fatal = true
	st.report(ip)
	return ipHalt
}

// panicUnwind walks the exception machinery: without a handler the error
// is reported and the machine halts; with one, frames are popped to the
// handler's depth (closing upvalues along the way), the stack is truncated
// to the recorded top, the interned message lands in the handler's error
// register, and control transfers to the catch offset.
func (st *vmState) panicUnwind(ip int) int {
	if len(st.ctx.handlers) == 0 {
		st.report(ip)
		return ipHalt
	}

	h := st.ctx.handlers[len(st.ctx.handlers)-1]

	for st.ctx.frameCount > h.frameDepth {
		f := st.ctx.currentFrame()
		st.ctx.closeUpvalues(f.base)
		st.ctx.frameCount--
	}

	st.ctx.stackTop = h.stackDepth
	st.refreshFrame()

	if h.errReg >= 0 {
		errStr := st.heap.NewString(st.errMsg)
		st.regs[h.errReg] = ObjectValue(&errStr.Object)
	}

	st.hasErr = false
	st.errKind = ErrNone
	st.errMsg = ""
	st.ctx.popHandler()

	return h.catchIP
}

// report emits the unhandled-error diagnostic with the offending
// instruction pointer.
func (st *vmState) report(ip int) {
	kind := st.errKind
	if kind == ErrNone {
		kind = ErrThrown
	}
	header := color.New(color.FgRed, color.Bold).Sprintf("%s: %s", kind, st.errMsg)
	listing := ""
	if st.proto != nil {
		listing = DisasmAround(st.proto, ip-1, 2)
	}
	st.machine.reportPanic(header, listing)
	st.machine.log.Error("vm panic",
		zap.String("kind", kind.String()),
		zap.String("message", st.errMsg),
		zap.Int("ip", ip),
		zap.Int("frames", st.ctx.frameCount))
}

// === Frame setup ===

const noDest = -1

// pushCallFrame reserves the callee's register window, seats the receiver
// and arguments, pushes the frame and switches the cached state. args is
// the caller-window offset of the first argument. Returns the callee's
// entry offset, or the unwinder's verdict on overflow.
func (st *vmState) pushCallFrame(closure *Closure, argc, args int, receiver Value, hasReceiver bool, retDest, retIP, errIP int) int {
	proto := closure.proto
	numRegs := proto.numRegisters

	if !st.ctx.checkFrameOverflow() || !st.ctx.checkOverflow(numRegs) {
		return st.fail(ErrStackOverflow, errIP, "stack overflow")
	}

	newBase := st.ctx.stackTop
	window := st.ctx.stack[newBase : newBase+numRegs]

	argOffset := 0
	if hasReceiver && numRegs > 0 {
		window[0] = receiver
		argOffset = 1
	}

	copyCount := argc
	if copyCount > numRegs-argOffset {
		copyCount = numRegs - argOffset
	}
	if copyCount > 0 {
		copy(window[argOffset:argOffset+copyCount], st.regs[args:args+copyCount])
	}
	for i := argOffset + copyCount; i < numRegs; i++ {
		window[i] = Null()
	}

	st.ctx.frames[st.ctx.frameCount] = CallFrame{
		closure: closure,
		base:    newBase,
		retDest: retDest,
		retIP:   retIP,
	}
	st.ctx.frameCount++
	st.ctx.stackTop += numRegs
	st.refreshFrame()
	return 0
}

// === Dispatch table ===

func unimplemented(st *vmState, ip int) int {
	return st.failFatal(ip, "unknown opcode 0x%02x", st.code[ip-1])
}

func init() {
	for i := range dispatchTable {
		dispatchTable[i] = unimplemented
	}

	// Loads and moves
	dispatchTable[OpLoadConst] = opLoadConst
	dispatchTable[OpLoadNull] = opLoadNull
	dispatchTable[OpLoadTrue] = opLoadTrue
	dispatchTable[OpLoadFalse] = opLoadFalse
	dispatchTable[OpLoadInt] = opLoadInt
	dispatchTable[OpLoadFloat] = opLoadFloat
	dispatchTable[OpMove] = opMove
	dispatchTable[OpMoveB] = opMoveB
	dispatchTable[OpLoadIntB] = opLoadIntB
	dispatchTable[OpInc] = opInc
	dispatchTable[OpDec] = opDec

	// Arithmetic and comparison
	dispatchTable[OpAdd] = makeBinary(OpAdd, false)
	dispatchTable[OpSub] = makeBinary(OpSub, false)
	dispatchTable[OpMul] = makeBinary(OpMul, false)
	dispatchTable[OpDiv] = makeBinary(OpDiv, false)
	dispatchTable[OpMod] = makeBinary(OpMod, false)
	dispatchTable[OpPow] = makeBinary(OpPow, false)
	dispatchTable[OpEq] = makeCompare(OpEq, false)
	dispatchTable[OpNeq] = makeCompare(OpNeq, false)
	dispatchTable[OpGt] = makeCompare(OpGt, false)
	dispatchTable[OpGe] = makeCompare(OpGe, false)
	dispatchTable[OpLt] = makeCompare(OpLt, false)
	dispatchTable[OpLe] = makeCompare(OpLe, false)
	dispatchTable[OpBitAnd] = makeBinary(OpBitAnd, false)
	dispatchTable[OpBitOr] = makeBinary(OpBitOr, false)
	dispatchTable[OpBitXor] = makeBinary(OpBitXor, false)
	dispatchTable[OpLshift] = makeBinary(OpLshift, false)
	dispatchTable[OpRshift] = makeBinary(OpRshift, false)
	dispatchTable[OpNeg] = makeUnary(OpNeg)
	dispatchTable[OpNot] = makeUnary(OpNot)
	dispatchTable[OpBitNot] = makeUnary(OpBitNot)

	dispatchTable[OpAddB] = makeBinary(OpAdd, true)
	dispatchTable[OpSubB] = makeBinary(OpSub, true)
	dispatchTable[OpMulB] = makeBinary(OpMul, true)
	dispatchTable[OpDivB] = makeBinary(OpDiv, true)
	dispatchTable[OpModB] = makeBinary(OpMod, true)
	dispatchTable[OpEqB] = makeCompare(OpEq, true)
	dispatchTable[OpNeqB] = makeCompare(OpNeq, true)
	dispatchTable[OpGtB] = makeCompare(OpGt, true)
	dispatchTable[OpGeB] = makeCompare(OpGe, true)
	dispatchTable[OpLtB] = makeCompare(OpLt, true)
	dispatchTable[OpLeB] = makeCompare(OpLe, true)
	dispatchTable[OpBitAndB] = makeBinary(OpBitAnd, true)
	dispatchTable[OpBitOrB] = makeBinary(OpBitOr, true)
	dispatchTable[OpBitXorB] = makeBinary(OpBitXor, true)
	dispatchTable[OpLshiftB] = makeBinary(OpLshift, true)
	dispatchTable[OpRshiftB] = makeBinary(OpRshift, true)

	// Flow
	dispatchTable[OpJump] = opJump
	dispatchTable[OpJumpIfTrue] = opJumpIfTrue
	dispatchTable[OpJumpIfFalse] = opJumpIfFalse
	dispatchTable[OpJumpIfTrueB] = opJumpIfTrueB
	dispatchTable[OpJumpIfFalseB] = opJumpIfFalseB
	dispatchTable[OpJumpIfEq] = makeCompareJump(OpEq)
	dispatchTable[OpJumpIfNeq] = makeCompareJump(OpNeq)
	dispatchTable[OpJumpIfGt] = makeCompareJump(OpGt)
	dispatchTable[OpJumpIfGe] = makeCompareJump(OpGe)
	dispatchTable[OpJumpIfLt] = makeCompareJump(OpLt)
	dispatchTable[OpJumpIfLe] = makeCompareJump(OpLe)
	dispatchTable[OpCall] = opCall
	dispatchTable[OpCallVoid] = opCallVoid
	dispatchTable[OpTailCall] = opTailCall
	dispatchTable[OpReturn] = opReturn
	dispatchTable[OpHalt] = opHalt
	dispatchTable[OpThrow] = opThrow
	dispatchTable[OpSetupTry] = opSetupTry
	dispatchTable[OpPopTry] = opPopTry

	// Globals, upvalues, closures
	dispatchTable[OpGetGlobal] = opGetGlobal
	dispatchTable[OpSetGlobal] = opSetGlobal
	dispatchTable[OpGetUpvalue] = opGetUpvalue
	dispatchTable[OpSetUpvalue] = opSetUpvalue
	dispatchTable[OpClosure] = opClosure
	dispatchTable[OpCloseUpvalues] = opCloseUpvalues

	// Data structures
	dispatchTable[OpNewArray] = opNewArray
	dispatchTable[OpNewHash] = opNewHash
	dispatchTable[OpGetIndex] = opGetIndex
	dispatchTable[OpSetIndex] = opSetIndex
	dispatchTable[OpGetKeys] = opGetKeys
	dispatchTable[OpGetValues] = opGetValues

	// OOP
	dispatchTable[OpNewClass] = opNewClass
	dispatchTable[OpNewInstance] = opNewInstance
	dispatchTable[OpGetProp] = opGetProp
	dispatchTable[OpSetProp] = opSetProp
	dispatchTable[OpSetMethod] = opSetMethod
	dispatchTable[OpInherit] = opInherit
	dispatchTable[OpGetSuper] = opGetSuper
	dispatchTable[OpInvoke] = opInvoke

	// Modules
	dispatchTable[OpImportModule] = opImportModule
	dispatchTable[OpExport] = opExport
	dispatchTable[OpGetExport] = opGetExport
	dispatchTable[OpImportAll] = opImportAll
}
