package meow

// === Execution context: value stack, call frames, handlers ===
//
// Fixed-capacity arrays. A frame's registers alias a stack window:
// register i of the active frame is stack[frame.base+i]. Overflow checks
// run before every frame push or stack growth; failures surface as
// StackOverflow through the exception path, never as a crash.

// CallFrame records one activation: the closure, its register window base,
// where the result goes in the caller's window (absolute stack index, or
// -1 to discard), and the caller's resume offset.
type CallFrame struct {
	closure *Closure
	base    int
	retDest int
	retIP   int
}

// Closure returns the activation's closure.
func (f *CallFrame) Closure() *Closure { return f.closure }

// Base returns the frame's register-window base.
func (f *CallFrame) Base() int { return f.base }

// exceptionHandler is one SETUP_TRY record.
type exceptionHandler struct {
	catchIP    int // absolute offset within the owning proto's code
	frameDepth int
	stackDepth int
	errReg     int // -1: discard the error value
}

// ExecutionContext is the machine's mutable execution state.
type ExecutionContext struct {
	stack  []Value
	frames []CallFrame

	stackTop   int
	frameCount int

	// Sorted ascending by stack index; closing walks from the back.
	openUpvalues []*Upvalue

	handlers []exceptionHandler
}

// NewExecutionContext allocates the fixed stacks.
func NewExecutionContext(cfg Config) *ExecutionContext {
	ctx := &ExecutionContext{
		stack:  make([]Value, cfg.StackSlots),
		frames: make([]CallFrame, cfg.MaxFrames),
	}
	ctx.Reset()
	return ctx
}

// Reset empties all execution state.
func (ctx *ExecutionContext) Reset() {
	ctx.stackTop = 0
	ctx.frameCount = 0
	ctx.openUpvalues = ctx.openUpvalues[:0]
	ctx.handlers = ctx.handlers[:0]
	for i := range ctx.stack {
		ctx.stack[i] = Null()
	}
}

// StackTop returns the live-stack height.
func (ctx *ExecutionContext) StackTop() int { return ctx.stackTop }

// FrameCount returns the call depth.
func (ctx *ExecutionContext) FrameCount() int { return ctx.frameCount }

// Frame returns frame i (0 is the bottom).
func (ctx *ExecutionContext) Frame(i int) *CallFrame { return &ctx.frames[i] }

func (ctx *ExecutionContext) currentFrame() *CallFrame {
	return &ctx.frames[ctx.frameCount-1]
}

// checkOverflow reports whether the stack can grow by needed slots.
func (ctx *ExecutionContext) checkOverflow(needed int) bool {
	return ctx.stackTop+needed <= len(ctx.stack)
}

// checkFrameOverflow reports whether one more frame fits.
func (ctx *ExecutionContext) checkFrameOverflow() bool {
	return ctx.frameCount+1 < len(ctx.frames)
}

// regs returns the active frame's register window. The window length is
// the proto's register count.
func (ctx *ExecutionContext) regs() []Value {
	f := ctx.currentFrame()
	return ctx.stack[f.base : f.base+f.closure.proto.numRegisters]
}

// === Upvalues ===

// captureUpvalue returns the open upvalue for a stack slot, reusing an
// existing entry so at most one open upvalue exists per slot.
func (ctx *ExecutionContext) captureUpvalue(h *Heap, index int) *Upvalue {
	// Walk from the back: captures cluster near the top of the stack.
	for i := len(ctx.openUpvalues) - 1; i >= 0; i-- {
		uv := ctx.openUpvalues[i]
		if uv.index == index {
			return uv
		}
		if uv.index < index {
			break
		}
	}
	uv := h.NewUpvalue(index)
	// Insert keeping ascending order by stack index.
	pos := len(ctx.openUpvalues)
	for pos > 0 && ctx.openUpvalues[pos-1].index > index {
		pos--
	}
	ctx.openUpvalues = append(ctx.openUpvalues, nil)
	copy(ctx.openUpvalues[pos+1:], ctx.openUpvalues[pos:])
	ctx.openUpvalues[pos] = uv
	return uv
}

// closeUpvalues copies the referent of every open upvalue at stack index
// >= threshold into the upvalue and removes it from the open list.
// Idempotent: a second call with the same threshold finds nothing open.
func (ctx *ExecutionContext) closeUpvalues(threshold int) {
	for n := len(ctx.openUpvalues); n > 0; n = len(ctx.openUpvalues) {
		uv := ctx.openUpvalues[n-1]
		if uv.index < threshold {
			break
		}
		uv.close(ctx.stack[uv.index])
		ctx.openUpvalues = ctx.openUpvalues[:n-1]
	}
}

// OpenUpvalueCount reports how many upvalues are currently open.
func (ctx *ExecutionContext) OpenUpvalueCount() int { return len(ctx.openUpvalues) }

// === Handlers ===

func (ctx *ExecutionContext) pushHandler(h exceptionHandler) {
	ctx.handlers = append(ctx.handlers, h)
}

func (ctx *ExecutionContext) popHandler() {
	if n := len(ctx.handlers); n > 0 {
		ctx.handlers = ctx.handlers[:n-1]
	}
}

// HandlerDepth reports the handler-stack height.
func (ctx *ExecutionContext) HandlerDepth() int { return len(ctx.handlers) }

// === GC root tracing ===

// trace visits the live stack region, every frame's closure and every open
// upvalue.
func (ctx *ExecutionContext) trace(visitValue func(Value), visitObject func(*Object)) {
	for i := 0; i < ctx.stackTop; i++ {
		visitValue(ctx.stack[i])
	}
	for i := 0; i < ctx.frameCount; i++ {
		if cl := ctx.frames[i].closure; cl != nil {
			visitObject(&cl.Object)
		}
	}
	for _, uv := range ctx.openUpvalues {
		visitObject(&uv.Object)
	}
}
