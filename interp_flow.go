package meow

// === Jumps, calls, returns, exception flow ===

func opJump(st *vmState, ip int) int {
	off := int(readI16(st.code, ip))
	return ip + 2 + off
}

func jumpTruthy(v Value) bool {
	if v.IsBool() {
		return v.AsBool()
	}
	if v.IsInt() {
		return v.AsInt() != 0
	}
	return Truthy(v)
}

func opJumpIfTrue(st *vmState, ip int) int {
	cond := st.regs[readU16(st.code, ip)]
	off := int(readI16(st.code, ip+2))
	next := ip + 4
	if jumpTruthy(cond) {
		return next + off
	}
	return next
}

func opJumpIfFalse(st *vmState, ip int) int {
	cond := st.regs[readU16(st.code, ip)]
	off := int(readI16(st.code, ip+2))
	next := ip + 4
	if !jumpTruthy(cond) {
		return next + off
	}
	return next
}

func opJumpIfTrueB(st *vmState, ip int) int {
	cond := st.regs[st.code[ip]]
	off := int(readI16(st.code, ip+1))
	next := ip + 3
	if jumpTruthy(cond) {
		return next + off
	}
	return next
}

func opJumpIfFalseB(st *vmState, ip int) int {
	cond := st.regs[st.code[ip]]
	off := int(readI16(st.code, ip+1))
	next := ip + 3
	if !jumpTruthy(cond) {
		return next + off
	}
	return next
}

// === Calls ===

const voidReg = 0xFFFF

// callNative invokes a registry function with the machine ABI. An error
// left in the machine's error state behaves like THROW.
func (st *vmState) callNative(idx uint32, argc int, args []Value, dst, next int) int {
	fn := st.machine.nativeAt(idx)
	if fn == nil {
		return st.fail(ErrType, next, "dangling native function #%d", idx)
	}
	result := fn(st.machine, argc, args)
	if st.machine.hasError {
		msg := st.machine.errorMessage
		st.machine.ClearError()
		return st.fail(ErrThrown, next, "%s", msg)
	}
	if dst != voidReg {
		st.regs[dst] = result
	}
	return next
}

func doCall(st *vmState, ip int, isVoid bool) int {
	dst := voidReg
	if !isVoid {
		dst = int(readU16(st.code, ip))
		ip += 2
	}
	fnReg := int(readU16(st.code, ip))
	argStart := int(readU16(st.code, ip+2))
	argc := int(readU16(st.code, ip+4))
	icSlot := int(readU16(st.code, ip+6))
	next := ip + 8

	callee := st.regs[fnReg]
	frame := st.ctx.currentFrame()

	retDest := noDest
	if dst != voidReg {
		retDest = frame.base + dst
	}

	// A. Closure call: the check tag skips straight to frame setup.
	if callee.IsClosure() {
		closure := callee.AsClosure()
		ic := &st.proto.callICs[icSlot]
		if ic.check == closure.proto {
			ic.hits++
		} else {
			ic.check = closure.proto
			ic.misses++
		}
		closure.proto.calls++
		return st.pushCallFrame(closure, argc, argStart, Null(), false, retDest, next, next)
	}

	// B. Native call: no frame push.
	if callee.IsNative() {
		idx := callee.AsNative()
		ic := &st.proto.callICs[icSlot]
		if ic.native == int32(idx) {
			ic.hits++
		} else {
			ic.native = int32(idx)
			ic.misses++
		}
		return st.callNative(idx, argc, st.regs[argStart:argStart+argc], dst, next)
	}

	// C. Bound method: the receiver becomes r0 of the callee frame.
	if callee.IsBoundMethod() {
		bound := callee.AsBoundMethod()
		method := bound.method
		if method.IsClosure() {
			return st.pushCallFrame(method.AsClosure(), argc, argStart, bound.receiver, true, retDest, next, next)
		}
		if method.IsNative() {
			buf := make([]Value, 0, argc+1)
			buf = append(buf, bound.receiver)
			buf = append(buf, st.regs[argStart:argStart+argc]...)
			return st.callNative(method.AsNative(), argc+1, buf, dst, next)
		}
		return st.fail(ErrType, next, "bound method target is not callable")
	}

	// D. Class constructor: allocate, then run init with the instance as
	// receiver. The instance lands in the destination before init runs.
	if callee.IsClass() {
		class := callee.AsClass()
		self := st.heap.NewInstance(class, st.heap.EmptyShape())
		if retDest != noDest {
			st.ctx.stack[retDest] = ObjectValue(&self.Object)
		}
		if init, ok := class.ResolveMethod(st.machine.strInit); ok && init.IsClosure() {
			return st.pushCallFrame(init.AsClosure(), argc, argStart, ObjectValue(&self.Object), true, noDest, next, next)
		}
		return next
	}

	return st.fail(ErrType, next, "value '%s' is not callable", Stringify(callee))
}

func opCall(st *vmState, ip int) int {
	return doCall(st, ip, false)
}

func opCallVoid(st *vmState, ip int) int {
	return doCall(st, ip, true)
}

// opTailCall reuses the current frame: upvalues over this frame close,
// arguments move into place, the closure swaps, and dispatch restarts at
// the callee's entry. Stack and frame depth do not grow.
func opTailCall(st *vmState, ip int) int {
	fnReg := int(readU16(st.code, ip+2))
	argStart := int(readU16(st.code, ip+4))
	argc := int(readU16(st.code, ip+6))
	next := ip + 10

	callee := st.regs[fnReg]
	if !callee.IsClosure() {
		return st.fail(ErrType, next, "TAIL_CALL target is not a function")
	}
	closure := callee.AsClosure()
	proto := closure.proto
	numRegs := proto.numRegisters

	frame := st.ctx.currentFrame()
	if !st.ctx.checkOverflow(numRegs - (st.ctx.stackTop - frame.base)) {
		return st.fail(ErrStackOverflow, next, "stack overflow")
	}

	st.ctx.closeUpvalues(frame.base)

	copyCount := argc
	if copyCount > numRegs {
		copyCount = numRegs
	}
	window := st.ctx.stack[frame.base:]
	copy(window[:copyCount], st.regs[argStart:argStart+copyCount])
	for i := copyCount; i < numRegs; i++ {
		window[i] = Null()
	}

	frame.closure = closure
	st.ctx.stackTop = frame.base + numRegs
	proto.calls++
	st.refreshFrame()
	return 0
}

// opReturn closes the frame's upvalues, pops it, stores the result and
// resumes the caller. Returning from the bottom frame halts dispatch; a
// module main proto flips its module to executed on the way out.
func opReturn(st *vmState, ip int) int {
	retReg := int(readU16(st.code, ip))

	result := Null()
	if retReg != voidReg {
		result = st.regs[retReg]
	}

	frame := st.ctx.currentFrame()
	st.ctx.closeUpvalues(frame.base)

	proto := frame.closure.proto
	if proto.module != nil && proto == proto.module.mainProto {
		proto.module.setExecuted()
	}

	if st.ctx.frameCount == 1 {
		st.result = result
		return ipHalt
	}

	retDest := frame.retDest
	retIP := frame.retIP

	st.ctx.frameCount--
	st.ctx.stackTop = frame.base
	st.refreshFrame()

	if retDest != noDest {
		st.ctx.stack[retDest] = result
	}
	return retIP
}

func opHalt(st *vmState, ip int) int {
	return ipHalt
}

// === Exceptions ===

func opThrow(st *vmState, ip int) int {
	src := int(readU16(st.code, ip))
	return st.fail(ErrThrown, ip+2, "%s", Stringify(st.regs[src]))
}

func opSetupTry(st *vmState, ip int) int {
	catchOff := int(readU16(st.code, ip))
	errReg := int(readU16(st.code, ip+2))
	if errReg == voidReg {
		errReg = -1
	}
	st.ctx.pushHandler(exceptionHandler{
		catchIP:    catchOff,
		frameDepth: st.ctx.frameCount,
		stackDepth: st.ctx.stackTop,
		errReg:     errReg,
	})
	return ip + 4
}

func opPopTry(st *vmState, ip int) int {
	st.ctx.popHandler()
	return ip
}
