package meow

// === Arithmetic, comparison, bitwise and unary handlers ===
//
// Each maker closes over its opcode so the wide and byte-operand
// encodings share one body. Int and float operand pairs take inline fast
// paths; everything else goes through the operator tables. A trap result
// (the valueless sentinel) becomes a TypeError — never a silent null.

func (st *vmState) binarySlow(op OpCode, ip, dst int, left, right Value) int {
	res := findBinary(op, left, right)(st.heap, left, right)
	if res == valueless() {
		return st.fail(ErrType, ip, "unsupported operands for %s: '%s' and '%s'",
			op, TypeName(left), TypeName(right))
	}
	st.regs[dst] = res
	return ip
}

func makeBinary(op OpCode, byteForm bool) handlerFn {
	return func(st *vmState, ip int) int {
		var dst, a, b, next int
		if byteForm {
			dst, a, b = int(st.code[ip]), int(st.code[ip+1]), int(st.code[ip+2])
			next = ip + 3
		} else {
			dst = int(readU16(st.code, ip))
			a = int(readU16(st.code, ip+2))
			b = int(readU16(st.code, ip+4))
			next = ip + 6
		}
		left, right := st.regs[a], st.regs[b]

		if left.holdsBothInt(right) {
			x, y := left.AsInt(), right.AsInt()
			switch op {
			case OpAdd:
				st.regs[dst] = Int(x + y)
				return next
			case OpSub:
				st.regs[dst] = Int(x - y)
				return next
			case OpMul:
				st.regs[dst] = Int(x * y)
				return next
			case OpBitAnd:
				st.regs[dst] = Int(x & y)
				return next
			case OpBitOr:
				st.regs[dst] = Int(x | y)
				return next
			case OpBitXor:
				st.regs[dst] = Int(x ^ y)
				return next
			}
		} else if left.holdsBothFloat(right) {
			x, y := left.AsFloat(), right.AsFloat()
			switch op {
			case OpAdd:
				st.regs[dst] = Float(x + y)
				return next
			case OpSub:
				st.regs[dst] = Float(x - y)
				return next
			case OpMul:
				st.regs[dst] = Float(x * y)
				return next
			case OpDiv:
				st.regs[dst] = Float(x / y)
				return next
			}
		}
		return st.binarySlow(op, next, dst, left, right)
	}
}

func compareFast(op OpCode, x, y int64) bool {
	switch op {
	case OpEq:
		return x == y
	case OpNeq:
		return x != y
	case OpLt:
		return x < y
	case OpLe:
		return x <= y
	case OpGt:
		return x > y
	default:
		return x >= y
	}
}

func makeCompare(op OpCode, byteForm bool) handlerFn {
	return func(st *vmState, ip int) int {
		var dst, a, b, next int
		if byteForm {
			dst, a, b = int(st.code[ip]), int(st.code[ip+1]), int(st.code[ip+2])
			next = ip + 3
		} else {
			dst = int(readU16(st.code, ip))
			a = int(readU16(st.code, ip+2))
			b = int(readU16(st.code, ip+4))
			next = ip + 6
		}
		left, right := st.regs[a], st.regs[b]

		if left.holdsBothInt(right) {
			st.regs[dst] = Bool(compareFast(op, left.AsInt(), right.AsInt()))
			return next
		}
		return st.binarySlow(op, next, dst, left, right)
	}
}

func makeUnary(op OpCode) handlerFn {
	return func(st *vmState, ip int) int {
		dst := int(readU16(st.code, ip))
		src := int(readU16(st.code, ip+2))
		next := ip + 4
		v := st.regs[src]

		if op == OpNeg && v.IsInt() {
			st.regs[dst] = Int(-v.AsInt())
			return next
		}

		res := findUnary(op, v)(st.heap, v)
		if res == valueless() {
			return st.fail(ErrType, next, "unsupported operand for %s: '%s'", op, TypeName(v))
		}
		st.regs[dst] = res
		return next
	}
}

// makeCompareJump builds the fused compare-and-branch forms. A trap in the
// comparison table yields a falsy result, matching the plain-jump
// truthiness rules.
func makeCompareJump(op OpCode) handlerFn {
	return func(st *vmState, ip int) int {
		a := int(readU16(st.code, ip))
		b := int(readU16(st.code, ip+2))
		off := int(readI16(st.code, ip+4))
		next := ip + 6
		left, right := st.regs[a], st.regs[b]

		var cond bool
		if left.holdsBothInt(right) {
			cond = compareFast(op, left.AsInt(), right.AsInt())
		} else if left.holdsBothFloat(right) {
			x, y := left.AsFloat(), right.AsFloat()
			switch op {
			case OpEq:
				cond = x == y
			case OpNeq:
				cond = x != y
			case OpLt:
				cond = x < y
			case OpLe:
				cond = x <= y
			case OpGt:
				cond = x > y
			default:
				cond = x >= y
			}
		} else {
			res := findBinary(op, left, right)(st.heap, left, right)
			cond = res != valueless() && Truthy(res)
		}

		if cond {
			return next + off
		}
		return next
	}
}
