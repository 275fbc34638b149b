package meow

// === Loads, moves, globals, upvalues, closures, containers ===

func opLoadConst(st *vmState, ip int) int {
	dst := int(readU16(st.code, ip))
	k := int(readU16(st.code, ip+2))
	if k >= len(st.constants) {
		return st.failFatal(ip+4, "constant index %d out of range", k)
	}
	st.regs[dst] = st.constants[k]
	return ip + 4
}

func opLoadNull(st *vmState, ip int) int {
	st.regs[readU16(st.code, ip)] = Null()
	return ip + 2
}

func opLoadTrue(st *vmState, ip int) int {
	st.regs[readU16(st.code, ip)] = Bool(true)
	return ip + 2
}

func opLoadFalse(st *vmState, ip int) int {
	st.regs[readU16(st.code, ip)] = Bool(false)
	return ip + 2
}

func opLoadInt(st *vmState, ip int) int {
	dst := int(readU16(st.code, ip))
	st.regs[dst] = Int(readI64(st.code, ip+2))
	return ip + 10
}

func opLoadIntB(st *vmState, ip int) int {
	dst := int(st.code[ip])
	st.regs[dst] = Int(int64(readI32(st.code, ip+1)))
	return ip + 5
}

func opLoadFloat(st *vmState, ip int) int {
	dst := int(readU16(st.code, ip))
	st.regs[dst] = Float(readF64(st.code, ip+2))
	return ip + 10
}

func opMove(st *vmState, ip int) int {
	dst := int(readU16(st.code, ip))
	src := int(readU16(st.code, ip+2))
	st.regs[dst] = st.regs[src]
	return ip + 4
}

func opMoveB(st *vmState, ip int) int {
	st.regs[st.code[ip]] = st.regs[st.code[ip+1]]
	return ip + 2
}

func opInc(st *vmState, ip int) int {
	r := int(readU16(st.code, ip))
	v := st.regs[r]
	switch {
	case v.IsInt():
		st.regs[r] = Int(v.AsInt() + 1)
	case v.IsFloat():
		st.regs[r] = Float(v.AsFloat() + 1)
	default:
		return st.fail(ErrType, ip+2, "cannot increment '%s'", TypeName(v))
	}
	return ip + 2
}

func opDec(st *vmState, ip int) int {
	r := int(readU16(st.code, ip))
	v := st.regs[r]
	switch {
	case v.IsInt():
		st.regs[r] = Int(v.AsInt() - 1)
	case v.IsFloat():
		st.regs[r] = Float(v.AsFloat() - 1)
	default:
		return st.fail(ErrType, ip+2, "cannot decrement '%s'", TypeName(v))
	}
	return ip + 2
}

// === Globals ===

func opGetGlobal(st *vmState, ip int) int {
	dst := int(readU16(st.code, ip))
	gidx := uint32(readU16(st.code, ip+2))
	if int(gidx) >= st.module.NumGlobals() {
		return st.fail(ErrName, ip+4, "unresolved global #%d", gidx)
	}
	st.regs[dst] = st.module.GlobalByIndex(gidx)
	return ip + 4
}

func opSetGlobal(st *vmState, ip int) int {
	gidx := uint32(readU16(st.code, ip))
	src := int(readU16(st.code, ip+2))
	if int(gidx) >= st.module.NumGlobals() {
		return st.fail(ErrName, ip+4, "unresolved global #%d", gidx)
	}
	st.module.SetGlobalByIndex(gidx, st.regs[src])
	st.heap.WriteBarrier(&st.module.Object, st.regs[src])
	return ip + 4
}

// === Upvalues and closures ===

func opGetUpvalue(st *vmState, ip int) int {
	dst := int(readU16(st.code, ip))
	uvIdx := int(readU16(st.code, ip+2))
	uv := st.ctx.currentFrame().closure.upvalues[uvIdx]
	if uv.closed {
		st.regs[dst] = uv.value
	} else {
		st.regs[dst] = st.ctx.stack[uv.index]
	}
	return ip + 4
}

func opSetUpvalue(st *vmState, ip int) int {
	uvIdx := int(readU16(st.code, ip))
	src := int(readU16(st.code, ip+2))
	uv := st.ctx.currentFrame().closure.upvalues[uvIdx]
	if uv.closed {
		uv.setClosed(st.regs[src])
		st.heap.WriteBarrier(&uv.Object, st.regs[src])
	} else {
		st.ctx.stack[uv.index] = st.regs[src]
	}
	return ip + 4
}

func opClosure(st *vmState, ip int) int {
	dst := int(readU16(st.code, ip))
	protoIdx := int(readU16(st.code, ip+2))
	next := ip + 4

	if protoIdx >= len(st.constants) || !st.constants[protoIdx].IsProto() {
		return st.failFatal(next, "CLOSURE: constant #%d is not a proto", protoIdx)
	}
	proto := st.constants[protoIdx].AsProto()
	closure := st.heap.NewClosure(proto)

	// Capturing may allocate upvalues; keep the closure rooted meanwhile.
	st.heap.pushTempRoot(ObjectValue(&closure.Object))
	frame := st.ctx.currentFrame()
	for i := 0; i < proto.numUpvalues; i++ {
		desc := proto.upvalDescs[i]
		if desc.IsLocal {
			closure.setUpvalue(i, st.ctx.captureUpvalue(st.heap, frame.base+int(desc.Index)))
		} else {
			closure.setUpvalue(i, frame.closure.upvalues[desc.Index])
		}
	}
	st.heap.popTempRoot()
	st.regs[dst] = ObjectValue(&closure.Object)
	return next
}

func opCloseUpvalues(st *vmState, ip int) int {
	threshold := int(readU16(st.code, ip))
	st.ctx.closeUpvalues(st.ctx.currentFrame().base + threshold)
	return ip + 2
}

// === Containers ===

func opNewArray(st *vmState, ip int) int {
	dst := int(readU16(st.code, ip))
	first := int(readU16(st.code, ip+2))
	count := int(readU16(st.code, ip+4))

	arr := st.heap.NewArray(count)
	for i := 0; i < count; i++ {
		arr.Push(st.regs[first+i])
	}
	st.regs[dst] = ObjectValue(&arr.Object)
	return ip + 6
}

func opNewHash(st *vmState, ip int) int {
	dst := int(readU16(st.code, ip))
	first := int(readU16(st.code, ip+2))
	count := int(readU16(st.code, ip+4))
	next := ip + 6

	hash := st.heap.NewHash()
	for i := 0; i < count; i++ {
		key := st.regs[first+i*2]
		val := st.regs[first+i*2+1]
		if !key.IsString() {
			return st.fail(ErrType, next, "hash key must be a string, got '%s'", TypeName(key))
		}
		hash.Set(key.AsString(), val)
	}
	st.regs[dst] = ObjectValue(&hash.Object)
	return next
}

func opGetIndex(st *vmState, ip int) int {
	dst := int(readU16(st.code, ip))
	srcReg := int(readU16(st.code, ip+2))
	keyReg := int(readU16(st.code, ip+4))
	next := ip + 6

	src := st.regs[srcReg]
	key := st.regs[keyReg]

	switch {
	case src.IsArray():
		if !key.IsInt() {
			return st.fail(ErrType, next, "array index must be an integer")
		}
		arr := src.AsArray()
		idx := key.AsInt()
		if idx < 0 || idx >= int64(arr.Len()) {
			return st.fail(ErrIndex, next, "array index %d out of bounds (length %d)", idx, arr.Len())
		}
		st.regs[dst] = arr.Get(int(idx))
	case src.IsHashTable():
		if !key.IsString() {
			return st.fail(ErrType, next, "hash key must be a string")
		}
		if v, ok := src.AsHashTable().Get(key.AsString()); ok {
			st.regs[dst] = v
		} else {
			st.regs[dst] = Null()
		}
	case src.IsString():
		if !key.IsInt() {
			return st.fail(ErrType, next, "string index must be an integer")
		}
		s := src.AsString()
		idx := key.AsInt()
		if idx < 0 || idx >= int64(s.Len()) {
			return st.fail(ErrIndex, next, "string index %d out of bounds (length %d)", idx, s.Len())
		}
		ch := st.heap.NewString(s.String()[idx : idx+1])
		st.regs[dst] = ObjectValue(&ch.Object)
	default:
		return st.fail(ErrType, next, "type '%s' is not indexable", TypeName(src))
	}
	return next
}

func opSetIndex(st *vmState, ip int) int {
	srcReg := int(readU16(st.code, ip))
	keyReg := int(readU16(st.code, ip+2))
	valReg := int(readU16(st.code, ip+4))
	next := ip + 6

	src := st.regs[srcReg]
	key := st.regs[keyReg]
	val := st.regs[valReg]

	switch {
	case src.IsArray():
		if !key.IsInt() {
			return st.fail(ErrType, next, "array index must be an integer")
		}
		arr := src.AsArray()
		idx := key.AsInt()
		if idx < 0 {
			return st.fail(ErrIndex, next, "array index %d is negative", idx)
		}
		// Stores past the end grow the array.
		if idx >= int64(arr.Len()) {
			arr.Resize(int(idx) + 1)
		}
		arr.Set(int(idx), val)
		st.heap.WriteBarrier(&arr.Object, val)
	case src.IsHashTable():
		if !key.IsString() {
			return st.fail(ErrType, next, "hash key must be a string")
		}
		src.AsHashTable().Set(key.AsString(), val)
		st.heap.WriteBarrier(src.AsObject(), val)
	default:
		return st.fail(ErrType, next, "cannot index-assign on type '%s'", TypeName(src))
	}
	return next
}

func opGetKeys(st *vmState, ip int) int {
	dst := int(readU16(st.code, ip))
	srcReg := int(readU16(st.code, ip+2))
	src := st.regs[srcReg]

	var keys *Array
	switch {
	case src.IsHashTable():
		hash := src.AsHashTable()
		keys = st.heap.NewArray(hash.Len())
		hash.Iter(func(k *String, _ Value) bool {
			keys.Push(ObjectValue(&k.Object))
			return false
		})
	case src.IsArray():
		n := src.AsArray().Len()
		keys = st.heap.NewArray(n)
		for i := 0; i < n; i++ {
			keys.Push(Int(int64(i)))
		}
	case src.IsString():
		n := src.AsString().Len()
		keys = st.heap.NewArray(n)
		for i := 0; i < n; i++ {
			keys.Push(Int(int64(i)))
		}
	default:
		keys = st.heap.NewArray(0)
	}
	st.regs[dst] = ObjectValue(&keys.Object)
	return ip + 4
}

// stringChars fills dst (already rooted via a register) with one-byte
// strings; each intern is an allocation safepoint.
func stringChars(st *vmState, dst *Array, s *String) {
	for i := 0; i < s.Len(); i++ {
		ch := st.heap.NewString(s.String()[i : i+1])
		dst.Push(ObjectValue(&ch.Object))
	}
}

func opGetValues(st *vmState, ip int) int {
	dst := int(readU16(st.code, ip))
	srcReg := int(readU16(st.code, ip+2))
	src := st.regs[srcReg]

	var vals *Array
	switch {
	case src.IsHashTable():
		hash := src.AsHashTable()
		vals = st.heap.NewArray(hash.Len())
		hash.Iter(func(_ *String, v Value) bool {
			vals.Push(v)
			return false
		})
	case src.IsArray():
		arr := src.AsArray()
		vals = st.heap.NewArray(arr.Len())
		for i := 0; i < arr.Len(); i++ {
			vals.Push(arr.Get(i))
		}
	case src.IsString():
		s := src.AsString()
		vals = st.heap.NewArray(s.Len())
		// Root through the destination register before interning chars.
		st.regs[dst] = ObjectValue(&vals.Object)
		stringChars(st, vals, s)
	default:
		vals = st.heap.NewArray(0)
	}
	st.regs[dst] = ObjectValue(&vals.Object)
	return ip + 4
}
