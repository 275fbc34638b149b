package meow

// === Classes, instances, property access, method invocation ===

// Sentinel shapes mark primitive-method cache entries: the offset is then
// an index into the matching native registry rather than a field offset.
var (
	primitiveArrayShape  = &Shape{}
	primitiveStringShape = &Shape{}
	primitiveHashShape   = &Shape{}
)

// update records a shape observation front-of-cache, evicting the oldest
// entry; an already-cached shape moves to the front.
func (ic *PropIC) update(shape, transition *Shape, offset uint32) {
	for i := 0; i < propICCapacity; i++ {
		if ic.entries[i].shape == shape {
			e := ic.entries[i]
			copy(ic.entries[1:i+1], ic.entries[0:i])
			e.transition = transition
			e.offset = offset
			ic.entries[0] = e
			return
		}
	}
	copy(ic.entries[1:], ic.entries[:propICCapacity-1])
	ic.entries[0] = PropICEntry{shape: shape, transition: transition, offset: offset}
}

func opNewClass(st *vmState, ip int) int {
	dst := int(readU16(st.code, ip))
	nameIdx := int(readU16(st.code, ip+2))
	name := st.constants[nameIdx].AsIfString()
	class := st.heap.NewClass(name)
	st.regs[dst] = ObjectValue(&class.Object)
	return ip + 4
}

func opNewInstance(st *vmState, ip int) int {
	dst := int(readU16(st.code, ip))
	classReg := int(readU16(st.code, ip+2))
	next := ip + 4

	classVal := st.regs[classReg]
	if !classVal.IsClass() {
		return st.fail(ErrType, next, "NEW_INSTANCE: operand is not a class")
	}
	inst := st.heap.NewInstance(classVal.AsClass(), st.heap.EmptyShape())
	st.regs[dst] = ObjectValue(&inst.Object)
	return next
}

// bindPrimitiveMethod resolves name against the receiver's native library
// (array/string/object) using the sentinel-shape cache.
func (st *vmState) bindPrimitiveMethod(ic *PropIC, obj Value, name *String, sentinel *Shape, lib *NativeRegistry, dst, next int) (int, bool) {
	if lib == nil {
		return 0, false
	}
	if ic.entries[0].shape == sentinel {
		method := lib.At(ic.entries[0].offset)
		bound := st.heap.NewBoundMethod(obj, method)
		st.regs[dst] = ObjectValue(&bound.Object)
		return next, true
	}
	idx, ok := lib.Resolve(name)
	if !ok {
		return 0, false
	}
	ic.update(sentinel, nil, idx)
	bound := st.heap.NewBoundMethod(obj, lib.At(idx))
	st.regs[dst] = ObjectValue(&bound.Object)
	return next, true
}

func opGetProp(st *vmState, ip int) int {
	dst := int(readU16(st.code, ip))
	objReg := int(readU16(st.code, ip+2))
	nameIdx := int(readU16(st.code, ip+4))
	icSlot := int(readU16(st.code, ip+6))
	next := ip + 8

	obj := st.regs[objReg]
	name := st.constants[nameIdx].AsString()
	ic := &st.proto.propICs[icSlot]

	// Magic property: length, never cached.
	if name == st.machine.strLength {
		if obj.IsArray() {
			st.regs[dst] = Int(int64(obj.AsArray().Len()))
			return next
		}
		if obj.IsString() {
			st.regs[dst] = Int(int64(obj.AsString().Len()))
			return next
		}
	}

	switch {
	case obj.IsInstance():
		inst := obj.AsInstance()
		shape := inst.shape

		if ic.entries[0].shape == shape {
			st.regs[dst] = inst.fields[ic.entries[0].offset]
			return next
		}
		for i := 1; i < propICCapacity; i++ {
			if ic.entries[i].shape == shape {
				e := ic.entries[i]
				copy(ic.entries[1:i+1], ic.entries[0:i])
				ic.entries[0] = e
				st.regs[dst] = inst.fields[e.offset]
				return next
			}
		}

		// Full miss: consult the shape's offset table.
		ic.slowPaths++
		if off, ok := shape.Offset(name); ok {
			ic.update(shape, nil, off)
			st.regs[dst] = inst.fields[off]
			return next
		}

		// No field: a class-chain method binds to the receiver.
		if method, ok := inst.class.ResolveMethod(name); ok {
			bound := st.heap.NewBoundMethod(obj, method)
			st.regs[dst] = ObjectValue(&bound.Object)
			return next
		}

	case obj.IsArray():
		if res, ok := st.bindPrimitiveMethod(ic, obj, name, primitiveArrayShape, st.machine.arrayLib, dst, next); ok {
			return res
		}

	case obj.IsString():
		if res, ok := st.bindPrimitiveMethod(ic, obj, name, primitiveStringShape, st.machine.stringLib, dst, next); ok {
			return res
		}

	case obj.IsHashTable():
		// Hash tables bypass the shape cache for data lookups.
		hash := obj.AsHashTable()
		if v, ok := hash.Get(name); ok {
			st.regs[dst] = v
			return next
		}
		if res, ok := st.bindPrimitiveMethod(ic, obj, name, primitiveHashShape, st.machine.objectLib, dst, next); ok {
			return res
		}
		st.regs[dst] = Null()
		return next

	case obj.IsModule():
		mod := obj.AsModule()
		if v, ok := mod.Export(name); ok {
			st.regs[dst] = v
			return next
		}
		return st.fail(ErrKey, next, "module does not export '%s'", name)

	case obj.IsClass():
		if m, ok := obj.AsClass().Method(name); ok {
			st.regs[dst] = m
			return next
		}

	case obj.IsNull():
		return st.fail(ErrType, next, "cannot read property '%s' of null", name)
	}

	return st.fail(ErrType, next, "property '%s' not found on type '%s'", name, TypeName(obj))
}

func opSetProp(st *vmState, ip int) int {
	objReg := int(readU16(st.code, ip))
	nameIdx := int(readU16(st.code, ip+2))
	srcReg := int(readU16(st.code, ip+4))
	icSlot := int(readU16(st.code, ip+6))
	next := ip + 8

	obj := st.regs[objReg]
	val := st.regs[srcReg]
	ic := &st.proto.propICs[icSlot]

	switch {
	case obj.IsInstance():
		inst := obj.AsInstance()
		shape := inst.shape

		for i := 0; i < propICCapacity; i++ {
			e := &ic.entries[i]
			if e.shape != shape {
				continue
			}
			if e.transition != nil {
				inst.setShape(e.transition)
				st.heap.appendField(inst, val)
			} else {
				inst.setFieldAt(int(e.offset), val)
			}
			st.heap.WriteBarrier(&inst.Object, val)
			return next
		}

		ic.slowPaths++
		name := st.constants[nameIdx].AsString()
		if off, ok := shape.Offset(name); ok {
			ic.update(shape, nil, off)
			inst.setFieldAt(int(off), val)
			st.heap.WriteBarrier(&inst.Object, val)
			return next
		}

		// New property: move to the successor shape, creating it on
		// first use, and append the value to the field buffer.
		nextShape := shape.Transition(name)
		if nextShape == nil {
			nextShape = shape.AddTransition(name, st.heap)
		}
		newOffset := uint32(inst.FieldCount())
		ic.update(shape, nextShape, newOffset)

		inst.setShape(nextShape)
		st.heap.appendField(inst, val)
		st.heap.WriteBarrier(&inst.Object, ObjectValue(&nextShape.Object))
		st.heap.WriteBarrier(&inst.Object, val)
		return next

	case obj.IsHashTable():
		name := st.constants[nameIdx].AsString()
		obj.AsHashTable().Set(name, val)
		st.heap.WriteBarrier(obj.AsObject(), val)
		return next

	default:
		name := st.constants[nameIdx].AsString()
		return st.fail(ErrType, next, "cannot set property '%s' on type '%s'", name, TypeName(obj))
	}
}

func opSetMethod(st *vmState, ip int) int {
	classReg := int(readU16(st.code, ip))
	nameIdx := int(readU16(st.code, ip+2))
	methodReg := int(readU16(st.code, ip+4))
	next := ip + 6

	classVal := st.regs[classReg]
	if !classVal.IsClass() {
		return st.fail(ErrType, next, "SET_METHOD: operand is not a class")
	}
	method := st.regs[methodReg]
	classVal.AsClass().SetMethod(st.constants[nameIdx].AsString(), method)
	st.heap.WriteBarrier(classVal.AsObject(), method)
	return next
}

func opInherit(st *vmState, ip int) int {
	subReg := int(readU16(st.code, ip))
	superReg := int(readU16(st.code, ip+2))
	next := ip + 4

	sub := st.regs[subReg]
	super := st.regs[superReg]
	if !sub.IsClass() || !super.IsClass() {
		return st.fail(ErrType, next, "INHERIT: both operands must be classes")
	}
	sub.AsClass().SetSuper(super.AsClass())
	st.heap.WriteBarrier(sub.AsObject(), super)
	return next
}

// opGetSuper resolves a superclass method against the receiver in r0; the
// compiler only emits GET_SUPER inside method bodies.
func opGetSuper(st *vmState, ip int) int {
	dst := int(readU16(st.code, ip))
	nameIdx := int(readU16(st.code, ip+2))
	next := ip + 4

	name := st.constants[nameIdx].AsString()
	receiver := st.regs[0]
	if !receiver.IsInstance() {
		return st.fail(ErrType, next, "GET_SUPER: 'this' is not an instance")
	}
	inst := receiver.AsInstance()
	super := inst.class.Super()
	if super == nil {
		return st.fail(ErrType, next, "GET_SUPER: class has no superclass")
	}
	if method, ok := super.ResolveMethod(name); ok {
		bound := st.heap.NewBoundMethod(receiver, method)
		st.regs[dst] = ObjectValue(&bound.Object)
		return next
	}
	return st.fail(ErrType, next, "GET_SUPER: method '%s' not found in superclass", name)
}

func opInvoke(st *vmState, ip int) int {
	dst := int(readU16(st.code, ip))
	objReg := int(readU16(st.code, ip+2))
	nameIdx := int(readU16(st.code, ip+4))
	argStart := int(readU16(st.code, ip+6))
	argc := int(readU16(st.code, ip+8))
	icSlot := int(readU16(st.code, ip+10))
	next := ip + 12

	receiver := st.regs[objReg]
	name := st.constants[nameIdx].AsString()
	frame := st.ctx.currentFrame()

	retDest := noDest
	vdst := dst
	if dst != voidReg {
		retDest = frame.base + dst
	}

	if receiver.IsInstance() {
		inst := receiver.AsInstance()
		if method, ok := inst.class.ResolveMethod(name); ok {
			if method.IsClosure() {
				closure := method.AsClosure()
				ic := &st.proto.callICs[icSlot]
				if ic.check == closure.proto {
					ic.hits++
				} else {
					ic.check = closure.proto
					ic.misses++
				}
				closure.proto.calls++
				return st.pushCallFrame(closure, argc, argStart, receiver, true, retDest, next, next)
			}
			if method.IsNative() {
				buf := make([]Value, 0, argc+1)
				buf = append(buf, receiver)
				buf = append(buf, st.regs[argStart:argStart+argc]...)
				return st.callNative(method.AsNative(), argc+1, buf, vdst, next)
			}
			return st.fail(ErrType, next, "method '%s' is not callable", name)
		}
	}

	// Primitive receivers resolve against the native libraries.
	if lib := st.machine.primitiveLib(receiver); lib != nil {
		if idx, ok := lib.Resolve(name); ok {
			method := lib.At(idx)
			if !method.IsNative() {
				return st.fail(ErrType, next, "primitive method '%s' must be native", name)
			}
			buf := make([]Value, 0, argc+1)
			buf = append(buf, receiver)
			buf = append(buf, st.regs[argStart:argStart+argc]...)
			return st.callNative(method.AsNative(), argc+1, buf, vdst, next)
		}
	}

	return st.fail(ErrType, next, "method '%s' not found on '%s'", name, Stringify(receiver))
}
