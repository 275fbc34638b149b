package meow

// === Module instructions ===

// opImportModule loads a module through the manager. First import of a
// module with an entry proto suspends the importer: the entry runs as a
// top-level call and control resumes at the saved ip when it returns. A
// module already executing (cyclic import) yields its current exports
// without re-entering.
func opImportModule(st *vmState, ip int) int {
	dst := int(readU16(st.code, ip))
	pathIdx := int(readU16(st.code, ip+2))
	next := ip + 4

	path := st.constants[pathIdx].AsString()
	var importer *String
	if st.module != nil {
		importer = st.module.filePath
	}

	mod, err := st.modules.Load(path, importer)
	if err != nil {
		return st.fail(ErrType, next, "cannot import module '%s': %v", path, err)
	}
	st.regs[dst] = ObjectValue(&mod.Object)

	if mod.state == ModuleExecuted || mod.state == ModuleExecuting {
		return next
	}
	if !mod.HasMain() {
		mod.setExecuted()
		return next
	}

	mod.setExecuting()

	mainProto := mod.mainProto
	mainClosure := st.heap.NewClosure(mainProto)

	if !st.ctx.checkFrameOverflow() {
		return st.fail(ErrStackOverflow, next, "call stack overflow (too many imports)")
	}
	if !st.ctx.checkOverflow(mainProto.numRegisters) {
		return st.fail(ErrStackOverflow, next, "register stack overflow at import")
	}

	return st.pushCallFrame(mainClosure, 0, 0, Null(), false, noDest, next, next)
}

func opExport(st *vmState, ip int) int {
	nameIdx := int(readU16(st.code, ip))
	src := int(readU16(st.code, ip+2))
	next := ip + 4

	name := st.constants[nameIdx].AsString()
	val := st.regs[src]
	st.module.SetExport(name, val)
	st.heap.WriteBarrier(&st.module.Object, val)
	return next
}

func opGetExport(st *vmState, ip int) int {
	dst := int(readU16(st.code, ip))
	modReg := int(readU16(st.code, ip+2))
	nameIdx := int(readU16(st.code, ip+4))
	next := ip + 6

	modVal := st.regs[modReg]
	name := st.constants[nameIdx].AsString()
	if !modVal.IsModule() {
		return st.fail(ErrType, next, "GET_EXPORT: operand is not a module")
	}
	mod := modVal.AsModule()
	v, ok := mod.Export(name)
	if !ok {
		return st.fail(ErrKey, next, "module does not export '%s'", name)
	}
	st.regs[dst] = v
	return next
}

// opImportAll merges the source module's exports into the current
// module's globals, last-writer-wins.
func opImportAll(st *vmState, ip int) int {
	srcReg := int(readU16(st.code, ip))
	next := ip + 2

	src := st.regs[srcReg].AsIfModule()
	if src == nil {
		return st.fail(ErrType, next, "IMPORT_ALL: register does not contain a module")
	}
	st.module.importAllFrom(src)
	return next
}
