package meow

import (
	"unsafe"

	"github.com/dolthub/swiss"
)

// === Heap object model ===
//
// Every heap object starts with an Object header. Concrete types embed the
// header as their first field, so a *Object converts back to the concrete
// type with a first-field cast, the way the interpreter and GC expect.
// The header carries the type tag, the GC flags and the freelist bin
// metadata, plus the intrusive generation-list link owned by the collector.

// ObjectType tags the concrete layout behind an Object header.
type ObjectType uint8

const (
	TypeString ObjectType = iota + 1
	TypeArray
	TypeHashTable
	TypeClass
	TypeInstance
	TypeShape
	TypeBoundMethod
	TypeUpvalue
	TypeProto
	TypeClosure
	TypeModule
)

var objectTypeNames = [...]string{
	TypeString: "string", TypeArray: "array", TypeHashTable: "object",
	TypeClass: "class", TypeInstance: "instance", TypeShape: "shape",
	TypeBoundMethod: "bound method", TypeUpvalue: "upvalue",
	TypeProto: "proto", TypeClosure: "function", TypeModule: "module",
}

func (t ObjectType) String() string {
	if int(t) < len(objectTypeNames) && objectTypeNames[t] != "" {
		return objectTypeNames[t]
	}
	return "unknown"
}

// GC flag bits (header flags field).
const (
	flagOld       = 1 << 0 // generation: set = old, clear = young
	flagMarked    = 1 << 1
	flagPermanent = 1 << 2
)

// Object is the uniform header. size is the allocation-size metadata used
// for freelist binning of the object's owned buffers.
type Object struct {
	typ    ObjectType
	flags  uint8
	size   uint32
	nextGC *Object
}

// Type returns the header's type tag.
func (o *Object) Type() ObjectType { return o.typ }

func (o *Object) isOld() bool       { return o.flags&flagOld != 0 }
func (o *Object) isMarked() bool    { return o.flags&flagMarked != 0 }
func (o *Object) isPermanent() bool { return o.flags&flagPermanent != 0 }

// First-field casts. Valid because each concrete type embeds Object first.

func (o *Object) asString() *String           { return (*String)(unsafe.Pointer(o)) }
func (o *Object) asArray() *Array             { return (*Array)(unsafe.Pointer(o)) }
func (o *Object) asHashTable() *HashTable     { return (*HashTable)(unsafe.Pointer(o)) }
func (o *Object) asClass() *Class             { return (*Class)(unsafe.Pointer(o)) }
func (o *Object) asInstance() *Instance       { return (*Instance)(unsafe.Pointer(o)) }
func (o *Object) asShape() *Shape             { return (*Shape)(unsafe.Pointer(o)) }
func (o *Object) asBoundMethod() *BoundMethod { return (*BoundMethod)(unsafe.Pointer(o)) }
func (o *Object) asUpvalue() *Upvalue         { return (*Upvalue)(unsafe.Pointer(o)) }
func (o *Object) asProto() *Proto             { return (*Proto)(unsafe.Pointer(o)) }
func (o *Object) asClosure() *Closure         { return (*Closure)(unsafe.Pointer(o)) }
func (o *Object) asModule() *Module           { return (*Module)(unsafe.Pointer(o)) }

// === String ===

// String is an immutable, interned UTF-8 string. Identity equality implies
// value equality: the heap's intern pool guarantees one object per
// contents. The byte storage lives in the heap arena.
type String struct {
	Object
	hash uint64
	str  string
}

func (s *String) Len() int       { return len(s.str) }
func (s *String) String() string { return s.str }
func (s *String) Hash() uint64   { return s.hash }

// ByteAt returns the raw byte at index i.
func (s *String) ByteAt(i int) byte { return s.str[i] }

// === Array ===

// Array is a mutable contiguous Value buffer.
type Array struct {
	Object
	elems []Value
}

func (a *Array) Len() int           { return len(a.elems) }
func (a *Array) Get(i int) Value    { return a.elems[i] }
func (a *Array) Set(i int, v Value) { a.elems[i] = v }
func (a *Array) Push(v Value)       { a.elems = append(a.elems, v) }

// Reserve ensures room for n more elements.
func (a *Array) Reserve(n int) {
	if cap(a.elems)-len(a.elems) < n {
		grown := make([]Value, len(a.elems), len(a.elems)+n)
		copy(grown, a.elems)
		a.elems = grown
	}
}

// Resize grows the array to n elements, filling new slots with null.
func (a *Array) Resize(n int) {
	for len(a.elems) < n {
		a.elems = append(a.elems, Null())
	}
	if len(a.elems) > n {
		a.elems = a.elems[:n]
	}
}

// === HashTable ===

// HashTable maps interned-string keys to values. The storage is a
// SIMD-probed swiss table; key identity is pointer identity, which the
// intern pool makes equivalent to contents equality.
type HashTable struct {
	Object
	entries *swiss.Map[*String, Value]
}

func (h *HashTable) Len() int { return h.entries.Count() }

func (h *HashTable) Get(key *String) (Value, bool) { return h.entries.Get(key) }
func (h *HashTable) Set(key *String, v Value)      { h.entries.Put(key, v) }
func (h *HashTable) Has(key *String) bool          { return h.entries.Has(key) }
func (h *HashTable) Delete(key *String) bool       { return h.entries.Delete(key) }

// Iter visits every entry until fn returns true.
func (h *HashTable) Iter(fn func(key *String, v Value) bool) {
	h.entries.Iter(fn)
}

// === Class ===

// Class is a named method holder with an optional superclass. Methods are
// a small flat map probed linearly: classes rarely carry more than a
// handful of methods and the interned-key compare is one word.
type Class struct {
	Object
	name    *String
	super   *Class
	methods []classMethod
}

type classMethod struct {
	name   *String
	method Value
}

func (c *Class) Name() *String     { return c.name }
func (c *Class) Super() *Class     { return c.super }
func (c *Class) SetSuper(s *Class) { c.super = s }

func (c *Class) Method(name *String) (Value, bool) {
	for i := range c.methods {
		if c.methods[i].name == name {
			return c.methods[i].method, true
		}
	}
	return Null(), false
}

func (c *Class) SetMethod(name *String, method Value) {
	for i := range c.methods {
		if c.methods[i].name == name {
			c.methods[i].method = method
			return
		}
	}
	c.methods = append(c.methods, classMethod{name, method})
}

// ResolveMethod walks the class chain.
func (c *Class) ResolveMethod(name *String) (Value, bool) {
	for k := c; k != nil; k = k.super {
		if m, ok := k.Method(name); ok {
			return m, true
		}
	}
	return Null(), false
}

// === Instance ===

// Instance is a class instance: a shape describing the property layout and
// a field buffer whose length always equals the shape's field count.
type Instance struct {
	Object
	class  *Class
	shape  *Shape
	fields []Value
}

func (i *Instance) Class() *Class         { return i.class }
func (i *Instance) Shape() *Shape         { return i.shape }
func (i *Instance) setShape(s *Shape)     { i.shape = s }
func (i *Instance) FieldCount() int       { return len(i.fields) }
func (i *Instance) FieldAt(off int) Value { return i.fields[off] }

func (i *Instance) setFieldAt(off int, v Value) { i.fields[off] = v }

// Field looks a property up through the shape (slow path).
func (i *Instance) Field(name *String) (Value, bool) {
	if off, ok := i.shape.Offset(name); ok {
		return i.fields[off], true
	}
	return Null(), false
}

// === BoundMethod ===

// BoundMethod pairs a receiver with a method value (closure or native).
type BoundMethod struct {
	Object
	receiver Value
	method   Value
}

func (b *BoundMethod) Receiver() Value { return b.receiver }
func (b *BoundMethod) Method() Value   { return b.method }

// === Upvalue ===

// Upvalue is a captured free variable. Open, it indexes the value stack;
// closed, it owns its value.
type Upvalue struct {
	Object
	index  int
	closed bool
	value  Value
}

func (u *Upvalue) Index() int    { return u.index }
func (u *Upvalue) IsClosed() bool { return u.closed }
func (u *Upvalue) Value() Value  { return u.value }

func (u *Upvalue) close(v Value) {
	u.value = v
	u.closed = true
}

func (u *Upvalue) setClosed(v Value) { u.value = v }

// === Proto ===

// UpvalueDesc tells closure creation where a captured variable lives: in
// the enclosing frame's registers (IsLocal) or in the enclosing closure's
// upvalue list.
type UpvalueDesc struct {
	IsLocal bool
	Index   uint32
}

// Proto is an immutable function prototype: code, constants and metadata.
// The loader resolves every inter-proto constant reference before
// execution begins. The inline-cache arrays sit beside the read-only
// bytecode and are indexed by the u16 cache-slot operands.
type Proto struct {
	Object
	name         *String
	numRegisters int
	numUpvalues  int
	code         []byte
	constants    []Value
	upvalDescs   []UpvalueDesc
	module       *Module

	callICs []CallIC
	propICs []PropIC

	calls int64 // call-count; the JIT does not consult it
	jit   *jitCode
}

func (p *Proto) Name() *String          { return p.name }
func (p *Proto) NumRegisters() int      { return p.numRegisters }
func (p *Proto) NumUpvalues() int       { return p.numUpvalues }
func (p *Proto) Code() []byte           { return p.code }
func (p *Proto) Constant(i int) Value   { return p.constants[i] }
func (p *Proto) NumConstants() int      { return len(p.constants) }
func (p *Proto) Desc(i int) UpvalueDesc { return p.upvalDescs[i] }
func (p *Proto) Module() *Module        { return p.module }

// CallIC is the call-site cache: the last monomorphic callee proto
// (check tag) or native-registry index, plus hit accounting used by the
// instrumentation hooks.
type CallIC struct {
	check  *Proto
	native int32
	hits   uint64
	misses uint64
}

// Hits reports fast-path entries at this call site.
func (ic *CallIC) Hits() uint64 { return ic.hits }

// Misses reports check-tag updates at this call site.
func (ic *CallIC) Misses() uint64 { return ic.misses }

// PropICEntry caches one shape observation: an update (transition nil) or
// a transition (both set).
type PropICEntry struct {
	shape      *Shape
	transition *Shape
	offset     uint32
}

// Shape returns the cached receiver shape.
func (e *PropICEntry) Shape() *Shape { return e.shape }

// Offset returns the cached field offset.
func (e *PropICEntry) Offset() uint32 { return e.offset }

const propICCapacity = 4

// PropIC is the polymorphic property-site cache, probed front to back with
// move-to-front on hit.
type PropIC struct {
	entries   [propICCapacity]PropICEntry
	slowPaths uint64
}

// Entry returns cache entry i.
func (ic *PropIC) Entry(i int) *PropICEntry { return &ic.entries[i] }

// SlowPaths reports full-miss shape-table walks at this site.
func (ic *PropIC) SlowPaths() uint64 { return ic.slowPaths }

// CallIC returns call-site cache slot i.
func (p *Proto) CallIC(i int) *CallIC { return &p.callICs[i] }

// PropIC returns property-site cache slot i.
func (p *Proto) PropIC(i int) *PropIC { return &p.propICs[i] }

// === Closure ===

// Closure binds a proto to its captured upvalues.
type Closure struct {
	Object
	proto    *Proto
	upvalues []*Upvalue
}

func (c *Closure) Proto() *Proto            { return c.proto }
func (c *Closure) Upvalue(i int) *Upvalue   { return c.upvalues[i] }
func (c *Closure) setUpvalue(i int, u *Upvalue) { c.upvalues[i] = u }

// === Module ===

// ModuleState tracks import sequencing. A module observed in
// ModuleExecuting during a cyclic import returns its current exports
// without re-entering.
type ModuleState uint8

const (
	ModuleLoading ModuleState = iota
	ModuleExecuting
	ModuleExecuted
)

// Module is a loaded compilation unit: indexed globals with lazy name
// interning, an export map, and the entry proto.
type Module struct {
	Object
	fileName    *String
	filePath    *String
	mainProto   *Proto
	globals     []Value
	globalNames *swiss.Map[*String, uint32]
	exports     *swiss.Map[*String, Value]
	state       ModuleState
}

func (m *Module) FileName() *String  { return m.fileName }
func (m *Module) FilePath() *String  { return m.filePath }
func (m *Module) MainProto() *Proto  { return m.mainProto }
func (m *Module) State() ModuleState { return m.state }
func (m *Module) HasMain() bool      { return m.mainProto != nil }

// SetMainProto installs the entry proto and binds it to this module.
func (m *Module) SetMainProto(p *Proto) {
	m.mainProto = p
	if p != nil {
		p.module = m
	}
}

// AdoptProto binds a non-entry proto to this module.
func (m *Module) AdoptProto(p *Proto) { p.module = m }

func (m *Module) setExecuting() { m.state = ModuleExecuting }
func (m *Module) setExecuted()  { m.state = ModuleExecuted }

// --- Globals ---

// InternGlobal returns name's global index, assigning the next slot on
// first reference.
func (m *Module) InternGlobal(name *String) uint32 {
	if idx, ok := m.globalNames.Get(name); ok {
		return idx
	}
	idx := uint32(len(m.globals))
	m.globals = append(m.globals, Null())
	m.globalNames.Put(name, idx)
	return idx
}

func (m *Module) GlobalByIndex(idx uint32) Value       { return m.globals[idx] }
func (m *Module) SetGlobalByIndex(idx uint32, v Value) { m.globals[idx] = v }

// NumGlobals reports the interned global count.
func (m *Module) NumGlobals() int { return len(m.globals) }

// SetGlobal interns name if needed and assigns it.
func (m *Module) SetGlobal(name *String, v Value) {
	m.globals[m.InternGlobal(name)] = v
}

// --- Exports ---

func (m *Module) Export(name *String) (Value, bool) { return m.exports.Get(name) }
func (m *Module) HasExport(name *String) bool       { return m.exports.Has(name) }
func (m *Module) SetExport(name *String, v Value)   { m.exports.Put(name, v) }

// NumExports reports the export count.
func (m *Module) NumExports() int { return m.exports.Count() }

// importAllFrom merges other's exports into this module's globals,
// last-writer-wins.
func (m *Module) importAllFrom(other *Module) {
	other.exports.Iter(func(name *String, v Value) bool {
		m.SetGlobal(name, v)
		return false
	})
}
