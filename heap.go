package meow

import (
	"unsafe"

	"github.com/cespare/xxhash/v2"
	"github.com/dolthub/swiss"
	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
)

// === Arena: bump-pointer block allocator ===
//
// Supplies raw bytes for object payloads (string storage). Blocks start at
// the configured size and double on exhaustion; oversized requests get a
// dedicated block.

type arena struct {
	block     []byte
	off       int
	blockSize int
	allocated int64
}

func newArena(blockSize int) arena {
	return arena{blockSize: blockSize}
}

func (a *arena) alloc(n int) []byte {
	// 8-byte alignment keeps mixed payloads word-addressable.
	a.off = (a.off + 7) &^ 7
	if a.off+n > len(a.block) {
		size := a.blockSize
		if size < n {
			size = n
		}
		a.block = make([]byte, size)
		a.off = 0
		a.blockSize *= 2
	}
	p := a.block[a.off : a.off+n : a.off+n]
	a.off += n
	a.allocated += int64(n)
	return p
}

// === Value-slab freelist ===
//
// Field buffers for instances and small arrays are recycled through
// per-size-class freelists, 16-byte (one Value) increments up to 256
// bytes (sixteen Values). Larger buffers go to the system allocator and
// are not recycled.

const (
	slabClasses  = 16
	slabMaxValues = 16
)

type valueFreelist struct {
	bins [slabClasses + 1][][]Value
}

// sizeClass returns the bin for a buffer of capacity n, or 0 when the
// buffer is too large to recycle.
func sizeClass(n int) int {
	if n < 1 || n > slabMaxValues {
		return 0
	}
	return n
}

func (f *valueFreelist) get(n int) []Value {
	cls := sizeClass(n)
	if cls == 0 {
		return make([]Value, 0, n)
	}
	for c := cls; c <= slabMaxValues; c++ {
		if ln := len(f.bins[c]); ln > 0 {
			s := f.bins[c][ln-1]
			f.bins[c] = f.bins[c][:ln-1]
			return s[:0]
		}
	}
	return make([]Value, 0, cls)
}

func (f *valueFreelist) put(s []Value) {
	cls := sizeClass(cap(s))
	if cls == 0 {
		return
	}
	// Clear so recycled slabs never leak stale references.
	s = s[:cap(s)]
	for i := range s {
		s[i] = Value{}
	}
	f.bins[cls] = append(f.bins[cls], s[:0])
}

// === Heap: the memory manager ===

// HeapStats is an accounting snapshot.
type HeapStats struct {
	ObjectsAllocated int64
	ArenaBytes       int64
	StringsInterned  int64
	Collections      int64
}

// String renders the snapshot for log output.
func (s HeapStats) String() string {
	return "objects=" + humanize.Comma(s.ObjectsAllocated) +
		" arena=" + humanize.IBytes(uint64(s.ArenaBytes)) +
		" strings=" + humanize.Comma(s.StringsInterned)
}

// Heap owns every runtime object: the arena, the slab freelist, the string
// intern pool, the shape-tree root and the collector. Every allocation is
// a GC safepoint; nothing else is.
type Heap struct {
	gc       *GC
	arena    arena
	freelist valueFreelist

	strings *swiss.Map[string, *String]

	emptyShape *Shape

	gcEnabled bool
	allocated int64
	threshold int64

	// tempRoots protects half-built object graphs across allocation
	// safepoints (e.g. a closure while its upvalues are captured).
	tempRoots []Value

	log   *zap.Logger
	stats HeapStats
}

// pushTempRoot keeps v reachable across upcoming allocations.
func (h *Heap) pushTempRoot(v Value) { h.tempRoots = append(h.tempRoots, v) }

// popTempRoot drops the most recent temp root.
func (h *Heap) popTempRoot() { h.tempRoots = h.tempRoots[:len(h.tempRoots)-1] }

// NewHeap builds a heap with its collector. The context and module-manager
// roots are attached by the machine before execution starts.
func NewHeap(cfg Config, log *zap.Logger) *Heap {
	h := &Heap{
		arena:     newArena(cfg.ArenaBlockSize),
		strings:   swiss.NewMap[string, *String](1024),
		gcEnabled: true,
		threshold: cfg.GCThreshold,
		log:       log,
	}
	h.gc = newGC(h, cfg, log)
	return h
}

// GC exposes the collector (instrumentation and tests).
func (h *Heap) GC() *GC { return h.gc }

// Stats returns the current accounting snapshot.
func (h *Heap) Stats() HeapStats {
	s := h.stats
	s.ArenaBytes = h.arena.allocated
	s.Collections = h.gc.stats.Cycles
	return s
}

// EnableGC re-enables collection at allocation safepoints.
func (h *Heap) EnableGC() { h.gcEnabled = true }

// DisableGC suspends collection; allocation still counts toward the
// threshold. Used while the loader wires half-built object graphs.
func (h *Heap) DisableGC() { h.gcEnabled = false }

// Collect forces a collection cycle.
func (h *Heap) Collect() {
	h.allocated = h.gc.collect()
}

// maybeCollect is the allocation safepoint. The caller must not hold a
// half-constructed object that is reachable only from locals the collector
// cannot see; constructors register the object before wiring children.
func (h *Heap) maybeCollect() {
	if h.gcEnabled && h.allocated >= h.threshold {
		h.Collect()
		h.threshold *= 2
	}
}

func (h *Heap) register(o *Object, typ ObjectType, size uint32) {
	o.typ = typ
	o.size = size
	h.gc.registerObject(o)
	h.allocated++
	h.stats.ObjectsAllocated++
}

// WriteBarrier records owner in the remembered set when it is
// old-generation and v references a young object.
func (h *Heap) WriteBarrier(owner *Object, v Value) {
	if h.gcEnabled {
		h.gc.writeBarrier(owner, v)
	}
}

// === Constructors ===

// NewString interns s: the same contents always yield the same object.
// Interned strings are permanent and never collected.
func (h *Heap) NewString(s string) *String {
	if cached, ok := h.strings.Get(s); ok {
		return cached
	}
	h.maybeCollect()
	buf := h.arena.alloc(len(s))
	copy(buf, s)
	var stable string
	if len(buf) > 0 {
		stable = unsafe.String(&buf[0], len(buf))
	}
	obj := &String{hash: xxhash.Sum64String(s), str: stable}
	obj.typ = TypeString
	obj.size = uint32(len(s))
	h.gc.registerPermanent(&obj.Object)
	h.allocated++
	h.stats.ObjectsAllocated++
	h.stats.StringsInterned++
	h.strings.Put(stable, obj)
	return obj
}

// NewStringBytes interns the contents of b.
func (h *Heap) NewStringBytes(b []byte) *String {
	return h.NewString(string(b))
}

// NewArray allocates an empty array with room for capacity elements.
func (h *Heap) NewArray(capacity int) *Array {
	h.maybeCollect()
	a := &Array{elems: h.freelist.get(capacity)}
	h.register(&a.Object, TypeArray, uint32(capacity)*uint32(unsafe.Sizeof(Value{})))
	return a
}

// NewArrayWith allocates an array holding elems.
func (h *Heap) NewArrayWith(elems []Value) *Array {
	a := h.NewArray(len(elems))
	a.elems = append(a.elems, elems...)
	return a
}

// NewHash allocates an empty hash table.
func (h *Heap) NewHash() *HashTable {
	h.maybeCollect()
	t := &HashTable{entries: swiss.NewMap[*String, Value](8)}
	h.register(&t.Object, TypeHashTable, 0)
	return t
}

// NewUpvalue allocates an open upvalue pointing at stack slot index.
func (h *Heap) NewUpvalue(index int) *Upvalue {
	h.maybeCollect()
	u := &Upvalue{index: index, value: Null()}
	h.register(&u.Object, TypeUpvalue, 0)
	return u
}

// NewProto allocates a function prototype. Constants and code are owned by
// the proto and immutable after loading.
func (h *Heap) NewProto(registers, upvalues int, name *String, code []byte, constants []Value, descs []UpvalueDesc, callICs, propICs int) *Proto {
	h.maybeCollect()
	p := &Proto{
		name:         name,
		numRegisters: registers,
		numUpvalues:  upvalues,
		code:         code,
		constants:    constants,
		upvalDescs:   descs,
		callICs:      make([]CallIC, callICs),
		propICs:      make([]PropIC, propICs),
	}
	for i := range p.callICs {
		p.callICs[i].native = -1
	}
	h.register(&p.Object, TypeProto, uint32(len(code)))
	return p
}

// NewClosure allocates a closure over proto with unresolved upvalues.
func (h *Heap) NewClosure(proto *Proto) *Closure {
	h.maybeCollect()
	c := &Closure{proto: proto}
	if n := proto.numUpvalues; n > 0 {
		c.upvalues = make([]*Upvalue, n)
	}
	h.register(&c.Object, TypeClosure, 0)
	return c
}

// NewClass allocates a class.
func (h *Heap) NewClass(name *String) *Class {
	h.maybeCollect()
	c := &Class{name: name}
	h.register(&c.Object, TypeClass, 0)
	return c
}

// NewInstance allocates an instance with the given shape; the field buffer
// length matches the shape's field count.
func (h *Heap) NewInstance(class *Class, shape *Shape) *Instance {
	h.maybeCollect()
	i := &Instance{class: class, shape: shape}
	if n := shape.FieldCount(); n > 0 {
		i.fields = h.freelist.get(n)
		for k := 0; k < n; k++ {
			i.fields = append(i.fields, Null())
		}
	}
	h.register(&i.Object, TypeInstance, uint32(shape.FieldCount())*uint32(unsafe.Sizeof(Value{})))
	return i
}

// appendField grows an instance's field buffer by one through the slab
// freelist, preserving the shape invariant len(fields) == shape count
// only after the caller also moves the shape.
func (h *Heap) appendField(inst *Instance, v Value) {
	if len(inst.fields) < cap(inst.fields) {
		inst.fields = append(inst.fields, v)
		return
	}
	grown := h.freelist.get(len(inst.fields) + 1)
	grown = append(grown, inst.fields...)
	grown = append(grown, v)
	h.freelist.put(inst.fields)
	inst.fields = grown
}

// NewBoundMethod allocates a receiver/method pair.
func (h *Heap) NewBoundMethod(receiver, method Value) *BoundMethod {
	h.maybeCollect()
	b := &BoundMethod{receiver: receiver, method: method}
	h.register(&b.Object, TypeBoundMethod, 0)
	return b
}

// NewModule allocates a module in the loading state.
func (h *Heap) NewModule(fileName, filePath *String) *Module {
	h.maybeCollect()
	m := &Module{
		fileName:    fileName,
		filePath:    filePath,
		globalNames: swiss.NewMap[*String, uint32](16),
		exports:     swiss.NewMap[*String, Value](16),
		state:       ModuleLoading,
	}
	h.register(&m.Object, TypeModule, 0)
	return m
}

// NewShape allocates an empty shape.
func (h *Heap) NewShape() *Shape {
	h.maybeCollect()
	s := &Shape{}
	h.register(&s.Object, TypeShape, 0)
	return s
}

// EmptyShape returns the process-wide root of the shape tree. It is
// permanent: field count zero, no offsets.
func (h *Heap) EmptyShape() *Shape {
	if h.emptyShape == nil {
		s := &Shape{}
		s.typ = TypeShape
		h.gc.registerPermanent(&s.Object)
		h.allocated++
		h.stats.ObjectsAllocated++
		h.emptyShape = s
	}
	return h.emptyShape
}

// releaseBuffers hands a dying object's owned buffers back to the slab
// freelist. Called by the collector only.
func (h *Heap) releaseBuffers(o *Object) {
	switch o.typ {
	case TypeInstance:
		inst := o.asInstance()
		h.freelist.put(inst.fields)
		inst.fields = nil
	case TypeArray:
		arr := o.asArray()
		h.freelist.put(arr.elems)
		arr.elems = nil
	}
}
