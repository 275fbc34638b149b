package meow

import (
	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
)

// === Generational mark-and-sweep collector ===
//
// Two generations plus a permanent list, no compaction. Objects are born
// young; surviving one young cycle promotes them to old. The write barrier
// records old objects that receive young references; those remembered
// entries are extra roots for young collections so old space never needs a
// full scan. Collection runs only at allocation safepoints.

// GCStats is a collector accounting snapshot.
type GCStats struct {
	Cycles      int64
	FullCycles  int64
	Promoted    int64
	Freed       int64
	LiveYoung   int64
	LiveOld     int64
	LivePerm    int64
	Remembered  int64
}

// GC is the collector. Generation membership is an intrusive list through
// each object header.
type GC struct {
	heap    *Heap
	ctx     *ExecutionContext
	modules *ModuleManager

	youngHead *Object
	oldHead   *Object
	permHead  *Object

	remembered []*Object

	youngCount      int64
	oldCount        int64
	permCount       int64
	oldThresholdMin int64
	oldThreshold    int64

	log *zap.Logger

	stats GCStats
}

func newGC(h *Heap, cfg Config, log *zap.Logger) *GC {
	return &GC{
		heap:            h,
		oldThresholdMin: cfg.OldGenThreshold,
		oldThreshold:    cfg.OldGenThreshold,
		log:             log,
	}
}

// attachRoots wires the root providers. Must happen before execution.
func (gc *GC) attachRoots(ctx *ExecutionContext, modules *ModuleManager) {
	gc.ctx = ctx
	gc.modules = modules
}

// Stats returns the current accounting snapshot.
func (gc *GC) Stats() GCStats {
	s := gc.stats
	s.LiveYoung = gc.youngCount
	s.LiveOld = gc.oldCount
	s.LivePerm = gc.permCount
	s.Remembered = int64(len(gc.remembered))
	return s
}

func (gc *GC) registerObject(o *Object) {
	o.nextGC = gc.youngHead
	gc.youngHead = o
	o.flags = 0 // young, unmarked
	gc.youngCount++
}

// registerPermanent installs o on the permanent list. Permanents are
// always treated as marked; the flag is never cleared.
func (gc *GC) registerPermanent(o *Object) {
	o.nextGC = gc.permHead
	gc.permHead = o
	o.flags = flagOld | flagPermanent | flagMarked
	gc.permCount++
}

// writeBarrier: a store of value into owner must remember owner when owner
// is old and value is young. Stack writes never call this; the stack is a
// root.
func (gc *GC) writeBarrier(owner *Object, value Value) {
	if owner.flags&flagOld == 0 {
		return
	}
	target := value.obj
	if target != nil && target.flags&flagOld == 0 {
		gc.remembered = append(gc.remembered, owner)
	}
}

// Remembered reports whether o currently sits in the remembered set.
func (gc *GC) Remembered(o *Object) bool {
	for _, r := range gc.remembered {
		if r == o {
			return true
		}
	}
	return false
}

// collect runs one cycle and returns the live object count. A full cycle
// fires when old occupancy exceeds the dynamic threshold; otherwise only
// the young generation is visited.
func (gc *GC) collect() int64 {
	full := gc.oldCount > gc.oldThreshold
	gc.stats.Cycles++

	gc.markRoots(full)

	var promoted, freed int64
	if full {
		gc.stats.FullCycles++
		freed += gc.sweepOld()
	}
	p, f := gc.sweepYoung()
	promoted += p
	freed += f

	gc.remembered = gc.remembered[:0]

	if full {
		gc.oldThreshold = gc.oldCount * 2
		if gc.oldThreshold < gc.oldThresholdMin {
			gc.oldThreshold = gc.oldThresholdMin
		}
	}

	gc.stats.Promoted += promoted
	gc.stats.Freed += freed

	if gc.log != nil {
		gc.log.Debug("gc cycle",
			zap.Bool("full", full),
			zap.Int64("promoted", promoted),
			zap.Int64("freed", freed),
			zap.Int64("young", gc.youngCount),
			zap.Int64("old", gc.oldCount),
			zap.String("arena", humanize.IBytes(uint64(gc.heap.arena.allocated))))
	}

	return gc.youngCount + gc.oldCount
}

// markRoots traces the stack, frames, open upvalues, loaded modules and
// permanent objects' referents. For young cycles the remembered set acts
// as extra roots and marking stops at old objects.
func (gc *GC) markRoots(full bool) {
	mark := gc.markYoung
	if full {
		mark = gc.markAny
	}

	if gc.ctx != nil {
		gc.ctx.trace(func(v Value) {
			if v.obj != nil {
				mark(v.obj)
			}
		}, mark)
	}
	if gc.modules != nil {
		gc.modules.trace(mark)
	}
	for _, v := range gc.heap.tempRoots {
		if v.obj != nil {
			mark(v.obj)
		}
	}

	// Permanent objects are roots for their referents. Interned strings
	// have none and dominate the list; skip them.
	for p := gc.permHead; p != nil; p = p.nextGC {
		if p.typ != TypeString {
			gc.traceChildren(p, mark)
		}
	}

	if !full {
		for _, owner := range gc.remembered {
			gc.traceChildren(owner, mark)
		}
	}
}

// markYoung marks reachable young objects only; old and permanent objects
// terminate the walk.
func (gc *GC) markYoung(o *Object) {
	if o == nil || o.flags&(flagOld|flagMarked) != 0 {
		return
	}
	o.flags |= flagMarked
	gc.traceChildren(o, gc.markYoung)
}

// markAny marks reachable objects in both generations.
func (gc *GC) markAny(o *Object) {
	if o == nil || o.flags&(flagMarked|flagPermanent) != 0 {
		return
	}
	o.flags |= flagMarked
	gc.traceChildren(o, gc.markAny)
}

// traceChildren visits o's outgoing references. Inline caches are
// deliberately not traced: a stale entry is a harmless miss.
func (gc *GC) traceChildren(o *Object, mark func(*Object)) {
	markValue := func(v Value) {
		if v.obj != nil {
			mark(v.obj)
		}
	}
	switch o.typ {
	case TypeString:
		// no children
	case TypeArray:
		a := o.asArray()
		for i := range a.elems {
			markValue(a.elems[i])
		}
	case TypeHashTable:
		t := o.asHashTable()
		t.entries.Iter(func(k *String, v Value) bool {
			mark(&k.Object)
			markValue(v)
			return false
		})
	case TypeClass:
		c := o.asClass()
		if c.name != nil {
			mark(&c.name.Object)
		}
		if c.super != nil {
			mark(&c.super.Object)
		}
		for i := range c.methods {
			mark(&c.methods[i].name.Object)
			markValue(c.methods[i].method)
		}
	case TypeInstance:
		inst := o.asInstance()
		if inst.class != nil {
			mark(&inst.class.Object)
		}
		if inst.shape != nil {
			mark(&inst.shape.Object)
		}
		for i := range inst.fields {
			markValue(inst.fields[i])
		}
	case TypeShape:
		s := o.asShape()
		for i := range s.properties {
			mark(&s.properties[i].name.Object)
		}
		for i := range s.transitions {
			mark(&s.transitions[i].name.Object)
			mark(&s.transitions[i].next.Object)
		}
	case TypeBoundMethod:
		b := o.asBoundMethod()
		markValue(b.receiver)
		markValue(b.method)
	case TypeUpvalue:
		u := o.asUpvalue()
		if u.closed {
			markValue(u.value)
		}
	case TypeProto:
		p := o.asProto()
		if p.name != nil {
			mark(&p.name.Object)
		}
		for i := range p.constants {
			markValue(p.constants[i])
		}
	case TypeClosure:
		c := o.asClosure()
		mark(&c.proto.Object)
		for _, uv := range c.upvalues {
			if uv != nil {
				mark(&uv.Object)
			}
		}
	case TypeModule:
		m := o.asModule()
		if m.fileName != nil {
			mark(&m.fileName.Object)
		}
		if m.filePath != nil {
			mark(&m.filePath.Object)
		}
		if m.mainProto != nil {
			mark(&m.mainProto.Object)
		}
		for i := range m.globals {
			markValue(m.globals[i])
		}
		m.globalNames.Iter(func(k *String, _ uint32) bool {
			mark(&k.Object)
			return false
		})
		m.exports.Iter(func(k *String, v Value) bool {
			mark(&k.Object)
			markValue(v)
			return false
		})
	}
}

// sweepYoung promotes marked young objects to old (unmarking them) and
// frees the rest.
func (gc *GC) sweepYoung() (promoted, freed int64) {
	curr := &gc.youngHead
	for *curr != nil {
		o := *curr
		if o.flags&flagMarked != 0 {
			*curr = o.nextGC
			o.nextGC = gc.oldHead
			gc.oldHead = o
			o.flags = flagOld
			gc.youngCount--
			gc.oldCount++
			promoted++
		} else {
			*curr = o.nextGC
			gc.free(o)
			gc.youngCount--
			freed++
		}
	}
	return promoted, freed
}

// sweepOld frees unmarked old objects and clears the mark on survivors.
func (gc *GC) sweepOld() (freed int64) {
	curr := &gc.oldHead
	for *curr != nil {
		o := *curr
		if o.flags&flagMarked != 0 {
			o.flags &^= flagMarked
			curr = &o.nextGC
		} else {
			*curr = o.nextGC
			gc.free(o)
			gc.oldCount--
			freed++
		}
	}
	return freed
}

// free returns the object's owned buffers to the heap and unlinks it; the
// header itself is reclaimed once nothing references it.
func (gc *GC) free(o *Object) {
	gc.heap.releaseBuffers(o)
	o.nextGC = nil
}
