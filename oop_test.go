package meow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Hidden-class monomorphism: 1000 instances built by assigning x then y
// share one shape with offsets x→0, y→1.
func TestHiddenClassMonomorphism(t *testing.T) {
	m := testMachine(t)
	h := m.Heap()

	mk := buildProto(h, 4, func(w *ChunkWriter) {
		xK := w.Const(ObjectValue(&h.NewString("x").Object))
		yK := w.Const(ObjectValue(&h.NewString("y").Object))
		w.Op(OpGetGlobal).U16(0).U16(0)
		w.Op(OpNewInstance).U16(1).U16(0)
		w.Op(OpLoadInt).U16(2).I64(1)
		w.Op(OpSetProp).U16(1).U16(xK).U16(2).PropIC()
		w.Op(OpLoadInt).U16(3).I64(2)
		w.Op(OpSetProp).U16(1).U16(yK).U16(3).PropIC()
		w.Op(OpReturn).U16(1)
	})

	main := buildProto(h, 8, func(w *ChunkWriter) {
		pointK := w.Const(ObjectValue(&h.NewString("Point").Object))
		mkK := w.Const(ObjectValue(&mk.Object))
		w.Op(OpNewClass).U16(0).U16(pointK)
		w.Op(OpSetGlobal).U16(0).U16(0)
		w.Op(OpClosure).U16(1).U16(mkK)
		w.Op(OpNewArray).U16(2).U16(0).U16(0)
		w.Op(OpLoadInt).U16(3).I64(0)
		w.Op(OpLoadInt).U16(4).I64(1000)
		w.Op(OpLoadInt).U16(5).I64(1)
		loop := w.Here()
		w.Op(OpJumpIfGe).U16(3).U16(4)
		exit := w.JumpPlaceholder()
		w.Op(OpCall).U16(6).U16(1).U16(7).U16(0).CallIC()
		w.Op(OpSetIndex).U16(2).U16(3).U16(6)
		w.Op(OpAdd).U16(3).U16(3).U16(5)
		w.Op(OpJump)
		require.NoError(t, w.JumpBack(loop))
		require.NoError(t, w.PatchJump(exit))
		w.Op(OpReturn).U16(2)
	})

	mod := testModule(m, "points", main)
	mod.AdoptProto(mk)
	mod.InternGlobal(h.NewString("Point"))

	v, err := m.Interpret(mod)
	require.NoError(t, err)
	require.True(t, v.IsArray())
	arr := v.AsArray()
	require.Equal(t, 1000, arr.Len())

	shape := arr.Get(0).AsInstance().Shape()
	for i := 0; i < arr.Len(); i++ {
		inst := arr.Get(i).AsInstance()
		assert.Same(t, shape, inst.Shape(), "instance %d", i)
		assert.Equal(t, 2, inst.FieldCount())
	}

	assert.Equal(t, 2, shape.FieldCount())
	offX, okX := shape.Offset(h.NewString("x"))
	offY, okY := shape.Offset(h.NewString("y"))
	require.True(t, okX)
	require.True(t, okY)
	assert.EqualValues(t, 0, offX)
	assert.EqualValues(t, 1, offY)

	// Both SET_PROP sites went monomorphic: one slow path each (the
	// transition miss), then cache hits for the other 999 instances.
	assert.EqualValues(t, 1, mk.PropIC(0).SlowPaths())
	assert.EqualValues(t, 1, mk.PropIC(1).SlowPaths())
}

// Inline-cache stability: 100 reads of p.x against a fixed shape leave
// entry 0 holding that shape and exactly one slow-path walk.
func TestPropertyICStability(t *testing.T) {
	m := testMachine(t)
	h := m.Heap()

	main := buildProto(h, 8, func(w *ChunkWriter) {
		pK := w.Const(ObjectValue(&h.NewString("P").Object))
		xK := w.Const(ObjectValue(&h.NewString("x").Object))
		w.Op(OpNewClass).U16(0).U16(pK)
		w.Op(OpNewInstance).U16(1).U16(0)
		w.Op(OpLoadInt).U16(2).I64(7)
		w.Op(OpSetProp).U16(1).U16(xK).U16(2).PropIC()
		w.Op(OpLoadInt).U16(3).I64(0)
		w.Op(OpLoadInt).U16(4).I64(100)
		w.Op(OpLoadInt).U16(5).I64(1)
		loop := w.Here()
		w.Op(OpJumpIfGe).U16(3).U16(4)
		exit := w.JumpPlaceholder()
		w.Op(OpGetProp).U16(6).U16(1).U16(xK).PropIC()
		w.Op(OpAdd).U16(3).U16(3).U16(5)
		w.Op(OpJump)
		require.NoError(t, w.JumpBack(loop))
		require.NoError(t, w.PatchJump(exit))
		w.Op(OpReturn).U16(1)
	})

	v := mustRun(t, m, main)
	require.True(t, v.IsInstance())
	inst := v.AsInstance()

	ic := main.PropIC(1) // slot 1: the GET_PROP site
	assert.Same(t, inst.Shape(), ic.Entry(0).Shape())
	assert.EqualValues(t, 0, ic.Entry(0).Offset())
	assert.EqualValues(t, 1, ic.SlowPaths(), "only the first read walks the shape table")
}

func TestClassConstructorRunsInit(t *testing.T) {
	m := testMachine(t)
	h := m.Heap()

	init := buildProto(h, 2, func(w *ChunkWriter) {
		vK := w.Const(ObjectValue(&h.NewString("v").Object))
		w.Op(OpSetProp).U16(0).U16(vK).U16(1).PropIC()
		w.Op(OpReturn).U16(0xFFFF)
	})

	main := buildProto(h, 6, func(w *ChunkWriter) {
		cK := w.Const(ObjectValue(&h.NewString("C").Object))
		initNameK := w.Const(ObjectValue(&h.NewString("init").Object))
		initK := w.Const(ObjectValue(&init.Object))
		w.Op(OpNewClass).U16(0).U16(cK)
		w.Op(OpClosure).U16(1).U16(initK)
		w.Op(OpSetMethod).U16(0).U16(initNameK).U16(1)
		w.Op(OpLoadInt).U16(3).I64(5)
		w.Op(OpCall).U16(2).U16(0).U16(3).U16(1).CallIC()
		w.Op(OpReturn).U16(2)
	})

	v := mustRun(t, m, main)
	require.True(t, v.IsInstance())
	inst := v.AsInstance()
	field, ok := inst.Field(h.NewString("v"))
	require.True(t, ok)
	assert.EqualValues(t, 5, field.AsInt())
}

func TestConstructorWithoutInitReturnsEmptyInstance(t *testing.T) {
	m := testMachine(t)
	h := m.Heap()

	main := buildProto(h, 3, func(w *ChunkWriter) {
		cK := w.Const(ObjectValue(&h.NewString("Bare").Object))
		w.Op(OpNewClass).U16(0).U16(cK)
		w.Op(OpCall).U16(1).U16(0).U16(2).U16(0).CallIC()
		w.Op(OpReturn).U16(1)
	})

	v := mustRun(t, m, main)
	require.True(t, v.IsInstance())
	assert.Equal(t, 0, v.AsInstance().FieldCount())
	assert.Same(t, m.Heap().EmptyShape(), v.AsInstance().Shape())
}

func TestMethodInvokeAndBoundMethod(t *testing.T) {
	m := testMachine(t)
	h := m.Heap()

	getter := buildProto(h, 2, func(w *ChunkWriter) {
		vK := w.Const(ObjectValue(&h.NewString("v").Object))
		w.Op(OpGetProp).U16(1).U16(0).U16(vK).PropIC()
		w.Op(OpReturn).U16(1)
	})

	main := buildProto(h, 8, func(w *ChunkWriter) {
		cK := w.Const(ObjectValue(&h.NewString("C").Object))
		getK := w.Const(ObjectValue(&h.NewString("get").Object))
		vK := w.Const(ObjectValue(&h.NewString("v").Object))
		protoK := w.Const(ObjectValue(&getter.Object))
		w.Op(OpNewClass).U16(0).U16(cK)
		w.Op(OpClosure).U16(1).U16(protoK)
		w.Op(OpSetMethod).U16(0).U16(getK).U16(1)
		w.Op(OpNewInstance).U16(2).U16(0)
		w.Op(OpLoadInt).U16(3).I64(31)
		w.Op(OpSetProp).U16(2).U16(vK).U16(3).PropIC()
		// INVOKE path
		w.Op(OpInvoke).U16(4).U16(2).U16(getK).U16(6).U16(0).CallIC()
		// GET_PROP binds the method, CALL invokes the bound pair
		w.Op(OpGetProp).U16(5).U16(2).U16(getK).PropIC()
		w.Op(OpCall).U16(6).U16(5).U16(7).U16(0).CallIC()
		w.Op(OpAdd).U16(4).U16(4).U16(6)
		w.Op(OpReturn).U16(4)
	})

	v := mustRun(t, m, main)
	assert.EqualValues(t, 62, v.AsInt())
}

func TestInheritanceAndGetSuper(t *testing.T) {
	m := testMachine(t)
	h := m.Heap()

	baseSpeak := buildProto(h, 2, func(w *ChunkWriter) {
		w.Op(OpLoadInt).U16(1).I64(1)
		w.Op(OpReturn).U16(1)
	})

	// Sub.speak: super.speak() + 10.
	subSpeak := buildProto(h, 4, func(w *ChunkWriter) {
		speakK := w.Const(ObjectValue(&h.NewString("speak").Object))
		w.Op(OpGetSuper).U16(1).U16(speakK)
		w.Op(OpCall).U16(2).U16(1).U16(3).U16(0).CallIC()
		w.Op(OpLoadInt).U16(3).I64(10)
		w.Op(OpAdd).U16(2).U16(2).U16(3)
		w.Op(OpReturn).U16(2)
	})

	main := buildProto(h, 8, func(w *ChunkWriter) {
		baseK := w.Const(ObjectValue(&h.NewString("Base").Object))
		subK := w.Const(ObjectValue(&h.NewString("Sub").Object))
		speakK := w.Const(ObjectValue(&h.NewString("speak").Object))
		baseProtoK := w.Const(ObjectValue(&baseSpeak.Object))
		subProtoK := w.Const(ObjectValue(&subSpeak.Object))
		w.Op(OpNewClass).U16(0).U16(baseK)
		w.Op(OpClosure).U16(1).U16(baseProtoK)
		w.Op(OpSetMethod).U16(0).U16(speakK).U16(1)
		w.Op(OpNewClass).U16(2).U16(subK)
		w.Op(OpInherit).U16(2).U16(0)
		w.Op(OpClosure).U16(3).U16(subProtoK)
		w.Op(OpSetMethod).U16(2).U16(speakK).U16(3)
		w.Op(OpNewInstance).U16(4).U16(2)
		w.Op(OpInvoke).U16(5).U16(4).U16(speakK).U16(6).U16(0).CallIC()
		w.Op(OpReturn).U16(5)
	})

	v := mustRun(t, m, main)
	assert.EqualValues(t, 11, v.AsInt())
}

func TestMagicLengthProperty(t *testing.T) {
	m := testMachine(t)
	h := m.Heap()

	main := buildProto(h, 4, func(w *ChunkWriter) {
		sK := w.Const(ObjectValue(&h.NewString("meow!").Object))
		lenK := w.Const(ObjectValue(&h.NewString("length").Object))
		w.Op(OpLoadConst).U16(0).U16(sK)
		w.Op(OpGetProp).U16(1).U16(0).U16(lenK).PropIC()
		w.Op(OpNewArray).U16(2).U16(0).U16(2)
		w.Op(OpGetProp).U16(3).U16(2).U16(lenK).PropIC()
		w.Op(OpAdd).U16(1).U16(1).U16(3)
		w.Op(OpReturn).U16(1)
	})

	v := mustRun(t, m, main)
	assert.EqualValues(t, 7, v.AsInt(), "5 string bytes + 2 array elements")
}

func TestPropertyReadOnNullFails(t *testing.T) {
	m := testMachine(t)
	h := m.Heap()
	main := buildProto(h, 2, func(w *ChunkWriter) {
		xK := w.Const(ObjectValue(&h.NewString("x").Object))
		w.Op(OpLoadNull).U16(0)
		w.Op(OpGetProp).U16(1).U16(0).U16(xK).PropIC()
		w.Op(OpReturn).U16(1)
	})
	_, err := m.ExecuteProto(main)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TypeError")
	assert.Contains(t, err.Error(), "null")
}

func TestHashTablePropertyAccess(t *testing.T) {
	m := testMachine(t)
	h := m.Heap()
	main := buildProto(h, 4, func(w *ChunkWriter) {
		kK := w.Const(ObjectValue(&h.NewString("k").Object))
		missK := w.Const(ObjectValue(&h.NewString("missing").Object))
		w.Op(OpNewHash).U16(0).U16(0).U16(0)
		w.Op(OpLoadInt).U16(1).I64(3)
		w.Op(OpSetProp).U16(0).U16(kK).U16(1).PropIC()
		w.Op(OpGetProp).U16(2).U16(0).U16(kK).PropIC()
		// Hash misses read as null, not an error.
		w.Op(OpGetProp).U16(3).U16(0).U16(missK).PropIC()
		w.Op(OpReturn).U16(2)
	})
	v := mustRun(t, m, main)
	assert.EqualValues(t, 3, v.AsInt())
}

func TestPolymorphicPropertyCache(t *testing.T) {
	m := testMachine(t)
	h := m.Heap()

	// Two shapes alternate through one GET_PROP site; both end up cached
	// and only the first sight of each shape walks the shape table.
	var getPropSlot int
	main := buildProto(h, 12, func(w *ChunkWriter) {
		cK := w.Const(ObjectValue(&h.NewString("C").Object))
		aK := w.Const(ObjectValue(&h.NewString("a").Object))
		bK := w.Const(ObjectValue(&h.NewString("b").Object))
		w.Op(OpNewClass).U16(0).U16(cK)
		// p1: {a=1}
		w.Op(OpNewInstance).U16(1).U16(0)
		w.Op(OpLoadInt).U16(3).I64(1)
		w.Op(OpSetProp).U16(1).U16(aK).U16(3).PropIC()
		// p2: {b, a=2}
		w.Op(OpNewInstance).U16(2).U16(0)
		w.Op(OpSetProp).U16(2).U16(bK).U16(3).PropIC()
		w.Op(OpLoadInt).U16(4).I64(2)
		w.Op(OpSetProp).U16(2).U16(aK).U16(4).PropIC()
		// pair = [p1, p2]; sum .a over pair[i & 1] for i in 0..3.
		w.Op(OpNewArray).U16(5).U16(1).U16(2)
		w.Op(OpLoadInt).U16(6).I64(0)  // i
		w.Op(OpLoadInt).U16(7).I64(4)  // limit
		w.Op(OpLoadInt).U16(8).I64(1)  // one
		w.Op(OpLoadInt).U16(9).I64(0)  // sum
		loop := w.Here()
		w.Op(OpJumpIfGe).U16(6).U16(7)
		exit := w.JumpPlaceholder()
		w.Op(OpBitAnd).U16(10).U16(6).U16(8)
		w.Op(OpGetIndex).U16(11).U16(5).U16(10)
		getPropSlot = 3
		w.Op(OpGetProp).U16(11).U16(11).U16(aK).PropIC()
		w.Op(OpAdd).U16(9).U16(9).U16(11)
		w.Op(OpAdd).U16(6).U16(6).U16(8)
		w.Op(OpJump)
		require.NoError(t, w.JumpBack(loop))
		require.NoError(t, w.PatchJump(exit))
		w.Op(OpReturn).U16(9)
	})

	v := mustRun(t, m, main)
	assert.EqualValues(t, 6, v.AsInt())

	ic := main.PropIC(getPropSlot)
	assert.EqualValues(t, 2, ic.SlowPaths(), "one miss per distinct shape")
	assert.NotNil(t, ic.Entry(0).Shape())
	assert.NotNil(t, ic.Entry(1).Shape())
	assert.NotSame(t, ic.Entry(0).Shape(), ic.Entry(1).Shape())
}
