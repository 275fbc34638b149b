package meow

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrimitiveStringMethod(t *testing.T) {
	m := testMachine(t)
	h := m.Heap()

	m.RegisterStringMethod("upper", func(mm *Machine, argc int, args []Value) Value {
		s := args[0].AsString().String()
		up := mm.Heap().NewString(strings.ToUpper(s))
		return ObjectValue(&up.Object)
	})

	main := buildProto(h, 3, func(w *ChunkWriter) {
		sK := w.Const(ObjectValue(&h.NewString("meow").Object))
		upperK := w.Const(ObjectValue(&h.NewString("upper").Object))
		w.Op(OpLoadConst).U16(0).U16(sK)
		w.Op(OpInvoke).U16(1).U16(0).U16(upperK).U16(2).U16(0).CallIC()
		w.Op(OpReturn).U16(1)
	})

	v := mustRun(t, m, main)
	require.True(t, v.IsString())
	assert.Equal(t, "MEOW", v.AsString().String())
}

func TestPrimitiveMethodBindsThroughGetProp(t *testing.T) {
	m := testMachine(t)
	h := m.Heap()

	m.RegisterArrayMethod("first", func(mm *Machine, argc int, args []Value) Value {
		arr := args[0].AsArray()
		if arr.Len() == 0 {
			return Null()
		}
		return arr.Get(0)
	})

	main := buildProto(h, 4, func(w *ChunkWriter) {
		firstK := w.Const(ObjectValue(&h.NewString("first").Object))
		w.Op(OpLoadInt).U16(0).I64(11)
		w.Op(OpNewArray).U16(1).U16(0).U16(1)
		w.Op(OpGetProp).U16(2).U16(1).U16(firstK).PropIC()
		w.Op(OpCall).U16(3).U16(2).U16(0).U16(0).CallIC()
		w.Op(OpReturn).U16(3)
	})

	// Run twice through the same site: the second pass hits the
	// sentinel-shape cache entry.
	assert.EqualValues(t, 11, mustRun(t, m, main).AsInt())
	assert.EqualValues(t, 11, mustRun(t, m, main).AsInt())
	assert.Same(t, primitiveArrayShape, main.PropIC(0).Entry(0).Shape())
}

func TestStringify(t *testing.T) {
	h := NewHeap(DefaultConfig(), nopLogger())

	assert.Equal(t, "null", Stringify(Null()))
	assert.Equal(t, "true", Stringify(Bool(true)))
	assert.Equal(t, "42", Stringify(Int(42)))
	assert.Equal(t, "2.5", Stringify(Float(2.5)))
	assert.Equal(t, "3.0", Stringify(Float(3)))
	assert.Equal(t, "meow", Stringify(ObjectValue(&h.NewString("meow").Object)))

	arr := h.NewArrayWith([]Value{Int(1), ObjectValue(&h.NewString("s").Object)})
	assert.Equal(t, `[1, "s"]`, Stringify(ObjectValue(&arr.Object)))

	class := h.NewClass(h.NewString("Point"))
	assert.Equal(t, "<class Point>", Stringify(ObjectValue(&class.Object)))
	inst := h.NewInstance(class, h.EmptyShape())
	assert.Equal(t, "<instance Point>", Stringify(ObjectValue(&inst.Object)))
}

func TestTruthiness(t *testing.T) {
	h := NewHeap(DefaultConfig(), nopLogger())

	assert.False(t, Truthy(Null()))
	assert.False(t, Truthy(Bool(false)))
	assert.False(t, Truthy(Int(0)))
	assert.False(t, Truthy(Float(0)))
	assert.True(t, Truthy(Int(-1)))
	assert.False(t, Truthy(ObjectValue(&h.NewString("").Object)))
	assert.True(t, Truthy(ObjectValue(&h.NewString("x").Object)))
	assert.False(t, Truthy(ObjectValue(&h.NewArray(0).Object)))

	inst := h.NewInstance(h.NewClass(nil), h.EmptyShape())
	assert.True(t, Truthy(ObjectValue(&inst.Object)))
}

func TestTypeName(t *testing.T) {
	h := NewHeap(DefaultConfig(), nopLogger())
	assert.Equal(t, "null", TypeName(Null()))
	assert.Equal(t, "int", TypeName(Int(1)))
	assert.Equal(t, "float", TypeName(Float(1)))
	assert.Equal(t, "string", TypeName(ObjectValue(&h.NewString("").Object)))
	assert.Equal(t, "array", TypeName(ObjectValue(&h.NewArray(0).Object)))
}

func TestMachineErrorState(t *testing.T) {
	m := testMachine(t)
	assert.False(t, m.HasError())
	m.Errorf("bad %d", 7)
	assert.True(t, m.HasError())
	assert.Equal(t, "bad 7", m.ErrorMessage())
	m.ClearError()
	assert.False(t, m.HasError())
}

func TestStepsAccounting(t *testing.T) {
	m := testMachine(t)
	p := buildProto(m.Heap(), 1, func(w *ChunkWriter) {
		w.Op(OpLoadInt).U16(0).I64(1)
		w.Op(OpReturn).U16(0)
	})
	mustRun(t, m, p)
	assert.EqualValues(t, 2, m.Steps())
}
