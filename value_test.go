package meow

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValueScalars(t *testing.T) {
	v := Null()
	assert.True(t, v.IsNull())
	assert.False(t, v.IsBool())
	assert.False(t, v.IsInt())
	assert.False(t, v.IsFloat())
	assert.False(t, v.IsObject())

	v = Bool(true)
	assert.True(t, v.IsBool())
	assert.True(t, v.AsBool())
	assert.False(t, Bool(false).AsBool())

	v = Int(42)
	assert.True(t, v.IsInt())
	assert.EqualValues(t, 42, v.AsInt())

	v = Float(3.5)
	assert.True(t, v.IsFloat())
	assert.Equal(t, 3.5, v.AsFloat())
}

func TestValueIntSignExtension(t *testing.T) {
	cases := []int64{0, 1, -1, 1 << 40, -(1 << 40), (1 << 47) - 1, -(1 << 47)}
	for _, c := range cases {
		assert.EqualValues(t, c, Int(c).AsInt(), "payload %d", c)
	}
}

func TestValueDoublesVerbatim(t *testing.T) {
	cases := []float64{0, -0, 1.5, -1.5, math.MaxFloat64, math.SmallestNonzeroFloat64,
		math.Inf(1), math.Inf(-1)}
	for _, c := range cases {
		v := Float(c)
		require.True(t, v.IsFloat(), "double %v", c)
		assert.Equal(t, math.Float64bits(c), math.Float64bits(v.AsFloat()))
	}

	// A positive quiet NaN stays a double.
	nan := Float(math.NaN())
	assert.True(t, nan.IsFloat())
	assert.True(t, math.IsNaN(nan.AsFloat()))
}

func TestValueNaNCanonicalization(t *testing.T) {
	// Doubles whose bits collide with the tag region are canonicalized to
	// the positive quiet NaN.
	colliding := math.Float64frombits(0xFFF8_0000_0000_0001)
	v := Float(colliding)
	assert.True(t, v.IsFloat())
	assert.True(t, math.IsNaN(v.AsFloat()))
	assert.EqualValues(t, qnanBits, v.Raw())
}

func TestValueRawRoundTrip(t *testing.T) {
	values := []Value{
		Null(),
		Bool(true),
		Bool(false),
		Int(0),
		Int(-7),
		Int((1 << 47) - 1),
		Float(2.75),
		Float(math.Inf(-1)),
		Native(9),
		Pointer(0xDEADBEEF),
	}
	for _, v := range values {
		assert.Equal(t, v, FromRaw(v.Raw()))
	}
}

func TestValueObjectRawDecodesNull(t *testing.T) {
	h := NewHeap(DefaultConfig(), nopLogger())
	s := h.NewString("x")
	v := ObjectValue(&s.Object)
	require.True(t, v.IsObject())
	// The scalar escape hatch cannot carry a heap reference.
	assert.True(t, FromRaw(v.Raw()).IsNull())
}

func TestValueObjectPredicates(t *testing.T) {
	h := NewHeap(DefaultConfig(), nopLogger())

	s := ObjectValue(&h.NewString("meow").Object)
	assert.True(t, s.IsString())
	assert.False(t, s.IsArray())
	assert.Equal(t, "meow", s.AsString().String())

	a := ObjectValue(&h.NewArray(0).Object)
	assert.True(t, a.IsArray())
	assert.False(t, a.IsString())

	assert.Nil(t, a.AsIfHashTable())
	assert.NotNil(t, a.AsIfArray())
}

func TestValueStrictEq(t *testing.T) {
	assert.True(t, Int(5).StrictEq(Int(5)))
	assert.False(t, Int(5).StrictEq(Float(5)))
	assert.True(t, Null().StrictEq(Null()))

	h := NewHeap(DefaultConfig(), nopLogger())
	a := ObjectValue(&h.NewString("k").Object)
	b := ObjectValue(&h.NewString("k").Object)
	// Interning makes equal contents identical.
	assert.True(t, a.StrictEq(b))
}
