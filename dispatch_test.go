package meow

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dispatchBinary(h *Heap, op OpCode, a, b Value) Value {
	return findBinary(op, a, b)(h, a, b)
}

func TestDispatchIntArithmetic(t *testing.T) {
	h := NewHeap(DefaultConfig(), nopLogger())

	assert.EqualValues(t, 7, dispatchBinary(h, OpAdd, Int(3), Int(4)).AsInt())
	assert.EqualValues(t, -1, dispatchBinary(h, OpSub, Int(3), Int(4)).AsInt())
	assert.EqualValues(t, 12, dispatchBinary(h, OpMul, Int(3), Int(4)).AsInt())
	assert.EqualValues(t, 1, dispatchBinary(h, OpMod, Int(7), Int(3)).AsInt())
}

func TestDispatchBoolPromotion(t *testing.T) {
	h := NewHeap(DefaultConfig(), nopLogger())

	v := dispatchBinary(h, OpAdd, Int(3), Bool(true))
	assert.True(t, v.IsInt())
	assert.EqualValues(t, 4, v.AsInt())

	v = dispatchBinary(h, OpAdd, Bool(true), Bool(true))
	assert.EqualValues(t, 2, v.AsInt())

	v = dispatchBinary(h, OpMul, Float(2.5), Bool(true))
	assert.Equal(t, 2.5, v.AsFloat())
}

func TestDispatchDivisionByZero(t *testing.T) {
	h := NewHeap(DefaultConfig(), nopLogger())

	// Integer DIV promotes to float; zero divisors follow IEEE-754.
	v := dispatchBinary(h, OpDiv, Int(1), Int(0))
	require.True(t, v.IsFloat())
	assert.True(t, math.IsInf(v.AsFloat(), 1))

	v = dispatchBinary(h, OpDiv, Int(-1), Int(0))
	assert.True(t, math.IsInf(v.AsFloat(), -1))

	v = dispatchBinary(h, OpDiv, Int(0), Int(0))
	assert.True(t, math.IsNaN(v.AsFloat()))

	v = dispatchBinary(h, OpDiv, Int(6), Int(3))
	require.True(t, v.IsFloat())
	assert.Equal(t, 2.0, v.AsFloat())
}

func TestDispatchModuloByZero(t *testing.T) {
	h := NewHeap(DefaultConfig(), nopLogger())
	v := dispatchBinary(h, OpMod, Int(5), Int(0))
	require.True(t, v.IsFloat())
	assert.True(t, math.IsNaN(v.AsFloat()))
}

func TestDispatchStringConcat(t *testing.T) {
	h := NewHeap(DefaultConfig(), nopLogger())
	s := ObjectValue(&h.NewString("n=").Object)

	v := dispatchBinary(h, OpAdd, s, Int(3))
	require.True(t, v.IsString())
	assert.Equal(t, "n=3", v.AsString().String())

	v = dispatchBinary(h, OpAdd, Int(3), s)
	assert.Equal(t, "3n=", v.AsString().String())

	v = dispatchBinary(h, OpAdd, s, Null())
	assert.Equal(t, "n=null", v.AsString().String())
}

func TestDispatchStringRepeat(t *testing.T) {
	h := NewHeap(DefaultConfig(), nopLogger())
	s := ObjectValue(&h.NewString("ab").Object)

	v := dispatchBinary(h, OpMul, s, Int(3))
	assert.Equal(t, "ababab", v.AsString().String())

	// Non-positive counts yield the empty string.
	v = dispatchBinary(h, OpMul, s, Int(0))
	assert.Equal(t, "", v.AsString().String())
	v = dispatchBinary(h, OpMul, s, Int(-2))
	assert.Equal(t, "", v.AsString().String())
}

func TestDispatchEquality(t *testing.T) {
	h := NewHeap(DefaultConfig(), nopLogger())

	assert.True(t, dispatchBinary(h, OpEq, Int(3), Float(3)).AsBool())
	assert.True(t, dispatchBinary(h, OpEq, Bool(true), Int(1)).AsBool())
	assert.True(t, dispatchBinary(h, OpEq, Null(), Null()).AsBool())
	assert.False(t, dispatchBinary(h, OpEq, Null(), Int(0)).AsBool())
	assert.True(t, dispatchBinary(h, OpNeq, Int(1), Int(2)).AsBool())

	a := ObjectValue(&h.NewString("k").Object)
	b := ObjectValue(&h.NewString("k").Object)
	assert.True(t, dispatchBinary(h, OpEq, a, b).AsBool(), "interned pointer equality")

	arr1 := ObjectValue(&h.NewArray(0).Object)
	arr2 := ObjectValue(&h.NewArray(0).Object)
	assert.False(t, dispatchBinary(h, OpEq, arr1, arr2).AsBool(), "identity for objects")
	assert.True(t, dispatchBinary(h, OpEq, arr1, arr1).AsBool())
}

func TestDispatchNaNComparisonsFalse(t *testing.T) {
	h := NewHeap(DefaultConfig(), nopLogger())
	nan := Float(math.NaN())

	for _, op := range []OpCode{OpLt, OpLe, OpGt, OpGe} {
		assert.False(t, dispatchBinary(h, op, nan, Float(1)).AsBool(), "%s", op)
		assert.False(t, dispatchBinary(h, op, Float(1), nan).AsBool(), "%s", op)
	}
}

func TestDispatchStringOrdering(t *testing.T) {
	h := NewHeap(DefaultConfig(), nopLogger())
	a := ObjectValue(&h.NewString("apple").Object)
	b := ObjectValue(&h.NewString("banana").Object)

	assert.True(t, dispatchBinary(h, OpLt, a, b).AsBool())
	assert.False(t, dispatchBinary(h, OpGt, a, b).AsBool())
	assert.True(t, dispatchBinary(h, OpLe, a, a).AsBool())
}

func TestDispatchBitwise(t *testing.T) {
	h := NewHeap(DefaultConfig(), nopLogger())

	assert.EqualValues(t, 0b100, dispatchBinary(h, OpBitAnd, Int(0b110), Int(0b101)).AsInt())
	assert.EqualValues(t, 0b111, dispatchBinary(h, OpBitOr, Int(0b110), Int(0b101)).AsInt())
	assert.EqualValues(t, 0b011, dispatchBinary(h, OpBitXor, Int(0b110), Int(0b101)).AsInt())
	assert.EqualValues(t, 8, dispatchBinary(h, OpLshift, Int(1), Int(3)).AsInt())
	assert.EqualValues(t, 2, dispatchBinary(h, OpRshift, Int(16), Int(3)).AsInt())

	// bool/bool bitwise keeps the bool type.
	v := dispatchBinary(h, OpBitAnd, Bool(true), Bool(false))
	assert.True(t, v.IsBool())
	assert.False(t, v.AsBool())
}

func TestDispatchUnary(t *testing.T) {
	h := NewHeap(DefaultConfig(), nopLogger())

	assert.EqualValues(t, -5, findUnary(OpNeg, Int(5))(h, Int(5)).AsInt())
	assert.Equal(t, -2.5, findUnary(OpNeg, Float(2.5))(h, Float(2.5)).AsFloat())
	assert.EqualValues(t, ^int64(9), findUnary(OpBitNot, Int(9))(h, Int(9)).AsInt())

	assert.True(t, findUnary(OpNot, Null())(h, Null()).AsBool())
	assert.False(t, findUnary(OpNot, Int(3))(h, Int(3)).AsBool())
	empty := ObjectValue(&h.NewString("").Object)
	assert.True(t, findUnary(OpNot, empty)(h, empty).AsBool())
}

func TestDispatchTrapIsValueless(t *testing.T) {
	h := NewHeap(DefaultConfig(), nopLogger())
	arr := ObjectValue(&h.NewArray(0).Object)

	res := dispatchBinary(h, OpSub, arr, Int(1))
	assert.Equal(t, valueless(), res)

	res = findUnary(OpNeg, arr)(h, arr)
	assert.Equal(t, valueless(), res)
}
