package meow

import (
	"math"
	"strings"

	"golang.org/x/exp/constraints"
)

// === Operator dispatch: precomputed (op, type, type) → function tables ===
//
// The slow path of every arithmetic/comparison instruction indexes these
// tables by opcode and the detailed operand types. Entries not provided
// default to a trap returning the valueless sentinel, which the
// interpreter converts into a TypeError — never a silent null.

// valueType is the detailed operand type used for table indexing. Sixteen
// entries fit the 4-bit index lanes.
type valueType uint8

const (
	vtNull valueType = iota
	vtBool
	vtInt
	vtFloat
	vtNative
	vtPointer
	vtObject
	vtString
	vtArray
	vtHash
	vtInstance
	vtClass
	vtClosure
	vtModule
	vtCount
)

const (
	typeBits   = 4
	typeLanes  = 1 << typeBits
	opSpan     = int(opEndOperator-opBeginOperator) - 1
	binarySize = opSpan << (typeBits * 2)
	unarySize  = opSpan << typeBits
)

type binaryFn func(h *Heap, a, b Value) Value
type unaryFn func(h *Heap, v Value) Value

var binaryTable [binarySize]binaryFn
var unaryTable [unarySize]unaryFn

// detailedType refines the value discriminant with the object subtype.
func detailedType(v Value) valueType {
	if v.obj != nil {
		switch v.obj.typ {
		case TypeString:
			return vtString
		case TypeArray:
			return vtArray
		case TypeHashTable:
			return vtHash
		case TypeInstance:
			return vtInstance
		case TypeClass:
			return vtClass
		case TypeClosure:
			return vtClosure
		case TypeModule:
			return vtModule
		default:
			return vtObject
		}
	}
	if v.IsFloat() {
		return vtFloat
	}
	switch v.tag() {
	case tagNull:
		return vtNull
	case tagBool:
		return vtBool
	case tagInt:
		return vtInt
	case tagNative:
		return vtNative
	case tagPointer:
		return vtPointer
	}
	return vtFloat
}

func binaryIndex(op OpCode, t1, t2 valueType) int {
	return (int(op-opBeginOperator-1) << (typeBits * 2)) | int(t1)<<typeBits | int(t2)
}

func unaryIndex(op OpCode, t valueType) int {
	return (int(op-opBeginOperator-1) << typeBits) | int(t)
}

// findBinary returns the table entry for op on (a, b).
func findBinary(op OpCode, a, b Value) binaryFn {
	return binaryTable[binaryIndex(op, detailedType(a), detailedType(b))]
}

// findUnary returns the table entry for op on v.
func findUnary(op OpCode, v Value) unaryFn {
	return unaryTable[unaryIndex(op, detailedType(v))]
}

func trapBinary(h *Heap, a, b Value) Value { return valueless() }
func trapUnary(h *Heap, v Value) Value     { return valueless() }

// === Table construction ===

// boolTo promotes a bool operand under the implicit bool↔int rules.
func boolTo[T constraints.Integer | constraints.Float](b bool) T {
	if b {
		return 1
	}
	return 0
}

// asArithInt reads an int-like operand (int or promoted bool).
func asArithInt(v Value) int64 {
	if v.IsBool() {
		return boolTo[int64](v.AsBool())
	}
	return v.AsInt()
}

func intLike(t valueType) bool { return t == vtInt || t == vtBool }

func stringConcat(h *Heap, a, b string) Value {
	return ObjectValue(&h.NewString(a + b).Object)
}

func stringRepeat(h *Heap, s string, times int64) Value {
	if times <= 0 {
		return ObjectValue(&h.NewString("").Object)
	}
	return ObjectValue(&h.NewString(strings.Repeat(s, int(times))).Object)
}

// safeDiv implements IEEE-754 division results for a zero divisor.
func safeDiv(a, b float64) Value {
	if b == 0 {
		if a > 0 {
			return Float(math.Inf(1))
		}
		if a < 0 {
			return Float(math.Inf(-1))
		}
		return Float(math.NaN())
	}
	return Float(a / b)
}

// looseEq is cross-type equality: numeric values compare by magnitude with
// bool promotion, strings by interned pointer, objects by identity.
func looseEq(a, b Value) bool {
	const eps = 2.220446049250313e-16
	switch {
	case a.IsInt() && b.IsInt():
		return a.AsInt() == b.AsInt()
	case a.IsFloat() && b.IsFloat():
		return math.Abs(a.AsFloat()-b.AsFloat()) < eps
	case a.IsInt() && b.IsFloat():
		return math.Abs(float64(a.AsInt())-b.AsFloat()) < eps
	case a.IsFloat() && b.IsInt():
		return math.Abs(a.AsFloat()-float64(b.AsInt())) < eps
	case a.IsBool() && b.IsBool():
		return a.AsBool() == b.AsBool()
	case a.IsBool() && b.IsInt():
		return boolTo[int64](a.AsBool()) == b.AsInt()
	case a.IsInt() && b.IsBool():
		return a.AsInt() == boolTo[int64](b.AsBool())
	case a.IsNull() && b.IsNull():
		return true
	case a.IsObject() && b.IsObject():
		return a.AsObject() == b.AsObject()
	default:
		return false
	}
}

func init() {
	for i := range binaryTable {
		binaryTable[i] = trapBinary
	}
	for i := range unaryTable {
		unaryTable[i] = trapUnary
	}

	reg := func(op OpCode, t1, t2 valueType, fn binaryFn) {
		binaryTable[binaryIndex(op, t1, t2)] = fn
	}
	regU := func(op OpCode, t valueType, fn unaryFn) {
		unaryTable[unaryIndex(op, t)] = fn
	}

	numeric := []valueType{vtInt, vtFloat, vtBool}

	// Additive/multiplicative/modulo/power arithmetic over every numeric
	// pairing. Int-like pairs stay integral except DIV (promoted to float,
	// never an integer-divide trap) and POW (always float).
	for _, t1 := range numeric {
		for _, t2 := range numeric {
			bothInt := intLike(t1) && intLike(t2)

			if bothInt {
				reg(OpAdd, t1, t2, func(h *Heap, a, b Value) Value { return Int(asArithInt(a) + asArithInt(b)) })
				reg(OpSub, t1, t2, func(h *Heap, a, b Value) Value { return Int(asArithInt(a) - asArithInt(b)) })
				reg(OpMul, t1, t2, func(h *Heap, a, b Value) Value { return Int(asArithInt(a) * asArithInt(b)) })
				reg(OpMod, t1, t2, func(h *Heap, a, b Value) Value {
					d := asArithInt(b)
					if d == 0 {
						return Float(math.NaN())
					}
					return Int(asArithInt(a) % d)
				})
			} else {
				reg(OpAdd, t1, t2, func(h *Heap, a, b Value) Value { return Float(toFloat(a) + toFloat(b)) })
				reg(OpSub, t1, t2, func(h *Heap, a, b Value) Value { return Float(toFloat(a) - toFloat(b)) })
				reg(OpMul, t1, t2, func(h *Heap, a, b Value) Value { return Float(toFloat(a) * toFloat(b)) })
				reg(OpMod, t1, t2, func(h *Heap, a, b Value) Value { return Float(math.Mod(toFloat(a), toFloat(b))) })
			}
			reg(OpDiv, t1, t2, func(h *Heap, a, b Value) Value { return safeDiv(toFloat(a), toFloat(b)) })
			reg(OpPow, t1, t2, func(h *Heap, a, b Value) Value { return Float(math.Pow(toFloat(a), toFloat(b))) })

			// Ordering over numeric pairs; NaN comparisons are false.
			reg(OpLt, t1, t2, func(h *Heap, a, b Value) Value { return Bool(toFloat(a) < toFloat(b)) })
			reg(OpGt, t1, t2, func(h *Heap, a, b Value) Value { return Bool(toFloat(a) > toFloat(b)) })
			reg(OpLe, t1, t2, func(h *Heap, a, b Value) Value { return Bool(toFloat(a) <= toFloat(b)) })
			reg(OpGe, t1, t2, func(h *Heap, a, b Value) Value { return Bool(toFloat(a) >= toFloat(b)) })
		}
	}

	// Integer fast ordering stays exact (no float rounding at 2^53).
	reg(OpLt, vtInt, vtInt, func(h *Heap, a, b Value) Value { return Bool(a.AsInt() < b.AsInt()) })
	reg(OpGt, vtInt, vtInt, func(h *Heap, a, b Value) Value { return Bool(a.AsInt() > b.AsInt()) })
	reg(OpLe, vtInt, vtInt, func(h *Heap, a, b Value) Value { return Bool(a.AsInt() <= b.AsInt()) })
	reg(OpGe, vtInt, vtInt, func(h *Heap, a, b Value) Value { return Bool(a.AsInt() >= b.AsInt()) })

	// String concatenation; the right side is stringified on demand.
	reg(OpAdd, vtString, vtString, func(h *Heap, a, b Value) Value {
		return stringConcat(h, a.AsString().String(), b.AsString().String())
	})
	for _, t := range []valueType{vtInt, vtFloat, vtBool, vtNull} {
		reg(OpAdd, vtString, t, func(h *Heap, a, b Value) Value {
			return stringConcat(h, a.AsString().String(), Stringify(b))
		})
		reg(OpAdd, t, vtString, func(h *Heap, a, b Value) Value {
			return stringConcat(h, Stringify(a), b.AsString().String())
		})
	}

	// String repetition; non-positive counts yield the empty string.
	reg(OpMul, vtString, vtInt, func(h *Heap, a, b Value) Value {
		return stringRepeat(h, a.AsString().String(), b.AsInt())
	})
	reg(OpMul, vtString, vtBool, func(h *Heap, a, b Value) Value {
		return stringRepeat(h, a.AsString().String(), boolTo[int64](b.AsBool()))
	})

	// Equality is total: every type pairing goes through looseEq.
	for t1 := valueType(0); t1 < typeLanes; t1++ {
		for t2 := valueType(0); t2 < typeLanes; t2++ {
			reg(OpEq, t1, t2, func(h *Heap, a, b Value) Value { return Bool(looseEq(a, b)) })
			reg(OpNeq, t1, t2, func(h *Heap, a, b Value) Value { return Bool(!looseEq(a, b)) })
		}
	}

	// Lexicographic ordering for two strings.
	reg(OpLt, vtString, vtString, func(h *Heap, a, b Value) Value {
		return Bool(a.AsString().String() < b.AsString().String())
	})
	reg(OpGt, vtString, vtString, func(h *Heap, a, b Value) Value {
		return Bool(a.AsString().String() > b.AsString().String())
	})
	reg(OpLe, vtString, vtString, func(h *Heap, a, b Value) Value {
		return Bool(a.AsString().String() <= b.AsString().String())
	})
	reg(OpGe, vtString, vtString, func(h *Heap, a, b Value) Value {
		return Bool(a.AsString().String() >= b.AsString().String())
	})

	// Bitwise over integer/bool pairs. A bool/bool pairing keeps the bool
	// type; anything mixed promotes to int.
	intPairs := []struct{ t1, t2 valueType }{
		{vtInt, vtInt}, {vtInt, vtBool}, {vtBool, vtInt},
	}
	for _, p := range intPairs {
		reg(OpBitAnd, p.t1, p.t2, func(h *Heap, a, b Value) Value { return Int(asArithInt(a) & asArithInt(b)) })
		reg(OpBitOr, p.t1, p.t2, func(h *Heap, a, b Value) Value { return Int(asArithInt(a) | asArithInt(b)) })
		reg(OpBitXor, p.t1, p.t2, func(h *Heap, a, b Value) Value { return Int(asArithInt(a) ^ asArithInt(b)) })
		reg(OpLshift, p.t1, p.t2, func(h *Heap, a, b Value) Value { return Int(asArithInt(a) << uint64(asArithInt(b)&63)) })
		reg(OpRshift, p.t1, p.t2, func(h *Heap, a, b Value) Value { return Int(asArithInt(a) >> uint64(asArithInt(b)&63)) })
	}
	reg(OpBitAnd, vtBool, vtBool, func(h *Heap, a, b Value) Value { return Bool(a.AsBool() && b.AsBool()) })
	reg(OpBitOr, vtBool, vtBool, func(h *Heap, a, b Value) Value { return Bool(a.AsBool() || b.AsBool()) })
	reg(OpBitXor, vtBool, vtBool, func(h *Heap, a, b Value) Value { return Bool(a.AsBool() != b.AsBool()) })

	// Unary: negation, bitwise not, logical not.
	regU(OpNeg, vtInt, func(h *Heap, v Value) Value { return Int(-v.AsInt()) })
	regU(OpNeg, vtFloat, func(h *Heap, v Value) Value { return Float(-v.AsFloat()) })
	regU(OpNeg, vtBool, func(h *Heap, v Value) Value { return Int(-boolTo[int64](v.AsBool())) })

	regU(OpBitNot, vtInt, func(h *Heap, v Value) Value { return Int(^v.AsInt()) })
	regU(OpBitNot, vtBool, func(h *Heap, v Value) Value { return Int(^boolTo[int64](v.AsBool())) })

	logicNot := func(h *Heap, v Value) Value { return Bool(!Truthy(v)) }
	for t := valueType(0); t < vtCount; t++ {
		regU(OpNot, t, logicNot)
	}
}
