package meow

import (
	"strconv"
	"strings"
)

// === Conversions shared by the operator tables and handlers ===

// Truthy is the language's boolean conversion: null and numeric zero are
// false, empty strings and containers are false, everything else is true.
func Truthy(v Value) bool {
	switch {
	case v.IsNull():
		return false
	case v.IsBool():
		return v.AsBool()
	case v.IsInt():
		return v.AsInt() != 0
	case v.IsFloat():
		return v.AsFloat() != 0
	case v.IsString():
		return v.AsString().Len() > 0
	case v.IsArray():
		return v.AsArray().Len() > 0
	case v.IsHashTable():
		return v.AsHashTable().Len() > 0
	default:
		return true
	}
}

// toFloat widens a numeric or bool operand for mixed-type comparison.
func toFloat(v Value) float64 {
	switch {
	case v.IsFloat():
		return v.AsFloat()
	case v.IsInt():
		return float64(v.AsInt())
	case v.IsBool():
		if v.AsBool() {
			return 1
		}
		return 0
	default:
		return 0
	}
}

func formatFloat(f float64) string {
	s := strconv.FormatFloat(f, 'g', -1, 64)
	// Keep integral doubles visibly floating; NaN and infinities pass
	// through untouched.
	if !strings.ContainsAny(s, ".eNI") {
		s += ".0"
	}
	return s
}

// Stringify renders v for concatenation, THROW messages and diagnostics.
func Stringify(v Value) string {
	switch {
	case v.IsNull():
		return "null"
	case v.IsBool():
		if v.AsBool() {
			return "true"
		}
		return "false"
	case v.IsInt():
		return strconv.FormatInt(v.AsInt(), 10)
	case v.IsFloat():
		return formatFloat(v.AsFloat())
	case v.IsNative():
		return "<native fn>"
	case v.IsPointer():
		return "<pointer 0x" + strconv.FormatUint(v.AsPointer(), 16) + ">"
	case v.IsString():
		return v.AsString().String()
	case v.IsArray():
		a := v.AsArray()
		var b strings.Builder
		b.WriteByte('[')
		for i := 0; i < a.Len(); i++ {
			if i > 0 {
				b.WriteString(", ")
			}
			el := a.Get(i)
			if el.IsString() {
				b.WriteByte('"')
				b.WriteString(el.AsString().String())
				b.WriteByte('"')
			} else {
				b.WriteString(Stringify(el))
			}
		}
		b.WriteByte(']')
		return b.String()
	case v.IsHashTable():
		t := v.AsHashTable()
		var b strings.Builder
		b.WriteByte('{')
		first := true
		t.Iter(func(k *String, val Value) bool {
			if !first {
				b.WriteString(", ")
			}
			first = false
			b.WriteString(k.String())
			b.WriteString(": ")
			b.WriteString(Stringify(val))
			return false
		})
		b.WriteByte('}')
		return b.String()
	case v.IsClass():
		c := v.AsClass()
		if c.Name() != nil {
			return "<class " + c.Name().String() + ">"
		}
		return "<class>"
	case v.IsInstance():
		inst := v.AsInstance()
		if inst.Class() != nil && inst.Class().Name() != nil {
			return "<instance " + inst.Class().Name().String() + ">"
		}
		return "<instance>"
	case v.IsClosure():
		cl := v.AsClosure()
		if cl.Proto().Name() != nil {
			return "<fn " + cl.Proto().Name().String() + ">"
		}
		return "<fn>"
	case v.IsBoundMethod():
		return "<bound method>"
	case v.IsProto():
		return "<proto>"
	case v.IsUpvalue():
		return "<upvalue>"
	case v.IsModule():
		m := v.AsModule()
		if m.FileName() != nil {
			return "<module " + m.FileName().String() + ">"
		}
		return "<module>"
	default:
		return "<unknown>"
	}
}

// TypeName names v's dynamic type for error messages.
func TypeName(v Value) string {
	switch {
	case v.IsNull():
		return "null"
	case v.IsBool():
		return "bool"
	case v.IsInt():
		return "int"
	case v.IsFloat():
		return "float"
	case v.IsNative():
		return "native"
	case v.IsPointer():
		return "pointer"
	case v.IsObject():
		return v.AsObject().Type().String()
	default:
		return "unknown"
	}
}
