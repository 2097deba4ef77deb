// Package props holds the dynamically typed property values attached to
// services and bundles, and the case-preserving map they live in.
package props

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind identifies the dynamic type stored in a Value.
type Kind int

const (
	KindEmpty Kind = iota
	KindString
	KindStringList
	KindBool
	KindChar
	KindInt8
	KindInt16
	KindInt32
	KindInt64
	KindUint8
	KindUint16
	KindUint32
	KindUint64
	KindFloat32
	KindFloat64
	KindList
)

func (k Kind) String() string {
	switch k {
	case KindEmpty:
		return "empty"
	case KindString:
		return "string"
	case KindStringList:
		return "[]string"
	case KindBool:
		return "bool"
	case KindChar:
		return "char"
	case KindInt8:
		return "int8"
	case KindInt16:
		return "int16"
	case KindInt32:
		return "int32"
	case KindInt64:
		return "int64"
	case KindUint8:
		return "uint8"
	case KindUint16:
		return "uint16"
	case KindUint32:
		return "uint32"
	case KindUint64:
		return "uint64"
	case KindFloat32:
		return "float32"
	case KindFloat64:
		return "float64"
	case KindList:
		return "[]any"
	default:
		return "unknown"
	}
}

// Char is a single byte character property. It exists so that a character
// is distinguishable from the small integer kinds.
type Char byte

// Value is a closed tagged union over the property kinds. The zero Value is
// empty. Values are immutable once built.
type Value struct {
	kind Kind
	s    string
	i    int64
	u    uint64
	f    float64
	b    bool
	ss   []string
	list []Value
}

// Empty is the value returned for missing keys.
var Empty = Value{}

func String(s string) Value { return Value{kind: KindString, s: s} }
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }
func CharOf(c Char) Value { return Value{kind: KindChar, i: int64(c)} }
func Int8(i int8) Value { return Value{kind: KindInt8, i: int64(i)} }
func Int16(i int16) Value { return Value{kind: KindInt16, i: int64(i)} }
func Int32(i int32) Value { return Value{kind: KindInt32, i: int64(i)} }
func Int64(i int64) Value { return Value{kind: KindInt64, i: i} }
func Uint8(u uint8) Value { return Value{kind: KindUint8, u: uint64(u)} }
func Uint16(u uint16) Value { return Value{kind: KindUint16, u: uint64(u)} }
func Uint32(u uint32) Value { return Value{kind: KindUint32, u: uint64(u)} }
func Uint64(u uint64) Value { return Value{kind: KindUint64, u: u} }
func Float32(f float32) Value {
	return Value{kind: KindFloat32, f: float64(f)}
}
func Float64(f float64) Value { return Value{kind: KindFloat64, f: f} }

// Strings builds a string list value. The slice is copied.
func Strings(ss ...string) Value {
	return Value{kind: KindStringList, ss: append([]string(nil), ss...)}
}

// List builds a heterogeneous list value. The slice is copied.
func List(vs ...Value) Value {
	return Value{kind: KindList, list: append([]Value(nil), vs...)}
}

// Of converts a native Go value. Unsupported types yield Empty.
func Of(v any) Value {
	switch x := v.(type) {
	case nil:
		return Empty
	case Value:
		return x
	case string:
		return String(x)
	case []string:
		return Strings(x...)
	case bool:
		return Bool(x)
	case Char:
		return CharOf(x)
	case int8:
		return Int8(x)
	case int16:
		return Int16(x)
	case int32:
		return Int32(x)
	case int64:
		return Int64(x)
	case int:
		return Int64(int64(x))
	case uint8:
		return Uint8(x)
	case uint16:
		return Uint16(x)
	case uint32:
		return Uint32(x)
	case uint64:
		return Uint64(x)
	case uint:
		return Uint64(uint64(x))
	case float32:
		return Float32(x)
	case float64:
		return Float64(x)
	case []Value:
		return List(x...)
	case []any:
		out := make([]Value, 0, len(x))
		for _, e := range x {
			out = append(out, Of(e))
		}
		return Value{kind: KindList, list: out}
	default:
		return Empty
	}
}

func (v Value) Kind() Kind { return v.kind }
func (v Value) IsEmpty() bool { return v.kind == KindEmpty }
func (v Value) IsSigned() bool { return v.kind >= KindInt8 && v.kind <= KindInt64 }
func (v Value) IsUnsigned() bool {
	return v.kind >= KindUint8 && v.kind <= KindUint64
}
func (v Value) IsFloat() bool { return v.kind == KindFloat32 || v.kind == KindFloat64 }

func (v Value) AsString() (string, bool) {
	if v.kind != KindString {
		return "", false
	}
	return v.s, true
}

func (v Value) AsStrings() ([]string, bool) {
	if v.kind != KindStringList {
		return nil, false
	}
	return append([]string(nil), v.ss...), true
}

func (v Value) AsBool() (bool, bool) {
	if v.kind != KindBool {
		return false, false
	}
	return v.b, true
}

func (v Value) AsChar() (Char, bool) {
	if v.kind != KindChar {
		return 0, false
	}
	return Char(v.i), true
}

// AsInt returns any signed integer kind widened to int64.
func (v Value) AsInt() (int64, bool) {
	if !v.IsSigned() {
		return 0, false
	}
	return v.i, true
}

// AsInt32 returns the value only when it was stored as an Int32.
func (v Value) AsInt32() (int32, bool) {
	if v.kind != KindInt32 {
		return 0, false
	}
	return int32(v.i), true
}

// AsUint returns any unsigned integer kind widened to uint64.
func (v Value) AsUint() (uint64, bool) {
	if !v.IsUnsigned() {
		return 0, false
	}
	return v.u, true
}

// AsFloat returns either float kind widened to float64.
func (v Value) AsFloat() (float64, bool) {
	if !v.IsFloat() {
		return 0, false
	}
	return v.f, true
}

func (v Value) AsList() ([]Value, bool) {
	if v.kind != KindList {
		return nil, false
	}
	return append([]Value(nil), v.list...), true
}

// Interface converts back to a native Go value.
func (v Value) Interface() any {
	switch v.kind {
	case KindString:
		return v.s
	case KindStringList:
		return append([]string(nil), v.ss...)
	case KindBool:
		return v.b
	case KindChar:
		return Char(v.i)
	case KindInt8:
		return int8(v.i)
	case KindInt16:
		return int16(v.i)
	case KindInt32:
		return int32(v.i)
	case KindInt64:
		return v.i
	case KindUint8:
		return uint8(v.u)
	case KindUint16:
		return uint16(v.u)
	case KindUint32:
		return uint32(v.u)
	case KindUint64:
		return v.u
	case KindFloat32:
		return float32(v.f)
	case KindFloat64:
		return v.f
	case KindList:
		out := make([]any, len(v.list))
		for i, e := range v.list {
			out[i] = e.Interface()
		}
		return out
	default:
		return nil
	}
}

// Equal reports deep equality including kind.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindEmpty:
		return true
	case KindString:
		return v.s == o.s
	case KindBool:
		return v.b == o.b
	case KindStringList:
		if len(v.ss) != len(o.ss) {
			return false
		}
		for i := range v.ss {
			if v.ss[i] != o.ss[i] {
				return false
			}
		}
		return true
	case KindList:
		if len(v.list) != len(o.list) {
			return false
		}
		for i := range v.list {
			if !v.list[i].Equal(o.list[i]) {
				return false
			}
		}
		return true
	case KindFloat32, KindFloat64:
		return v.f == o.f
	default:
		if v.IsUnsigned() {
			return v.u == o.u
		}
		return v.i == o.i
	}
}

func (v Value) String() string {
	switch v.kind {
	case KindEmpty:
		return ""
	case KindString:
		return v.s
	case KindStringList:
		return "[" + strings.Join(v.ss, ", ") + "]"
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindChar:
		return string(rune(byte(v.i)))
	case KindFloat32:
		return strconv.FormatFloat(v.f, 'g', -1, 32)
	case KindFloat64:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case KindList:
		parts := make([]string, len(v.list))
		for i, e := range v.list {
			parts[i] = e.String()
		}
		return "[" + strings.Join(parts, ", ") + "]"
	default:
		if v.IsUnsigned() {
			return strconv.FormatUint(v.u, 10)
		}
		if v.IsSigned() {
			return strconv.FormatInt(v.i, 10)
		}
		return fmt.Sprintf("<%s>", v.kind)
	}
}
