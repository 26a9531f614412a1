// Package value implements the Calyx runtime value model: a closed tagged
// union over the seven surface kinds, structural equality and ordering with
// numeric-tower promotion, and the deduplicating constant pool used by
// compiled programs.
package value

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Kind identifies the runtime type of a Value. The set is closed: the
// engine, the verifier, and the serializer all enumerate exactly these.
type Kind uint8

const (
	KindNone Kind = iota
	KindInt
	KindFloat
	KindBool
	KindString
	KindList
	KindMap
)

// String returns a human-readable name for a kind.
func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindBool:
		return "bool"
	case KindString:
		return "string"
	case KindList:
		return "list"
	case KindMap:
		return "map"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Condition errors reported by value operations. The engine maps these to
// exception kinds; callers outside the engine see them as ordinary errors.
var (
	ErrNotNumeric     = errors.New("operand is not numeric")
	ErrDivisionByZero = errors.New("division by zero")
	ErrUnordered      = errors.New("values are not ordered")
)

// Value is one Calyx runtime value. Values are immutable at the language
// surface; containers share their backing storage when copied, so mutation
// happens only through explicit engine opcodes.
type Value struct {
	kind Kind
	num  int64 // Int payload; Bool stored as 0/1
	flt  float64
	str  string
	seq  []Value
	tab  map[string]Value
}

// None is the unit value.
var None = Value{kind: KindNone}

// Int returns an integer value.
func Int(n int64) Value { return Value{kind: KindInt, num: n} }

// Float returns a float value.
func Float(f float64) Value { return Value{kind: KindFloat, flt: f} }

// Bool returns a boolean value.
func Bool(b bool) Value {
	if b {
		return Value{kind: KindBool, num: 1}
	}
	return Value{kind: KindBool}
}

// Str returns a string value.
func Str(s string) Value { return Value{kind: KindString, str: s} }

// List returns a list value holding the given elements.
func List(elems ...Value) Value {
	if elems == nil {
		elems = []Value{}
	}
	return Value{kind: KindList, seq: elems}
}

// Map returns a map value over the given table. A nil table allocates an
// empty one.
func Map(tab map[string]Value) Value {
	if tab == nil {
		tab = make(map[string]Value)
	}
	return Value{kind: KindMap, tab: tab}
}

// Kind returns the value's runtime kind.
func (v Value) Kind() Kind { return v.kind }

// AsInt returns the integer payload. Only meaningful for KindInt.
func (v Value) AsInt() int64 { return v.num }

// AsFloat returns the float payload. Only meaningful for KindFloat.
func (v Value) AsFloat() float64 { return v.flt }

// AsBool returns the boolean payload. Only meaningful for KindBool.
func (v Value) AsBool() bool { return v.num != 0 }

// AsString returns the string payload. Only meaningful for KindString.
func (v Value) AsString() string { return v.str }

// Elems returns the backing slice of a list value.
func (v Value) Elems() []Value { return v.seq }

// Table returns the backing table of a map value.
func (v Value) Table() map[string]Value { return v.tab }

// IsNumeric reports whether the value participates in the numeric tower.
func (v Value) IsNumeric() bool { return v.kind == KindInt || v.kind == KindFloat }

// IsTruthy implements the language truth rule: none and false are falsy,
// zero is falsy, empty containers and strings are falsy, everything else
// is truthy.
func (v Value) IsTruthy() bool {
	switch v.kind {
	case KindNone:
		return false
	case KindBool:
		return v.num != 0
	case KindInt:
		return v.num != 0
	case KindFloat:
		return v.flt != 0
	case KindString:
		return v.str != ""
	case KindList:
		return len(v.seq) > 0
	case KindMap:
		return len(v.tab) > 0
	default:
		return false
	}
}

// Equal reports structural equality. Integers and floats compare through
// numeric promotion; lists compare elementwise; maps compare by key set and
// per-key equality (insertion order is irrelevant).
func Equal(a, b Value) bool {
	if a.IsNumeric() && b.IsNumeric() {
		if a.kind == KindInt && b.kind == KindInt {
			return a.num == b.num
		}
		return a.toFloat() == b.toFloat()
	}
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case KindNone:
		return true
	case KindBool:
		return a.num == b.num
	case KindString:
		return a.str == b.str
	case KindList:
		if len(a.seq) != len(b.seq) {
			return false
		}
		for i := range a.seq {
			if !Equal(a.seq[i], b.seq[i]) {
				return false
			}
		}
		return true
	case KindMap:
		if len(a.tab) != len(b.tab) {
			return false
		}
		for k, av := range a.tab {
			bv, ok := b.tab[k]
			if !ok || !Equal(av, bv) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// Identical reports exact equality: same kind and same payload, with no
// numeric promotion. Serialization round-trip checks use this.
func Identical(a, b Value) bool {
	if a.kind != b.kind {
		return false
	}
	return Equal(a, b)
}

// Compare orders two values, returning -1, 0, or +1. Numbers order through
// the numeric tower, strings lexicographically, booleans false < true, and
// lists lexicographically by element. None and maps are unordered and
// return ErrUnordered, as does any cross-kind comparison outside the
// numeric tower.
func Compare(a, b Value) (int, error) {
	if a.IsNumeric() && b.IsNumeric() {
		if a.kind == KindInt && b.kind == KindInt {
			return cmpInt(a.num, b.num), nil
		}
		return cmpFloat(a.toFloat(), b.toFloat()), nil
	}
	if a.kind != b.kind {
		return 0, fmt.Errorf("%w: %s vs %s", ErrUnordered, a.kind, b.kind)
	}
	switch a.kind {
	case KindString:
		return strings.Compare(a.str, b.str), nil
	case KindBool:
		return cmpInt(a.num, b.num), nil
	case KindList:
		n := len(a.seq)
		if len(b.seq) < n {
			n = len(b.seq)
		}
		for i := 0; i < n; i++ {
			c, err := Compare(a.seq[i], b.seq[i])
			if err != nil {
				return 0, err
			}
			if c != 0 {
				return c, nil
			}
		}
		return cmpInt(int64(len(a.seq)), int64(len(b.seq))), nil
	default:
		return 0, fmt.Errorf("%w: %s values", ErrUnordered, a.kind)
	}
}

func cmpInt(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func cmpFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func (v Value) toFloat() float64 {
	if v.kind == KindInt {
		return float64(v.num)
	}
	return v.flt
}

// String renders the value the way PRINT and stack traces show it. Map keys
// are sorted so rendering is deterministic.
func (v Value) String() string {
	switch v.kind {
	case KindNone:
		return "none"
	case KindInt:
		return strconv.FormatInt(v.num, 10)
	case KindFloat:
		return strconv.FormatFloat(v.flt, 'g', -1, 64)
	case KindBool:
		if v.num != 0 {
			return "true"
		}
		return "false"
	case KindString:
		return v.str
	case KindList:
		var sb strings.Builder
		sb.WriteByte('[')
		for i, e := range v.seq {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(e.quoted())
		}
		sb.WriteByte(']')
		return sb.String()
	case KindMap:
		keys := make([]string, 0, len(v.tab))
		for k := range v.tab {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var sb strings.Builder
		sb.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(strconv.Quote(k))
			sb.WriteString(": ")
			sb.WriteString(v.tab[k].quoted())
		}
		sb.WriteByte('}')
		return sb.String()
	default:
		return fmt.Sprintf("Value(kind=%d)", v.kind)
	}
}

// quoted renders nested strings with quotes so container output is
// unambiguous.
func (v Value) quoted() string {
	if v.kind == KindString {
		return strconv.Quote(v.str)
	}
	return v.String()
}
