package value

import (
	"fmt"
	"math"
)

// ---------------------------------------------------------------------------
// Numeric tower and arithmetic
// ---------------------------------------------------------------------------

// CoerceNumeric promotes an Integer/Float pair so both sides share a kind.
// Two integers stay integers; any float promotes both to float. Non-numeric
// operands return ErrNotNumeric.
func CoerceNumeric(a, b Value) (Value, Value, error) {
	if !a.IsNumeric() || !b.IsNumeric() {
		return None, None, fmt.Errorf("%w: %s and %s", ErrNotNumeric, a.kind, b.kind)
	}
	if a.kind == KindInt && b.kind == KindInt {
		return a, b, nil
	}
	return Float(a.toFloat()), Float(b.toFloat()), nil
}

// Add sums two numbers through the tower. Two strings concatenate and two
// lists concatenate into a fresh list; any other non-numeric combination is
// ErrNotNumeric.
func Add(a, b Value) (Value, error) {
	if a.kind == KindString && b.kind == KindString {
		return Str(a.str + b.str), nil
	}
	if a.kind == KindList && b.kind == KindList {
		out := make([]Value, 0, len(a.seq)+len(b.seq))
		out = append(out, a.seq...)
		out = append(out, b.seq...)
		return List(out...), nil
	}
	a, b, err := CoerceNumeric(a, b)
	if err != nil {
		return None, err
	}
	if a.kind == KindInt {
		return Int(a.num + b.num), nil
	}
	return Float(a.flt + b.flt), nil
}

// Sub subtracts b from a.
func Sub(a, b Value) (Value, error) {
	a, b, err := CoerceNumeric(a, b)
	if err != nil {
		return None, err
	}
	if a.kind == KindInt {
		return Int(a.num - b.num), nil
	}
	return Float(a.flt - b.flt), nil
}

// Mul multiplies two numbers.
func Mul(a, b Value) (Value, error) {
	a, b, err := CoerceNumeric(a, b)
	if err != nil {
		return None, err
	}
	if a.kind == KindInt {
		return Int(a.num * b.num), nil
	}
	return Float(a.flt * b.flt), nil
}

// Div divides a by b. Integer division truncates toward zero. A zero
// divisor is ErrDivisionByZero for both kinds; the runtime never produces
// Inf or NaN here, so behavior is deterministic across hosts.
func Div(a, b Value) (Value, error) {
	a, b, err := CoerceNumeric(a, b)
	if err != nil {
		return None, err
	}
	if a.kind == KindInt {
		if b.num == 0 {
			return None, ErrDivisionByZero
		}
		return Int(a.num / b.num), nil
	}
	if b.flt == 0 {
		return None, ErrDivisionByZero
	}
	return Float(a.flt / b.flt), nil
}

// Mod computes the remainder of a by b with the same zero-divisor rule as
// Div. Float remainders use math.Mod.
func Mod(a, b Value) (Value, error) {
	a, b, err := CoerceNumeric(a, b)
	if err != nil {
		return None, err
	}
	if a.kind == KindInt {
		if b.num == 0 {
			return None, ErrDivisionByZero
		}
		return Int(a.num % b.num), nil
	}
	if b.flt == 0 {
		return None, ErrDivisionByZero
	}
	return Float(math.Mod(a.flt, b.flt)), nil
}
