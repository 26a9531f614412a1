package value

import (
	"math"
	"strconv"
)

// ---------------------------------------------------------------------------
// Constant pool
// ---------------------------------------------------------------------------

// Pool is the deduplicated constant table carried by a compiled program.
// Interning an immutable value (none, int, float, bool, string) returns a
// stable index: structurally-equal values share one slot. Containers are
// never interned; each Intern of a list or map appends a fresh slot so the
// program references the exact value it was built with.
type Pool struct {
	values []Value
	index  map[string]int
}

// NewPool returns an empty pool.
func NewPool() *Pool {
	return &Pool{
		values: make([]Value, 0, 8),
		index:  make(map[string]int),
	}
}

// Intern adds a value to the pool and returns its index.
func (p *Pool) Intern(v Value) int {
	if key, ok := internKey(v); ok {
		if idx, exists := p.index[key]; exists {
			return idx
		}
		idx := len(p.values)
		p.values = append(p.values, v)
		p.index[key] = idx
		return idx
	}
	idx := len(p.values)
	p.values = append(p.values, v)
	return idx
}

// internKey builds the dedup key for immutable values. Containers report
// ok=false and bypass deduplication.
func internKey(v Value) (string, bool) {
	switch v.kind {
	case KindNone:
		return "n", true
	case KindInt:
		return "i" + strconv.FormatInt(v.num, 10), true
	case KindFloat:
		// Key on the bit pattern so 0.0 and -0.0 stay distinct slots.
		return "f" + strconv.FormatUint(math.Float64bits(v.flt), 16), true
	case KindBool:
		if v.num != 0 {
			return "bt", true
		}
		return "bf", true
	case KindString:
		return "s" + v.str, true
	default:
		return "", false
	}
}

// At returns the constant at the given index and whether it exists.
func (p *Pool) At(idx int) (Value, bool) {
	if idx < 0 || idx >= len(p.values) {
		return None, false
	}
	return p.values[idx], true
}

// Len returns the number of pooled constants.
func (p *Pool) Len() int { return len(p.values) }

// Values returns the backing slice. Callers must treat it as read-only.
func (p *Pool) Values() []Value { return p.values }

// RestorePool rebuilds a pool from a deserialized constant table, reindexing
// immutable values so later Intern calls keep deduplicating.
func RestorePool(values []Value) *Pool {
	p := &Pool{
		values: values,
		index:  make(map[string]int, len(values)),
	}
	for i, v := range values {
		if key, ok := internKey(v); ok {
			if _, exists := p.index[key]; !exists {
				p.index[key] = i
			}
		}
	}
	return p
}
