package bytecode

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"

	"github.com/calyx-lang/calyx/pkg/value"
)

// FormatVersion is the current bytecode format version. It leads every
// serialized program (after the magic) so future revisions can be detected
// before any table is read. Increment on incompatible changes.
const FormatVersion uint8 = 1

// Magic bytes for serialized programs: "CLYX".
var Magic = []byte{'C', 'L', 'Y', 'X'}

// Serialize encodes the program for storage or transport. Layout:
//
//	[magic:4] [version:1]
//	[constants]  u32 count, then tagged values (see writeValue)
//	[var names]  u32 count, then length-prefixed strings
//	[blocks]     u32 count, then {desc, load_level:f64}
//	[handlers]   u32 count, then {start,end,handler:u32, kinds}
//	[functions]  u32 count, then {kind:u8, name, entry:u32, params|module}
//	[code]       u32 count, then per instruction
//	             {opcode:u16}{operand-tag:u8}{payload}{line:u32}{weight:f64}
//
// All integers are big-endian. Deserialize(Serialize(p)) reproduces p
// exactly.
func (p *Program) Serialize() ([]byte, error) {
	buf := make([]byte, 0, 256+len(p.Instructions)*16)
	buf = append(buf, Magic...)
	buf = append(buf, FormatVersion)

	// Constants
	consts := p.Constants.Values()
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(consts)))
	var err error
	for _, v := range consts {
		if buf, err = writeValue(buf, v); err != nil {
			return nil, err
		}
	}

	// Variable names
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(p.VarNames)))
	for _, name := range p.VarNames {
		buf = writeString(buf, name)
	}

	// Cognitive blocks
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(p.Blocks)))
	for _, b := range p.Blocks {
		buf = writeString(buf, b.Description)
		buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(b.LoadLevel))
	}

	// Handler regions
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(p.Handlers)))
	for _, h := range p.Handlers {
		buf = binary.BigEndian.AppendUint32(buf, uint32(h.Start))
		buf = binary.BigEndian.AppendUint32(buf, uint32(h.End))
		buf = binary.BigEndian.AppendUint32(buf, uint32(h.Handler))
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(h.Kinds)))
		for _, k := range h.Kinds {
			buf = writeString(buf, k)
		}
	}

	// Functions
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(p.Functions)))
	for _, f := range p.Functions {
		buf = append(buf, byte(f.Kind))
		buf = writeString(buf, f.Name)
		switch f.Kind {
		case FuncBytecode:
			buf = binary.BigEndian.AppendUint32(buf, uint32(f.Entry))
			buf = binary.BigEndian.AppendUint16(buf, uint16(len(f.Params)))
			for _, pn := range f.Params {
				buf = writeString(buf, pn)
			}
		case FuncNative:
			buf = writeString(buf, f.Module)
			buf = binary.BigEndian.AppendUint16(buf, uint16(f.ParamCount))
		default:
			return nil, fmt.Errorf("serialize: function %q has unknown kind %d", f.Name, f.Kind)
		}
	}

	// Instructions
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(p.Instructions)))
	for _, in := range p.Instructions {
		buf = binary.BigEndian.AppendUint16(buf, uint16(in.Op))
		buf = append(buf, byte(in.Operand.Kind()))
		switch in.Operand.Kind() {
		case OperandNone:
		case OperandInt:
			buf = binary.BigEndian.AppendUint64(buf, uint64(in.Operand.Int()))
		case OperandFloat:
			buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(in.Operand.Float()))
		case OperandString:
			buf = writeString(buf, in.Operand.Str())
		}
		buf = binary.BigEndian.AppendUint32(buf, uint32(in.Line))
		buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(in.Weight))
	}

	return buf, nil
}

// writeString appends a u32 length-prefixed string.
func writeString(buf []byte, s string) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(s)))
	return append(buf, s...)
}

// writeValue appends one tagged constant. Map entries are written in sorted
// key order so encoding is deterministic.
func writeValue(buf []byte, v value.Value) ([]byte, error) {
	buf = append(buf, byte(v.Kind()))
	switch v.Kind() {
	case value.KindNone:
	case value.KindInt:
		buf = binary.BigEndian.AppendUint64(buf, uint64(v.AsInt()))
	case value.KindFloat:
		buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(v.AsFloat()))
	case value.KindBool:
		if v.AsBool() {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
	case value.KindString:
		buf = writeString(buf, v.AsString())
	case value.KindList:
		elems := v.Elems()
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(elems)))
		var err error
		for _, e := range elems {
			if buf, err = writeValue(buf, e); err != nil {
				return nil, err
			}
		}
	case value.KindMap:
		tab := v.Table()
		keys := make([]string, 0, len(tab))
		for k := range tab {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(keys)))
		var err error
		for _, k := range keys {
			buf = writeString(buf, k)
			if buf, err = writeValue(buf, tab[k]); err != nil {
				return nil, err
			}
		}
	default:
		return nil, fmt.Errorf("serialize: unknown value kind %d", v.Kind())
	}
	return buf, nil
}

// ---------------------------------------------------------------------------
// Deserialization
// ---------------------------------------------------------------------------

// reader tracks a position in the encoded buffer and fails loudly on
// truncation instead of panicking.
type reader struct {
	data []byte
	pos  int
}

func (r *reader) take(n int) ([]byte, error) {
	if r.pos+n > len(r.data) {
		return nil, fmt.Errorf("bytecode truncated at offset %d (need %d bytes)", r.pos, n)
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func (r *reader) u8() (uint8, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *reader) u16() (uint16, error) {
	b, err := r.take(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (r *reader) u32() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (r *reader) u64() (uint64, error) {
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

func (r *reader) str() (string, error) {
	n, err := r.u32()
	if err != nil {
		return "", err
	}
	b, err := r.take(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r *reader) value() (value.Value, error) {
	tag, err := r.u8()
	if err != nil {
		return value.None, err
	}
	switch value.Kind(tag) {
	case value.KindNone:
		return value.None, nil
	case value.KindInt:
		n, err := r.u64()
		if err != nil {
			return value.None, err
		}
		return value.Int(int64(n)), nil
	case value.KindFloat:
		bits, err := r.u64()
		if err != nil {
			return value.None, err
		}
		return value.Float(math.Float64frombits(bits)), nil
	case value.KindBool:
		b, err := r.u8()
		if err != nil {
			return value.None, err
		}
		return value.Bool(b != 0), nil
	case value.KindString:
		s, err := r.str()
		if err != nil {
			return value.None, err
		}
		return value.Str(s), nil
	case value.KindList:
		n, err := r.u32()
		if err != nil {
			return value.None, err
		}
		elems := make([]value.Value, n)
		for i := range elems {
			if elems[i], err = r.value(); err != nil {
				return value.None, err
			}
		}
		return value.List(elems...), nil
	case value.KindMap:
		n, err := r.u32()
		if err != nil {
			return value.None, err
		}
		tab := make(map[string]value.Value, n)
		for i := uint32(0); i < n; i++ {
			k, err := r.str()
			if err != nil {
				return value.None, err
			}
			if tab[k], err = r.value(); err != nil {
				return value.None, err
			}
		}
		return value.Map(tab), nil
	default:
		return value.None, fmt.Errorf("bytecode has unknown value tag %d at offset %d", tag, r.pos-1)
	}
}

// Deserialize decodes a serialized program. Any structural fault (bad
// magic, unsupported version, truncation) is a load failure; the decoded
// program is additionally run through Verify by the engine before
// execution.
func Deserialize(data []byte) (*Program, error) {
	if len(data) < len(Magic)+1 {
		return nil, fmt.Errorf("bytecode too short: %d bytes", len(data))
	}
	if string(data[:4]) != string(Magic) {
		return nil, fmt.Errorf("invalid bytecode magic %q", data[:4])
	}
	if v := data[4]; v > FormatVersion {
		return nil, fmt.Errorf("bytecode format version %d is newer than supported %d", v, FormatVersion)
	}
	r := &reader{data: data, pos: 5}

	// Constants
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	consts := make([]value.Value, n)
	for i := range consts {
		if consts[i], err = r.value(); err != nil {
			return nil, err
		}
	}

	// Variable names
	if n, err = r.u32(); err != nil {
		return nil, err
	}
	varNames := make([]string, n)
	for i := range varNames {
		if varNames[i], err = r.str(); err != nil {
			return nil, err
		}
	}

	// Cognitive blocks
	if n, err = r.u32(); err != nil {
		return nil, err
	}
	blocks := make([]CognitiveBlock, n)
	for i := range blocks {
		if blocks[i].Description, err = r.str(); err != nil {
			return nil, err
		}
		bits, err := r.u64()
		if err != nil {
			return nil, err
		}
		blocks[i].LoadLevel = math.Float64frombits(bits)
	}

	// Handler regions
	if n, err = r.u32(); err != nil {
		return nil, err
	}
	handlers := make([]HandlerRegion, n)
	for i := range handlers {
		start, err := r.u32()
		if err != nil {
			return nil, err
		}
		end, err := r.u32()
		if err != nil {
			return nil, err
		}
		target, err := r.u32()
		if err != nil {
			return nil, err
		}
		kc, err := r.u16()
		if err != nil {
			return nil, err
		}
		var kinds []string
		if kc > 0 {
			kinds = make([]string, kc)
			for j := range kinds {
				if kinds[j], err = r.str(); err != nil {
					return nil, err
				}
			}
		}
		handlers[i] = HandlerRegion{Start: int(start), End: int(end), Handler: int(target), Kinds: kinds}
	}

	// Functions
	if n, err = r.u32(); err != nil {
		return nil, err
	}
	funcs := make([]FunctionInfo, n)
	for i := range funcs {
		kind, err := r.u8()
		if err != nil {
			return nil, err
		}
		name, err := r.str()
		if err != nil {
			return nil, err
		}
		switch FunctionKind(kind) {
		case FuncBytecode:
			entry, err := r.u32()
			if err != nil {
				return nil, err
			}
			pc, err := r.u16()
			if err != nil {
				return nil, err
			}
			var params []string
			if pc > 0 {
				params = make([]string, pc)
				for j := range params {
					if params[j], err = r.str(); err != nil {
						return nil, err
					}
				}
			}
			funcs[i] = FunctionInfo{Name: name, Kind: FuncBytecode, Entry: int(entry), Params: params, ParamCount: int(pc)}
		case FuncNative:
			mod, err := r.str()
			if err != nil {
				return nil, err
			}
			pc, err := r.u16()
			if err != nil {
				return nil, err
			}
			funcs[i] = FunctionInfo{Name: name, Kind: FuncNative, Module: mod, ParamCount: int(pc)}
		default:
			return nil, fmt.Errorf("bytecode has unknown function kind %d", kind)
		}
	}

	// Instructions
	if n, err = r.u32(); err != nil {
		return nil, err
	}
	instrs := make([]Instruction, n)
	for i := range instrs {
		opRaw, err := r.u16()
		if err != nil {
			return nil, err
		}
		tag, err := r.u8()
		if err != nil {
			return nil, err
		}
		var operand Operand
		switch OperandKind(tag) {
		case OperandNone:
			operand = NoOperand
		case OperandInt:
			bits, err := r.u64()
			if err != nil {
				return nil, err
			}
			operand = IntOperand(int64(bits))
		case OperandFloat:
			bits, err := r.u64()
			if err != nil {
				return nil, err
			}
			operand = FloatOperand(math.Float64frombits(bits))
		case OperandString:
			s, err := r.str()
			if err != nil {
				return nil, err
			}
			operand = StringOperand(s)
		default:
			return nil, fmt.Errorf("bytecode has unknown operand tag %d", tag)
		}
		line, err := r.u32()
		if err != nil {
			return nil, err
		}
		bits, err := r.u64()
		if err != nil {
			return nil, err
		}
		instrs[i] = Instruction{
			Op:      Opcode(opRaw),
			Operand: operand,
			Line:    int(line),
			Weight:  math.Float64frombits(bits),
		}
	}

	if r.pos != len(data) {
		return nil, fmt.Errorf("bytecode has %d trailing bytes", len(data)-r.pos)
	}

	return &Program{
		Instructions: instrs,
		Constants:    value.RestorePool(consts),
		VarNames:     varNames,
		Blocks:       blocks,
		Handlers:     handlers,
		Functions:    funcs,
	}, nil
}
