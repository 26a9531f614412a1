package bytecode

import (
	"fmt"

	"github.com/calyx-lang/calyx/pkg/value"
)

// Operand is the single optional immediate an instruction carries. Its kind
// is determined by the opcode and never changes after emission.
type Operand struct {
	kind OperandKind
	num  int64
	flt  float64
	str  string
}

// NoOperand is the operand of opcodes that carry none.
var NoOperand = Operand{kind: OperandNone}

// IntOperand returns an integer operand.
func IntOperand(n int64) Operand { return Operand{kind: OperandInt, num: n} }

// FloatOperand returns a float operand.
func FloatOperand(f float64) Operand { return Operand{kind: OperandFloat, flt: f} }

// StringOperand returns a string operand.
func StringOperand(s string) Operand { return Operand{kind: OperandString, str: s} }

// Kind returns the operand's kind.
func (o Operand) Kind() OperandKind { return o.kind }

// Int returns the integer payload.
func (o Operand) Int() int64 { return o.num }

// Float returns the float payload.
func (o Operand) Float() float64 { return o.flt }

// Str returns the string payload.
func (o Operand) Str() string { return o.str }

// String renders the operand for disassembly and errors.
func (o Operand) String() string {
	switch o.kind {
	case OperandNone:
		return ""
	case OperandInt:
		return fmt.Sprintf("%d", o.num)
	case OperandFloat:
		return fmt.Sprintf("%g", o.flt)
	case OperandString:
		return fmt.Sprintf("%q", o.str)
	default:
		return "?"
	}
}

// Instruction is one executable unit: an opcode, its optional operand, the
// source line it was generated from, and its cognitive weight. Weight is
// accessibility metadata only; it never affects control flow.
type Instruction struct {
	Op      Opcode
	Operand Operand
	Line    int
	Weight  float64
}

// String renders the instruction for traces and disassembly.
func (in Instruction) String() string {
	if in.Operand.Kind() == OperandNone {
		return in.Op.String()
	}
	return fmt.Sprintf("%s %s", in.Op, in.Operand)
}

// CognitiveBlock annotates a region of code as conceptually heavy. The
// engine may pause before THINKING_BLOCK instructions that reference one;
// descriptions feed accessibility hints.
type CognitiveBlock struct {
	Description string
	LoadLevel   float64
}

// HandlerRegion is one protected region: while the instruction pointer lies
// within [Start, End), exceptions whose kind appears in Kinds (or any kind,
// when Kinds is empty) transfer control to Handler. Later-registered
// regions are searched first.
type HandlerRegion struct {
	Start   int
	End     int
	Handler int
	Kinds   []string
}

// Catches reports whether the region handles the given exception kind name.
func (h HandlerRegion) Catches(kind string) bool {
	if len(h.Kinds) == 0 {
		return true
	}
	for _, k := range h.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// Covers reports whether the instruction pointer lies inside the region.
func (h HandlerRegion) Covers(ip int) bool {
	return ip >= h.Start && ip < h.End
}

// FunctionKind distinguishes bytecode functions from native imports bound
// through the standard-library invoke contract.
type FunctionKind uint8

const (
	FuncBytecode FunctionKind = iota
	FuncNative
)

// FunctionInfo is one CALL target. Bytecode functions have an entry address
// and named parameters; native functions name an export of a registered
// module and declare only an arity.
type FunctionInfo struct {
	Name       string
	Kind       FunctionKind
	Entry      int      // instruction index (bytecode only)
	Params     []string // parameter names (bytecode only)
	Module     string   // owning module (native only)
	ParamCount int      // arity; equals len(Params) for bytecode
}

// Program is a complete executable unit: the flat instruction array plus
// the tables its operands index into. Every index operand must be valid;
// Verify enforces this before the program ever reaches the dispatch loop.
type Program struct {
	Instructions []Instruction
	Constants    *value.Pool
	VarNames     []string
	Blocks       []CognitiveBlock
	Handlers     []HandlerRegion
	Functions    []FunctionInfo
}

// Equal reports whether two programs have identical content. Used by the
// serialization round-trip property.
func (p *Program) Equal(q *Program) bool {
	if len(p.Instructions) != len(q.Instructions) ||
		p.Constants.Len() != q.Constants.Len() ||
		len(p.VarNames) != len(q.VarNames) ||
		len(p.Blocks) != len(q.Blocks) ||
		len(p.Handlers) != len(q.Handlers) ||
		len(p.Functions) != len(q.Functions) {
		return false
	}
	for i, in := range p.Instructions {
		if in != q.Instructions[i] {
			return false
		}
	}
	pc, qc := p.Constants.Values(), q.Constants.Values()
	for i := range pc {
		if !value.Identical(pc[i], qc[i]) {
			return false
		}
	}
	for i, n := range p.VarNames {
		if n != q.VarNames[i] {
			return false
		}
	}
	for i, b := range p.Blocks {
		if b != q.Blocks[i] {
			return false
		}
	}
	for i, h := range p.Handlers {
		g := q.Handlers[i]
		if h.Start != g.Start || h.End != g.End || h.Handler != g.Handler || len(h.Kinds) != len(g.Kinds) {
			return false
		}
		for j, k := range h.Kinds {
			if k != g.Kinds[j] {
				return false
			}
		}
	}
	for i, f := range p.Functions {
		g := q.Functions[i]
		if f.Name != g.Name || f.Kind != g.Kind || f.Entry != g.Entry ||
			f.Module != g.Module || f.ParamCount != g.ParamCount || len(f.Params) != len(g.Params) {
			return false
		}
		for j, pn := range f.Params {
			if pn != g.Params[j] {
				return false
			}
		}
	}
	return true
}
