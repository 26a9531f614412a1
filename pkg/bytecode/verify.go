package bytecode

import "fmt"

// VerificationError reports a malformed program. It is detected at load or
// build time and is always fatal: a program that fails verification never
// enters the dispatch loop.
type VerificationError struct {
	Index int // offending instruction index, or -1 for table-level faults
	Msg   string
}

func (e *VerificationError) Error() string {
	if e.Index < 0 {
		return "verification: " + e.Msg
	}
	return fmt.Sprintf("verification: instruction %d: %s", e.Index, e.Msg)
}

func verifyErr(index int, format string, args ...interface{}) error {
	return &VerificationError{Index: index, Msg: fmt.Sprintf(format, args...)}
}

// Verify checks every structural invariant the dispatch loop relies on:
// opcodes belong to the catalog, operand kinds match the opcode, and every
// index operand points into its table. Jump and handler addresses may equal
// len(Instructions) (fall off the end is a normal halt).
func (p *Program) Verify() error {
	if p.Constants == nil {
		return verifyErr(-1, "program has no constant pool")
	}
	n := len(p.Instructions)
	for i, in := range p.Instructions {
		if !in.Op.IsValid() {
			return verifyErr(i, "unknown opcode 0x%04X", uint16(in.Op))
		}
		info := GetOpcodeInfo(in.Op)
		if in.Operand.Kind() != info.Operand {
			return verifyErr(i, "%s requires %s operand, got %s", info.Name, info.Operand, in.Operand.Kind())
		}
		switch in.Op {
		case OpLoadConst:
			if idx := in.Operand.Int(); idx < 0 || int(idx) >= p.Constants.Len() {
				return verifyErr(i, "constant index %d out of range [0,%d)", idx, p.Constants.Len())
			}
		case OpLoadVar, OpStoreVar:
			if idx := in.Operand.Int(); idx < 0 || int(idx) >= len(p.VarNames) {
				return verifyErr(i, "variable index %d out of range [0,%d)", idx, len(p.VarNames))
			}
		case OpJump, OpJumpIfFalse, OpJumpIfTrue:
			if t := in.Operand.Int(); t < 0 || int(t) > n {
				return verifyErr(i, "jump target %d out of range [0,%d]", t, n)
			}
		case OpCall:
			if idx := in.Operand.Int(); idx < 0 || int(idx) >= len(p.Functions) {
				return verifyErr(i, "function index %d out of range [0,%d)", idx, len(p.Functions))
			}
		case OpBuildList, OpBuildMap:
			if c := in.Operand.Int(); c < 0 {
				return verifyErr(i, "negative element count %d", c)
			}
		case OpThinkingBlock:
			if idx := in.Operand.Int(); idx < 0 || int(idx) >= len(p.Blocks) {
				return verifyErr(i, "cognitive block index %d out of range [0,%d)", idx, len(p.Blocks))
			}
		case OpImportModule:
			if in.Operand.Str() == "" {
				return verifyErr(i, "empty module name")
			}
		}
	}
	for hi, h := range p.Handlers {
		if h.Start < 0 || h.End < h.Start || h.End > n {
			return verifyErr(-1, "handler %d has invalid range [%d,%d)", hi, h.Start, h.End)
		}
		if h.Handler < 0 || h.Handler > n {
			return verifyErr(-1, "handler %d target %d out of range [0,%d]", hi, h.Handler, n)
		}
	}
	for fi, f := range p.Functions {
		switch f.Kind {
		case FuncBytecode:
			if f.Entry < 0 || f.Entry >= n {
				return verifyErr(-1, "function %q entry %d out of range [0,%d)", f.Name, f.Entry, n)
			}
			if f.ParamCount != len(f.Params) {
				return verifyErr(-1, "function %q arity %d disagrees with %d named params", f.Name, f.ParamCount, len(f.Params))
			}
		case FuncNative:
			if f.Module == "" {
				return verifyErr(-1, "native function %q has no module", f.Name)
			}
			if f.ParamCount < 0 {
				return verifyErr(-1, "native function %q has negative arity", f.Name)
			}
		default:
			return verifyErr(-1, "function %d has unknown kind %d", fi, f.Kind)
		}
		if f.Name == "" {
			return verifyErr(-1, "function %d has no name", fi)
		}
	}
	return nil
}
