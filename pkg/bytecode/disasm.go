package bytecode

import (
	"fmt"
	"strings"
)

// Disassemble renders the program as a human-readable listing: one line per
// instruction with resolved constants, variable names, and call targets,
// preceded by the table summaries. Intended for diagnostics and tooling,
// never parsed back.
func (p *Program) Disassemble() string {
	var sb strings.Builder

	if len(p.Functions) > 0 {
		sb.WriteString("; functions\n")
		for i, f := range p.Functions {
			switch f.Kind {
			case FuncBytecode:
				fmt.Fprintf(&sb, ";   %d: %s(%s) @%04d\n", i, f.Name, strings.Join(f.Params, ", "), f.Entry)
			case FuncNative:
				fmt.Fprintf(&sb, ";   %d: %s.%s/%d (native)\n", i, f.Module, f.Name, f.ParamCount)
			}
		}
	}
	if len(p.Handlers) > 0 {
		sb.WriteString("; handlers\n")
		for i, h := range p.Handlers {
			kinds := "any"
			if len(h.Kinds) > 0 {
				kinds = strings.Join(h.Kinds, ",")
			}
			fmt.Fprintf(&sb, ";   %d: [%04d,%04d) -> %04d (%s)\n", i, h.Start, h.End, h.Handler, kinds)
		}
	}

	for i, in := range p.Instructions {
		fmt.Fprintf(&sb, "%04d  %-16s", i, in.Op)
		switch in.Op {
		case OpLoadConst:
			if v, ok := p.Constants.At(int(in.Operand.Int())); ok {
				fmt.Fprintf(&sb, "%-8s ; %s", in.Operand, v.Kind())
			} else {
				sb.WriteString(in.Operand.String())
			}
		case OpLoadVar, OpStoreVar:
			idx := int(in.Operand.Int())
			if idx >= 0 && idx < len(p.VarNames) {
				fmt.Fprintf(&sb, "%-8s ; %s", in.Operand, p.VarNames[idx])
			} else {
				sb.WriteString(in.Operand.String())
			}
		case OpCall:
			idx := int(in.Operand.Int())
			if idx >= 0 && idx < len(p.Functions) {
				fmt.Fprintf(&sb, "%-8s ; %s", in.Operand, p.Functions[idx].Name)
			} else {
				sb.WriteString(in.Operand.String())
			}
		case OpThinkingBlock:
			idx := int(in.Operand.Int())
			if idx >= 0 && idx < len(p.Blocks) {
				fmt.Fprintf(&sb, "%-8s ; %s", in.Operand, p.Blocks[idx].Description)
			} else {
				sb.WriteString(in.Operand.String())
			}
		default:
			sb.WriteString(in.Operand.String())
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}
