package bytecode

import (
	"github.com/calyx-lang/calyx/pkg/value"
)

// Optimize rewrites the emitted instruction stream before finalization:
// constant folding, peephole cleanup, and dead-code elimination. Every pass
// respects live jump targets, handler addresses, and function entries, and
// remaps all of them after deletions, so optimized programs keep the exact
// semantics of their unoptimized form.
func (g *Generator) Optimize() {
	for changed := true; changed; {
		changed = false
		if g.foldConstants() {
			changed = true
		}
		if g.peephole() {
			changed = true
		}
		if g.eliminateDeadCode() {
			changed = true
		}
	}
}

// liveTargets collects every instruction index control can enter other than
// by falling through: jump targets, handler entry points, and bytecode
// function entries.
func (g *Generator) liveTargets() map[int]bool {
	live := make(map[int]bool)
	for _, in := range g.instrs {
		if in.Op.IsJump() {
			live[int(in.Operand.Int())] = true
		}
	}
	for _, h := range g.handlers {
		live[h.Handler] = true
	}
	for _, f := range g.funcs {
		if f.Kind == FuncBytecode {
			live[f.Entry] = true
		}
	}
	return live
}

// foldConstants replaces LOAD_CONST a; LOAD_CONST b; <arith> with one
// LOAD_CONST of the computed result. Folds that would raise at runtime
// (division by zero, type mismatch) are left in place so the exception
// still fires during execution.
func (g *Generator) foldConstants() bool {
	live := g.liveTargets()
	for i := 0; i+2 < len(g.instrs); i++ {
		a, b, op := g.instrs[i], g.instrs[i+1], g.instrs[i+2]
		if a.Op != OpLoadConst || b.Op != OpLoadConst || !op.Op.IsArithmetic() {
			continue
		}
		// Folding would change where a jump into the middle lands.
		if live[i+1] || live[i+2] {
			continue
		}
		av, _ := g.pool.At(int(a.Operand.Int()))
		bv, _ := g.pool.At(int(b.Operand.Int()))
		result, err := applyArithmetic(op.Op, av, bv)
		if err != nil {
			continue
		}
		g.instrs[i] = Instruction{
			Op:      OpLoadConst,
			Operand: IntOperand(int64(g.pool.Intern(result))),
			Line:    a.Line,
			Weight:  a.Weight,
		}
		g.removeRange(i+1, i+3)
		return true
	}
	return false
}

// applyArithmetic evaluates one pure binary arithmetic opcode over two
// constant values. The engine uses the same value-package operations, which
// is what makes folding sound.
func applyArithmetic(op Opcode, a, b value.Value) (value.Value, error) {
	switch op {
	case OpAdd:
		return value.Add(a, b)
	case OpSub:
		return value.Sub(a, b)
	case OpMul:
		return value.Mul(a, b)
	case OpDiv:
		return value.Div(a, b)
	default:
		return value.Mod(a, b)
	}
}

// peephole removes push/pop pairs that cancel out: DUP;POP and
// LOAD_CONST;POP are both net no-ops, so the pair is elided whenever no
// jump lands on the POP. A jump landing on the first instruction of the
// pair still sees a no-op, so only the POP needs to be unreferenced.
func (g *Generator) peephole() bool {
	live := g.liveTargets()
	for i := 0; i+1 < len(g.instrs); i++ {
		first := g.instrs[i].Op
		if (first == OpDup || first == OpLoadConst) && g.instrs[i+1].Op == OpPop && !live[i+1] {
			g.removeRange(i, i+2)
			return true
		}
	}
	return false
}

// eliminateDeadCode drops instructions that follow an unconditional
// terminator until the next live target.
func (g *Generator) eliminateDeadCode() bool {
	live := g.liveTargets()
	for i := 0; i < len(g.instrs); i++ {
		if !g.instrs[i].Op.IsTerminator() {
			continue
		}
		j := i + 1
		for j < len(g.instrs) && !live[j] {
			j++
		}
		if j > i+1 {
			g.removeRange(i+1, j)
			return true
		}
	}
	return false
}

// removeRange deletes instructions [from, to) and remaps every address the
// tables and jump operands carry.
func (g *Generator) removeRange(from, to int) {
	removed := to - from
	remap := func(idx int) int {
		switch {
		case idx <= from:
			return idx
		case idx >= to:
			return idx - removed
		default:
			// Address inside the removed range shifts to its survivor.
			return from
		}
	}

	g.instrs = append(g.instrs[:from], g.instrs[to:]...)

	for i := range g.instrs {
		if g.instrs[i].Op.IsJump() {
			target := remap(int(g.instrs[i].Operand.Int()))
			g.instrs[i].Operand = IntOperand(int64(target))
		}
	}
	for i := range g.handlers {
		g.handlers[i].Start = remap(g.handlers[i].Start)
		g.handlers[i].End = remap(g.handlers[i].End)
		g.handlers[i].Handler = remap(g.handlers[i].Handler)
	}
	for i := range g.funcs {
		if g.funcs[i].Kind == FuncBytecode {
			g.funcs[i].Entry = remap(g.funcs[i].Entry)
		}
	}
}
