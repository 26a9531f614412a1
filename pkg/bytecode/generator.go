package bytecode

import (
	"fmt"

	"github.com/calyx-lang/calyx/pkg/value"
)

// jumpPlaceholder marks a forward jump whose target is not known yet.
// Build rejects programs that still contain one.
const jumpPlaceholder = -1

// binaryOps maps source-level operator symbols to opcodes for EmitBinaryOp.
var binaryOps = map[string]Opcode{
	"+":  OpAdd,
	"-":  OpSub,
	"*":  OpMul,
	"/":  OpDiv,
	"%":  OpMod,
	"==": OpEq,
	"!=": OpNe,
	"<":  OpLt,
	"<=": OpLe,
	">":  OpGt,
	">=": OpGe,
}

// Generator builds a Program instruction by instruction. It owns the
// constant pool, the variable-name table, and the handler/function tables,
// and resolves forward jump references through PatchJump. The front-end
// drives it; nothing here parses source text.
type Generator struct {
	instrs   []Instruction
	pool     *value.Pool
	varNames []string
	varIndex map[string]int
	blocks   []CognitiveBlock
	handlers []HandlerRegion
	funcs    []FunctionInfo

	line   int
	weight float64
}

// NewGenerator returns an empty generator.
func NewGenerator() *Generator {
	return &Generator{
		instrs:   make([]Instruction, 0, 64),
		pool:     value.NewPool(),
		varIndex: make(map[string]int),
	}
}

// SetLine records the source line attached to subsequently emitted
// instructions.
func (g *Generator) SetLine(n int) { g.line = n }

// SetWeight records the cognitive weight attached to subsequently emitted
// instructions. Weight is accessibility metadata and never changes program
// behavior.
func (g *Generator) SetWeight(w float64) { g.weight = w }

// Len returns the index the next emitted instruction will occupy.
func (g *Generator) Len() int { return len(g.instrs) }

// Emit appends an instruction and returns its index.
func (g *Generator) Emit(op Opcode, operand Operand) int {
	idx := len(g.instrs)
	g.instrs = append(g.instrs, Instruction{
		Op:      op,
		Operand: operand,
		Line:    g.line,
		Weight:  g.weight,
	})
	return idx
}

// EmitLoadConst interns the value and emits LOAD_CONST for it.
func (g *Generator) EmitLoadConst(v value.Value) int {
	return g.Emit(OpLoadConst, IntOperand(int64(g.pool.Intern(v))))
}

// InternVar returns the index of a variable name, adding it on first use.
func (g *Generator) InternVar(name string) int {
	if idx, ok := g.varIndex[name]; ok {
		return idx
	}
	idx := len(g.varNames)
	g.varNames = append(g.varNames, name)
	g.varIndex[name] = idx
	return idx
}

// EmitLoadVar emits LOAD_VAR for a named variable.
func (g *Generator) EmitLoadVar(name string) int {
	return g.Emit(OpLoadVar, IntOperand(int64(g.InternVar(name))))
}

// EmitStoreVar emits STORE_VAR for a named variable.
func (g *Generator) EmitStoreVar(name string) int {
	return g.Emit(OpStoreVar, IntOperand(int64(g.InternVar(name))))
}

// EmitBinaryOp emits the arithmetic or comparison opcode for a source
// operator symbol.
func (g *Generator) EmitBinaryOp(symbol string) (int, error) {
	op, ok := binaryOps[symbol]
	if !ok {
		return 0, fmt.Errorf("unknown binary operator %q", symbol)
	}
	return g.Emit(op, NoOperand), nil
}

// EmitJump emits a jump with a known target.
func (g *Generator) EmitJump(op Opcode, target int) (int, error) {
	if !op.IsJump() {
		return 0, fmt.Errorf("%s is not a jump opcode", op)
	}
	return g.Emit(op, IntOperand(int64(target))), nil
}

// EmitForwardJump emits a jump whose target is not yet known. The returned
// index must be resolved with PatchJump before Build.
func (g *Generator) EmitForwardJump(op Opcode) (int, error) {
	return g.EmitJump(op, jumpPlaceholder)
}

// PatchJump resolves a forward jump to the given target. Passing a negative
// target patches to the current end of code.
func (g *Generator) PatchJump(index, target int) error {
	if index < 0 || index >= len(g.instrs) {
		return fmt.Errorf("patch index %d out of range", index)
	}
	in := &g.instrs[index]
	if !in.Op.IsJump() {
		return fmt.Errorf("instruction %d (%s) is not a jump", index, in.Op)
	}
	if target < 0 {
		target = len(g.instrs)
	}
	in.Operand = IntOperand(int64(target))
	return nil
}

// AddHandler registers a protected region [start, end) whose exceptions of
// the given kinds (all kinds when empty) transfer to handler.
func (g *Generator) AddHandler(start, end, handler int, kinds ...string) {
	g.handlers = append(g.handlers, HandlerRegion{
		Start:   start,
		End:     end,
		Handler: handler,
		Kinds:   kinds,
	})
}

// DefineFunction registers a bytecode function whose entry is the next
// emitted instruction and returns its CALL index.
func (g *Generator) DefineFunction(name string, params ...string) int {
	idx := len(g.funcs)
	g.funcs = append(g.funcs, FunctionInfo{
		Name:       name,
		Kind:       FuncBytecode,
		Entry:      len(g.instrs),
		Params:     params,
		ParamCount: len(params),
	})
	return idx
}

// DeclareNative registers a call-table entry bound to an export of a
// registered library module and returns its CALL index.
func (g *Generator) DeclareNative(module, name string, paramCount int) int {
	idx := len(g.funcs)
	g.funcs = append(g.funcs, FunctionInfo{
		Name:       name,
		Kind:       FuncNative,
		Module:     module,
		ParamCount: paramCount,
	})
	return idx
}

// Block registers a cognitive block and returns its index for
// EmitThinking.
func (g *Generator) Block(description string, loadLevel float64) int {
	idx := len(g.blocks)
	g.blocks = append(g.blocks, CognitiveBlock{Description: description, LoadLevel: loadLevel})
	return idx
}

// EmitThinking emits THINKING_BLOCK for a registered cognitive block.
func (g *Generator) EmitThinking(block int) int {
	return g.Emit(OpThinkingBlock, IntOperand(int64(block)))
}

// EmitImport emits IMPORT_MODULE for the named module.
func (g *Generator) EmitImport(name string) int {
	return g.Emit(OpImportModule, StringOperand(name))
}

// Build finalizes the program and verifies it. Unpatched forward jumps and
// any malformed operand surface here as a VerificationError, before the
// program can reach an engine.
func (g *Generator) Build() (*Program, error) {
	p := &Program{
		Instructions: g.instrs,
		Constants:    g.pool,
		VarNames:     g.varNames,
		Blocks:       g.blocks,
		Handlers:     g.handlers,
		Functions:    g.funcs,
	}
	if err := p.Verify(); err != nil {
		return nil, err
	}
	return p, nil
}
