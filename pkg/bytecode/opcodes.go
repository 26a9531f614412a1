package bytecode

import "fmt"

// Opcode identifies one primitive operation of the execution engine. The
// catalog is closed and dense so the engine can dispatch through a table
// indexed by the opcode itself.
type Opcode uint16

const (
	// Stack and control
	OpNop Opcode = iota
	OpHalt
	OpPop
	OpDup

	// Constants and variables
	OpLoadConst // operand: constant pool index
	OpLoadVar   // operand: variable name index
	OpStoreVar  // operand: variable name index

	// Arithmetic
	OpAdd
	OpSub
	OpMul
	OpDiv
	OpMod

	// Comparison
	OpEq
	OpNe
	OpLt
	OpLe
	OpGt
	OpGe

	// Control flow (operands are absolute instruction indices)
	OpJump
	OpJumpIfFalse
	OpJumpIfTrue

	// Calls
	OpCall // operand: function table index
	OpReturn

	// Containers
	OpBuildList // operand: element count
	OpBuildMap  // operand: pair count

	// Modules
	OpImportModule // operand: module name

	// Accessibility
	OpThinkingBlock // operand: cognitive block index

	// Host I/O boundary
	OpPrint

	opcodeCount
)

// OpcodeCount is the size of the dispatch table.
const OpcodeCount = int(opcodeCount)

// OperandKind describes the single optional operand an opcode carries.
// The kind is fixed per opcode at emission time and checked by the
// verifier.
type OperandKind uint8

const (
	OperandNone OperandKind = iota
	OperandInt
	OperandFloat
	OperandString
)

// String returns a human-readable name for an operand kind.
func (k OperandKind) String() string {
	switch k {
	case OperandNone:
		return "none"
	case OperandInt:
		return "int"
	case OperandFloat:
		return "float"
	case OperandString:
		return "string"
	default:
		return fmt.Sprintf("OperandKind(%d)", uint8(k))
	}
}

// OpcodeInfo provides metadata about each opcode for validation, the
// optimizer, and the disassembler.
type OpcodeInfo struct {
	Name      string      // Human-readable name
	StackPop  int         // Values popped (-1 = variable)
	StackPush int         // Values pushed
	Operand   OperandKind // Required operand kind
}

// opcodeInfoTable is indexed directly by opcode.
var opcodeInfoTable = [OpcodeCount]OpcodeInfo{
	OpNop:  {"NOP", 0, 0, OperandNone},
	OpHalt: {"HALT", 0, 0, OperandNone},
	OpPop:  {"POP", 1, 0, OperandNone},
	OpDup:  {"DUP", 1, 2, OperandNone},

	OpLoadConst: {"LOAD_CONST", 0, 1, OperandInt},
	OpLoadVar:   {"LOAD_VAR", 0, 1, OperandInt},
	OpStoreVar:  {"STORE_VAR", 1, 0, OperandInt},

	OpAdd: {"ADD", 2, 1, OperandNone},
	OpSub: {"SUB", 2, 1, OperandNone},
	OpMul: {"MUL", 2, 1, OperandNone},
	OpDiv: {"DIV", 2, 1, OperandNone},
	OpMod: {"MOD", 2, 1, OperandNone},

	OpEq: {"EQ", 2, 1, OperandNone},
	OpNe: {"NE", 2, 1, OperandNone},
	OpLt: {"LT", 2, 1, OperandNone},
	OpLe: {"LE", 2, 1, OperandNone},
	OpGt: {"GT", 2, 1, OperandNone},
	OpGe: {"GE", 2, 1, OperandNone},

	OpJump:        {"JUMP", 0, 0, OperandInt},
	OpJumpIfFalse: {"JUMP_IF_FALSE", 1, 0, OperandInt},
	OpJumpIfTrue:  {"JUMP_IF_TRUE", 1, 0, OperandInt},

	OpCall:   {"CALL", -1, 1, OperandInt},
	OpReturn: {"RETURN", 1, 0, OperandNone},

	OpBuildList: {"BUILD_LIST", -1, 1, OperandInt},
	OpBuildMap:  {"BUILD_MAP", -1, 1, OperandInt},

	OpImportModule: {"IMPORT_MODULE", 0, 0, OperandString},

	OpThinkingBlock: {"THINKING_BLOCK", 0, 0, OperandInt},

	OpPrint: {"PRINT", 1, 0, OperandNone},
}

// GetOpcodeInfo returns metadata for an opcode. Unknown opcodes get a zero
// info with a synthesized name.
func GetOpcodeInfo(op Opcode) OpcodeInfo {
	if int(op) < OpcodeCount {
		return opcodeInfoTable[op]
	}
	return OpcodeInfo{Name: fmt.Sprintf("UNKNOWN(0x%04X)", uint16(op))}
}

// String returns the human-readable name of an opcode.
func (op Opcode) String() string {
	return GetOpcodeInfo(op).Name
}

// IsValid reports whether the opcode is part of the catalog.
func (op Opcode) IsValid() bool {
	return int(op) < OpcodeCount
}

// IsJump reports whether this opcode transfers control through its operand.
func (op Opcode) IsJump() bool {
	return op == OpJump || op == OpJumpIfFalse || op == OpJumpIfTrue
}

// IsArithmetic reports whether this opcode is a pure binary arithmetic
// operation (the set the constant folder may evaluate at build time).
func (op Opcode) IsArithmetic() bool {
	return op >= OpAdd && op <= OpMod
}

// IsComparison reports whether this opcode is a binary comparison.
func (op Opcode) IsComparison() bool {
	return op >= OpEq && op <= OpGe
}

// IsTerminator reports whether control never falls through this opcode.
func (op Opcode) IsTerminator() bool {
	return op == OpHalt || op == OpJump || op == OpReturn
}

// AllOpcodes returns every opcode in the catalog, in dispatch order.
func AllOpcodes() []Opcode {
	ops := make([]Opcode, OpcodeCount)
	for i := range ops {
		ops[i] = Opcode(i)
	}
	return ops
}
