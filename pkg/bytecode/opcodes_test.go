package bytecode

import (
	"strings"
	"testing"
)

func TestAllOpcodesHaveMetadata(t *testing.T) {
	for _, op := range AllOpcodes() {
		info := GetOpcodeInfo(op)
		if info.Name == "" {
			t.Errorf("opcode %d has no metadata entry", op)
		}
		if strings.HasPrefix(info.Name, "UNKNOWN") {
			t.Errorf("opcode %d resolves to %s", op, info.Name)
		}
	}
}

func TestUnknownOpcode(t *testing.T) {
	op := Opcode(0xFFFF)
	if op.IsValid() {
		t.Error("0xFFFF should not be a valid opcode")
	}
	if !strings.HasPrefix(op.String(), "UNKNOWN") {
		t.Errorf("unknown opcode name = %q", op.String())
	}
}

func TestOpcodePredicates(t *testing.T) {
	cases := []struct {
		op               Opcode
		jump, arith, cmp bool
	}{
		{OpJump, true, false, false},
		{OpJumpIfFalse, true, false, false},
		{OpJumpIfTrue, true, false, false},
		{OpAdd, false, true, false},
		{OpMod, false, true, false},
		{OpEq, false, false, true},
		{OpGe, false, false, true},
		{OpHalt, false, false, false},
		{OpCall, false, false, false},
	}
	for _, tc := range cases {
		if tc.op.IsJump() != tc.jump {
			t.Errorf("%s IsJump = %v", tc.op, tc.op.IsJump())
		}
		if tc.op.IsArithmetic() != tc.arith {
			t.Errorf("%s IsArithmetic = %v", tc.op, tc.op.IsArithmetic())
		}
		if tc.op.IsComparison() != tc.cmp {
			t.Errorf("%s IsComparison = %v", tc.op, tc.op.IsComparison())
		}
	}
}

func TestStackEffectsDeclared(t *testing.T) {
	// Every binary op declares pop 2 push 1; the stack-discipline property
	// in pkg/vm leans on these numbers.
	for op := OpAdd; op <= OpGe; op++ {
		info := GetOpcodeInfo(op)
		if info.StackPop != 2 || info.StackPush != 1 {
			t.Errorf("%s declares pop=%d push=%d, want 2/1", op, info.StackPop, info.StackPush)
		}
	}
}

func TestOperandKindsDeclared(t *testing.T) {
	cases := []struct {
		op   Opcode
		want OperandKind
	}{
		{OpLoadConst, OperandInt},
		{OpLoadVar, OperandInt},
		{OpStoreVar, OperandInt},
		{OpJump, OperandInt},
		{OpCall, OperandInt},
		{OpImportModule, OperandString},
		{OpThinkingBlock, OperandInt},
		{OpAdd, OperandNone},
		{OpHalt, OperandNone},
	}
	for _, tc := range cases {
		if got := GetOpcodeInfo(tc.op).Operand; got != tc.want {
			t.Errorf("%s operand kind = %s, want %s", tc.op, got, tc.want)
		}
	}
}
