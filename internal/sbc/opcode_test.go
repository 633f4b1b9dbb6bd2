package sbc

import "testing"

func TestOpcodeTableIsWellFormed(t *testing.T) {
	seen := map[string]OpCode{}
	for op := OpCode(0); op < opcodeCount; op++ {
		info, ok := Lookup(op)
		if !ok {
			t.Fatalf("opcode %d has no descriptor", op)
		}
		if prev, dup := seen[info.Mnemonic]; dup {
			t.Fatalf("mnemonic %q assigned to both %d and %d", info.Mnemonic, prev, op)
		}
		seen[info.Mnemonic] = op
		if info.OperandBytes < 0 || info.OperandBytes > 12 {
			t.Fatalf("%s has implausible operand length %d", info.Mnemonic, info.OperandBytes)
		}
		if info.Pops < VarOperand || info.Pushes < VarOperand {
			t.Fatalf("%s has invalid stack effect %d/%d", info.Mnemonic, info.Pops, info.Pushes)
		}
	}
}

func TestByMnemonicRoundTrip(t *testing.T) {
	for op := OpCode(0); op < opcodeCount; op++ {
		info, _ := Lookup(op)
		got, ok := ByMnemonic(info.Mnemonic)
		if !ok || got != op {
			t.Fatalf("ByMnemonic(%q) = %d, %v; want %d", info.Mnemonic, got, ok, op)
		}
	}
}

func TestUnknownOpcodeRejected(t *testing.T) {
	if Valid(byte(opcodeCount)) {
		t.Fatal("byte past the table must not be a valid opcode")
	}
	if _, ok := ByMnemonic("no.such.op"); ok {
		t.Fatal("unknown mnemonic resolved")
	}
}

func TestFixedStackEffects(t *testing.T) {
	tests := []struct {
		op     OpCode
		pops   int
		pushes int
	}{
		{OpAddI32, 2, 1},
		{OpDup, 1, 2},
		{OpDup2, 2, 4},
		{OpConstI32, 0, 1},
		{OpStoreLocal, 1, 0},
		{OpStringSlice, 3, 1},
		{OpDivU32, 2, 1},
	}
	for _, tt := range tests {
		info, _ := Lookup(tt.op)
		if info.Pops != tt.pops || info.Pushes != tt.pushes {
			t.Fatalf("%s stack effect = %d/%d, want %d/%d",
				info.Mnemonic, info.Pops, info.Pushes, tt.pops, tt.pushes)
		}
	}
}
