package vm

import (
	"bytes"
	"testing"
)

func TestLookup(t *testing.T) {
	tests := []struct {
		mnemonic string
		want     uint8
	}{
		{"NOP", OpNop},
		{"dbg", OpDbg},
		{"JMP", OpJmp},
		{"UJP", OpJmp},
		{"ujm", OpJmp},
		{"CJP", OpCjp},
		{"ADD", OpAdd},
		{"SUB", OpSub},
		{"MUL", OpMul},
		{"DIV", OpDiv},
		{"MOD", OpMod},
	}

	for _, tt := range tests {
		t.Run(tt.mnemonic, func(t *testing.T) {
			got, ok := Lookup(tt.mnemonic)
			if !ok {
				t.Fatalf("Lookup(%q) not found", tt.mnemonic)
			}
			if got != tt.want {
				t.Errorf("Lookup(%q) = 0x%02x, want 0x%02x", tt.mnemonic, got, tt.want)
			}
		})
	}

	if _, ok := Lookup("HLT"); ok {
		t.Error("Lookup(HLT) should fail")
	}
}

func TestValid(t *testing.T) {
	valid := 0
	for op := 0; op < 256; op++ {
		if Valid(uint8(op)) {
			valid++
		}
	}
	if valid != 9 {
		t.Errorf("valid opcodes = %d, want 9", valid)
	}
	if m, _ := Mnemonic(OpJmp); m != "JMP" {
		t.Errorf("Mnemonic(0x02) = %q, want JMP", m)
	}
}

func TestEncodeLayout(t *testing.T) {
	tests := []struct {
		name string
		ins  Instruction
		want []byte
	}{
		{"nop", EncodeNop(), []byte{0, 0, 0, 0, 0, 0, 0, 0}},
		{"jmp", EncodeJmp(0x0010), []byte{0x02, 0x00, 0x10, 0x00, 0, 0, 0, 0}},
		{"cjp", EncodeCjp(3, 0x0102, 0x80000001), []byte{0x43, 0x03, 0x02, 0x01, 0x01, 0x00, 0x00, 0x80}},
		{"add", EncodeArith(OpAdd, 0x0100, 0x0104, 0x0108), []byte{0xC4, 0x00, 0x00, 0x01, 0x04, 0x01, 0x08, 0x01}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.ins.Bytes(); !bytes.Equal(got, tt.want) {
				t.Errorf("Bytes() = % x, want % x", got, tt.want)
			}
			if back := DecodeInstruction(tt.want); back != tt.ins {
				t.Errorf("DecodeInstruction() = %v, want %v", back, tt.ins)
			}
		})
	}
}

func TestInstructionFields(t *testing.T) {
	ins := EncodeArith(OpMod, 0x1111, 0x2222, 0x3333)
	if ins.Op() != OpMod || ins.L() != 0x1111 || ins.R() != 0x2222 || ins.S() != 0x3333 {
		t.Errorf("fields = %02x %04x %04x %04x", ins.Op(), ins.L(), ins.R(), ins.S())
	}

	cjp := EncodeCjp(7, 0xABCD, 0xF0F0F0F0)
	if cjp.Skips() != 7 || cjp.Cond() != 0xABCD || cjp.Mask() != 0xF0F0F0F0 {
		t.Errorf("cjp fields = %d %04x %08x", cjp.Skips(), cjp.Cond(), cjp.Mask())
	}
}

func TestInstructionString(t *testing.T) {
	tests := []struct {
		ins  Instruction
		want string
	}{
		{EncodeNop(), "NOP"},
		{EncodeDbg(), "DBG"},
		{EncodeJmp(0x10), "JMP 0x0010"},
		{EncodeCjp(2, 0x200, 1), "CJP 2, 0x0200, 0x00000001"},
		{EncodeArith(OpSub, 1, 2, 3), "SUB 0x0001, 0x0002, 0x0003"},
		{Encode(0xFF, 0, 0, 0), ".slot 0x00000000000000ff"},
	}

	for _, tt := range tests {
		if got := tt.ins.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}

func TestInstructionCost(t *testing.T) {
	tests := []struct {
		op   uint8
		want uint64
	}{
		{OpNop, CostControl},
		{OpJmp, CostControl},
		{OpAdd, CostALU},
		{OpMul, CostMul},
		{OpDiv, CostDiv},
		{OpMod, CostDiv},
	}

	for _, tt := range tests {
		if got := instructionCost(tt.op); got != tt.want {
			t.Errorf("instructionCost(0x%02x) = %d, want %d", tt.op, got, tt.want)
		}
	}
}
