package vm

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/fortiblox/tendril/internal/types"
)

// Reserved addresses and slot geometry.
const (
	PCodePointer      = uint16(types.CodePointerAddr)
	PEnd              = uint16(types.EndAddr)
	InstructionLength = 8
)

// Opcodes.
const (
	OpNop = 0x00 // no operation
	OpDbg = 0x01 // debug trace of the code pointer
	OpJmp = 0x02 // unconditional absolute jump
	OpCjp = 0x43 // conditional relative skip
	OpAdd = 0xC4 // mem[s] = mem[l] + mem[r]
	OpSub = 0xC5 // mem[s] = mem[l] - mem[r]
	OpMul = 0xC6 // mem[s] = mem[l] * mem[r]
	OpDiv = 0xC7 // mem[s] = mem[l] / mem[r]
	OpMod = 0xC8 // mem[s] = mem[l] % mem[r]
)

var mnemonics = map[uint8]string{
	OpNop: "NOP",
	OpDbg: "DBG",
	OpJmp: "JMP",
	OpCjp: "CJP",
	OpAdd: "ADD",
	OpSub: "SUB",
	OpMul: "MUL",
	OpDiv: "DIV",
	OpMod: "MOD",
}

// The unconditional jump has been spelled UJP and UJM historically.
// All spellings resolve to OpJmp.
var opcodes = map[string]uint8{
	"NOP": OpNop,
	"DBG": OpDbg,
	"JMP": OpJmp,
	"UJP": OpJmp,
	"UJM": OpJmp,
	"CJP": OpCjp,
	"ADD": OpAdd,
	"SUB": OpSub,
	"MUL": OpMul,
	"DIV": OpDiv,
	"MOD": OpMod,
}

// Lookup returns the opcode for a mnemonic (case-insensitive).
func Lookup(mnemonic string) (uint8, bool) {
	op, ok := opcodes[strings.ToUpper(mnemonic)]
	return op, ok
}

// Mnemonic returns the canonical mnemonic for an opcode.
func Mnemonic(op uint8) (string, bool) {
	m, ok := mnemonics[op]
	return m, ok
}

// Valid reports whether op is part of the instruction set.
func Valid(op uint8) bool {
	_, ok := mnemonics[op]
	return ok
}

// IsArith reports whether op is one of the three-address arithmetic opcodes.
func IsArith(op uint8) bool {
	return op >= OpAdd && op <= OpMod
}

// Instruction is one 8-byte slot read little-endian.
//
// Slot layout by opcode:
//
//	byte:  0   1      2..3        4..5   6..7
//	NOP    op  -      -           -      -
//	DBG    op  -      -           -      -
//	JMP    op  -      target      -      -
//	CJP    op  skips  pCondition  bitMask (4..7)
//	ARITH  op  -      l           r      s
type Instruction uint64

// Op returns the opcode (byte 0).
func (i Instruction) Op() uint8 {
	return uint8(i)
}

// Skips returns the CJP slot count (byte 1).
func (i Instruction) Skips() uint8 {
	return uint8(i >> 8)
}

// Target returns the JMP destination (bytes 2..3).
func (i Instruction) Target() uint16 {
	return uint16(i >> 16)
}

// Cond returns the CJP test word address (bytes 2..3).
func (i Instruction) Cond() uint16 {
	return uint16(i >> 16)
}

// Mask returns the CJP bit mask (bytes 4..7).
func (i Instruction) Mask() uint32 {
	return uint32(i >> 32)
}

// L returns the left source address of an arithmetic instruction.
func (i Instruction) L() uint16 {
	return uint16(i >> 16)
}

// R returns the right source address of an arithmetic instruction.
func (i Instruction) R() uint16 {
	return uint16(i >> 32)
}

// S returns the destination address of an arithmetic instruction.
func (i Instruction) S() uint16 {
	return uint16(i >> 48)
}

// Bytes returns the slot in memory order.
func (i Instruction) Bytes() []byte {
	b := make([]byte, InstructionLength)
	binary.LittleEndian.PutUint64(b, uint64(i))
	return b
}

// String disassembles the instruction.
func (i Instruction) String() string {
	switch op := i.Op(); op {
	case OpNop, OpDbg:
		return mnemonics[op]
	case OpJmp:
		return fmt.Sprintf("JMP 0x%04x", i.Target())
	case OpCjp:
		return fmt.Sprintf("CJP %d, 0x%04x, 0x%08x", i.Skips(), i.Cond(), i.Mask())
	case OpAdd, OpSub, OpMul, OpDiv, OpMod:
		return fmt.Sprintf("%s 0x%04x, 0x%04x, 0x%04x", mnemonics[op], i.L(), i.R(), i.S())
	default:
		return fmt.Sprintf(".slot 0x%016x", uint64(i))
	}
}

// DecodeInstruction reads a slot from up to 8 bytes; missing trailing bytes
// read as zero.
func DecodeInstruction(b []byte) Instruction {
	var slot [InstructionLength]byte
	copy(slot[:], b)
	return Instruction(binary.LittleEndian.Uint64(slot[:]))
}

// Encode creates an instruction from its byte-1, bytes-2..3 and bytes-4..7 fields.
func Encode(op uint8, b1 uint8, w2 uint16, hi uint32) Instruction {
	return Instruction(uint64(op) |
		uint64(b1)<<8 |
		uint64(w2)<<16 |
		uint64(hi)<<32)
}

// EncodeNop encodes NOP.
func EncodeNop() Instruction {
	return Encode(OpNop, 0, 0, 0)
}

// EncodeDbg encodes DBG.
func EncodeDbg() Instruction {
	return Encode(OpDbg, 0, 0, 0)
}

// EncodeJmp encodes an unconditional jump to target.
func EncodeJmp(target uint16) Instruction {
	return Encode(OpJmp, 0, target, 0)
}

// EncodeCjp encodes a conditional skip.
func EncodeCjp(skips uint8, cond uint16, mask uint32) Instruction {
	return Encode(OpCjp, skips, cond, mask)
}

// EncodeArith encodes a three-address arithmetic instruction.
func EncodeArith(op uint8, l, r, s uint16) Instruction {
	return Encode(op, 0, l, uint32(r)|uint32(s)<<16)
}

// Instruction costs.
const (
	CostControl = uint64(1)  // NOP, DBG, JMP, CJP
	CostALU     = uint64(1)  // ADD, SUB
	CostMul     = uint64(4)  // MUL
	CostDiv     = uint64(12) // DIV, MOD
)

// instructionCost returns the compute cost for an opcode.
func instructionCost(op uint8) uint64 {
	switch op {
	case OpAdd, OpSub:
		return CostALU
	case OpMul:
		return CostMul
	case OpDiv, OpMod:
		return CostDiv
	default:
		return CostControl
	}
}
