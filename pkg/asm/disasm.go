package asm

import (
	"fmt"
	"strings"

	"github.com/fortiblox/tendril/pkg/vm"
)

// Line is one disassembled slot.
type Line struct {
	Addr        uint16         `json:"addr"`
	Instruction vm.Instruction `json:"instruction"`
	Text        string         `json:"text"`
}

// String formats the line as "0x0008  c4 00 ...  ADD ...".
func (l Line) String() string {
	return fmt.Sprintf("0x%04x  % x  %s", l.Addr, l.Instruction.Bytes(), l.Text)
}

// Disassemble decodes up to count slots of mem starting at from. Slots that
// run past the end of mem are decoded with zero padding.
func Disassemble(mem []byte, from uint16, count int) []Line {
	if count < 0 {
		count = 0
	}
	lines := make([]Line, 0, count)
	addr := int(from)
	for i := 0; i < count && addr < len(mem); i++ {
		ins := vm.DecodeInstruction(mem[addr:])
		lines = append(lines, Line{
			Addr:        uint16(addr),
			Instruction: ins,
			Text:        ins.String(),
		})
		addr += vm.InstructionLength
	}
	return lines
}

// Format renders lines one per row.
func Format(lines []Line) string {
	var b strings.Builder
	for _, l := range lines {
		b.WriteString(l.String())
		b.WriteByte('\n')
	}
	return b.String()
}
