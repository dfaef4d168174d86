// Package asm builds tendril programs.
//
// Assembler is a chained builder that lays instructions and data into a
// 64 KiB image. Parse accepts the same operations as text.
package asm

import (
	"errors"
	"fmt"

	"github.com/fortiblox/tendril/pkg/program"
	"github.com/fortiblox/tendril/pkg/vm"
)

// DefaultOrigin is the first slot after the code pointer word.
const DefaultOrigin = vm.InstructionLength

// Errors.
var (
	ErrOutOfRange      = errors.New("address out of range")
	ErrReservedAddress = errors.New("write to code pointer")
	ErrSyntax          = errors.New("syntax error")
	ErrUnknownMnemonic = errors.New("unknown mnemonic")
	ErrUndefinedLabel  = errors.New("undefined label")
	ErrDuplicateLabel  = errors.New("duplicate label")
)

// Assembler lays out a program image. Methods record the first error and
// become no-ops afterwards; Assemble reports it.
type Assembler struct {
	hashBang string
	headers  program.Headers
	org      int
	entry    uint16
	image    []byte
	err      error
}

// New creates an assembler with a copy of headers.
func New(headers program.Headers) *Assembler {
	h := program.Headers{}
	for k, v := range headers {
		h[k] = v
	}
	return &Assembler{
		headers: h,
		org:     DefaultOrigin,
		entry:   DefaultOrigin,
		image:   make([]byte, program.StateSize),
	}
}

// Err returns the first recorded error.
func (a *Assembler) Err() error {
	return a.err
}

func (a *Assembler) fail(err error) *Assembler {
	if a.err == nil {
		a.err = err
	}
	return a
}

// Header sets a program header.
func (a *Assembler) Header(name string, value any) *Assembler {
	a.headers[name] = value
	return a
}

// HashBang sets the interpreter line.
func (a *Assembler) HashBang(line string) *Assembler {
	a.hashBang = line
	return a
}

// Org moves the emission point.
func (a *Assembler) Org(addr uint16) *Assembler {
	a.org = int(addr)
	return a
}

// Here returns the emission point.
func (a *Assembler) Here() int {
	return a.org
}

// Entry sets the initial code pointer.
func (a *Assembler) Entry(addr uint16) *Assembler {
	a.entry = addr
	return a
}

// place writes b at addr after range checks.
func (a *Assembler) place(addr int, b []byte) *Assembler {
	if a.err != nil {
		return a
	}
	end := addr + len(b)
	if addr < 0 || end > program.StateSize {
		return a.fail(fmt.Errorf("%w: %d bytes at 0x%04x", ErrOutOfRange, len(b), addr))
	}
	if addr < 2 {
		return a.fail(fmt.Errorf("%w: 0x%04x", ErrReservedAddress, addr))
	}
	copy(a.image[addr:end], b)
	return a
}

// Emit writes one instruction at the emission point and advances it.
func (a *Assembler) Emit(ins vm.Instruction) *Assembler {
	a.place(a.org, ins.Bytes())
	a.org += vm.InstructionLength
	return a
}

// Nop emits NOP.
func (a *Assembler) Nop() *Assembler { return a.Emit(vm.EncodeNop()) }

// Dbg emits DBG.
func (a *Assembler) Dbg() *Assembler { return a.Emit(vm.EncodeDbg()) }

// Jmp emits an unconditional jump.
func (a *Assembler) Jmp(target uint16) *Assembler { return a.Emit(vm.EncodeJmp(target)) }

// Cjp emits a conditional skip.
func (a *Assembler) Cjp(skips uint8, cond uint16, mask uint32) *Assembler {
	return a.Emit(vm.EncodeCjp(skips, cond, mask))
}

// Add emits mem[s] = mem[l] + mem[r].
func (a *Assembler) Add(l, r, s uint16) *Assembler { return a.Emit(vm.EncodeArith(vm.OpAdd, l, r, s)) }

// Sub emits mem[s] = mem[l] - mem[r].
func (a *Assembler) Sub(l, r, s uint16) *Assembler { return a.Emit(vm.EncodeArith(vm.OpSub, l, r, s)) }

// Mul emits mem[s] = mem[l] * mem[r].
func (a *Assembler) Mul(l, r, s uint16) *Assembler { return a.Emit(vm.EncodeArith(vm.OpMul, l, r, s)) }

// Div emits mem[s] = mem[l] / mem[r].
func (a *Assembler) Div(l, r, s uint16) *Assembler { return a.Emit(vm.EncodeArith(vm.OpDiv, l, r, s)) }

// Mod emits mem[s] = mem[l] % mem[r].
func (a *Assembler) Mod(l, r, s uint16) *Assembler { return a.Emit(vm.EncodeArith(vm.OpMod, l, r, s)) }

// Word8 stores a byte at addr.
func (a *Assembler) Word8(addr uint16, v uint8) *Assembler {
	return a.place(int(addr), []byte{v})
}

// Word16 stores a little-endian 16-bit value at addr.
func (a *Assembler) Word16(addr uint16, v uint16) *Assembler {
	return a.place(int(addr), []byte{byte(v), byte(v >> 8)})
}

// Word32 stores a little-endian 32-bit value at addr.
func (a *Assembler) Word32(addr uint16, v uint32) *Assembler {
	return a.place(int(addr), []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)})
}

// Bytes stores raw bytes at addr.
func (a *Assembler) Bytes(addr uint16, b []byte) *Assembler {
	return a.place(int(addr), b)
}

// Assemble returns the finished program.
func (a *Assembler) Assemble() (*program.Program, error) {
	if a.err != nil {
		return nil, a.err
	}
	state := make([]byte, program.StateSize)
	copy(state, a.image)
	state[0] = byte(a.entry)
	state[1] = byte(a.entry >> 8)
	return program.New(a.hashBang, a.headers, state)
}
