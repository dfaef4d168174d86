package vm

import (
	"encoding/binary"
	"fmt"

	"github.com/fortiblox/tendril/pkg/program"
)

// MemorySize is the number of addressable bytes.
const MemorySize = program.StateSize

// Memory is the flat, owned state buffer of a single engine.
//
// Every width is accessible at any byte offset; multi-byte values are
// little-endian. An access that would run past the end of the buffer is
// rejected with an error wrapping ErrInvalidMemoryAccess.
type Memory struct {
	data [MemorySize]byte
}

// span checks that [addr, addr+size) lies inside the buffer.
func (m *Memory) span(addr uint16, size int, write bool) ([]byte, error) {
	end := int(addr) + size
	if end > MemorySize {
		op := "read"
		if write {
			op = "write"
		}
		return nil, fmt.Errorf("%w: %s of %d bytes at 0x%04x crosses end of memory", ErrInvalidMemoryAccess, op, size, addr)
	}
	return m.data[addr:end], nil
}

// Reset overwrites the whole buffer with a program's initial state.
func (m *Memory) Reset(p *program.Program) {
	p.CopyState(&m.data)
}

// Snapshot returns a copy of the whole buffer.
func (m *Memory) Snapshot() []byte {
	out := make([]byte, MemorySize)
	copy(out, m.data[:])
	return out
}

// CodePointer returns the 16-bit value stored at PCodePointer.
func (m *Memory) CodePointer() uint16 {
	return binary.LittleEndian.Uint16(m.data[PCodePointer:])
}

// SetCodePointer stores a new code pointer.
func (m *Memory) SetCodePointer(cp uint16) {
	binary.LittleEndian.PutUint16(m.data[PCodePointer:], cp)
}

// Read copies len(p) bytes starting at addr.
func (m *Memory) Read(addr uint16, p []byte) error {
	mem, err := m.span(addr, len(p), false)
	if err != nil {
		return err
	}
	copy(p, mem)
	return nil
}

// Read8 reads a byte.
func (m *Memory) Read8(addr uint16) (uint8, error) {
	return m.data[addr], nil
}

// Read16 reads a 16-bit value (little-endian).
func (m *Memory) Read16(addr uint16) (uint16, error) {
	mem, err := m.span(addr, 2, false)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(mem), nil
}

// Read32 reads a 32-bit value (little-endian).
func (m *Memory) Read32(addr uint16) (uint32, error) {
	mem, err := m.span(addr, 4, false)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(mem), nil
}

// Write copies p into memory starting at addr.
func (m *Memory) Write(addr uint16, p []byte) error {
	mem, err := m.span(addr, len(p), true)
	if err != nil {
		return err
	}
	copy(mem, p)
	return nil
}

// Write8 writes a byte.
func (m *Memory) Write8(addr uint16, x uint8) error {
	m.data[addr] = x
	return nil
}

// Write16 writes a 16-bit value (little-endian).
func (m *Memory) Write16(addr uint16, x uint16) error {
	mem, err := m.span(addr, 2, true)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint16(mem, x)
	return nil
}

// Write32 writes a 32-bit value (little-endian).
func (m *Memory) Write32(addr uint16, x uint32) error {
	mem, err := m.span(addr, 4, true)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(mem, x)
	return nil
}
