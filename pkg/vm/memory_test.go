package vm

import (
	"errors"
	"testing"
)

func TestMemoryRoundTrip(t *testing.T) {
	var m Memory

	// Unaligned offsets included.
	offsets := []uint16{0, 1, 2, 3, 5, 0x7FFF, MemorySize - 4}
	for _, off := range offsets {
		if err := m.Write32(off, 0xDEADBEEF); err != nil {
			t.Fatalf("Write32(0x%04x) failed: %v", off, err)
		}
		got, err := m.Read32(off)
		if err != nil {
			t.Fatalf("Read32(0x%04x) failed: %v", off, err)
		}
		if got != 0xDEADBEEF {
			t.Errorf("Read32(0x%04x) = 0x%08x, want 0xdeadbeef", off, got)
		}

		if err := m.Write16(off, 0xCAFE); err != nil {
			t.Fatalf("Write16(0x%04x) failed: %v", off, err)
		}
		if got, _ := m.Read16(off); got != 0xCAFE {
			t.Errorf("Read16(0x%04x) = 0x%04x, want 0xcafe", off, got)
		}

		_ = m.Write8(off, 0x5A)
		if got, _ := m.Read8(off); got != 0x5A {
			t.Errorf("Read8(0x%04x) = 0x%02x, want 0x5a", off, got)
		}
	}

	if err := m.Write8(MemorySize-1, 0x77); err != nil {
		t.Fatalf("Write8(last) failed: %v", err)
	}
	if got, _ := m.Read8(MemorySize - 1); got != 0x77 {
		t.Errorf("Read8(last) = 0x%02x, want 0x77", got)
	}
}

func TestMemoryLittleEndian(t *testing.T) {
	var m Memory
	_ = m.Write32(0x100, 0x04030201)

	for i := uint16(0); i < 4; i++ {
		got, _ := m.Read8(0x100 + i)
		if got != uint8(i+1) {
			t.Errorf("byte %d = 0x%02x, want 0x%02x", i, got, i+1)
		}
	}

	// Overlapping views.
	if got, _ := m.Read16(0x101); got != 0x0302 {
		t.Errorf("Read16(0x101) = 0x%04x, want 0x0302", got)
	}
	if got, _ := m.Read32(0x102); got != 0x00000403 {
		t.Errorf("Read32(0x102) = 0x%08x, want 0x00000403", got)
	}
}

func TestMemoryOutOfBounds(t *testing.T) {
	var m Memory

	tests := []struct {
		name string
		fn   func() error
	}{
		{"read16 at end", func() error { _, err := m.Read16(MemorySize - 1); return err }},
		{"read32 at end", func() error { _, err := m.Read32(MemorySize - 3); return err }},
		{"write16 at end", func() error { return m.Write16(MemorySize-1, 1) }},
		{"write32 at end", func() error { return m.Write32(MemorySize-2, 1) }},
		{"read slice", func() error { return m.Read(MemorySize-4, make([]byte, 8)) }},
		{"write slice", func() error { return m.Write(MemorySize-1, []byte{1, 2}) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.fn(); !errors.Is(err, ErrInvalidMemoryAccess) {
				t.Errorf("error = %v, want ErrInvalidMemoryAccess", err)
			}
		})
	}

	// Nothing was written by the rejected writes.
	for _, b := range m.Snapshot() {
		if b != 0 {
			t.Fatal("rejected write modified memory")
		}
	}
}

func TestMemoryCodePointer(t *testing.T) {
	var m Memory
	m.SetCodePointer(0x1234)

	if got := m.CodePointer(); got != 0x1234 {
		t.Errorf("CodePointer() = 0x%04x, want 0x1234", got)
	}
	if lo, _ := m.Read8(0); lo != 0x34 {
		t.Errorf("mem[0] = 0x%02x, want 0x34", lo)
	}
	if hi, _ := m.Read8(1); hi != 0x12 {
		t.Errorf("mem[1] = 0x%02x, want 0x12", hi)
	}
}
