package types

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Well-known memory addresses.
const (
	// CodePointerAddr holds the 16-bit code pointer. Its initial value is
	// usually 0, so the first step decodes the pointer's own low byte as a
	// NOP and advances one slot.
	CodePointerAddr Address = 0x0000

	// EndAddr is the terminal sentinel. Execution halts once the code
	// pointer reaches or passes it.
	EndAddr Address = 0xFFFF
)

// ErrInvalidAddress is returned when an address literal cannot be parsed or
// does not fit in 16 bits.
var ErrInvalidAddress = errors.New("invalid address")

// Address is a location in the 64 KiB VM memory.
type Address uint16

// String formats the address as 0x-prefixed, zero-padded hex.
func (a Address) String() string {
	return fmt.Sprintf("0x%04x", uint16(a))
}

// ParseAddress parses decimal, 0x-prefixed hex or $-prefixed hex literals.
func ParseAddress(s string) (Address, error) {
	s = strings.TrimSpace(s)
	base := 10
	switch {
	case strings.HasPrefix(s, "0x"), strings.HasPrefix(s, "0X"):
		s, base = s[2:], 16
	case strings.HasPrefix(s, "$"):
		s, base = s[1:], 16
	}
	v, err := strconv.ParseUint(s, base, 16)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	return Address(v), nil
}
