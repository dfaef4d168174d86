// Package types defines the identity and address types shared across Tendril.
//
// Program identities are 32-byte digests rendered in base58, the same text
// form used on the RPC surface and in the program store.
package types

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/mr-tron/base58"
)

// HashSize is the length of a program id in bytes.
const HashSize = 32

// ErrInvalidHash is returned when a decoded program id is not 32 bytes.
var ErrInvalidHash = errors.New("invalid hash: must be 32 bytes")

// Hash is a program id: the BLAKE3 digest of the program's canonical bytes.
type Hash [HashSize]byte

// HashFromBase58 parses a base58-encoded hash.
func HashFromBase58(s string) (Hash, error) {
	data, err := base58.Decode(s)
	if err != nil {
		return Hash{}, fmt.Errorf("base58 decode: %w", err)
	}
	return hashFrom(data)
}

// HashFromHex parses a hex-encoded hash.
func HashFromHex(s string) (Hash, error) {
	data, err := hex.DecodeString(s)
	if err != nil {
		return Hash{}, fmt.Errorf("hex decode: %w", err)
	}
	return hashFrom(data)
}

// ParseHash accepts either text form. A 64-digit hex string is read as hex,
// anything else as base58.
func ParseHash(s string) (Hash, error) {
	s = strings.TrimSpace(s)
	if len(s) == 2*HashSize && strings.Trim(s, "0123456789abcdefABCDEF") == "" {
		return HashFromHex(s)
	}
	return HashFromBase58(s)
}

func hashFrom(b []byte) (Hash, error) {
	var h Hash
	if len(b) != HashSize {
		return h, fmt.Errorf("%w: got %d", ErrInvalidHash, len(b))
	}
	copy(h[:], b)
	return h, nil
}

// String returns the base58-encoded representation.
func (h Hash) String() string {
	return base58.Encode(h[:])
}

// Short returns the first n characters of the base58 form followed by "..".
func (h Hash) Short(n int) string {
	s := h.String()
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[:n] + ".."
}

// Hex returns the hex-encoded representation.
func (h Hash) Hex() string {
	return hex.EncodeToString(h[:])
}

// IsZero reports whether the hash is all zeros.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := ParseHash(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}
