// Package program defines the Program Contract: the immutable template a
// virtual machine is seeded from.
//
// A Program carries three things:
//   - a hash bang line (advisory, never interpreted by the engine)
//   - headers, an arbitrary JSON-compatible key/value mapping
//   - the initial memory image, exactly StateSize bytes
//
// A Program is never mutated after construction. Every accessor that exposes
// internal data returns a copy, so one Program can seed any number of engines
// without aliasing.
package program

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/sha3"

	"github.com/fortiblox/tendril/internal/types"
)

// StateSize is the size of the addressable memory image in bytes.
const StateSize = 1 << 16

// Shape errors.
var (
	ErrInvalidStateSize = errors.New("invalid state size")
	ErrInvalidHeaders   = errors.New("invalid headers")
)

// Headers is the JSON-compatible program metadata mapping.
type Headers map[string]any

// Program is an immutable program template.
type Program struct {
	hashBang string
	headers  Headers
	rawHdr   []byte // canonical JSON of headers
	state    [StateSize]byte
	id       types.Hash
}

// New validates and copies its inputs into a new Program.
func New(hashBang string, headers Headers, state []byte) (*Program, error) {
	if len(state) != StateSize {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidStateSize, len(state), StateSize)
	}

	hdr, raw, err := copyHeaders(headers)
	if err != nil {
		return nil, err
	}

	p := &Program{
		hashBang: hashBang,
		headers:  hdr,
		rawHdr:   raw,
	}
	copy(p.state[:], state)
	p.id = p.computeID()
	return p, nil
}

// copyHeaders deep-copies headers through a JSON round trip, which also
// rejects values that have no JSON form.
func copyHeaders(headers Headers) (Headers, []byte, error) {
	if headers == nil {
		headers = Headers{}
	}
	raw, err := json.Marshal(headers)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidHeaders, err)
	}
	out := Headers{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidHeaders, err)
	}
	// Re-encode the decoded form so that decoding HeadersJSON reproduces
	// the same bytes, and with them the same ID.
	if raw, err = json.Marshal(out); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidHeaders, err)
	}
	return out, raw, nil
}

func (p *Program) computeID() types.Hash {
	h := blake3.New()
	h.Write([]byte(p.hashBang))
	h.Write([]byte{0})
	h.Write(p.rawHdr)
	h.Write([]byte{0})
	h.Write(p.state[:])

	var id types.Hash
	copy(id[:], h.Sum(nil))
	return id
}

// ID returns the BLAKE3 identity of the program (hash bang, headers, state).
func (p *Program) ID() types.Hash {
	return p.id
}

// Digest returns the SHA3-256 digest of the memory image alone.
func (p *Program) Digest() types.Hash {
	return DigestOf(p.state[:])
}

// DigestOf returns the SHA3-256 digest of a memory image.
func DigestOf(state []byte) types.Hash {
	return types.Hash(sha3.Sum256(state))
}

// HashBang returns the advisory interpreter line.
func (p *Program) HashBang() string {
	return p.hashBang
}

// Headers returns a copy of the program headers.
func (p *Program) Headers() Headers {
	out := Headers{}
	// rawHdr was produced by json.Marshal and cannot fail to decode.
	_ = json.Unmarshal(p.rawHdr, &out)
	return out
}

// HeadersJSON returns the canonical JSON encoding of the headers.
func (p *Program) HeadersJSON() []byte {
	return append([]byte(nil), p.rawHdr...)
}

// Header looks up a single header value.
func (p *Program) Header(key string) (any, bool) {
	v, ok := p.headers[key]
	if !ok {
		return nil, false
	}
	// Round-trip the single value so callers cannot reach shared maps or slices.
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, false
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, false
	}
	return out, true
}

// State returns a copy of the initial memory image.
func (p *Program) State() []byte {
	out := make([]byte, StateSize)
	copy(out, p.state[:])
	return out
}

// CopyState copies the initial memory image into dst without allocating.
func (p *Program) CopyState(dst *[StateSize]byte) {
	*dst = p.state
}

// Derive returns a new Program with the same hash bang, the headers merged
// with extra, and the given state.
func (p *Program) Derive(state []byte, extra Headers) (*Program, error) {
	merged := p.Headers()
	for k, v := range extra {
		merged[k] = v
	}
	return New(p.hashBang, merged, state)
}
