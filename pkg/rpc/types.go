package rpc

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/fortiblox/tendril/internal/types"
	"github.com/fortiblox/tendril/pkg/program"
	"github.com/fortiblox/tendril/pkg/vm"
)

// JSON-RPC 2.0 constants.
const (
	JSONRPCVersion = "2.0"
)

// Request represents a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response represents a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

// RPCError represents a JSON-RPC 2.0 error.
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Encoding names a byte payload encoding.
type Encoding string

const (
	EncodingBase58     Encoding = "base58"
	EncodingBase64     Encoding = "base64"
	EncodingBase64Zstd Encoding = "base64+zstd"
)

// EncodingConfig selects the encoding of byte payloads.
type EncodingConfig struct {
	Encoding Encoding `json:"encoding,omitempty"`
}

// Address accepts a JSON number or an address literal such as "0x0100".
type Address types.Address

// UnmarshalJSON implements json.Unmarshaler.
func (a *Address) UnmarshalJSON(data []byte) error {
	var n uint16
	if err := json.Unmarshal(data, &n); err == nil {
		*a = Address(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("%w: %s", types.ErrInvalidAddress, data)
	}
	v, err := types.ParseAddress(s)
	if err != nil {
		return err
	}
	*a = Address(v)
	return nil
}

// VersionInfo is returned by getVersion.
type VersionInfo struct {
	Tendril string   `json:"tendril"`
	Opcodes []string `json:"opcodes"`
}

// LoadProgramConfig configures loadProgram.
type LoadProgramConfig struct {
	Encoding   Encoding `json:"encoding,omitempty"`
	SkipDigest bool     `json:"skipDigest,omitempty"`
}

// ProgramResult identifies a stored program.
type ProgramResult struct {
	ID     types.Hash `json:"programId"`
	Digest types.Hash `json:"digest"`
}

// ProgramConfig configures getProgram.
type ProgramConfig struct {
	Encoding Encoding `json:"encoding,omitempty"`
	// IncludeImage adds the encoded executable file to the result.
	IncludeImage bool `json:"includeImage,omitempty"`
}

// ProgramInfo describes a program.
type ProgramInfo struct {
	ID          types.Hash      `json:"programId"`
	Digest      types.Hash      `json:"digest"`
	HashBang    string          `json:"hashBang,omitempty"`
	Headers     program.Headers `json:"headers"`
	CodePointer types.Address   `json:"entry"`
	Data        []string        `json:"data,omitempty"` // [payload, encoding]
}

// SessionConfig configures createSession.
type SessionConfig struct {
	Trace         bool   `json:"trace,omitempty"`
	ComputeBudget uint64 `json:"computeBudget,omitempty"`
}

// RunConfig configures run.
type RunConfig struct {
	// MaxSteps bounds the instructions executed. Zero means Config.MaxRunSteps.
	MaxSteps uint64 `json:"maxSteps,omitempty"`

	// ComputeBudget refills the session budget before running.
	ComputeBudget *uint64 `json:"computeBudget,omitempty"`
}

// MemoryResult is returned by readMemory.
type MemoryResult struct {
	Address types.Address `json:"address"`
	Length  int           `json:"length"`
	Data    []string      `json:"data"` // [payload, encoding]
}

// DisassembleConfig configures disassemble.
type DisassembleConfig struct {
	// From defaults to the session's code pointer.
	From  *Address `json:"from,omitempty"`
	Count int      `json:"count,omitempty"`
}

// TraceConfig configures getTrace.
type TraceConfig struct {
	From  uint64 `json:"from,omitempty"`
	Limit int    `json:"limit,omitempty"`
}

// SnapshotConfig configures snapshotSession.
type SnapshotConfig struct {
	// Store saves the snapshot to the program store.
	Store bool `json:"store,omitempty"`

	// Encoding, when set, returns the snapshot executable file.
	Encoding Encoding `json:"encoding,omitempty"`
}

// SnapshotResult is returned by snapshotSession.
type SnapshotResult struct {
	ID     types.Hash `json:"programId"`
	Digest types.Hash `json:"digest"`
	Stored bool       `json:"stored"`
	Data   []string   `json:"data,omitempty"`
}

func parseSessionID(s string) (uuid.UUID, error) {
	return uuid.Parse(s)
}

// TraceResult is returned by getTrace.
type TraceResult struct {
	Run    string     `json:"run"`
	Total  uint64     `json:"total"`
	Events []vm.Event `json:"events"`
}
