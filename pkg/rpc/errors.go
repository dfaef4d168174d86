package rpc

import (
	"errors"
	"fmt"

	"github.com/fortiblox/tendril/pkg/asm"
	"github.com/fortiblox/tendril/pkg/loader"
	"github.com/fortiblox/tendril/pkg/program"
	"github.com/fortiblox/tendril/pkg/progstore"
	"github.com/fortiblox/tendril/pkg/session"
	"github.com/fortiblox/tendril/pkg/trace"
)

// JSON-RPC 2.0 standard error codes.
const (
	// ParseError indicates invalid JSON was received.
	ParseError = -32700

	// InvalidRequest indicates the JSON sent is not a valid Request object.
	InvalidRequest = -32600

	// MethodNotFound indicates the method does not exist.
	MethodNotFound = -32601

	// InvalidParams indicates invalid method parameters.
	InvalidParams = -32602

	// InternalError indicates an internal JSON-RPC error.
	InternalError = -32603
)

// Server error codes.
const (
	// ProgramNotFound indicates no program is stored under the id.
	ProgramNotFound = -32001

	// SessionNotFound indicates no open session has the id.
	SessionNotFound = -32002

	// TooManySessions indicates the session limit was reached.
	TooManySessions = -32003

	// InvalidProgram indicates an executable could not be decoded.
	InvalidProgram = -32004

	// AssemblyFailed indicates assembler source was rejected.
	AssemblyFailed = -32005

	// TraceNotAvailable indicates the session is not traced or no trace
	// store is configured.
	TraceNotAvailable = -32006

	// ServerUnhealthy indicates the server reported itself unhealthy.
	ServerUnhealthy = -32007
)

// Common errors.
var (
	ErrParseError        = NewRPCError(ParseError, "Parse error")
	ErrInvalidRequest    = NewRPCError(InvalidRequest, "Invalid Request")
	ErrMethodNotFound    = NewRPCError(MethodNotFound, "Method not found")
	ErrInvalidParams     = NewRPCError(InvalidParams, "Invalid params")
	ErrInternalError     = NewRPCError(InternalError, "Internal error")
	ErrTraceNotAvailable = NewRPCError(TraceNotAvailable, "Trace not available for session")
	ErrServerUnhealthy   = NewRPCError(ServerUnhealthy, "Server is unhealthy")
)

// NewRPCError creates a new RPC error.
func NewRPCError(code int, message string) *RPCError {
	return &RPCError{
		Code:    code,
		Message: message,
	}
}

// NewRPCErrorWithData creates a new RPC error with additional data.
func NewRPCErrorWithData(code int, message string, data interface{}) *RPCError {
	return &RPCError{
		Code:    code,
		Message: message,
		Data:    data,
	}
}

// Error implements the error interface.
func (e *RPCError) Error() string {
	if e.Data != nil {
		return fmt.Sprintf("RPC error %d: %s (data: %v)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

// InvalidParamsError creates an invalid params error with a custom message.
func InvalidParamsError(msg string) *RPCError {
	return NewRPCError(InvalidParams, msg)
}

// InvalidParamsErrorf creates an invalid params error with a formatted message.
func InvalidParamsErrorf(format string, args ...interface{}) *RPCError {
	return NewRPCError(InvalidParams, fmt.Sprintf(format, args...))
}

// InternalServerErrorf creates an internal server error with a formatted message.
func InternalServerErrorf(format string, args ...interface{}) *RPCError {
	return NewRPCError(InternalError, fmt.Sprintf(format, args...))
}

// toRPCError maps a package error onto a JSON-RPC error.
func toRPCError(err error) *RPCError {
	var rpcErr *RPCError
	switch {
	case errors.As(err, &rpcErr):
		return rpcErr
	case errors.Is(err, progstore.ErrProgramNotFound):
		return NewRPCError(ProgramNotFound, err.Error())
	case errors.Is(err, session.ErrSessionNotFound):
		return NewRPCError(SessionNotFound, err.Error())
	case errors.Is(err, session.ErrTooManySessions):
		return NewRPCError(TooManySessions, err.Error())
	case errors.Is(err, session.ErrNoTraceStore):
		return NewRPCError(TraceNotAvailable, err.Error())
	case errors.Is(err, session.ErrInvalidRange), errors.Is(err, trace.ErrInvalidRun):
		return InvalidParamsError(err.Error())
	case isLoaderError(err):
		return NewRPCError(InvalidProgram, err.Error())
	case isAssemblerError(err):
		return NewRPCError(AssemblyFailed, err.Error())
	default:
		return InternalServerErrorf("%v", err)
	}
}

func isLoaderError(err error) bool {
	for _, target := range []error{
		loader.ErrTooLarge,
		loader.ErrInvalidHashBang,
		loader.ErrInvalidHeaders,
		loader.ErrMissingSeparator,
		loader.ErrInvalidImage,
		loader.ErrDigestMismatch,
		program.ErrInvalidStateSize,
		program.ErrInvalidHeaders,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func isAssemblerError(err error) bool {
	for _, target := range []error{
		asm.ErrOutOfRange,
		asm.ErrReservedAddress,
		asm.ErrSyntax,
		asm.ErrUnknownMnemonic,
		asm.ErrUndefinedLabel,
		asm.ErrDuplicateLabel,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
