package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fortiblox/tendril/internal/types"
	"github.com/fortiblox/tendril/pkg/program"
	"github.com/fortiblox/tendril/pkg/trace"
	"github.com/fortiblox/tendril/pkg/vm"
)

// Session is one live engine. All methods are safe for concurrent use;
// calls are serialised.
type Session struct {
	id      uuid.UUID
	created time.Time
	logger  *zap.Logger

	mu       sync.Mutex
	engine   *vm.Engine
	recorder *trace.Recorder
	traces   trace.Store
	lines    []string
	dropped  int
	maxDebug int
	closed   bool
}

// Info summarises a session.
type Info struct {
	ID          uuid.UUID  `json:"id"`
	ProgramID   types.Hash `json:"programId"`
	Status      string     `json:"status"`
	Steps       uint64     `json:"steps"`
	CodePointer uint16     `json:"codePointer"`
	Fault       string     `json:"fault,omitempty"`
	Traced      bool       `json:"traced"`
	Compute     *uint64    `json:"computeRemaining,omitempty"`
	Created     time.Time  `json:"created"`
}

// Result reports the outcome of an Advance call.
type Result struct {
	Status      string   `json:"status"`
	Stop        string   `json:"stop"`
	Executed    uint64   `json:"executed"`
	Steps       uint64   `json:"steps"`
	CodePointer uint16   `json:"codePointer"`
	Fault       string   `json:"fault,omitempty"`
	Debug       []string `json:"debug,omitempty"`
	Dropped     int      `json:"droppedDebug,omitempty"`
}

// ID returns the session id.
func (s *Session) ID() uuid.UUID {
	return s.id
}

// debug is the engine's DBG sink. It runs with s.mu held.
func (s *Session) debug(cp uint16) {
	vm.Logger().Debug(vm.DebugLine(cp), zap.String("session", s.id.String()))
	if s.maxDebug > 0 && len(s.lines) >= s.maxDebug {
		s.dropped++
		return
	}
	s.lines = append(s.lines, vm.DebugLine(cp))
}

// Advance executes up to limit instructions (zero means until the engine
// stops). Faults are reported in the result, not as errors.
func (s *Session) Advance(ctx context.Context, limit uint64) Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	before := s.engine.Steps()
	status, err := s.engine.Run(ctx, limit)
	if s.recorder != nil {
		s.recorder.Flush()
	}

	res := Result{
		Status:      status.String(),
		Executed:    s.engine.Steps() - before,
		Steps:       s.engine.Steps(),
		CodePointer: s.engine.CodePointer(),
		Debug:       s.lines,
		Dropped:     s.dropped,
	}
	s.lines = nil
	s.dropped = 0

	var fault *vm.Fault
	switch {
	case errors.As(err, &fault):
		res.Stop = StopFaulted
		res.Fault = fault.Error()
		s.logger.Info("session faulted", zap.Error(err))
	case errors.Is(err, vm.ErrComputeExceeded):
		res.Stop = StopBudget
	case err != nil:
		res.Stop = StopCanceled
	case status == vm.StatusHalted:
		res.Stop = StopHalted
	default:
		res.Stop = StopLimit
	}
	return res
}

// Step executes up to n instructions.
func (s *Session) Step(n uint64) Result {
	if n == 0 {
		n = 1
	}
	return s.Advance(context.Background(), n)
}

// Reset restarts the engine from its program. A recorded trace is cleared.
func (s *Session) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.engine.Reset()
	s.lines = nil
	s.dropped = 0
	if s.recorder != nil {
		s.recorder.Flush()
		if err := s.traces.DeleteRun(s.recorder.Run()); err != nil {
			return fmt.Errorf("clear trace: %w", err)
		}
	}
	return nil
}

// SetComputeBudget refills the compute budget; zero removes it.
func (s *Session) SetComputeBudget(units uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.engine.SetComputeBudget(units)
}

// ReadMemory copies n bytes starting at addr.
func (s *Session) ReadMemory(addr uint16, n int) ([]byte, error) {
	if n < 0 || int(addr)+n > vm.MemorySize {
		return nil, fmt.Errorf("%w: %d bytes at 0x%04x", ErrInvalidRange, n, addr)
	}
	buf := make([]byte, n)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.engine.Memory().Read(addr, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// Snapshot derives a program from the live memory.
func (s *Session) Snapshot() (*program.Program, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine.Snapshot()
}

// Program returns the program the session runs.
func (s *Session) Program() *program.Program {
	return s.engine.Program()
}

// TraceRun returns the trace run id, or "" when the session is not traced.
func (s *Session) TraceRun() string {
	if s.recorder == nil {
		return ""
	}
	return s.recorder.Run()
}

// Info returns a summary of the session.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()

	info := Info{
		ID:          s.id,
		ProgramID:   s.engine.Program().ID(),
		Status:      s.engine.Status().String(),
		Steps:       s.engine.Steps(),
		CodePointer: s.engine.CodePointer(),
		Traced:      s.recorder != nil,
		Created:     s.created,
	}
	if f := s.engine.Fault(); f != nil {
		info.Fault = f.Error()
	}
	if left, ok := s.engine.ComputeRemaining(); ok {
		info.Compute = &left
	}
	return info
}

func (s *Session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if s.recorder != nil {
		s.recorder.Flush()
	}
	s.logger.Info("session closed", zap.Uint64("steps", s.engine.Steps()))
}
