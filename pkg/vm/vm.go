// Package vm implements the tendril execution engine.
//
// The machine has no registers. All state, including the code pointer, lives
// in a single 64 KiB little-endian memory buffer seeded from a Program. The
// code pointer is the 16-bit value at address 0; execution halts when it
// reaches PEnd (0xFFFF). Every instruction occupies an 8-byte slot.
//
// The engine is pull-based: each call to Step executes exactly one
// instruction and returns control to the driver.
package vm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"

	"go.uber.org/zap"

	"github.com/fortiblox/tendril/pkg/program"
)

// Errors.
var (
	ErrComputeExceeded     = errors.New("compute budget exceeded")
	ErrInvalidMemoryAccess = errors.New("invalid memory access")
	ErrInvalidInstruction  = errors.New("invalid instruction")
	ErrDivisionByZero      = errors.New("division by zero")
)

// Header keys added by Snapshot.
const (
	HeaderParent = "tendril.parent"
	HeaderSteps  = "tendril.steps"
)

// Status is the engine state after a step.
type Status int

const (
	StatusRunning Status = iota
	StatusHalted
	StatusFaulted
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusRunning:
		return "running"
	case StatusHalted:
		return "halted"
	case StatusFaulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Status) UnmarshalText(text []byte) error {
	switch string(text) {
	case "running":
		*s = StatusRunning
	case "halted":
		*s = StatusHalted
	case "faulted":
		*s = StatusFaulted
	default:
		return fmt.Errorf("unknown status %q", text)
	}
	return nil
}

// FaultKind classifies a fatal step failure.
type FaultKind int

const (
	FaultDecode FaultKind = iota + 1
	FaultAddress
	FaultArithmetic
)

// String returns the fault kind name.
func (k FaultKind) String() string {
	switch k {
	case FaultDecode:
		return "decode"
	case FaultAddress:
		return "address"
	case FaultArithmetic:
		return "arithmetic"
	default:
		return "unknown"
	}
}

// Fault is a terminal step failure. It unwraps to one of
// ErrInvalidInstruction, ErrInvalidMemoryAccess or ErrDivisionByZero.
type Fault struct {
	Kind        FaultKind
	CodePointer uint16
	Opcode      uint8
	Addr        uint16 // offending operand address, address faults only
	Err         error
}

func (f *Fault) Error() string {
	if f.Kind == FaultAddress {
		return fmt.Sprintf("%s fault at 0x%04x (opcode 0x%02x, address 0x%04x): %v",
			f.Kind, f.CodePointer, f.Opcode, f.Addr, f.Err)
	}
	return fmt.Sprintf("%s fault at 0x%04x (opcode 0x%02x): %v", f.Kind, f.CodePointer, f.Opcode, f.Err)
}

func (f *Fault) Unwrap() error {
	return f.Err
}

// ComputeMeter tracks compute unit consumption.
type ComputeMeter struct {
	remaining uint64
	limit     uint64
}

// NewComputeMeter creates a new compute meter.
func NewComputeMeter(limit uint64) *ComputeMeter {
	return &ComputeMeter{
		remaining: limit,
		limit:     limit,
	}
}

// Consume attempts to consume compute units.
func (cm *ComputeMeter) Consume(cost uint64) error {
	if cm.remaining < cost {
		return ErrComputeExceeded
	}
	cm.remaining -= cost
	return nil
}

// Remaining returns remaining compute units.
func (cm *ComputeMeter) Remaining() uint64 {
	return cm.remaining
}

// Consumed returns the units spent since the last refill.
func (cm *ComputeMeter) Consumed() uint64 {
	return cm.limit - cm.remaining
}

// Refill restores the meter to a new limit.
func (cm *ComputeMeter) Refill(limit uint64) {
	cm.remaining = limit
	cm.limit = limit
}

// Tracer receives the code pointer of every executed DBG instruction.
type Tracer interface {
	Trace(cp uint16)
}

// TracerFunc adapts a function to Tracer.
type TracerFunc func(cp uint16)

// Trace implements Tracer.
func (f TracerFunc) Trace(cp uint16) {
	f(cp)
}

// DebugLine formats the DBG trace line.
func DebugLine(cp uint16) string {
	return "Debug at 0x" + strconv.FormatUint(uint64(cp), 16)
}

type logTracer struct{}

func (logTracer) Trace(cp uint16) {
	Logger().Info(DebugLine(cp), zap.Uint16("cp", cp))
}

// WriterTracer prints DBG trace lines to w.
func WriterTracer(w io.Writer) Tracer {
	return TracerFunc(func(cp uint16) {
		fmt.Fprintln(w, DebugLine(cp))
	})
}

// Event describes one dispatched step.
type Event struct {
	Step        uint64 `json:"step" cbor:"1,keyasint"`
	CodePointer uint16 `json:"codePointer" cbor:"2,keyasint"`
	Opcode      uint8  `json:"opcode" cbor:"3,keyasint"`
	Next        uint16 `json:"next" cbor:"4,keyasint"`
	Status      Status `json:"status" cbor:"5,keyasint"`
	Fault       string `json:"fault,omitempty" cbor:"6,keyasint,omitempty"`
}

// Observer is notified after every dispatched step.
type Observer interface {
	Observe(ev Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ev Event)

// Observe implements Observer.
func (f ObserverFunc) Observe(ev Event) {
	f(ev)
}

// Option configures an Engine.
type Option func(*Engine)

// WithTracer sets the DBG sink. The default logs through Logger().
func WithTracer(t Tracer) Option {
	return func(e *Engine) {
		if t != nil {
			e.tracer = t
		}
	}
}

// WithObserver registers a step observer.
func WithObserver(o Observer) Option {
	return func(e *Engine) {
		e.observer = o
	}
}

// WithComputeBudget limits the compute units spent between resets.
// Zero means unlimited.
func WithComputeBudget(units uint64) Option {
	return func(e *Engine) {
		e.budget = units
	}
}

// MemoryView is read-only access to engine memory.
type MemoryView interface {
	Read(addr uint16, p []byte) error
	Read8(addr uint16) (uint8, error)
	Read16(addr uint16) (uint16, error)
	Read32(addr uint16) (uint32, error)
	CodePointer() uint16
	Snapshot() []byte
}

// Engine executes one Program. It owns its memory exclusively; the Program
// is shared read-only and may seed any number of engines.
//
// An Engine is not safe for concurrent use.
type Engine struct {
	prog *program.Program
	mem  Memory

	status Status
	fault  *Fault
	steps  uint64

	tracer   Tracer
	observer Observer
	budget   uint64
	meter    *ComputeMeter
}

// New creates an engine seeded from p.
func New(p *program.Program, opts ...Option) *Engine {
	e := &Engine{
		prog:   p,
		tracer: logTracer{},
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.budget > 0 {
		e.meter = NewComputeMeter(e.budget)
	}
	e.Reset()
	return e
}

// Reset restores memory from the program and clears all run state.
func (e *Engine) Reset() {
	e.mem.Reset(e.prog)
	e.status = StatusRunning
	e.fault = nil
	e.steps = 0
	if e.meter != nil {
		e.meter.Refill(e.budget)
	}
	if e.mem.CodePointer() >= PEnd {
		e.status = StatusHalted
	}
}

// Program returns the program the engine was seeded from.
func (e *Engine) Program() *program.Program {
	return e.prog
}

// Status returns the current engine status.
func (e *Engine) Status() Status {
	return e.status
}

// Steps returns the number of instructions executed since the last reset.
func (e *Engine) Steps() uint64 {
	return e.steps
}

// Fault returns the stored fault, or nil.
func (e *Engine) Fault() *Fault {
	return e.fault
}

// Memory returns a read-only view of live memory.
func (e *Engine) Memory() MemoryView {
	return &e.mem
}

// CodePointer returns the current code pointer.
func (e *Engine) CodePointer() uint16 {
	return e.mem.CodePointer()
}

// ComputeRemaining returns the remaining budget and whether one is set.
func (e *Engine) ComputeRemaining() (uint64, bool) {
	if e.meter == nil {
		return 0, false
	}
	return e.meter.Remaining(), true
}

// SetComputeBudget refills the compute meter; zero removes the limit.
// A run stopped by ErrComputeExceeded resumes after a refill.
func (e *Engine) SetComputeBudget(units uint64) {
	e.budget = units
	if units == 0 {
		e.meter = nil
		return
	}
	if e.meter == nil {
		e.meter = NewComputeMeter(units)
		return
	}
	e.meter.Refill(units)
}

// Snapshot derives a new Program from live memory.
func (e *Engine) Snapshot() (*program.Program, error) {
	return e.prog.Derive(e.mem.Snapshot(), program.Headers{
		HeaderParent: e.prog.ID().String(),
		HeaderSteps:  e.steps,
	})
}

// Step executes exactly one instruction.
//
// A faulted engine keeps returning its fault until Reset. A code pointer at
// or past PEnd halts without dispatching. ErrComputeExceeded is returned with
// StatusRunning and leaves the engine untouched.
func (e *Engine) Step() (Status, error) {
	if e.fault != nil {
		return StatusFaulted, e.fault
	}

	cp := e.mem.CodePointer()
	if cp >= PEnd {
		e.status = StatusHalted
		return StatusHalted, nil
	}

	op := e.mem.data[cp]
	if e.meter != nil {
		if err := e.meter.Consume(instructionCost(op)); err != nil {
			return e.status, err
		}
	}

	next, fault := e.execute(cp, op)
	if fault != nil {
		e.fault = fault
		e.status = StatusFaulted
		Logger().Debug("engine fault",
			zap.Stringer("kind", fault.Kind),
			zap.Uint16("cp", cp),
			zap.Uint8("opcode", op),
			zap.Error(fault.Err))
		e.notify(Event{
			Step:        e.steps + 1,
			CodePointer: cp,
			Opcode:      op,
			Next:        cp,
			Status:      StatusFaulted,
			Fault:       fault.Error(),
		})
		return StatusFaulted, fault
	}

	if next >= uint32(PEnd) {
		next = uint32(PEnd)
	}
	e.mem.SetCodePointer(uint16(next))
	e.steps++
	if next == uint32(PEnd) {
		e.status = StatusHalted
	}

	e.notify(Event{
		Step:        e.steps,
		CodePointer: cp,
		Opcode:      op,
		Next:        uint16(next),
		Status:      e.status,
	})
	return e.status, nil
}

// Run steps until the engine halts or faults, the context is done, the
// compute budget runs out, or maxSteps instructions have executed. A
// maxSteps of zero means no step limit.
func (e *Engine) Run(ctx context.Context, maxSteps uint64) (Status, error) {
	var n uint64
	for maxSteps == 0 || n < maxSteps {
		if err := ctx.Err(); err != nil {
			return e.status, err
		}
		status, err := e.Step()
		if err != nil || status != StatusRunning {
			return status, err
		}
		n++
	}
	return e.status, nil
}

func (e *Engine) notify(ev Event) {
	if e.observer != nil {
		e.observer.Observe(ev)
	}
}

// operandLength is the number of slot bytes an opcode reads.
func operandLength(op uint8) int {
	switch op {
	case OpJmp:
		return 4
	case OpCjp, OpAdd, OpSub, OpMul, OpDiv, OpMod:
		return InstructionLength
	default:
		return 1
	}
}

// execute validates and performs one instruction, returning the next code
// pointer. Nothing is written unless every access has been validated.
func (e *Engine) execute(cp uint16, op uint8) (uint32, *Fault) {
	if !Valid(op) {
		return 0, &Fault{
			Kind:        FaultDecode,
			CodePointer: cp,
			Opcode:      op,
			Err:         fmt.Errorf("%w: opcode 0x%02x", ErrInvalidInstruction, op),
		}
	}

	addrFault := func(addr uint16, err error) *Fault {
		return &Fault{Kind: FaultAddress, CodePointer: cp, Opcode: op, Addr: addr, Err: err}
	}

	var slot [InstructionLength]byte
	if err := e.mem.Read(cp, slot[:operandLength(op)]); err != nil {
		return 0, addrFault(cp, err)
	}
	ins := DecodeInstruction(slot[:])

	switch op {
	case OpNop:

	case OpDbg:
		e.tracer.Trace(cp)

	case OpJmp:
		return uint32(ins.Target()), nil

	case OpCjp:
		word, err := e.mem.Read32(ins.Cond())
		if err != nil {
			return 0, addrFault(ins.Cond(), err)
		}
		if word&ins.Mask() != 0 {
			return uint32(cp) + uint32(ins.Skips())*InstructionLength, nil
		}

	default:
		l, err := e.mem.Read32(ins.L())
		if err != nil {
			return 0, addrFault(ins.L(), err)
		}
		r, err := e.mem.Read32(ins.R())
		if err != nil {
			return 0, addrFault(ins.R(), err)
		}
		if _, err := e.mem.span(ins.S(), 4, true); err != nil {
			return 0, addrFault(ins.S(), err)
		}

		var v uint32
		switch op {
		case OpAdd:
			v = l + r
		case OpSub:
			v = l - r
		case OpMul:
			v = l * r
		case OpDiv, OpMod:
			if r == 0 {
				return 0, &Fault{
					Kind:        FaultArithmetic,
					CodePointer: cp,
					Opcode:      op,
					Err:         ErrDivisionByZero,
				}
			}
			if op == OpDiv {
				v = l / r
			} else {
				v = l % r
			}
		}
		// Validated above.
		_ = e.mem.Write32(ins.S(), v)

		// The destination may overlap the code pointer.
		return uint32(e.mem.CodePointer()) + InstructionLength, nil
	}

	return uint32(cp) + InstructionLength, nil
}
