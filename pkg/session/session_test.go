package session

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/fortiblox/tendril/pkg/asm"
	"github.com/fortiblox/tendril/pkg/program"
	"github.com/fortiblox/tendril/pkg/progstore"
	"github.com/fortiblox/tendril/pkg/trace"
	"github.com/fortiblox/tendril/pkg/vm"
)

// loopProgram adds one to the word at 0x100 and prints, twice, then halts.
func loopProgram(t *testing.T) *program.Program {
	t.Helper()
	p, err := asm.Parse(`
.org 0x100
one:   .word 1
count: .word 0
left:  .word 2
.org 8
start: ADD count, one, count
       SUB left, one, left
       DBG
       CJP 2, left, 0xFFFFFFFF
       JMP 0xFFFF
       JMP start
`)
	if err != nil {
		t.Fatalf("Parse() failed: %v", err)
	}
	return p
}

func newManager(t *testing.T, cfg Config, withTrace bool) (*Manager, *progstore.MemoryStore) {
	t.Helper()
	programs := progstore.NewMemoryStore()
	var traces trace.Store
	if withTrace {
		tc := trace.DefaultBadgerConfig("")
		tc.InMemory = true
		store, err := trace.OpenBadger(tc)
		if err != nil {
			t.Fatalf("OpenBadger() failed: %v", err)
		}
		t.Cleanup(func() { _ = store.Close() })
		traces = store
	}
	return NewManager(programs, traces, cfg, nil), programs
}

func TestSessionLifecycle(t *testing.T) {
	m, programs := newManager(t, DefaultConfig(), false)
	id, _ := programs.Put(loopProgram(t))

	s, err := m.Create(id, Options{})
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	got, err := m.Get(s.ID())
	if err != nil || got != s {
		t.Fatalf("Get() = %v, %v", got, err)
	}

	res := s.Step(1)
	if res.Executed != 1 || res.Stop != StopLimit || res.Status != "running" {
		t.Errorf("Step(1) = %+v", res)
	}

	res = s.Advance(context.Background(), 0)
	if res.Stop != StopHalted {
		t.Fatalf("Advance() stop = %s, want halted", res.Stop)
	}
	if len(res.Debug) != 2 || !strings.HasPrefix(res.Debug[0], "Debug at 0x") {
		t.Errorf("Debug = %v, want two lines", res.Debug)
	}

	mem, err := s.ReadMemory(0x104, 4)
	if err != nil {
		t.Fatalf("ReadMemory() failed: %v", err)
	}
	if mem[0] != 2 {
		t.Errorf("count = %d, want 2", mem[0])
	}

	if info := s.Info(); info.Status != "halted" || info.ProgramID != id {
		t.Errorf("Info() = %+v", info)
	}

	if err := s.Reset(); err != nil {
		t.Fatalf("Reset() failed: %v", err)
	}
	if info := s.Info(); info.Steps != 0 || info.Status != "running" {
		t.Errorf("Info() after Reset = %+v", info)
	}

	if n := len(m.List()); n != 1 {
		t.Errorf("List() returned %d sessions, want 1", n)
	}
	if err := m.Close(s.ID()); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	if _, err := m.Get(s.ID()); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Get() after Close = %v, want ErrSessionNotFound", err)
	}
	if err := m.Close(s.ID()); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("second Close() = %v, want ErrSessionNotFound", err)
	}
}

func TestSessionFault(t *testing.T) {
	m, _ := newManager(t, DefaultConfig(), false)
	p, err := asm.New(nil).Div(0x100, 0x104, 0x108).Assemble()
	if err != nil {
		t.Fatalf("Assemble() failed: %v", err)
	}
	s, err := m.CreateFrom(p, Options{})
	if err != nil {
		t.Fatalf("CreateFrom() failed: %v", err)
	}

	res := s.Step(5)
	if res.Stop != StopFaulted || res.Status != "faulted" {
		t.Errorf("Step() = %+v, want faulted", res)
	}
	if !strings.Contains(res.Fault, "division by zero") {
		t.Errorf("Fault = %q", res.Fault)
	}
	if info := s.Info(); info.Fault == "" {
		t.Error("Info() has no fault")
	}
}

func TestSessionBudget(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ComputeBudget = 3
	m, _ := newManager(t, cfg, false)
	s, err := m.CreateFrom(loopProgram(t), Options{})
	if err != nil {
		t.Fatalf("CreateFrom() failed: %v", err)
	}

	res := s.Advance(context.Background(), 0)
	if res.Stop != StopBudget || res.Executed != 3 {
		t.Errorf("Advance() = %+v, want budget stop after 3", res)
	}
	if info := s.Info(); info.Compute == nil || *info.Compute != 0 {
		t.Errorf("Info().Compute = %v", info.Compute)
	}

	s.SetComputeBudget(0)
	if res := s.Advance(context.Background(), 0); res.Stop != StopHalted {
		t.Errorf("Advance() after removing budget = %+v", res)
	}
}

func TestSessionCanceled(t *testing.T) {
	m, _ := newManager(t, DefaultConfig(), false)
	s, _ := m.CreateFrom(loopProgram(t), Options{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if res := s.Advance(ctx, 0); res.Stop != StopCanceled || res.Executed != 0 {
		t.Errorf("Advance() = %+v, want canceled", res)
	}
}

func TestSessionTrace(t *testing.T) {
	m, _ := newManager(t, DefaultConfig(), true)
	s, err := m.CreateFrom(loopProgram(t), Options{Trace: true})
	if err != nil {
		t.Fatalf("CreateFrom() failed: %v", err)
	}

	res := s.Step(4)
	events, err := m.Traces().Range(s.TraceRun(), 0, 0)
	if err != nil {
		t.Fatalf("Range() failed: %v", err)
	}
	if uint64(len(events)) != res.Executed {
		t.Errorf("recorded %d events, want %d", len(events), res.Executed)
	}
	if events[0].Opcode != vm.OpAdd {
		t.Errorf("first event opcode = 0x%02x, want ADD", events[0].Opcode)
	}

	if err := s.Reset(); err != nil {
		t.Fatalf("Reset() failed: %v", err)
	}
	if n, _ := m.Traces().Count(s.TraceRun()); n != 0 {
		t.Errorf("Count() after Reset = %d, want 0", n)
	}
}

func TestManagerLimits(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSessions = 1
	m, _ := newManager(t, cfg, false)
	p := loopProgram(t)

	if _, err := m.CreateFrom(p, Options{}); err != nil {
		t.Fatalf("CreateFrom() failed: %v", err)
	}
	if _, err := m.CreateFrom(p, Options{}); !errors.Is(err, ErrTooManySessions) {
		t.Errorf("second CreateFrom() = %v, want ErrTooManySessions", err)
	}
	if _, err := m.CreateFrom(p, Options{Trace: true}); !errors.Is(err, ErrNoTraceStore) {
		t.Errorf("CreateFrom(trace) = %v, want ErrNoTraceStore", err)
	}
	if _, err := m.Create(p.ID(), Options{}); !errors.Is(err, progstore.ErrProgramNotFound) {
		t.Errorf("Create(unstored) = %v, want ErrProgramNotFound", err)
	}
	if _, err := m.Get(uuid.New()); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Get(random) = %v, want ErrSessionNotFound", err)
	}

	m.CloseAll()
	if m.Len() != 0 {
		t.Errorf("Len() after CloseAll = %d", m.Len())
	}
}

func TestReadMemoryRange(t *testing.T) {
	m, _ := newManager(t, DefaultConfig(), false)
	s, _ := m.CreateFrom(loopProgram(t), Options{})

	if _, err := s.ReadMemory(0xFFFF, 2); !errors.Is(err, ErrInvalidRange) {
		t.Errorf("ReadMemory() = %v, want ErrInvalidRange", err)
	}
	if b, err := s.ReadMemory(0xFFFF, 1); err != nil || len(b) != 1 {
		t.Errorf("ReadMemory(last byte) = %v, %v", b, err)
	}
}
