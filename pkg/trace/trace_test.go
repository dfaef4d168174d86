package trace

import (
	"errors"
	"testing"

	"github.com/fortiblox/tendril/pkg/program"
	"github.com/fortiblox/tendril/pkg/vm"
)

func openTestStore(t *testing.T) *BadgerStore {
	t.Helper()
	cfg := DefaultBadgerConfig("")
	cfg.InMemory = true
	store, err := OpenBadger(cfg)
	if err != nil {
		t.Fatalf("OpenBadger() failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func events(n int) []vm.Event {
	out := make([]vm.Event, n)
	for i := range out {
		out[i] = vm.Event{
			Step:        uint64(i + 1),
			CodePointer: uint16(8 * (i + 1)),
			Opcode:      vm.OpNop,
			Next:        uint16(8 * (i + 2)),
			Status:      vm.StatusRunning,
		}
	}
	return out
}

func TestBadgerStore(t *testing.T) {
	store := openTestStore(t)

	if err := store.Append("run-a", events(10)...); err != nil {
		t.Fatalf("Append() failed: %v", err)
	}
	if err := store.Append("run-ab", events(3)...); err != nil {
		t.Fatalf("Append() failed: %v", err)
	}

	t.Run("Range", func(t *testing.T) {
		got, err := store.Range("run-a", 4, 3)
		if err != nil {
			t.Fatalf("Range() failed: %v", err)
		}
		if len(got) != 3 {
			t.Fatalf("Range() returned %d events, want 3", len(got))
		}
		for i, ev := range got {
			if ev.Step != uint64(4+i) {
				t.Errorf("event %d step = %d, want %d", i, ev.Step, 4+i)
			}
			if ev.CodePointer != uint16(8*(4+i)) {
				t.Errorf("event %d cp = 0x%04x", i, ev.CodePointer)
			}
		}
	})

	t.Run("RangeAll", func(t *testing.T) {
		got, err := store.Range("run-a", 0, 0)
		if err != nil {
			t.Fatalf("Range() failed: %v", err)
		}
		if len(got) != 10 {
			t.Errorf("Range() returned %d events, want 10", len(got))
		}
	})

	t.Run("Count", func(t *testing.T) {
		tests := []struct {
			run  string
			want uint64
		}{
			{"run-a", 10},
			{"run-ab", 3},
			{"missing", 0},
		}
		for _, tt := range tests {
			got, err := store.Count(tt.run)
			if err != nil {
				t.Fatalf("Count(%s) failed: %v", tt.run, err)
			}
			if got != tt.want {
				t.Errorf("Count(%s) = %d, want %d", tt.run, got, tt.want)
			}
		}
	})

	t.Run("Runs", func(t *testing.T) {
		runs, err := store.Runs()
		if err != nil {
			t.Fatalf("Runs() failed: %v", err)
		}
		if len(runs) != 2 {
			t.Errorf("Runs() = %v, want 2 runs", runs)
		}
	})

	t.Run("DeleteRun", func(t *testing.T) {
		if err := store.DeleteRun("run-a"); err != nil {
			t.Fatalf("DeleteRun() failed: %v", err)
		}
		if n, _ := store.Count("run-a"); n != 0 {
			t.Errorf("Count() after delete = %d, want 0", n)
		}
		if n, _ := store.Count("run-ab"); n != 3 {
			t.Errorf("Count(run-ab) after delete = %d, want 3", n)
		}
	})

	t.Run("InvalidRun", func(t *testing.T) {
		if err := store.Append("", events(1)...); !errors.Is(err, ErrInvalidRun) {
			t.Errorf("Append(\"\") = %v, want ErrInvalidRun", err)
		}
	})
}

func TestBadgerStoreClosed(t *testing.T) {
	cfg := DefaultBadgerConfig(t.TempDir())
	store, err := OpenBadger(cfg)
	if err != nil {
		t.Fatalf("OpenBadger() failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	if err := store.Append("r", events(1)...); !errors.Is(err, ErrClosed) {
		t.Errorf("Append() after Close = %v, want ErrClosed", err)
	}
	if err := store.Close(); !errors.Is(err, ErrClosed) {
		t.Errorf("second Close() = %v, want ErrClosed", err)
	}
}

func TestRecorder(t *testing.T) {
	store := openTestStore(t)

	state := make([]byte, program.StateSize)
	state[0] = 0xF0
	state[1] = 0xFF // cp = 0xfff0
	p, err := program.New("", nil, state)
	if err != nil {
		t.Fatalf("program.New() failed: %v", err)
	}

	rec := NewRecorder(store, "rec", 100)
	e := vm.New(p, vm.WithObserver(rec))
	for e.Status() == vm.StatusRunning {
		if _, err := e.Step(); err != nil {
			t.Fatalf("Step() failed: %v", err)
		}
	}

	// The halting event flushes without an explicit Flush.
	got, err := store.Range("rec", 0, 0)
	if err != nil {
		t.Fatalf("Range() failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("recorded %d events, want 2", len(got))
	}
	if got[1].Status != vm.StatusHalted || got[1].Next != vm.PEnd {
		t.Errorf("last event = %+v", got[1])
	}
	if rec.Recorded() != 2 || rec.Failed() != 0 {
		t.Errorf("Recorded() = %d, Failed() = %d", rec.Recorded(), rec.Failed())
	}
}

func TestRecorderCountsFailures(t *testing.T) {
	store := openTestStore(t)
	rec := NewRecorder(store, "fail", 2)
	_ = store.Close()

	rec.Observe(vm.Event{Step: 1})
	rec.Observe(vm.Event{Step: 2})
	if rec.Failed() != 2 {
		t.Errorf("Failed() = %d, want 2", rec.Failed())
	}
}
