package progstore

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/fortiblox/tendril/internal/types"
	"github.com/fortiblox/tendril/pkg/program"
)

func testProgram(t *testing.T, name string, fill byte) *program.Program {
	t.Helper()
	state := make([]byte, program.StateSize)
	state[0] = 8
	state[100] = fill
	p, err := program.New("#!tendril", program.Headers{"name": name, "big": 1 << 60}, state)
	if err != nil {
		t.Fatalf("program.New() failed: %v", err)
	}
	return p
}

func openBolt(t *testing.T) *BoltStore {
	t.Helper()
	store, err := Open(DefaultConfig(filepath.Join(t.TempDir(), "programs.db")))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStores(t *testing.T) {
	stores := map[string]func(t *testing.T) Store{
		"bolt":   func(t *testing.T) Store { return openBolt(t) },
		"memory": func(t *testing.T) Store { return NewMemoryStore() },
	}

	for name, open := range stores {
		t.Run(name, func(t *testing.T) {
			store := open(t)
			a := testProgram(t, "alpha", 1)
			b := testProgram(t, "beta", 2)

			t.Run("Put", func(t *testing.T) {
				id, err := store.Put(a)
				if err != nil {
					t.Fatalf("Put() failed: %v", err)
				}
				if id != a.ID() {
					t.Errorf("Put() = %s, want %s", id, a.ID())
				}
				// Idempotent.
				if _, err := store.Put(a); err != nil {
					t.Fatalf("second Put() failed: %v", err)
				}
				if _, err := store.Put(b); err != nil {
					t.Fatalf("Put(b) failed: %v", err)
				}
			})

			t.Run("Get", func(t *testing.T) {
				got, err := store.Get(a.ID())
				if err != nil {
					t.Fatalf("Get() failed: %v", err)
				}
				if got.ID() != a.ID() {
					t.Errorf("Get().ID() = %s, want %s", got.ID(), a.ID())
				}
				if got.State()[100] != 1 {
					t.Error("Get() returned wrong state")
				}
				if got.HashBang() != "#!tendril" {
					t.Errorf("HashBang() = %q", got.HashBang())
				}
			})

			t.Run("Has", func(t *testing.T) {
				if !store.Has(a.ID()) {
					t.Error("Has(a) = false")
				}
				if store.Has(types.Hash{1}) {
					t.Error("Has(unknown) = true")
				}
			})

			t.Run("List", func(t *testing.T) {
				entries, err := store.List()
				if err != nil {
					t.Fatalf("List() failed: %v", err)
				}
				if len(entries) != 2 {
					t.Fatalf("List() returned %d entries, want 2", len(entries))
				}
				names := map[string]bool{}
				for _, e := range entries {
					names[e.Name] = true
					if e.Size == 0 || e.Created.IsZero() {
						t.Errorf("entry %s missing size or time", e.ID)
					}
				}
				if !names["alpha"] || !names["beta"] {
					t.Errorf("List() names = %v", names)
				}
			})

			t.Run("Stats", func(t *testing.T) {
				stats, err := store.Stats()
				if err != nil {
					t.Fatalf("Stats() failed: %v", err)
				}
				if stats.Programs != 2 {
					t.Errorf("Programs = %d, want 2", stats.Programs)
				}
			})

			t.Run("Delete", func(t *testing.T) {
				if err := store.Delete(a.ID()); err != nil {
					t.Fatalf("Delete() failed: %v", err)
				}
				if _, err := store.Get(a.ID()); !errors.Is(err, ErrProgramNotFound) {
					t.Errorf("Get() after Delete = %v, want ErrProgramNotFound", err)
				}
				if err := store.Delete(a.ID()); !errors.Is(err, ErrProgramNotFound) {
					t.Errorf("second Delete() = %v, want ErrProgramNotFound", err)
				}
			})

			t.Run("Closed", func(t *testing.T) {
				if err := store.Close(); err != nil {
					t.Fatalf("Close() failed: %v", err)
				}
				if _, err := store.Get(b.ID()); !errors.Is(err, ErrClosed) {
					t.Errorf("Get() after Close = %v, want ErrClosed", err)
				}
				if _, err := store.Put(b); !errors.Is(err, ErrClosed) {
					t.Errorf("Put() after Close = %v, want ErrClosed", err)
				}
			})
		})
	}
}

func TestBoltStoreReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "programs.db")
	p := testProgram(t, "persist", 9)

	store, err := Open(DefaultConfig(path))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if _, err := store.Put(p); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	cfg := DefaultConfig(path)
	cfg.ReadOnly = true
	store, err = Open(cfg)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer store.Close()

	got, err := store.Get(p.ID())
	if err != nil {
		t.Fatalf("Get() after reopen failed: %v", err)
	}
	if got.ID() != p.ID() {
		t.Errorf("ID() = %s, want %s", got.ID(), p.ID())
	}
}

func TestBoltStoreKeepsDigestHeader(t *testing.T) {
	store := openBolt(t)
	base := testProgram(t, "digest", 3)
	// A derived program may carry a digest of its parent's image.
	p, err := base.Derive(make([]byte, program.StateSize), program.Headers{"tendril.digest": base.Digest().String()})
	if err != nil {
		t.Fatalf("Derive() failed: %v", err)
	}

	if _, err := store.Put(p); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}
	got, err := store.Get(p.ID())
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got.ID() != p.ID() {
		t.Errorf("ID() = %s, want %s", got.ID(), p.ID())
	}
}
