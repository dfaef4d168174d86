// Package progstore provides persistent storage for programs, keyed by
// program ID.
package progstore

import (
	"errors"
	"time"

	"github.com/fortiblox/tendril/internal/types"
	"github.com/fortiblox/tendril/pkg/program"
)

var (
	// ErrProgramNotFound is returned when a program doesn't exist.
	ErrProgramNotFound = errors.New("program not found")

	// ErrClosed is returned when operating on a closed store.
	ErrClosed = errors.New("program store closed")

	// ErrCorrupt is returned when stored bytes no longer match their key.
	ErrCorrupt = errors.New("stored program corrupt")
)

// Store is the program store interface.
type Store interface {
	// Put stores p and returns its ID. Storing an existing program is a no-op.
	Put(p *program.Program) (types.Hash, error)
	Get(id types.Hash) (*program.Program, error)
	Has(id types.Hash) bool
	Delete(id types.Hash) error
	List() ([]Entry, error)
	Stats() (*Stats, error)
	Close() error
}

// Entry describes a stored program.
type Entry struct {
	ID       types.Hash `json:"id"`
	Name     string     `json:"name,omitempty"`
	HashBang string     `json:"hashBang,omitempty"`
	Size     int        `json:"size"` // encoded size in bytes
	Created  time.Time  `json:"created"`
}

// Stats contains store statistics.
type Stats struct {
	// Programs is the number of stored programs.
	Programs uint64 `json:"programs"`

	// DatabaseSize is the size of the database file in bytes.
	DatabaseSize int64 `json:"databaseSize"`
}

// newEntry builds the metadata record for p.
func newEntry(p *program.Program, size int) Entry {
	e := Entry{
		ID:       p.ID(),
		HashBang: p.HashBang(),
		Size:     size,
		Created:  time.Now().UTC(),
	}
	if name, ok := p.Header("name"); ok {
		if s, ok := name.(string); ok {
			e.Name = s
		}
	}
	return e
}
