package progstore

import (
	"sync"

	"github.com/fortiblox/tendril/internal/types"
	"github.com/fortiblox/tendril/pkg/program"
)

// MemoryStore is an in-memory Store. Programs are immutable, so they are
// stored by reference.
type MemoryStore struct {
	mu       sync.RWMutex
	programs map[types.Hash]*program.Program
	entries  map[types.Hash]Entry
	closed   bool
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		programs: make(map[types.Hash]*program.Program),
		entries:  make(map[types.Hash]Entry),
	}
}

// Put stores a program.
func (s *MemoryStore) Put(p *program.Program) (types.Hash, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return types.Hash{}, ErrClosed
	}
	id := p.ID()
	if _, ok := s.programs[id]; !ok {
		s.programs[id] = p
		s.entries[id] = newEntry(p, program.StateSize)
	}
	return id, nil
}

// Get retrieves a program by ID.
func (s *MemoryStore) Get(id types.Hash) (*program.Program, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	p, ok := s.programs[id]
	if !ok {
		return nil, ErrProgramNotFound
	}
	return p, nil
}

// Has reports whether a program is stored.
func (s *MemoryStore) Has(id types.Hash) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.programs[id]
	return ok && !s.closed
}

// Delete removes a program.
func (s *MemoryStore) Delete(id types.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.programs[id]; !ok {
		return ErrProgramNotFound
	}
	delete(s.programs, id)
	delete(s.entries, id)
	return nil
}

// List returns all stored programs, oldest first.
func (s *MemoryStore) List() ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	entries := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	sortEntries(entries)
	return entries, nil
}

// Stats returns store statistics.
func (s *MemoryStore) Stats() (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	return &Stats{Programs: uint64(len(s.programs))}, nil
}

// Close closes the store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
