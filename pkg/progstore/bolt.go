package progstore

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/fortiblox/tendril/internal/types"
	"github.com/fortiblox/tendril/pkg/loader"
	"github.com/fortiblox/tendril/pkg/program"
)

// Bucket names for BoltDB.
var (
	// bucketPrograms stores encoded executables keyed by program ID.
	bucketPrograms = []byte("programs")

	// bucketProgramMeta stores gob-encoded Entry values keyed by program ID.
	bucketProgramMeta = []byte("program_meta")
)

// Config holds program store configuration options.
type Config struct {
	// Path is the database file path.
	Path string

	// NoSync disables fsync after each write (faster but less durable).
	NoSync bool

	// ReadOnly opens the database in read-only mode.
	ReadOnly bool

	// Timeout is how long to wait for the file lock.
	Timeout time.Duration
}

// DefaultConfig returns the default program store configuration.
func DefaultConfig(path string) Config {
	return Config{
		Path:    path,
		NoSync:  false,
		Timeout: 5 * time.Second,
	}
}

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db     *bolt.DB
	config Config
	loader *loader.Loader

	mu     sync.RWMutex
	closed bool
}

var _ Store = (*BoltStore)(nil)

// Open creates or opens a program store at the given path.
func Open(config Config) (*BoltStore, error) {
	// Ensure directory exists.
	dir := filepath.Dir(config.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	opts := &bolt.Options{
		Timeout:  config.Timeout,
		NoSync:   config.NoSync,
		ReadOnly: config.ReadOnly,
	}

	db, err := bolt.Open(config.Path, 0600, opts)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Stored headers are kept verbatim; the key check in Get covers integrity.
	ld := loader.NewLoader()
	ld.SkipDigest = true

	store := &BoltStore{
		db:     db,
		config: config,
		loader: ld,
	}

	// Initialize buckets (skip in read-only mode).
	if !config.ReadOnly {
		if err := store.initBuckets(); err != nil {
			db.Close()
			return nil, fmt.Errorf("init buckets: %w", err)
		}
	}

	return store, nil
}

// initBuckets creates all required buckets.
func (s *BoltStore) initBuckets() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketPrograms, bucketProgramMeta} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

func (s *BoltStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// Put stores a program.
func (s *BoltStore) Put(p *program.Program) (types.Hash, error) {
	if err := s.checkOpen(); err != nil {
		return types.Hash{}, err
	}

	id := p.ID()
	data, err := loader.Encode(p, loader.Options{Compress: true, KeepHeaders: true})
	if err != nil {
		return types.Hash{}, fmt.Errorf("encode program: %w", err)
	}

	var metaBuf bytes.Buffer
	if err := gob.NewEncoder(&metaBuf).Encode(newEntry(p, len(data))); err != nil {
		return types.Hash{}, fmt.Errorf("encode program meta: %w", err)
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		programs := tx.Bucket(bucketPrograms)
		if programs.Get(id[:]) != nil {
			return nil
		}
		if err := programs.Put(id[:], data); err != nil {
			return err
		}
		return tx.Bucket(bucketProgramMeta).Put(id[:], metaBuf.Bytes())
	})
	if err != nil {
		return types.Hash{}, err
	}
	return id, nil
}

// Get retrieves a program by ID.
func (s *BoltStore) Get(id types.Hash) (*program.Program, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPrograms)
		if b == nil {
			return ErrProgramNotFound
		}
		v := b.Get(id[:])
		if v == nil {
			return ErrProgramNotFound
		}
		// Bolt values are only valid inside the transaction.
		data = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}

	p, err := s.loader.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, id, err)
	}
	if p.ID() != id {
		return nil, fmt.Errorf("%w: %s decodes as %s", ErrCorrupt, id, p.ID())
	}
	return p, nil
}

// Has reports whether a program is stored.
func (s *BoltStore) Has(id types.Hash) bool {
	if s.checkOpen() != nil {
		return false
	}
	var found bool
	_ = s.db.View(func(tx *bolt.Tx) error {
		if b := tx.Bucket(bucketPrograms); b != nil {
			found = b.Get(id[:]) != nil
		}
		return nil
	})
	return found
}

// Delete removes a program.
func (s *BoltStore) Delete(id types.Hash) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		programs := tx.Bucket(bucketPrograms)
		if programs.Get(id[:]) == nil {
			return ErrProgramNotFound
		}
		if err := programs.Delete(id[:]); err != nil {
			return err
		}
		return tx.Bucket(bucketProgramMeta).Delete(id[:])
	})
}

// List returns all stored programs, oldest first.
func (s *BoltStore) List() ([]Entry, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var entries []Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketProgramMeta)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var e Entry
			if err := gob.NewDecoder(bytes.NewReader(v)).Decode(&e); err != nil {
				return fmt.Errorf("decode program meta: %w", err)
			}
			entries = append(entries, e)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sortEntries(entries)
	return entries, nil
}

// Stats returns store statistics.
func (s *BoltStore) Stats() (*Stats, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	stats := &Stats{}
	err := s.db.View(func(tx *bolt.Tx) error {
		if b := tx.Bucket(bucketPrograms); b != nil {
			stats.Programs = uint64(b.Stats().KeyN)
		}
		stats.DatabaseSize = tx.Size()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// Sync flushes the database to disk.
func (s *BoltStore) Sync() error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.db.Sync()
}

// Close closes the store.
func (s *BoltStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].Created.Equal(entries[j].Created) {
			return entries[i].Created.Before(entries[j].Created)
		}
		return bytes.Compare(entries[i].ID[:], entries[j].ID[:]) < 0
	})
}
