package trace

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"
	"github.com/fxamacker/cbor/v2"
	"go.uber.org/zap"

	"github.com/fortiblox/tendril/pkg/vm"
)

// Key prefixes for BadgerDB storage.
var (
	// prefixEvent is the prefix for step events.
	// Key format: prefixEvent + len(run) (1 byte) + run + step (8 bytes, big-endian)
	prefixEvent = []byte{0x01}
)

// BadgerConfig contains configuration for the trace store.
type BadgerConfig struct {
	// Path is the directory path for the database.
	Path string

	// InMemory runs the database in memory (for testing).
	InMemory bool

	// SyncWrites ensures writes are synced to disk.
	SyncWrites bool

	// NumCompactors is the number of compaction workers.
	NumCompactors int

	// ValueLogFileSize is the size of each value log file.
	ValueLogFileSize int64

	// Logger receives badger's internal logs. Nil disables them.
	Logger *zap.Logger
}

// DefaultBadgerConfig returns default configuration.
func DefaultBadgerConfig(path string) BadgerConfig {
	return BadgerConfig{
		Path:             path,
		InMemory:         false,
		SyncWrites:       false,
		NumCompactors:    2,
		ValueLogFileSize: 64 << 20, // 64MB
	}
}

// BadgerStore is a BadgerDB-backed Store.
type BadgerStore struct {
	db     *badger.DB
	closed atomic.Bool
}

var _ Store = (*BadgerStore)(nil)

// OpenBadger opens a trace store.
func OpenBadger(cfg BadgerConfig) (*BadgerStore, error) {
	opts := badger.DefaultOptions(cfg.Path)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}

	opts = opts.
		WithSyncWrites(cfg.SyncWrites).
		WithNumCompactors(cfg.NumCompactors).
		WithValueLogFileSize(cfg.ValueLogFileSize).
		WithLogger(nil)
	if cfg.Logger != nil {
		opts = opts.WithLogger(badgerLogger{cfg.Logger.Sugar()})
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

// runPrefix returns the key prefix shared by all events of run.
func runPrefix(run string) []byte {
	key := make([]byte, 0, len(prefixEvent)+1+len(run)+8)
	key = append(key, prefixEvent...)
	key = append(key, byte(len(run)))
	return append(key, run...)
}

func eventKey(run string, step uint64) []byte {
	return binary.BigEndian.AppendUint64(runPrefix(run), step)
}

// Append stores events for run in one batch.
func (s *BadgerStore) Append(run string, events ...vm.Event) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if err := validRun(run); err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, ev := range events {
		val, err := cbor.Marshal(ev)
		if err != nil {
			return fmt.Errorf("encode event: %w", err)
		}
		if err := wb.Set(eventKey(run, ev.Step), val); err != nil {
			return fmt.Errorf("write event: %w", err)
		}
	}
	return wb.Flush()
}

// Range returns events of run starting at step from.
func (s *BadgerStore) Range(run string, from uint64, limit int) ([]vm.Event, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	if err := validRun(run); err != nil {
		return nil, err
	}

	var events []vm.Event
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = runPrefix(run)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(eventKey(run, from)); it.Valid(); it.Next() {
			if limit > 0 && len(events) >= limit {
				break
			}
			var ev vm.Event
			err := it.Item().Value(func(val []byte) error {
				return cbor.Unmarshal(val, &ev)
			})
			if err != nil {
				return fmt.Errorf("decode event: %w", err)
			}
			events = append(events, ev)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

// Count returns the number of events stored for run.
func (s *BadgerStore) Count(run string) (uint64, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	if err := validRun(run); err != nil {
		return 0, err
	}

	var n uint64
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = runPrefix(run)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

// Runs lists run ids with at least one event.
func (s *BadgerStore) Runs() ([]string, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	var runs []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefixEvent
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		var last []byte
		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().Key()
			if len(key) < len(prefixEvent)+1 {
				continue
			}
			n := int(key[len(prefixEvent)])
			end := len(prefixEvent) + 1 + n
			if len(key) < end {
				continue
			}
			run := key[len(prefixEvent)+1 : end]
			if !bytes.Equal(run, last) {
				last = append(last[:0], run...)
				runs = append(runs, string(run))
			}
		}
		return nil
	})
	return runs, err
}

// DeleteRun removes every event of run.
func (s *BadgerStore) DeleteRun(run string) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if err := validRun(run); err != nil {
		return err
	}
	return s.db.DropPrefix(runPrefix(run))
}

// Close closes the database.
func (s *BadgerStore) Close() error {
	if s.closed.Swap(true) {
		return ErrClosed
	}
	return s.db.Close()
}

// badgerLogger routes badger's logs through zap.
type badgerLogger struct {
	s *zap.SugaredLogger
}

func (l badgerLogger) Errorf(f string, v ...interface{})   { l.s.Errorf(f, v...) }
func (l badgerLogger) Warningf(f string, v ...interface{}) { l.s.Warnf(f, v...) }
func (l badgerLogger) Infof(f string, v ...interface{})    { l.s.Debugf(f, v...) }
func (l badgerLogger) Debugf(f string, v ...interface{})   { l.s.Debugf(f, v...) }
