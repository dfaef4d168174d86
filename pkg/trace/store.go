// Package trace records engine step events.
package trace

import (
	"errors"

	"github.com/fortiblox/tendril/pkg/vm"
)

var (
	// ErrClosed is returned when operating on a closed store.
	ErrClosed = errors.New("trace store closed")

	// ErrInvalidRun is returned for empty or oversized run ids.
	ErrInvalidRun = errors.New("invalid run id")
)

// MaxRunLength bounds run id length in bytes.
const MaxRunLength = 255

// Store persists step events grouped by run.
type Store interface {
	// Append stores events for run. Events are keyed by their Step, so
	// re-appending a step overwrites it.
	Append(run string, events ...vm.Event) error
	// Range returns up to limit events with Step >= from, in step order.
	// A limit <= 0 returns all of them.
	Range(run string, from uint64, limit int) ([]vm.Event, error)
	Count(run string) (uint64, error)
	Runs() ([]string, error)
	DeleteRun(run string) error
	Close() error
}

func validRun(run string) error {
	if run == "" || len(run) > MaxRunLength {
		return ErrInvalidRun
	}
	return nil
}
