package trace

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/fortiblox/tendril/pkg/vm"
)

// DefaultBatchSize is the number of events a Recorder buffers before writing.
const DefaultBatchSize = 256

// Recorder is a vm.Observer that writes events to a Store in batches.
// Write failures are logged and counted; they never reach the engine.
type Recorder struct {
	store Store
	run   string
	batch int

	mu      sync.Mutex
	pending []vm.Event

	recorded atomic.Uint64
	failed   atomic.Uint64
}

var _ vm.Observer = (*Recorder)(nil)

// NewRecorder creates a recorder for run. A batch size <= 0 uses
// DefaultBatchSize.
func NewRecorder(store Store, run string, batch int) *Recorder {
	if batch <= 0 {
		batch = DefaultBatchSize
	}
	return &Recorder{
		store:   store,
		run:     run,
		batch:   batch,
		pending: make([]vm.Event, 0, batch),
	}
}

// Run returns the run id.
func (r *Recorder) Run() string {
	return r.run
}

// Observe implements vm.Observer.
func (r *Recorder) Observe(ev vm.Event) {
	r.mu.Lock()
	r.pending = append(r.pending, ev)
	full := len(r.pending) >= r.batch || ev.Status != vm.StatusRunning
	r.mu.Unlock()

	if full {
		r.Flush()
	}
}

// Flush writes buffered events.
func (r *Recorder) Flush() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.pending) == 0 {
		return
	}

	n := uint64(len(r.pending))
	if err := r.store.Append(r.run, r.pending...); err != nil {
		r.failed.Add(n)
		Logger().Warn("trace append failed",
			zap.String("run", r.run),
			zap.Uint64("events", n),
			zap.Error(err))
	} else {
		r.recorded.Add(n)
	}
	r.pending = r.pending[:0]
}

// Recorded returns the number of events written.
func (r *Recorder) Recorded() uint64 {
	return r.recorded.Load()
}

// Failed returns the number of events that could not be written.
func (r *Recorder) Failed() uint64 {
	return r.failed.Load()
}
