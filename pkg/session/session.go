// Package session manages live engines addressed by UUID.
package session

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fortiblox/tendril/internal/types"
	"github.com/fortiblox/tendril/pkg/program"
	"github.com/fortiblox/tendril/pkg/progstore"
	"github.com/fortiblox/tendril/pkg/trace"
	"github.com/fortiblox/tendril/pkg/vm"
)

var (
	// ErrSessionNotFound is returned for unknown session ids.
	ErrSessionNotFound = errors.New("session not found")

	// ErrTooManySessions is returned when the session limit is reached.
	ErrTooManySessions = errors.New("too many sessions")

	// ErrNoTraceStore is returned when tracing is requested without a store.
	ErrNoTraceStore = errors.New("trace store not configured")

	// ErrInvalidRange is returned for memory reads past the end of memory.
	ErrInvalidRange = errors.New("invalid memory range")
)

// Stop reasons reported in Result.
const (
	StopHalted   = "halted"
	StopFaulted  = "faulted"
	StopLimit    = "limit"
	StopBudget   = "budget"
	StopCanceled = "canceled"
)

// Config holds manager configuration.
type Config struct {
	// MaxSessions bounds concurrently open sessions. Zero means unlimited.
	MaxSessions int

	// ComputeBudget is the default per-session compute budget. Zero means unlimited.
	ComputeBudget uint64

	// MaxDebugLines bounds the DBG lines buffered per session between reads.
	MaxDebugLines int

	// TraceBatch is the recorder batch size.
	TraceBatch int
}

// DefaultConfig returns the default manager configuration.
func DefaultConfig() Config {
	return Config{
		MaxSessions:   256,
		ComputeBudget: 0,
		MaxDebugLines: 1024,
		TraceBatch:    trace.DefaultBatchSize,
	}
}

// Options configures a new session.
type Options struct {
	// Trace records every step to the trace store.
	Trace bool

	// ComputeBudget overrides Config.ComputeBudget when non-zero.
	ComputeBudget uint64
}

// Manager owns the live sessions.
type Manager struct {
	programs progstore.Store
	traces   trace.Store
	config   Config
	logger   *zap.Logger

	mu       sync.RWMutex
	sessions map[uuid.UUID]*Session
}

// NewManager creates a session manager. traces may be nil.
func NewManager(programs progstore.Store, traces trace.Store, config Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		programs: programs,
		traces:   traces,
		config:   config,
		logger:   logger,
		sessions: make(map[uuid.UUID]*Session),
	}
}

// Traces returns the trace store, or nil.
func (m *Manager) Traces() trace.Store {
	return m.traces
}

// Create starts a session for a stored program.
func (m *Manager) Create(programID types.Hash, opts Options) (*Session, error) {
	p, err := m.programs.Get(programID)
	if err != nil {
		return nil, err
	}
	return m.CreateFrom(p, opts)
}

// CreateFrom starts a session for p without consulting the program store.
func (m *Manager) CreateFrom(p *program.Program, opts Options) (*Session, error) {
	if opts.Trace && m.traces == nil {
		return nil, ErrNoTraceStore
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.config.MaxSessions > 0 && len(m.sessions) >= m.config.MaxSessions {
		return nil, fmt.Errorf("%w: limit %d", ErrTooManySessions, m.config.MaxSessions)
	}

	s := &Session{
		id:       uuid.New(),
		created:  time.Now().UTC(),
		maxDebug: m.config.MaxDebugLines,
		traces:   m.traces,
	}
	s.logger = m.logger.With(zap.String("session", s.id.String()))

	budget := opts.ComputeBudget
	if budget == 0 {
		budget = m.config.ComputeBudget
	}
	vmOpts := []vm.Option{
		vm.WithTracer(vm.TracerFunc(s.debug)),
		vm.WithComputeBudget(budget),
	}
	if opts.Trace {
		s.recorder = trace.NewRecorder(m.traces, s.id.String(), m.config.TraceBatch)
		vmOpts = append(vmOpts, vm.WithObserver(s.recorder))
	}
	s.engine = vm.New(p, vmOpts...)

	m.sessions[s.id] = s
	s.logger.Info("session created",
		zap.Stringer("program", p.ID()),
		zap.Bool("trace", opts.Trace))
	return s, nil
}

// Get returns a session by id.
func (m *Manager) Get(id uuid.UUID) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s, nil
}

// Close ends a session. Its trace, if any, stays in the trace store.
func (m *Manager) Close(id uuid.UUID) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	s.close()
	return nil
}

// CloseAll ends every session.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[uuid.UUID]*Session)
	m.mu.Unlock()
	for _, s := range sessions {
		s.close()
	}
}

// List returns info for every session, oldest first.
func (m *Manager) List() []Info {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	infos := make([]Info, len(sessions))
	for i, s := range sessions {
		infos[i] = s.Info()
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Created.Before(infos[j].Created)
	})
	return infos
}

// Len returns the number of open sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
