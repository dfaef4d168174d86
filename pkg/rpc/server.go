package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fortiblox/tendril/pkg/progstore"
	"github.com/fortiblox/tendril/pkg/session"
)

// Config holds RPC server configuration.
type Config struct {
	// Addr is the listen address (host:port).
	Addr string

	// ReadTimeout is the maximum duration for reading the entire request.
	ReadTimeout time.Duration

	// WriteTimeout is the maximum duration before timing out writes of the response.
	WriteTimeout time.Duration

	// MaxRequestSize is the maximum allowed request body size in bytes.
	MaxRequestSize int64

	// EnableCORS enables CORS headers for browser access.
	EnableCORS bool

	// AllowedOrigins specifies allowed CORS origins (empty means all).
	AllowedOrigins []string

	// LogRequests enables request logging.
	LogRequests bool

	// RunTimeout bounds a single run call.
	RunTimeout time.Duration

	// MaxRunSteps caps the instructions a single run or step call executes.
	MaxRunSteps uint64

	// MaxReadLength caps readMemory.
	MaxReadLength int

	// MaxDisassemble caps the slots returned by disassemble.
	MaxDisassemble int

	// MaxTraceEvents caps the events returned by getTrace.
	MaxTraceEvents int
}

// DefaultConfig returns a default RPC server configuration.
func DefaultConfig() Config {
	return Config{
		Addr:           ":8899",
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   30 * time.Second,
		MaxRequestSize: 8 * 1024 * 1024, // 8MB, room for a base64 executable
		EnableCORS:     true,
		LogRequests:    false,
		RunTimeout:     10 * time.Second,
		MaxRunSteps:    10_000_000,
		MaxReadLength:  1 << 16,
		MaxDisassemble: 1024,
		MaxTraceEvents: 10_000,
	}
}

// Server is the JSON-RPC 2.0 server.
type Server struct {
	config Config
	logger *zap.Logger

	// Dependencies
	programs progstore.Store
	sessions *session.Manager

	healthy  bool
	healthMu sync.RWMutex

	server *http.Server

	handlers map[string]handlerFunc

	mu      sync.RWMutex
	running bool
}

// handlerFunc is a JSON-RPC method handler.
type handlerFunc func(ctx context.Context, params json.RawMessage) (interface{}, *RPCError)

// New creates a new RPC server.
func New(config Config, programs progstore.Store, sessions *session.Manager, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		config:   config,
		logger:   logger,
		programs: programs,
		sessions: sessions,
		healthy:  true,
		handlers: make(map[string]handlerFunc),
	}

	s.registerHandlers()

	return s
}

// registerHandlers registers all RPC method handlers.
func (s *Server) registerHandlers() {
	s.handlers["getHealth"] = s.getHealth
	s.handlers["getVersion"] = s.getVersion

	// Program methods
	s.handlers["loadProgram"] = s.loadProgram
	s.handlers["assemble"] = s.assemble
	s.handlers["getProgram"] = s.getProgram
	s.handlers["listPrograms"] = s.listPrograms
	s.handlers["deleteProgram"] = s.deleteProgram

	// Session methods
	s.handlers["createSession"] = s.createSession
	s.handlers["closeSession"] = s.closeSession
	s.handlers["listSessions"] = s.listSessions
	s.handlers["getSession"] = s.getSession
	s.handlers["snapshotSession"] = s.snapshotSession

	// Execution methods
	s.handlers["step"] = s.step
	s.handlers["run"] = s.run
	s.handlers["reset"] = s.reset

	// Inspection methods
	s.handlers["readMemory"] = s.readMemory
	s.handlers["disassemble"] = s.disassemble
	s.handlers["getTrace"] = s.getTrace
}

// Handler returns the HTTP handler serving JSON-RPC requests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRPC)
	return s.corsMiddleware(mux)
}

// Start listens on config.Addr and serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.config.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		ln.Close()
		return fmt.Errorf("server already running")
	}
	s.running = true
	s.server = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}
	srv := s.server
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("rpc server starting", zap.String("addr", ln.Addr().String()))

	err := srv.Serve(ln)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop stops the RPC server.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}

	s.running = false
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(ctx)
	}
	return nil
}

// SetHealthy sets the server health status.
func (s *Server) SetHealthy(healthy bool) {
	s.healthMu.Lock()
	s.healthy = healthy
	s.healthMu.Unlock()
}

// IsHealthy returns the current health status.
func (s *Server) IsHealthy() bool {
	s.healthMu.RLock()
	defer s.healthMu.RUnlock()
	return s.healthy
}

// corsMiddleware adds CORS headers if enabled.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	if !s.config.EnableCORS {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			allowed := len(s.config.AllowedOrigins) == 0
			for _, allowedOrigin := range s.config.AllowedOrigins {
				if allowedOrigin == origin || allowedOrigin == "*" {
					allowed = true
					break
				}
			}

			if allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
				w.Header().Set("Access-Control-Max-Age", "3600")
			}
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// handleRPC handles incoming JSON-RPC requests.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	contentType := r.Header.Get("Content-Type")
	if contentType != "" && contentType != "application/json" {
		s.writeError(w, nil, ErrInvalidRequest)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, s.config.MaxRequestSize))
	if err != nil {
		s.writeError(w, nil, ErrParseError)
		return
	}

	if len(body) > 0 && body[0] == '[' {
		s.handleBatchRequest(r.Context(), w, body)
		return
	}

	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, nil, ErrParseError)
		return
	}

	if req.JSONRPC != JSONRPCVersion {
		s.writeError(w, req.ID, ErrInvalidRequest)
		return
	}

	result, rpcErr := s.dispatch(r.Context(), req.Method, req.Params)
	if rpcErr != nil {
		s.writeError(w, req.ID, rpcErr)
		return
	}

	s.writeResult(w, req.ID, result)
}

// handleBatchRequest handles batch JSON-RPC requests.
func (s *Server) handleBatchRequest(ctx context.Context, w http.ResponseWriter, body []byte) {
	var requests []Request
	if err := json.Unmarshal(body, &requests); err != nil {
		s.writeError(w, nil, ErrParseError)
		return
	}

	if len(requests) == 0 {
		s.writeError(w, nil, ErrInvalidRequest)
		return
	}

	responses := make([]Response, len(requests))
	for i, req := range requests {
		responses[i] = Response{JSONRPC: JSONRPCVersion, ID: req.ID}
		if req.JSONRPC != JSONRPCVersion {
			responses[i].Error = ErrInvalidRequest
			continue
		}

		result, rpcErr := s.dispatch(ctx, req.Method, req.Params)
		if rpcErr != nil {
			responses[i].Error = rpcErr
		} else {
			responses[i].Result = result
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(responses)
}

// dispatch routes RPC methods to their handlers.
func (s *Server) dispatch(ctx context.Context, method string, params json.RawMessage) (interface{}, *RPCError) {
	handler, ok := s.handlers[method]
	if !ok {
		return nil, NewRPCError(MethodNotFound, fmt.Sprintf("Method not found: %s", method))
	}

	start := time.Now()
	result, rpcErr := handler(ctx, params)
	if s.config.LogRequests {
		fields := []zap.Field{zap.String("method", method), zap.Duration("took", time.Since(start))}
		if rpcErr != nil {
			fields = append(fields, zap.Int("code", rpcErr.Code), zap.String("error", rpcErr.Message))
		}
		s.logger.Info("rpc request", fields...)
	}
	return result, rpcErr
}

// writeResult writes a successful response.
func (s *Server) writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	resp := Response{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Result:  result,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// writeError writes an error response.
func (s *Server) writeError(w http.ResponseWriter, id interface{}, err *RPCError) {
	resp := Response{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Error:   err,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
