package remote

import (
	"context"
	"crypto/subtle"
	"errors"
	"net"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/fortiblox/tendril/pkg/progstore"
	"github.com/fortiblox/tendril/pkg/vm"
)

// Server implements RunnerServer on top of a program store.
type Server struct {
	config   ServerConfig
	programs progstore.Store
	logger   *zap.Logger
}

var _ RunnerServer = (*Server)(nil)

// NewServer creates a runner service.
func NewServer(config ServerConfig, programs progstore.Store, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		config:   config,
		programs: programs,
		logger:   logger,
	}
}

// GRPCServer returns a gRPC server with the runner service registered and
// token checks installed.
func (s *Server) GRPCServer(opts ...grpc.ServerOption) *grpc.Server {
	base := []grpc.ServerOption{
		grpc.StreamInterceptor(s.authInterceptor),
	}
	if s.config.MaxMessageSize > 0 {
		base = append(base,
			grpc.MaxRecvMsgSize(s.config.MaxMessageSize),
			grpc.MaxSendMsgSize(s.config.MaxMessageSize))
	}
	gs := grpc.NewServer(append(base, opts...)...)
	RegisterRunnerServer(gs, s)
	return gs
}

// Serve serves the runner on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener, opts ...grpc.ServerOption) error {
	gs := s.GRPCServer(opts...)
	go func() {
		<-ctx.Done()
		gs.GracefulStop()
	}()

	s.logger.Info("runner starting", zap.String("addr", ln.Addr().String()))
	if err := gs.Serve(ln); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

func (s *Server) authInterceptor(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	if s.config.Token == "" {
		return handler(srv, ss)
	}
	md, _ := metadata.FromIncomingContext(ss.Context())
	tokens := md.Get("x-token")
	if len(tokens) == 0 || subtle.ConstantTimeCompare([]byte(tokens[0]), []byte(expandEnv(s.config.Token))) != 1 {
		return status.Error(codes.Unauthenticated, "invalid or missing x-token")
	}
	return handler(srv, ss)
}

// Run executes the requested program and streams its events.
func (s *Server) Run(req *RunRequest, stream RunStream) error {
	ctx := stream.Context()

	p, err := s.programs.Get(req.ProgramID)
	if err != nil {
		if errors.Is(err, progstore.ErrProgramNotFound) {
			return status.Errorf(codes.NotFound, "program %s not found", req.ProgramID)
		}
		return status.Errorf(codes.Internal, "load program: %v", err)
	}

	limit := req.MaxSteps
	if limit == 0 || (s.config.MaxSteps > 0 && limit > s.config.MaxSteps) {
		limit = s.config.MaxSteps
	}
	budget := req.ComputeBudget
	if budget == 0 {
		budget = s.config.ComputeBudget
	}
	every := req.Every
	if every == 0 {
		every = 1
	}

	var (
		last    vm.Event
		sent    bool
		sendErr error
	)
	observer := vm.ObserverFunc(func(ev vm.Event) {
		last, sent = ev, false
		if sendErr != nil {
			return
		}
		if ev.Step%every == 0 || ev.Status != vm.StatusRunning {
			sendErr = stream.Send(&ev)
			sent = true
		}
	})
	engine := vm.New(p, vm.WithObserver(observer), vm.WithComputeBudget(budget))

	log := s.logger.With(zap.Stringer("program", p.ID()))
	log.Debug("remote run started", zap.Uint64("limit", limit), zap.Uint64("every", every))

	var (
		n       uint64
		stepErr error
	)
	for limit == 0 || n < limit {
		if err := ctx.Err(); err != nil {
			log.Debug("remote run canceled", zap.Uint64("steps", engine.Steps()))
			return status.FromContextError(err).Err()
		}
		var st vm.Status
		st, stepErr = engine.Step()
		if sendErr != nil {
			return sendErr
		}
		if stepErr != nil || st != vm.StatusRunning {
			break
		}
		n++
	}

	// The event of the last executed step ends the stream.
	if engine.Steps() > 0 && !sent && last.Step > 0 {
		if err := stream.Send(&last); err != nil {
			return err
		}
	}
	log.Debug("remote run finished",
		zap.Stringer("status", engine.Status()),
		zap.Uint64("steps", engine.Steps()))

	// A step limit ends the stream cleanly on a running event; an exhausted
	// budget is reported so clients can tell the two apart.
	if errors.Is(stepErr, vm.ErrComputeExceeded) {
		return status.Errorf(codes.ResourceExhausted, "compute budget exhausted after %d steps", engine.Steps())
	}
	return nil
}
