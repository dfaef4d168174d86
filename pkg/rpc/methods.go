package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"

	"github.com/fortiblox/tendril/internal/types"
	"github.com/fortiblox/tendril/pkg/asm"
	"github.com/fortiblox/tendril/pkg/loader"
	"github.com/fortiblox/tendril/pkg/program"
	"github.com/fortiblox/tendril/pkg/progstore"
	"github.com/fortiblox/tendril/pkg/session"
	"github.com/fortiblox/tendril/pkg/vm"
)

// Parameter helpers

// parseArgs unmarshals positional params. Missing or null params yield no
// arguments.
func parseArgs(params json.RawMessage, required int) ([]json.RawMessage, *RPCError) {
	var args []json.RawMessage
	if len(params) > 0 && !bytes.Equal(params, []byte("null")) {
		if err := json.Unmarshal(params, &args); err != nil {
			return nil, InvalidParamsError("params must be an array")
		}
	}
	if len(args) < required {
		return nil, InvalidParamsErrorf("expected at least %d params, got %d", required, len(args))
	}
	return args, nil
}

// optionalArg unmarshals args[i] into v when present and not null.
func optionalArg(args []json.RawMessage, i int, name string, v interface{}) *RPCError {
	if i >= len(args) || bytes.Equal(args[i], []byte("null")) {
		return nil
	}
	if err := json.Unmarshal(args[i], v); err != nil {
		return InvalidParamsErrorf("invalid %s: %v", name, err)
	}
	return nil
}

func stringArg(args []json.RawMessage, i int, name string) (string, *RPCError) {
	var s string
	if err := json.Unmarshal(args[i], &s); err != nil {
		return "", InvalidParamsErrorf("invalid %s", name)
	}
	return s, nil
}

func programArg(args []json.RawMessage, i int) (types.Hash, *RPCError) {
	s, rpcErr := stringArg(args, i, "program id")
	if rpcErr != nil {
		return types.Hash{}, rpcErr
	}
	id, err := types.ParseHash(s)
	if err != nil {
		return types.Hash{}, InvalidParamsErrorf("invalid program id: %v", err)
	}
	return id, nil
}

func sessionIDArg(args []json.RawMessage, i int) (uuid.UUID, *RPCError) {
	s, rpcErr := stringArg(args, i, "session id")
	if rpcErr != nil {
		return uuid.Nil, rpcErr
	}
	id, err := parseSessionID(s)
	if err != nil {
		return uuid.Nil, InvalidParamsErrorf("invalid session id: %v", err)
	}
	return id, nil
}

// sessionArg resolves the session named by args[0].
func (s *Server) sessionArg(params json.RawMessage, required int) (*session.Session, []json.RawMessage, *RPCError) {
	args, rpcErr := parseArgs(params, required)
	if rpcErr != nil {
		return nil, nil, rpcErr
	}
	id, rpcErr := sessionIDArg(args, 0)
	if rpcErr != nil {
		return nil, nil, rpcErr
	}
	sess, err := s.sessions.Get(id)
	if err != nil {
		return nil, nil, toRPCError(err)
	}
	return sess, args, nil
}

// Node methods

func (s *Server) getHealth(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	if !s.IsHealthy() {
		return nil, ErrServerUnhealthy
	}
	return "ok", nil
}

func (s *Server) getVersion(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	info := VersionInfo{Tendril: Version}
	for op := 0; op < 256; op++ {
		if name, ok := vm.Mnemonic(uint8(op)); ok {
			info.Opcodes = append(info.Opcodes, name)
		}
	}
	return info, nil
}

// Program methods

// loadProgram decodes an executable file and stores it.
// Params: [data, {encoding, skipDigest}]
func (s *Server) loadProgram(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	args, rpcErr := parseArgs(params, 1)
	if rpcErr != nil {
		return nil, rpcErr
	}
	encoded, rpcErr := stringArg(args, 0, "data")
	if rpcErr != nil {
		return nil, rpcErr
	}
	var cfg LoadProgramConfig
	if rpcErr := optionalArg(args, 1, "config", &cfg); rpcErr != nil {
		return nil, rpcErr
	}

	data, err := DecodeData(encoded, cfg.Encoding)
	if err != nil {
		return nil, InvalidParamsErrorf("invalid data: %v", err)
	}

	l := loader.NewLoader()
	l.SkipDigest = cfg.SkipDigest
	p, err := l.Decode(data)
	if err != nil {
		return nil, toRPCError(err)
	}
	return s.storeProgram(p)
}

// assemble parses assembler source and stores the result.
// Params: [source]
func (s *Server) assemble(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	args, rpcErr := parseArgs(params, 1)
	if rpcErr != nil {
		return nil, rpcErr
	}
	src, rpcErr := stringArg(args, 0, "source")
	if rpcErr != nil {
		return nil, rpcErr
	}

	p, err := asm.Parse(src)
	if err != nil {
		return nil, toRPCError(err)
	}
	return s.storeProgram(p)
}

func (s *Server) storeProgram(p *program.Program) (interface{}, *RPCError) {
	id, err := s.programs.Put(p)
	if err != nil {
		return nil, toRPCError(err)
	}
	return ProgramResult{ID: id, Digest: p.Digest()}, nil
}

// getProgram describes a stored program.
// Params: [programId, {encoding, includeImage}]
func (s *Server) getProgram(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	args, rpcErr := parseArgs(params, 1)
	if rpcErr != nil {
		return nil, rpcErr
	}
	id, rpcErr := programArg(args, 0)
	if rpcErr != nil {
		return nil, rpcErr
	}
	var cfg ProgramConfig
	if rpcErr := optionalArg(args, 1, "config", &cfg); rpcErr != nil {
		return nil, rpcErr
	}

	p, err := s.programs.Get(id)
	if err != nil {
		return nil, toRPCError(err)
	}

	state := p.State()
	info := ProgramInfo{
		ID:          p.ID(),
		Digest:      p.Digest(),
		HashBang:    p.HashBang(),
		Headers:     p.Headers(),
		CodePointer: types.Address(uint16(state[0]) | uint16(state[1])<<8),
	}
	if cfg.IncludeImage {
		if info.Data, rpcErr = encodeProgram(p, cfg.Encoding); rpcErr != nil {
			return nil, rpcErr
		}
	}
	return info, nil
}

func encodeProgram(p *program.Program, encoding Encoding) ([]string, *RPCError) {
	file, err := loader.Encode(p, loader.Options{KeepHeaders: true})
	if err != nil {
		return nil, toRPCError(err)
	}
	data, err := EncodeData(file, encoding)
	if err != nil {
		return nil, InternalServerErrorf("encode program: %v", err)
	}
	return data, nil
}

func (s *Server) listPrograms(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	entries, err := s.programs.List()
	if err != nil {
		return nil, toRPCError(err)
	}
	if entries == nil {
		entries = []progstore.Entry{}
	}
	return entries, nil
}

// deleteProgram removes a stored program. Open sessions keep running.
// Params: [programId]
func (s *Server) deleteProgram(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	args, rpcErr := parseArgs(params, 1)
	if rpcErr != nil {
		return nil, rpcErr
	}
	id, rpcErr := programArg(args, 0)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if err := s.programs.Delete(id); err != nil {
		return nil, toRPCError(err)
	}
	return true, nil
}

// Session methods

// createSession starts a session for a stored program.
// Params: [programId, {trace, computeBudget}]
func (s *Server) createSession(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	args, rpcErr := parseArgs(params, 1)
	if rpcErr != nil {
		return nil, rpcErr
	}
	id, rpcErr := programArg(args, 0)
	if rpcErr != nil {
		return nil, rpcErr
	}
	var cfg SessionConfig
	if rpcErr := optionalArg(args, 1, "config", &cfg); rpcErr != nil {
		return nil, rpcErr
	}

	sess, err := s.sessions.Create(id, session.Options{
		Trace:         cfg.Trace,
		ComputeBudget: cfg.ComputeBudget,
	})
	if err != nil {
		return nil, toRPCError(err)
	}
	return sess.Info(), nil
}

func (s *Server) closeSession(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	args, rpcErr := parseArgs(params, 1)
	if rpcErr != nil {
		return nil, rpcErr
	}
	id, rpcErr := sessionIDArg(args, 0)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if err := s.sessions.Close(id); err != nil {
		return nil, toRPCError(err)
	}
	return true, nil
}

func (s *Server) listSessions(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	return s.sessions.List(), nil
}

func (s *Server) getSession(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	sess, _, rpcErr := s.sessionArg(params, 1)
	if rpcErr != nil {
		return nil, rpcErr
	}
	return sess.Info(), nil
}

// snapshotSession derives a program from live session memory.
// Params: [sessionId, {store, encoding}]
func (s *Server) snapshotSession(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	sess, args, rpcErr := s.sessionArg(params, 1)
	if rpcErr != nil {
		return nil, rpcErr
	}
	var cfg SnapshotConfig
	if rpcErr := optionalArg(args, 1, "config", &cfg); rpcErr != nil {
		return nil, rpcErr
	}

	p, err := sess.Snapshot()
	if err != nil {
		return nil, toRPCError(err)
	}
	res := SnapshotResult{ID: p.ID(), Digest: p.Digest()}
	if cfg.Store {
		if _, err := s.programs.Put(p); err != nil {
			return nil, toRPCError(err)
		}
		res.Stored = true
	}
	if cfg.Encoding != "" {
		if res.Data, rpcErr = encodeProgram(p, cfg.Encoding); rpcErr != nil {
			return nil, rpcErr
		}
	}
	return res, nil
}

// Execution methods

// step executes n instructions, one by default.
// Params: [sessionId, n]
func (s *Server) step(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	sess, args, rpcErr := s.sessionArg(params, 1)
	if rpcErr != nil {
		return nil, rpcErr
	}
	n := uint64(1)
	if rpcErr := optionalArg(args, 1, "count", &n); rpcErr != nil {
		return nil, rpcErr
	}
	if n == 0 {
		n = 1
	}
	if s.config.MaxRunSteps > 0 && n > s.config.MaxRunSteps {
		n = s.config.MaxRunSteps
	}
	return sess.Advance(ctx, n), nil
}

// run executes until the session stops, maxSteps is reached or the run
// timeout expires.
// Params: [sessionId, {maxSteps, computeBudget}]
func (s *Server) run(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	sess, args, rpcErr := s.sessionArg(params, 1)
	if rpcErr != nil {
		return nil, rpcErr
	}
	var cfg RunConfig
	if rpcErr := optionalArg(args, 1, "config", &cfg); rpcErr != nil {
		return nil, rpcErr
	}

	limit := cfg.MaxSteps
	if limit == 0 || (s.config.MaxRunSteps > 0 && limit > s.config.MaxRunSteps) {
		limit = s.config.MaxRunSteps
	}
	if cfg.ComputeBudget != nil {
		sess.SetComputeBudget(*cfg.ComputeBudget)
	}

	if s.config.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.RunTimeout)
		defer cancel()
	}
	return sess.Advance(ctx, limit), nil
}

// reset restarts a session from its program.
// Params: [sessionId]
func (s *Server) reset(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	sess, _, rpcErr := s.sessionArg(params, 1)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if err := sess.Reset(); err != nil {
		return nil, toRPCError(err)
	}
	return sess.Info(), nil
}

// Inspection methods

// readMemory returns a slice of session memory.
// Params: [sessionId, address, length, {encoding}]
func (s *Server) readMemory(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	sess, args, rpcErr := s.sessionArg(params, 3)
	if rpcErr != nil {
		return nil, rpcErr
	}
	var addr Address
	if rpcErr := optionalArg(args, 1, "address", &addr); rpcErr != nil {
		return nil, rpcErr
	}
	var length int
	if rpcErr := optionalArg(args, 2, "length", &length); rpcErr != nil {
		return nil, rpcErr
	}
	var cfg EncodingConfig
	if rpcErr := optionalArg(args, 3, "config", &cfg); rpcErr != nil {
		return nil, rpcErr
	}

	if length <= 0 || (s.config.MaxReadLength > 0 && length > s.config.MaxReadLength) {
		return nil, InvalidParamsErrorf("length must be between 1 and %d", s.config.MaxReadLength)
	}

	buf, err := sess.ReadMemory(uint16(addr), length)
	if err != nil {
		return nil, toRPCError(err)
	}
	data, err := EncodeData(buf, cfg.Encoding)
	if err != nil {
		return nil, InternalServerErrorf("encode memory: %v", err)
	}
	return MemoryResult{
		Address: types.Address(addr),
		Length:  length,
		Data:    data,
	}, nil
}

// disassemble decodes slots of session memory.
// Params: [sessionId, {from, count}]
func (s *Server) disassemble(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	sess, args, rpcErr := s.sessionArg(params, 1)
	if rpcErr != nil {
		return nil, rpcErr
	}
	var cfg DisassembleConfig
	if rpcErr := optionalArg(args, 1, "config", &cfg); rpcErr != nil {
		return nil, rpcErr
	}

	count := cfg.Count
	if count <= 0 {
		count = 16
	}
	if s.config.MaxDisassemble > 0 && count > s.config.MaxDisassemble {
		count = s.config.MaxDisassemble
	}
	from := sess.Info().CodePointer
	if cfg.From != nil {
		from = uint16(*cfg.From)
	}

	mem, err := sess.ReadMemory(0, vm.MemorySize)
	if err != nil {
		return nil, toRPCError(err)
	}
	return asm.Disassemble(mem, from, count), nil
}

// getTrace returns recorded events. The trace of a closed session stays
// readable by its id.
// Params: [sessionId, {from, limit}]
func (s *Server) getTrace(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	args, rpcErr := parseArgs(params, 1)
	if rpcErr != nil {
		return nil, rpcErr
	}
	id, rpcErr := sessionIDArg(args, 0)
	if rpcErr != nil {
		return nil, rpcErr
	}
	var cfg TraceConfig
	if rpcErr := optionalArg(args, 1, "config", &cfg); rpcErr != nil {
		return nil, rpcErr
	}

	traces := s.sessions.Traces()
	if traces == nil {
		return nil, ErrTraceNotAvailable
	}

	run := id.String()
	sess, getErr := s.sessions.Get(id)
	switch {
	case getErr == nil:
		if sess.TraceRun() == "" {
			return nil, ErrTraceNotAvailable
		}
		run = sess.TraceRun()
	case !errors.Is(getErr, session.ErrSessionNotFound):
		return nil, toRPCError(getErr)
	}

	total, err := traces.Count(run)
	if err != nil {
		return nil, toRPCError(err)
	}
	if sess == nil && total == 0 {
		return nil, toRPCError(getErr)
	}

	limit := cfg.Limit
	if limit <= 0 || (s.config.MaxTraceEvents > 0 && limit > s.config.MaxTraceEvents) {
		limit = s.config.MaxTraceEvents
	}
	events, err := traces.Range(run, cfg.From, limit)
	if err != nil {
		return nil, toRPCError(err)
	}
	if events == nil {
		events = []vm.Event{}
	}
	return TraceResult{Run: run, Total: total, Events: events}, nil
}
