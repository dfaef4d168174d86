// Package remote runs stored programs over a gRPC stream.
//
// The tendril.Runner service has one server-streaming method, Run. The
// client names a program by id; the server executes it and streams engine
// events back. Messages are JSON, so no generated protobuf code is needed.
package remote

import (
	"google.golang.org/grpc"

	"github.com/fortiblox/tendril/internal/types"
	"github.com/fortiblox/tendril/pkg/vm"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "tendril.Runner"

const runMethod = "/" + ServiceName + "/Run"

// RunRequest starts a remote run.
type RunRequest struct {
	ProgramID types.Hash `json:"programId"`

	// MaxSteps bounds the run. Zero means the server limit.
	MaxSteps uint64 `json:"maxSteps,omitempty"`

	// Every streams one event per Every steps. Zero or one streams all of
	// them. The terminal event is always sent.
	Every uint64 `json:"every,omitempty"`

	// ComputeBudget overrides the server default. Zero keeps it.
	ComputeBudget uint64 `json:"computeBudget,omitempty"`
}

// RunnerServer is the server API for the tendril.Runner service.
type RunnerServer interface {
	Run(*RunRequest, RunStream) error
}

// RunStream is the server side of a Run call.
type RunStream interface {
	Send(*vm.Event) error
	grpc.ServerStream
}

type runStream struct {
	grpc.ServerStream
}

func (s *runStream) Send(ev *vm.Event) error {
	return s.ServerStream.SendMsg(ev)
}

func runHandler(srv interface{}, stream grpc.ServerStream) error {
	req := new(RunRequest)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(RunnerServer).Run(req, &runStream{stream})
}

var runnerServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*RunnerServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Run",
			Handler:       runHandler,
			ServerStreams: true,
		},
	},
	Metadata: "tendril/runner.json",
}

// RegisterRunnerServer registers srv with a gRPC server.
func RegisterRunnerServer(s grpc.ServiceRegistrar, srv RunnerServer) {
	s.RegisterService(&runnerServiceDesc, srv)
}
