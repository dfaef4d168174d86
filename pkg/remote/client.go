package remote

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"

	"github.com/fortiblox/tendril/pkg/vm"
)

// Client errors.
var (
	ErrClosed = errors.New("remote client closed")
)

// Client calls a tendril.Runner service.
type Client struct {
	config Config
	conn   *grpc.ClientConn
	closed atomic.Bool
}

// Dial connects to the runner at config.Endpoint. Extra options are
// appended to the defaults.
func Dial(config Config, extra ...grpc.DialOption) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	kacp := keepalive.ClientParameters{
		Time:                config.KeepaliveTime,
		Timeout:             config.KeepaliveTimeout,
		PermitWithoutStream: true,
	}

	opts := []grpc.DialOption{
		grpc.WithKeepaliveParams(kacp),
		grpc.WithDefaultCallOptions(
			grpc.CallContentSubtype(codecName),
			grpc.MaxCallRecvMsgSize(config.MaxMessageSize),
			grpc.MaxCallSendMsgSize(config.MaxMessageSize),
		),
	}

	if config.UseTLS {
		opts = append(opts, grpc.WithTransportCredentials(
			credentials.NewTLS(&tls.Config{
				MinVersion: tls.VersionTLS12,
			}),
		))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	if config.Token != "" {
		opts = append(opts, grpc.WithPerRPCCredentials(&tokenAuth{
			token:      config.ExpandedToken(),
			requireTLS: config.UseTLS,
		}))
	}

	//nolint:staticcheck // Dial keeps passthrough resolution for plain host:port targets
	conn, err := grpc.Dial(config.Endpoint, append(opts, extra...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial gRPC: %w", err)
	}
	return &Client{config: config, conn: conn}, nil
}

// Run starts a remote run and calls fn for every streamed event. It returns
// when the stream ends, ctx is done, or fn returns an error.
func (c *Client) Run(ctx context.Context, req *RunRequest, fn func(vm.Event) error) error {
	if c.closed.Load() {
		return ErrClosed
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if len(c.config.Headers) > 0 {
		ctx = metadata.NewOutgoingContext(ctx, metadata.New(c.config.Headers))
	}

	stream, err := c.conn.NewStream(ctx, &runnerServiceDesc.Streams[0], runMethod)
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}
	if err := stream.SendMsg(req); err != nil {
		return fmt.Errorf("send run request: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return fmt.Errorf("close send: %w", err)
	}

	for {
		var ev vm.Event
		if err := stream.RecvMsg(&ev); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
}

// Close closes the connection.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.conn.Close()
}

// tokenAuth implements grpc.PerRPCCredentials for token authentication.
type tokenAuth struct {
	token      string
	requireTLS bool
}

// GetRequestMetadata returns the authentication metadata.
func (t *tokenAuth) GetRequestMetadata(ctx context.Context, uri ...string) (map[string]string, error) {
	return map[string]string{
		"x-token": t.token,
	}, nil
}

// RequireTransportSecurity returns whether TLS is required.
func (t *tokenAuth) RequireTransportSecurity() bool {
	return t.requireTLS
}
