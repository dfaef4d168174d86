package remote

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/fortiblox/tendril/internal/types"
	"github.com/fortiblox/tendril/pkg/asm"
	"github.com/fortiblox/tendril/pkg/progstore"
	"github.com/fortiblox/tendril/pkg/vm"
)

// startRunner serves a runner over an in-process listener.
func startRunner(t *testing.T, cfg ServerConfig, clientCfg Config) (*Client, *progstore.MemoryStore) {
	t.Helper()

	programs := progstore.NewMemoryStore()
	ln := bufconn.Listen(1 << 20)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewServer(cfg, programs, nil).Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Serve() = %v", err)
		}
	})

	clientCfg.Endpoint = "bufnet"
	client, err := Dial(clientCfg, grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return ln.DialContext(ctx)
	}))
	if err != nil {
		t.Fatalf("Dial() failed: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client, programs
}

func putProgram(t *testing.T, programs *progstore.MemoryStore, src string) types.Hash {
	t.Helper()
	p, err := asm.Parse(src)
	if err != nil {
		t.Fatalf("Parse() failed: %v", err)
	}
	id, err := programs.Put(p)
	if err != nil {
		t.Fatalf("Put() failed: %v", err)
	}
	return id
}

// countdown runs ten iterations of three instructions, then halts.
const countdown = `
.org 0x100
one:  .word 1
left: .word 10
.org 8
loop: SUB left, one, left
      CJP 2, left, 0xFFFFFFFF
      JMP 0xFFFF
      JMP loop
`

func collect(t *testing.T, client *Client, req *RunRequest) ([]vm.Event, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var events []vm.Event
	err := client.Run(ctx, req, func(ev vm.Event) error {
		events = append(events, ev)
		return nil
	})
	return events, err
}

func TestRunStreamsEvents(t *testing.T) {
	client, programs := startRunner(t, DefaultServerConfig(), DefaultConfig())
	id := putProgram(t, programs, countdown)

	tests := []struct {
		name      string
		every     uint64
		wantCount int
	}{
		// 9 loops of SUB, CJP, JMP plus SUB, CJP, JMP 0xFFFF.
		{"every step", 0, 30},
		{"every tenth", 10, 3},
		{"every seventh", 7, 5}, // 7, 14, 21, 28 and the terminal step 30
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events, err := collect(t, client, &RunRequest{ProgramID: id, Every: tt.every})
			if err != nil {
				t.Fatalf("Run() failed: %v", err)
			}
			if len(events) != tt.wantCount {
				t.Fatalf("Run() streamed %d events, want %d", len(events), tt.wantCount)
			}
			last := events[len(events)-1]
			if last.Status != vm.StatusHalted || last.Step != 30 || last.Next != vm.PEnd {
				t.Errorf("terminal event = %+v, want halted at step 30", last)
			}
		})
	}
}

func TestRunLimits(t *testing.T) {
	client, programs := startRunner(t, DefaultServerConfig(), DefaultConfig())
	id := putProgram(t, programs, countdown)

	events, err := collect(t, client, &RunRequest{ProgramID: id, MaxSteps: 4, Every: 3})
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if len(events) != 2 || events[1].Step != 4 || events[1].Status != vm.StatusRunning {
		t.Errorf("limited run = %+v, want steps 3 and 4", events)
	}

	events, err = collect(t, client, &RunRequest{ProgramID: id, ComputeBudget: 5, Every: 100})
	if status.Code(err) != codes.ResourceExhausted {
		t.Fatalf("budget run error = %v, want ResourceExhausted", err)
	}
	if len(events) != 1 || events[0].Step != 5 || events[0].Status != vm.StatusRunning {
		t.Errorf("budget run = %+v, want one event at step 5", events)
	}
}

func TestRunFault(t *testing.T) {
	client, programs := startRunner(t, DefaultServerConfig(), DefaultConfig())
	id := putProgram(t, programs, "NOP\nMOD 0x100, 0x104, 0x108")

	events, err := collect(t, client, &RunRequest{ProgramID: id, Every: 100})
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("Run() streamed %d events, want 1", len(events))
	}
	ev := events[0]
	if ev.Status != vm.StatusFaulted || ev.CodePointer != 0x10 || ev.Fault == "" {
		t.Errorf("fault event = %+v, want fault at 0x0010", ev)
	}
}

func TestRunUnknownProgram(t *testing.T) {
	client, _ := startRunner(t, DefaultServerConfig(), DefaultConfig())

	_, err := collect(t, client, &RunRequest{})
	if status.Code(err) != codes.NotFound {
		t.Errorf("Run() error = %v, want NotFound", err)
	}
}

func TestRunCallbackError(t *testing.T) {
	client, programs := startRunner(t, DefaultServerConfig(), DefaultConfig())
	id := putProgram(t, programs, "loop: JMP loop")

	stop := errors.New("stop")
	n := 0
	err := client.Run(context.Background(), &RunRequest{ProgramID: id, MaxSteps: 0}, func(vm.Event) error {
		n++
		if n == 5 {
			return stop
		}
		return nil
	})
	if !errors.Is(err, stop) {
		t.Errorf("Run() error = %v, want %v", err, stop)
	}
}

func TestTokenAuth(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.Token = "secret"

	client, programs := startRunner(t, cfg, DefaultConfig())
	id := putProgram(t, programs, countdown)
	if _, err := collect(t, client, &RunRequest{ProgramID: id}); status.Code(err) != codes.Unauthenticated {
		t.Errorf("Run() without token error = %v, want Unauthenticated", err)
	}

	t.Setenv("RUNNER_TOKEN", "secret")
	clientCfg := DefaultConfig()
	clientCfg.Token = "${RUNNER_TOKEN}"
	authed, programs := startRunner(t, cfg, clientCfg)
	id = putProgram(t, programs, countdown)
	if _, err := collect(t, authed, &RunRequest{ProgramID: id}); err != nil {
		t.Errorf("Run() with token failed: %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr error
	}{
		{"valid", func(c *Config) { c.Endpoint = "localhost:9900" }, nil},
		{"no endpoint", func(c *Config) {}, ErrNoEndpoint},
		{"bad message size", func(c *Config) { c.Endpoint = "x"; c.MaxMessageSize = 0 }, ErrInvalidConfig},
		{"bad keepalive", func(c *Config) { c.Endpoint = "x"; c.KeepaliveTime = 0 }, ErrInvalidConfig},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(&cfg)
			err := cfg.Validate()
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}
