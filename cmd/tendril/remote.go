package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/fortiblox/tendril/internal/types"
	"github.com/fortiblox/tendril/pkg/remote"
	"github.com/fortiblox/tendril/pkg/vm"
)

func remoteCmd(args []string, logger *zap.Logger) error {
	fs := newFlagSet("remote", "<programId>")
	var (
		addr     = fs.String("addr", "localhost:8900", "Runner address")
		token    = fs.String("token", "", "Access token; ${VAR} is expanded from the environment")
		useTLS   = fs.Bool("tls", false, "Connect with TLS")
		every    = fs.Uint64("every", 0, "Stream one event per this many steps (0 = all)")
		maxSteps = fs.Uint64("max-steps", 0, "Stop after this many instructions (0 = server limit)")
		budget   = fs.Uint64("budget", 0, "Compute budget in units (0 = server default)")
		asJSON   = fs.Bool("json", false, "Print events as JSON lines")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}
	arg, err := oneArg(fs)
	if err != nil {
		return err
	}
	id, err := types.ParseHash(arg)
	if err != nil {
		return fmt.Errorf("program id: %w", err)
	}

	cfg := remote.DefaultConfig()
	cfg.Endpoint = *addr
	cfg.Token = *token
	cfg.UseTLS = *useTLS

	client, err := remote.Dial(cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	enc := json.NewEncoder(os.Stdout)
	var last vm.Event
	err = client.Run(ctx, &remote.RunRequest{
		ProgramID:     id,
		MaxSteps:      *maxSteps,
		Every:         *every,
		ComputeBudget: *budget,
	}, func(ev vm.Event) error {
		last = ev
		if *asJSON {
			return enc.Encode(ev)
		}
		_, err := fmt.Println(formatEvent(ev))
		return err
	})

	logger.Info("remote run finished",
		zap.String("addr", *addr),
		zap.Stringer("program", id),
		zap.Uint64("steps", last.Step),
		zap.Stringer("status", last.Status),
		zap.Error(err))
	return remoteOutcome(os.Stderr, last, err)
}

// remoteOutcome maps the end of a remote stream to the exit statuses of run.
func remoteOutcome(w io.Writer, last vm.Event, err error) error {
	switch {
	case status.Code(err) == codes.ResourceExhausted:
		fmt.Fprintf(w, "compute budget exceeded after %d steps at 0x%04x\n", last.Step, last.Next)
		return exitError(exitBudget)
	case status.Code(err) == codes.Canceled:
		fmt.Fprintf(w, "stopped after %d steps at 0x%04x\n", last.Step, last.Next)
		return exitError(exitCanceled)
	case err != nil:
		return err
	case last.Status == vm.StatusFaulted:
		return fmt.Errorf("remote run: %s", last.Fault)
	case last.Status == vm.StatusHalted:
		return nil
	default:
		fmt.Fprintf(w, "step limit reached after %d steps at 0x%04x\n", last.Step, last.Next)
		return exitError(exitLimit)
	}
}

func formatEvent(ev vm.Event) string {
	s := fmt.Sprintf("%8d  0x%04x  op=0x%02x  next=0x%04x  %s", ev.Step, ev.CodePointer, ev.Opcode, ev.Next, ev.Status)
	if ev.Fault != "" {
		s += "  " + ev.Fault
	}
	return s
}
