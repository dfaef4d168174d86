package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fortiblox/tendril/pkg/loader"
	"github.com/fortiblox/tendril/pkg/trace"
	"github.com/fortiblox/tendril/pkg/vm"
)

// Exit statuses of run besides 0 (halted) and 1 (fault or error).
const (
	exitLimit    = 3
	exitBudget   = 4
	exitCanceled = 130
)

func runCmd(args []string, logger *zap.Logger) error {
	fs := newFlagSet("run", "<file>")
	var (
		maxSteps = fs.Uint64("max-steps", 0, "Stop after this many instructions (0 = no limit)")
		budget   = fs.Uint64("budget", 0, "Compute budget in units (0 = unlimited)")
		timeout  = fs.Duration("timeout", 0, "Stop after this long (0 = no limit)")
		quiet    = fs.Bool("quiet", false, "Suppress DBG output")
		traceDir = fs.String("trace-dir", "", "Record every step to a trace store in this directory")
		snapshot = fs.String("snapshot", "", "Save final memory as an executable to this path")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}
	path, err := oneArg(fs)
	if err != nil {
		return err
	}

	p, err := loadProgram(path)
	if err != nil {
		return err
	}

	var tracer vm.Tracer = vm.WriterTracer(os.Stdout)
	if *quiet {
		tracer = vm.WriterTracer(io.Discard)
	}
	opts := []vm.Option{vm.WithTracer(tracer), vm.WithComputeBudget(*budget)}

	var recorder *trace.Recorder
	if *traceDir != "" {
		cfg := trace.DefaultBadgerConfig(*traceDir)
		cfg.Logger = logger.Named("badger")
		store, err := trace.OpenBadger(cfg)
		if err != nil {
			return err
		}
		defer store.Close()
		recorder = trace.NewRecorder(store, uuid.NewString(), trace.DefaultBatchSize)
		opts = append(opts, vm.WithObserver(recorder))
	}

	engine := vm.New(p, opts...)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if *timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}

	start := time.Now()
	status, runErr := engine.Run(ctx, *maxSteps)
	if recorder != nil {
		recorder.Flush()
		fmt.Fprintf(os.Stderr, "trace %s: %d events\n", recorder.Run(), recorder.Recorded())
	}
	logger.Info("run finished",
		zap.Stringer("program", p.ID()),
		zap.Stringer("status", status),
		zap.Uint64("steps", engine.Steps()),
		zap.Duration("took", time.Since(start)))

	if *snapshot != "" {
		snap, err := engine.Snapshot()
		if err != nil {
			return err
		}
		if err := loader.Save(*snapshot, snap, loader.Options{Compress: true, Digest: true}); err != nil {
			return err
		}
	}

	return runOutcome(os.Stderr, engine, status, runErr)
}

// runOutcome reports how a run ended and picks the exit status.
func runOutcome(w io.Writer, engine *vm.Engine, status vm.Status, err error) error {
	steps := engine.Steps()
	var fault *vm.Fault
	switch {
	case errors.As(err, &fault):
		return err
	case errors.Is(err, vm.ErrComputeExceeded):
		fmt.Fprintf(w, "compute budget exceeded after %d steps at 0x%04x\n", steps, engine.CodePointer())
		return exitError(exitBudget)
	case err != nil:
		fmt.Fprintf(w, "stopped after %d steps at 0x%04x: %v\n", steps, engine.CodePointer(), err)
		return exitError(exitCanceled)
	case status == vm.StatusHalted:
		return nil
	default:
		fmt.Fprintf(w, "step limit reached after %d steps at 0x%04x\n", steps, engine.CodePointer())
		return exitError(exitLimit)
	}
}
