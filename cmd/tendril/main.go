// Tendril: a register-less bytecode virtual machine.
//
// This is the command-line driver. It runs, debugs, assembles and inspects
// tendril executables, manages a local program store, and serves the
// JSON-RPC and gRPC interfaces.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fortiblox/tendril/internal/types"
	"github.com/fortiblox/tendril/pkg/asm"
	"github.com/fortiblox/tendril/pkg/loader"
	"github.com/fortiblox/tendril/pkg/program"
	"github.com/fortiblox/tendril/pkg/rpc"
	"github.com/fortiblox/tendril/pkg/trace"
	"github.com/fortiblox/tendril/pkg/vm"
)

// Version information
var (
	Version   = "0.1.0"
	GitCommit = "dev"
)

// errUsage reports a command line the subcommand already explained.
var errUsage = errors.New("usage")

type command struct {
	usage string
	run   func(args []string, logger *zap.Logger) error
}

var commands = map[string]command{
	"run":     {"run [flags] <file>          execute a program", runCmd},
	"debug":   {"debug [flags] <file>        step through a program", debugCmd},
	"asm":     {"asm [flags] <source>        assemble source into an executable", asmCmd},
	"disasm":  {"disasm [flags] <file>       disassemble a program", disasmCmd},
	"inspect": {"inspect <file>              show program id, digest and headers", inspectCmd},
	"store":   {"store [flags] <op> [args]   manage the program store", storeCmd},
	"serve":   {"serve [flags]               serve JSON-RPC, gRPC and the dashboard", serveCmd},
	"remote":  {"remote [flags] <programId>  run a stored program on a server", remoteCmd},
	"version": {"version                     print version and exit", versionCmd},
}

var (
	logLevel = flag.String("log-level", "warn", "Log level: debug, info, warn, error")
)

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: tendril [-log-level level] <command> [args]\n\nCommands:\n")
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(os.Stderr, "  %s\n", commands[name].usage)
	}
}

func main() {
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() == 0 {
		usage()
		os.Exit(2)
	}

	cmd, ok := commands[flag.Arg(0)]
	if !ok {
		fmt.Fprintf(os.Stderr, "tendril: unknown command %q\n\n", flag.Arg(0))
		usage()
		os.Exit(2)
	}

	logger, err := newLogger(*logLevel, false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tendril: %v\n", err)
		os.Exit(2)
	}
	defer logger.Sync()
	vm.SetLogger(logger.Named("vm"))
	trace.SetLogger(logger.Named("trace"))
	rpc.Version = Version

	if err := cmd.run(flag.Args()[1:], logger); err != nil {
		var exit exitError
		switch {
		case errors.Is(err, errUsage), errors.Is(err, flag.ErrHelp):
			os.Exit(2)
		case errors.As(err, &exit):
			os.Exit(int(exit))
		}
		fmt.Fprintf(os.Stderr, "tendril: %v\n", err)
		os.Exit(1)
	}
}

// exitError ends the process with a status but no message.
type exitError int

func (e exitError) Error() string {
	return fmt.Sprintf("exit status %d", int(e))
}

// newLogger builds a zap logger writing to stderr. The debug level always
// uses the development encoder.
func newLogger(level string, development bool) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}

	cfg := zap.NewProductionConfig()
	if development || lvl == zapcore.DebugLevel {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.OutputPaths = []string{"stderr"}
	return cfg.Build()
}

// newFlagSet creates a subcommand flag set with a usage line.
func newFlagSet(name, args string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: tendril %s [flags] %s\n", name, args)
		fs.PrintDefaults()
	}
	return fs
}

// oneArg checks that exactly one positional argument remains.
func oneArg(fs *flag.FlagSet) (string, error) {
	if fs.NArg() != 1 {
		fs.Usage()
		return "", errUsage
	}
	return fs.Arg(0), nil
}

// isSource reports whether path names assembler source.
func isSource(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".tasm", ".asm", ".s":
		return true
	}
	return false
}

// loadProgram reads an executable, or assembles source files.
func loadProgram(path string) (*program.Program, error) {
	if !isSource(path) {
		return loader.Load(path)
	}
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read source: %w", err)
	}
	p, err := asm.Parse(string(src))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// parseAddr parses decimal, 0x or $ hex addresses.
func parseAddr(s string) (uint16, error) {
	a, err := types.ParseAddress(s)
	return uint16(a), err
}

func versionCmd(args []string, logger *zap.Logger) error {
	fmt.Printf("tendril %s (%s)\n", Version, GitCommit)
	return nil
}
