package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fortiblox/tendril/pkg/config"
	"github.com/fortiblox/tendril/pkg/dashboard"
	"github.com/fortiblox/tendril/pkg/progstore"
	"github.com/fortiblox/tendril/pkg/remote"
	"github.com/fortiblox/tendril/pkg/rpc"
	"github.com/fortiblox/tendril/pkg/session"
	"github.com/fortiblox/tendril/pkg/trace"
	"github.com/fortiblox/tendril/pkg/vm"
)

func serveCmd(args []string, logger *zap.Logger) error {
	fs := newFlagSet("serve", "")
	var (
		configPath  = fs.String("config", "", "Path to "+config.FileName)
		printConfig = fs.Bool("print-config", false, "Print the effective configuration and exit")
		rpcAddr     = fs.String("rpc-addr", "", "JSON-RPC listen address")
		dashAddr    = fs.String("dashboard-addr", "", "Web dashboard listen address, e.g. 127.0.0.1:8080 (empty = disabled)")
		remoteAddr  = fs.String("remote-addr", "", "gRPC runner listen address, e.g. :8900 (empty = disabled)")
		dbPath      = fs.String("db", "", "Program store path")
		traceDir    = fs.String("trace-dir", "", "Trace store directory; enables tracing")
		token       = fs.String("token", "", "Token required by the gRPC runner")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 0 {
		return usageError(fs)
	}

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return err
		}
		l, err := newLogger(cfg.Log.Level, cfg.Log.Development)
		if err != nil {
			return err
		}
		defer l.Sync()
		logger = l
		vm.SetLogger(logger.Named("vm"))
		trace.SetLogger(logger.Named("trace"))
	}
	// Flags override the file.
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "rpc-addr":
			cfg.RPC.Addr = *rpcAddr
		case "remote-addr":
			cfg.Remote.Addr = *remoteAddr
		case "dashboard-addr":
			cfg.Dashboard.Addr = *dashAddr
		case "db":
			cfg.Store.Path = *dbPath
		case "trace-dir":
			cfg.Trace.Enabled = true
			cfg.Trace.Path = *traceDir
		case "token":
			cfg.Remote.Token = *token
		}
	})

	if *printConfig {
		return cfg.Write(os.Stdout)
	}

	programs, err := progstore.Open(cfg.StoreConfig())
	if err != nil {
		return err
	}
	defer programs.Close()

	var traces trace.Store
	if cfg.Trace.Enabled {
		tc := cfg.TraceConfig()
		tc.Logger = logger.Named("badger")
		store, err := trace.OpenBadger(tc)
		if err != nil {
			return err
		}
		defer store.Close()
		traces = store
	}

	sessions := session.NewManager(programs, traces, cfg.SessionConfig(), logger.Named("session"))
	defer sessions.CloseAll()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var runnerLn net.Listener
	if cfg.Remote.Addr != "" {
		if runnerLn, err = net.Listen("tcp", cfg.Remote.Addr); err != nil {
			return fmt.Errorf("listen %s: %w", cfg.Remote.Addr, err)
		}
	}

	var dash *dashboard.Dashboard
	if cfg.Dashboard.Addr != "" {
		if dash, err = dashboard.New(cfg.DashboardConfig(), programs, sessions, logger.Named("dashboard")); err != nil {
			if runnerLn != nil {
				runnerLn.Close()
			}
			return err
		}
	}

	g, ctx := errgroup.WithContext(ctx)

	rpcServer := rpc.New(cfg.RPCConfig(), programs, sessions, logger.Named("rpc"))
	g.Go(func() error {
		return rpcServer.Start(ctx)
	})

	if runnerLn != nil {
		runner := remote.NewServer(cfg.RemoteConfig(), programs, logger.Named("remote"))
		g.Go(func() error {
			return runner.Serve(ctx, runnerLn)
		})
	}

	if dash != nil {
		g.Go(func() error {
			return dash.Start(ctx)
		})
	}

	logger.Info("tendril serving",
		zap.String("version", Version),
		zap.String("rpc", cfg.RPC.Addr),
		zap.String("remote", cfg.Remote.Addr),
		zap.String("dashboard", cfg.Dashboard.Addr),
		zap.Bool("trace", traces != nil))

	err = g.Wait()
	logger.Info("tendril stopped", zap.Int("sessions", sessions.Len()))
	return err
}
