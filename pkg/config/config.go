// Package config handles tendril.toml server configuration.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/fortiblox/tendril/pkg/dashboard"
	"github.com/fortiblox/tendril/pkg/progstore"
	"github.com/fortiblox/tendril/pkg/remote"
	"github.com/fortiblox/tendril/pkg/rpc"
	"github.com/fortiblox/tendril/pkg/session"
	"github.com/fortiblox/tendril/pkg/trace"
)

// FileName is the conventional configuration file name.
const FileName = "tendril.toml"

// ErrUnknownKeys is returned when the file sets keys Config does not define.
var ErrUnknownKeys = errors.New("unknown configuration keys")

// Duration is a time.Duration written as a string such as "30s".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Config represents a tendril.toml file.
type Config struct {
	Log     Log     `toml:"log"`
	Store   Store   `toml:"store"`
	Trace   Trace   `toml:"trace"`
	Session Session `toml:"session"`
	RPC     RPC     `toml:"rpc"`
	Remote  Remote  `toml:"remote"`

	Dashboard Dashboard `toml:"dashboard"`

	// Dir is the directory containing the file (set at load time). Relative
	// paths resolve against it.
	Dir string `toml:"-"`
}

// Log configures logging.
type Log struct {
	Level       string `toml:"level"`
	Development bool   `toml:"development"`
}

// Store configures the program store.
type Store struct {
	Path    string   `toml:"path"`
	NoSync  bool     `toml:"no-sync"`
	Timeout Duration `toml:"timeout"`
}

// Trace configures the trace store.
type Trace struct {
	Enabled  bool   `toml:"enabled"`
	Path     string `toml:"path"`
	InMemory bool   `toml:"in-memory"`
}

// Session configures the session manager.
type Session struct {
	MaxSessions   int    `toml:"max-sessions"`
	ComputeBudget uint64 `toml:"compute-budget"`
	MaxDebugLines int    `toml:"max-debug-lines"`
	TraceBatch    int    `toml:"trace-batch"`
}

// RPC configures the JSON-RPC server.
type RPC struct {
	Addr           string   `toml:"addr"`
	ReadTimeout    Duration `toml:"read-timeout"`
	WriteTimeout   Duration `toml:"write-timeout"`
	MaxRequestSize int64    `toml:"max-request-size"`
	EnableCORS     bool     `toml:"enable-cors"`
	AllowedOrigins []string `toml:"allowed-origins"`
	LogRequests    bool     `toml:"log-requests"`
	RunTimeout     Duration `toml:"run-timeout"`
	MaxRunSteps    uint64   `toml:"max-run-steps"`
}

// Remote configures the gRPC runner. An empty Addr disables it.
type Remote struct {
	Addr          string `toml:"addr"`
	Token         string `toml:"token"`
	MaxSteps      uint64 `toml:"max-steps"`
	ComputeBudget uint64 `toml:"compute-budget"`
}

// Dashboard configures the web dashboard. An empty Addr disables it.
type Dashboard struct {
	Addr        string   `toml:"addr"`
	IdleTimeout Duration `toml:"idle-timeout"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	rc := rpc.DefaultConfig()
	sc := session.DefaultConfig()
	pc := progstore.DefaultConfig("tendril.db")
	return &Config{
		Log: Log{Level: "info"},
		Store: Store{
			Path:    pc.Path,
			NoSync:  pc.NoSync,
			Timeout: Duration(pc.Timeout),
		},
		Trace: Trace{
			Enabled: false,
			Path:    "traces",
		},
		Session: Session{
			MaxSessions:   sc.MaxSessions,
			ComputeBudget: sc.ComputeBudget,
			MaxDebugLines: sc.MaxDebugLines,
			TraceBatch:    sc.TraceBatch,
		},
		RPC: RPC{
			Addr:           rc.Addr,
			ReadTimeout:    Duration(rc.ReadTimeout),
			WriteTimeout:   Duration(rc.WriteTimeout),
			MaxRequestSize: rc.MaxRequestSize,
			EnableCORS:     rc.EnableCORS,
			LogRequests:    rc.LogRequests,
			RunTimeout:     Duration(rc.RunTimeout),
			MaxRunSteps:    rc.MaxRunSteps,
		},
		Remote: Remote{
			MaxSteps: remote.DefaultMaxSteps,
		},
		Dashboard: Dashboard{
			IdleTimeout: Duration(dashboard.DefaultConfig().IdleTimeout),
		},
		Dir: ".",
	}
}

// Load reads path over the defaults. Keys Config does not define are an
// error.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	c := Default()
	md, err := toml.Decode(string(data), c)
	if err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("%w in %s: %s", ErrUnknownKeys, path, strings.Join(keys, ", "))
	}

	c.Dir, err = filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", path, err)
	}
	return c, nil
}

// Write encodes c as TOML.
func (c *Config) Write(w io.Writer) error {
	return toml.NewEncoder(w).Encode(c)
}

func (c *Config) resolve(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(c.Dir, path)
}

// StoreConfig returns the program store configuration.
func (c *Config) StoreConfig() progstore.Config {
	pc := progstore.DefaultConfig(c.resolve(c.Store.Path))
	pc.NoSync = c.Store.NoSync
	if c.Store.Timeout > 0 {
		pc.Timeout = time.Duration(c.Store.Timeout)
	}
	return pc
}

// TraceConfig returns the trace store configuration.
func (c *Config) TraceConfig() trace.BadgerConfig {
	tc := trace.DefaultBadgerConfig(c.resolve(c.Trace.Path))
	tc.InMemory = c.Trace.InMemory
	return tc
}

// SessionConfig returns the session manager configuration.
func (c *Config) SessionConfig() session.Config {
	return session.Config{
		MaxSessions:   c.Session.MaxSessions,
		ComputeBudget: c.Session.ComputeBudget,
		MaxDebugLines: c.Session.MaxDebugLines,
		TraceBatch:    c.Session.TraceBatch,
	}
}

// RPCConfig returns the JSON-RPC server configuration.
func (c *Config) RPCConfig() rpc.Config {
	rc := rpc.DefaultConfig()
	rc.Addr = c.RPC.Addr
	rc.ReadTimeout = time.Duration(c.RPC.ReadTimeout)
	rc.WriteTimeout = time.Duration(c.RPC.WriteTimeout)
	rc.MaxRequestSize = c.RPC.MaxRequestSize
	rc.EnableCORS = c.RPC.EnableCORS
	rc.AllowedOrigins = c.RPC.AllowedOrigins
	rc.LogRequests = c.RPC.LogRequests
	rc.RunTimeout = time.Duration(c.RPC.RunTimeout)
	rc.MaxRunSteps = c.RPC.MaxRunSteps
	return rc
}

// RemoteConfig returns the gRPC runner configuration.
func (c *Config) RemoteConfig() remote.ServerConfig {
	sc := remote.DefaultServerConfig()
	sc.Token = c.Remote.Token
	sc.MaxSteps = c.Remote.MaxSteps
	sc.ComputeBudget = c.Remote.ComputeBudget
	return sc
}

// DashboardConfig returns the web dashboard configuration.
func (c *Config) DashboardConfig() dashboard.Config {
	dc := dashboard.DefaultConfig()
	dc.Addr = c.Dashboard.Addr
	if c.Dashboard.IdleTimeout > 0 {
		dc.IdleTimeout = time.Duration(c.Dashboard.IdleTimeout)
	}
	return dc
}
