package remote

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

// Default configuration values.
const (
	// DefaultKeepaliveTime is the default interval for keepalive pings.
	DefaultKeepaliveTime = 10 * time.Second

	// DefaultKeepaliveTimeout is the default timeout for keepalive responses.
	DefaultKeepaliveTimeout = 5 * time.Second

	// DefaultMaxMessageSize is the default maximum gRPC message size (4MB).
	DefaultMaxMessageSize = 4 * 1024 * 1024

	// DefaultMaxSteps caps a remote run when the request sets no limit.
	DefaultMaxSteps = 100_000_000
)

// Configuration errors.
var (
	ErrNoEndpoint    = errors.New("remote endpoint is required")
	ErrInvalidConfig = errors.New("invalid remote configuration")
)

// Config holds the configuration for the runner client.
type Config struct {
	// Endpoint is the gRPC endpoint (e.g., "localhost:9900"). Required.
	Endpoint string

	// Token is sent as the x-token header.
	// Can use environment variable expansion with ${VAR_NAME}.
	Token string

	// UseTLS enables TLS for the gRPC connection.
	UseTLS bool

	// Keepalive configuration.
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration

	// MaxMessageSize is the maximum gRPC message size in bytes.
	MaxMessageSize int

	// Headers are additional headers to send with gRPC requests.
	Headers map[string]string
}

// DefaultConfig returns a client configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		KeepaliveTime:    DefaultKeepaliveTime,
		KeepaliveTimeout: DefaultKeepaliveTimeout,
		MaxMessageSize:   DefaultMaxMessageSize,
		Headers:          make(map[string]string),
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Endpoint == "" {
		return ErrNoEndpoint
	}

	if c.MaxMessageSize <= 0 {
		return fmt.Errorf("%w: max message size must be positive", ErrInvalidConfig)
	}

	if c.KeepaliveTime <= 0 {
		return fmt.Errorf("%w: keepalive time must be positive", ErrInvalidConfig)
	}

	if c.KeepaliveTimeout <= 0 {
		return fmt.Errorf("%w: keepalive timeout must be positive", ErrInvalidConfig)
	}

	return nil
}

// ExpandedToken returns the token with ${VAR} references expanded from the
// environment.
func (c *Config) ExpandedToken() string {
	return expandEnv(c.Token)
}

func expandEnv(s string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return os.Expand(s, os.Getenv)
}

// ServerConfig holds the configuration for the runner service.
type ServerConfig struct {
	// Token, when set, must match the caller's x-token header.
	Token string

	// MaxSteps caps every run. Requests asking for more are clamped.
	MaxSteps uint64

	// ComputeBudget is applied when the request sets none. Zero means unlimited.
	ComputeBudget uint64

	// MaxMessageSize is the maximum gRPC message size in bytes.
	MaxMessageSize int
}

// DefaultServerConfig returns a server configuration with sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		MaxSteps:       DefaultMaxSteps,
		MaxMessageSize: DefaultMaxMessageSize,
	}
}
