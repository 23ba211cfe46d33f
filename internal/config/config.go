package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dshills/stdiorpc/internal/logging"
	"github.com/dshills/stdiorpc/internal/rpc"
)

// EnvPrefix is the prefix of environment variables read by Load.
const EnvPrefix = "STDIORPC_"

// LogLevelOff disables logging entirely.
const LogLevelOff = "off"

// Config is the complete stdiorpc configuration.
type Config struct {
	Server   ServerConfig         `json:"server"`
	Client   ClientConfig         `json:"client"`
	Timeouts rpc.TimeoutOverrides `json:"timeouts,omitempty"`
	Resync   ResyncConfig         `json:"resync"`
	Logging  LoggingConfig        `json:"logging"`
}

// ServerConfig describes the server process.
type ServerConfig struct {
	// Command is the server executable.
	Command string `json:"command"`

	// Args are passed to Command.
	Args []string `json:"args,omitempty"`

	// Env is layered over the inherited environment.
	Env map[string]string `json:"env,omitempty"`

	// Dir is the working directory of the server; empty means the
	// current directory.
	Dir string `json:"dir,omitempty"`
}

// ClientConfig describes how the client identifies itself.
type ClientConfig struct {
	Name            string `json:"name"`
	Version         string `json:"version"`
	ProtocolVersion string `json:"protocolVersion"`
}

// ResyncConfig configures handshake re-synchronization.
type ResyncConfig struct {
	MaxRetries        int     `json:"maxRetries"`
	RetryDelayMs      int     `json:"retryDelayMs"`
	BackoffMultiplier float64 `json:"backoffMultiplier"`
}

// LoggingConfig configures the log sink.
type LoggingConfig struct {
	// Level is one of trace, debug, info, warn, error or off.
	Level string `json:"level"`

	// Path is a log file; empty means stderr.
	Path string `json:"path,omitempty"`
}

// Default returns the built-in configuration.
func Default() *Config {
	resync := rpc.DefaultResyncConfig()
	return &Config{
		Client: ClientConfig{
			Name:            "stdiorpc",
			Version:         "0.1.0",
			ProtocolVersion: rpc.ProtocolVersion,
		},
		Resync: ResyncConfig{
			MaxRetries:        resync.MaxRetries,
			RetryDelayMs:      int(resync.RetryDelay / time.Millisecond),
			BackoffMultiplier: resync.BackoffMultiplier,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// RPCResync converts the resync section for the rpc package.
func (c *Config) RPCResync() rpc.ResyncConfig {
	return rpc.ResyncConfig{
		MaxRetries:        c.Resync.MaxRetries,
		RetryDelay:        time.Duration(c.Resync.RetryDelayMs) * time.Millisecond,
		BackoffMultiplier: c.Resync.BackoffMultiplier,
	}
}

// ServerCommand returns the configured server command, or an error if none
// is set.
func (c *Config) ServerCommand() (rpc.ServerCommand, error) {
	if strings.TrimSpace(c.Server.Command) == "" {
		return rpc.ServerCommand{}, ErrNoServerCommand
	}
	return rpc.ServerCommand{Command: c.Server.Command, Args: c.Server.Args}, nil
}

// Validate reports every problem in the configuration. Timeout warnings
// are returned separately and never make the configuration invalid.
func (c *Config) Validate() (warnings []string, err error) {
	var errs []error

	timeouts := rpc.ValidateTimeouts(c.Timeouts)
	warnings = timeouts.Warnings
	if !timeouts.Valid {
		errs = append(errs, &rpc.ConfigValidationError{Errors: timeouts.Errors})
	}

	if err := c.RPCResync().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("resync: %w", err))
	}

	if !validLevel(c.Logging.Level) {
		errs = append(errs, fmt.Errorf("logging: unknown level %q", c.Logging.Level))
	}

	return warnings, errors.Join(errs...)
}

func validLevel(level string) bool {
	if level == "" || strings.EqualFold(level, LogLevelOff) {
		return true
	}
	return strings.EqualFold(logging.ParseLogLevel(level).String(), level) ||
		strings.EqualFold(level, "warning")
}

// Errors returned by configuration operations.
var (
	// ErrNoServerCommand indicates no server command was configured.
	ErrNoServerCommand = errors.New("no server command configured")

	// ErrUnsupportedFormat indicates a config file extension that cannot be
	// parsed.
	ErrUnsupportedFormat = errors.New("unsupported config format")
)

// ParseError represents an error while parsing a configuration file.
type ParseError struct {
	// Path is the file path that failed to parse.
	Path string
	// Message describes the parse error.
	Message string
	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error in %s: %s", e.Path, e.Message)
}

// Unwrap returns the underlying error.
func (e *ParseError) Unwrap() error {
	return e.Err
}
