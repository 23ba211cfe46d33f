package rpc

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Standard errors returned by the rpc client.
var (
	// ErrConnectionClosed rejects every pending request when the connection
	// is torn down (stop, process exit or process error).
	ErrConnectionClosed = errors.New("connection closed")

	// ErrProcessExitedDuringInit indicates the handshake timed out and the
	// server process was no longer alive.
	ErrProcessExitedDuringInit = errors.New("process exited during initialization")

	// ErrNotRunning indicates there is no server process to talk to.
	ErrNotRunning = errors.New("server process not running")

	// ErrTimeout is matched by every RequestTimeoutError.
	ErrTimeout = errors.New("request timed out")
)

// RPCError represents a JSON-RPC error returned by the server.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Error returns the server supplied message verbatim.
func (e *RPCError) Error() string {
	return e.Message
}

// Standard JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// ConfigValidationError is returned when a timeout configuration is rejected.
// The configuration it was validating is never partially applied.
type ConfigValidationError struct {
	Errors []string
}

// Error implements the error interface.
func (e *ConfigValidationError) Error() string {
	return "Invalid timeout configuration: " + strings.Join(e.Errors, ", ")
}

// InvalidTransitionError is returned by ConnectionState.SetState when the
// transition table forbids the move. The state is left unchanged.
type InvalidTransitionError struct {
	From State
	To   State
}

// Error implements the error interface.
func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("Invalid state transition from %s to %s", e.From, e.To)
}

// RequestTimeoutError rejects a single request whose timer expired.
type RequestTimeoutError struct {
	Method  string
	Timeout time.Duration
}

// Error implements the error interface.
func (e *RequestTimeoutError) Error() string {
	return fmt.Sprintf("Request timeout after %dms: %s", e.Timeout.Milliseconds(), e.Method)
}

// Is reports whether target is ErrTimeout.
func (e *RequestTimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// Handshake reports whether the timed out request was the handshake.
func (e *RequestTimeoutError) Handshake() bool {
	return e.Method == HandshakeMethod
}

// ResyncExhaustedError is produced when every handshake retry failed.
type ResyncExhaustedError struct {
	Attempts int
	Err      error
}

// Error implements the error interface.
func (e *ResyncExhaustedError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("handshake failed after %d retry attempts", e.Attempts)
	}
	return fmt.Sprintf("handshake failed after %d retry attempts: %v", e.Attempts, e.Err)
}

// Unwrap returns the last handshake failure.
func (e *ResyncExhaustedError) Unwrap() error {
	return e.Err
}

// ServerExitError records how the server process ended.
// Code is nil when the process did not report an exit code.
type ServerExitError struct {
	Code   *int
	Signal string
}

// Error implements the error interface.
func (e *ServerExitError) Error() string {
	switch {
	case e.Code != nil:
		return fmt.Sprintf("Server process exited with code: %d", *e.Code)
	case e.Signal != "":
		return fmt.Sprintf("Server process killed by signal: %s", e.Signal)
	default:
		return "Server process exited unexpectedly"
	}
}

// ServerProcessError wraps a spawn or runtime failure of the server process.
type ServerProcessError struct {
	Err error
}

// Error implements the error interface.
func (e *ServerProcessError) Error() string {
	return fmt.Sprintf("Server process error: %v", e.Err)
}

// Unwrap returns the underlying error.
func (e *ServerProcessError) Unwrap() error {
	return e.Err
}
