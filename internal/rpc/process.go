package rpc

import "context"

// ProcessHandle is the narrow view of a running server process the client
// needs. Listener registration replaces any previous listener of the same
// kind; callbacks may arrive on any goroutine.
type ProcessHandle interface {
	// Pid returns the operating system process id.
	Pid() int

	// Write sends bytes to the process's standard input.
	Write(p []byte) error

	// OnData receives chunks read from standard output.
	OnData(fn func(chunk []byte))

	// OnStderr receives chunks read from standard error.
	OnStderr(fn func(chunk []byte))

	// OnError receives runtime failures of the process or its streams.
	OnError(fn func(err error))

	// OnExit is called once when the process ends. code is nil when the
	// process was terminated by a signal.
	OnExit(fn func(code *int, signal string))

	// RemoveAllListeners detaches every registered callback.
	RemoveAllListeners()

	// Kill terminates the process.
	Kill() error

	// Exited reports whether an exit code or terminating signal has been
	// recorded.
	Exited() bool

	// ProbeAlive checks, without side effects, whether the pid still exists.
	ProbeAlive() bool
}

// SpawnFunc starts a server process.
type SpawnFunc func(ctx context.Context, command string, args []string, env map[string]string) (ProcessHandle, error)

// ServerCommand is the executable and arguments of the server.
type ServerCommand struct {
	Command string
	Args    []string
}

// Capabilities are the application supplied hooks of a client.
type Capabilities struct {
	// ServerCommand resolves the server executable. Required.
	ServerCommand func() (ServerCommand, error)

	// Environment returns extra environment variables for the server.
	Environment func() map[string]string

	// OnReady runs once after a successful handshake, before the client
	// reports Connected. An error aborts Start.
	OnReady func(ctx context.Context, c *Client) error
}
