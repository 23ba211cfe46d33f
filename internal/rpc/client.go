package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Identity names the client in the handshake.
type Identity struct {
	Name    string
	Version string

	// InstanceID distinguishes clients in logs and diagnostics.
	InstanceID string
}

// NotificationHandler handles a server notification.
type NotificationHandler func(method string, params json.RawMessage)

// ClientOption configures a Client.
type ClientOption func(*clientOptions)

type clientOptions struct {
	identity        Identity
	logger          Logger
	timeouts        TimeoutOverrides
	resync          ResyncConfig
	protocolVersion string
}

// WithIdentity sets the client name and version sent in the handshake.
func WithIdentity(name, version string) ClientOption {
	return func(o *clientOptions) {
		o.identity.Name = name
		o.identity.Version = version
	}
}

// WithLogger sets the log sink.
func WithLogger(l Logger) ClientOption {
	return func(o *clientOptions) {
		o.logger = l
	}
}

// WithTimeouts overrides the default timeout configuration.
func WithTimeouts(overrides TimeoutOverrides) ClientOption {
	return func(o *clientOptions) {
		o.timeouts = overrides
	}
}

// WithResyncConfig overrides the handshake retry configuration.
func WithResyncConfig(config ResyncConfig) ClientOption {
	return func(o *clientOptions) {
		o.resync = config
	}
}

// WithProtocolVersion overrides the protocol version sent in the handshake.
func WithProtocolVersion(version string) ClientOption {
	return func(o *clientOptions) {
		o.protocolVersion = version
	}
}

// Client runs a server child process and talks newline-delimited JSON-RPC
// with it over stdio.
//
// Thread Safety: Client is safe for concurrent use. Start, Stop and
// Reconnect must not be called concurrently with each other.
type Client struct {
	mu        sync.Mutex
	proc      ProcessHandle
	lastError error
	server    *ServerInfo
	lifeCtx   context.Context
	cancel    context.CancelFunc

	// cancelResync aborts a running handshake retry loop.
	cancelResync context.CancelFunc

	handlersMu sync.RWMutex
	handlers   map[string]NotificationHandler

	caps            Capabilities
	spawn           SpawnFunc
	identity        Identity
	protocolVersion string

	policy   *TimeoutPolicy
	state    *ConnectionState
	registry *RequestRegistry
	resync   *ResyncCoordinator
	commLog  *CommunicationLog

	logger   Logger
	stopping atomic.Bool

	// handshakeTimeout, when positive, replaces the policy timeout for
	// handshake requests.
	handshakeTimeout time.Duration
}

// NewClient creates a client that starts its server with spawn.
func NewClient(caps Capabilities, spawn SpawnFunc, opts ...ClientOption) (*Client, error) {
	if caps.ServerCommand == nil {
		return nil, errors.New("server command capability is required")
	}
	if spawn == nil {
		return nil, errors.New("spawn function is required")
	}

	options := clientOptions{
		identity:        Identity{Name: "stdiorpc", Version: "0.1.0"},
		resync:          DefaultResyncConfig(),
		protocolVersion: ProtocolVersion,
	}
	for _, opt := range opts {
		opt(&options)
	}
	if err := options.resync.Validate(); err != nil {
		return nil, fmt.Errorf("resync config: %w", err)
	}

	policy, err := NewTimeoutPolicy(options.timeouts)
	if err != nil {
		return nil, err
	}

	c := &Client{
		handlers:        make(map[string]NotificationHandler),
		caps:            caps,
		spawn:           spawn,
		identity:        options.identity,
		protocolVersion: options.protocolVersion,
		policy:          policy,
		commLog:         NewCommunicationLog(MaxCommunicationLog),
		logger:          newSafeLogger(options.logger),
	}
	if c.identity.InstanceID == "" {
		c.identity.InstanceID = uuid.NewString()
	}

	log := gatedLogger{c}
	c.state = NewConnectionState(log)
	c.registry = NewRequestRegistry(policy, c.writeRequest, log)
	c.registry.OnHandshakeTimeout(c.handleHandshakeTimeout)
	c.resync = NewResyncCoordinator(options.resync, c.state, log)
	return c, nil
}

// gatedLogger drops everything once the client is stopping.
type gatedLogger struct {
	c *Client
}

func (g gatedLogger) sink() Logger {
	if g.c.stopping.Load() {
		return nopLogger{}
	}
	return g.c.logger
}

func (g gatedLogger) Trace(msg string, args ...any) { g.sink().Trace(msg, args...) }
func (g gatedLogger) Debug(msg string, args ...any) { g.sink().Debug(msg, args...) }
func (g gatedLogger) Info(msg string, args ...any)  { g.sink().Info(msg, args...) }
func (g gatedLogger) Warn(msg string, args ...any)  { g.sink().Warn(msg, args...) }
func (g gatedLogger) Error(msg string, args ...any) { g.sink().Error(msg, args...) }

func (c *Client) log() Logger {
	return gatedLogger{c}
}

// Identity returns the client identity.
func (c *Client) Identity() Identity {
	return c.identity
}

// Start spawns the server, performs the handshake, runs the ready hook and
// transitions to Connected. On failure the client is left in Error with
// LastError set.
func (c *Client) Start(ctx context.Context) error {
	c.stopping.Store(false)
	c.resync.Reset()

	if err := c.state.SetState(StateConnecting, StatusDetails{}); err != nil {
		return err
	}

	c.mu.Lock()
	c.lastError = nil
	c.server = nil
	c.lifeCtx, c.cancel = context.WithCancel(context.Background())
	c.mu.Unlock()

	if err := c.start(ctx); err != nil {
		if c.stopping.Load() {
			return err
		}
		// A process that died mid-start already recorded why.
		var exitErr *ServerExitError
		if last := c.LastError(); errors.As(last, &exitErr) {
			err = last
		}
		c.registry.FlushAll(ErrConnectionClosed)
		c.releaseProcess()

		// The handshake timeout path may have failed the client already.
		if c.State() == StateError && errors.Is(c.LastError(), err) {
			return err
		}
		c.fail(err)
		return err
	}
	return nil
}

func (c *Client) start(ctx context.Context) error {
	command, err := c.caps.ServerCommand()
	if err != nil {
		return fmt.Errorf("resolve server command: %w", err)
	}

	var env map[string]string
	if c.caps.Environment != nil {
		env = c.caps.Environment()
	}

	c.log().Info("starting server process", "command", command.Command, "args", command.Args, "instance", c.identity.InstanceID)
	proc, err := c.spawn(ctx, command.Command, command.Args, env)
	if err != nil {
		return &ServerProcessError{Err: err}
	}
	c.state.SetServerProcessRunning(true)
	c.attach(proc)

	result, err := c.handshake(ctx)
	if err != nil {
		return err
	}

	var info InitializeResult
	if err := json.Unmarshal(result, &info); err != nil {
		c.log().Debug("could not decode handshake result", "error", err)
	}
	c.mu.Lock()
	c.server = info.ServerInfo
	c.mu.Unlock()

	if err := c.Notify(InitializedNotification, nil); err != nil {
		return fmt.Errorf("initialized notification: %w", err)
	}

	if c.caps.OnReady != nil {
		if err := c.caps.OnReady(ctx, c); err != nil {
			return fmt.Errorf("ready hook: %w", err)
		}
	}

	if err := c.transition(StateConnected, StatusDetails{}); err != nil {
		return err
	}
	c.log().Info("connected to server", "pid", proc.Pid())
	return nil
}

// attach wires the process callbacks. Each process gets its own line
// decoder so a restart never sees a stale partial line.
func (c *Client) attach(proc ProcessHandle) {
	decoder := &LineDecoder{}
	proc.OnData(func(chunk []byte) {
		for _, line := range decoder.Feed(chunk) {
			c.handleLine(line)
		}
	})
	proc.OnStderr(func(chunk []byte) {
		if text := strings.TrimSpace(string(chunk)); text != "" {
			c.log().Debug("server stderr", "output", text)
		}
	})
	proc.OnExit(c.handleServerExit)
	proc.OnError(c.handleServerError)

	c.mu.Lock()
	c.proc = proc
	c.mu.Unlock()
}

func (c *Client) handshakeParams() InitializeParams {
	return InitializeParams{
		ProtocolVersion: c.protocolVersion,
		Capabilities:    map[string]any{},
		ClientInfo: ClientInfo{
			Name:    c.identity.Name,
			Version: c.identity.Version,
		},
	}
}

func (c *Client) handshakeOptions(extra ...SendOption) []SendOption {
	if c.handshakeTimeout > 0 {
		extra = append(extra, WithTimeout(c.handshakeTimeout))
	}
	return extra
}

func (c *Client) handshake(ctx context.Context) (json.RawMessage, error) {
	return c.Send(HandshakeMethod, c.handshakeParams(), c.handshakeOptions()...).Wait(ctx)
}

// handleHandshakeTimeout decides what happens to an expired handshake: a
// dead server fails initialization, a live one gets re-synchronized.
func (c *Client) handleHandshakeTimeout(req *PendingRequest, timeout *RequestTimeoutError) (json.RawMessage, error) {
	if !c.IsAlive() {
		err := ErrProcessExitedDuringInit
		c.fail(err)
		return nil, err
	}

	c.log().Warn("handshake timed out, re-synchronizing", "timeout", timeout.Timeout)

	ctx, cancel := context.WithCancel(c.lifecycle())
	c.mu.Lock()
	c.cancelResync = cancel
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.cancelResync = nil
		c.mu.Unlock()
		cancel()
	}()

	// Start owns the Connected transition; it still has to send the
	// initialized notification and run the ready hook.
	res := c.resync.AttemptReSync(ctx, func(ctx context.Context) (json.RawMessage, error) {
		return c.Send(HandshakeMethod, req.Params, c.handshakeOptions(withoutResync())...).Wait(ctx)
	}, WhileAlive(c.serverRunning), WithoutConnect())
	if res.Success {
		return res.Result, nil
	}
	if c.stopping.Load() {
		return nil, res.Err
	}
	if last := c.LastError(); isServerFailure(last) {
		return nil, last
	}
	c.setLastError(res.Err)
	return nil, res.Err
}

// serverRunning reports whether the server is still judged alive: no exit
// or error has been observed and the process answers a liveness probe.
func (c *Client) serverRunning() bool {
	return c.state.Status().ServerProcessRunning && c.IsAlive()
}

func (c *Client) stopResync() {
	c.mu.Lock()
	cancel := c.cancelResync
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func isServerFailure(err error) bool {
	var exitErr *ServerExitError
	var procErr *ServerProcessError
	return errors.As(err, &exitErr) || errors.As(err, &procErr)
}

func (c *Client) lifecycle() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lifeCtx == nil {
		return context.Background()
	}
	return c.lifeCtx
}

// Stop tears the client down: pending requests fail with
// ErrConnectionClosed, the process is killed and the state becomes
// Disconnected. Logging is suppressed from here on.
func (c *Client) Stop() {
	c.log().Info("stopping client", "instance", c.identity.InstanceID)
	c.stopping.Store(true)

	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.registry.FlushAll(ErrConnectionClosed)
	c.releaseProcess()

	_ = c.state.SetState(StateDisconnected, StatusDetails{})
}

// releaseProcess detaches from the current process and kills it. Listeners
// are removed first so the kill is never reported as a server exit.
func (c *Client) releaseProcess() {
	c.mu.Lock()
	proc := c.proc
	c.proc = nil
	c.mu.Unlock()

	if proc != nil {
		proc.RemoveAllListeners()
		_ = proc.Kill()
	}
	c.state.SetServerProcessRunning(false)
}

// Reconnect stops and starts the client, reporting whether the new
// connection succeeded.
func (c *Client) Reconnect(ctx context.Context) bool {
	c.log().Info("reconnecting", "instance", c.identity.InstanceID)
	c.Stop()
	return c.Start(ctx) == nil
}

// Request sends a request and waits for its result. Giving up on ctx does
// not cancel the request; its own timeout still applies.
func (c *Client) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return c.Send(method, params).Wait(ctx)
}

// Call is Request with the result decoded into result.
func (c *Client) Call(ctx context.Context, method string, params any, result any) error {
	raw, err := c.Request(ctx, method, params)
	if err != nil {
		return err
	}
	if result != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, result); err != nil {
			return fmt.Errorf("unmarshal result: %w", err)
		}
	}
	return nil
}

// Send registers and writes a request without waiting.
func (c *Client) Send(method string, params any, opts ...SendOption) *Future {
	return c.registry.Send(method, params, opts...)
}

// Notify writes a notification.
func (c *Client) Notify(method string, params any) error {
	err := c.writeMessage(&Notification{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
	})
	entry := CommunicationLogEntry{Type: EntryNotification, Method: method, Success: err == nil}
	if err != nil {
		entry.Error = err.Error()
	}
	c.commLog.Add(entry)
	return err
}

// OnNotification registers a handler for a server notification method.
// The method "*" catches notifications without a dedicated handler.
func (c *Client) OnNotification(method string, handler NotificationHandler) {
	c.handlersMu.Lock()
	c.handlers[method] = handler
	c.handlersMu.Unlock()
}

// OnStateChange subscribes to connection state transitions.
func (c *Client) OnStateChange(fn StateListener) (unsubscribe func()) {
	return c.state.OnStateChange(fn)
}

// Status returns the current connection status.
func (c *Client) Status() ConnectionStatus {
	return c.state.Status()
}

// State returns the current connection state.
func (c *Client) State() State {
	return c.state.State()
}

// History returns every recorded status, oldest first.
func (c *Client) History() []ConnectionStatus {
	return c.state.History()
}

// LastError returns the most recent failure.
func (c *Client) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastError
}

// ServerInfo returns what the server reported about itself in the
// handshake, or nil.
func (c *Client) ServerInfo() *ServerInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.server
}

// Timeouts returns the effective timeout configuration.
func (c *Client) Timeouts() TimeoutConfig {
	return c.policy.Config()
}

// UpdateTimeouts validates and applies new timeout overrides. Requests
// already in flight keep their timeout.
func (c *Client) UpdateTimeouts(overrides TimeoutOverrides) error {
	return c.policy.Update(overrides)
}

// IsAlive reports whether the server process exists and has not exited.
func (c *Client) IsAlive() bool {
	c.mu.Lock()
	proc := c.proc
	c.mu.Unlock()

	if proc == nil || proc.Exited() {
		return false
	}
	return proc.ProbeAlive()
}

func (c *Client) process() ProcessHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.proc
}

func (c *Client) setLastError(err error) {
	c.mu.Lock()
	c.lastError = err
	c.mu.Unlock()
}

func (c *Client) fail(err error) {
	c.setLastError(err)
	_ = c.transition(StateError, StatusDetails{Message: err.Error(), LastError: err})
}

func (c *Client) transition(state State, details StatusDetails) error {
	err := c.state.SetState(state, details)
	if err != nil {
		c.log().Warn("rejected state transition", "error", err)
	}
	return err
}

// writeRequest is the registry's write path.
func (c *Client) writeRequest(req *Request) error {
	err := c.writeMessage(req)
	entry := CommunicationLogEntry{Type: EntryRequest, Method: req.Method, RequestID: req.ID, Success: err == nil}
	if err != nil {
		entry.Error = err.Error()
	}
	c.commLog.Add(entry)
	return err
}

func (c *Client) writeMessage(msg any) error {
	proc := c.process()
	if proc == nil {
		return ErrNotRunning
	}
	data, err := EncodeLine(msg)
	if err != nil {
		return err
	}
	c.log().Trace("write", "message", string(data[:len(data)-1]))
	if err := proc.Write(data); err != nil {
		return &ServerProcessError{Err: err}
	}
	return nil
}

// handleServerExit runs when the process ends on its own.
func (c *Client) handleServerExit(code *int, signal string) {
	err := &ServerExitError{Code: code, Signal: signal}
	c.log().Warn("server process exited", "error", err)

	c.setLastError(err)
	c.state.SetServerProcessRunning(false)
	c.stopResync()
	_ = c.transition(StateDisconnected, StatusDetails{Message: err.Error(), LastError: err})
	c.registry.FlushAll(ErrConnectionClosed)
}

// handleServerError runs when the process or its streams fail.
func (c *Client) handleServerError(cause error) {
	err := &ServerProcessError{Err: cause}
	c.log().Error("server process error", "error", err)

	c.setLastError(err)
	c.state.SetServerProcessRunning(false)
	c.stopResync()
	_ = c.transition(StateError, StatusDetails{Message: err.Error(), LastError: err})
	c.registry.FlushAll(ErrConnectionClosed)
}

// handleLine dispatches one line read from the server.
func (c *Client) handleLine(line []byte) {
	c.log().Trace("read", "message", string(line))

	msg, err := DecodeMessage(line)
	if err != nil {
		c.log().Warn("discarding malformed message", "error", err, "line", truncate(string(line), 200))
		return
	}

	switch {
	case msg.IsResponse():
		entry := CommunicationLogEntry{Type: EntryResponse, RequestID: *msg.ID, Success: msg.Error == nil}
		if msg.Error != nil {
			entry.Error = msg.Error.Error()
		}
		if req := c.registry.Resolve(msg); req != nil {
			entry.Method = req.Method
		}
		c.commLog.Add(entry)
	case msg.IsServerRequest():
		c.answerServerRequest(msg)
	case msg.IsNotification():
		c.commLog.Add(CommunicationLogEntry{Type: EntryNotification, Method: msg.Method, Success: true})
		c.dispatchNotification(msg)
	default:
		c.log().Debug("ignoring unrecognized message", "line", truncate(string(line), 200))
	}
}

func (c *Client) answerServerRequest(msg *Message) {
	reply := &response{JSONRPC: "2.0", ID: *msg.ID}
	if msg.Method == PingMethod {
		reply.Result = struct{}{}
	} else {
		reply.Error = &RPCError{Code: CodeMethodNotFound, Message: "Method not found"}
	}
	if err := c.writeMessage(reply); err != nil {
		c.log().Warn("failed to answer server request", "method", msg.Method, "error", err)
	}
}

func (c *Client) dispatchNotification(msg *Message) {
	c.handlersMu.RLock()
	handler, ok := c.handlers[msg.Method]
	if !ok {
		handler, ok = c.handlers["*"]
	}
	c.handlersMu.RUnlock()

	if !ok || handler == nil {
		return
	}

	// Run handler in goroutine so it may issue requests of its own.
	go func() {
		defer func() {
			if r := recover(); r != nil {
				c.log().Error("notification handler panicked", "method", msg.Method, "panic", r)
			}
		}()
		handler(msg.Method, msg.Params)
	}()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
