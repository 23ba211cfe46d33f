package process

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// State represents the state of a process.
type State int

const (
	// StateCreated indicates the process has been created but not started.
	StateCreated State = iota
	// StateRunning indicates the process is currently running.
	StateRunning
	// StateExited indicates the process has exited normally or with an error.
	StateExited
	// StateKilled indicates the process was killed by a signal.
	StateKilled
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateExited:
		return "exited"
	case StateKilled:
		return "killed"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// readBufferSize is the chunk size used when reading stdout and stderr.
const readBufferSize = 32 * 1024

// Process is a child process whose standard streams are piped and
// delivered to listeners.
//
// Stdout chunks that arrive before an OnData listener is registered are
// held and replayed on registration; stderr chunks without a listener are
// dropped. An exit that happens before OnExit is registered is delivered
// on registration. After RemoveAllListeners nothing further is delivered.
//
// Process is safe for concurrent use.
type Process struct {
	// ID is the unique identifier for this process.
	ID string

	// Name is a human-readable name for the process.
	Name string

	// Started is the time the process was started.
	Started time.Time

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	// done is closed when the process exits.
	done chan struct{}

	// state tracks the current process state.
	state atomic.Int32

	// writeMu serializes writes to stdin.
	writeMu sync.Mutex

	// outMu serializes stdout delivery so replayed chunks keep their order.
	outMu sync.Mutex

	// readers tracks the stream goroutines; Wait runs after they finish.
	readers sync.WaitGroup

	// mu protects the fields below.
	mu            sync.Mutex
	exitCode      *int
	exitSignal    string
	exitErr       error
	exitDelivered bool
	detached      bool
	pendingOut    [][]byte
	onData        func([]byte)
	onStderr      func([]byte)
	onError       func(error)
	onExit        func(code *int, signal string)
}

// NewProcess creates a new Process wrapping the given command.
//
// The command should not be started before calling NewProcess and must
// not have its standard streams configured. Use Supervisor.Start to start
// the process with proper tracking.
func NewProcess(id, name string, cmd *exec.Cmd) *Process {
	p := &Process{
		ID:   id,
		Name: name,
		cmd:  cmd,
		done: make(chan struct{}),
	}
	p.state.Store(int32(StateCreated))
	return p
}

// State returns the current process state.
func (p *Process) State() State {
	return State(p.state.Load())
}

// IsRunning returns true if the process is currently running.
func (p *Process) IsRunning() bool {
	return p.State() == StateRunning
}

// Exited reports whether an exit code or terminating signal has been
// recorded.
func (p *Process) Exited() bool {
	state := p.State()
	return state == StateExited || state == StateKilled
}

// ExitStatus returns the exit code (nil when killed by a signal or not yet
// exited) and the terminating signal name.
func (p *Process) ExitStatus() (code *int, signal string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode, p.exitSignal
}

// ExitError returns any error from waiting on the process.
// Returns nil if the process exited successfully or hasn't exited.
func (p *Process) ExitError() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

// Done returns a channel that is closed when the process exits.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Pid returns the process ID, or -1 if not started.
func (p *Process) Pid() int {
	if p.cmd.Process == nil {
		return -1
	}
	return p.cmd.Process.Pid
}

// ProbeAlive checks whether the process id still exists by sending it the
// null signal.
func (p *Process) ProbeAlive() bool {
	pid := p.Pid()
	if pid <= 0 || p.Exited() {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// Write sends p to the process's stdin.
func (p *Process) Write(data []byte) error {
	if !p.IsRunning() {
		return fmt.Errorf("write: %w", ErrProcessNotRunning)
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	if _, err := p.stdin.Write(data); err != nil {
		return fmt.Errorf("write stdin: %w", err)
	}
	return nil
}

// OnData sets the stdout listener and replays any held chunks to it.
func (p *Process) OnData(fn func(chunk []byte)) {
	p.outMu.Lock()
	defer p.outMu.Unlock()

	p.mu.Lock()
	p.detached = false
	p.onData = fn
	pending := p.pendingOut
	if fn != nil {
		p.pendingOut = nil
	}
	p.mu.Unlock()

	if fn != nil {
		for _, chunk := range pending {
			fn(chunk)
		}
	}
}

// OnStderr sets the stderr listener.
func (p *Process) OnStderr(fn func(chunk []byte)) {
	p.mu.Lock()
	p.detached = false
	p.onStderr = fn
	p.mu.Unlock()
}

// OnError sets the listener for stream failures.
func (p *Process) OnError(fn func(err error)) {
	p.mu.Lock()
	p.detached = false
	p.onError = fn
	p.mu.Unlock()
}

// OnExit sets the exit listener. If the process already exited and the
// exit was not yet delivered, fn is called immediately.
func (p *Process) OnExit(fn func(code *int, signal string)) {
	p.mu.Lock()
	p.detached = false
	p.onExit = fn
	deliver := fn != nil && p.Exited() && !p.exitDelivered
	if deliver {
		p.exitDelivered = true
	}
	code, signal := p.exitCode, p.exitSignal
	p.mu.Unlock()

	if deliver {
		fn(code, signal)
	}
}

// RemoveAllListeners detaches every listener and discards held output.
func (p *Process) RemoveAllListeners() {
	p.mu.Lock()
	p.detached = true
	p.onData = nil
	p.onStderr = nil
	p.onError = nil
	p.onExit = nil
	p.pendingOut = nil
	p.mu.Unlock()
}

// Signal sends a signal to the process.
// Returns an error if the process is not running.
func (p *Process) Signal(sig os.Signal) error {
	if !p.IsRunning() {
		return fmt.Errorf("signal: %w", ErrProcessNotRunning)
	}
	if p.cmd.Process == nil {
		return ErrProcessNotStarted
	}
	return p.cmd.Process.Signal(sig)
}

// Kill sends SIGKILL to the process.
func (p *Process) Kill() error {
	return p.Signal(unix.SIGKILL)
}

// Terminate sends SIGTERM to the process.
func (p *Process) Terminate() error {
	return p.Signal(unix.SIGTERM)
}

// Runtime returns the duration the process has been running.
func (p *Process) Runtime() time.Duration {
	if p.Started.IsZero() {
		return 0
	}
	return time.Since(p.Started)
}

// start pipes the standard streams, starts the process and begins
// tracking it. This is called by the Supervisor.
func (p *Process) start() error {
	if p.State() != StateCreated {
		return ErrProcessAlreadyStarted
	}

	stdin, err := p.cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout, err := p.cmd.StdoutPipe()
	if err != nil {
		_ = stdin.Close()
		return fmt.Errorf("create stdout pipe: %w", err)
	}
	stderr, err := p.cmd.StderrPipe()
	if err != nil {
		_ = stdin.Close()
		_ = stdout.Close()
		return fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := p.cmd.Start(); err != nil {
		_ = stdin.Close()
		_ = stdout.Close()
		_ = stderr.Close()
		return fmt.Errorf("start process: %w", err)
	}

	p.stdin, p.stdout, p.stderr = stdin, stdout, stderr
	p.Started = time.Now()
	p.state.Store(int32(StateRunning))

	p.readers.Add(2)
	go p.readLoop(stdout, p.emitData)
	go p.readLoop(stderr, p.emitStderr)
	go p.waitLoop()

	return nil
}

// readLoop copies a stream to a listener until EOF.
func (p *Process) readLoop(r io.Reader, emit func([]byte)) {
	defer p.readers.Done()

	buf := make([]byte, readBufferSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			emit(chunk)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				p.emitError(fmt.Errorf("read %s: %w", p.Name, err))
			}
			return
		}
	}
}

func (p *Process) emitData(chunk []byte) {
	p.outMu.Lock()
	defer p.outMu.Unlock()

	p.mu.Lock()
	fn := p.onData
	if fn == nil && !p.detached {
		p.pendingOut = append(p.pendingOut, chunk)
	}
	p.mu.Unlock()

	if fn != nil {
		fn(chunk)
	}
}

func (p *Process) emitStderr(chunk []byte) {
	p.mu.Lock()
	fn := p.onStderr
	p.mu.Unlock()

	if fn != nil {
		fn(chunk)
	}
}

func (p *Process) emitError(err error) {
	p.mu.Lock()
	fn := p.onError
	p.mu.Unlock()

	if fn != nil {
		fn(err)
	}
}

// waitLoop waits for the output streams to drain and the process to exit,
// then records the exit status and notifies the exit listener.
func (p *Process) waitLoop() {
	p.readers.Wait()
	err := p.cmd.Wait()
	_ = p.stdin.Close()

	var code *int
	var signal string
	state := StateExited

	if ps := p.cmd.ProcessState; ps != nil {
		if status, ok := ps.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			state = StateKilled
			signal = unix.SignalName(status.Signal())
			if signal == "" {
				signal = status.Signal().String()
			}
		} else {
			exitCode := ps.ExitCode()
			code = &exitCode
		}
	}

	p.mu.Lock()
	p.exitErr = err
	p.exitCode = code
	p.exitSignal = signal
	p.state.Store(int32(state))
	fn := p.onExit
	if fn != nil {
		p.exitDelivered = true
	}
	p.mu.Unlock()

	close(p.done)

	if fn != nil {
		fn(code, signal)
	}
}

// Sentinel errors for process package.
var (
	// ErrProcessNotStarted is returned when operations require a started process.
	ErrProcessNotStarted = errors.New("process not started")

	// ErrProcessAlreadyStarted is returned when trying to start an already running process.
	ErrProcessAlreadyStarted = errors.New("process already started")

	// ErrProcessNotRunning is returned when the process has already exited.
	ErrProcessNotRunning = errors.New("process not running")
)
