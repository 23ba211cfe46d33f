package process

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/stdiorpc/internal/rpc"
)

// Supervisor starts and tracks server processes.
//
// The Supervisor provides:
//   - Process start and tracking
//   - Graceful shutdown with timeout
//   - Resource cleanup
//
// Supervisor is safe for concurrent use.
type Supervisor struct {
	mu        sync.RWMutex
	processes map[string]*Process

	// closed indicates the supervisor has been shut down
	closed atomic.Bool

	// dir is the working directory of spawned processes
	dir string

	// onProcessExit is called when a process exits
	onProcessExit func(p *Process)
}

// SupervisorOption configures a Supervisor instance.
type SupervisorOption func(*Supervisor)

// WithWorkDir sets the working directory of spawned processes.
func WithWorkDir(dir string) SupervisorOption {
	return func(s *Supervisor) {
		s.dir = dir
	}
}

// WithProcessExitCallback sets a callback for when processes exit.
func WithProcessExitCallback(fn func(p *Process)) SupervisorOption {
	return func(s *Supervisor) {
		s.onProcessExit = fn
	}
}

// NewSupervisor creates a new process supervisor.
func NewSupervisor(opts ...SupervisorOption) *Supervisor {
	s := &Supervisor{
		processes: make(map[string]*Process),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Spawn starts command with args and env layered over the current
// environment. It has the signature of rpc.SpawnFunc.
func (s *Supervisor) Spawn(ctx context.Context, command string, args []string, env map[string]string) (rpc.ProcessHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmd := exec.Command(command, args...)
	cmd.Dir = s.dir
	cmd.Env = os.Environ()
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		cmd.Env = append(cmd.Env, k+"="+env[k])
	}

	proc, err := s.Start(filepath.Base(command), cmd)
	if err != nil {
		return nil, err
	}
	return proc, nil
}

// Start starts a new managed process under a generated ID.
//
// The command's standard streams are piped; it must not have them
// configured. Returns ErrSupervisorShutdown if the supervisor is shutting
// down.
func (s *Supervisor) Start(name string, cmd *exec.Cmd) (*Process, error) {
	return s.StartWithID(uuid.New().String(), name, cmd)
}

// StartWithID starts a new managed process with a specific ID.
func (s *Supervisor) StartWithID(id, name string, cmd *exec.Cmd) (*Process, error) {
	if cmd.Stdin != nil || cmd.Stdout != nil || cmd.Stderr != nil {
		return nil, fmt.Errorf("start %s: standard streams must not be configured", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Check shutdown state under lock to prevent race
	if s.closed.Load() {
		return nil, ErrSupervisorShutdown
	}

	// Check for duplicate ID
	if _, exists := s.processes[id]; exists {
		return nil, fmt.Errorf("process ID already exists: %s", id)
	}

	proc := NewProcess(id, name, cmd)

	// Start the process before tracking (so we don't track failed starts)
	if err := proc.start(); err != nil {
		return nil, err
	}

	s.processes[id] = proc

	go s.monitorProcess(proc)

	return proc, nil
}

// monitorProcess watches for process exit and cleans up.
func (s *Supervisor) monitorProcess(proc *Process) {
	<-proc.Done()

	if s.onProcessExit != nil {
		func() {
			defer func() {
				// Callback panics must not take down the supervisor.
				_ = recover()
			}()
			s.onProcessExit(proc)
		}()
	}

	s.mu.Lock()
	delete(s.processes, proc.ID)
	s.mu.Unlock()
}

// List returns all managed processes.
func (s *Supervisor) List() []*Process {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*Process, 0, len(s.processes))
	for _, p := range s.processes {
		result = append(result, p)
	}
	return result
}

// Count returns the number of managed processes.
func (s *Supervisor) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.processes)
}

// KillAll kills all managed processes immediately.
func (s *Supervisor) KillAll() {
	for _, p := range s.List() {
		if p.IsRunning() {
			_ = p.Kill()
		}
	}
}

// Shutdown gracefully shuts down all processes.
//
// It first sends SIGTERM to all processes and waits up to timeout
// for them to exit. Any processes still running after the timeout
// are killed with SIGKILL.
//
// Shutdown blocks until all processes have exited and been removed.
func (s *Supervisor) Shutdown(timeout time.Duration) {
	if s.closed.Swap(true) {
		return // Already shutting down
	}

	procs := s.List()
	if len(procs) == 0 {
		return
	}

	for _, p := range procs {
		if p.IsRunning() {
			_ = p.Terminate()
		}
	}

	done := make(chan struct{})
	go func() {
		for _, p := range procs {
			<-p.Done()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		s.KillAll()
		<-done
	}

	// Wait for monitor goroutines to remove exited processes so Count()
	// returns 0 after Shutdown completes.
	s.waitForCleanup()
}

// waitForCleanup waits for all processes to be removed from the map.
func (s *Supervisor) waitForCleanup() {
	for s.Count() > 0 {
		time.Sleep(1 * time.Millisecond)
	}
}

// ErrSupervisorShutdown is returned when the supervisor is shutting down.
var ErrSupervisorShutdown = fmt.Errorf("supervisor is shutting down")
