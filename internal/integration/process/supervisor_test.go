package process

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dshills/stdiorpc/internal/rpc"
)

// echoServer answers every request that carries an id with {"echo":true}.
const echoServer = `while IFS= read -r line; do
id=$(printf '%s' "$line" | sed -n 's/.*"id":\([0-9]*\).*/\1/p')
[ -n "$id" ] && printf '{"jsonrpc":"2.0","id":%s,"result":{"echo":true}}\n' "$id"
done`

func TestNewSupervisor(t *testing.T) {
	s := NewSupervisor()
	defer s.Shutdown(time.Second)

	if s.Count() != 0 {
		t.Errorf("expected 0 processes, got %d", s.Count())
	}
}

func TestSupervisor_WithProcessExitCallback(t *testing.T) {
	exited := make(chan *Process, 1)

	s := NewSupervisor(WithProcessExitCallback(func(p *Process) {
		exited <- p
	}))
	defer s.Shutdown(time.Second)

	proc, err := s.Start("test", exec.Command("true"))
	if err != nil {
		t.Fatalf("failed to start process: %v", err)
	}

	select {
	case got := <-exited:
		if got.ID != proc.ID {
			t.Error("callback received wrong process")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("exit callback was not called")
	}
}

func TestSupervisor_Start(t *testing.T) {
	s := NewSupervisor()
	defer s.Shutdown(time.Second)

	proc, err := s.Start("test", exec.Command("true"))
	if err != nil {
		t.Fatalf("failed to start process: %v", err)
	}

	if proc.ID == "" {
		t.Error("expected non-empty process ID")
	}
	if proc.Name != "test" {
		t.Errorf("expected name 'test', got %q", proc.Name)
	}

	waitDone(t, proc)

	deadline := time.Now().Add(2 * time.Second)
	for s.Count() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("expected 0 processes after exit, got %d", s.Count())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSupervisor_StartWithConfiguredStreams(t *testing.T) {
	s := NewSupervisor()
	defer s.Shutdown(time.Second)

	cmd := exec.Command("true")
	cmd.Stdout = io.Discard
	if _, err := s.Start("test", cmd); err == nil {
		t.Error("expected error for a command with configured stdout")
	}
}

func TestSupervisor_StartWithID_Duplicate(t *testing.T) {
	s := NewSupervisor()
	defer s.Shutdown(time.Second)

	proc1, err := s.StartWithID("same-id", "test1", exec.Command("sleep", "10"))
	if err != nil {
		t.Fatalf("failed to start proc1: %v", err)
	}
	defer proc1.Kill()

	if proc1.ID != "same-id" {
		t.Errorf("expected ID 'same-id', got %q", proc1.ID)
	}
	if _, err := s.StartWithID("same-id", "test2", exec.Command("sleep", "10")); err == nil {
		t.Error("expected error for duplicate ID")
	}
}

func TestSupervisor_StartMissingExecutable(t *testing.T) {
	s := NewSupervisor()
	defer s.Shutdown(time.Second)

	if _, err := s.Start("missing", exec.Command("/nonexistent/stdiorpc-server")); err == nil {
		t.Fatal("expected error for missing executable")
	}
	if s.Count() != 0 {
		t.Errorf("failed start was tracked: %d processes", s.Count())
	}
}

func TestSupervisor_List(t *testing.T) {
	s := NewSupervisor()
	defer s.Shutdown(time.Second)

	proc1, _ := s.StartWithID("test-id", "proc1", exec.Command("sleep", "10"))
	proc2, _ := s.Start("proc2", exec.Command("sleep", "10"))
	defer proc1.Kill()
	defer proc2.Kill()

	list := s.List()
	if len(list) != 2 {
		t.Fatalf("expected 2 processes, got %d", len(list))
	}
	var found bool
	for _, p := range list {
		if p.ID == "test-id" && p == proc1 {
			found = true
		}
	}
	if !found {
		t.Error("process started with an explicit id is missing")
	}
}

func TestSupervisor_KillAll(t *testing.T) {
	s := NewSupervisor()
	defer s.Shutdown(time.Second)

	proc1, _ := s.Start("proc1", exec.Command("sleep", "10"))
	proc2, _ := s.Start("proc2", exec.Command("sleep", "10"))

	s.KillAll()

	waitDone(t, proc1)
	waitDone(t, proc2)
}

func TestSupervisor_Shutdown(t *testing.T) {
	s := NewSupervisor()

	proc1, _ := s.Start("proc1", exec.Command("sleep", "10"))
	proc2, _ := s.Start("proc2", exec.Command("sleep", "10"))

	s.Shutdown(2 * time.Second)

	for _, proc := range []*Process{proc1, proc2} {
		select {
		case <-proc.Done():
		default:
			t.Errorf("%s should be done after shutdown", proc.Name)
		}
	}

	if s.Count() != 0 {
		t.Errorf("expected 0 processes after shutdown, got %d", s.Count())
	}
}

func TestSupervisor_Shutdown_Timeout(t *testing.T) {
	s := NewSupervisor()

	proc, _ := s.Start("stubborn", exec.Command("sh", "-c", "trap '' TERM; while :; do sleep 1; done"))

	time.Sleep(100 * time.Millisecond)

	start := time.Now()
	s.Shutdown(500 * time.Millisecond)
	elapsed := time.Since(start)

	if elapsed < 400*time.Millisecond {
		t.Errorf("shutdown was too fast: %v", elapsed)
	}

	select {
	case <-proc.Done():
	default:
		t.Error("process should be done after shutdown")
	}
}

func TestSupervisor_StartAfterShutdown(t *testing.T) {
	s := NewSupervisor()
	s.Shutdown(time.Second)
	s.Shutdown(time.Second)

	if _, err := s.Start("test", exec.Command("true")); !errors.Is(err, ErrSupervisorShutdown) {
		t.Errorf("expected ErrSupervisorShutdown, got %v", err)
	}
}

func TestSupervisor_Concurrent(t *testing.T) {
	s := NewSupervisor()
	defer s.Shutdown(time.Second)

	var wg sync.WaitGroup
	var failures atomic.Int32

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			proc, err := s.Start("worker", exec.Command("true"))
			if err != nil {
				failures.Add(1)
				return
			}
			<-proc.Done()
		}()
	}

	wg.Wait()
	if n := failures.Load(); n != 0 {
		t.Errorf("%d concurrent starts failed", n)
	}
}

func TestSupervisor_Spawn(t *testing.T) {
	s := NewSupervisor()
	defer s.Shutdown(time.Second)

	handle, err := s.Spawn(context.Background(), "sh",
		[]string{"-c", `printf '%s' "$STDIORPC_TEST_VALUE"`},
		map[string]string{"STDIORPC_TEST_VALUE": "from-env"})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	proc, ok := handle.(*Process)
	if !ok {
		t.Fatalf("Spawn returned %T, want *Process", handle)
	}
	if proc.Name != "sh" {
		t.Errorf("name = %q, want %q", proc.Name, "sh")
	}
	waitDone(t, proc)

	out := &collector{}
	proc.OnData(out.add)
	if got := out.String(); got != "from-env" {
		t.Errorf("stdout = %q, want %q", got, "from-env")
	}
}

func TestSupervisor_SpawnWorkDir(t *testing.T) {
	dir, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatalf("EvalSymlinks: %v", err)
	}
	s := NewSupervisor(WithWorkDir(dir))
	defer s.Shutdown(time.Second)

	handle, err := s.Spawn(context.Background(), "sh", []string{"-c", "pwd -P"}, nil)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	proc := handle.(*Process)
	waitDone(t, proc)

	out := &collector{}
	proc.OnData(out.add)
	if got := strings.TrimSpace(out.String()); got != dir {
		t.Errorf("working directory = %q, want %q", got, dir)
	}
}

func TestSupervisor_SpawnCanceled(t *testing.T) {
	s := NewSupervisor()
	defer s.Shutdown(time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := s.Spawn(ctx, "true", nil, nil); !errors.Is(err, context.Canceled) {
		t.Errorf("Spawn with canceled context = %v, want context.Canceled", err)
	}
}

func TestSupervisor_ClientRoundTrip(t *testing.T) {
	s := NewSupervisor()
	defer s.Shutdown(time.Second)

	caps := rpc.Capabilities{
		ServerCommand: func() (rpc.ServerCommand, error) {
			return rpc.ServerCommand{Command: "sh", Args: []string{"-c", echoServer}}, nil
		},
	}
	client, err := rpc.NewClient(caps, s.Spawn)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer client.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := client.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if client.State() != rpc.StateConnected {
		t.Fatalf("state = %v, want connected", client.State())
	}
	if !client.IsAlive() {
		t.Error("expected server to be alive")
	}

	var result struct {
		Echo bool `json:"echo"`
	}
	if err := client.Call(ctx, rpc.ToolsListMethod, nil, &result); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if !result.Echo {
		t.Error("expected echoed result")
	}

	raw, err := client.Request(ctx, "custom/method", map[string]any{"x": 1})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if !json.Valid(raw) {
		t.Errorf("invalid result %q", raw)
	}

	client.Stop()
	if client.State() != rpc.StateDisconnected {
		t.Errorf("state after Stop = %v, want disconnected", client.State())
	}
}

func TestSupervisor_ClientServerExit(t *testing.T) {
	s := NewSupervisor()
	defer s.Shutdown(time.Second)

	caps := rpc.Capabilities{
		ServerCommand: func() (rpc.ServerCommand, error) {
			return rpc.ServerCommand{Command: "sh", Args: []string{"-c", "read -r line; exit 7"}}, nil
		},
	}
	client, err := rpc.NewClient(caps, s.Spawn)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer client.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err = client.Start(ctx)
	var exitErr *rpc.ServerExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("Start = %v, want ServerExitError", err)
	}
	if exitErr.Code == nil || *exitErr.Code != 7 {
		t.Errorf("exit code = %v, want 7", exitErr.Code)
	}
	if client.State() != rpc.StateError {
		t.Errorf("state = %v, want error", client.State())
	}
}
