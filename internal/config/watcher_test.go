package config

import (
	"errors"
	"os"
	"testing"
	"time"
)

func TestWatcher_Reload(t *testing.T) {
	path := writeFile(t, "stdiorpc.toml", "[resync]\nmaxRetries = 1\n")

	reloads := make(chan *Config, 4)
	w, err := NewWatcher(path, func(cfg *Config, err error) {
		if err != nil {
			t.Errorf("reload error: %v", err)
			return
		}
		reloads <- cfg
	}, WithDebounce(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Close()

	if err := os.WriteFile(path, []byte("[resync]\nmaxRetries = 7\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case cfg := <-reloads:
		if cfg.Resync.MaxRetries != 7 {
			t.Errorf("maxRetries = %d, want 7", cfg.Resync.MaxRetries)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reload after change")
	}
}

func TestWatcher_IgnoresOtherFiles(t *testing.T) {
	path := writeFile(t, "stdiorpc.toml", "")

	reloads := make(chan struct{}, 1)
	w, err := NewWatcher(path, func(*Config, error) {
		reloads <- struct{}{}
	}, WithDebounce(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Close()

	sibling := path + ".bak"
	if err := os.WriteFile(sibling, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case <-reloads:
		t.Error("reload triggered by an unrelated file")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestWatcher_Close(t *testing.T) {
	w, err := NewWatcher(writeFile(t, "stdiorpc.toml", ""), nil)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}

	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := w.Close(); !errors.Is(err, ErrWatcherClosed) {
		t.Errorf("second Close = %v, want ErrWatcherClosed", err)
	}
}
