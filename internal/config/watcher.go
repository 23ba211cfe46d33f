package config

import (
	"errors"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ErrWatcherClosed is returned when operating on a closed watcher.
var ErrWatcherClosed = errors.New("watcher closed")

// ReloadFunc receives the reloaded configuration, or the error that
// prevented reloading it.
type ReloadFunc func(cfg *Config, err error)

// Watcher reloads a configuration file when it changes.
//
// The file's directory is watched rather than the file itself so editors
// that replace the file on save are still seen. Bursts of events are
// collapsed into one reload after the debounce delay.
type Watcher struct {
	path     string
	debounce time.Duration
	onReload ReloadFunc

	watcher *fsnotify.Watcher

	mu     sync.Mutex
	timer  *time.Timer
	closed bool

	closeCh chan struct{}
	wg      sync.WaitGroup
}

// WatchOption configures a Watcher.
type WatchOption func(*Watcher)

// WithDebounce sets the delay between the last change and the reload.
func WithDebounce(d time.Duration) WatchOption {
	return func(w *Watcher) {
		if d >= 0 {
			w.debounce = d
		}
	}
}

// NewWatcher starts watching path and calls onReload after each change.
func NewWatcher(path string, onReload ReloadFunc, opts ...WatchOption) (*Watcher, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(filepath.Dir(absPath)); err != nil {
		_ = fsw.Close()
		return nil, err
	}

	w := &Watcher{
		path:     absPath,
		debounce: 100 * time.Millisecond,
		onReload: onReload,
		watcher:  fsw,
		closeCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	w.wg.Add(1)
	go w.processLoop()

	return w, nil
}

// Path returns the absolute path being watched.
func (w *Watcher) Path() string {
	return w.path
}

func (w *Watcher) processLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.closeCh:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.schedule()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.deliver(nil, err)
		}
	}
}

// schedule (re)arms the debounce timer.
func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.reload)
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	w.deliver(cfg, err)
}

func (w *Watcher) deliver(cfg *Config, err error) {
	w.mu.Lock()
	closed := w.closed
	w.mu.Unlock()

	if !closed && w.onReload != nil {
		w.onReload(cfg, err)
	}
}

// Close stops watching and cancels any pending reload.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrWatcherClosed
	}
	w.closed = true
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()

	close(w.closeCh)
	err := w.watcher.Close()
	w.wg.Wait()
	return err
}
