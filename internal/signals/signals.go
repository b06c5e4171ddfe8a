// Package signals carries operator stop requests to the iteration loop.
//
// A request comes from a file in the signals directory (pause or stop,
// written by `ralph pause` or by hand) or from the process itself on the
// first interrupt. The loop polls a Token at its checkpoints; nothing here
// interrupts a running agent.
package signals

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Signal file names inside the signals directory.
const (
	PauseFile = "pause"
	StopFile  = "stop"
)

// Token is polled by the loop at safe points.
type Token interface {
	// StopRequested reports whether the loop should stop and why.
	StopRequested() (bool, string)
}

// Never is a Token that never requests a stop.
type Never struct{}

func (Never) StopRequested() (bool, string) { return false, "" }

// Watcher watches the signals directory and also accepts in-process
// requests. It falls back to stat polling when fsnotify is unavailable.
type Watcher struct {
	dir string

	mu     sync.RWMutex
	reason string

	watcher *fsnotify.Watcher
	done    chan struct{}
	once    sync.Once
}

// NewWatcher creates the signals directory if needed and starts watching
// it.
func NewWatcher(dir string) (*Watcher, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create signals dir: %w", err)
	}
	w := &Watcher{dir: dir, done: make(chan struct{})}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		// Polling fallback.
		return w, nil
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return w, nil
	}
	w.watcher = fw
	go w.watch()
	return w, nil
}

func (w *Watcher) watch() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			switch filepath.Base(event.Name) {
			case PauseFile:
				w.Request("pause requested")
			case StopFile:
				w.Request("stop requested")
			}
		case _, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

// Request records a stop request. The first reason wins.
func (w *Watcher) Request(reason string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.reason == "" {
		w.reason = reason
	}
}

// StopRequested checks the signal files directly in case the watcher
// missed an event.
func (w *Watcher) StopRequested() (bool, string) {
	if exists(filepath.Join(w.dir, PauseFile)) {
		w.Request("pause requested")
	} else if exists(filepath.Join(w.dir, StopFile)) {
		w.Request("stop requested")
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.reason != "", w.reason
}

// Close stops watching.
func (w *Watcher) Close() error {
	var err error
	w.once.Do(func() {
		close(w.done)
		if w.watcher != nil {
			err = w.watcher.Close()
		}
	})
	return err
}

// SendPause writes the pause file into dir.
func SendPause(dir string) error { return send(dir, PauseFile) }

// SendStop writes the stop file into dir.
func SendStop(dir string) error { return send(dir, StopFile) }

func send(dir, name string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create signals dir: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, name), []byte(time.Now().Format(time.RFC3339)+"\n"), 0o644)
}

// Paused reports whether a pause file is present in dir.
func Paused(dir string) bool { return exists(filepath.Join(dir, PauseFile)) }

// Clear removes both signal files from dir. Missing files are not an error.
func Clear(dir string) error {
	var errs []error
	for _, name := range []string{PauseFile, StopFile} {
		if err := os.Remove(filepath.Join(dir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
