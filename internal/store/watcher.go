package store

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ///////////////////////////////////////////////
// Watcher
// ///////////////////////////////////////////////

// Watcher reports changes to a store file made by anyone, including this
// process. It watches the parent directory, because atomic saves replace
// the file and a watch on the old inode would go silent. When fsnotify is
// unavailable it polls the modification time instead.
//
// Callers pair it with [FileStore.Modified] to ignore their own saves.
type Watcher struct {
	// path is the watched store file.
	path string
	// events is buffered to 1 so bursts of writes coalesce into one signal.
	events chan struct{}
	// done is closed by [Watcher.Close].
	done chan struct{}
	// fsw is nil while polling.
	fsw  *fsnotify.Watcher
	once sync.Once
	// polling is set once the watcher has fallen back to stat polling.
	polling      atomic.Bool
	pollInterval time.Duration
}

// NewWatcher starts watching the store file at path.
func NewWatcher(path string) (*Watcher, error) {
	return newWatcher(path, 2*time.Second)
}

func newWatcher(path string, pollInterval time.Duration) (*Watcher, error) {
	w := &Watcher{
		path:         path,
		events:       make(chan struct{}, 1),
		done:         make(chan struct{}),
		pollInterval: pollInterval,
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Info("fsnotify unavailable, falling back to polling", "error", err)
		w.startPolling()
		return w, nil
	}
	if err := fsw.Add(dir); err != nil {
		slog.Info("cannot watch store directory, falling back to polling", "path", dir, "error", err)
		fsw.Close()
		w.startPolling()
		return w, nil
	}
	w.fsw = fsw
	go w.watch()
	return w, nil
}

// Events receives a signal after the store file is written, created or
// renamed into place.
func (w *Watcher) Events() <-chan struct{} { return w.events }

// Polling reports whether the watcher fell back to polling.
func (w *Watcher) Polling() bool { return w.polling.Load() }

// Close stops the watcher. It is safe to call more than once.
func (w *Watcher) Close() error {
	var err error
	w.once.Do(func() {
		close(w.done)
		if w.fsw != nil {
			if closeErr := w.fsw.Close(); closeErr != nil {
				err = fmt.Errorf("closing fsnotify watcher: %w", closeErr)
			}
		}
	})
	return err
}

func (w *Watcher) watch() {
	base := filepath.Base(w.path)
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				w.notify()
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			slog.Info("fsnotify error, switching to polling", "error", err)
			w.fsw.Close()
			w.startPolling()
			return
		}
	}
}

func (w *Watcher) startPolling() {
	w.polling.Store(true)
	go w.poll()
}

// poll stats the store file and signals when its modification time or
// size changes.
func (w *Watcher) poll() {
	lastMod, lastSize := w.stat()

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			mod, size := w.stat()
			if !mod.Equal(lastMod) || size != lastSize {
				lastMod, lastSize = mod, size
				w.notify()
			}
		}
	}
}

func (w *Watcher) stat() (time.Time, int64) {
	info, err := os.Stat(w.path)
	if err != nil {
		return time.Time{}, -1
	}
	return info.ModTime(), info.Size()
}

// notify queues one signal; if one is already pending the call is dropped.
func (w *Watcher) notify() {
	select {
	case w.events <- struct{}{}:
	default:
	}
}
