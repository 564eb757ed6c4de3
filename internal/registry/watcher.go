package registry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// ErrorCallback is called when the underlying watcher reports an error.
type ErrorCallback func(err error)

// Watcher evicts cached circuits from a File registry when files in their
// directory change. It only matters for operators replacing artifacts in
// place during development; published circuits are otherwise immutable.
type Watcher struct {
	reg     *File
	fsw     *fsnotify.Watcher
	onError ErrorCallback

	evictions atomic.Int64

	// Cancellation
	done chan struct{}
}

// Watch starts watching the registry root and every circuit directory in it.
// Call Start to process events and Close to release the watcher.
func (f *File) Watch() (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		reg:  f,
		fsw:  fsw,
		done: make(chan struct{}),
	}

	if err := fsw.Add(f.root); err != nil {
		fsw.Close()
		return nil, err
	}
	entries, err := os.ReadDir(f.root)
	if err != nil {
		fsw.Close()
		return nil, err
	}
	for _, e := range entries {
		if e.IsDir() && validID(e.Name()) {
			if err := fsw.Add(filepath.Join(f.root, e.Name())); err != nil {
				fsw.Close()
				return nil, err
			}
		}
	}
	return w, nil
}

// SetErrorCallback sets a callback function that will be called when errors occur.
func (w *Watcher) SetErrorCallback(cb ErrorCallback) {
	w.onError = cb
}

// Evictions returns how many change events caused an eviction.
func (w *Watcher) Evictions() int64 {
	return w.evictions.Load()
}

// Start processes events (blocking).
// Returns when the context is cancelled or Close() is called.
func (w *Watcher) Start(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			if w.onError != nil {
				w.onError(err)
			}
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}

	id := w.circuitOf(event.Name)
	if id == "" {
		return
	}

	// A new circuit directory: watch it so later writes inside are seen.
	if event.Op&fsnotify.Create != 0 && filepath.Dir(event.Name) == filepath.Clean(w.reg.root) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.fsw.Add(event.Name); err != nil && w.onError != nil {
				w.onError(fmt.Errorf("watch %s: %w", id, err))
			}
		}
	}

	w.reg.Evict(id)
	w.evictions.Add(1)
}

// circuitOf maps a path inside the root to the circuit directory it belongs to.
func (w *Watcher) circuitOf(path string) string {
	rel, err := filepath.Rel(w.reg.root, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return ""
	}
	id := strings.SplitN(filepath.ToSlash(rel), "/", 2)[0]
	if !validID(id) {
		return ""
	}
	return id
}

// Close stops the watcher and signals Start() to return.
func (w *Watcher) Close() error {
	select {
	case <-w.done:
		// Already closed
	default:
		close(w.done)
	}
	return w.fsw.Close()
}
