package rulebook

import (
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceMs coalesces the burst of events an editor or atomicWrite's own
// temp-file-then-rename sequence generates into a single reload.
const debounceMs = 200

// watcher observes the rulebook file for external changes and schedules
// a debounced reload. File editors (and our own Publish) emit a burst of
// events for a single logical update; coalescing avoids re-parsing the
// file on every intermediate event.
type watcher struct {
	fsw      *fsnotify.Watcher
	path     string
	filename string

	debounceMu sync.Mutex
	timer      *time.Timer

	stopCh chan struct{}
	doneCh chan struct{}
}

func newWatcher(path string, onChange func()) (*watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	dir := filepath.Dir(path)
	if dir == "" {
		dir = "."
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &watcher{
		fsw:      fsw,
		path:     path,
		filename: filepath.Base(path),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	go w.loop(onChange)
	return w, nil
}

func (w *watcher) loop(onChange func()) {
	defer close(w.doneCh)
	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(event, onChange)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			slog.Warn("rulebook: watcher error", "error", err)
		case <-w.stopCh:
			return
		}
	}
}

func (w *watcher) handleEvent(event fsnotify.Event, onChange func()) {
	if filepath.Base(event.Name) != w.filename {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return
	}
	w.debounce(onChange)
}

func (w *watcher) debounce(callback func()) {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(debounceMs*time.Millisecond, callback)
}

// Stop is idempotent and waits for the watch loop to exit before closing
// the underlying fsnotify watcher.
func (w *watcher) Stop() error {
	select {
	case <-w.stopCh:
		return nil
	default:
		close(w.stopCh)
	}

	select {
	case <-w.doneCh:
	case <-time.After(5 * time.Second):
	}
	return w.fsw.Close()
}
