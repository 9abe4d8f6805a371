// Package rulebook owns the on-disk rulebook file and the in-memory
// snapshot shared read-only by the Judge and Learner.
package rulebook

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sentryguard/waf/internal/waf/model"
)

// Snapshot is an immutable view of the rulebook at a specific version,
// safe to hand to many concurrent readers.
type Snapshot = model.Rulebook

// Store owns the rulebook file and publishes atomically-swapped
// snapshots to readers. Readers only ever see a fully validated
// rulebook: invalid content on disk keeps the previous snapshot.
type Store struct {
	path string

	snapshot atomic.Pointer[Snapshot]

	changesMu sync.Mutex
	changes   []chan *Snapshot

	watcher *watcher
}

// Open loads the rulebook file at path, or initializes an empty rulebook
// at version 1 if the file does not exist. Load errors other than
// "not found" are fatal to startup, per the error taxonomy.
func Open(path string) (*Store, error) {
	s := &Store{path: path}

	view, err := loadAndValidate(path)
	if err != nil {
		if os.IsNotExist(err) {
			view = emptyRulebook()
			if writeErr := atomicWrite(path, view); writeErr != nil {
				return nil, fmt.Errorf("rulebook: initialize empty rulebook: %w", writeErr)
			}
		} else {
			return nil, fmt.Errorf("rulebook: load: %w", err)
		}
	}
	s.snapshot.Store(view)

	w, err := newWatcher(path, s.reload)
	if err != nil {
		return nil, fmt.Errorf("rulebook: watcher: %w", err)
	}
	s.watcher = w

	return s, nil
}

func emptyRulebook() *Snapshot {
	return &Snapshot{
		Version:   1,
		UpdatedAt: nowISO(),
		Rules:     []model.Rule{},
	}
}

// Close stops the hot-reload watcher.
func (s *Store) Close() error {
	if s.watcher != nil {
		return s.watcher.Stop()
	}
	return nil
}

// SnapshotNow returns the current, immutable snapshot. Cheap: it is just
// an atomic pointer load.
func (s *Store) SnapshotNow() *Snapshot {
	return s.snapshot.Load()
}

// Publish serializes the given rules as a new rulebook version, writes
// them atomically (temp file + rename), increments the version, stamps
// updated_at, swaps the in-memory snapshot, and notifies subscribers.
// Version and updated_at are always recomputed here so external callers
// cannot accidentally regress monotonicity.
func (s *Store) Publish(rules []model.Rule) (*Snapshot, error) {
	current := s.snapshot.Load()
	next := &Snapshot{
		Version:   current.Version + 1,
		UpdatedAt: nowISO(),
		Rules:     rules,
	}
	if err := next.Validate(); err != nil {
		return nil, fmt.Errorf("rulebook: publish validation failed: %w", err)
	}
	if err := atomicWrite(s.path, next); err != nil {
		return nil, fmt.Errorf("rulebook: publish write failed: %w", err)
	}
	s.snapshot.Store(next)
	s.notify(next)
	return next, nil
}

// reload is invoked by the watcher when the rulebook file changes on
// disk (by an external writer, or by our own Publish). Invalid content
// is never substituted silently: the previous snapshot is retained and
// the error is surfaced to the log only.
func (s *Store) reload() {
	view, err := loadAndValidate(s.path)
	if err != nil {
		slog.Warn("rulebook: reload failed, keeping previous snapshot", "error", err)
		return
	}
	current := s.snapshot.Load()
	if current != nil && view.Version < current.Version {
		// A reader already observed a newer version; never regress.
		return
	}
	s.snapshot.Store(view)
	s.notify(view)
}

// Subscribe returns a single-consumer, coalescing channel of change
// events: the consumer only ever needs the latest snapshot, so a full
// channel drops older pending notifications rather than blocking the
// publisher.
func (s *Store) Subscribe() <-chan *Snapshot {
	ch := make(chan *Snapshot, 1)
	s.changesMu.Lock()
	s.changes = append(s.changes, ch)
	s.changesMu.Unlock()
	return ch
}

func (s *Store) notify(view *Snapshot) {
	s.changesMu.Lock()
	defer s.changesMu.Unlock()
	for _, ch := range s.changes {
		select {
		case ch <- view:
		default:
			// Coalesce: drain the stale pending value, then deliver the
			// latest.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- view:
			default:
			}
		}
	}
}

func nowISO() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05Z")
}

func loadAndValidate(path string) (*Snapshot, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var view Snapshot
	if err := json.Unmarshal(raw, &view); err != nil {
		return nil, fmt.Errorf("rulebook: invalid json: %w", err)
	}
	if err := view.Validate(); err != nil {
		return nil, fmt.Errorf("rulebook: invalid content: %w", err)
	}
	return &view, nil
}

// atomicWrite serializes v as pretty JSON with a trailing newline and
// writes it via temp-file-then-rename so readers never observe a torn
// write.
func atomicWrite(path string, v *Snapshot) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	raw = append(raw, '\n')

	dir := filepath.Dir(path)
	if dir == "" {
		dir = "."
	}
	tmp, err := os.CreateTemp(dir, ".rulebook-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}
