package trigger

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ChangeKind classifies a registry change
type ChangeKind string

const (
	ChangeAdded   ChangeKind = "added"
	ChangeUpdated ChangeKind = "updated"
	ChangeRemoved ChangeKind = "removed"
)

// ChangeEvent notifies dependents of one trigger's change. Trigger is
// nil for removals.
type ChangeEvent struct {
	Kind    ChangeKind
	ID      string
	Trigger *Trigger
}

// snapshot is the immutable registry state. Readers never lock: they
// load the current snapshot pointer and work against it.
type snapshot struct {
	byID map[string]*Trigger
}

// StoreConfig holds trigger store configuration
type StoreConfig struct {
	// Debounce coalesces rapid successive filesystem events per
	// directory before reloading (default: 100ms). Editors that save
	// via temp-then-rename produce several events per logical write.
	Debounce time.Duration
}

// DefaultStoreConfig returns default store configuration
func DefaultStoreConfig() *StoreConfig {
	return &StoreConfig{
		Debounce: 100 * time.Millisecond,
	}
}

// Store loads trigger definitions from watched directories and exposes
// a queryable, hot-reloaded in-memory registry.
type Store struct {
	current  atomic.Pointer[snapshot]
	debounce time.Duration

	// reloadMu serializes reloads; concurrent Reload calls queue up
	// rather than merging
	reloadMu sync.Mutex

	mu      sync.Mutex // guards dirs, subs, timers, watcher lifecycle
	dirs    []string
	subs    []chan ChangeEvent
	timers  map[string]*time.Timer
	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	doneCh  chan struct{}
	closed  bool
}

// NewStore creates a trigger store with an empty registry
func NewStore(cfg *StoreConfig) (*Store, error) {
	if cfg == nil {
		cfg = DefaultStoreConfig()
	}
	debounce := cfg.Debounce
	if debounce == 0 {
		debounce = 100 * time.Millisecond
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create filesystem watcher: %w", err)
	}

	s := &Store{
		debounce: debounce,
		timers:   make(map[string]*time.Timer),
		watcher:  watcher,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	s.current.Store(&snapshot{byID: make(map[string]*Trigger)})

	go s.watchLoop()

	return s, nil
}

// Close stops the filesystem watch and releases the watcher
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for _, t := range s.timers {
		t.Stop()
	}
	s.mu.Unlock()

	close(s.stopCh)
	err := s.watcher.Close()
	<-s.doneCh
	return err
}

// AddWatchDirectory registers a directory for filesystem notification
// and loads any definitions already present.
func (s *Store) AddWatchDirectory(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to stat watch directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", path)
	}

	s.mu.Lock()
	for _, d := range s.dirs {
		if d == path {
			s.mu.Unlock()
			return nil // Already watched
		}
	}
	s.dirs = append(s.dirs, path)
	s.mu.Unlock()

	if err := s.watcher.Add(path); err != nil {
		return fmt.Errorf("failed to watch %s: %w", path, err)
	}

	_, err = s.Reload()
	return err
}

// Subscribe returns a channel of per-trigger change events. Slow
// subscribers drop events rather than blocking reloads.
func (s *Store) Subscribe() <-chan ChangeEvent {
	ch := make(chan ChangeEvent, 64)
	s.mu.Lock()
	s.subs = append(s.subs, ch)
	s.mu.Unlock()
	return ch
}

// GetByID returns the trigger with the given id from the current
// snapshot. Never blocks on I/O.
func (s *Store) GetByID(id string) (*Trigger, bool) {
	t, ok := s.current.Load().byID[id]
	return t, ok
}

// GetByTriggerType returns all triggers carrying a condition of the
// given type, sorted by id for stable iteration.
func (s *Store) GetByTriggerType(ct ConditionType) []*Trigger {
	snap := s.current.Load()
	var out []*Trigger
	for _, t := range snap.byID {
		if t.HasType(ct) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// All returns every trigger in the current snapshot, sorted by id
func (s *Store) All() []*Trigger {
	snap := s.current.Load()
	out := make([]*Trigger, 0, len(snap.byID))
	for _, t := range snap.byID {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Reload re-scans every watched directory, diffs the result against the
// current registry, swaps in the new snapshot, and emits one change
// event per affected id. A file that fails to parse is logged and
// skipped without discarding the rest of the scan.
func (s *Store) Reload() ([]ChangeEvent, error) {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	s.mu.Lock()
	dirs := make([]string, len(s.dirs))
	copy(dirs, s.dirs)
	s.mu.Unlock()

	next := make(map[string]*Trigger)
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			// A vanished directory drops its triggers; the diff below
			// reports them as removed
			fmt.Fprintf(os.Stderr, "Warning: failed to read trigger directory %s: %v\n", dir, err)
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() || !isTriggerFile(entry.Name()) {
				continue
			}
			path := filepath.Join(dir, entry.Name())
			t, err := ParseFile(path)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Warning: skipping trigger file %s: %v\n", path, err)
				continue
			}
			if _, dup := next[t.ID]; dup {
				fmt.Fprintf(os.Stderr, "Warning: duplicate trigger id %s in %s, keeping the first\n", t.ID, path)
				continue
			}
			next[t.ID] = t
		}
	}

	prev := s.current.Load()
	var events []ChangeEvent
	for id, t := range next {
		old, existed := prev.byID[id]
		if !existed {
			events = append(events, ChangeEvent{Kind: ChangeAdded, ID: id, Trigger: t})
		} else if !reflect.DeepEqual(old, t) {
			events = append(events, ChangeEvent{Kind: ChangeUpdated, ID: id, Trigger: t})
		}
	}
	for id := range prev.byID {
		if _, still := next[id]; !still {
			events = append(events, ChangeEvent{Kind: ChangeRemoved, ID: id})
		}
	}
	sort.Slice(events, func(i, j int) bool { return events[i].ID < events[j].ID })

	// Publish the full replacement map with a single pointer swap;
	// readers never observe a half-updated registry
	s.current.Store(&snapshot{byID: next})

	s.mu.Lock()
	subs := make([]chan ChangeEvent, len(s.subs))
	copy(subs, s.subs)
	s.mu.Unlock()

	for _, ev := range events {
		for _, ch := range subs {
			select {
			case ch <- ev:
			default:
				fmt.Fprintf(os.Stderr, "Warning: dropping trigger change event %s/%s for slow subscriber\n", ev.Kind, ev.ID)
			}
		}
	}

	return events, nil
}

// watchLoop turns raw filesystem events into debounced reloads. The
// debounce timer is per directory so unrelated directories reload
// independently.
func (s *Store) watchLoop() {
	defer close(s.doneCh)

	for {
		select {
		case <-s.stopCh:
			return

		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if !isTriggerFile(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			s.scheduleReload(filepath.Dir(event.Name))

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			fmt.Fprintf(os.Stderr, "Warning: trigger watch error: %v\n", err)
		}
	}
}

func (s *Store) scheduleReload(dir string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	if timer, ok := s.timers[dir]; ok {
		timer.Reset(s.debounce)
		return
	}
	s.timers[dir] = time.AfterFunc(s.debounce, func() {
		s.mu.Lock()
		delete(s.timers, dir)
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return
		}
		if _, err := s.Reload(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: trigger reload failed: %v\n", err)
		}
	})
}
