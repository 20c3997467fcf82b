// Package statestore implements the Durable State Store (C2): atomic
// read/write of the LoopState document and an advisory lock enforcing one
// active run per workspace, per spec.md §4.2. The write discipline
// generalizes the teacher's write-then-rename idiom (implied by its JSONL
// append model in task/runner.go's openLog/writeLogTrailer) from
// append-only logging to whole-document atomic replace.
package statestore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/smileorch/smile/internal/loop"
)

// ErrAlreadyHeld is returned by AcquireLock when another process already
// holds the workspace lock.
var ErrAlreadyHeld = errors.New("statestore: lock already held")

// ErrCorruptState is returned by Load when state.json exists but cannot be
// parsed.
var ErrCorruptState = errors.New("statestore: corrupt state document")

// lockInfo is the JSON content of state.lock.
type lockInfo struct {
	RunID     string    `json:"run_id"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
}

// Lock represents a held workspace lock. Release must be called to free
// it, typically via defer; further calls are no-ops.
type Lock struct {
	path string
}

// Release removes the lock file. Safe to call once; subsequent calls are
// no-ops.
func (l *Lock) Release() error {
	if l == nil || l.path == "" {
		return nil
	}
	err := os.Remove(l.path)
	l.path = ""
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Store is the C2 contract: atomic persistence plus advisory locking.
type Store struct {
	dir       string // workspace .smile directory
	statePath string
	lockPath  string

	watcher *fsnotify.Watcher
	locked  bool
}

// New returns a Store rooted at dir (created if missing).
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create state dir %s: %w", dir, err)
	}
	return &Store{
		dir:       dir,
		statePath: filepath.Join(dir, "state.json"),
		lockPath:  filepath.Join(dir, "state.lock"),
	}, nil
}

// StatePath returns the path to state.json, for diagnostics.
func (s *Store) StatePath() string {
	return s.statePath
}

// AcquireLock exclusively creates state.lock. Returns ErrAlreadyHeld if a
// lock file already exists; the PID recorded in an existing lock file is
// not checked, so a lock left by a dead process also blocks.
func (s *Store) AcquireLock(runID string) (*Lock, error) {
	info := lockInfo{RunID: runID, PID: os.Getpid(), StartedAt: time.Now().UTC()}
	data, err := json.Marshal(info)
	if err != nil {
		return nil, fmt.Errorf("marshal lock info: %w", err)
	}
	f, err := os.OpenFile(s.lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyHeld, s.lockPath)
		}
		return nil, fmt.Errorf("create lock file: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		_ = os.Remove(s.lockPath)
		return nil, fmt.Errorf("write lock file: %w", err)
	}
	s.locked = true
	return &Lock{path: s.lockPath}, nil
}

// Load reads and parses state.json. Returns (nil, nil) if no state
// document exists.
func (s *Store) Load() (*loop.LoopState, error) {
	data, err := os.ReadFile(s.statePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read state file: %w", err)
	}
	var ls loop.LoopState
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&ls); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptState, err)
	}
	return &ls, nil
}

// Save atomically replaces state.json: write to a sibling temp file, fsync
// it, then rename over the target. After Save returns, a subsequent Load
// in this or any future process observes the just-saved document or an
// older one — never a partial document.
func (s *Store) Save(ls *loop.LoopState) error {
	data, err := json.MarshalIndent(ls, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	tmp, err := os.CreateTemp(s.dir, "state-*.json.tmp")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("fsync temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp state file: %w", err)
	}
	if err := os.Rename(tmpPath, s.statePath); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename temp state file: %w", err)
	}
	return nil
}

// Clear removes state.json, used on normal Completed exit.
func (s *Store) Clear() error {
	err := os.Remove(s.statePath)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// WatchForTampering starts an fsnotify watch on the state directory purely
// for diagnostic logging: a removed or renamed state.json/state.lock while
// the lock is held is logged at WARN, and a write to either at DEBUG
// (writes are not told apart from this Store's own). This is advisory
// only — it never mutates state itself. Grounded on the teacher's
// usage.go credentials-file watcher, repurposed from "token refreshed" to
// "state file touched externally". The returned stop func closes the
// watcher; it is safe to call once.
func (s *Store) WatchForTampering(ctx context.Context) (stop func(), err error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return func() {}, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := w.Add(s.dir); err != nil {
		_ = w.Close()
		return func() {}, fmt.Errorf("watch state dir: %w", err)
	}
	s.watcher = w

	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if !s.locked {
					continue
				}
				if ev.Name == s.statePath || ev.Name == s.lockPath {
					if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
						slog.Warn("state file removed or renamed externally while locked", "path", ev.Name)
					} else if ev.Op&fsnotify.Write != 0 {
						slog.Debug("state file written", "path", ev.Name)
					}
				}
			case werr, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.Warn("fsnotify watch error", "err", werr)
			case <-ctx.Done():
				return
			}
		}
	}()

	return func() { _ = w.Close() }, nil
}
