package statestore

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/smileorch/smile/internal/loop"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := New(dir)
	if err != nil {
		t.Fatal(err)
	}

	want := &loop.LoopState{
		RunID:     "run-1",
		Status:    loop.StatusAwaitingStudent,
		Iteration: 2,
		StartedAt: time.Now().UTC().Truncate(time.Second),
		UpdatedAt: time.Now().UTC().Truncate(time.Second),
	}
	if err := store.Save(want); err != nil {
		t.Fatal(err)
	}

	got, err := store.Load()
	if err != nil {
		t.Fatal(err)
	}
	if got.RunID != want.RunID || got.Status != want.Status || got.Iteration != want.Iteration {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestLoad_MissingFileReturnsNilNil(t *testing.T) {
	dir := t.TempDir()
	store, err := New(dir)
	if err != nil {
		t.Fatal(err)
	}
	got, err := store.Load()
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Errorf("got %+v, want nil", got)
	}
}

func TestLoad_CorruptStateReturnsErrCorruptState(t *testing.T) {
	dir := t.TempDir()
	store, err := New(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "state.json"), []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	_, err = store.Load()
	if !errors.Is(err, ErrCorruptState) {
		t.Fatalf("err = %v, want ErrCorruptState", err)
	}
}

func TestSave_LeavesNoTempFilesBehind(t *testing.T) {
	dir := t.TempDir()
	store, err := New(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Save(&loop.LoopState{RunID: "run-1", Status: loop.StatusStarting}); err != nil {
		t.Fatal(err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if e.Name() != "state.json" {
			t.Errorf("unexpected leftover entry %q", e.Name())
		}
	}
}

func TestClear_RemovesStateFile(t *testing.T) {
	dir := t.TempDir()
	store, err := New(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Save(&loop.LoopState{RunID: "run-1", Status: loop.StatusCompleted}); err != nil {
		t.Fatal(err)
	}
	if err := store.Clear(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(store.StatePath()); !os.IsNotExist(err) {
		t.Errorf("expected state.json to be removed, stat err = %v", err)
	}
	// Clear is idempotent.
	if err := store.Clear(); err != nil {
		t.Errorf("second Clear: %v", err)
	}
}

func TestAcquireLock_RejectsSecondHolder(t *testing.T) {
	dir := t.TempDir()
	store, err := New(dir)
	if err != nil {
		t.Fatal(err)
	}
	lock, err := store.AcquireLock("run-1")
	if err != nil {
		t.Fatal(err)
	}
	defer lock.Release()

	other, err := New(dir)
	if err != nil {
		t.Fatal(err)
	}
	_, err = other.AcquireLock("run-2")
	if !errors.Is(err, ErrAlreadyHeld) {
		t.Fatalf("err = %v, want ErrAlreadyHeld", err)
	}
}

func TestLock_ReleaseIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	store, err := New(dir)
	if err != nil {
		t.Fatal(err)
	}
	lock, err := store.AcquireLock("run-1")
	if err != nil {
		t.Fatal(err)
	}
	if err := lock.Release(); err != nil {
		t.Fatal(err)
	}
	if err := lock.Release(); err != nil {
		t.Errorf("second Release: %v", err)
	}
}

func TestAcquireLock_SucceedsAfterRelease(t *testing.T) {
	dir := t.TempDir()
	store, err := New(dir)
	if err != nil {
		t.Fatal(err)
	}
	lock, err := store.AcquireLock("run-1")
	if err != nil {
		t.Fatal(err)
	}
	if err := lock.Release(); err != nil {
		t.Fatal(err)
	}
	if _, err := store.AcquireLock("run-2"); err != nil {
		t.Fatalf("AcquireLock after release: %v", err)
	}
}
