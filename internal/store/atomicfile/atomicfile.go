// Package atomicfile implements the first of component B's three
// primitives: whole-file JSON read/write with cross-process exclusive
// locking and atomic replace.
//
// Grounded on the original hook_state_manager.py's _lock_file/_write_state
// pair (fcntl.flock + tempfile + os.replace); the Go equivalent uses
// github.com/gofrs/flock for the advisory lock since the runtime has no
// direct fcntl syscall binding that's portable across the targets the
// pack builds for.
package atomicfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// DirMode and FileMode are the permissions required by spec.md §4.B:
// directories 0700, files 0600.
const (
	DirMode  = 0o700
	FileMode = 0o600
)

// ErrCorrupted is returned by Read when the file exists but does not
// contain valid JSON. Callers MAY recover by reinitialising (spec.md §4.B).
var ErrCorrupted = errors.New("atomicfile: corrupted JSON state")

// EnsureDir creates dir (and parents) with DirMode if it does not exist.
func EnsureDir(dir string) error {
	return os.MkdirAll(dir, DirMode)
}

// Read acquires a shared lock on path and decodes its JSON content into v.
// A missing file is not an error: v is left unmodified and ok is false.
func Read(path string, v any) (ok bool, err error) {
	lock := flock.New(path + ".lock")
	if err := lock.RLock(); err != nil {
		return false, fmt.Errorf("atomicfile: acquire shared lock: %w", err)
	}
	defer lock.Unlock()

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("atomicfile: read %s: %w", path, err)
	}
	if len(data) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("%w: %s: %v", ErrCorrupted, path, err)
	}
	return true, nil
}

// Write acquires an exclusive lock on path and atomically replaces its
// content with the JSON encoding of v: write to a temp file in the same
// directory, fsync, then rename — the rename is the atomic commit point.
func Write(path string, v any) error {
	dir := filepath.Dir(path)
	if err := EnsureDir(dir); err != nil {
		return fmt.Errorf("atomicfile: ensure dir %s: %w", dir, err)
	}

	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("atomicfile: acquire exclusive lock: %w", err)
	}
	defer lock.Unlock()

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("atomicfile: marshal: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("atomicfile: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("atomicfile: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("atomicfile: fsync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("atomicfile: close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, FileMode); err != nil {
		return fmt.Errorf("atomicfile: chmod temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("atomicfile: rename into place: %w", err)
	}
	cleanup = false
	return nil
}

// Update reads v via Read (if present), applies fn to mutate it, then
// writes it back — all under one held exclusive lock, so the read-modify-
// write cycle is atomic end-to-end across processes. This is the
// primitive component C's record_success/record_failure build on, since
// spec.md §4.C requires those to update counters "inside the same file
// lock" to prevent counter drift under concurrent handlers.
func Update[T any](path string, zero T, fn func(current T, existed bool) T) error {
	dir := filepath.Dir(path)
	if err := EnsureDir(dir); err != nil {
		return fmt.Errorf("atomicfile: ensure dir %s: %w", dir, err)
	}

	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("atomicfile: acquire exclusive lock: %w", err)
	}
	defer lock.Unlock()

	var current T = zero
	existed := false
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		// existed stays false, current stays zero
	case err != nil:
		return fmt.Errorf("atomicfile: read %s: %w", path, err)
	case len(data) > 0:
		if err := json.Unmarshal(data, &current); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrCorrupted, path, err)
		}
		existed = true
	}

	updated := fn(current, existed)

	out, err := json.MarshalIndent(updated, "", "  ")
	if err != nil {
		return fmt.Errorf("atomicfile: marshal: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("atomicfile: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()
	if _, err := tmp.Write(out); err != nil {
		tmp.Close()
		return fmt.Errorf("atomicfile: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("atomicfile: fsync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("atomicfile: close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, FileMode); err != nil {
		return fmt.Errorf("atomicfile: chmod temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("atomicfile: rename into place: %w", err)
	}
	cleanup = false
	return nil
}
