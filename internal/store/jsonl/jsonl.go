// Package jsonl implements component B's second primitive: append-only
// JSONL logs with file mode 0600, shared lock on read, exclusive lock on
// append. Grounded on knowledge_db.py's _append_jsonl durability log and
// observations.jsonl's role in the knowledge pipeline (spec.md §4.H.1).
package jsonl

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"

	"github.com/haasonsaas/hookrt/internal/store/atomicfile"
)

// Append acquires an exclusive lock on path and writes one JSON-encoded
// line. The file and any missing parent directories are created with the
// permissions required by spec.md §4.B.
func Append(path string, record any) error {
	dir := filepath.Dir(path)
	if err := atomicfile.EnsureDir(dir); err != nil {
		return fmt.Errorf("jsonl: ensure dir %s: %w", dir, err)
	}

	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("jsonl: acquire exclusive lock: %w", err)
	}
	defer lock.Unlock()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, atomicfile.FileMode)
	if err != nil {
		return fmt.Errorf("jsonl: open %s: %w", path, err)
	}
	defer f.Close()

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("jsonl: marshal: %w", err)
	}
	data = append(data, '\n')
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("jsonl: write: %w", err)
	}
	return nil
}

// ReadAll acquires a shared lock on path and decodes every line into T,
// skipping blank lines. A missing file yields an empty slice, not an
// error. Malformed lines are collected in the second return value rather
// than aborting the whole read — readers must not assume every byte ever
// appended to an observation log is well-formed (spec.md §5: "observations
// are appended ... readers must not assume total order", and §7's
// parse-failure class: "skip that record").
func ReadAll[T any](path string) (records []T, malformed int, err error) {
	lock := flock.New(path + ".lock")
	if err := lock.RLock(); err != nil {
		return nil, 0, fmt.Errorf("jsonl: acquire shared lock: %w", err)
	}
	defer lock.Unlock()

	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("jsonl: open %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec T
		if err := json.Unmarshal(line, &rec); err != nil {
			malformed++
			continue
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return records, malformed, fmt.Errorf("jsonl: scan %s: %w", path, err)
	}
	return records, malformed, nil
}

// RewriteAll replaces path's entire content with records, used by the
// knowledge pipeline's Learn stage to mark observations processed in bulk
// without rewriting one line at a time under separate locks.
func RewriteAll[T any](path string, records []T) error {
	dir := filepath.Dir(path)
	if err := atomicfile.EnsureDir(dir); err != nil {
		return fmt.Errorf("jsonl: ensure dir %s: %w", dir, err)
	}

	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("jsonl: acquire exclusive lock: %w", err)
	}
	defer lock.Unlock()

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("jsonl: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	w := bufio.NewWriter(tmp)
	for _, rec := range records {
		data, err := json.Marshal(rec)
		if err != nil {
			tmp.Close()
			return fmt.Errorf("jsonl: marshal: %w", err)
		}
		if _, err := w.Write(data); err != nil {
			tmp.Close()
			return fmt.Errorf("jsonl: write: %w", err)
		}
		if err := w.WriteByte('\n'); err != nil {
			tmp.Close()
			return fmt.Errorf("jsonl: write: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("jsonl: flush: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("jsonl: fsync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("jsonl: close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, atomicfile.FileMode); err != nil {
		return fmt.Errorf("jsonl: chmod temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("jsonl: rename into place: %w", err)
	}
	cleanup = false
	return nil
}
