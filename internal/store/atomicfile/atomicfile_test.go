package atomicfile

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

type counterState struct {
	Total int `json:"total"`
}

func TestWriteThenRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "state.json")
	if err := Write(path, counterState{Total: 5}); err != nil {
		t.Fatalf("write: %v", err)
	}

	var got counterState
	ok, err := Read(path, &got)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !ok || got.Total != 5 {
		t.Fatalf("got %+v ok=%v", got, ok)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != FileMode {
		t.Errorf("expected mode %o, got %o", FileMode, info.Mode().Perm())
	}
}

func TestReadMissingFileIsNotError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.json")
	var got counterState
	ok, err := Read(path, &got)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected ok=false for missing file")
	}
}

func TestReadCorruptedFileReturnsTypedError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	var got counterState
	_, err := Read(path, &got)
	if !errors.Is(err, ErrCorrupted) {
		t.Fatalf("expected ErrCorrupted, got %v", err)
	}
}

// TestUpdateUnderConcurrency checks that concurrent Update calls each
// incrementing Total by 1 sum exactly, with no JSON-parse exception ever
// observable to readers.
func TestUpdateUnderConcurrency(t *testing.T) {
	path := filepath.Join(t.TempDir(), "counter.json")
	const workers = 25

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := Update(path, counterState{}, func(cur counterState, existed bool) counterState {
				cur.Total++
				return cur
			})
			if err != nil {
				t.Errorf("update: %v", err)
			}
		}()
	}
	wg.Wait()

	var final counterState
	ok, err := Read(path, &final)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !ok || final.Total != workers {
		t.Fatalf("expected total=%d, got %+v", workers, final)
	}
}
