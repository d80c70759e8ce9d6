package knowledgedb

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/haasonsaas/hookrt/internal/retry"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "knowledge.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestWrapOpenErrRetriesLockContentionOnly(t *testing.T) {
	locked := wrapOpenErr(errors.New("database is locked"), "init schema")
	if retry.IsPermanent(locked) {
		t.Fatalf("expected a lock-contention error to be retryable, got permanent: %v", locked)
	}

	busy := wrapOpenErr(errors.New("SQLITE_BUSY"), "set WAL mode")
	if retry.IsPermanent(busy) {
		t.Fatalf("expected a busy error to be retryable, got permanent: %v", busy)
	}

	malformed := wrapOpenErr(errors.New("file is not a database"), "init schema")
	if !retry.IsPermanent(malformed) {
		t.Fatalf("expected a non-lock error to be permanent, got retryable: %v", malformed)
	}
}

func TestInsertAndSearch(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	id, err := db.Insert(ctx, Entry{
		Category:   CategoryLearned,
		Title:      "file existence",
		Content:    "Always check file existence before editing",
		Tags:       []string{"editing", "safety"},
		Confidence: 0.8,
		Source:     "session-analysis",
	})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if id == 0 {
		t.Fatal("expected non-zero id")
	}

	results, err := db.Search(ctx, "file existence", SearchOptions{Limit: 5})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results[0].ID != id {
		t.Fatalf("expected entry %d, got %d", id, results[0].ID)
	}
}

func TestInsertRejectsInvalidCategory(t *testing.T) {
	db := newTestDB(t)
	_, err := db.Insert(context.Background(), Entry{Category: "BOGUS", Content: "x"})
	if err == nil {
		t.Fatal("expected error for invalid category")
	}
}

func TestSearchFiltersByCategory(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	mustInsert(t, db, Entry{Category: CategoryFact, Content: "the sky is blue"})
	mustInsert(t, db, Entry{Category: CategoryDecision, Content: "the sky is also considered"})

	results, err := db.Search(ctx, "sky", SearchOptions{Categories: []Category{CategoryFact}})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].Category != CategoryFact {
		t.Fatalf("expected 1 FACT result, got %+v", results)
	}
}

func TestRecentOrdersNewestFirst(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	first := mustInsert(t, db, Entry{Category: CategoryFact, Content: "first"})
	second := mustInsert(t, db, Entry{Category: CategoryFact, Content: "second"})

	results, err := db.Recent(ctx, SearchOptions{Limit: 10})
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(results))
	}
	if results[0].ID != second || results[1].ID != first {
		t.Fatalf("expected newest-first order, got %+v", results)
	}
}

func TestCountByCategory(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	mustInsert(t, db, Entry{Category: CategoryLearned, Content: "a"})
	mustInsert(t, db, Entry{Category: CategoryLearned, Content: "b"})
	mustInsert(t, db, Entry{Category: CategoryFact, Content: "c"})

	total, byCat, err := db.Count(ctx)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if total != 3 {
		t.Fatalf("expected total=3, got %d", total)
	}
	if byCat[CategoryLearned] != 2 || byCat[CategoryFact] != 1 {
		t.Fatalf("unexpected category breakdown: %+v", byCat)
	}
}

func TestRelateAllPairs(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	a := mustInsert(t, db, Entry{Category: CategoryFact, Content: "a"})
	b := mustInsert(t, db, Entry{Category: CategoryFact, Content: "b"})
	c := mustInsert(t, db, Entry{Category: CategoryFact, Content: "c"})

	if err := db.RelateAllPairs(ctx, []int64{a, b, c}, "same_session"); err != nil {
		t.Fatalf("RelateAllPairs: %v", err)
	}

	var count int
	row := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM knowledge_relations WHERE kind='same_session'")
	if err := row.Scan(&count); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if count != 3 {
		t.Fatalf("expected 3 pairwise relations for 3 entries, got %d", count)
	}
}

func mustInsert(t *testing.T, db *DB, e Entry) int64 {
	t.Helper()
	id, err := db.Insert(context.Background(), e)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	return id
}
