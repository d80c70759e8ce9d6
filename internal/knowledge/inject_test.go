package knowledge

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/hookrt/internal/config"
	"github.com/haasonsaas/hookrt/internal/store/knowledgedb"
)

func TestDirnameTokensSplitsSeparatorsAndDropsStopwords(t *testing.T) {
	tokens := dirnameTokens("/home/users/my-cool_project.go")
	want := map[string]bool{"my": true, "cool": true, "project": true, "go": true}
	for _, tok := range tokens {
		if tok == "home" || tok == "users" {
			t.Fatalf("expected stopwords excluded, got %v", tokens)
		}
	}
	for w := range want {
		found := false
		for _, tok := range tokens {
			if tok == w {
				found = true
			}
		}
		if !found {
			t.Fatalf("expected token %q in %v", w, tokens)
		}
	}
}

func TestDetectProjectTypeFindsGoModMarker(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "go.mod"), []byte("module x\n"), 0o644); err != nil {
		t.Fatalf("write go.mod: %v", err)
	}
	kws := detectProjectType(dir)
	if len(kws) != 2 || kws[0] != "golang" {
		t.Fatalf("expected golang/go keywords, got %v", kws)
	}
}

func TestGatherContextFallsBackToGenericVocabulary(t *testing.T) {
	dir := t.TempDir()
	terms := GatherContext(context.Background(), dir)
	if len(terms) == 0 {
		t.Fatal("expected non-empty fallback terms")
	}
}

func newInjectTestDB(t *testing.T) *knowledgedb.DB {
	t.Helper()
	db, err := knowledgedb.Open(filepath.Join(t.TempDir(), "knowledge.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSearchKnowledgeFiltersToInjectCategories(t *testing.T) {
	db := newInjectTestDB(t)
	ctx := context.Background()
	if _, err := db.Insert(ctx, knowledgedb.Entry{Category: knowledgedb.CategoryLearned, Content: "golang build pipeline notes"}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if _, err := db.Insert(ctx, knowledgedb.Entry{Category: knowledgedb.CategoryFact, Content: "golang build pipeline fact"}); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	results, err := SearchKnowledge(ctx, db, []string{"golang"}, config.KnowledgeConfig{MaxInjections: 5, LookbackDays: 30})
	if err != nil {
		t.Fatalf("SearchKnowledge: %v", err)
	}
	if len(results) != 1 || results[0].Category != knowledgedb.CategoryLearned {
		t.Fatalf("expected only the LEARNED entry, got %+v", results)
	}
}

func TestRankAndFilterBoostsRecentEntries(t *testing.T) {
	now := time.Now()
	entries := []knowledgedb.Entry{
		{ID: 1, Content: "old", Confidence: 0.5, BM25Score: -1, CreatedAt: now.AddDate(0, 0, -29)},
		{ID: 2, Content: "new", Confidence: 0.5, BM25Score: -1, CreatedAt: now},
	}
	ranked := RankAndFilter(entries, config.KnowledgeConfig{MaxInjections: 5, LookbackDays: 30}, now)
	if len(ranked) != 2 || ranked[0].ID != 2 {
		t.Fatalf("expected the newer entry ranked first, got %+v", ranked)
	}
}

func TestRankAndFilterRespectsMaxInjections(t *testing.T) {
	now := time.Now()
	entries := make([]knowledgedb.Entry, 10)
	for i := range entries {
		entries[i] = knowledgedb.Entry{ID: int64(i), Content: "x", CreatedAt: now}
	}
	ranked := RankAndFilter(entries, config.KnowledgeConfig{MaxInjections: 3, LookbackDays: 30}, now)
	if len(ranked) != 3 {
		t.Fatalf("expected 3 ranked entries, got %d", len(ranked))
	}
}

func TestFormatInjectionIncludesCategoryAndConfidenceBucket(t *testing.T) {
	out := FormatInjection([]knowledgedb.Entry{
		{Category: knowledgedb.CategoryLearned, Content: "check file existence first", Confidence: 0.9, Tags: []string{"file-operations"}},
	})
	for _, want := range []string{"Relevant Knowledge from Previous Sessions", "LEARNED", "high confidence", "check file existence first", "Tags: file-operations"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected output to contain %q, got:\n%s", want, out)
		}
	}
}

func TestFormatInjectionEmptyWhenNoEntries(t *testing.T) {
	if out := FormatInjection(nil); out != "" {
		t.Fatalf("expected empty string for no entries, got %q", out)
	}
}

func TestInjectReturnsEmptyWhenNothingMatches(t *testing.T) {
	db := newInjectTestDB(t)
	out, err := Inject(context.Background(), config.KnowledgeConfig{MaxInjections: 5, LookbackDays: 30}, db, t.TempDir(), time.Now())
	if err != nil {
		t.Fatalf("Inject: %v", err)
	}
	if out != "" {
		t.Fatalf("expected empty injection with an empty database, got %q", out)
	}
}
