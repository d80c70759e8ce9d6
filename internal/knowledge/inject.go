package knowledge

import (
	"context"
	"fmt"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/haasonsaas/hookrt/internal/config"
	"github.com/haasonsaas/hookrt/internal/store/knowledgedb"
)

// injectCategories are the three learning categories this stage searches,
// per spec.md §4.H's "default: include all three learning categories" —
// DECISION and FACT are written by other tools (the admin CLI's manual
// entry path) and are out of scope for auto-injection.
var injectCategories = []knowledgedb.Category{
	knowledgedb.CategoryLearned,
	knowledgedb.CategoryPattern,
	knowledgedb.CategoryInvestigation,
}

// stopwords are excluded from directory-name tokens, the same short list
// get_cwd_context filters out.
var cwdStopwords = map[string]bool{"users": true, "home": true, "documents": true, "src": true, "lib": true}

// projectMarkers maps a marker filename to the keywords it implies;
// checked in this declared order and only the first match contributes,
// matching get_cwd_context's single "break" after the first hit.
var projectMarkers = []struct {
	file     string
	keywords []string
}{
	{"package.json", []string{"javascript", "node", "npm"}},
	{"Cargo.toml", []string{"rust", "cargo"}},
	{"pyproject.toml", []string{"python", "pip"}},
	{"go.mod", []string{"golang", "go"}},
	{"pom.xml", []string{"java", "maven"}},
	{"Gemfile", []string{"ruby", "rails"}},
	{"CLAUDE.md", []string{"claude", "agentic"}},
}

// GatherContext builds the search-term vocabulary for Inject: directory
// name tokens, a project-type hint from marker files, and recent git-log
// subject words, deduplicated and capped at 15 terms (get_cwd_context's
// own cap). A working tree with no usable signal at all falls back to a
// fixed generic vocabulary so Inject always attempts a search.
func GatherContext(ctx context.Context, cwd string) []string {
	terms := map[string]bool{}

	for _, token := range dirnameTokens(cwd) {
		terms[token] = true
	}
	for _, kw := range detectProjectType(cwd) {
		terms[kw] = true
	}
	for _, word := range gitLogSubjectWords(ctx, cwd) {
		terms[word] = true
	}

	out := make([]string, 0, len(terms))
	for t := range terms {
		out = append(out, t)
	}
	sort.Strings(out)
	if len(out) > 15 {
		out = out[:15]
	}
	if len(out) == 0 {
		return []string{"learned", "pattern", "workflow"}
	}
	return out
}

func dirnameTokens(cwd string) []string {
	parts := splitPathTail(cwd, 3)
	var tokens []string
	replacer := strings.NewReplacer("-", " ", "_", " ", ".", " ")
	for _, part := range parts {
		for _, word := range strings.Fields(replacer.Replace(part)) {
			lower := strings.ToLower(word)
			if len(word) > 2 && !cwdStopwords[lower] {
				tokens = append(tokens, lower)
			}
		}
	}
	return tokens
}

// splitPathTail returns up to the last n non-empty path components.
func splitPathTail(p string, n int) []string {
	var all []string
	for p != "" && p != string(filepath.Separator) && p != "." {
		base := filepath.Base(p)
		if base == "" || base == string(filepath.Separator) {
			break
		}
		all = append([]string{base}, all...)
		next := filepath.Dir(p)
		if next == p {
			break
		}
		p = next
	}
	if len(all) > n {
		all = all[len(all)-n:]
	}
	return all
}

func detectProjectType(cwd string) []string {
	for _, marker := range projectMarkers {
		if fileExists(filepath.Join(cwd, marker.file)) {
			return marker.keywords
		}
	}
	return nil
}

func gitLogSubjectWords(ctx context.Context, cwd string) []string {
	callCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	cmd := exec.CommandContext(callCtx, "git", "log", "--oneline", "-5", "--format=%s")
	cmd.Dir = cwd
	out, err := cmd.CombinedOutput()
	if err != nil {
		return nil
	}

	var words []string
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		for _, word := range strings.Fields(line) {
			if len(word) > 3 && isAlpha(word) {
				words = append(words, strings.ToLower(word))
			}
		}
	}
	return words
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func isAlpha(s string) bool {
	for _, r := range s {
		if !((r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')) {
			return false
		}
	}
	return true
}

// SearchKnowledge runs the BM25 query behind Inject: an OR-joined query
// over the first 10 terms, filtered to the default categories and the
// configured lookback window, fetching 2x max_injections candidates so
// RankAndFilter has a pool to re-rank from (search_knowledge's own
// over-fetch).
func SearchKnowledge(ctx context.Context, db *knowledgedb.DB, terms []string, cfg config.KnowledgeConfig) ([]knowledgedb.Entry, error) {
	if len(terms) == 0 {
		return nil, nil
	}
	queryTerms := terms
	if len(queryTerms) > 10 {
		queryTerms = queryTerms[:10]
	}
	query := strings.Join(queryTerms, " OR ")

	limit := cfg.MaxInjections * 2
	if limit <= 0 {
		limit = 10
	}
	return db.Search(ctx, query, knowledgedb.SearchOptions{
		Categories: injectCategories,
		SinceDays:  cfg.LookbackDays,
		Limit:      limit,
	})
}

// RankAndFilter re-scores the BM25 candidate pool with a recency boost
// (linear decay over 30 days) and a small confidence boost, then returns
// the top max_injections — rank_and_filter's scoring exactly, substituting
// a fixed 30-day decay window for the original's hardcoded one since
// spec.md ties the decay to lookback_days rather than a separate constant.
func RankAndFilter(entries []knowledgedb.Entry, cfg config.KnowledgeConfig, now time.Time) []knowledgedb.Entry {
	type scored struct {
		entry knowledgedb.Entry
		score float64
	}

	decayWindow := float64(cfg.LookbackDays)
	if decayWindow <= 0 {
		decayWindow = 30
	}
	const recencyBoost = 0.2

	out := make([]scored, 0, len(entries))
	for _, e := range entries {
		bm25 := math.Abs(e.BM25Score)
		if bm25 == 0 {
			bm25 = 0.5
		}
		ageDays := now.Sub(e.CreatedAt).Hours() / 24
		ageFactor := 1 - ageDays/decayWindow
		if ageFactor < 0 {
			ageFactor = 0
		}
		recencyScore := recencyBoost * ageFactor
		total := bm25 + recencyScore + e.Confidence*0.1
		out = append(out, scored{entry: e, score: total})
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].score > out[j].score })

	max := cfg.MaxInjections
	if max <= 0 {
		max = 5
	}
	if len(out) > max {
		out = out[:max]
	}

	result := make([]knowledgedb.Entry, len(out))
	for i, s := range out {
		result[i] = s.entry
	}
	return result
}

// FormatInjection renders the ranked entries as the compact markdown list
// spec.md §4.H's Inject stage emits as additionalContext, annotating each
// with its category and a high/medium/low confidence bucket.
func FormatInjection(entries []knowledgedb.Entry) string {
	if len(entries) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("## Relevant Knowledge from Previous Sessions\n\n")
	for _, e := range entries {
		fmt.Fprintf(&b, "- **%s** (%s confidence): %s\n", e.Category, confidenceBucket(e.Confidence), e.Content)
		if len(e.Tags) > 0 {
			fmt.Fprintf(&b, "  _Tags: %s_\n", strings.Join(e.Tags, ","))
		}
	}
	b.WriteString(fmt.Sprintf("\n_Knowledge auto-injected by the knowledge pipeline. %d relevant entries found._", len(entries)))
	return b.String()
}

func confidenceBucket(c float64) string {
	switch {
	case c >= 0.7:
		return "high"
	case c >= 0.4:
		return "medium"
	default:
		return "low"
	}
}

// Inject implements the SessionStart stage end-to-end.
func Inject(ctx context.Context, cfg config.KnowledgeConfig, db *knowledgedb.DB, cwd string, now time.Time) (string, error) {
	terms := GatherContext(ctx, cwd)
	results, err := SearchKnowledge(ctx, db, terms, cfg)
	if err != nil {
		return "", fmt.Errorf("knowledge: search: %w", err)
	}
	if len(results) == 0 {
		return "", nil
	}
	top := RankAndFilter(results, cfg, now)
	return FormatInjection(top), nil
}
