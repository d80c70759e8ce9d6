package knowledge

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/haasonsaas/hookrt/internal/config"
	"github.com/haasonsaas/hookrt/internal/store/atomicfile"
	"github.com/haasonsaas/hookrt/internal/store/knowledgedb"
)

// LearnOutcome reports what Learn actually stored, for telemetry and tests.
type LearnOutcome struct {
	Received int
	Stored   int
	Skipped  bool
}

// toolMentionTags lists the tool names auto_generate_tags checks for.
var toolMentionTags = []string{"Edit", "Write", "Read", "Bash", "Grep", "Glob", "Task"}

// conceptTags maps a keyword to the concept tag it implies, checked in a
// fixed order so ties between multiple matching keywords are
// deterministic across runs.
var conceptTagOrder = []string{"error", "test", "performance", "security", "workflow", "git", "search", "file", "debug", "refactor"}

var conceptTags = map[string]string{
	"error":       "error-handling",
	"test":        "testing",
	"performance": "performance",
	"security":    "security",
	"workflow":    "workflow",
	"git":         "git",
	"search":      "search",
	"file":        "file-operations",
	"debug":       "debugging",
	"refactor":    "refactoring",
}

// autoGenerateTags derives a tag list from the learning's own tag, the
// tool names its content/context mention, and a fixed concept-keyword
// vocabulary — the same three sources auto_generate_tags draws from.
func autoGenerateTags(tag, content, contextStr string) []string {
	tagSet := map[string]bool{strings.ToLower(tag): true}
	combined := strings.ToLower(content + " " + contextStr)

	for _, tool := range toolMentionTags {
		if strings.Contains(combined, strings.ToLower(tool)) {
			tagSet["tool:"+strings.ToLower(tool)] = true
		}
	}
	for _, keyword := range conceptTagOrder {
		if strings.Contains(combined, keyword) {
			tagSet[conceptTags[keyword]] = true
		}
	}

	tags := make([]string, 0, len(tagSet))
	for t := range tagSet {
		tags = append(tags, t)
	}
	sort.Strings(tags)
	return tags
}

// buildTitle takes content's first 80 characters, trimming a trailing
// period and adding an ellipsis if it was truncated — store_learning's
// title derivation exactly.
func buildTitle(content string) string {
	title := content
	truncated := false
	if len(title) > 80 {
		title = title[:80]
		truncated = true
	}
	title = strings.TrimRight(title, ".")
	if truncated {
		title += "..."
	}
	return title
}

// IsDuplicate reports whether content closely matches an existing entry:
// the top 8 words (len > 3) from content's first 100 characters are
// OR-searched, and a >threshold word-overlap against any of the top 3
// hits counts as a duplicate — is_duplicate's FTS-then-overlap check.
func IsDuplicate(ctx context.Context, db *knowledgedb.DB, content string, threshold float64) bool {
	searchTerms := content
	if len(searchTerms) > 100 {
		searchTerms = searchTerms[:100]
	}
	searchTerms = strings.NewReplacer(`"`, "", "'", "").Replace(searchTerms)

	var words []string
	for _, w := range strings.Fields(searchTerms) {
		if len(w) > 3 {
			words = append(words, w)
		}
	}
	if len(words) == 0 {
		return false
	}
	if len(words) > 8 {
		words = words[:8]
	}
	query := strings.Join(words, " OR ")

	results, err := db.Search(ctx, query, knowledgedb.SearchOptions{Limit: 3})
	if err != nil {
		return false
	}

	newWords := wordSet(content)
	if len(newWords) == 0 {
		return false
	}
	for _, r := range results {
		overlap := overlapRatio(wordSet(r.Content), newWords)
		if overlap > threshold {
			return true
		}
	}
	return false
}

func wordSet(s string) map[string]bool {
	set := map[string]bool{}
	for _, w := range strings.Fields(strings.ToLower(strings.TrimSpace(s))) {
		set[w] = true
	}
	return set
}

func overlapRatio(existing, newWords map[string]bool) float64 {
	if len(newWords) == 0 {
		return 0
	}
	shared := 0
	for w := range existing {
		if newWords[w] {
			shared++
		}
	}
	return float64(shared) / float64(len(newWords))
}

// Learn implements H.3: read the staging file, drop low-confidence and
// duplicate learnings, auto-tag and insert the rest, relate every pair
// inserted from this session, then move the staging file aside for audit.
func Learn(ctx context.Context, cfg config.KnowledgeConfig, db *knowledgedb.DB, sessionID, storageRoot string) (LearnOutcome, error) {
	var staging PendingLearnings
	ok, err := atomicfile.Read(PendingLearningsPath(storageRoot), &staging)
	if err != nil {
		return LearnOutcome{}, fmt.Errorf("knowledge: read pending learnings: %w", err)
	}
	if !ok || len(staging.Learnings) == 0 {
		return LearnOutcome{Skipped: true}, nil
	}

	var ids []int64
	stored := 0
	for _, learning := range staging.Learnings {
		if learning.Content == "" {
			continue
		}
		if learning.Confidence < cfg.MinConfidence {
			continue
		}
		if IsDuplicate(ctx, db, learning.Content, cfg.DedupWordOverlapThreshold) {
			continue
		}

		content := learning.Content
		if learning.Context != "" {
			content += "\n\nContext: " + learning.Context
		}

		id, err := db.Insert(ctx, knowledgedb.Entry{
			Category:   knowledgedb.Category(learning.Tag),
			Title:      buildTitle(learning.Content),
			Content:    content,
			Tags:       autoGenerateTags(learning.Tag, learning.Content, learning.Context),
			Confidence: learning.Confidence,
			Source:     fmt.Sprintf("pipeline:session:%s", sessionID),
		})
		if err != nil {
			return LearnOutcome{}, fmt.Errorf("knowledge: insert learning: %w", err)
		}
		ids = append(ids, id)
		stored++
	}

	if len(ids) > 1 {
		if err := db.RelateAllPairs(ctx, ids, "same_session"); err != nil {
			return LearnOutcome{}, fmt.Errorf("knowledge: relate session learnings: %w", err)
		}
	}

	if err := os.Rename(PendingLearningsPath(storageRoot), ProcessedLearningsPath(storageRoot)); err != nil {
		return LearnOutcome{}, fmt.Errorf("knowledge: move staging file: %w", err)
	}

	return LearnOutcome{Received: len(staging.Learnings), Stored: stored}, nil
}
