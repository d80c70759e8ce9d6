// Package knowledgedb is component B's third primitive: a SQLite FTS5
// knowledge store backing component H's Learn/Inject stages.
//
// Grounded on the original knowledge_db.py's schema and BM25 query shape,
// unified on the richer knowledge_entries shape per spec.md §9 (the older
// "knowledge" table is migrated in on open, gated by a schema_version
// row so the migration runs at most once). Uses modernc.org/sqlite, a
// pure-Go driver, so the runtime never needs cgo.
package knowledgedb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/haasonsaas/hookrt/internal/retry"
)

// Category is one of the five learning tags spec.md §3 defines.
type Category string

const (
	CategoryLearned       Category = "LEARNED"
	CategoryPattern       Category = "PATTERN"
	CategoryInvestigation Category = "INVESTIGATION"
	CategoryDecision      Category = "DECISION"
	CategoryFact          Category = "FACT"
)

var validCategories = map[Category]bool{
	CategoryLearned:       true,
	CategoryPattern:       true,
	CategoryInvestigation: true,
	CategoryDecision:      true,
	CategoryFact:          true,
}

// IsValidCategory reports whether c is one of the five declared categories.
func IsValidCategory(c Category) bool { return validCategories[c] }

// Entry is one row of knowledge_entries, per spec.md §3's "Knowledge entry".
type Entry struct {
	ID        int64
	Category  Category
	Title     string
	Content   string
	Tags      []string
	Project   string
	Confidence float64
	Source    string
	CreatedAt time.Time
	UpdatedAt time.Time
	Expiry    *time.Time

	// BM25Score is populated by Search only; lower is a better match.
	BM25Score float64
}

// SearchOptions filters and bounds a Search call.
type SearchOptions struct {
	Categories []Category
	Project    string
	SinceDays  int // 0 means no lookback filter
	Limit      int
}

// DB wraps a sqlite connection opened against a single knowledge.db file.
type DB struct {
	conn *sql.DB
}

const schemaVersion = 2

// openRetryConfig bounds how long Open waits out a locked knowledge.db
// before giving up: the hook runtime is a short-lived per-event CLI, so
// several separate hookrt processes (PostToolUse and SessionEnd firing
// back to back, say) can genuinely race to open the same file, and the
// pure-Go sqlite driver surfaces that as SQLITE_BUSY rather than blocking
// for us.
var openRetryConfig = retry.Config{
	MaxAttempts:  3,
	InitialDelay: 25 * time.Millisecond,
	MaxDelay:     200 * time.Millisecond,
	Factor:       2.0,
	Jitter:       true,
}

// Open creates (if missing) and migrates the knowledge database at path,
// enabling WAL journalling and foreign keys per spec.md §5's "the knowledge
// DB is the only component requiring WAL + foreign keys". A lock held by
// another concurrently-running hookrt process is retried a few times
// before Open gives up; any other failure is returned immediately.
func Open(path string) (*DB, error) {
	var opened *DB
	result := retry.Do(context.Background(), openRetryConfig, func() error {
		conn, err := sql.Open("sqlite", path)
		if err != nil {
			return retry.Permanent(fmt.Errorf("knowledgedb: open %s: %w", path, err))
		}
		// The pure-Go driver serialises writers internally; a single
		// connection avoids SQLITE_BUSY from concurrent writers within
		// this process without adding our own mutex on top of WAL.
		conn.SetMaxOpenConns(1)

		db := &DB{conn: conn}
		if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
			conn.Close()
			return wrapOpenErr(err, "set WAL mode")
		}
		if _, err := conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
			conn.Close()
			return wrapOpenErr(err, "enable foreign keys")
		}
		if err := db.initSchema(); err != nil {
			conn.Close()
			return wrapOpenErr(err, "init schema")
		}
		if err := db.migrateLegacy(); err != nil {
			conn.Close()
			return wrapOpenErr(err, "migrate legacy table")
		}
		opened = db
		return nil
	})
	if result.Err != nil {
		return nil, result.Err
	}
	return opened, nil
}

// wrapOpenErr marks err as permanent (no further retry) unless it looks
// like SQLITE_BUSY/SQLITE_LOCKED contention from another process.
func wrapOpenErr(err error, step string) error {
	wrapped := fmt.Errorf("knowledgedb: %s: %w", step, err)
	s := strings.ToLower(err.Error())
	if strings.Contains(s, "locked") || strings.Contains(s, "busy") {
		return wrapped
	}
	return retry.Permanent(wrapped)
}

// Close releases the underlying connection.
func (db *DB) Close() error { return db.conn.Close() }

func (db *DB) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schema_meta (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS knowledge_entries (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			category   TEXT    NOT NULL,
			title      TEXT    NOT NULL DEFAULT '',
			content    TEXT    NOT NULL,
			tags       TEXT    NOT NULL DEFAULT '[]',
			project    TEXT,
			confidence REAL    NOT NULL DEFAULT 0,
			source     TEXT    NOT NULL DEFAULT '',
			created_at TEXT    NOT NULL,
			updated_at TEXT    NOT NULL,
			expiry     TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_knowledge_category ON knowledge_entries(category)`,
		`CREATE INDEX IF NOT EXISTS idx_knowledge_project ON knowledge_entries(project)`,
		`CREATE INDEX IF NOT EXISTS idx_knowledge_created ON knowledge_entries(created_at DESC)`,
		`CREATE TABLE IF NOT EXISTS knowledge_relations (
			a_id INTEGER NOT NULL REFERENCES knowledge_entries(id) ON DELETE CASCADE,
			b_id INTEGER NOT NULL REFERENCES knowledge_entries(id) ON DELETE CASCADE,
			kind TEXT NOT NULL,
			PRIMARY KEY (a_id, b_id, kind)
		)`,
	}
	for _, s := range stmts {
		if _, err := db.conn.Exec(s); err != nil {
			return fmt.Errorf("knowledgedb: init schema: %w", err)
		}
	}

	// FTS5 external-content table, tried separately: some builds omit
	// FTS5 support, and schema creation must stay idempotent either way.
	_, ftsErr := db.conn.Exec(`
		CREATE VIRTUAL TABLE IF NOT EXISTS knowledge_fts USING fts5(
			title, content, tags,
			content='knowledge_entries',
			content_rowid='id',
			tokenize='porter unicode61'
		)
	`)
	if ftsErr != nil {
		return fmt.Errorf("knowledgedb: FTS5 is required but unavailable: %w", ftsErr)
	}

	triggers := []string{
		`CREATE TRIGGER IF NOT EXISTS knowledge_entries_ai AFTER INSERT ON knowledge_entries BEGIN
			INSERT INTO knowledge_fts(rowid, title, content, tags)
			VALUES (new.id, new.title, new.content, new.tags);
		END`,
		`CREATE TRIGGER IF NOT EXISTS knowledge_entries_ad AFTER DELETE ON knowledge_entries BEGIN
			INSERT INTO knowledge_fts(knowledge_fts, rowid, title, content, tags)
			VALUES ('delete', old.id, old.title, old.content, old.tags);
		END`,
		`CREATE TRIGGER IF NOT EXISTS knowledge_entries_au AFTER UPDATE ON knowledge_entries BEGIN
			INSERT INTO knowledge_fts(knowledge_fts, rowid, title, content, tags)
			VALUES ('delete', old.id, old.title, old.content, old.tags);
			INSERT INTO knowledge_fts(rowid, title, content, tags)
			VALUES (new.id, new.title, new.content, new.tags);
		END`,
	}
	for _, t := range triggers {
		if _, err := db.conn.Exec(t); err != nil {
			return fmt.Errorf("knowledgedb: create sync trigger: %w", err)
		}
	}

	var current string
	err := db.conn.QueryRow("SELECT value FROM schema_meta WHERE key='schema_version'").Scan(&current)
	if err == sql.ErrNoRows {
		_, err = db.conn.Exec(
			"INSERT INTO schema_meta (key, value) VALUES ('schema_version', ?)",
			fmt.Sprintf("%d", schemaVersion),
		)
	}
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("knowledgedb: read schema_version: %w", err)
	}
	return nil
}

// migrateLegacy imports rows from the older "knowledge" table, if present,
// into knowledge_entries — the one-shot migration spec.md §9 requires for
// the dual-schema drift between the original's two writers. It runs at
// most once: schema_meta's legacy_migrated flag gates it.
func (db *DB) migrateLegacy() error {
	var migrated string
	err := db.conn.QueryRow("SELECT value FROM schema_meta WHERE key='legacy_migrated'").Scan(&migrated)
	if err == nil && migrated == "1" {
		return nil
	}
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("knowledgedb: read legacy_migrated flag: %w", err)
	}

	var legacyExists int
	err = db.conn.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='knowledge'",
	).Scan(&legacyExists)
	if err != nil {
		return fmt.Errorf("knowledgedb: check for legacy table: %w", err)
	}

	if legacyExists > 0 {
		rows, err := db.conn.Query(
			`SELECT content, tag, context, timestamp, metadata FROM knowledge ORDER BY id`,
		)
		if err != nil {
			return fmt.Errorf("knowledgedb: read legacy rows: %w", err)
		}
		for rows.Next() {
			var content, tag, createdAt string
			var context, metadata sql.NullString
			if err := rows.Scan(&content, &tag, &context, &createdAt, &metadata); err != nil {
				rows.Close()
				return fmt.Errorf("knowledgedb: scan legacy row: %w", err)
			}
			cat := Category(strings.ToUpper(tag))
			if !IsValidCategory(cat) {
				cat = CategoryFact
			}
			now := time.Now().UTC()
			if _, err := db.conn.Exec(
				`INSERT INTO knowledge_entries (category, title, content, tags, project, confidence, source, created_at, updated_at)
				 VALUES (?, '', ?, '[]', ?, 0.5, 'legacy-migration', ?, ?)`,
				string(cat), content, nullableString(context), createdAt, now.Format(time.RFC3339),
			); err != nil {
				rows.Close()
				return fmt.Errorf("knowledgedb: insert migrated row: %w", err)
			}
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return fmt.Errorf("knowledgedb: iterate legacy rows: %w", err)
		}
		rows.Close()
	}

	_, err = db.conn.Exec(
		`INSERT INTO schema_meta (key, value) VALUES ('legacy_migrated', '1')
		 ON CONFLICT(key) DO UPDATE SET value='1'`,
	)
	if err != nil {
		return fmt.Errorf("knowledgedb: set legacy_migrated flag: %w", err)
	}
	return nil
}

func nullableString(s sql.NullString) any {
	if !s.Valid {
		return nil
	}
	return s.String
}

// Insert adds one immutable knowledge entry and returns its assigned id.
func (db *DB) Insert(ctx context.Context, e Entry) (int64, error) {
	if !IsValidCategory(e.Category) {
		return 0, fmt.Errorf("knowledgedb: invalid category %q", e.Category)
	}
	if e.Confidence < 0 {
		e.Confidence = 0
	}
	if e.Confidence > 1 {
		e.Confidence = 1
	}
	tagsJSON, err := json.Marshal(e.Tags)
	if err != nil {
		return 0, fmt.Errorf("knowledgedb: marshal tags: %w", err)
	}
	now := time.Now().UTC()
	var expiry any
	if e.Expiry != nil {
		expiry = e.Expiry.UTC().Format(time.RFC3339)
	}

	res, err := db.conn.ExecContext(ctx,
		`INSERT INTO knowledge_entries
		 (category, title, content, tags, project, confidence, source, created_at, updated_at, expiry)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(e.Category), e.Title, e.Content, string(tagsJSON),
		nullIfEmpty(e.Project), e.Confidence, e.Source,
		now.Format(time.RFC3339), now.Format(time.RFC3339), expiry,
	)
	if err != nil {
		return 0, fmt.Errorf("knowledgedb: insert entry: %w", err)
	}
	return res.LastInsertId()
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Relate records a relation (e.g. "same_session") between two entries.
func (db *DB) Relate(ctx context.Context, aID, bID int64, kind string) error {
	_, err := db.conn.ExecContext(ctx,
		`INSERT OR IGNORE INTO knowledge_relations (a_id, b_id, kind) VALUES (?, ?, ?)`,
		aID, bID, kind,
	)
	if err != nil {
		return fmt.Errorf("knowledgedb: insert relation: %w", err)
	}
	return nil
}

// RelateAllPairs inserts kind relations between every unordered pair in ids,
// used by the Learn stage to link all entries written from one session.
func (db *DB) RelateAllPairs(ctx context.Context, ids []int64, kind string) error {
	for i := 0; i < len(ids); i++ {
		for j := i + 1; j < len(ids); j++ {
			if err := db.Relate(ctx, ids[i], ids[j], kind); err != nil {
				return err
			}
		}
	}
	return nil
}

// Search runs a BM25-ranked FTS5 query over title+content+tags, applying
// category/project/lookback filters, per spec.md §4.H's Inject stage.
func (db *DB) Search(ctx context.Context, query string, opts SearchOptions) ([]Entry, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 10
	}

	where := []string{"knowledge_fts MATCH ?"}
	args := []any{query}

	if len(opts.Categories) > 0 {
		placeholders := make([]string, len(opts.Categories))
		for i, c := range opts.Categories {
			placeholders[i] = "?"
			args = append(args, string(c))
		}
		where = append(where, fmt.Sprintf("e.category IN (%s)", strings.Join(placeholders, ",")))
	}
	if opts.Project != "" {
		where = append(where, "e.project = ?")
		args = append(args, opts.Project)
	}
	if opts.SinceDays > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -opts.SinceDays).Format(time.RFC3339)
		where = append(where, "e.created_at >= ?")
		args = append(args, cutoff)
	}
	where = append(where, "(e.expiry IS NULL OR e.expiry > ?)")
	args = append(args, time.Now().UTC().Format(time.RFC3339))
	args = append(args, limit)

	q := fmt.Sprintf(`
		SELECT e.id, e.category, e.title, e.content, e.tags, e.project,
		       e.confidence, e.source, e.created_at, e.updated_at, e.expiry,
		       bm25(knowledge_fts) AS score
		FROM knowledge_fts
		JOIN knowledge_entries e ON e.id = knowledge_fts.rowid
		WHERE %s
		ORDER BY bm25(knowledge_fts)
		LIMIT ?`, strings.Join(where, " AND "))

	rows, err := db.conn.QueryContext(ctx, q, args...)
	if err != nil {
		// An unparseable FTS5 query (stray quotes, bare operators)
		// is retried once as a literal phrase, mirroring the
		// original's fallback in search_knowledge().
		if strings.Contains(strings.ToLower(err.Error()), "fts5") {
			retryOpts := opts
			return db.Search(ctx, `"`+query+`"`, retryOpts)
		}
		return nil, fmt.Errorf("knowledgedb: search query: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// Recent returns the most recently created entries, newest first.
func (db *DB) Recent(ctx context.Context, opts SearchOptions) ([]Entry, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 10
	}

	where := []string{"1=1"}
	args := []any{}
	if len(opts.Categories) > 0 {
		placeholders := make([]string, len(opts.Categories))
		for i, c := range opts.Categories {
			placeholders[i] = "?"
			args = append(args, string(c))
		}
		where = append(where, fmt.Sprintf("category IN (%s)", strings.Join(placeholders, ",")))
	}
	if opts.Project != "" {
		where = append(where, "project = ?")
		args = append(args, opts.Project)
	}
	args = append(args, limit)

	q := fmt.Sprintf(`
		SELECT id, category, title, content, tags, project, confidence,
		       source, created_at, updated_at, expiry
		FROM knowledge_entries
		WHERE %s
		ORDER BY created_at DESC
		LIMIT ?`, strings.Join(where, " AND "))

	rows, err := db.conn.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("knowledgedb: recent query: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("knowledgedb: columns: %w", err)
	}
	hasScore := len(cols) > 0 && cols[len(cols)-1] == "score"

	var out []Entry
	for rows.Next() {
		var e Entry
		var project, expiry sql.NullString
		var tagsJSON, createdAt, updatedAt string
		var score float64

		dest := []any{
			&e.ID, &e.Category, &e.Title, &e.Content, &tagsJSON, &project,
			&e.Confidence, &e.Source, &createdAt, &updatedAt, &expiry,
		}
		if hasScore {
			dest = append(dest, &score)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("knowledgedb: scan row: %w", err)
		}

		e.Project = project.String
		if err := json.Unmarshal([]byte(tagsJSON), &e.Tags); err != nil {
			e.Tags = nil
		}
		if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
			e.CreatedAt = t
		}
		if t, err := time.Parse(time.RFC3339, updatedAt); err == nil {
			e.UpdatedAt = t
		}
		if expiry.Valid {
			if t, err := time.Parse(time.RFC3339, expiry.String); err == nil {
				e.Expiry = &t
			}
		}
		e.BM25Score = score
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("knowledgedb: iterate rows: %w", err)
	}
	return out, nil
}

// Count returns the total entry count, and a breakdown by category.
func (db *DB) Count(ctx context.Context) (total int64, byCategory map[Category]int64, err error) {
	if err = db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM knowledge_entries").Scan(&total); err != nil {
		return 0, nil, fmt.Errorf("knowledgedb: count total: %w", err)
	}
	rows, err := db.conn.QueryContext(ctx, "SELECT category, COUNT(*) FROM knowledge_entries GROUP BY category")
	if err != nil {
		return 0, nil, fmt.Errorf("knowledgedb: count by category: %w", err)
	}
	defer rows.Close()
	byCategory = map[Category]int64{}
	for rows.Next() {
		var cat Category
		var n int64
		if err := rows.Scan(&cat, &n); err != nil {
			return 0, nil, fmt.Errorf("knowledgedb: scan category count: %w", err)
		}
		byCategory[cat] = n
	}
	return total, byCategory, rows.Err()
}

// Rebuild forces the FTS5 index to resync from knowledge_entries —
// exposed for the admin CLI's maintenance commands.
func (db *DB) Rebuild(ctx context.Context) error {
	_, err := db.conn.ExecContext(ctx, "INSERT INTO knowledge_fts(knowledge_fts) VALUES('rebuild')")
	if err != nil {
		return fmt.Errorf("knowledgedb: rebuild fts index: %w", err)
	}
	return nil
}
