// Package storage is the SQLite adapter for memfork.
//
// It owns all SQL: schema creation, per-branch table DDL, row-level diff
// and merge between branch tables, fulltext matching with a LIKE fallback,
// cosine similarity over stored embeddings, as-of reads, and native
// database snapshots.
//
// DDL (branch forking, snapshots) cannot run inside an open transaction,
// so the adapter keeps a dedicated autocommit connection alongside the
// main pool. JSON-typed values are stored as TEXT so row-level diff works
// uniformly across branch tables.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"math"
	"regexp"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/memfork/memfork/pkg/errkind"
)

// Store is the SQLite-backed storage adapter.
type Store struct {
	db *sql.DB

	// autocommit is a single-connection pool reserved for DDL. It is
	// never enrolled in a transaction.
	autocommit *sql.DB

	dsn string

	// fulltext reports whether the FTS5 module compiled in. When false,
	// keyword matching uses the tokenized LIKE fallback.
	fulltext bool
}

// Open opens the database and the autocommit channel. Call Init before use.
func Open(dsn string) (*Store, error) {
	full := dsn
	if !strings.Contains(full, "?") {
		full += "?_busy_timeout=5000&_journal_mode=WAL&_fk=1"
	}

	db, err := sql.Open("sqlite3", full)
	if err != nil {
		return nil, errkind.Wrap(errkind.KindBackendUnavailable, "open database", err)
	}

	auto, err := sql.Open("sqlite3", full)
	if err != nil {
		db.Close()
		return nil, errkind.Wrap(errkind.KindBackendUnavailable, "open autocommit channel", err)
	}
	auto.SetMaxOpenConns(1)

	return &Store{db: db, autocommit: auto, dsn: dsn}, nil
}

// Init creates the branch-independent tables, the root branch tables, and
// probes for FTS5.
func (s *Store) Init(ctx context.Context, rootBranch string) error {
	if _, err := s.db.ExecContext(ctx, auxSchema); err != nil {
		return errkind.Wrap(errkind.KindBackendUnavailable, "create schema", err)
	}

	s.fulltext = s.probeFulltext(ctx)

	for _, ddl := range branchEntityDDL(rootBranch) {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return errkind.Wrap(errkind.KindBackendUnavailable, "create branch tables", err)
		}
	}

	if s.fulltext {
		for _, tbl := range ftsBackedTables(rootBranch) {
			if err := s.createFTS(ctx, tbl.table, tbl.column); err != nil {
				return err
			}
		}
	}

	return nil
}

// probeFulltext checks whether the FTS5 module is available.
func (s *Store) probeFulltext(ctx context.Context) bool {
	_, err := s.autocommit.ExecContext(ctx, `CREATE VIRTUAL TABLE IF NOT EXISTS _fts_probe USING fts5(x)`)
	if err != nil {
		slog.Warn("FTS5 unavailable, keyword search uses LIKE fallback", "error", err)
		return false
	}
	_, _ = s.autocommit.ExecContext(ctx, `DROP TABLE IF EXISTS _fts_probe`)
	return true
}

// FulltextAvailable reports whether BM25 fulltext matching is active.
func (s *Store) FulltextAvailable() bool { return s.fulltext }

// DisableFulltext forces the LIKE fallback. Used by tests exercising the
// degradation path.
func (s *Store) DisableFulltext() { s.fulltext = false }

// Close closes both connection pools.
func (s *Store) Close() error {
	autoErr := s.autocommit.Close()
	if err := s.db.Close(); err != nil {
		return err
	}
	return autoErr
}

// DB exposes the main pool for transactional engine operations.
func (s *Store) DB() *sql.DB { return s.db }

var slugPattern = regexp.MustCompile(`[^a-zA-Z0-9]+`)

// BranchSlug converts a branch name into a table-name-safe suffix.
func BranchSlug(branch string) string {
	return strings.Trim(slugPattern.ReplaceAllString(branch, "_"), "_")
}

// TableName resolves the physical table for an entity on a branch. The
// root branch uses the bare entity name.
func (s *Store) TableName(entity, branch, rootBranch string) string {
	if branch == rootBranch || branch == "" {
		return entity
	}
	return entity + "_" + BranchSlug(branch)
}

// ---------------------------------------------------------------------------
// encoding helpers shared across the adapter

// encodeJSON serializes a value to the TEXT representation used by
// JSON-as-text columns. Nil maps serialize to "{}".
func encodeJSON(v any) string {
	if v == nil {
		return "{}"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func decodeJSONMap(s string) map[string]any {
	if s == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil
	}
	if len(m) == 0 {
		return nil
	}
	return m
}

// encodeVector serializes an embedding to JSON text, NULL when absent.
func encodeVector(vec []float32) sql.NullString {
	if len(vec) == 0 {
		return sql.NullString{}
	}
	b, err := json.Marshal(vec)
	if err != nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}

func decodeVector(s sql.NullString) []float32 {
	if !s.Valid || s.String == "" {
		return nil
	}
	var vec []float32
	if err := json.Unmarshal([]byte(s.String), &vec); err != nil {
		return nil
	}
	return vec
}

// Cosine computes cosine similarity between two vectors. Mismatched or
// empty vectors score zero.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func strOrEmpty(s sql.NullString) string {
	if s.Valid {
		return s.String
	}
	return ""
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil || t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	tt := t.Time
	return &tt
}

// wrapDB classifies a storage error, preserving context cancellation.
func wrapDB(op string, err error) error {
	if err == nil {
		return nil
	}
	if err == context.Canceled || err == context.DeadlineExceeded {
		return err
	}
	return errkind.Wrap(errkind.KindBackendUnavailable, op, err)
}

// quoteIdent guards dynamically-resolved table names. Branch slugs only
// produce [a-zA-Z0-9_], so this is belt and suspenders for fts suffixes.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, ``) + `"`
}

var errNoRows = sql.ErrNoRows

// Now returns the adapter's canonical timestamp: UTC truncated to
// microseconds so values survive a TEXT round-trip byte-identically.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
