package storage

import (
	"context"
	"fmt"
	"strings"
)

// DiffOp labels one row in a table diff.
type DiffOp string

const (
	DiffInsert DiffOp = "insert"
	DiffUpdate DiffOp = "update"
	DiffDelete DiffOp = "delete"
)

// RowDiff is one differing row between two branch tables.
type RowDiff struct {
	ID string `json:"id"`
	Op DiffOp `json:"op"`
}

// DiffCounts is the count-only variant of a table diff.
type DiffCounts struct {
	Inserts int `json:"inserts"`
	Updates int `json:"updates"`
	Deletes int `json:"deletes"`
}

// Total returns the number of differing rows.
func (c DiffCounts) Total() int { return c.Inserts + c.Updates + c.Deletes }

// ConflictPolicy selects native merge behavior on conflicting rows.
type ConflictPolicy string

const (
	// ConflictSkip keeps the target row.
	ConflictSkip ConflictPolicy = "skip"
	// ConflictAccept overwrites the target row with the source row.
	ConflictAccept ConflictPolicy = "accept"
)

// MergeCounts reports the outcome of one table merge.
type MergeCounts struct {
	Merged     int `json:"merged"`
	Skipped    int `json:"skipped"`
	Conflicted int `json:"conflicted"`
}

// Add accumulates counts across entity tables.
func (m *MergeCounts) Add(other MergeCounts) {
	m.Merged += other.Merged
	m.Skipped += other.Skipped
	m.Conflicted += other.Conflicted
}

// TableExists reports whether a table exists.
func (s *Store) TableExists(ctx context.Context, table string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type IN ('table','view') AND name = ?`, table).Scan(&n)
	if err != nil {
		return false, wrapDB("table exists", err)
	}
	return n > 0, nil
}

// ForkTable creates dst as a copy of src, then stamps the branch column.
// Runs on the autocommit channel; DDL cannot join an open transaction.
func (s *Store) ForkTable(ctx context.Context, src, dst, dstBranch string) error {
	// Create dst from the entity DDL so it keeps src's declared column
	// types and constraints, then copy the rows.
	entity, _, _ := strings.Cut(src, "_")
	if err := s.CreateEntityTable(ctx, entity, dst); err != nil {
		return err
	}
	stmt := fmt.Sprintf(`INSERT INTO %s SELECT * FROM %s`, quoteIdent(dst), quoteIdent(src))
	if _, err := s.autocommit.ExecContext(ctx, stmt); err != nil {
		return wrapDB("fork table", err)
	}
	if dstBranch != "" {
		stmt = fmt.Sprintf(`UPDATE %s SET branch = ?`, quoteIdent(dst))
		if _, err := s.autocommit.ExecContext(ctx, stmt, dstBranch); err != nil {
			return wrapDB("stamp forked branch", err)
		}
	}
	return nil
}

// CreateEntityTable creates an empty entity table under the given physical
// name. Used by curated branches that start empty.
func (s *Store) CreateEntityTable(ctx context.Context, entity, table string) error {
	ddl, err := entityDDLFor(entity)
	if err != nil {
		return err
	}
	if _, err := s.autocommit.ExecContext(ctx, ddl(table)); err != nil {
		return wrapDB("create entity table", err)
	}
	return nil
}

// DropTable removes a branch table (and its FTS sibling when present).
// Idempotent.
func (s *Store) DropTable(ctx context.Context, table string) error {
	if _, err := s.autocommit.ExecContext(ctx, `DROP TABLE IF EXISTS `+quoteIdent(table)); err != nil {
		return wrapDB("drop table", err)
	}
	if _, err := s.autocommit.ExecContext(ctx, `DROP TABLE IF EXISTS `+quoteIdent(table+"_fts")); err != nil {
		return wrapDB("drop fts table", err)
	}
	return nil
}

// diffColumns returns an entity's columns minus branch, which necessarily
// differs between branch tables and must not count as a change.
func diffColumns(entity string) ([]string, error) {
	cols, ok := entityColumns[entity]
	if !ok {
		return nil, fmt.Errorf("unknown entity %q", entity)
	}
	out := make([]string, 0, len(cols)-1)
	for _, c := range cols {
		if c != "branch" {
			out = append(out, c)
		}
	}
	return out, nil
}

// DiffTable returns rows labelled insert/update/delete for every row that
// differs between tables a and b (reading a as the source of changes).
func (s *Store) DiffTable(ctx context.Context, entity, a, b string) ([]RowDiff, error) {
	cols, err := diffColumns(entity)
	if err != nil {
		return nil, err
	}
	colList := strings.Join(cols, ", ")

	var diffs []RowDiff

	collect := func(query string, op DiffOp) error {
		rows, err := s.db.QueryContext(ctx, query)
		if err != nil {
			return wrapDB("diff table", err)
		}
		defer rows.Close()
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return wrapDB("diff table scan", err)
			}
			diffs = append(diffs, RowDiff{ID: id, Op: op})
		}
		return rows.Err()
	}

	qa, qb := quoteIdent(a), quoteIdent(b)

	inserts := fmt.Sprintf(
		`SELECT s.id FROM %s s LEFT JOIN %s d ON s.id = d.id WHERE d.id IS NULL ORDER BY s.id`, qa, qb)
	if err := collect(inserts, DiffInsert); err != nil {
		return nil, err
	}

	updates := fmt.Sprintf(
		`SELECT id FROM (SELECT %s FROM %s EXCEPT SELECT %s FROM %s) WHERE id IN (SELECT id FROM %s) ORDER BY id`,
		colList, qa, colList, qb, qb)
	if err := collect(updates, DiffUpdate); err != nil {
		return nil, err
	}

	deletes := fmt.Sprintf(
		`SELECT d.id FROM %s d LEFT JOIN %s s ON d.id = s.id WHERE s.id IS NULL ORDER BY d.id`, qb, qa)
	if err := collect(deletes, DiffDelete); err != nil {
		return nil, err
	}

	return diffs, nil
}

// DiffCount is the count-only variant of DiffTable.
func (s *Store) DiffCount(ctx context.Context, entity, a, b string) (DiffCounts, error) {
	var counts DiffCounts
	diffs, err := s.DiffTable(ctx, entity, a, b)
	if err != nil {
		return counts, err
	}
	for _, d := range diffs {
		switch d.Op {
		case DiffInsert:
			counts.Inserts++
		case DiffUpdate:
			counts.Updates++
		case DiffDelete:
			counts.Deletes++
		}
	}
	return counts, nil
}

// MergeTable applies the diff from src into dst under the conflict policy,
// in a single transaction. Inserts are copied with the branch column
// rewritten to dstBranch; updates follow the policy; deletes are never
// propagated. Returns per-row counts.
func (s *Store) MergeTable(ctx context.Context, entity, src, dst, dstBranch string, policy ConflictPolicy) (MergeCounts, error) {
	var counts MergeCounts

	cols, ok := entityColumns[entity]
	if !ok {
		return counts, fmt.Errorf("unknown entity %q", entity)
	}

	diffs, err := s.DiffTable(ctx, entity, src, dst)
	if err != nil {
		return counts, err
	}

	// Select list with the branch column replaced by the target branch.
	selectCols := make([]string, len(cols))
	for i, c := range cols {
		if c == "branch" {
			selectCols[i] = "?"
		} else {
			selectCols[i] = c
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return counts, wrapDB("begin merge", err)
	}
	defer tx.Rollback()

	qsrc, qdst := quoteIdent(src), quoteIdent(dst)
	colList := strings.Join(cols, ", ")
	selList := strings.Join(selectCols, ", ")

	insertStmt := fmt.Sprintf(
		`INSERT INTO %s (%s) SELECT %s FROM %s WHERE id = ?`, qdst, colList, selList, qsrc)
	replaceStmt := fmt.Sprintf(
		`INSERT OR REPLACE INTO %s (%s) SELECT %s FROM %s WHERE id = ?`, qdst, colList, selList, qsrc)

	for _, d := range diffs {
		switch d.Op {
		case DiffInsert:
			if _, err := tx.ExecContext(ctx, insertStmt, dstBranch, d.ID); err != nil {
				return MergeCounts{}, wrapDB("merge insert", err)
			}
			counts.Merged++
		case DiffUpdate:
			counts.Conflicted++
			if policy == ConflictAccept {
				if _, err := tx.ExecContext(ctx, replaceStmt, dstBranch, d.ID); err != nil {
					return MergeCounts{}, wrapDB("merge update", err)
				}
				counts.Merged++
			} else {
				counts.Skipped++
			}
		case DiffDelete:
			// merges never delete target rows
		}
	}

	if err := tx.Commit(); err != nil {
		return MergeCounts{}, wrapDB("commit merge", err)
	}
	return counts, nil
}

// CopyRows copies the given ids from src to dst, rewriting the branch
// column and skipping ids already present. Runs in one transaction and
// returns the number of rows copied.
func (s *Store) CopyRows(ctx context.Context, entity, src, dst, dstBranch string, ids []string) (int, error) {
	cols, ok := entityColumns[entity]
	if !ok {
		return 0, fmt.Errorf("unknown entity %q", entity)
	}

	selectCols := make([]string, len(cols))
	for i, c := range cols {
		if c == "branch" {
			selectCols[i] = "?"
		} else {
			selectCols[i] = c
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, wrapDB("begin copy", err)
	}
	defer tx.Rollback()

	stmt := fmt.Sprintf(`INSERT OR IGNORE INTO %s (%s) SELECT %s FROM %s WHERE id = ?`,
		quoteIdent(dst), strings.Join(cols, ", "), strings.Join(selectCols, ", "), quoteIdent(src))

	copied := 0
	for _, id := range ids {
		res, err := tx.ExecContext(ctx, stmt, dstBranch, id)
		if err != nil {
			return 0, wrapDB("copy row", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			copied += int(n)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, wrapDB("commit copy", err)
	}
	return copied, nil
}

// RowCount returns the number of rows in a table.
func (s *Store) RowCount(ctx context.Context, table string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+quoteIdent(table)).Scan(&n)
	if err != nil {
		return 0, wrapDB("row count", err)
	}
	return n, nil
}

// DeleteAllRows clears a table. Used by snapshot restore before replaying
// the payload.
func (s *Store) DeleteAllRows(ctx context.Context, table string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM `+quoteIdent(table)); err != nil {
		return wrapDB("clear table", err)
	}
	return nil
}

// RebuildFTS resynchronizes a table's FTS sibling after bulk row movement
// (fork, merge, restore). No-op when fulltext is unavailable or the table
// has no FTS sibling.
func (s *Store) RebuildFTS(ctx context.Context, table, column string) error {
	if !s.fulltext {
		return nil
	}
	fts := table + "_fts"
	exists, err := s.TableExists(ctx, fts)
	if err != nil {
		return err
	}
	if !exists {
		if err := s.createFTS(ctx, table, column); err != nil {
			return err
		}
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM `+quoteIdent(fts)); err != nil {
		return wrapDB("clear fts", err)
	}
	stmt := fmt.Sprintf(`INSERT INTO %s (id, %s) SELECT id, %s FROM %s`,
		quoteIdent(fts), column, column, quoteIdent(table))
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return wrapDB("rebuild fts", err)
	}
	return nil
}
