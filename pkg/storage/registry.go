package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/memfork/memfork/pkg/errkind"
	"github.com/memfork/memfork/pkg/model"
)

// InsertBranch writes a branch registry entry. Branch creation publishes
// the entry last, after all entity tables exist.
func (s *Store) InsertBranch(ctx context.Context, b *model.Branch) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO branches (name, parent, status, description, metadata, created_at)
		 VALUES (?,?,?,?,?,?)`,
		b.Name, nullStr(b.Parent), b.Status, nullStr(b.Description),
		encodeJSON(b.Metadata), b.CreatedAt)
	if err != nil {
		return wrapDB("insert branch", err)
	}
	return nil
}

// GetBranch fetches a registry entry by name.
func (s *Store) GetBranch(ctx context.Context, name string) (*model.Branch, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT name, parent, status, description, metadata, created_at FROM branches WHERE name = ?`, name)
	b, err := scanBranch(row)
	if errors.Is(err, errNoRows) {
		return nil, errkind.NotFound("branch", name)
	}
	if err != nil {
		return nil, wrapDB("get branch", err)
	}
	return b, nil
}

// ListBranches returns registry entries, optionally filtered by status,
// oldest first.
func (s *Store) ListBranches(ctx context.Context, statuses []string) ([]*model.Branch, error) {
	stmt := `SELECT name, parent, status, description, metadata, created_at FROM branches`
	var args []any
	if len(statuses) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
		stmt += fmt.Sprintf(" WHERE status IN (%s)", placeholders)
		for _, st := range statuses {
			args = append(args, st)
		}
	}
	stmt += " ORDER BY created_at, name"

	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, wrapDB("list branches", err)
	}
	defer rows.Close()

	var branches []*model.Branch
	for rows.Next() {
		b, err := scanBranch(rows)
		if err != nil {
			return nil, wrapDB("scan branch", err)
		}
		branches = append(branches, b)
	}
	return branches, rows.Err()
}

// SetBranchStatus transitions a branch's registry status.
func (s *Store) SetBranchStatus(ctx context.Context, name, status string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE branches SET status = ? WHERE name = ?`, status, name)
	if err != nil {
		return wrapDB("set branch status", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errkind.NotFound("branch", name)
	}
	return nil
}

func scanBranch(r rowScanner) (*model.Branch, error) {
	var b model.Branch
	var parent, description sql.NullString
	var metadata string
	if err := r.Scan(&b.Name, &parent, &b.Status, &description, &metadata, &b.CreatedAt); err != nil {
		return nil, err
	}
	b.Parent = strOrEmpty(parent)
	b.Description = strOrEmpty(description)
	b.Metadata = decodeJSONMap(metadata)
	return &b, nil
}

// InsertMergeRecord appends an immutable merge audit row.
func (s *Store) InsertMergeRecord(ctx context.Context, m *model.MergeRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO merge_history (id, source, target, strategy, merged, skipped, conflicted, created_at)
		 VALUES (?,?,?,?,?,?,?,?)`,
		m.ID, m.Source, m.Target, m.Strategy, m.Merged, m.Skipped, m.Conflicted, m.CreatedAt)
	if err != nil {
		return wrapDB("insert merge record", err)
	}
	return nil
}

// ListMergeRecords returns merge audit rows, newest first. Empty branch
// returns all rows.
func (s *Store) ListMergeRecords(ctx context.Context, branch string, limit int) ([]*model.MergeRecord, error) {
	stmt := `SELECT id, source, target, strategy, merged, skipped, conflicted, created_at FROM merge_history`
	var args []any
	if branch != "" {
		stmt += ` WHERE source = ? OR target = ?`
		args = append(args, branch, branch)
	}
	stmt += ` ORDER BY created_at DESC, id`
	if limit > 0 {
		stmt += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, wrapDB("list merge records", err)
	}
	defer rows.Close()

	var records []*model.MergeRecord
	for rows.Next() {
		var m model.MergeRecord
		if err := rows.Scan(&m.ID, &m.Source, &m.Target, &m.Strategy, &m.Merged,
			&m.Skipped, &m.Conflicted, &m.CreatedAt); err != nil {
			return nil, wrapDB("scan merge record", err)
		}
		records = append(records, &m)
	}
	return records, rows.Err()
}

// InsertConsolidationRecord appends an immutable consolidation audit row.
func (s *Store) InsertConsolidationRecord(ctx context.Context, c *model.ConsolidationRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO consolidation_history
		 (id, level, source_branch, target_branch, created_count, updated_count,
		  deduplicated_count, observations_processed, summary, created_at)
		 VALUES (?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.Level, c.SourceBranch, c.TargetBranch, c.CreatedCount, c.UpdatedCount,
		c.DeduplicatedCount, c.ObservationsProcessed, nullStr(c.Summary), c.CreatedAt)
	if err != nil {
		return wrapDB("insert consolidation record", err)
	}
	return nil
}

// ListConsolidationRecords returns consolidation audit rows, newest first.
func (s *Store) ListConsolidationRecords(ctx context.Context, branch string, limit int) ([]*model.ConsolidationRecord, error) {
	stmt := `SELECT id, level, source_branch, target_branch, created_count, updated_count,
		deduplicated_count, observations_processed, summary, created_at FROM consolidation_history`
	var args []any
	if branch != "" {
		stmt += ` WHERE source_branch = ? OR target_branch = ?`
		args = append(args, branch, branch)
	}
	stmt += ` ORDER BY created_at DESC, id`
	if limit > 0 {
		stmt += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, wrapDB("list consolidation records", err)
	}
	defer rows.Close()

	var records []*model.ConsolidationRecord
	for rows.Next() {
		var c model.ConsolidationRecord
		var summary sql.NullString
		if err := rows.Scan(&c.ID, &c.Level, &c.SourceBranch, &c.TargetBranch,
			&c.CreatedCount, &c.UpdatedCount, &c.DeduplicatedCount,
			&c.ObservationsProcessed, &summary, &c.CreatedAt); err != nil {
			return nil, wrapDB("scan consolidation record", err)
		}
		c.Summary = strOrEmpty(summary)
		records = append(records, &c)
	}
	return records, rows.Err()
}
