package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// DumpTable serializes every row of a table to JSON, column-keyed, in id
// order. Snapshot payloads are built from these dumps.
func (s *Store) DumpTable(ctx context.Context, entity, table string) (json.RawMessage, error) {
	cols, ok := entityColumns[entity]
	if !ok {
		return nil, fmt.Errorf("unknown entity %q", entity)
	}

	stmt := fmt.Sprintf(`SELECT %s FROM %s ORDER BY id`, strings.Join(cols, ", "), quoteIdent(table))
	rows, err := s.db.QueryContext(ctx, stmt)
	if err != nil {
		return nil, wrapDB("dump table", err)
	}
	defer rows.Close()

	var dump []map[string]any
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, wrapDB("dump scan", err)
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			if b, isBytes := vals[i].([]byte); isBytes {
				row[c] = string(b)
			} else {
				row[c] = vals[i]
			}
		}
		dump = append(dump, row)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDB("dump rows", err)
	}

	out, err := json.Marshal(dump)
	if err != nil {
		return nil, fmt.Errorf("marshal dump: %w", err)
	}
	return out, nil
}

// RestoreTable replaces a table's rows with a previously dumped payload,
// atomically per table.
func (s *Store) RestoreTable(ctx context.Context, entity, table string, payload json.RawMessage) error {
	cols, ok := entityColumns[entity]
	if !ok {
		return fmt.Errorf("unknown entity %q", entity)
	}

	var dump []map[string]any
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &dump); err != nil {
			return fmt.Errorf("unmarshal dump: %w", err)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapDB("begin restore", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM `+quoteIdent(table)); err != nil {
		return wrapDB("clear table for restore", err)
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(cols)), ",")
	ins := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)`,
		quoteIdent(table), strings.Join(cols, ", "), placeholders)

	for _, row := range dump {
		args := make([]any, len(cols))
		for i, c := range cols {
			args[i] = row[c]
		}
		if _, err := tx.ExecContext(ctx, ins, args...); err != nil {
			return wrapDB("restore row", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return wrapDB("commit restore", err)
	}
	return nil
}

// NativeSnapshot writes a database-level snapshot file via VACUUM INTO.
// Runs on the autocommit channel; VACUUM cannot join a transaction.
func (s *Store) NativeSnapshot(ctx context.Context, path string) error {
	if _, err := s.autocommit.ExecContext(ctx, `VACUUM INTO ?`, path); err != nil {
		return wrapDB("native snapshot", err)
	}
	return nil
}
