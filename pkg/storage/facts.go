package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/memfork/memfork/pkg/errkind"
	"github.com/memfork/memfork/pkg/model"
)

const factCols = `id, text, category, confidence, status, parent_id, source_type, source_id,
	session_id, task_id, agent_id, branch, embedding, metadata, created_at, updated_at`

// InsertFact writes a fact row and its FTS entry in one transaction.
func (s *Store) InsertFact(ctx context.Context, table string, f *model.Fact) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapDB("begin insert fact", err)
	}
	defer tx.Rollback()

	stmt := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		quoteIdent(table), factCols)
	_, err = tx.ExecContext(ctx, stmt,
		f.ID, f.Text, f.Category, f.Confidence, f.Status, nullStr(f.ParentID),
		nullStr(f.SourceType), nullStr(f.SourceID), nullStr(f.SessionID),
		nullStr(f.TaskID), nullStr(f.AgentID), f.Branch, encodeVector(f.Embedding),
		encodeJSON(f.Metadata), f.CreatedAt, f.UpdatedAt)
	if err != nil {
		return wrapDB("insert fact", err)
	}

	if err := s.insertFTSTx(ctx, tx, table, f.ID, f.Text); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return wrapDB("commit insert fact", err)
	}
	return nil
}

// insertFTSTx adds an FTS row inside the caller's transaction.
func (s *Store) insertFTSTx(ctx context.Context, tx *sql.Tx, table, id, text string) error {
	if !s.fulltext {
		return nil
	}
	fts := table + "_fts"
	exists, err := s.TableExists(ctx, fts)
	if err != nil || !exists {
		return err
	}
	col := "text"
	if strings.HasPrefix(table, model.EntityObservations) {
		col = "summary"
	}
	stmt := fmt.Sprintf(`INSERT INTO %s (id, %s) VALUES (?, ?)`, quoteIdent(fts), col)
	if _, err := tx.ExecContext(ctx, stmt, id, text); err != nil {
		return wrapDB("insert fts row", err)
	}
	return nil
}

// GetFact fetches one fact by id.
func (s *Store) GetFact(ctx context.Context, table, id string) (*model.Fact, error) {
	stmt := fmt.Sprintf(`SELECT %s FROM %s WHERE id = ?`, factCols, quoteIdent(table))
	row := s.db.QueryRowContext(ctx, stmt, id)
	f, err := scanFact(row)
	if errors.Is(err, errNoRows) {
		return nil, errkind.NotFound("fact", id)
	}
	if err != nil {
		return nil, wrapDB("get fact", err)
	}
	return f, nil
}

// FactFilter narrows ListFacts.
type FactFilter struct {
	Category      string
	Status        string
	SessionID     string
	TaskID        string
	AgentID       string
	CreatedBefore time.Time // as-of reads
	Limit         int
}

// ListFacts returns facts matching the filter, newest first.
func (s *Store) ListFacts(ctx context.Context, table string, filter FactFilter) ([]*model.Fact, error) {
	var conds []string
	var args []any

	if filter.Category != "" {
		conds = append(conds, "category = ?")
		args = append(args, filter.Category)
	}
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.SessionID != "" {
		conds = append(conds, "session_id = ?")
		args = append(args, filter.SessionID)
	}
	if filter.TaskID != "" {
		conds = append(conds, "task_id = ?")
		args = append(args, filter.TaskID)
	}
	if filter.AgentID != "" {
		conds = append(conds, "agent_id = ?")
		args = append(args, filter.AgentID)
	}
	if !filter.CreatedBefore.IsZero() {
		conds = append(conds, "created_at <= ?")
		args = append(args, filter.CreatedBefore)
	}

	stmt := fmt.Sprintf(`SELECT %s FROM %s`, factCols, quoteIdent(table))
	if len(conds) > 0 {
		stmt += " WHERE " + strings.Join(conds, " AND ")
	}
	stmt += " ORDER BY created_at DESC, id"
	if filter.Limit > 0 {
		stmt += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, wrapDB("list facts", err)
	}
	defer rows.Close()

	var facts []*model.Fact
	for rows.Next() {
		f, err := scanFact(rows)
		if err != nil {
			return nil, wrapDB("scan fact", err)
		}
		facts = append(facts, f)
	}
	return facts, rows.Err()
}

// UpdateFactConfidence sets a fact's confidence and updated_at.
func (s *Store) UpdateFactConfidence(ctx context.Context, table, id string, confidence float64) error {
	stmt := fmt.Sprintf(`UPDATE %s SET confidence = ?, updated_at = ? WHERE id = ?`, quoteIdent(table))
	res, err := s.db.ExecContext(ctx, stmt, confidence, Now(), id)
	if err != nil {
		return wrapDB("update fact confidence", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errkind.NotFound("fact", id)
	}
	return nil
}

// UpdateFactMetadata replaces a fact's metadata and bumps updated_at.
func (s *Store) UpdateFactMetadata(ctx context.Context, table, id string, metadata map[string]any) error {
	stmt := fmt.Sprintf(`UPDATE %s SET metadata = ?, updated_at = ? WHERE id = ?`, quoteIdent(table))
	res, err := s.db.ExecContext(ctx, stmt, encodeJSON(metadata), Now(), id)
	if err != nil {
		return wrapDB("update fact metadata", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errkind.NotFound("fact", id)
	}
	return nil
}

// SetFactStatus sets a fact's status and bumps updated_at.
func (s *Store) SetFactStatus(ctx context.Context, table, id, status string) error {
	stmt := fmt.Sprintf(`UPDATE %s SET status = ?, updated_at = ? WHERE id = ?`, quoteIdent(table))
	res, err := s.db.ExecContext(ctx, stmt, status, Now(), id)
	if err != nil {
		return wrapDB("set fact status", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errkind.NotFound("fact", id)
	}
	return nil
}

// SupersedeFact marks old superseded and inserts the replacement in one
// transaction. The replacement must carry ParentID = oldID.
func (s *Store) SupersedeFact(ctx context.Context, table, oldID string, replacement *model.Fact) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapDB("begin supersede", err)
	}
	defer tx.Rollback()

	stmt := fmt.Sprintf(`UPDATE %s SET status = ?, updated_at = ? WHERE id = ? AND status = ?`, quoteIdent(table))
	res, err := tx.ExecContext(ctx, stmt, model.FactSuperseded, replacement.UpdatedAt, oldID, model.FactActive)
	if err != nil {
		return wrapDB("mark superseded", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errkind.NotFound("active fact", oldID)
	}

	ins := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		quoteIdent(table), factCols)
	_, err = tx.ExecContext(ctx, ins,
		replacement.ID, replacement.Text, replacement.Category, replacement.Confidence,
		replacement.Status, nullStr(replacement.ParentID), nullStr(replacement.SourceType),
		nullStr(replacement.SourceID), nullStr(replacement.SessionID), nullStr(replacement.TaskID),
		nullStr(replacement.AgentID), replacement.Branch, encodeVector(replacement.Embedding),
		encodeJSON(replacement.Metadata), replacement.CreatedAt, replacement.UpdatedAt)
	if err != nil {
		return wrapDB("insert replacement fact", err)
	}

	if err := s.insertFTSTx(ctx, tx, table, replacement.ID, replacement.Text); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return wrapDB("commit supersede", err)
	}
	return nil
}

// FactsMissingEmbedding returns facts with a null embedding, oldest first.
func (s *Store) FactsMissingEmbedding(ctx context.Context, table string, limit int) ([]*model.Fact, error) {
	stmt := fmt.Sprintf(`SELECT %s FROM %s WHERE embedding IS NULL ORDER BY created_at LIMIT ?`,
		factCols, quoteIdent(table))
	rows, err := s.db.QueryContext(ctx, stmt, limit)
	if err != nil {
		return nil, wrapDB("facts missing embedding", err)
	}
	defer rows.Close()

	var facts []*model.Fact
	for rows.Next() {
		f, err := scanFact(rows)
		if err != nil {
			return nil, wrapDB("scan fact", err)
		}
		facts = append(facts, f)
	}
	return facts, rows.Err()
}

// SetFactEmbedding backfills one fact's embedding.
func (s *Store) SetFactEmbedding(ctx context.Context, table, id string, vec []float32) error {
	stmt := fmt.Sprintf(`UPDATE %s SET embedding = ? WHERE id = ?`, quoteIdent(table))
	if _, err := s.db.ExecContext(ctx, stmt, encodeVector(vec), id); err != nil {
		return wrapDB("set fact embedding", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFact(r rowScanner) (*model.Fact, error) {
	var f model.Fact
	var parentID, sourceType, sourceID, sessionID, taskID, agentID, embedding sql.NullString
	var metadata string

	err := r.Scan(&f.ID, &f.Text, &f.Category, &f.Confidence, &f.Status, &parentID,
		&sourceType, &sourceID, &sessionID, &taskID, &agentID, &f.Branch,
		&embedding, &metadata, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return nil, err
	}

	f.ParentID = strOrEmpty(parentID)
	f.SourceType = strOrEmpty(sourceType)
	f.SourceID = strOrEmpty(sourceID)
	f.SessionID = strOrEmpty(sessionID)
	f.TaskID = strOrEmpty(taskID)
	f.AgentID = strOrEmpty(agentID)
	f.Embedding = decodeVector(embedding)
	f.Metadata = decodeJSONMap(metadata)
	return &f, nil
}
