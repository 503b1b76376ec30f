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

const obsCols = `id, session_id, type, tool_name, summary, raw_input, raw_output, outcome,
	branch, task_id, agent_id, embedding, created_at`

// InsertObservation writes an observation row and its FTS entry in one
// transaction.
func (s *Store) InsertObservation(ctx context.Context, table string, o *model.Observation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapDB("begin insert observation", err)
	}
	defer tx.Rollback()

	stmt := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		quoteIdent(table), obsCols)
	_, err = tx.ExecContext(ctx, stmt,
		o.ID, o.SessionID, o.Type, nullStr(o.ToolName), o.Summary,
		nullStr(o.RawInput), nullStr(o.RawOutput), nullStr(o.Outcome),
		o.Branch, nullStr(o.TaskID), nullStr(o.AgentID),
		encodeVector(o.Embedding), o.CreatedAt)
	if err != nil {
		return wrapDB("insert observation", err)
	}

	if err := s.insertFTSTx(ctx, tx, table, o.ID, o.Summary); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return wrapDB("commit insert observation", err)
	}
	return nil
}

// GetObservation fetches one observation by id.
func (s *Store) GetObservation(ctx context.Context, table, id string) (*model.Observation, error) {
	stmt := fmt.Sprintf(`SELECT %s FROM %s WHERE id = ?`, obsCols, quoteIdent(table))
	o, err := scanObservation(s.db.QueryRowContext(ctx, stmt, id))
	if errors.Is(err, errNoRows) {
		return nil, errkind.NotFound("observation", id)
	}
	if err != nil {
		return nil, wrapDB("get observation", err)
	}
	return o, nil
}

// ObservationFilter narrows ListObservations.
type ObservationFilter struct {
	SessionID     string
	Types         []string
	TaskID        string
	AgentID       string
	CreatedBefore time.Time
	Limit         int
}

// ListObservations returns observations matching the filter, oldest first
// (consolidation consumes them in arrival order).
func (s *Store) ListObservations(ctx context.Context, table string, filter ObservationFilter) ([]*model.Observation, error) {
	var conds []string
	var args []any

	if filter.SessionID != "" {
		conds = append(conds, "session_id = ?")
		args = append(args, filter.SessionID)
	}
	if len(filter.Types) > 0 {
		placeholders := strings.Repeat("?,", len(filter.Types))
		conds = append(conds, fmt.Sprintf("type IN (%s)", placeholders[:len(placeholders)-1]))
		for _, t := range filter.Types {
			args = append(args, t)
		}
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

	stmt := fmt.Sprintf(`SELECT %s FROM %s`, obsCols, quoteIdent(table))
	if len(conds) > 0 {
		stmt += " WHERE " + strings.Join(conds, " AND ")
	}
	stmt += " ORDER BY created_at, id"
	if filter.Limit > 0 {
		stmt += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, wrapDB("list observations", err)
	}
	defer rows.Close()

	var obs []*model.Observation
	for rows.Next() {
		o, err := scanObservation(rows)
		if err != nil {
			return nil, wrapDB("scan observation", err)
		}
		obs = append(obs, o)
	}
	return obs, rows.Err()
}

// ObservationsMissingEmbedding returns observations with a null embedding.
func (s *Store) ObservationsMissingEmbedding(ctx context.Context, table string, limit int) ([]*model.Observation, error) {
	stmt := fmt.Sprintf(`SELECT %s FROM %s WHERE embedding IS NULL ORDER BY created_at LIMIT ?`,
		obsCols, quoteIdent(table))
	rows, err := s.db.QueryContext(ctx, stmt, limit)
	if err != nil {
		return nil, wrapDB("observations missing embedding", err)
	}
	defer rows.Close()

	var obs []*model.Observation
	for rows.Next() {
		o, err := scanObservation(rows)
		if err != nil {
			return nil, wrapDB("scan observation", err)
		}
		obs = append(obs, o)
	}
	return obs, rows.Err()
}

// SetObservationEmbedding backfills one observation's embedding.
func (s *Store) SetObservationEmbedding(ctx context.Context, table, id string, vec []float32) error {
	stmt := fmt.Sprintf(`UPDATE %s SET embedding = ? WHERE id = ?`, quoteIdent(table))
	if _, err := s.db.ExecContext(ctx, stmt, encodeVector(vec), id); err != nil {
		return wrapDB("set observation embedding", err)
	}
	return nil
}

func scanObservation(r rowScanner) (*model.Observation, error) {
	var o model.Observation
	var toolName, rawInput, rawOutput, outcome, taskID, agentID, embedding sql.NullString

	err := r.Scan(&o.ID, &o.SessionID, &o.Type, &toolName, &o.Summary, &rawInput,
		&rawOutput, &outcome, &o.Branch, &taskID, &agentID, &embedding, &o.CreatedAt)
	if err != nil {
		return nil, err
	}

	o.ToolName = strOrEmpty(toolName)
	o.RawInput = strOrEmpty(rawInput)
	o.RawOutput = strOrEmpty(rawOutput)
	o.Outcome = strOrEmpty(outcome)
	o.TaskID = strOrEmpty(taskID)
	o.AgentID = strOrEmpty(agentID)
	o.Embedding = decodeVector(embedding)
	return &o, nil
}
