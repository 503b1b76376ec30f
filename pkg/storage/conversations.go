package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/memfork/memfork/pkg/errkind"
	"github.com/memfork/memfork/pkg/model"
)

const convCols = `id, session_id, agent_id, task_id, branch, title, status, model,
	message_count, total_tokens, parent_conversation_id, fork_point_message_id, metadata, created_at`

const msgCols = `id, conversation_id, role, content, thinking, tool_calls, model, sequence_num,
	token_count, session_id, agent_id, branch, embedding, metadata, created_at`

// InsertConversation writes a conversation row.
func (s *Store) InsertConversation(ctx context.Context, table string, c *model.Conversation) error {
	stmt := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		quoteIdent(table), convCols)
	_, err := s.db.ExecContext(ctx, stmt,
		c.ID, nullStr(c.SessionID), nullStr(c.AgentID), nullStr(c.TaskID), c.Branch,
		nullStr(c.Title), c.Status, nullStr(c.Model), c.MessageCount, c.TotalTokens,
		nullStr(c.ParentConversationID), nullStr(c.ForkPointMessageID),
		encodeJSON(c.Metadata), c.CreatedAt)
	if err != nil {
		return wrapDB("insert conversation", err)
	}
	return nil
}

// GetConversation fetches one conversation by id.
func (s *Store) GetConversation(ctx context.Context, table, id string) (*model.Conversation, error) {
	stmt := fmt.Sprintf(`SELECT %s FROM %s WHERE id = ?`, convCols, quoteIdent(table))
	c, err := scanConversation(s.db.QueryRowContext(ctx, stmt, id))
	if errors.Is(err, errNoRows) {
		return nil, errkind.NotFound("conversation", id)
	}
	if err != nil {
		return nil, wrapDB("get conversation", err)
	}
	return c, nil
}

// ConversationFilter narrows ListConversations.
type ConversationFilter struct {
	SessionID string
	Status    string
	Limit     int
}

// ListConversations returns conversations matching the filter, newest first.
func (s *Store) ListConversations(ctx context.Context, table string, filter ConversationFilter) ([]*model.Conversation, error) {
	var conds []string
	var args []any
	if filter.SessionID != "" {
		conds = append(conds, "session_id = ?")
		args = append(args, filter.SessionID)
	}
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, filter.Status)
	}

	stmt := fmt.Sprintf(`SELECT %s FROM %s`, convCols, quoteIdent(table))
	if len(conds) > 0 {
		stmt += " WHERE " + strings.Join(conds, " AND ")
	}
	stmt += " ORDER BY created_at DESC, id"
	if filter.Limit > 0 {
		stmt += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, wrapDB("list conversations", err)
	}
	defer rows.Close()

	var convs []*model.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, wrapDB("scan conversation", err)
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// UpdateConversationStatus transitions a conversation's status.
func (s *Store) UpdateConversationStatus(ctx context.Context, table, id, status string) error {
	stmt := fmt.Sprintf(`UPDATE %s SET status = ? WHERE id = ?`, quoteIdent(table))
	res, err := s.db.ExecContext(ctx, stmt, status, id)
	if err != nil {
		return wrapDB("update conversation status", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errkind.NotFound("conversation", id)
	}
	return nil
}

// UpdateConversationMetadata replaces a conversation's metadata.
func (s *Store) UpdateConversationMetadata(ctx context.Context, table, id string, metadata map[string]any) error {
	stmt := fmt.Sprintf(`UPDATE %s SET metadata = ? WHERE id = ?`, quoteIdent(table))
	res, err := s.db.ExecContext(ctx, stmt, encodeJSON(metadata), id)
	if err != nil {
		return wrapDB("update conversation metadata", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errkind.NotFound("conversation", id)
	}
	return nil
}

// InsertMessage appends a message and bumps the conversation counters in
// one transaction.
func (s *Store) InsertMessage(ctx context.Context, msgTable, convTable string, m *model.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapDB("begin insert message", err)
	}
	defer tx.Rollback()

	if err := insertMessageTx(ctx, tx, msgTable, m); err != nil {
		return err
	}

	bump := fmt.Sprintf(
		`UPDATE %s SET message_count = message_count + 1, total_tokens = total_tokens + ? WHERE id = ?`,
		quoteIdent(convTable))
	if _, err := tx.ExecContext(ctx, bump, m.TokenCount, m.ConversationID); err != nil {
		return wrapDB("bump conversation counters", err)
	}

	if err := tx.Commit(); err != nil {
		return wrapDB("commit insert message", err)
	}
	return nil
}

// InsertMessages writes a batch of messages and a conversation row in one
// transaction. Used by fork, cherry-pick, and template application where
// the copy must be atomic.
func (s *Store) InsertMessages(ctx context.Context, msgTable, convTable string, conv *model.Conversation, msgs []*model.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapDB("begin insert messages", err)
	}
	defer tx.Rollback()

	if conv != nil {
		stmt := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			quoteIdent(convTable), convCols)
		_, err = tx.ExecContext(ctx, stmt,
			conv.ID, nullStr(conv.SessionID), nullStr(conv.AgentID), nullStr(conv.TaskID),
			conv.Branch, nullStr(conv.Title), conv.Status, nullStr(conv.Model),
			conv.MessageCount, conv.TotalTokens, nullStr(conv.ParentConversationID),
			nullStr(conv.ForkPointMessageID), encodeJSON(conv.Metadata), conv.CreatedAt)
		if err != nil {
			return wrapDB("insert conversation", err)
		}
	}

	for _, m := range msgs {
		if err := insertMessageTx(ctx, tx, msgTable, m); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return wrapDB("commit insert messages", err)
	}
	return nil
}

func insertMessageTx(ctx context.Context, tx *sql.Tx, table string, m *model.Message) error {
	toolCalls := sql.NullString{}
	if len(m.ToolCalls) > 0 {
		b, err := json.Marshal(m.ToolCalls)
		if err != nil {
			return wrapDB("marshal tool calls", err)
		}
		toolCalls = sql.NullString{String: string(b), Valid: true}
	}

	stmt := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		quoteIdent(table), msgCols)
	_, err := tx.ExecContext(ctx, stmt,
		m.ID, m.ConversationID, m.Role, m.Content, nullStr(m.Thinking), toolCalls,
		nullStr(m.Model), m.SequenceNum, m.TokenCount, nullStr(m.SessionID),
		nullStr(m.AgentID), m.Branch, encodeVector(m.Embedding),
		encodeJSON(m.Metadata), m.CreatedAt)
	if err != nil {
		return wrapDB("insert message", err)
	}
	return nil
}

// ListMessages returns a conversation's messages ordered by sequence.
// fromSeq/toSeq bound the range when positive.
func (s *Store) ListMessages(ctx context.Context, table, conversationID string, fromSeq, toSeq int) ([]*model.Message, error) {
	stmt := fmt.Sprintf(`SELECT %s FROM %s WHERE conversation_id = ?`, msgCols, quoteIdent(table))
	args := []any{conversationID}
	if fromSeq > 0 {
		stmt += " AND sequence_num >= ?"
		args = append(args, fromSeq)
	}
	if toSeq > 0 {
		stmt += " AND sequence_num <= ?"
		args = append(args, toSeq)
	}
	stmt += " ORDER BY sequence_num"

	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, wrapDB("list messages", err)
	}
	defer rows.Close()

	var msgs []*model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, wrapDB("scan message", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// MaxSequence returns the highest sequence_num in a conversation, 0 when
// it has no messages.
func (s *Store) MaxSequence(ctx context.Context, table, conversationID string) (int, error) {
	stmt := fmt.Sprintf(`SELECT COALESCE(MAX(sequence_num), 0) FROM %s WHERE conversation_id = ?`,
		quoteIdent(table))
	var max int
	if err := s.db.QueryRowContext(ctx, stmt, conversationID).Scan(&max); err != nil {
		return 0, wrapDB("max sequence", err)
	}
	return max, nil
}

// UpdateMessageMetadata replaces a message's metadata.
func (s *Store) UpdateMessageMetadata(ctx context.Context, table, id string, metadata map[string]any) error {
	stmt := fmt.Sprintf(`UPDATE %s SET metadata = ? WHERE id = ?`, quoteIdent(table))
	res, err := s.db.ExecContext(ctx, stmt, encodeJSON(metadata), id)
	if err != nil {
		return wrapDB("update message metadata", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errkind.NotFound("message", id)
	}
	return nil
}

func scanConversation(r rowScanner) (*model.Conversation, error) {
	var c model.Conversation
	var sessionID, agentID, taskID, title, mdl, parentConv, forkPoint sql.NullString
	var metadata string

	err := r.Scan(&c.ID, &sessionID, &agentID, &taskID, &c.Branch, &title, &c.Status,
		&mdl, &c.MessageCount, &c.TotalTokens, &parentConv, &forkPoint, &metadata, &c.CreatedAt)
	if err != nil {
		return nil, err
	}

	c.SessionID = strOrEmpty(sessionID)
	c.AgentID = strOrEmpty(agentID)
	c.TaskID = strOrEmpty(taskID)
	c.Title = strOrEmpty(title)
	c.Model = strOrEmpty(mdl)
	c.ParentConversationID = strOrEmpty(parentConv)
	c.ForkPointMessageID = strOrEmpty(forkPoint)
	c.Metadata = decodeJSONMap(metadata)
	return &c, nil
}

func scanMessage(r rowScanner) (*model.Message, error) {
	var m model.Message
	var thinking, toolCalls, mdl, sessionID, agentID, embedding sql.NullString
	var metadata string

	err := r.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &thinking, &toolCalls,
		&mdl, &m.SequenceNum, &m.TokenCount, &sessionID, &agentID, &m.Branch,
		&embedding, &metadata, &m.CreatedAt)
	if err != nil {
		return nil, err
	}

	m.Thinking = strOrEmpty(thinking)
	if toolCalls.Valid && toolCalls.String != "" {
		_ = json.Unmarshal([]byte(toolCalls.String), &m.ToolCalls)
	}
	m.Model = strOrEmpty(mdl)
	m.SessionID = strOrEmpty(sessionID)
	m.AgentID = strOrEmpty(agentID)
	m.Embedding = decodeVector(embedding)
	m.Metadata = decodeJSONMap(metadata)
	return &m, nil
}
