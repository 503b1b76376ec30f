package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/memfork/memfork/pkg/errkind"
	"github.com/memfork/memfork/pkg/model"
)

// ---------------------------------------------------------------------------
// sessions

// InsertSession writes a session row.
func (s *Store) InsertSession(ctx context.Context, sess *model.Session) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, parent_session_id, branch, task_id, agent_id, status, summary, started_at, ended_at)
		 VALUES (?,?,?,?,?,?,?,?,?)`,
		sess.ID, nullStr(sess.ParentSessionID), sess.Branch, nullStr(sess.TaskID),
		nullStr(sess.AgentID), sess.Status, nullStr(sess.Summary), sess.StartedAt,
		nullTime(sess.EndedAt))
	if err != nil {
		return wrapDB("insert session", err)
	}
	return nil
}

// GetSession fetches a session by id.
func (s *Store) GetSession(ctx context.Context, id string) (*model.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, parent_session_id, branch, task_id, agent_id, status, summary, started_at, ended_at
		 FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, errNoRows) {
		return nil, errkind.NotFound("session", id)
	}
	if err != nil {
		return nil, wrapDB("get session", err)
	}
	return sess, nil
}

// EndSession marks a session ended with a summary.
func (s *Store) EndSession(ctx context.Context, id, summary string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = 'ended', summary = ?, ended_at = ? WHERE id = ?`,
		nullStr(summary), Now(), id)
	if err != nil {
		return wrapDB("end session", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errkind.NotFound("session", id)
	}
	return nil
}

func scanSession(r rowScanner) (*model.Session, error) {
	var sess model.Session
	var parent, taskID, agentID, summary sql.NullString
	var ended sql.NullTime
	err := r.Scan(&sess.ID, &parent, &sess.Branch, &taskID, &agentID, &sess.Status,
		&summary, &sess.StartedAt, &ended)
	if err != nil {
		return nil, err
	}
	sess.ParentSessionID = strOrEmpty(parent)
	sess.TaskID = strOrEmpty(taskID)
	sess.AgentID = strOrEmpty(agentID)
	sess.Summary = strOrEmpty(summary)
	sess.EndedAt = timePtr(ended)
	return &sess, nil
}

// ---------------------------------------------------------------------------
// tasks

// InsertTask writes a task row.
func (s *Store) InsertTask(ctx context.Context, t *model.Task) error {
	objectives, err := json.Marshal(t.Objectives)
	if err != nil {
		return fmt.Errorf("marshal objectives: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, name, description, type, objectives, parent_branch, branch, status, created_at, updated_at)
		 VALUES (?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Name, nullStr(t.Description), nullStr(t.Type), string(objectives),
		t.ParentBranch, t.Branch, t.Status, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return wrapDB("insert task", err)
	}
	return nil
}

// GetTask fetches a task by id.
func (s *Store) GetTask(ctx context.Context, id string) (*model.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, description, type, objectives, parent_branch, branch, status, created_at, updated_at
		 FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, errNoRows) {
		return nil, errkind.NotFound("task", id)
	}
	if err != nil {
		return nil, wrapDB("get task", err)
	}
	return t, nil
}

// ListTasks returns tasks, newest first.
func (s *Store) ListTasks(ctx context.Context, status string, limit int) ([]*model.Task, error) {
	stmt := `SELECT id, name, description, type, objectives, parent_branch, branch, status, created_at, updated_at FROM tasks`
	var args []any
	if status != "" {
		stmt += ` WHERE status = ?`
		args = append(args, status)
	}
	stmt += ` ORDER BY created_at DESC, id`
	if limit > 0 {
		stmt += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, wrapDB("list tasks", err)
	}
	defer rows.Close()

	var tasks []*model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, wrapDB("scan task", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// UpdateTask rewrites a task's objectives and status.
func (s *Store) UpdateTask(ctx context.Context, t *model.Task) error {
	objectives, err := json.Marshal(t.Objectives)
	if err != nil {
		return fmt.Errorf("marshal objectives: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET objectives = ?, status = ?, updated_at = ? WHERE id = ?`,
		string(objectives), t.Status, Now(), t.ID)
	if err != nil {
		return wrapDB("update task", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errkind.NotFound("task", t.ID)
	}
	return nil
}

func scanTask(r rowScanner) (*model.Task, error) {
	var t model.Task
	var description, typ sql.NullString
	var objectives string
	err := r.Scan(&t.ID, &t.Name, &description, &typ, &objectives, &t.ParentBranch,
		&t.Branch, &t.Status, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.Description = strOrEmpty(description)
	t.Type = strOrEmpty(typ)
	_ = json.Unmarshal([]byte(objectives), &t.Objectives)
	return &t, nil
}

// ---------------------------------------------------------------------------
// snapshots

// InsertSnapshot writes a snapshot registry row.
func (s *Store) InsertSnapshot(ctx context.Context, snap *model.Snapshot) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO snapshots (id, branch, label, payload, native_path, created_at) VALUES (?,?,?,?,?,?)`,
		snap.ID, snap.Branch, nullStr(snap.Label), nullStr(snap.Payload),
		nullStr(snap.NativePath), snap.CreatedAt)
	if err != nil {
		return wrapDB("insert snapshot", err)
	}
	return nil
}

// GetSnapshot fetches a snapshot by id.
func (s *Store) GetSnapshot(ctx context.Context, id string) (*model.Snapshot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, branch, label, payload, native_path, created_at FROM snapshots WHERE id = ?`, id)
	snap, err := scanSnapshot(row)
	if errors.Is(err, errNoRows) {
		return nil, errkind.NotFound("snapshot", id)
	}
	if err != nil {
		return nil, wrapDB("get snapshot", err)
	}
	return snap, nil
}

// ListSnapshots returns snapshots for a branch (or all), newest first.
func (s *Store) ListSnapshots(ctx context.Context, branch string, limit int) ([]*model.Snapshot, error) {
	stmt := `SELECT id, branch, label, payload, native_path, created_at FROM snapshots`
	var args []any
	if branch != "" {
		stmt += ` WHERE branch = ?`
		args = append(args, branch)
	}
	stmt += ` ORDER BY created_at DESC, id`
	if limit > 0 {
		stmt += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, wrapDB("list snapshots", err)
	}
	defer rows.Close()

	var snaps []*model.Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, wrapDB("scan snapshot", err)
		}
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

func scanSnapshot(r rowScanner) (*model.Snapshot, error) {
	var snap model.Snapshot
	var label, payload, nativePath sql.NullString
	if err := r.Scan(&snap.ID, &snap.Branch, &label, &payload, &nativePath, &snap.CreatedAt); err != nil {
		return nil, err
	}
	snap.Label = strOrEmpty(label)
	snap.Payload = strOrEmpty(payload)
	snap.NativePath = strOrEmpty(nativePath)
	return &snap, nil
}

// ---------------------------------------------------------------------------
// scores

// InsertScore appends an immutable score row.
func (s *Store) InsertScore(ctx context.Context, sc *model.Score) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scores (id, target_type, target_id, dimension, value, scorer, explanation, created_at)
		 VALUES (?,?,?,?,?,?,?,?)`,
		sc.ID, sc.TargetType, sc.TargetID, sc.Dimension, sc.Value, sc.Scorer,
		nullStr(sc.Explanation), sc.CreatedAt)
	if err != nil {
		return wrapDB("insert score", err)
	}
	return nil
}

// ListScores returns scores for a target, newest first.
func (s *Store) ListScores(ctx context.Context, targetType, targetID string) ([]*model.Score, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, target_type, target_id, dimension, value, scorer, explanation, created_at
		 FROM scores WHERE target_type = ? AND target_id = ? ORDER BY created_at DESC, id`,
		targetType, targetID)
	if err != nil {
		return nil, wrapDB("list scores", err)
	}
	defer rows.Close()

	var scores []*model.Score
	for rows.Next() {
		var sc model.Score
		var explanation sql.NullString
		if err := rows.Scan(&sc.ID, &sc.TargetType, &sc.TargetID, &sc.Dimension,
			&sc.Value, &sc.Scorer, &explanation, &sc.CreatedAt); err != nil {
			return nil, wrapDB("scan score", err)
		}
		sc.Explanation = strOrEmpty(explanation)
		scores = append(scores, &sc)
	}
	return scores, rows.Err()
}

// ---------------------------------------------------------------------------
// templates

// InsertTemplate writes a template version row.
func (s *Store) InsertTemplate(ctx context.Context, t *model.Template) error {
	taskTypes, _ := json.Marshal(t.TaskTypes)
	tags, _ := json.Marshal(t.Tags)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO templates (name, version, payload, task_types, tags, status, created_at)
		 VALUES (?,?,?,?,?,?,?)`,
		t.Name, t.Version, t.Payload, string(taskTypes), string(tags), t.Status, t.CreatedAt)
	if err != nil {
		return wrapDB("insert template", err)
	}
	return nil
}

// LatestTemplate fetches the highest version of a named template.
func (s *Store) LatestTemplate(ctx context.Context, name string) (*model.Template, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT name, version, payload, task_types, tags, status, created_at
		 FROM templates WHERE name = ? ORDER BY version DESC LIMIT 1`, name)
	t, err := scanTemplate(row)
	if errors.Is(err, errNoRows) {
		return nil, errkind.NotFound("template", name)
	}
	if err != nil {
		return nil, wrapDB("latest template", err)
	}
	return t, nil
}

// ListTemplates returns the latest version of each template, optionally
// filtered by status.
func (s *Store) ListTemplates(ctx context.Context, status string) ([]*model.Template, error) {
	stmt := `SELECT name, version, payload, task_types, tags, status, created_at FROM templates t
		 WHERE version = (SELECT MAX(version) FROM templates WHERE name = t.name)`
	var args []any
	if status != "" {
		stmt += ` AND status = ?`
		args = append(args, status)
	}
	stmt += ` ORDER BY name`

	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, wrapDB("list templates", err)
	}
	defer rows.Close()

	var templates []*model.Template
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, wrapDB("scan template", err)
		}
		templates = append(templates, t)
	}
	return templates, rows.Err()
}

// SetTemplateStatus updates the status of every version of a template.
func (s *Store) SetTemplateStatus(ctx context.Context, name, status string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE templates SET status = ? WHERE name = ?`, status, name)
	if err != nil {
		return wrapDB("set template status", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errkind.NotFound("template", name)
	}
	return nil
}

func scanTemplate(r rowScanner) (*model.Template, error) {
	var t model.Template
	var taskTypes, tags string
	if err := r.Scan(&t.Name, &t.Version, &t.Payload, &taskTypes, &tags, &t.Status, &t.CreatedAt); err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(taskTypes), &t.TaskTypes)
	_ = json.Unmarshal([]byte(tags), &t.Tags)
	return &t, nil
}

// ---------------------------------------------------------------------------
// bundles

// InsertBundle writes a bundle row.
func (s *Store) InsertBundle(ctx context.Context, b *model.Bundle) error {
	verified := 0
	if b.VerifiedOnly {
		verified = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO bundles (id, name, payload, verified_only, created_at) VALUES (?,?,?,?,?)`,
		b.ID, b.Name, b.Payload, verified, b.CreatedAt)
	if err != nil {
		return wrapDB("insert bundle", err)
	}
	return nil
}

// GetBundle fetches a bundle by id.
func (s *Store) GetBundle(ctx context.Context, id string) (*model.Bundle, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, payload, verified_only, created_at FROM bundles WHERE id = ?`, id)
	var b model.Bundle
	var verified int
	err := row.Scan(&b.ID, &b.Name, &b.Payload, &verified, &b.CreatedAt)
	if errors.Is(err, errNoRows) {
		return nil, errkind.NotFound("bundle", id)
	}
	if err != nil {
		return nil, wrapDB("get bundle", err)
	}
	b.VerifiedOnly = verified != 0
	return &b, nil
}

// ---------------------------------------------------------------------------
// handoffs

// InsertHandoff writes a handoff row.
func (s *Store) InsertHandoff(ctx context.Context, h *model.Handoff) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO handoffs (id, source_branch, target_branch, type, payload, context_summary, verification_status, created_at)
		 VALUES (?,?,?,?,?,?,?,?)`,
		h.ID, h.SourceBranch, h.TargetBranch, nullStr(h.Type), h.Payload,
		nullStr(h.ContextSummary), nullStr(h.VerificationStatus), h.CreatedAt)
	if err != nil {
		return wrapDB("insert handoff", err)
	}
	return nil
}

// GetHandoff fetches a handoff by id.
func (s *Store) GetHandoff(ctx context.Context, id string) (*model.Handoff, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, source_branch, target_branch, type, payload, context_summary, verification_status, created_at
		 FROM handoffs WHERE id = ?`, id)
	var h model.Handoff
	var typ, contextSummary, verification sql.NullString
	err := row.Scan(&h.ID, &h.SourceBranch, &h.TargetBranch, &typ, &h.Payload,
		&contextSummary, &verification, &h.CreatedAt)
	if errors.Is(err, errNoRows) {
		return nil, errkind.NotFound("handoff", id)
	}
	if err != nil {
		return nil, wrapDB("get handoff", err)
	}
	h.Type = strOrEmpty(typ)
	h.ContextSummary = strOrEmpty(contextSummary)
	h.VerificationStatus = strOrEmpty(verification)
	return &h, nil
}

// ---------------------------------------------------------------------------
// replays

// InsertReplay writes a replay row.
func (s *Store) InsertReplay(ctx context.Context, r *model.Replay) error {
	params := encodeJSON(r.Parameters)
	finalIDs, _ := json.Marshal(r.FinalMessageIDs)
	if r.FinalMessageIDs == nil {
		finalIDs = []byte("[]")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO replays (id, conversation_id, source_conversation_id, branch, fork_at, parameters, status, final_message_ids, created_at, completed_at)
		 VALUES (?,?,?,?,?,?,?,?,?,?)`,
		r.ID, r.ConversationID, r.SourceConversationID, r.Branch, r.ForkAt, params,
		r.Status, string(finalIDs), r.CreatedAt, nullTime(r.CompletedAt))
	if err != nil {
		return wrapDB("insert replay", err)
	}
	return nil
}

// GetReplay fetches a replay by id.
func (s *Store) GetReplay(ctx context.Context, id string) (*model.Replay, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, conversation_id, source_conversation_id, branch, fork_at, parameters, status, final_message_ids, created_at, completed_at
		 FROM replays WHERE id = ?`, id)
	var r model.Replay
	var params, finalIDs string
	var completed sql.NullTime
	err := row.Scan(&r.ID, &r.ConversationID, &r.SourceConversationID, &r.Branch,
		&r.ForkAt, &params, &r.Status, &finalIDs, &r.CreatedAt, &completed)
	if errors.Is(err, errNoRows) {
		return nil, errkind.NotFound("replay", id)
	}
	if err != nil {
		return nil, wrapDB("get replay", err)
	}
	r.Parameters = decodeJSONMap(params)
	_ = json.Unmarshal([]byte(finalIDs), &r.FinalMessageIDs)
	r.CompletedAt = timePtr(completed)
	return &r, nil
}

// CompleteReplay marks a replay completed with the final message ids.
func (s *Store) CompleteReplay(ctx context.Context, id string, finalMessageIDs []string) error {
	finalIDs, _ := json.Marshal(finalMessageIDs)
	res, err := s.db.ExecContext(ctx,
		`UPDATE replays SET status = ?, final_message_ids = ?, completed_at = ? WHERE id = ?`,
		model.ReplayCompleted, string(finalIDs), Now(), id)
	if err != nil {
		return wrapDB("complete replay", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errkind.NotFound("replay", id)
	}
	return nil
}
