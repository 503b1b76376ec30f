package storage

import (
	"context"
	"fmt"
)

// auxSchema creates the branch-independent tables. JSON-typed values
// (metadata, properties, objectives, payloads) are TEXT columns so branch
// tables stay diffable and audit tables stay uniform.
const auxSchema = `
CREATE TABLE IF NOT EXISTS branches (
    name TEXT PRIMARY KEY,
    parent TEXT,
    status TEXT NOT NULL DEFAULT 'active',
    description TEXT,
    metadata TEXT NOT NULL DEFAULT '{}',
    created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS merge_history (
    id TEXT PRIMARY KEY,
    source TEXT NOT NULL,
    target TEXT NOT NULL,
    strategy TEXT NOT NULL,
    merged INTEGER NOT NULL DEFAULT 0,
    skipped INTEGER NOT NULL DEFAULT 0,
    conflicted INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS consolidation_history (
    id TEXT PRIMARY KEY,
    level TEXT NOT NULL,
    source_branch TEXT NOT NULL,
    target_branch TEXT NOT NULL,
    created_count INTEGER NOT NULL DEFAULT 0,
    updated_count INTEGER NOT NULL DEFAULT 0,
    deduplicated_count INTEGER NOT NULL DEFAULT 0,
    observations_processed INTEGER NOT NULL DEFAULT 0,
    summary TEXT,
    created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS tasks (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    description TEXT,
    type TEXT,
    objectives TEXT NOT NULL DEFAULT '[]',
    parent_branch TEXT NOT NULL,
    branch TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'active',
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
    id TEXT PRIMARY KEY,
    parent_session_id TEXT,
    branch TEXT NOT NULL,
    task_id TEXT,
    agent_id TEXT,
    status TEXT NOT NULL DEFAULT 'active',
    summary TEXT,
    started_at TIMESTAMP NOT NULL,
    ended_at TIMESTAMP
);

CREATE TABLE IF NOT EXISTS snapshots (
    id TEXT PRIMARY KEY,
    branch TEXT NOT NULL,
    label TEXT,
    payload TEXT,
    native_path TEXT,
    created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS scores (
    id TEXT PRIMARY KEY,
    target_type TEXT NOT NULL,
    target_id TEXT NOT NULL,
    dimension TEXT NOT NULL,
    value REAL NOT NULL,
    scorer TEXT NOT NULL,
    explanation TEXT,
    created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_scores_target ON scores(target_type, target_id);

CREATE TABLE IF NOT EXISTS templates (
    name TEXT NOT NULL,
    version INTEGER NOT NULL,
    payload TEXT NOT NULL,
    task_types TEXT NOT NULL DEFAULT '[]',
    tags TEXT NOT NULL DEFAULT '[]',
    status TEXT NOT NULL DEFAULT 'active',
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (name, version)
);

CREATE TABLE IF NOT EXISTS bundles (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    payload TEXT NOT NULL,
    verified_only INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS handoffs (
    id TEXT PRIMARY KEY,
    source_branch TEXT NOT NULL,
    target_branch TEXT NOT NULL,
    type TEXT,
    payload TEXT NOT NULL,
    context_summary TEXT,
    verification_status TEXT,
    created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS replays (
    id TEXT PRIMARY KEY,
    conversation_id TEXT NOT NULL,
    source_conversation_id TEXT NOT NULL,
    branch TEXT NOT NULL,
    fork_at INTEGER NOT NULL,
    parameters TEXT NOT NULL DEFAULT '{}',
    status TEXT NOT NULL DEFAULT 'pending',
    final_message_ids TEXT NOT NULL DEFAULT '[]',
    created_at TIMESTAMP NOT NULL,
    completed_at TIMESTAMP
);
`

// entityColumns maps each branch-participating entity to its column list
// in schema order. Generic fork/diff/merge SQL is built from these.
var entityColumns = map[string][]string{
	"facts": {
		"id", "text", "category", "confidence", "status", "parent_id",
		"source_type", "source_id", "session_id", "task_id", "agent_id",
		"branch", "embedding", "metadata", "created_at", "updated_at",
	},
	"relations": {
		"id", "source_entity", "target_entity", "type", "properties",
		"confidence", "branch", "valid_from", "valid_to", "created_at",
	},
	"observations": {
		"id", "session_id", "type", "tool_name", "summary", "raw_input",
		"raw_output", "outcome", "branch", "task_id", "agent_id",
		"embedding", "created_at",
	},
	"conversations": {
		"id", "session_id", "agent_id", "task_id", "branch", "title",
		"status", "model", "message_count", "total_tokens",
		"parent_conversation_id", "fork_point_message_id", "metadata",
		"created_at",
	},
	"messages": {
		"id", "conversation_id", "role", "content", "thinking",
		"tool_calls", "model", "sequence_num", "token_count", "session_id",
		"agent_id", "branch", "embedding", "metadata", "created_at",
	},
}

// branchEntityDDL returns the CREATE TABLE statements for the root
// branch's entity tables. Non-root branches get their tables via
// ForkTable or CreateEntityTable.
func branchEntityDDL(rootBranch string) []string {
	return []string{
		factsDDL("facts"),
		relationsDDL("relations"),
		observationsDDL("observations"),
		conversationsDDL("conversations"),
		messagesDDL("messages"),
	}
}

func factsDDL(table string) string {
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
    id TEXT PRIMARY KEY,
    text TEXT NOT NULL,
    category TEXT NOT NULL DEFAULT 'general',
    confidence REAL NOT NULL DEFAULT 0.5,
    status TEXT NOT NULL DEFAULT 'active',
    parent_id TEXT,
    source_type TEXT,
    source_id TEXT,
    session_id TEXT,
    task_id TEXT,
    agent_id TEXT,
    branch TEXT NOT NULL,
    embedding TEXT,
    metadata TEXT NOT NULL DEFAULT '{}',
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_%s_category ON %s(category);
CREATE INDEX IF NOT EXISTS idx_%s_session ON %s(session_id);
CREATE INDEX IF NOT EXISTS idx_%s_status ON %s(status);
CREATE INDEX IF NOT EXISTS idx_%s_created ON %s(created_at);
`, table, table, table, table, table, table, table, table, table)
}

func relationsDDL(table string) string {
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
    id TEXT PRIMARY KEY,
    source_entity TEXT NOT NULL,
    target_entity TEXT NOT NULL,
    type TEXT NOT NULL,
    properties TEXT NOT NULL DEFAULT '{}',
    confidence REAL NOT NULL DEFAULT 0.5,
    branch TEXT NOT NULL,
    valid_from TIMESTAMP,
    valid_to TIMESTAMP,
    created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_%s_source ON %s(source_entity);
CREATE INDEX IF NOT EXISTS idx_%s_target ON %s(target_entity);
`, table, table, table, table, table)
}

func observationsDDL(table string) string {
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
    id TEXT PRIMARY KEY,
    session_id TEXT NOT NULL,
    type TEXT NOT NULL,
    tool_name TEXT,
    summary TEXT NOT NULL,
    raw_input TEXT,
    raw_output TEXT,
    outcome TEXT,
    branch TEXT NOT NULL,
    task_id TEXT,
    agent_id TEXT,
    embedding TEXT,
    created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_%s_session ON %s(session_id);
CREATE INDEX IF NOT EXISTS idx_%s_type ON %s(type);
`, table, table, table, table, table)
}

func conversationsDDL(table string) string {
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
    id TEXT PRIMARY KEY,
    session_id TEXT,
    agent_id TEXT,
    task_id TEXT,
    branch TEXT NOT NULL,
    title TEXT,
    status TEXT NOT NULL DEFAULT 'active',
    model TEXT,
    message_count INTEGER NOT NULL DEFAULT 0,
    total_tokens INTEGER NOT NULL DEFAULT 0,
    parent_conversation_id TEXT,
    fork_point_message_id TEXT,
    metadata TEXT NOT NULL DEFAULT '{}',
    created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_%s_session ON %s(session_id);
`, table, table, table)
}

func messagesDDL(table string) string {
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
    id TEXT PRIMARY KEY,
    conversation_id TEXT NOT NULL,
    role TEXT NOT NULL,
    content TEXT NOT NULL,
    thinking TEXT,
    tool_calls TEXT,
    model TEXT,
    sequence_num INTEGER NOT NULL,
    token_count INTEGER NOT NULL DEFAULT 0,
    session_id TEXT,
    agent_id TEXT,
    branch TEXT NOT NULL,
    embedding TEXT,
    metadata TEXT NOT NULL DEFAULT '{}',
    created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_%s_conversation ON %s(conversation_id, sequence_num);
`, table, table, table)
}

// entityDDLFor returns the DDL builder for an entity table name.
func entityDDLFor(entity string) (func(string) string, error) {
	switch entity {
	case "facts":
		return factsDDL, nil
	case "relations":
		return relationsDDL, nil
	case "observations":
		return observationsDDL, nil
	case "conversations":
		return conversationsDDL, nil
	case "messages":
		return messagesDDL, nil
	default:
		return nil, fmt.Errorf("unknown entity %q", entity)
	}
}

// ftsTable describes a fulltext-backed table and its indexed column.
type ftsTable struct {
	table  string
	column string
}

// ftsBackedTables lists the tables that carry a sibling FTS5 index for
// the given branch's table set. Only facts (text) and observations
// (summary) participate in keyword search.
func ftsBackedTables(rootBranch string) []ftsTable {
	return []ftsTable{
		{table: "facts", column: "text"},
		{table: "observations", column: "summary"},
	}
}

// createFTS creates the sibling FTS5 table for a branch table. Runs on
// the autocommit channel because virtual-table DDL cannot join an open
// transaction.
func (s *Store) createFTS(ctx context.Context, table, column string) error {
	ddl := fmt.Sprintf(
		`CREATE VIRTUAL TABLE IF NOT EXISTS %s USING fts5(id UNINDEXED, %s)`,
		quoteIdent(table+"_fts"), column)
	if _, err := s.autocommit.ExecContext(ctx, ddl); err != nil {
		return wrapDB("create fts table", err)
	}
	return nil
}
