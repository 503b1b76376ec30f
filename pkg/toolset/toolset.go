// Package toolset exposes the memory core over MCP (Model Context
// Protocol) as a small natural-language-first tool set: write memory,
// search memory, branch create/list/switch, snapshot create/list/restore.
//
// The active branch is per MCP session, held in an in-memory map keyed by
// session id and deleted when the session unregisters.
package toolset

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/memfork/memfork/pkg/memory"
)

// Toolset wires memory tools into an MCP server.
type Toolset struct {
	svc      *memory.Service
	sessions *sessionState
}

// New creates the toolset.
func New(svc *memory.Service) *Toolset {
	return &Toolset{svc: svc, sessions: newSessionState(svc.Root())}
}

// Server builds the MCP server with every memory tool registered.
func (t *Toolset) Server() *server.MCPServer {
	hooks := &server.Hooks{}
	hooks.AddOnUnregisterSession(func(ctx context.Context, session server.ClientSession) {
		t.sessions.Delete(session.SessionID())
	})

	s := server.NewMCPServer("memfork", "1.0.0",
		server.WithToolCapabilities(false),
		server.WithHooks(hooks),
	)

	s.AddTool(mcp.NewTool("memory_write",
		mcp.WithDescription("Store a fact in the agent memory on the session's active branch."),
		mcp.WithString("text", mcp.Required(), mcp.Description("The fact to remember.")),
		mcp.WithString("category", mcp.Description("Category such as bug_fix, architecture, decision, security.")),
		mcp.WithNumber("confidence", mcp.Description("Confidence in [0,1]; defaults to 0.5.")),
	), t.handleMemoryWrite)

	s.AddTool(mcp.NewTool("memory_search",
		mcp.WithDescription("Search the agent memory on the session's active branch."),
		mcp.WithString("query", mcp.Required(), mcp.Description("Natural-language search query.")),
		mcp.WithNumber("limit", mcp.Description("Maximum results; defaults to 10.")),
	), t.handleMemorySearch)

	s.AddTool(mcp.NewTool("branch_create",
		mcp.WithDescription("Create a memory branch forked from the active branch and switch to it."),
		mcp.WithString("name", mcp.Required(), mcp.Description("Branch name, e.g. task/fix-auth or experiment/retry.")),
		mcp.WithString("description", mcp.Description("What this branch is for.")),
	), t.handleBranchCreate)

	s.AddTool(mcp.NewTool("branch_list",
		mcp.WithDescription("List memory branches with their status."),
	), t.handleBranchList)

	s.AddTool(mcp.NewTool("branch_switch",
		mcp.WithDescription("Switch the session's active branch."),
		mcp.WithString("name", mcp.Required(), mcp.Description("Branch to switch to.")),
	), t.handleBranchSwitch)

	s.AddTool(mcp.NewTool("snapshot_create",
		mcp.WithDescription("Snapshot the active branch's memory state."),
		mcp.WithString("label", mcp.Description("Human-readable snapshot label.")),
	), t.handleSnapshotCreate)

	s.AddTool(mcp.NewTool("snapshot_list",
		mcp.WithDescription("List snapshots of the active branch."),
	), t.handleSnapshotList)

	s.AddTool(mcp.NewTool("snapshot_restore",
		mcp.WithDescription("Restore the branch state captured by a snapshot."),
		mcp.WithString("snapshot_id", mcp.Required(), mcp.Description("Snapshot id from snapshot_list.")),
	), t.handleSnapshotRestore)

	return s
}

// ServeStdio runs the MCP server over stdio.
func (t *Toolset) ServeStdio() error {
	return server.ServeStdio(t.Server())
}

// sessionIDFrom extracts the MCP session id, defaulting for transports
// without session tracking.
func sessionIDFrom(ctx context.Context) string {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		return session.SessionID()
	}
	return "default"
}

func (t *Toolset) activeBranch(ctx context.Context) string {
	return t.sessions.Get(sessionIDFrom(ctx))
}

func (t *Toolset) handleMemoryWrite(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	text, err := req.RequireString("text")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	fact, err := t.svc.WriteFact(ctx, memory.WriteFactParams{
		Text:       text,
		Category:   req.GetString("category", ""),
		Confidence: req.GetFloat("confidence", 0),
		Branch:     t.activeBranch(ctx),
	})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Remembered fact %s on branch %s.", fact.ID, fact.Branch)), nil
}

func (t *Toolset) handleMemorySearch(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := req.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	results, err := t.svc.Search(ctx, memory.SearchParams{
		Query:  query,
		Branch: t.activeBranch(ctx),
		Limit:  int(req.GetFloat("limit", 0)),
	})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	if len(results) == 0 {
		return mcp.NewToolResultText("No matching memories."), nil
	}
	var sb strings.Builder
	for i, r := range results {
		fmt.Fprintf(&sb, "%d. [%s, %.2f] %s\n", i+1, r.Fact.Category, r.Score, r.Fact.Text)
	}
	return mcp.NewToolResultText(sb.String()), nil
}

func (t *Toolset) handleBranchCreate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	branch, err := t.svc.CreateBranch(ctx, memory.CreateBranchParams{
		Name:        name,
		Parent:      t.activeBranch(ctx),
		Description: req.GetString("description", ""),
	})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	t.sessions.Set(sessionIDFrom(ctx), branch.Name)
	return mcp.NewToolResultText(fmt.Sprintf("Created branch %s (parent %s) and switched to it.", branch.Name, branch.Parent)), nil
}

func (t *Toolset) handleBranchList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	branches, err := t.svc.ListBranches(ctx, nil)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	active := t.activeBranch(ctx)
	var sb strings.Builder
	for _, b := range branches {
		marker := "  "
		if b.Name == active {
			marker = "* "
		}
		fmt.Fprintf(&sb, "%s%s (%s)\n", marker, b.Name, b.Status)
	}
	return mcp.NewToolResultText(sb.String()), nil
}

func (t *Toolset) handleBranchSwitch(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if _, err := t.svc.GetBranch(ctx, name); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	t.sessions.Set(sessionIDFrom(ctx), name)
	return mcp.NewToolResultText(fmt.Sprintf("Switched to branch %s.", name)), nil
}

func (t *Toolset) handleSnapshotCreate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	snap, err := t.svc.CreateSnapshot(ctx, memory.CreateSnapshotParams{
		Branch: t.activeBranch(ctx),
		Label:  req.GetString("label", ""),
	})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Created snapshot %s of branch %s.", snap.ID, snap.Branch)), nil
}

func (t *Toolset) handleSnapshotList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	snaps, err := t.svc.ListSnapshots(ctx, t.activeBranch(ctx), 50)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if len(snaps) == 0 {
		return mcp.NewToolResultText("No snapshots."), nil
	}

	type snapInfo struct {
		ID        string `json:"id"`
		Label     string `json:"label,omitempty"`
		CreatedAt string `json:"created_at"`
	}
	infos := make([]snapInfo, len(snaps))
	for i, s := range snaps {
		infos[i] = snapInfo{ID: s.ID, Label: s.Label, CreatedAt: s.CreatedAt.Format("2006-01-02 15:04:05")}
	}
	out, _ := json.MarshalIndent(infos, "", "  ")
	return mcp.NewToolResultText(string(out)), nil
}

func (t *Toolset) handleSnapshotRestore(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("snapshot_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := t.svc.RestoreSnapshot(ctx, id); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Restored snapshot %s.", id)), nil
}
