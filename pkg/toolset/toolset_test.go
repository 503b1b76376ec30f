package toolset

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memfork/memfork/pkg/embedders"
	"github.com/memfork/memfork/pkg/memory"
	"github.com/memfork/memfork/pkg/storage"
)

func newTestToolset(t *testing.T) *Toolset {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	svc := memory.NewService(store, embedders.NewMockEmbedder(16), nil, memory.Options{})
	require.NoError(t, svc.Init(context.Background()))
	return New(svc)
}

func callReq(name string, args map[string]any) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}

func textOf(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	text, ok := mcp.AsTextContent(result.Content[0])
	require.True(t, ok)
	return text.Text
}

func TestMemoryWriteAndSearch(t *testing.T) {
	ts := newTestToolset(t)
	ctx := context.Background()

	result, err := ts.handleMemoryWrite(ctx, callReq("memory_write", map[string]any{
		"text": "deploys must run migrations before restarting workers", "category": "decision",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Contains(t, textOf(t, result), "main")

	result, err = ts.handleMemorySearch(ctx, callReq("memory_search", map[string]any{
		"query": "migrations before restarting",
	}))
	require.NoError(t, err)
	assert.Contains(t, textOf(t, result), "migrations")
}

func TestBranchCreateSwitchesSession(t *testing.T) {
	ts := newTestToolset(t)
	ctx := context.Background()

	result, err := ts.handleBranchCreate(ctx, callReq("branch_create", map[string]any{
		"name": "experiment/retriever",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	// subsequent writes land on the new branch
	assert.Equal(t, "experiment/retriever", ts.activeBranch(ctx))

	result, err = ts.handleMemoryWrite(ctx, callReq("memory_write", map[string]any{
		"text": "experimental conclusion",
	}))
	require.NoError(t, err)
	assert.Contains(t, textOf(t, result), "experiment/retriever")
}

func TestBranchSwitch_UnknownBranch(t *testing.T) {
	ts := newTestToolset(t)
	result, err := ts.handleBranchSwitch(context.Background(), callReq("branch_switch", map[string]any{
		"name": "ghost",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestSnapshotTools(t *testing.T) {
	ts := newTestToolset(t)
	ctx := context.Background()

	_, err := ts.handleMemoryWrite(ctx, callReq("memory_write", map[string]any{"text": "before snapshot"}))
	require.NoError(t, err)

	result, err := ts.handleSnapshotCreate(ctx, callReq("snapshot_create", map[string]any{"label": "baseline"}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	result, err = ts.handleSnapshotList(ctx, callReq("snapshot_list", nil))
	require.NoError(t, err)
	assert.Contains(t, textOf(t, result), "baseline")
}

func TestSessionState(t *testing.T) {
	state := newSessionState("main")
	assert.Equal(t, "main", state.Get("s1"))

	state.Set("s1", "feature_x")
	assert.Equal(t, "feature_x", state.Get("s1"))
	assert.Equal(t, "main", state.Get("s2"))

	state.Delete("s1")
	assert.Equal(t, "main", state.Get("s1"))
}
