package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memfork/memfork/pkg/errkind"
	"github.com/memfork/memfork/pkg/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, store.Init(context.Background(), "main"))
	t.Cleanup(func() { store.Close() })
	return store
}

func testFact(text string) *model.Fact {
	now := Now()
	return &model.Fact{
		ID:         uuid.NewString(),
		Text:       text,
		Category:   "general",
		Confidence: 0.5,
		Status:     model.FactActive,
		Branch:     "main",
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func TestInsertAndGetFact(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	f := testFact("auth middleware must accept Bearer tokens")
	f.Embedding = []float32{0.1, 0.2, 0.3}
	f.Metadata = map[string]any{"tag": "auth"}
	require.NoError(t, store.InsertFact(ctx, "facts", f))

	got, err := store.GetFact(ctx, "facts", f.ID)
	require.NoError(t, err)
	assert.Equal(t, f.Text, got.Text)
	assert.Equal(t, f.Embedding, got.Embedding)
	assert.Equal(t, "auth", got.Metadata["tag"])
	assert.Equal(t, f.CreatedAt, got.CreatedAt)
}

func TestGetFact_NotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.GetFact(context.Background(), "facts", "missing")
	assert.Equal(t, errkind.KindNotFound, errkind.KindOf(err))
}

func TestSupersedeFact(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	old := testFact("retries default to three")
	require.NoError(t, store.InsertFact(ctx, "facts", old))

	replacement := testFact("retries default to five")
	replacement.ParentID = old.ID
	require.NoError(t, store.SupersedeFact(ctx, "facts", old.ID, replacement))

	gotOld, err := store.GetFact(ctx, "facts", old.ID)
	require.NoError(t, err)
	assert.Equal(t, model.FactSuperseded, gotOld.Status)

	gotNew, err := store.GetFact(ctx, "facts", replacement.ID)
	require.NoError(t, err)
	assert.Equal(t, model.FactActive, gotNew.Status)
	assert.Equal(t, old.ID, gotNew.ParentID)

	// superseding a non-active fact fails
	again := testFact("retries default to seven")
	again.ParentID = old.ID
	err = store.SupersedeFact(ctx, "facts", old.ID, again)
	assert.Equal(t, errkind.KindNotFound, errkind.KindOf(err))
}

func TestForkDiffMerge(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	shared := testFact("shared fact")
	require.NoError(t, store.InsertFact(ctx, "facts", shared))

	require.NoError(t, store.ForkTable(ctx, "facts", "facts_feature", "feature"))

	// identical rows (modulo branch) produce an empty diff
	diffs, err := store.DiffTable(ctx, "facts", "facts_feature", "facts")
	require.NoError(t, err)
	assert.Empty(t, diffs)

	// a row added on the fork shows up as an insert
	added := testFact("fork-only fact")
	added.Branch = "feature"
	require.NoError(t, store.InsertFact(ctx, "facts_feature", added))

	diffs, err = store.DiffTable(ctx, "facts", "facts_feature", "facts")
	require.NoError(t, err)
	require.Len(t, diffs, 1)
	assert.Equal(t, DiffInsert, diffs[0].Op)
	assert.Equal(t, added.ID, diffs[0].ID)

	// merge copies it over, stamping the target branch
	counts, err := store.MergeTable(ctx, "facts", "facts_feature", "facts", "main", ConflictSkip)
	require.NoError(t, err)
	assert.Equal(t, MergeCounts{Merged: 1}, counts)

	merged, err := store.GetFact(ctx, "facts", added.ID)
	require.NoError(t, err)
	assert.Equal(t, "main", merged.Branch)

	// merging again is a no-op
	counts, err = store.MergeTable(ctx, "facts", "facts_feature", "facts", "main", ConflictSkip)
	require.NoError(t, err)
	assert.Equal(t, MergeCounts{}, counts)
}

func TestMergeTable_ConflictPolicies(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	f := testFact("confidence evolves")
	require.NoError(t, store.InsertFact(ctx, "facts", f))
	require.NoError(t, store.ForkTable(ctx, "facts", "facts_exp", "exp"))

	// mutate the fork's copy
	require.NoError(t, store.UpdateFactConfidence(ctx, "facts_exp", f.ID, 0.9))

	diffs, err := store.DiffTable(ctx, "facts", "facts_exp", "facts")
	require.NoError(t, err)
	require.Len(t, diffs, 1)
	assert.Equal(t, DiffUpdate, diffs[0].Op)

	// skip keeps the target row
	counts, err := store.MergeTable(ctx, "facts", "facts_exp", "facts", "main", ConflictSkip)
	require.NoError(t, err)
	assert.Equal(t, MergeCounts{Skipped: 1, Conflicted: 1}, counts)
	kept, err := store.GetFact(ctx, "facts", f.ID)
	require.NoError(t, err)
	assert.Equal(t, 0.5, kept.Confidence)

	// accept overwrites it
	counts, err = store.MergeTable(ctx, "facts", "facts_exp", "facts", "main", ConflictAccept)
	require.NoError(t, err)
	assert.Equal(t, MergeCounts{Merged: 1, Conflicted: 1}, counts)
	overwritten, err := store.GetFact(ctx, "facts", f.ID)
	require.NoError(t, err)
	assert.Equal(t, 0.9, overwritten.Confidence)
	assert.Equal(t, "main", overwritten.Branch)
}

func TestDropTable_Idempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.ForkTable(ctx, "facts", "facts_tmp", "tmp"))
	require.NoError(t, store.DropTable(ctx, "facts_tmp"))
	require.NoError(t, store.DropTable(ctx, "facts_tmp"))
}

func TestFulltextMatch_RanksRelevance(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	relevant := testFact("bearer token authentication for the API gateway")
	other := testFact("database connection pool sizing")
	require.NoError(t, store.InsertFact(ctx, "facts", relevant))
	require.NoError(t, store.InsertFact(ctx, "facts", other))

	scores, err := store.FulltextMatch(ctx, "facts", "text", "bearer token")
	require.NoError(t, err)
	require.NotEmpty(t, scores)

	byID := map[string]float64{}
	for _, s := range scores {
		byID[s.ID] = s.Score
	}
	assert.Greater(t, byID[relevant.ID], 0.0)
	assert.Greater(t, byID[relevant.ID], byID[other.ID])
}

func TestFulltextMatch_LikeFallback(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	store.DisableFulltext()

	relevant := testFact("bearer token authentication")
	require.NoError(t, store.InsertFact(ctx, "facts", relevant))

	scores, err := store.FulltextMatch(ctx, "facts", "text", "bearer token")
	require.NoError(t, err)
	require.Len(t, scores, 1)
	assert.Equal(t, relevant.ID, scores[0].ID)
	assert.InDelta(t, 2.0/3.0, scores[0].Score, 1e-9)
}

func TestDumpRestoreRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	f1 := testFact("first")
	f2 := testFact("second")
	require.NoError(t, store.InsertFact(ctx, "facts", f1))
	require.NoError(t, store.InsertFact(ctx, "facts", f2))

	dump, err := store.DumpTable(ctx, "facts", "facts")
	require.NoError(t, err)

	extra := testFact("third")
	require.NoError(t, store.InsertFact(ctx, "facts", extra))

	require.NoError(t, store.RestoreTable(ctx, "facts", "facts", dump))

	n, err := store.RowCount(ctx, "facts")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = store.GetFact(ctx, "facts", extra.ID)
	assert.Equal(t, errkind.KindNotFound, errkind.KindOf(err))

	restored, err := store.GetFact(ctx, "facts", f1.ID)
	require.NoError(t, err)
	assert.Equal(t, "first", restored.Text)
}

func TestTokenize(t *testing.T) {
	assert.Equal(t, []string{"auth", "middleware", "skips", "bearer"}, Tokenize("Auth middleware skips Bearer!"))
	assert.Empty(t, Tokenize("--- ///"))
}

func TestTokenJaccard(t *testing.T) {
	a := Tokenize("bearer header ignored when api key present")
	assert.InDelta(t, 1.0, TokenJaccard(a, a), 1e-9)

	b := Tokenize("completely unrelated words here")
	assert.Equal(t, 0.0, TokenJaccard(a, b))

	c := Tokenize("bearer header ignored when api key present today")
	assert.InDelta(t, 7.0/8.0, TokenJaccard(a, c), 1e-9)
}

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, Cosine([]float32{1, 0}, []float32{2, 0}), 1e-9)
	assert.InDelta(t, 0.0, Cosine([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.Equal(t, 0.0, Cosine(nil, []float32{1}))
	assert.Equal(t, 0.0, Cosine([]float32{1, 2}, []float32{1}))
}

func TestBranchSlug(t *testing.T) {
	assert.Equal(t, "task_fix_auth_agent_1", BranchSlug("task/fix-auth/agent_1"))
	assert.Equal(t, "main", BranchSlug("main"))
}

func TestMessagesAndSequence(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	conv := &model.Conversation{
		ID:        uuid.NewString(),
		Branch:    "main",
		Status:    model.ConvActive,
		CreatedAt: Now(),
	}
	require.NoError(t, store.InsertConversation(ctx, "conversations", conv))

	for i := 1; i <= 3; i++ {
		msg := &model.Message{
			ID:             uuid.NewString(),
			ConversationID: conv.ID,
			Role:           model.RoleUser,
			Content:        "hello",
			SequenceNum:    i,
			TokenCount:     2,
			Branch:         "main",
			CreatedAt:      Now(),
		}
		require.NoError(t, store.InsertMessage(ctx, "messages", "conversations", msg))
	}

	max, err := store.MaxSequence(ctx, "messages", conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, max)

	got, err := store.GetConversation(ctx, "conversations", conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.MessageCount)
	assert.Equal(t, 6, got.TotalTokens)

	ranged, err := store.ListMessages(ctx, "messages", conv.ID, 2, 3)
	require.NoError(t, err)
	require.Len(t, ranged, 2)
	assert.Equal(t, 2, ranged[0].SequenceNum)
}

func TestBranchRegistry(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	b := &model.Branch{Name: "feature_x", Parent: "main", Status: model.BranchActive, CreatedAt: Now()}
	require.NoError(t, store.InsertBranch(ctx, b))

	got, err := store.GetBranch(ctx, "feature_x")
	require.NoError(t, err)
	assert.Equal(t, "main", got.Parent)

	active, err := store.ListBranches(ctx, []string{model.BranchActive})
	require.NoError(t, err)
	assert.Len(t, active, 1)

	require.NoError(t, store.SetBranchStatus(ctx, "feature_x", model.BranchArchived))
	active, err = store.ListBranches(ctx, []string{model.BranchActive})
	require.NoError(t, err)
	assert.Empty(t, active)
}
