package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memfork/memfork/pkg/errkind"
	"github.com/memfork/memfork/pkg/model"
	"github.com/memfork/memfork/pkg/storage"
)

func TestValidateBranchName(t *testing.T) {
	valid := []string{
		"main", "feature_x", "feature-1", "v2.1",
		"task/fix-auth", "task/fix-auth/agent_1",
		"template/onboarding", "experiment/new-retriever",
	}
	for _, name := range valid {
		assert.NoError(t, ValidateBranchName(name), name)
	}

	invalid := []string{
		"", "/leading", "trailing/", "a//b",
		"task/a/b/c", "unknown/prefix", "system/x", "internal/x",
		"spaces in name", "task/",
	}
	for _, name := range invalid {
		err := ValidateBranchName(name)
		assert.Error(t, err, name)
		assert.Equal(t, errkind.KindInvalidArgument, errkind.KindOf(err), name)
	}
}

func TestCreateBranch_ForksParentRows(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	mustWriteFact(t, svc, WriteFactParams{Text: "parent knowledge"})
	branch := mustCreateBranch(t, svc, "feature_x")
	assert.Equal(t, "main", branch.Parent)

	facts, err := svc.store.ListFacts(ctx, svc.table(model.EntityFacts, "feature_x"), storage.FactFilter{})
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.Equal(t, "feature_x", facts[0].Branch)
}

func TestCreateBranch_DuplicateConflicts(t *testing.T) {
	svc := newTestService(t)
	mustCreateBranch(t, svc, "feature_x")

	_, err := svc.CreateBranch(context.Background(), CreateBranchParams{Name: "feature_x"})
	assert.Equal(t, errkind.KindConflict, errkind.KindOf(err))
}

func TestCreateBranch_MissingParent(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.CreateBranch(context.Background(), CreateBranchParams{Name: "orphan", Parent: "nope"})
	assert.Equal(t, errkind.KindNotFound, errkind.KindOf(err))
}

func TestCreateBranch_ListedOnlyOnSuccess(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreateBranch(ctx, CreateBranchParams{Name: "bad name"})
	require.Error(t, err)

	branches, err := svc.ListBranches(ctx, nil)
	require.NoError(t, err)
	require.Len(t, branches, 1)
	assert.Equal(t, "main", branches[0].Name)

	mustCreateBranch(t, svc, "good")
	branches, err = svc.ListBranches(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, branches, 2)
}

func TestCreateBranch_CuratedEmpty(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	mustWriteFact(t, svc, WriteFactParams{Text: "should not appear on curated branch"})

	_, err := svc.CreateBranch(ctx, CreateBranchParams{
		Name:     "template/curated",
		Entities: []string{model.EntityFacts},
		Empty:    true,
	})
	require.NoError(t, err)

	facts, err := svc.store.ListFacts(ctx, svc.table(model.EntityFacts, "template/curated"), storage.FactFilter{})
	require.NoError(t, err)
	assert.Empty(t, facts)

	// unselected entities have no table on the curated branch
	exists, err := svc.store.TableExists(ctx, svc.table(model.EntityMessages, "template/curated"))
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestArchiveBranch_IdempotentAndDropsTables(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	mustCreateBranch(t, svc, "doomed")
	require.NoError(t, svc.ArchiveBranch(ctx, "doomed"))
	require.NoError(t, svc.ArchiveBranch(ctx, "doomed"))

	exists, err := svc.store.TableExists(ctx, svc.table(model.EntityFacts, "doomed"))
	require.NoError(t, err)
	assert.False(t, exists)

	branch, err := svc.GetBranch(ctx, "doomed")
	require.NoError(t, err)
	assert.Equal(t, model.BranchArchived, branch.Status)
}

func TestArchiveBranch_RootRefused(t *testing.T) {
	svc := newTestService(t)
	err := svc.ArchiveBranch(context.Background(), "main")
	assert.Equal(t, errkind.KindInvalidArgument, errkind.KindOf(err))
}

func TestDiffBranches(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	mustWriteFact(t, svc, WriteFactParams{Text: "shared"})
	mustCreateBranch(t, svc, "feature_y")
	added := mustWriteFact(t, svc, WriteFactParams{Text: "only on feature", Branch: "feature_y"})

	diff, err := svc.DiffBranches(ctx, "feature_y", "main")
	require.NoError(t, err)
	require.Len(t, diff.Entries[model.EntityFacts], 1)
	assert.Equal(t, added.ID, diff.Entries[model.EntityFacts][0].ID)
	assert.Equal(t, storage.DiffInsert, diff.Entries[model.EntityFacts][0].Op)

	counts, err := svc.DiffBranchCounts(ctx, "feature_y", "main")
	require.NoError(t, err)
	assert.Equal(t, 1, counts[model.EntityFacts].Inserts)
}
