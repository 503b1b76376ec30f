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

func TestBundleRoundTrip(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	fact := mustWriteFact(t, svc, WriteFactParams{Text: "exported wisdom", Category: "pattern"})
	_, err := svc.WriteRelation(ctx, WriteRelationParams{
		SourceEntity: "svc-a", TargetEntity: "svc-b", Type: "depends_on",
	})
	require.NoError(t, err)

	bundle, err := svc.CreateBundle(ctx, "starter-pack", "", false)
	require.NoError(t, err)
	assert.False(t, bundle.VerifiedOnly)

	mustCreateBranch(t, svc, "fresh")
	// import into an isolated branch started empty
	_, err = svc.CreateBranch(ctx, CreateBranchParams{Name: "experiment/import", Empty: true})
	require.NoError(t, err)

	n, err := svc.ImportBundle(ctx, bundle.ID, "experiment/import")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	facts, err := svc.store.ListFacts(ctx, svc.table(model.EntityFacts, "experiment/import"), storage.FactFilter{})
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.NotEqual(t, fact.ID, facts[0].ID)
	assert.Equal(t, fact.Text, facts[0].Text)
	assert.Equal(t, bundle.ID, facts[0].Metadata["imported_from_bundle"])
}

func TestCreateBundle_VerifiedOnly(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	verified := mustWriteFact(t, svc, WriteFactParams{Text: "trusted", Confidence: 0.9})
	require.NoError(t, svc.ManualVerify(ctx, "", verified.ID, model.VerificationVerified))
	mustWriteFact(t, svc, WriteFactParams{Text: "unvetted"})

	bundle, err := svc.CreateBundle(ctx, "trusted-only", "", true)
	require.NoError(t, err)

	_, err = svc.CreateBranch(ctx, CreateBranchParams{Name: "experiment/trusted", Empty: true})
	require.NoError(t, err)
	n, err := svc.ImportBundle(ctx, bundle.ID, "experiment/trusted")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestHandoff(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	mustCreateBranch(t, svc, "task/phase-one")
	mustCreateBranch(t, svc, "task/phase-two")

	durable := mustWriteFact(t, svc, WriteFactParams{
		Text: "session store migrated to sqlite", Category: "architecture",
		Confidence: 0.9, Branch: "task/phase-one",
	})
	mustWriteFact(t, svc, WriteFactParams{
		Text: "scratch note", Category: "general", Confidence: 0.3, Branch: "task/phase-one",
	})

	handoff, err := svc.CreateHandoff(ctx, "task/phase-one", "task/phase-two", "phase", "phase one wrapped")
	require.NoError(t, err)
	assert.Equal(t, model.VerificationUnverified, handoff.VerificationStatus)
	assert.Contains(t, handoff.Payload, durable.ID)
	assert.NotContains(t, handoff.Payload, "scratch note")

	got, err := svc.GetHandoff(ctx, handoff.ID)
	require.NoError(t, err)
	assert.Equal(t, "phase one wrapped", got.ContextSummary)
}

func TestTemplateLifecycle(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	mustWriteFact(t, svc, WriteFactParams{Text: "always enable WAL mode", Category: "pattern"})

	v1, err := svc.SaveTemplate(ctx, "sqlite-service", "", []string{"backend"}, []string{"storage"})
	require.NoError(t, err)
	assert.Equal(t, 1, v1.Version)

	// saving again bumps the version
	v2, err := svc.SaveTemplate(ctx, "sqlite-service", "", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, v2.Version)

	templates, err := svc.ListTemplates(ctx, model.TemplateActive)
	require.NoError(t, err)
	require.Len(t, templates, 1)
	assert.Equal(t, 2, templates[0].Version)

	branch, err := svc.ApplyTemplate(ctx, "sqlite-service", "task/from-template")
	require.NoError(t, err)

	facts, err := svc.store.ListFacts(ctx, svc.table(model.EntityFacts, branch.Name), storage.FactFilter{})
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.Equal(t, "always enable WAL mode", facts[0].Text)
	assert.Equal(t, "sqlite-service", facts[0].Metadata["template"])

	require.NoError(t, svc.DeprecateTemplate(ctx, "sqlite-service"))
	_, err = svc.ApplyTemplate(ctx, "sqlite-service", "task/too-late")
	assert.Equal(t, errkind.KindPreconditionFailed, errkind.KindOf(err))
}

func TestApplyTemplate_MissingTemplate(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.ApplyTemplate(context.Background(), "ghost", "task/x")
	assert.Equal(t, errkind.KindNotFound, errkind.KindOf(err))
}
