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

func writeObs(t *testing.T, svc *Service, sessionID, obsType, summary string) *model.Observation {
	t.Helper()
	obs, err := svc.WriteObservation(context.Background(), WriteObservationParams{
		SessionID: sessionID, Type: obsType, Summary: summary,
	})
	require.NoError(t, err)
	return obs
}

func TestConsolidateSession_CreatesAndBoosts(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	// two near-duplicate discoveries in one session
	writeObs(t, svc, "S", model.ObsDiscovery, "auth middleware skips bearer validation when api key present")
	writeObs(t, svc, "S", model.ObsDiscovery, "auth middleware skips bearer validation when api key is present")

	first, err := svc.Consolidate(ctx, ConsolidateParams{Level: LevelSession, SessionID: "S"})
	require.NoError(t, err)
	assert.Equal(t, 1, first.Record.CreatedCount)
	assert.Equal(t, 1, first.Record.DeduplicatedCount)
	assert.Equal(t, 2, first.Record.ObservationsProcessed)

	facts, err := svc.store.ListFacts(ctx, "facts", storage.FactFilter{Status: model.FactActive})
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.Equal(t, 0.7, facts[0].Confidence)

	// second pass: no new fact, one boost (clamped to a single boost per run)
	second, err := svc.Consolidate(ctx, ConsolidateParams{Level: LevelSession, SessionID: "S"})
	require.NoError(t, err)
	assert.Equal(t, 0, second.Record.CreatedCount)
	assert.Equal(t, 1, second.Record.UpdatedCount)

	facts, err = svc.store.ListFacts(ctx, "facts", storage.FactFilter{Status: model.FactActive})
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.InDelta(t, 0.8, facts[0].Confidence, 1e-9)
}

func TestConsolidateSession_ConfidenceClamped(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	mustWriteFact(t, svc, WriteFactParams{
		Text:       "deploy scripts must run database migrations first",
		Confidence: 0.95,
	})
	writeObs(t, svc, "S", model.ObsDecision, "deploy scripts must run database migrations first")

	for i := 0; i < 3; i++ {
		_, err := svc.Consolidate(ctx, ConsolidateParams{Level: LevelSession, SessionID: "S"})
		require.NoError(t, err)
	}

	facts, err := svc.store.ListFacts(ctx, "facts", storage.FactFilter{Status: model.FactActive})
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.LessOrEqual(t, facts[0].Confidence, 1.0)
}

func TestConsolidateSession_OnlyKnowledgeTypes(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	writeObs(t, svc, "S", model.ObsToolUse, "ran grep over the handlers")
	result, err := svc.Consolidate(ctx, ConsolidateParams{Level: LevelSession, SessionID: "S"})
	require.NoError(t, err)
	assert.Equal(t, 0, result.Record.CreatedCount)
	assert.Equal(t, 0, result.Record.ObservationsProcessed)
}

func TestConsolidateSession_EmptyInputStillAudits(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	result, err := svc.Consolidate(ctx, ConsolidateParams{Level: LevelSession, SessionID: "empty"})
	require.NoError(t, err)
	assert.Equal(t, 0, result.Record.CreatedCount)

	history, err := svc.ConsolidationHistory(ctx, "main", 10)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestConsolidateSession_RequiresSessionID(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.Consolidate(context.Background(), ConsolidateParams{Level: LevelSession})
	assert.Equal(t, errkind.KindInvalidArgument, errkind.KindOf(err))
}

func TestConsolidateAgent_GroupsAndKeepsBest(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	mustWriteFact(t, svc, WriteFactParams{
		Text: "retry budget is five attempts with exponential backoff", Confidence: 0.6, AgentID: "a1",
	})
	best := mustWriteFact(t, svc, WriteFactParams{
		Text: "retry budget is five attempts with exponential backoff always", Confidence: 0.9, AgentID: "a1",
	})
	mustWriteFact(t, svc, WriteFactParams{
		Text: "unrelated invariant about config parsing", Confidence: 0.5, AgentID: "a1",
	})

	result, err := svc.Consolidate(ctx, ConsolidateParams{Level: LevelAgent, AgentID: "a1"})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Record.DeduplicatedCount)
	assert.Equal(t, 1, result.Record.CreatedCount) // the agent summary fact

	facts, err := svc.store.ListFacts(ctx, "facts", storage.FactFilter{Status: model.FactActive})
	require.NoError(t, err)

	ids := map[string]bool{}
	for _, f := range facts {
		ids[f.ID] = true
	}
	assert.True(t, ids[best.ID], "highest-confidence representative survives")
	assert.Len(t, facts, 3) // best + unrelated + summary
}

func TestConsolidateTask_ClassifiesDurable(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	durable := mustWriteFact(t, svc, WriteFactParams{
		Text: "auth bypass fixed by reordering middleware", Category: "bug_fix", Confidence: 0.9,
	})
	lowConfidence := mustWriteFact(t, svc, WriteFactParams{
		Text: "might be worth caching the token", Category: "bug_fix", Confidence: 0.5,
	})
	wrongCategory := mustWriteFact(t, svc, WriteFactParams{
		Text: "scratch note about naming", Category: "general", Confidence: 0.95,
	})

	result, err := svc.Consolidate(ctx, ConsolidateParams{Level: LevelTask})
	require.NoError(t, err)
	assert.Equal(t, []string{durable.ID}, result.FactIDs)

	check := func(id, want string) {
		f, err := svc.GetFact(ctx, "", id)
		require.NoError(t, err)
		assert.Equal(t, want, f.Metadata["promotion"])
	}
	check(durable.ID, "durable")
	check(lowConfidence.ID, "ephemeral")
	check(wrongCategory.ID, "ephemeral")
}

func TestConsolidateTask_NoFactsFails(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.Consolidate(context.Background(), ConsolidateParams{Level: LevelTask})
	assert.Equal(t, errkind.KindPreconditionFailed, errkind.KindOf(err))
}

func TestConsolidate_UnknownLevel(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.Consolidate(context.Background(), ConsolidateParams{Level: "weekly"})
	assert.Equal(t, errkind.KindInvalidArgument, errkind.KindOf(err))
}

func TestInferCategory(t *testing.T) {
	cases := []struct {
		summary string
		obsType string
		want    string
	}{
		{"fixed the nil pointer bug in auth", model.ObsDiscovery, "bug_fix"},
		{"redesigned the storage structure", model.ObsInsight, "architecture"},
		{"found an auth vulnerability in the gateway", model.ObsDiscovery, "security"},
		{"request latency doubled under load", model.ObsDiscovery, "performance"},
		{"we will ship the v2 endpoint next", model.ObsDecision, "decision"},
		{"repeated pattern across workers", model.ObsInsight, "pattern"},
		{"timeout talking to the registry", model.ObsError, "bug_fix"},
		{"the cli reads its token from the env", model.ObsDiscovery, "discovery"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, InferCategory(tc.summary, tc.obsType), tc.summary)
	}
}
