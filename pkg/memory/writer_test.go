package memory

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memfork/memfork/pkg/embedders"
	"github.com/memfork/memfork/pkg/errkind"
	"github.com/memfork/memfork/pkg/model"
)

func TestWriteFact_Defaults(t *testing.T) {
	svc := newTestService(t)

	fact := mustWriteFact(t, svc, WriteFactParams{Text: "bearer tokens expire after an hour"})
	assert.Equal(t, "general", fact.Category)
	assert.Equal(t, 0.5, fact.Confidence)
	assert.Equal(t, model.FactActive, fact.Status)
	assert.Equal(t, "main", fact.Branch)
	assert.NotEmpty(t, fact.Embedding)
}

func TestWriteFact_Validation(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.WriteFact(ctx, WriteFactParams{Text: ""})
	assert.Equal(t, errkind.KindInvalidArgument, errkind.KindOf(err))

	_, err = svc.WriteFact(ctx, WriteFactParams{Text: "x", Confidence: 1.5})
	assert.Equal(t, errkind.KindInvalidArgument, errkind.KindOf(err))

	_, err = svc.WriteFact(ctx, WriteFactParams{Text: "x", Branch: "missing"})
	assert.Equal(t, errkind.KindNotFound, errkind.KindOf(err))
}

func TestWriteFact_EmbeddingFailureDoesNotBlock(t *testing.T) {
	svc := newTestService(t)
	svc.embedder = failingEmbedder{}

	fact := mustWriteFact(t, svc, WriteFactParams{Text: "written despite embedder outage"})
	assert.Nil(t, fact.Embedding)

	got, err := svc.GetFact(context.Background(), "", fact.ID)
	require.NoError(t, err)
	assert.Nil(t, got.Embedding)
}

func TestWriteFact_Supersede(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	old := mustWriteFact(t, svc, WriteFactParams{Text: "retries default to three"})
	replacement := mustWriteFact(t, svc, WriteFactParams{
		Text:        "retries default to five",
		SupersedeID: old.ID,
	})

	gotOld, err := svc.GetFact(ctx, "", old.ID)
	require.NoError(t, err)
	gotNew, err := svc.GetFact(ctx, "", replacement.ID)
	require.NoError(t, err)

	// exactly one of the pair is active, linked via parent_id
	assert.Equal(t, model.FactSuperseded, gotOld.Status)
	assert.Equal(t, model.FactActive, gotNew.Status)
	assert.Equal(t, old.ID, gotNew.ParentID)
	assert.Equal(t, old.ID, gotOld.ID)
}

func TestWriteObservation_TruncatesRawPayloads(t *testing.T) {
	svc := newTestService(t)

	long := strings.Repeat("x", 5000)
	obs, err := svc.WriteObservation(context.Background(), WriteObservationParams{
		SessionID: "s1",
		Type:      model.ObsToolUse,
		ToolName:  "grep",
		Summary:   "searched for auth handlers",
		RawInput:  long,
		RawOutput: long,
		Outcome:   model.OutcomeSuccess,
	})
	require.NoError(t, err)
	assert.Len(t, obs.RawInput, model.RawTruncateLen)
	assert.Len(t, obs.RawOutput, model.RawTruncateLen)
}

func TestWriteObservation_Validation(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.WriteObservation(ctx, WriteObservationParams{Type: model.ObsInsight, Summary: "x"})
	assert.Equal(t, errkind.KindInvalidArgument, errkind.KindOf(err))

	_, err = svc.WriteObservation(ctx, WriteObservationParams{SessionID: "s", Type: "bogus", Summary: "x"})
	assert.Equal(t, errkind.KindInvalidArgument, errkind.KindOf(err))
}

func TestWriteMessage_SequencesAndCountsTokens(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	conv, err := svc.CreateConversation(ctx, CreateConversationParams{Title: "debugging"})
	require.NoError(t, err)

	first, err := svc.WriteMessage(ctx, WriteMessageParams{
		ConversationID: conv.ID,
		Role:           model.RoleUser,
		Content:        "why does the auth middleware skip bearer tokens?",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, first.SequenceNum)
	assert.Greater(t, first.TokenCount, 0)

	second, err := svc.WriteMessage(ctx, WriteMessageParams{
		ConversationID: conv.ID,
		Role:           model.RoleAssistant,
		Content:        "the API key check short-circuits the chain",
		TokenCount:     12,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, second.SequenceNum)
	assert.Equal(t, 12, second.TokenCount)

	got, err := svc.GetConversation(ctx, "", conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.MessageCount)
}

func TestWriteMessage_UnknownConversation(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.WriteMessage(context.Background(), WriteMessageParams{
		ConversationID: "missing", Role: model.RoleUser, Content: "x",
	})
	assert.Equal(t, errkind.KindNotFound, errkind.KindOf(err))
}

func TestWriteRelation(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	rel, err := svc.WriteRelation(ctx, WriteRelationParams{
		SourceEntity: "service-a",
		TargetEntity: "service-b",
		Type:         "depends_on",
		Properties:   map[string]any{"transport": "grpc"},
	})
	require.NoError(t, err)
	assert.Equal(t, 0.5, rel.Confidence)

	_, err = svc.WriteRelation(ctx, WriteRelationParams{SourceEntity: "a", TargetEntity: "b"})
	assert.Equal(t, errkind.KindInvalidArgument, errkind.KindOf(err))
}

func TestBackfillEmbeddings(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	svc.embedder = failingEmbedder{}
	fact := mustWriteFact(t, svc, WriteFactParams{Text: "embedded later"})
	_, err := svc.WriteObservation(ctx, WriteObservationParams{
		SessionID: "s1", Type: model.ObsInsight, Summary: "also embedded later",
	})
	require.NoError(t, err)

	svc.embedder = embedders.NewMockEmbedder(16)
	n, err := svc.BackfillEmbeddings(ctx, "", 10)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := svc.GetFact(ctx, "", fact.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, got.Embedding)

	missing, err := svc.store.FactsMissingEmbedding(ctx, svc.table(model.EntityFacts, "main"), 10)
	require.NoError(t, err)
	assert.Empty(t, missing)
}
