package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memfork/memfork/pkg/errkind"
	"github.com/memfork/memfork/pkg/model"
)

// seedConversation writes a conversation with n alternating user/assistant
// messages.
func seedConversation(t *testing.T, svc *Service, branch string, n int) *model.Conversation {
	t.Helper()
	ctx := context.Background()

	conv, err := svc.CreateConversation(ctx, CreateConversationParams{Branch: branch, Title: "seeded"})
	require.NoError(t, err)

	for i := 1; i <= n; i++ {
		role := model.RoleUser
		if i%2 == 0 {
			role = model.RoleAssistant
		}
		_, err := svc.WriteMessage(ctx, WriteMessageParams{
			ConversationID: conv.ID,
			Role:           role,
			Content:        messageContent(i),
			Branch:         branch,
		})
		require.NoError(t, err)
	}
	return conv
}

func messageContent(i int) string {
	contents := []string{
		"please investigate the flaky login test",
		"the login test fails when the token cache is cold",
		"can you fix the cache warmup",
		"added a warmup step before the first assertion",
		"does that cover the parallel case",
		"yes the warmup runs once per suite",
		"ship it",
		"opened the pull request",
		"thanks",
		"done",
	}
	return contents[(i-1)%len(contents)]
}

func TestForkConversation_PreservesPrefix(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	conv := seedConversation(t, svc, "", 6)
	fork, err := svc.ForkConversation(ctx, "", conv.ID, 4)
	require.NoError(t, err)

	assert.Equal(t, conv.ID, fork.ParentConversationID)
	assert.NotEmpty(t, fork.ForkPointMessageID)

	srcMsgs, err := svc.Messages(ctx, "", conv.ID)
	require.NoError(t, err)
	forkMsgs, err := svc.Messages(ctx, "", fork.ID)
	require.NoError(t, err)

	require.Len(t, forkMsgs, 4)
	for i := 0; i < 4; i++ {
		assert.Equal(t, srcMsgs[i].Role, forkMsgs[i].Role)
		assert.Equal(t, srcMsgs[i].Content, forkMsgs[i].Content)
		assert.Equal(t, srcMsgs[i].SequenceNum, forkMsgs[i].SequenceNum)
		assert.NotEqual(t, srcMsgs[i].ID, forkMsgs[i].ID)
	}

	// new messages on the fork continue after the fork point
	next, err := svc.WriteMessage(ctx, WriteMessageParams{
		ConversationID: fork.ID, Role: model.RoleUser, Content: "diverging here",
	})
	require.NoError(t, err)
	assert.Equal(t, 5, next.SequenceNum)
}

func TestForkConversation_Validation(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	conv := seedConversation(t, svc, "", 2)

	_, err := svc.ForkConversation(ctx, "", conv.ID, 0)
	assert.Equal(t, errkind.KindInvalidArgument, errkind.KindOf(err))

	_, err = svc.ForkConversation(ctx, "", "missing", 1)
	assert.Equal(t, errkind.KindNotFound, errkind.KindOf(err))
}

func TestCherryPickConversation_RenumbersFromOne(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	mustCreateBranch(t, svc, "feature_x")
	conv := seedConversation(t, svc, "", 6)

	picked, err := svc.CherryPickConversation(ctx, "", conv.ID, "feature_x", 3, 5)
	require.NoError(t, err)

	msgs, err := svc.Messages(ctx, "feature_x", picked.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	for i, m := range msgs {
		assert.Equal(t, i+1, m.SequenceNum)
		assert.Equal(t, messageContent(i+3), m.Content)
	}

	// source messages carry cherry-pick markers, everything else untouched
	srcMsgs, err := svc.Messages(ctx, "", conv.ID)
	require.NoError(t, err)
	require.Len(t, srcMsgs, 6)
	assert.Equal(t, true, srcMsgs[2].Metadata["is_cherry_picked"])
	assert.Nil(t, srcMsgs[0].Metadata["is_cherry_picked"])
}

func TestCherryPickConversation_InvalidRange(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	mustCreateBranch(t, svc, "feature_x")
	conv := seedConversation(t, svc, "", 4)

	_, err := svc.CherryPickConversation(ctx, "", conv.ID, "feature_x", 5, 2)
	assert.Equal(t, errkind.KindInvalidArgument, errkind.KindOf(err))
}

func TestReplayLifecycle(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	conv := seedConversation(t, svc, "", 10)

	replay, err := svc.CreateReplay(ctx, "", conv.ID, 5, map[string]any{"model": "alt"})
	require.NoError(t, err)
	assert.Equal(t, model.ReplayPending, replay.Status)
	assert.Equal(t, conv.ID, replay.SourceConversationID)

	// the replay conversation starts with messages 1..5 identical
	msgs, params, err := svc.ReplayContext(ctx, replay.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 5)
	assert.Equal(t, "alt", params["model"])
	srcMsgs, err := svc.Messages(ctx, "", conv.ID)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		assert.Equal(t, srcMsgs[i].Content, msgs[i].Content)
	}

	// the external executor appends 6..9 and completes
	var finalIDs []string
	for i := 6; i <= 9; i++ {
		msg, err := svc.WriteMessage(ctx, WriteMessageParams{
			ConversationID: replay.ConversationID,
			Role:           model.RoleAssistant,
			Content:        "alternate exploration",
		})
		require.NoError(t, err)
		finalIDs = append(finalIDs, msg.ID)
	}
	require.NoError(t, svc.CompleteReplay(ctx, replay.ID, finalIDs))

	done, err := svc.GetReplay(ctx, replay.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ReplayCompleted, done.Status)
	assert.Equal(t, finalIDs, done.FinalMessageIDs)

	// the diff reports the shared prefix
	diff, err := svc.SemanticDiffConversations(ctx, "", conv.ID, replay.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, 5, diff.SharedPrefixLength)
}

func TestSemanticDiff_IdenticalConversations(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	conv := seedConversation(t, svc, "", 6)
	fork, err := svc.ForkConversation(ctx, "", conv.ID, 6)
	require.NoError(t, err)

	diff, err := svc.SemanticDiffConversations(ctx, "", conv.ID, fork.ID)
	require.NoError(t, err)
	assert.Equal(t, VerdictEquivalent, diff.Verdict)
	assert.Equal(t, 6, diff.SharedPrefixLength)
	assert.InDelta(t, 1.0, diff.Reasoning.Overall, 1e-9)
	assert.Equal(t, 0, diff.Reasoning.DivergencePoint)
	assert.Zero(t, diff.Outcome.MessageDelta)
}

func TestSemanticDiff_Deterministic(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	a := seedConversation(t, svc, "", 5)
	b := seedConversation(t, svc, "", 8)

	first, err := svc.SemanticDiffConversations(ctx, "", a.ID, b.ID)
	require.NoError(t, err)
	second, err := svc.SemanticDiffConversations(ctx, "", a.ID, b.ID)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestSemanticDiff_ActionTrace(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	write := func(toolSeq [][]model.ToolCall) string {
		conv, err := svc.CreateConversation(ctx, CreateConversationParams{})
		require.NoError(t, err)
		for _, calls := range toolSeq {
			_, err := svc.WriteMessage(ctx, WriteMessageParams{
				ConversationID: conv.ID,
				Role:           model.RoleToolCall,
				Content:        "tool invocation",
				ToolCalls:      calls,
			})
			require.NoError(t, err)
		}
		return conv.ID
	}

	a := write([][]model.ToolCall{
		{{Name: "grep"}}, {{Name: "read"}}, {{Name: "edit"}},
	})
	b := write([][]model.ToolCall{
		{{Name: "grep"}}, {{Name: "read"}}, {{Name: "edit"}},
	})
	c := write([][]model.ToolCall{
		{{Name: "bash", IsError: true}}, {{Name: "web_search"}},
	})

	same, err := svc.SemanticDiffConversations(ctx, "", a, b)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, same.ActionTrace.OrderSimilarity, 1e-9)
	assert.InDelta(t, 1.0, same.ActionTrace.ToolSetOverlap, 1e-9)

	divergent, err := svc.SemanticDiffConversations(ctx, "", a, c)
	require.NoError(t, err)
	assert.Equal(t, 0.0, divergent.ActionTrace.OrderSimilarity)
	assert.Equal(t, VerdictDivergent, divergent.Verdict)
	assert.Equal(t, 1, divergent.ActionTrace.ErrorsB)
	assert.Equal(t, 0, divergent.ActionTrace.ErrorsA)
}

func TestCloseConversation(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	conv := seedConversation(t, svc, "", 2)
	require.NoError(t, svc.CloseConversation(ctx, "", conv.ID))

	got, err := svc.GetConversation(ctx, "", conv.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ConvCompleted, got.Status)
}
