package memory

import (
	"context"

	"github.com/google/uuid"

	"github.com/memfork/memfork/pkg/model"
)

// CreateReplay forks the conversation at forkAt and records the replay
// parameters (model, temperature, tool filters, extra context) for an
// external executor. The fork starts with messages 1..forkAt identical to
// the source.
func (s *Service) CreateReplay(ctx context.Context, branch, conversationID string, forkAt int, parameters map[string]any) (*model.Replay, error) {
	branch, err := s.resolveReadBranch(ctx, branch)
	if err != nil {
		return nil, err
	}

	fork, err := s.ForkConversation(ctx, branch, conversationID, forkAt)
	if err != nil {
		return nil, err
	}

	replay := &model.Replay{
		ID:                   uuid.NewString(),
		ConversationID:       fork.ID,
		SourceConversationID: conversationID,
		Branch:               branch,
		ForkAt:               forkAt,
		Parameters:           parameters,
		Status:               model.ReplayPending,
		CreatedAt:            s.now(),
	}
	if err := s.store.InsertReplay(ctx, replay); err != nil {
		return nil, err
	}
	return replay, nil
}

// GetReplay fetches a replay.
func (s *Service) GetReplay(ctx context.Context, id string) (*model.Replay, error) {
	return s.store.GetReplay(ctx, id)
}

// ReplayContext returns the messages up to the fork point, ordered and
// ready for the external executor, along with the replay parameters.
func (s *Service) ReplayContext(ctx context.Context, replayID string) ([]*model.Message, map[string]any, error) {
	replay, err := s.store.GetReplay(ctx, replayID)
	if err != nil {
		return nil, nil, err
	}

	msgTable := s.table(model.EntityMessages, replay.Branch)
	msgs, err := s.store.ListMessages(ctx, msgTable, replay.ConversationID, 1, replay.ForkAt)
	if err != nil {
		return nil, nil, err
	}
	return msgs, replay.Parameters, nil
}

// CompleteReplay marks a replay complete with the executor's final
// message ids.
func (s *Service) CompleteReplay(ctx context.Context, replayID string, finalMessageIDs []string) error {
	replay, err := s.store.GetReplay(ctx, replayID)
	if err != nil {
		return err
	}
	if err := s.store.CompleteReplay(ctx, replayID, finalMessageIDs); err != nil {
		return err
	}
	convTable := s.table(model.EntityConversations, replay.Branch)
	return s.store.UpdateConversationStatus(ctx, convTable, replay.ConversationID, model.ConvCompleted)
}
