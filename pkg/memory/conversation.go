package memory

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/memfork/memfork/pkg/errkind"
	"github.com/memfork/memfork/pkg/model"
	"github.com/memfork/memfork/pkg/storage"
)

// CreateConversationParams configures a new conversation.
type CreateConversationParams struct {
	SessionID string
	AgentID   string
	TaskID    string
	Branch    string
	Title     string
	Model     string
	Metadata  map[string]any
}

// CreateConversation opens a conversation on a branch.
func (s *Service) CreateConversation(ctx context.Context, p CreateConversationParams) (*model.Conversation, error) {
	branch, err := s.resolveWriteBranch(ctx, p.Branch)
	if err != nil {
		return nil, err
	}

	conv := &model.Conversation{
		ID:        uuid.NewString(),
		SessionID: p.SessionID,
		AgentID:   p.AgentID,
		TaskID:    p.TaskID,
		Branch:    branch,
		Title:     p.Title,
		Status:    model.ConvActive,
		Model:     p.Model,
		Metadata:  p.Metadata,
		CreatedAt: s.now(),
	}
	if err := s.store.InsertConversation(ctx, s.table(model.EntityConversations, branch), conv); err != nil {
		return nil, err
	}
	return conv, nil
}

// GetConversation fetches a conversation and its branch.
func (s *Service) GetConversation(ctx context.Context, branch, id string) (*model.Conversation, error) {
	branch, err := s.resolveReadBranch(ctx, branch)
	if err != nil {
		return nil, err
	}
	return s.store.GetConversation(ctx, s.table(model.EntityConversations, branch), id)
}

// ListConversations lists a branch's conversations.
func (s *Service) ListConversations(ctx context.Context, branch string, filter storage.ConversationFilter) ([]*model.Conversation, error) {
	branch, err := s.resolveReadBranch(ctx, branch)
	if err != nil {
		return nil, err
	}
	return s.store.ListConversations(ctx, s.table(model.EntityConversations, branch), filter)
}

// Messages returns a conversation's messages in sequence order.
func (s *Service) Messages(ctx context.Context, branch, conversationID string) ([]*model.Message, error) {
	branch, err := s.resolveReadBranch(ctx, branch)
	if err != nil {
		return nil, err
	}
	if _, err := s.store.GetConversation(ctx, s.table(model.EntityConversations, branch), conversationID); err != nil {
		return nil, err
	}
	return s.store.ListMessages(ctx, s.table(model.EntityMessages, branch), conversationID, 0, 0)
}

// CloseConversation transitions a conversation to completed.
func (s *Service) CloseConversation(ctx context.Context, branch, id string) error {
	branch, err := s.resolveReadBranch(ctx, branch)
	if err != nil {
		return err
	}
	return s.store.UpdateConversationStatus(ctx, s.table(model.EntityConversations, branch), id, model.ConvCompleted)
}

// ForkConversation copies messages 1..atSeq into a fresh conversation on
// the same branch. Copies keep their sequence numbers, so new messages on
// the fork continue after atSeq; the fork records its parent and the fork
// point message.
func (s *Service) ForkConversation(ctx context.Context, branch, conversationID string, atSeq int) (*model.Conversation, error) {
	if atSeq < 1 {
		return nil, errkind.Invalid("at_seq", "fork point must be >= 1")
	}
	branch, err := s.resolveReadBranch(ctx, branch)
	if err != nil {
		return nil, err
	}

	convTable := s.table(model.EntityConversations, branch)
	msgTable := s.table(model.EntityMessages, branch)

	src, err := s.store.GetConversation(ctx, convTable, conversationID)
	if err != nil {
		return nil, err
	}

	msgs, err := s.store.ListMessages(ctx, msgTable, conversationID, 1, atSeq)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, errkind.Invalid("at_seq", fmt.Sprintf("conversation %s has no messages up to sequence %d", conversationID, atSeq))
	}

	forkPoint := msgs[len(msgs)-1]

	fork := &model.Conversation{
		ID:                   uuid.NewString(),
		SessionID:            src.SessionID,
		AgentID:              src.AgentID,
		TaskID:               src.TaskID,
		Branch:               branch,
		Title:                src.Title,
		Status:               model.ConvActive,
		Model:                src.Model,
		ParentConversationID: src.ID,
		ForkPointMessageID:   forkPoint.ID,
		Metadata:             map[string]any{"forked_at_seq": atSeq},
		CreatedAt:            s.now(),
	}

	copies := make([]*model.Message, len(msgs))
	totalTokens := 0
	for i, m := range msgs {
		dup := *m
		dup.ID = uuid.NewString()
		dup.ConversationID = fork.ID
		dup.Metadata = cloneMetadata(m.Metadata)
		dup.Metadata["forked_from"] = m.ID
		copies[i] = &dup
		totalTokens += m.TokenCount
	}
	fork.MessageCount = len(copies)
	fork.TotalTokens = totalTokens

	if err := s.store.InsertMessages(ctx, msgTable, convTable, fork, copies); err != nil {
		return nil, err
	}
	return fork, nil
}

// CherryPickConversation copies a conversation (or a contiguous message
// range) onto a target branch. Copied messages are renumbered from 1.
// The source conversation is untouched except for cherry-pick markers in
// the source messages' metadata.
func (s *Service) CherryPickConversation(ctx context.Context, branch, conversationID, targetBranch string, fromSeq, toSeq int) (*model.Conversation, error) {
	if fromSeq < 0 || toSeq < 0 {
		return nil, errkind.Invalid("range", "sequence bounds must not be negative")
	}
	if fromSeq > 0 && toSeq > 0 && fromSeq > toSeq {
		return nil, errkind.Invalid("range", fmt.Sprintf("from_seq %d exceeds to_seq %d", fromSeq, toSeq))
	}

	branch, err := s.resolveReadBranch(ctx, branch)
	if err != nil {
		return nil, err
	}
	target, err := s.resolveWriteBranch(ctx, targetBranch)
	if err != nil {
		return nil, err
	}

	srcConvTable := s.table(model.EntityConversations, branch)
	srcMsgTable := s.table(model.EntityMessages, branch)

	src, err := s.store.GetConversation(ctx, srcConvTable, conversationID)
	if err != nil {
		return nil, err
	}
	msgs, err := s.store.ListMessages(ctx, srcMsgTable, conversationID, fromSeq, toSeq)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, errkind.Newf(errkind.KindPreconditionFailed, "conversation %s has no messages in range", conversationID)
	}

	newConv := &model.Conversation{
		ID:        uuid.NewString(),
		SessionID: src.SessionID,
		AgentID:   src.AgentID,
		TaskID:    src.TaskID,
		Branch:    target,
		Title:     src.Title,
		Status:    model.ConvActive,
		Model:     src.Model,
		Metadata: map[string]any{
			"cherry_picked_from":   src.ID,
			"cherry_picked_branch": branch,
		},
		CreatedAt: s.now(),
	}

	copies := make([]*model.Message, len(msgs))
	totalTokens := 0
	for i, m := range msgs {
		dup := *m
		dup.ID = uuid.NewString()
		dup.ConversationID = newConv.ID
		dup.Branch = target
		dup.SequenceNum = i + 1
		dup.Metadata = cloneMetadata(m.Metadata)
		dup.Metadata["cherry_picked_from"] = m.ID
		copies[i] = &dup
		totalTokens += m.TokenCount
	}
	newConv.MessageCount = len(copies)
	newConv.TotalTokens = totalTokens

	dstConvTable := s.table(model.EntityConversations, target)
	dstMsgTable := s.table(model.EntityMessages, target)
	if err := s.store.InsertMessages(ctx, dstMsgTable, dstConvTable, newConv, copies); err != nil {
		return nil, err
	}

	// Mark the source messages; back-references accumulate across picks.
	for i, m := range msgs {
		meta := cloneMetadata(m.Metadata)
		meta["is_cherry_picked"] = true
		var refs []any
		if existing, ok := meta["cherry_pick_refs"].([]any); ok {
			refs = existing
		}
		meta["cherry_pick_refs"] = append(refs, copies[i].ID)
		if err := s.store.UpdateMessageMetadata(ctx, srcMsgTable, m.ID, meta); err != nil {
			return nil, err
		}
	}

	return newConv, nil
}
