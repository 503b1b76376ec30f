package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/memfork/memfork/pkg/errkind"
	"github.com/memfork/memfork/pkg/model"
	"github.com/memfork/memfork/pkg/utils"
)

// The four write engines share one pre-commit pipeline: validate, embed
// best-effort, persist in a single transaction. Embedding failures are
// logged and the row is written with a null embedding; a later backfill
// picks it up. Writes are not deduplicated here; that is consolidation's
// job.

// embedBestEffort returns the text's embedding or nil. Never fails.
func (s *Service) embedBestEffort(ctx context.Context, text string) []float32 {
	if s.embedder == nil || text == "" {
		return nil
	}
	vec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		s.log.Warn("embedding failed, writing null embedding", "error", err)
		return nil
	}
	return vec
}

// resolveWriteBranch checks the target branch is active and returns it,
// defaulting to the root.
func (s *Service) resolveWriteBranch(ctx context.Context, branch string) (string, error) {
	if branch == "" {
		branch = s.root
	}
	b, err := s.store.GetBranch(ctx, branch)
	if err != nil {
		return "", err
	}
	if b.Status == model.BranchArchived {
		return "", errkind.Newf(errkind.KindPreconditionFailed, "branch %q is archived", branch)
	}
	return branch, nil
}

// WriteFactParams configures a fact write.
type WriteFactParams struct {
	Text       string
	Category   string
	Confidence float64
	Branch     string
	SourceType string
	SourceID   string
	SessionID  string
	TaskID     string
	AgentID    string
	Metadata   map[string]any

	// SupersedeID replaces an existing active fact: the new fact gets
	// ParentID set and the old one is marked superseded atomically.
	SupersedeID string
}

// WriteFact persists a fact.
func (s *Service) WriteFact(ctx context.Context, p WriteFactParams) (*model.Fact, error) {
	if p.Text == "" {
		return nil, errkind.Invalid("text", "fact text must not be empty")
	}
	if p.Confidence == 0 {
		p.Confidence = 0.5
	}
	if p.Confidence < 0 || p.Confidence > 1 {
		return nil, errkind.Invalid("confidence", "confidence must be in [0,1]")
	}
	if p.Category == "" {
		p.Category = "general"
	}

	branch, err := s.resolveWriteBranch(ctx, p.Branch)
	if err != nil {
		return nil, err
	}

	now := s.now()
	fact := &model.Fact{
		ID:         uuid.NewString(),
		Text:       p.Text,
		Category:   p.Category,
		Confidence: model.ClampConfidence(p.Confidence),
		Status:     model.FactActive,
		ParentID:   p.SupersedeID,
		SourceType: p.SourceType,
		SourceID:   p.SourceID,
		SessionID:  p.SessionID,
		TaskID:     p.TaskID,
		AgentID:    p.AgentID,
		Branch:     branch,
		Embedding:  s.embedBestEffort(ctx, p.Text),
		Metadata:   p.Metadata,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	table := s.table(model.EntityFacts, branch)
	if p.SupersedeID != "" {
		if err := s.store.SupersedeFact(ctx, table, p.SupersedeID, fact); err != nil {
			return nil, err
		}
	} else {
		if err := s.store.InsertFact(ctx, table, fact); err != nil {
			return nil, err
		}
	}

	s.vindex.Upsert(ctx, branch, fact.ID, fact.Embedding)
	return fact, nil
}

// GetFact fetches a fact from a branch.
func (s *Service) GetFact(ctx context.Context, branch, id string) (*model.Fact, error) {
	branch, err := s.resolveReadBranch(ctx, branch)
	if err != nil {
		return nil, err
	}
	return s.store.GetFact(ctx, s.table(model.EntityFacts, branch), id)
}

// resolveReadBranch validates a branch exists (archived branches are
// still readable through their registry entry, but their tables are
// gone, so reads fail with a storage (BackendUnavailable) error at the
// table level).
func (s *Service) resolveReadBranch(ctx context.Context, branch string) (string, error) {
	if branch == "" {
		return s.root, nil
	}
	if _, err := s.store.GetBranch(ctx, branch); err != nil {
		return "", err
	}
	return branch, nil
}

// WriteObservationParams configures an observation write.
type WriteObservationParams struct {
	SessionID string
	Type      string
	ToolName  string
	Summary   string
	RawInput  string
	RawOutput string
	Outcome   string
	Branch    string
	TaskID    string
	AgentID   string
}

// WriteObservation persists an append-only observation. Raw payloads are
// truncated to the storage cap.
func (s *Service) WriteObservation(ctx context.Context, p WriteObservationParams) (*model.Observation, error) {
	if p.SessionID == "" {
		return nil, errkind.Invalid("session_id", "observation requires a session id")
	}
	if p.Summary == "" {
		return nil, errkind.Invalid("summary", "observation summary must not be empty")
	}
	switch p.Type {
	case model.ObsToolUse, model.ObsDiscovery, model.ObsDecision, model.ObsError, model.ObsInsight:
	default:
		return nil, errkind.Invalid("type", fmt.Sprintf("unknown observation type %q", p.Type))
	}

	branch, err := s.resolveWriteBranch(ctx, p.Branch)
	if err != nil {
		return nil, err
	}

	obs := &model.Observation{
		ID:        uuid.NewString(),
		SessionID: p.SessionID,
		Type:      p.Type,
		ToolName:  p.ToolName,
		Summary:   p.Summary,
		RawInput:  truncate(p.RawInput, model.RawTruncateLen),
		RawOutput: truncate(p.RawOutput, model.RawTruncateLen),
		Outcome:   p.Outcome,
		Branch:    branch,
		TaskID:    p.TaskID,
		AgentID:   p.AgentID,
		Embedding: s.embedBestEffort(ctx, p.Summary),
		CreatedAt: s.now(),
	}

	if err := s.store.InsertObservation(ctx, s.table(model.EntityObservations, branch), obs); err != nil {
		return nil, err
	}
	return obs, nil
}

// WriteMessageParams configures a message write.
type WriteMessageParams struct {
	ConversationID string
	Role           string
	Content        string
	Thinking       string
	ToolCalls      []model.ToolCall
	Model          string
	TokenCount     int // 0 = estimate from content
	SessionID      string
	AgentID        string
	Branch         string
	Metadata       map[string]any
}

// WriteMessage appends a message to a conversation, assigning the next
// sequence number and estimating the token count when absent.
func (s *Service) WriteMessage(ctx context.Context, p WriteMessageParams) (*model.Message, error) {
	if p.ConversationID == "" {
		return nil, errkind.Invalid("conversation_id", "message requires a conversation id")
	}
	switch p.Role {
	case model.RoleUser, model.RoleAssistant, model.RoleSystem, model.RoleToolCall, model.RoleToolResult:
	default:
		return nil, errkind.Invalid("role", fmt.Sprintf("unknown message role %q", p.Role))
	}

	branch, err := s.resolveWriteBranch(ctx, p.Branch)
	if err != nil {
		return nil, err
	}

	msgTable := s.table(model.EntityMessages, branch)
	convTable := s.table(model.EntityConversations, branch)

	if _, err := s.store.GetConversation(ctx, convTable, p.ConversationID); err != nil {
		return nil, err
	}

	seq, err := s.store.MaxSequence(ctx, msgTable, p.ConversationID)
	if err != nil {
		return nil, err
	}

	tokens := p.TokenCount
	if tokens == 0 {
		tokens = utils.CountTokens(p.Content)
	}

	msg := &model.Message{
		ID:             uuid.NewString(),
		ConversationID: p.ConversationID,
		Role:           p.Role,
		Content:        p.Content,
		Thinking:       p.Thinking,
		ToolCalls:      p.ToolCalls,
		Model:          p.Model,
		SequenceNum:    seq + 1,
		TokenCount:     tokens,
		SessionID:      p.SessionID,
		AgentID:        p.AgentID,
		Branch:         branch,
		Embedding:      s.embedBestEffort(ctx, p.Content),
		Metadata:       p.Metadata,
		CreatedAt:      s.now(),
	}

	if err := s.store.InsertMessage(ctx, msgTable, convTable, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// WriteRelationParams configures a relation write.
type WriteRelationParams struct {
	SourceEntity string
	TargetEntity string
	Type         string
	Properties   map[string]any
	Confidence   float64
	Branch       string
	ValidFrom    *time.Time
	ValidTo      *time.Time
}

// WriteRelation persists a relation. Relations are immutable once
// written.
func (s *Service) WriteRelation(ctx context.Context, p WriteRelationParams) (*model.Relation, error) {
	if p.SourceEntity == "" || p.TargetEntity == "" {
		return nil, errkind.Invalid("source_entity", "relation requires source and target entities")
	}
	if p.Type == "" {
		return nil, errkind.Invalid("type", "relation requires a type")
	}
	if p.Confidence == 0 {
		p.Confidence = 0.5
	}
	if p.ValidFrom != nil && p.ValidTo != nil && p.ValidTo.Before(*p.ValidFrom) {
		return nil, errkind.Invalid("valid_to", "validity range end precedes start")
	}

	branch, err := s.resolveWriteBranch(ctx, p.Branch)
	if err != nil {
		return nil, err
	}

	rel := &model.Relation{
		ID:           uuid.NewString(),
		SourceEntity: p.SourceEntity,
		TargetEntity: p.TargetEntity,
		Type:         p.Type,
		Properties:   p.Properties,
		Confidence:   model.ClampConfidence(p.Confidence),
		Branch:       branch,
		ValidFrom:    p.ValidFrom,
		ValidTo:      p.ValidTo,
		CreatedAt:    s.now(),
	}

	if err := s.store.InsertRelation(ctx, s.table(model.EntityRelations, branch), rel); err != nil {
		return nil, err
	}
	return rel, nil
}

// BackfillEmbeddings embeds rows written with a null embedding (facts and
// observations). Returns the number of rows backfilled.
func (s *Service) BackfillEmbeddings(ctx context.Context, branch string, limit int) (int, error) {
	branch, err := s.resolveReadBranch(ctx, branch)
	if err != nil {
		return 0, err
	}
	if limit <= 0 {
		limit = 100
	}

	total := 0

	factTable := s.table(model.EntityFacts, branch)
	facts, err := s.store.FactsMissingEmbedding(ctx, factTable, limit)
	if err != nil {
		return 0, err
	}
	if len(facts) > 0 {
		texts := make([]string, len(facts))
		for i, f := range facts {
			texts[i] = f.Text
		}
		vecs, err := s.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return total, errkind.Wrap(errkind.KindEmbeddingUnavailable, "batch embed facts", err)
		}
		for i, f := range facts {
			if err := s.store.SetFactEmbedding(ctx, factTable, f.ID, vecs[i]); err != nil {
				return total, err
			}
			s.vindex.Upsert(ctx, branch, f.ID, vecs[i])
			total++
		}
	}

	obsTable := s.table(model.EntityObservations, branch)
	obs, err := s.store.ObservationsMissingEmbedding(ctx, obsTable, limit)
	if err != nil {
		return total, err
	}
	if len(obs) > 0 {
		texts := make([]string, len(obs))
		for i, o := range obs {
			texts[i] = o.Summary
		}
		vecs, err := s.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return total, errkind.Wrap(errkind.KindEmbeddingUnavailable, "batch embed observations", err)
		}
		for i, o := range obs {
			if err := s.store.SetObservationEmbedding(ctx, obsTable, o.ID, vecs[i]); err != nil {
				return total, err
			}
			total++
		}
	}

	return total, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
