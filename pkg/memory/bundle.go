package memory

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/memfork/memfork/pkg/errkind"
	"github.com/memfork/memfork/pkg/model"
	"github.com/memfork/memfork/pkg/storage"
)

// bundlePayload is the serialized knowledge export: facts, relations, and
// conversation ids for provenance.
type bundlePayload struct {
	Branch          string            `json:"branch"`
	Facts           []*model.Fact     `json:"facts,omitempty"`
	Relations       []*model.Relation `json:"relations,omitempty"`
	ConversationIDs []string          `json:"conversation_ids,omitempty"`
}

// CreateBundle serializes a branch's active facts and relations into an
// immutable bundle. With verifiedOnly, only verified facts are included.
func (s *Service) CreateBundle(ctx context.Context, name, branch string, verifiedOnly bool) (*model.Bundle, error) {
	if name == "" {
		return nil, errkind.Invalid("name", "bundle name must not be empty")
	}
	branch, err := s.resolveReadBranch(ctx, branch)
	if err != nil {
		return nil, err
	}

	facts, err := s.store.ListFacts(ctx, s.table(model.EntityFacts, branch), storage.FactFilter{Status: model.FactActive})
	if err != nil {
		return nil, err
	}
	if verifiedOnly {
		filtered := facts[:0]
		for _, f := range facts {
			if f.VerificationStatus() == model.VerificationVerified {
				filtered = append(filtered, f)
			}
		}
		facts = filtered
	}

	relations, err := s.store.ListRelations(ctx, s.table(model.EntityRelations, branch), storage.RelationFilter{})
	if err != nil {
		return nil, err
	}

	convs, err := s.store.ListConversations(ctx, s.table(model.EntityConversations, branch), storage.ConversationFilter{})
	if err != nil {
		return nil, err
	}
	convIDs := make([]string, len(convs))
	for i, c := range convs {
		convIDs[i] = c.ID
	}

	payload, err := json.Marshal(bundlePayload{
		Branch: branch, Facts: facts, Relations: relations, ConversationIDs: convIDs,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal bundle payload: %w", err)
	}

	bundle := &model.Bundle{
		ID:           uuid.NewString(),
		Name:         name,
		Payload:      string(payload),
		VerifiedOnly: verifiedOnly,
		CreatedAt:    s.now(),
	}
	if err := s.store.InsertBundle(ctx, bundle); err != nil {
		return nil, err
	}
	return bundle, nil
}

// GetBundle fetches a bundle.
func (s *Service) GetBundle(ctx context.Context, id string) (*model.Bundle, error) {
	return s.store.GetBundle(ctx, id)
}

// ImportBundle writes a bundle's facts and relations into the target
// branch with fresh ids and provenance metadata. Returns the number of
// rows imported.
func (s *Service) ImportBundle(ctx context.Context, bundleID, targetBranch string) (int, error) {
	bundle, err := s.store.GetBundle(ctx, bundleID)
	if err != nil {
		return 0, err
	}
	target, err := s.resolveWriteBranch(ctx, targetBranch)
	if err != nil {
		return 0, err
	}

	var payload bundlePayload
	if err := json.Unmarshal([]byte(bundle.Payload), &payload); err != nil {
		return 0, errkind.Wrap(errkind.KindFatal, "bundle payload corrupt", err)
	}

	imported := 0
	factTable := s.table(model.EntityFacts, target)
	for _, f := range payload.Facts {
		dup := *f
		dup.ID = uuid.NewString()
		dup.Branch = target
		dup.Metadata = cloneMetadata(f.Metadata)
		dup.Metadata["imported_from_bundle"] = bundle.ID
		dup.Metadata["bundle_origin_id"] = f.ID
		if err := s.store.InsertFact(ctx, factTable, &dup); err != nil {
			return imported, err
		}
		s.vindex.Upsert(ctx, target, dup.ID, dup.Embedding)
		imported++
	}

	relTable := s.table(model.EntityRelations, target)
	for _, r := range payload.Relations {
		dup := *r
		dup.ID = uuid.NewString()
		dup.Branch = target
		if err := s.store.InsertRelation(ctx, relTable, &dup); err != nil {
			return imported, err
		}
		imported++
	}

	return imported, nil
}

// ---------------------------------------------------------------------------
// handoffs

// handoffPayload carries the durable fact subset and recent conversation
// ids from source to target.
type handoffPayload struct {
	Facts           []*model.Fact `json:"facts,omitempty"`
	ConversationIDs []string      `json:"conversation_ids,omitempty"`
}

// CreateHandoff captures a source branch's durable facts, its recent
// conversations, and a context summary for a successor agent on the
// target branch. The verification status reflects the merge gate at
// creation time.
func (s *Service) CreateHandoff(ctx context.Context, sourceBranch, targetBranch, handoffType, contextSummary string) (*model.Handoff, error) {
	source, err := s.resolveReadBranch(ctx, sourceBranch)
	if err != nil {
		return nil, err
	}
	if _, err := s.store.GetBranch(ctx, targetBranch); err != nil {
		return nil, err
	}

	facts, err := s.store.ListFacts(ctx, s.table(model.EntityFacts, source), storage.FactFilter{Status: model.FactActive})
	if err != nil {
		return nil, err
	}
	durable := make([]*model.Fact, 0, len(facts))
	for _, f := range facts {
		if f.Confidence >= model.DurableConfidence && model.DurableCategories[f.Category] {
			durable = append(durable, f)
		}
	}

	convs, err := s.store.ListConversations(ctx, s.table(model.EntityConversations, source), storage.ConversationFilter{Limit: 10})
	if err != nil {
		return nil, err
	}
	convIDs := make([]string, len(convs))
	for i, c := range convs {
		convIDs[i] = c.ID
	}

	ok, _, err := s.CanMerge(ctx, source, true)
	if err != nil {
		return nil, err
	}
	verification := model.VerificationUnverified
	if ok {
		verification = model.VerificationVerified
	}

	payload, err := json.Marshal(handoffPayload{Facts: durable, ConversationIDs: convIDs})
	if err != nil {
		return nil, fmt.Errorf("marshal handoff payload: %w", err)
	}

	handoff := &model.Handoff{
		ID:                 uuid.NewString(),
		SourceBranch:       source,
		TargetBranch:       targetBranch,
		Type:               handoffType,
		Payload:            string(payload),
		ContextSummary:     contextSummary,
		VerificationStatus: verification,
		CreatedAt:          s.now(),
	}
	if err := s.store.InsertHandoff(ctx, handoff); err != nil {
		return nil, err
	}
	return handoff, nil
}

// GetHandoff fetches a handoff.
func (s *Service) GetHandoff(ctx context.Context, id string) (*model.Handoff, error) {
	return s.store.GetHandoff(ctx, id)
}

// ---------------------------------------------------------------------------
// templates

// SaveTemplate snapshots a branch's active facts as a reusable, versioned
// template. Saving under an existing name bumps the version.
func (s *Service) SaveTemplate(ctx context.Context, name, sourceBranch string, taskTypes, tags []string) (*model.Template, error) {
	if name == "" {
		return nil, errkind.Invalid("name", "template name must not be empty")
	}
	source, err := s.resolveReadBranch(ctx, sourceBranch)
	if err != nil {
		return nil, err
	}

	facts, err := s.store.ListFacts(ctx, s.table(model.EntityFacts, source), storage.FactFilter{Status: model.FactActive})
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(bundlePayload{Branch: source, Facts: facts})
	if err != nil {
		return nil, fmt.Errorf("marshal template payload: %w", err)
	}

	version := 1
	if existing, err := s.store.LatestTemplate(ctx, name); err == nil {
		version = existing.Version + 1
	}

	tpl := &model.Template{
		Name:      name,
		Version:   version,
		Payload:   string(payload),
		TaskTypes: taskTypes,
		Tags:      tags,
		Status:    model.TemplateActive,
		CreatedAt: s.now(),
	}
	if err := s.store.InsertTemplate(ctx, tpl); err != nil {
		return nil, err
	}
	return tpl, nil
}

// ListTemplates returns the latest version of each template.
func (s *Service) ListTemplates(ctx context.Context, status string) ([]*model.Template, error) {
	return s.store.ListTemplates(ctx, status)
}

// DeprecateTemplate marks a template deprecated.
func (s *Service) DeprecateTemplate(ctx context.Context, name string) error {
	return s.store.SetTemplateStatus(ctx, name, model.TemplateDeprecated)
}

// ApplyTemplate instantiates a new curated branch pre-populated with the
// template's facts (fresh ids, provenance metadata).
func (s *Service) ApplyTemplate(ctx context.Context, name, newBranch string) (*model.Branch, error) {
	tpl, err := s.store.LatestTemplate(ctx, name)
	if err != nil {
		return nil, err
	}
	if tpl.Status != model.TemplateActive {
		return nil, errkind.Newf(errkind.KindPreconditionFailed, "template %q is deprecated", name)
	}

	var payload bundlePayload
	if err := json.Unmarshal([]byte(tpl.Payload), &payload); err != nil {
		return nil, errkind.Wrap(errkind.KindFatal, "template payload corrupt", err)
	}

	branch, err := s.CreateBranch(ctx, CreateBranchParams{
		Name:        newBranch,
		Parent:      s.root,
		Description: fmt.Sprintf("instantiated from template %s v%d", tpl.Name, tpl.Version),
		Metadata:    map[string]any{"template": tpl.Name, "template_version": tpl.Version},
		Empty:       true,
	})
	if err != nil {
		return nil, err
	}

	factTable := s.table(model.EntityFacts, branch.Name)
	for _, f := range payload.Facts {
		dup := *f
		dup.ID = uuid.NewString()
		dup.Branch = branch.Name
		dup.Metadata = cloneMetadata(f.Metadata)
		dup.Metadata["template"] = tpl.Name
		dup.Metadata["template_version"] = tpl.Version
		if err := s.store.InsertFact(ctx, factTable, &dup); err != nil {
			return nil, err
		}
		s.vindex.Upsert(ctx, branch.Name, dup.ID, dup.Embedding)
	}
	return branch, nil
}
