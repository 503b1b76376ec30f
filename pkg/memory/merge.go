package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/memfork/memfork/pkg/errkind"
	"github.com/memfork/memfork/pkg/model"
	"github.com/memfork/memfork/pkg/storage"
)

// Merge strategies.
const (
	StrategyNative     = "native"
	StrategyAuto       = "auto"
	StrategyCherryPick = "cherry_pick"
	StrategySquash     = "squash"
)

// MergeParams configures a merge.
type MergeParams struct {
	Source   string
	Target   string
	Strategy string

	// Conflict is required for the native strategy.
	Conflict storage.ConflictPolicy

	// FactIDs and ConversationIDs select rows for cherry_pick.
	FactIDs         []string
	ConversationIDs []string
}

// MergeResult reports a completed merge.
type MergeResult struct {
	Record    *model.MergeRecord             `json:"record"`
	PerEntity map[string]storage.MergeCounts `json:"per_entity,omitempty"`
}

// Merge applies one of the four strategies from source into target. The
// source branch is never mutated (cherry-pick records its back-reference
// in the metadata of the copies). Every merge appends a history row.
func (s *Service) Merge(ctx context.Context, p MergeParams) (*MergeResult, error) {
	if _, err := s.store.GetBranch(ctx, p.Source); err != nil {
		return nil, err
	}
	if _, err := s.store.GetBranch(ctx, p.Target); err != nil {
		return nil, err
	}
	if p.Source == p.Target {
		return nil, errkind.Invalid("target", "cannot merge a branch into itself")
	}

	var counts storage.MergeCounts
	perEntity := make(map[string]storage.MergeCounts)
	var err error

	switch p.Strategy {
	case StrategyNative:
		if p.Conflict != storage.ConflictSkip && p.Conflict != storage.ConflictAccept {
			return nil, errkind.New(errkind.KindConflict, "native merge requires a conflict policy (skip or accept)")
		}
		counts, perEntity, err = s.mergeNative(ctx, p)
	case StrategyAuto:
		counts, perEntity, err = s.mergeAuto(ctx, p)
	case StrategyCherryPick:
		counts, err = s.mergeCherryPick(ctx, p)
	case StrategySquash:
		counts, err = s.mergeSquash(ctx, p)
	default:
		return nil, errkind.Invalid("strategy", fmt.Sprintf("unknown merge strategy %q", p.Strategy))
	}
	if err != nil {
		return nil, err
	}

	record := &model.MergeRecord{
		ID:         uuid.NewString(),
		Source:     p.Source,
		Target:     p.Target,
		Strategy:   p.Strategy,
		Merged:     counts.Merged,
		Skipped:    counts.Skipped,
		Conflicted: counts.Conflicted,
		CreatedAt:  s.now(),
	}
	if err := s.store.InsertMergeRecord(ctx, record); err != nil {
		return nil, err
	}
	return &MergeResult{Record: record, PerEntity: perEntity}, nil
}

// mergeNative delegates to the storage merge per entity. Facts get an
// extra conflict check: a source fact new by id but near-duplicate in
// text of an active target fact conflicts, so a reworded copy of existing
// knowledge cannot slip past the id key.
func (s *Service) mergeNative(ctx context.Context, p MergeParams) (storage.MergeCounts, map[string]storage.MergeCounts, error) {
	var total storage.MergeCounts
	perEntity := make(map[string]storage.MergeCounts)

	for _, entity := range model.BranchEntities {
		srcTbl := s.table(entity, p.Source)
		dstTbl := s.table(entity, p.Target)
		ok, err := s.bothTablesExist(ctx, srcTbl, dstTbl)
		if err != nil {
			return total, nil, err
		}
		if !ok {
			continue
		}

		var counts storage.MergeCounts
		if entity == model.EntityFacts {
			counts, err = s.mergeFactsNative(ctx, srcTbl, dstTbl, p.Target, p.Conflict)
		} else {
			counts, err = s.store.MergeTable(ctx, entity, srcTbl, dstTbl, p.Target, p.Conflict)
		}
		if err != nil {
			return total, nil, err
		}
		perEntity[entity] = counts
		total.Add(counts)
	}

	if err := s.refreshAfterMerge(ctx, p.Target); err != nil {
		return total, nil, err
	}
	return total, perEntity, nil
}

// mergeFactsNative applies the fact diff with text-similarity conflict
// detection on inserts.
func (s *Service) mergeFactsNative(ctx context.Context, srcTbl, dstTbl, target string, policy storage.ConflictPolicy) (storage.MergeCounts, error) {
	var counts storage.MergeCounts

	diffs, err := s.store.DiffTable(ctx, model.EntityFacts, srcTbl, dstTbl)
	if err != nil {
		return counts, err
	}

	targetActive, err := s.store.ListFacts(ctx, dstTbl, storage.FactFilter{Status: model.FactActive})
	if err != nil {
		return counts, err
	}
	targetTokens := make([][]string, len(targetActive))
	for i, f := range targetActive {
		targetTokens[i] = storage.Tokenize(f.Text)
	}

	var copyIDs []string
	var overwriteIDs []string

	for _, d := range diffs {
		switch d.Op {
		case storage.DiffInsert:
			src, err := s.store.GetFact(ctx, srcTbl, d.ID)
			if err != nil {
				return counts, err
			}
			conflicting := false
			if src.Status == model.FactActive {
				srcTokens := storage.Tokenize(src.Text)
				for _, tt := range targetTokens {
					if storage.TokenJaccard(srcTokens, tt) >= SimilarityThreshold {
						conflicting = true
						break
					}
				}
			}
			if conflicting {
				counts.Conflicted++
				if policy == storage.ConflictAccept {
					copyIDs = append(copyIDs, d.ID)
					counts.Merged++
				} else {
					counts.Skipped++
				}
			} else {
				copyIDs = append(copyIDs, d.ID)
				counts.Merged++
			}
		case storage.DiffUpdate:
			counts.Conflicted++
			if policy == storage.ConflictAccept {
				overwriteIDs = append(overwriteIDs, d.ID)
				counts.Merged++
			} else {
				counts.Skipped++
			}
		case storage.DiffDelete:
			// merges never delete target rows
		}
	}

	if len(copyIDs) > 0 {
		if _, err := s.store.CopyRows(ctx, model.EntityFacts, srcTbl, dstTbl, target, copyIDs); err != nil {
			return counts, err
		}
	}
	if len(overwriteIDs) > 0 {
		if _, err := s.store.MergeTable(ctx, model.EntityFacts, srcTbl, dstTbl, target, storage.ConflictAccept); err != nil {
			return counts, err
		}
	}
	return counts, nil
}

// mergeAuto copies source facts absent from the target unless their
// embedding lands within the similarity threshold of an existing target
// fact; such near-duplicates conflict and are skipped deterministically.
// Other entities are copied by primary key.
func (s *Service) mergeAuto(ctx context.Context, p MergeParams) (storage.MergeCounts, map[string]storage.MergeCounts, error) {
	var total storage.MergeCounts
	perEntity := make(map[string]storage.MergeCounts)

	srcTbl := s.table(model.EntityFacts, p.Source)
	dstTbl := s.table(model.EntityFacts, p.Target)
	ok, err := s.bothTablesExist(ctx, srcTbl, dstTbl)
	if err != nil {
		return total, nil, err
	}
	if ok {
		var factCounts storage.MergeCounts

		diffs, err := s.store.DiffTable(ctx, model.EntityFacts, srcTbl, dstTbl)
		if err != nil {
			return total, nil, err
		}
		targetActive, err := s.store.ListFacts(ctx, dstTbl, storage.FactFilter{Status: model.FactActive})
		if err != nil {
			return total, nil, err
		}

		var copyIDs []string
		for _, d := range diffs {
			if d.Op != storage.DiffInsert {
				continue
			}
			src, err := s.store.GetFact(ctx, srcTbl, d.ID)
			if err != nil {
				return total, nil, err
			}
			if s.nearestTargetSimilarity(ctx, src, targetActive) >= SimilarityThreshold {
				factCounts.Conflicted++
				factCounts.Skipped++
				continue
			}
			copyIDs = append(copyIDs, d.ID)
			factCounts.Merged++
		}
		if len(copyIDs) > 0 {
			if _, err := s.store.CopyRows(ctx, model.EntityFacts, srcTbl, dstTbl, p.Target, copyIDs); err != nil {
				return total, nil, err
			}
		}
		perEntity[model.EntityFacts] = factCounts
		total.Add(factCounts)
	}

	for _, entity := range model.BranchEntities {
		if entity == model.EntityFacts {
			continue
		}
		srcTbl := s.table(entity, p.Source)
		dstTbl := s.table(entity, p.Target)
		ok, err := s.bothTablesExist(ctx, srcTbl, dstTbl)
		if err != nil {
			return total, nil, err
		}
		if !ok {
			continue
		}
		counts, err := s.store.MergeTable(ctx, entity, srcTbl, dstTbl, p.Target, storage.ConflictSkip)
		if err != nil {
			return total, nil, err
		}
		// auto resolves by primary key; id collisions are skips, not
		// conflicts surfaced to the caller
		counts.Conflicted = 0
		perEntity[entity] = counts
		total.Add(counts)
	}

	if err := s.refreshAfterMerge(ctx, p.Target); err != nil {
		return total, nil, err
	}
	return total, perEntity, nil
}

// nearestTargetSimilarity returns the best similarity between the source
// fact and any target fact, preferring embedding cosine and falling back
// to token overlap when either side lacks a vector.
func (s *Service) nearestTargetSimilarity(ctx context.Context, src *model.Fact, targets []*model.Fact) float64 {
	srcVec := src.Embedding
	if len(srcVec) == 0 {
		srcVec = s.embedBestEffort(ctx, src.Text)
	}
	srcTokens := storage.Tokenize(src.Text)

	best := 0.0
	for _, t := range targets {
		var sim float64
		if len(srcVec) > 0 && len(t.Embedding) > 0 {
			sim = storage.Cosine(srcVec, t.Embedding)
		} else {
			sim = storage.TokenJaccard(srcTokens, storage.Tokenize(t.Text))
		}
		if sim > best {
			best = sim
		}
	}
	return best
}

// mergeCherryPick copies an explicit selection of rows into the target
// with freshly allocated ids. Copied facts record their origin id;
// conversations bring their messages with remapped conversation ids.
func (s *Service) mergeCherryPick(ctx context.Context, p MergeParams) (storage.MergeCounts, error) {
	var counts storage.MergeCounts

	if len(p.FactIDs) == 0 && len(p.ConversationIDs) == 0 {
		return counts, errkind.Invalid("ids", "cherry_pick requires fact or conversation ids")
	}

	srcFactTbl := s.table(model.EntityFacts, p.Source)
	dstFactTbl := s.table(model.EntityFacts, p.Target)

	for _, id := range p.FactIDs {
		src, err := s.store.GetFact(ctx, srcFactTbl, id)
		if err != nil {
			return counts, err
		}
		dup := *src
		dup.ID = uuid.NewString()
		dup.Branch = p.Target
		dup.Metadata = cloneMetadata(src.Metadata)
		dup.Metadata["cherry_picked_from"] = src.ID
		dup.Metadata["cherry_picked_branch"] = p.Source
		if err := s.store.InsertFact(ctx, dstFactTbl, &dup); err != nil {
			return counts, err
		}
		s.vindex.Upsert(ctx, p.Target, dup.ID, dup.Embedding)
		counts.Merged++
	}

	srcConvTbl := s.table(model.EntityConversations, p.Source)
	srcMsgTbl := s.table(model.EntityMessages, p.Source)
	dstConvTbl := s.table(model.EntityConversations, p.Target)
	dstMsgTbl := s.table(model.EntityMessages, p.Target)

	for _, id := range p.ConversationIDs {
		src, err := s.store.GetConversation(ctx, srcConvTbl, id)
		if err != nil {
			return counts, err
		}
		msgs, err := s.store.ListMessages(ctx, srcMsgTbl, id, 0, 0)
		if err != nil {
			return counts, err
		}

		newConv := *src
		newConv.ID = uuid.NewString()
		newConv.Branch = p.Target
		newConv.Metadata = cloneMetadata(src.Metadata)
		newConv.Metadata["cherry_picked_from"] = src.ID
		newConv.Metadata["cherry_picked_branch"] = p.Source
		newConv.CreatedAt = s.now()

		newMsgs := make([]*model.Message, len(msgs))
		for i, m := range msgs {
			dup := *m
			dup.ID = uuid.NewString()
			dup.ConversationID = newConv.ID
			dup.Branch = p.Target
			dup.Metadata = cloneMetadata(m.Metadata)
			dup.Metadata["cherry_picked_from"] = m.ID
			newMsgs[i] = &dup
		}

		if err := s.store.InsertMessages(ctx, dstMsgTbl, dstConvTbl, &newConv, newMsgs); err != nil {
			return counts, err
		}
		counts.Merged += 1 + len(newMsgs)
	}

	return counts, s.refreshAfterMerge(ctx, p.Target)
}

// mergeSquash collapses every active source fact into one synthesized
// fact on the target with the concatenated text and the max source
// confidence. Other entities are not copied.
func (s *Service) mergeSquash(ctx context.Context, p MergeParams) (storage.MergeCounts, error) {
	var counts storage.MergeCounts

	srcTbl := s.table(model.EntityFacts, p.Source)
	facts, err := s.store.ListFacts(ctx, srcTbl, storage.FactFilter{Status: model.FactActive})
	if err != nil {
		return counts, err
	}
	if len(facts) == 0 {
		return counts, errkind.Newf(errkind.KindPreconditionFailed, "branch %q has no active facts to squash", p.Source)
	}

	var texts []string
	var ids []string
	maxConfidence := 0.0
	categories := map[string]int{}
	for _, f := range facts {
		texts = append(texts, f.Text)
		ids = append(ids, f.ID)
		if f.Confidence > maxConfidence {
			maxConfidence = f.Confidence
		}
		categories[f.Category]++
	}

	category := "general"
	bestCount := 0
	for c, n := range categories {
		if n > bestCount || (n == bestCount && c < category) {
			category, bestCount = c, n
		}
	}

	now := s.now()
	text := strings.Join(texts, "\n")
	squashed := &model.Fact{
		ID:         uuid.NewString(),
		Text:       text,
		Category:   category,
		Confidence: maxConfidence,
		Status:     model.FactActive,
		SourceType: "squash",
		Branch:     p.Target,
		Embedding:  s.embedBestEffort(ctx, text),
		Metadata:   map[string]any{"squashed_from": ids, "squashed_branch": p.Source},
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	dstTbl := s.table(model.EntityFacts, p.Target)
	if err := s.store.InsertFact(ctx, dstTbl, squashed); err != nil {
		return counts, err
	}
	s.vindex.Upsert(ctx, p.Target, squashed.ID, squashed.Embedding)
	counts.Merged = 1
	return counts, nil
}

// refreshAfterMerge rebuilds the target's fulltext siblings after bulk
// row movement. Missing tables (curated branches) are skipped.
func (s *Service) refreshAfterMerge(ctx context.Context, target string) error {
	for _, t := range []struct{ entity, column string }{
		{model.EntityFacts, "text"},
		{model.EntityObservations, "summary"},
	} {
		table := s.table(t.entity, target)
		ok, err := s.store.TableExists(ctx, table)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := s.store.RebuildFTS(ctx, table, t.column); err != nil {
			return err
		}
	}
	return nil
}

// MergeHistory lists merge audit rows for a branch (all when empty).
func (s *Service) MergeHistory(ctx context.Context, branch string, limit int) ([]*model.MergeRecord, error) {
	return s.store.ListMergeRecords(ctx, branch, limit)
}

func cloneMetadata(m map[string]any) map[string]any {
	out := make(map[string]any, len(m)+2)
	for k, v := range m {
		out[k] = v
	}
	return out
}
