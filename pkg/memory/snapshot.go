package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/memfork/memfork/pkg/errkind"
	"github.com/memfork/memfork/pkg/model"
	"github.com/memfork/memfork/pkg/storage"
)

// snapshotPayload is the serialized branch state: one dump per
// branch-participating entity.
type snapshotPayload struct {
	Branch   string                     `json:"branch"`
	Entities map[string]json.RawMessage `json:"entities"`
}

// CreateSnapshotParams configures a snapshot.
type CreateSnapshotParams struct {
	Branch string
	Label  string

	// NativePath additionally writes a database-level snapshot file at
	// the given path.
	NativePath string
}

// CreateSnapshot captures a branch's entity tables into an immutable
// registry row, optionally alongside a storage-native snapshot file.
func (s *Service) CreateSnapshot(ctx context.Context, p CreateSnapshotParams) (*model.Snapshot, error) {
	branch, err := s.resolveReadBranch(ctx, p.Branch)
	if err != nil {
		return nil, err
	}

	payload := snapshotPayload{Branch: branch, Entities: make(map[string]json.RawMessage)}
	for _, entity := range model.BranchEntities {
		table := s.table(entity, branch)
		ok, err := s.store.TableExists(ctx, table)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		dump, err := s.store.DumpTable(ctx, entity, table)
		if err != nil {
			return nil, err
		}
		payload.Entities[entity] = dump
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot payload: %w", err)
	}

	if p.NativePath != "" {
		if err := s.store.NativeSnapshot(ctx, p.NativePath); err != nil {
			return nil, err
		}
	}

	snap := &model.Snapshot{
		ID:         uuid.NewString(),
		Branch:     branch,
		Label:      p.Label,
		Payload:    string(raw),
		NativePath: p.NativePath,
		CreatedAt:  s.now(),
	}
	if err := s.store.InsertSnapshot(ctx, snap); err != nil {
		return nil, err
	}
	return snap, nil
}

// ListSnapshots returns snapshots for a branch, newest first.
func (s *Service) ListSnapshots(ctx context.Context, branch string, limit int) ([]*model.Snapshot, error) {
	return s.store.ListSnapshots(ctx, branch, limit)
}

// RestoreSnapshot rewrites the branch's entity tables to the snapshot
// state, atomically per entity, then resynchronizes the fulltext
// siblings.
func (s *Service) RestoreSnapshot(ctx context.Context, snapshotID string) error {
	snap, err := s.store.GetSnapshot(ctx, snapshotID)
	if err != nil {
		return err
	}
	branch, err := s.resolveReadBranch(ctx, snap.Branch)
	if err != nil {
		return err
	}

	var payload snapshotPayload
	if err := json.Unmarshal([]byte(snap.Payload), &payload); err != nil {
		return errkind.Wrap(errkind.KindFatal, "snapshot payload corrupt", err)
	}

	for _, entity := range model.BranchEntities {
		dump, ok := payload.Entities[entity]
		if !ok {
			continue
		}
		table := s.table(entity, branch)
		exists, err := s.store.TableExists(ctx, table)
		if err != nil {
			return err
		}
		if !exists {
			if err := s.store.CreateEntityTable(ctx, entity, table); err != nil {
				return err
			}
		}
		if err := s.store.RestoreTable(ctx, entity, table, dump); err != nil {
			return err
		}
	}

	return s.refreshAfterMerge(ctx, branch)
}

// TimeTravelParams configures a point-in-time read.
type TimeTravelParams struct {
	Branch string
	At     time.Time

	// Query runs a ranked search against the as-of view; empty lists the
	// facts that existed at the instant instead.
	Query string
	Limit int
}

// TimeTravelResult is the as-of view.
type TimeTravelResult struct {
	Branch  string         `json:"branch"`
	At      time.Time      `json:"at"`
	Facts   []*model.Fact  `json:"facts,omitempty"`
	Results []SearchResult `json:"results,omitempty"`
}

// TimeTravel evaluates a read as of a past instant. SQLite has no native
// AS OF, so the view is reconstructed: rows created by then, with facts
// superseded or archived afterwards counted as still active. An instant
// earlier than the earliest row yields an empty view, not an error.
func (s *Service) TimeTravel(ctx context.Context, p TimeTravelParams) (*TimeTravelResult, error) {
	if p.At.IsZero() {
		return nil, errkind.Invalid("at", "time travel requires an instant")
	}
	branch, err := s.resolveReadBranch(ctx, p.Branch)
	if err != nil {
		return nil, err
	}

	result := &TimeTravelResult{Branch: branch, At: p.At}

	if p.Query != "" {
		results, err := s.Search(ctx, SearchParams{
			Query: p.Query, Branch: branch, Limit: p.Limit, Mode: ModeVector, AsOf: p.At,
		})
		if err != nil {
			return nil, err
		}
		result.Results = results
		return result, nil
	}

	all, err := s.store.ListFacts(ctx, s.table(model.EntityFacts, branch), storage.FactFilter{
		CreatedBefore: p.At,
	})
	if err != nil {
		return nil, err
	}
	for _, f := range all {
		if factActiveAt(f, p.At) {
			result.Facts = append(result.Facts, f)
		}
	}
	return result, nil
}

// factActiveAt approximates a fact's status at an instant: a fact
// superseded or archived after t was still active at t.
func factActiveAt(f *model.Fact, t time.Time) bool {
	if f.Status == model.FactActive {
		return true
	}
	return f.UpdatedAt.After(t)
}
