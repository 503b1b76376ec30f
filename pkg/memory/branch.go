package memory

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/memfork/memfork/pkg/errkind"
	"github.com/memfork/memfork/pkg/model"
	"github.com/memfork/memfork/pkg/storage"
)

// Branch name grammar: task/<slug>[/<agent>], template/<name>,
// experiment/<desc>, or a plain identifier.
var (
	branchSegment   = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)
	branchPrefixes  = map[string]int{"task": 3, "template": 2, "experiment": 2}
	reservedPrefixA = "system"
	reservedPrefixB = "internal"
)

// ValidateBranchName enforces the naming convention.
func ValidateBranchName(name string) error {
	if name == "" {
		return errkind.Invalid("name", "branch name must not be empty")
	}
	if len(name) > 128 {
		return errkind.Invalid("name", "branch name too long")
	}
	if strings.HasPrefix(name, "/") || strings.HasSuffix(name, "/") {
		return errkind.Invalid("name", "branch name must not start or end with '/'")
	}
	if strings.Contains(name, "//") {
		return errkind.Invalid("name", "branch name must not contain empty segments")
	}

	segments := strings.Split(name, "/")
	for _, seg := range segments {
		if !branchSegment.MatchString(seg) {
			return errkind.Invalid("name", fmt.Sprintf("invalid branch segment %q", seg))
		}
	}

	first := segments[0]
	if first == reservedPrefixA || first == reservedPrefixB {
		return errkind.Invalid("name", fmt.Sprintf("branch prefix %q is reserved", first))
	}

	if len(segments) == 1 {
		return nil
	}
	maxSegs, ok := branchPrefixes[first]
	if !ok {
		return errkind.Invalid("name", fmt.Sprintf("unknown branch prefix %q", first))
	}
	if len(segments) > maxSegs {
		return errkind.Invalid("name", fmt.Sprintf("too many segments for %q branch", first))
	}
	return nil
}

// CreateBranchParams configures branch creation.
type CreateBranchParams struct {
	Name        string
	Parent      string // defaults to the root branch
	Description string
	Metadata    map[string]any

	// Entities restricts which branch-participating tables are forked.
	// Empty means all. Curated branches pass the subset they need and
	// start those tables empty instead of forked.
	Entities []string

	// Empty creates the selected entity tables empty instead of forking
	// the parent's rows (curated branches).
	Empty bool
}

// CreateBranch forks the parent's entity tables and publishes the
// registry entry last. On any fork failure the created tables are removed
// and no entry is written.
func (s *Service) CreateBranch(ctx context.Context, p CreateBranchParams) (*model.Branch, error) {
	if err := ValidateBranchName(p.Name); err != nil {
		return nil, err
	}
	if p.Parent == "" {
		p.Parent = s.root
	}
	if p.Name == p.Parent {
		return nil, errkind.Invalid("name", "branch cannot be its own parent")
	}
	if p.Name == s.root {
		return nil, errkind.Invalid("name", "root branch already exists")
	}

	if _, err := s.store.GetBranch(ctx, p.Name); err == nil {
		return nil, errkind.Newf(errkind.KindConflict, "branch %q already exists", p.Name)
	}
	if _, err := s.store.GetBranch(ctx, p.Parent); err != nil {
		return nil, err
	}

	entities := p.Entities
	if len(entities) == 0 {
		entities = model.BranchEntities
	}
	for _, e := range entities {
		if !validEntity(e) {
			return nil, errkind.Invalid("entities", fmt.Sprintf("unknown entity %q", e))
		}
	}

	var created []string
	cleanup := func() {
		for _, tbl := range created {
			if err := s.store.DropTable(ctx, tbl); err != nil {
				slog.Error("failed to clean up branch table", "table", tbl, "error", err)
			}
		}
	}

	for _, entity := range entities {
		src := s.table(entity, p.Parent)
		dst := s.table(entity, p.Name)
		var err error
		if p.Empty {
			err = s.store.CreateEntityTable(ctx, entity, dst)
		} else {
			err = s.store.ForkTable(ctx, src, dst, p.Name)
		}
		if err != nil {
			cleanup()
			return nil, err
		}
		created = append(created, dst)

		switch entity {
		case model.EntityFacts:
			if err := s.store.RebuildFTS(ctx, dst, "text"); err != nil {
				cleanup()
				return nil, err
			}
		case model.EntityObservations:
			if err := s.store.RebuildFTS(ctx, dst, "summary"); err != nil {
				cleanup()
				return nil, err
			}
		}
	}

	branch := &model.Branch{
		Name:        p.Name,
		Parent:      p.Parent,
		Status:      model.BranchActive,
		Description: p.Description,
		Metadata:    p.Metadata,
		CreatedAt:   s.now(),
	}
	if err := s.store.InsertBranch(ctx, branch); err != nil {
		cleanup()
		return nil, err
	}
	return branch, nil
}

// ListBranches returns registry entries, optionally filtered by status.
func (s *Service) ListBranches(ctx context.Context, statuses []string) ([]*model.Branch, error) {
	return s.store.ListBranches(ctx, statuses)
}

// GetBranch fetches one registry entry.
func (s *Service) GetBranch(ctx context.Context, name string) (*model.Branch, error) {
	return s.store.GetBranch(ctx, name)
}

// ArchiveBranch marks a branch archived and drops its entity tables.
// Merge history survives archival. Idempotent.
func (s *Service) ArchiveBranch(ctx context.Context, name string) error {
	if name == s.root {
		return errkind.Invalid("name", "cannot archive the root branch")
	}
	branch, err := s.store.GetBranch(ctx, name)
	if err != nil {
		return err
	}
	if branch.Status == model.BranchArchived {
		return nil
	}

	if err := s.store.SetBranchStatus(ctx, name, model.BranchArchived); err != nil {
		return err
	}
	for _, entity := range model.BranchEntities {
		if err := s.store.DropTable(ctx, s.table(entity, name)); err != nil {
			return err
		}
	}
	s.vindex.DropBranch(name)
	return nil
}

// BranchDiff is a per-entity row-level diff between two branches.
type BranchDiff struct {
	Source  string                       `json:"source"`
	Target  string                       `json:"target"`
	Entries map[string][]storage.RowDiff `json:"entries"`
}

// DiffBranches computes row-level changes across all branch-participating
// entities. Entities whose table is missing on either side (curated
// branches) are skipped.
func (s *Service) DiffBranches(ctx context.Context, source, target string) (*BranchDiff, error) {
	if _, err := s.store.GetBranch(ctx, source); err != nil {
		return nil, err
	}
	if _, err := s.store.GetBranch(ctx, target); err != nil {
		return nil, err
	}

	diff := &BranchDiff{Source: source, Target: target, Entries: make(map[string][]storage.RowDiff)}
	for _, entity := range model.BranchEntities {
		srcTbl := s.table(entity, source)
		dstTbl := s.table(entity, target)
		ok, err := s.bothTablesExist(ctx, srcTbl, dstTbl)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		rows, err := s.store.DiffTable(ctx, entity, srcTbl, dstTbl)
		if err != nil {
			return nil, err
		}
		diff.Entries[entity] = rows
	}
	return diff, nil
}

// DiffBranchCounts is the count-only variant of DiffBranches.
func (s *Service) DiffBranchCounts(ctx context.Context, source, target string) (map[string]storage.DiffCounts, error) {
	diff, err := s.DiffBranches(ctx, source, target)
	if err != nil {
		return nil, err
	}
	counts := make(map[string]storage.DiffCounts, len(diff.Entries))
	for entity, rows := range diff.Entries {
		var c storage.DiffCounts
		for _, r := range rows {
			switch r.Op {
			case storage.DiffInsert:
				c.Inserts++
			case storage.DiffUpdate:
				c.Updates++
			case storage.DiffDelete:
				c.Deletes++
			}
		}
		counts[entity] = c
	}
	return counts, nil
}

func (s *Service) bothTablesExist(ctx context.Context, a, b string) (bool, error) {
	for _, tbl := range []string{a, b} {
		ok, err := s.store.TableExists(ctx, tbl)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func validEntity(e string) bool {
	for _, known := range model.BranchEntities {
		if known == e {
			return true
		}
	}
	return false
}
