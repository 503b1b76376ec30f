// Package memory implements the memfork core: branch and merge engines,
// hybrid search with temporal decay, the consolidation pipeline,
// verification and the merge gate, snapshots and time-travel, the
// conversation engines, and the task engine.
//
// All engines hang off Service. Transports (HTTP, MCP) call Service
// directly. Engines share no mutable in-memory state beyond the storage
// adapter and the optional vector index; every operation is scoped to its
// context.
package memory

import (
	"context"
	"log/slog"
	"time"

	"github.com/memfork/memfork/pkg/embedders"
	"github.com/memfork/memfork/pkg/judge"
	"github.com/memfork/memfork/pkg/model"
	"github.com/memfork/memfork/pkg/storage"
)

// Default search tuning per the ranking formula.
const (
	// DefaultDecayLambda is the temporal decay constant.
	DefaultDecayLambda = 7 * 24 * time.Hour
	// DefaultDecayWeight scales the temporal bonus.
	DefaultDecayWeight = 0.1
	// DefaultSearchLimit caps search results when the caller passes 0.
	DefaultSearchLimit = 10
	// SimilarityThreshold is shared by dedup and embedding conflict
	// detection.
	SimilarityThreshold = 0.85
)

// Options tunes a Service.
type Options struct {
	// RootBranch is the canonical branch name (default "main").
	RootBranch string

	// DecayLambda and DecayWeight tune the temporal bonus.
	DecayLambda time.Duration
	DecayWeight float64

	// VectorIndex is the optional in-process ANN index. Nil disables it;
	// search falls back to the storage cosine scan.
	VectorIndex *VectorIndex

	// Clock overrides time.Now for tests.
	Clock func() time.Time
}

// Service is the façade over every memfork engine.
type Service struct {
	store    *storage.Store
	embedder embedders.EmbedderProvider
	judge    judge.Judge

	vindex *VectorIndex

	root        string
	decayLambda time.Duration
	decayWeight float64

	now func() time.Time

	log *slog.Logger
}

// NewService builds a Service. The judge may be nil (heuristic fallback);
// the embedder must not be (use the mock provider for embedding-free
// deployments).
func NewService(store *storage.Store, embedder embedders.EmbedderProvider, j judge.Judge, opts Options) *Service {
	if opts.RootBranch == "" {
		opts.RootBranch = "main"
	}
	if opts.DecayLambda <= 0 {
		opts.DecayLambda = DefaultDecayLambda
	}
	if opts.DecayWeight == 0 {
		opts.DecayWeight = DefaultDecayWeight
	}
	if opts.Clock == nil {
		opts.Clock = storage.Now
	}

	return &Service{
		store:       store,
		embedder:    embedder,
		judge:       j,
		vindex:      opts.VectorIndex,
		root:        opts.RootBranch,
		decayLambda: opts.DecayLambda,
		decayWeight: opts.DecayWeight,
		now:         opts.Clock,
		log:         slog.Default(),
	}
}

// Init prepares the storage schema and guarantees the root branch's
// registry entry exists.
func (s *Service) Init(ctx context.Context) error {
	if err := s.store.Init(ctx, s.root); err != nil {
		return err
	}

	if _, err := s.store.GetBranch(ctx, s.root); err != nil {
		root := &model.Branch{
			Name:      s.root,
			Status:    model.BranchActive,
			CreatedAt: s.now(),
		}
		if err := s.store.InsertBranch(ctx, root); err != nil {
			return err
		}
	}
	return nil
}

// Root returns the canonical branch name.
func (s *Service) Root() string { return s.root }

// Store exposes the storage adapter to transports that need raw reads
// (health checks, analytics).
func (s *Service) Store() *storage.Store { return s.store }

// table resolves the physical table for an entity on a branch.
func (s *Service) table(entity, branch string) string {
	return s.store.TableName(entity, branch, s.root)
}
