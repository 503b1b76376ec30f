package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/philippgille/chromem-go"
)

// VectorIndex is an optional in-process ANN index over fact embeddings,
// one collection per branch. The storage adapter remains the source of
// truth; the index only accelerates candidate selection, and the search
// engine falls back to a full cosine scan when the index is nil or a
// branch has no collection.
//
// Index maintenance is best-effort: failures are logged and never fail
// the write that triggered them.
type VectorIndex struct {
	db *chromem.DB
	mu sync.RWMutex

	collections map[string]*chromem.Collection
}

// NewVectorIndex creates an index, optionally persisted to disk.
func NewVectorIndex(persistPath string) (*VectorIndex, error) {
	var db *chromem.DB
	var err error
	if persistPath != "" {
		db, err = chromem.NewPersistentDB(persistPath, true)
		if err != nil {
			return nil, fmt.Errorf("open vector index: %w", err)
		}
	} else {
		db = chromem.NewDB()
	}
	return &VectorIndex{db: db, collections: make(map[string]*chromem.Collection)}, nil
}

func (v *VectorIndex) collection(branch string) (*chromem.Collection, error) {
	v.mu.RLock()
	col, ok := v.collections[branch]
	v.mu.RUnlock()
	if ok {
		return col, nil
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if col, ok := v.collections[branch]; ok {
		return col, nil
	}

	// Vectors arrive pre-computed; the embedding func must never run.
	identity := func(ctx context.Context, text string) ([]float32, error) {
		return nil, fmt.Errorf("vector index received text without a precomputed embedding")
	}
	col, err := v.db.GetOrCreateCollection("facts_"+branch, nil, identity)
	if err != nil {
		return nil, err
	}
	v.collections[branch] = col
	return col, nil
}

// Upsert records a fact embedding. Errors are logged, not returned:
// index maintenance never blocks a write.
func (v *VectorIndex) Upsert(ctx context.Context, branch, id string, vec []float32) {
	if v == nil || len(vec) == 0 {
		return
	}
	col, err := v.collection(branch)
	if err != nil {
		slog.Warn("vector index collection unavailable", "branch", branch, "error", err)
		return
	}
	err = col.AddDocument(ctx, chromem.Document{ID: id, Embedding: vec, Content: id})
	if err != nil {
		slog.Warn("vector index upsert failed", "branch", branch, "id", id, "error", err)
	}
}

// Match is one vector index hit.
type Match struct {
	ID    string
	Score float64
}

// Query returns the top-k nearest fact ids for a branch, or ok=false when
// the branch has no collection yet (caller falls back to a full scan).
func (v *VectorIndex) Query(ctx context.Context, branch string, vec []float32, k int) ([]Match, bool) {
	if v == nil || len(vec) == 0 {
		return nil, false
	}

	v.mu.RLock()
	col, ok := v.collections[branch]
	v.mu.RUnlock()
	if !ok {
		return nil, false
	}

	count := col.Count()
	if count == 0 {
		return nil, false
	}
	if k > count {
		k = count
	}

	results, err := col.QueryEmbedding(ctx, vec, k, nil, nil)
	if err != nil {
		slog.Warn("vector index query failed", "branch", branch, "error", err)
		return nil, false
	}

	matches := make([]Match, len(results))
	for i, r := range results {
		matches[i] = Match{ID: r.ID, Score: float64(r.Similarity)}
	}
	return matches, true
}

// DropBranch removes a branch's collection (branch archival).
func (v *VectorIndex) DropBranch(branch string) {
	if v == nil {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.db.DeleteCollection("facts_" + branch); err != nil {
		slog.Warn("vector index drop failed", "branch", branch, "error", err)
	}
	delete(v.collections, branch)
}
