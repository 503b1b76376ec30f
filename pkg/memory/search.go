package memory

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/memfork/memfork/pkg/errkind"
	"github.com/memfork/memfork/pkg/model"
	"github.com/memfork/memfork/pkg/storage"
)

// Search modes.
const (
	ModeHybrid  = "hybrid"
	ModeKeyword = "keyword"
	ModeVector  = "vector"
)

// Score fusion weights.
const (
	keywordWeight = 0.3
	vectorWeight  = 0.7
)

// SearchParams configures a fact search.
type SearchParams struct {
	Query    string
	Branch   string
	Category string
	Limit    int
	Mode     string

	// TimeWindow restricts candidates to rows younger than the window.
	TimeWindow time.Duration

	// AsOf evaluates the search against rows that existed at the given
	// instant (time-travel reads).
	AsOf time.Time
}

// SearchResult is one ranked hit.
type SearchResult struct {
	Fact          *model.Fact `json:"fact"`
	Score         float64     `json:"score"`
	KeywordScore  float64     `json:"keyword_score"`
	VectorScore   float64     `json:"vector_score"`
	TemporalBonus float64     `json:"temporal_bonus"`
}

// Search ranks a branch's active facts against the query:
//
//	score = 0.3*keyword + 0.7*vector + exp(-age/lambda)*omega
//
// Keyword and vector modes zero the other component's weight. Vector
// scores come from the optional in-process index when it covers the
// branch, otherwise from a storage cosine scan. A failed query embedding
// leaves every vector score at zero rather than failing the search, so
// only keyword scores rank (keyword mode, or hybrid mode with fulltext).
func (s *Service) Search(ctx context.Context, p SearchParams) ([]SearchResult, error) {
	if p.Query == "" {
		return nil, errkind.Invalid("query", "search query must not be empty")
	}
	mode := p.Mode
	if mode == "" {
		mode = ModeHybrid
	}
	switch mode {
	case ModeHybrid, ModeKeyword, ModeVector:
	default:
		return nil, errkind.Invalid("mode", "mode must be hybrid, keyword, or vector")
	}
	if p.Limit <= 0 {
		p.Limit = DefaultSearchLimit
	}

	branch, err := s.resolveReadBranch(ctx, p.Branch)
	if err != nil {
		return nil, err
	}
	table := s.table(model.EntityFacts, branch)

	candidates, err := s.store.ListFacts(ctx, table, storage.FactFilter{
		Category:      p.Category,
		Status:        model.FactActive,
		CreatedBefore: p.AsOf,
	})
	if err != nil {
		return nil, err
	}

	now := s.now()
	if !p.AsOf.IsZero() {
		now = p.AsOf
	}
	if p.TimeWindow > 0 {
		cutoff := now.Add(-p.TimeWindow)
		filtered := candidates[:0]
		for _, f := range candidates {
			if !f.CreatedAt.Before(cutoff) {
				filtered = append(filtered, f)
			}
		}
		candidates = filtered
	}
	if len(candidates) == 0 {
		return []SearchResult{}, nil
	}

	// In hybrid mode the keyword component only participates while real
	// fulltext ranking is available; the LIKE fallback serves keyword
	// mode alone, so a degraded hybrid search orders like a vector one.
	keyword := map[string]float64{}
	if mode == ModeKeyword || (mode == ModeHybrid && s.store.FulltextAvailable()) {
		scores, err := s.store.FulltextMatch(ctx, table, "text", p.Query)
		if err != nil {
			return nil, err
		}
		for _, ks := range scores {
			if ks.Score > keyword[ks.ID] {
				keyword[ks.ID] = ks.Score
			}
		}
	}

	vector := map[string]float64{}
	if mode != ModeKeyword {
		queryVec := s.embedBestEffort(ctx, p.Query)
		if len(queryVec) > 0 {
			if matches, ok := s.vindex.Query(ctx, branch, queryVec, 4*p.Limit); ok {
				for _, m := range matches {
					vector[m.ID] = m.Score
				}
			} else {
				for _, f := range candidates {
					vector[f.ID] = storage.Cosine(queryVec, f.Embedding)
				}
			}
		}
	}

	results := make([]SearchResult, 0, len(candidates))
	seen := make(map[string]bool, len(candidates))
	for _, f := range candidates {
		if seen[f.ID] {
			continue
		}
		seen[f.ID] = true

		kw := keyword[f.ID]
		vec := vector[f.ID]
		bonus := s.temporalBonus(now, f.CreatedAt)

		var score float64
		switch mode {
		case ModeKeyword:
			score = keywordWeight*kw + bonus
		case ModeVector:
			score = vectorWeight*vec + bonus
		default:
			score = keywordWeight*kw + vectorWeight*vec + bonus
		}

		if kw == 0 && vec == 0 {
			continue
		}
		results = append(results, SearchResult{
			Fact: f, Score: score, KeywordScore: kw, VectorScore: vec, TemporalBonus: bonus,
		})
	}

	sortResults(results)
	if len(results) > p.Limit {
		results = results[:p.Limit]
	}
	return results, nil
}

// temporalBonus computes exp(-age/lambda) * omega.
func (s *Service) temporalBonus(now, createdAt time.Time) float64 {
	age := now.Sub(createdAt).Seconds()
	if age < 0 {
		age = 0
	}
	return math.Exp(-age/s.decayLambda.Seconds()) * s.decayWeight
}

// sortResults orders by score desc, created_at desc, id asc.
func sortResults(results []SearchResult) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		if !results[i].Fact.CreatedAt.Equal(results[j].Fact.CreatedAt) {
			return results[i].Fact.CreatedAt.After(results[j].Fact.CreatedAt)
		}
		return results[i].Fact.ID < results[j].Fact.ID
	})
}

// SearchCrossBranch fans the query out over the given branches and
// returns the merged top-K. Branch weights are uniform. Archived or
// missing branches are skipped rather than failing the fan-out.
func (s *Service) SearchCrossBranch(ctx context.Context, query string, branches []string, limit int) ([]SearchResult, error) {
	if query == "" {
		return nil, errkind.Invalid("query", "search query must not be empty")
	}
	if len(branches) == 0 {
		branches = []string{s.root}
	}
	if limit <= 0 {
		limit = DefaultSearchLimit
	}

	var mu sync.Mutex
	var merged []SearchResult

	g, gctx := errgroup.WithContext(ctx)
	for _, branch := range branches {
		g.Go(func() error {
			results, err := s.Search(gctx, SearchParams{Query: query, Branch: branch, Limit: limit})
			if err != nil {
				if errkind.IsNotFound(err) {
					return nil
				}
				return err
			}
			mu.Lock()
			merged = append(merged, results...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Dedup by fact id across branches, keeping the best-scoring hit.
	best := make(map[string]SearchResult, len(merged))
	for _, r := range merged {
		if prev, ok := best[r.Fact.ID]; !ok || r.Score > prev.Score {
			best[r.Fact.ID] = r
		}
	}
	merged = merged[:0]
	for _, r := range best {
		merged = append(merged, r)
	}

	sortResults(merged)
	if len(merged) > limit {
		merged = merged[:limit]
	}
	return merged, nil
}

// ObservationSearchResult is one ranked observation hit.
type ObservationSearchResult struct {
	Observation   *model.Observation `json:"observation"`
	Score         float64            `json:"score"`
	KeywordScore  float64            `json:"keyword_score"`
	VectorScore   float64            `json:"vector_score"`
	TemporalBonus float64            `json:"temporal_bonus"`
}

// SearchObservations applies the fact ranking algorithm to observations,
// with summary as the text field.
func (s *Service) SearchObservations(ctx context.Context, query, branch string, limit int) ([]ObservationSearchResult, error) {
	if query == "" {
		return nil, errkind.Invalid("query", "search query must not be empty")
	}
	if limit <= 0 {
		limit = DefaultSearchLimit
	}

	branch, err := s.resolveReadBranch(ctx, branch)
	if err != nil {
		return nil, err
	}
	table := s.table(model.EntityObservations, branch)

	candidates, err := s.store.ListObservations(ctx, table, storage.ObservationFilter{})
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return []ObservationSearchResult{}, nil
	}

	keyword := map[string]float64{}
	kwScores, err := s.store.FulltextMatch(ctx, table, "summary", query)
	if err != nil {
		return nil, err
	}
	for _, ks := range kwScores {
		if ks.Score > keyword[ks.ID] {
			keyword[ks.ID] = ks.Score
		}
	}

	queryVec := s.embedBestEffort(ctx, query)

	now := s.now()
	results := make([]ObservationSearchResult, 0, len(candidates))
	seen := make(map[string]bool, len(candidates))
	for _, o := range candidates {
		if seen[o.ID] {
			continue
		}
		seen[o.ID] = true

		kw := keyword[o.ID]
		vec := 0.0
		if len(queryVec) > 0 {
			vec = storage.Cosine(queryVec, o.Embedding)
		}
		if kw == 0 && vec == 0 {
			continue
		}
		bonus := s.temporalBonus(now, o.CreatedAt)
		results = append(results, ObservationSearchResult{
			Observation: o, Score: keywordWeight*kw + vectorWeight*vec + bonus,
			KeywordScore: kw, VectorScore: vec, TemporalBonus: bonus,
		})
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		if !results[i].Observation.CreatedAt.Equal(results[j].Observation.CreatedAt) {
			return results[i].Observation.CreatedAt.After(results[j].Observation.CreatedAt)
		}
		return results[i].Observation.ID < results[j].Observation.ID
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}
