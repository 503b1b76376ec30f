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

// Consolidation levels.
const (
	LevelSession = "session"
	LevelAgent   = "agent"
	LevelTask    = "task"
)

// Initial confidence for facts distilled from observations.
const consolidationConfidence = 0.7

// Confidence boost per duplicate collision, clamped to 1.0 and applied at
// most once per fact per run.
const dedupBoost = 0.1

// ConsolidateParams configures a consolidation run.
type ConsolidateParams struct {
	Level     string
	Branch    string
	SessionID string // session level
	AgentID   string // agent level
	TaskID    string // task level
}

// ConsolidateResult reports one run.
type ConsolidateResult struct {
	Record  *model.ConsolidationRecord `json:"record"`
	FactIDs []string                   `json:"fact_ids,omitempty"`
}

// Consolidate runs one level of the distillation pipeline. Runs are
// re-entrant: dedup is idempotent, so repeating a run converges.
func (s *Service) Consolidate(ctx context.Context, p ConsolidateParams) (*ConsolidateResult, error) {
	branch, err := s.resolveReadBranch(ctx, p.Branch)
	if err != nil {
		return nil, err
	}
	p.Branch = branch

	switch p.Level {
	case LevelSession:
		if p.SessionID == "" {
			return nil, errkind.Invalid("session_id", "session consolidation requires a session id")
		}
		return s.consolidateSession(ctx, p)
	case LevelAgent:
		return s.consolidateAgent(ctx, p)
	case LevelTask:
		return s.consolidateTask(ctx, p)
	default:
		return nil, errkind.Invalid("level", fmt.Sprintf("unknown consolidation level %q", p.Level))
	}
}

// consolidateSession distills one session's knowledge-bearing
// observations into facts, deduplicating by token overlap. A collision
// with a pre-existing fact boosts its confidence once per run.
func (s *Service) consolidateSession(ctx context.Context, p ConsolidateParams) (*ConsolidateResult, error) {
	obsTable := s.table(model.EntityObservations, p.Branch)
	factTable := s.table(model.EntityFacts, p.Branch)

	observations, err := s.store.ListObservations(ctx, obsTable, storage.ObservationFilter{
		SessionID: p.SessionID,
		Types:     []string{model.ObsInsight, model.ObsDecision, model.ObsDiscovery, model.ObsError},
	})
	if err != nil {
		return nil, err
	}

	existing, err := s.store.ListFacts(ctx, factTable, storage.FactFilter{Status: model.FactActive})
	if err != nil {
		return nil, err
	}

	type knownFact struct {
		fact      *model.Fact
		tokens    []string
		createdBy bool // created during this run
	}
	known := make([]*knownFact, 0, len(existing))
	for _, f := range existing {
		known = append(known, &knownFact{fact: f, tokens: storage.Tokenize(f.Text)})
	}

	var createdIDs []string
	boosted := map[string]bool{}
	created, updated, deduplicated := 0, 0, 0

	for _, obs := range observations {
		tokens := storage.Tokenize(obs.Summary)

		var match *knownFact
		for _, k := range known {
			if storage.TokenJaccard(tokens, k.tokens) >= SimilarityThreshold {
				match = k
				break
			}
		}

		if match != nil {
			deduplicated++
			// Facts created in this run and already-boosted facts absorb
			// the duplicate without a further boost.
			if !match.createdBy && !boosted[match.fact.ID] {
				next := model.ClampConfidence(match.fact.Confidence + dedupBoost)
				if err := s.store.UpdateFactConfidence(ctx, factTable, match.fact.ID, next); err != nil {
					return nil, err
				}
				match.fact.Confidence = next
				boosted[match.fact.ID] = true
				updated++
			}
			continue
		}

		fact, err := s.factFromObservation(ctx, factTable, p.Branch, obs)
		if err != nil {
			return nil, err
		}
		created++
		createdIDs = append(createdIDs, fact.ID)
		known = append(known, &knownFact{fact: fact, tokens: storage.Tokenize(fact.Text), createdBy: true})
	}

	record := &model.ConsolidationRecord{
		ID:                    uuid.NewString(),
		Level:                 LevelSession,
		SourceBranch:          p.Branch,
		TargetBranch:          p.Branch,
		CreatedCount:          created,
		UpdatedCount:          updated,
		DeduplicatedCount:     deduplicated,
		ObservationsProcessed: len(observations),
		Summary:               fmt.Sprintf("session %s: %d observations, %d facts created, %d boosted", p.SessionID, len(observations), created, updated),
		CreatedAt:             s.now(),
	}
	if err := s.store.InsertConsolidationRecord(ctx, record); err != nil {
		return nil, err
	}
	return &ConsolidateResult{Record: record, FactIDs: createdIDs}, nil
}

// factFromObservation creates the fact distilled from one observation.
func (s *Service) factFromObservation(ctx context.Context, factTable, branch string, obs *model.Observation) (*model.Fact, error) {
	now := s.now()
	fact := &model.Fact{
		ID:         uuid.NewString(),
		Text:       obs.Summary,
		Category:   InferCategory(obs.Summary, obs.Type),
		Confidence: consolidationConfidence,
		Status:     model.FactActive,
		SourceType: "observation",
		SourceID:   obs.ID,
		SessionID:  obs.SessionID,
		TaskID:     obs.TaskID,
		AgentID:    obs.AgentID,
		Branch:     branch,
		Embedding:  obs.Embedding,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if len(fact.Embedding) == 0 {
		fact.Embedding = s.embedBestEffort(ctx, fact.Text)
	}
	if err := s.store.InsertFact(ctx, factTable, fact); err != nil {
		return nil, err
	}
	s.vindex.Upsert(ctx, branch, fact.ID, fact.Embedding)
	return fact, nil
}

// consolidateAgent groups an agent branch's facts by similarity
// (union-find), keeps the highest-confidence representative of each
// group, archives the rest, and emits an agent summary fact.
func (s *Service) consolidateAgent(ctx context.Context, p ConsolidateParams) (*ConsolidateResult, error) {
	factTable := s.table(model.EntityFacts, p.Branch)

	facts, err := s.store.ListFacts(ctx, factTable, storage.FactFilter{
		Status:  model.FactActive,
		AgentID: p.AgentID,
	})
	if err != nil {
		return nil, err
	}

	if len(facts) == 0 {
		record := &model.ConsolidationRecord{
			ID:           uuid.NewString(),
			Level:        LevelAgent,
			SourceBranch: p.Branch,
			TargetBranch: p.Branch,
			Summary:      fmt.Sprintf("agent %s: no facts to consolidate", p.AgentID),
			CreatedAt:    s.now(),
		}
		if err := s.store.InsertConsolidationRecord(ctx, record); err != nil {
			return nil, err
		}
		return &ConsolidateResult{Record: record}, nil
	}

	tokens := make([][]string, len(facts))
	for i, f := range facts {
		tokens[i] = storage.Tokenize(f.Text)
	}

	uf := newUnionFind(len(facts))
	for i := 0; i < len(facts); i++ {
		for j := i + 1; j < len(facts); j++ {
			if storage.TokenJaccard(tokens[i], tokens[j]) >= SimilarityThreshold {
				uf.union(i, j)
			}
		}
	}

	groups := map[int][]int{}
	for i := range facts {
		root := uf.find(i)
		groups[root] = append(groups[root], i)
	}

	deduplicated := 0
	for _, members := range groups {
		if len(members) < 2 {
			continue
		}
		best := members[0]
		for _, m := range members[1:] {
			if facts[m].Confidence > facts[best].Confidence {
				best = m
			}
		}
		for _, m := range members {
			if m == best {
				continue
			}
			if err := s.store.SetFactStatus(ctx, factTable, facts[m].ID, model.FactArchived); err != nil {
				return nil, err
			}
			deduplicated++
		}
	}

	summaryText := fmt.Sprintf("Agent %s consolidated %d facts into %d groups", p.AgentID, len(facts), len(groups))
	now := s.now()
	summary := &model.Fact{
		ID:         uuid.NewString(),
		Text:       summaryText,
		Category:   "general",
		Confidence: consolidationConfidence,
		Status:     model.FactActive,
		SourceType: "consolidation",
		AgentID:    p.AgentID,
		Branch:     p.Branch,
		Embedding:  s.embedBestEffort(ctx, summaryText),
		Metadata:   map[string]any{"consolidation_level": LevelAgent},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.InsertFact(ctx, factTable, summary); err != nil {
		return nil, err
	}
	s.vindex.Upsert(ctx, p.Branch, summary.ID, summary.Embedding)

	record := &model.ConsolidationRecord{
		ID:                uuid.NewString(),
		Level:             LevelAgent,
		SourceBranch:      p.Branch,
		TargetBranch:      p.Branch,
		CreatedCount:      1,
		DeduplicatedCount: deduplicated,
		Summary:           summaryText,
		CreatedAt:         s.now(),
	}
	if err := s.store.InsertConsolidationRecord(ctx, record); err != nil {
		return nil, err
	}
	return &ConsolidateResult{Record: record, FactIDs: []string{summary.ID}}, nil
}

// consolidateTask classifies a task branch's facts for promotion: durable
// facts (confidence >= 0.8 in a promotion category) become merge
// candidates; everything else is marked ephemeral.
func (s *Service) consolidateTask(ctx context.Context, p ConsolidateParams) (*ConsolidateResult, error) {
	factTable := s.table(model.EntityFacts, p.Branch)

	filter := storage.FactFilter{Status: model.FactActive}
	if p.TaskID != "" {
		filter.TaskID = p.TaskID
	}
	facts, err := s.store.ListFacts(ctx, factTable, filter)
	if err != nil {
		return nil, err
	}
	if len(facts) == 0 {
		return nil, errkind.Newf(errkind.KindPreconditionFailed,
			"task consolidation on %q found no facts; consolidate sessions first", p.Branch)
	}

	durable, ephemeral := 0, 0
	var durableIDs []string
	for _, f := range facts {
		promotion := "ephemeral"
		if f.Confidence >= model.DurableConfidence && model.DurableCategories[f.Category] {
			promotion = "durable"
			durable++
			durableIDs = append(durableIDs, f.ID)
		} else {
			ephemeral++
		}
		meta := cloneMetadata(f.Metadata)
		meta["promotion"] = promotion
		if err := s.store.UpdateFactMetadata(ctx, factTable, f.ID, meta); err != nil {
			return nil, err
		}
	}

	record := &model.ConsolidationRecord{
		ID:           uuid.NewString(),
		Level:        LevelTask,
		SourceBranch: p.Branch,
		TargetBranch: p.Branch,
		UpdatedCount: len(facts),
		Summary:      fmt.Sprintf("task consolidation: %d durable, %d ephemeral", durable, ephemeral),
		CreatedAt:    s.now(),
	}
	if err := s.store.InsertConsolidationRecord(ctx, record); err != nil {
		return nil, err
	}
	return &ConsolidateResult{Record: record, FactIDs: durableIDs}, nil
}

// ConsolidationHistory lists consolidation audit rows for a branch.
func (s *Service) ConsolidationHistory(ctx context.Context, branch string, limit int) ([]*model.ConsolidationRecord, error) {
	return s.store.ListConsolidationRecords(ctx, branch, limit)
}

// InferCategory classifies an observation summary by keyword rules,
// defaulting by observation type.
func InferCategory(summary, obsType string) string {
	lower := strings.ToLower(summary)

	contains := func(words ...string) bool {
		for _, w := range words {
			if strings.Contains(lower, w) {
				return true
			}
		}
		return false
	}

	switch {
	case contains("bug", "error", "fix"):
		return "bug_fix"
	case contains("architect", "design", "structure"):
		return "architecture"
	case contains("security", "auth", "vulnerability"):
		return "security"
	case contains("slow", "latency", "performance", "optimiz"):
		return "performance"
	}

	switch obsType {
	case model.ObsDecision:
		return "decision"
	case model.ObsInsight:
		return "pattern"
	case model.ObsError:
		return "bug_fix"
	case model.ObsDiscovery:
		return "discovery"
	default:
		return "general"
	}
}

// unionFind is a plain disjoint-set over fact indices.
type unionFind struct {
	parent []int
}

func newUnionFind(n int) *unionFind {
	parent := make([]int, n)
	for i := range parent {
		parent[i] = i
	}
	return &unionFind{parent: parent}
}

func (u *unionFind) find(x int) int {
	for u.parent[x] != x {
		u.parent[x] = u.parent[u.parent[x]]
		x = u.parent[x]
	}
	return x
}

func (u *unionFind) union(a, b int) {
	ra, rb := u.find(a), u.find(b)
	if ra != rb {
		u.parent[rb] = ra
	}
}
