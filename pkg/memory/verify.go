package memory

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/memfork/memfork/pkg/errkind"
	"github.com/memfork/memfork/pkg/model"
	"github.com/memfork/memfork/pkg/storage"
)

// Verification dimensions and verdict thresholds.
var verificationDimensions = []string{"accuracy", "relevance", "specificity"}

const (
	verifiedThreshold    = 0.6
	invalidatedThreshold = 0.3

	// specificityTarget is roughly eight words of twenty characters.
	specificityTarget = 160.0
)

// VerifyResult reports one fact's verification.
type VerifyResult struct {
	FactID     string             `json:"fact_id"`
	Status     string             `json:"status"`
	Average    float64            `json:"average"`
	Dimensions map[string]float64 `json:"dimensions"`
	Scorer     string             `json:"scorer"`
}

// VerifyFact scores a fact on accuracy, relevance, and specificity. The
// LLM judge is preferred; when it is absent or fails, heuristic scoring
// applies. The verdict and scores land in the fact's metadata and the
// scores table.
func (s *Service) VerifyFact(ctx context.Context, branch, factID string) (*VerifyResult, error) {
	branch, err := s.resolveReadBranch(ctx, branch)
	if err != nil {
		return nil, err
	}
	table := s.table(model.EntityFacts, branch)

	fact, err := s.store.GetFact(ctx, table, factID)
	if err != nil {
		return nil, err
	}

	dims, scorer := s.scoreFact(ctx, fact)

	avg := 0.0
	for _, d := range verificationDimensions {
		avg += dims[d]
	}
	avg /= float64(len(verificationDimensions))

	status := model.VerificationUnverified
	switch {
	case avg >= verifiedThreshold:
		status = model.VerificationVerified
	case avg < invalidatedThreshold:
		status = model.VerificationInvalidated
	}

	now := s.now()
	meta := cloneMetadata(fact.Metadata)
	meta["verification_status"] = status
	meta["verified_at"] = now.Format("2006-01-02T15:04:05Z07:00")
	meta["verification_scores"] = dims
	if err := s.store.UpdateFactMetadata(ctx, table, factID, meta); err != nil {
		return nil, err
	}

	for _, d := range verificationDimensions {
		score := &model.Score{
			ID:          uuid.NewString(),
			TargetType:  "fact",
			TargetID:    factID,
			Dimension:   d,
			Value:       dims[d],
			Scorer:      scorer,
			Explanation: fmt.Sprintf("verification on branch %s", branch),
			CreatedAt:   now,
		}
		if err := s.store.InsertScore(ctx, score); err != nil {
			return nil, err
		}
	}

	return &VerifyResult{FactID: factID, Status: status, Average: avg, Dimensions: dims, Scorer: scorer}, nil
}

// scoreFact asks the judge for dimension scores, falling back to
// heuristics when the judge is absent or fails.
func (s *Service) scoreFact(ctx context.Context, fact *model.Fact) (map[string]float64, string) {
	if s.judge != nil {
		prompt := fmt.Sprintf(
			"Fact (category %s, confidence %.2f): %s", fact.Category, fact.Confidence, fact.Text)
		dims, err := s.judge.Score(ctx, prompt, verificationDimensions)
		if err == nil {
			return dims, model.ScorerLLMJudge
		}
		s.log.Warn("judge unavailable, using heuristic scoring", "fact", fact.ID, "error", err)
	}
	return heuristicScores(fact), model.ScorerHeuristic
}

// heuristicScores is the judge-free fallback.
func heuristicScores(fact *model.Fact) map[string]float64 {
	relevance := 0.5
	if fact.Category == "bug_fix" || fact.Category == "architecture" {
		relevance = 0.7
	}
	specificity := float64(len(fact.Text)) / specificityTarget
	if specificity > 1 {
		specificity = 1
	}
	return map[string]float64{
		"accuracy":    fact.Confidence,
		"relevance":   relevance,
		"specificity": specificity,
	}
}

// BatchVerify verifies every active fact on a branch.
func (s *Service) BatchVerify(ctx context.Context, branch string) ([]*VerifyResult, error) {
	branch, err := s.resolveReadBranch(ctx, branch)
	if err != nil {
		return nil, err
	}
	facts, err := s.store.ListFacts(ctx, s.table(model.EntityFacts, branch), storage.FactFilter{Status: model.FactActive})
	if err != nil {
		return nil, err
	}

	results := make([]*VerifyResult, 0, len(facts))
	for _, f := range facts {
		r, err := s.VerifyFact(ctx, branch, f.ID)
		if err != nil {
			return results, err
		}
		results = append(results, r)
	}
	return results, nil
}

// ManualVerify records a human verdict on a fact.
func (s *Service) ManualVerify(ctx context.Context, branch, factID, status string) error {
	switch status {
	case model.VerificationVerified, model.VerificationUnverified, model.VerificationInvalidated:
	default:
		return errkind.Invalid("status", fmt.Sprintf("unknown verification status %q", status))
	}

	branch, err := s.resolveReadBranch(ctx, branch)
	if err != nil {
		return err
	}
	table := s.table(model.EntityFacts, branch)
	fact, err := s.store.GetFact(ctx, table, factID)
	if err != nil {
		return err
	}

	now := s.now()
	meta := cloneMetadata(fact.Metadata)
	meta["verification_status"] = status
	meta["verified_at"] = now.Format("2006-01-02T15:04:05Z07:00")
	if err := s.store.UpdateFactMetadata(ctx, table, factID, meta); err != nil {
		return err
	}

	value := 0.0
	if status == model.VerificationVerified {
		value = 1.0
	}
	return s.store.InsertScore(ctx, &model.Score{
		ID:         uuid.NewString(),
		TargetType: "fact",
		TargetID:   factID,
		Dimension:  "manual",
		Value:      value,
		Scorer:     model.ScorerHuman,
		CreatedAt:  now,
	})
}

// GateCounts breaks down a branch's facts by verification status.
type GateCounts struct {
	Verified    int `json:"verified"`
	Unverified  int `json:"unverified"`
	Invalidated int `json:"invalidated"`
}

// CanMerge is the advisory merge gate: false when any fact is
// invalidated, or (with requireVerified) when any fact is unverified.
func (s *Service) CanMerge(ctx context.Context, sourceBranch string, requireVerified bool) (bool, GateCounts, error) {
	var counts GateCounts

	branch, err := s.resolveReadBranch(ctx, sourceBranch)
	if err != nil {
		return false, counts, err
	}
	facts, err := s.store.ListFacts(ctx, s.table(model.EntityFacts, branch), storage.FactFilter{Status: model.FactActive})
	if err != nil {
		return false, counts, err
	}

	for _, f := range facts {
		switch f.VerificationStatus() {
		case model.VerificationVerified:
			counts.Verified++
		case model.VerificationInvalidated:
			counts.Invalidated++
		default:
			counts.Unverified++
		}
	}

	if counts.Invalidated > 0 {
		return false, counts, nil
	}
	if requireVerified && counts.Unverified > 0 {
		return false, counts, nil
	}
	return true, counts, nil
}

// Scores lists the immutable score rows for a target.
func (s *Service) Scores(ctx context.Context, targetType, targetID string) ([]*model.Score, error) {
	return s.store.ListScores(ctx, targetType, targetID)
}
