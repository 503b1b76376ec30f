package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"reflect"

	"github.com/memfork/memfork/pkg/model"
	"github.com/memfork/memfork/pkg/storage"
)

// Semantic diff verdicts.
const (
	VerdictEquivalent = "equivalent"
	VerdictSimilar    = "similar"
	VerdictDivergent  = "divergent"
	VerdictMixed      = "mixed"
)

// reasoningDivergence flags the first assistant-message pair below this
// similarity.
const reasoningDivergence = 0.7

// SemanticDiff compares two conversations on three layers: the tool-call
// action trace, the assistant reasoning trace, and the raw outcome
// counters.
type SemanticDiff struct {
	ConversationA string `json:"conversation_a"`
	ConversationB string `json:"conversation_b"`

	ActionTrace ActionTraceDiff `json:"action_trace"`
	Reasoning   ReasoningDiff   `json:"reasoning"`
	Outcome     OutcomeDiff     `json:"outcome"`

	Verdict            string `json:"verdict"`
	SharedPrefixLength int    `json:"shared_prefix_length"`
}

// ActionTraceDiff compares tool-call sequences.
type ActionTraceDiff struct {
	// ToolSetOverlap is the Jaccard overlap of the tool name sets.
	ToolSetOverlap float64 `json:"tool_set_overlap"`

	// OrderSimilarity is the bigram Jaccard of the tool orderings; it is
	// the action-match input to the verdict.
	OrderSimilarity float64 `json:"order_similarity"`

	// ArgumentDiffs reports, per tool used by both sides, whether the
	// first invocations' arguments match.
	ArgumentDiffs []ArgumentDiff `json:"argument_diffs,omitempty"`

	ErrorsA int `json:"errors_a"`
	ErrorsB int `json:"errors_b"`
}

// ArgumentDiff is one shared tool's argument comparison.
type ArgumentDiff struct {
	Tool      string `json:"tool"`
	Identical bool   `json:"identical"`
}

// ReasoningDiff aligns assistant messages positionally and compares their
// embeddings.
type ReasoningDiff struct {
	PairSimilarities []float64 `json:"pair_similarities,omitempty"`
	Overall          float64   `json:"overall"`

	// DivergencePoint is the 1-based index of the first pair whose
	// similarity falls below the divergence threshold; 0 when none does.
	DivergencePoint int `json:"divergence_point"`
}

// OutcomeDiff is the raw counter comparison.
type OutcomeDiff struct {
	MessagesA int `json:"messages_a"`
	MessagesB int `json:"messages_b"`
	TokensA   int `json:"tokens_a"`
	TokensB   int `json:"tokens_b"`
	ErrorsA   int `json:"errors_a"`
	ErrorsB   int `json:"errors_b"`

	MessageDelta int `json:"message_delta"`
	TokenDelta   int `json:"token_delta"`
	ErrorDelta   int `json:"error_delta"`
}

// SemanticDiffConversations computes the three-layer diff. Deterministic
// given fixed embeddings and message text.
func (s *Service) SemanticDiffConversations(ctx context.Context, branch, convA, convB string) (*SemanticDiff, error) {
	branch, err := s.resolveReadBranch(ctx, branch)
	if err != nil {
		return nil, err
	}
	convTable := s.table(model.EntityConversations, branch)
	msgTable := s.table(model.EntityMessages, branch)

	if _, err := s.store.GetConversation(ctx, convTable, convA); err != nil {
		return nil, err
	}
	if _, err := s.store.GetConversation(ctx, convTable, convB); err != nil {
		return nil, err
	}

	msgsA, err := s.store.ListMessages(ctx, msgTable, convA, 0, 0)
	if err != nil {
		return nil, err
	}
	msgsB, err := s.store.ListMessages(ctx, msgTable, convB, 0, 0)
	if err != nil {
		return nil, err
	}

	diff := &SemanticDiff{
		ConversationA:      convA,
		ConversationB:      convB,
		ActionTrace:        diffActionTrace(msgsA, msgsB),
		Reasoning:          s.diffReasoning(ctx, msgsA, msgsB),
		Outcome:            diffOutcome(msgsA, msgsB),
		SharedPrefixLength: sharedPrefixLength(msgsA, msgsB),
	}

	action := diff.ActionTrace.OrderSimilarity
	reasoning := diff.Reasoning.Overall
	switch {
	case action > 0.8 && reasoning > 0.8:
		diff.Verdict = VerdictEquivalent
	case action < 0.3:
		diff.Verdict = VerdictDivergent
	case action > 0.5 && reasoning > 0.5:
		diff.Verdict = VerdictSimilar
	default:
		diff.Verdict = VerdictMixed
	}
	return diff, nil
}

// toolCallsOf flattens a message list into its tool-call sequence.
func toolCallsOf(msgs []*model.Message) []model.ToolCall {
	var calls []model.ToolCall
	for _, m := range msgs {
		calls = append(calls, m.ToolCalls...)
	}
	return calls
}

func diffActionTrace(msgsA, msgsB []*model.Message) ActionTraceDiff {
	callsA := toolCallsOf(msgsA)
	callsB := toolCallsOf(msgsB)

	namesA := make([]string, len(callsA))
	namesB := make([]string, len(callsB))
	errsA, errsB := 0, 0
	for i, c := range callsA {
		namesA[i] = c.Name
		if c.IsError {
			errsA++
		}
	}
	for i, c := range callsB {
		namesB[i] = c.Name
		if c.IsError {
			errsB++
		}
	}

	diff := ActionTraceDiff{
		ToolSetOverlap:  storage.TokenJaccard(namesA, namesB),
		OrderSimilarity: bigramJaccard(namesA, namesB),
		ErrorsA:         errsA,
		ErrorsB:         errsB,
	}

	// Compare the first invocation's arguments for each shared tool.
	firstA := map[string]model.ToolCall{}
	for _, c := range callsA {
		if _, ok := firstA[c.Name]; !ok {
			firstA[c.Name] = c
		}
	}
	seen := map[string]bool{}
	for _, c := range callsB {
		a, shared := firstA[c.Name]
		if !shared || seen[c.Name] {
			continue
		}
		seen[c.Name] = true
		diff.ArgumentDiffs = append(diff.ArgumentDiffs, ArgumentDiff{
			Tool:      c.Name,
			Identical: reflect.DeepEqual(a.Arguments, c.Arguments),
		})
	}
	return diff
}

// bigramJaccard compares orderings via their adjacent-pair sets. Two
// identical single-call traces compare via the unigram fallback.
func bigramJaccard(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	if len(a) < 2 || len(b) < 2 {
		return storage.TokenJaccard(a, b)
	}
	pairsA := make([]string, len(a)-1)
	for i := 0; i < len(a)-1; i++ {
		pairsA[i] = a[i] + "\x00" + a[i+1]
	}
	pairsB := make([]string, len(b)-1)
	for i := 0; i < len(b)-1; i++ {
		pairsB[i] = b[i] + "\x00" + b[i+1]
	}
	return storage.TokenJaccard(pairsA, pairsB)
}

// diffReasoning aligns assistant messages positionally and scores each
// pair by embedding cosine, falling back to token overlap when a side
// has no vector.
func (s *Service) diffReasoning(ctx context.Context, msgsA, msgsB []*model.Message) ReasoningDiff {
	var assistA, assistB []*model.Message
	for _, m := range msgsA {
		if m.Role == model.RoleAssistant {
			assistA = append(assistA, m)
		}
	}
	for _, m := range msgsB {
		if m.Role == model.RoleAssistant {
			assistB = append(assistB, m)
		}
	}

	n := len(assistA)
	if len(assistB) < n {
		n = len(assistB)
	}

	diff := ReasoningDiff{}
	if n == 0 {
		return diff
	}

	sum := 0.0
	for i := 0; i < n; i++ {
		sim := s.messageSimilarity(ctx, assistA[i], assistB[i])
		diff.PairSimilarities = append(diff.PairSimilarities, sim)
		sum += sim
		if diff.DivergencePoint == 0 && sim < reasoningDivergence {
			diff.DivergencePoint = i + 1
		}
	}
	diff.Overall = sum / float64(n)
	return diff
}

func (s *Service) messageSimilarity(ctx context.Context, a, b *model.Message) float64 {
	if a.Content == b.Content {
		return 1
	}
	vecA := a.Embedding
	if len(vecA) == 0 {
		vecA = s.embedBestEffort(ctx, a.Content)
	}
	vecB := b.Embedding
	if len(vecB) == 0 {
		vecB = s.embedBestEffort(ctx, b.Content)
	}
	if len(vecA) > 0 && len(vecB) > 0 {
		return storage.Cosine(vecA, vecB)
	}
	return storage.TokenJaccard(storage.Tokenize(a.Content), storage.Tokenize(b.Content))
}

func diffOutcome(msgsA, msgsB []*model.Message) OutcomeDiff {
	out := OutcomeDiff{MessagesA: len(msgsA), MessagesB: len(msgsB)}
	for _, m := range msgsA {
		out.TokensA += m.TokenCount
		for _, c := range m.ToolCalls {
			if c.IsError {
				out.ErrorsA++
			}
		}
	}
	for _, m := range msgsB {
		out.TokensB += m.TokenCount
		for _, c := range m.ToolCalls {
			if c.IsError {
				out.ErrorsB++
			}
		}
	}
	out.MessageDelta = out.MessagesB - out.MessagesA
	out.TokenDelta = out.TokensB - out.TokensA
	out.ErrorDelta = out.ErrorsB - out.ErrorsA
	return out
}

// sharedPrefixLength is the largest k such that messages 1..k match on
// (role, content hash).
func sharedPrefixLength(msgsA, msgsB []*model.Message) int {
	n := len(msgsA)
	if len(msgsB) < n {
		n = len(msgsB)
	}
	k := 0
	for i := 0; i < n; i++ {
		if msgsA[i].Role != msgsB[i].Role || contentHash(msgsA[i].Content) != contentHash(msgsB[i].Content) {
			break
		}
		k++
	}
	return k
}

func contentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}
