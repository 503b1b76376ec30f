package embedders

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// MockEmbedder is a deterministic in-process embedder for tests and
// zero-config deployments. It hashes word tokens into a fixed number of
// buckets and L2-normalizes the result, so texts sharing vocabulary get
// high cosine similarity. It never fails.
type MockEmbedder struct {
	dimension int
}

// DefaultMockDimension is the dimension used when none is configured.
const DefaultMockDimension = 16

// NewMockEmbedder creates a mock embedder with the given dimension.
func NewMockEmbedder(dimension int) *MockEmbedder {
	if dimension <= 0 {
		dimension = DefaultMockDimension
	}
	return &MockEmbedder{dimension: dimension}
}

// Embed generates a deterministic embedding for the text.
func (e *MockEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, e.dimension)
	for _, tok := range mockTokens(text) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(tok))
		vec[int(h.Sum32())%e.dimension] += 1
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= scale
		}
	}
	return vec, nil
}

// EmbedBatch generates embeddings for multiple texts.
func (e *MockEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	vecs := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := e.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		vecs[i] = v
	}
	return vecs, nil
}

// GetDimension returns the embedding dimension.
func (e *MockEmbedder) GetDimension() int { return e.dimension }

// GetModelName returns the model name.
func (e *MockEmbedder) GetModelName() string { return "mock" }

// Close is a no-op.
func (e *MockEmbedder) Close() error { return nil }

func mockTokens(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
