// Package embedders provides embedding provider implementations.
//
// All providers implement EmbedderProvider. Embedding calls are best-effort
// at the call sites: a failed embed never blocks a write, the row is stored
// with a null embedding and backfilled later.
package embedders

import (
	"context"
	"fmt"
)

// EmbedderProvider is the interface for embedding generation.
type EmbedderProvider interface {
	// Embed generates an embedding for the given text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts in one call.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// GetDimension returns the dimension of the embedding vectors.
	GetDimension() int

	// GetModelName returns the model name used for embeddings.
	GetModelName() string

	// Close releases provider resources.
	Close() error
}

// Config configures a provider created by New.
type Config struct {
	// Provider is openai, doubao, or mock.
	Provider string

	// APIKey authenticates remote providers.
	APIKey string

	// BaseURL overrides the provider endpoint.
	BaseURL string

	// Model overrides the provider's default model.
	Model string

	// Dimension is the expected vector dimension.
	Dimension int
}

// New creates an embedder provider from configuration.
func New(cfg Config) (EmbedderProvider, error) {
	switch cfg.Provider {
	case "openai":
		return NewOpenAIEmbedder(cfg)
	case "doubao":
		return NewDoubaoEmbedder(cfg)
	case "mock":
		return NewMockEmbedder(cfg.Dimension), nil
	default:
		return nil, fmt.Errorf("unsupported embedder provider: %s", cfg.Provider)
	}
}
