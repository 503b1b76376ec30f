package embedders

import (
	"context"
	"fmt"
)

// DoubaoEmbedder implements EmbedderProvider for the Doubao (Volcengine Ark)
// embeddings API. The API is OpenAI-compatible, so it delegates to an
// OpenAIEmbedder pointed at the Ark endpoint.
type DoubaoEmbedder struct {
	inner *OpenAIEmbedder
}

// NewDoubaoEmbedder creates a Doubao embedder from configuration.
func NewDoubaoEmbedder(cfg Config) (*DoubaoEmbedder, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required for Doubao embedder")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://ark.cn-beijing.volces.com/api/v3"
	}
	if cfg.Model == "" {
		cfg.Model = "doubao-embedding-text-240715"
	}
	if cfg.Dimension == 0 {
		cfg.Dimension = 2560
	}

	inner, err := NewOpenAIEmbedder(cfg)
	if err != nil {
		return nil, err
	}
	return &DoubaoEmbedder{inner: inner}, nil
}

// Embed generates an embedding for a single text.
func (e *DoubaoEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return e.inner.Embed(ctx, text)
}

// EmbedBatch generates embeddings for multiple texts.
func (e *DoubaoEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return e.inner.EmbedBatch(ctx, texts)
}

// GetDimension returns the embedding dimension.
func (e *DoubaoEmbedder) GetDimension() int { return e.inner.GetDimension() }

// GetModelName returns the embedding model name.
func (e *DoubaoEmbedder) GetModelName() string { return e.inner.GetModelName() }

// Close releases resources.
func (e *DoubaoEmbedder) Close() error { return e.inner.Close() }
