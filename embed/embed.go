// Package embed maps chunk text to fixed-length vectors through a
// configuration-selected backend.
package embed

import (
	"context"
	"errors"
	"fmt"
)

// Embedder generates vector embeddings from text. Implementations must be
// deterministic for a given model version and preserve input order in
// EmbedBatch.
type Embedder interface {
	// Embed generates a vector embedding for the given text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts, one vector per
	// input in the same order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the embedding vector size.
	Dimensions() int

	// Version identifies the backend and model. It is persisted with each
	// vector so a model change is detected instead of silently mixing
	// incompatible embeddings.
	Version() string
}

// EmbeddingError signals a backend failure while producing vectors. It is
// retryable: the ingestion pipeline retries with backoff before giving up.
type EmbeddingError struct {
	Backend string
	Err     error
}

func (e *EmbeddingError) Error() string {
	return fmt.Sprintf("%s embeddings: %v", e.Backend, e.Err)
}

func (e *EmbeddingError) Unwrap() error { return e.Err }

// Config selects and configures the embedding backend. Exactly one provider
// section must be set.
type Config struct {
	OpenAI *OpenAIConfig
	Ollama *OllamaConfig
}

// New builds the configured Embedder.
func New(cfg Config) (Embedder, error) {
	switch {
	case cfg.OpenAI != nil:
		return NewOpenAI(*cfg.OpenAI)
	case cfg.Ollama != nil:
		return NewOllama(*cfg.Ollama), nil
	default:
		return nil, errors.New("invalid embeddings provider configuration")
	}
}
