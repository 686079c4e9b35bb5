package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Defaults for the Ollama embeddings backend.
const (
	ollamaDefaultBaseURL = "http://localhost:11434"
	ollamaDefaultModel   = "nomic-embed-text"
	ollamaDefaultTimeout = 30 * time.Second
	ollamaDefaultDims    = 768
)

// OllamaConfig configures the Ollama embeddings client.
type OllamaConfig struct {
	BaseURL    string
	Model      string
	Timeout    time.Duration
	Dimensions int
}

// Ollama generates embeddings through a local Ollama instance.
type Ollama struct {
	client     *http.Client
	baseURL    string
	model      string
	dimensions int
}

// NewOllama creates the client, applying defaults for unset fields.
func NewOllama(cfg OllamaConfig) *Ollama {
	if cfg.BaseURL == "" {
		cfg.BaseURL = ollamaDefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = ollamaDefaultModel
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = ollamaDefaultTimeout
	}
	if cfg.Dimensions == 0 {
		cfg.Dimensions = ollamaDefaultDims
	}

	return &Ollama{
		client:     &http.Client{Timeout: cfg.Timeout},
		baseURL:    cfg.BaseURL,
		model:      cfg.Model,
		dimensions: cfg.Dimensions,
	}
}

type ollamaEmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Embed generates a vector embedding for the given text.
func (o *Ollama) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(ollamaEmbedRequest{Model: o.model, Prompt: text})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, &EmbeddingError{Backend: "ollama", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return nil, &EmbeddingError{
			Backend: "ollama",
			Err:     fmt.Errorf("status %d: %s", resp.StatusCode, string(msg)),
		}
	}

	var out ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &EmbeddingError{Backend: "ollama", Err: fmt.Errorf("decode response: %w", err)}
	}
	if len(out.Embedding) == 0 {
		return nil, &EmbeddingError{Backend: "ollama", Err: fmt.Errorf("empty embedding returned")}
	}

	return out.Embedding, nil
}

// EmbedBatch generates embeddings one request per text; Ollama has no
// native batch endpoint.
func (o *Ollama) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	vecs := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := o.Embed(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("embed text %d: %w", i, err)
		}
		vecs[i] = vec
	}
	return vecs, nil
}

// Dimensions returns the embedding vector size.
func (o *Ollama) Dimensions() int { return o.dimensions }

// Version identifies the backend and model.
func (o *Ollama) Version() string { return "ollama/" + o.model }
