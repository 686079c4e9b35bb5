package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Defaults for the OpenAI embeddings backend.
const (
	openAIDefaultBaseURL = "https://api.openai.com/v1"
	openAIDefaultModel   = "text-embedding-3-small"
	openAIDefaultTimeout = 30 * time.Second
	openAIDefaultDims    = 1536
)

// OpenAIConfig configures the OpenAI embeddings client.
type OpenAIConfig struct {
	BaseURL    string
	APIKey     string
	Model      string
	Timeout    time.Duration
	Dimensions int
}

// OpenAI generates embeddings through the OpenAI embeddings API.
type OpenAI struct {
	client     *http.Client
	baseURL    string
	apiKey     string
	model      string
	dimensions int
}

// NewOpenAI creates the client, applying defaults for unset fields.
func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: missing API key")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = openAIDefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = openAIDefaultModel
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = openAIDefaultTimeout
	}
	if cfg.Dimensions == 0 {
		cfg.Dimensions = openAIDefaultDims
	}

	return &OpenAI{
		client:     &http.Client{Timeout: cfg.Timeout},
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		dimensions: cfg.Dimensions,
	}, nil
}

type openAIEmbedRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

type openAIEmbedResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed generates a vector embedding for the given text.
func (o *OpenAI) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := o.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch generates embeddings for multiple texts in a single request.
func (o *OpenAI) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	body, err := json.Marshal(openAIEmbedRequest{Input: texts, Model: o.model})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+o.apiKey)

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, &EmbeddingError{Backend: "openai", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return nil, &EmbeddingError{
			Backend: "openai",
			Err:     fmt.Errorf("status %d: %s", resp.StatusCode, string(msg)),
		}
	}

	var out openAIEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &EmbeddingError{Backend: "openai", Err: fmt.Errorf("decode response: %w", err)}
	}
	if len(out.Data) != len(texts) {
		return nil, &EmbeddingError{
			Backend: "openai",
			Err:     fmt.Errorf("got %d embeddings for %d inputs", len(out.Data), len(texts)),
		}
	}

	// The API documents index-ordered results; place by index anyway.
	vecs := make([][]float32, len(texts))
	for _, d := range out.Data {
		if d.Index < 0 || d.Index >= len(vecs) {
			return nil, &EmbeddingError{Backend: "openai", Err: fmt.Errorf("embedding index %d out of range", d.Index)}
		}
		vecs[d.Index] = d.Embedding
	}

	return vecs, nil
}

// Dimensions returns the embedding vector size.
func (o *OpenAI) Dimensions() int { return o.dimensions }

// Version identifies the backend and model.
func (o *OpenAI) Version() string { return "openai/" + o.model }
