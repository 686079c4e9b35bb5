package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Defaults for the Ollama generation backend.
const (
	ollamaDefaultBaseURL = "http://localhost:11434"
	ollamaDefaultModel   = "llama3.1"
	ollamaDefaultTimeout = 2 * time.Minute
)

// OllamaConfig configures the Ollama generation client.
type OllamaConfig struct {
	BaseURL string
	Model   string
	Timeout time.Duration
}

// Ollama generates answers through a local Ollama instance.
type Ollama struct {
	client  *http.Client
	baseURL string
	model   string
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

	return &Ollama{
		client:  &http.Client{Timeout: cfg.Timeout},
		baseURL: cfg.BaseURL,
		model:   cfg.Model,
	}
}

type ollamaGenerateRequest struct {
	Model  string `json:"model"`
	System string `json:"system,omitempty"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type ollamaGenerateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// Generate returns the model's answer for the given prompts.
func (o *Ollama) Generate(ctx context.Context, system, prompt string) (string, error) {
	body, err := json.Marshal(ollamaGenerateRequest{
		Model:  o.model,
		System: system,
		Prompt: prompt,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("ollama generate: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("ollama generate: status %d: %s", resp.StatusCode, string(msg))
	}

	// Even with stream=false Ollama may emit a sequence of JSON objects.
	var result strings.Builder
	dec := json.NewDecoder(resp.Body)
	for {
		var out ollamaGenerateResponse
		if err := dec.Decode(&out); err != nil {
			if err == io.EOF {
				break
			}
			return "", fmt.Errorf("decode response: %w", err)
		}
		result.WriteString(out.Response)
		if out.Done {
			break
		}
	}

	return result.String(), nil
}

// Model returns the backing model name.
func (o *Ollama) Model() string { return o.model }
