// Package llm provides the text-generation backend used for answer
// synthesis, behind a configuration-selected factory.
package llm

import (
	"context"
	"errors"
)

// Generator produces a completion for a system prompt plus user prompt.
type Generator interface {
	// Generate returns the model's answer. Implementations apply their own
	// request timeout; callers additionally bound the call with ctx.
	Generate(ctx context.Context, system, prompt string) (string, error)

	// Model returns the backing model name.
	Model() string
}

// Config selects and configures the generation backend. Exactly one
// provider section must be set.
type Config struct {
	OpenAI *OpenAIConfig
	Ollama *OllamaConfig
}

// New builds the configured Generator.
func New(cfg Config) (Generator, error) {
	switch {
	case cfg.OpenAI != nil:
		return NewOpenAI(*cfg.OpenAI)
	case cfg.Ollama != nil:
		return NewOllama(*cfg.Ollama), nil
	default:
		return nil, errors.New("invalid generation provider configuration")
	}
}
