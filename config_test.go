package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func Test_readConfig(t *testing.T) {
	path := writeConfig(t, `
log: /tmp/licitabot.log
data_dir: /tmp/licitabot
upload_dir: /tmp/uploads
server_addr: localhost:9090
chunking:
  target_size: 600
  overlap: 80
retrieval:
  results: 6
embeddings:
  open_ai:
    model: text-embedding-3-small
    api_key: sk-test
generation:
  ollama:
    addr: http://localhost:11434
    model: llama3
`)

	cfg, err := readConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/licitabot.log", cfg.LogFile)
	assert.Equal(t, "localhost:9090", cfg.ServerAddr)
	assert.Equal(t, 600, cfg.Chunking.TargetSize)
	assert.Equal(t, 80, cfg.Chunking.Overlap)
	assert.Equal(t, 6, cfg.Retrieval.Results)
	require.NotNil(t, cfg.Embeddings.OpenAI)
	assert.Equal(t, "sk-test", cfg.Embeddings.OpenAI.ApiKey)
	require.NotNil(t, cfg.Generation.Ollama)
	assert.Equal(t, "llama3", cfg.Generation.Ollama.Model)
	assert.Nil(t, cfg.Chroma)

	// Unset fields fall back to defaults.
	assert.Equal(t, 500, cfg.WriteDebounceMs)
}

func Test_readConfig_ApiKeyFromEnvironment(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-from-env")

	path := writeConfig(t, `
embeddings:
  open_ai:
    model: text-embedding-3-small
generation:
  open_ai:
    model: gpt-4o
`)

	cfg, err := readConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "sk-from-env", cfg.Embeddings.OpenAI.ApiKey)
	assert.Equal(t, "sk-from-env", cfg.Generation.OpenAI.ApiKey)
}

func Test_readConfig_RejectsMissingProvider(t *testing.T) {
	path := writeConfig(t, `
generation:
  ollama:
    model: llama3
`)

	_, err := readConfig(path)
	assert.ErrorContains(t, err, "no embeddings provider")
}

func Test_readConfig_RejectsAmbiguousProvider(t *testing.T) {
	path := writeConfig(t, `
embeddings:
  open_ai:
    model: text-embedding-3-small
    api_key: sk-test
  ollama:
    model: nomic-embed-text
generation:
  ollama:
    model: llama3
`)

	_, err := readConfig(path)
	assert.ErrorContains(t, err, "multiple embeddings providers")
}

func Test_readConfig_MissingFile(t *testing.T) {
	_, err := readConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
