package main

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Config struct {
	LogFile         string `yaml:"log"`
	DataDir         string `yaml:"data_dir"`
	UploadDir       string `yaml:"upload_dir"`
	ServerAddr      string `yaml:"server_addr"`
	WriteDebounceMs int    `yaml:"write_debounce_ms"`

	Chunking struct {
		TargetSize int `yaml:"target_size"`
		MaxSize    int `yaml:"max_size"`
		MinSize    int `yaml:"min_size"`
		Overlap    int `yaml:"overlap"`
	} `yaml:"chunking"`

	Extraction struct {
		MinNativeChars int     `yaml:"min_native_chars"`
		OCRDPI         float64 `yaml:"ocr_dpi"`
		OCRTimeoutS    int     `yaml:"ocr_timeout_s"`
	} `yaml:"extraction"`

	Retrieval struct {
		Results   int     `yaml:"results"`
		Overfetch int     `yaml:"overfetch"`
		MinScore  float64 `yaml:"min_score"`
		Alpha     float64 `yaml:"alpha"`
	} `yaml:"retrieval"`

	Synthesis struct {
		TimeoutS        int `yaml:"timeout_s"`
		MaxContextChars int `yaml:"max_context_chars"`
	} `yaml:"synthesis"`

	EmbedBatchSize int `yaml:"embed_batch_size"`

	Embeddings ProviderConfig `yaml:"embeddings"`
	Generation ProviderConfig `yaml:"generation"`

	// Chroma selects the remote index backend. When absent the index is a
	// local SQLite file under data_dir.
	Chroma *struct {
		Addr       string `yaml:"addr"`
		Collection string `yaml:"collection"`
	} `yaml:"chroma"`
}

// ProviderConfig selects exactly one backend for embeddings or generation.
type ProviderConfig struct {
	OpenAI *struct {
		Model  string `yaml:"model"`
		ApiKey string `yaml:"api_key"`
	} `yaml:"open_ai"`
	Ollama *struct {
		Addr  string `yaml:"addr"`
		Model string `yaml:"model"`
	} `yaml:"ollama"`
}

func readConfig(cfgPath string) (*Config, error) {
	cfgFile, err := os.Open(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("unable to open config file: %w", err)
	}
	defer cfgFile.Close()

	cfg := &Config{}
	dec := yaml.NewDecoder(cfgFile)
	err = dec.Decode(cfg)
	if err != nil {
		return nil, fmt.Errorf("unable to parse config file: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.LogFile == "" {
		c.LogFile = "licitabot.log"
	}
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if c.UploadDir == "" {
		c.UploadDir = "docs"
	}
	if c.ServerAddr == "" {
		c.ServerAddr = "localhost:8080"
	}
	if c.WriteDebounceMs <= 0 {
		c.WriteDebounceMs = 500
	}

	// API keys may live in the environment (or a .env file) instead of
	// the config file.
	if c.Embeddings.OpenAI != nil && c.Embeddings.OpenAI.ApiKey == "" {
		c.Embeddings.OpenAI.ApiKey = os.Getenv("OPENAI_API_KEY")
	}
	if c.Generation.OpenAI != nil && c.Generation.OpenAI.ApiKey == "" {
		c.Generation.OpenAI.ApiKey = os.Getenv("OPENAI_API_KEY")
	}
}

func (c *Config) validate() error {
	if c.Embeddings.OpenAI == nil && c.Embeddings.Ollama == nil {
		return errors.New("config: no embeddings provider configured")
	}
	if c.Embeddings.OpenAI != nil && c.Embeddings.Ollama != nil {
		return errors.New("config: multiple embeddings providers configured")
	}
	if c.Generation.OpenAI == nil && c.Generation.Ollama == nil {
		return errors.New("config: no generation provider configured")
	}
	if c.Generation.OpenAI != nil && c.Generation.Ollama != nil {
		return errors.New("config: multiple generation providers configured")
	}
	if c.Chroma != nil && c.Chroma.Addr == "" {
		return errors.New("config: chroma backend selected without addr")
	}
	return nil
}
