package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/server"

	"github.com/licitabot/licitabot/chunk"
	"github.com/licitabot/licitabot/docstore"
	"github.com/licitabot/licitabot/embed"
	"github.com/licitabot/licitabot/extract"
	"github.com/licitabot/licitabot/llm"
	"github.com/licitabot/licitabot/rag"
)

func embeddingsConfig(cfg *Config) embed.Config {
	var out embed.Config
	if p := cfg.Embeddings.OpenAI; p != nil {
		out.OpenAI = &embed.OpenAIConfig{Model: p.Model, APIKey: p.ApiKey}
	}
	if p := cfg.Embeddings.Ollama; p != nil {
		out.Ollama = &embed.OllamaConfig{BaseURL: p.Addr, Model: p.Model}
	}
	return out
}

func generationConfig(cfg *Config) llm.Config {
	var out llm.Config
	if p := cfg.Generation.OpenAI; p != nil {
		out.OpenAI = &llm.OpenAIConfig{Model: p.Model, APIKey: p.ApiKey}
	}
	if p := cfg.Generation.Ollama; p != nil {
		out.Ollama = &llm.OllamaConfig{BaseURL: p.Addr, Model: p.Model}
	}
	return out
}

func openStore(cfg *Config, embedder embed.Embedder, reset bool) (docstore.Store, error) {
	if cfg.Chroma != nil {
		if reset {
			log.Println("-reset is only supported for the local index, ignoring")
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return docstore.NewChromaStore(ctx, docstore.ChromaConfig{
			BaseURL:         cfg.Chroma.Addr,
			Collection:      cfg.Chroma.Collection,
			EmbedderVersion: embedder.Version(),
			Dimensions:      embedder.Dimensions(),
		})
	}

	if reset {
		if err := resetLocalIndex(cfg.DataDir); err != nil {
			return nil, err
		}
	}
	return docstore.OpenSQLite(docstore.SQLiteConfig{
		DataDir:         cfg.DataDir,
		EmbedderVersion: embedder.Version(),
		Dimensions:      embedder.Dimensions(),
	})
}

// resetLocalIndex drops the SQLite index file. The WAL and SHM sidecars
// must go with it, otherwise SQLite replays the stale journal into the
// fresh database.
func resetLocalIndex(dataDir string) error {
	for _, name := range []string{"index.db", "index.db-wal", "index.db-shm"} {
		if err := os.Remove(filepath.Join(dataDir, name)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("resetting index: %w", err)
		}
	}
	return nil
}

func main() {
	reset := flag.Bool("reset", false, "Drop the local index and re-ingest everything on startup")
	cfgPath := flag.String("config", "cfg/config.yaml", "Configuration file for the MCP server")
	flag.Parse()

	// Optional; API keys can also come from the real environment.
	_ = godotenv.Load()

	cfg, err := readConfig(*cfgPath)
	if err != nil {
		log.Fatal(err)
	}

	logFile, err := os.OpenFile(cfg.LogFile, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		log.Fatalf("failed to open log file: %s", err)
	}
	defer logFile.Close()

	logger := slog.New(slog.NewJSONHandler(logFile, nil))

	embedder, err := embed.New(embeddingsConfig(cfg))
	if err != nil {
		log.Fatal(err)
	}
	generator, err := llm.New(generationConfig(cfg))
	if err != nil {
		log.Fatal(err)
	}

	store, err := openStore(cfg, embedder, *reset)
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	extractor := extract.New(logger, extract.Config{
		MinNativeChars: cfg.Extraction.MinNativeChars,
		OCRDPI:         cfg.Extraction.OCRDPI,
		OCRTimeout:     time.Duration(cfg.Extraction.OCRTimeoutS) * time.Second,
	})
	splitter := chunk.NewSplitter(
		cfg.Chunking.TargetSize,
		cfg.Chunking.MaxSize,
		cfg.Chunking.MinSize,
		cfg.Chunking.Overlap)

	pipeline := rag.NewPipeline(logger, extractor, splitter, embedder, store, rag.DefaultRetry, cfg.EmbedBatchSize)
	retriever := rag.NewRetriever(logger, embedder, store, rag.DefaultRetry, rag.RetrieverConfig{
		K:         cfg.Retrieval.Results,
		Overfetch: cfg.Retrieval.Overfetch,
		MinScore:  cfg.Retrieval.MinScore,
		Alpha:     cfg.Retrieval.Alpha,
	})
	synthesizer := rag.NewSynthesizer(logger, generator, rag.SynthesizerConfig{
		Timeout:         time.Duration(cfg.Synthesis.TimeoutS) * time.Second,
		MaxContextChars: cfg.Synthesis.MaxContextChars,
	})
	engine := rag.NewEngine(logger, pipeline, retriever, synthesizer, store)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := os.MkdirAll(cfg.UploadDir, 0o755); err != nil {
		log.Fatal(err)
	}
	reg := &DocRegistry{
		log:              logger,
		root:             cfg.UploadDir,
		mergeEventsDelay: time.Duration(cfg.WriteDebounceMs) * time.Millisecond,
		engine:           engine,
	}

	go func() {
		if err := reg.Sync(ctx); err != nil {
			log.Fatal(err)
		}
		if err := reg.Watch(ctx); err != nil {
			log.Fatal(err)
		}
	}()

	srv := NewRagServer(engine, logger)
	sse := server.NewSSEServer(srv, server.WithBaseURL(fmt.Sprintf("http://%s", cfg.ServerAddr)))
	log.Println(sse.Start(cfg.ServerAddr))
}
