package rag

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/licitabot/licitabot/chunk"
	"github.com/licitabot/licitabot/docstore"
	"github.com/licitabot/licitabot/embed"
	"github.com/licitabot/licitabot/extract"
)

// Extractor converts document bytes into ordered page text.
type Extractor interface {
	Extract(ctx context.Context, filename string, data []byte) ([]extract.Page, error)
}

// Splitter turns page text into chunks with stable identifiers.
type Splitter interface {
	Split(document string, pages []extract.Page) []chunk.Chunk
}

// Ingestion states, logged at each transition.
const (
	stateReceived   = "received"
	stateExtracting = "extracting"
	stateChunking   = "chunking"
	stateEmbedding  = "embedding"
	stateIndexing   = "indexing"
	stateComplete   = "complete"
	stateFailed     = "failed"
)

// Pipeline runs one document through extract → chunk → embed → index. The
// index is only touched in the final step, after every chunk has a vector,
// so a failure anywhere leaves the document's previous index state intact.
type Pipeline struct {
	log       *slog.Logger
	extractor Extractor
	splitter  Splitter
	embedder  embed.Embedder
	store     docstore.Store
	retry     Retry
	batchSize int
}

// NewPipeline wires the stages. batchSize caps how many chunk texts go to
// the embedder per call (default 32).
func NewPipeline(log *slog.Logger, extractor Extractor, splitter Splitter, embedder embed.Embedder, store docstore.Store, retry Retry, batchSize int) *Pipeline {
	if batchSize <= 0 {
		batchSize = 32
	}
	return &Pipeline{
		log:       log,
		extractor: extractor,
		splitter:  splitter,
		embedder:  embedder,
		store:     store,
		retry:     retry,
		batchSize: batchSize,
	}
}

// Run ingests one document and returns its index record.
func (p *Pipeline) Run(ctx context.Context, filename string, data []byte) (docstore.DocumentRecord, error) {
	log := p.log.With(slog.String("document", filename))
	log.Info("ingestion started", slog.String("state", stateReceived), slog.Int("bytes", len(data)))

	sum := sha256.Sum256(data)

	log.Debug("state change", slog.String("state", stateExtracting))
	pages, err := p.extractor.Extract(ctx, filename, data)
	if err != nil {
		log.Error("ingestion failed", slog.String("state", stateFailed), slog.String("error", err.Error()))
		return docstore.DocumentRecord{}, err
	}

	log.Debug("state change", slog.String("state", stateChunking), slog.Int("pages", len(pages)))
	chunks := p.splitter.Split(filename, pages)
	if len(chunks) == 0 {
		err := &extract.ExtractionError{Document: filename, Reason: "no text survived chunking"}
		log.Error("ingestion failed", slog.String("state", stateFailed), slog.String("error", err.Error()))
		return docstore.DocumentRecord{}, err
	}

	log.Debug("state change", slog.String("state", stateEmbedding), slog.Int("chunks", len(chunks)))
	vectors, err := p.embedChunks(ctx, chunks)
	if err != nil {
		log.Error("ingestion failed", slog.String("state", stateFailed), slog.String("error", err.Error()))
		return docstore.DocumentRecord{}, fmt.Errorf("embedding %s: %w", filename, err)
	}

	record := docstore.DocumentRecord{
		Name:       filename,
		SHA256:     hex.EncodeToString(sum[:]),
		Pages:      len(pages),
		Chunks:     len(chunks),
		IngestedAt: time.Now().UTC(),
	}
	entries := make([]docstore.Entry, len(chunks))
	for i, c := range chunks {
		entries[i] = docstore.Entry{
			Document:        c.Document,
			PartIndex:       c.PartIndex,
			Text:            c.Text,
			Page:            c.Page,
			Start:           c.Start,
			End:             c.End,
			Vector:          vectors[i],
			EmbedderVersion: p.embedder.Version(),
		}
	}

	log.Debug("state change", slog.String("state", stateIndexing))
	if err := p.store.Upsert(ctx, record, entries); err != nil {
		log.Error("ingestion failed", slog.String("state", stateFailed), slog.String("error", err.Error()))
		return docstore.DocumentRecord{}, fmt.Errorf("indexing %s: %w", filename, err)
	}

	log.Info("ingestion complete",
		slog.String("state", stateComplete),
		slog.Int("pages", record.Pages),
		slog.Int("chunks", record.Chunks))
	return record, nil
}

// embedChunks embeds in bounded batches, each wrapped in the retry policy.
// Any batch exhausting its retries fails the whole document; nothing has
// been written to the index at that point.
func (p *Pipeline) embedChunks(ctx context.Context, chunks []chunk.Chunk) ([][]float32, error) {
	vectors := make([][]float32, 0, len(chunks))
	for start := 0; start < len(chunks); start += p.batchSize {
		end := min(start+p.batchSize, len(chunks))
		texts := make([]string, 0, end-start)
		for _, c := range chunks[start:end] {
			texts = append(texts, c.Text)
		}

		var batch [][]float32
		err := p.retry.Do(ctx, func(ctx context.Context) error {
			var err error
			batch, err = p.embedder.EmbedBatch(ctx, texts)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("batch starting at chunk %d: %w", start+1, err)
		}
		if len(batch) != len(texts) {
			return nil, fmt.Errorf("batch starting at chunk %d: got %d vectors for %d texts", start+1, len(batch), len(texts))
		}

		vectors = append(vectors, batch...)
	}
	return vectors, nil
}
