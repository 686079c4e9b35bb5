package rag

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/licitabot/licitabot/docstore"
)

// ErrConflict is returned when an ingestion for the same document is
// already running. Concurrent uploads of the same filename are rejected,
// not queued; the caller may retry once the first ingestion finishes.
var ErrConflict = errors.New("document ingestion already in progress")

// Receipt reports the outcome of one ingestion.
type Receipt struct {
	Document string `json:"document"`
	Status   string `json:"status"`
	Pages    int    `json:"pages"`
	Chunks   int    `json:"chunks"`
	Skipped  bool   `json:"skipped,omitempty"`
}

// Engine is the core facade handed to the transport layer: ingest documents,
// answer questions, remove documents. Queries run concurrently; ingestion is
// serialized per document name. No index lock is held across OCR, embedding
// or generation calls.
type Engine struct {
	log         *slog.Logger
	pipeline    *Pipeline
	retriever   *Retriever
	synthesizer *Synthesizer
	store       docstore.Store

	mu   sync.Mutex
	busy map[string]struct{}
}

// NewEngine assembles the core.
func NewEngine(log *slog.Logger, pipeline *Pipeline, retriever *Retriever, synthesizer *Synthesizer, store docstore.Store) *Engine {
	return &Engine{
		log:         log,
		pipeline:    pipeline,
		retriever:   retriever,
		synthesizer: synthesizer,
		store:       store,
		busy:        make(map[string]struct{}),
	}
}

// Ingest runs the full pipeline for one document, replacing any previous
// version. Re-uploading unchanged bytes is a no-op. A second concurrent
// ingest of the same filename fails with ErrConflict.
func (e *Engine) Ingest(ctx context.Context, filename string, data []byte) (Receipt, error) {
	if filename == "" {
		return Receipt{Status: stateFailed}, errors.New("empty document name")
	}
	if len(data) == 0 {
		return Receipt{Document: filename, Status: stateFailed}, fmt.Errorf("document %s is empty", filename)
	}

	if !e.acquire(filename) {
		return Receipt{Document: filename, Status: stateFailed}, ErrConflict
	}
	defer e.release(filename)

	sum := sha256.Sum256(data)
	if prev, err := e.store.GetDocument(ctx, filename); err == nil && prev.SHA256 == hex.EncodeToString(sum[:]) {
		e.log.Info("document unchanged, skipping ingestion", slog.String("document", filename))
		return Receipt{
			Document: filename,
			Status:   stateComplete,
			Pages:    prev.Pages,
			Chunks:   prev.Chunks,
			Skipped:  true,
		}, nil
	}

	record, err := e.pipeline.Run(ctx, filename, data)
	if err != nil {
		return Receipt{Document: filename, Status: stateFailed}, err
	}

	return Receipt{
		Document: filename,
		Status:   stateComplete,
		Pages:    record.Pages,
		Chunks:   record.Chunks,
	}, nil
}

// Ask retrieves context for the question and synthesizes a cited answer.
// An empty index or no relevant chunk yields the fixed insufficient-context
// response, never an error.
func (e *Engine) Ask(ctx context.Context, question string) (Answer, error) {
	res, err := e.retriever.Retrieve(ctx, question)
	if err != nil {
		return Answer{}, err
	}
	return e.synthesizer.Answer(ctx, question, res)
}

// Remove deletes a document and its chunks from the index, reporting
// whether it existed.
func (e *Engine) Remove(ctx context.Context, filename string) (bool, error) {
	found, err := e.store.Delete(ctx, filename)
	if err != nil {
		return false, fmt.Errorf("removing %s: %w", filename, err)
	}
	e.log.Info("document removed", slog.String("document", filename), slog.Bool("found", found))
	return found, nil
}

// Documents lists the ingested documents.
func (e *Engine) Documents(ctx context.Context) ([]docstore.DocumentRecord, error) {
	return e.store.Documents(ctx)
}

func (e *Engine) acquire(filename string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, taken := e.busy[filename]; taken {
		return false
	}
	e.busy[filename] = struct{}{}
	return true
}

func (e *Engine) release(filename string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.busy, filename)
}
