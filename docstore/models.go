// Package docstore persists chunk vectors and text, and answers
// nearest-neighbour queries. The default backend is a local SQLite file; a
// remote Chroma collection can be selected by configuration.
package docstore

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Entry is the persisted projection of a chunk plus its vector.
type Entry struct {
	Document        string
	PartIndex       int
	Text            string
	Page            int
	Start           int
	End             int
	Vector          []float32
	EmbedderVersion string
}

// Hit is one nearest-neighbour query result. Score is cosine similarity.
type Hit struct {
	Document  string
	PartIndex int
	Text      string
	Page      int
	Score     float64
}

// DocumentRecord describes an ingested document. SHA256 is the content hash
// of the uploaded bytes, used to skip re-ingestion of unchanged files.
type DocumentRecord struct {
	Name       string
	SHA256     string
	Pages      int
	Chunks     int
	IngestedAt time.Time
}

// Store is the index contract. Upsert atomically replaces all entries for a
// document: a concurrent Query never observes a mix of old and new chunks.
type Store interface {
	// Upsert replaces every entry for doc.Name in one transaction. It is
	// only called once all chunks have vectors, so a failed ingestion
	// leaves the previous state of the document intact.
	Upsert(ctx context.Context, doc DocumentRecord, entries []Entry) error

	// Delete removes all entries for the named document. It is idempotent
	// and reports whether the document existed.
	Delete(ctx context.Context, document string) (bool, error)

	// Query returns up to k entries ranked by cosine similarity to the
	// given vector. An empty index yields an empty slice, not an error.
	Query(ctx context.Context, vector []float32, k int) ([]Hit, error)

	// GetDocument returns the record for one document, or ErrNotFound.
	GetDocument(ctx context.Context, name string) (*DocumentRecord, error)

	// Documents lists all ingested documents.
	Documents(ctx context.Context) ([]DocumentRecord, error)

	// Close flushes and releases the store.
	Close() error
}

// ErrNotFound is returned for lookups of documents the store does not hold.
var ErrNotFound = errors.New("document not found")

// ConfigurationError means the on-disk store is incompatible with the
// running configuration: a newer schema than this binary knows, or an index
// built with a different embedder than the one configured. It is fatal at
// startup and never silently ignored.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("store configuration: %s", e.Reason)
}
