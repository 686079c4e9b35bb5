package docstore

import (
	"context"
	"fmt"
	"time"

	chroma "github.com/amikos-tech/chroma-go/pkg/api/v2"
	"github.com/amikos-tech/chroma-go/pkg/embeddings"
)

// Metadata attribute keys for chunk entries.
const (
	metaDocument   = "document"
	metaPart       = "part_index"
	metaPage       = "page"
	metaSHA256     = "sha256"
	metaPages      = "pages"
	metaChunks     = "chunks"
	metaIngestedAt = "ingested_at"
	metaVersion    = "embedder_version"
)

// chromaCollection is the slice of chroma.Collection this store uses.
type chromaCollection interface {
	Add(ctx context.Context, opts ...chroma.CollectionAddOption) error
	Delete(ctx context.Context, opts ...chroma.CollectionDeleteOption) error
	Get(ctx context.Context, opts ...chroma.CollectionGetOption) (chroma.GetResult, error)
	Query(ctx context.Context, opts ...chroma.CollectionQueryOption) (chroma.QueryResult, error)
	Metadata() chroma.CollectionMetadata
	ModifyMetadata(ctx context.Context, metadata chroma.CollectionMetadata) error
}

// ChromaStore is the remote index backend, for deployments that already run
// a Chroma server. Vectors are computed by our embedder and written with
// explicit chunk IDs; the collection runs in cosine space.
//
// Replace-then-insert here is not a single transaction on the server side,
// so the strict no-mixed-state guarantee holds only for the SQLite backend.
type ChromaStore struct {
	col chromaCollection
}

// ChromaConfig configures the Chroma backend.
type ChromaConfig struct {
	BaseURL    string
	Collection string

	// EmbedderVersion is the fingerprint of the configured embedder. It is
	// pinned in the collection metadata on first open; opening with a
	// different fingerprint fails with ConfigurationError.
	EmbedderVersion string

	// Dimensions is the expected vector size.
	Dimensions int
}

// NewChromaStore connects to the server and opens (or creates) the
// collection in cosine space.
func NewChromaStore(ctx context.Context, cfg ChromaConfig) (*ChromaStore, error) {
	client, err := chroma.NewHTTPClient(chroma.WithBaseURL(cfg.BaseURL))
	if err != nil {
		return nil, fmt.Errorf("creating chroma client: %w", err)
	}

	name := cfg.Collection
	if name == "" {
		name = "licitabot_docs"
	}
	col, err := client.GetOrCreateCollection(ctx, name,
		chroma.WithCollectionMetadataCreate(chroma.NewMetadata(
			chroma.NewStringAttribute(metaVersion, cfg.EmbedderVersion),
			chroma.NewIntAttribute(metaDimensions, int64(cfg.Dimensions)),
		)),
		chroma.WithHNSWSpaceCreate(embeddings.COSINE),
	)
	if err != nil {
		return nil, fmt.Errorf("opening collection %s: %w", name, err)
	}

	s := &ChromaStore{col: col}
	if err := s.pinEmbedder(ctx, cfg.EmbedderVersion, cfg.Dimensions); err != nil {
		return nil, err
	}
	return s, nil
}

// pinEmbedder mirrors the SQLite backend: the collection remembers which
// embedder wrote its vectors, and a mismatch on open is a configuration
// error. Collections from builds that predate the pin get it stamped here.
func (ds *ChromaStore) pinEmbedder(ctx context.Context, version string, dims int) error {
	meta := ds.col.Metadata()
	if meta == nil {
		meta = chroma.NewMetadata()
	}

	gotVersion, hasVersion := meta.GetString(metaVersion)
	if hasVersion && gotVersion != version {
		return &ConfigurationError{
			Reason: fmt.Sprintf("collection was built with %s=%s, configured %s", metaVersion, gotVersion, version),
		}
	}
	gotDims, hasDims := meta.GetInt(metaDimensions)
	if hasDims && gotDims != int64(dims) {
		return &ConfigurationError{
			Reason: fmt.Sprintf("collection was built with %s=%d, configured %d", metaDimensions, gotDims, dims),
		}
	}
	if hasVersion && hasDims {
		return nil
	}

	meta.SetString(metaVersion, version)
	meta.SetInt(metaDimensions, int64(dims))
	if err := ds.col.ModifyMetadata(ctx, meta); err != nil {
		return fmt.Errorf("pinning embedder fingerprint: %w", err)
	}
	return nil
}

// Upsert replaces every entry for doc.Name.
func (ds *ChromaStore) Upsert(ctx context.Context, doc DocumentRecord, entries []Entry) error {
	if err := ds.col.Delete(ctx, chroma.WithWhereDelete(chroma.EqString(metaDocument, doc.Name))); err != nil {
		return fmt.Errorf("clearing previous chunks for %s: %w", doc.Name, err)
	}

	ids := make([]chroma.DocumentID, 0, len(entries))
	texts := make([]string, 0, len(entries))
	vectors := make([]embeddings.Embedding, 0, len(entries))
	metadatas := make([]chroma.DocumentMetadata, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, chroma.DocumentID(fmt.Sprintf("%s::part-%d", e.Document, e.PartIndex)))
		texts = append(texts, e.Text)
		vectors = append(vectors, embeddings.NewEmbeddingFromFloat32(e.Vector))
		metadatas = append(metadatas, chroma.NewDocumentMetadata(
			chroma.NewStringAttribute(metaDocument, e.Document),
			chroma.NewIntAttribute(metaPart, int64(e.PartIndex)),
			chroma.NewIntAttribute(metaPage, int64(e.Page)),
			chroma.NewStringAttribute(metaSHA256, doc.SHA256),
			chroma.NewIntAttribute(metaPages, int64(doc.Pages)),
			chroma.NewIntAttribute(metaChunks, int64(doc.Chunks)),
			chroma.NewIntAttribute(metaIngestedAt, doc.IngestedAt.Unix()),
			chroma.NewStringAttribute(metaVersion, e.EmbedderVersion),
		))
	}

	err := ds.col.Add(ctx,
		chroma.WithIDs(ids...),
		chroma.WithTexts(texts...),
		chroma.WithEmbeddings(vectors...),
		chroma.WithMetadatas(metadatas...),
	)
	if err != nil {
		return fmt.Errorf("adding chunks for %s: %w", doc.Name, err)
	}
	return nil
}

// Delete removes all entries for the named document. Idempotent.
func (ds *ChromaStore) Delete(ctx context.Context, document string) (bool, error) {
	// A single filtered fetch answers whether the document exists; listing
	// the whole collection just for that would not scale.
	res, err := ds.col.Get(ctx,
		chroma.WithWhereGet(chroma.EqString(metaDocument, document)),
		chroma.WithLimitGet(1),
	)
	if err != nil {
		return false, fmt.Errorf("checking %s: %w", document, err)
	}
	found := res.Count() > 0

	if err := ds.col.Delete(ctx, chroma.WithWhereDelete(chroma.EqString(metaDocument, document))); err != nil {
		return false, fmt.Errorf("deleting %s: %w", document, err)
	}
	return found, nil
}

// Query returns the k best matches for the vector. Chroma reports cosine
// distance; the score is converted back to similarity.
func (ds *ChromaStore) Query(ctx context.Context, vector []float32, k int) ([]Hit, error) {
	if k <= 0 {
		return nil, nil
	}

	r, err := ds.col.Query(ctx,
		chroma.WithQueryEmbeddings(embeddings.NewEmbeddingFromFloat32(vector)),
		chroma.WithNResults(k),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve chunks: %w", err)
	}

	docGroups := r.GetDocumentsGroups()
	if len(docGroups) == 0 {
		return nil, nil
	}

	docs := docGroups[0]
	metadatas := r.GetMetadatasGroups()[0]
	distances := r.GetDistancesGroups()[0]

	hits := make([]Hit, 0, len(docs))
	for i := range docs {
		name, _ := metadatas[i].GetString(metaDocument)
		part, _ := metadatas[i].GetInt(metaPart)
		page, _ := metadatas[i].GetInt(metaPage)
		hits = append(hits, Hit{
			Document:  name,
			PartIndex: int(part),
			Text:      docs[i].ContentString(),
			Page:      int(page),
			Score:     1 - float64(distances[i]),
		})
	}

	return hits, nil
}

// GetDocument returns the record for one document.
func (ds *ChromaStore) GetDocument(ctx context.Context, name string) (*DocumentRecord, error) {
	docs, err := ds.Documents(ctx)
	if err != nil {
		return nil, err
	}
	for _, d := range docs {
		if d.Name == name {
			return &d, nil
		}
	}
	return nil, ErrNotFound
}

// Documents lists ingested documents, collapsing per-chunk metadata.
func (ds *ChromaStore) Documents(ctx context.Context) ([]DocumentRecord, error) {
	res, err := ds.col.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing collection: %w", err)
	}

	var docs []DocumentRecord
	seen := make(map[string]struct{})
	for _, meta := range res.GetMetadatas() {
		name, _ := meta.GetString(metaDocument)
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}

		sha, _ := meta.GetString(metaSHA256)
		pages, _ := meta.GetInt(metaPages)
		chunks, _ := meta.GetInt(metaChunks)
		ingested, _ := meta.GetInt(metaIngestedAt)
		docs = append(docs, DocumentRecord{
			Name:       name,
			SHA256:     sha,
			Pages:      int(pages),
			Chunks:     int(chunks),
			IngestedAt: time.Unix(ingested, 0).UTC(),
		})
	}

	return docs, nil
}

// Close is a no-op; the HTTP client holds no persistent resources.
func (ds *ChromaStore) Close() error { return nil }
