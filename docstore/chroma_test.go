package docstore

import (
	"context"
	"testing"

	chroma "github.com/amikos-tech/chroma-go/pkg/api/v2"
	"github.com/amikos-tech/chroma-go/pkg/embeddings"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCollection materializes the option lists into op structs so tests can
// assert on what the store actually sent, and serves canned results.
type fakeCollection struct {
	meta chroma.CollectionMetadata

	addOps    []*chroma.CollectionAddOp
	deleteOps []*chroma.CollectionDeleteOp
	getOps    []*chroma.CollectionGetOp
	queryOps  []*chroma.CollectionQueryOp

	getResult   chroma.GetResult
	queryResult chroma.QueryResult
	modified    []chroma.CollectionMetadata
}

func (f *fakeCollection) Add(ctx context.Context, opts ...chroma.CollectionAddOption) error {
	op, err := chroma.NewCollectionAddOp(opts...)
	if err != nil {
		return err
	}
	f.addOps = append(f.addOps, op)
	return nil
}

func (f *fakeCollection) Delete(ctx context.Context, opts ...chroma.CollectionDeleteOption) error {
	op, err := chroma.NewCollectionDeleteOp(opts...)
	if err != nil {
		return err
	}
	f.deleteOps = append(f.deleteOps, op)
	return nil
}

func (f *fakeCollection) Get(ctx context.Context, opts ...chroma.CollectionGetOption) (chroma.GetResult, error) {
	op, err := chroma.NewCollectionGetOp(opts...)
	if err != nil {
		return nil, err
	}
	f.getOps = append(f.getOps, op)
	if f.getResult == nil {
		return &chroma.GetResultImpl{}, nil
	}
	return f.getResult, nil
}

func (f *fakeCollection) Query(ctx context.Context, opts ...chroma.CollectionQueryOption) (chroma.QueryResult, error) {
	op, err := chroma.NewCollectionQueryOp(opts...)
	if err != nil {
		return nil, err
	}
	f.queryOps = append(f.queryOps, op)
	if f.queryResult == nil {
		return &chroma.QueryResultImpl{}, nil
	}
	return f.queryResult, nil
}

func (f *fakeCollection) Metadata() chroma.CollectionMetadata { return f.meta }

func (f *fakeCollection) ModifyMetadata(ctx context.Context, metadata chroma.CollectionMetadata) error {
	f.modified = append(f.modified, metadata)
	f.meta = metadata
	return nil
}

func chunkMetadata(document string, part int) chroma.DocumentMetadata {
	return chroma.NewDocumentMetadata(
		chroma.NewStringAttribute(metaDocument, document),
		chroma.NewIntAttribute(metaPart, int64(part)),
		chroma.NewIntAttribute(metaPage, 1),
		chroma.NewStringAttribute(metaSHA256, "hash-"+document),
		chroma.NewIntAttribute(metaPages, 1),
		chroma.NewIntAttribute(metaChunks, 2),
		chroma.NewIntAttribute(metaIngestedAt, 1700000000),
		chroma.NewStringAttribute(metaVersion, "test/model-v1"),
	)
}

func Test_Chroma_UpsertClearsThenAdds(t *testing.T) {
	col := &fakeCollection{}
	s := &ChromaStore{col: col}

	err := s.Upsert(context.Background(), record("edital.pdf", 2), []Entry{
		entry("edital.pdf", 1, "prazo de entrega", []float32{1, 0, 0}),
		entry("edital.pdf", 2, "condições de pagamento", []float32{0, 1, 0}),
	})
	require.NoError(t, err)

	require.Len(t, col.deleteOps, 1)
	assert.NotNil(t, col.deleteOps[0].Where)

	require.Len(t, col.addOps, 1)
	add := col.addOps[0]
	assert.Equal(t, []chroma.DocumentID{"edital.pdf::part-1", "edital.pdf::part-2"}, add.Ids)
	require.Len(t, add.Documents, 2)
	assert.Equal(t, "prazo de entrega", add.Documents[0].ContentString())
	require.Len(t, add.Metadatas, 2)
	name, _ := add.Metadatas[1].GetString(metaDocument)
	part, _ := add.Metadatas[1].GetInt(metaPart)
	assert.Equal(t, "edital.pdf", name)
	assert.Equal(t, int64(2), part)
	assert.Len(t, add.Embeddings, 2)
}

func Test_Chroma_QueryMapsDistancesToSimilarity(t *testing.T) {
	col := &fakeCollection{queryResult: &chroma.QueryResultImpl{
		IDLists:        []chroma.DocumentIDs{{"edital.pdf::part-1"}},
		DocumentsLists: []chroma.Documents{{chroma.NewTextDocument("O prazo de entrega é de 30 dias.")}},
		MetadatasLists: []chroma.DocumentMetadatas{{chunkMetadata("edital.pdf", 1)}},
		DistancesLists: []embeddings.Distances{{embeddings.Distance(0.25)}},
	}}
	s := &ChromaStore{col: col}

	hits, err := s.Query(context.Background(), []float32{1, 0, 0}, 3)
	require.NoError(t, err)
	require.Len(t, hits, 1)

	assert.Equal(t, "edital.pdf", hits[0].Document)
	assert.Equal(t, 1, hits[0].PartIndex)
	assert.Equal(t, 1, hits[0].Page)
	assert.Contains(t, hits[0].Text, "30 dias")
	assert.InDelta(t, 0.75, hits[0].Score, 1e-6)

	require.Len(t, col.queryOps, 1)
	assert.Equal(t, 3, col.queryOps[0].NResults)
}

func Test_Chroma_QueryZeroK(t *testing.T) {
	col := &fakeCollection{}
	s := &ChromaStore{col: col}

	hits, err := s.Query(context.Background(), []float32{1, 0, 0}, 0)
	require.NoError(t, err)
	assert.Nil(t, hits)
	assert.Empty(t, col.queryOps)
}

func Test_Chroma_DeleteReportsFoundWithoutListing(t *testing.T) {
	col := &fakeCollection{getResult: &chroma.GetResultImpl{
		Ids:       chroma.DocumentIDs{"edital.pdf::part-1"},
		Metadatas: chroma.DocumentMetadatas{chunkMetadata("edital.pdf", 1)},
	}}
	s := &ChromaStore{col: col}

	found, err := s.Delete(context.Background(), "edital.pdf")
	require.NoError(t, err)
	assert.True(t, found)

	// The existence check is a filtered single-row fetch, not a full scan.
	require.Len(t, col.getOps, 1)
	assert.NotNil(t, col.getOps[0].Where)
	assert.Equal(t, 1, col.getOps[0].Limit)
	require.Len(t, col.deleteOps, 1)
	assert.NotNil(t, col.deleteOps[0].Where)
}

func Test_Chroma_DeleteMissingDocument(t *testing.T) {
	col := &fakeCollection{}
	s := &ChromaStore{col: col}

	found, err := s.Delete(context.Background(), "missing.pdf")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Len(t, col.deleteOps, 1)
}

func Test_Chroma_DocumentsCollapsesChunks(t *testing.T) {
	col := &fakeCollection{getResult: &chroma.GetResultImpl{
		Ids: chroma.DocumentIDs{"a.pdf::part-1", "a.pdf::part-2", "b.pdf::part-1"},
		Metadatas: chroma.DocumentMetadatas{
			chunkMetadata("a.pdf", 1),
			chunkMetadata("a.pdf", 2),
			chunkMetadata("b.pdf", 1),
		},
	}}
	s := &ChromaStore{col: col}

	docs, err := s.Documents(context.Background())
	require.NoError(t, err)
	require.Len(t, docs, 2)

	assert.Equal(t, "a.pdf", docs[0].Name)
	assert.Equal(t, "hash-a.pdf", docs[0].SHA256)
	assert.Equal(t, 2, docs[0].Chunks)
	assert.Equal(t, int64(1700000000), docs[0].IngestedAt.Unix())
	assert.Equal(t, "b.pdf", docs[1].Name)

	doc, err := s.GetDocument(context.Background(), "b.pdf")
	require.NoError(t, err)
	assert.Equal(t, "b.pdf", doc.Name)

	_, err = s.GetDocument(context.Background(), "c.pdf")
	require.ErrorIs(t, err, ErrNotFound)
}

func Test_Chroma_EmbedderMismatchRejected(t *testing.T) {
	col := &fakeCollection{meta: chroma.NewMetadata(
		chroma.NewStringAttribute(metaVersion, "openai/text-embedding-3-small"),
		chroma.NewIntAttribute(metaDimensions, 1536),
	)}
	s := &ChromaStore{col: col}

	err := s.pinEmbedder(context.Background(), "ollama/nomic-embed-text", 1536)

	var cfgErr *ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Empty(t, col.modified)
}

func Test_Chroma_DimensionMismatchRejected(t *testing.T) {
	col := &fakeCollection{meta: chroma.NewMetadata(
		chroma.NewStringAttribute(metaVersion, "test/model-v1"),
		chroma.NewIntAttribute(metaDimensions, 1536),
	)}
	s := &ChromaStore{col: col}

	err := s.pinEmbedder(context.Background(), "test/model-v1", 768)

	var cfgErr *ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
}

func Test_Chroma_UnpinnedCollectionGetsPinned(t *testing.T) {
	col := &fakeCollection{}
	s := &ChromaStore{col: col}

	require.NoError(t, s.pinEmbedder(context.Background(), "test/model-v1", 3))

	require.Len(t, col.modified, 1)
	version, _ := col.modified[0].GetString(metaVersion)
	dims, _ := col.modified[0].GetInt(metaDimensions)
	assert.Equal(t, "test/model-v1", version)
	assert.Equal(t, int64(3), dims)

	// A second open with the same fingerprint leaves the pin untouched.
	require.NoError(t, s.pinEmbedder(context.Background(), "test/model-v1", 3))
	assert.Len(t, col.modified, 1)
}
