package rag

import (
	"context"
	"errors"
	"hash/fnv"
	"io"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/licitabot/licitabot/docstore"
	"github.com/licitabot/licitabot/extract"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeEmbedder hashes tokens into buckets, so texts sharing words get
// similar vectors. Deterministic across runs.
type fakeEmbedder struct {
	mu         sync.Mutex
	batchCalls int
	batchSizes []int
	failBatch  int // first N EmbedBatch calls fail
	failEmbed  bool
}

const fakeDim = 64

func (f *fakeEmbedder) vector(text string) []float32 {
	v := make([]float32, fakeDim)
	tokens := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, t := range tokens {
		h := fnv.New32a()
		h.Write([]byte(t))
		v[h.Sum32()%fakeDim]++
	}
	return v
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if f.failEmbed {
		return nil, errors.New("embedder down")
	}
	return f.vector(text), nil
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	f.batchCalls++
	f.batchSizes = append(f.batchSizes, len(texts))
	fail := f.batchCalls <= f.failBatch
	f.mu.Unlock()

	if fail {
		return nil, errors.New("embedder down")
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = f.vector(t)
	}
	return out, nil
}

func (f *fakeEmbedder) Dimensions() int { return fakeDim }

func (f *fakeEmbedder) Version() string { return "fake/v1" }

// memStore is an in-memory docstore.Store with cosine similarity queries.
type memStore struct {
	mu      sync.Mutex
	docs    map[string]docstore.DocumentRecord
	entries map[string][]docstore.Entry

	upsertErr error
	upserts   int
}

func newMemStore() *memStore {
	return &memStore{
		docs:    make(map[string]docstore.DocumentRecord),
		entries: make(map[string][]docstore.Entry),
	}
}

func (m *memStore) Upsert(ctx context.Context, doc docstore.DocumentRecord, entries []docstore.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upserts++
	if m.upsertErr != nil {
		return m.upsertErr
	}
	m.docs[doc.Name] = doc
	m.entries[doc.Name] = append([]docstore.Entry(nil), entries...)
	return nil
}

func (m *memStore) Delete(ctx context.Context, document string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, found := m.docs[document]
	delete(m.docs, document)
	delete(m.entries, document)
	return found, nil
}

func (m *memStore) Query(ctx context.Context, vector []float32, k int) ([]docstore.Hit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var hits []docstore.Hit
	for _, entries := range m.entries {
		for _, e := range entries {
			hits = append(hits, docstore.Hit{
				Document:  e.Document,
				PartIndex: e.PartIndex,
				Text:      e.Text,
				Page:      e.Page,
				Score:     cosine(vector, e.Vector),
			})
		}
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		if hits[i].Document != hits[j].Document {
			return hits[i].Document < hits[j].Document
		}
		return hits[i].PartIndex < hits[j].PartIndex
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func (m *memStore) GetDocument(ctx context.Context, name string) (*docstore.DocumentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[name]
	if !ok {
		return nil, docstore.ErrNotFound
	}
	return &doc, nil
}

func (m *memStore) Documents(ctx context.Context) ([]docstore.DocumentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]docstore.DocumentRecord, 0, len(m.docs))
	for _, doc := range m.docs {
		out = append(out, doc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *memStore) Close() error { return nil }

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// fakeGenerator replies with a canned answer after failing a configured
// number of times.
type fakeGenerator struct {
	mu       sync.Mutex
	calls    int
	failures int
	reply    string
	prompts  []string
}

func (f *fakeGenerator) Generate(ctx context.Context, system, prompt string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.prompts = append(f.prompts, prompt)
	if f.calls <= f.failures {
		return "", errors.New("model overloaded")
	}
	return f.reply, nil
}

func (f *fakeGenerator) Model() string { return "fake-model" }

func (f *fakeGenerator) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeExtractor serves fixed pages per filename. When block is set, Extract
// signals started and waits for release, letting tests hold an ingestion
// mid-flight.
type fakeExtractor struct {
	mu      sync.Mutex
	calls   int
	pages   map[string][]extract.Page
	err     error
	started chan struct{}
	release chan struct{}
}

func (f *fakeExtractor) Extract(ctx context.Context, filename string, data []byte) ([]extract.Page, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	if f.started != nil {
		f.started <- struct{}{}
		<-f.release
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.pages[filename], nil
}

func (f *fakeExtractor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}
