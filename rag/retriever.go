package rag

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"sort"
	"strings"

	"github.com/licitabot/licitabot/docstore"
	"github.com/licitabot/licitabot/embed"
)

// RetrievalResult is the ranked set of chunks backing one answer. Empty
// means "insufficient context", which is an ordinary outcome, not an error.
type RetrievalResult struct {
	Question string
	Hits     []docstore.Hit
}

// Empty reports whether no chunk cleared the relevance threshold.
func (r RetrievalResult) Empty() bool { return len(r.Hits) == 0 }

// RetrieverConfig holds ranking knobs.
type RetrieverConfig struct {
	// K is the number of chunks handed to the synthesizer.
	K int

	// Overfetch multiplies K for the index query, giving the re-ranker
	// room to demote high-similarity but off-topic candidates.
	Overfetch int

	// MinScore drops candidates whose raw cosine similarity falls below
	// it, before re-ranking. Re-ranking normalizes scores relative to the
	// candidate set, so only the raw similarity can tell an off-topic
	// index apart from a relevant one.
	MinScore float64

	// Alpha weighs embedding similarity against lexical overlap in the
	// combined score (1 = similarity only).
	Alpha float64
}

// Retriever embeds a question and queries the index, then re-ranks the
// candidates with a lexical-overlap signal. Ranking is deterministic for a
// given index state and question.
type Retriever struct {
	log      *slog.Logger
	embedder embed.Embedder
	store    docstore.Store
	retry    Retry

	k         int
	overfetch int
	minScore  float64
	alpha     float64
}

// NewRetriever applies defaults for any zero config field.
func NewRetriever(log *slog.Logger, embedder embed.Embedder, store docstore.Store, retry Retry, cfg RetrieverConfig) *Retriever {
	if cfg.K <= 0 {
		cfg.K = 4
	}
	if cfg.Overfetch <= 0 {
		cfg.Overfetch = 3
	}
	if cfg.MinScore <= 0 {
		cfg.MinScore = 0.15
	}
	if cfg.Alpha <= 0 || cfg.Alpha > 1 {
		cfg.Alpha = 0.7
	}

	return &Retriever{
		log:       log,
		embedder:  embedder,
		store:     store,
		retry:     retry,
		k:         cfg.K,
		overfetch: cfg.Overfetch,
		minScore:  cfg.MinScore,
		alpha:     cfg.Alpha,
	}
}

// Retrieve returns the top-K chunks for the question. An empty index or a
// board of candidates below MinScore yields an empty result and nil error.
func (r *Retriever) Retrieve(ctx context.Context, question string) (RetrievalResult, error) {
	res := RetrievalResult{Question: question}

	var vector []float32
	err := r.retry.Do(ctx, func(ctx context.Context) error {
		var err error
		vector, err = r.embedder.Embed(ctx, question)
		return err
	})
	if err != nil {
		return res, fmt.Errorf("embedding question: %w", err)
	}

	candidates, err := r.store.Query(ctx, vector, r.k*r.overfetch)
	if err != nil {
		return res, fmt.Errorf("querying index: %w", err)
	}

	// Threshold on raw similarity before re-ranking. Min-max
	// normalization always pins the best candidate at 1, so a combined
	// score can never reveal that every candidate is off topic.
	relevant := candidates[:0]
	for _, h := range candidates {
		if h.Score >= r.minScore {
			relevant = append(relevant, h)
		}
	}
	if len(relevant) == 0 {
		r.log.Debug("retrieval finished",
			slog.Int("candidates", len(candidates)),
			slog.Int("kept", 0))
		return res, nil
	}

	kept := r.rerank(question, relevant)
	if len(kept) > r.k {
		kept = kept[:r.k]
	}

	r.log.Debug("retrieval finished",
		slog.Int("candidates", len(candidates)),
		slog.Int("kept", len(kept)))

	res.Hits = kept
	return res, nil
}

// rerank combines min-max normalized similarity with token overlap between
// question and chunk. Ties break on (document, part) for stable ordering.
func (r *Retriever) rerank(question string, hits []docstore.Hit) []docstore.Hit {
	lo, hi := hits[0].Score, hits[0].Score
	for _, h := range hits {
		lo = math.Min(lo, h.Score)
		hi = math.Max(hi, h.Score)
	}

	qset := tokenSet(question)
	ranked := make([]docstore.Hit, len(hits))
	for i, h := range hits {
		sim := 1.0
		if hi > lo {
			sim = (h.Score - lo) / (hi - lo)
		}
		h.Score = r.alpha*sim + (1-r.alpha)*lexicalOverlap(qset, h.Text)
		ranked[i] = h
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		if ranked[i].Document != ranked[j].Document {
			return ranked[i].Document < ranked[j].Document
		}
		return ranked[i].PartIndex < ranked[j].PartIndex
	})

	return ranked
}

var wordRe = regexp.MustCompile(`\p{L}+(?:['’]\p{L}+)*|\p{N}+`)

func tokenSet(s string) map[string]struct{} {
	tokens := wordRe.FindAllString(strings.ToLower(s), -1)
	set := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		set[t] = struct{}{}
	}
	return set
}

// lexicalOverlap is the Ochiai coefficient between the question's token set
// and the chunk's: |A∩B| / sqrt(|A|·|B|).
func lexicalOverlap(qset map[string]struct{}, text string) float64 {
	if len(qset) == 0 {
		return 0
	}

	seen := make(map[string]struct{})
	inter := 0
	for _, t := range wordRe.FindAllString(strings.ToLower(text), -1) {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		if _, ok := qset[t]; ok {
			inter++
		}
	}
	if len(seen) == 0 {
		return 0
	}

	return float64(inter) / math.Sqrt(float64(len(qset))*float64(len(seen)))
}
