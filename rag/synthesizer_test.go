package rag

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/licitabot/licitabot/docstore"
)

func retrievalFor(hits ...docstore.Hit) RetrievalResult {
	return RetrievalResult{Question: "Qual o prazo de entrega?", Hits: hits}
}

func Test_Answer_EmptyResultSkipsGenerator(t *testing.T) {
	gen := &fakeGenerator{reply: "should never be used"}
	s := NewSynthesizer(discardLogger(), gen, SynthesizerConfig{})

	ans, err := s.Answer(context.Background(), "Qual o prazo de entrega?", retrievalFor())

	require.NoError(t, err)
	assert.Equal(t, "Não encontrei essa informação na base de documentos.", ans.Text)
	assert.True(t, ans.NoContext)
	assert.Empty(t, ans.Citations)
	assert.Zero(t, gen.callCount())
}

func Test_Answer_KeepsBackedCitations(t *testing.T) {
	gen := &fakeGenerator{reply: "O prazo de entrega é de 30 dias [Edital123.pdf - parte 1]. " +
		"Isto não substitui consulta/parecer jurídico formal."}
	s := NewSynthesizer(discardLogger(), gen, SynthesizerConfig{})

	ans, err := s.Answer(context.Background(), "Qual o prazo de entrega?", retrievalFor(
		docstore.Hit{Document: "Edital123.pdf", PartIndex: 1, Text: "O prazo de entrega é de 30 dias.", Score: 0.9},
	))

	require.NoError(t, err)
	assert.Contains(t, ans.Text, "[Edital123.pdf - parte 1]")
	assert.Equal(t, []Citation{{Document: "Edital123.pdf", PartIndex: 1}}, ans.Citations)
	assert.False(t, ans.Unverified)
}

func Test_Answer_StripsUnbackedCitations(t *testing.T) {
	gen := &fakeGenerator{reply: "O prazo é de 30 dias [Edital123.pdf - parte 1] " +
		"e há multa de 2% [Outro.pdf - parte 7]."}
	s := NewSynthesizer(discardLogger(), gen, SynthesizerConfig{})

	ans, err := s.Answer(context.Background(), "Qual o prazo de entrega?", retrievalFor(
		docstore.Hit{Document: "Edital123.pdf", PartIndex: 1, Text: "O prazo de entrega é de 30 dias.", Score: 0.9},
	))

	require.NoError(t, err)
	assert.Contains(t, ans.Text, "[Edital123.pdf - parte 1]")
	assert.NotContains(t, ans.Text, "Outro.pdf")
	assert.Contains(t, ans.Text, "Obs.:")
	assert.True(t, ans.Unverified)
	assert.Equal(t, []Citation{{Document: "Edital123.pdf", PartIndex: 1}}, ans.Citations)
}

func Test_Answer_DeduplicatesCitations(t *testing.T) {
	gen := &fakeGenerator{reply: "30 dias [Edital123.pdf - parte 1]. Prorrogável [Edital123.pdf - parte 1]."}
	s := NewSynthesizer(discardLogger(), gen, SynthesizerConfig{})

	ans, err := s.Answer(context.Background(), "Qual o prazo de entrega?", retrievalFor(
		docstore.Hit{Document: "Edital123.pdf", PartIndex: 1, Text: "O prazo de entrega é de 30 dias.", Score: 0.9},
	))

	require.NoError(t, err)
	assert.Len(t, ans.Citations, 1)
	assert.False(t, ans.Unverified)
}

func Test_Answer_RetriesGenerationOnce(t *testing.T) {
	gen := &fakeGenerator{failures: 1, reply: "30 dias [Edital123.pdf - parte 1]."}
	s := NewSynthesizer(discardLogger(), gen, SynthesizerConfig{})

	ans, err := s.Answer(context.Background(), "Qual o prazo de entrega?", retrievalFor(
		docstore.Hit{Document: "Edital123.pdf", PartIndex: 1, Text: "O prazo de entrega é de 30 dias.", Score: 0.9},
	))

	require.NoError(t, err)
	assert.Equal(t, 2, gen.callCount())
	assert.Contains(t, ans.Text, "30 dias")
}

func Test_Answer_SynthesisErrorAfterRetry(t *testing.T) {
	gen := &fakeGenerator{failures: 2, reply: "never reached"}
	s := NewSynthesizer(discardLogger(), gen, SynthesizerConfig{})

	_, err := s.Answer(context.Background(), "Qual o prazo de entrega?", retrievalFor(
		docstore.Hit{Document: "Edital123.pdf", PartIndex: 1, Text: "O prazo de entrega é de 30 dias.", Score: 0.9},
	))

	var synthErr *SynthesisError
	require.ErrorAs(t, err, &synthErr)
	assert.Equal(t, 2, gen.callCount())
}

func Test_BuildPrompt_IncludesMarkedContextBlocks(t *testing.T) {
	gen := &fakeGenerator{reply: "ok"}
	s := NewSynthesizer(discardLogger(), gen, SynthesizerConfig{})

	_, err := s.Answer(context.Background(), "Qual o prazo de entrega?", retrievalFor(
		docstore.Hit{Document: "Edital123.pdf", PartIndex: 1, Text: "O prazo de entrega é de 30 dias.", Score: 0.9},
		docstore.Hit{Document: "Edital123.pdf", PartIndex: 2, Text: "O pagamento será mensal.", Score: 0.5},
	))

	require.NoError(t, err)
	require.Len(t, gen.prompts, 1)
	assert.Contains(t, gen.prompts[0], "Qual o prazo de entrega?")
	assert.Contains(t, gen.prompts[0], "[Edital123.pdf - parte 1] O prazo de entrega é de 30 dias.")
	assert.Contains(t, gen.prompts[0], "[Edital123.pdf - parte 2] O pagamento será mensal.")
}

func Test_BuildPrompt_TruncatesContextAtLimit(t *testing.T) {
	gen := &fakeGenerator{reply: "ok"}
	s := NewSynthesizer(discardLogger(), gen, SynthesizerConfig{MaxContextChars: 80})

	_, err := s.Answer(context.Background(), "Qual o prazo de entrega?", retrievalFor(
		docstore.Hit{Document: "Edital123.pdf", PartIndex: 1, Text: "O prazo de entrega é de 30 dias corridos.", Score: 0.9},
		docstore.Hit{Document: "Edital123.pdf", PartIndex: 2, Text: "Um bloco extenso que não cabe mais no limite configurado para o contexto.", Score: 0.5},
	))

	require.NoError(t, err)
	require.Len(t, gen.prompts, 1)
	assert.Contains(t, gen.prompts[0], "parte 1")
	assert.NotContains(t, gen.prompts[0], "parte 2")
}
