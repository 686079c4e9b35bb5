package rag

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/licitabot/licitabot/llm"
)

// systemPrompt keeps the assistant inside the supplied context and enforces
// the citation marker downstream consumers parse.
const systemPrompt = "Você é um assistente jurídico especializado em Licitações e Contratos no Brasil. " +
	"Foque em: pregão eletrônico, gestão/fiscalização contratual, aditivos, reequilíbrio, sanções, rescisão e Lei 14.133/2021. " +
	"Responda APENAS com base no contexto fornecido; se o contexto não contiver a resposta, diga que a informação não está na base de documentos. " +
	"Cite a fonte de cada afirmação entre colchetes no formato [arquivo - parte N]. " +
	"Se houver variações estaduais/municipais, avise. " +
	"Finalize com: 'Isto não substitui consulta/parecer jurídico formal.'"

// insufficientContext is the fixed response when retrieval finds nothing;
// the generation backend is not called in that case.
const insufficientContext = "Não encontrei essa informação na base de documentos."

// unverifiableNote annotates answers whose unsupported citations were
// stripped during validation.
const unverifiableNote = "Obs.: uma ou mais afirmações citavam fontes fora do contexto recuperado e tiveram a citação removida."

// citationRe matches the literal marker `[<filename> - parte <N>]`.
var citationRe = regexp.MustCompile(`\[([^\[\]]+) - parte (\d+)\]`)

// Citation is a validated reference to a chunk that was actually retrieved
// for this answer.
type Citation struct {
	Document  string `json:"document"`
	PartIndex int    `json:"part_index"`
}

// Answer is a generated response plus the citations that survived
// validation against the retrieval set.
type Answer struct {
	Text       string     `json:"answer"`
	Citations  []Citation `json:"citations,omitempty"`
	Unverified bool       `json:"unverified,omitempty"`
	NoContext  bool       `json:"no_context,omitempty"`
}

// SynthesisError wraps a generation-backend failure. It is recoverable; the
// synthesizer already retried once before surfacing it.
type SynthesisError struct {
	Err error
}

func (e *SynthesisError) Error() string { return fmt.Sprintf("answer synthesis: %v", e.Err) }

func (e *SynthesisError) Unwrap() error { return e.Err }

// SynthesizerConfig bounds the prompt and the generation call.
type SynthesizerConfig struct {
	// Timeout bounds each generation attempt.
	Timeout time.Duration

	// MaxContextChars caps the total size of context blocks in the prompt.
	MaxContextChars int
}

// Synthesizer builds a prompt from retrieved chunks and post-validates the
// generated citations. It never returns a citation for a chunk that was not
// retrieved.
type Synthesizer struct {
	log       *slog.Logger
	generator llm.Generator

	timeout         time.Duration
	maxContextChars int
}

// NewSynthesizer applies defaults for any zero config field.
func NewSynthesizer(log *slog.Logger, generator llm.Generator, cfg SynthesizerConfig) *Synthesizer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.MaxContextChars <= 0 {
		cfg.MaxContextChars = 8000
	}

	return &Synthesizer{
		log:             log,
		generator:       generator,
		timeout:         cfg.Timeout,
		maxContextChars: cfg.MaxContextChars,
	}
}

// Answer produces the cited answer for a retrieval result. An empty result
// short-circuits to the fixed insufficient-context response.
func (s *Synthesizer) Answer(ctx context.Context, question string, res RetrievalResult) (Answer, error) {
	if res.Empty() {
		return Answer{Text: insufficientContext, NoContext: true}, nil
	}

	prompt := s.buildPrompt(question, res)

	text, err := s.generate(ctx, prompt)
	if err != nil {
		// One retry for a transient backend failure, then give up.
		s.log.Warn("generation failed, retrying once", slog.String("error", err.Error()))
		if text, err = s.generate(ctx, prompt); err != nil {
			return Answer{}, &SynthesisError{Err: err}
		}
	}

	return s.validate(text, res), nil
}

func (s *Synthesizer) generate(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.generator.Generate(ctx, systemPrompt, prompt)
}

// buildPrompt assembles the context blocks, each prefixed with its citation
// marker, truncated at MaxContextChars whole blocks.
func (s *Synthesizer) buildPrompt(question string, res RetrievalResult) string {
	var blocks []string
	total := 0
	for _, h := range res.Hits {
		block := fmt.Sprintf("[%s - parte %d] %s", h.Document, h.PartIndex, h.Text)
		if total+len(block) > s.maxContextChars && len(blocks) > 0 {
			break
		}
		blocks = append(blocks, block)
		total += len(block)
	}

	return fmt.Sprintf(
		"Pergunta do usuário:\n%s\n\nContexto (responda somente com base nele e cite a fonte):\n%s",
		question, strings.Join(blocks, "\n\n"))
}

// validate checks every citation marker against the retrieval set. Markers
// for chunks that were not retrieved are stripped and the answer is flagged
// rather than trusting the backend.
func (s *Synthesizer) validate(text string, res RetrievalResult) Answer {
	retrieved := make(map[Citation]struct{}, len(res.Hits))
	for _, h := range res.Hits {
		retrieved[Citation{Document: h.Document, PartIndex: h.PartIndex}] = struct{}{}
	}

	var (
		citations []Citation
		seen      = make(map[Citation]struct{})
		stripped  bool
	)
	clean := citationRe.ReplaceAllStringFunc(text, func(marker string) string {
		m := citationRe.FindStringSubmatch(marker)
		part, err := strconv.Atoi(m[2])
		if err != nil {
			stripped = true
			return ""
		}

		c := Citation{Document: m[1], PartIndex: part}
		if _, ok := retrieved[c]; !ok {
			stripped = true
			return ""
		}
		if _, ok := seen[c]; !ok {
			seen[c] = struct{}{}
			citations = append(citations, c)
		}
		return marker
	})

	if stripped {
		s.log.Warn("stripped citations not backed by retrieval",
			slog.Int("kept", len(citations)))
		clean = strings.TrimSpace(clean) + "\n\n" + unverifiableNote
	}

	return Answer{Text: clean, Citations: citations, Unverified: stripped}
}
