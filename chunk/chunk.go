// Package chunk splits extracted page text into overlapping passages with
// stable, reproducible identifiers. The same input bytes always produce the
// same chunk boundaries, which keeps citations valid across re-ingestion.
package chunk

import (
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/licitabot/licitabot/extract"
)

// Chunk is a bounded contiguous passage of a document's text, the atomic
// unit of retrieval and citation. PartIndex is 1-based.
type Chunk struct {
	Document  string
	PartIndex int
	Text      string
	Page      int
	Start     int
	End       int
}

// ID returns the stable chunk identifier used by the index and citations.
func (c Chunk) ID() string {
	return ChunkID(c.Document, c.PartIndex)
}

// ChunkID builds the canonical identifier for a document part.
func ChunkID(document string, part int) string {
	return document + "::part-" + strconv.Itoa(part)
}

// Splitter produces chunks targeting TargetSize characters, never exceeding
// MaxSize, with Overlap characters of sentence-aligned context carried
// between consecutive chunks.
type Splitter struct {
	TargetSize int
	MaxSize    int
	MinSize    int
	Overlap    int
}

// NewSplitter applies defaults for any zero field.
func NewSplitter(target, max, min, overlap int) *Splitter {
	if target <= 0 {
		target = 800
	}
	if max < target {
		max = target + target/4
	}
	if min <= 0 || min > target {
		min = 200
	}
	if overlap < 0 || overlap >= target {
		overlap = 100
	}
	return &Splitter{TargetSize: target, MaxSize: max, MinSize: min, Overlap: overlap}
}

// sentenceRe matches runs of text up to a sentence or line terminator.
var sentenceRe = regexp.MustCompile(`[^.!?\n]+[.!?\n]*|[.!?\n]+`)

type segment struct {
	start int
	end   int
}

// Split turns ordered pages into chunks. Pages with empty text (for example
// OCR failures) contribute nothing but do not shift the numbering of later
// pages. A document shorter than TargetSize yields exactly one chunk.
func (s *Splitter) Split(document string, pages []extract.Page) []Chunk {
	text, pageStarts := flatten(pages)
	if strings.TrimSpace(text) == "" {
		return nil
	}

	segs := s.segments(text)
	if len(segs) == 0 {
		return nil
	}

	var chunks []Chunk
	i := 0
	for i < len(segs) {
		j := i
		length := 0
		for j < len(segs) {
			next := segs[j].end - segs[i].start
			// A chunk below MinSize keeps absorbing segments; segments()
			// caps their size so this cannot overshoot MaxSize.
			if length >= s.MinSize && (length >= s.TargetSize || next > s.MaxSize) {
				break
			}
			length = next
			j++
		}
		if j == i {
			// Guards against a zero-progress loop.
			j = i + 1
		}

		start, end := segs[i].start, segs[j-1].end
		chunks = append(chunks, Chunk{
			Document:  document,
			PartIndex: len(chunks) + 1,
			Text:      text[start:end],
			Page:      pageAt(pages, pageStarts, start),
			Start:     start,
			End:       end,
		})

		if j >= len(segs) {
			break
		}
		i = s.overlapStart(segs, i, j)
	}

	return chunks
}

// segments splits the text into sentence-sized pieces, hard-splitting any
// single sentence longer than MaxSize-MinSize at rune boundaries. The cap
// leaves room for a chunk still below MinSize to take one more whole
// segment without breaching MaxSize, so only the final chunk of a document
// may come out shorter than MinSize.
func (s *Splitter) segments(text string) []segment {
	limit := s.MaxSize - s.MinSize
	if limit <= 0 {
		limit = s.MaxSize
	}

	var segs []segment
	for _, loc := range sentenceRe.FindAllStringIndex(text, -1) {
		start, end := loc[0], loc[1]
		if strings.TrimSpace(text[start:end]) == "" {
			continue
		}
		for end-start > limit {
			cut := start + limit
			for cut > start && !utf8.RuneStart(text[cut]) {
				cut--
			}
			segs = append(segs, segment{start: start, end: cut})
			start = cut
		}
		segs = append(segs, segment{start: start, end: end})
	}
	return segs
}

// overlapStart walks back from the end of the emitted chunk, carrying whole
// trailing segments into the next chunk for as long as they fit within the
// configured overlap. Forward progress is guaranteed.
func (s *Splitter) overlapStart(segs []segment, prevStart, next int) int {
	k := next
	for k-1 > prevStart && segs[next-1].end-segs[k-1].start <= s.Overlap {
		k--
	}
	return k
}

// flatten joins page texts with blank lines, recording the offset at which
// each page begins in the combined text.
func flatten(pages []extract.Page) (string, []int) {
	var b strings.Builder
	starts := make([]int, len(pages))
	for i, p := range pages {
		if i > 0 && b.Len() > 0 && p.Text != "" {
			b.WriteString("\n\n")
		}
		starts[i] = b.Len()
		b.WriteString(p.Text)
	}
	return b.String(), starts
}

// pageAt returns the page number owning the given offset.
func pageAt(pages []extract.Page, starts []int, off int) int {
	page := 1
	for i, p := range pages {
		if p.Text == "" {
			continue
		}
		if starts[i] <= off {
			page = p.Number
		}
	}
	return page
}
