// Package extract converts uploaded documents into ordered page text,
// falling back to OCR for pages that native extraction cannot read.
package extract

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"code.sajari.com/docconv/v2"
	"github.com/gen2brain/go-fitz"
)

// Method records how a page's text was obtained.
type Method string

const (
	MethodNative    Method = "native"
	MethodOCR       Method = "ocr"
	MethodOCRFailed Method = "ocr-failed"
)

// Page is one page of extracted text in document order.
type Page struct {
	Number int
	Text   string
	Method Method
}

// ExtractionError means a document yielded no text at all and cannot be
// indexed. It is fatal for that upload; retrying without a different file
// will not help.
type ExtractionError struct {
	Document string
	Reason   string
	Err      error
}

func (e *ExtractionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("extract %s: %s: %v", e.Document, e.Reason, e.Err)
	}
	return fmt.Sprintf("extract %s: %s", e.Document, e.Reason)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// pdfDocument is the slice of go-fitz we use, split out so tests can fake
// page content without crafting real PDFs.
type pdfDocument interface {
	NumPage() int
	Text(page int) (string, error)
	ImageDPI(page int, dpi float64) (*image.RGBA, error)
	Close() error
}

type ocrFunc func(ctx context.Context, img image.Image) (string, error)

// Config holds extractor tuning knobs.
type Config struct {
	// MinNativeChars is the character count below which a page is assumed
	// to be scanned and is sent to OCR.
	MinNativeChars int

	// OCRDPI is the rasterization resolution for OCR input.
	OCRDPI float64

	// OCRTimeout bounds the OCR call for a single page.
	OCRTimeout time.Duration
}

// Extractor turns document bytes into ordered page text.
type Extractor struct {
	log            *slog.Logger
	minNativeChars int
	ocrDPI         float64
	ocrTimeout     time.Duration

	open func(data []byte) (pdfDocument, error)
	ocr  ocrFunc
}

// New creates an Extractor backed by go-fitz for PDFs and docconv for
// everything else, including the OCR pass.
func New(log *slog.Logger, cfg Config) *Extractor {
	if cfg.MinNativeChars <= 0 {
		cfg.MinNativeChars = 64
	}
	if cfg.OCRDPI <= 0 {
		cfg.OCRDPI = 300
	}
	if cfg.OCRTimeout <= 0 {
		cfg.OCRTimeout = 60 * time.Second
	}

	return &Extractor{
		log:            log,
		minNativeChars: cfg.MinNativeChars,
		ocrDPI:         cfg.OCRDPI,
		ocrTimeout:     cfg.OCRTimeout,
		open: func(data []byte) (pdfDocument, error) {
			return fitz.NewFromMemory(data)
		},
		ocr: ocrImage,
	}
}

// Extract returns the ordered pages of a document. PDF pages whose native
// text falls below MinNativeChars are rasterized and OCRed; an OCR failure
// keeps the page with empty text and MethodOCRFailed. A document with no
// text on any page fails with ExtractionError.
func (e *Extractor) Extract(ctx context.Context, filename string, data []byte) ([]Page, error) {
	var (
		pages []Page
		err   error
	)
	if strings.EqualFold(filepath.Ext(filename), ".pdf") {
		pages, err = e.extractPDF(ctx, filename, data)
	} else {
		pages, err = e.extractConverted(filename, data)
	}
	if err != nil {
		return nil, err
	}

	for _, p := range pages {
		if strings.TrimSpace(p.Text) != "" {
			return pages, nil
		}
	}

	return nil, &ExtractionError{Document: filename, Reason: "no extractable text on any page"}
}

func (e *Extractor) extractPDF(ctx context.Context, filename string, data []byte) ([]Page, error) {
	doc, err := e.open(data)
	if err != nil {
		return nil, &ExtractionError{Document: filename, Reason: "unreadable PDF", Err: err}
	}
	defer doc.Close()

	n := doc.NumPage()
	if n == 0 {
		return nil, &ExtractionError{Document: filename, Reason: "PDF has no pages"}
	}

	pages := make([]Page, 0, n)
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		text, err := doc.Text(i)
		if err == nil && len(strings.TrimSpace(text)) >= e.minNativeChars {
			pages = append(pages, Page{Number: i + 1, Text: text, Method: MethodNative})
			continue
		}

		pages = append(pages, e.ocrPage(ctx, doc, filename, i))
	}

	return pages, nil
}

// ocrPage rasterizes a single page and runs it through OCR, bounded by
// OCRTimeout. Failures are non-fatal for the document: the page is kept
// empty with MethodOCRFailed.
func (e *Extractor) ocrPage(ctx context.Context, doc pdfDocument, filename string, page int) Page {
	img, err := doc.ImageDPI(page, e.ocrDPI)
	if err != nil {
		e.log.Warn("page rasterization failed",
			slog.String("document", filename),
			slog.Int("page", page+1),
			slog.String("error", err.Error()))
		return Page{Number: page + 1, Method: MethodOCRFailed}
	}

	ctx, cancel := context.WithTimeout(ctx, e.ocrTimeout)
	defer cancel()

	text, err := e.ocr(ctx, img)
	if err != nil {
		e.log.Warn("OCR failed",
			slog.String("document", filename),
			slog.Int("page", page+1),
			slog.String("error", err.Error()))
		return Page{Number: page + 1, Method: MethodOCRFailed}
	}

	return Page{Number: page + 1, Text: text, Method: MethodOCR}
}

// extractConverted handles non-PDF formats (.txt, .docx, .odt) through
// docconv as a single synthetic page.
func (e *Extractor) extractConverted(filename string, data []byte) ([]Page, error) {
	mime := docconv.MimeTypeByExtension(filename)
	res, err := docconv.Convert(bytes.NewReader(data), mime, true)
	if err != nil {
		return nil, &ExtractionError{Document: filename, Reason: "conversion failed", Err: err}
	}

	return []Page{{Number: 1, Text: res.Body, Method: MethodNative}}, nil
}
