package extract

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"

	"code.sajari.com/docconv/v2"
)

// ocrImage pushes a rasterized page through docconv's tesseract-backed
// image conversion. docconv has no context support, so the encode+convert
// runs in a goroutine and the caller can abandon it on cancellation.
func ocrImage(ctx context.Context, img image.Image) (string, error) {
	type result struct {
		text string
		err  error
	}

	ch := make(chan result, 1)
	go func() {
		var buf bytes.Buffer
		if err := png.Encode(&buf, img); err != nil {
			ch <- result{err: fmt.Errorf("encoding page image: %w", err)}
			return
		}

		res, err := docconv.Convert(&buf, "image/png", false)
		if err != nil {
			ch <- result{err: fmt.Errorf("running OCR: %w", err)}
			return
		}

		ch <- result{text: res.Body}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case r := <-ch:
		return r.text, r.err
	}
}
