package storage

import (
	"bytes"
	"context"
	"io"
	"mime"
	"strings"
	"unicode/utf8"

	"github.com/recasthq/recast/errdefs"
)

// maxExtractBytes caps how much content extraction reads per document.
const maxExtractBytes = 10 << 20

// ContentExtractor turns an uploaded blob into the plain text handed
// to transformations. Binary formats (PDF, DOCX) plug in behind this
// interface; the built-in extractor covers the text family.
type ContentExtractor interface {
	Supports(contentType string) bool
	Extract(ctx context.Context, contentType string, body io.Reader) (string, error)
}

var textTypes = map[string]bool{
	"text/plain":      true,
	"text/markdown":   true,
	"text/x-markdown": true,
	"text/csv":        true,
}

// TextExtractor passes text content through unchanged apart from BOM
// stripping and UTF-8 validation.
type TextExtractor struct{}

func NewTextExtractor() *TextExtractor { return &TextExtractor{} }

// Supports reports whether the media type is in the plain text family.
// Parameters like charset are ignored.
func (e *TextExtractor) Supports(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return textTypes[strings.ToLower(mt)]
}

// Extract reads the body and returns it as a string. Invalid UTF-8 and
// oversized or empty content are rejected as invalid input so the
// document lands in the failed state with a reason.
func (e *TextExtractor) Extract(_ context.Context, contentType string, body io.Reader) (string, error) {
	if !e.Supports(contentType) {
		return "", errdefs.E(errdefs.ErrInvalidInput, "unsupported content type %q", contentType)
	}
	data, err := io.ReadAll(io.LimitReader(body, maxExtractBytes+1))
	if err != nil {
		return "", errdefs.Wrapf(errdefs.ErrTransient, err, "read content")
	}
	if len(data) > maxExtractBytes {
		return "", errdefs.E(errdefs.ErrInvalidInput, "content exceeds %d bytes", maxExtractBytes)
	}
	data = bytes.TrimPrefix(data, []byte{0xEF, 0xBB, 0xBF})
	if !utf8.Valid(data) {
		return "", errdefs.E(errdefs.ErrInvalidInput, "content is not valid utf-8")
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return "", errdefs.E(errdefs.ErrInvalidInput, "content is empty")
	}
	return string(data), nil
}
