package ingestion_engine

import (
	"bytes"
	"context"
	"mime"
	"strings"

	"code.sajari.com/docconv"

	"github.com/markdave123-py/mediawhisperer/internal/core"
	"github.com/markdave123-py/mediawhisperer/internal/models"
)

var (
	_ core.DocumentExtractor = (*DocconvExtractor)(nil)
	_ core.DocumentExtractor = (*MediaExtractor)(nil)
)

const mimePDF = "application/pdf"

// docconvTypes are the media types handed to docconv.
var docconvTypes = map[string]bool{
	"application/msword": true,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": true,
	"application/vnd.oasis.opendocument.text":                                 true,
	"application/vnd.apple.pages":                                             true,
	"application/rtf":                                                         true,
	"text/rtf":                                                                true,
	"text/html":                                                               true,
	"text/xml":                                                                true,
	"application/xml":                                                         true,
	"text/plain":                                                              true,
}

// DocconvExtractor implements core.DocumentExtractor using sajari/docconv.
// Form feeds in the converted body mark page breaks; without them the whole
// document is one page.
type DocconvExtractor struct {
	useReadability bool
}

func NewDocconvExtractor(useReadability bool) *DocconvExtractor {
	return &DocconvExtractor{useReadability: useReadability}
}

func (e *DocconvExtractor) Extract(ctx context.Context, data []byte, contentType string) ([]models.Page, error) {
	const op = "extract document"

	res, err := docconv.Convert(bytes.NewReader(data), contentType, e.useReadability)
	if err != nil {
		return nil, core.E(core.KindInvalidInput, op, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return splitFormFeeds(res.Body)
}

func splitFormFeeds(body string) ([]models.Page, error) {
	if strings.TrimSpace(body) == "" {
		return nil, core.Errorf(core.KindInvalidInput, "extract document", "no text found")
	}
	parts := strings.Split(strings.TrimRight(body, "\f"), "\f")
	pages := make([]models.Page, len(parts))
	for i, p := range parts {
		pages[i] = models.Page{Number: i + 1, RawText: p}
	}
	return pages, nil
}

// MediaExtractor routes by media type: PDFs go to the content-stream reader,
// other supported formats to docconv.
type MediaExtractor struct {
	pdf   core.DocumentExtractor
	other core.DocumentExtractor
}

func NewMediaExtractor(pdf, other core.DocumentExtractor) *MediaExtractor {
	return &MediaExtractor{pdf: pdf, other: other}
}

func (m *MediaExtractor) Extract(ctx context.Context, data []byte, contentType string) ([]models.Page, error) {
	mt := normalizeMediaType(contentType)
	switch {
	case mt == mimePDF || bytes.HasPrefix(data, []byte("%PDF-")):
		return m.pdf.Extract(ctx, data, mimePDF)
	case docconvTypes[mt]:
		return m.other.Extract(ctx, data, mt)
	}
	return nil, core.Errorf(core.KindInvalidInput, "extract document", "unsupported media type %q", contentType)
}

func normalizeMediaType(contentType string) string {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(contentType))
	}
	return mt
}

// SupportedMediaType reports whether MediaExtractor can read a document with
// this content type and leading bytes.
func SupportedMediaType(contentType string, head []byte) bool {
	mt := normalizeMediaType(contentType)
	return mt == mimePDF || bytes.HasPrefix(head, []byte("%PDF-")) || docconvTypes[mt]
}
