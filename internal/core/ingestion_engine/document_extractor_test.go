package ingestion_engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markdave123-py/mediawhisperer/internal/core"
	"github.com/markdave123-py/mediawhisperer/internal/models"
)

type typeRecorder struct {
	name string
	got  string
}

func (r *typeRecorder) Extract(ctx context.Context, data []byte, contentType string) ([]models.Page, error) {
	r.got = contentType
	return []models.Page{{Number: 1, RawText: r.name}}, nil
}

func TestMediaExtractorRoutes(t *testing.T) {
	var tests = []struct {
		contentType string
		data        string
		wantRoute   string
		wantType    string
	}{
		{"application/pdf", "%PDF-1.4", "pdf", mimePDF},
		{"Application/PDF; name=report.pdf", "", "pdf", mimePDF},
		{"application/octet-stream", "%PDF-1.7 ...", "pdf", mimePDF},
		{"text/html; charset=utf-8", "<p>hi</p>", "other", "text/html"},
		{"application/vnd.openxmlformats-officedocument.wordprocessingml.document", "PK", "other",
			"application/vnd.openxmlformats-officedocument.wordprocessingml.document"},
	}
	for _, tt := range tests {
		t.Run(tt.contentType, func(t *testing.T) {
			pdf, other := &typeRecorder{name: "pdf"}, &typeRecorder{name: "other"}
			pages, err := NewMediaExtractor(pdf, other).Extract(context.Background(), []byte(tt.data), tt.contentType)
			require.NoError(t, err)
			assert.Equal(t, tt.wantRoute, pages[0].RawText)
			if tt.wantRoute == "pdf" {
				assert.Equal(t, tt.wantType, pdf.got)
			} else {
				assert.Equal(t, tt.wantType, other.got)
			}
		})
	}
}

func TestMediaExtractorRejectsUnsupportedTypes(t *testing.T) {
	m := NewMediaExtractor(&typeRecorder{}, &typeRecorder{})
	_, err := m.Extract(context.Background(), []byte{0x89, 'P', 'N', 'G'}, "image/png")
	assert.ErrorIs(t, err, core.ErrInvalidInput)
}

func TestSplitFormFeeds(t *testing.T) {
	pages, err := splitFormFeeds("one\ftwo\f")
	require.NoError(t, err)
	assert.Equal(t, []models.Page{{Number: 1, RawText: "one"}, {Number: 2, RawText: "two"}}, pages)

	_, err = splitFormFeeds(" \n ")
	assert.ErrorIs(t, err, core.ErrInvalidInput)
}

func TestSupportedMediaType(t *testing.T) {
	assert.True(t, SupportedMediaType("application/pdf", nil))
	assert.True(t, SupportedMediaType("", []byte("%PDF-1.5")))
	assert.True(t, SupportedMediaType("text/html; charset=utf-8", []byte("<html>")))
	assert.False(t, SupportedMediaType("image/png", []byte{0x89, 'P', 'N', 'G'}))
}
