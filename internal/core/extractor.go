package core

import (
	"context"

	"github.com/markdave123-py/mediawhisperer/internal/models"
)

// DocumentExtractor turns raw document bytes into ordered pages.
// The contentType hint helps the extractor choose the right parsing strategy.
// Extraction is all-or-nothing: on error no pages are returned.
type DocumentExtractor interface {
	Extract(ctx context.Context, data []byte, contentType string) ([]models.Page, error)
}
