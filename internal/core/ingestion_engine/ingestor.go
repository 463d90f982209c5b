package ingestion_engine

import (
	"context"

	"github.com/markdave123-py/mediawhisperer/internal/models"
)

// Ingestor drives documents through extraction, cleaning, structuring and
// indexing. At most one run per document is active at a time.
type Ingestor interface {
	Start(ctx context.Context)
	Stop()
	// Submit queues a pending, failed or cancelled document. It returns a busy
	// error if the document already has a run or the queue is full.
	Submit(ctx context.Context, docID string) error
	Cancel(ctx context.Context, docID string) error
	// Delete stops any run and removes the document with everything it owns.
	Delete(ctx context.Context, docID string) error
	// Recover resubmits documents left pending or mid-pipeline by a previous process.
	Recover(ctx context.Context) (int, error)
	Status(ctx context.Context, docID string) (*models.Document, error)
}

var _ Ingestor = (*DocumentIngestor)(nil)
