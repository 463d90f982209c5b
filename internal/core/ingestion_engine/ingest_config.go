package ingestion_engine

import (
	"context"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/markdave123-py/mediawhisperer/internal/core"
	"github.com/markdave123-py/mediawhisperer/internal/core/llm"
)

// IngestConfig tunes the pipeline.
//
// Workers:            documents processed concurrently.
// QueueSize:          accepted submissions waiting for a worker; a full queue rejects with busy.
// ChunkMaxTokens:     approximate tokens per chunk (e.g. 400).
// ChunkOverlapTokens: token overlap between consecutive chunks (e.g. 50).
// EmbedBatchSize:     chunks per embedding request.
// EmbedConcurrency:   embedding requests in flight per document.
// EmbedDim:           expected vector dimension; 0 skips the check.
// Bucket:             object storage bucket holding raw uploads.
// Retry:              provider retry policy.
// StopTimeout:        how long Stop waits for runs to wind down.
type IngestConfig struct {
	Workers            int
	QueueSize          int
	ChunkMaxTokens     int
	ChunkOverlapTokens int
	EmbedBatchSize     int
	EmbedConcurrency   int
	EmbedDim           int
	Bucket             string
	Retry              llm.RetryPolicy
	StopTimeout        time.Duration
}

// run is one accepted submission, queued or executing.
//
// cancelled and deleted record why ctx was cancelled; both are guarded by
// the ingestor's mutex. done closes once the run has written its last status.
type run struct {
	docID     string
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	cancelled bool
	deleted   bool
	// started is set once a worker picks the run up; closed once done is closed.
	started bool
	closed  bool
}

// DocumentIngestor orchestrates the background ingestion pipeline:
//
// db:        persistence for documents, pages, sections, chunks and embeddings.
// obj:       object storage holding the raw bytes.
// extractor: bytes to pages.
// indexer:   embeds chunks lacking an embedding.
// jobs:      bounded queue between Submit and the worker pool.
// active:    queued or executing runs by document ID; at most one per document.
type DocumentIngestor struct {
	db        core.DbClient
	obj       core.ObjectClient
	extractor core.DocumentExtractor
	indexer   *Indexer
	chunker   Chunker
	cfg       IngestConfig

	jobs chan *run
	pool *ants.Pool

	mu      sync.Mutex
	active  map[string]*run
	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
}
