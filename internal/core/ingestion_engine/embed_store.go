package ingestion_engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/markdave123-py/mediawhisperer/internal/core"
	"github.com/markdave123-py/mediawhisperer/internal/core/llm"
	"github.com/markdave123-py/mediawhisperer/internal/models"
)

// Indexer embeds the chunks of a document that have no embedding yet.
// Embeddings are persisted as soon as their batch succeeds, so a failed run
// keeps its progress and a rerun only embeds what is still missing.
type Indexer struct {
	db          core.DbClient
	embedder    core.EmbeddingProvider
	retry       llm.RetryPolicy
	batchSize   int
	concurrency int
	dim         int
}

func NewIndexer(db core.DbClient, embedder core.EmbeddingProvider, retry llm.RetryPolicy, batchSize, concurrency, dim int) *Indexer {
	return &Indexer{
		db:          db,
		embedder:    embedder,
		retry:       retry,
		batchSize:   max(batchSize, 1),
		concurrency: max(concurrency, 1),
		dim:         dim,
	}
}

// Run embeds every missing chunk and then verifies the document is fully
// indexed. A batch that keeps failing is retried one chunk at a time so a
// single bad chunk cannot hold back the rest.
func (x *Indexer) Run(ctx context.Context, docID string) error {
	missing, err := x.db.ListChunksMissingEmbeddings(ctx, docID)
	if err != nil {
		return fmt.Errorf("list missing embeddings: %w", err)
	}

	if len(missing) > 0 {
		batches := splitBatches(missing, x.batchSize)
		zap.S().Infow("Indexer: embedding chunks", "document_id", docID, "chunks", len(missing), "batches", len(batches))

		var (
			g    errgroup.Group
			mu   sync.Mutex
			errs []error
		)
		g.SetLimit(x.concurrency)
		for _, batch := range batches {
			batch := batch
			g.Go(func() error {
				if err := x.embedBatch(ctx, docID, batch); err != nil {
					mu.Lock()
					errs = append(errs, err)
					mu.Unlock()
				}
				return nil
			})
		}
		_ = g.Wait()

		if err := ctx.Err(); err != nil {
			return err
		}
		if len(errs) > 0 {
			return fmt.Errorf("%d of %d batches incomplete: %w", len(errs), len(batches), errors.Join(errs...))
		}
	}

	return x.verify(ctx, docID)
}

// verify checks that every chunk has exactly one embedding.
func (x *Indexer) verify(ctx context.Context, docID string) error {
	chunks, err := x.db.GetChunks(ctx, docID)
	if err != nil {
		return fmt.Errorf("get chunks: %w", err)
	}
	n, err := x.db.CountEmbeddings(ctx, docID)
	if err != nil {
		return fmt.Errorf("count embeddings: %w", err)
	}
	if n != len(chunks) {
		return core.Errorf(core.KindInternal, "index document", "%d embeddings for %d chunks", n, len(chunks))
	}
	return nil
}

func (x *Indexer) embedBatch(ctx context.Context, docID string, batch []models.Chunk) error {
	err := x.embedAndStore(ctx, docID, batch)
	if err == nil || len(batch) == 1 || ctx.Err() != nil {
		return err
	}

	zap.S().Warnw("Indexer: batch failed, retrying chunks individually",
		"document_id", docID, "first_seq", batch[0].Seq, "size", len(batch), "error", err)

	var firstErr error
	for i := range batch {
		if err := x.embedAndStore(ctx, docID, batch[i:i+1]); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			zap.S().Warnw("Indexer: chunk failed", "document_id", docID, "seq", batch[i].Seq, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (x *Indexer) embedAndStore(ctx context.Context, docID string, batch []models.Chunk) error {
	texts := make([]string, len(batch))
	for i := range batch {
		texts[i] = batch[i].Text
	}

	vecs, err := llm.Retry(ctx, x.retry, "embed chunks", func(ctx context.Context) ([][]float32, error) {
		return x.embedder.EmbedTexts(ctx, texts)
	})
	if err != nil {
		return err
	}
	if len(vecs) != len(batch) {
		return core.Errorf(core.KindInternal, "embed chunks", "got %d vectors for %d chunks", len(vecs), len(batch))
	}

	rows := make([]models.Embedding, len(batch))
	for i := range batch {
		if x.dim > 0 && len(vecs[i]) != x.dim {
			return core.Errorf(core.KindInternal, "embed chunks", "vector dimension %d, want %d", len(vecs[i]), x.dim)
		}
		rows[i] = models.Embedding{ChunkID: batch[i].ID, DocumentID: docID, Vector: vecs[i]}
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := x.db.InsertEmbeddings(ctx, rows); err != nil {
		return fmt.Errorf("insert embeddings: %w", err)
	}
	return nil
}

func splitBatches(chunks []models.Chunk, size int) [][]models.Chunk {
	var out [][]models.Chunk
	for start := 0; start < len(chunks); start += size {
		out = append(out, chunks[start:min(start+size, len(chunks))])
	}
	return out
}
