package ingestion_engine

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markdave123-py/mediawhisperer/internal/core"
	db "github.com/markdave123-py/mediawhisperer/internal/core/database"
	"github.com/markdave123-py/mediawhisperer/internal/models"
)

func seedChunks(t *testing.T, n int) *db.MemoryClient {
	t.Helper()
	ctx := context.Background()
	store := db.NewMemoryClient()
	require.NoError(t, store.CreateDocument(ctx, &models.Document{ID: "doc-1", UserID: "u1", Status: models.StatusIndexing}))

	chunks := make([]models.Chunk, n)
	for i := range chunks {
		chunks[i] = models.Chunk{ID: fmt.Sprintf("c%d", i), Seq: i, Text: fmt.Sprintf("chunk %d text", i)}
	}
	require.NoError(t, store.ReplaceChunks(ctx, "doc-1", chunks))
	return store
}

func TestIndexerEmbedsEveryChunk(t *testing.T) {
	store := seedChunks(t, 5)
	emb := &stubEmbedder{}
	x := NewIndexer(store, emb, fastRetry(), 2, 2, 3)

	require.NoError(t, x.Run(context.Background(), "doc-1"))

	n, err := store.CountEmbeddings(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Len(t, emb.embeddedTexts(), 5)

	// Nothing left to embed on a rerun.
	require.NoError(t, x.Run(context.Background(), "doc-1"))
	assert.Len(t, emb.embeddedTexts(), 5)
}

func TestIndexerKeepsProgressAcrossFailures(t *testing.T) {
	ctx := context.Background()
	store := seedChunks(t, 5)
	emb := &stubEmbedder{failOn: "chunk 3"}
	x := NewIndexer(store, emb, fastRetry(), 2, 1, 3)

	err := x.Run(ctx, "doc-1")
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindProviderUnavailable), "got %v", err)

	n, err := store.CountEmbeddings(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	emb.mu.Lock()
	emb.failOn = ""
	emb.calls = nil
	emb.mu.Unlock()

	require.NoError(t, x.Run(ctx, "doc-1"))
	assert.Equal(t, []string{"chunk 3 text"}, emb.embeddedTexts())
}

func TestIndexerRejectsWrongDimension(t *testing.T) {
	store := seedChunks(t, 2)
	x := NewIndexer(store, &stubEmbedder{}, fastRetry(), 4, 1, 8)

	err := x.Run(context.Background(), "doc-1")
	assert.ErrorIs(t, err, core.ErrInternal)

	n, err := store.CountEmbeddings(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestIndexerStopsOnCancel(t *testing.T) {
	store := seedChunks(t, 3)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := NewIndexer(store, &stubEmbedder{}, fastRetry(), 1, 1, 3).Run(ctx, "doc-1")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSplitBatches(t *testing.T) {
	chunks := make([]models.Chunk, 5)
	batches := splitBatches(chunks, 2)
	require.Len(t, batches, 3)
	assert.Len(t, batches[2], 1)
	assert.Empty(t, splitBatches(nil, 2))
}
