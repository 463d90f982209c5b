package db

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markdave123-py/mediawhisperer/internal/core"
	"github.com/markdave123-py/mediawhisperer/internal/models"
)

// runStoreSuite exercises the DbClient contract against one backend.
func runStoreSuite(t *testing.T, open func(t *testing.T) core.DbClient) {
	t.Run("documents", func(t *testing.T) { testDocuments(t, open(t)) })
	t.Run("pages and sections", func(t *testing.T) { testPagesAndSections(t, open(t)) })
	t.Run("chunks and embeddings", func(t *testing.T) { testChunksAndEmbeddings(t, open(t)) })
	t.Run("search ranking", func(t *testing.T) { testSearchRanking(t, open(t)) })
	t.Run("conversations and messages", func(t *testing.T) { testConversations(t, open(t)) })
	t.Run("delete cascades", func(t *testing.T) { testDeleteCascades(t, open(t)) })
}

func newDoc(t *testing.T, store core.DbClient, userID string, created time.Time) *models.Document {
	t.Helper()
	doc := &models.Document{
		ID:         uuid.NewString(),
		UserID:     userID,
		Title:      "Doc",
		FileName:   "doc.pdf",
		SourceType: models.SourceUpload,
		StorageKey: "users/u/doc.pdf",
		Status:     models.StatusPending,
		CreatedAt:  created,
		UpdatedAt:  created,
	}
	require.NoError(t, store.CreateDocument(context.Background(), doc))
	return doc
}

func newChunks(docID string, n int) []models.Chunk {
	out := make([]models.Chunk, n)
	for i := range out {
		out[i] = models.Chunk{
			ID: uuid.NewString(), DocumentID: docID, Seq: i, Text: "chunk text",
			StartOffset: i * 10, EndOffset: i*10 + 10, PageStart: 1, PageEnd: 1, TokenCount: 3,
		}
	}
	return out
}

func testDocuments(t *testing.T, store core.DbClient) {
	ctx := context.Background()
	user := uuid.NewString()
	base := time.Now().UTC().Truncate(time.Millisecond)
	older := newDoc(t, store, user, base.Add(-time.Hour))
	newer := newDoc(t, store, user, base)
	newDoc(t, store, uuid.NewString(), base)

	got, err := store.GetDocumentByID(ctx, older.ID)
	require.NoError(t, err)
	assert.Equal(t, older.Title, got.Title)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.True(t, older.CreatedAt.Equal(got.CreatedAt))

	_, err = store.GetDocumentByID(ctx, uuid.NewString())
	assert.ErrorIs(t, err, core.ErrNotFound)

	list, err := store.ListDocumentsByUser(ctx, user)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, newer.ID, list[0].ID)
	assert.Equal(t, older.ID, list[1].ID)

	failure := &models.Failure{Stage: models.StatusIndexing, Cause: string(core.KindProviderUnavailable), Message: "embed timed out"}
	require.NoError(t, store.UpdateDocumentStatus(ctx, older.ID, models.StatusFailed, failure))
	got, err = store.GetDocumentByID(ctx, older.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, failure, got.Failure())

	require.NoError(t, store.UpdateDocumentStatus(ctx, older.ID, models.StatusIndexing, nil))
	got, err = store.GetDocumentByID(ctx, older.ID)
	require.NoError(t, err)
	assert.Nil(t, got.Failure())

	byStatus, err := store.ListDocumentsByStatus(ctx, models.StatusIndexing, models.StatusCleaning)
	require.NoError(t, err)
	var ids []string
	for _, d := range byStatus {
		ids = append(ids, d.ID)
	}
	assert.Contains(t, ids, older.ID)
	assert.NotContains(t, ids, newer.ID)

	err = store.UpdateDocumentStatus(ctx, uuid.NewString(), models.StatusReady, nil)
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func testPagesAndSections(t *testing.T, store core.DbClient) {
	ctx := context.Background()
	doc := newDoc(t, store, "u", time.Now())

	pages := []models.Page{
		{Number: 1, RawText: "one", Images: []models.ImageRef{{Index: 0, Name: "Im1", X: 10, Y: 20, Width: 100, Height: 50}}},
		{Number: 2, RawText: "two"},
	}
	require.NoError(t, store.SavePages(ctx, doc.ID, pages))

	got, err := store.GetDocumentByID(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.PageCount)

	require.NoError(t, store.SaveNormalizedText(ctx, doc.ID, []string{"One.", "Two."}))
	stored, err := store.GetPages(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, "one", stored[0].RawText)
	assert.Equal(t, "One.", stored[0].NormalizedText)
	assert.Equal(t, pages[0].Images, stored[0].Images)
	assert.Empty(t, stored[1].Images)

	err = store.SaveNormalizedText(ctx, doc.ID, []string{"only one"})
	assert.ErrorIs(t, err, core.ErrInternal)

	sections := []models.Section{{Title: "Intro", Level: 1, Start: 0, End: 4, Paragraphs: []models.Span{{Start: 0, End: 4}}}}
	require.NoError(t, store.SaveSections(ctx, doc.ID, sections))
	require.NoError(t, store.SaveSections(ctx, doc.ID, sections))
	gotSections, err := store.GetSections(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, sections, gotSections)

	// Re-extraction discards everything derived from the old pages.
	require.NoError(t, store.ReplaceChunks(ctx, doc.ID, newChunks(doc.ID, 2)))
	require.NoError(t, store.SavePages(ctx, doc.ID, pages[:1]))
	chunks, err := store.GetChunks(ctx, doc.ID)
	require.NoError(t, err)
	assert.Empty(t, chunks)
	gotSections, err = store.GetSections(ctx, doc.ID)
	require.NoError(t, err)
	assert.Empty(t, gotSections)
	stored, err = store.GetPages(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Empty(t, stored[0].NormalizedText)
}

func testChunksAndEmbeddings(t *testing.T, store core.DbClient) {
	ctx := context.Background()
	doc := newDoc(t, store, "u", time.Now())
	chunks := newChunks(doc.ID, 3)
	require.NoError(t, store.ReplaceChunks(ctx, doc.ID, chunks))

	got, err := store.GetChunks(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i, ch := range got {
		assert.Equal(t, i, ch.Seq)
		assert.Equal(t, chunks[i].ID, ch.ID)
	}

	require.NoError(t, store.InsertEmbeddings(ctx, []models.Embedding{
		{ChunkID: chunks[0].ID, DocumentID: doc.ID, Vector: []float32{1, 0}},
		{ChunkID: chunks[2].ID, DocumentID: doc.ID, Vector: []float32{0, 1}},
	}))
	missing, err := store.ListChunksMissingEmbeddings(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, missing, 1)
	assert.Equal(t, chunks[1].ID, missing[0].ID)

	// Upsert does not create a second embedding.
	require.NoError(t, store.InsertEmbeddings(ctx, []models.Embedding{{ChunkID: chunks[0].ID, DocumentID: doc.ID, Vector: []float32{0.5, 0.5}}}))
	n, err := store.CountEmbeddings(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	err = store.InsertEmbeddings(ctx, []models.Embedding{{ChunkID: uuid.NewString(), DocumentID: doc.ID, Vector: []float32{1, 1}}})
	assert.ErrorIs(t, err, core.ErrNotFound)

	// Replacing chunks drops their embeddings.
	require.NoError(t, store.ReplaceChunks(ctx, doc.ID, newChunks(doc.ID, 2)))
	n, err = store.CountEmbeddings(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func testSearchRanking(t *testing.T, store core.DbClient) {
	ctx := context.Background()
	doc := newDoc(t, store, "u", time.Now())
	other := newDoc(t, store, "u", time.Now())
	chunks := newChunks(doc.ID, 4)
	require.NoError(t, store.ReplaceChunks(ctx, doc.ID, chunks))
	otherChunks := newChunks(other.ID, 1)
	require.NoError(t, store.ReplaceChunks(ctx, other.ID, otherChunks))

	require.NoError(t, store.InsertEmbeddings(ctx, []models.Embedding{
		{ChunkID: chunks[0].ID, DocumentID: doc.ID, Vector: []float32{0, 1}},
		{ChunkID: chunks[1].ID, DocumentID: doc.ID, Vector: []float32{1, 0}},
		{ChunkID: chunks[2].ID, DocumentID: doc.ID, Vector: []float32{2, 0}}, // same direction as seq 1
		{ChunkID: chunks[3].ID, DocumentID: doc.ID, Vector: []float32{1, 1}},
		{ChunkID: otherChunks[0].ID, DocumentID: other.ID, Vector: []float32{1, 0}},
	}))

	results, err := store.SearchChunks(ctx, doc.ID, []float32{1, 0}, 0)
	require.NoError(t, err)
	require.Len(t, results, 4)
	var seqs []int
	for _, r := range results {
		seqs = append(seqs, r.Seq)
		assert.Equal(t, doc.ID, r.DocumentID)
	}
	assert.Equal(t, []int{1, 2, 3, 0}, seqs)
	assert.InDelta(t, 1.0, results[0].Score, 1e-6)

	top, err := store.SearchChunks(ctx, doc.ID, []float32{1, 0}, 2)
	require.NoError(t, err)
	require.Len(t, top, 2)
	assert.Equal(t, 1, top[0].Seq)
	assert.Equal(t, 2, top[1].Seq)
}

func testConversations(t *testing.T, store core.DbClient) {
	ctx := context.Background()
	doc := newDoc(t, store, "u", time.Now())
	conv := &models.Conversation{ID: uuid.NewString(), UserID: "u", DocumentID: doc.ID, Title: "About doc"}
	require.NoError(t, store.CreateConversation(ctx, conv))

	orphan := &models.Conversation{ID: uuid.NewString(), UserID: "u", DocumentID: uuid.NewString(), Title: "x"}
	assert.ErrorIs(t, store.CreateConversation(ctx, orphan), core.ErrNotFound)

	for seq, role := range []models.Role{models.RoleUser, models.RoleAssistant} {
		require.NoError(t, store.AppendMessage(ctx, &models.Message{
			ID: uuid.NewString(), ConversationID: conv.ID, Seq: seq + 1, Role: role, Content: string(role),
		}))
	}
	dup := &models.Message{ID: uuid.NewString(), ConversationID: conv.ID, Seq: 2, Role: models.RoleUser, Content: "again"}
	assert.ErrorIs(t, store.AppendMessage(ctx, dup), core.ErrConflict)

	msgs, err := store.ListMessages(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, 1, msgs[0].Seq)
	assert.Equal(t, models.RoleUser, msgs[0].Role)
	assert.Equal(t, models.RoleAssistant, msgs[1].Role)

	list, err := store.ListConversations(ctx, "u", doc.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	list, err = store.ListConversations(ctx, "someone-else", "")
	require.NoError(t, err)
	assert.Empty(t, list)

	require.NoError(t, store.DeleteConversation(ctx, conv.ID))
	_, err = store.GetConversation(ctx, conv.ID)
	assert.ErrorIs(t, err, core.ErrNotFound)
	msgs, err = store.ListMessages(ctx, conv.ID)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func testDeleteCascades(t *testing.T, store core.DbClient) {
	ctx := context.Background()
	doc := newDoc(t, store, "u", time.Now())
	require.NoError(t, store.SavePages(ctx, doc.ID, []models.Page{{Number: 1, RawText: "x"}}))
	chunks := newChunks(doc.ID, 1)
	require.NoError(t, store.ReplaceChunks(ctx, doc.ID, chunks))
	require.NoError(t, store.InsertEmbeddings(ctx, []models.Embedding{{ChunkID: chunks[0].ID, DocumentID: doc.ID, Vector: []float32{1}}}))
	conv := &models.Conversation{ID: uuid.NewString(), UserID: "u", DocumentID: doc.ID, Title: "t"}
	require.NoError(t, store.CreateConversation(ctx, conv))

	require.NoError(t, store.DeleteDocument(ctx, doc.ID))

	_, err := store.GetDocumentByID(ctx, doc.ID)
	assert.ErrorIs(t, err, core.ErrNotFound)
	pages, err := store.GetPages(ctx, doc.ID)
	require.NoError(t, err)
	assert.Empty(t, pages)
	n, err := store.CountEmbeddings(ctx, doc.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
	_, err = store.GetConversation(ctx, conv.ID)
	assert.ErrorIs(t, err, core.ErrNotFound)

	assert.ErrorIs(t, store.DeleteDocument(ctx, doc.ID), core.ErrNotFound)
}
