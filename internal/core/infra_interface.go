package core

import (
	"context"
	"io"

	"github.com/markdave123-py/mediawhisperer/internal/models"
)

// DbClient defines all persistence operations the pipeline, retriever and
// conversation engine need. Lookups of missing records return an error of
// KindNotFound; a duplicate message sequence returns KindConflict.
type DbClient interface {
	CreateDocument(ctx context.Context, doc *models.Document) error
	GetDocumentByID(ctx context.Context, id string) (*models.Document, error)
	ListDocumentsByUser(ctx context.Context, userID string) ([]models.Document, error)
	ListDocumentsByStatus(ctx context.Context, statuses ...models.DocumentStatus) ([]models.Document, error)
	// UpdateDocumentStatus sets the status and replaces the failure reason (nil clears it).
	UpdateDocumentStatus(ctx context.Context, id string, status models.DocumentStatus, failure *models.Failure) error
	// DeleteDocument removes the document and everything it owns.
	DeleteDocument(ctx context.Context, id string) error

	// SavePages atomically replaces the document's pages, sets its page count and
	// discards sections, chunks and embeddings derived from earlier pages.
	SavePages(ctx context.Context, docID string, pages []models.Page) error
	// SaveNormalizedText stores normalized text per page, indexed by page number - 1.
	SaveNormalizedText(ctx context.Context, docID string, texts []string) error
	GetPages(ctx context.Context, docID string) ([]models.Page, error)
	SaveSections(ctx context.Context, docID string, sections []models.Section) error
	GetSections(ctx context.Context, docID string) ([]models.Section, error)

	// ReplaceChunks atomically replaces all chunks (and their embeddings).
	ReplaceChunks(ctx context.Context, docID string, chunks []models.Chunk) error
	GetChunks(ctx context.Context, docID string) ([]models.Chunk, error)
	ListChunksMissingEmbeddings(ctx context.Context, docID string) ([]models.Chunk, error)
	// InsertEmbeddings upserts by chunk id.
	InsertEmbeddings(ctx context.Context, embeddings []models.Embedding) error
	CountEmbeddings(ctx context.Context, docID string) (int, error)
	// SearchChunks ranks the document's embedded chunks by cosine similarity to
	// queryVec, ties broken by lower seq. limit <= 0 returns all of them.
	SearchChunks(ctx context.Context, docID string, queryVec []float32, limit int) ([]models.ScoredChunk, error)

	CreateConversation(ctx context.Context, conv *models.Conversation) error
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	// ListConversations filters by document when documentID is non-empty.
	ListConversations(ctx context.Context, userID, documentID string) ([]models.Conversation, error)
	DeleteConversation(ctx context.Context, id string) error
	AppendMessage(ctx context.Context, msg *models.Message) error
	ListMessages(ctx context.Context, conversationID string) ([]models.Message, error)

	Close() error
}

// ObjectClient defines interactions with S3 or any object storage.
type ObjectClient interface {
	UploadFile(ctx context.Context, bucket, key string, data io.Reader, contentType string) (url string, err error)
	DeleteFile(ctx context.Context, bucket, key string) error
	GetFile(ctx context.Context, bucket, key string) ([]byte, error)
}
