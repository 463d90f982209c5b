package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/markdave123-py/mediawhisperer/internal/core"
	"github.com/markdave123-py/mediawhisperer/internal/models"
)

var _ core.DbClient = (*DatabaseClient)(nil)

// dialect isolates what differs between the SQL backends: vector storage,
// similarity search, time encoding, error classification and bootstrap.
type dialect interface {
	name() string
	vectorArg(v []float32) any
	timeArg(t time.Time) any
	search(ctx context.Context, q querier, docID string, queryVec []float32, limit int) ([]models.ScoredChunk, error)
	// classify maps driver errors to core kinds; unknown errors pass through.
	classify(op string, err error) error
	metaTableExistsQuery() string
	bootstrapScript() string
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

type rowScanner interface {
	Scan(dest ...any) error
}

// DatabaseClient implements core.DbClient over database/sql. Queries use $N
// placeholders, which both pgx and modernc sqlite accept.
type DatabaseClient struct {
	db      *sql.DB
	dialect dialect
}

func (c *DatabaseClient) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// withTx runs fn in a transaction, rolling back on error.
func (c *DatabaseClient) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := c.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback error: %v)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// dbTime scans timestamps stored natively (Postgres) or as RFC 3339 text (SQLite).
type dbTime struct{ t *time.Time }

func (d dbTime) Scan(src any) error {
	switch v := src.(type) {
	case time.Time:
		*d.t = v.UTC()
	case string:
		return d.parse(v)
	case []byte:
		return d.parse(string(v))
	case nil:
		*d.t = time.Time{}
	default:
		return fmt.Errorf("unsupported timestamp type %T", src)
	}
	return nil
}

// sqliteTimeLayout is fixed-width so text timestamps sort chronologically.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func (d dbTime) parse(s string) error {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	*d.t = t.UTC()
	return nil
}

// Documents

const documentColumns = `id, user_id, title, description, file_name, source_type, source_url, storage_key,
	content_type, size_bytes, status, page_count, failure_stage, failure_cause, failure_message, created_at, updated_at`

func scanDocument(row rowScanner) (*models.Document, error) {
	var (
		d      models.Document
		status string
		stage  string
	)
	if err := row.Scan(
		&d.ID, &d.UserID, &d.Title, &d.Description, &d.FileName, &d.SourceType, &d.SourceURL, &d.StorageKey,
		&d.ContentType, &d.SizeBytes, &status, &d.PageCount, &stage, &d.FailureCause, &d.FailureMessage,
		dbTime{&d.CreatedAt}, dbTime{&d.UpdatedAt},
	); err != nil {
		return nil, err
	}
	d.Status = models.DocumentStatus(status)
	d.FailureStage = models.DocumentStatus(stage)
	return &d, nil
}

func (c *DatabaseClient) CreateDocument(ctx context.Context, doc *models.Document) error {
	if doc == nil {
		return core.Errorf(core.KindInvalidInput, "create document", "nil document")
	}
	now := time.Now().UTC()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	if doc.UpdatedAt.IsZero() {
		doc.UpdatedAt = now
	}
	const q = `
		INSERT INTO documents (` + documentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`
	_, err := c.db.ExecContext(ctx, q,
		doc.ID, doc.UserID, doc.Title, doc.Description, doc.FileName, doc.SourceType, doc.SourceURL, doc.StorageKey,
		doc.ContentType, doc.SizeBytes, string(doc.Status), doc.PageCount, string(doc.FailureStage), doc.FailureCause,
		doc.FailureMessage, c.dialect.timeArg(doc.CreatedAt), c.dialect.timeArg(doc.UpdatedAt))
	return c.dialect.classify("create document", err)
}

func (c *DatabaseClient) GetDocumentByID(ctx context.Context, id string) (*models.Document, error) {
	const q = `SELECT ` + documentColumns + ` FROM documents WHERE id = $1`
	d, err := scanDocument(c.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("get document", "document", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get document %s: %w", id, err)
	}
	return d, nil
}

func (c *DatabaseClient) ListDocumentsByUser(ctx context.Context, userID string) ([]models.Document, error) {
	const q = `SELECT ` + documentColumns + ` FROM documents WHERE user_id = $1 ORDER BY created_at DESC, id`
	return c.queryDocuments(ctx, q, userID)
}

func (c *DatabaseClient) ListDocumentsByStatus(ctx context.Context, statuses ...models.DocumentStatus) ([]models.Document, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	holders := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, s := range statusStrings(statuses) {
		holders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = s
	}
	q := `SELECT ` + documentColumns + ` FROM documents WHERE status IN (` + strings.Join(holders, ", ") + `) ORDER BY created_at, id`
	return c.queryDocuments(ctx, q, args...)
}

func (c *DatabaseClient) queryDocuments(ctx context.Context, q string, args ...any) ([]models.Document, error) {
	rows, err := c.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var out []models.Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

func (c *DatabaseClient) UpdateDocumentStatus(ctx context.Context, id string, status models.DocumentStatus, failure *models.Failure) error {
	var f models.Failure
	if failure != nil {
		f = *failure
	}
	const q = `
		UPDATE documents
		SET status = $2, failure_stage = $3, failure_cause = $4, failure_message = $5, updated_at = $6
		WHERE id = $1
	`
	res, err := c.db.ExecContext(ctx, q, id, string(status), string(f.Stage), f.Cause, f.Message, c.dialect.timeArg(time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("update document status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("update document status", "document", id)
	}
	return nil
}

// DeleteDocument relies on ON DELETE CASCADE for pages, sections, chunks,
// embeddings, conversations and messages.
func (c *DatabaseClient) DeleteDocument(ctx context.Context, id string) error {
	res, err := c.db.ExecContext(ctx, `DELETE FROM documents WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("delete document", "document", id)
	}
	return nil
}

// Pages and sections

func (c *DatabaseClient) SavePages(ctx context.Context, docID string, pages []models.Page) error {
	return c.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE documents SET page_count = $2, updated_at = $3 WHERE id = $1`,
			docID, len(pages), c.dialect.timeArg(time.Now().UTC()))
		if err != nil {
			return fmt.Errorf("set page count: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return notFound("save pages", "document", docID)
		}
		for _, q := range []string{
			`DELETE FROM chunks WHERE document_id = $1`,
			`DELETE FROM document_sections WHERE document_id = $1`,
			`DELETE FROM pages WHERE document_id = $1`,
		} {
			if _, err := tx.ExecContext(ctx, q, docID); err != nil {
				return fmt.Errorf("clear derived rows: %w", err)
			}
		}

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO pages (document_id, page_number, raw_text, normalized_text, images)
			VALUES ($1, $2, $3, '', $4)
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, p := range pages {
			images, err := json.Marshal(nonNilImages(p.Images))
			if err != nil {
				return fmt.Errorf("encode images of page %d: %w", p.Number, err)
			}
			if _, err := stmt.ExecContext(ctx, docID, p.Number, p.RawText, string(images)); err != nil {
				return c.dialect.classify("save pages", err)
			}
		}
		return nil
	})
}

func nonNilImages(in []models.ImageRef) []models.ImageRef {
	if in == nil {
		return []models.ImageRef{}
	}
	return in
}

func (c *DatabaseClient) SaveNormalizedText(ctx context.Context, docID string, texts []string) error {
	return c.withTx(ctx, func(tx *sql.Tx) error {
		var n int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM pages WHERE document_id = $1`, docID).Scan(&n); err != nil {
			return fmt.Errorf("count pages: %w", err)
		}
		if n != len(texts) {
			return core.Errorf(core.KindInternal, "save normalized text", "got %d texts for %d pages", len(texts), n)
		}
		stmt, err := tx.PrepareContext(ctx, `UPDATE pages SET normalized_text = $3 WHERE document_id = $1 AND page_number = $2`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for i, text := range texts {
			if _, err := stmt.ExecContext(ctx, docID, i+1, text); err != nil {
				return fmt.Errorf("update page %d: %w", i+1, err)
			}
		}
		return nil
	})
}

func (c *DatabaseClient) GetPages(ctx context.Context, docID string) ([]models.Page, error) {
	const q = `
		SELECT document_id, page_number, raw_text, normalized_text, images
		FROM pages
		WHERE document_id = $1
		ORDER BY page_number ASC
	`
	rows, err := c.db.QueryContext(ctx, q, docID)
	if err != nil {
		return nil, fmt.Errorf("get pages: %w", err)
	}
	defer rows.Close()

	var out []models.Page
	for rows.Next() {
		var (
			p      models.Page
			images string
		)
		if err := rows.Scan(&p.DocumentID, &p.Number, &p.RawText, &p.NormalizedText, &images); err != nil {
			return nil, fmt.Errorf("scan page: %w", err)
		}
		if err := json.Unmarshal([]byte(images), &p.Images); err != nil {
			return nil, fmt.Errorf("decode images of page %d: %w", p.Number, err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (c *DatabaseClient) SaveSections(ctx context.Context, docID string, sections []models.Section) error {
	body, err := json.Marshal(sections)
	if err != nil {
		return fmt.Errorf("encode sections: %w", err)
	}
	const q = `
		INSERT INTO document_sections (document_id, sections) VALUES ($1, $2)
		ON CONFLICT (document_id) DO UPDATE SET sections = excluded.sections
	`
	_, err = c.db.ExecContext(ctx, q, docID, string(body))
	return c.dialect.classify("save sections", err)
}

func (c *DatabaseClient) GetSections(ctx context.Context, docID string) ([]models.Section, error) {
	var body string
	err := c.db.QueryRowContext(ctx, `SELECT sections FROM document_sections WHERE document_id = $1`, docID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get sections: %w", err)
	}
	var out []models.Section
	if err := json.Unmarshal([]byte(body), &out); err != nil {
		return nil, fmt.Errorf("decode sections: %w", err)
	}
	return out, nil
}

// Chunks and embeddings

const chunkColumns = `c.id, c.document_id, c.seq, c.text, c.start_offset, c.end_offset, c.overlap_len,
	c.page_start, c.page_end, c.section_title, c.token_count, c.created_at`

func scanChunk(row rowScanner, extra ...any) (models.Chunk, error) {
	var ch models.Chunk
	dest := []any{
		&ch.ID, &ch.DocumentID, &ch.Seq, &ch.Text, &ch.StartOffset, &ch.EndOffset, &ch.OverlapLen,
		&ch.PageStart, &ch.PageEnd, &ch.SectionTitle, &ch.TokenCount, dbTime{&ch.CreatedAt},
	}
	err := row.Scan(append(dest, extra...)...)
	return ch, err
}

// ReplaceChunks inserts chunks in a single transaction; embeddings of the
// previous chunk set go with them through the cascade.
func (c *DatabaseClient) ReplaceChunks(ctx context.Context, docID string, chunks []models.Chunk) error {
	return c.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE document_id = $1`, docID); err != nil {
			return fmt.Errorf("delete chunks: %w", err)
		}
		if len(chunks) == 0 {
			return nil
		}
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO chunks
				(id, document_id, seq, text, start_offset, end_offset, overlap_len, page_start, page_end, section_title, token_count, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		now := time.Now().UTC()
		for i := range chunks {
			ch := &chunks[i]
			ch.DocumentID = docID
			if ch.CreatedAt.IsZero() {
				ch.CreatedAt = now
			}
			if _, err := stmt.ExecContext(ctx,
				ch.ID, docID, ch.Seq, ch.Text, ch.StartOffset, ch.EndOffset, ch.OverlapLen,
				ch.PageStart, ch.PageEnd, ch.SectionTitle, ch.TokenCount, c.dialect.timeArg(ch.CreatedAt),
			); err != nil {
				return c.dialect.classify("replace chunks", err)
			}
		}
		return nil
	})
}

func (c *DatabaseClient) GetChunks(ctx context.Context, docID string) ([]models.Chunk, error) {
	const q = `SELECT ` + chunkColumns + ` FROM chunks c WHERE c.document_id = $1 ORDER BY c.seq ASC`
	return c.queryChunks(ctx, q, docID)
}

func (c *DatabaseClient) ListChunksMissingEmbeddings(ctx context.Context, docID string) ([]models.Chunk, error) {
	const q = `
		SELECT ` + chunkColumns + `
		FROM chunks c
		WHERE c.document_id = $1
		  AND NOT EXISTS (SELECT 1 FROM embeddings e WHERE e.chunk_id = c.id)
		ORDER BY c.seq ASC
	`
	return c.queryChunks(ctx, q, docID)
}

func (c *DatabaseClient) queryChunks(ctx context.Context, q string, args ...any) ([]models.Chunk, error) {
	rows, err := c.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query chunks: %w", err)
	}
	defer rows.Close()

	var out []models.Chunk
	for rows.Next() {
		ch, err := scanChunk(rows)
		if err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

func (c *DatabaseClient) InsertEmbeddings(ctx context.Context, embeddings []models.Embedding) error {
	if len(embeddings) == 0 {
		return nil
	}
	return c.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO embeddings (chunk_id, document_id, embedding) VALUES ($1, $2, $3)
			ON CONFLICT (chunk_id) DO UPDATE SET embedding = excluded.embedding
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, e := range embeddings {
			if _, err := stmt.ExecContext(ctx, e.ChunkID, e.DocumentID, c.dialect.vectorArg(e.Vector)); err != nil {
				return c.dialect.classify("insert embeddings", err)
			}
		}
		return nil
	})
}

func (c *DatabaseClient) CountEmbeddings(ctx context.Context, docID string) (int, error) {
	const q = `
		SELECT COUNT(*)
		FROM embeddings e
		JOIN chunks c ON c.id = e.chunk_id
		WHERE c.document_id = $1
	`
	var n int
	if err := c.db.QueryRowContext(ctx, q, docID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count embeddings: %w", err)
	}
	return n, nil
}

// SearchChunks finds the most similar chunks within a document for a query embedding.
func (c *DatabaseClient) SearchChunks(ctx context.Context, docID string, queryVec []float32, limit int) ([]models.ScoredChunk, error) {
	out, err := c.dialect.search(ctx, c.db, docID, queryVec, limit)
	if err != nil {
		return nil, fmt.Errorf("search chunks: %w", err)
	}
	return out, nil
}

// Conversations and messages

const conversationColumns = `id, user_id, document_id, title, created_at, updated_at`

func scanConversation(row rowScanner) (*models.Conversation, error) {
	var conv models.Conversation
	if err := row.Scan(&conv.ID, &conv.UserID, &conv.DocumentID, &conv.Title, dbTime{&conv.CreatedAt}, dbTime{&conv.UpdatedAt}); err != nil {
		return nil, err
	}
	return &conv, nil
}

func (c *DatabaseClient) CreateConversation(ctx context.Context, conv *models.Conversation) error {
	if conv == nil {
		return core.Errorf(core.KindInvalidInput, "create conversation", "nil conversation")
	}
	now := time.Now().UTC()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	if conv.UpdatedAt.IsZero() {
		conv.UpdatedAt = now
	}
	const q = `INSERT INTO conversations (` + conversationColumns + `) VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := c.db.ExecContext(ctx, q, conv.ID, conv.UserID, conv.DocumentID, conv.Title,
		c.dialect.timeArg(conv.CreatedAt), c.dialect.timeArg(conv.UpdatedAt))
	return c.dialect.classify("create conversation", err)
}

func (c *DatabaseClient) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	const q = `SELECT ` + conversationColumns + ` FROM conversations WHERE id = $1`
	conv, err := scanConversation(c.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("get conversation", "conversation", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation %s: %w", id, err)
	}
	return conv, nil
}

func (c *DatabaseClient) ListConversations(ctx context.Context, userID, documentID string) ([]models.Conversation, error) {
	q := `SELECT ` + conversationColumns + ` FROM conversations WHERE user_id = $1`
	args := []any{userID}
	if documentID != "" {
		q += ` AND document_id = $2`
		args = append(args, documentID)
	}
	q += ` ORDER BY updated_at DESC, id`

	rows, err := c.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []models.Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		out = append(out, *conv)
	}
	return out, rows.Err()
}

func (c *DatabaseClient) DeleteConversation(ctx context.Context, id string) error {
	res, err := c.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("delete conversation", "conversation", id)
	}
	return nil
}

// AppendMessage relies on UNIQUE (conversation_id, seq) to surface ordering races as conflicts.
func (c *DatabaseClient) AppendMessage(ctx context.Context, msg *models.Message) error {
	if msg == nil {
		return core.Errorf(core.KindInvalidInput, "append message", "nil message")
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	return c.withTx(ctx, func(tx *sql.Tx) error {
		const q = `
			INSERT INTO messages (id, conversation_id, seq, role, content, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`
		if _, err := tx.ExecContext(ctx, q, msg.ID, msg.ConversationID, msg.Seq, string(msg.Role), msg.Content,
			c.dialect.timeArg(msg.CreatedAt)); err != nil {
			return c.dialect.classify("append message", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE conversations SET updated_at = $2 WHERE id = $1`,
			msg.ConversationID, c.dialect.timeArg(msg.CreatedAt)); err != nil {
			return fmt.Errorf("touch conversation: %w", err)
		}
		return nil
	})
}

func (c *DatabaseClient) ListMessages(ctx context.Context, conversationID string) ([]models.Message, error) {
	const q = `
		SELECT id, conversation_id, seq, role, content, created_at
		FROM messages
		WHERE conversation_id = $1
		ORDER BY seq ASC
	`
	rows, err := c.db.QueryContext(ctx, q, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []models.Message
	for rows.Next() {
		var (
			m    models.Message
			role string
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Seq, &role, &m.Content, dbTime{&m.CreatedAt}); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Role = models.Role(role)
		out = append(out, m)
	}
	return out, rows.Err()
}
