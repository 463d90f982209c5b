package db

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/markdave123-py/mediawhisperer/internal/core"
	"github.com/markdave123-py/mediawhisperer/internal/models"
)

var _ core.DbClient = (*MemoryClient)(nil)

// MemoryClient is an in-process DbClient for tests and single-process development.
// Ownership is enforced by cascading deletes in DeleteDocument/DeleteConversation.
type MemoryClient struct {
	mu         sync.RWMutex
	docs       map[string]models.Document
	pages      map[string][]models.Page
	sections   map[string][]models.Section
	chunks     map[string][]models.Chunk   // by document, seq order
	embeddings map[string]models.Embedding // by chunk id
	convs      map[string]models.Conversation
	messages   map[string][]models.Message // by conversation, seq order
}

func NewMemoryClient() *MemoryClient {
	return &MemoryClient{
		docs:       make(map[string]models.Document),
		pages:      make(map[string][]models.Page),
		sections:   make(map[string][]models.Section),
		chunks:     make(map[string][]models.Chunk),
		embeddings: make(map[string]models.Embedding),
		convs:      make(map[string]models.Conversation),
		messages:   make(map[string][]models.Message),
	}
}

func (c *MemoryClient) Close() error { return nil }

func (c *MemoryClient) CreateDocument(ctx context.Context, doc *models.Document) error {
	if doc == nil {
		return core.Errorf(core.KindInvalidInput, "create document", "nil document")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.docs[doc.ID]; ok {
		return core.Errorf(core.KindConflict, "create document", "document %s exists", doc.ID)
	}
	now := time.Now().UTC()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	if doc.UpdatedAt.IsZero() {
		doc.UpdatedAt = now
	}
	c.docs[doc.ID] = *doc
	return nil
}

func (c *MemoryClient) GetDocumentByID(ctx context.Context, id string) (*models.Document, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.docs[id]
	if !ok {
		return nil, notFound("get document", "document", id)
	}
	return &d, nil
}

func (c *MemoryClient) ListDocumentsByUser(ctx context.Context, userID string) ([]models.Document, error) {
	return c.listDocuments(func(d models.Document) bool { return d.UserID == userID }), nil
}

func (c *MemoryClient) ListDocumentsByStatus(ctx context.Context, statuses ...models.DocumentStatus) ([]models.Document, error) {
	return c.listDocuments(func(d models.Document) bool {
		for _, s := range statuses {
			if d.Status == s {
				return true
			}
		}
		return false
	}), nil
}

func (c *MemoryClient) listDocuments(keep func(models.Document) bool) []models.Document {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []models.Document
	for _, d := range c.docs {
		if keep(d) {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (c *MemoryClient) UpdateDocumentStatus(ctx context.Context, id string, status models.DocumentStatus, failure *models.Failure) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.docs[id]
	if !ok {
		return notFound("update document status", "document", id)
	}
	d.Status = status
	d.FailureStage, d.FailureCause, d.FailureMessage = "", "", ""
	if failure != nil {
		d.FailureStage, d.FailureCause, d.FailureMessage = failure.Stage, failure.Cause, failure.Message
	}
	d.UpdatedAt = time.Now().UTC()
	c.docs[id] = d
	return nil
}

func (c *MemoryClient) DeleteDocument(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.docs[id]; !ok {
		return notFound("delete document", "document", id)
	}
	c.dropDerivedLocked(id)
	delete(c.pages, id)
	for convID, conv := range c.convs {
		if conv.DocumentID == id {
			delete(c.convs, convID)
			delete(c.messages, convID)
		}
	}
	delete(c.docs, id)
	return nil
}

// dropDerivedLocked removes sections, chunks and embeddings of a document.
func (c *MemoryClient) dropDerivedLocked(docID string) {
	for _, ch := range c.chunks[docID] {
		delete(c.embeddings, ch.ID)
	}
	delete(c.chunks, docID)
	delete(c.sections, docID)
}

func (c *MemoryClient) SavePages(ctx context.Context, docID string, pages []models.Page) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.docs[docID]
	if !ok {
		return notFound("save pages", "document", docID)
	}
	cp := make([]models.Page, len(pages))
	for i, p := range pages {
		p.DocumentID = docID
		p.NormalizedText = ""
		p.Images = append([]models.ImageRef(nil), p.Images...)
		cp[i] = p
	}
	sort.Slice(cp, func(i, j int) bool { return cp[i].Number < cp[j].Number })
	c.dropDerivedLocked(docID)
	c.pages[docID] = cp
	d.PageCount = len(cp)
	d.UpdatedAt = time.Now().UTC()
	c.docs[docID] = d
	return nil
}

func (c *MemoryClient) SaveNormalizedText(ctx context.Context, docID string, texts []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	pages, ok := c.pages[docID]
	if !ok {
		return notFound("save normalized text", "pages of document", docID)
	}
	if len(texts) != len(pages) {
		return core.Errorf(core.KindInternal, "save normalized text", "got %d texts for %d pages", len(texts), len(pages))
	}
	cp := make([]models.Page, len(pages))
	copy(cp, pages)
	for i := range cp {
		cp[i].NormalizedText = texts[i]
	}
	c.pages[docID] = cp
	return nil
}

func (c *MemoryClient) GetPages(ctx context.Context, docID string) ([]models.Page, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]models.Page, len(c.pages[docID]))
	copy(out, c.pages[docID])
	return out, nil
}

func (c *MemoryClient) SaveSections(ctx context.Context, docID string, sections []models.Section) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.docs[docID]; !ok {
		return notFound("save sections", "document", docID)
	}
	c.sections[docID] = append([]models.Section(nil), sections...)
	return nil
}

func (c *MemoryClient) GetSections(ctx context.Context, docID string) ([]models.Section, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]models.Section(nil), c.sections[docID]...), nil
}

func (c *MemoryClient) ReplaceChunks(ctx context.Context, docID string, chunks []models.Chunk) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.docs[docID]; !ok {
		return notFound("replace chunks", "document", docID)
	}
	for _, ch := range c.chunks[docID] {
		delete(c.embeddings, ch.ID)
	}
	cp := make([]models.Chunk, len(chunks))
	now := time.Now().UTC()
	for i, ch := range chunks {
		ch.DocumentID = docID
		if ch.CreatedAt.IsZero() {
			ch.CreatedAt = now
		}
		cp[i] = ch
	}
	sort.Slice(cp, func(i, j int) bool { return cp[i].Seq < cp[j].Seq })
	c.chunks[docID] = cp
	return nil
}

func (c *MemoryClient) GetChunks(ctx context.Context, docID string) ([]models.Chunk, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]models.Chunk(nil), c.chunks[docID]...), nil
}

func (c *MemoryClient) ListChunksMissingEmbeddings(ctx context.Context, docID string) ([]models.Chunk, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []models.Chunk
	for _, ch := range c.chunks[docID] {
		if _, ok := c.embeddings[ch.ID]; !ok {
			out = append(out, ch)
		}
	}
	return out, nil
}

func (c *MemoryClient) InsertEmbeddings(ctx context.Context, embeddings []models.Embedding) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range embeddings {
		if !c.hasChunkLocked(e.DocumentID, e.ChunkID) {
			return notFound("insert embeddings", "chunk", e.ChunkID)
		}
	}
	for _, e := range embeddings {
		e.Vector = append([]float32(nil), e.Vector...)
		c.embeddings[e.ChunkID] = e
	}
	return nil
}

func (c *MemoryClient) hasChunkLocked(docID, chunkID string) bool {
	for _, ch := range c.chunks[docID] {
		if ch.ID == chunkID {
			return true
		}
	}
	return false
}

func (c *MemoryClient) CountEmbeddings(ctx context.Context, docID string) (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, ch := range c.chunks[docID] {
		if _, ok := c.embeddings[ch.ID]; ok {
			n++
		}
	}
	return n, nil
}

func (c *MemoryClient) SearchChunks(ctx context.Context, docID string, queryVec []float32, limit int) ([]models.ScoredChunk, error) {
	c.mu.RLock()
	var candidates []models.ScoredChunk
	for _, ch := range c.chunks[docID] {
		e, ok := c.embeddings[ch.ID]
		if !ok {
			continue
		}
		candidates = append(candidates, models.ScoredChunk{Chunk: ch, Score: core.Cosine(queryVec, e.Vector)})
	}
	c.mu.RUnlock()
	return rankChunks(candidates, limit), nil
}

func (c *MemoryClient) CreateConversation(ctx context.Context, conv *models.Conversation) error {
	if conv == nil {
		return core.Errorf(core.KindInvalidInput, "create conversation", "nil conversation")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.docs[conv.DocumentID]; !ok {
		return notFound("create conversation", "document", conv.DocumentID)
	}
	if _, ok := c.convs[conv.ID]; ok {
		return core.Errorf(core.KindConflict, "create conversation", "conversation %s exists", conv.ID)
	}
	now := time.Now().UTC()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	if conv.UpdatedAt.IsZero() {
		conv.UpdatedAt = now
	}
	c.convs[conv.ID] = *conv
	return nil
}

func (c *MemoryClient) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	conv, ok := c.convs[id]
	if !ok {
		return nil, notFound("get conversation", "conversation", id)
	}
	return &conv, nil
}

func (c *MemoryClient) ListConversations(ctx context.Context, userID, documentID string) ([]models.Conversation, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []models.Conversation
	for _, conv := range c.convs {
		if conv.UserID != userID || (documentID != "" && conv.DocumentID != documentID) {
			continue
		}
		out = append(out, conv)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (c *MemoryClient) DeleteConversation(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.convs[id]; !ok {
		return notFound("delete conversation", "conversation", id)
	}
	delete(c.convs, id)
	delete(c.messages, id)
	return nil
}

func (c *MemoryClient) AppendMessage(ctx context.Context, msg *models.Message) error {
	if msg == nil {
		return core.Errorf(core.KindInvalidInput, "append message", "nil message")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	conv, ok := c.convs[msg.ConversationID]
	if !ok {
		return notFound("append message", "conversation", msg.ConversationID)
	}
	for _, m := range c.messages[msg.ConversationID] {
		if m.Seq == msg.Seq {
			return core.Errorf(core.KindConflict, "append message", "conversation %s already has seq %d", msg.ConversationID, msg.Seq)
		}
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	msgs := append(c.messages[msg.ConversationID], *msg)
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].Seq < msgs[j].Seq })
	c.messages[msg.ConversationID] = msgs
	conv.UpdatedAt = msg.CreatedAt
	c.convs[conv.ID] = conv
	return nil
}

func (c *MemoryClient) ListMessages(ctx context.Context, conversationID string) ([]models.Message, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]models.Message(nil), c.messages[conversationID]...), nil
}
