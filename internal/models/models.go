package models

import (
	"time"
)

// DocumentStatus is the ingestion state of a document.
type DocumentStatus string

const (
	StatusPending     DocumentStatus = "pending"
	StatusExtracting  DocumentStatus = "extracting"
	StatusCleaning    DocumentStatus = "cleaning"
	StatusStructuring DocumentStatus = "structuring"
	StatusIndexing    DocumentStatus = "indexing"
	StatusReady       DocumentStatus = "ready"
	StatusFailed      DocumentStatus = "failed"
	StatusCancelled   DocumentStatus = "cancelled"
)

// PipelineStages lists the in-progress statuses in execution order.
var PipelineStages = []DocumentStatus{StatusExtracting, StatusCleaning, StatusStructuring, StatusIndexing}

// InProgress reports whether s is one of the pipeline stages.
func (s DocumentStatus) InProgress() bool {
	for _, st := range PipelineStages {
		if s == st {
			return true
		}
	}
	return false
}

// Submittable reports whether a document in status s may be handed to the pipeline.
func (s DocumentStatus) Submittable() bool {
	return s == StatusPending || s == StatusFailed || s == StatusCancelled
}

const (
	SourceUpload = "upload"
	SourceURL    = "url"
)

// Document represents a user-uploaded or fetched document.
type Document struct {
	ID             string         `db:"id" json:"id"`
	UserID         string         `db:"user_id" json:"user_id"`
	Title          string         `db:"title" json:"title"`
	Description    string         `db:"description" json:"description,omitempty"`
	FileName       string         `db:"file_name" json:"file_name"`
	SourceType     string         `db:"source_type" json:"source_type"` // "upload" or "url"
	SourceURL      string         `db:"source_url" json:"source_url,omitempty"`
	StorageKey     string         `db:"storage_key" json:"-"`
	ContentType    string         `db:"content_type" json:"content_type"`
	SizeBytes      int64          `db:"size_bytes" json:"size_bytes"`
	Status         DocumentStatus `db:"status" json:"status"`
	PageCount      int            `db:"page_count" json:"page_count"`
	FailureStage   DocumentStatus `db:"failure_stage" json:"failure_stage,omitempty"`
	FailureCause   string         `db:"failure_cause" json:"failure_cause,omitempty"`
	FailureMessage string         `db:"failure_message" json:"failure_message,omitempty"`
	CreatedAt      time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at" json:"updated_at"`
}

// Failure describes why a run stopped. Stage is where a resubmission resumes.
type Failure struct {
	Stage   DocumentStatus
	Cause   string
	Message string
}

// Failure returns the recorded failure reason, or nil if there is none.
func (d *Document) Failure() *Failure {
	if d.FailureStage == "" && d.FailureCause == "" {
		return nil
	}
	return &Failure{Stage: d.FailureStage, Cause: d.FailureCause, Message: d.FailureMessage}
}

// ImageRef locates an embedded image on its page, in PDF points relative to the
// media box origin (bottom-left).
type ImageRef struct {
	Index       int     `json:"index"`
	Name        string  `json:"name"`
	X           float64 `json:"x"`
	Y           float64 `json:"y"`
	Width       float64 `json:"width"`
	Height      float64 `json:"height"`
	PixelWidth  int     `json:"pixel_width,omitempty"`
	PixelHeight int     `json:"pixel_height,omitempty"`
}

// Page is one extracted page of a document.
type Page struct {
	DocumentID     string     `db:"document_id" json:"document_id"`
	Number         int        `db:"page_number" json:"page_number"` // 1-based
	RawText        string     `db:"raw_text" json:"-"`
	NormalizedText string     `db:"normalized_text" json:"text"`
	Images         []ImageRef `db:"images" json:"images"`
}

// Span is a half-open rune range [Start, End) of the document text.
type Span struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Section is a heading-delimited region of the document text.
type Section struct {
	Title      string `json:"title"`
	Level      int    `json:"level"`
	Start      int    `json:"start"`
	End        int    `json:"end"`
	Paragraphs []Span `json:"paragraphs"`
}

// Chunk is a bounded span of the document text, the unit of retrieval.
//
// Text:        DocumentText[StartOffset:EndOffset] (rune offsets).
// OverlapLen:  runes at the start of Text repeated from the previous chunk.
// PageStart:   first page the span touches; PageEnd the last.
type Chunk struct {
	ID           string    `db:"id" json:"id"`
	DocumentID   string    `db:"document_id" json:"document_id"`
	Seq          int       `db:"seq" json:"seq"`
	Text         string    `db:"text" json:"text"`
	StartOffset  int       `db:"start_offset" json:"start_offset"`
	EndOffset    int       `db:"end_offset" json:"end_offset"`
	OverlapLen   int       `db:"overlap_len" json:"overlap_len"`
	PageStart    int       `db:"page_start" json:"page_start"`
	PageEnd      int       `db:"page_end" json:"page_end"`
	SectionTitle string    `db:"section_title" json:"section_title,omitempty"`
	TokenCount   int       `db:"token_count" json:"token_count"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

// Embedding is the vector for one chunk.
type Embedding struct {
	ChunkID    string    `db:"chunk_id" json:"chunk_id"`
	DocumentID string    `db:"document_id" json:"document_id"`
	Vector     []float32 `db:"embedding" json:"-"` // pgvector column
}

// ScoredChunk is a chunk with its similarity to a query.
type ScoredChunk struct {
	Chunk
	Score float64 `json:"score"`
}

// Conversation is one chat thread about a single document.
type Conversation struct {
	ID         string    `db:"id" json:"id"`
	UserID     string    `db:"user_id" json:"user_id"`
	DocumentID string    `db:"document_id" json:"document_id"`
	Title      string    `db:"title" json:"title"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time `db:"updated_at" json:"updated_at"`
}

// Role is the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is an individual chat message, ordered by Seq within its conversation.
type Message struct {
	ID             string    `db:"id" json:"id"`
	ConversationID string    `db:"conversation_id" json:"conversation_id"`
	Seq            int       `db:"seq" json:"seq"`
	Role           Role      `db:"role" json:"role"`
	Content        string    `db:"content" json:"content"` // message text
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}

// PromptMessage is one turn handed to the completion provider.
type PromptMessage struct {
	Role    Role
	Content string
}
