package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/markdave123-py/mediawhisperer/internal/core"
	"github.com/markdave123-py/mediawhisperer/internal/core/ingestion_engine"
	"github.com/markdave123-py/mediawhisperer/internal/models"
)

const mimePDF = "application/pdf"

// Pipeline is the part of the ingestor the upload boundary drives.
type Pipeline interface {
	Submit(ctx context.Context, docID string) error
	Cancel(ctx context.Context, docID string) error
	Delete(ctx context.Context, docID string) error
}

// UploadInput is one uploaded file with its metadata.
type UploadInput struct {
	FileName    string
	Title       string
	Description string
	Data        []byte
}

// URLInput asks for a document to be fetched from a URL.
type URLInput struct {
	URL         string `json:"url"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

type DocumentService struct {
	db       core.DbClient
	storage  core.ObjectClient
	pipeline Pipeline
	fetcher  *resty.Client
	bucket   string
	maxBytes int64
}

func NewDocumentService(db core.DbClient, storage core.ObjectClient, pipeline Pipeline, bucket string, maxBytes int64, fetchTimeout time.Duration) *DocumentService {
	fetcher := resty.New().
		SetTimeout(fetchTimeout).
		SetRedirectPolicy(resty.FlexibleRedirectPolicy(5)).
		SetHeader("User-Agent", "mediawhisperer-fetcher/1.0")

	return &DocumentService{
		db:       db,
		storage:  storage,
		pipeline: pipeline,
		fetcher:  fetcher,
		bucket:   bucket,
		maxBytes: maxBytes,
	}
}

// Upload stores a PDF, records it as pending and hands it to the pipeline.
func (s *DocumentService) Upload(ctx context.Context, userID string, in UploadInput) (*models.Document, error) {
	const op = "upload document"

	name := cleanFileName(in.FileName, "document.pdf")
	if err := s.checkSize(op, int64(len(in.Data))); err != nil {
		return nil, err
	}
	if !bytes.HasPrefix(in.Data, []byte("%PDF-")) && !strings.EqualFold(path.Ext(name), ".pdf") {
		return nil, core.Errorf(core.KindInvalidInput, op, "only PDF documents can be uploaded")
	}

	return s.create(ctx, &models.Document{
		UserID:      userID,
		Title:       strings.TrimSpace(in.Title),
		Description: strings.TrimSpace(in.Description),
		FileName:    name,
		SourceType:  models.SourceUpload,
		ContentType: mimePDF,
	}, in.Data)
}

// FromURL fetches a document over http(s) and ingests it like an upload.
// Besides PDFs it accepts any format the extractor can read.
func (s *DocumentService) FromURL(ctx context.Context, userID string, in URLInput) (*models.Document, error) {
	const op = "fetch document"

	u, err := url.Parse(strings.TrimSpace(in.URL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, core.Errorf(core.KindInvalidInput, op, "url must be an absolute http(s) url")
	}

	resp, err := s.fetcher.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(u.String())
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, core.E(core.KindInvalidInput, op, err)
	}
	body := resp.RawBody()
	defer body.Close()

	if resp.StatusCode() < 200 || resp.StatusCode() > 299 {
		return nil, core.Errorf(core.KindInvalidInput, op, "%s answered %s", u.Host, resp.Status())
	}
	if resp.RawResponse.ContentLength > 0 {
		if err := s.checkSize(op, resp.RawResponse.ContentLength); err != nil {
			return nil, err
		}
	}
	data, err := io.ReadAll(io.LimitReader(body, s.maxBytes+1))
	if err != nil {
		return nil, core.E(core.KindInvalidInput, op, fmt.Errorf("read body: %w", err))
	}
	if err := s.checkSize(op, int64(len(data))); err != nil {
		return nil, err
	}

	contentType := resp.Header().Get("Content-Type")
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	if !ingestion_engine.SupportedMediaType(contentType, data) {
		return nil, core.Errorf(core.KindInvalidInput, op, "unsupported content type %q", contentType)
	}
	if bytes.HasPrefix(data, []byte("%PDF-")) {
		contentType = mimePDF
	}

	return s.create(ctx, &models.Document{
		UserID:      userID,
		Title:       strings.TrimSpace(in.Title),
		Description: strings.TrimSpace(in.Description),
		FileName:    cleanFileName(path.Base(u.Path), "document"),
		SourceType:  models.SourceURL,
		SourceURL:   u.String(),
		ContentType: contentType,
	}, data)
}

// create stores the bytes, records the document and submits it. A busy
// pipeline leaves the document pending for a later submit or recovery.
func (s *DocumentService) create(ctx context.Context, doc *models.Document, data []byte) (*models.Document, error) {
	if doc.Title == "" {
		docs, err := s.db.ListDocumentsByUser(ctx, doc.UserID)
		if err != nil {
			return nil, err
		}
		doc.Title = fmt.Sprintf("PDF Document %d", len(docs)+1)
	}

	doc.ID = uuid.NewString()
	doc.StorageKey = s.objectKey(doc.UserID, doc.ID, doc.FileName)
	doc.SizeBytes = int64(len(data))
	doc.Status = models.StatusPending

	if _, err := s.storage.UploadFile(ctx, s.bucket, doc.StorageKey, bytes.NewReader(data), doc.ContentType); err != nil {
		return nil, fmt.Errorf("store upload: %w", err)
	}
	if err := s.db.CreateDocument(ctx, doc); err != nil {
		if derr := s.storage.DeleteFile(context.Background(), s.bucket, doc.StorageKey); derr != nil {
			zap.S().Warnw("DocumentService: orphaned upload", "key", doc.StorageKey, "error", derr)
		}
		return nil, err
	}
	zap.S().Infow("DocumentService: document accepted", "document_id", doc.ID, "user_id", doc.UserID,
		"source", doc.SourceType, "bytes", doc.SizeBytes)

	if err := s.pipeline.Submit(ctx, doc.ID); err != nil {
		if !errors.Is(err, core.ErrBusy) {
			zap.S().Errorw("DocumentService: submit failed", "document_id", doc.ID, "error", err)
		} else {
			zap.S().Warnw("DocumentService: pipeline busy, document left pending", "document_id", doc.ID)
		}
	}
	return doc, nil
}

func (s *DocumentService) checkSize(op string, n int64) error {
	if n == 0 {
		return core.Errorf(core.KindInvalidInput, op, "empty document")
	}
	if n > s.maxBytes {
		return core.Errorf(core.KindInvalidInput, op, "document exceeds %d bytes", s.maxBytes)
	}
	return nil
}

// Get returns a document owned by userID; other users' documents are not found.
func (s *DocumentService) Get(ctx context.Context, userID, id string) (*models.Document, error) {
	doc, err := s.db.GetDocumentByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if doc.UserID != userID {
		return nil, core.Errorf(core.KindNotFound, "get document", "document %s not found", id)
	}
	return doc, nil
}

func (s *DocumentService) List(ctx context.Context, userID string) ([]models.Document, error) {
	return s.db.ListDocumentsByUser(ctx, userID)
}

// Pages returns the normalized pages of a ready document; page > 0 selects one.
func (s *DocumentService) Pages(ctx context.Context, userID, id string, page int) ([]models.Page, error) {
	doc, err := s.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if doc.Status != models.StatusReady {
		return nil, core.Errorf(core.KindNotReady, "get content", "document %s is %s", id, doc.Status)
	}
	pages, err := s.db.GetPages(ctx, id)
	if err != nil {
		return nil, err
	}
	if page <= 0 {
		return pages, nil
	}
	if page > len(pages) {
		return nil, core.Errorf(core.KindNotFound, "get content", "document %s has %d pages", id, len(pages))
	}
	return pages[page-1 : page], nil
}

func (s *DocumentService) Submit(ctx context.Context, userID, id string) error {
	if _, err := s.Get(ctx, userID, id); err != nil {
		return err
	}
	return s.pipeline.Submit(ctx, id)
}

func (s *DocumentService) Cancel(ctx context.Context, userID, id string) error {
	if _, err := s.Get(ctx, userID, id); err != nil {
		return err
	}
	return s.pipeline.Cancel(ctx, id)
}

func (s *DocumentService) Delete(ctx context.Context, userID, id string) error {
	if _, err := s.Get(ctx, userID, id); err != nil {
		return err
	}
	return s.pipeline.Delete(ctx, id)
}

// objectKey creates a consistent object key layout.
func (s *DocumentService) objectKey(userID, docID, filename string) string {
	return path.Join("users", userID, "documents", docID, filename)
}

func cleanFileName(name, fallback string) string {
	name = strings.ReplaceAll(strings.TrimSpace(name), "\\", "/")
	name = path.Base(name)
	name = strings.ReplaceAll(name, " ", "_")
	if name == "" || name == "." || name == "/" || name == ".." {
		return fallback
	}
	return name
}
