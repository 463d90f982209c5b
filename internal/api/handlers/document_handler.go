package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	appMiddleware "github.com/markdave123-py/mediawhisperer/internal/api/middlewares"
	"github.com/markdave123-py/mediawhisperer/internal/core"
	"github.com/markdave123-py/mediawhisperer/internal/models"
	"github.com/markdave123-py/mediawhisperer/internal/services"
)

// multipart overhead allowed on top of the file size limit
const formOverhead = 1 << 20

// Searcher runs a retrieval query against one document.
type Searcher interface {
	Retrieve(ctx context.Context, documentID, query string, topK, maxTokens int) ([]models.ScoredChunk, error)
}

type DocumentHandler struct {
	docs      *services.DocumentService
	searcher  Searcher
	maxUpload int64
}

func NewDocumentHandler(docs *services.DocumentService, searcher Searcher, maxUpload int64) *DocumentHandler {
	return &DocumentHandler{docs: docs, searcher: searcher, maxUpload: maxUpload}
}

// UploadDocument accepts a multipart PDF upload and queues it for ingestion.
func (h *DocumentHandler) UploadDocument(w http.ResponseWriter, r *http.Request) {
	userID, ok := appMiddleware.UserIDFromContext(r.Context())
	if !ok {
		http.Error(w, "user_id not found in context", http.StatusUnauthorized)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload+formOverhead)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, r, core.Errorf(core.KindInvalidInput, "upload document", "document exceeds %d bytes", h.maxUpload))
			return
		}
		writeError(w, r, core.Errorf(core.KindInvalidInput, "upload document", "invalid form: %v", err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, r, core.Errorf(core.KindInvalidInput, "upload document", "missing file"))
		return
	}
	defer file.Close()

	// one byte past the limit is enough for the service to reject it
	data, err := io.ReadAll(io.LimitReader(file, h.maxUpload+1))
	if err != nil {
		writeError(w, r, core.Errorf(core.KindInvalidInput, "upload document", "read file: %v", err))
		return
	}

	doc, err := h.docs.Upload(r.Context(), userID, services.UploadInput{
		FileName:    header.Filename,
		Title:       r.FormValue("title"),
		Description: r.FormValue("description"),
		Data:        data,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, doc)
}

// CreateFromURL fetches a document from a URL and queues it for ingestion.
func (h *DocumentHandler) CreateFromURL(w http.ResponseWriter, r *http.Request) {
	userID, ok := appMiddleware.UserIDFromContext(r.Context())
	if !ok {
		http.Error(w, "user_id not found in context", http.StatusUnauthorized)
		return
	}

	var in services.URLInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	doc, err := h.docs.FromURL(r.Context(), userID, in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, doc)
}

func (h *DocumentHandler) GetDocuments(w http.ResponseWriter, r *http.Request) {
	userID, ok := appMiddleware.UserIDFromContext(r.Context())
	if !ok {
		http.Error(w, "user_id not found in context", http.StatusUnauthorized)
		return
	}

	documents, err := h.docs.List(r.Context(), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if documents == nil {
		documents = []models.Document{}
	}
	writeJSON(w, http.StatusOK, documents)
}

// GetDocument reports a document with its processing status.
func (h *DocumentHandler) GetDocument(w http.ResponseWriter, r *http.Request) {
	userID, ok := appMiddleware.UserIDFromContext(r.Context())
	if !ok {
		http.Error(w, "user_id not found in context", http.StatusUnauthorized)
		return
	}

	doc, err := h.docs.Get(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// GetContent returns normalized page text, all pages or ?page=n.
func (h *DocumentHandler) GetContent(w http.ResponseWriter, r *http.Request) {
	userID, ok := appMiddleware.UserIDFromContext(r.Context())
	if !ok {
		http.Error(w, "user_id not found in context", http.StatusUnauthorized)
		return
	}

	page := 0
	if raw := r.URL.Query().Get("page"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, r, core.Errorf(core.KindInvalidInput, "get content", "page must be a positive integer"))
			return
		}
		page = n
	}

	pages, err := h.docs.Pages(r.Context(), userID, chi.URLParam(r, "id"), page)
	if err != nil {
		writeError(w, r, err)
		return
	}
	for i := range pages {
		if pages[i].Images == nil {
			pages[i].Images = []models.ImageRef{}
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"pages": pages})
}

type pageImages struct {
	Page   int               `json:"page_number"`
	Images []models.ImageRef `json:"images"`
}

// GetImages lists image placements for every page that has any.
func (h *DocumentHandler) GetImages(w http.ResponseWriter, r *http.Request) {
	userID, ok := appMiddleware.UserIDFromContext(r.Context())
	if !ok {
		http.Error(w, "user_id not found in context", http.StatusUnauthorized)
		return
	}

	pages, err := h.docs.Pages(r.Context(), userID, chi.URLParam(r, "id"), 0)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := []pageImages{}
	for _, p := range pages {
		if len(p.Images) > 0 {
			out = append(out, pageImages{Page: p.Number, Images: p.Images})
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"pages": out})
}

// SubmitDocument resubmits a pending, failed or cancelled document.
func (h *DocumentHandler) SubmitDocument(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, h.docs.Submit)
}

func (h *DocumentHandler) CancelDocument(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, h.docs.Cancel)
}

func (h *DocumentHandler) control(w http.ResponseWriter, r *http.Request, action func(ctx context.Context, userID, id string) error) {
	userID, ok := appMiddleware.UserIDFromContext(r.Context())
	if !ok {
		http.Error(w, "user_id not found in context", http.StatusUnauthorized)
		return
	}

	id := chi.URLParam(r, "id")
	if err := action(r.Context(), userID, id); err != nil {
		writeError(w, r, err)
		return
	}
	doc, err := h.docs.Get(r.Context(), userID, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, doc)
}

func (h *DocumentHandler) DeleteDocument(w http.ResponseWriter, r *http.Request) {
	userID, ok := appMiddleware.UserIDFromContext(r.Context())
	if !ok {
		http.Error(w, "user_id not found in context", http.StatusUnauthorized)
		return
	}

	if err := h.docs.Delete(r.Context(), userID, chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type searchRequest struct {
	Query     string `json:"query"`
	TopK      int    `json:"top_k"`
	MaxTokens int    `json:"max_tokens"`
}

// SearchDocument runs retrieval for a query without calling the model.
func (h *DocumentHandler) SearchDocument(w http.ResponseWriter, r *http.Request) {
	userID, ok := appMiddleware.UserIDFromContext(r.Context())
	if !ok {
		http.Error(w, "user_id not found in context", http.StatusUnauthorized)
		return
	}

	var req searchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	req.Query = strings.TrimSpace(req.Query)

	id := chi.URLParam(r, "id")
	if _, err := h.docs.Get(r.Context(), userID, id); err != nil {
		writeError(w, r, err)
		return
	}
	chunks, err := h.searcher.Retrieve(r.Context(), id, req.Query, req.TopK, req.MaxTokens)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if chunks == nil {
		chunks = []models.ScoredChunk{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"chunks": chunks})
}
