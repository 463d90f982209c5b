package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	appMiddleware "github.com/markdave123-py/mediawhisperer/internal/api/middlewares"
	"github.com/markdave123-py/mediawhisperer/internal/core/conversation"
	"github.com/markdave123-py/mediawhisperer/internal/models"
)

type ConversationHandler struct {
	engine *conversation.Engine
}

func NewConversationHandler(engine *conversation.Engine) *ConversationHandler {
	return &ConversationHandler{engine: engine}
}

type createConversationRequest struct {
	DocumentID string `json:"document_id"`
	Title      string `json:"title"`
}

type postMessageRequest struct {
	Content string `json:"content"`
}

func (h *ConversationHandler) CreateConversation(w http.ResponseWriter, r *http.Request) {
	userID, ok := appMiddleware.UserIDFromContext(r.Context())
	if !ok {
		http.Error(w, "user_id not found in context", http.StatusUnauthorized)
		return
	}

	var req createConversationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	conv, err := h.engine.CreateConversation(r.Context(), userID, req.DocumentID, req.Title)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, conv)
}

// ListConversations lists the caller's conversations, optionally for one document.
func (h *ConversationHandler) ListConversations(w http.ResponseWriter, r *http.Request) {
	userID, ok := appMiddleware.UserIDFromContext(r.Context())
	if !ok {
		http.Error(w, "user_id not found in context", http.StatusUnauthorized)
		return
	}

	convs, err := h.engine.ListConversations(r.Context(), userID, r.URL.Query().Get("document_id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if convs == nil {
		convs = []models.Conversation{}
	}
	writeJSON(w, http.StatusOK, convs)
}

func (h *ConversationHandler) GetConversation(w http.ResponseWriter, r *http.Request) {
	userID, ok := appMiddleware.UserIDFromContext(r.Context())
	if !ok {
		http.Error(w, "user_id not found in context", http.StatusUnauthorized)
		return
	}

	conv, msgs, err := h.engine.GetConversation(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversation": conv, "messages": msgs})
}

// PostMessage appends a question and returns it with the assistant's reply.
// When the reply fails the stored question is still returned with the error.
func (h *ConversationHandler) PostMessage(w http.ResponseWriter, r *http.Request) {
	userID, ok := appMiddleware.UserIDFromContext(r.Context())
	if !ok {
		http.Error(w, "user_id not found in context", http.StatusUnauthorized)
		return
	}

	var req postMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	ex, err := h.engine.PostMessage(r.Context(), userID, chi.URLParam(r, "id"), req.Content)
	h.writeExchange(w, r, ex, err)
}

// Respond retries the reply to a trailing unanswered question.
func (h *ConversationHandler) Respond(w http.ResponseWriter, r *http.Request) {
	userID, ok := appMiddleware.UserIDFromContext(r.Context())
	if !ok {
		http.Error(w, "user_id not found in context", http.StatusUnauthorized)
		return
	}

	ex, err := h.engine.Respond(r.Context(), userID, chi.URLParam(r, "id"))
	h.writeExchange(w, r, ex, err)
}

func (h *ConversationHandler) writeExchange(w http.ResponseWriter, r *http.Request, ex *conversation.Exchange, err error) {
	if err != nil {
		if ex != nil && ex.UserMessage != nil {
			writeErrorWith(w, r, err, map[string]any{"user_message": ex.UserMessage})
			return
		}
		writeError(w, r, err)
		return
	}
	if ex.Sources == nil {
		ex.Sources = []models.ScoredChunk{}
	}
	writeJSON(w, http.StatusCreated, ex)
}

func (h *ConversationHandler) DeleteConversation(w http.ResponseWriter, r *http.Request) {
	userID, ok := appMiddleware.UserIDFromContext(r.Context())
	if !ok {
		http.Error(w, "user_id not found in context", http.StatusUnauthorized)
		return
	}

	if err := h.engine.DeleteConversation(r.Context(), userID, chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
