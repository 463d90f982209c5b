package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/markdave123-py/mediawhisperer/internal/core"
)

type errorBody struct {
	Error string    `json:"error"`
	Kind  core.Kind `json:"kind"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.S().Warnw("HTTP: encode response failed", "error", err)
	}
}

// statusOf maps an error kind to an HTTP status.
func statusOf(err error) int {
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusServiceUnavailable
	}
	switch core.KindOf(err) {
	case core.KindInvalidInput:
		return http.StatusBadRequest
	case core.KindNotFound:
		return http.StatusNotFound
	case core.KindBusy, core.KindConflict, core.KindInvalidState, core.KindNotReady:
		return http.StatusConflict
	case core.KindProviderUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	writeErrorWith(w, r, err, nil)
}

// writeErrorWith writes err and, when extra is non-nil, merges its fields into
// the body. Internal errors are logged and reported without detail.
func writeErrorWith(w http.ResponseWriter, r *http.Request, err error, extra map[string]any) {
	status := statusOf(err)
	body := errorBody{Error: err.Error(), Kind: core.KindOf(err)}
	if status == http.StatusInternalServerError {
		zap.S().Errorw("HTTP: request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()),
			"error", err,
		)
		body = errorBody{Error: "internal error", Kind: core.KindInternal}
	}

	if extra == nil {
		writeJSON(w, status, body)
		return
	}
	out := map[string]any{"error": body.Error, "kind": body.Kind}
	for k, v := range extra {
		out[k] = v
	}
	writeJSON(w, status, out)
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return core.Errorf(core.KindInvalidInput, "decode request", "invalid request body: %v", err)
	}
	return nil
}
