package server

import (
	"net/http"

	"github.com/brisktest/brisk/pkg/model"
)

// handleLogURL issues a short-lived presigned URL for a run log object.
// method=put yields an upload URL for workers; the default is a download
// URL for readers.
func (s *Server) handleLogURL(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	key := r.URL.Query().Get("key")
	if key == "" {
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("invalid log URL request",
				model.FieldError{Field: "key", Message: "required"}))
		return
	}

	method := r.URL.Query().Get("method")
	var url string
	var err error
	switch method {
	case "", "get":
		url, err = s.logs.GetURL(r.Context(), key)
	case "put":
		url, err = s.logs.PutURL(r.Context(), key)
	default:
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("invalid log URL request",
				model.FieldError{Field: "method", Message: "must be get or put"}))
		return
	}
	if err != nil {
		s.logger.Error("presign failed", "key", key, "method", method, "error", err)
		respondError(w, reqID, http.StatusServiceUnavailable,
			model.NewInternalError("log store unavailable"))
		return
	}

	respondOK(w, reqID, map[string]string{"key": key, "url": url})
}
