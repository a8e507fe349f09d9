package server

import (
	"encoding/json"
	"net/http"

	"github.com/brisktest/brisk/pkg/model"
)

// handleSplit divides the project's test files into buckets of roughly
// equal estimated runtime, one per worker.
func (s *Server) handleSplit(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	project := ProjectFromContext(r.Context())

	var req struct {
		Filenames  []string `json:"filenames"`
		NumBuckets int      `json:"num_buckets"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("invalid JSON body"))
		return
	}
	if len(req.Filenames) == 0 {
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("invalid split request",
				model.FieldError{Field: "filenames", Message: "required"}))
		return
	}

	result, err := s.splitter.Split(r.Context(), project, req.Filenames, req.NumBuckets)
	if err != nil {
		s.respondServiceError(w, reqID, err)
		return
	}

	s.logger.Info("split computed", "project_id", project.ID,
		"files", len(req.Filenames), "buckets", req.NumBuckets, "method", result.Method)
	respondOK(w, reqID, result)
}
