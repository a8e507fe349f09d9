package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/brisktest/brisk/pkg/model"
)

// requestID generates a unique request identifier.
func requestID() string {
	return "req_" + uuid.New().String()[:8]
}

// respondOK writes a success response with the standard envelope.
func respondOK(w http.ResponseWriter, reqID string, data any) {
	respondJSON(w, http.StatusOK, reqID, data, nil, nil)
}

// respondCreated writes a 201 response with the standard envelope.
func respondCreated(w http.ResponseWriter, reqID string, data any) {
	respondJSON(w, http.StatusCreated, reqID, data, nil, nil)
}

// respondList writes a success response with pagination.
func respondList(w http.ResponseWriter, reqID string, data any, pg *model.Pagination) {
	respondJSON(w, http.StatusOK, reqID, data, pg, nil)
}

// respondError writes an error response with the standard envelope.
func respondError(w http.ResponseWriter, reqID string, status int, apiErr *model.APIError) {
	respondJSON(w, status, reqID, nil, nil, apiErr)
}

// respondServiceError maps an error from the scheduling services onto an
// HTTP status and the envelope. Unknown errors are logged and become
// opaque 500s.
func (s *Server) respondServiceError(w http.ResponseWriter, reqID string, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		respondError(w, reqID, errStatus(apiErr.Code), apiErr)
		return
	}
	var transErr *model.InvalidTransitionError
	if errors.As(err, &transErr) {
		respondError(w, reqID, http.StatusConflict, model.NewConflictError(transErr.Error()))
		return
	}
	s.logger.Error("request failed", "request_id", reqID, "error", err)
	respondError(w, reqID, http.StatusInternalServerError, model.NewInternalError("internal error"))
}

func errStatus(code model.ErrorCode) int {
	switch code {
	case model.ErrValidation:
		return http.StatusBadRequest
	case model.ErrNotFound:
		return http.StatusNotFound
	case model.ErrConflict, model.ErrInvariant:
		return http.StatusConflict
	case model.ErrUnauthorized:
		return http.StatusUnauthorized
	case model.ErrCapacityExhausted:
		return http.StatusTooManyRequests
	case model.ErrLockTimeout:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func respondJSON(w http.ResponseWriter, status int, reqID string, data any, pg *model.Pagination, apiErr *model.APIError) {
	resp := model.Response{
		RequestID:  reqID,
		Timestamp:  time.Now().UTC(),
		Data:       data,
		Pagination: pg,
		Error:      apiErr,
	}
	if apiErr != nil {
		resp.Status = "error"
	} else {
		resp.Status = "ok"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}
