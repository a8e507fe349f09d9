package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/brisktest/brisk/internal/run"
	"github.com/brisktest/brisk/pkg/model"
)

// handleStartRun admits a new run for the calling project and allocates its
// workers. A request the fleet cannot satisfy comes back 429 with the
// numbers the client needs to retry or shrink.
func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	project := ProjectFromContext(r.Context())

	var req struct {
		SupervisorUID string `json:"supervisor_uid"`
		NumWorkers    int    `json:"num_workers"`
		RebuildHash   string `json:"rebuild_hash"`
		Branch        string `json:"branch"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("invalid JSON body"))
		return
	}
	if req.SupervisorUID == "" {
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("invalid run request",
				model.FieldError{Field: "supervisor_uid", Message: "required"}))
		return
	}

	result, err := s.runs.StartRun(r.Context(), project, run.StartRunRequest{
		SupervisorUID: req.SupervisorUID,
		NumWorkers:    req.NumWorkers,
		RebuildHash:   req.RebuildHash,
		Branch:        req.Branch,
	})
	if err != nil {
		s.respondServiceError(w, reqID, err)
		return
	}

	s.logger.Info("run started", "jobrun_id", result.Jobrun.ID,
		"project_id", project.ID, "workers", len(result.Workers))
	respondCreated(w, reqID, result)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	project := ProjectFromContext(r.Context())
	opts := parseListOptions(r)

	runs, total, err := s.store.ListJobruns(r.Context(), project.ID, opts)
	if err != nil {
		s.logger.Error("run list failed", "project_id", project.ID, "error", err)
		respondError(w, reqID, http.StatusInternalServerError,
			model.NewInternalError("failed to list runs"))
		return
	}
	respondList(w, reqID, runs, pagination(total, opts))
}

// ownedRun loads a jobrun and checks it belongs to the calling project.
// Foreign runs are reported as not found rather than forbidden.
func (s *Server) ownedRun(r *http.Request) (*model.Jobrun, *model.APIError) {
	project := ProjectFromContext(r.Context())
	id := chi.URLParam(r, "id")

	jobrun, err := s.store.GetJobrun(r.Context(), id)
	if err != nil {
		s.logger.Error("run lookup failed", "jobrun_id", id, "error", err)
		return nil, model.NewInternalError("failed to look up run")
	}
	if jobrun == nil || jobrun.ProjectID != project.ID {
		return nil, model.NewNotFoundError("run", id)
	}
	return jobrun, nil
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	jobrun, apiErr := s.ownedRun(r)
	if apiErr != nil {
		respondError(w, reqID, errStatus(apiErr.Code), apiErr)
		return
	}
	respondOK(w, reqID, jobrun)
}

// handleLogRun records one worker's batch result for a run and hands the
// worker back. The timestamps are the worker's own clock; duration falls
// back to the started/finished window when ms_time_taken is absent.
func (s *Server) handleLogRun(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	jobrun, apiErr := s.ownedRun(r)
	if apiErr != nil {
		respondError(w, reqID, errStatus(apiErr.Code), apiErr)
		return
	}

	var req struct {
		WorkerUID   string    `json:"worker_uid"`
		Files       []string  `json:"files"`
		ExitCode    string    `json:"exit_code"`
		MSTimeTaken int64     `json:"ms_time_taken"`
		LogLocation string    `json:"log_location"`
		RebuildHash string    `json:"rebuild_hash"`
		StartedAt   time.Time `json:"started_at"`
		FinishedAt  time.Time `json:"finished_at"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("invalid JSON body"))
		return
	}
	var details []model.FieldError
	if req.WorkerUID == "" {
		details = append(details, model.FieldError{Field: "worker_uid", Message: "required"})
	}
	if req.ExitCode == "" {
		details = append(details, model.FieldError{Field: "exit_code", Message: "required"})
	}
	if len(details) > 0 {
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("invalid run log", details...))
		return
	}

	wri, err := s.runs.LogRun(r.Context(), run.LogRunRequest{
		JobrunID:    jobrun.ID,
		WorkerUID:   req.WorkerUID,
		Files:       req.Files,
		ExitCode:    req.ExitCode,
		MSTimeTaken: req.MSTimeTaken,
		LogLocation: req.LogLocation,
		RebuildHash: req.RebuildHash,
		StartedAt:   req.StartedAt,
		FinishedAt:  req.FinishedAt,
	})
	if err != nil {
		s.respondServiceError(w, reqID, err)
		return
	}
	respondCreated(w, reqID, wri)
}

// handleFinishRun settles a run from the supervisor's point of view once all
// of its workers have reported or been given up on.
func (s *Server) handleFinishRun(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	jobrun, apiErr := s.ownedRun(r)
	if apiErr != nil {
		respondError(w, reqID, errStatus(apiErr.Code), apiErr)
		return
	}

	var req struct {
		SupervisorUID    string   `json:"supervisor_uid"`
		FinalWorkerCount int      `json:"final_worker_count"`
		Status           string   `json:"status"`
		FailedWorkerUIDs []string `json:"failed_worker_uids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("invalid JSON body"))
		return
	}
	status := model.JobrunState(req.Status)
	if req.Status != "" && !status.IsValid() {
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("invalid run finish",
				model.FieldError{Field: "status", Message: "unknown state " + req.Status}))
		return
	}

	finished, err := s.runs.FinishRun(r.Context(), jobrun.ID, req.SupervisorUID,
		req.FinalWorkerCount, status, req.FailedWorkerUIDs)
	if err != nil {
		s.respondServiceError(w, reqID, err)
		return
	}

	s.logger.Info("run finished", "jobrun_id", finished.ID, "state", finished.State)
	respondOK(w, reqID, finished)
}
