package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/brisktest/brisk/pkg/model"
)

// handleCreateProject provisions a tenant account. The API token is
// generated server-side and returned only from this call.
func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	var req struct {
		Name               string `json:"name"`
		Image              string `json:"image"`
		WorkerConcurrency  int    `json:"worker_concurrency"`
		MaxSupervisors     int    `json:"max_supervisors"`
		MemoryRequirement  int64  `json:"memory_requirement"`
		MonthlyConcurrency int    `json:"monthly_concurrency"`
		MinimumCapacity    int    `json:"minimum_capacity"`
		SplitMethod        string `json:"split_method"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("invalid JSON body"))
		return
	}
	var details []model.FieldError
	if req.Name == "" {
		details = append(details, model.FieldError{Field: "name", Message: "required"})
	}
	if req.Image == "" {
		details = append(details, model.FieldError{Field: "image", Message: "required"})
	}
	if req.WorkerConcurrency < 1 {
		details = append(details, model.FieldError{Field: "worker_concurrency", Message: "must be at least 1"})
	}
	if req.MaxSupervisors < 1 {
		details = append(details, model.FieldError{Field: "max_supervisors", Message: "must be at least 1"})
	}
	if len(details) > 0 {
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("invalid project", details...))
		return
	}

	now := time.Now().UTC()
	project := &model.Project{
		ID:                 "proj_" + uuid.New().String()[:8],
		Name:               req.Name,
		Token:              "tok_" + uuid.New().String(),
		Image:              req.Image,
		WorkerConcurrency:  req.WorkerConcurrency,
		MaxSupervisors:     req.MaxSupervisors,
		MemoryRequirement:  req.MemoryRequirement,
		MonthlyConcurrency: req.MonthlyConcurrency,
		MinimumCapacity:    req.MinimumCapacity,
		SplitMethod:        req.SplitMethod,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := s.store.CreateProject(r.Context(), project); err != nil {
		s.logger.Error("project create failed", "name", req.Name, "error", err)
		respondError(w, reqID, http.StatusInternalServerError,
			model.NewInternalError("failed to create project"))
		return
	}

	s.logger.Info("project created", "project_id", project.ID, "name", project.Name)
	respondCreated(w, reqID, map[string]any{
		"project": project,
		"token":   project.Token,
	})
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	project, err := s.store.GetProject(r.Context(), id)
	if err != nil {
		s.logger.Error("project lookup failed", "project_id", id, "error", err)
		respondError(w, reqID, http.StatusInternalServerError,
			model.NewInternalError("failed to look up project"))
		return
	}
	if project == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("project", id))
		return
	}
	respondOK(w, reqID, project)
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	opts := parseListOptions(r)

	projects, total, err := s.store.ListProjects(r.Context(), opts)
	if err != nil {
		s.logger.Error("project list failed", "error", err)
		respondError(w, reqID, http.StatusInternalServerError,
			model.NewInternalError("failed to list projects"))
		return
	}
	respondList(w, reqID, projects, pagination(total, opts))
}

// handleUpdateProject adjusts a project's capacity and split settings.
// Zero-valued fields in the request leave the stored value alone.
func (s *Server) handleUpdateProject(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	project, err := s.store.GetProject(r.Context(), id)
	if err != nil {
		s.logger.Error("project lookup failed", "project_id", id, "error", err)
		respondError(w, reqID, http.StatusInternalServerError,
			model.NewInternalError("failed to look up project"))
		return
	}
	if project == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("project", id))
		return
	}

	var req struct {
		Name               string `json:"name"`
		Image              string `json:"image"`
		WorkerConcurrency  int    `json:"worker_concurrency"`
		MaxSupervisors     int    `json:"max_supervisors"`
		MemoryRequirement  int64  `json:"memory_requirement"`
		MonthlyConcurrency int    `json:"monthly_concurrency"`
		MinimumCapacity    int    `json:"minimum_capacity"`
		SplitMethod        string `json:"split_method"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("invalid JSON body"))
		return
	}

	if req.Name != "" {
		project.Name = req.Name
	}
	if req.Image != "" {
		project.Image = req.Image
	}
	if req.WorkerConcurrency > 0 {
		project.WorkerConcurrency = req.WorkerConcurrency
	}
	if req.MaxSupervisors > 0 {
		project.MaxSupervisors = req.MaxSupervisors
	}
	if req.MemoryRequirement > 0 {
		project.MemoryRequirement = req.MemoryRequirement
	}
	if req.MonthlyConcurrency > 0 {
		project.MonthlyConcurrency = req.MonthlyConcurrency
	}
	if req.MinimumCapacity > 0 {
		project.MinimumCapacity = req.MinimumCapacity
	}
	if req.SplitMethod != "" {
		project.SplitMethod = req.SplitMethod
	}
	project.UpdatedAt = time.Now().UTC()

	if err := s.store.UpdateProject(r.Context(), project); err != nil {
		s.logger.Error("project update failed", "project_id", id, "error", err)
		respondError(w, reqID, http.StatusInternalServerError,
			model.NewInternalError("failed to update project"))
		return
	}

	s.logger.Info("project updated", "project_id", project.ID)
	respondOK(w, reqID, project)
}

// handleGetSchedule returns the project's fill-threshold schedule, falling
// back to the fleet default when the project has none of its own.
func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	project, err := s.store.GetProject(r.Context(), id)
	if err != nil {
		s.logger.Error("project lookup failed", "project_id", id, "error", err)
		respondError(w, reqID, http.StatusInternalServerError,
			model.NewInternalError("failed to look up project"))
		return
	}
	if project == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("project", id))
		return
	}

	sched, err := s.store.GetSchedule(r.Context(), id)
	if err != nil {
		s.logger.Error("schedule lookup failed", "project_id", id, "error", err)
		respondError(w, reqID, http.StatusInternalServerError,
			model.NewInternalError("failed to look up schedule"))
		return
	}
	if sched == nil {
		sched = model.DefaultSchedule()
	}
	respondOK(w, reqID, sched)
}

func (s *Server) handleUpsertSchedule(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	project, err := s.store.GetProject(r.Context(), id)
	if err != nil {
		s.logger.Error("project lookup failed", "project_id", id, "error", err)
		respondError(w, reqID, http.StatusInternalServerError,
			model.NewInternalError("failed to look up project"))
		return
	}
	if project == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("project", id))
		return
	}

	var req struct {
		DayPercent   float64 `json:"day_percent"`
		NightPercent float64 `json:"night_percent"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("invalid JSON body"))
		return
	}
	var details []model.FieldError
	if req.DayPercent <= 0 || req.DayPercent > 1 {
		details = append(details, model.FieldError{Field: "day_percent", Message: "must be in (0, 1]"})
	}
	if req.NightPercent <= 0 || req.NightPercent > 1 {
		details = append(details, model.FieldError{Field: "night_percent", Message: "must be in (0, 1]"})
	}
	if len(details) > 0 {
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("invalid schedule", details...))
		return
	}

	now := time.Now().UTC()
	sched := &model.Schedule{
		ID:           "sched_" + uuid.New().String()[:8],
		ProjectID:    id,
		DayPercent:   req.DayPercent,
		NightPercent: req.NightPercent,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.UpsertSchedule(r.Context(), sched); err != nil {
		s.logger.Error("schedule upsert failed", "project_id", id, "error", err)
		respondError(w, reqID, http.StatusInternalServerError,
			model.NewInternalError("failed to save schedule"))
		return
	}

	s.logger.Info("schedule updated", "project_id", id,
		"day_percent", req.DayPercent, "night_percent", req.NightPercent)
	respondOK(w, reqID, sched)
}
