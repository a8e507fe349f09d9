package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/brisktest/brisk/pkg/model"
)

// handleRegisterWorker announces a worker process on a registered machine.
// A worker is allocatable from the moment it registers. Re-registering a
// known uid refreshes its heartbeat; the original row is returned either way.
func (s *Server) handleRegisterWorker(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	var req struct {
		UID               string `json:"uid"`
		MachineUID        string `json:"machine_uid"`
		Image             string `json:"image"`
		IPAddress         string `json:"ip_address"`
		Port              int    `json:"port"`
		SyncPort          int    `json:"sync_port"`
		MemoryRequirement int64  `json:"memory_requirement"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("invalid JSON body"))
		return
	}
	var details []model.FieldError
	if req.UID == "" {
		details = append(details, model.FieldError{Field: "uid", Message: "required"})
	}
	if req.MachineUID == "" {
		details = append(details, model.FieldError{Field: "machine_uid", Message: "required"})
	}
	if req.Image == "" {
		details = append(details, model.FieldError{Field: "image", Message: "required"})
	}
	if len(details) > 0 {
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("invalid worker registration", details...))
		return
	}

	machine, err := s.store.GetMachine(r.Context(), req.MachineUID)
	if err != nil {
		s.logger.Error("machine lookup failed", "uid", req.MachineUID, "error", err)
		respondError(w, reqID, http.StatusInternalServerError,
			model.NewInternalError("failed to look up machine"))
		return
	}
	if machine == nil {
		respondError(w, reqID, http.StatusNotFound,
			model.NewNotFoundError("machine", req.MachineUID))
		return
	}
	if machine.Finished() {
		respondError(w, reqID, http.StatusConflict,
			model.NewConflictError("machine "+req.MachineUID+" has been finished"))
		return
	}

	existing, err := s.store.GetWorker(r.Context(), req.UID)
	if err != nil {
		s.logger.Error("worker lookup failed", "uid", req.UID, "error", err)
		respondError(w, reqID, http.StatusInternalServerError,
			model.NewInternalError("failed to look up worker"))
		return
	}
	if existing != nil {
		if !existing.Finished() {
			now := time.Now().UTC()
			if err := s.store.TouchWorker(r.Context(), req.UID, now); err != nil {
				s.logger.Error("worker heartbeat refresh failed", "uid", req.UID, "error", err)
				respondError(w, reqID, http.StatusInternalServerError,
					model.NewInternalError("failed to refresh worker"))
				return
			}
			existing.LastCheckedAt = now
		}
		respondOK(w, reqID, existing)
		return
	}

	now := time.Now().UTC()
	freed := now
	worker := &model.Worker{
		UID:               req.UID,
		MachineUID:        req.MachineUID,
		State:             model.WorkerActive,
		IPAddress:         req.IPAddress,
		Port:              req.Port,
		SyncPort:          req.SyncPort,
		Image:             req.Image,
		MemoryRequirement: req.MemoryRequirement,
		FreedAt:           &freed,
		LastCheckedAt:     now,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.store.CreateWorker(r.Context(), worker); err != nil {
		s.logger.Error("worker create failed", "uid", req.UID, "error", err)
		respondError(w, reqID, http.StatusInternalServerError,
			model.NewInternalError("failed to register worker"))
		return
	}

	s.logger.Info("worker registered", "uid", worker.UID,
		"machine_uid", worker.MachineUID, "image", worker.Image)
	respondCreated(w, reqID, worker)
}

func (s *Server) handleGetWorker(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	uid := chi.URLParam(r, "uid")

	worker, err := s.store.GetWorker(r.Context(), uid)
	if err != nil {
		s.logger.Error("worker lookup failed", "uid", uid, "error", err)
		respondError(w, reqID, http.StatusInternalServerError,
			model.NewInternalError("failed to look up worker"))
		return
	}
	if worker == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("worker", uid))
		return
	}
	respondOK(w, reqID, worker)
}

func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	opts := parseListOptions(r)

	workers, total, err := s.store.ListWorkers(r.Context(), opts)
	if err != nil {
		s.logger.Error("worker list failed", "error", err)
		respondError(w, reqID, http.StatusInternalServerError,
			model.NewInternalError("failed to list workers"))
		return
	}
	respondList(w, reqID, workers, pagination(total, opts))
}

func (s *Server) handlePingWorker(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	uid := chi.URLParam(r, "uid")

	worker, err := s.store.GetWorker(r.Context(), uid)
	if err != nil {
		s.logger.Error("worker lookup failed", "uid", uid, "error", err)
		respondError(w, reqID, http.StatusInternalServerError,
			model.NewInternalError("failed to look up worker"))
		return
	}
	if worker == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("worker", uid))
		return
	}
	if worker.Finished() {
		respondError(w, reqID, http.StatusConflict,
			model.NewConflictError("worker "+uid+" has been finished"))
		return
	}

	now := time.Now().UTC()
	if err := s.store.TouchWorker(r.Context(), uid, now); err != nil {
		s.logger.Error("worker ping failed", "uid", uid, "error", err)
		respondError(w, reqID, http.StatusInternalServerError,
			model.NewInternalError("failed to record ping"))
		return
	}
	respondOK(w, reqID, map[string]any{"uid": uid, "last_checked_at": now})
}

// handleDeRegisterWorker finishes a worker lease. Deregistering an already
// finished worker is tolerated so shutdown paths can retry.
func (s *Server) handleDeRegisterWorker(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	uid := chi.URLParam(r, "uid")

	worker, err := s.store.GetWorker(r.Context(), uid)
	if err != nil {
		s.logger.Error("worker lookup failed", "uid", uid, "error", err)
		respondError(w, reqID, http.StatusInternalServerError,
			model.NewInternalError("failed to look up worker"))
		return
	}
	if worker == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("worker", uid))
		return
	}
	if worker.Finished() {
		respondOK(w, reqID, worker)
		return
	}

	now := time.Now().UTC()
	if worker.Busy() {
		if _, err := s.store.FreeWorkerFromSupervisor(r.Context(), uid, now); err != nil {
			s.logger.Warn("worker free failed during deregister", "uid", uid, "error", err)
		}
	}
	if _, err := s.store.FinishWorker(r.Context(), uid, now); err != nil {
		s.logger.Error("worker finish failed", "uid", uid, "error", err)
		respondError(w, reqID, http.StatusInternalServerError,
			model.NewInternalError("failed to deregister worker"))
		return
	}

	s.logger.Info("worker deregistered", "uid", uid)
	respondOK(w, reqID, map[string]any{"uid": uid, "finished_at": now})
}

// handleWorkerBuildCommands records that a worker has run its project's build
// commands. Supervisors call this once per lease so later runs can prefer
// warmed workers. Project-scoped: a worker leased to another project is
// rejected rather than hidden.
func (s *Server) handleWorkerBuildCommands(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	project := ProjectFromContext(r.Context())
	uid := chi.URLParam(r, "uid")

	worker, err := s.store.GetWorker(r.Context(), uid)
	if err != nil {
		s.logger.Error("worker lookup failed", "uid", uid, "error", err)
		respondError(w, reqID, http.StatusInternalServerError,
			model.NewInternalError("failed to look up worker"))
		return
	}
	if worker == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("worker", uid))
		return
	}
	if worker.ProjectID == nil || *worker.ProjectID != project.ID {
		respondError(w, reqID, http.StatusUnauthorized, &model.APIError{
			Code:    model.ErrUnauthorized,
			Message: "worker " + uid + " is not leased to this project",
		})
		return
	}
	if worker.Finished() {
		respondError(w, reqID, http.StatusConflict,
			model.NewConflictError("worker "+uid+" has been finished"))
		return
	}

	now := time.Now().UTC()
	worker.BuildCommandsRun = true
	worker.LastCheckedAt = now
	worker.UpdatedAt = now
	if err := s.store.UpdateWorker(r.Context(), worker); err != nil {
		s.logger.Error("worker build-commands update failed", "uid", uid, "error", err)
		respondError(w, reqID, http.StatusInternalServerError,
			model.NewInternalError("failed to update worker"))
		return
	}

	s.logger.Info("worker build commands recorded", "uid", uid, "project_id", project.ID)
	respondOK(w, reqID, worker)
}

// handleClearWorkers releases and finishes a project's leased workers, all of
// them or just one supervisor's. Used when a project wants a cold fleet, for
// example after a dependency change invalidates every warmed worker.
func (s *Server) handleClearWorkers(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	project := ProjectFromContext(r.Context())

	var req struct {
		SupervisorUID string `json:"supervisor_uid"`
	}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, reqID, http.StatusBadRequest,
				model.NewValidationError("invalid request body"))
			return
		}
	}

	var workers []*model.Worker
	var err error
	if req.SupervisorUID != "" {
		sup, serr := s.store.GetSupervisor(r.Context(), req.SupervisorUID)
		if serr != nil {
			s.logger.Error("supervisor lookup failed", "uid", req.SupervisorUID, "error", serr)
			respondError(w, reqID, http.StatusInternalServerError,
				model.NewInternalError("failed to look up supervisor"))
			return
		}
		if sup == nil || sup.ProjectID == nil || *sup.ProjectID != project.ID {
			respondError(w, reqID, http.StatusNotFound,
				model.NewNotFoundError("supervisor", req.SupervisorUID))
			return
		}
		workers, err = s.store.ListWorkersBySupervisor(r.Context(), req.SupervisorUID, true)
	} else {
		workers, err = s.store.ListProjectWorkers(r.Context(), project.ID)
	}
	if err != nil {
		s.logger.Error("worker list failed", "project_id", project.ID, "error", err)
		respondError(w, reqID, http.StatusInternalServerError,
			model.NewInternalError("failed to list workers"))
		return
	}

	now := time.Now().UTC()
	cleared := 0
	for _, worker := range workers {
		if worker.Busy() {
			if _, err := s.store.FreeWorkerFromSupervisor(r.Context(), worker.UID, now); err != nil {
				s.logger.Warn("worker free failed during clear", "uid", worker.UID, "error", err)
			}
		}
		if _, err := s.store.FinishWorker(r.Context(), worker.UID, now); err != nil {
			s.logger.Warn("worker finish failed during clear", "uid", worker.UID, "error", err)
			continue
		}
		cleared++
	}

	s.logger.Info("project workers cleared", "project_id", project.ID,
		"supervisor_uid", req.SupervisorUID, "cleared", cleared)
	respondOK(w, reqID, map[string]any{"workers_cleared": cleared})
}
