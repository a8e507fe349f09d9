package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/brisktest/brisk/pkg/model"
)

// handleRegisterSupervisor announces a supervisor process. A known, live
// supervisor is returned as-is; a finished uid must not reappear, since
// runs may still reference it.
func (s *Server) handleRegisterSupervisor(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	var req struct {
		UID        string `json:"uid"`
		MachineUID string `json:"machine_uid"`
		IPAddress  string `json:"ip_address"`
		Port       int    `json:"port"`
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
	if len(details) > 0 {
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("invalid supervisor registration", details...))
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

	existing, err := s.store.GetSupervisor(r.Context(), req.UID)
	if err != nil {
		s.logger.Error("supervisor lookup failed", "uid", req.UID, "error", err)
		respondError(w, reqID, http.StatusInternalServerError,
			model.NewInternalError("failed to look up supervisor"))
		return
	}
	if existing != nil {
		if existing.Finished() {
			respondError(w, reqID, http.StatusConflict,
				model.NewInvariantError("supervisor "+req.UID+" has been finished and cannot re-register"))
			return
		}
		respondOK(w, reqID, existing)
		return
	}

	now := time.Now().UTC()
	sup := &model.Supervisor{
		UID:        req.UID,
		MachineUID: req.MachineUID,
		State:      model.SupervisorReady,
		IPAddress:  req.IPAddress,
		Port:       req.Port,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.CreateSupervisor(r.Context(), sup); err != nil {
		s.logger.Error("supervisor create failed", "uid", req.UID, "error", err)
		respondError(w, reqID, http.StatusInternalServerError,
			model.NewInternalError("failed to register supervisor"))
		return
	}

	s.logger.Info("supervisor registered", "uid", sup.UID, "machine_uid", sup.MachineUID)
	respondCreated(w, reqID, sup)
}

func (s *Server) handleGetSupervisor(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	uid := chi.URLParam(r, "uid")

	sup, err := s.store.GetSupervisor(r.Context(), uid)
	if err != nil {
		s.logger.Error("supervisor lookup failed", "uid", uid, "error", err)
		respondError(w, reqID, http.StatusInternalServerError,
			model.NewInternalError("failed to look up supervisor"))
		return
	}
	if sup == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("supervisor", uid))
		return
	}
	respondOK(w, reqID, sup)
}

func (s *Server) handleListSupervisors(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	opts := parseListOptions(r)

	sups, total, err := s.store.ListSupervisors(r.Context(), opts)
	if err != nil {
		s.logger.Error("supervisor list failed", "error", err)
		respondError(w, reqID, http.StatusInternalServerError,
			model.NewInternalError("failed to list supervisors"))
		return
	}
	respondList(w, reqID, sups, pagination(total, opts))
}

// handleDeRegisterSupervisor finishes a supervisor. Workers it still holds
// are in an unknown state once their supervisor is gone, so they are freed
// and finished rather than returned to the pool.
func (s *Server) handleDeRegisterSupervisor(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	uid := chi.URLParam(r, "uid")

	sup, err := s.store.GetSupervisor(r.Context(), uid)
	if err != nil {
		s.logger.Error("supervisor lookup failed", "uid", uid, "error", err)
		respondError(w, reqID, http.StatusInternalServerError,
			model.NewInternalError("failed to look up supervisor"))
		return
	}
	if sup == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("supervisor", uid))
		return
	}
	if sup.Finished() {
		respondOK(w, reqID, sup)
		return
	}

	now := time.Now().UTC()
	workers, err := s.store.ListWorkersBySupervisor(r.Context(), uid, true)
	if err != nil {
		s.logger.Error("supervisor worker list failed", "uid", uid, "error", err)
		respondError(w, reqID, http.StatusInternalServerError,
			model.NewInternalError("failed to deregister supervisor"))
		return
	}
	for _, worker := range workers {
		if _, err := s.store.FreeWorkerFromSupervisor(r.Context(), worker.UID, now); err != nil {
			s.logger.Warn("worker free failed during supervisor deregister",
				"supervisor_uid", uid, "worker_uid", worker.UID, "error", err)
		}
		if _, err := s.store.FinishWorker(r.Context(), worker.UID, now); err != nil {
			s.logger.Warn("worker finish failed during supervisor deregister",
				"supervisor_uid", uid, "worker_uid", worker.UID, "error", err)
		}
	}

	if err := s.store.FinishSupervisor(r.Context(), uid, now); err != nil {
		s.logger.Error("supervisor finish failed", "uid", uid, "error", err)
		respondError(w, reqID, http.StatusInternalServerError,
			model.NewInternalError("failed to deregister supervisor"))
		return
	}

	s.logger.Info("supervisor deregistered", "uid", uid, "workers_finished", len(workers))
	respondOK(w, reqID, map[string]any{"uid": uid, "finished_at": now})
}

// handleSuperForProject hands the calling project a supervisor, claiming a
// ready one from the shared pool if none of the project's are free.
func (s *Server) handleSuperForProject(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	project := ProjectFromContext(r.Context())

	var req struct {
		Affinity *int `json:"affinity"`
	}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, reqID, http.StatusBadRequest,
				model.NewValidationError("invalid JSON body"))
			return
		}
	}

	sup, err := s.alloc.SuperForProject(r.Context(), project, req.Affinity)
	if err != nil {
		s.respondServiceError(w, reqID, err)
		return
	}
	respondOK(w, reqID, sup)
}
