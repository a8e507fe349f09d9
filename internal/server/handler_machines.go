package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/brisktest/brisk/pkg/model"
)

// parseListOptions reads limit, offset and state from the query string.
func parseListOptions(r *http.Request) model.ListOptions {
	opts := model.DefaultListOptions()
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			opts.Limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			opts.Offset = n
		}
	}
	opts.State = r.URL.Query().Get("state")
	opts.Clamp()
	return opts
}

func pagination(total int, opts model.ListOptions) *model.Pagination {
	return &model.Pagination{
		Total:   total,
		Limit:   opts.Limit,
		Offset:  opts.Offset,
		HasMore: opts.Offset+opts.Limit < total,
	}
}

// handleRegisterMachine announces a machine to the fleet. Registration is
// idempotent: a known, live machine gets its heartbeat refreshed and is
// returned as-is. A finished machine cannot come back under the same uid.
func (s *Server) handleRegisterMachine(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	var req struct {
		UID      string `json:"uid"`
		HostIP   string `json:"host_ip"`
		OSInfo   string `json:"os_info"`
		Image    string `json:"image"`
		CPUs     int    `json:"cpus"`
		MemoryMB int64  `json:"memory_mb"`
		DiskMB   int64  `json:"disk_mb"`
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
	if req.HostIP == "" {
		details = append(details, model.FieldError{Field: "host_ip", Message: "required"})
	}
	if len(details) > 0 {
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("invalid machine registration", details...))
		return
	}

	existing, err := s.store.GetMachine(r.Context(), req.UID)
	if err != nil {
		s.logger.Error("machine lookup failed", "uid", req.UID, "error", err)
		respondError(w, reqID, http.StatusInternalServerError,
			model.NewInternalError("failed to look up machine"))
		return
	}
	if existing != nil {
		if existing.Finished() {
			respondError(w, reqID, http.StatusConflict,
				model.NewConflictError("machine "+req.UID+" has been finished"))
			return
		}
		now := time.Now().UTC()
		if err := s.store.TouchMachine(r.Context(), req.UID, now); err != nil {
			s.logger.Error("machine heartbeat refresh failed", "uid", req.UID, "error", err)
			respondError(w, reqID, http.StatusInternalServerError,
				model.NewInternalError("failed to refresh machine"))
			return
		}
		existing.LastPingAt = now
		respondOK(w, reqID, existing)
		return
	}

	now := time.Now().UTC()
	m := &model.Machine{
		UID:        req.UID,
		HostIP:     req.HostIP,
		OSInfo:     req.OSInfo,
		Image:      req.Image,
		CPUs:       req.CPUs,
		MemoryMB:   req.MemoryMB,
		DiskMB:     req.DiskMB,
		LastPingAt: now,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.CreateMachine(r.Context(), m); err != nil {
		s.logger.Error("machine create failed", "uid", req.UID, "error", err)
		respondError(w, reqID, http.StatusInternalServerError,
			model.NewInternalError("failed to register machine"))
		return
	}

	s.logger.Info("machine registered", "uid", m.UID, "host_ip", m.HostIP, "cpus", m.CPUs)
	respondCreated(w, reqID, m)
}

func (s *Server) handleGetMachine(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	uid := chi.URLParam(r, "uid")

	m, err := s.store.GetMachine(r.Context(), uid)
	if err != nil {
		s.logger.Error("machine lookup failed", "uid", uid, "error", err)
		respondError(w, reqID, http.StatusInternalServerError,
			model.NewInternalError("failed to look up machine"))
		return
	}
	if m == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("machine", uid))
		return
	}
	respondOK(w, reqID, m)
}

func (s *Server) handleListMachines(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	opts := parseListOptions(r)

	machines, total, err := s.store.ListMachines(r.Context(), opts)
	if err != nil {
		s.logger.Error("machine list failed", "error", err)
		respondError(w, reqID, http.StatusInternalServerError,
			model.NewInternalError("failed to list machines"))
		return
	}
	respondList(w, reqID, machines, pagination(total, opts))
}

func (s *Server) handlePingMachine(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	uid := chi.URLParam(r, "uid")

	m, err := s.store.GetMachine(r.Context(), uid)
	if err != nil {
		s.logger.Error("machine lookup failed", "uid", uid, "error", err)
		respondError(w, reqID, http.StatusInternalServerError,
			model.NewInternalError("failed to look up machine"))
		return
	}
	if m == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("machine", uid))
		return
	}
	if m.Finished() {
		respondError(w, reqID, http.StatusConflict,
			model.NewConflictError("machine "+uid+" has been finished"))
		return
	}

	now := time.Now().UTC()
	if err := s.store.TouchMachine(r.Context(), uid, now); err != nil {
		s.logger.Error("machine ping failed", "uid", uid, "error", err)
		respondError(w, reqID, http.StatusInternalServerError,
			model.NewInternalError("failed to record ping"))
		return
	}
	respondOK(w, reqID, map[string]any{"uid": uid, "last_ping_at": now})
}

// handleDeRegisterMachine takes a machine out of service along with every
// worker and supervisor still on it.
func (s *Server) handleDeRegisterMachine(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	uid := chi.URLParam(r, "uid")

	m, err := s.store.GetMachine(r.Context(), uid)
	if err != nil {
		s.logger.Error("machine lookup failed", "uid", uid, "error", err)
		respondError(w, reqID, http.StatusInternalServerError,
			model.NewInternalError("failed to look up machine"))
		return
	}
	if m == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("machine", uid))
		return
	}
	if m.Finished() {
		respondError(w, reqID, http.StatusConflict,
			model.NewConflictError("machine "+uid+" is already finished"))
		return
	}

	now := time.Now().UTC()
	workers, err := s.store.ListWorkersOnMachine(r.Context(), uid)
	if err != nil {
		s.logger.Error("machine worker list failed", "uid", uid, "error", err)
		respondError(w, reqID, http.StatusInternalServerError,
			model.NewInternalError("failed to deregister machine"))
		return
	}
	for _, worker := range workers {
		if _, err := s.store.FreeWorkerFromSupervisor(r.Context(), worker.UID, now); err != nil {
			s.logger.Warn("worker free failed during machine deregister",
				"machine_uid", uid, "worker_uid", worker.UID, "error", err)
		}
		if _, err := s.store.FinishWorker(r.Context(), worker.UID, now); err != nil {
			s.logger.Warn("worker finish failed during machine deregister",
				"machine_uid", uid, "worker_uid", worker.UID, "error", err)
		}
	}

	sups, err := s.store.ListSupervisorsOnMachine(r.Context(), uid)
	if err != nil {
		s.logger.Error("machine supervisor list failed", "uid", uid, "error", err)
		respondError(w, reqID, http.StatusInternalServerError,
			model.NewInternalError("failed to deregister machine"))
		return
	}
	for _, sup := range sups {
		if err := s.store.FinishSupervisor(r.Context(), sup.UID, now); err != nil {
			s.logger.Warn("supervisor finish failed during machine deregister",
				"machine_uid", uid, "supervisor_uid", sup.UID, "error", err)
		}
	}

	if err := s.store.FinishMachine(r.Context(), uid, now); err != nil {
		s.logger.Error("machine finish failed", "uid", uid, "error", err)
		respondError(w, reqID, http.StatusInternalServerError,
			model.NewInternalError("failed to deregister machine"))
		return
	}

	s.logger.Info("machine deregistered", "uid", uid,
		"workers_finished", len(workers), "supervisors_finished", len(sups))
	respondOK(w, reqID, map[string]any{"uid": uid, "finished_at": now})
}

// handleDrainMachine marks a machine as draining. Its workers keep running
// but no new work is allocated onto it.
func (s *Server) handleDrainMachine(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	uid := chi.URLParam(r, "uid")

	m, err := s.store.GetMachine(r.Context(), uid)
	if err != nil {
		s.logger.Error("machine lookup failed", "uid", uid, "error", err)
		respondError(w, reqID, http.StatusInternalServerError,
			model.NewInternalError("failed to look up machine"))
		return
	}
	if m == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("machine", uid))
		return
	}
	if m.Finished() {
		respondError(w, reqID, http.StatusConflict,
			model.NewConflictError("machine "+uid+" has been finished"))
		return
	}

	now := time.Now().UTC()
	drained, err := s.store.DrainMachine(r.Context(), uid, now)
	if err != nil {
		s.logger.Error("machine drain failed", "uid", uid, "error", err)
		respondError(w, reqID, http.StatusInternalServerError,
			model.NewInternalError("failed to drain machine"))
		return
	}
	if drained {
		m.DrainedAt = &now
		s.logger.Info("machine draining", "uid", uid)
	}
	respondOK(w, reqID, m)
}
