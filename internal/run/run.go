// Package run owns the jobrun lifecycle: admission against project quota,
// worker allocation, per-worker result logging, and terminal reconciliation.
package run

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/brisktest/brisk/internal/alloc"
	"github.com/brisktest/brisk/internal/config"
	"github.com/brisktest/brisk/internal/store"
	"github.com/brisktest/brisk/pkg/model"
)

// quotaWindow is how far back used concurrency counts against the monthly
// allowance.
const quotaWindow = 30 * 24 * time.Hour

// Service drives jobruns from admission to a terminal state.
type Service struct {
	store  store.Store
	alloc  *alloc.Engine
	logger *slog.Logger
	cfg    config.SchedulingConfig
	now    func() time.Time
}

func NewService(st store.Store, engine *alloc.Engine, logger *slog.Logger, cfg config.SchedulingConfig) *Service {
	return &Service{
		store:  st,
		alloc:  engine,
		logger: logger.With("component", "run"),
		cfg:    cfg,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// StartRunRequest asks for workers on behalf of a supervisor.
type StartRunRequest struct {
	SupervisorUID string
	NumWorkers    int
	RebuildHash   string
	Branch        string
}

// StartRunResult is the created run and the workers bound to it.
type StartRunResult struct {
	Jobrun  *model.Jobrun   `json:"jobrun"`
	Workers []*model.Worker `json:"workers"`
}

// StartRun admits a run against the project's quota, allocates workers, and
// leaves the run in running state. A run that cannot be fulfilled to the
// schedule's threshold is marked unfulfilled and its resources are released
// before the error returns; no run is ever left in starting.
func (s *Service) StartRun(ctx context.Context, project *model.Project, req StartRunRequest) (*StartRunResult, error) {
	if req.NumWorkers < 1 {
		return nil, model.NewValidationError(fmt.Sprintf("num_workers must be at least 1, got %d", req.NumWorkers))
	}
	if req.NumWorkers > project.WorkerConcurrency {
		return nil, model.NewValidationError(fmt.Sprintf(
			"num_workers %d exceeds project concurrency %d", req.NumWorkers, project.WorkerConcurrency))
	}

	now := s.now()
	used, err := s.store.UsedConcurrency(ctx, project.ID, now.Add(-quotaWindow))
	if err != nil {
		return nil, err
	}
	capacity := project.MonthlyConcurrency - used
	if capacity < project.MinimumCapacity {
		capacity = project.MinimumCapacity
	}
	if req.NumWorkers > capacity {
		return nil, model.NewCapacityError(fmt.Sprintf(
			"monthly concurrency exhausted: %d of %d used, %d requested, %d available",
			used, project.MonthlyConcurrency, req.NumWorkers, capacity))
	}

	jobrun := &model.Jobrun{
		ID:            "run_" + uuid.New().String(),
		ProjectID:     project.ID,
		SupervisorUID: &req.SupervisorUID,
		State:         model.JobrunStarting,
		Concurrency:   req.NumWorkers,
		RebuildHash:   req.RebuildHash,
		Branch:        req.Branch,
		StartedAt:     now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.CreateJobrun(ctx, jobrun); err != nil {
		return nil, err
	}

	workers, err := s.alloc.AllocateWorkers(ctx, project, jobrun, req.SupervisorUID)
	if err != nil {
		if uerr := s.unfulfill(ctx, jobrun); uerr != nil {
			s.logger.Error("unfulfill after failed allocation", "jobrun_id", jobrun.ID, "error", uerr)
		}
		return nil, err
	}

	sched, err := s.store.GetSchedule(ctx, project.ID)
	if err != nil {
		return nil, err
	}
	if sched == nil {
		sched = model.DefaultSchedule()
		if s.cfg.NightPercent > 0 {
			sched.NightPercent = s.cfg.NightPercent
		}
	}
	// The business-hours threshold is an operator setting, not per-project.
	if s.cfg.DayPercent > 0 {
		sched.DayPercent = s.cfg.DayPercent
	}
	if minPercent := sched.MinWorkerPercent(now); jobrun.Underfulfilled(minPercent) {
		if err := s.unfulfill(ctx, jobrun); err != nil {
			return nil, err
		}
		return nil, model.NewCapacityError(fmt.Sprintf(
			"only %d of %d workers available, below the %d%% threshold",
			jobrun.AssignedConcurrency, jobrun.Concurrency, int(minPercent*100)))
	}

	jobrun.State = model.JobrunRunning
	jobrun.UpdatedAt = s.now()
	if err := s.store.UpdateJobrun(ctx, jobrun); err != nil {
		return nil, err
	}

	if err := s.alloc.BalanceWorkers(ctx, project); err != nil {
		s.logger.Warn("post-allocation balance failed", "project_id", project.ID, "error", err)
	}

	s.logger.Info("run started",
		"jobrun_id", jobrun.ID, "project_id", project.ID,
		"requested", req.NumWorkers, "assigned", jobrun.AssignedConcurrency)
	return &StartRunResult{Jobrun: jobrun, Workers: workers}, nil
}

// LogRunRequest is one worker's reported result.
type LogRunRequest struct {
	JobrunID    string
	WorkerUID   string
	Files       []string
	ExitCode    string
	MSTimeTaken int64
	LogLocation string
	RebuildHash string
	StartedAt   time.Time
	FinishedAt  time.Time
}

// LogRun records one worker's result and releases the worker. A failing
// result fails the run immediately; the last succeeding result completes it.
func (s *Service) LogRun(ctx context.Context, req LogRunRequest) (*model.WorkerRunInfo, error) {
	jobrun, err := s.store.GetJobrun(ctx, req.JobrunID)
	if err != nil {
		return nil, err
	}
	if jobrun == nil {
		return nil, model.NewNotFoundError("jobrun", req.JobrunID)
	}
	worker, err := s.store.GetWorker(ctx, req.WorkerUID)
	if err != nil {
		return nil, err
	}
	if worker == nil {
		return nil, model.NewNotFoundError("worker", req.WorkerUID)
	}

	now := s.now()
	ms := req.MSTimeTaken
	if ms <= 0 && req.FinishedAt.After(req.StartedAt) {
		ms = req.FinishedAt.Sub(req.StartedAt).Milliseconds()
	}
	wri := &model.WorkerRunInfo{
		ID:          "wri_" + uuid.New().String(),
		JobrunID:    jobrun.ID,
		WorkerUID:   worker.UID,
		MachineUID:  worker.MachineUID,
		ProjectID:   jobrun.ProjectID,
		Files:       req.Files,
		ExitCode:    req.ExitCode,
		MSTimeTaken: ms,
		RebuildHash: req.RebuildHash,
		LogLocation: req.LogLocation,
		StartedAt:   req.StartedAt,
		FinishedAt:  req.FinishedAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreateWorkerRunInfo(ctx, wri); err != nil {
		return nil, err
	}

	if req.RebuildHash != "" {
		worker.RebuildHash = &req.RebuildHash
		worker.BuildCommandsRun = true
		worker.UpdatedAt = now
		if err := s.store.UpdateWorker(ctx, worker); err != nil {
			s.logger.Warn("stamping worker rebuild hash failed", "worker_uid", worker.UID, "error", err)
		}
	}

	if !wri.Succeeded() && !jobrun.State.IsTerminal() {
		if err := s.FailRun(ctx, jobrun, fmt.Sprintf("worker %s exited %s", worker.UID, wri.ExitCode)); err != nil {
			return nil, err
		}
	}

	if _, err := s.store.FreeWorkerFromSupervisor(ctx, worker.UID, s.now()); err != nil {
		return nil, err
	}

	if !jobrun.State.IsTerminal() {
		if err := s.completeIfAllReported(ctx, jobrun); err != nil {
			return nil, err
		}
	}
	return wri, nil
}

// completeIfAllReported completes the run once every expected result has
// arrived clean.
func (s *Service) completeIfAllReported(ctx context.Context, jobrun *model.Jobrun) error {
	wris, err := s.store.ListRunInfosByJobrun(ctx, jobrun.ID)
	if err != nil {
		return err
	}
	if len(wris) < jobrun.AssignedConcurrency {
		return nil
	}
	for _, wri := range wris {
		if !wri.Succeeded() {
			return nil
		}
	}

	now := s.now()
	jobrun.State = model.JobrunCompleted
	jobrun.FinishedAt = &now
	jobrun.UpdatedAt = now
	if err := s.store.UpdateJobrun(ctx, jobrun); err != nil {
		return err
	}
	s.logger.Info("run completed", "jobrun_id", jobrun.ID, "workers", len(wris))
	return nil
}

// FinishRun reconciles a run against its recorded results and force-closes
// it. The supervisor and its workers are released whatever the outcome.
func (s *Service) FinishRun(ctx context.Context, jobrunID, supervisorUID string, finalWorkerCount int, status model.JobrunState, failedWorkerUIDs []string) (*model.Jobrun, error) {
	jobrun, err := s.store.GetJobrun(ctx, jobrunID)
	if err != nil {
		return nil, err
	}
	if jobrun == nil {
		return nil, model.NewNotFoundError("jobrun", jobrunID)
	}
	now := s.now()

	for _, uid := range failedWorkerUIDs {
		if _, err := s.store.FinishWorker(ctx, uid, now); err != nil {
			s.logger.Warn("finishing failed worker", "worker_uid", uid, "error", err)
		}
	}

	if finalWorkerCount > 0 && finalWorkerCount < jobrun.AssignedConcurrency {
		note := fmt.Sprintf("worker count lowered from %d to %d", jobrun.AssignedConcurrency, finalWorkerCount)
		jobrun.Note = &note
		jobrun.FinalWorkerCount = &finalWorkerCount
		jobrun.AssignedConcurrency = finalWorkerCount
	}

	if !jobrun.State.IsTerminal() {
		wris, err := s.store.ListRunInfosByJobrun(ctx, jobrun.ID)
		if err != nil {
			return nil, err
		}

		target := status
		switch {
		case len(wris) != jobrun.AssignedConcurrency:
			target = model.JobrunFailed
			note := fmt.Sprintf("not all workers reported: %d of %d", len(wris), jobrun.AssignedConcurrency)
			jobrun.Note = &note
		case anyFailed(wris):
			target = model.JobrunFailed
		case target != model.JobrunCompleted && target != model.JobrunFailed:
			target = model.JobrunCompleted
		}

		if !jobrun.State.CanTransitionTo(target) {
			return nil, &model.InvalidTransitionError{
				Entity: "jobrun", ID: jobrun.ID,
				From: string(jobrun.State), To: string(target),
			}
		}
		jobrun.State = target
		jobrun.FinishedAt = &now
		jobrun.UpdatedAt = now
		if err := s.store.UpdateJobrun(ctx, jobrun); err != nil {
			return nil, err
		}
	}

	if supervisorUID == "" && jobrun.SupervisorUID != nil {
		supervisorUID = *jobrun.SupervisorUID
	}
	if supervisorUID != "" {
		if err := s.releaseSupervisor(ctx, supervisorUID); err != nil {
			return nil, err
		}
	}

	s.logger.Info("run finished", "jobrun_id", jobrun.ID, "state", jobrun.State)
	return jobrun, nil
}

func anyFailed(wris []*model.WorkerRunInfo) bool {
	for _, wri := range wris {
		if !wri.Succeeded() {
			return true
		}
	}
	return false
}

// FailRun moves the run to failed and releases everything it holds.
func (s *Service) FailRun(ctx context.Context, jobrun *model.Jobrun, note string) error {
	if !jobrun.State.CanTransitionTo(model.JobrunFailed) {
		return &model.InvalidTransitionError{
			Entity: "jobrun", ID: jobrun.ID,
			From: string(jobrun.State), To: string(model.JobrunFailed),
		}
	}
	jobrun.State = model.JobrunFailed
	if note != "" {
		jobrun.Note = &note
	}
	s.logger.Info("run failed", "jobrun_id", jobrun.ID, "note", note)
	return s.closeOut(ctx, jobrun)
}

// unfulfill marks a starting run that could not get enough workers and
// releases whatever it managed to grab.
func (s *Service) unfulfill(ctx context.Context, jobrun *model.Jobrun) error {
	if !jobrun.State.CanTransitionTo(model.JobrunUnfulfilled) {
		return &model.InvalidTransitionError{
			Entity: "jobrun", ID: jobrun.ID,
			From: string(jobrun.State), To: string(model.JobrunUnfulfilled),
		}
	}
	jobrun.State = model.JobrunUnfulfilled
	s.logger.Info("run unfulfilled",
		"jobrun_id", jobrun.ID, "assigned", jobrun.AssignedConcurrency, "requested", jobrun.Concurrency)
	return s.closeOut(ctx, jobrun)
}

// closeOut stamps the terminal timestamps and releases the run's supervisor
// and workers.
func (s *Service) closeOut(ctx context.Context, jobrun *model.Jobrun) error {
	now := s.now()
	jobrun.FinishedAt = &now
	jobrun.UpdatedAt = now
	if err := s.store.UpdateJobrun(ctx, jobrun); err != nil {
		return err
	}
	if jobrun.SupervisorUID != nil {
		return s.releaseSupervisor(ctx, *jobrun.SupervisorUID)
	}
	return nil
}

// releaseSupervisor frees every worker still held by the supervisor and
// returns the supervisor to its project's free pool. Idempotent; both store
// operations are guarded no-ops on already-released rows.
func (s *Service) releaseSupervisor(ctx context.Context, supervisorUID string) error {
	workers, err := s.store.ListWorkersBySupervisor(ctx, supervisorUID, true)
	if err != nil {
		return err
	}
	for _, w := range workers {
		if _, err := s.store.FreeWorkerFromSupervisor(ctx, w.UID, s.now()); err != nil {
			s.logger.Warn("freeing worker from supervisor", "worker_uid", w.UID, "error", err)
		}
	}
	return s.store.ReleaseSupervisor(ctx, supervisorUID, s.now())
}
