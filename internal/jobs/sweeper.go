// Package jobs runs the periodic reclamation sweep: stuck runs are failed,
// long-idle workers released, silent machines retired, and completed batch
// timings folded into the splitting estimates.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/brisktest/brisk/internal/config"
	"github.com/brisktest/brisk/internal/run"
	"github.com/brisktest/brisk/internal/split"
	"github.com/brisktest/brisk/internal/store"
)

// timingBatchSize caps how many unprocessed batches one tick will analyze.
const timingBatchSize = 100

// Sweeper is the polling reclamation loop.
type Sweeper struct {
	store   store.Store
	runs    *run.Service
	learner *split.Learner
	cfg     config.SchedulingConfig
	logger  *slog.Logger
	stopCh  chan struct{}
	doneCh  chan struct{}
	now     func() time.Time
}

// NewSweeper creates a sweeper; Start begins the loop.
func NewSweeper(st store.Store, runs *run.Service, learner *split.Learner, cfg config.SchedulingConfig, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		store:   st,
		runs:    runs,
		learner: learner,
		cfg:     cfg,
		logger:  logger.With("component", "sweeper"),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Start begins the sweep loop. Blocks until ctx is cancelled or Stop is called.
func (s *Sweeper) Start(ctx context.Context) error {
	s.logger.Info("sweeper started", "interval", s.cfg.SweepInterval)
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopping (context cancelled)")
			close(s.doneCh)
			return ctx.Err()
		case <-s.stopCh:
			s.logger.Info("sweeper stopping (stop called)")
			close(s.doneCh)
			return nil
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				s.logger.Error("tick error", "error", err)
			}
		}
	}
}

// Stop gracefully shuts down the sweeper and waits for the current tick.
func (s *Sweeper) Stop() error {
	close(s.stopCh)
	<-s.doneCh
	return nil
}

// Tick runs a single sweep iteration.
func (s *Sweeper) Tick(ctx context.Context) error {
	// Phase 1: fail runs stuck in starting past the reclaim window.
	if err := s.reclaimStuckRuns(ctx); err != nil {
		return fmt.Errorf("phase 1 (stuck runs): %w", err)
	}

	// Phase 2: release workers reserved and idle past the release window.
	if err := s.releaseIdleWorkers(ctx); err != nil {
		return fmt.Errorf("phase 2 (idle workers): %w", err)
	}

	// Phase 3: retire machines that stopped pinging.
	if err := s.finishSilentMachines(ctx); err != nil {
		return fmt.Errorf("phase 3 (silent machines): %w", err)
	}

	// Phase 4: learn timings from settled batches.
	if err := s.processTimings(ctx); err != nil {
		return fmt.Errorf("phase 4 (timings): %w", err)
	}

	return nil
}

// reclaimStuckRuns fails any run still starting past the reclaim window.
// This is the backstop against supervisors that died without reporting.
func (s *Sweeper) reclaimStuckRuns(ctx context.Context) error {
	cutoff := s.now().Add(-s.cfg.RunReclaimAfter)
	stuck, err := s.store.ListStuckJobruns(ctx, cutoff)
	if err != nil {
		return err
	}

	for _, jobrun := range stuck {
		note := fmt.Sprintf("reclaimed: still starting after %s", s.cfg.RunReclaimAfter)
		if err := s.runs.FailRun(ctx, jobrun, note); err != nil {
			s.logger.Error("reclaim run", "jobrun_id", jobrun.ID, "error", err)
			continue
		}
		s.logger.Info("stuck run reclaimed", "jobrun_id", jobrun.ID, "project_id", jobrun.ProjectID)
	}
	return nil
}

// releaseIdleWorkers de-registers workers that have sat reserved past the
// release window. The guarded release skips any worker that was grabbed
// again in the meantime.
func (s *Sweeper) releaseIdleWorkers(ctx context.Context) error {
	cutoff := s.now().Add(-s.cfg.WorkerReleaseAfter)
	idle, err := s.store.ListWorkersReservedBefore(ctx, cutoff)
	if err != nil {
		return err
	}

	for _, w := range idle {
		released, err := s.store.SafeReleaseWorker(ctx, w.UID, s.now())
		if err != nil {
			s.logger.Error("release idle worker", "worker_uid", w.UID, "error", err)
			continue
		}
		if released {
			s.logger.Info("idle worker released", "worker_uid", w.UID, "machine_uid", w.MachineUID)
		}
	}
	return nil
}

// finishSilentMachines retires machines past the finish window along with
// every worker and supervisor still registered on them.
func (s *Sweeper) finishSilentMachines(ctx context.Context) error {
	now := s.now()
	cutoff := now.Add(-s.cfg.MachineFinishAfter)
	silent, err := s.store.ListSilentMachines(ctx, cutoff)
	if err != nil {
		return err
	}

	for _, m := range silent {
		workers, err := s.store.ListWorkersOnMachine(ctx, m.UID)
		if err != nil {
			s.logger.Error("list workers on silent machine", "machine_uid", m.UID, "error", err)
			continue
		}
		for _, w := range workers {
			if _, err := s.store.FinishWorker(ctx, w.UID, s.now()); err != nil {
				s.logger.Error("finish worker on silent machine", "worker_uid", w.UID, "error", err)
			}
		}

		sups, err := s.store.ListSupervisorsOnMachine(ctx, m.UID)
		if err != nil {
			s.logger.Error("list supervisors on silent machine", "machine_uid", m.UID, "error", err)
			continue
		}
		for _, sup := range sups {
			if err := s.store.FinishSupervisor(ctx, sup.UID, s.now()); err != nil {
				s.logger.Error("finish supervisor on silent machine", "supervisor_uid", sup.UID, "error", err)
			}
		}

		if err := s.store.FinishMachine(ctx, m.UID, s.now()); err != nil {
			s.logger.Error("finish silent machine", "machine_uid", m.UID, "error", err)
			continue
		}
		s.logger.Info("silent machine finished",
			"machine_uid", m.UID, "last_ping_at", m.LastPingAt, "workers", len(workers), "supervisors", len(sups))
	}
	return nil
}

// processTimings runs the learner over settled batches. A batch whose
// machine still has busy workers is left for a later tick: its overlap
// window is not final yet.
func (s *Sweeper) processTimings(ctx context.Context) error {
	pending, err := s.store.ListUnprocessedRunInfos(ctx, timingBatchSize)
	if err != nil {
		return err
	}

	for _, wri := range pending {
		busy, err := s.store.CountBusyWorkersOnMachine(ctx, wri.MachineUID)
		if err != nil {
			s.logger.Error("count busy workers", "machine_uid", wri.MachineUID, "error", err)
			continue
		}
		if busy > 0 {
			s.logger.Debug("timing deferred, machine still busy",
				"wri_id", wri.ID, "machine_uid", wri.MachineUID, "busy", busy)
			continue
		}

		if err := s.learner.ProcessRunInfo(ctx, wri); err != nil {
			s.logger.Error("process run info", "wri_id", wri.ID, "error", err)
		}
	}
	return nil
}
