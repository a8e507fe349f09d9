// Package alloc binds free workers to job runs. Candidate pools are unlocked
// snapshots; every binding is re-validated inside the store's guarded update,
// so a stale snapshot costs a retry, never a double assignment.
package alloc

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/brisktest/brisk/internal/config"
	"github.com/brisktest/brisk/internal/lock"
	"github.com/brisktest/brisk/internal/store"
	"github.com/brisktest/brisk/pkg/model"
)

// Engine allocates workers and supervisors to projects.
type Engine struct {
	store  store.Store
	locker lock.Locker
	logger *slog.Logger
	cfg    config.SchedulingConfig
	now    func() time.Time
}

func NewEngine(st store.Store, locker lock.Locker, logger *slog.Logger, cfg config.SchedulingConfig) *Engine {
	return &Engine{
		store:  st,
		locker: locker,
		logger: logger.With("component", "alloc"),
		cfg:    cfg,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// AllocateWorkers binds up to jobrun.Concurrency free workers to the jobrun
// and its supervisor, walking the candidate tiers in order. The whole pass
// holds the image-keyed lock so concurrent requests for the same image do
// not race over the same pool. The jobrun's assigned concurrency is set to
// the count actually obtained, which may be short of the request.
func (e *Engine) AllocateWorkers(ctx context.Context, project *model.Project, jobrun *model.Jobrun, supervisorUID string) ([]*model.Worker, error) {
	num := jobrun.Concurrency
	now := e.now()
	staleCutoff := now.Add(-e.cfg.WorkerStaleAfter)

	inUse, err := e.store.CountProjectWorkersInUse(ctx, project.ID, staleCutoff)
	if err != nil {
		return nil, err
	}
	if max := project.MaxWorkers(); inUse+num > max {
		return nil, model.NewCapacityError(fmt.Sprintf(
			"project %s is out of workers: %d in use, %d requested, %d allowed", project.ID, inUse, num, max))
	}

	var obtained []*model.Worker
	err = e.locker.WithLock(ctx, "worker-alloc-"+project.Image, func(ctx context.Context) error {
		var err error
		obtained, err = e.runCascade(ctx, project, jobrun, supervisorUID, num)
		return err
	})
	if err == lock.ErrLockTimeout {
		return nil, &model.APIError{Code: model.ErrLockTimeout, Message: "allocation lock timed out, retry"}
	}
	if err != nil {
		return nil, err
	}

	jobrun.AssignedConcurrency = len(obtained)
	jobrun.UpdatedAt = e.now()
	if err := e.store.UpdateJobrun(ctx, jobrun); err != nil {
		return nil, err
	}

	e.logger.Info("workers allocated",
		"project_id", project.ID, "jobrun_id", jobrun.ID,
		"requested", num, "obtained", len(obtained))
	return obtained, nil
}

// runCascade walks the six candidate tiers until num workers are bound.
// The tiers widen the pool step by step: the project's own warm workers
// first, then unbound workers spread across machines the project does not
// already occupy, and finally any free worker with the right image. The
// machine exclusions differ between the unbound tiers on purpose; callers
// depend on the exact pool each tier yields.
func (e *Engine) runCascade(ctx context.Context, project *model.Project, jobrun *model.Jobrun, supervisorUID string, num int) ([]*model.Worker, error) {
	now := e.now()
	staleCutoff := now.Add(-e.cfg.WorkerStaleAfter)
	var obtained []*model.Worker

	reserve := func(candidates []*model.Worker, dedupeByMachine bool) error {
		seen := make(map[string]bool, len(obtained))
		for _, w := range obtained {
			seen[w.MachineUID] = true
		}
		for _, w := range candidates {
			if len(obtained) >= num {
				return nil
			}
			if dedupeByMachine && seen[w.MachineUID] {
				continue
			}
			ok, err := e.store.ReserveWorker(ctx, store.ReserveParams{
				WorkerUID:     w.UID,
				ProjectID:     project.ID,
				SupervisorUID: supervisorUID,
				JobrunID:      jobrun.ID,
				RebuildHash:   jobrun.RebuildHash,
				RAMRequired:   project.MemoryRequirement,
				StaleCutoff:   staleCutoff,
				Now:           e.now(),
			})
			if err != nil {
				return err
			}
			if !ok {
				// Lost the race or the machine filled up. Move on.
				continue
			}
			w.ProjectID = &project.ID
			w.State = model.WorkerAssigned
			obtained = append(obtained, w)
			seen[w.MachineUID] = true
		}
		return nil
	}

	chosenUIDs := func() []string {
		uids := make([]string, len(obtained))
		for i, w := range obtained {
			uids[i] = w.UID
		}
		return uids
	}
	chosenMachines := func() []string {
		seen := make(map[string]bool, len(obtained))
		var uids []string
		for _, w := range obtained {
			if !seen[w.MachineUID] {
				seen[w.MachineUID] = true
				uids = append(uids, w.MachineUID)
			}
		}
		return uids
	}

	// Tier 1: the project's own free workers with the build already done and
	// a compatible rebuild hash.
	candidates, err := e.roomFiltered(ctx, store.WorkerFilter{
		ProjectID:        project.ID,
		Image:            project.Image,
		BuildCommandsRun: true,
		RebuildHash:      jobrun.RebuildHash,
		MatchRebuildHash: true,
		CheckedSince:     &staleCutoff,
	}, project)
	if err != nil {
		return nil, err
	}
	if err := reserve(candidates, false); err != nil {
		return nil, err
	}
	if len(obtained) >= num {
		return obtained, nil
	}

	// Tier 2: the project's free workers regardless of build state. Still
	// restricted to hash-compatible workers; a stale build must not serve a
	// run that wants a different one.
	candidates, err = e.roomFiltered(ctx, store.WorkerFilter{
		ProjectID:        project.ID,
		Image:            project.Image,
		RebuildHash:      jobrun.RebuildHash,
		MatchRebuildHash: true,
		ExcludeUIDs:      chosenUIDs(),
		CheckedSince:     &staleCutoff,
	}, project)
	if err != nil {
		return nil, err
	}
	if err := reserve(candidates, false); err != nil {
		return nil, err
	}
	if len(obtained) >= num {
		return obtained, nil
	}

	// Tier 3: unbound workers off the machines the project is busy on,
	// one per machine.
	busyMachines, err := e.store.ListProjectMachineUIDs(ctx, project.ID, true)
	if err != nil {
		return nil, err
	}
	candidates, err = e.roomFiltered(ctx, store.WorkerFilter{
		Unbound:            true,
		Image:              project.Image,
		ExcludeUIDs:        chosenUIDs(),
		ExcludeMachineUIDs: busyMachines,
		CheckedSince:       &staleCutoff,
	}, project)
	if err != nil {
		return nil, err
	}
	if err := reserve(candidates, true); err != nil {
		return nil, err
	}
	if len(obtained) >= num {
		return obtained, nil
	}

	// Tier 4: unbound workers off every machine the project occupies at
	// all, busy or not.
	occupiedMachines, err := e.store.ListProjectMachineUIDs(ctx, project.ID, false)
	if err != nil {
		return nil, err
	}
	candidates, err = e.roomFiltered(ctx, store.WorkerFilter{
		Unbound:            true,
		Image:              project.Image,
		ExcludeUIDs:        chosenUIDs(),
		ExcludeMachineUIDs: occupiedMachines,
		CheckedSince:       &staleCutoff,
	}, project)
	if err != nil {
		return nil, err
	}
	if err := reserve(candidates, true); err != nil {
		return nil, err
	}
	if len(obtained) >= num {
		return obtained, nil
	}

	// Tier 5: unbound workers off the machines chosen so far. No heartbeat
	// cutoff here; a quiet worker is still worth a reservation attempt when
	// the pool is this thin.
	candidates, err = e.roomFiltered(ctx, store.WorkerFilter{
		Unbound:            true,
		Image:              project.Image,
		ExcludeUIDs:        chosenUIDs(),
		ExcludeMachineUIDs: chosenMachines(),
	}, project)
	if err != nil {
		return nil, err
	}
	if err := reserve(candidates, true); err != nil {
		return nil, err
	}
	if len(obtained) >= num {
		return obtained, nil
	}

	// Tier 6: any remaining free worker with the right image, no machine
	// spreading.
	candidates, err = e.roomFiltered(ctx, store.WorkerFilter{
		Image:        project.Image,
		ExcludeUIDs:  chosenUIDs(),
		CheckedSince: &staleCutoff,
	}, project)
	if err != nil {
		return nil, err
	}
	if err := reserve(candidates, false); err != nil {
		return nil, err
	}
	return obtained, nil
}

// roomFiltered lists candidates matching f, drops those on machines without
// memory and CPU headroom for the project, and orders the rest by free CPU
// descending to spread load.
func (e *Engine) roomFiltered(ctx context.Context, f store.WorkerFilter, project *model.Project) ([]*model.Worker, error) {
	workers, err := e.store.ListAllocatableWorkers(ctx, f)
	if err != nil {
		return nil, err
	}
	if len(workers) == 0 {
		return nil, nil
	}

	loads, err := e.store.MachineLoads(ctx,
		e.now().Add(-e.cfg.WorkerStaleAfter), e.now().Add(-e.cfg.MachineStaleAfter))
	if err != nil {
		return nil, err
	}

	kept := workers[:0]
	for _, w := range workers {
		load, ok := loads[w.MachineUID]
		if !ok || !load.HasRoomFor(project.MemoryRequirement) {
			continue
		}
		kept = append(kept, w)
	}
	sort.SliceStable(kept, func(i, j int) bool {
		li, lj := loads[kept[i].MachineUID], loads[kept[j].MachineUID]
		return li.FreeCPU() > lj.FreeCPU()
	})
	return kept, nil
}

// BalanceWorkers releases the project's surplus free workers, draining the
// most crowded machines first. Each release goes through the guarded path,
// so a worker grabbed concurrently is simply skipped.
func (e *Engine) BalanceWorkers(ctx context.Context, project *model.Project) error {
	now := e.now()
	staleCutoff := now.Add(-e.cfg.WorkerStaleAfter)
	max := project.MaxWorkers()

	for {
		free, err := e.store.ListProjectFreeWorkers(ctx, project.ID, staleCutoff)
		if err != nil {
			return err
		}
		if len(free) <= max {
			return nil
		}

		// Congestion counts every live worker the project holds on a
		// machine, busy ones included, so the release lands where the
		// project crowds the hardware most.
		all, err := e.store.ListProjectWorkers(ctx, project.ID)
		if err != nil {
			return err
		}
		byMachine := make(map[string]int, len(all))
		for _, w := range all {
			if w.State == model.WorkerAssigned && !w.Stale(staleCutoff) {
				byMachine[w.MachineUID]++
			}
		}
		victim := free[0]
		for _, w := range free[1:] {
			if byMachine[w.MachineUID] > byMachine[victim.MachineUID] {
				victim = w
			}
		}

		released, err := e.store.SafeReleaseWorker(ctx, victim.UID, e.now())
		if err != nil {
			return err
		}
		if released {
			e.logger.Info("surplus worker released",
				"project_id", project.ID, "worker_uid", victim.UID, "machine_uid", victim.MachineUID)
			continue
		}

		// The victim changed state under us. Re-list rather than loop on it.
		e.logger.Debug("surplus release skipped", "worker_uid", victim.UID)
		return nil
	}
}

// SuperForProject leases a supervisor for the project: a free one already
// assigned to the project, else a fresh one from the ready pool while under
// the supervisor cap, else the least recently used assigned one. The winner
// is stamped in use before being returned.
func (e *Engine) SuperForProject(ctx context.Context, project *model.Project, affinity *int) (*model.Supervisor, error) {
	sup, err := e.store.GetFreeSupervisorForProject(ctx, project.ID)
	if err != nil {
		return nil, err
	}

	if sup == nil {
		sup, err = e.claimReadySupervisor(ctx, project)
		if err != nil {
			return nil, err
		}
	}
	if sup == nil {
		sup, err = e.store.GetOldestAssignedSupervisor(ctx, project.ID)
		if err != nil {
			return nil, err
		}
	}
	if sup == nil {
		return nil, model.NewCapacityError(fmt.Sprintf("project %s is out of supervisors", project.ID))
	}

	now := e.now()
	if err := e.store.SetSupervisorInUse(ctx, sup.UID, now, affinity); err != nil {
		return nil, err
	}
	sup.ProjectID = &project.ID
	sup.State = model.SupervisorAssigned
	sup.InUseAt = &now
	if affinity != nil {
		sup.Affinity = affinity
	}

	e.logger.Info("supervisor leased", "project_id", project.ID, "supervisor_uid", sup.UID)
	return sup, nil
}

// claimReadySupervisor assigns a ready supervisor to the project if the
// project is still under its cap. Returns nil when the pool is empty or the
// cap is reached.
func (e *Engine) claimReadySupervisor(ctx context.Context, project *model.Project) (*model.Supervisor, error) {
	ready, err := e.store.GetReadySupervisor(ctx)
	if err != nil || ready == nil {
		return nil, err
	}

	var claimed *model.Supervisor
	err = e.locker.WithLock(ctx, "supervisor-assign", func(ctx context.Context) error {
		// The cap check and the claim must commit as one unit; the advisory
		// lock serializes them against concurrent claims for this project.
		release := lock.TxLock("supervisor-claim-" + project.ID)
		defer release()

		assigned, err := e.store.CountAssignedSupervisors(ctx, project.ID)
		if err != nil {
			return err
		}
		if assigned >= project.MaxSupervisors {
			return nil
		}

		ok, err := e.store.AssignSupervisorToProject(ctx, ready.UID, project.ID, e.now())
		if err != nil {
			return err
		}
		if !ok {
			// Someone else took it between the read and the claim.
			return nil
		}
		ready.ProjectID = &project.ID
		ready.State = model.SupervisorAssigned
		claimed = ready
		return nil
	})
	if err == lock.ErrLockTimeout {
		return nil, &model.APIError{Code: model.ErrLockTimeout, Message: "supervisor lock timed out, retry"}
	}
	if err != nil {
		return nil, err
	}
	return claimed, nil
}
