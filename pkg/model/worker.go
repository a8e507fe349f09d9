package model

import "time"

// WorkerState is the lifecycle state of a worker lease.
type WorkerState string

const (
	WorkerActive   WorkerState = "active"
	WorkerReady    WorkerState = "ready"
	WorkerAssigned WorkerState = "assigned"
	WorkerFinished WorkerState = "finished"
)

// ValidWorkerTransitions maps each worker state to the states it may move to.
var ValidWorkerTransitions = map[WorkerState][]WorkerState{
	WorkerActive:   {WorkerReady, WorkerAssigned, WorkerFinished},
	WorkerReady:    {WorkerAssigned, WorkerFinished},
	WorkerAssigned: {WorkerActive, WorkerFinished},
	WorkerFinished: {},
}

// CanTransitionTo reports whether moving from s to target is allowed.
func (s WorkerState) CanTransitionTo(target WorkerState) bool {
	for _, t := range ValidWorkerTransitions[s] {
		if t == target {
			return true
		}
	}
	return false
}

// IsTerminal reports whether s has no outgoing transitions.
func (s WorkerState) IsTerminal() bool {
	return len(ValidWorkerTransitions[s]) == 0
}

// IsValid reports whether s is a known worker state.
func (s WorkerState) IsValid() bool {
	_, ok := ValidWorkerTransitions[s]
	return ok
}

// Worker is a test-executing process leased to at most one project and
// supervisor at a time.
type Worker struct {
	UID               string      `json:"uid"`
	MachineUID        string      `json:"machine_uid"`
	State             WorkerState `json:"state"`
	IPAddress         string      `json:"ip_address,omitempty"`
	Port              int         `json:"port,omitempty"`
	SyncPort          int         `json:"sync_port,omitempty"`
	Image             string      `json:"image"`
	ProjectID         *string     `json:"project_id,omitempty"`
	SupervisorUID     *string     `json:"supervisor_uid,omitempty"`
	JobrunID          *string     `json:"jobrun_id,omitempty"`
	BuildCommandsRun  bool        `json:"build_commands_run"`
	RebuildHash       *string     `json:"rebuild_hash,omitempty"`
	MemoryRequirement int64       `json:"memory_requirement"`
	AssignedRAM       int64       `json:"assigned_ram"`
	FreedAt           *time.Time  `json:"freed_at,omitempty"`
	ReservedAt        *time.Time  `json:"reserved_at,omitempty"`
	LastCheckedAt     time.Time   `json:"last_checked_at"`
	FinishedAt        *time.Time  `json:"finished_at,omitempty"`
	CreatedAt         time.Time   `json:"created_at"`
	UpdatedAt         time.Time   `json:"updated_at"`
}

// Free reports whether the worker is available to be handed to a supervisor.
// A worker is free from the moment it is created.
func (w *Worker) Free() bool {
	return w.FreedAt != nil
}

// Busy reports whether the worker is held by a supervisor.
func (w *Worker) Busy() bool {
	return w.FreedAt == nil
}

// Finished reports whether the worker lease is over.
func (w *Worker) Finished() bool {
	return w.State == WorkerFinished
}

// Stale reports whether the worker missed its heartbeat window. cutoff is the
// oldest acceptable check-in time.
func (w *Worker) Stale(cutoff time.Time) bool {
	return w.LastCheckedAt.Before(cutoff)
}

// InUse reports whether the worker counts against fleet capacity: it either
// holds a project binding or is busy under a supervisor.
func (w *Worker) InUse() bool {
	return w.ProjectID != nil || w.Busy()
}
