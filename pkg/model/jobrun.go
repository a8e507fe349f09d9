package model

import "time"

// JobrunState is the lifecycle state of one test run.
type JobrunState string

const (
	JobrunStarting    JobrunState = "starting"
	JobrunRunning     JobrunState = "running"
	JobrunFailed      JobrunState = "failed"
	JobrunCompleted   JobrunState = "completed"
	JobrunUnfulfilled JobrunState = "unfulfilled"
)

// ValidJobrunTransitions maps each run state to the states it may move to.
// A run may be failed from any non-terminal state.
var ValidJobrunTransitions = map[JobrunState][]JobrunState{
	JobrunStarting:    {JobrunRunning, JobrunCompleted, JobrunFailed, JobrunUnfulfilled},
	JobrunRunning:     {JobrunCompleted, JobrunFailed},
	JobrunFailed:      {},
	JobrunCompleted:   {},
	JobrunUnfulfilled: {},
}

// CanTransitionTo reports whether moving from s to target is allowed.
func (s JobrunState) CanTransitionTo(target JobrunState) bool {
	for _, t := range ValidJobrunTransitions[s] {
		if t == target {
			return true
		}
	}
	return false
}

// IsTerminal reports whether s has no outgoing transitions.
func (s JobrunState) IsTerminal() bool {
	return len(ValidJobrunTransitions[s]) == 0
}

// IsValid reports whether s is a known run state.
func (s JobrunState) IsValid() bool {
	_, ok := ValidJobrunTransitions[s]
	return ok
}

// Jobrun is one execution of a project's test suite across a set of workers.
type Jobrun struct {
	ID                  string      `json:"id"`
	ProjectID           string      `json:"project_id"`
	SupervisorUID       *string     `json:"supervisor_uid,omitempty"`
	State               JobrunState `json:"state"`
	Concurrency         int         `json:"concurrency"`
	AssignedConcurrency int         `json:"assigned_concurrency"`
	FinalWorkerCount    *int        `json:"final_worker_count,omitempty"`
	RebuildHash         string      `json:"rebuild_hash,omitempty"`
	Branch              string      `json:"branch,omitempty"`
	Note                *string     `json:"note,omitempty"`
	StartedAt           time.Time   `json:"started_at"`
	FinishedAt          *time.Time  `json:"finished_at,omitempty"`
	CreatedAt           time.Time   `json:"created_at"`
	UpdatedAt           time.Time   `json:"updated_at"`
}

// Finished reports whether the run reached a terminal state.
func (j *Jobrun) Finished() bool {
	return j.State.IsTerminal()
}

// Underfulfilled reports whether the run obtained fewer workers than the
// acceptable fraction of its requested concurrency.
func (j *Jobrun) Underfulfilled(minWorkerPercent float64) bool {
	return float64(j.AssignedConcurrency) < minWorkerPercent*float64(j.Concurrency)
}
