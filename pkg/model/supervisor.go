package model

import "time"

// SupervisorState is the lifecycle state of a supervisor lease.
type SupervisorState string

const (
	SupervisorReady    SupervisorState = "ready"
	SupervisorAssigned SupervisorState = "assigned"
	SupervisorFinished SupervisorState = "finished"
)

// ValidSupervisorTransitions maps each supervisor state to its successors.
var ValidSupervisorTransitions = map[SupervisorState][]SupervisorState{
	SupervisorReady:    {SupervisorAssigned, SupervisorFinished},
	SupervisorAssigned: {SupervisorReady, SupervisorFinished},
	SupervisorFinished: {},
}

// CanTransitionTo reports whether moving from s to target is allowed.
func (s SupervisorState) CanTransitionTo(target SupervisorState) bool {
	for _, t := range ValidSupervisorTransitions[s] {
		if t == target {
			return true
		}
	}
	return false
}

// IsTerminal reports whether s has no outgoing transitions.
func (s SupervisorState) IsTerminal() bool {
	return len(ValidSupervisorTransitions[s]) == 0
}

// IsValid reports whether s is a known supervisor state.
func (s SupervisorState) IsValid() bool {
	_, ok := ValidSupervisorTransitions[s]
	return ok
}

// Supervisor coordinates the workers of one project run at a time.
type Supervisor struct {
	UID        string          `json:"uid"`
	MachineUID string          `json:"machine_uid"`
	State      SupervisorState `json:"state"`
	IPAddress  string          `json:"ip_address,omitempty"`
	Port       int             `json:"port,omitempty"`
	ProjectID  *string         `json:"project_id,omitempty"`
	Affinity   *int            `json:"affinity,omitempty"`
	InUseAt    *time.Time      `json:"in_use_at,omitempty"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Finished reports whether the supervisor lease is over.
func (s *Supervisor) Finished() bool {
	return s.State == SupervisorFinished
}

// InUse reports whether the supervisor is currently driving a run.
func (s *Supervisor) InUse() bool {
	return s.InUseAt != nil
}
