package model

import (
	"math"
	"time"
)

// Project is a tenant account that owns runs, workers and timing history.
type Project struct {
	ID                 string    `json:"id"`
	Name               string    `json:"name"`
	Token              string    `json:"-"`
	Image              string    `json:"image"`
	WorkerConcurrency  int       `json:"worker_concurrency"`
	MaxSupervisors     int       `json:"max_supervisors"`
	MemoryRequirement  int64     `json:"memory_requirement"`
	MonthlyConcurrency int       `json:"monthly_concurrency"`
	MinimumCapacity    int       `json:"minimum_capacity"`
	SplitMethod        string    `json:"split_method,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// MaxWorkers is the ceiling on simultaneously held workers for the project:
// enough for every supervisor to run at full concurrency twice over, plus a
// ten percent margin.
func (p *Project) MaxWorkers() int {
	return int(math.Ceil(float64(p.WorkerConcurrency) * float64(p.MaxSupervisors) * 2 * 1.1))
}
