package store

import (
	"context"
	"time"

	"github.com/brisktest/brisk/pkg/model"
)

// WorkerFilter selects allocation candidates. Candidates are always free
// (freed_at set) and not finished; the remaining fields narrow the pool.
type WorkerFilter struct {
	ProjectID          string     // only workers bound to this project
	Unbound            bool       // only workers with no project binding
	Image              string     // required image match
	BuildCommandsRun   bool       // require build commands already run
	RebuildHash        string     // require this rebuild hash or none
	MatchRebuildHash   bool       // enable the RebuildHash condition
	ExcludeUIDs        []string   // workers already chosen this pass
	ExcludeMachineUIDs []string   // machines already represented
	CheckedSince       *time.Time // require a heartbeat at or after this time
}

// ReserveParams carries the fields of a worker reservation attempt.
type ReserveParams struct {
	WorkerUID     string
	ProjectID     string
	SupervisorUID string
	JobrunID      string
	RebuildHash   string // the run's required hash; workers with a different one are rejected
	RAMRequired   int64
	StaleCutoff   time.Time
	Now           time.Time
}

// Store defines the persistence layer for Brisk entities.
type Store interface {
	// Machine operations
	CreateMachine(ctx context.Context, m *model.Machine) error
	GetMachine(ctx context.Context, uid string) (*model.Machine, error)
	UpdateMachine(ctx context.Context, m *model.Machine) error
	ListMachines(ctx context.Context, opts model.ListOptions) ([]*model.Machine, int, error)
	TouchMachine(ctx context.Context, uid string, now time.Time) error
	ListSilentMachines(ctx context.Context, cutoff time.Time) ([]*model.Machine, error)
	DrainMachine(ctx context.Context, uid string, now time.Time) (bool, error)
	FinishMachine(ctx context.Context, uid string, now time.Time) error
	MachineLoads(ctx context.Context, workerCutoff, pingCutoff time.Time) (map[string]*model.MachineLoad, error)

	// Worker operations
	CreateWorker(ctx context.Context, w *model.Worker) error
	GetWorker(ctx context.Context, uid string) (*model.Worker, error)
	UpdateWorker(ctx context.Context, w *model.Worker) error
	ListWorkers(ctx context.Context, opts model.ListOptions) ([]*model.Worker, int, error)
	TouchWorker(ctx context.Context, uid string, now time.Time) error
	ListAllocatableWorkers(ctx context.Context, f WorkerFilter) ([]*model.Worker, error)
	ReserveWorker(ctx context.Context, p ReserveParams) (bool, error)
	FreeWorkerFromSupervisor(ctx context.Context, uid string, now time.Time) (bool, error)
	FinishWorker(ctx context.Context, uid string, now time.Time) (bool, error)
	SafeReleaseWorker(ctx context.Context, uid string, now time.Time) (bool, error)
	ListWorkersBySupervisor(ctx context.Context, supervisorUID string, busyOnly bool) ([]*model.Worker, error)
	ListProjectWorkers(ctx context.Context, projectID string) ([]*model.Worker, error)
	ListWorkersOnMachine(ctx context.Context, machineUID string) ([]*model.Worker, error)
	ListWorkersReservedBefore(ctx context.Context, cutoff time.Time) ([]*model.Worker, error)
	ListProjectFreeWorkers(ctx context.Context, projectID string, checkedSince time.Time) ([]*model.Worker, error)
	CountProjectWorkersInUse(ctx context.Context, projectID string, checkedSince time.Time) (int, error)
	CountBusyWorkersOnMachine(ctx context.Context, machineUID string) (int, error)
	ListProjectMachineUIDs(ctx context.Context, projectID string, busyOnly bool) ([]string, error)

	// Supervisor operations
	CreateSupervisor(ctx context.Context, sup *model.Supervisor) error
	GetSupervisor(ctx context.Context, uid string) (*model.Supervisor, error)
	UpdateSupervisor(ctx context.Context, sup *model.Supervisor) error
	ListSupervisors(ctx context.Context, opts model.ListOptions) ([]*model.Supervisor, int, error)
	ListSupervisorsOnMachine(ctx context.Context, machineUID string) ([]*model.Supervisor, error)
	GetFreeSupervisorForProject(ctx context.Context, projectID string) (*model.Supervisor, error)
	CountAssignedSupervisors(ctx context.Context, projectID string) (int, error)
	GetReadySupervisor(ctx context.Context) (*model.Supervisor, error)
	AssignSupervisorToProject(ctx context.Context, uid, projectID string, now time.Time) (bool, error)
	GetOldestAssignedSupervisor(ctx context.Context, projectID string) (*model.Supervisor, error)
	SetSupervisorInUse(ctx context.Context, uid string, now time.Time, affinity *int) error
	ReleaseSupervisor(ctx context.Context, uid string, now time.Time) error
	FinishSupervisor(ctx context.Context, uid string, now time.Time) error

	// Project operations
	CreateProject(ctx context.Context, p *model.Project) error
	GetProject(ctx context.Context, id string) (*model.Project, error)
	GetProjectByToken(ctx context.Context, token string) (*model.Project, error)
	UpdateProject(ctx context.Context, p *model.Project) error
	ListProjects(ctx context.Context, opts model.ListOptions) ([]*model.Project, int, error)

	// Jobrun operations
	CreateJobrun(ctx context.Context, j *model.Jobrun) error
	GetJobrun(ctx context.Context, id string) (*model.Jobrun, error)
	UpdateJobrun(ctx context.Context, j *model.Jobrun) error
	ListJobruns(ctx context.Context, projectID string, opts model.ListOptions) ([]*model.Jobrun, int, error)
	UsedConcurrency(ctx context.Context, projectID string, since time.Time) (int, error)
	LatestCompletedJobrun(ctx context.Context, projectID string, assignedConcurrency int) (*model.Jobrun, error)
	ListStuckJobruns(ctx context.Context, cutoff time.Time) ([]*model.Jobrun, error)

	// WorkerRunInfo operations
	CreateWorkerRunInfo(ctx context.Context, wri *model.WorkerRunInfo) error
	GetWorkerRunInfo(ctx context.Context, id string) (*model.WorkerRunInfo, error)
	ListRunInfosByJobrun(ctx context.Context, jobrunID string) ([]*model.WorkerRunInfo, error)
	CountOverlappingRunInfos(ctx context.Context, machineUID string, start, finish time.Time, excludeID string) (int, error)
	ListPreviousRunCandidates(ctx context.Context, projectID string, testCount int) ([]*model.WorkerRunInfo, error)
	ListUnprocessedRunInfos(ctx context.Context, limit int) ([]*model.WorkerRunInfo, error)
	MarkRunInfoProcessed(ctx context.Context, id string) error

	// TestFile operations
	GetTestFilesByNames(ctx context.Context, projectID string, names []string) ([]*model.TestFile, error)
	UpsertTestFile(ctx context.Context, projectID, filename string, now time.Time) (*model.TestFile, error)
	UpdateTestFileTiming(ctx context.Context, id string, runtimeMS int64, confidence float64, now time.Time) error
	ListTestFiles(ctx context.Context, projectID string) ([]*model.TestFile, error)
	MeanKnownRuntimeMS(ctx context.Context, projectID string) (float64, bool, error)
	CreateTestFileRun(ctx context.Context, tfr *model.TestFileRun) error

	// Schedule operations
	GetSchedule(ctx context.Context, projectID string) (*model.Schedule, error)
	UpsertSchedule(ctx context.Context, sched *model.Schedule) error

	// Lifecycle
	Close() error
	Migrate(ctx context.Context) error
}
