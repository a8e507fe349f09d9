package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/brisktest/brisk/pkg/model"
)

// --- Worker operations ---

const workerColumns = `uid, machine_uid, state, ip_address, port, sync_port, image,
	project_id, supervisor_uid, jobrun_id, build_commands_run, rebuild_hash,
	memory_requirement, assigned_ram, freed_at, reserved_at, last_checked_at,
	finished_at, created_at, updated_at`

func scanWorker(row scanner) (*model.Worker, error) {
	var w model.Worker
	var state string
	var buildCommandsRun int
	var lastChecked, createdAt, updatedAt string
	var freedAt, reservedAt, finishedAt *string

	err := row.Scan(&w.UID, &w.MachineUID, &state, &w.IPAddress, &w.Port, &w.SyncPort, &w.Image,
		&w.ProjectID, &w.SupervisorUID, &w.JobrunID, &buildCommandsRun, &w.RebuildHash,
		&w.MemoryRequirement, &w.AssignedRAM, &freedAt, &reservedAt, &lastChecked,
		&finishedAt, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	w.State = model.WorkerState(state)
	w.BuildCommandsRun = buildCommandsRun != 0
	w.FreedAt = parseTimePtr(freedAt)
	w.ReservedAt = parseTimePtr(reservedAt)
	w.LastCheckedAt = parseTime(lastChecked)
	w.FinishedAt = parseTimePtr(finishedAt)
	w.CreatedAt = parseTime(createdAt)
	w.UpdatedAt = parseTime(updatedAt)
	return &w, nil
}

func (s *SQLiteStore) scanWorkers(rows *sql.Rows) ([]*model.Worker, error) {
	var workers []*model.Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, err
		}
		workers = append(workers, w)
	}
	return workers, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *SQLiteStore) CreateWorker(ctx context.Context, w *model.Worker) error {
	s.logger.Debug("sql", "op", "insert", "table", "workers", "uid", w.UID)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workers (uid, machine_uid, state, ip_address, port, sync_port, image,
		 project_id, supervisor_uid, jobrun_id, build_commands_run, rebuild_hash,
		 memory_requirement, assigned_ram, freed_at, reserved_at, last_checked_at,
		 finished_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.UID, w.MachineUID, string(w.State), w.IPAddress, w.Port, w.SyncPort, w.Image,
		w.ProjectID, w.SupervisorUID, w.JobrunID, boolToInt(w.BuildCommandsRun), w.RebuildHash,
		w.MemoryRequirement, w.AssignedRAM, fmtTimePtr(w.FreedAt), fmtTimePtr(w.ReservedAt),
		fmtTime(w.LastCheckedAt), fmtTimePtr(w.FinishedAt),
		fmtTime(w.CreatedAt), fmtTime(w.UpdatedAt),
	)
	return err
}

func (s *SQLiteStore) GetWorker(ctx context.Context, uid string) (*model.Worker, error) {
	s.logger.Debug("sql", "op", "select", "table", "workers", "uid", uid)
	return scanWorker(s.db.QueryRowContext(ctx,
		`SELECT `+workerColumns+` FROM workers WHERE uid = ?`, uid))
}

func (s *SQLiteStore) UpdateWorker(ctx context.Context, w *model.Worker) error {
	s.logger.Debug("sql", "op", "update", "table", "workers", "uid", w.UID)

	result, err := s.db.ExecContext(ctx,
		`UPDATE workers SET machine_uid=?, state=?, ip_address=?, port=?, sync_port=?, image=?,
		 project_id=?, supervisor_uid=?, jobrun_id=?, build_commands_run=?, rebuild_hash=?,
		 memory_requirement=?, assigned_ram=?, freed_at=?, reserved_at=?, last_checked_at=?,
		 finished_at=?, updated_at=? WHERE uid=?`,
		w.MachineUID, string(w.State), w.IPAddress, w.Port, w.SyncPort, w.Image,
		w.ProjectID, w.SupervisorUID, w.JobrunID, boolToInt(w.BuildCommandsRun), w.RebuildHash,
		w.MemoryRequirement, w.AssignedRAM, fmtTimePtr(w.FreedAt), fmtTimePtr(w.ReservedAt),
		fmtTime(w.LastCheckedAt), fmtTimePtr(w.FinishedAt), fmtTime(w.UpdatedAt), w.UID,
	)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("worker %s not found", w.UID)
	}
	return nil
}

func (s *SQLiteStore) ListWorkers(ctx context.Context, opts model.ListOptions) ([]*model.Worker, int, error) {
	s.logger.Debug("sql", "op", "list", "table", "workers", "limit", opts.Limit, "offset", opts.Offset)
	opts.Clamp()

	whereSQL := ""
	var args []any
	if opts.State != "" {
		whereSQL = " WHERE state = ?"
		args = append(args, opts.State)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM workers`+whereSQL, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+workerColumns+` FROM workers`+whereSQL+` ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		append(args, opts.Limit, opts.Offset)...,
	)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	workers, err := s.scanWorkers(rows)
	return workers, total, err
}

func (s *SQLiteStore) TouchWorker(ctx context.Context, uid string, now time.Time) error {
	s.logger.Debug("sql", "op", "touch", "table", "workers", "uid", uid)

	result, err := s.db.ExecContext(ctx,
		`UPDATE workers SET last_checked_at=?, updated_at=? WHERE uid=? AND state != 'finished'`,
		fmtTime(now), fmtTime(now), uid)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("worker %s not found", uid)
	}
	return nil
}

// ListAllocatableWorkers returns free, unfinished workers matching the
// filter. Callers are responsible for per-machine capacity checks and
// ordering; the snapshot is optimistic and re-validated in ReserveWorker.
func (s *SQLiteStore) ListAllocatableWorkers(ctx context.Context, f WorkerFilter) ([]*model.Worker, error) {
	s.logger.Debug("sql", "op", "list_allocatable", "table", "workers",
		"project_id", f.ProjectID, "unbound", f.Unbound, "image", f.Image)

	clauses := []string{
		"freed_at IS NOT NULL",
		"state IN ('active', 'assigned')",
		"machine_uid NOT IN (SELECT uid FROM machines WHERE drained_at IS NOT NULL)",
	}
	var args []any

	if f.ProjectID != "" {
		clauses = append(clauses, "project_id = ?")
		args = append(args, f.ProjectID)
	}
	if f.Unbound {
		clauses = append(clauses, "project_id IS NULL")
	}
	if f.Image != "" {
		clauses = append(clauses, "image = ?")
		args = append(args, f.Image)
	}
	if f.BuildCommandsRun {
		clauses = append(clauses, "build_commands_run = 1")
	}
	if f.MatchRebuildHash {
		clauses = append(clauses, "(rebuild_hash IS NULL OR rebuild_hash = '' OR rebuild_hash = ?)")
		args = append(args, f.RebuildHash)
	}
	if f.CheckedSince != nil {
		clauses = append(clauses, "last_checked_at >= ?")
		args = append(args, fmtTime(*f.CheckedSince))
	}
	if len(f.ExcludeUIDs) > 0 {
		clauses = append(clauses, "uid NOT IN ("+placeholders(len(f.ExcludeUIDs))+")")
		for _, uid := range f.ExcludeUIDs {
			args = append(args, uid)
		}
	}
	if len(f.ExcludeMachineUIDs) > 0 {
		clauses = append(clauses, "machine_uid NOT IN ("+placeholders(len(f.ExcludeMachineUIDs))+")")
		for _, uid := range f.ExcludeMachineUIDs {
			args = append(args, uid)
		}
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+workerColumns+` FROM workers WHERE `+strings.Join(clauses, " AND ")+
			` ORDER BY created_at`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return s.scanWorkers(rows)
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// ReserveWorker atomically claims a free worker for a run. The worker's
// state, project binding, rebuild hash compatibility and machine memory
// headroom are re-validated inside the transaction; false means the worker
// changed under us or the machine has no room, and the caller should move on
// to the next candidate.
func (s *SQLiteStore) ReserveWorker(ctx context.Context, p ReserveParams) (bool, error) {
	s.logger.Debug("sql", "op", "reserve_worker", "uid", p.WorkerUID, "project_id", p.ProjectID)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	w, err := scanWorker(tx.QueryRowContext(ctx,
		`SELECT `+workerColumns+` FROM workers WHERE uid = ?`, p.WorkerUID))
	if err != nil {
		return false, err
	}
	if w == nil {
		return false, fmt.Errorf("worker %s not found", p.WorkerUID)
	}

	if w.State != model.WorkerActive && w.State != model.WorkerAssigned {
		return false, nil
	}
	if !w.Free() {
		return false, nil
	}
	if w.ProjectID != nil && *w.ProjectID != p.ProjectID {
		return false, nil
	}
	if w.RebuildHash != nil && *w.RebuildHash != "" && *w.RebuildHash != p.RebuildHash {
		return false, nil
	}

	// Memory headroom on the worker's machine, counting only live busy
	// workers.
	var memoryMB, memoryUsed int64
	err = tx.QueryRowContext(ctx,
		`SELECT m.memory_mb,
		   COALESCE((SELECT SUM(assigned_ram) FROM workers
		     WHERE machine_uid = m.uid AND freed_at IS NULL AND state != 'finished'
		       AND last_checked_at >= ?), 0)
		 FROM machines m WHERE m.uid = ?`,
		fmtTime(p.StaleCutoff), w.MachineUID,
	).Scan(&memoryMB, &memoryUsed)
	if err == sql.ErrNoRows {
		return false, fmt.Errorf("machine %s not found", w.MachineUID)
	}
	if err != nil {
		return false, err
	}
	if memoryUsed+p.RAMRequired > memoryMB {
		return false, nil
	}

	result, err := tx.ExecContext(ctx,
		`UPDATE workers SET project_id=?, supervisor_uid=?, jobrun_id=?, freed_at=NULL,
		 assigned_ram=?, reserved_at=?, state='assigned', updated_at=?
		 WHERE uid=? AND freed_at IS NOT NULL AND state IN ('active', 'assigned')`,
		p.ProjectID, p.SupervisorUID, p.JobrunID,
		p.RAMRequired, fmtTime(p.Now), fmtTime(p.Now), p.WorkerUID,
	)
	if err != nil {
		return false, err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return false, nil
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

// FreeWorkerFromSupervisor returns a busy worker to its project's free pool.
// Idempotent: a worker that is already free, unassigned or finished is left
// alone and false is returned.
func (s *SQLiteStore) FreeWorkerFromSupervisor(ctx context.Context, uid string, now time.Time) (bool, error) {
	s.logger.Debug("sql", "op", "free_from_super", "table", "workers", "uid", uid)

	result, err := s.db.ExecContext(ctx,
		`UPDATE workers SET supervisor_uid=NULL, freed_at=?, assigned_ram=0,
		 reserved_at=NULL, jobrun_id=NULL, updated_at=?
		 WHERE uid=? AND state='assigned' AND supervisor_uid IS NOT NULL AND freed_at IS NULL`,
		fmtTime(now), fmtTime(now), uid)
	if err != nil {
		return false, err
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

// FinishWorker ends a worker's lease. Finishing an already-finished worker is
// a no-op returning false.
func (s *SQLiteStore) FinishWorker(ctx context.Context, uid string, now time.Time) (bool, error) {
	s.logger.Debug("sql", "op", "finish", "table", "workers", "uid", uid)

	result, err := s.db.ExecContext(ctx,
		`UPDATE workers SET state='finished', finished_at=?, supervisor_uid=NULL,
		 jobrun_id=NULL, assigned_ram=0, reserved_at=NULL, updated_at=?
		 WHERE uid=? AND state != 'finished'`,
		fmtTime(now), fmtTime(now), uid)
	if err != nil {
		return false, err
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

// SafeReleaseWorker finishes a worker only if it has been freed; a worker
// still held by a supervisor is left running.
func (s *SQLiteStore) SafeReleaseWorker(ctx context.Context, uid string, now time.Time) (bool, error) {
	s.logger.Debug("sql", "op", "safe_release", "table", "workers", "uid", uid)

	result, err := s.db.ExecContext(ctx,
		`UPDATE workers SET state='finished', finished_at=?, supervisor_uid=NULL,
		 jobrun_id=NULL, assigned_ram=0, reserved_at=NULL, updated_at=?
		 WHERE uid=? AND state != 'finished' AND freed_at IS NOT NULL`,
		fmtTime(now), fmtTime(now), uid)
	if err != nil {
		return false, err
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

func (s *SQLiteStore) ListWorkersBySupervisor(ctx context.Context, supervisorUID string, busyOnly bool) ([]*model.Worker, error) {
	s.logger.Debug("sql", "op", "list_by_supervisor", "table", "workers", "supervisor_uid", supervisorUID)

	query := `SELECT ` + workerColumns + ` FROM workers WHERE supervisor_uid = ? AND state != 'finished'`
	if busyOnly {
		query += ` AND freed_at IS NULL`
	}
	rows, err := s.db.QueryContext(ctx, query+` ORDER BY created_at`, supervisorUID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return s.scanWorkers(rows)
}

func (s *SQLiteStore) ListProjectWorkers(ctx context.Context, projectID string) ([]*model.Worker, error) {
	s.logger.Debug("sql", "op", "list_by_project", "table", "workers", "project_id", projectID)

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+workerColumns+` FROM workers
		 WHERE project_id = ? AND state != 'finished' ORDER BY created_at`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return s.scanWorkers(rows)
}

func (s *SQLiteStore) ListWorkersOnMachine(ctx context.Context, machineUID string) ([]*model.Worker, error) {
	s.logger.Debug("sql", "op", "list_by_machine", "table", "workers", "machine_uid", machineUID)

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+workerColumns+` FROM workers
		 WHERE machine_uid = ? AND state != 'finished' ORDER BY created_at`, machineUID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return s.scanWorkers(rows)
}

func (s *SQLiteStore) ListWorkersReservedBefore(ctx context.Context, cutoff time.Time) ([]*model.Worker, error) {
	s.logger.Debug("sql", "op", "list_reserved_before", "table", "workers", "cutoff", cutoff)

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+workerColumns+` FROM workers
		 WHERE state != 'finished' AND reserved_at IS NOT NULL AND reserved_at < ?
		 ORDER BY reserved_at`, fmtTime(cutoff))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return s.scanWorkers(rows)
}

func (s *SQLiteStore) ListProjectFreeWorkers(ctx context.Context, projectID string, checkedSince time.Time) ([]*model.Worker, error) {
	s.logger.Debug("sql", "op", "list_project_free", "table", "workers", "project_id", projectID)

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+workerColumns+` FROM workers
		 WHERE project_id = ? AND state = 'assigned' AND freed_at IS NOT NULL
		   AND last_checked_at >= ?
		 ORDER BY created_at`, projectID, fmtTime(checkedSince))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return s.scanWorkers(rows)
}

// CountProjectWorkersInUse counts the project's live workers, busy or free,
// that count against its worker ceiling.
func (s *SQLiteStore) CountProjectWorkersInUse(ctx context.Context, projectID string, checkedSince time.Time) (int, error) {
	s.logger.Debug("sql", "op", "count_in_use", "table", "workers", "project_id", projectID)

	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM workers
		 WHERE project_id = ? AND state != 'finished' AND last_checked_at >= ?`,
		projectID, fmtTime(checkedSince)).Scan(&n)
	return n, err
}

func (s *SQLiteStore) CountBusyWorkersOnMachine(ctx context.Context, machineUID string) (int, error) {
	s.logger.Debug("sql", "op", "count_busy", "table", "workers", "machine_uid", machineUID)

	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM workers
		 WHERE machine_uid = ? AND freed_at IS NULL AND state != 'finished'`,
		machineUID).Scan(&n)
	return n, err
}

// ListProjectMachineUIDs returns the machines hosting the project's live
// workers. With busyOnly set, only machines with a busy worker count.
func (s *SQLiteStore) ListProjectMachineUIDs(ctx context.Context, projectID string, busyOnly bool) ([]string, error) {
	s.logger.Debug("sql", "op", "list_project_machines", "table", "workers", "project_id", projectID)

	query := `SELECT DISTINCT machine_uid FROM workers WHERE project_id = ? AND state != 'finished'`
	if busyOnly {
		query += ` AND freed_at IS NULL`
	}
	rows, err := s.db.QueryContext(ctx, query, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var uids []string
	for rows.Next() {
		var uid string
		if err := rows.Scan(&uid); err != nil {
			return nil, err
		}
		uids = append(uids, uid)
	}
	return uids, rows.Err()
}

// --- Supervisor operations ---

const supervisorColumns = `uid, machine_uid, state, ip_address, port, project_id,
	affinity, in_use_at, finished_at, created_at, updated_at`

func scanSupervisor(row scanner) (*model.Supervisor, error) {
	var sup model.Supervisor
	var state string
	var createdAt, updatedAt string
	var inUseAt, finishedAt *string

	err := row.Scan(&sup.UID, &sup.MachineUID, &state, &sup.IPAddress, &sup.Port, &sup.ProjectID,
		&sup.Affinity, &inUseAt, &finishedAt, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	sup.State = model.SupervisorState(state)
	sup.InUseAt = parseTimePtr(inUseAt)
	sup.FinishedAt = parseTimePtr(finishedAt)
	sup.CreatedAt = parseTime(createdAt)
	sup.UpdatedAt = parseTime(updatedAt)
	return &sup, nil
}

func (s *SQLiteStore) CreateSupervisor(ctx context.Context, sup *model.Supervisor) error {
	s.logger.Debug("sql", "op", "insert", "table", "supervisors", "uid", sup.UID)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO supervisors (uid, machine_uid, state, ip_address, port, project_id,
		 affinity, in_use_at, finished_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sup.UID, sup.MachineUID, string(sup.State), sup.IPAddress, sup.Port, sup.ProjectID,
		sup.Affinity, fmtTimePtr(sup.InUseAt), fmtTimePtr(sup.FinishedAt),
		fmtTime(sup.CreatedAt), fmtTime(sup.UpdatedAt),
	)
	return err
}

func (s *SQLiteStore) GetSupervisor(ctx context.Context, uid string) (*model.Supervisor, error) {
	s.logger.Debug("sql", "op", "select", "table", "supervisors", "uid", uid)
	return scanSupervisor(s.db.QueryRowContext(ctx,
		`SELECT `+supervisorColumns+` FROM supervisors WHERE uid = ?`, uid))
}

func (s *SQLiteStore) UpdateSupervisor(ctx context.Context, sup *model.Supervisor) error {
	s.logger.Debug("sql", "op", "update", "table", "supervisors", "uid", sup.UID)

	result, err := s.db.ExecContext(ctx,
		`UPDATE supervisors SET machine_uid=?, state=?, ip_address=?, port=?, project_id=?,
		 affinity=?, in_use_at=?, finished_at=?, updated_at=? WHERE uid=?`,
		sup.MachineUID, string(sup.State), sup.IPAddress, sup.Port, sup.ProjectID,
		sup.Affinity, fmtTimePtr(sup.InUseAt), fmtTimePtr(sup.FinishedAt),
		fmtTime(sup.UpdatedAt), sup.UID,
	)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("supervisor %s not found", sup.UID)
	}
	return nil
}

func (s *SQLiteStore) ListSupervisors(ctx context.Context, opts model.ListOptions) ([]*model.Supervisor, int, error) {
	s.logger.Debug("sql", "op", "list", "table", "supervisors", "limit", opts.Limit, "offset", opts.Offset)
	opts.Clamp()

	whereSQL := ""
	var args []any
	if opts.State != "" {
		whereSQL = " WHERE state = ?"
		args = append(args, opts.State)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM supervisors`+whereSQL, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+supervisorColumns+` FROM supervisors`+whereSQL+` ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		append(args, opts.Limit, opts.Offset)...,
	)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var sups []*model.Supervisor
	for rows.Next() {
		sup, err := scanSupervisor(rows)
		if err != nil {
			return nil, 0, err
		}
		sups = append(sups, sup)
	}
	return sups, total, rows.Err()
}

// ListSupervisorsOnMachine returns the machine's non-finished supervisors.
func (s *SQLiteStore) ListSupervisorsOnMachine(ctx context.Context, machineUID string) ([]*model.Supervisor, error) {
	s.logger.Debug("sql", "op", "list_on_machine", "table", "supervisors", "machine_uid", machineUID)

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+supervisorColumns+` FROM supervisors
		 WHERE machine_uid = ? AND state != 'finished' ORDER BY created_at ASC`, machineUID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sups []*model.Supervisor
	for rows.Next() {
		sup, err := scanSupervisor(rows)
		if err != nil {
			return nil, err
		}
		sups = append(sups, sup)
	}
	return sups, rows.Err()
}

// GetFreeSupervisorForProject returns the project's idle assigned supervisor
// with the lowest affinity, or nil.
func (s *SQLiteStore) GetFreeSupervisorForProject(ctx context.Context, projectID string) (*model.Supervisor, error) {
	s.logger.Debug("sql", "op", "free_for_project", "table", "supervisors", "project_id", projectID)

	return scanSupervisor(s.db.QueryRowContext(ctx,
		`SELECT `+supervisorColumns+` FROM supervisors
		 WHERE project_id = ? AND state = 'assigned' AND in_use_at IS NULL
		 ORDER BY affinity ASC LIMIT 1`, projectID))
}

func (s *SQLiteStore) CountAssignedSupervisors(ctx context.Context, projectID string) (int, error) {
	s.logger.Debug("sql", "op", "count_assigned", "table", "supervisors", "project_id", projectID)

	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM supervisors WHERE project_id = ? AND state = 'assigned'`,
		projectID).Scan(&n)
	return n, err
}

// GetReadySupervisor returns the oldest supervisor in the ready pool, or nil.
func (s *SQLiteStore) GetReadySupervisor(ctx context.Context) (*model.Supervisor, error) {
	s.logger.Debug("sql", "op", "get_ready", "table", "supervisors")

	return scanSupervisor(s.db.QueryRowContext(ctx,
		`SELECT `+supervisorColumns+` FROM supervisors
		 WHERE state = 'ready' ORDER BY created_at ASC LIMIT 1`))
}

// AssignSupervisorToProject moves a ready supervisor to the project. The
// ready guard makes concurrent claims lose cleanly.
func (s *SQLiteStore) AssignSupervisorToProject(ctx context.Context, uid, projectID string, now time.Time) (bool, error) {
	s.logger.Debug("sql", "op", "assign_to_project", "table", "supervisors", "uid", uid, "project_id", projectID)

	result, err := s.db.ExecContext(ctx,
		`UPDATE supervisors SET state='assigned', project_id=?, updated_at=?
		 WHERE uid=? AND state='ready'`,
		projectID, fmtTime(now), uid)
	if err != nil {
		return false, err
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

func (s *SQLiteStore) GetOldestAssignedSupervisor(ctx context.Context, projectID string) (*model.Supervisor, error) {
	s.logger.Debug("sql", "op", "oldest_assigned", "table", "supervisors", "project_id", projectID)

	return scanSupervisor(s.db.QueryRowContext(ctx,
		`SELECT `+supervisorColumns+` FROM supervisors
		 WHERE project_id = ? AND state = 'assigned'
		 ORDER BY updated_at ASC LIMIT 1`, projectID))
}

func (s *SQLiteStore) SetSupervisorInUse(ctx context.Context, uid string, now time.Time, affinity *int) error {
	s.logger.Debug("sql", "op", "set_in_use", "table", "supervisors", "uid", uid)

	var err error
	if affinity != nil {
		_, err = s.db.ExecContext(ctx,
			`UPDATE supervisors SET in_use_at=?, affinity=?, updated_at=? WHERE uid=?`,
			fmtTime(now), *affinity, fmtTime(now), uid)
	} else {
		_, err = s.db.ExecContext(ctx,
			`UPDATE supervisors SET in_use_at=?, updated_at=? WHERE uid=?`,
			fmtTime(now), fmtTime(now), uid)
	}
	return err
}

// ReleaseSupervisor marks the supervisor idle again; it stays assigned to its
// project.
func (s *SQLiteStore) ReleaseSupervisor(ctx context.Context, uid string, now time.Time) error {
	s.logger.Debug("sql", "op", "release", "table", "supervisors", "uid", uid)

	_, err := s.db.ExecContext(ctx,
		`UPDATE supervisors SET in_use_at=NULL, updated_at=? WHERE uid=?`,
		fmtTime(now), uid)
	return err
}

func (s *SQLiteStore) FinishSupervisor(ctx context.Context, uid string, now time.Time) error {
	s.logger.Debug("sql", "op", "finish", "table", "supervisors", "uid", uid)

	_, err := s.db.ExecContext(ctx,
		`UPDATE supervisors SET state='finished', finished_at=?, in_use_at=NULL, updated_at=?
		 WHERE uid=? AND state != 'finished'`,
		fmtTime(now), fmtTime(now), uid)
	return err
}
