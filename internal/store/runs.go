package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/brisktest/brisk/pkg/model"
	"github.com/google/uuid"
)

func newTestFileID() string {
	return "tf_" + uuid.New().String()
}

// --- Jobrun operations ---

const jobrunColumns = `id, project_id, supervisor_uid, state, concurrency, assigned_concurrency,
	final_worker_count, rebuild_hash, branch, note, started_at, finished_at, created_at, updated_at`

func scanJobrun(row scanner) (*model.Jobrun, error) {
	var j model.Jobrun
	var state string
	var startedAt, createdAt, updatedAt string
	var finishedAt *string

	err := row.Scan(&j.ID, &j.ProjectID, &j.SupervisorUID, &state, &j.Concurrency, &j.AssignedConcurrency,
		&j.FinalWorkerCount, &j.RebuildHash, &j.Branch, &j.Note, &startedAt, &finishedAt,
		&createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	j.State = model.JobrunState(state)
	j.StartedAt = parseTime(startedAt)
	j.FinishedAt = parseTimePtr(finishedAt)
	j.CreatedAt = parseTime(createdAt)
	j.UpdatedAt = parseTime(updatedAt)
	return &j, nil
}

func (s *SQLiteStore) CreateJobrun(ctx context.Context, j *model.Jobrun) error {
	s.logger.Debug("sql", "op", "insert", "table", "jobruns", "id", j.ID)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobruns (id, project_id, supervisor_uid, state, concurrency, assigned_concurrency,
		 final_worker_count, rebuild_hash, branch, note, started_at, finished_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.ProjectID, j.SupervisorUID, string(j.State), j.Concurrency, j.AssignedConcurrency,
		j.FinalWorkerCount, j.RebuildHash, j.Branch, j.Note,
		fmtTime(j.StartedAt), fmtTimePtr(j.FinishedAt),
		fmtTime(j.CreatedAt), fmtTime(j.UpdatedAt),
	)
	return err
}

func (s *SQLiteStore) GetJobrun(ctx context.Context, id string) (*model.Jobrun, error) {
	s.logger.Debug("sql", "op", "select", "table", "jobruns", "id", id)
	return scanJobrun(s.db.QueryRowContext(ctx,
		`SELECT `+jobrunColumns+` FROM jobruns WHERE id = ?`, id))
}

func (s *SQLiteStore) UpdateJobrun(ctx context.Context, j *model.Jobrun) error {
	s.logger.Debug("sql", "op", "update", "table", "jobruns", "id", j.ID)

	result, err := s.db.ExecContext(ctx,
		`UPDATE jobruns SET supervisor_uid=?, state=?, concurrency=?, assigned_concurrency=?,
		 final_worker_count=?, rebuild_hash=?, branch=?, note=?, finished_at=?, updated_at=?
		 WHERE id=?`,
		j.SupervisorUID, string(j.State), j.Concurrency, j.AssignedConcurrency,
		j.FinalWorkerCount, j.RebuildHash, j.Branch, j.Note,
		fmtTimePtr(j.FinishedAt), fmtTime(j.UpdatedAt), j.ID,
	)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("jobrun %s not found", j.ID)
	}
	return nil
}

func (s *SQLiteStore) ListJobruns(ctx context.Context, projectID string, opts model.ListOptions) ([]*model.Jobrun, int, error) {
	s.logger.Debug("sql", "op", "list", "table", "jobruns", "project_id", projectID)
	opts.Clamp()

	var whereClauses []string
	var args []any
	if projectID != "" {
		whereClauses = append(whereClauses, "project_id = ?")
		args = append(args, projectID)
	}
	if opts.State != "" {
		whereClauses = append(whereClauses, "state = ?")
		args = append(args, opts.State)
	}
	whereSQL := ""
	if len(whereClauses) > 0 {
		whereSQL = " WHERE " + strings.Join(whereClauses, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobruns`+whereSQL, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobrunColumns+` FROM jobruns`+whereSQL+` ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		append(args, opts.Limit, opts.Offset)...,
	)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var runs []*model.Jobrun
	for rows.Next() {
		j, err := scanJobrun(rows)
		if err != nil {
			return nil, 0, err
		}
		runs = append(runs, j)
	}
	return runs, total, rows.Err()
}

// UsedConcurrency sums the assigned concurrency of the project's runs since
// the given time. Single-worker runs don't count against the quota.
func (s *SQLiteStore) UsedConcurrency(ctx context.Context, projectID string, since time.Time) (int, error) {
	s.logger.Debug("sql", "op", "used_concurrency", "table", "jobruns", "project_id", projectID)

	var total int
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(assigned_concurrency), 0) FROM jobruns
		 WHERE project_id = ? AND created_at >= ? AND assigned_concurrency > 1`,
		projectID, fmtTime(since)).Scan(&total)
	return total, err
}

// LatestCompletedJobrun returns the project's most recent completed run. An
// assignedConcurrency over zero restricts the match to runs with that worker
// count.
func (s *SQLiteStore) LatestCompletedJobrun(ctx context.Context, projectID string, assignedConcurrency int) (*model.Jobrun, error) {
	s.logger.Debug("sql", "op", "latest_completed", "table", "jobruns",
		"project_id", projectID, "assigned_concurrency", assignedConcurrency)

	query := `SELECT ` + jobrunColumns + ` FROM jobruns WHERE project_id = ? AND state = 'completed'`
	args := []any{projectID}
	if assignedConcurrency > 0 {
		query += ` AND assigned_concurrency = ?`
		args = append(args, assignedConcurrency)
	}
	return scanJobrun(s.db.QueryRowContext(ctx, query+` ORDER BY created_at DESC LIMIT 1`, args...))
}

// ListStuckJobruns returns runs still in 'starting' created before cutoff.
func (s *SQLiteStore) ListStuckJobruns(ctx context.Context, cutoff time.Time) ([]*model.Jobrun, error) {
	s.logger.Debug("sql", "op", "list_stuck", "table", "jobruns", "cutoff", cutoff)

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobrunColumns+` FROM jobruns
		 WHERE state = 'starting' AND created_at < ? ORDER BY created_at`, fmtTime(cutoff))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*model.Jobrun
	for rows.Next() {
		j, err := scanJobrun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, j)
	}
	return runs, rows.Err()
}

// --- WorkerRunInfo operations ---

const wriColumns = `id, jobrun_id, worker_uid, machine_uid, project_id, files, test_count,
	exit_code, ms_time_taken, rebuild_hash, log_location, started_at, finished_at,
	timing_processed, created_at, updated_at`

func scanRunInfo(row scanner) (*model.WorkerRunInfo, error) {
	var wri model.WorkerRunInfo
	var filesJSON string
	var testCount, timingProcessed int
	var startedAt, finishedAt, createdAt, updatedAt string

	err := row.Scan(&wri.ID, &wri.JobrunID, &wri.WorkerUID, &wri.MachineUID, &wri.ProjectID,
		&filesJSON, &testCount, &wri.ExitCode, &wri.MSTimeTaken, &wri.RebuildHash, &wri.LogLocation,
		&startedAt, &finishedAt, &timingProcessed, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(filesJSON), &wri.Files); err != nil {
		return nil, fmt.Errorf("unmarshal files: %w", err)
	}
	wri.TimingProcessed = timingProcessed != 0
	wri.StartedAt = parseTime(startedAt)
	wri.FinishedAt = parseTime(finishedAt)
	wri.CreatedAt = parseTime(createdAt)
	wri.UpdatedAt = parseTime(updatedAt)
	return &wri, nil
}

func (s *SQLiteStore) CreateWorkerRunInfo(ctx context.Context, wri *model.WorkerRunInfo) error {
	s.logger.Debug("sql", "op", "insert", "table", "worker_run_infos", "id", wri.ID)

	filesJSON, err := json.Marshal(wri.Files)
	if err != nil {
		return fmt.Errorf("marshal files: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO worker_run_infos (id, jobrun_id, worker_uid, machine_uid, project_id,
		 files, test_count, exit_code, ms_time_taken, rebuild_hash, log_location,
		 started_at, finished_at, timing_processed, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		wri.ID, wri.JobrunID, wri.WorkerUID, wri.MachineUID, wri.ProjectID,
		string(filesJSON), len(wri.Files), wri.ExitCode, wri.MSTimeTaken,
		wri.RebuildHash, wri.LogLocation,
		fmtTime(wri.StartedAt), fmtTime(wri.FinishedAt), boolToInt(wri.TimingProcessed),
		fmtTime(wri.CreatedAt), fmtTime(wri.UpdatedAt),
	)
	return err
}

func (s *SQLiteStore) GetWorkerRunInfo(ctx context.Context, id string) (*model.WorkerRunInfo, error) {
	s.logger.Debug("sql", "op", "select", "table", "worker_run_infos", "id", id)
	return scanRunInfo(s.db.QueryRowContext(ctx,
		`SELECT `+wriColumns+` FROM worker_run_infos WHERE id = ?`, id))
}

func (s *SQLiteStore) ListRunInfosByJobrun(ctx context.Context, jobrunID string) ([]*model.WorkerRunInfo, error) {
	s.logger.Debug("sql", "op", "list_by_jobrun", "table", "worker_run_infos", "jobrun_id", jobrunID)

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+wriColumns+` FROM worker_run_infos WHERE jobrun_id = ? ORDER BY created_at`, jobrunID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanRunInfos(rows)
}

func scanRunInfos(rows *sql.Rows) ([]*model.WorkerRunInfo, error) {
	var infos []*model.WorkerRunInfo
	for rows.Next() {
		wri, err := scanRunInfo(rows)
		if err != nil {
			return nil, err
		}
		infos = append(infos, wri)
	}
	return infos, rows.Err()
}

// CountOverlappingRunInfos counts other batches on the machine whose time
// window intersects [start, finish].
func (s *SQLiteStore) CountOverlappingRunInfos(ctx context.Context, machineUID string, start, finish time.Time, excludeID string) (int, error) {
	s.logger.Debug("sql", "op", "count_overlapping", "table", "worker_run_infos", "machine_uid", machineUID)

	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM worker_run_infos
		 WHERE machine_uid = ? AND id != ? AND started_at < ? AND finished_at > ?`,
		machineUID, excludeID, fmtTime(finish), fmtTime(start)).Scan(&n)
	return n, err
}

// ListPreviousRunCandidates returns the latest succeeded batches from
// completed runs of the project that ran exactly testCount files. The caller
// does the file superset check.
func (s *SQLiteStore) ListPreviousRunCandidates(ctx context.Context, projectID string, testCount int) ([]*model.WorkerRunInfo, error) {
	s.logger.Debug("sql", "op", "previous_candidates", "table", "worker_run_infos",
		"project_id", projectID, "test_count", testCount)

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+wriPrefixedColumns("w")+` FROM worker_run_infos w
		 JOIN jobruns j ON j.id = w.jobrun_id
		 WHERE w.project_id = ? AND w.test_count = ? AND w.exit_code = '0'
		   AND j.state = 'completed'
		 ORDER BY w.created_at DESC LIMIT 10`, projectID, testCount)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanRunInfos(rows)
}

func wriPrefixedColumns(alias string) string {
	cols := strings.Split(wriColumns, ",")
	for i, c := range cols {
		cols[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}

// ListUnprocessedRunInfos returns batches from finished runs whose timing has
// not been folded into the file estimates yet.
func (s *SQLiteStore) ListUnprocessedRunInfos(ctx context.Context, limit int) ([]*model.WorkerRunInfo, error) {
	s.logger.Debug("sql", "op", "list_unprocessed", "table", "worker_run_infos", "limit", limit)

	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+wriPrefixedColumns("w")+` FROM worker_run_infos w
		 JOIN jobruns j ON j.id = w.jobrun_id
		 WHERE w.timing_processed = 0 AND j.state IN ('completed', 'failed')
		 ORDER BY w.created_at LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanRunInfos(rows)
}

func (s *SQLiteStore) MarkRunInfoProcessed(ctx context.Context, id string) error {
	s.logger.Debug("sql", "op", "mark_processed", "table", "worker_run_infos", "id", id)

	_, err := s.db.ExecContext(ctx,
		`UPDATE worker_run_infos SET timing_processed=1, updated_at=? WHERE id=?`,
		fmtTime(time.Now()), id)
	return err
}

// --- TestFile operations ---

const testFileColumns = `id, project_id, filename, runtime_ms, timing_confidence, created_at, updated_at`

func scanTestFile(row scanner) (*model.TestFile, error) {
	var f model.TestFile
	var createdAt, updatedAt string

	err := row.Scan(&f.ID, &f.ProjectID, &f.Filename, &f.RuntimeMS, &f.TimingConfidence,
		&createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	f.CreatedAt = parseTime(createdAt)
	f.UpdatedAt = parseTime(updatedAt)
	return &f, nil
}

func (s *SQLiteStore) GetTestFilesByNames(ctx context.Context, projectID string, names []string) ([]*model.TestFile, error) {
	s.logger.Debug("sql", "op", "select_by_names", "table", "test_files", "project_id", projectID, "count", len(names))

	if len(names) == 0 {
		return nil, nil
	}
	args := []any{projectID}
	for _, n := range names {
		args = append(args, n)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+testFileColumns+` FROM test_files
		 WHERE project_id = ? AND filename IN (`+placeholders(len(names))+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var files []*model.TestFile
	for rows.Next() {
		f, err := scanTestFile(rows)
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// UpsertTestFile returns the project's record for filename, creating it with
// no timing if absent. id is only used when inserting.
func (s *SQLiteStore) UpsertTestFile(ctx context.Context, projectID, filename string, now time.Time) (*model.TestFile, error) {
	s.logger.Debug("sql", "op", "upsert", "table", "test_files", "project_id", projectID, "filename", filename)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO test_files (id, project_id, filename, runtime_ms, timing_confidence, created_at, updated_at)
		 VALUES (?, ?, ?, 0, 0, ?, ?)
		 ON CONFLICT(project_id, filename) DO NOTHING`,
		newTestFileID(), projectID, filename, fmtTime(now), fmtTime(now))
	if err != nil {
		return nil, err
	}

	return scanTestFile(s.db.QueryRowContext(ctx,
		`SELECT `+testFileColumns+` FROM test_files WHERE project_id = ? AND filename = ?`,
		projectID, filename))
}

func (s *SQLiteStore) UpdateTestFileTiming(ctx context.Context, id string, runtimeMS int64, confidence float64, now time.Time) error {
	s.logger.Debug("sql", "op", "update_timing", "table", "test_files", "id", id)

	result, err := s.db.ExecContext(ctx,
		`UPDATE test_files SET runtime_ms=?, timing_confidence=?, updated_at=? WHERE id=?`,
		runtimeMS, confidence, fmtTime(now), id)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("test file %s not found", id)
	}
	return nil
}

func (s *SQLiteStore) ListTestFiles(ctx context.Context, projectID string) ([]*model.TestFile, error) {
	s.logger.Debug("sql", "op", "list", "table", "test_files", "project_id", projectID)

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+testFileColumns+` FROM test_files WHERE project_id = ? ORDER BY filename`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var files []*model.TestFile
	for rows.Next() {
		f, err := scanTestFile(rows)
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// MeanKnownRuntimeMS averages the project's learned runtimes. The bool is
// false when no file has a runtime yet.
func (s *SQLiteStore) MeanKnownRuntimeMS(ctx context.Context, projectID string) (float64, bool, error) {
	s.logger.Debug("sql", "op", "mean_runtime", "table", "test_files", "project_id", projectID)

	var mean sql.NullFloat64
	err := s.db.QueryRowContext(ctx,
		`SELECT AVG(runtime_ms) FROM test_files WHERE project_id = ? AND runtime_ms > 0`,
		projectID).Scan(&mean)
	if err != nil {
		return 0, false, err
	}
	if !mean.Valid {
		return 0, false, nil
	}
	return mean.Float64, true, nil
}

func (s *SQLiteStore) CreateTestFileRun(ctx context.Context, tfr *model.TestFileRun) error {
	s.logger.Debug("sql", "op", "insert", "table", "test_file_runs", "id", tfr.ID)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO test_file_runs (id, test_file_id, worker_run_info_id, jobrun_id,
		 ms_time_taken, files_in_run, contention, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		tfr.ID, tfr.TestFileID, tfr.WorkerRunInfoID, tfr.JobrunID,
		tfr.MSTimeTaken, tfr.FilesInRun, tfr.Contention, fmtTime(tfr.CreatedAt),
	)
	return err
}
