package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/brisktest/brisk/pkg/model"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and returns a Store.
// Use ":memory:" for an in-memory database (useful in tests).
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}

	// SQLite has a single writer, and a ":memory:" database exists per
	// connection; one pooled connection covers both.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma wal: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma fk: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		logger: logger.With("component", "store"),
	}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Migrate creates all required tables and indexes.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	s.logger.Debug("sql", "op", "migrate")
	return migrate(ctx, s.db)
}

// --- time helpers ---
//
// Timestamps are stored as RFC3339Nano text in UTC so string comparison
// orders them correctly.

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func fmtTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := fmtTime(*t)
	return &s
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func parseTimePtr(s *string) *time.Time {
	if s == nil {
		return nil
	}
	t := parseTime(*s)
	return &t
}

// --- Machine operations ---

func (s *SQLiteStore) CreateMachine(ctx context.Context, m *model.Machine) error {
	s.logger.Debug("sql", "op", "insert", "table", "machines", "uid", m.UID)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO machines (uid, host_ip, os_info, image, cpus, memory_mb, disk_mb,
		 last_ping_at, drained_at, finished_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.UID, m.HostIP, m.OSInfo, m.Image, m.CPUs, m.MemoryMB, m.DiskMB,
		fmtTime(m.LastPingAt), fmtTimePtr(m.DrainedAt), fmtTimePtr(m.FinishedAt),
		fmtTime(m.CreatedAt), fmtTime(m.UpdatedAt),
	)
	return err
}

const machineColumns = `uid, host_ip, os_info, image, cpus, memory_mb, disk_mb,
	last_ping_at, drained_at, finished_at, created_at, updated_at`

func scanMachine(row scanner) (*model.Machine, error) {
	var m model.Machine
	var lastPing, createdAt, updatedAt string
	var drainedAt, finishedAt *string

	err := row.Scan(&m.UID, &m.HostIP, &m.OSInfo, &m.Image, &m.CPUs, &m.MemoryMB, &m.DiskMB,
		&lastPing, &drainedAt, &finishedAt, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	m.LastPingAt = parseTime(lastPing)
	m.DrainedAt = parseTimePtr(drainedAt)
	m.FinishedAt = parseTimePtr(finishedAt)
	m.CreatedAt = parseTime(createdAt)
	m.UpdatedAt = parseTime(updatedAt)
	return &m, nil
}

func (s *SQLiteStore) GetMachine(ctx context.Context, uid string) (*model.Machine, error) {
	s.logger.Debug("sql", "op", "select", "table", "machines", "uid", uid)
	return scanMachine(s.db.QueryRowContext(ctx,
		`SELECT `+machineColumns+` FROM machines WHERE uid = ?`, uid))
}

func (s *SQLiteStore) UpdateMachine(ctx context.Context, m *model.Machine) error {
	s.logger.Debug("sql", "op", "update", "table", "machines", "uid", m.UID)

	result, err := s.db.ExecContext(ctx,
		`UPDATE machines SET host_ip=?, os_info=?, image=?, cpus=?, memory_mb=?, disk_mb=?,
		 last_ping_at=?, drained_at=?, finished_at=?, updated_at=? WHERE uid=?`,
		m.HostIP, m.OSInfo, m.Image, m.CPUs, m.MemoryMB, m.DiskMB,
		fmtTime(m.LastPingAt), fmtTimePtr(m.DrainedAt), fmtTimePtr(m.FinishedAt),
		fmtTime(m.UpdatedAt), m.UID,
	)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("machine %s not found", m.UID)
	}
	return nil
}

func (s *SQLiteStore) ListMachines(ctx context.Context, opts model.ListOptions) ([]*model.Machine, int, error) {
	s.logger.Debug("sql", "op", "list", "table", "machines", "limit", opts.Limit, "offset", opts.Offset)
	opts.Clamp()

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM machines`).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+machineColumns+` FROM machines ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		opts.Limit, opts.Offset,
	)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var machines []*model.Machine
	for rows.Next() {
		m, err := scanMachine(rows)
		if err != nil {
			return nil, 0, err
		}
		machines = append(machines, m)
	}
	return machines, total, rows.Err()
}

func (s *SQLiteStore) TouchMachine(ctx context.Context, uid string, now time.Time) error {
	s.logger.Debug("sql", "op", "touch", "table", "machines", "uid", uid)

	result, err := s.db.ExecContext(ctx,
		`UPDATE machines SET last_ping_at=?, updated_at=? WHERE uid=? AND finished_at IS NULL`,
		fmtTime(now), fmtTime(now), uid)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("machine %s not found", uid)
	}
	return nil
}

func (s *SQLiteStore) ListSilentMachines(ctx context.Context, cutoff time.Time) ([]*model.Machine, error) {
	s.logger.Debug("sql", "op", "list_silent", "table", "machines", "cutoff", cutoff)

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+machineColumns+` FROM machines
		 WHERE finished_at IS NULL AND last_ping_at < ?`, fmtTime(cutoff))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var machines []*model.Machine
	for rows.Next() {
		m, err := scanMachine(rows)
		if err != nil {
			return nil, err
		}
		machines = append(machines, m)
	}
	return machines, rows.Err()
}

// DrainMachine marks a machine as draining. Drained machines keep their
// current workers but are skipped by allocation. Returns false when the
// machine was already drained or finished.
func (s *SQLiteStore) DrainMachine(ctx context.Context, uid string, now time.Time) (bool, error) {
	s.logger.Debug("sql", "op", "drain", "table", "machines", "uid", uid)

	result, err := s.db.ExecContext(ctx,
		`UPDATE machines SET drained_at=?, updated_at=?
		 WHERE uid=? AND drained_at IS NULL AND finished_at IS NULL`,
		fmtTime(now), fmtTime(now), uid)
	if err != nil {
		return false, err
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

func (s *SQLiteStore) FinishMachine(ctx context.Context, uid string, now time.Time) error {
	s.logger.Debug("sql", "op", "finish", "table", "machines", "uid", uid)

	_, err := s.db.ExecContext(ctx,
		`UPDATE machines SET finished_at=?, updated_at=? WHERE uid=? AND finished_at IS NULL`,
		fmtTime(now), fmtTime(now), uid)
	return err
}

// MachineLoads returns a utilization snapshot for every live machine that
// pinged at or after pingCutoff. A machine past its heartbeat window must
// not contribute capacity while it waits for the reclamation sweep. Busy
// worker counts and memory totals only include workers seen since
// workerCutoff.
func (s *SQLiteStore) MachineLoads(ctx context.Context, workerCutoff, pingCutoff time.Time) (map[string]*model.MachineLoad, error) {
	s.logger.Debug("sql", "op", "machine_loads", "worker_cutoff", workerCutoff, "ping_cutoff", pingCutoff)

	cutoff := fmtTime(workerCutoff)
	rows, err := s.db.QueryContext(ctx,
		`SELECT m.uid, m.cpus, m.memory_mb, m.drained_at,
		   COALESCE(SUM(CASE WHEN w.freed_at IS NULL AND w.state != 'finished' AND w.last_checked_at >= ? THEN 1 ELSE 0 END), 0),
		   COALESCE(SUM(CASE WHEN w.freed_at IS NULL AND w.state != 'finished' AND w.last_checked_at >= ? THEN w.assigned_ram ELSE 0 END), 0)
		 FROM machines m
		 LEFT JOIN workers w ON w.machine_uid = m.uid
		 WHERE m.finished_at IS NULL AND m.last_ping_at >= ?
		 GROUP BY m.uid`, cutoff, cutoff, fmtTime(pingCutoff))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	loads := make(map[string]*model.MachineLoad)
	for rows.Next() {
		var l model.MachineLoad
		var drainedAt *string
		if err := rows.Scan(&l.MachineUID, &l.CPUs, &l.MemoryMB, &drainedAt,
			&l.BusyWorkers, &l.MemoryUsed); err != nil {
			return nil, err
		}
		l.DrainedAt = parseTimePtr(drainedAt)
		loads[l.MachineUID] = &l
	}
	return loads, rows.Err()
}

// --- Project operations ---

const projectColumns = `id, name, token, image, worker_concurrency, max_supervisors,
	memory_requirement, monthly_concurrency, minimum_capacity, split_method, created_at, updated_at`

func scanProject(row scanner) (*model.Project, error) {
	var p model.Project
	var createdAt, updatedAt string

	err := row.Scan(&p.ID, &p.Name, &p.Token, &p.Image, &p.WorkerConcurrency, &p.MaxSupervisors,
		&p.MemoryRequirement, &p.MonthlyConcurrency, &p.MinimumCapacity, &p.SplitMethod,
		&createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	return &p, nil
}

func (s *SQLiteStore) CreateProject(ctx context.Context, p *model.Project) error {
	s.logger.Debug("sql", "op", "insert", "table", "projects", "id", p.ID)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO projects (id, name, token, image, worker_concurrency, max_supervisors,
		 memory_requirement, monthly_concurrency, minimum_capacity, split_method, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.Token, p.Image, p.WorkerConcurrency, p.MaxSupervisors,
		p.MemoryRequirement, p.MonthlyConcurrency, p.MinimumCapacity, p.SplitMethod,
		fmtTime(p.CreatedAt), fmtTime(p.UpdatedAt),
	)
	return err
}

func (s *SQLiteStore) GetProject(ctx context.Context, id string) (*model.Project, error) {
	s.logger.Debug("sql", "op", "select", "table", "projects", "id", id)
	return scanProject(s.db.QueryRowContext(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE id = ?`, id))
}

func (s *SQLiteStore) GetProjectByToken(ctx context.Context, token string) (*model.Project, error) {
	s.logger.Debug("sql", "op", "select_by_token", "table", "projects")
	return scanProject(s.db.QueryRowContext(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE token = ?`, token))
}

func (s *SQLiteStore) UpdateProject(ctx context.Context, p *model.Project) error {
	s.logger.Debug("sql", "op", "update", "table", "projects", "id", p.ID)

	result, err := s.db.ExecContext(ctx,
		`UPDATE projects SET name=?, token=?, image=?, worker_concurrency=?, max_supervisors=?,
		 memory_requirement=?, monthly_concurrency=?, minimum_capacity=?, split_method=?, updated_at=?
		 WHERE id=?`,
		p.Name, p.Token, p.Image, p.WorkerConcurrency, p.MaxSupervisors,
		p.MemoryRequirement, p.MonthlyConcurrency, p.MinimumCapacity, p.SplitMethod,
		fmtTime(p.UpdatedAt), p.ID,
	)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("project %s not found", p.ID)
	}
	return nil
}

func (s *SQLiteStore) ListProjects(ctx context.Context, opts model.ListOptions) ([]*model.Project, int, error) {
	s.logger.Debug("sql", "op", "list", "table", "projects", "limit", opts.Limit, "offset", opts.Offset)
	opts.Clamp()

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM projects`).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+projectColumns+` FROM projects ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		opts.Limit, opts.Offset,
	)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var projects []*model.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, 0, err
		}
		projects = append(projects, p)
	}
	return projects, total, rows.Err()
}

// --- Schedule operations ---

// GetSchedule returns the project's schedule, falling back to the fleet
// default row. Returns nil when neither exists.
func (s *SQLiteStore) GetSchedule(ctx context.Context, projectID string) (*model.Schedule, error) {
	s.logger.Debug("sql", "op", "select", "table", "schedules", "project_id", projectID)

	scan := func(pid string) (*model.Schedule, error) {
		var sched model.Schedule
		var createdAt, updatedAt string
		err := s.db.QueryRowContext(ctx,
			`SELECT id, project_id, day_percent, night_percent, created_at, updated_at
			 FROM schedules WHERE project_id = ?`, pid,
		).Scan(&sched.ID, &sched.ProjectID, &sched.DayPercent, &sched.NightPercent, &createdAt, &updatedAt)
		if err == sql.ErrNoRows {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		sched.CreatedAt = parseTime(createdAt)
		sched.UpdatedAt = parseTime(updatedAt)
		return &sched, nil
	}

	if projectID != "" {
		sched, err := scan(projectID)
		if sched != nil || err != nil {
			return sched, err
		}
	}
	return scan("")
}

func (s *SQLiteStore) UpsertSchedule(ctx context.Context, sched *model.Schedule) error {
	s.logger.Debug("sql", "op", "upsert", "table", "schedules", "project_id", sched.ProjectID)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO schedules (id, project_id, day_percent, night_percent, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(project_id) DO UPDATE SET
		   day_percent=excluded.day_percent,
		   night_percent=excluded.night_percent,
		   updated_at=excluded.updated_at`,
		sched.ID, sched.ProjectID, sched.DayPercent, sched.NightPercent,
		fmtTime(sched.CreatedAt), fmtTime(sched.UpdatedAt),
	)
	return err
}

// --- scan helpers ---

type scanner interface {
	Scan(dest ...any) error
}
