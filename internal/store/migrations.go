package store

import (
	"context"
	"database/sql"
	"strings"
)

// schema contains the DDL for all Brisk tables.
// Each statement uses IF NOT EXISTS for idempotency.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS machines (
		uid          TEXT PRIMARY KEY,
		host_ip      TEXT NOT NULL DEFAULT '',
		os_info      TEXT NOT NULL DEFAULT '',
		image        TEXT NOT NULL DEFAULT '',
		cpus         INTEGER NOT NULL DEFAULT 0,
		memory_mb    INTEGER NOT NULL DEFAULT 0,
		disk_mb      INTEGER NOT NULL DEFAULT 0,
		last_ping_at TEXT NOT NULL,
		drained_at   TEXT,
		finished_at  TEXT,
		created_at   TEXT NOT NULL,
		updated_at   TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS workers (
		uid                TEXT PRIMARY KEY,
		machine_uid        TEXT NOT NULL,
		state              TEXT NOT NULL DEFAULT 'active',
		ip_address         TEXT NOT NULL DEFAULT '',
		port               INTEGER NOT NULL DEFAULT 0,
		sync_port          INTEGER NOT NULL DEFAULT 0,
		image              TEXT NOT NULL,
		project_id         TEXT,
		supervisor_uid     TEXT,
		jobrun_id          TEXT,
		build_commands_run INTEGER NOT NULL DEFAULT 0,
		rebuild_hash       TEXT,
		memory_requirement INTEGER NOT NULL DEFAULT 0,
		assigned_ram       INTEGER NOT NULL DEFAULT 0,
		freed_at           TEXT,
		reserved_at        TEXT,
		last_checked_at    TEXT NOT NULL,
		finished_at        TEXT,
		created_at         TEXT NOT NULL,
		updated_at         TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS supervisors (
		uid         TEXT PRIMARY KEY,
		machine_uid TEXT NOT NULL,
		state       TEXT NOT NULL DEFAULT 'ready',
		ip_address  TEXT NOT NULL DEFAULT '',
		port        INTEGER NOT NULL DEFAULT 0,
		project_id  TEXT,
		affinity    INTEGER,
		in_use_at   TEXT,
		finished_at TEXT,
		created_at  TEXT NOT NULL,
		updated_at  TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS projects (
		id                  TEXT PRIMARY KEY,
		name                TEXT NOT NULL,
		token               TEXT NOT NULL,
		image               TEXT NOT NULL DEFAULT '',
		worker_concurrency  INTEGER NOT NULL DEFAULT 4,
		max_supervisors     INTEGER NOT NULL DEFAULT 1,
		memory_requirement  INTEGER NOT NULL DEFAULT 0,
		monthly_concurrency INTEGER NOT NULL DEFAULT 0,
		minimum_capacity    INTEGER NOT NULL DEFAULT 0,
		split_method        TEXT NOT NULL DEFAULT '',
		created_at          TEXT NOT NULL,
		updated_at          TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS jobruns (
		id                   TEXT PRIMARY KEY,
		project_id           TEXT NOT NULL,
		supervisor_uid       TEXT,
		state                TEXT NOT NULL DEFAULT 'starting',
		concurrency          INTEGER NOT NULL DEFAULT 0,
		assigned_concurrency INTEGER NOT NULL DEFAULT 0,
		final_worker_count   INTEGER,
		rebuild_hash         TEXT NOT NULL DEFAULT '',
		branch               TEXT NOT NULL DEFAULT '',
		note                 TEXT,
		started_at           TEXT NOT NULL,
		finished_at          TEXT,
		created_at           TEXT NOT NULL,
		updated_at           TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS worker_run_infos (
		id               TEXT PRIMARY KEY,
		jobrun_id        TEXT NOT NULL,
		worker_uid       TEXT NOT NULL,
		machine_uid      TEXT NOT NULL,
		project_id       TEXT NOT NULL,
		files            TEXT NOT NULL DEFAULT '[]',
		test_count       INTEGER NOT NULL DEFAULT 0,
		exit_code        TEXT NOT NULL DEFAULT '',
		ms_time_taken    INTEGER NOT NULL DEFAULT 0,
		rebuild_hash     TEXT NOT NULL DEFAULT '',
		log_location     TEXT NOT NULL DEFAULT '',
		started_at       TEXT NOT NULL,
		finished_at      TEXT NOT NULL,
		timing_processed INTEGER NOT NULL DEFAULT 0,
		created_at       TEXT NOT NULL,
		updated_at       TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS test_files (
		id                TEXT PRIMARY KEY,
		project_id        TEXT NOT NULL,
		filename          TEXT NOT NULL,
		runtime_ms        INTEGER NOT NULL DEFAULT 0,
		timing_confidence REAL NOT NULL DEFAULT 0,
		created_at        TEXT NOT NULL,
		updated_at        TEXT NOT NULL,
		UNIQUE(project_id, filename)
	)`,

	`CREATE TABLE IF NOT EXISTS test_file_runs (
		id                 TEXT PRIMARY KEY,
		test_file_id       TEXT NOT NULL,
		worker_run_info_id TEXT NOT NULL,
		jobrun_id          TEXT NOT NULL,
		ms_time_taken      INTEGER NOT NULL DEFAULT 0,
		files_in_run       INTEGER NOT NULL DEFAULT 0,
		contention         REAL NOT NULL DEFAULT 1,
		created_at         TEXT NOT NULL
	)`,

	// A schedule with an empty project_id is the fleet default.
	`CREATE TABLE IF NOT EXISTS schedules (
		id            TEXT PRIMARY KEY,
		project_id    TEXT NOT NULL DEFAULT '',
		day_percent   REAL NOT NULL DEFAULT 0.9,
		night_percent REAL NOT NULL DEFAULT 0.4,
		created_at    TEXT NOT NULL,
		updated_at    TEXT NOT NULL,
		UNIQUE(project_id)
	)`,

	`CREATE INDEX IF NOT EXISTS idx_workers_machine_uid ON workers(machine_uid)`,
	`CREATE INDEX IF NOT EXISTS idx_workers_project_id ON workers(project_id)`,
	`CREATE INDEX IF NOT EXISTS idx_workers_supervisor_uid ON workers(supervisor_uid)`,
	// Compound index for the allocation candidate query (free, live workers by image)
	`CREATE INDEX IF NOT EXISTS idx_workers_state_image ON workers(state, image)`,
	`CREATE INDEX IF NOT EXISTS idx_supervisors_project_id ON supervisors(project_id)`,
	`CREATE INDEX IF NOT EXISTS idx_supervisors_state ON supervisors(state)`,
	`CREATE INDEX IF NOT EXISTS idx_jobruns_project_id ON jobruns(project_id)`,
	`CREATE INDEX IF NOT EXISTS idx_jobruns_state ON jobruns(state)`,
	`CREATE INDEX IF NOT EXISTS idx_wri_jobrun_id ON worker_run_infos(jobrun_id)`,
	`CREATE INDEX IF NOT EXISTS idx_wri_machine_uid ON worker_run_infos(machine_uid)`,
	// Compound index for the previous-run timing comparison query
	`CREATE INDEX IF NOT EXISTS idx_wri_project_count ON worker_run_infos(project_id, test_count)`,
	`CREATE INDEX IF NOT EXISTS idx_test_files_project ON test_files(project_id)`,
	`CREATE INDEX IF NOT EXISTS idx_tfr_test_file_id ON test_file_runs(test_file_id)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_projects_token ON projects(token)`,
}

// alterStatements are column additions that need special handling since
// SQLite doesn't support IF NOT EXISTS for ALTER TABLE ADD COLUMN.
var alterStatements = []struct {
	table    string
	column   string
	alterSQL string
	indexSQL string // Optional index to create after column is added
}{
	{
		table:    "worker_run_infos",
		column:   "log_location",
		alterSQL: "ALTER TABLE worker_run_infos ADD COLUMN log_location TEXT NOT NULL DEFAULT ''",
	},
	{
		table:    "jobruns",
		column:   "branch",
		alterSQL: "ALTER TABLE jobruns ADD COLUMN branch TEXT NOT NULL DEFAULT ''",
		indexSQL: "CREATE INDEX IF NOT EXISTS idx_jobruns_branch ON jobruns(branch)",
	},
	{
		table:    "machines",
		column:   "drained_at",
		alterSQL: "ALTER TABLE machines ADD COLUMN drained_at TEXT",
	},
}

// migrate executes all schema DDL statements, alter migrations, and post-migration indexes.
func migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}

	// Execute ALTER TABLE statements idempotently.
	for _, alter := range alterStatements {
		if err := addColumnIfNotExists(ctx, db, alter.table, alter.column, alter.alterSQL); err != nil {
			return err
		}
		if alter.indexSQL != "" {
			if _, err := db.ExecContext(ctx, alter.indexSQL); err != nil {
				return err
			}
		}
	}

	return nil
}

// addColumnIfNotExists adds a column to a table if it doesn't already exist.
func addColumnIfNotExists(ctx context.Context, db *sql.DB, table, column, alterSQL string) error {
	// Query table info to check if column exists.
	rows, err := db.QueryContext(ctx, "PRAGMA table_info("+table+")")
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dfltValue *string
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return err
		}
		if strings.EqualFold(name, column) {
			return nil // Column already exists
		}
	}

	// Column doesn't exist, add it.
	_, err = db.ExecContext(ctx, alterSQL)
	return err
}
