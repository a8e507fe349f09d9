package model

import "time"

// WorkerRunInfo records one worker's contribution to a jobrun: which files it
// ran, how long the batch took, and whether it passed.
type WorkerRunInfo struct {
	ID              string     `json:"id"`
	JobrunID        string     `json:"jobrun_id"`
	WorkerUID       string     `json:"worker_uid"`
	MachineUID      string     `json:"machine_uid"`
	ProjectID       string     `json:"project_id"`
	Files           []string   `json:"files"`
	ExitCode        string     `json:"exit_code"`
	MSTimeTaken     int64      `json:"ms_time_taken"`
	RebuildHash     string     `json:"rebuild_hash,omitempty"`
	LogLocation     string     `json:"log_location,omitempty"`
	StartedAt       time.Time  `json:"started_at"`
	FinishedAt      time.Time  `json:"finished_at"`
	TimingProcessed bool       `json:"timing_processed"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Succeeded reports whether the worker's batch exited cleanly.
func (w *WorkerRunInfo) Succeeded() bool {
	return w.ExitCode == "0"
}

// TestCount is the number of files the worker ran.
func (w *WorkerRunInfo) TestCount() int {
	return len(w.Files)
}

// TestFile is a project test file with its learned runtime estimate.
// RuntimeMS of zero means the file has never been timed; learned values are
// floored at 100ms so zero is unambiguous.
type TestFile struct {
	ID               string    `json:"id"`
	ProjectID        string    `json:"project_id"`
	Filename         string    `json:"filename"`
	RuntimeMS        int64     `json:"runtime_ms"`
	TimingConfidence float64   `json:"timing_confidence"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Timed reports whether the file has a learned runtime.
func (f *TestFile) Timed() bool {
	return f.RuntimeMS > 0
}

// TestFileRun is one observation of a test file inside a worker batch, kept
// as the audit trail behind runtime estimates.
type TestFileRun struct {
	ID              string    `json:"id"`
	TestFileID      string    `json:"test_file_id"`
	WorkerRunInfoID string    `json:"worker_run_info_id"`
	JobrunID        string    `json:"jobrun_id"`
	MSTimeTaken     int64     `json:"ms_time_taken"`
	FilesInRun      int       `json:"files_in_run"`
	Contention      float64   `json:"contention"`
	CreatedAt       time.Time `json:"created_at"`
}
