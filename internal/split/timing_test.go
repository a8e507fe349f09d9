package split

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/brisktest/brisk/internal/store"
	"github.com/brisktest/brisk/pkg/model"
)

func testLearner(t *testing.T) (*Learner, *store.SQLiteStore) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelError}))
	st, err := store.NewSQLiteStore(":memory:", logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return NewLearner(st, logger, 1750), st
}

func learnerMachine(t *testing.T, st *store.SQLiteStore, uid string, cpus int) {
	t.Helper()
	now := time.Now().UTC()
	m := &model.Machine{
		UID: uid, HostIP: "10.0.0.1", Image: "node-lts",
		CPUs: cpus, MemoryMB: 8000,
		LastPingAt: now, CreatedAt: now, UpdatedAt: now,
	}
	if err := st.CreateMachine(context.Background(), m); err != nil {
		t.Fatal(err)
	}
}

func learnerWRI(t *testing.T, st *store.SQLiteStore, id, machineUID string, files []string, ms int64, exitCode string, started, finished time.Time) *model.WorkerRunInfo {
	t.Helper()
	wri := &model.WorkerRunInfo{
		ID: id, JobrunID: "run_" + id, WorkerUID: "w_" + id, MachineUID: machineUID,
		ProjectID: "prj_1", Files: files, ExitCode: exitCode, MSTimeTaken: ms,
		StartedAt: started, FinishedAt: finished,
		CreatedAt: started, UpdatedAt: finished,
	}
	if err := st.CreateWorkerRunInfo(context.Background(), wri); err != nil {
		t.Fatal(err)
	}
	return wri
}

func fileRuntime(t *testing.T, st *store.SQLiteStore, projectID, filename string) *model.TestFile {
	t.Helper()
	files, err := st.GetTestFilesByNames(context.Background(), projectID, []string{filename})
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 1 {
		t.Fatalf("test file %q not found", filename)
	}
	return files[0]
}

func TestProcessRunInfo_SingleFile(t *testing.T) {
	l, st := testLearner(t)
	ctx := context.Background()
	now := time.Now().UTC()

	learnerMachine(t, st, "m1", 4)
	wri := learnerWRI(t, st, "wri_1", "m1", []string{"spec/a_spec.rb"}, 10000, "0",
		now.Add(-time.Minute), now)

	if err := l.ProcessRunInfo(ctx, wri); err != nil {
		t.Fatalf("process: %v", err)
	}

	// 10000ms minus 1750ms startup overhead, contention 1, one file.
	tf := fileRuntime(t, st, "prj_1", "spec/a_spec.rb")
	if tf.RuntimeMS != 8250 {
		t.Errorf("runtime = %d, want 8250", tf.RuntimeMS)
	}
	if tf.TimingConfidence != 1 {
		t.Errorf("confidence = %v, want 1", tf.TimingConfidence)
	}

	got, err := st.GetWorkerRunInfo(ctx, "wri_1")
	if err != nil {
		t.Fatal(err)
	}
	if !got.TimingProcessed {
		t.Error("run info not marked processed")
	}
}

func TestProcessRunInfo_SingleFileAveragesWithPrior(t *testing.T) {
	l, st := testLearner(t)
	ctx := context.Background()
	now := time.Now().UTC()

	learnerMachine(t, st, "m1", 4)
	tf, err := st.UpsertTestFile(ctx, "prj_1", "spec/a_spec.rb", now)
	if err != nil {
		t.Fatal(err)
	}
	if err := st.UpdateTestFileTiming(ctx, tf.ID, 1000, 1, now); err != nil {
		t.Fatal(err)
	}

	wri := learnerWRI(t, st, "wri_1", "m1", []string{"spec/a_spec.rb"}, 10000, "0",
		now.Add(-time.Minute), now)
	if err := l.ProcessRunInfo(ctx, wri); err != nil {
		t.Fatalf("process: %v", err)
	}

	got := fileRuntime(t, st, "prj_1", "spec/a_spec.rb")
	if got.RuntimeMS != 4625 {
		t.Errorf("runtime = %d, want (1000+8250)/2 = 4625", got.RuntimeMS)
	}
}

func TestProcessRunInfo_MultiFile(t *testing.T) {
	l, st := testLearner(t)
	ctx := context.Background()
	now := time.Now().UTC()

	learnerMachine(t, st, "m1", 4)
	b, err := st.UpsertTestFile(ctx, "prj_1", "spec/b_spec.rb", now)
	if err != nil {
		t.Fatal(err)
	}
	if err := st.UpdateTestFileTiming(ctx, b.ID, 6000, 0.5, now); err != nil {
		t.Fatal(err)
	}

	wri := learnerWRI(t, st, "wri_1", "m1", []string{"spec/a_spec.rb", "spec/b_spec.rb"}, 10000, "0",
		now.Add(-time.Minute), now)
	if err := l.ProcessRunInfo(ctx, wri); err != nil {
		t.Fatalf("process: %v", err)
	}

	// (10000-1750)/2 = 4125 per file.
	a := fileRuntime(t, st, "prj_1", "spec/a_spec.rb")
	if a.RuntimeMS != 4125 {
		t.Errorf("fresh file runtime = %d, want 4125", a.RuntimeMS)
	}
	if a.TimingConfidence != 0.5 {
		t.Errorf("fresh file confidence = %v, want 0.5", a.TimingConfidence)
	}

	// Prior estimate weighted 4:1 against the new observation.
	b2 := fileRuntime(t, st, "prj_1", "spec/b_spec.rb")
	if b2.RuntimeMS != (6000*4+4125)/6 {
		t.Errorf("blended runtime = %d, want %d", b2.RuntimeMS, (6000*4+4125)/6)
	}
}

func TestProcessRunInfo_HighConfidenceNotDiluted(t *testing.T) {
	l, st := testLearner(t)
	ctx := context.Background()
	now := time.Now().UTC()

	learnerMachine(t, st, "m1", 4)
	b, err := st.UpsertTestFile(ctx, "prj_1", "spec/b_spec.rb", now)
	if err != nil {
		t.Fatal(err)
	}
	if err := st.UpdateTestFileTiming(ctx, b.ID, 9999, 1, now); err != nil {
		t.Fatal(err)
	}

	wri := learnerWRI(t, st, "wri_1", "m1", []string{"spec/a_spec.rb", "spec/b_spec.rb"}, 10000, "0",
		now.Add(-time.Minute), now)
	if err := l.ProcessRunInfo(ctx, wri); err != nil {
		t.Fatalf("process: %v", err)
	}

	got := fileRuntime(t, st, "prj_1", "spec/b_spec.rb")
	if got.RuntimeMS != 9999 || got.TimingConfidence != 1 {
		t.Errorf("high confidence file changed: runtime=%d confidence=%v", got.RuntimeMS, got.TimingConfidence)
	}
}

func TestProcessRunInfo_RuntimeFloor(t *testing.T) {
	l, st := testLearner(t)
	ctx := context.Background()
	now := time.Now().UTC()

	learnerMachine(t, st, "m1", 4)
	// Shorter than the startup overhead.
	wri := learnerWRI(t, st, "wri_1", "m1", []string{"spec/a_spec.rb"}, 1000, "0",
		now.Add(-time.Minute), now)
	if err := l.ProcessRunInfo(ctx, wri); err != nil {
		t.Fatalf("process: %v", err)
	}

	got := fileRuntime(t, st, "prj_1", "spec/a_spec.rb")
	if got.RuntimeMS != 100 {
		t.Errorf("runtime = %d, want the 100ms floor", got.RuntimeMS)
	}
}

func TestProcessRunInfo_FailedRunOnlyMarked(t *testing.T) {
	l, st := testLearner(t)
	ctx := context.Background()
	now := time.Now().UTC()

	learnerMachine(t, st, "m1", 4)
	wri := learnerWRI(t, st, "wri_1", "m1", []string{"spec/a_spec.rb"}, 10000, "1",
		now.Add(-time.Minute), now)
	if err := l.ProcessRunInfo(ctx, wri); err != nil {
		t.Fatalf("process: %v", err)
	}

	files, err := st.ListTestFiles(ctx, "prj_1")
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 0 {
		t.Errorf("failed run should learn nothing, got %d files", len(files))
	}

	got, err := st.GetWorkerRunInfo(ctx, "wri_1")
	if err != nil {
		t.Fatal(err)
	}
	if !got.TimingProcessed {
		t.Error("run info not marked processed")
	}
}

func TestProcessRunInfo_ContentionDividesRuntime(t *testing.T) {
	l, st := testLearner(t)
	ctx := context.Background()
	now := time.Now().UTC()

	learnerMachine(t, st, "m1", 2)
	start := now.Add(-time.Minute)

	// Two other batches overlap ours on the same machine. With 2 CPUs that
	// makes contention (2+1)/(2/2) = 3.
	learnerWRI(t, st, "wri_other1", "m1", []string{"x"}, 5000, "0",
		start.Add(time.Second), start.Add(5*time.Second))
	learnerWRI(t, st, "wri_other2", "m1", []string{"y"}, 5000, "0",
		start.Add(2*time.Second), start.Add(6*time.Second))

	wri := learnerWRI(t, st, "wri_1", "m1", []string{"spec/a_spec.rb"}, 4750, "0",
		start, now)
	if err := l.ProcessRunInfo(ctx, wri); err != nil {
		t.Fatalf("process: %v", err)
	}

	// (4750-1750)/3 = 1000.
	got := fileRuntime(t, st, "prj_1", "spec/a_spec.rb")
	if got.RuntimeMS != 1000 {
		t.Errorf("runtime = %d, want 1000", got.RuntimeMS)
	}
}

func TestProcessRunInfo_ComparesToPreviousRun(t *testing.T) {
	l, st := testLearner(t)
	ctx := context.Background()
	now := time.Now().UTC()

	learnerMachine(t, st, "m1", 4)

	// A completed earlier run whose batch ran our files plus one, on an
	// otherwise idle machine.
	prevRun := &model.Jobrun{
		ID: "run_wri_prev", ProjectID: "prj_1", State: model.JobrunCompleted,
		Concurrency: 1, AssignedConcurrency: 1,
		StartedAt: now.Add(-time.Hour), CreatedAt: now.Add(-time.Hour), UpdatedAt: now.Add(-time.Hour),
	}
	if err := st.CreateJobrun(ctx, prevRun); err != nil {
		t.Fatal(err)
	}
	learnerWRI(t, st, "wri_prev", "m2",
		[]string{"spec/a_spec.rb", "spec/b_spec.rb", "spec/c_spec.rb"}, 9000, "0",
		now.Add(-time.Hour), now.Add(-59*time.Minute))

	wri := learnerWRI(t, st, "wri_1", "m1", []string{"spec/a_spec.rb", "spec/b_spec.rb"}, 5000, "0",
		now.Add(-time.Minute), now)
	if err := l.ProcessRunInfo(ctx, wri); err != nil {
		t.Fatalf("process: %v", err)
	}

	// 9000 - 5000 isolated the extra file, both contentions 1.
	got := fileRuntime(t, st, "prj_1", "spec/c_spec.rb")
	if got.RuntimeMS != 4000 {
		t.Errorf("isolated runtime = %d, want 4000", got.RuntimeMS)
	}
	if got.TimingConfidence != 1 {
		t.Errorf("confidence = %v, want 2/(1+1) = 1", got.TimingConfidence)
	}
}

func TestProcessRunInfo_NegativeEstimateDropped(t *testing.T) {
	l, st := testLearner(t)
	ctx := context.Background()
	now := time.Now().UTC()

	learnerMachine(t, st, "m1", 4)

	prevRun := &model.Jobrun{
		ID: "run_wri_prev", ProjectID: "prj_1", State: model.JobrunCompleted,
		Concurrency: 1, AssignedConcurrency: 1,
		StartedAt: now.Add(-time.Hour), CreatedAt: now.Add(-time.Hour), UpdatedAt: now.Add(-time.Hour),
	}
	if err := st.CreateJobrun(ctx, prevRun); err != nil {
		t.Fatal(err)
	}
	// The superset batch was faster than ours, so its difference is garbage.
	learnerWRI(t, st, "wri_prev", "m2",
		[]string{"spec/a_spec.rb", "spec/b_spec.rb", "spec/c_spec.rb"}, 3000, "0",
		now.Add(-time.Hour), now.Add(-59*time.Minute))

	wri := learnerWRI(t, st, "wri_1", "m1", []string{"spec/a_spec.rb", "spec/b_spec.rb"}, 5000, "0",
		now.Add(-time.Minute), now)
	if err := l.ProcessRunInfo(ctx, wri); err != nil {
		t.Fatalf("process: %v", err)
	}

	files, err := st.GetTestFilesByNames(ctx, "prj_1", []string{"spec/c_spec.rb"})
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 0 {
		t.Errorf("negative estimate should not create a timing, got %v", files)
	}
	if got := l.NegativeDrops(); got != 1 {
		t.Errorf("negative drops = %d, want 1", got)
	}
}
