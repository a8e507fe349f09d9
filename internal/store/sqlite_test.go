package store

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/brisktest/brisk/pkg/model"
)

func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelError}))
	st, err := NewSQLiteStore(":memory:", logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func sampleMachine(uid string) *model.Machine {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &model.Machine{
		UID:        uid,
		HostIP:     "10.0.0.1",
		OSInfo:     "linux amd64",
		Image:      "node-lts",
		CPUs:       4,
		MemoryMB:   8000,
		DiskMB:     50000,
		LastPingAt: now,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func sampleWorker(uid, machineUID string) *model.Worker {
	now := time.Now().UTC().Truncate(time.Millisecond)
	freed := now
	return &model.Worker{
		UID:               uid,
		MachineUID:        machineUID,
		State:             model.WorkerActive,
		IPAddress:         "10.0.0.1",
		Port:              50051,
		Image:             "node-lts",
		MemoryRequirement: 1000,
		FreedAt:           &freed,
		LastCheckedAt:     now,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

func sampleSupervisor(uid, machineUID string) *model.Supervisor {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &model.Supervisor{
		UID:        uid,
		MachineUID: machineUID,
		State:      model.SupervisorReady,
		IPAddress:  "10.0.0.1",
		Port:       50052,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func sampleProject(id string) *model.Project {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &model.Project{
		ID:                 id,
		Name:               "acme-api",
		Token:              "tok_" + id,
		Image:              "node-lts",
		WorkerConcurrency:  4,
		MaxSupervisors:     1,
		MemoryRequirement:  1000,
		MonthlyConcurrency: 1000,
		MinimumCapacity:    10,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

func sampleJobrun(id, projectID string) *model.Jobrun {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &model.Jobrun{
		ID:        id,
		ProjectID: projectID,
		State:     model.JobrunStarting,
		Concurrency: 4,
		StartedAt: now,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func sampleRunInfo(id, jobrunID, workerUID, machineUID, projectID string) *model.WorkerRunInfo {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &model.WorkerRunInfo{
		ID:          id,
		JobrunID:    jobrunID,
		WorkerUID:   workerUID,
		MachineUID:  machineUID,
		ProjectID:   projectID,
		Files:       []string{"spec/a_spec.rb", "spec/b_spec.rb"},
		ExitCode:    "0",
		MSTimeTaken: 12000,
		StartedAt:   now.Add(-12 * time.Second),
		FinishedAt:  now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// --- Migration tests ---

func TestMigrate_Idempotent(t *testing.T) {
	st := testStore(t)
	// Migrate a second time — should not error.
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

// --- Machine tests ---

func TestCreateAndGetMachine(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	m := sampleMachine("m1")

	if err := st.CreateMachine(ctx, m); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := st.GetMachine(ctx, "m1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil {
		t.Fatal("got nil machine")
	}
	if got.CPUs != 4 || got.MemoryMB != 8000 {
		t.Errorf("cpus/memory = %d/%d, want 4/8000", got.CPUs, got.MemoryMB)
	}
	if got.FinishedAt != nil {
		t.Errorf("finished_at should be nil")
	}
}

func TestGetMachine_NotFound(t *testing.T) {
	st := testStore(t)
	got, err := st.GetMachine(context.Background(), "nope")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for missing machine")
	}
}

func TestTouchMachine_RefreshesPing(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	m := sampleMachine("m1")
	m.LastPingAt = time.Now().UTC().Add(-time.Hour)
	if err := st.CreateMachine(ctx, m); err != nil {
		t.Fatal(err)
	}

	now := time.Now().UTC().Truncate(time.Millisecond)
	if err := st.TouchMachine(ctx, "m1", now); err != nil {
		t.Fatalf("touch: %v", err)
	}

	got, _ := st.GetMachine(ctx, "m1")
	if !got.LastPingAt.Equal(now) {
		t.Errorf("last_ping_at = %v, want %v", got.LastPingAt, now)
	}
}

func TestListSilentMachines(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	silent := sampleMachine("silent")
	silent.LastPingAt = now.Add(-time.Hour)
	fresh := sampleMachine("fresh")
	fresh.LastPingAt = now

	for _, m := range []*model.Machine{silent, fresh} {
		if err := st.CreateMachine(ctx, m); err != nil {
			t.Fatal(err)
		}
	}

	got, err := st.ListSilentMachines(ctx, now.Add(-30*time.Minute))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].UID != "silent" {
		t.Errorf("got %d machines, want just 'silent'", len(got))
	}
}

func TestMachineLoads(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := st.CreateMachine(ctx, sampleMachine("m1")); err != nil {
		t.Fatal(err)
	}

	// One busy worker with 2000MB, one free worker, one stale busy worker.
	busy := sampleWorker("w-busy", "m1")
	busy.FreedAt = nil
	busy.AssignedRAM = 2000
	free := sampleWorker("w-free", "m1")
	stale := sampleWorker("w-stale", "m1")
	stale.FreedAt = nil
	stale.AssignedRAM = 3000
	stale.LastCheckedAt = now.Add(-time.Hour)

	for _, w := range []*model.Worker{busy, free, stale} {
		if err := st.CreateWorker(ctx, w); err != nil {
			t.Fatal(err)
		}
	}

	loads, err := st.MachineLoads(ctx, now.Add(-120*time.Second), now.Add(-120*time.Second))
	if err != nil {
		t.Fatalf("loads: %v", err)
	}
	l := loads["m1"]
	if l == nil {
		t.Fatal("no load for m1")
	}
	if l.BusyWorkers != 1 {
		t.Errorf("busy workers = %d, want 1 (stale excluded)", l.BusyWorkers)
	}
	if l.MemoryUsed != 2000 {
		t.Errorf("memory used = %d, want 2000", l.MemoryUsed)
	}
	if l.FreeCPU() != 3 {
		t.Errorf("free cpu = %d, want 3", l.FreeCPU())
	}
}

func TestMachineLoads_SilentMachineExcluded(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	live := sampleMachine("m-live")
	silent := sampleMachine("m-silent")
	silent.LastPingAt = now.Add(-time.Hour)
	for _, m := range []*model.Machine{live, silent} {
		if err := st.CreateMachine(ctx, m); err != nil {
			t.Fatal(err)
		}
	}

	loads, err := st.MachineLoads(ctx, now.Add(-120*time.Second), now.Add(-120*time.Second))
	if err != nil {
		t.Fatalf("loads: %v", err)
	}
	if loads["m-live"] == nil {
		t.Error("live machine missing from loads")
	}
	if loads["m-silent"] != nil {
		t.Error("machine past its heartbeat window must not contribute capacity")
	}
}

// --- Worker tests ---

func TestCreateAndGetWorker(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	w := sampleWorker("w1", "m1")

	if err := st.CreateWorker(ctx, w); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := st.GetWorker(ctx, "w1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil {
		t.Fatal("got nil worker")
	}
	if got.State != model.WorkerActive {
		t.Errorf("state = %q, want active", got.State)
	}
	if !got.Free() {
		t.Errorf("fresh worker should be free")
	}
	if got.ProjectID != nil {
		t.Errorf("project_id should be nil")
	}
}

func TestReserveWorker(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := st.CreateMachine(ctx, sampleMachine("m1")); err != nil {
		t.Fatal(err)
	}
	if err := st.CreateWorker(ctx, sampleWorker("w1", "m1")); err != nil {
		t.Fatal(err)
	}

	ok, err := st.ReserveWorker(ctx, ReserveParams{
		WorkerUID:     "w1",
		ProjectID:     "prj_1",
		SupervisorUID: "sup_1",
		JobrunID:      "run_1",
		RAMRequired:   1000,
		StaleCutoff:   now.Add(-120 * time.Second),
		Now:           now,
	})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if !ok {
		t.Fatal("reserve should succeed")
	}

	got, _ := st.GetWorker(ctx, "w1")
	if got.State != model.WorkerAssigned {
		t.Errorf("state = %q, want assigned", got.State)
	}
	if got.Free() {
		t.Errorf("reserved worker should be busy")
	}
	if got.ProjectID == nil || *got.ProjectID != "prj_1" {
		t.Errorf("project_id = %v, want prj_1", got.ProjectID)
	}
	if got.AssignedRAM != 1000 {
		t.Errorf("assigned_ram = %d, want 1000", got.AssignedRAM)
	}
	if got.ReservedAt == nil {
		t.Errorf("reserved_at should be set")
	}

	// A second reservation of the same worker must fail.
	ok, err = st.ReserveWorker(ctx, ReserveParams{
		WorkerUID: "w1", ProjectID: "prj_2", SupervisorUID: "sup_2", JobrunID: "run_2",
		RAMRequired: 1000, StaleCutoff: now.Add(-120 * time.Second), Now: now,
	})
	if err != nil {
		t.Fatalf("second reserve: %v", err)
	}
	if ok {
		t.Errorf("busy worker should not be reservable")
	}
}

func TestReserveWorker_WrongProject(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := st.CreateMachine(ctx, sampleMachine("m1")); err != nil {
		t.Fatal(err)
	}
	w := sampleWorker("w1", "m1")
	w.State = model.WorkerAssigned
	other := "prj_other"
	w.ProjectID = &other
	if err := st.CreateWorker(ctx, w); err != nil {
		t.Fatal(err)
	}

	ok, err := st.ReserveWorker(ctx, ReserveParams{
		WorkerUID: "w1", ProjectID: "prj_1", SupervisorUID: "sup_1", JobrunID: "run_1",
		RAMRequired: 1000, StaleCutoff: now.Add(-120 * time.Second), Now: now,
	})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if ok {
		t.Errorf("worker bound to another project should not be reservable")
	}
}

func TestReserveWorker_NoMemoryHeadroom(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	m := sampleMachine("m1")
	m.MemoryMB = 2000
	if err := st.CreateMachine(ctx, m); err != nil {
		t.Fatal(err)
	}

	// A busy worker already claims 1500 of the 2000MB.
	busy := sampleWorker("w-busy", "m1")
	busy.FreedAt = nil
	busy.AssignedRAM = 1500
	if err := st.CreateWorker(ctx, busy); err != nil {
		t.Fatal(err)
	}
	if err := st.CreateWorker(ctx, sampleWorker("w1", "m1")); err != nil {
		t.Fatal(err)
	}

	ok, err := st.ReserveWorker(ctx, ReserveParams{
		WorkerUID: "w1", ProjectID: "prj_1", SupervisorUID: "sup_1", JobrunID: "run_1",
		RAMRequired: 1000, StaleCutoff: now.Add(-120 * time.Second), Now: now,
	})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if ok {
		t.Errorf("reserve should fail without memory headroom")
	}
}

func TestFreeWorkerFromSupervisor(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := st.CreateMachine(ctx, sampleMachine("m1")); err != nil {
		t.Fatal(err)
	}
	if err := st.CreateWorker(ctx, sampleWorker("w1", "m1")); err != nil {
		t.Fatal(err)
	}
	if _, err := st.ReserveWorker(ctx, ReserveParams{
		WorkerUID: "w1", ProjectID: "prj_1", SupervisorUID: "sup_1", JobrunID: "run_1",
		RAMRequired: 1000, StaleCutoff: now.Add(-120 * time.Second), Now: now,
	}); err != nil {
		t.Fatal(err)
	}

	ok, err := st.FreeWorkerFromSupervisor(ctx, "w1", now)
	if err != nil {
		t.Fatalf("free: %v", err)
	}
	if !ok {
		t.Fatal("free should succeed")
	}

	got, _ := st.GetWorker(ctx, "w1")
	if !got.Free() {
		t.Errorf("worker should be free")
	}
	if got.SupervisorUID != nil || got.JobrunID != nil {
		t.Errorf("supervisor/jobrun should be cleared")
	}
	if got.AssignedRAM != 0 || got.ReservedAt != nil {
		t.Errorf("assigned_ram/reserved_at should be cleared")
	}
	// Project binding survives freeing.
	if got.ProjectID == nil || *got.ProjectID != "prj_1" {
		t.Errorf("project binding should persist, got %v", got.ProjectID)
	}

	// Freeing again is a no-op.
	ok, err = st.FreeWorkerFromSupervisor(ctx, "w1", now)
	if err != nil {
		t.Fatalf("second free: %v", err)
	}
	if ok {
		t.Errorf("second free should report no change")
	}
}

func TestSafeReleaseWorker(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := st.CreateMachine(ctx, sampleMachine("m1")); err != nil {
		t.Fatal(err)
	}
	// Busy worker: safe release must leave it alone.
	busy := sampleWorker("w-busy", "m1")
	busy.FreedAt = nil
	if err := st.CreateWorker(ctx, busy); err != nil {
		t.Fatal(err)
	}
	ok, err := st.SafeReleaseWorker(ctx, "w-busy", now)
	if err != nil {
		t.Fatalf("safe release: %v", err)
	}
	if ok {
		t.Errorf("busy worker should not be released")
	}

	// Free worker: released.
	if err := st.CreateWorker(ctx, sampleWorker("w-free", "m1")); err != nil {
		t.Fatal(err)
	}
	ok, err = st.SafeReleaseWorker(ctx, "w-free", now)
	if err != nil {
		t.Fatalf("safe release: %v", err)
	}
	if !ok {
		t.Errorf("free worker should be released")
	}
	got, _ := st.GetWorker(ctx, "w-free")
	if got.State != model.WorkerFinished {
		t.Errorf("state = %q, want finished", got.State)
	}
}

func TestListAllocatableWorkers_Filters(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	prj := "prj_1"
	// Bound free worker with build commands run.
	bound := sampleWorker("w-bound", "m1")
	bound.State = model.WorkerAssigned
	bound.ProjectID = &prj
	bound.BuildCommandsRun = true
	// Unbound free worker.
	unbound := sampleWorker("w-unbound", "m2")
	// Busy worker, never a candidate.
	busy := sampleWorker("w-busy", "m3")
	busy.FreedAt = nil
	// Wrong image.
	wrongImage := sampleWorker("w-image", "m4")
	wrongImage.Image = "ruby-3.2"
	// Finished.
	done := sampleWorker("w-done", "m5")
	done.State = model.WorkerFinished

	for _, w := range []*model.Worker{bound, unbound, busy, wrongImage, done} {
		if err := st.CreateWorker(ctx, w); err != nil {
			t.Fatal(err)
		}
	}

	cutoff := now.Add(-120 * time.Second)

	got, err := st.ListAllocatableWorkers(ctx, WorkerFilter{
		ProjectID: prj, Image: "node-lts", BuildCommandsRun: true, CheckedSince: &cutoff,
	})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].UID != "w-bound" {
		t.Errorf("project filter: got %d workers, want just w-bound", len(got))
	}

	got, err = st.ListAllocatableWorkers(ctx, WorkerFilter{
		Unbound: true, Image: "node-lts", CheckedSince: &cutoff,
	})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].UID != "w-unbound" {
		t.Errorf("unbound filter: got %d workers, want just w-unbound", len(got))
	}

	got, err = st.ListAllocatableWorkers(ctx, WorkerFilter{
		Unbound: true, Image: "node-lts", ExcludeUIDs: []string{"w-unbound"},
	})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("exclusion filter: got %d workers, want 0", len(got))
	}

	got, err = st.ListAllocatableWorkers(ctx, WorkerFilter{
		Unbound: true, Image: "node-lts", ExcludeMachineUIDs: []string{"m2"},
	})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("machine exclusion: got %d workers, want 0", len(got))
	}
}

func TestListAllocatableWorkers_RebuildHash(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	prj := "prj_1"
	matching := sampleWorker("w-match", "m1")
	matching.ProjectID = &prj
	matching.State = model.WorkerAssigned
	hash := "abc123"
	matching.RebuildHash = &hash

	empty := sampleWorker("w-empty", "m2")
	empty.ProjectID = &prj
	empty.State = model.WorkerAssigned

	other := sampleWorker("w-other", "m3")
	other.ProjectID = &prj
	other.State = model.WorkerAssigned
	otherHash := "zzz999"
	other.RebuildHash = &otherHash

	for _, w := range []*model.Worker{matching, empty, other} {
		if err := st.CreateWorker(ctx, w); err != nil {
			t.Fatal(err)
		}
	}

	got, err := st.ListAllocatableWorkers(ctx, WorkerFilter{
		ProjectID: prj, Image: "node-lts", RebuildHash: "abc123", MatchRebuildHash: true,
	})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	uids := map[string]bool{}
	for _, w := range got {
		uids[w.UID] = true
	}
	if !uids["w-match"] || !uids["w-empty"] || uids["w-other"] {
		t.Errorf("hash filter returned %v, want w-match and w-empty only", uids)
	}
}

func TestCountProjectWorkersInUse(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	prj := "prj_1"

	inUse := sampleWorker("w1", "m1")
	inUse.ProjectID = &prj
	inUse.State = model.WorkerAssigned

	stale := sampleWorker("w2", "m1")
	stale.ProjectID = &prj
	stale.State = model.WorkerAssigned
	stale.LastCheckedAt = now.Add(-time.Hour)

	done := sampleWorker("w3", "m1")
	done.ProjectID = &prj
	done.State = model.WorkerFinished

	for _, w := range []*model.Worker{inUse, stale, done} {
		if err := st.CreateWorker(ctx, w); err != nil {
			t.Fatal(err)
		}
	}

	n, err := st.CountProjectWorkersInUse(ctx, prj, now.Add(-120*time.Second))
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Errorf("count = %d, want 1", n)
	}
}

// --- Supervisor tests ---

func TestSupervisorLeaseFlow(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := st.CreateSupervisor(ctx, sampleSupervisor("sup_1", "m1")); err != nil {
		t.Fatal(err)
	}

	ready, err := st.GetReadySupervisor(ctx)
	if err != nil {
		t.Fatalf("get ready: %v", err)
	}
	if ready == nil || ready.UID != "sup_1" {
		t.Fatal("expected sup_1 in ready pool")
	}

	ok, err := st.AssignSupervisorToProject(ctx, "sup_1", "prj_1", now)
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if !ok {
		t.Fatal("assign should succeed")
	}

	// Ready pool is now empty; a second claim loses.
	ok, err = st.AssignSupervisorToProject(ctx, "sup_1", "prj_2", now)
	if err != nil {
		t.Fatalf("second assign: %v", err)
	}
	if ok {
		t.Errorf("assigned supervisor should not be claimable")
	}

	free, err := st.GetFreeSupervisorForProject(ctx, "prj_1")
	if err != nil {
		t.Fatalf("free for project: %v", err)
	}
	if free == nil || free.UID != "sup_1" {
		t.Fatal("expected sup_1 free for prj_1")
	}

	if err := st.SetSupervisorInUse(ctx, "sup_1", now, nil); err != nil {
		t.Fatalf("set in use: %v", err)
	}
	free, err = st.GetFreeSupervisorForProject(ctx, "prj_1")
	if err != nil {
		t.Fatal(err)
	}
	if free != nil {
		t.Errorf("in-use supervisor should not be free")
	}

	if err := st.ReleaseSupervisor(ctx, "sup_1", now); err != nil {
		t.Fatalf("release: %v", err)
	}
	got, _ := st.GetSupervisor(ctx, "sup_1")
	if got.InUseAt != nil {
		t.Errorf("in_use_at should be cleared after release")
	}
	if got.State != model.SupervisorAssigned {
		t.Errorf("released supervisor should stay assigned, got %q", got.State)
	}
}

func TestGetFreeSupervisorForProject_AffinityOrder(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for i, uid := range []string{"sup_a", "sup_b"} {
		sup := sampleSupervisor(uid, "m1")
		sup.State = model.SupervisorAssigned
		prj := "prj_1"
		sup.ProjectID = &prj
		aff := 5 - i*3 // sup_a: 5, sup_b: 2
		sup.Affinity = &aff
		_ = now
		if err := st.CreateSupervisor(ctx, sup); err != nil {
			t.Fatal(err)
		}
	}

	got, err := st.GetFreeSupervisorForProject(ctx, "prj_1")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.UID != "sup_b" {
		t.Errorf("expected lowest-affinity supervisor sup_b, got %v", got)
	}
}

// --- Jobrun tests ---

func TestCreateAndUpdateJobrun(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	j := sampleJobrun("run_1", "prj_1")

	if err := st.CreateJobrun(ctx, j); err != nil {
		t.Fatalf("create: %v", err)
	}

	j.State = model.JobrunRunning
	j.AssignedConcurrency = 3
	sup := "sup_1"
	j.SupervisorUID = &sup
	if err := st.UpdateJobrun(ctx, j); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := st.GetJobrun(ctx, "run_1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != model.JobrunRunning || got.AssignedConcurrency != 3 {
		t.Errorf("state/assigned = %q/%d, want running/3", got.State, got.AssignedConcurrency)
	}
	if got.SupervisorUID == nil || *got.SupervisorUID != "sup_1" {
		t.Errorf("supervisor_uid = %v, want sup_1", got.SupervisorUID)
	}
}

func TestUsedConcurrency(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	mk := func(id string, assigned int, age time.Duration) {
		j := sampleJobrun(id, "prj_1")
		j.AssignedConcurrency = assigned
		j.CreatedAt = now.Add(-age)
		if err := st.CreateJobrun(ctx, j); err != nil {
			t.Fatal(err)
		}
	}
	mk("run_recent", 4, time.Hour)
	mk("run_single", 1, time.Hour)    // excluded: single worker
	mk("run_old", 8, 45*24*time.Hour) // excluded: older than window

	used, err := st.UsedConcurrency(ctx, "prj_1", now.Add(-30*24*time.Hour))
	if err != nil {
		t.Fatalf("used: %v", err)
	}
	if used != 4 {
		t.Errorf("used = %d, want 4", used)
	}
}

func TestListStuckJobruns(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	stuck := sampleJobrun("run_stuck", "prj_1")
	stuck.CreatedAt = now.Add(-30 * time.Minute)
	fresh := sampleJobrun("run_fresh", "prj_1")
	running := sampleJobrun("run_running", "prj_1")
	running.State = model.JobrunRunning
	running.CreatedAt = now.Add(-30 * time.Minute)

	for _, j := range []*model.Jobrun{stuck, fresh, running} {
		if err := st.CreateJobrun(ctx, j); err != nil {
			t.Fatal(err)
		}
	}

	got, err := st.ListStuckJobruns(ctx, now.Add(-14*time.Minute))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].ID != "run_stuck" {
		t.Errorf("got %d runs, want just run_stuck", len(got))
	}
}

// --- WorkerRunInfo tests ---

func TestCreateAndListRunInfos(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	wri := sampleRunInfo("wri_1", "run_1", "w1", "m1", "prj_1")
	if err := st.CreateWorkerRunInfo(ctx, wri); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := st.ListRunInfosByJobrun(ctx, "run_1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d infos, want 1", len(got))
	}
	if len(got[0].Files) != 2 {
		t.Errorf("files = %v, want 2 entries", got[0].Files)
	}
	if !got[0].Succeeded() {
		t.Errorf("exit code 0 should succeed")
	}
}

func TestCountOverlappingRunInfos(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Second)

	mk := func(id string, start, finish time.Time) {
		wri := sampleRunInfo(id, "run_1", "w1", "m1", "prj_1")
		wri.StartedAt = start
		wri.FinishedAt = finish
		if err := st.CreateWorkerRunInfo(ctx, wri); err != nil {
			t.Fatal(err)
		}
	}

	mk("wri_self", base, base.Add(time.Minute))
	mk("wri_overlap", base.Add(30*time.Second), base.Add(90*time.Second))
	mk("wri_before", base.Add(-time.Hour), base.Add(-30*time.Minute))
	mk("wri_after", base.Add(2*time.Hour), base.Add(3*time.Hour))

	n, err := st.CountOverlappingRunInfos(ctx, "m1", base, base.Add(time.Minute), "wri_self")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Errorf("overlapping = %d, want 1", n)
	}
}

func TestListPreviousRunCandidates(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	done := sampleJobrun("run_done", "prj_1")
	done.State = model.JobrunCompleted
	if err := st.CreateJobrun(ctx, done); err != nil {
		t.Fatal(err)
	}
	open := sampleJobrun("run_open", "prj_1")
	open.State = model.JobrunRunning
	if err := st.CreateJobrun(ctx, open); err != nil {
		t.Fatal(err)
	}

	match := sampleRunInfo("wri_match", "run_done", "w1", "m1", "prj_1")
	match.Files = []string{"a", "b", "c"}
	failed := sampleRunInfo("wri_failed", "run_done", "w1", "m1", "prj_1")
	failed.Files = []string{"a", "b", "c"}
	failed.ExitCode = "1"
	wrongCount := sampleRunInfo("wri_two", "run_done", "w1", "m1", "prj_1")
	openRun := sampleRunInfo("wri_open", "run_open", "w1", "m1", "prj_1")
	openRun.Files = []string{"a", "b", "c"}

	for _, wri := range []*model.WorkerRunInfo{match, failed, wrongCount, openRun} {
		if err := st.CreateWorkerRunInfo(ctx, wri); err != nil {
			t.Fatal(err)
		}
	}

	got, err := st.ListPreviousRunCandidates(ctx, "prj_1", 3)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].ID != "wri_match" {
		t.Errorf("got %d candidates, want just wri_match", len(got))
	}
}

func TestListUnprocessedRunInfos(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	done := sampleJobrun("run_done", "prj_1")
	done.State = model.JobrunCompleted
	if err := st.CreateJobrun(ctx, done); err != nil {
		t.Fatal(err)
	}

	wri := sampleRunInfo("wri_1", "run_done", "w1", "m1", "prj_1")
	if err := st.CreateWorkerRunInfo(ctx, wri); err != nil {
		t.Fatal(err)
	}

	got, err := st.ListUnprocessedRunInfos(ctx, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d infos, want 1", len(got))
	}

	if err := st.MarkRunInfoProcessed(ctx, "wri_1"); err != nil {
		t.Fatalf("mark: %v", err)
	}
	got, err = st.ListUnprocessedRunInfos(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("processed info should not be listed")
	}
}

// --- TestFile tests ---

func TestUpsertTestFile(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	f1, err := st.UpsertTestFile(ctx, "prj_1", "spec/a_spec.rb", now)
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if f1.RuntimeMS != 0 {
		t.Errorf("new file runtime = %d, want 0", f1.RuntimeMS)
	}

	if err := st.UpdateTestFileTiming(ctx, f1.ID, 2500, 1, now); err != nil {
		t.Fatalf("update timing: %v", err)
	}

	// Upserting again returns the same record with timing intact.
	f2, err := st.UpsertTestFile(ctx, "prj_1", "spec/a_spec.rb", now)
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if f2.ID != f1.ID {
		t.Errorf("upsert created a duplicate: %s vs %s", f2.ID, f1.ID)
	}
	if f2.RuntimeMS != 2500 {
		t.Errorf("runtime = %d, want 2500", f2.RuntimeMS)
	}
}

func TestMeanKnownRuntimeMS(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	_, ok, err := st.MeanKnownRuntimeMS(ctx, "prj_1")
	if err != nil {
		t.Fatalf("mean: %v", err)
	}
	if ok {
		t.Errorf("empty project should have no mean")
	}

	for i, runtime := range []int64{50000, 10000, 10000, 10000, 0} {
		f, err := st.UpsertTestFile(ctx, "prj_1", fmt.Sprintf("spec/%d_spec.rb", i), now)
		if err != nil {
			t.Fatal(err)
		}
		if runtime > 0 {
			if err := st.UpdateTestFileTiming(ctx, f.ID, runtime, 1, now); err != nil {
				t.Fatal(err)
			}
		}
	}

	mean, ok, err := st.MeanKnownRuntimeMS(ctx, "prj_1")
	if err != nil {
		t.Fatalf("mean: %v", err)
	}
	if !ok {
		t.Fatal("expected a mean")
	}
	// Untimed files are excluded from the average.
	if mean != 20000 {
		t.Errorf("mean = %v, want 20000", mean)
	}
}

// --- Schedule tests ---

func TestGetSchedule_Fallback(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	got, err := st.GetSchedule(ctx, "prj_1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != nil {
		t.Errorf("no schedules yet, expected nil")
	}

	def := &model.Schedule{ID: "sch_default", DayPercent: 0.9, NightPercent: 0.4, CreatedAt: now, UpdatedAt: now}
	if err := st.UpsertSchedule(ctx, def); err != nil {
		t.Fatal(err)
	}

	got, err = st.GetSchedule(ctx, "prj_1")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.ID != "sch_default" {
		t.Fatalf("expected fallback to default schedule, got %v", got)
	}

	scoped := &model.Schedule{ID: "sch_prj", ProjectID: "prj_1", DayPercent: 0.8, NightPercent: 0.3, CreatedAt: now, UpdatedAt: now}
	if err := st.UpsertSchedule(ctx, scoped); err != nil {
		t.Fatal(err)
	}

	got, err = st.GetSchedule(ctx, "prj_1")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.ID != "sch_prj" {
		t.Fatalf("expected project schedule, got %v", got)
	}
	if got.DayPercent != 0.8 {
		t.Errorf("day percent = %v, want 0.8", got.DayPercent)
	}
}

// --- Project tests ---

func TestGetProjectByToken(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	p := sampleProject("prj_1")
	if err := st.CreateProject(ctx, p); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := st.GetProjectByToken(ctx, p.Token)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil || got.ID != "prj_1" {
		t.Errorf("expected prj_1, got %v", got)
	}

	got, err = st.GetProjectByToken(ctx, "bogus")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Errorf("bogus token should return nil")
	}
}

func TestReserveWorker_RebuildHashMismatch(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := st.CreateMachine(ctx, sampleMachine("m1")); err != nil {
		t.Fatal(err)
	}
	hash := "oldhash"
	w := sampleWorker("w1", "m1")
	w.RebuildHash = &hash
	if err := st.CreateWorker(ctx, w); err != nil {
		t.Fatal(err)
	}

	ok, err := st.ReserveWorker(ctx, ReserveParams{
		WorkerUID: "w1", ProjectID: "prj_1", SupervisorUID: "sup_1", JobrunID: "run_1",
		RebuildHash: "newhash",
		RAMRequired: 1000, StaleCutoff: now.Add(-120 * time.Second), Now: now,
	})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if ok {
		t.Fatal("worker with a different rebuild hash should not be reservable")
	}

	// The matching hash goes through.
	ok, err = st.ReserveWorker(ctx, ReserveParams{
		WorkerUID: "w1", ProjectID: "prj_1", SupervisorUID: "sup_1", JobrunID: "run_1",
		RebuildHash: "oldhash",
		RAMRequired: 1000, StaleCutoff: now.Add(-120 * time.Second), Now: now,
	})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if !ok {
		t.Fatal("worker with the matching rebuild hash should be reservable")
	}
}
