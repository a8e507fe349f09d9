package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"

	"github.com/brisktest/brisk/pkg/model"
)

type startRunData struct {
	Jobrun  *model.Jobrun   `json:"jobrun"`
	Workers []*model.Worker `json:"workers"`
}

func startTestRun(t *testing.T, srv *Server, token string, numWorkers int) startRunData {
	t.Helper()
	body := fmt.Sprintf(`{"supervisor_uid":"sup1","num_workers":%d,"branch":"main"}`, numWorkers)
	w, env := doReq(t, srv, "POST", "/api/v1/runs/", body, token)
	if w.Code != http.StatusCreated {
		t.Fatalf("start run: status=%d, body=%s", w.Code, w.Body.String())
	}
	var data startRunData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("decode run: %v", err)
	}
	return data
}

func TestStartRun(t *testing.T) {
	srv := testServer(t)
	p := seedProject(t, srv, "p1")
	seedMachine(t, srv, "m1")
	seedWorker(t, srv, "w1", "m1")
	seedWorker(t, srv, "w2", "m1")

	data := startTestRun(t, srv, p.Token, 2)
	if data.Jobrun.State != model.JobrunRunning {
		t.Errorf("run state = %s, want running", data.Jobrun.State)
	}
	if len(data.Workers) != 2 {
		t.Errorf("workers = %d, want 2", len(data.Workers))
	}
	for _, worker := range data.Workers {
		if worker.ProjectID == nil || *worker.ProjectID != "p1" {
			t.Errorf("worker %s not bound to p1", worker.UID)
		}
	}
}

func TestStartRun_MissingSupervisor(t *testing.T) {
	srv := testServer(t)
	p := seedProject(t, srv, "p1")

	w, env := doReq(t, srv, "POST", "/api/v1/runs/", `{"num_workers":2}`, p.Token)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status=%d, want 400", w.Code)
	}
	if env.Error == nil || env.Error.Code != model.ErrValidation {
		t.Errorf("error = %v, want VALIDATION_ERROR", env.Error)
	}
}

func TestStartRun_NoWorkersAvailable(t *testing.T) {
	srv := testServer(t)
	p := seedProject(t, srv, "p1")

	w, env := doReq(t, srv, "POST", "/api/v1/runs/",
		`{"supervisor_uid":"sup1","num_workers":2}`, p.Token)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status=%d, want 429, body=%s", w.Code, w.Body.String())
	}
	if env.Error == nil || env.Error.Code != model.ErrCapacityExhausted {
		t.Errorf("error = %v, want CAPACITY_EXHAUSTED", env.Error)
	}
}

func TestGetRun_ForeignProjectHidden(t *testing.T) {
	srv := testServer(t)
	p1 := seedProject(t, srv, "p1")
	p2 := seedProject(t, srv, "p2")
	seedMachine(t, srv, "m1")
	seedWorker(t, srv, "w1", "m1")
	seedWorker(t, srv, "w2", "m1")

	data := startTestRun(t, srv, p1.Token, 2)

	w, _ := doReq(t, srv, "GET", "/api/v1/runs/"+data.Jobrun.ID, "", p2.Token)
	if w.Code != http.StatusNotFound {
		t.Fatalf("foreign run status=%d, want 404", w.Code)
	}

	w, _ = doReq(t, srv, "GET", "/api/v1/runs/"+data.Jobrun.ID, "", p1.Token)
	if w.Code != http.StatusOK {
		t.Fatalf("own run status=%d, want 200", w.Code)
	}
}

func TestLogRun_CompletesRun(t *testing.T) {
	srv := testServer(t)
	p := seedProject(t, srv, "p1")
	seedMachine(t, srv, "m1")
	seedWorker(t, srv, "w1", "m1")
	seedWorker(t, srv, "w2", "m1")

	data := startTestRun(t, srv, p.Token, 2)

	for _, worker := range data.Workers {
		body := fmt.Sprintf(
			`{"worker_uid":%q,"files":["a_spec.rb"],"exit_code":"0","ms_time_taken":4000}`,
			worker.UID)
		w, _ := doReq(t, srv, "POST", "/api/v1/runs/"+data.Jobrun.ID+"/log", body, p.Token)
		if w.Code != http.StatusCreated {
			t.Fatalf("log run: status=%d, body=%s", w.Code, w.Body.String())
		}
	}

	jobrun, _ := srv.store.GetJobrun(context.Background(), data.Jobrun.ID)
	if jobrun.State != model.JobrunCompleted {
		t.Errorf("run state = %s, want completed", jobrun.State)
	}
}

func TestLogRun_MissingFields(t *testing.T) {
	srv := testServer(t)
	p := seedProject(t, srv, "p1")
	seedMachine(t, srv, "m1")
	seedWorker(t, srv, "w1", "m1")
	seedWorker(t, srv, "w2", "m1")

	data := startTestRun(t, srv, p.Token, 2)

	w, env := doReq(t, srv, "POST", "/api/v1/runs/"+data.Jobrun.ID+"/log", `{}`, p.Token)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status=%d, want 400", w.Code)
	}
	if env.Error == nil || len(env.Error.Details) != 2 {
		t.Errorf("error = %v, want worker_uid and exit_code details", env.Error)
	}
}

func TestFinishRun(t *testing.T) {
	srv := testServer(t)
	p := seedProject(t, srv, "p1")
	seedMachine(t, srv, "m1")
	seedWorker(t, srv, "w1", "m1")
	seedWorker(t, srv, "w2", "m1")

	data := startTestRun(t, srv, p.Token, 2)
	for _, worker := range data.Workers {
		body := fmt.Sprintf(
			`{"worker_uid":%q,"files":["a_spec.rb"],"exit_code":"0","ms_time_taken":4000}`,
			worker.UID)
		doReq(t, srv, "POST", "/api/v1/runs/"+data.Jobrun.ID+"/log", body, p.Token)
	}

	w, env := doReq(t, srv, "POST", "/api/v1/runs/"+data.Jobrun.ID+"/finish",
		`{"supervisor_uid":"sup1"}`, p.Token)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d, want 200, body=%s", w.Code, w.Body.String())
	}

	var finished model.Jobrun
	json.Unmarshal(env.Data, &finished)
	if finished.State != model.JobrunCompleted {
		t.Errorf("state = %s, want completed", finished.State)
	}
}

func TestFinishRun_InvalidStatus(t *testing.T) {
	srv := testServer(t)
	p := seedProject(t, srv, "p1")
	seedMachine(t, srv, "m1")
	seedWorker(t, srv, "w1", "m1")
	seedWorker(t, srv, "w2", "m1")

	data := startTestRun(t, srv, p.Token, 2)

	w, env := doReq(t, srv, "POST", "/api/v1/runs/"+data.Jobrun.ID+"/finish",
		`{"status":"bogus"}`, p.Token)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status=%d, want 400", w.Code)
	}
	if env.Error == nil || env.Error.Code != model.ErrValidation {
		t.Errorf("error = %v, want VALIDATION_ERROR", env.Error)
	}
}

func TestListRuns_ScopedToProject(t *testing.T) {
	srv := testServer(t)
	p1 := seedProject(t, srv, "p1")
	p2 := seedProject(t, srv, "p2")
	seedMachine(t, srv, "m1")
	seedWorker(t, srv, "w1", "m1")
	seedWorker(t, srv, "w2", "m1")

	startTestRun(t, srv, p1.Token, 2)

	w, env := doReq(t, srv, "GET", "/api/v1/runs/", "", p2.Token)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d, want 200", w.Code)
	}
	var runs []model.Jobrun
	json.Unmarshal(env.Data, &runs)
	if len(runs) != 0 {
		t.Errorf("p2 sees %d runs, want 0", len(runs))
	}

	_, env = doReq(t, srv, "GET", "/api/v1/runs/", "", p1.Token)
	json.Unmarshal(env.Data, &runs)
	if len(runs) != 1 {
		t.Errorf("p1 sees %d runs, want 1", len(runs))
	}
}
