package gateway_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"
	"go.uber.org/zap"

	"architect/pkg/classify"
	"architect/pkg/dispatch"
	"architect/pkg/gateway"
	"architect/pkg/lockmgr"
	"architect/pkg/oversight"
	"architect/pkg/protocol"
	"architect/pkg/queue"
)

type env struct {
	srv   *gateway.Server
	store *queue.Store
	locks *lockmgr.Manager
	reg   *dispatch.Registry
}

func newEnv(t *testing.T) *env {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "architect.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if _, err := db.Exec(protocol.SchemaDDL); err != nil {
		t.Fatalf("init schema: %v", err)
	}

	e := &env{
		store: queue.NewStore(db),
		locks: lockmgr.New(db),
		reg:   dispatch.NewRegistry(db),
	}
	e.srv = gateway.New("127.0.0.1:0", e.store, e.reg, e.locks,
		oversight.New(db, e.store), classify.New(classify.DefaultRules()), zap.NewNop())
	return e
}

func (e *env) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	e := newEnv(t)
	rec := e.do(t, http.MethodGet, "/api/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestSubmitAndGetTask(t *testing.T) {
	e := newEnv(t)

	rec := e.do(t, http.MethodPost, "/api/tasks",
		`{"content": "deploy the api service", "working_directory": "/proj"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("submit status = %d: %s", rec.Code, rec.Body)
	}
	var resp struct {
		Task      *protocol.Task `json:"task"`
		Duplicate bool           `json:"duplicate"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Task == nil || resp.Task.Status != protocol.TaskPending {
		t.Fatalf("unexpected submit response: %s", rec.Body)
	}
	// The classifier ran: "deploy" maps to deployment work.
	if resp.Task.WorkType != protocol.WorkDeployment {
		t.Errorf("work type = %s, want deployment", resp.Task.WorkType)
	}

	rec = e.do(t, http.MethodGet, "/api/tasks/1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}

	// Resubmission reports the duplicate instead of enqueueing.
	rec = e.do(t, http.MethodPost, "/api/tasks",
		`{"content": "deploy the api service", "working_directory": "/proj"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("duplicate status = %d", rec.Code)
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if !resp.Duplicate {
		t.Errorf("duplicate not reported: %s", rec.Body)
	}
}

func TestSubmitValidationError(t *testing.T) {
	e := newEnv(t)
	rec := e.do(t, http.MethodPost, "/api/tasks", `{"content": "", "working_directory": "/p"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
	rec = e.do(t, http.MethodPost, "/api/tasks", `not json`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestListTasksFilter(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	for _, content := range []string{"task one", "task two"} {
		if _, _, err := e.store.Submit(ctx, queue.SubmitParams{
			Content: content, WorkingDirectory: "/p", WorkType: protocol.WorkDevelopment,
		}); err != nil {
			t.Fatal(err)
		}
	}
	if won, err := e.store.Claim(ctx, 1, "w1", time.Hour); err != nil || !won {
		t.Fatalf("claim: %v", err)
	}

	rec := e.do(t, http.MethodGet, "/api/tasks?status=pending", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var tasks []protocol.Task
	if err := json.Unmarshal(rec.Body.Bytes(), &tasks); err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 1 || tasks[0].ID != 2 {
		t.Errorf("filtered tasks = %+v", tasks)
	}
}

func TestRetryAndCancel(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	task, _, err := e.store.Submit(ctx, queue.SubmitParams{
		Content: "will fail", WorkingDirectory: "/p",
		WorkType: protocol.WorkDevelopment, MaxRetries: 1,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.store.Claim(ctx, task.ID, "w1", time.Hour); err != nil {
		t.Fatal(err)
	}
	if _, err := e.store.RetryOrFail(ctx, task.ID, "boom"); err == nil {
		t.Fatal("expected exhaustion")
	}

	rec := e.do(t, http.MethodPost, "/api/tasks/1/retry", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("retry status = %d: %s", rec.Code, rec.Body)
	}
	var got protocol.Task
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.Status != protocol.TaskPending || got.RetryCount != 0 {
		t.Errorf("after retry: %+v", got)
	}

	rec = e.do(t, http.MethodPost, "/api/tasks/1/cancel", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel status = %d", rec.Code)
	}
	// Cancelling a cancelled task conflicts.
	rec = e.do(t, http.MethodPost, "/api/tasks/1/cancel", "")
	if rec.Code != http.StatusConflict {
		t.Errorf("repeat cancel status = %d, want 409", rec.Code)
	}
}

func TestWorkersLocksStats(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	if err := e.reg.Add(ctx, protocol.Worker{Name: "w1", Session: "s:0.1"}); err != nil {
		t.Fatal(err)
	}
	if ok, _ := e.locks.Acquire(ctx, "/proj", "w1", time.Hour); !ok {
		t.Fatal("lock not acquired")
	}
	if _, _, err := e.store.Submit(ctx, queue.SubmitParams{
		Content: "count me", WorkingDirectory: "/p", WorkType: protocol.WorkDevelopment,
	}); err != nil {
		t.Fatal(err)
	}

	rec := e.do(t, http.MethodGet, "/api/workers", "")
	var workers []protocol.Worker
	if err := json.Unmarshal(rec.Body.Bytes(), &workers); err != nil {
		t.Fatal(err)
	}
	if len(workers) != 1 || workers[0].Name != "w1" {
		t.Errorf("workers = %+v", workers)
	}

	rec = e.do(t, http.MethodGet, "/api/locks", "")
	var locks []protocol.DirectoryLock
	if err := json.Unmarshal(rec.Body.Bytes(), &locks); err != nil {
		t.Fatal(err)
	}
	if len(locks) != 1 || locks[0].DirectoryPath != "/proj" {
		t.Errorf("locks = %+v", locks)
	}

	rec = e.do(t, http.MethodGet, "/api/stats", "")
	var stats map[string]int
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatal(err)
	}
	if stats["pending"] != 1 {
		t.Errorf("stats = %v", stats)
	}
}

func TestSendDirective(t *testing.T) {
	e := newEnv(t)

	rec := e.do(t, http.MethodPost, "/api/directives",
		`{"type": "guidance", "content": "keep commits small", "target": "w1"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp["id"]) != 8 {
		t.Errorf("directive id = %q", resp["id"])
	}

	rec = e.do(t, http.MethodPost, "/api/directives",
		`{"type": "suggestion", "content": "x"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad type status = %d, want 400", rec.Code)
	}
}
